package worker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"oip/photosync/internal/framework"
	"oip/photosync/pkg/config"
	"oip/photosync/pkg/logger"
)

// Manager 接口
type Manager interface {
	Start() error
	Shutdown() bool
}

// Components Worker 共享的运行时组件
type Components struct {
	Broker   framework.Broker
	Store    framework.Store
	Decoder  framework.Decoder
	Handler  framework.Handler
	Observer framework.Observer
	Closers  []func() error // Worker 全部退出后按顺序调用
}

// ManagerInstance Manager 实例
type ManagerInstance struct {
	ctx        context.Context
	cfg        *config.Config
	comps      *Components
	policy     *framework.RetryPolicy
	workers    []Worker
	group      *errgroup.Group
	closing    *atomic.Bool
	shutdownCh chan struct{}
	mu         sync.RWMutex
	logger     logger.Logger
}

// NewManagerInstance 等待依赖就绪、建立连接并创建 Manager
func NewManagerInstance(ctx context.Context, cfg *config.Config, log logger.Logger) (Manager, error) {
	comps, err := Bootstrap(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return NewManagerWithComponents(ctx, cfg, comps, log), nil
}

// NewManagerWithComponents 使用已创建的组件创建 Manager
// ctx 只提供 value，其取消不会停止 Worker，停止只能通过 Shutdown
func NewManagerWithComponents(ctx context.Context, cfg *config.Config, comps *Components, log logger.Logger) *ManagerInstance {
	return &ManagerInstance{
		ctx:        context.WithoutCancel(ctx),
		cfg:        cfg,
		comps:      comps,
		policy:     framework.NewRetryPolicy(cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay, cfg.Retry.MaxDelay, cfg.Retry.Jitter),
		workers:    make([]Worker, 0),
		group:      &errgroup.Group{},
		closing:    atomic.NewBool(false),
		shutdownCh: make(chan struct{}),
		logger:     log,
	}
}

// Start 启动所有 Worker，阻塞到 Shutdown 完成
func (m *ManagerInstance) Start() error {
	m.logger.Infof(m.ctx, "[Manager] Starting...")

	m.mu.Lock()
	// Shutdown 先于 Start 执行时不再启动
	if m.closing.Load() {
		m.mu.Unlock()
		return nil
	}

	// 1. 加载所有 Worker
	if err := m.loadWorkers(); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("failed to load workers: %w", err)
	}
	m.logger.Infof(m.ctx, "[Manager] All workers loaded, count: %d", len(m.workers))

	// 2. 启动所有 Worker（每个 Worker 在独立 goroutine）
	for _, w := range m.workers {
		m.group.Go(w.Start)
		m.logger.Infof(m.ctx, "[Manager] Worker started: %s", w.GetName())
	}
	m.mu.Unlock()

	m.logger.Infof(m.ctx, "[Manager] Start success")

	// 3. 阻塞等待退出信号
	<-m.shutdownCh

	return m.group.Wait()
}

// Shutdown 优雅退出，返回所有 Worker 是否在超时前处理完
func (m *ManagerInstance) Shutdown() bool {
	m.logger.Infof(m.ctx, "[Manager] Began to close")

	graceful := true
	// 原子操作，保证并发安全
	if m.closing.CAS(false, true) {
		m.mu.RLock()
		workers := m.workers
		m.mu.RUnlock()

		// 1. 所有 Worker 安全退出
		for _, w := range workers {
			m.logger.Infof(m.ctx, "[Manager] Shutting down worker: %s", w.GetName())
			if !w.Shutdown() {
				graceful = false
			}
		}

		// 2. 等待所有 Worker 退出
		if err := m.group.Wait(); err != nil {
			m.logger.Errorf(m.ctx, "[Manager] Worker exited with error: %v", err)
		}

		// 3. 关闭 broker / store 等资源
		for _, closeFn := range m.comps.Closers {
			if err := closeFn(); err != nil {
				m.logger.Warnf(m.ctx, "[Manager] Close resource failed: %v", err)
			}
		}

		// 4. 关闭信号通道
		close(m.shutdownCh)

		m.logger.Infof(m.ctx, "[Manager] Shutdown complete")
	}
	return graceful
}

// loadWorkers 加载所有 Worker（调用方持有 mu）
func (m *ManagerInstance) loadWorkers() error {
	// 遍历配置中的所有 Worker
	for _, workerCfg := range m.cfg.Workers {
		// 创建 Subscriber 配置
		subCfg := &framework.SubscriberConfig{
			QueueName:       workerCfg.QueueName,
			ReconnectBase:   workerCfg.Subscriber.ReconnectBase,
			ReconnectMax:    workerCfg.Subscriber.ReconnectMax,
			ReconnectJitter: workerCfg.Subscriber.ReconnectJitter,
		}

		// 创建 Processor 配置
		procCfg := &framework.ProcessorConfig{
			Concurrency:  workerCfg.Processor.Threads,
			BufferSize:   workerCfg.Processor.BufferSize,
			Timeout:      workerCfg.Processor.Timeout,
			StoreTimeout: workerCfg.Processor.StoreTimeout,
		}

		// 创建 Worker 实例
		worker, err := NewWorkerInstance(
			m.ctx,
			workerCfg.Name,
			subCfg,
			procCfg,
			framework.ProcessorDeps{
				Broker:   m.comps.Broker,
				Decoder:  m.comps.Decoder,
				Handler:  m.comps.Handler,
				Store:    m.comps.Store,
				Policy:   m.policy,
				Observer: m.comps.Observer,
			},
			m.cfg.App.ShutdownTimeout,
			m.logger,
		)
		if err != nil {
			return fmt.Errorf("failed to create worker %s: %w", workerCfg.Name, err)
		}

		m.workers = append(m.workers, worker)
	}

	return nil
}
