package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"oip/photosync/internal/framework"
	"oip/photosync/pkg/logger"
)

// Worker 接口
type Worker interface {
	Start() error
	Shutdown() bool
	GetName() string
}

// WorkerInstance Worker 实例：一个 Subscriber + 一个 Processor，通过 inputChan 连接
type WorkerInstance struct {
	ctx             context.Context
	name            string
	subscriber      *framework.Subscriber
	processor       *framework.Processor
	inputChan       chan *framework.Message
	shutdownCh      chan struct{}
	shutdownTimeout time.Duration
	logger          logger.Logger

	mu      sync.Mutex
	stopped bool
}

// NewWorkerInstance 创建 Worker 实例
func NewWorkerInstance(
	ctx context.Context,
	name string,
	subscriberCfg *framework.SubscriberConfig,
	processorCfg *framework.ProcessorConfig,
	deps framework.ProcessorDeps,
	shutdownTimeout time.Duration,
	log logger.Logger,
) (Worker, error) {
	if deps.Broker == nil || deps.Store == nil || deps.Handler == nil || deps.Decoder == nil || deps.Policy == nil {
		return nil, fmt.Errorf("worker %s: broker, store, handler, decoder and policy are required", name)
	}
	if processorCfg.Concurrency <= 0 {
		return nil, fmt.Errorf("worker %s: concurrency must be > 0", name)
	}

	// 创建 inputChan（缓冲区）
	inputChan := make(chan *framework.Message, processorCfg.BufferSize)

	// 创建 Subscriber
	subscriber := framework.NewSubscriber(subscriberCfg, deps.Broker, deps.Observer, log)

	// 创建 Processor
	processor := framework.NewProcessor(processorCfg, deps, log)

	return &WorkerInstance{
		ctx:             ctx,
		name:            name,
		subscriber:      subscriber,
		processor:       processor,
		inputChan:       inputChan,
		shutdownCh:      make(chan struct{}),
		shutdownTimeout: shutdownTimeout,
		logger:          log,
	}, nil
}

// Start 启动 Worker，阻塞到 Shutdown 完成
func (w *WorkerInstance) Start() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}

	// 1. 启动 Processor
	if err := w.processor.Start(w.ctx, w.inputChan); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("worker %s: start processor: %w", w.name, err)
	}

	// 2. 启动 Subscriber
	if err := w.subscriber.Start(w.ctx, w.inputChan); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("worker %s: start subscriber: %w", w.name, err)
	}
	w.mu.Unlock()
	w.logger.Infof(w.ctx, "[Worker] %s started", w.name)

	// 3. 阻塞，等待关闭指令
	<-w.shutdownCh
	return nil
}

// Shutdown 优雅退出（4 步链路），返回是否在超时前处理完
func (w *WorkerInstance) Shutdown() bool {
	w.logger.Infof(w.ctx, "[Worker] %s began to close", w.name)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return true
	}
	w.stopped = true

	// 【第 1 步】停止拉取新消息
	w.subscriber.Stop()

	// 【第 2 步】等待 Subscriber 完全退出
	w.subscriber.Wait()

	// 【第 3 步】通知 Processor 进入 Drain 模式
	w.processor.SignalShutdown()

	// 【第 4 步】等待 Processor 处理完剩余消息，超时后取消在途 Handler
	graceful := w.processor.Wait(w.shutdownTimeout)

	close(w.shutdownCh)
	w.logger.Infof(w.ctx, "[Worker] %s shutdown complete (graceful=%v)", w.name, graceful)
	return graceful
}

// GetName 获取 Worker 名称
func (w *WorkerInstance) GetName() string {
	return w.name
}
