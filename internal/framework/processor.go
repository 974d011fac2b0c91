package framework

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"oip/photosync/pkg/errorutil"
	"oip/photosync/pkg/logger"
)

// ProcessorDeps Processor 依赖
type ProcessorDeps struct {
	Broker   Broker
	Decoder  Decoder
	Handler  Handler
	Store    Store
	Policy   *RetryPolicy
	Observer Observer // 可选
}

// Processor 处理器：解码、调用 Handler、落库，最后 ack 或 nack
type Processor struct {
	cfg        *ProcessorConfig
	deps       ProcessorDeps
	logger     Logger
	shutdownCh chan struct{} // 退出信号通道
	hardCancel context.CancelFunc
	wg         sync.WaitGroup
	once       sync.Once
}

// NewProcessor 创建处理器
func NewProcessor(cfg *ProcessorConfig, deps ProcessorDeps, logger Logger) *Processor {
	if deps.Observer == nil {
		deps.Observer = Observers(nil)
	}
	return &Processor{
		cfg:        cfg,
		deps:       deps,
		logger:     logger,
		shutdownCh: make(chan struct{}),
	}
}

// Start 启动处理协程
func (p *Processor) Start(ctx context.Context, inputChan <-chan *Message) error {
	p.logger.Infof(ctx, "[Processor] Starting with %d workers", p.cfg.Concurrency)

	// handler 使用的 Context：超过退出等待上限后统一取消
	hardCtx, cancel := context.WithCancel(ctx)
	p.hardCancel = cancel

	for i := 0; i < p.cfg.Concurrency; i++ {
		workerID := i
		p.wg.Add(1)
		go p.loop(hardCtx, workerID, inputChan)
	}

	return nil
}

// SignalShutdown 通知 Processor 准备退出（进入 Drain 模式）
func (p *Processor) SignalShutdown() {
	p.once.Do(func() {
		p.logger.Infof(context.Background(), "[Processor] Shutdown signal received")
		close(p.shutdownCh)
	})
}

// Wait 等待所有处理协程退出；超过 timeout 后取消在途 Handler，返回 false
func (p *Processor) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	graceful := true
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-done:
		case <-t.C:
			graceful = false
			p.logger.Warnf(context.Background(), "[Processor] Shutdown timeout %v exceeded, cancelling in-flight handlers", timeout)
			p.cancel()
			<-done
		}
	} else {
		<-done
	}

	p.cancel()
	p.logger.Infof(context.Background(), "[Processor] All workers exited")
	return graceful
}

func (p *Processor) cancel() {
	if p.hardCancel != nil {
		p.hardCancel()
	}
}

// loop 处理循环（单个 Worker）
func (p *Processor) loop(ctx context.Context, workerID int, inputChan <-chan *Message) {
	defer p.wg.Done()
	p.logger.Infof(ctx, "[Processor-%d] Started", workerID)

	for {
		select {
		// A. 正常业务处理
		case msg := <-inputChan:
			p.process(ctx, msg, workerID)

		// B. Drain 模式：处理完缓冲区剩余消息再退出
		case <-p.shutdownCh:
			p.logger.Infof(ctx, "[Processor-%d] Entering DRAIN mode", workerID)
			count := 0
			for {
				select {
				case msg := <-inputChan:
					p.process(ctx, msg, workerID)
					count++
				default:
					p.logger.Infof(ctx, "[Processor-%d] Drained %d messages, exiting", workerID, count)
					return
				}
			}
		}
	}
}

// process 处理单个消息，所有路径都以 ack 或 nack 结束
func (p *Processor) process(ctx context.Context, msg *Message, workerID int) {
	if msg == nil {
		return
	}

	startTime := time.Now()
	ctx = logger.WithWorkerID(ctx, workerID)
	ctx = logger.WithMessageID(ctx, msg.Label())

	// 1. 解码；毒消息直接 ack 丢弃
	item, err := p.deps.Decoder(msg)
	if err != nil {
		if !errorutil.IsKind(err, errorutil.KindDecode) {
			err = errorutil.Decode("decode message failed", err)
		}
		p.logger.Warnf(ctx, "[Processor-%d] Dropping undecodable message %s: %v", workerID, msg.Label(), err)
		p.ack(ctx, workerID, msg)
		p.deps.Observer.Terminal(ctx, &Event{
			Message:  msg,
			State:    StateDropped,
			Outcome:  Fatal(err),
			Duration: time.Since(startTime),
		})
		return
	}

	ctx = logger.WithPhotoID(ctx, item.Key)
	ctx = logger.WithKind(ctx, item.Kind)

	// 2. 尝试次数已用完的消息不再调用 Handler
	var outcome Outcome
	if p.deps.Policy.Exhausted(item) {
		outcome = Fatal(errorutil.Fatal(
			fmt.Sprintf("attempts exhausted: %d >= %d", item.Attempt, p.deps.Policy.MaxAttempts), nil))
	} else {
		p.logger.Debugf(ctx, "[Processor-%d] Processing %s (attempt %d)", workerID, msg.Label(), item.Attempt)
		outcome = p.invoke(ctx, item)
	}

	// 3. 根据结果落库并 ack / nack
	state := p.settle(ctx, workerID, item, outcome)

	p.deps.Observer.Terminal(ctx, &Event{
		Message:  msg,
		Item:     item,
		State:    state,
		Outcome:  outcome,
		Duration: time.Since(startTime),
	})
}

// invoke 在超时控制下调用 Handler；超时或被取消视为可重试，panic 视为不可重试
func (p *Processor) invoke(ctx context.Context, item *WorkItem) Outcome {
	procCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	done := make(chan Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Fatal(errorutil.Fatal(fmt.Sprintf("handler panic: %v", r), nil))
			}
		}()
		done <- p.deps.Handler.Handle(procCtx, item)
	}()

	select {
	case outcome := <-done:
		if outcome.Kind != OutcomeSuccess && errors.Is(procCtx.Err(), context.DeadlineExceeded) {
			return Retryable(errorutil.HandlerTimeout(
				fmt.Sprintf("handler exceeded %v", p.cfg.Timeout), outcome.Err))
		}
		return outcome

	case <-procCtx.Done():
		if errors.Is(procCtx.Err(), context.DeadlineExceeded) {
			return Retryable(errorutil.HandlerTimeout(
				fmt.Sprintf("handler exceeded %v", p.cfg.Timeout), procCtx.Err()))
		}
		return Retryable(errorutil.Transient("handler cancelled by shutdown", procCtx.Err()))
	}
}

// settle 按重试策略处理结果，返回最终状态
func (p *Processor) settle(ctx context.Context, workerID int, item *WorkItem, outcome Outcome) State {
	decision := p.deps.Policy.Decide(item, outcome)

	switch decision.State {
	case StateSucceeded:
		// 先落库再 ack：落库失败的消息必须还能被重新投递
		storeCtx, cancel := p.storeContext(ctx)
		err := p.deps.Store.PersistResult(storeCtx, item, outcome)
		cancel()
		if err != nil {
			if !errorutil.IsKind(err, errorutil.KindStore) {
				err = errorutil.Store("persist result failed", err)
			}
			p.logger.Warnf(ctx, "[Processor-%d] Persist result of %s failed: %v", workerID, item.Raw.Label(), err)
			return p.settle(ctx, workerID, item, Retryable(err))
		}

		p.ack(ctx, workerID, item.Raw)
		p.logger.Infof(ctx, "[Processor-%d] Message %s succeeded (key=%s, attempt=%d)",
			workerID, item.Raw.Label(), item.Key, item.Attempt)

	case StateRetrying:
		p.logger.Warnf(ctx, "[Processor-%d] Message %s failed (key=%s, attempt=%d), requeue in %v: %s",
			workerID, item.Raw.Label(), item.Key, item.Attempt, decision.Delay, outcome.Reason())
		p.requeue(ctx, workerID, item.Raw, decision.Delay)

	case StateDeadLettered:
		dl := p.deps.Policy.NewDeadLetter(item, outcome)

		storeCtx, cancel := p.storeContext(ctx)
		err := p.deps.Store.PersistDeadLetter(storeCtx, dl)
		cancel()
		if err != nil {
			// 死信未落盘，重新投递后由 Exhausted 检查再次进入死信
			p.logger.Errorf(ctx, "[Processor-%d] Persist dead letter of %s failed: %v", workerID, item.Raw.Label(), err)
			p.requeue(ctx, workerID, item.Raw, p.deps.Policy.Delay(item.Attempt))
			return StateRetrying
		}

		p.ack(ctx, workerID, item.Raw)
		p.logger.Errorf(ctx, "[Processor-%d] Message %s dead-lettered (key=%s, attempts=%d, kind=%s): %s",
			workerID, item.Raw.Label(), item.Key, dl.AttemptCount, dl.Kind, dl.Reason)
	}

	return decision.State
}

// storeContext 落库 / ack 使用的 Context：不受退出取消影响，但有独立超时
func (p *Processor) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := p.cfg.StoreTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

// requeue 等待退避时间后重新入队；收到退出信号时立即入队
func (p *Processor) requeue(ctx context.Context, workerID int, msg *Message, delay time.Duration) {
	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-p.shutdownCh:
		case <-ctx.Done():
		}
		t.Stop()
	}

	storeCtx, cancel := p.storeContext(ctx)
	defer cancel()

	if err := p.deps.Broker.Nack(storeCtx, msg, true); err != nil {
		p.logAckError(ctx, workerID, "nack", msg, err)
	}
}

func (p *Processor) ack(ctx context.Context, workerID int, msg *Message) {
	storeCtx, cancel := p.storeContext(ctx)
	defer cancel()

	if err := p.deps.Broker.Ack(storeCtx, msg); err != nil {
		p.logAckError(ctx, workerID, "ack", msg, err)
	}
}

func (p *Processor) logAckError(ctx context.Context, workerID int, op string, msg *Message, err error) {
	if errors.Is(err, ErrStaleDelivery) {
		p.logger.Warnf(ctx, "[Processor-%d] Skip %s of %s: %v", workerID, op, msg.Label(), err)
		return
	}
	p.logger.Errorf(ctx, "[Processor-%d] %s %s failed: %v", workerID, op, msg.Label(), err)
}
