package framework

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Subscriber 订阅者：从 Broker 拉取消息流，转发给 Processor；消息流断开后按指数退避重连
type Subscriber struct {
	cfg        *SubscriberConfig
	broker     Broker
	observer   Observer
	logger     Logger
	cancelFunc context.CancelFunc // 取消函数
	wg         sync.WaitGroup
}

// NewSubscriber 创建订阅者
func NewSubscriber(cfg *SubscriberConfig, broker Broker, observer Observer, logger Logger) *Subscriber {
	if observer == nil {
		observer = Observers(nil)
	}
	return &Subscriber{
		cfg:      cfg,
		broker:   broker,
		observer: observer,
		logger:   logger,
	}
}

// Start 启动订阅循环
func (s *Subscriber) Start(parentCtx context.Context, inputChan chan<- *Message) error {
	// 从父 Context 派生子 Context
	ctx, cancel := context.WithCancel(parentCtx)
	s.cancelFunc = cancel

	s.logger.Infof(ctx, "[Subscriber] Starting for queue: %s", s.cfg.QueueName)

	s.wg.Add(1)
	go s.loop(ctx, inputChan)

	return nil
}

// Stop 停止订阅（不再拉取新消息）
func (s *Subscriber) Stop() {
	s.logger.Infof(context.Background(), "[Subscriber] Stopping...")
	if s.cancelFunc != nil {
		s.cancelFunc() // 触发 ctx.Done()
	}
}

// Wait 等待订阅协程退出
func (s *Subscriber) Wait() {
	s.wg.Wait()
	s.logger.Infof(context.Background(), "[Subscriber] Exited")
}

func (s *Subscriber) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.ReconnectBase
	b.MaxInterval = s.cfg.ReconnectMax
	b.RandomizationFactor = s.cfg.ReconnectJitter
	b.Multiplier = 2
	b.MaxElapsedTime = 0 // 运行期间无限重试
	b.Reset()
	return b
}

// loop 订阅循环
func (s *Subscriber) loop(ctx context.Context, inputChan chan<- *Message) {
	defer s.wg.Done()

	bo := s.newBackOff()
	connected := false

	for {
		// 1. 订阅（必要时建立连接）
		stream, err := s.broker.Consume(ctx, s.cfg.QueueName)
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Infof(ctx, "[Subscriber] Context cancelled, exiting")
				return
			}

			delay := bo.NextBackOff()
			s.logger.Warnf(ctx, "[Subscriber] Consume %s failed: %v, retrying in %v", s.cfg.QueueName, err, delay)
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}

		if connected {
			s.observer.Reconnected(ctx, s.cfg.QueueName)
			s.logger.Infof(ctx, "[Subscriber] Resubscribed to queue: %s", s.cfg.QueueName)
		}
		connected = true
		bo.Reset()

		// 2. 转发消息，直到消息流断开或退出
		if s.forward(ctx, stream, inputChan) {
			s.logger.Infof(ctx, "[Subscriber] Context cancelled, exiting")
			return
		}

		// 3. 消息流断开，退避后重连
		delay := bo.NextBackOff()
		s.logger.Warnf(ctx, "[Subscriber] Stream of %s terminated, reconnecting in %v", s.cfg.QueueName, delay)
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

// forward 转发消息；返回 true 表示 ctx 已结束
func (s *Subscriber) forward(ctx context.Context, stream <-chan *Message, inputChan chan<- *Message) bool {
	for {
		select {
		case <-ctx.Done():
			return true

		case msg, ok := <-stream:
			if !ok {
				return false
			}

			select {
			case inputChan <- msg:
				s.logger.Debugf(ctx, "[Subscriber] Message sent: %s", msg.Label())

			case <-ctx.Done():
				// 未交付的消息保持未确认，连接关闭后由 broker 重新投递
				s.logger.Warnf(ctx, "[Subscriber] Leaving message unacked due to shutdown: %s", msg.Label())
				return true
			}
		}
	}
}

// sleepCtx 等待 d；ctx 结束返回 false
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
