package framework

import (
	"context"
	"errors"
)

// ErrStaleDelivery 投递属于已断开的连接，broker 会重新投递，ack/nack 不再发送
var ErrStaleDelivery = errors.New("stale delivery: connection was re-established")

// Broker 消息中间件接口（适配不同 MQ）
type Broker interface {
	// Consume 订阅队列，返回的 channel 在连接断开时关闭；再次调用会重新建立连接
	Consume(ctx context.Context, queue string) (<-chan *Message, error)

	// Ack 确认消息（删除消息）
	Ack(ctx context.Context, msg *Message) error

	// Nack 拒绝消息，requeue 为 true 时重新入队
	Nack(ctx context.Context, msg *Message, requeue bool) error

	Close() error
}

// Store 结果存储接口，所有写入必须幂等
type Store interface {
	PersistResult(ctx context.Context, item *WorkItem, outcome Outcome) error
	PersistDeadLetter(ctx context.Context, dl *DeadLetter) error
}

// Decoder 将原始消息解码为 WorkItem，失败返回 errorutil.KindDecode 错误
type Decoder func(msg *Message) (*WorkItem, error)

// Handler 业务处理器接口
type Handler interface {
	Handle(ctx context.Context, item *WorkItem) Outcome
}

// HandlerFunc 函数形式的 Handler
type HandlerFunc func(ctx context.Context, item *WorkItem) Outcome

// Handle 实现 Handler 接口
func (f HandlerFunc) Handle(ctx context.Context, item *WorkItem) Outcome {
	return f(ctx, item)
}

// Observer 终态观察者（指标、通知），不能影响消息的处理结果
type Observer interface {
	Terminal(ctx context.Context, ev *Event)
	Reconnected(ctx context.Context, queue string)
}

// Observers 组合多个 Observer
type Observers []Observer

// Terminal 实现 Observer 接口
func (os Observers) Terminal(ctx context.Context, ev *Event) {
	for _, o := range os {
		if o != nil {
			o.Terminal(ctx, ev)
		}
	}
}

// Reconnected 实现 Observer 接口
func (os Observers) Reconnected(ctx context.Context, queue string) {
	for _, o := range os {
		if o != nil {
			o.Reconnected(ctx, queue)
		}
	}
}

// Logger 日志接口
type Logger interface {
	Debugf(ctx context.Context, format string, args ...interface{})
	Infof(ctx context.Context, format string, args ...interface{})
	Warnf(ctx context.Context, format string, args ...interface{})
	Errorf(ctx context.Context, format string, args ...interface{})
}

// StepFunc 处理步骤
type StepFunc func(ctx context.Context) error
