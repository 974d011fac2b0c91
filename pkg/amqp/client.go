package amqp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"oip/photosync/internal/framework"
	"oip/photosync/pkg/errorutil"
	"oip/photosync/pkg/logger"
)

// Client AMQP 0.9.1 Broker 实现
// 每次连接建立后 generation 加一，旧连接上的投递无法再 ack/nack
type Client struct {
	opts   *Options
	logger logger.Logger

	mu         sync.Mutex
	conn       *amqp091.Connection
	ch         *amqp091.Channel
	generation uint64
	closed     bool
}

// New 创建客户端（不立即连接）
func New(opts *Options, log logger.Logger) (*Client, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Client{opts: opts, logger: log}, nil
}

// Connect 建立连接；已连接时直接返回
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.channelLocked(ctx)
	return err
}

func (c *Client) channelLocked(ctx context.Context) (*amqp091.Channel, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if c.ch != nil && !c.ch.IsClosed() && c.conn != nil && !c.conn.IsClosed() {
		return c.ch, nil
	}
	c.resetLocked()

	dialer := &net.Dialer{Timeout: c.opts.DialTimeout}
	conn, err := amqp091.DialConfig(c.opts.URI, amqp091.Config{
		Heartbeat: c.opts.Heartbeat,
		Dial: func(network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
	})
	if err != nil {
		return nil, errorutil.Connection("dial broker failed", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errorutil.Connection("open channel failed", err)
	}

	if c.opts.Prefetch > 0 {
		if err := ch.Qos(c.opts.Prefetch, 0, false); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, errorutil.Connection("set prefetch failed", err)
		}
	}

	c.conn = conn
	c.ch = ch
	c.generation++
	c.logger.Infof(ctx, "[Broker] Connected (generation %d, prefetch %d)", c.generation, c.opts.Prefetch)
	return ch, nil
}

func (c *Client) resetLocked() {
	if c.ch != nil {
		_ = c.ch.Close()
		c.ch = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// invalidate 丢弃指定代的连接，下次 Consume 时重新建立
func (c *Client) invalidate(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation == gen {
		c.resetLocked()
	}
}

// Consume 实现 framework.Broker：声明队列并订阅；连接断开时返回的 channel 被关闭
func (c *Client) Consume(ctx context.Context, queue string) (<-chan *framework.Message, error) {
	if queue == "" {
		return nil, ErrInvalidQueueName
	}

	c.mu.Lock()
	ch, err := c.channelLocked(ctx)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	gen := c.generation

	if c.opts.Declare {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, c.opts.queueArgs()); err != nil {
			c.resetLocked()
			c.mu.Unlock()
			return nil, errorutil.Connection(fmt.Sprintf("declare queue %s failed", queue), err)
		}
	}

	deliveries, err := ch.Consume(queue, c.opts.ConsumerTag, false, false, false, false, nil)
	c.mu.Unlock()
	if err != nil {
		c.invalidate(gen)
		return nil, errorutil.Connection(fmt.Sprintf("consume queue %s failed", queue), err)
	}

	out := make(chan *framework.Message)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					c.logger.Warnf(ctx, "[Broker] Delivery stream of %s closed (generation %d)", queue, gen)
					c.invalidate(gen)
					return
				}
				select {
				case out <- toMessage(d, queue, gen):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Ack 实现 framework.Broker
func (c *Client) Ack(_ context.Context, msg *framework.Message) error {
	return c.settle(msg, func(ch *amqp091.Channel) error {
		return ch.Ack(msg.DeliveryTag, false)
	})
}

// Nack 实现 framework.Broker
func (c *Client) Nack(_ context.Context, msg *framework.Message, requeue bool) error {
	return c.settle(msg, func(ch *amqp091.Channel) error {
		return ch.Nack(msg.DeliveryTag, false, requeue)
	})
}

func (c *Client) settle(msg *framework.Message, fn func(ch *amqp091.Channel) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch == nil || msg.Generation != c.generation {
		return framework.ErrStaleDelivery
	}
	if err := fn(c.ch); err != nil {
		if errors.Is(err, amqp091.ErrClosed) {
			return framework.ErrStaleDelivery
		}
		return errorutil.Connection("settle delivery failed", err)
	}
	return nil
}

// PublishOptions 发布参数
type PublishOptions struct {
	MessageID string
	Type      string
	Headers   map[string]interface{}
}

// Publish 发布持久化消息到默认交换机
func (c *Client) Publish(ctx context.Context, queue string, body []byte, opts PublishOptions) error {
	if queue == "" {
		return ErrInvalidQueueName
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.channelLocked(ctx)
	if err != nil {
		return err
	}
	if c.opts.Declare {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, c.opts.queueArgs()); err != nil {
			c.resetLocked()
			return errorutil.Connection(fmt.Sprintf("declare queue %s failed", queue), err)
		}
	}

	err = ch.PublishWithContext(ctx, "", queue, false, false, amqp091.Publishing{
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp091.Persistent,
		MessageId:    opts.MessageID,
		Type:         opts.Type,
		Headers:      amqp091.Table(opts.Headers),
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return errorutil.Connection("publish failed", err)
	}
	return nil
}

// Close 实现 framework.Broker
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.resetLocked()
	return nil
}

func toMessage(d amqp091.Delivery, queue string, gen uint64) *framework.Message {
	return &framework.Message{
		ID:          d.MessageId,
		DeliveryTag: d.DeliveryTag,
		Generation:  gen,
		Queue:       queue,
		Type:        d.Type,
		Body:        d.Body,
		Attempts:    deliveryAttempts(d.Headers, d.Redelivered),
		Timestamp:   d.Timestamp,
		Headers:     map[string]interface{}(d.Headers),
	}
}

// deliveryAttempts 已失败的投递次数
// quorum 队列在重投时设置 x-delivery-count；classic 队列只能从 redelivered 推断下限
func deliveryAttempts(headers amqp091.Table, redelivered bool) int {
	for _, key := range []string{"x-delivery-count", "x-attempt"} {
		if n, ok := headerInt(headers, key); ok && n >= 0 {
			return n
		}
	}
	if redelivered {
		return 1
	}
	return 0
}

func headerInt(headers amqp091.Table, key string) (int, bool) {
	v, ok := headers[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	default:
		return 0, false
	}
}
