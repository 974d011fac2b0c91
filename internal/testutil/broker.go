package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"oip/photosync/internal/framework"
	"oip/photosync/pkg/errorutil"
)

// MemoryBroker 内存 Broker：支持 ack/nack、重投计数与模拟断线
type MemoryBroker struct {
	mu         sync.Mutex
	ready      map[string][]*framework.Message
	unacked    map[uint64]*framework.Message
	nextTag    uint64
	generation uint64
	wake       chan struct{}
	streams    []chan struct{} // 当前代的消息流
	failNext   int
	closed     bool

	acked    []string
	nacked   []string
	consumes int
	journal  *Journal
}

// NewMemoryBroker 创建内存 Broker
func NewMemoryBroker(journal *Journal) *MemoryBroker {
	return &MemoryBroker{
		ready:      make(map[string][]*framework.Message),
		unacked:    make(map[uint64]*framework.Message),
		generation: 1,
		wake:       make(chan struct{}),
		journal:    journal,
	}
}

// Publish 投递一条消息
func (b *MemoryBroker) Publish(queue, id string, body []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ready[queue] = append(b.ready[queue], &framework.Message{
		ID:        id,
		Queue:     queue,
		Body:      body,
		Timestamp: time.Now(),
	})
	b.signalLocked()
}

// FailNextConsume 让后续 n 次 Consume 返回连接错误
func (b *MemoryBroker) FailNextConsume(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = n
}

// Drop 模拟连接断开：关闭当前消息流，未确认消息重新入队且投递计数 +1
func (b *MemoryBroker) Drop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, done := range b.streams {
		close(done)
	}
	b.streams = nil
	b.generation++

	for tag, msg := range b.unacked {
		delete(b.unacked, tag)
		b.requeueLocked(msg)
	}
	b.signalLocked()
}

// Consume 实现 framework.Broker
func (b *MemoryBroker) Consume(ctx context.Context, queue string) (<-chan *framework.Message, error) {
	b.mu.Lock()
	b.consumes++
	if b.closed {
		b.mu.Unlock()
		return nil, errorutil.Connection("broker closed", nil)
	}
	if b.failNext > 0 {
		b.failNext--
		b.mu.Unlock()
		return nil, errorutil.Connection("dial memory broker failed", nil)
	}
	done := make(chan struct{})
	b.streams = append(b.streams, done)
	gen := b.generation
	b.mu.Unlock()

	out := make(chan *framework.Message)
	go func() {
		defer close(out)
		for {
			msg, wake := b.next(queue, gen)
			if msg == nil {
				select {
				case <-wake:
					continue
				case <-done:
					return
				case <-ctx.Done():
					return
				}
			}

			select {
			case out <- msg:
			case <-done:
				b.giveBack(msg)
				return
			case <-ctx.Done():
				b.giveBack(msg)
				return
			}
		}
	}()

	return out, nil
}

func (b *MemoryBroker) next(queue string, gen uint64) (*framework.Message, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if gen != b.generation || len(b.ready[queue]) == 0 {
		return nil, b.wake
	}

	msg := b.ready[queue][0]
	b.ready[queue] = b.ready[queue][1:]

	b.nextTag++
	delivery := *msg
	delivery.DeliveryTag = b.nextTag
	delivery.Generation = gen
	b.unacked[delivery.DeliveryTag] = &delivery
	return &delivery, nil
}

// giveBack 未送达的消息放回队首，不计入投递次数
func (b *MemoryBroker) giveBack(msg *framework.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.unacked[msg.DeliveryTag]; !ok || msg.Generation != b.generation {
		return
	}
	delete(b.unacked, msg.DeliveryTag)
	b.ready[msg.Queue] = append([]*framework.Message{msg}, b.ready[msg.Queue]...)
	b.signalLocked()
}

func (b *MemoryBroker) settleLocked(msg *framework.Message) error {
	if msg.Generation != b.generation {
		return framework.ErrStaleDelivery
	}
	if _, ok := b.unacked[msg.DeliveryTag]; !ok {
		return fmt.Errorf("unknown delivery tag %d", msg.DeliveryTag)
	}
	delete(b.unacked, msg.DeliveryTag)
	return nil
}

// Ack 实现 framework.Broker
func (b *MemoryBroker) Ack(_ context.Context, msg *framework.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.settleLocked(msg); err != nil {
		return err
	}
	b.acked = append(b.acked, msg.ID)
	b.journal.Append("ack:" + msg.ID)
	return nil
}

// Nack 实现 framework.Broker
func (b *MemoryBroker) Nack(_ context.Context, msg *framework.Message, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.settleLocked(msg); err != nil {
		return err
	}
	b.nacked = append(b.nacked, msg.ID)
	b.journal.Append("nack:" + msg.ID)
	if requeue {
		b.requeueLocked(msg)
		b.signalLocked()
	}
	return nil
}

func (b *MemoryBroker) requeueLocked(msg *framework.Message) {
	again := *msg
	again.DeliveryTag = 0
	again.Generation = 0
	again.Attempts++
	b.ready[msg.Queue] = append(b.ready[msg.Queue], &again)
}

func (b *MemoryBroker) signalLocked() {
	close(b.wake)
	b.wake = make(chan struct{})
}

// Close 实现 framework.Broker
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, done := range b.streams {
		close(done)
	}
	b.streams = nil
	return nil
}

// Outstanding 尚未 ack 的消息数（包括待投递的）
func (b *MemoryBroker) Outstanding() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.unacked)
	for _, q := range b.ready {
		n += len(q)
	}
	return n
}

// Acked 已 ack 的消息 ID（按顺序）
func (b *MemoryBroker) Acked() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.acked...)
}

// Nacked 已 nack 的消息 ID（按顺序）
func (b *MemoryBroker) Nacked() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.nacked...)
}

// Consumes Consume 被调用的次数
func (b *MemoryBroker) Consumes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumes
}
