package framework_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"oip/photosync/internal/framework"
	"oip/photosync/internal/testutil"
	"oip/photosync/pkg/logger"
)

const queue = "photo-processor"

type recordingObserver struct {
	mu         sync.Mutex
	events     []framework.Event
	reconnects int
}

func (o *recordingObserver) Terminal(_ context.Context, ev *framework.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, *ev)
}

func (o *recordingObserver) Reconnected(context.Context, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reconnects++
}

func (o *recordingObserver) Reconnects() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reconnects
}

func (o *recordingObserver) States() map[framework.State]int {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[framework.State]int)
	for _, ev := range o.events {
		out[ev.State]++
	}
	return out
}

// countingHandler 按业务键统计调用次数与每次看到的 attempt
type countingHandler struct {
	mu       sync.Mutex
	attempts map[string][]int
	fn       func(ctx context.Context, item *framework.WorkItem, call int) framework.Outcome
}

func newCountingHandler(fn func(ctx context.Context, item *framework.WorkItem, call int) framework.Outcome) *countingHandler {
	return &countingHandler{attempts: make(map[string][]int), fn: fn}
}

func (h *countingHandler) Handle(ctx context.Context, item *framework.WorkItem) framework.Outcome {
	h.mu.Lock()
	h.attempts[item.Key] = append(h.attempts[item.Key], item.Attempt)
	call := len(h.attempts[item.Key])
	h.mu.Unlock()
	return h.fn(ctx, item, call)
}

func (h *countingHandler) Attempts(key string) []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int(nil), h.attempts[key]...)
}

type harnessOpts struct {
	maxAttempts int
	timeout     time.Duration
	store       framework.Store // 为空时使用 MemoryStore

	consumeFailures int
}

type harness struct {
	journal  *testutil.Journal
	broker   *testutil.MemoryBroker
	store    *testutil.MemoryStore
	observer *recordingObserver
	sub      *framework.Subscriber
	proc     *framework.Processor
	stopOnce sync.Once
	graceful bool
}

func newHarness(t *testing.T, handler framework.Handler, opts harnessOpts) *harness {
	t.Helper()

	if opts.maxAttempts == 0 {
		opts.maxAttempts = 3
	}
	if opts.timeout == 0 {
		opts.timeout = 5 * time.Second
	}

	journal := &testutil.Journal{}
	h := &harness{
		journal:  journal,
		broker:   testutil.NewMemoryBroker(journal),
		store:    testutil.NewMemoryStore(journal),
		observer: &recordingObserver{},
	}

	h.broker.FailNextConsume(opts.consumeFailures)

	var store framework.Store = h.store
	if opts.store != nil {
		store = opts.store
	}

	log := logger.NewNop()
	h.sub = framework.NewSubscriber(&framework.SubscriberConfig{
		QueueName:       queue,
		ReconnectBase:   time.Millisecond,
		ReconnectMax:    10 * time.Millisecond,
		ReconnectJitter: 0.2,
	}, h.broker, h.observer, log)

	h.proc = framework.NewProcessor(&framework.ProcessorConfig{
		Concurrency:  2,
		Timeout:      opts.timeout,
		StoreTimeout: time.Second,
	}, framework.ProcessorDeps{
		Broker:   h.broker,
		Decoder:  testutil.DecodeText,
		Handler:  handler,
		Store:    store,
		Policy:   framework.NewRetryPolicy(opts.maxAttempts, time.Millisecond, 4*time.Millisecond, 0.5),
		Observer: h.observer,
	}, log)

	input := make(chan *framework.Message)
	ctx := context.Background()
	_ = h.proc.Start(ctx, input)
	_ = h.sub.Start(ctx, input)

	t.Cleanup(func() { h.stop(time.Second) })
	return h
}

func (h *harness) stop(timeout time.Duration) bool {
	h.stopOnce.Do(func() {
		h.sub.Stop()
		h.sub.Wait()
		h.proc.SignalShutdown()
		h.graceful = h.proc.Wait(timeout)
		_ = h.broker.Close()
	})
	return h.graceful
}

func (h *harness) settled() bool {
	return h.broker.Outstanding() == 0
}

func count(values []string, want string) int {
	n := 0
	for _, v := range values {
		if v == want {
			n++
		}
	}
	return n
}
