package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oip/photosync/internal/framework"
	"oip/photosync/internal/testutil"
	"oip/photosync/pkg/config"
	"oip/photosync/pkg/logger"
)

const queue = "photo-processor"

func testConfig(workers ...config.WorkerConfig) *config.Config {
	return &config.Config{
		App:     config.AppConfig{Name: "photosync-test", ShutdownTimeout: time.Second},
		Retry:   config.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Jitter: 0.2},
		Workers: workers,
	}
}

func workerConfig(name string) config.WorkerConfig {
	return config.WorkerConfig{
		Name:      name,
		QueueName: queue,
		Subscriber: config.SubscriberConfig{
			ReconnectBase:   time.Millisecond,
			ReconnectMax:    10 * time.Millisecond,
			ReconnectJitter: 0.2,
		},
		Processor: config.ProcessorConfig{
			Threads:      2,
			BufferSize:   4,
			Timeout:      time.Second,
			StoreTimeout: time.Second,
		},
	}
}

type fixture struct {
	broker *testutil.MemoryBroker
	store  *testutil.MemoryStore
	closed atomic.Int32
	comps  *Components
}

func newFixture(handler framework.Handler) *fixture {
	journal := &testutil.Journal{}
	f := &fixture{
		broker: testutil.NewMemoryBroker(journal),
		store:  testutil.NewMemoryStore(journal),
	}
	f.comps = &Components{
		Broker:  f.broker,
		Store:   f.store,
		Decoder: testutil.DecodeText,
		Handler: handler,
		Closers: []func() error{
			func() error { f.closed.Add(1); return nil },
			f.broker.Close,
		},
	}
	return f
}

func succeed() framework.Handler {
	return framework.HandlerFunc(func(ctx context.Context, item *framework.WorkItem) framework.Outcome {
		return framework.Success(item.Key)
	})
}

func TestManagerProcessesAndShutsDown(t *testing.T) {
	f := newFixture(succeed())
	mgr := NewManagerWithComponents(context.Background(), testConfig(workerConfig("thumbs")), f.comps, logger.NewNop())

	startErr := make(chan error, 1)
	go func() { startErr <- mgr.Start() }()

	for _, key := range []string{"a", "b", "c"} {
		f.broker.Publish(queue, key, []byte(key))
	}

	require.Eventually(t, func() bool { return len(f.broker.Acked()) == 3 }, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, f.store.Results(), 3)

	assert.True(t, mgr.Shutdown())
	select {
	case err := <-startErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
	assert.EqualValues(t, 1, f.closed.Load())

	// 重复调用无副作用
	assert.True(t, mgr.Shutdown())
	assert.EqualValues(t, 1, f.closed.Load())
}

func TestManagerKeepsConsumingAfterStartupContextCancelled(t *testing.T) {
	f := newFixture(succeed())
	startCtx, cancel := context.WithCancel(context.Background())
	mgr := NewManagerWithComponents(startCtx, testConfig(workerConfig("thumbs")), f.comps, logger.NewNop())
	cancel()

	go func() { _ = mgr.Start() }()
	f.broker.Publish(queue, "a", []byte("a"))
	require.Eventually(t, func() bool { return len(f.broker.Acked()) == 1 }, 5*time.Second, 10*time.Millisecond)

	f.broker.Publish(queue, "b", []byte("b"))
	require.Eventually(t, func() bool { return len(f.broker.Acked()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, f.store.Results(), 2)
	assert.True(t, mgr.Shutdown())
}

func TestManagerShutdownTimeoutCancelsHandlers(t *testing.T) {
	entered := make(chan struct{}, 1)
	f := newFixture(framework.HandlerFunc(func(ctx context.Context, item *framework.WorkItem) framework.Outcome {
		entered <- struct{}{}
		<-ctx.Done()
		return framework.Retryable(ctx.Err())
	}))

	cfg := testConfig(workerConfig("slow"))
	cfg.App.ShutdownTimeout = 50 * time.Millisecond
	cfg.Workers[0].Processor.Timeout = time.Minute
	mgr := NewManagerWithComponents(context.Background(), cfg, f.comps, logger.NewNop())

	go func() { _ = mgr.Start() }()
	f.broker.Publish(queue, "x", []byte("x"))

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never invoked")
	}

	assert.False(t, mgr.Shutdown())
	assert.Empty(t, f.store.Results())
	assert.Contains(t, f.broker.Nacked(), "x")
}

func TestManagerShutdownBeforeStart(t *testing.T) {
	f := newFixture(succeed())
	mgr := NewManagerWithComponents(context.Background(), testConfig(workerConfig("thumbs")), f.comps, logger.NewNop())

	assert.True(t, mgr.Shutdown())
	assert.NoError(t, mgr.Start())
	assert.Zero(t, f.broker.Consumes())
}

func TestNewWorkerInstanceValidates(t *testing.T) {
	_, err := NewWorkerInstance(context.Background(), "w",
		&framework.SubscriberConfig{QueueName: queue},
		&framework.ProcessorConfig{Concurrency: 1},
		framework.ProcessorDeps{},
		time.Second, logger.NewNop())
	assert.Error(t, err)
}
