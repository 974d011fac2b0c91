package domains

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"oip/photosync/internal/domains/photo"
	"oip/photosync/internal/framework"
	"oip/photosync/pkg/errorutil"
	"oip/photosync/pkg/logger"
)

func TestDecodeRoutesByType(t *testing.T) {
	id := uuid.New()

	item, err := Decode(&framework.Message{Body: []byte(id.String())})
	require.NoError(t, err)
	assert.Equal(t, photo.Kind, item.Kind)
	assert.Equal(t, id.String(), item.Key)

	_, err = Decode(&framework.Message{Type: "video.transcode", Body: []byte(id.String())})
	require.Error(t, err)
	assert.True(t, errorutil.IsKind(err, errorutil.KindDecode))
}

func newDispatcher(t *testing.T, handlers map[string]framework.Handler) (*Dispatcher, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	return &Dispatcher{handlers: handlers, logger: logger.NewFromZap(zap.New(core))}, logs
}

func TestDispatcherUnknownKindIsFatal(t *testing.T) {
	d, _ := newDispatcher(t, map[string]framework.Handler{})

	out := d.Handle(context.Background(), &framework.WorkItem{Kind: "nope"})
	assert.Equal(t, framework.OutcomeFatal, out.Kind)
}

func TestDispatcherRecoversPanics(t *testing.T) {
	d, _ := newDispatcher(t, map[string]framework.Handler{
		photo.Kind: framework.HandlerFunc(func(ctx context.Context, item *framework.WorkItem) framework.Outcome {
			panic("boom")
		}),
	})

	out := d.Handle(context.Background(), &framework.WorkItem{Kind: photo.Kind})
	assert.Equal(t, framework.OutcomeFatal, out.Kind)
	assert.Contains(t, out.Reason(), "boom")
}

func TestDispatcherInjectsTraceID(t *testing.T) {
	d, logs := newDispatcher(t, map[string]framework.Handler{
		photo.Kind: framework.HandlerFunc(func(ctx context.Context, item *framework.WorkItem) framework.Outcome {
			return framework.Success(nil)
		}),
	})

	id := uuid.New()
	item, err := Decode(&framework.Message{
		ID:   "msg-1",
		Body: []byte(`{"photo_uuid":"` + id.String() + `","request_id":"req-42"}`),
	})
	require.NoError(t, err)

	out := d.Handle(context.Background(), item)
	require.Equal(t, framework.OutcomeSuccess, out.Kind)

	entries := logs.FilterMessageSnippet("[Dispatcher]").All()
	require.NotEmpty(t, entries)
	for _, e := range entries {
		fields := e.ContextMap()
		assert.Equal(t, "req-42", fields["trace_id"])
		assert.Equal(t, id.String(), fields["photo_id"])
	}
}

func TestTraceIDFallbacks(t *testing.T) {
	assert.Equal(t, "msg-1", traceID(&framework.WorkItem{Raw: &framework.Message{ID: "msg-1"}}))

	generated := traceID(&framework.WorkItem{})
	_, err := uuid.Parse(generated)
	assert.NoError(t, err)
}

func TestNewDispatcherBuildsEveryHandler(t *testing.T) {
	d := NewDispatcher(&Deps{Logger: logger.NewNop()})
	for kind := range HandlerMap {
		assert.Contains(t, d.handlers, kind)
	}
	for kind := range DecoderMap {
		assert.Contains(t, HandlerMap, kind)
	}
}
