package framework_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"oip/photosync/internal/framework"
	"oip/photosync/pkg/errorutil"
)

func TestOutcomeFromError(t *testing.T) {
	ok := framework.OutcomeFromError("thumb", nil)
	assert.Equal(t, framework.OutcomeSuccess, ok.Kind)
	assert.Equal(t, "thumb", ok.Result)
	assert.Empty(t, ok.Reason())

	timeout := framework.OutcomeFromError(nil, fmt.Errorf("download: %w", context.DeadlineExceeded))
	assert.Equal(t, framework.OutcomeRetryable, timeout.Kind)
	assert.Equal(t, errorutil.KindHandlerTimeout, timeout.ErrorKind())

	fatal := framework.OutcomeFromError(nil, fmt.Errorf("load: %w", errorutil.Fatal("photo not found", nil)))
	assert.Equal(t, framework.OutcomeFatal, fatal.Kind)
	assert.Equal(t, errorutil.KindFatal, fatal.ErrorKind())

	decode := framework.OutcomeFromError(nil, errorutil.Decode("bad image", nil))
	assert.Equal(t, framework.OutcomeFatal, decode.Kind)

	store := framework.OutcomeFromError(nil, errorutil.Store("insert failed", nil))
	assert.Equal(t, framework.OutcomeRetryable, store.Kind)

	plain := framework.OutcomeFromError(nil, errors.New("connection reset"))
	assert.Equal(t, framework.OutcomeRetryable, plain.Kind)
	assert.Equal(t, "connection reset", plain.Reason())
	assert.Equal(t, errorutil.KindUnknown, plain.ErrorKind())
}

func TestFatalWithoutKindReportsFatal(t *testing.T) {
	o := framework.Fatal(errors.New("nope"))
	assert.Equal(t, errorutil.KindFatal, o.ErrorKind())
	assert.Equal(t, "fatal", o.Kind.String())
}

func TestStepsStopOnFirstError(t *testing.T) {
	var ran []string
	errBoom := errorutil.Fatal("boom", nil)

	err := framework.NewSteps().
		Add("load", func(ctx context.Context) error { ran = append(ran, "load"); return nil }).
		Add("fetch", func(ctx context.Context) error { ran = append(ran, "fetch"); return errBoom }).
		Add("write", func(ctx context.Context) error { ran = append(ran, "write"); return nil }).
		Run(context.Background())

	assert.Equal(t, []string{"load", "fetch"}, ran)
	assert.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), "step[fetch]")
}

func TestStepsHonourCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := framework.NewSteps().
		Add("load", func(ctx context.Context) error { called = true; return nil }).
		Run(ctx)

	assert.False(t, called)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWorkItemIdempotencyKey(t *testing.T) {
	msg := &framework.Message{ID: "", DeliveryTag: 7, Body: []byte("abc")}
	item := framework.NewWorkItem(msg, "photo-1", nil)

	assert.Equal(t, "7", item.ID)
	assert.Equal(t, framework.DefaultKind, item.Kind)
	assert.Equal(t, "photo-1:ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", item.IdempotencyKey())

	// 重连后 delivery tag 变化，幂等键不变
	again := framework.NewWorkItem(&framework.Message{DeliveryTag: 99, Body: []byte("abc"), Attempts: 1}, "photo-1", nil)
	assert.Equal(t, item.IdempotencyKey(), again.IdempotencyKey())
	assert.Equal(t, 1, again.Attempt)

	withID := framework.NewWorkItem(&framework.Message{ID: "m-1", Body: []byte("abc")}, "photo-1", nil)
	assert.Equal(t, "m-1:ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", withID.IdempotencyKey())
}

func TestWorkItemIdempotencyKeyBoundedLength(t *testing.T) {
	longID := strings.Repeat("m", 300)
	item := framework.NewWorkItem(&framework.Message{ID: longID, Body: []byte("abc")}, "photo-1", nil)

	key := item.IdempotencyKey()
	assert.LessOrEqual(t, len(key), 191)
	assert.Len(t, key, 129)
	assert.True(t, strings.HasSuffix(key, ":ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"))
	assert.NotContains(t, key, longID[:65])

	again := framework.NewWorkItem(&framework.Message{ID: longID, Body: []byte("abc"), Attempts: 2}, "photo-1", nil)
	assert.Equal(t, key, again.IdempotencyKey())

	other := framework.NewWorkItem(&framework.Message{ID: longID + "x", Body: []byte("abc")}, "photo-1", nil)
	assert.NotEqual(t, key, other.IdempotencyKey())

	longKey := framework.NewWorkItem(&framework.Message{Body: []byte("abc")}, strings.Repeat("k", 200), nil)
	assert.Len(t, longKey.IdempotencyKey(), 129)
}
