package domains

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"oip/photosync/internal/framework"
	"oip/photosync/pkg/errorutil"
	"oip/photosync/pkg/logger"
)

// tracer 携带请求 ID 的业务数据
type tracer interface {
	TraceID() string
}

// Decode 按消息类型选择 Decoder，未知类型视为毒消息
func Decode(msg *framework.Message) (*framework.WorkItem, error) {
	kind := msg.Type
	if kind == "" {
		kind = framework.DefaultKind
	}

	decode, ok := DecoderMap[kind]
	if !ok {
		return nil, errorutil.Decode(fmt.Sprintf("unknown message type %q", kind), nil)
	}
	return decode(msg)
}

// Dispatcher 按 WorkItem.Kind 分发到具体 Handler
type Dispatcher struct {
	handlers map[string]framework.Handler
	logger   logger.Logger
}

// NewDispatcher 根据 HandlerMap 构造所有 Handler
func NewDispatcher(deps *Deps) *Dispatcher {
	handlers := make(map[string]framework.Handler, len(HandlerMap))
	for kind, factory := range HandlerMap {
		handlers[kind] = factory(deps)
	}
	return &Dispatcher{handlers: handlers, logger: deps.Logger}
}

// Handle 实现 framework.Handler
func (d *Dispatcher) Handle(ctx context.Context, item *framework.WorkItem) (out framework.Outcome) {
	startTime := time.Now()

	// 1. 注入 TraceID
	ctx = logger.WithTraceID(ctx, traceID(item))
	ctx = logger.WithKind(ctx, item.Kind)
	ctx = logger.WithPhotoID(ctx, item.Key)

	// 2. 查找 Handler
	handler, ok := d.handlers[item.Kind]
	if !ok {
		d.logger.Errorf(ctx, "[Dispatcher] handler not found for kind: %s", item.Kind)
		return framework.Fatal(errorutil.NonRetriable(fmt.Sprintf("no handler for kind %q", item.Kind)))
	}

	d.logger.Infof(ctx, "[Dispatcher] Processing item: id=%s, key=%s, attempt=%d", item.ID, item.Key, item.Attempt)

	// 3. 调用 Handler（捕获 panic）
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorf(ctx, "[Dispatcher] handler panic: %v", r)
			out = framework.Fatal(errorutil.NonRetriable(fmt.Sprintf("handler panic: %v", r)))
		}
		d.logger.Infof(ctx, "[Dispatcher] Processing complete: outcome=%s, duration=%v", out.Kind, time.Since(startTime))
	}()

	return handler.Handle(ctx, item)
}

// traceID 优先使用业务请求 ID，其次消息 ID，都没有则生成
func traceID(item *framework.WorkItem) string {
	if t, ok := item.Payload.(tracer); ok && t.TraceID() != "" {
		return t.TraceID()
	}
	if item.Raw != nil && item.Raw.ID != "" {
		return item.Raw.ID
	}
	return uuid.New().String()
}
