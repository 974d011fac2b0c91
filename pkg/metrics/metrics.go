package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"

	"oip/photosync/internal/framework"
	"oip/photosync/pkg/config"
)

// NewProvider 创建 MeterProvider；未配置 OTLP 地址时不导出
func NewProvider(ctx context.Context, cfg config.MetricsConfig, serviceName string) (*sdkmetric.MeterProvider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if cfg.OTLPEndpoint != "" {
		exporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
			otlpmetricgrpc.WithTimeout(30*time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}

		interval := cfg.Interval
		if interval <= 0 {
			interval = 10 * time.Second
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(interval),
		)))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	return mp, nil
}

// Recorder 消息处理指标，实现 framework.Observer
type Recorder struct {
	messagesTotal      metric.Int64Counter
	reconnectsTotal    metric.Int64Counter
	processingDuration metric.Float64Histogram
}

// NewRecorder 创建指标记录器
func NewRecorder(mp metric.MeterProvider) (*Recorder, error) {
	meter := mp.Meter("photosync")
	r := &Recorder{}

	var err error
	r.messagesTotal, err = meter.Int64Counter(
		"photosync.messages.total",
		metric.WithDescription("Messages that reached a terminal state, by state"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesTotal counter: %w", err)
	}

	r.reconnectsTotal, err = meter.Int64Counter(
		"photosync.reconnects.total",
		metric.WithDescription("Broker re-subscriptions after a lost connection"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconnectsTotal counter: %w", err)
	}

	r.processingDuration, err = meter.Float64Histogram(
		"photosync.processing.duration",
		metric.WithDescription("Time from dequeue to ack/nack"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create processingDuration histogram: %w", err)
	}

	return r, nil
}

// Terminal 实现 framework.Observer
func (r *Recorder) Terminal(ctx context.Context, ev *framework.Event) {
	attrs := []attribute.KeyValue{attribute.String("state", ev.State.String())}
	if ev.Item != nil {
		attrs = append(attrs, attribute.String("kind", ev.Item.Kind))
	}
	if kind := ev.Outcome.ErrorKind(); kind != "" {
		attrs = append(attrs, attribute.String("error_kind", string(kind)))
	}

	set := metric.WithAttributes(attrs...)
	r.messagesTotal.Add(ctx, 1, set)
	r.processingDuration.Record(ctx, ev.Duration.Seconds(), set)
}

// Reconnected 实现 framework.Observer
func (r *Recorder) Reconnected(ctx context.Context, queue string) {
	r.reconnectsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}
