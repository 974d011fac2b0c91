package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"oip/photosync/internal/domains"
	"oip/photosync/internal/domains/photo"
	"oip/photosync/internal/framework"
	"oip/photosync/pkg/amqp"
	"oip/photosync/pkg/config"
	"oip/photosync/pkg/health"
	"oip/photosync/pkg/infra/redis"
	"oip/photosync/pkg/infra/store"
	"oip/photosync/pkg/lmstfy"
	"oip/photosync/pkg/logger"
	"oip/photosync/pkg/metrics"
)

// Bootstrap 等待依赖就绪，连接 broker / store，组装 Handler 与观察者
func Bootstrap(ctx context.Context, cfg *config.Config, log logger.Logger) (comps *Components, err error) {
	comps = &Components{}
	// 启动失败时释放已创建的资源
	defer func() {
		if err != nil {
			for _, closeFn := range comps.Closers {
				_ = closeFn()
			}
		}
	}()

	// 1. 依赖就绪检查
	if cfg.Readiness.Enabled {
		checkers, err := health.Targets(cfg)
		if err != nil {
			return comps, err
		}
		if err := health.WaitReady(ctx, cfg.Readiness, checkers, log); err != nil {
			return comps, err
		}
	}

	// 2. Broker
	broker, err := openBroker(ctx, cfg, log)
	if err != nil {
		return comps, err
	}
	comps.Broker = broker
	comps.Closers = append(comps.Closers, broker.Close)

	// 3. Store
	var gateway *store.Gateway
	err = retry(ctx, cfg.Readiness, log, "store", func() error {
		g, err := store.Open(cfg.Store)
		if err != nil {
			return err
		}
		if err := g.Ping(ctx); err != nil {
			_ = g.Close()
			return err
		}
		gateway = g
		return nil
	})
	if err != nil {
		return comps, fmt.Errorf("failed to connect store: %w", err)
	}
	comps.Store = gateway
	comps.Closers = append(comps.Closers, gateway.Close)

	// 4. 业务 Handler
	comps.Decoder = domains.Decode
	comps.Handler = domains.NewDispatcher(&domains.Deps{
		Photos:     gateway,
		Fetcher:    photo.NewDownloader(cfg.Thumbnail, log),
		Thumbnails: photo.NewThumbnailer(cfg.Thumbnail),
		Logger:     log,
	})

	// 5. 观察者：指标必选，通知可选
	observers, err := openObservers(ctx, cfg, comps, log)
	if err != nil {
		return comps, err
	}
	comps.Observer = observers

	return comps, nil
}

func openBroker(ctx context.Context, cfg *config.Config, log logger.Logger) (framework.Broker, error) {
	switch cfg.Broker.Kind {
	case config.BrokerLmstfy:
		client, err := lmstfy.NewClient(cfg.Lmstfy, log)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		client, err := amqp.New(amqp.FromConfig(cfg.Broker), log)
		if err != nil {
			return nil, err
		}
		err = retry(ctx, cfg.Readiness, log, "rabbitmq", func() error {
			return client.Connect(ctx)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect broker: %w", err)
		}
		return client, nil
	}
}

func openObservers(ctx context.Context, cfg *config.Config, comps *Components, log logger.Logger) (framework.Observers, error) {
	mp, err := metrics.NewProvider(ctx, cfg.Metrics, cfg.App.Name)
	if err != nil {
		return nil, err
	}
	comps.Closers = append(comps.Closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return mp.Shutdown(shutdownCtx)
	})

	recorder, err := metrics.NewRecorder(mp)
	if err != nil {
		return nil, err
	}
	observers := framework.Observers{recorder}

	if cfg.Redis.Addr == "" {
		return observers, nil
	}
	ps, err := redis.NewPubSub(ctx, cfg.Redis)
	if err != nil {
		// 通知不影响消息处理，连接失败时只记录日志
		log.Warnf(ctx, "[Bootstrap] Redis notifications disabled: %v", err)
		return observers, nil
	}
	comps.Closers = append(comps.Closers, ps.Close)
	return append(observers, redis.NewNotifier(ps, cfg.Redis.Channel, log)), nil
}

// retry 启动阶段连接重试，次数与间隔沿用 readiness 配置
func retry(ctx context.Context, cfg config.ReadinessConfig, log logger.Logger, name string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	if cfg.Interval > 0 {
		b.InitialInterval = cfg.Interval
	}
	if cfg.MaxInterval > 0 {
		b.MaxInterval = cfg.MaxInterval
	}
	b.MaxElapsedTime = 0

	notify := func(err error, wait time.Duration) {
		log.Warnf(ctx, "[Bootstrap] Connect %s failed, retry in %v: %v", name, wait, err)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(cfg.MaxRetries, 0))), ctx)
	return backoff.RetryNotify(op, policy, notify)
}
