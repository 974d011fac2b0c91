package health

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"oip/photosync/pkg/config"
	"oip/photosync/pkg/logger"
)

// Checker 依赖检查
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// TCPChecker 检查 TCP 端口是否可连接
type TCPChecker struct {
	name    string
	addr    string
	timeout time.Duration
}

// NewTCPChecker 创建 TCP 检查
func NewTCPChecker(name, addr string, timeout time.Duration) *TCPChecker {
	return &TCPChecker{name: name, addr: addr, timeout: timeout}
}

// Name 实现 Checker
func (c *TCPChecker) Name() string {
	return c.name + "(" + c.addr + ")"
}

// Check 实现 Checker
func (c *TCPChecker) Check(ctx context.Context) error {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Targets 根据配置生成需要检查的依赖
func Targets(cfg *config.Config) ([]Checker, error) {
	timeout := cfg.Readiness.DialTimeout
	var checkers []Checker

	switch cfg.Broker.Kind {
	case config.BrokerLmstfy:
		addr := net.JoinHostPort(cfg.Lmstfy.Host, strconv.Itoa(cfg.Lmstfy.Port))
		checkers = append(checkers, NewTCPChecker("lmstfy", addr, timeout))
	default:
		addr, err := AMQPAddr(cfg.Broker.URI)
		if err != nil {
			return nil, err
		}
		checkers = append(checkers, NewTCPChecker("rabbitmq", addr, timeout))
	}

	addr, err := StoreAddr(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, err
	}
	checkers = append(checkers, NewTCPChecker(cfg.Store.Driver, addr, timeout))

	return checkers, nil
}

// AMQPAddr 从 AMQP URI 提取 host:port
func AMQPAddr(uri string) (string, error) {
	u, err := amqp091.ParseURI(uri)
	if err != nil {
		return "", fmt.Errorf("parse amqp uri: %w", err)
	}
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port)), nil
}

// StoreAddr 从数据库 DSN 提取 host:port
func StoreAddr(driver, dsn string) (string, error) {
	switch driver {
	case config.DriverMySQL:
		c, err := mysql.ParseDSN(dsn)
		if err != nil {
			return "", fmt.Errorf("parse mysql dsn: %w", err)
		}
		return c.Addr, nil
	default:
		c, err := pgx.ParseConfig(dsn)
		if err != nil {
			return "", fmt.Errorf("parse postgres dsn: %w", err)
		}
		return net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port))), nil
	}
}

// WaitReady 等待所有依赖可连接，超过重试次数返回最后一次错误
func WaitReady(ctx context.Context, cfg config.ReadinessConfig, checkers []Checker, log logger.Logger) error {
	for _, c := range checkers {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = cfg.Interval
		b.MaxInterval = cfg.MaxInterval
		b.MaxElapsedTime = 0

		var policy backoff.BackOff = b
		if cfg.MaxRetries > 0 {
			policy = backoff.WithMaxRetries(b, uint64(cfg.MaxRetries))
		}

		op := func() error { return c.Check(ctx) }
		notify := func(err error, wait time.Duration) {
			log.Warnf(ctx, "[Readiness] %s not ready, retry in %v: %v", c.Name(), wait, err)
		}
		if err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify); err != nil {
			return fmt.Errorf("%s not ready: %w", c.Name(), err)
		}
		log.Infof(ctx, "[Readiness] %s is ready", c.Name())
	}
	return nil
}
