package lmstfy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bitleak/lmstfy/client"
	"golang.org/x/time/rate"

	"oip/photosync/internal/framework"
	"oip/photosync/pkg/config"
	"oip/photosync/pkg/errorutil"
	"oip/photosync/pkg/logger"
)

// jobClient lmstfy 客户端中用到的方法
type jobClient interface {
	Consume(queue string, ttrSecond, timeoutSecond uint32) (*client.Job, error)
	Ack(queue, jobID string) error
	Publish(queue string, data []byte, ttlSecond uint32, tries uint16, delaySecond uint32) (string, error)
}

// apiClient 适配 client.LmstfyClient：其 Ack 返回 *client.APIError，需转换为 error 接口
type apiClient struct {
	cli *client.LmstfyClient
}

var _ jobClient = (*apiClient)(nil)

func (a *apiClient) Consume(queue string, ttrSecond, timeoutSecond uint32) (*client.Job, error) {
	return a.cli.Consume(queue, ttrSecond, timeoutSecond)
}

func (a *apiClient) Ack(queue, jobID string) error {
	return ackError(a.cli.Ack(queue, jobID))
}

func (a *apiClient) Publish(queue string, data []byte, ttlSecond uint32, tries uint16, delaySecond uint32) (string, error) {
	return a.cli.Publish(queue, data, ttlSecond, tries, delaySecond)
}

// ackError 空的 *client.APIError 返回 nil error
func ackError(e *client.APIError) error {
	if e != nil {
		return e
	}
	return nil
}

// Client Lmstfy Broker 实现（拉模式）
// 重投依赖 TTR：未 ack 的 job 在 TTR 到期后重新可见，remain_tries 递减
type Client struct {
	cli     jobClient
	tries   int
	ttr     time.Duration
	timeout time.Duration
	limiter *rate.Limiter
	logger  logger.Logger

	mu     sync.Mutex
	closed bool
}

// NewClient 创建 Lmstfy 客户端
func NewClient(cfg config.LmstfyConfig, log logger.Logger) (*Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("lmstfy host is required")
	}
	cli := &apiClient{cli: client.NewLmstfyClient(cfg.Host, cfg.Port, cfg.Namespace, cfg.Token)}
	return newClient(cli, cfg, log), nil
}

func newClient(cli jobClient, cfg config.LmstfyConfig, log logger.Logger) *Client {
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	tries := cfg.Tries
	if tries <= 0 {
		tries = 1
	}

	return &Client{
		cli:     cli,
		tries:   tries,
		ttr:     cfg.TTR,
		timeout: cfg.Timeout,
		limiter: rate.NewLimiter(limit, burst),
		logger:  log,
	}
}

// Consume 实现 framework.Broker：后台协程按速率拉取 job，拉取出错时关闭消息流
func (c *Client) Consume(ctx context.Context, queue string) (<-chan *framework.Message, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, errorutil.Connection("lmstfy client closed", nil)
	}

	ttrSec := uint32(c.ttr.Seconds())
	timeoutSec := uint32(c.timeout.Seconds())

	out := make(chan *framework.Message)
	go func() {
		defer close(out)
		for {
			// 1. 速率控制 + 退出检查
			if err := c.limiter.Wait(ctx); err != nil {
				return
			}

			// 2. 拉取消息（阻塞至多 timeout 秒）
			job, err := c.cli.Consume(queue, ttrSec, timeoutSec)
			if err != nil {
				c.logger.Warnf(ctx, "[Lmstfy] Consume %s failed: %v", queue, err)
				return
			}

			// 超时未拉到
			if job == nil {
				continue
			}

			select {
			case out <- c.toMessage(job, queue):
			case <-ctx.Done():
				// 未 ack 的 job 在 TTR 后重新投递
				return
			}
		}
	}()

	return out, nil
}

func (c *Client) toMessage(job *client.Job, queue string) *framework.Message {
	if job.Queue != "" {
		queue = job.Queue
	}
	return &framework.Message{
		ID:       job.ID,
		Queue:    queue,
		Body:     job.Data,
		Attempts: c.attempts(int(job.RemainTries)),
	}
}

// attempts 根据剩余次数推算已失败次数；首次消费时 remain = tries - 1
func (c *Client) attempts(remain int) int {
	n := c.tries - 1 - remain
	if n < 0 {
		return 0
	}
	return n
}

// Ack 实现 framework.Broker（删除 job）
func (c *Client) Ack(_ context.Context, msg *framework.Message) error {
	if err := c.cli.Ack(msg.Queue, msg.ID); err != nil {
		return errorutil.Connection("lmstfy ack failed", err)
	}
	return nil
}

// Nack 实现 framework.Broker
// requeue 时不做任何操作，job 在 TTR 到期后自动重投；否则直接删除
func (c *Client) Nack(ctx context.Context, msg *framework.Message, requeue bool) error {
	if requeue {
		return nil
	}
	return c.Ack(ctx, msg)
}

// Publish 发布消息
func (c *Client) Publish(_ context.Context, queue string, data []byte, ttl, delay time.Duration) (string, error) {
	jobID, err := c.cli.Publish(queue, data, uint32(ttl.Seconds()), uint16(c.tries), uint32(delay.Seconds()))
	if err != nil {
		return "", errorutil.Connection("lmstfy publish failed", err)
	}
	return jobID, nil
}

// Close 实现 framework.Broker
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
