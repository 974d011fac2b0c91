package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"oip/photosync/internal/entity"
	"oip/photosync/internal/framework"
	"oip/photosync/pkg/config"
	"oip/photosync/pkg/logger"
)

// PubSub Redis 发布/订阅客户端
type PubSub struct {
	client *redis.Client
}

// NewPubSub 创建 PubSub 实例
func NewPubSub(ctx context.Context, cfg config.RedisConfig) (*PubSub, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// 测试连接
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &PubSub{
		client: client,
	}, nil
}

// Publish 发布 JSON 消息
func (p *PubSub) Publish(ctx context.Context, channel string, v interface{}) error {
	msgJSON, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	if err := p.client.Publish(ctx, channel, msgJSON).Err(); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Subscribe 订阅 Redis 频道（用于测试）
func (p *PubSub) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return p.client.Subscribe(ctx, channel)
}

// Close 关闭 Redis 连接
func (p *PubSub) Close() error {
	return p.client.Close()
}

// PhotoNotification 缩略图处理完成通知
type PhotoNotification struct {
	PhotoUUID    string `json:"photo_uuid"`
	Status       string `json:"status"` // completed/failed
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	Attempts     int    `json:"attempts"`
	Reason       string `json:"reason,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// Publisher 发布接口
type Publisher interface {
	Publish(ctx context.Context, channel string, v interface{}) error
}

// Notifier 在消息终态时发布通知，实现 framework.Observer
// 发布失败只记录日志，不影响消息处理结果
type Notifier struct {
	pub     Publisher
	channel string
	timeout time.Duration
	logger  logger.Logger
}

// NewNotifier 创建通知器
func NewNotifier(pub Publisher, channel string, log logger.Logger) *Notifier {
	return &Notifier{pub: pub, channel: channel, timeout: 2 * time.Second, logger: log}
}

// Terminal 成功或进入死信时发布通知
func (n *Notifier) Terminal(ctx context.Context, ev *framework.Event) {
	if ev.Item == nil {
		return
	}

	notification := &PhotoNotification{
		PhotoUUID: ev.Item.Key,
		Timestamp: time.Now().Unix(),
	}

	switch ev.State {
	case framework.StateSucceeded:
		notification.Status = entity.PhotoStatusCompleted
		notification.Attempts = ev.Item.Attempt + 1
		if thumb, ok := ev.Outcome.Result.(*entity.PhotoThumbnail); ok {
			notification.ThumbnailURL = thumb.URL
		}
	case framework.StateDeadLettered:
		notification.Status = entity.PhotoStatusFailed
		notification.Attempts = ev.Item.Attempt + 1
		notification.Reason = ev.Outcome.Reason()
	default:
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()

	if err := n.pub.Publish(pubCtx, n.channel, notification); err != nil {
		n.logger.Warnf(ctx, "[Notifier] Publish %s notification for %s failed: %v",
			notification.Status, notification.PhotoUUID, err)
	}
}

// Reconnected 实现 framework.Observer
func (n *Notifier) Reconnected(ctx context.Context, queue string) {}
