package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"oip/photosync/internal/domains/photo"
	"oip/photosync/pkg/amqp"
	"oip/photosync/pkg/config"
	"oip/photosync/pkg/lmstfy"
	"oip/photosync/pkg/logger"
)

var (
	configPath = flag.String("config", "./config/worker.yaml", "配置文件路径")
	filePath   = flag.String("file", "", "照片 UUID 列表（JSON 数组）")
	format     = flag.String("format", "binary", "消息格式：binary / text / json")
	random     = flag.Int("random", 0, "额外生成 N 个随机 UUID（测试死信路径）")
	ttl        = flag.Duration("ttl", 24*time.Hour, "lmstfy job TTL")
)

func main() {
	flag.Parse()

	fmt.Println("========================================")
	fmt.Println("  Enqueue - PHOTOSYNC 投递工具")
	fmt.Println("========================================")

	// 1. 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("❌ Failed to load config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Config loaded: %s (broker=%s, queue=%s)\n", cfg.App.Name, cfg.Broker.Kind, cfg.Broker.Queue)

	// 2. 收集 UUID
	ids, err := collectIDs(flag.Args(), *filePath, *random)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
	if len(ids) == 0 {
		fmt.Println("❌ No photo uuid given (args, -file or -random)")
		os.Exit(1)
	}

	// 3. 创建发布函数
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	publish, closeFn, err := newPublisher(ctx, cfg)
	if err != nil {
		fmt.Printf("❌ Failed to connect broker: %v\n", err)
		os.Exit(1)
	}
	defer closeFn()

	// 4. 逐条投递
	failed := 0
	for i, id := range ids {
		body, err := encode(id, *format)
		if err != nil {
			fmt.Printf("❌ [%d/%d] %s: %v\n", i+1, len(ids), id, err)
			failed++
			continue
		}
		if err := publish(ctx, id, body); err != nil {
			fmt.Printf("❌ [%d/%d] %s: %v\n", i+1, len(ids), id, err)
			failed++
			continue
		}
		fmt.Printf("✅ [%d/%d] %s\n", i+1, len(ids), id)
	}

	fmt.Println("========================================")
	fmt.Printf("  Published: %d, Failed: %d\n", len(ids)-failed, failed)
	fmt.Println("========================================")
	if failed > 0 {
		os.Exit(1)
	}
}

type publishFunc func(ctx context.Context, id uuid.UUID, body []byte) error

func newPublisher(ctx context.Context, cfg *config.Config) (publishFunc, func(), error) {
	log := logger.NewNop()

	switch cfg.Broker.Kind {
	case config.BrokerLmstfy:
		client, err := lmstfy.NewClient(cfg.Lmstfy, log)
		if err != nil {
			return nil, nil, err
		}
		publish := func(ctx context.Context, id uuid.UUID, body []byte) error {
			_, err := client.Publish(ctx, cfg.Broker.Queue, body, *ttl, 0)
			return err
		}
		return publish, func() { _ = client.Close() }, nil

	default:
		client, err := amqp.New(amqp.FromConfig(cfg.Broker), log)
		if err != nil {
			return nil, nil, err
		}
		if err := client.Connect(ctx); err != nil {
			return nil, nil, err
		}
		publish := func(ctx context.Context, id uuid.UUID, body []byte) error {
			return client.Publish(ctx, cfg.Broker.Queue, body, amqp.PublishOptions{
				MessageID: id.String(),
				Type:      photo.Kind,
			})
		}
		return publish, func() { _ = client.Close() }, nil
	}
}

func collectIDs(args []string, file string, random int) ([]uuid.UUID, error) {
	raw := append([]string(nil), args...)

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		var fromFile []string
		if err := json.Unmarshal(data, &fromFile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", file, err)
		}
		raw = append(raw, fromFile...)
	}

	ids := make([]uuid.UUID, 0, len(raw)+random)
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid uuid %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	for i := 0; i < random; i++ {
		ids = append(ids, uuid.New())
	}
	return ids, nil
}

// encode 按 Decoder 支持的格式生成消息体
func encode(id uuid.UUID, format string) ([]byte, error) {
	switch format {
	case "binary":
		return id.MarshalBinary()
	case "text":
		return []byte(id.String()), nil
	case "json":
		return json.Marshal(map[string]string{
			"photo_uuid": id.String(),
			"request_id": uuid.NewString(),
		})
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}
