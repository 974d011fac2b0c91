package photo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"oip/photosync/pkg/config"
	"oip/photosync/pkg/errorutil"
	"oip/photosync/pkg/logger"
)

// Downloader 下载原图；图片源连续失败时熔断
type Downloader struct {
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	maxBytes int64
}

// NewDownloader 创建下载器
func NewDownloader(cfg config.ThumbnailConfig, log logger.Logger) *Downloader {
	failures := cfg.BreakerFailures
	if failures <= 0 {
		failures = 5
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 32 << 20
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "photo-download",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.BreakerReset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failures)
		},
		// 4xx 等不可重试错误说明图片源可达，不计入熔断
		IsSuccessful: func(err error) bool {
			return err == nil || !errorutil.IsRetryable(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warnf(context.Background(), "[Downloader] Circuit breaker %s: %s -> %s", name, from, to)
		},
	})

	return &Downloader{
		client:   &http.Client{Timeout: cfg.DownloadTimeout},
		breaker:  breaker,
		maxBytes: maxBytes,
	}
}

// Fetch 下载图片内容
// 网络错误、5xx、429、熔断打开为可重试错误；其它非 200 状态码不可重试
func (d *Downloader) Fetch(ctx context.Context, url string) ([]byte, error) {
	body, err := d.breaker.Execute(func() (interface{}, error) {
		return d.fetch(ctx, url)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errorutil.Transient("image host circuit open", err)
		}
		return nil, err
	}
	return body.([]byte), nil
}

func (d *Downloader) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errorutil.Fatal("invalid photo url", err)
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, errorutil.Transient(fmt.Sprintf("download %s failed after %v", url, time.Since(start).Round(time.Millisecond)), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, errorutil.Transient(fmt.Sprintf("download %s: status %d", url, resp.StatusCode), nil)
	default:
		return nil, errorutil.Fatal(fmt.Sprintf("download %s: status %d", url, resp.StatusCode), nil)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBytes+1))
	if err != nil {
		return nil, errorutil.Transient("read image body failed", err)
	}
	if int64(len(data)) > d.maxBytes {
		return nil, errorutil.Fatal(fmt.Sprintf("image exceeds %d bytes", d.maxBytes), nil)
	}
	if len(data) == 0 {
		return nil, errorutil.Fatal("empty image body", nil)
	}
	return data, nil
}
