package photo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oip/photosync/pkg/config"
	"oip/photosync/pkg/errorutil"
	"oip/photosync/pkg/logger"
)

func newTestDownloader(failures int) *Downloader {
	return NewDownloader(config.ThumbnailConfig{
		DownloadTimeout: 2 * time.Second,
		MaxBytes:        16,
		BreakerFailures: failures,
		BreakerReset:    time.Minute,
	}, logger.NewNop())
}

func TestFetchStatusMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write([]byte("image-bytes"))
		case "/empty":
			w.WriteHeader(http.StatusOK)
		case "/huge":
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		case "/busy":
			w.WriteHeader(http.StatusTooManyRequests)
		case "/down":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	d := newTestDownloader(100)
	ctx := context.Background()

	data, err := d.Fetch(ctx, srv.URL+"/ok")
	require.NoError(t, err)
	assert.Equal(t, "image-bytes", string(data))

	for path, retryable := range map[string]bool{
		"/empty":   false,
		"/huge":    false,
		"/missing": false,
		"/busy":    true,
		"/down":    true,
	} {
		_, err := d.Fetch(ctx, srv.URL+path)
		require.Error(t, err, path)
		assert.Equal(t, retryable, errorutil.IsRetryable(err), path)
	}
}

func TestFetchBreakerOpensOnConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := newTestDownloader(2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := d.Fetch(ctx, srv.URL)
		require.Error(t, err)
	}

	_, err := d.Fetch(ctx, srv.URL)
	require.Error(t, err)
	assert.True(t, errorutil.IsRetryable(err))
	assert.Contains(t, err.Error(), "circuit open")
	assert.EqualValues(t, 2, hits.Load())
}

func TestFetchClientErrorsDoNotTripBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	d := newTestDownloader(1)
	for i := 0; i < 3; i++ {
		_, err := d.Fetch(context.Background(), srv.URL)
		require.Error(t, err)
		assert.True(t, errorutil.IsKind(err, errorutil.KindFatal))
	}
	assert.EqualValues(t, 3, hits.Load())
}

func TestFetchUnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestDownloader(5).Fetch(context.Background(), url)
	require.Error(t, err)
	assert.True(t, errorutil.IsRetryable(err))
}
