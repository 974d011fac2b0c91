package photo

import (
	"context"
	"errors"
	"fmt"

	"oip/photosync/internal/entity"
	"oip/photosync/internal/framework"
	"oip/photosync/pkg/errorutil"
	"oip/photosync/pkg/logger"
)

// Repository 照片读写
type Repository interface {
	LoadPhoto(ctx context.Context, photoUUID string) (*entity.Photo, error)
	MarkPhotoStatus(ctx context.Context, photoUUID, status string) error
}

// Fetcher 下载原图
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// ThumbnailMaker 生成缩略图
type ThumbnailMaker interface {
	Make(photoUUID string, data []byte) (*entity.PhotoThumbnail, error)
}

// ThumbnailHandler 缩略图处理器
// 缩略图记录与 completed 状态由 Store 在 ack 前写入
type ThumbnailHandler struct {
	repo   Repository
	fetch  Fetcher
	thumbs ThumbnailMaker
	logger logger.Logger
}

// NewThumbnailHandler 创建缩略图处理器
func NewThumbnailHandler(repo Repository, fetch Fetcher, thumbs ThumbnailMaker, log logger.Logger) *ThumbnailHandler {
	return &ThumbnailHandler{repo: repo, fetch: fetch, thumbs: thumbs, logger: log}
}

// Handle 实现 framework.Handler
func (h *ThumbnailHandler) Handle(ctx context.Context, item *framework.WorkItem) framework.Outcome {
	payload, ok := item.Payload.(*Payload)
	if !ok {
		return framework.Fatal(errorutil.NonRetriable(fmt.Sprintf("unexpected payload type %T", item.Payload)))
	}
	id := payload.PhotoUUID.String()

	var (
		photo *entity.Photo
		data  []byte
		thumb *entity.PhotoThumbnail
	)

	err := framework.NewSteps().
		Add("load", func(ctx context.Context) error {
			p, err := h.repo.LoadPhoto(ctx, id)
			if errors.Is(err, entity.ErrPhotoNotFound) {
				return errorutil.Fatal("no photo record found", err)
			}
			photo = p
			return err
		}).
		Add("mark_processing", func(ctx context.Context) error {
			return h.repo.MarkPhotoStatus(ctx, id, entity.PhotoStatusProcessing)
		}).
		Add("download", func(ctx context.Context) error {
			h.logger.Infof(ctx, "[Thumbnail] Downloading %s", photo.URL)
			var err error
			data, err = h.fetch.Fetch(ctx, photo.URL)
			return err
		}).
		Add("thumbnail", func(ctx context.Context) error {
			var err error
			thumb, err = h.thumbs.Make(id, data)
			return err
		}).
		Run(ctx)
	if err != nil {
		return framework.OutcomeFromError(nil, err)
	}

	h.logger.Infof(ctx, "[Thumbnail] Created %dx%d thumbnail at %s", thumb.Width, thumb.Height, thumb.URL)
	return framework.Success(thumb)
}
