package domains

import (
	"oip/photosync/internal/domains/photo"
	"oip/photosync/internal/framework"
	"oip/photosync/pkg/logger"
)

// Deps Handler 依赖
type Deps struct {
	Photos     photo.Repository
	Fetcher    photo.Fetcher
	Thumbnails photo.ThumbnailMaker
	Logger     logger.Logger
}

// HandlerFactory Handler 构造函数类型
type HandlerFactory func(deps *Deps) framework.Handler

// HandlerMap 路由表（消息类型 → Handler）
var HandlerMap = map[string]HandlerFactory{
	photo.Kind: func(deps *Deps) framework.Handler {
		return photo.NewThumbnailHandler(deps.Photos, deps.Fetcher, deps.Thumbnails, deps.Logger)
	},
}

// DecoderMap 解码表（消息类型 → Decoder）
var DecoderMap = map[string]framework.Decoder{
	photo.Kind: photo.Decode,
}
