package photo

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif" // 注册 GIF 解码
	"image/jpeg"
	_ "image/png" // 注册 PNG 解码
	"os"
	"path/filepath"
	"time"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // 注册 WebP 解码

	"oip/photosync/internal/entity"
	"oip/photosync/pkg/config"
	"oip/photosync/pkg/errorutil"
)

// defaultMaxPixels 未配置时的解码像素上限
const defaultMaxPixels = 40_000_000

// Thumbnailer 生成缩略图并写入目录
type Thumbnailer struct {
	dir       string
	width     int
	height    int
	quality   int
	maxPixels int64
}

// NewThumbnailer 创建缩略图生成器
func NewThumbnailer(cfg config.ThumbnailConfig) *Thumbnailer {
	t := &Thumbnailer{dir: cfg.Dir, width: cfg.Width, height: cfg.Height, quality: cfg.Quality, maxPixels: cfg.MaxPixels}
	if t.width <= 0 {
		t.width = 320
	}
	if t.height <= 0 {
		t.height = 320
	}
	if t.quality <= 0 || t.quality > 100 {
		t.quality = jpeg.DefaultQuality
	}
	if t.maxPixels <= 0 {
		t.maxPixels = defaultMaxPixels
	}
	return t
}

// Path 缩略图文件路径
func (t *Thumbnailer) Path(photoUUID string) string {
	return filepath.Join(t.dir, photoUUID+".thumbnail.jpg")
}

// Make 按比例缩放到不超过目标尺寸（不放大），保存为 JPEG
// 像素数超过 maxPixels 的图片只读取头部即拒绝，不做完整解码
func (t *Thumbnailer) Make(photoUUID string, data []byte) (*entity.PhotoThumbnail, error) {
	header, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, errorutil.Fatal("unable to decode image", err)
	}
	if pixels := int64(header.Width) * int64(header.Height); pixels > t.maxPixels {
		return nil, errorutil.Fatal(fmt.Sprintf("image %dx%d exceeds %d pixels", header.Width, header.Height, t.maxPixels), nil)
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errorutil.Fatal("unable to decode image", err)
	}

	w, h := fit(src.Bounds().Dx(), src.Bounds().Dy(), t.width, t.height)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	// JPEG 不支持透明通道，先铺白底
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	path := t.Path(photoUUID)
	if err := t.write(path, dst); err != nil {
		return nil, err
	}

	return &entity.PhotoThumbnail{
		UUID:      entity.ThumbnailID(photoUUID),
		PhotoUUID: photoUUID,
		Width:     w,
		Height:    h,
		URL:       path,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// write 先写临时文件再 rename，避免读到半个文件
func (t *Thumbnailer) write(path string, img image.Image) error {
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return errorutil.Transient("create thumbnail dir failed", err)
	}

	tmp, err := os.CreateTemp(t.dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return errorutil.Transient("create temp thumbnail failed", err)
	}
	defer os.Remove(tmp.Name())

	if err := jpeg.Encode(tmp, img, &jpeg.Options{Quality: t.quality}); err != nil {
		_ = tmp.Close()
		return errorutil.Transient("encode thumbnail failed", err)
	}
	if err := tmp.Close(); err != nil {
		return errorutil.Transient("flush thumbnail failed", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errorutil.Transient(fmt.Sprintf("move thumbnail to %s failed", path), err)
	}
	return nil
}

// fit 计算保持宽高比、不超过 maxW x maxH 的尺寸
func fit(w, h, maxW, maxH int) (int, int) {
	if w <= maxW && h <= maxH {
		return w, h
	}

	nw, nh := maxW, h*maxW/w
	if nh > maxH {
		nw, nh = w*maxH/h, maxH
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return nw, nh
}
