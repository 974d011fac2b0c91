package entity

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// 照片状态常量（对应 photo_status 枚举）
const (
	PhotoStatusPending    = "pending"
	PhotoStatusProcessing = "processing"
	PhotoStatusCompleted  = "completed"
	PhotoStatusFailed     = "failed"
)

// Photo 照片实体
type Photo struct {
	UUID      string    `gorm:"column:uuid;primaryKey"`
	URL       string    `gorm:"column:url;not null"`
	Status    string    `gorm:"column:status;not null;default:pending"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName 指定表名
func (Photo) TableName() string {
	return "photos"
}

// PhotoThumbnail 缩略图实体
type PhotoThumbnail struct {
	UUID      string    `gorm:"column:uuid;primaryKey"`
	PhotoUUID string    `gorm:"column:photo_uuid;not null"`
	Width     int       `gorm:"column:width;not null"`
	Height    int       `gorm:"column:height;not null"`
	URL       string    `gorm:"column:url;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName 指定表名
func (PhotoThumbnail) TableName() string {
	return "photo_thumbnails"
}

// thumbnailNamespace 缩略图 ID 的 UUIDv5 命名空间
var thumbnailNamespace = uuid.MustParse("6f1b8a3e-2c4d-5e6f-8a9b-0c1d2e3f4a5b")

// ThumbnailID 由照片 ID 推导出固定的缩略图 ID，重复处理不会产生新记录
func ThumbnailID(photoUUID string) string {
	return uuid.NewSHA1(thumbnailNamespace, []byte(photoUUID)).String()
}

// ErrPhotoNotFound 照片记录不存在
var ErrPhotoNotFound = errors.New("photo not found")
