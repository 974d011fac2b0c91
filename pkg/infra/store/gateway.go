package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // 注册 pgx database/sql 驱动
	"gorm.io/datatypes"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"oip/photosync/internal/entity"
	"oip/photosync/internal/framework"
	"oip/photosync/pkg/config"
	"oip/photosync/pkg/errorutil"
)

// Gateway 关系库访问入口，实现 framework.Store
// 每个 WorkItem 的写入在独立事务中完成，以幂等键去重
type Gateway struct {
	db *gorm.DB
}

// Open 按配置建立连接池
func Open(cfg config.StoreConfig) (*Gateway, error) {
	var (
		db  *gorm.DB
		err error
	)
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}

	switch cfg.Driver {
	case config.DriverPostgres:
		var sqlDB *sql.DB
		sqlDB, err = sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, errorutil.Connection("open postgres failed", err)
		}
		db, err = gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), gormCfg)
	case config.DriverMySQL:
		db, err = gorm.Open(mysql.Open(cfg.DSN), gormCfg)
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, errorutil.Connection("failed to connect to database", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errorutil.Connection("get sql.DB failed", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return New(db), nil
}

// New 基于已有连接创建 Gateway
func New(db *gorm.DB) *Gateway {
	return &Gateway{db: db}
}

// Ping 检查连接
func (g *Gateway) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return errorutil.Connection("get sql.DB failed", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return errorutil.Connection("ping database failed", err)
	}
	return nil
}

// LoadPhoto 根据 ID 获取照片
func (g *Gateway) LoadPhoto(ctx context.Context, photoUUID string) (*entity.Photo, error) {
	var photo entity.Photo
	err := g.db.WithContext(ctx).Where("uuid = ?", photoUUID).First(&photo).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", entity.ErrPhotoNotFound, photoUUID)
	}
	if err != nil {
		return nil, errorutil.Store("failed to get photo", err)
	}
	return &photo, nil
}

// MarkPhotoStatus 更新照片状态（MySQL 对未变化的行返回 0，因此不以影响行数判断是否存在）
func (g *Gateway) MarkPhotoStatus(ctx context.Context, photoUUID, status string) error {
	result := g.db.WithContext(ctx).
		Model(&entity.Photo{}).
		Where("uuid = ?", photoUUID).
		Update("status", status)

	if result.Error != nil {
		return errorutil.Store("failed to update photo status", result.Error)
	}
	return nil
}

// resultDetail 台账中的结果摘要
type resultDetail struct {
	ThumbnailUUID string `json:"thumbnail_uuid,omitempty"`
	ThumbnailURL  string `json:"thumbnail_url,omitempty"`
	Width         int    `json:"width,omitempty"`
	Height        int    `json:"height,omitempty"`
	DeliveryID    string `json:"delivery_id,omitempty"`
}

// PersistResult 实现 framework.Store
// 台账插入成功才写入缩略图并更新照片状态；台账已存在说明之前已落库，直接返回成功
func (g *Gateway) PersistResult(ctx context.Context, item *framework.WorkItem, outcome framework.Outcome) error {
	thumb, _ := outcome.Result.(*entity.PhotoThumbnail)

	detail := resultDetail{DeliveryID: item.ID}
	if thumb != nil {
		detail.ThumbnailUUID = thumb.UUID
		detail.ThumbnailURL = thumb.URL
		detail.Width = thumb.Width
		detail.Height = thumb.Height
	}
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return errorutil.Store("marshal result detail failed", err)
	}

	row := &entity.ProcessingResult{
		IdempotencyKey: item.IdempotencyKey(),
		PhotoUUID:      item.Key,
		MessageID:      messageID(item),
		Kind:           item.Kind,
		Attempt:        item.Attempt,
		Detail:         datatypes.JSON(detailJSON),
		CreatedAt:      time.Now().UTC(),
	}

	err = g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row)
		if res.Error != nil {
			return res.Error
		}
		if thumb == nil {
			return nil
		}

		if res.RowsAffected == 0 {
			// 已落库：只修正重投时被改成 processing 的状态
			return markStatus(tx, thumb.PhotoUUID, entity.PhotoStatusCompleted)
		}

		if thumb.CreatedAt.IsZero() {
			thumb.CreatedAt = row.CreatedAt
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "uuid"}},
			DoUpdates: clause.AssignmentColumns([]string{"width", "height", "url"}),
		}).Create(thumb).Error; err != nil {
			return err
		}

		return markStatus(tx, thumb.PhotoUUID, entity.PhotoStatusCompleted)
	})
	if err != nil {
		return errorutil.Store("persist result failed", err)
	}
	return nil
}

// PersistDeadLetter 实现 framework.Store
func (g *Gateway) PersistDeadLetter(ctx context.Context, dl *framework.DeadLetter) error {
	item := dl.Item

	var (
		payload []byte
		queue   string
		headers = datatypes.JSON("{}")
	)
	if item.Raw != nil {
		payload = item.Raw.Body
		queue = item.Raw.Queue
		if len(item.Raw.Headers) > 0 {
			if b, err := json.Marshal(item.Raw.Headers); err == nil {
				headers = datatypes.JSON(b)
			}
		}
	}

	row := &entity.DeadLetter{
		IdempotencyKey: item.IdempotencyKey(),
		PhotoUUID:      item.Key,
		MessageID:      messageID(item),
		Queue:          queue,
		Kind:           item.Kind,
		ErrorKind:      dl.Kind,
		Reason:         dl.Reason,
		AttemptCount:   dl.AttemptCount,
		Payload:        payload,
		Headers:        headers,
		FailedAt:       dl.FailedAt.UTC(),
	}

	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row)
		if res.Error != nil {
			return res.Error
		}

		// 非法 ID 不会命中照片记录，跳过以免类型转换报错
		if _, err := uuid.Parse(item.Key); err != nil {
			return nil
		}
		return markStatus(tx, item.Key, entity.PhotoStatusFailed)
	})
	if err != nil {
		return errorutil.Store("persist dead letter failed", err)
	}
	return nil
}

// Close 关闭数据库连接
func (g *Gateway) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// markStatus 幂等地设置照片状态
func markStatus(tx *gorm.DB, photoUUID, status string) error {
	return tx.Model(&entity.Photo{}).
		Where("uuid = ? AND status <> ?", photoUUID, status).
		Update("status", status).Error
}

// maxMessageIDLen 与 message_id 列宽一致
const maxMessageIDLen = 128

func messageID(item *framework.WorkItem) string {
	if item.Raw == nil {
		return ""
	}
	if len(item.Raw.ID) > maxMessageIDLen {
		return item.Raw.ID[:maxMessageIDLen]
	}
	return item.Raw.ID
}
