package entity

import (
	"time"

	"gorm.io/datatypes"
)

// ProcessingResult 处理台账：每个幂等键只记录一次
type ProcessingResult struct {
	IdempotencyKey string         `gorm:"column:idempotency_key;primaryKey;type:varchar(191)"`
	PhotoUUID      string         `gorm:"column:photo_uuid;not null;index:idx_result_photo"`
	MessageID      string         `gorm:"column:message_id;type:varchar(128)"`
	Kind           string         `gorm:"column:kind;type:varchar(64);not null"`
	Attempt        int            `gorm:"column:attempt;not null"`
	Detail         datatypes.JSON `gorm:"column:detail"`
	CreatedAt      time.Time      `gorm:"column:created_at;not null"`
}

// TableName 指定表名
func (ProcessingResult) TableName() string {
	return "processing_results"
}

// DeadLetter 死信记录，写入后不再修改
type DeadLetter struct {
	IdempotencyKey string         `gorm:"column:idempotency_key;primaryKey;type:varchar(191)"`
	PhotoUUID      string         `gorm:"column:photo_uuid;index:idx_dead_letter_photo"`
	MessageID      string         `gorm:"column:message_id;type:varchar(128)"`
	Queue          string         `gorm:"column:queue;type:varchar(128)"`
	Kind           string         `gorm:"column:kind;type:varchar(64)"`
	ErrorKind      string         `gorm:"column:error_kind;type:varchar(32)"`
	Reason         string         `gorm:"column:reason;not null"`
	AttemptCount   int            `gorm:"column:attempt_count;not null"`
	Payload        []byte         `gorm:"column:payload"`
	Headers        datatypes.JSON `gorm:"column:headers"`
	FailedAt       time.Time      `gorm:"column:failed_at;not null"`
}

// TableName 指定表名
func (DeadLetter) TableName() string {
	return "dead_letters"
}
