package framework

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// DefaultKind 未设置消息类型时使用的 kind
const DefaultKind = "photo.thumbnail"

// Message 消息结构（框架内部流转，由 Broker 驱动填充）
type Message struct {
	ID          string                 // 消息 ID（AMQP message-id / lmstfy job id，可能为空）
	DeliveryTag uint64                 // 投递标识，仅在当前连接内有效
	Generation  uint64                 // 连接代数，用于识别过期投递
	Queue       string                 // 队列名称
	Type        string                 // 消息类型
	Body        []byte                 // 原始消息体
	Attempts    int                    // 已投递失败次数（首次投递为 0）
	Timestamp   time.Time              // 入队时间（未知时为零值）
	Headers     map[string]interface{} // 扩展字段
}

// Label 日志中展示的消息标识
func (m *Message) Label() string {
	if m == nil {
		return ""
	}
	if m.ID != "" {
		return m.ID
	}
	return "tag-" + strconv.FormatUint(m.DeliveryTag, 10)
}

// WorkItem 解码后的工作单元，处理期间只归属一个 Processor 协程
type WorkItem struct {
	ID          string      // 投递标识
	Kind        string      // 业务类型，用于选择 Handler
	Key         string      // 业务键（如 photo uuid）
	Payload     interface{} // 业务数据，框架不关心
	Attempt     int         // 第几次尝试（从 0 开始）
	EnqueuedAt  time.Time   // 入队时间
	ContentHash string      // 消息体 sha256
	Raw         *Message    // 原始消息
}

// NewWorkItem 基于原始消息构造 WorkItem
func NewWorkItem(msg *Message, key string, payload interface{}) *WorkItem {
	sum := sha256.Sum256(msg.Body)

	kind := msg.Type
	if kind == "" {
		kind = DefaultKind
	}

	id := msg.ID
	if msg.DeliveryTag != 0 {
		id = strconv.FormatUint(msg.DeliveryTag, 10)
	}

	enqueuedAt := msg.Timestamp
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now()
	}

	return &WorkItem{
		ID:          id,
		Kind:        kind,
		Key:         key,
		Payload:     payload,
		Attempt:     msg.Attempts,
		EnqueuedAt:  enqueuedAt,
		ContentHash: hex.EncodeToString(sum[:]),
		Raw:         msg,
	}
}

// maxBusinessKeyLen 业务键超过该长度时以 sha256 代替，幂等键长度上限为 129
const maxBusinessKeyLen = 64

// IdempotencyKey 幂等键：业务键 + 内容哈希
// 投递标识在重连后会变化，因此不参与幂等键
func (w *WorkItem) IdempotencyKey() string {
	business := w.Key
	if w.Raw != nil && w.Raw.ID != "" {
		business = w.Raw.ID
	}
	if len(business) > maxBusinessKeyLen {
		sum := sha256.Sum256([]byte(business))
		business = hex.EncodeToString(sum[:])
	}
	return business + ":" + w.ContentHash
}

// DeadLetter 死信记录，创建后不可修改
type DeadLetter struct {
	Item         *WorkItem
	Reason       string
	Kind         string // 错误分类
	AttemptCount int
	FailedAt     time.Time
}

// State WorkItem 状态
type State int

const (
	StatePending State = iota
	StateProcessing
	StateSucceeded
	StateRetrying
	StateDeadLettered
	StateDropped // 解码失败，ack 后丢弃
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateProcessing:
		return "processing"
	case StateSucceeded:
		return "succeeded"
	case StateRetrying:
		return "retrying"
	case StateDeadLettered:
		return "dead_lettered"
	case StateDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Event 终态事件（供指标、通知使用）
type Event struct {
	Message  *Message
	Item     *WorkItem // 解码失败时为 nil
	State    State
	Outcome  Outcome
	Duration time.Duration
}
