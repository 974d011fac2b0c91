package errorutil

import (
	"errors"
	"fmt"
)

// Kind 错误分类
type Kind string

const (
	KindUnknown        Kind = "unknown"
	KindConnection     Kind = "connection"      // broker/store 不可达
	KindDecode         Kind = "decode"          // 毒消息，永不重试
	KindStore          Kind = "store"           // 写入失败，触发重投
	KindHandlerTimeout Kind = "handler_timeout" // 处理超时，可重试
	KindFatal          Kind = "fatal"           // 业务明确拒绝，直接进死信
	KindRetryable      Kind = "retryable"       // 临时故障
)

// Error 错误结构（包含可重试标记）
type Error struct {
	Code       int    `json:"code"`
	Kind       Kind   `json:"kind"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	DevDetails string `json:"dev_details,omitempty"`

	cause error
}

// Error 实现 error 接口
func (e *Error) Error() string {
	if e.cause != nil && e.cause.Error() != e.Message {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

// Unwrap 支持 errors.Is / errors.As
func (e *Error) Unwrap() error {
	return e.cause
}

// Retriable 创建可重试错误（网络错误、临时故障等）
func Retriable(message string) *Error {
	return &Error{
		Code:      500,
		Kind:      KindRetryable,
		Message:   message,
		Retryable: true,
	}
}

// RetriableWithDetails 创建可重试错误（带详细信息）
func RetriableWithDetails(message string, details string) *Error {
	e := Retriable(message)
	e.DevDetails = details
	return e
}

// NonRetriable 创建不可重试错误（参数错误、业务规则错误等）
func NonRetriable(message string) *Error {
	return &Error{
		Code:      400,
		Kind:      KindFatal,
		Message:   message,
		Retryable: false,
	}
}

// NonRetriableWithDetails 创建不可重试错误（带详细信息）
func NonRetriableWithDetails(message string, details string) *Error {
	e := NonRetriable(message)
	e.DevDetails = details
	return e
}

// Connection broker/store 连接失败
func Connection(message string, cause error) *Error {
	return newError(503, KindConnection, message, true, cause)
}

// Decode 消息无法解析
func Decode(message string, cause error) *Error {
	return newError(400, KindDecode, message, false, cause)
}

// Store 持久化失败（副作用未确认落盘，按可重试处理）
func Store(message string, cause error) *Error {
	return newError(500, KindStore, message, true, cause)
}

// HandlerTimeout 处理超时
func HandlerTimeout(message string, cause error) *Error {
	return newError(504, KindHandlerTimeout, message, true, cause)
}

// Fatal 业务拒绝（重投也无法改变结果）
func Fatal(message string, cause error) *Error {
	return newError(422, KindFatal, message, false, cause)
}

// Transient 临时故障（带原因）
func Transient(message string, cause error) *Error {
	return newError(500, KindRetryable, message, true, cause)
}

func newError(code int, kind Kind, message string, retryable bool, cause error) *Error {
	e := &Error{
		Code:      code,
		Kind:      kind,
		Message:   message,
		Retryable: retryable,
		cause:     cause,
	}
	if cause != nil {
		e.DevDetails = fmt.Sprintf("%+v", cause)
	}
	return e
}

// Wrap 包装错误（自动判断是否可重试）
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}

	// 如果已经是 Error 类型，直接返回
	var e *Error
	if errors.As(err, &e) {
		return e
	}

	// 默认为不可重试错误
	return &Error{
		Code:       500,
		Kind:       KindUnknown,
		Message:    err.Error(),
		Retryable:  false,
		DevDetails: fmt.Sprintf("%+v", err),
		cause:      err,
	}
}

// KindOf 返回错误分类，非 *Error 返回 KindUnknown
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind 判断错误链中是否存在指定分类
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable 判断是否可重试；非 *Error 视为可重试
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return err != nil
}
