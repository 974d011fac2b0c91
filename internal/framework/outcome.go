package framework

import (
	"context"
	"errors"

	"oip/photosync/pkg/errorutil"
)

// OutcomeKind 处理结果类型
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRetryable
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome Handler 处理结果：Success(result) / Retryable(reason) / Fatal(reason)
type Outcome struct {
	Kind   OutcomeKind
	Result interface{}
	Err    error
}

// Success 处理成功
func Success(result interface{}) Outcome {
	return Outcome{Kind: OutcomeSuccess, Result: result}
}

// Retryable 临时失败，允许重投
func Retryable(err error) Outcome {
	return Outcome{Kind: OutcomeRetryable, Err: err}
}

// Fatal 不可恢复失败，直接进死信
func Fatal(err error) Outcome {
	return Outcome{Kind: OutcomeFatal, Err: err}
}

// Reason 失败原因
func (o Outcome) Reason() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// ErrorKind 错误分类，未分类的 Fatal 归为 KindFatal
func (o Outcome) ErrorKind() errorutil.Kind {
	if o.Err == nil {
		return ""
	}
	kind := errorutil.KindOf(o.Err)
	if kind == errorutil.KindUnknown && o.Kind == OutcomeFatal {
		return errorutil.KindFatal
	}
	return kind
}

// OutcomeFromError 根据 Handler 返回的 error 归类
func OutcomeFromError(result interface{}, err error) Outcome {
	if err == nil {
		return Success(result)
	}

	if errors.Is(err, context.DeadlineExceeded) && !errorutil.IsKind(err, errorutil.KindHandlerTimeout) {
		return Retryable(errorutil.HandlerTimeout("handler timed out", err))
	}

	var e *errorutil.Error
	if errors.As(err, &e) && !e.Retryable {
		return Fatal(err)
	}

	// 未分类错误按临时故障处理，交给重试次数兜底
	return Retryable(err)
}
