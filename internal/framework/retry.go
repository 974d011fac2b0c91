package framework

import (
	"math/rand/v2"
	"time"
)

// RetryPolicy 重试策略
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // [0, 1)

	rand func() float64
}

// Decision 重试决策
type Decision struct {
	State State
	Delay time.Duration // 仅 StateRetrying 有效
}

// NewRetryPolicy 创建重试策略
func NewRetryPolicy(maxAttempts int, base, max time.Duration, jitter float64) *RetryPolicy {
	if jitter < 0 {
		jitter = 0
	}
	if jitter >= 1 {
		jitter = 0.99
	}
	if max < base {
		max = base
	}
	return &RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   base,
		MaxDelay:    max,
		Jitter:      jitter,
		rand:        rand.Float64,
	}
}

// WithRand 替换随机源
func (p *RetryPolicy) WithRand(fn func() float64) *RetryPolicy {
	p.rand = fn
	return p
}

// Decide 根据处理结果决定下一个状态
func (p *RetryPolicy) Decide(item *WorkItem, outcome Outcome) Decision {
	switch outcome.Kind {
	case OutcomeSuccess:
		return Decision{State: StateSucceeded}
	case OutcomeRetryable:
		if item.Attempt+1 < p.MaxAttempts {
			return Decision{State: StateRetrying, Delay: p.Delay(item.Attempt)}
		}
		return Decision{State: StateDeadLettered}
	default:
		return Decision{State: StateDeadLettered}
	}
}

// Exhausted 尝试次数已用完（上一次投递的死信写入失败时会出现）
func (p *RetryPolicy) Exhausted(item *WorkItem) bool {
	return item.Attempt >= p.MaxAttempts
}

// Delay 第 attempt 次失败后的重投延迟
// e = min(max, base*2^attempt)，delay = min(max, e + U[0, e*jitter))
// jitter < 1 保证 delay(n) < e(n+1)，因此随 attempt 单调不减
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	e := p.BaseDelay
	for i := 0; i < attempt && e < p.MaxDelay; i++ {
		e *= 2
	}
	if e > p.MaxDelay {
		e = p.MaxDelay
	}

	if p.Jitter > 0 {
		r := rand.Float64
		if p.rand != nil {
			r = p.rand
		}
		e += time.Duration(r() * p.Jitter * float64(e))
	}
	if e > p.MaxDelay {
		e = p.MaxDelay
	}
	return e
}

// NewDeadLetter 构造死信
func (p *RetryPolicy) NewDeadLetter(item *WorkItem, outcome Outcome) *DeadLetter {
	attempts := item.Attempt + 1
	if p.Exhausted(item) {
		// 本次投递未执行 Handler
		attempts = item.Attempt
	}
	return &DeadLetter{
		Item:         item,
		Reason:       outcome.Reason(),
		Kind:         string(outcome.ErrorKind()),
		AttemptCount: attempts,
		FailedAt:     time.Now(),
	}
}
