package worker

import (
	"context"
	"errors"
	"time"

	"patchbridge/pkg/config"
	bridgeerr "patchbridge/pkg/errors"
)

// Decision 任务执行结果的处理方式
type Decision int

const (
	DecisionAck Decision = iota
	DecisionRetry
	DecisionDeadLetter
	DecisionDrop
)

func (d Decision) String() string {
	switch d {
	case DecisionAck:
		return "ack"
	case DecisionRetry:
		return "retry"
	case DecisionDeadLetter:
		return "dead_letter"
	case DecisionDrop:
		return "drop"
	}
	return "unknown"
}

// conflictAttempts 并发冲突最多执行的次数
const conflictAttempts = 2

// RetryPolicy 重试策略：最大尝试次数、指数退避和错误分类
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Classify    func(err error) bridgeerr.Kind
}

// NewRetryPolicy 按调度配置创建重试策略
func NewRetryPolicy(cfg config.DispatcherConfig) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		BaseBackoff: cfg.BaseBackoff,
		MaxBackoff:  cfg.MaxBackoff,
		Classify:    ClassifyError,
	}
}

// ClassifyError 默认分类。超过墙钟预算按瞬时错误处理
func ClassifyError(err error) bridgeerr.Kind {
	var be *bridgeerr.BridgeError
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return bridgeerr.KindTransientInfra
	}
	return bridgeerr.KindUnknown
}

// Backoff 第attempt次失败后的等待时间：Base * 2^(attempt-1)，不超过Max
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxBackoff > 0 && delay >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && delay > p.MaxBackoff {
		return p.MaxBackoff
	}
	return delay
}

// Decide 根据错误和已尝试次数（含本次）决定如何处理。
// 重试耗尽的错误包装为 BridgeFailed
func (p *RetryPolicy) Decide(err error, attempts int) (Decision, time.Duration, error) {
	if err == nil {
		return DecisionAck, 0, nil
	}

	kind := p.Classify(err)
	if kind == bridgeerr.KindStale {
		return DecisionDrop, 0, err
	}
	// 并发冲突在刷新后只重试一次，之后按原类别进入死信通知提交者
	if kind == bridgeerr.KindConcurrentUpdateConflict {
		if attempts < conflictAttempts && attempts < p.MaxAttempts {
			return DecisionRetry, p.Backoff(attempts), err
		}
		return DecisionDeadLetter, 0, err
	}
	if !kind.Retryable() {
		return DecisionDeadLetter, 0, err
	}
	if attempts >= p.MaxAttempts {
		return DecisionDeadLetter, 0, bridgeerr.New(bridgeerr.KindBridgeFailed, "dispatcher", err)
	}
	return DecisionRetry, p.Backoff(attempts), err
}
