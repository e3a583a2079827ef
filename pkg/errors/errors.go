package errors

import (
	stderrors "errors"
	"fmt"
)

// ========== 错误码常量定义 ==========

// CodeSuccess 成功码
const (
	CodeSuccess = 200
)

// HTTP层错误码 (400-599)
const (
	CodeInvalidParam = 400
	CodeUnauthorized = 401
	CodeForbidden    = 403
	CodeNotFound     = 404
	CodeServerError  = 500
)

// ========== 桥接错误分类 ==========

// Kind 桥接错误类别
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransientInfra 网络/Redis/API超时，可重试
	KindTransientInfra
	// KindRepositoryUnavailable 规范克隆无法fetch，可重试
	KindRepositoryUnavailable
	// KindAuthenticationFailed webhook签名或forge令牌错误，不重试
	KindAuthenticationFailed
	// KindPatchApplyFailed git am 冲突
	KindPatchApplyFailed
	// KindConcurrentUpdateConflict 推送时被他人抢先
	KindConcurrentUpdateConflict
	// KindConfigurationError 缺少密钥、分支未注册等
	KindConfigurationError
	// KindPartialSeriesTimeout 系列在缓冲超时内未收齐
	KindPartialSeriesTimeout
	// KindBridgeFailed 重试耗尽
	KindBridgeFailed
	// KindStale 重复或乱序投递的事件，直接丢弃
	KindStale
	// KindMalformed 无法解析的补丁/负载
	KindMalformed
)

var kindNames = map[Kind]string{
	KindUnknown:                  "unknown",
	KindTransientInfra:           "transient_infra",
	KindRepositoryUnavailable:    "repository_unavailable",
	KindAuthenticationFailed:     "authentication_failed",
	KindPatchApplyFailed:         "patch_apply_failed",
	KindConcurrentUpdateConflict: "concurrent_update_conflict",
	KindConfigurationError:       "configuration_error",
	KindPartialSeriesTimeout:     "partial_series_timeout",
	KindBridgeFailed:             "bridge_failed",
	KindStale:                    "stale",
	KindMalformed:                "malformed",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable 该类别的错误是否允许调度器重试
func (k Kind) Retryable() bool {
	switch k {
	case KindTransientInfra, KindRepositoryUnavailable, KindUnknown:
		return true
	}
	return false
}

// UserFacing 需要通知提交者而不是运维人员
func (k Kind) UserFacing() bool {
	switch k {
	case KindPatchApplyFailed, KindConcurrentUpdateConflict, KindPartialSeriesTimeout, KindBridgeFailed, KindMalformed:
		return true
	}
	return false
}

// BridgeError 带类别的桥接错误
type BridgeError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *BridgeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *BridgeError) Unwrap() error {
	return e.Err
}

// New 创建桥接错误
func New(kind Kind, op string, err error) error {
	return &BridgeError{Kind: kind, Op: op, Err: err}
}

// Newf 使用格式化消息创建桥接错误
func Newf(kind Kind, op, format string, args ...interface{}) error {
	return &BridgeError{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf 取出错误链上第一个桥接错误的类别
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var be *BridgeError
	if stderrors.As(err, &be) {
		return be.Kind
	}
	return KindUnknown
}

// Is 判断错误是否属于指定类别
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable 未分类的错误按瞬时错误处理
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}
