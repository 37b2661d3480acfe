package capability

import (
	"context"
	stdErrors "errors"
	"fmt"

	xerrors "AgentPay/internal/errors"
)

// Request 描述一次发送给外部推理能力的调用。
type Request struct {
	System string
	Prompt string
}

// Response 是外部推理能力返回的原始文本内容。
type Response struct {
	Content string
	Variant string
}

// Entry 是一组可轮换的 (凭证, 模型变体) 对。
type Entry struct {
	Credential string
	Variant    string
}

// Invoker 定义了使用指定条目发起一次调用的底层能力。
type Invoker interface {
	Do(ctx context.Context, entry Entry, req Request) (*Response, error)
}

// FailureKind 区分底层调用失败的类别，池据此决定重试策略。
type FailureKind int

const (
	// KindFatal 表示不可重试的失败，直接向调用方透传。
	KindFatal FailureKind = iota
	// KindBusy 表示上游暂时过载，应在原条目上退避重试。
	KindBusy
	// KindRateLimited 表示当前凭证被限流，应立即轮换到下一条目。
	KindRateLimited
	// KindUnknownVariant 表示该条目的模型变体不可用，应立即轮换。
	KindUnknownVariant
)

// CallError 携带失败类别的调用错误。
type CallError struct {
	Kind   FailureKind
	Status int
	Err    error
}

// Error 实现 error 接口。
func (e *CallError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("capability call failed (status=%d): %v", e.Status, e.Err)
}

// Unwrap 实现 errors.Unwrap。
func (e *CallError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// KindOf 返回错误的失败类别；非 CallError 一律按 KindFatal 处理。
func KindOf(err error) FailureKind {
	var call *CallError
	if stdErrors.As(err, &call) {
		return call.Kind
	}
	return KindFatal
}

const (
	// CodeCapabilityExhausted 表示轮换重试预算耗尽。
	CodeCapabilityExhausted xerrors.Code = "CAPABILITY_EXHAUSTED"
)

// ErrExhausted 表示所有 (凭证, 变体) 条目均已失败。
var ErrExhausted = xerrors.New(CodeCapabilityExhausted, "capability pool exhausted")

func init() {
	xerrors.Register(CodeCapabilityExhausted, xerrors.Attributes{
		Message:   "capability pool exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}
