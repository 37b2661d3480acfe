package intent

import (
	xerrors "AgentPay/internal/errors"
)

// PaymentIntent 是从自由文本解析出的结构化支付意图。除协商降价外，
// 交给策略审计后不再修改。
type PaymentIntent struct {
	Recipient        string  `json:"recipient"`
	ResolvedAddress  string  `json:"resolved_address,omitempty"`
	Amount           float64 `json:"amount"`
	Purpose          string  `json:"purpose"`
	TTLHours         int     `json:"ttl_hours"`
	RequiresMultisig bool    `json:"requires_multisig"`
	Verified         bool    `json:"verified"`
}

const (
	// CodeParseFailure 表示意图无法从文本中解析，不可重试。
	CodeParseFailure xerrors.Code = "PARSE_FAILURE"
)

// ErrParseFailure 表示解析器无法得到合法的支付意图。
var ErrParseFailure = xerrors.New(CodeParseFailure, "无法解析支付意图")

func init() {
	xerrors.Register(CodeParseFailure, xerrors.Attributes{
		Message:   "payment intent unparseable",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}
