package mandate

import (
	"time"

	xerrors "AgentPay/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// Mandate 是一份有时限的签名授权工件，允许代理在 MaxAmount 内动用
// 资金。创建后不再修改；被拒绝或过期的授权直接丢弃。
type Mandate struct {
	Agent       common.Address `json:"agent"`
	MaxAmount   float64        `json:"max_amount"`
	IssuedAt    time.Time      `json:"issued_at"`
	Expiry      time.Time      `json:"expiry"`
	Nonce       uint64         `json:"nonce"`
	Conditions  []string       `json:"conditions,omitempty"`
	Signature   []byte         `json:"signature"`
	ContentHash common.Hash    `json:"content_hash"`
}

// Expired 判断授权在给定时刻是否已经失效。
func (m *Mandate) Expired(now time.Time) bool {
	if m == nil {
		return true
	}
	return now.After(m.Expiry)
}

const (
	// CodeMandateExpired 表示授权已过期，需要重新发起流程。
	CodeMandateExpired xerrors.Code = "MANDATE_EXPIRED"
	// CodeMandateTampered 表示签名与声称的代理身份不符。
	CodeMandateTampered xerrors.Code = "MANDATE_TAMPERED"
)

var (
	// ErrMandateExpired 表示授权超过了有效期。
	ErrMandateExpired = xerrors.New(CodeMandateExpired, "授权已过期")
	// ErrMandateTampered 表示授权内容或签名被篡改。
	ErrMandateTampered = xerrors.New(CodeMandateTampered, "授权签名校验失败")
)

func init() {
	xerrors.Register(CodeMandateExpired, xerrors.Attributes{
		Message:   "mandate expired",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeMandateTampered, xerrors.Attributes{
		Message:   "mandate signature mismatch",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}
