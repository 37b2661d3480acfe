package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"AgentPay/internal/capability"
)

const negotiatorSystemPrompt = "" +
	"You negotiate prices with a counterparty on behalf of the buyer. " +
	`Always respond with a compact JSON object: {"accepted_amount": number, "note": string}.`

// Negotiator 在审计前尝试与对手方议价。议价只能降低金额，
// 永远不会高于最初解析出的数字。
type Negotiator struct {
	pool *capability.Pool
}

// NewNegotiator 创建议价器。
func NewNegotiator(pool *capability.Pool) *Negotiator {
	return &Negotiator{pool: pool}
}

// Negotiate 返回议价后的金额。任何失败都静默回退到原价，议价不是
// 关键路径。
func (n *Negotiator) Negotiate(ctx context.Context, it *PaymentIntent) float64 {
	if it == nil {
		return 0
	}
	if n == nil || n.pool == nil {
		return it.Amount
	}

	resp, err := n.pool.Invoke(ctx, capability.Request{
		System: negotiatorSystemPrompt,
		Prompt: fmt.Sprintf("收款方 %s 报价 %.2f，用途: %s。请尝试争取更低的成交价。",
			it.Recipient, it.Amount, it.Purpose),
	})
	if err != nil {
		return it.Amount
	}

	var parsed struct {
		AcceptedAmount float64 `json:"accepted_amount"`
	}
	if err := json.Unmarshal([]byte(extractJSON(strings.TrimSpace(resp.Content))), &parsed); err != nil {
		return it.Amount
	}

	// 只降不升。
	if parsed.AcceptedAmount > 0 && parsed.AcceptedAmount < it.Amount {
		return parsed.AcceptedAmount
	}
	return it.Amount
}
