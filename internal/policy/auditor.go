package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"

	"AgentPay/internal/capability"
	xerrors "AgentPay/internal/errors"
	"AgentPay/internal/intent"
)

const (
	// CodeVelocityViolation 表示滚动窗口限额被触发，属于本地确定性拒绝。
	CodeVelocityViolation xerrors.Code = "VELOCITY_VIOLATION"
	// CodePolicyViolation 表示外部策略审查给出了否决。
	CodePolicyViolation xerrors.Code = "POLICY_VIOLATION"
)

func init() {
	xerrors.Register(CodeVelocityViolation, xerrors.Attributes{
		Message:   "hourly velocity limit exceeded",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePolicyViolation, xerrors.Attributes{
		Message:   "spending policy violation",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// Decision 是策略审计的结果，一经产生不再修改。
type Decision struct {
	Approved      bool   `json:"approved"`
	Reason        string `json:"reason"`
	RiskScore     int    `json:"risk_score"`
	PrivacyHandle string `json:"privacy_handle,omitempty"`
	Fallback      bool   `json:"fallback,omitempty"`
}

const auditorSystemPrompt = "" +
	"You are a spending policy auditor for a corporate treasury agent. " +
	"Evaluate the payment intent against the policy document. " +
	`Always respond with a compact JSON object: {"approved": boolean, "reason": string, "risk_score": number}. ` +
	"risk_score ranges from 0 (safe) to 100 (forbidden)."

// Auditor 按「先速率、后策略」的顺序评估支付意图，失败时收敛为
// fail-closed 的决策，错误从不越过审计边界向上抛出。
type Auditor struct {
	pool          *capability.Pool
	window        *VelocityWindow
	policyDoc     string
	flagged       map[string]struct{}
	fallbackFloor float64
}

// AuditorOption 定义可选的审计器配置。
type AuditorOption func(*Auditor)

// WithFallbackFloor 设置降级启发式可以放行的金额上限。
func WithFallbackFloor(floor float64) AuditorOption {
	return func(a *Auditor) {
		if floor > 0 {
			a.fallbackFloor = floor
		}
	}
}

// WithFlaggedRecipients 标记永远不允许降级放行的收款方。
func WithFlaggedRecipients(names []string) AuditorOption {
	return func(a *Auditor) {
		for _, name := range names {
			name = strings.ToLower(strings.TrimSpace(name))
			if name != "" {
				a.flagged[name] = struct{}{}
			}
		}
	}
}

// NewAuditor 创建策略审计器。
func NewAuditor(pool *capability.Pool, window *VelocityWindow, policyDoc string, opts ...AuditorOption) *Auditor {
	a := &Auditor{
		pool:          pool,
		window:        window,
		policyDoc:     policyDoc,
		flagged:       make(map[string]struct{}),
		fallbackFloor: 100,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Audit 评估一笔支付意图。速率检查是本地确定性的，超限时直接拒绝
// 且不消耗外部调用。额度在外部审查之前就被原子预占，否决或失败时
// 归还：并发的审计无法各自通过检查后合谋突破限额。
func (a *Auditor) Audit(ctx context.Context, it *intent.PaymentIntent, contextText string) *Decision {
	if it == nil {
		return &Decision{Approved: false, Reason: "缺少支付意图", RiskScore: 100}
	}

	if a.window != nil && !a.window.Reserve(it.Amount) {
		return &Decision{
			Approved:  false,
			Reason:    fmt.Sprintf("velocity violation: 本小时已批准 %.2f，限额 %.2f", a.window.Used(), a.window.Limit()),
			RiskScore: 90,
		}
	}

	decision, err := a.consult(ctx, it, contextText)
	if err != nil {
		decision = a.failClosed(it, err)
	} else if decision.Approved {
		decision.PrivacyHandle = PrivacyHandle(it.Recipient)
	}

	if !decision.Approved && a.window != nil {
		a.window.Release(it.Amount)
	}
	return decision
}

// consult 调用外部能力完成语义层面的策略审查。
func (a *Auditor) consult(ctx context.Context, it *intent.PaymentIntent, contextText string) (*Decision, error) {
	if a.pool == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置能力池")
	}

	intentJSON, err := json.Marshal(it)
	if err != nil {
		return nil, err
	}

	var builder strings.Builder
	builder.WriteString("## 支付意图\n")
	builder.Write(intentJSON)
	builder.WriteString("\n\n## 策略文档\n")
	builder.WriteString(a.policyDoc)
	if strings.TrimSpace(contextText) != "" {
		builder.WriteString("\n\n## 上下文\n")
		builder.WriteString(contextText)
	}
	builder.WriteString("\n\n请依据策略文档给出审查结论。")

	resp, err := a.pool.Invoke(ctx, capability.Request{
		System: auditorSystemPrompt,
		Prompt: builder.String(),
	})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Approved  bool    `json:"approved"`
		Reason    string  `json:"reason"`
		RiskScore float64 `json:"risk_score"`
	}
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &parsed); err != nil {
		return nil, fmt.Errorf("策略审查响应不可解析: %w", err)
	}

	score := int(parsed.RiskScore)
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return &Decision{
		Approved:  parsed.Approved,
		Reason:    stripEmphasis(parsed.Reason),
		RiskScore: score,
	}, nil
}

// failClosed 在外部审查不可用时收敛为保守决策。全局限流一律拒绝；
// 其余失败只对目录认证且未被标记的小额意图放行，并打上降级标识。
func (a *Auditor) failClosed(it *intent.PaymentIntent, cause error) *Decision {
	if stdErrors.Is(cause, capability.ErrExhausted) {
		return &Decision{
			Approved:  false,
			Reason:    "策略审查能力耗尽，拒绝执行",
			RiskScore: 75,
		}
	}

	_, flagged := a.flagged[strings.ToLower(strings.TrimSpace(it.Recipient))]
	if !flagged && it.Verified && it.Amount < a.fallbackFloor {
		return &Decision{
			Approved:  true,
			Reason:    fmt.Sprintf("策略审查不可用，小额降级放行 (低于 %.0f)", a.fallbackFloor),
			RiskScore: 25,
			Fallback:  true,
		}
	}
	return &Decision{
		Approved:  false,
		Reason:    "策略审查不可用，转人工复核",
		RiskScore: 60,
		Fallback:  true,
	}
}

// PrivacyHandle 由收款方标识确定性派生，仅作为稳定引用使用，
// 不构成任何安全证明。
func PrivacyHandle(recipient string) string {
	sum := sha256.Sum256([]byte("agentpay/privacy/" + strings.ToLower(strings.TrimSpace(recipient))))
	return "zkp-" + hex.EncodeToString(sum[:8])
}

// stripEmphasis 去掉外部响应中的 Markdown 强调符号。
func stripEmphasis(reason string) string {
	replacer := strings.NewReplacer("**", "", "__", "", "*", "", "_", "")
	return strings.TrimSpace(replacer.Replace(reason))
}

// extractJSON 去掉推理输出中可能包裹 JSON 的代码块标记。
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(content, "```")
		content = strings.TrimSpace(content)
	}
	if start := strings.Index(content, "{"); start > 0 {
		content = content[start:]
	}
	if end := strings.LastIndex(content, "}"); end >= 0 && end < len(content)-1 {
		content = content[:end+1]
	}
	return content
}
