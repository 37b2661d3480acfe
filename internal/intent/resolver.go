package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"AgentPay/internal/capability"
	xerrors "AgentPay/internal/errors"
)

const resolverSystemPrompt = "" +
	"You are a payment intent extractor for a corporate treasury agent. " +
	"Always respond with a compact JSON object: " +
	`{"recipient": string, "amount": number, "purpose": string, "ttl_hours": number, "requires_multisig": boolean}. ` +
	"Never add commentary outside the JSON object."

// Resolver 负责把自由文本转换为结构化的 PaymentIntent。
type Resolver struct {
	pool       *capability.Pool
	directory  *Directory
	defaultTTL int
}

// ResolverOption 定义可选的解析器配置。
type ResolverOption func(*Resolver)

// WithDefaultTTLHours 设置上游未给出时使用的授权时长。
func WithDefaultTTLHours(hours int) ResolverOption {
	return func(r *Resolver) {
		if hours > 0 {
			r.defaultTTL = hours
		}
	}
}

// NewResolver 创建意图解析器。目录可以为空，此时所有收款方都按
// 未认证处理。
func NewResolver(pool *capability.Pool, directory *Directory, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		pool:       pool,
		directory:  directory,
		defaultTTL: 24,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Resolve 解析文本并返回支付意图。解析失败、金额非正或能力池耗尽
// 时返回错误，调用方不应重试。
func (r *Resolver) Resolve(ctx context.Context, text string) (*PaymentIntent, error) {
	if r.pool == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置能力池")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "支付请求文本不能为空")
	}

	resp, err := r.pool.Invoke(ctx, capability.Request{
		System: resolverSystemPrompt,
		Prompt: fmt.Sprintf("## 支付请求\n%s\n\n请抽取结构化支付意图。", text),
	})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Recipient        string  `json:"recipient"`
		Amount           float64 `json:"amount"`
		Purpose          string  `json:"purpose"`
		TTLHours         int     `json:"ttl_hours"`
		RequiresMultisig bool    `json:"requires_multisig"`
	}
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &parsed); err != nil {
		return nil, xerrors.Wrap(CodeParseFailure, err, "推理响应不是合法的意图结构")
	}

	parsed.Recipient = strings.TrimSpace(parsed.Recipient)
	if parsed.Recipient == "" {
		return nil, xerrors.New(CodeParseFailure, "意图缺少收款方")
	}
	if parsed.Amount <= 0 {
		return nil, xerrors.New(CodeParseFailure, "支付金额必须为正数")
	}
	if parsed.TTLHours <= 0 {
		parsed.TTLHours = r.defaultTTL
	}

	result := &PaymentIntent{
		Recipient:        parsed.Recipient,
		Amount:           parsed.Amount,
		Purpose:          strings.TrimSpace(parsed.Purpose),
		TTLHours:         parsed.TTLHours,
		RequiresMultisig: parsed.RequiresMultisig,
	}

	if vendor, ok := r.directory.Lookup(result.Recipient); ok {
		result.ResolvedAddress = vendor.Address
		result.Verified = true
	}
	return result, nil
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
