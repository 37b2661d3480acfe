package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"AgentPay/internal/approval"
	xerrors "AgentPay/internal/errors"
	"AgentPay/internal/escrow"
	"AgentPay/internal/intent"
	"AgentPay/internal/ledger"
	"AgentPay/internal/mandate"
	"AgentPay/internal/notify"
	"AgentPay/internal/observability/alerting"
	"AgentPay/internal/policy"
	"AgentPay/pkg/logger"
)

// Receipt 是一次支付提交的结果快照，交还给调用面呈现。
type Receipt struct {
	UserID        string                `json:"user_id"`
	Intent        *intent.PaymentIntent `json:"intent,omitempty"`
	Approved      bool                  `json:"approved"`
	Reason        string                `json:"reason,omitempty"`
	RiskScore     int                   `json:"risk_score"`
	PrivacyHandle string                `json:"privacy_handle,omitempty"`
	State         approval.State        `json:"state"`
	ContentHash   string                `json:"content_hash,omitempty"`
	Reference     string                `json:"reference,omitempty"`
}

// Pipeline 把支付请求从自由文本一路推进到结算：解析、议价、策略
// 审计、授权签发、人工审批。每个阶段严格依赖上一阶段的产物。
type Pipeline struct {
	resolver   *intent.Resolver
	negotiator *intent.Negotiator
	auditor    *policy.Auditor
	signer     *mandate.Signer
	machine    *approval.Machine
	registry   escrow.Registry
	audit      ledger.Store
	queue      notify.Queue
	alerts     alerting.Dispatcher
	mandateTTL time.Duration
	production bool
	log        *slog.Logger
}

// Option 定义流水线的可选协作方。
type Option func(*Pipeline)

// WithNegotiator 启用收款方议价阶段。
func WithNegotiator(n *intent.Negotiator) Option {
	return func(p *Pipeline) { p.negotiator = n }
}

// WithRegistry 启用授权的链上登记。
func WithRegistry(r escrow.Registry) Option {
	return func(p *Pipeline) { p.registry = r }
}

// WithNotifyQueue 启用审批通知投递。
func WithNotifyQueue(q notify.Queue) Option {
	return func(p *Pipeline) { p.queue = q }
}

// WithAlerts 启用告警分发。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(p *Pipeline) { p.alerts = d }
}

// WithMandateTTL 覆盖授权的默认有效期。
func WithMandateTTL(ttl time.Duration) Option {
	return func(p *Pipeline) {
		if ttl > 0 {
			p.mandateTTL = ttl
		}
	}
}

// New 组装支付流水线。production 为假时审批阶段直接执行模拟结算。
func New(resolver *intent.Resolver, auditor *policy.Auditor, signer *mandate.Signer,
	machine *approval.Machine, audit ledger.Store, production bool, opts ...Option) *Pipeline {
	p := &Pipeline{
		resolver:   resolver,
		auditor:    auditor,
		signer:     signer,
		machine:    machine,
		audit:      audit,
		mandateTTL: time.Hour,
		production: production,
		log:        logger.Named("pipeline"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// SubmitPayment 处理一条自由文本支付请求。门禁类失败（解析、
// 策略、限速）以回执形式返回；结算失败原样上抛。
func (p *Pipeline) SubmitPayment(ctx context.Context, userID, text string) (*Receipt, error) {
	it, err := p.resolver.Resolve(ctx, text)
	if err != nil {
		p.appendAudit(ctx, ledger.KindIntent, userID, "resolve", "FAILED",
			map[string]string{"text": text, "error": err.Error()})
		p.dispatchAlert(ctx, err, userID)
		return nil, err
	}
	p.appendAudit(ctx, ledger.KindIntent, userID, "resolve", "SUCCESS", map[string]string{
		"recipient": it.Recipient,
		"amount":    fmt.Sprintf("%.2f", it.Amount),
	})

	// 议价只降不升，失败时保持原价。
	if p.negotiator != nil {
		if negotiated := p.negotiator.Negotiate(ctx, it); negotiated < it.Amount {
			p.appendAudit(ctx, ledger.KindIntent, userID, "negotiate", "SUCCESS", map[string]string{
				"original":   fmt.Sprintf("%.2f", it.Amount),
				"negotiated": fmt.Sprintf("%.2f", negotiated),
			})
			it.Amount = negotiated
		}
	}

	decision := p.auditor.Audit(ctx, it, "")
	if !decision.Approved {
		p.appendAudit(ctx, ledger.KindPolicy, userID, "audit", "DENIED", map[string]string{
			"reason":     decision.Reason,
			"risk_score": fmt.Sprintf("%d", decision.RiskScore),
		})
		return &Receipt{
			UserID:    userID,
			Intent:    it,
			Approved:  false,
			Reason:    decision.Reason,
			RiskScore: decision.RiskScore,
			State:     approval.StateIdle,
		}, nil
	}
	p.appendAudit(ctx, ledger.KindPolicy, userID, "audit", "SUCCESS", map[string]string{
		"risk_score":     fmt.Sprintf("%d", decision.RiskScore),
		"privacy_handle": decision.PrivacyHandle,
	})

	ttl := p.mandateTTL
	if it.TTLHours > 0 {
		ttl = time.Duration(it.TTLHours) * time.Hour
	}
	md, err := p.signer.CreateMandate(it.Amount, ttl, []string{"purpose: " + it.Purpose})
	if err != nil {
		p.dispatchAlert(ctx, err, userID)
		return nil, err
	}
	p.appendAudit(ctx, ledger.KindMandate, userID, "issue", "SUCCESS", map[string]string{
		"content_hash": md.ContentHash.Hex(),
		"max_amount":   fmt.Sprintf("%.2f", md.MaxAmount),
		"expiry":       md.Expiry.UTC().Format(time.RFC3339),
	})

	if p.registry != nil {
		if err := p.registry.RegisterMandate(ctx, md.ContentHash, md.Agent, md.MaxAmount, md.Expiry); err != nil {
			// 登记失败不阻断流程，链上登记是附加保障。
			p.log.Warn("授权登记失败", "content_hash", md.ContentHash.Hex(), "error", err)
		}
	}

	session, err := p.machine.Begin(ctx, userID, it, md)
	if err != nil {
		return nil, err
	}
	p.publishNotice(ctx, notify.NewEvent(notify.KindApprovalRequested, userID,
		fmt.Sprintf("支付 %.2f 给 %s 等待审批", it.Amount, it.Recipient)))

	receipt := &Receipt{
		UserID:        userID,
		Intent:        it,
		Approved:      true,
		Reason:        decision.Reason,
		RiskScore:     decision.RiskScore,
		PrivacyHandle: decision.PrivacyHandle,
		State:         session.State,
		ContentHash:   md.ContentHash.Hex(),
	}

	// 模拟模式下审批动作直接触发执行，一次提交即完成闭环。
	if !p.production {
		session, err = p.machine.Approve(ctx, userID, "")
		if err != nil {
			p.dispatchAlert(ctx, err, userID)
			p.publishNotice(ctx, notify.NewEvent(notify.KindRejected, userID, err.Error()))
			if session != nil {
				receipt.State = session.State
			}
			return receipt, err
		}
		receipt.State = session.State
		receipt.Reference = session.Reference
		p.publishNotice(ctx, notify.NewEvent(notify.KindSettled, userID,
			fmt.Sprintf("支付 %.2f 给 %s 已结算 (%s)", it.Amount, it.Recipient, session.Reference)))
	}
	return receipt, nil
}

// Approve 推进人工审批，转发给状态机并投递结果通知。
func (p *Pipeline) Approve(ctx context.Context, userID, approver string) (*approval.Session, error) {
	session, err := p.machine.Approve(ctx, userID, approver)
	if err != nil {
		p.dispatchAlert(ctx, err, userID)
		return session, err
	}
	if session.State == approval.StateExecuted {
		p.publishNotice(ctx, notify.NewEvent(notify.KindSettled, userID, "支付已结算"))
	}
	return session, nil
}

// SubmitPIN 转发 PIN 提交。提交值只在内存中传递，不落日志。
func (p *Pipeline) SubmitPIN(ctx context.Context, userID, pin string) (*approval.Session, error) {
	session, err := p.machine.SubmitPIN(ctx, userID, pin)
	if err != nil {
		if xerrors.CodeOf(err) == approval.CodeLivenessFailure || xerrors.ShouldAlert(err) {
			p.dispatchAlert(ctx, err, userID)
		}
		return session, err
	}
	if session.State == approval.StateExecuted {
		p.publishNotice(ctx, notify.NewEvent(notify.KindSettled, userID, "支付已结算"))
	}
	return session, nil
}

// Endorse 转发多签背书。
func (p *Pipeline) Endorse(ctx context.Context, userID, approver string) (*approval.Session, error) {
	return p.machine.Endorse(ctx, userID, approver)
}

// RequestChallenge 转发活体口令申请。
func (p *Pipeline) RequestChallenge(ctx context.Context, userID string) (*approval.Session, error) {
	return p.machine.RequestChallenge(ctx, userID)
}

// SubmitChallenge 转发活体口令提交。
func (p *Pipeline) SubmitChallenge(ctx context.Context, userID, audioRef string) (*approval.Session, error) {
	return p.machine.SubmitChallenge(ctx, userID, audioRef)
}

// Status 查询用户当前审批会话。
func (p *Pipeline) Status(ctx context.Context, userID string) (*approval.Session, error) {
	return p.machine.Status(ctx, userID)
}

func (p *Pipeline) appendAudit(ctx context.Context, kind ledger.Kind, userID, action, status string, metadata map[string]string) {
	if p.audit == nil {
		return
	}
	if err := p.audit.Append(ctx, ledger.NewEvent(kind, userID, action, status, metadata)); err != nil {
		p.log.Error("审计事件写入失败", "action", action, "error", err)
	}
}

func (p *Pipeline) publishNotice(ctx context.Context, event *notify.Event) {
	if p.queue == nil {
		return
	}
	if err := p.queue.Publish(ctx, event); err != nil {
		p.log.Warn("通知投递失败", "kind", event.Kind, "error", err)
	}
}

func (p *Pipeline) dispatchAlert(ctx context.Context, err error, userID string) {
	if p.alerts == nil {
		return
	}
	if event, ok := alerting.FromError(err, userID); ok {
		if notifyErr := p.alerts.Notify(ctx, event); notifyErr != nil {
			p.log.Warn("告警分发失败", "error", notifyErr)
		}
	}
}
