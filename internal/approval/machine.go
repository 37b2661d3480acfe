package approval

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	xerrors "AgentPay/internal/errors"
	"AgentPay/internal/intent"
	"AgentPay/internal/ledger"
	"AgentPay/internal/mandate"
	"AgentPay/internal/settings"
	"AgentPay/pkg/logger"
)

const (
	// CodeAuthFailure 表示 PIN 校验失败，计入锁定计数。
	CodeAuthFailure xerrors.Code = "AUTH_FAILURE"
	// CodeLockedOut 表示会话处于锁定期，提交不消耗尝试次数。
	CodeLockedOut xerrors.Code = "LOCKED_OUT"
	// CodeLivenessFailure 表示活体校验失败，授权被丢弃。
	CodeLivenessFailure xerrors.Code = "LIVENESS_FAILURE"
	// CodePINRequired 表示生产模式下用户尚未配置 PIN，审批被拒绝推进。
	CodePINRequired xerrors.Code = "PIN_REQUIRED"
)

func init() {
	xerrors.Register(CodeAuthFailure, xerrors.Attributes{
		Message:   "pin verification failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeLockedOut, xerrors.Attributes{
		Message:   "session locked out",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeLivenessFailure, xerrors.Attributes{
		Message:   "liveness challenge failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodePINRequired, xerrors.Attributes{
		Message:   "approval pin not configured",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

const (
	maxPINAttempts  = 5
	lockoutDuration = 5 * time.Minute
)

// Settler 执行一笔已批准授权对应的转账，返回结算引用。
type Settler interface {
	Execute(ctx context.Context, it *intent.PaymentIntent, m *mandate.Mandate) (string, error)
}

// Transcriber 把一次语音提交转写为文本并给出声纹校验结果。
type Transcriber interface {
	Transcribe(ctx context.Context, userID, audioRef string) (transcript string, verified bool, err error)
}

// PINSource 提供用户档案读取，由 settings 服务实现。
type PINSource interface {
	Get(ctx context.Context, userID string) (*settings.User, error)
}

// Machine 驱动人工确认协议。每个用户的会话是单写者资源：
// 所有变更都在按用户的互斥锁内完成。
type Machine struct {
	store       SessionStore
	settler     Settler
	users       PINSource
	transcriber Transcriber
	audit       ledger.Store
	production  bool
	now         func() time.Time
	log         *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// MachineOption 定义状态机的可选配置。
type MachineOption func(*Machine)

// WithTranscriber 配置活体校验使用的语音转写协作方。
func WithTranscriber(t Transcriber) MachineOption {
	return func(m *Machine) { m.transcriber = t }
}

// WithClock 注入时间源，测试用。
func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMachine 创建审批状态机。production 为假时处于模拟模式，
// 审批动作直接触发执行。
func NewMachine(store SessionStore, settler Settler, users PINSource, audit ledger.Store, production bool, opts ...MachineOption) *Machine {
	m := &Machine{
		store:      store,
		settler:    settler,
		users:      users,
		audit:      audit,
		production: production,
		now:        time.Now,
		log:        logger.Named("approval"),
		locks:      make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Begin 为新产生的授权开启审批会话，进入 AWAITING_APPROVAL。
// 用户已有进行中的会话时拒绝，避免并发授权互相覆盖。
func (m *Machine) Begin(ctx context.Context, userID string, it *intent.PaymentIntent, md *mandate.Mandate) (*Session, error) {
	if it == nil || md == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "审批会话缺少意图或授权")
	}
	unlock := m.lockUser(userID)
	defer unlock()

	session, err := m.loadOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}
	if session.State != StateIdle {
		return nil, xerrors.New(xerrors.CodeConflict,
			fmt.Sprintf("用户已有进行中的审批会话 (状态 %s)", session.State))
	}

	session.State = StateAwaitingApproval
	session.Intent = it
	session.Mandate = md
	session.PINAttempts = 0
	session.Endorsers = nil
	session.ChallengePhrase = ""
	session.Reference = ""
	session.UpdatedAt = m.now()
	if err := m.store.Save(ctx, session); err != nil {
		return nil, err
	}
	return session.snapshot(), nil
}

// Approve 推进 AWAITING_APPROVAL 会话。模拟模式直接执行；生产
// 模式根据意图进入 PIN 或多签路径，未配置 PIN 时拒绝推进。
func (m *Machine) Approve(ctx context.Context, userID, approver string) (*Session, error) {
	unlock := m.lockUser(userID)
	defer unlock()

	session, err := m.store.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if session.State != StateAwaitingApproval {
		return nil, xerrors.New(xerrors.CodeConflict,
			fmt.Sprintf("当前状态 %s 不接受审批动作", session.State))
	}
	if session.Mandate.Expired(m.now()) {
		return m.expire(ctx, session)
	}

	if !m.production {
		return m.execute(ctx, session)
	}

	if session.Intent != nil && session.Intent.RequiresMultisig {
		session.State = StateAwaitingMultisig
		if approver = strings.TrimSpace(approver); approver != "" {
			session.Endorsers = append(session.Endorsers, approver)
		}
		session.UpdatedAt = m.now()
		if err := m.store.Save(ctx, session); err != nil {
			return nil, err
		}
		return session.snapshot(), nil
	}

	if err := m.requirePIN(ctx, userID); err != nil {
		return session.snapshot(), err
	}
	session.State = StateAwaitingPIN
	session.UpdatedAt = m.now()
	if err := m.store.Save(ctx, session); err != nil {
		return nil, err
	}
	return session.snapshot(), nil
}

// SubmitPIN 处理一次 PIN 提交。调用方必须在调用前清除任何展示
// 面上的明文提交，这里只接收值本身。
func (m *Machine) SubmitPIN(ctx context.Context, userID, pin string) (*Session, error) {
	unlock := m.lockUser(userID)
	defer unlock()

	session, err := m.store.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if session.State != StateAwaitingPIN {
		return nil, xerrors.New(xerrors.CodeConflict,
			fmt.Sprintf("当前状态 %s 不接受 PIN 提交", session.State))
	}
	if session.Mandate.Expired(m.now()) {
		return m.expire(ctx, session)
	}

	// 锁定期内的提交不触碰存储的哈希，也不消耗尝试次数。
	if now := m.now(); now.Before(session.LockoutUntil) {
		remaining := session.LockoutUntil.Sub(now).Round(time.Second)
		return session.snapshot(), xerrors.New(CodeLockedOut,
			fmt.Sprintf("会话已锁定，%s 后可重试", remaining))
	}

	user, err := m.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if settings.VerifyPIN(user.PINHash, pin) {
		session.PINAttempts = 0
		session.LockoutUntil = time.Time{}
		return m.execute(ctx, session)
	}

	session.PINAttempts++
	if session.PINAttempts >= maxPINAttempts {
		session.LockoutUntil = m.now().Add(lockoutDuration)
		snapshot, err := m.reject(ctx, session, "pin attempts exhausted")
		if err != nil {
			return nil, err
		}
		return snapshot, xerrors.New(CodeAuthFailure,
			fmt.Sprintf("PIN 连续错误 %d 次，会话已锁定 %s", maxPINAttempts, lockoutDuration))
	}

	session.UpdatedAt = m.now()
	if err := m.store.Save(ctx, session); err != nil {
		return nil, err
	}
	return session.snapshot(), xerrors.New(CodeAuthFailure,
		fmt.Sprintf("PIN 不正确，剩余 %d 次机会", maxPINAttempts-session.PINAttempts))
}

// Endorse 记录一次多签背书。同一审批人重复背书不增加计数，
// 达到 2 人法定数即执行。
func (m *Machine) Endorse(ctx context.Context, userID, approver string) (*Session, error) {
	approver = strings.TrimSpace(approver)
	if approver == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "背书人标识不能为空")
	}
	unlock := m.lockUser(userID)
	defer unlock()

	session, err := m.store.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if session.State != StateAwaitingMultisig {
		return nil, xerrors.New(xerrors.CodeConflict,
			fmt.Sprintf("当前状态 %s 不接受多签背书", session.State))
	}
	if session.Mandate.Expired(m.now()) {
		return m.expire(ctx, session)
	}

	if !session.endorsedBy(approver) {
		session.Endorsers = append(session.Endorsers, approver)
	}
	if session.QuorumCount() >= 2 {
		return m.execute(ctx, session)
	}

	session.UpdatedAt = m.now()
	if err := m.store.Save(ctx, session); err != nil {
		return nil, err
	}
	return session.snapshot(), nil
}

// RequestChallenge 生成活体校验口令，进入 AWAITING_CHALLENGE。
func (m *Machine) RequestChallenge(ctx context.Context, userID string) (*Session, error) {
	unlock := m.lockUser(userID)
	defer unlock()

	session, err := m.store.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if session.State != StateAwaitingApproval {
		return nil, xerrors.New(xerrors.CodeConflict,
			fmt.Sprintf("当前状态 %s 不接受活体校验", session.State))
	}
	if session.Mandate.Expired(m.now()) {
		return m.expire(ctx, session)
	}

	phrase, err := newChallengePhrase()
	if err != nil {
		return nil, err
	}
	session.State = StateAwaitingChallenge
	session.ChallengePhrase = phrase
	session.UpdatedAt = m.now()
	if err := m.store.Save(ctx, session); err != nil {
		return nil, err
	}
	return session.snapshot(), nil
}

// SubmitChallenge 校验口令复述。匹配成功回到标准审批路径；任何
// 不匹配都会丢弃授权并回到 IDLE。
func (m *Machine) SubmitChallenge(ctx context.Context, userID, audioRef string) (*Session, error) {
	unlock := m.lockUser(userID)
	defer unlock()

	session, err := m.store.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if session.State != StateAwaitingChallenge {
		return nil, xerrors.New(xerrors.CodeConflict,
			fmt.Sprintf("当前状态 %s 不接受口令提交", session.State))
	}
	if session.Mandate.Expired(m.now()) {
		return m.expire(ctx, session)
	}

	transcript := audioRef
	verified := true
	if m.transcriber != nil {
		transcript, verified, err = m.transcriber.Transcribe(ctx, userID, audioRef)
		if err != nil {
			return m.discardForLiveness(ctx, session, fmt.Sprintf("语音转写失败: %v", err))
		}
	}
	if !verified || !phraseMatches(transcript, session.ChallengePhrase) {
		return m.discardForLiveness(ctx, session, "口令复述与挑战不匹配")
	}

	if !m.production {
		return m.execute(ctx, session)
	}
	if err := m.requirePIN(ctx, userID); err != nil {
		session.State = StateAwaitingApproval
		session.ChallengePhrase = ""
		session.UpdatedAt = m.now()
		if saveErr := m.store.Save(ctx, session); saveErr != nil {
			return nil, saveErr
		}
		return session.snapshot(), err
	}
	session.State = StateAwaitingPIN
	session.ChallengePhrase = ""
	session.UpdatedAt = m.now()
	if err := m.store.Save(ctx, session); err != nil {
		return nil, err
	}
	return session.snapshot(), nil
}

// Status 返回用户当前会话，顺带做一次过期巡检。
func (m *Machine) Status(ctx context.Context, userID string) (*Session, error) {
	unlock := m.lockUser(userID)
	defer unlock()

	session, err := m.store.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if session.State != StateIdle && session.Mandate.Expired(m.now()) {
		return m.expire(ctx, session)
	}
	return session.snapshot(), nil
}

// requirePIN 确认用户已配置 PIN，未配置时拒绝推进。
func (m *Machine) requirePIN(ctx context.Context, userID string) error {
	user, err := m.users.Get(ctx, userID)
	if err != nil && !stdErrors.Is(err, settings.ErrUserNotFound) {
		return err
	}
	if user == nil || !user.HasPIN() {
		return xerrors.New(CodePINRequired, "生产模式需要先通过 setpin 配置审批 PIN")
	}
	return nil
}

// execute 调用结算执行器并收敛到终态。过期的授权永远不会执行。
func (m *Machine) execute(ctx context.Context, session *Session) (*Session, error) {
	if session.Mandate.Expired(m.now()) {
		return m.expire(ctx, session)
	}

	reference, err := m.settler.Execute(ctx, session.Intent, session.Mandate)
	if err != nil {
		snapshot := m.finish(ctx, session, StateRejected, "FAILED", err.Error())
		return snapshot, err
	}
	session.Reference = reference
	snapshot := m.finish(ctx, session, StateExecuted, "EXECUTED", reference)
	return snapshot, nil
}

// expire 把过期授权收敛到 EXPIRED 并丢弃。
func (m *Machine) expire(ctx context.Context, session *Session) (*Session, error) {
	snapshot := m.finish(ctx, session, StateExpired, "EXPIRED", "mandate ttl elapsed")
	return snapshot, mandate.ErrMandateExpired
}

// reject 把会话收敛到 REJECTED 并丢弃授权。
func (m *Machine) reject(ctx context.Context, session *Session, detail string) (*Session, error) {
	return m.finish(ctx, session, StateRejected, "REJECTED", detail), nil
}

// finish 记录终态审计事件，然后把会话重置为 IDLE。终态事件
// 恰好写一次。
func (m *Machine) finish(ctx context.Context, session *Session, state State, status, detail string) *Session {
	session.State = state
	session.UpdatedAt = m.now()
	snapshot := session.snapshot()

	if m.audit != nil {
		metadata := map[string]string{"detail": detail}
		if session.Mandate != nil {
			metadata["content_hash"] = session.Mandate.ContentHash.Hex()
		}
		event := ledger.NewEvent(ledger.KindApproval, session.UserID, "approval", status, metadata)
		if err := m.audit.Append(ctx, event); err != nil {
			m.log.Error("终态审计事件写入失败", "user", session.UserID, "status", status, "error", err)
		}
	}

	session.resetMandate()
	session.UpdatedAt = m.now()
	if err := m.store.Save(ctx, session); err != nil {
		m.log.Error("会话重置失败", "user", session.UserID, "error", err)
	}
	return snapshot
}

// discardForLiveness 活体失败：丢弃授权，回到 IDLE。
func (m *Machine) discardForLiveness(ctx context.Context, session *Session, detail string) (*Session, error) {
	snapshot, err := m.reject(ctx, session, detail)
	if err != nil {
		return nil, err
	}
	snapshot.State = StateIdle
	return snapshot, xerrors.New(CodeLivenessFailure, detail)
}

// loadOrCreate 读取会话，不存在时建一条空白会话。
func (m *Machine) loadOrCreate(ctx context.Context, userID string) (*Session, error) {
	session, err := m.store.Load(ctx, userID)
	if err == nil {
		return session, nil
	}
	if !stdErrors.Is(err, ErrSessionNotFound) {
		return nil, err
	}
	return &Session{UserID: strings.TrimSpace(userID), State: StateIdle}, nil
}

// lockUser 返回该用户的释放函数，会话是单写者资源。
func (m *Machine) lockUser(userID string) func() {
	m.mu.Lock()
	lock, ok := m.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[userID] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
