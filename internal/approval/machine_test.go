package approval

import (
	"context"
	"math/big"
	"testing"
	"time"

	xerrors "AgentPay/internal/errors"
	"AgentPay/internal/intent"
	"AgentPay/internal/mandate"
	"AgentPay/internal/settings"

	"github.com/ethereum/go-ethereum/common"
)

type stubSettler struct {
	calls int
	ref   string
	err   error
}

func (s *stubSettler) Execute(ctx context.Context, it *intent.PaymentIntent, m *mandate.Mandate) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	if s.ref == "" {
		return "sim-0001", nil
	}
	return s.ref, nil
}

type fixture struct {
	machine  *Machine
	settler  *stubSettler
	settings *settings.Service
	signer   *mandate.Signer
	now      *time.Time
}

func newFixture(t *testing.T, production bool, opts ...MachineOption) *fixture {
	t.Helper()
	signer, err := mandate.NewSigner(
		"b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291",
		mandate.Domain{Name: "AgentPay", Version: "1", ChainID: big.NewInt(1), Registry: common.Address{}},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	current := time.Now()
	settler := &stubSettler{}
	svc := settings.NewService(settings.NewMemoryStore())
	opts = append(opts, WithClock(func() time.Time { return current }))
	machine := NewMachine(NewMemoryStore(time.Hour), settler, svc, nil, production, opts...)
	return &fixture{machine: machine, settler: settler, settings: svc, signer: signer, now: &current}
}

func (f *fixture) begin(t *testing.T, userID string, it *intent.PaymentIntent, ttl time.Duration) *Session {
	t.Helper()
	md, err := f.signer.CreateMandate(it.Amount, ttl, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	session, err := f.machine.Begin(context.Background(), userID, it, md)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.State != StateAwaitingApproval {
		t.Fatalf("begin must reach AWAITING_APPROVAL, got %s", session.State)
	}
	return session
}

func paymentIntent(amount float64) *intent.PaymentIntent {
	return &intent.PaymentIntent{
		Recipient:       "AWS",
		ResolvedAddress: "0x1111111111111111111111111111111111111111",
		Amount:          amount,
		Purpose:         "servers",
		TTLHours:        1,
		Verified:        true,
	}
}

func TestSimulationModeExecutesDirectly(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.begin(t, "alice", paymentIntent(50), time.Hour)

	session, err := f.machine.Approve(ctx, "alice", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.State != StateExecuted {
		t.Fatalf("simulation approval must execute directly, got %s", session.State)
	}
	if f.settler.calls != 1 {
		t.Fatalf("settler must be invoked exactly once, got %d", f.settler.calls)
	}

	// 终态后会话回到 IDLE，可承接下一个授权。
	status, err := f.machine.Status(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.State != StateIdle {
		t.Fatalf("terminal session must reset to IDLE, got %s", status.State)
	}
}

func TestProductionWithoutPINRefusesApproval(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.begin(t, "alice", paymentIntent(50), time.Hour)

	session, err := f.machine.Approve(ctx, "alice", "")
	if xerrors.CodeOf(err) != CodePINRequired {
		t.Fatalf("expected PIN_REQUIRED, got %v", err)
	}
	if session.State != StateAwaitingApproval {
		t.Fatalf("refused approval must keep AWAITING_APPROVAL, got %s", session.State)
	}
	if f.settler.calls != 0 {
		t.Fatalf("settler must not run without pin")
	}

	// setpin 之后重新审批即可进入 PIN 校验。
	if err := f.settings.SetPIN(ctx, "alice", "1234"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	session, err = f.machine.Approve(ctx, "alice", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.State != StateAwaitingPIN {
		t.Fatalf("expected AWAITING_PIN, got %s", session.State)
	}
}

func TestCorrectPINExecutes(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	if err := f.settings.SetPIN(ctx, "alice", "1234"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.begin(t, "alice", paymentIntent(50), time.Hour)
	if _, err := f.machine.Approve(ctx, "alice", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	session, err := f.machine.SubmitPIN(ctx, "alice", "1234")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.State != StateExecuted {
		t.Fatalf("correct pin must execute, got %s", session.State)
	}
	if f.settler.calls != 1 {
		t.Fatalf("settler must run exactly once, got %d", f.settler.calls)
	}
}

func TestWrongPINCountsAndCorrectResets(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	if err := f.settings.SetPIN(ctx, "alice", "1234"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.begin(t, "alice", paymentIntent(50), time.Hour)
	if _, err := f.machine.Approve(ctx, "alice", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 4; i++ {
		session, err := f.machine.SubmitPIN(ctx, "alice", "0000")
		if xerrors.CodeOf(err) != CodeAuthFailure {
			t.Fatalf("wrong pin must fail with AUTH_FAILURE, got %v", err)
		}
		if session.State != StateAwaitingPIN {
			t.Fatalf("attempt %d must stay AWAITING_PIN, got %s", i+1, session.State)
		}
	}

	// 第 5 次失败前的正确提交把计数清零并执行。
	session, err := f.machine.SubmitPIN(ctx, "alice", "1234")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.State != StateExecuted || session.PINAttempts != 0 {
		t.Fatalf("correct pin must reset attempts and execute: %+v", session)
	}
}

func TestFiveWrongPINsLockTheSession(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	if err := f.settings.SetPIN(ctx, "alice", "1234"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.begin(t, "alice", paymentIntent(50), time.Hour)
	if _, err := f.machine.Approve(ctx, "alice", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var session *Session
	var err error
	for i := 0; i < 5; i++ {
		session, err = f.machine.SubmitPIN(ctx, "alice", "0000")
	}
	if xerrors.CodeOf(err) != CodeAuthFailure {
		t.Fatalf("fifth failure must report AUTH_FAILURE, got %v", err)
	}
	if session.State != StateRejected {
		t.Fatalf("fifth failure must reject the mandate, got %s", session.State)
	}
	if f.settler.calls != 0 {
		t.Fatalf("settler must never run")
	}

	// 锁定期内即便 PIN 正确也拒绝，且不消耗尝试次数。
	f.begin(t, "alice", paymentIntent(20), time.Hour)
	if _, err := f.machine.Approve(ctx, "alice", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	session, err = f.machine.SubmitPIN(ctx, "alice", "1234")
	if xerrors.CodeOf(err) != CodeLockedOut {
		t.Fatalf("submission during lockout must report LOCKED_OUT, got %v", err)
	}
	if session.PINAttempts != 0 {
		t.Fatalf("lockout submissions must not consume attempts, got %d", session.PINAttempts)
	}

	// 锁定期过后恢复正常。
	*f.now = f.now.Add(lockoutDuration + time.Second)
	session, err = f.machine.SubmitPIN(ctx, "alice", "1234")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.State != StateExecuted {
		t.Fatalf("correct pin after lockout must execute, got %s", session.State)
	}
}

func TestMultisigQuorum(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	it := paymentIntent(50_000)
	it.RequiresMultisig = true
	f.begin(t, "alice", it, time.Hour)

	session, err := f.machine.Approve(ctx, "alice", "approver-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.State != StateAwaitingMultisig || session.QuorumCount() != 1 {
		t.Fatalf("single endorsement must stay AWAITING_MULTISIG: %+v", session)
	}

	// 同一审批人重复背书不推进法定数。
	session, err = f.machine.Endorse(ctx, "alice", "approver-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.State != StateAwaitingMultisig || session.QuorumCount() != 1 {
		t.Fatalf("duplicate endorsement must not count: %+v", session)
	}

	session, err = f.machine.Endorse(ctx, "alice", "approver-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.State != StateExecuted {
		t.Fatalf("quorum of 2 must execute, got %s", session.State)
	}
	if f.settler.calls != 1 {
		t.Fatalf("settler must run exactly once, got %d", f.settler.calls)
	}
}

func TestExpiredMandateNeverExecutes(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.begin(t, "alice", paymentIntent(50), time.Minute)

	*f.now = f.now.Add(2 * time.Minute)
	session, err := f.machine.Approve(ctx, "alice", "")
	if err == nil {
		t.Fatalf("expired mandate must not be approvable")
	}
	if session.State != StateExpired {
		t.Fatalf("expected EXPIRED, got %s", session.State)
	}
	if f.settler.calls != 0 {
		t.Fatalf("expired mandate must never reach the settler")
	}
}

func TestChallengeMatchAndMismatch(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.begin(t, "alice", paymentIntent(50), time.Hour)

	session, err := f.machine.RequestChallenge(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.State != StateAwaitingChallenge || session.ChallengePhrase == "" {
		t.Fatalf("challenge must carry a phrase: %+v", session)
	}

	// 大小写不敏感的包含匹配即视为通过。
	transcript := "I SAY " + session.ChallengePhrase + " now"
	session, err = f.machine.SubmitChallenge(ctx, "alice", transcript)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.State != StateExecuted {
		t.Fatalf("matching transcript must execute in simulation, got %s", session.State)
	}

	// 不匹配则丢弃授权回到 IDLE。
	f.begin(t, "alice", paymentIntent(20), time.Hour)
	if _, err := f.machine.RequestChallenge(ctx, "alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	session, err = f.machine.SubmitChallenge(ctx, "alice", "completely different words")
	if xerrors.CodeOf(err) != CodeLivenessFailure {
		t.Fatalf("mismatch must report LIVENESS_FAILURE, got %v", err)
	}
	if session.State != StateIdle {
		t.Fatalf("mismatch must return to IDLE, got %s", session.State)
	}
}

func TestConcurrentBeginIsRefused(t *testing.T) {
	f := newFixture(t, false)
	f.begin(t, "alice", paymentIntent(50), time.Hour)

	md, err := f.signer.CreateMandate(20, time.Hour, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.machine.Begin(context.Background(), "alice", paymentIntent(20), md); err == nil {
		t.Fatalf("second mandate for a busy session must be refused")
	}
}

func TestMemoryStoreEvictsAfterTTL(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	current := time.Now()
	store.now = func() time.Time { return current }
	ctx := context.Background()

	if err := store.Save(ctx, &Session{UserID: "alice", State: StateIdle}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.Load(ctx, "alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	current = current.Add(2 * time.Minute)
	if _, err := store.Load(ctx, "alice"); err == nil {
		t.Fatalf("idle session must be evicted after the ttl")
	}
}
