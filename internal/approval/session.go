package approval

import (
	"time"

	"AgentPay/internal/intent"
	"AgentPay/internal/mandate"
)

// State 表示审批会话所处的阶段。
type State string

const (
	StateIdle              State = "IDLE"
	StateAwaitingApproval  State = "AWAITING_APPROVAL"
	StateAwaitingPIN       State = "AWAITING_PIN"
	StateAwaitingMultisig  State = "AWAITING_MULTISIG"
	StateAwaitingChallenge State = "AWAITING_CHALLENGE"
	StateExecuted          State = "EXECUTED"
	StateRejected          State = "REJECTED"
	StateExpired           State = "EXPIRED"
)

// Terminal 判断状态是否为某个授权的终态。
func (s State) Terminal() bool {
	switch s {
	case StateExecuted, StateRejected, StateExpired:
		return true
	}
	return false
}

// Session 是按用户隔离的审批会话。锁定截止时间跨授权存续：
// 会话回到 IDLE 后，未到期的锁定依旧生效。
type Session struct {
	UserID          string                `json:"user_id"`
	State           State                 `json:"state"`
	Intent          *intent.PaymentIntent `json:"intent,omitempty"`
	Mandate         *mandate.Mandate      `json:"mandate,omitempty"`
	PINAttempts     int                   `json:"pin_attempts"`
	LockoutUntil    time.Time             `json:"lockout_until,omitempty"`
	Endorsers       []string              `json:"endorsers,omitempty"`
	ChallengePhrase string                `json:"challenge_phrase,omitempty"`
	Reference       string                `json:"reference,omitempty"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// QuorumCount 返回已背书的去重审批人数。
func (s *Session) QuorumCount() int {
	return len(s.Endorsers)
}

// endorsedBy 判断某审批人是否已经背书过。
func (s *Session) endorsedBy(approver string) bool {
	for _, existing := range s.Endorsers {
		if existing == approver {
			return true
		}
	}
	return false
}

// resetMandate 清除与当前授权绑定的状态，保留跨授权的锁定信息。
func (s *Session) resetMandate() {
	s.State = StateIdle
	s.Intent = nil
	s.Mandate = nil
	s.PINAttempts = 0
	s.Endorsers = nil
	s.ChallengePhrase = ""
	s.Reference = ""
}

// snapshot 返回会话的浅拷贝，供调用方观察操作结果。
func (s *Session) snapshot() *Session {
	copied := *s
	copied.Endorsers = append([]string(nil), s.Endorsers...)
	return &copied
}
