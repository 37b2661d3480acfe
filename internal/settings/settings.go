package settings

import (
	"context"
	"time"

	xerrors "AgentPay/internal/errors"
)

// User 是按用户维度保存的授权档案。pin_hash 只存盐化摘要，
// 明文 PIN 从不落库。
type User struct {
	UserID           string    `json:"user_id"`
	IsAuthorized     bool      `json:"is_authorized"`
	VoiceEnrolled    bool      `json:"voice_enrolled"`
	VoiceProfileHash string    `json:"voice_profile_hash,omitempty"`
	WalletAddress    string    `json:"wallet_address,omitempty"`
	PINHash          string    `json:"-"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// HasPIN 判断该用户是否已配置审批 PIN。
func (u *User) HasPIN() bool {
	return u != nil && u.PINHash != ""
}

// Clone 返回档案的深拷贝，避免调用方持有内部状态。
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	copied := *u
	return &copied
}

// Store 抽象用户档案的持久化，内存与 MySQL 两种实现遵循同一契约。
type Store interface {
	Load(ctx context.Context, userID string) (*User, error)
	Save(ctx context.Context, user *User) error
	Close() error
}

const (
	// CodeUserNotFound 表示请求的用户档案不存在。
	CodeUserNotFound xerrors.Code = "USER_NOT_FOUND"
	// CodeInvalidPIN 表示 PIN 格式不符合要求。
	CodeInvalidPIN xerrors.Code = "INVALID_PIN"
)

var (
	// ErrUserNotFound 表示用户档案缺失。
	ErrUserNotFound = xerrors.New(CodeUserNotFound, "用户档案不存在")
	// ErrInvalidPIN 表示 PIN 必须是 4 位数字。
	ErrInvalidPIN = xerrors.New(CodeInvalidPIN, "PIN 必须是 4 位数字")
)

func init() {
	xerrors.Register(CodeUserNotFound, xerrors.Attributes{
		Message:   "user settings not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInvalidPIN, xerrors.Attributes{
		Message:   "pin format rejected",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}
