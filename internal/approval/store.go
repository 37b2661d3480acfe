package approval

import (
	"context"

	xerrors "AgentPay/internal/errors"
)

// SessionStore 抽象审批会话的持久化。实现负责 TTL 驱逐；
// 互斥由状态机的按用户锁保证，存储本身无需加锁语义。
type SessionStore interface {
	Load(ctx context.Context, userID string) (*Session, error)
	Save(ctx context.Context, session *Session) error
	Delete(ctx context.Context, userID string) error
	Close() error
}

// ErrSessionNotFound 表示用户当前没有会话。
var ErrSessionNotFound = xerrors.New(xerrors.CodeNotFound, "审批会话不存在")
