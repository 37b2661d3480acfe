package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind 标识通知的类别。
type Kind string

const (
	// KindApprovalRequested 表示有授权等待人工确认。
	KindApprovalRequested Kind = "APPROVAL_REQUESTED"
	// KindSettled 表示一笔支付已完成结算。
	KindSettled Kind = "SETTLED"
	// KindRejected 表示一笔支付被拒绝或过期。
	KindRejected Kind = "REJECTED"
)

// Event 是投递给审批人的一条通知。
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	UserID    string    `json:"user_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent 构造一条通知事件。
func NewEvent(kind Kind, userID, message string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		UserID:    userID,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// Handler 处理一条通知，返回错误时由队列决定是否重投。
type Handler func(ctx context.Context, event *Event) error

// Queue 抽象通知通道，Redis 与 RabbitMQ 实现遵循同一契约。
type Queue interface {
	Publish(ctx context.Context, event *Event) error
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

func encode(event *Event) ([]byte, error) {
	return json.Marshal(event)
}

func decode(raw []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, err
	}
	return &event, nil
}
