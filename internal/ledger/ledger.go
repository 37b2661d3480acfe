package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	xerrors "AgentPay/internal/errors"

	"github.com/google/uuid"
)

// Kind 标识审计事件的类别。
type Kind string

const (
	KindIntent     Kind = "INTENT"
	KindPolicy     Kind = "POLICY"
	KindMandate    Kind = "MANDATE"
	KindApproval   Kind = "APPROVAL"
	KindSettlement Kind = "SETTLEMENT"
	KindSystem     Kind = "SYSTEM"
)

// Event 是一条只追加的审计记录。Fingerprint 由内容确定性派生，
// 同一内容无论写入几次指纹一致，便于对账与去重。
type Event struct {
	ID          string            `json:"id"`
	Timestamp   time.Time         `json:"timestamp"`
	Kind        Kind              `json:"event_type"`
	AgentID     string            `json:"agent_id"`
	Action      string            `json:"action"`
	Status      string            `json:"status"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Fingerprint string            `json:"hash"`
}

// Query 限定 List 返回的事件范围，零值字段不参与过滤。
type Query struct {
	Kind  Kind
	Since time.Time
	Limit int
}

// Store 抽象审计账本。实现必须是只追加的：没有更新，也没有删除。
type Store interface {
	Append(ctx context.Context, event *Event) error
	List(ctx context.Context, q Query) ([]*Event, error)
	Close() error
}

// CodeLedgerFailure 表示账本写入或读取失败。
const CodeLedgerFailure xerrors.Code = "LEDGER_FAILURE"

func init() {
	xerrors.Register(CodeLedgerFailure, xerrors.Attributes{
		Message:   "audit ledger operation failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// NewEvent 构造一条审计事件并计算内容指纹。
func NewEvent(kind Kind, agentID, action, status string, metadata map[string]string) *Event {
	event := &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		AgentID:   agentID,
		Action:    action,
		Status:    status,
		Metadata:  metadata,
	}
	event.Fingerprint = fingerprint(event)
	return event
}

// fingerprint 对事件内容做确定性摘要。metadata 按键排序后参与
// 计算，ID 与时间戳不参与，确保同一内容指纹稳定。
func fingerprint(event *Event) string {
	var builder strings.Builder
	builder.WriteString(string(event.Kind))
	builder.WriteByte('\x1f')
	builder.WriteString(event.AgentID)
	builder.WriteByte('\x1f')
	builder.WriteString(event.Action)
	builder.WriteByte('\x1f')
	builder.WriteString(event.Status)

	keys := make([]string, 0, len(event.Metadata))
	for key := range event.Metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		builder.WriteByte('\x1f')
		builder.WriteString(key)
		builder.WriteByte('=')
		builder.WriteString(event.Metadata[key])
	}

	sum := sha256.Sum256([]byte(builder.String()))
	return hex.EncodeToString(sum[:16])
}

// ExportCSV 将账本内容导出为 CSV，metadata 序列化为 JSON 列。
func ExportCSV(ctx context.Context, store Store, q Query, w io.Writer) error {
	events, err := store.List(ctx, q)
	if err != nil {
		return err
	}

	writer := csv.NewWriter(w)
	header := []string{"id", "timestamp", "event_type", "agent_id", "action", "status", "metadata", "hash"}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("写入 CSV 表头失败: %w", err)
	}
	for _, event := range events {
		metadata := ""
		if len(event.Metadata) > 0 {
			raw, err := json.Marshal(event.Metadata)
			if err != nil {
				return fmt.Errorf("序列化 metadata 失败: %w", err)
			}
			metadata = string(raw)
		}
		record := []string{
			event.ID,
			event.Timestamp.UTC().Format(time.RFC3339),
			string(event.Kind),
			event.AgentID,
			event.Action,
			event.Status,
			metadata,
			event.Fingerprint,
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("写入 CSV 行失败: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

// matches 判断事件是否满足查询条件。
func (q Query) matches(event *Event) bool {
	if q.Kind != "" && event.Kind != q.Kind {
		return false
	}
	if !q.Since.IsZero() && event.Timestamp.Before(q.Since) {
		return false
	}
	return true
}
