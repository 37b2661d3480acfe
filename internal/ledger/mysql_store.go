package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	xerrors "AgentPay/internal/errors"

	_ "github.com/go-sql-driver/mysql"
)

// SQLStore 把审计事件写入 MySQL 的 audit_log 表。表上没有
// UPDATE/DELETE 路径，契约与文件后端一致。
type SQLStore struct {
	db *sql.DB
}

// SQLConfig 描述 MySQL 账本后端的连接参数，零值字段落到默认值。
type SQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (c SQLConfig) withDefaults() SQLConfig {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 20
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 10
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	return c
}

// NewSQLStore 建立连接池并确保表结构存在。
func NewSQLStore(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}
	store := &SQLStore{db: db}
	if err := store.bootstrap(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLStore) bootstrap(ctx context.Context) error {
	const ddl = `CREATE TABLE IF NOT EXISTS audit_log (
        id VARCHAR(36) NOT NULL PRIMARY KEY,
        timestamp BIGINT NOT NULL,
        event_type VARCHAR(32) NOT NULL,
        agent_id VARCHAR(128) NOT NULL,
        action VARCHAR(255) NOT NULL,
        status VARCHAR(32) NOT NULL,
        metadata TEXT,
        hash VARCHAR(64) NOT NULL,
        INDEX idx_audit_timestamp (timestamp),
        INDEX idx_audit_event_type (event_type)
)`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("创建 audit_log 表失败: %w", err)
	}
	return nil
}

// Append 实现 Store。
func (s *SQLStore) Append(ctx context.Context, event *Event) error {
	if event == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "审计事件不能为空")
	}
	metadata := ""
	if len(event.Metadata) > 0 {
		raw, err := json.Marshal(event.Metadata)
		if err != nil {
			return xerrors.Wrap(CodeLedgerFailure, err, "序列化 metadata 失败")
		}
		metadata = string(raw)
	}

	const stmt = `INSERT INTO audit_log
(id, timestamp, event_type, agent_id, action, status, metadata, hash)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		event.ID,
		event.Timestamp.UnixNano(),
		string(event.Kind),
		event.AgentID,
		event.Action,
		event.Status,
		metadata,
		event.Fingerprint,
	)
	if err != nil {
		return xerrors.Wrap(CodeLedgerFailure, err, "写入审计事件失败")
	}
	return nil
}

// List 实现 Store。
func (s *SQLStore) List(ctx context.Context, q Query) ([]*Event, error) {
	var (
		conditions []string
		args       []any
	)
	if q.Kind != "" {
		conditions = append(conditions, "event_type = ?")
		args = append(args, string(q.Kind))
	}
	if !q.Since.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, q.Since.UnixNano())
	}

	query := `SELECT id, timestamp, event_type, agent_id, action, status, metadata, hash FROM audit_log`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY timestamp ASC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(CodeLedgerFailure, err, "查询审计事件失败")
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var (
			event     Event
			timestamp int64
			kind      string
			metadata  sql.NullString
		)
		if err := rows.Scan(&event.ID, &timestamp, &kind, &event.AgentID,
			&event.Action, &event.Status, &metadata, &event.Fingerprint); err != nil {
			return nil, xerrors.Wrap(CodeLedgerFailure, err, "解析审计事件失败")
		}
		event.Timestamp = time.Unix(0, timestamp).UTC()
		event.Kind = Kind(kind)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &event.Metadata); err != nil {
				return nil, xerrors.Wrap(CodeLedgerFailure, err, "解析 metadata 失败")
			}
		}
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(CodeLedgerFailure, err, "遍历审计事件失败")
	}
	return events, nil
}

// Close 实现 Store。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
