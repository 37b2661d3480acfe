package settings

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// SQLStore 将用户档案持久化到 MySQL 的 user_settings 表。
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore 建立连接池并确保表结构存在。
func NewSQLStore(ctx context.Context, dsn string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

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
	const ddl = `CREATE TABLE IF NOT EXISTS user_settings (
        user_id VARCHAR(128) NOT NULL PRIMARY KEY,
        is_authorized TINYINT NOT NULL DEFAULT 0,
        voice_enrolled TINYINT NOT NULL DEFAULT 0,
        voice_profile_hash VARCHAR(128) NOT NULL DEFAULT '',
        wallet_address VARCHAR(64) NOT NULL DEFAULT '',
        pin_hash VARCHAR(128) NOT NULL DEFAULT '',
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL
)`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("创建 user_settings 表失败: %w", err)
	}
	return nil
}

// Load 实现 Store。
func (s *SQLStore) Load(ctx context.Context, userID string) (*User, error) {
	const query = `SELECT user_id, is_authorized, voice_enrolled, voice_profile_hash,
wallet_address, pin_hash, created_at, updated_at
FROM user_settings WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, query, strings.TrimSpace(userID))
	var (
		user          User
		isAuthorized  int
		voiceEnrolled int
		createdAt     int64
		updatedAt     int64
	)
	err := row.Scan(&user.UserID, &isAuthorized, &voiceEnrolled,
		&user.VoiceProfileHash, &user.WalletAddress, &user.PINHash,
		&createdAt, &updatedAt)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("查询用户档案失败: %w", err)
	}
	user.IsAuthorized = isAuthorized == 1
	user.VoiceEnrolled = voiceEnrolled == 1
	user.CreatedAt = time.Unix(createdAt, 0).UTC()
	user.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &user, nil
}

// Save 实现 Store，以 upsert 方式写入。
func (s *SQLStore) Save(ctx context.Context, user *User) error {
	if user == nil || strings.TrimSpace(user.UserID) == "" {
		return ErrUserNotFound
	}
	const stmt = `INSERT INTO user_settings
(user_id, is_authorized, voice_enrolled, voice_profile_hash, wallet_address, pin_hash, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
is_authorized = VALUES(is_authorized),
voice_enrolled = VALUES(voice_enrolled),
voice_profile_hash = VALUES(voice_profile_hash),
wallet_address = VALUES(wallet_address),
pin_hash = VALUES(pin_hash),
updated_at = VALUES(updated_at)`

	_, err := s.db.ExecContext(ctx, stmt,
		strings.TrimSpace(user.UserID),
		boolToInt(user.IsAuthorized),
		boolToInt(user.VoiceEnrolled),
		user.VoiceProfileHash,
		user.WalletAddress,
		user.PINHash,
		user.CreatedAt.Unix(),
		user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("写入用户档案失败: %w", err)
	}
	return nil
}

// Close 释放连接池。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
