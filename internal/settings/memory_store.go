package settings

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore 在进程内保存用户档案，用于演示模式和测试。
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*User
}

// NewMemoryStore 创建内存档案存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*User)}
}

// Load 实现 Store。
func (s *MemoryStore) Load(ctx context.Context, userID string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[strings.TrimSpace(userID)]
	if !ok {
		return nil, ErrUserNotFound
	}
	return user.Clone(), nil
}

// Save 实现 Store。
func (s *MemoryStore) Save(ctx context.Context, user *User) error {
	if user == nil || strings.TrimSpace(user.UserID) == "" {
		return ErrUserNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[strings.TrimSpace(user.UserID)] = user.Clone()
	return nil
}

// Close 实现 Store。
func (s *MemoryStore) Close() error { return nil }
