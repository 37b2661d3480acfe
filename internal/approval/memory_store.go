package approval

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore 在进程内保存审批会话，按最近一次写入时间做 TTL
// 驱逐，不随进程生命周期无限增长。
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*memoryEntry
	ttl      time.Duration
	now      func() time.Time
}

type memoryEntry struct {
	session   *Session
	expiresAt time.Time
}

// NewMemoryStore 创建内存会话存储。
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &MemoryStore{
		sessions: make(map[string]*memoryEntry),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Load 实现 SessionStore。
func (s *MemoryStore) Load(ctx context.Context, userID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictLocked()
	entry, ok := s.sessions[strings.TrimSpace(userID)]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return entry.session.snapshot(), nil
}

// Save 实现 SessionStore，写入会刷新 TTL。
func (s *MemoryStore) Save(ctx context.Context, session *Session) error {
	if session == nil || strings.TrimSpace(session.UserID) == "" {
		return ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictLocked()
	s.sessions[strings.TrimSpace(session.UserID)] = &memoryEntry{
		session:   session.snapshot(),
		expiresAt: s.now().Add(s.ttl),
	}
	return nil
}

// Delete 实现 SessionStore。
func (s *MemoryStore) Delete(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, strings.TrimSpace(userID))
	return nil
}

// Close 实现 SessionStore。
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) evictLocked() {
	now := s.now()
	for userID, entry := range s.sessions {
		if now.After(entry.expiresAt) {
			delete(s.sessions, userID)
		}
	}
}
