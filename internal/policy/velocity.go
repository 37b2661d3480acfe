package policy

import (
	"sync"
	"time"
)

// VelocityWindow 维护滚动小时窗口内已批准金额的计数。窗口自上次
// 重置起超过一小时即清零。
type VelocityWindow struct {
	mu        sync.Mutex
	limit     float64
	used      float64
	resetAt   time.Time
	now       func() time.Time
	windowLen time.Duration
}

// NewVelocityWindow 创建速率窗口。
func NewVelocityWindow(limit float64) *VelocityWindow {
	return &VelocityWindow{
		limit:     limit,
		now:       time.Now,
		windowLen: time.Hour,
	}
}

// WouldExceed 判断新增 amount 是否会突破限额。边界按包含语义处理：
// used+amount == limit 放行，大于才拒绝。
func (w *VelocityWindow) WouldExceed(amount float64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll()
	return w.used+amount > w.limit
}

// Commit 在策略批准后累加已用额度。
func (w *VelocityWindow) Commit(amount float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll()
	w.used += amount
}

// Reserve 原子地检查并预占额度：会突破限额时返回假且不占用。
// 预占先于外部审查发生，并发的审计不可能合谋突破限额。
func (w *VelocityWindow) Reserve(amount float64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll()
	if w.used+amount > w.limit {
		return false
	}
	w.used += amount
	return true
}

// Release 归还一笔已预占的额度，审查否决或失败后回滚用。
func (w *VelocityWindow) Release(amount float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll()
	w.used -= amount
	if w.used < 0 {
		w.used = 0
	}
}

// Used 返回当前窗口内已批准的总额。
func (w *VelocityWindow) Used() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll()
	return w.used
}

// Limit 返回配置的限额。
func (w *VelocityWindow) Limit() float64 {
	return w.limit
}

// roll 在持锁状态下按需滚动窗口。
func (w *VelocityWindow) roll() {
	now := w.now()
	if w.resetAt.IsZero() {
		w.resetAt = now
		return
	}
	if now.Sub(w.resetAt) > w.windowLen {
		w.used = 0
		w.resetAt = now
	}
}
