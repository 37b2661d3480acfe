package capability

import (
	"context"
	"math/rand"
	"sync"
	"time"

	xerrors "AgentPay/internal/errors"
)

const (
	defaultRetryBudget = 14
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffCap  = 8 * time.Second
)

// Pool 维护一组可轮换的 (凭证, 变体) 条目，并带统一的重试策略。
// 池内只有一个轮换游标；意图解析与策略审计各自持有独立的池实例，
// 因此互不干扰各自的游标位置。
type Pool struct {
	invoker Invoker
	entries []Entry

	mu     sync.Mutex
	cursor int

	budget      int
	backoffBase time.Duration
	backoffCap  time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// PoolOption 定义可选的池配置。
type PoolOption func(*Pool)

// WithRetryBudget 设置总重试预算。
func WithRetryBudget(budget int) PoolOption {
	return func(p *Pool) {
		if budget > 0 {
			p.budget = budget
		}
	}
}

// WithBackoff 设置退避基数与上限。
func WithBackoff(base, cap time.Duration) PoolOption {
	return func(p *Pool) {
		if base > 0 {
			p.backoffBase = base
		}
		if cap > 0 {
			p.backoffCap = cap
		}
	}
}

// WithShuffleSeed 使用固定种子打乱条目顺序，便于测试复现。
func WithShuffleSeed(seed int64) PoolOption {
	return func(p *Pool) {
		rng := rand.New(rand.NewSource(seed))
		rng.Shuffle(len(p.entries), func(i, j int) {
			p.entries[i], p.entries[j] = p.entries[j], p.entries[i]
		})
	}
}

// NewPool 创建能力池。条目在启动时打乱一次以分摊负载。
func NewPool(invoker Invoker, entries []Entry, opts ...PoolOption) (*Pool, error) {
	if invoker == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置能力调用器")
	}
	if len(entries) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "能力池条目不能为空")
	}

	cloned := make([]Entry, len(entries))
	copy(cloned, entries)
	rand.Shuffle(len(cloned), func(i, j int) {
		cloned[i], cloned[j] = cloned[j], cloned[i]
	})

	p := &Pool{
		invoker:     invoker,
		entries:     cloned,
		budget:      defaultRetryBudget,
		backoffBase: defaultBackoffBase,
		backoffCap:  defaultBackoffCap,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Invoke 发起一次调用，按失败类别决定退避或轮换，预算耗尽时返回
// CAPABILITY_EXHAUSTED。
func (p *Pool) Invoke(ctx context.Context, req Request) (*Response, error) {
	backoffStep := 0
	for attempt := 0; attempt < p.budget; attempt++ {
		entry := p.current()

		resp, err := p.invoker.Do(ctx, entry, req)
		if err == nil {
			return resp, nil
		}

		switch KindOf(err) {
		case KindBusy:
			// 上游过载：原条目退避重试，游标不动。
			if sleepErr := p.sleep(ctx, p.backoffDelay(backoffStep)); sleepErr != nil {
				return nil, xerrors.Wrap(xerrors.CodeTimeout, sleepErr, "等待退避时被取消")
			}
			backoffStep++
		case KindRateLimited, KindUnknownVariant:
			// 限流或变体不可用：立即轮换，不退避。
			p.advance()
			backoffStep = 0
		default:
			return nil, err
		}
	}
	return nil, ErrExhausted
}

// Entries 返回池内条目数量。
func (p *Pool) Entries() int {
	return len(p.entries)
}

func (p *Pool) current() Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entries[p.cursor%len(p.entries)]
}

func (p *Pool) advance() {
	p.mu.Lock()
	p.cursor = (p.cursor + 1) % len(p.entries)
	p.mu.Unlock()
}

func (p *Pool) backoffDelay(step int) time.Duration {
	delay := p.backoffBase << uint(step)
	if delay > p.backoffCap || delay <= 0 {
		return p.backoffCap
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
