package capability

import (
	"context"
	"errors"
	"testing"
	"time"
)

type scriptedInvoker struct {
	calls   []Entry
	replies []error
}

func (s *scriptedInvoker) Do(ctx context.Context, entry Entry, req Request) (*Response, error) {
	idx := len(s.calls)
	s.calls = append(s.calls, entry)
	if idx < len(s.replies) && s.replies[idx] != nil {
		return nil, s.replies[idx]
	}
	return &Response{Content: "ok", Variant: entry.Variant}, nil
}

func newTestPool(t *testing.T, invoker Invoker, entries []Entry, opts ...PoolOption) *Pool {
	t.Helper()
	pool, err := NewPool(invoker, entries, opts...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pool.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return pool
}

func TestPoolRotatesOnRateLimit(t *testing.T) {
	invoker := &scriptedInvoker{replies: []error{
		&CallError{Kind: KindRateLimited, Err: errors.New("429")},
		nil,
	}}
	pool := newTestPool(t, invoker, []Entry{
		{Credential: "key-a", Variant: "m1"},
		{Credential: "key-b", Variant: "m2"},
	}, WithShuffleSeed(1))

	resp, err := pool.Invoke(context.Background(), Request{Prompt: "解析"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(invoker.calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(invoker.calls))
	}
	if invoker.calls[0] == invoker.calls[1] {
		t.Fatalf("expected cursor to advance after rate limit")
	}
}

func TestPoolRetriesSameEntryOnBusy(t *testing.T) {
	invoker := &scriptedInvoker{replies: []error{
		&CallError{Kind: KindBusy, Err: errors.New("busy")},
		&CallError{Kind: KindBusy, Err: errors.New("busy")},
		nil,
	}}
	pool := newTestPool(t, invoker, []Entry{
		{Credential: "key-a", Variant: "m1"},
		{Credential: "key-b", Variant: "m2"},
	}, WithShuffleSeed(1))

	if _, err := pool.Invoke(context.Background(), Request{Prompt: "解析"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 1; i < len(invoker.calls); i++ {
		if invoker.calls[i] != invoker.calls[0] {
			t.Fatalf("busy retries must stay on the same entry, call %d switched", i)
		}
	}
}

func TestPoolExhaustsBudget(t *testing.T) {
	replies := make([]error, 14)
	for i := range replies {
		replies[i] = &CallError{Kind: KindRateLimited, Err: errors.New("429")}
	}
	invoker := &scriptedInvoker{replies: replies}
	pool := newTestPool(t, invoker, []Entry{
		{Credential: "key-a", Variant: "m1"},
		{Credential: "key-b", Variant: "m2"},
	})

	_, err := pool.Invoke(context.Background(), Request{Prompt: "解析"})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if len(invoker.calls) != 14 {
		t.Fatalf("expected the full retry budget to be spent, got %d calls", len(invoker.calls))
	}
}

func TestPoolPropagatesFatalErrors(t *testing.T) {
	fatal := &CallError{Kind: KindFatal, Status: 401, Err: errors.New("unauthorized")}
	invoker := &scriptedInvoker{replies: []error{fatal}}
	pool := newTestPool(t, invoker, []Entry{{Credential: "key-a", Variant: "m1"}})

	_, err := pool.Invoke(context.Background(), Request{Prompt: "解析"})
	if !errors.Is(err, fatal) {
		t.Fatalf("expected fatal error to propagate, got %v", err)
	}
	if len(invoker.calls) != 1 {
		t.Fatalf("fatal errors must not be retried, got %d calls", len(invoker.calls))
	}
}

func TestBackoffDelayIsCapped(t *testing.T) {
	pool := newTestPool(t, &scriptedInvoker{}, []Entry{{Credential: "k", Variant: "m"}},
		WithBackoff(100*time.Millisecond, time.Second))

	if got := pool.backoffDelay(0); got != 100*time.Millisecond {
		t.Fatalf("unexpected base delay: %v", got)
	}
	if got := pool.backoffDelay(2); got != 400*time.Millisecond {
		t.Fatalf("unexpected doubled delay: %v", got)
	}
	if got := pool.backoffDelay(10); got != time.Second {
		t.Fatalf("delay must be capped, got %v", got)
	}
}
