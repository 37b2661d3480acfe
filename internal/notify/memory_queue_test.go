package notify

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryQueueDeliversEvents(t *testing.T) {
	queue := NewMemoryQueue(8)
	defer queue.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu       sync.Mutex
		received []*Event
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = queue.Consume(ctx, 2, func(ctx context.Context, event *Event) error {
			mu.Lock()
			received = append(received, event)
			mu.Unlock()
			return nil
		})
	}()

	for _, kind := range []Kind{KindApprovalRequested, KindSettled, KindRejected} {
		if err := queue.Publish(ctx, NewEvent(kind, "alice", "hello")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		count := len(received)
		mu.Unlock()
		if count == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 3 events, got %d", count)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestMemoryQueueDropsWhenFull(t *testing.T) {
	queue := NewMemoryQueue(1)
	defer queue.Close()

	ctx := context.Background()
	if err := queue.Publish(ctx, NewEvent(KindSettled, "alice", "first")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 第二条溢出时应当丢弃而不是阻塞。
	published := make(chan error, 1)
	go func() {
		published <- queue.Publish(ctx, NewEvent(KindSettled, "alice", "second"))
	}()
	select {
	case err := <-published:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("publish must not block when the channel is full")
	}
}

func TestEventCodecRoundTrip(t *testing.T) {
	event := NewEvent(KindApprovalRequested, "alice", "支付 50 给 AWS 等待审批")
	raw, err := encode(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	decoded, err := decode(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded.ID != event.ID || decoded.Kind != event.Kind || decoded.Message != event.Message {
		t.Fatalf("unexpected decoded event: %+v", decoded)
	}
}
