package notify

import (
	"context"
	"sync"
)

// MemoryQueue 是进程内的通知通道，模拟模式与测试使用。
type MemoryQueue struct {
	mu     sync.Mutex
	events chan *Event
	closed bool
}

// NewMemoryQueue 创建内存通知通道。
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 128
	}
	return &MemoryQueue{events: make(chan *Event, capacity)}
}

// Publish 实现 Queue。通道满时丢弃通知而不是阻塞调用方。
func (q *MemoryQueue) Publish(ctx context.Context, event *Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	select {
	case q.events <- event:
	default:
	}
	return nil
}

// Consume 实现 Queue。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-q.events:
					if !ok {
						return
					}
					_ = handler(ctx, event)
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 实现 Queue。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.events)
	}
	return nil
}
