package claim

import (
	"context"
	"errors"
	"sync"
)

// MemoryQueue 使用 channel 模拟待执行队列，用于测试与单机部署。
type MemoryQueue struct {
	ch     chan uint64
	mu     sync.Mutex
	closed bool
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan uint64, size)}
}

// Publish 将凭据 ID 投递到队列。
func (q *MemoryQueue) Publish(ctx context.Context, claimID uint64) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return errors.New("队列已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- claimID:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费队列中的凭据。
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
				case claimID, ok := <-q.ch:
					if !ok {
						return
					}
					_ = handler(ctx, claimID)
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭内存队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	q.mu.Unlock()
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
