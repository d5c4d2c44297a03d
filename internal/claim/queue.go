package claim

import (
	"context"
)

// Handler 处理来自待执行队列的凭据 ID。
type Handler func(ctx context.Context, claimID uint64) error

// Producer 负责把新铸造的凭据 ID 投递到待执行队列。
type Producer interface {
	Publish(ctx context.Context, claimID uint64) error
	Close() error
}

// Consumer 负责从待执行队列中消费凭据 ID。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
