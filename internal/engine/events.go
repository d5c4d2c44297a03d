package engine

import (
	"context"
	"math/big"
	"time"

	xerrors "AutoExec-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// OutcomeEvent 描述一次执行尝试的结果快照，成功与失败都会产生。
// EventID 全局唯一，供下游消费方去重。
type OutcomeEvent struct {
	EventID    string
	ClaimID    uint64
	Executor   common.Address
	Success    bool
	Reason     xerrors.Code
	GasPrice   *big.Int
	GasUsed    uint64
	Fee        *big.Int
	TxHash     common.Hash
	Duration   time.Duration
	OccurredAt time.Time
}

// OutcomeObserver 消费执行结果事件。实现必须快速返回，耗时
// 处理应自行异步化。
type OutcomeObserver interface {
	ObserveOutcome(ctx context.Context, event OutcomeEvent)
}

// ObserverFunc 将普通函数适配为 OutcomeObserver。
type ObserverFunc func(ctx context.Context, event OutcomeEvent)

// ObserveOutcome 实现 OutcomeObserver。
func (f ObserverFunc) ObserveOutcome(ctx context.Context, event OutcomeEvent) {
	f(ctx, event)
}

// Subscribe 注册结果观察者。
func (e *Engine) Subscribe(obs OutcomeObserver) {
	if obs == nil {
		return
	}
	e.observerMu.Lock()
	defer e.observerMu.Unlock()
	e.observers = append(e.observers, obs)
}

func (e *Engine) emit(ctx context.Context, event OutcomeEvent) {
	e.observerMu.RLock()
	observers := make([]OutcomeObserver, len(e.observers))
	copy(observers, e.observers)
	e.observerMu.RUnlock()
	for _, obs := range observers {
		obs.ObserveOutcome(ctx, event)
	}
}

func outcomeForFailure(id uint64, identity common.Address, gasPrice *big.Int, started time.Time, cause error) OutcomeEvent {
	event := OutcomeEvent{
		EventID:    newEventID(),
		ClaimID:    id,
		Executor:   identity,
		Reason:     xerrors.CodeOf(cause),
		Duration:   time.Since(started),
		OccurredAt: time.Now(),
	}
	if gasPrice != nil {
		event.GasPrice = new(big.Int).Set(gasPrice)
	}
	return event
}

func newEventID() string {
	return uuid.NewString()
}
