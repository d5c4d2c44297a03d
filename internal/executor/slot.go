package executor

import (
	"context"
	"sync"
	"time"

	xerrors "AutoExec-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

const CodeSlotClaimed xerrors.Code = "EXECUTOR_SLOT_CLAIMED"

// ErrSlotClaimed 表示活跃执行槽已被其他执行者持有。
var ErrSlotClaimed = xerrors.New(CodeSlotClaimed, "active executor slot already claimed")

func init() {
	xerrors.Register(CodeSlotClaimed, xerrors.Attributes{
		Message:  "active executor slot already claimed",
		Severity: xerrors.SeverityInfo,
	})
}

// Slot 实现可选的单写者模式：同一时刻最多一个执行者持有活跃槽，
// 避免协作执行者集合之间的竞争性 gas 浪费。未启用该模式时，
// 凭据终态迁移本身保证至多一次执行。
type Slot interface {
	// Acquire 尝试以给定 TTL 占据活跃槽。已持有时刷新 TTL。
	Acquire(ctx context.Context, identity common.Address, ttl time.Duration) error
	// Holder 返回当前槽持有者。
	Holder(ctx context.Context) (common.Address, bool, error)
	// Release 释放自己持有的槽。
	Release(ctx context.Context, identity common.Address) error
}

// MemorySlot 是进程内的单写者槽实现。
type MemorySlot struct {
	mu       sync.Mutex
	holder   common.Address
	held     bool
	expireAt time.Time
	now      func() time.Time
}

// NewMemorySlot 创建内存槽。
func NewMemorySlot() *MemorySlot {
	return &MemorySlot{now: time.Now}
}

// Acquire 实现 Slot 接口。
func (s *MemorySlot) Acquire(_ context.Context, identity common.Address, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Minute
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.held && now.Before(s.expireAt) && s.holder != identity {
		return ErrSlotClaimed
	}
	s.holder = identity
	s.held = true
	s.expireAt = now.Add(ttl)
	return nil
}

// Holder 实现 Slot 接口。
func (s *MemorySlot) Holder(_ context.Context) (common.Address, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.held || !s.now().Before(s.expireAt) {
		return common.Address{}, false, nil
	}
	return s.holder, true, nil
}

// Release 实现 Slot 接口。
func (s *MemorySlot) Release(_ context.Context, identity common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.held || s.holder != identity {
		return nil
	}
	s.held = false
	return nil
}

var _ Slot = (*MemorySlot)(nil)
