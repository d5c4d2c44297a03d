package claim

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "AutoExec-Chain/internal/errors"
)

// MemoryStore 以内存方式保存执行凭据，用于测试与单机部署。
type MemoryStore struct {
	mu     sync.RWMutex
	claims map[uint64]*ExecClaim
	nextID uint64
	now    func() int64
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		claims: make(map[uint64]*ExecClaim),
		now:    func() int64 { return time.Now().Unix() },
	}
}

// Mint 实现 Store 接口。
func (m *MemoryStore) Mint(_ context.Context, c *ExecClaim) error {
	if c == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "claim 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if c.ExpiryDate != 0 && c.ExpiryDate <= now {
		return ErrInvalidExpiry
	}
	m.nextID++
	c.ID = m.nextID
	c.Status = StatusPending
	c.Attempts = 0
	c.CreatedAt = now
	c.UpdatedAt = now
	m.claims[c.ID] = cloneClaim(c)
	return nil
}

// Get 返回凭据副本。
func (m *MemoryStore) Get(_ context.Context, id uint64) (*ExecClaim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.claims[id]
	if !ok {
		return nil, ErrClaimNotFound
	}
	return cloneClaim(c), nil
}

// Revoke 撤销 Pending 状态的凭据。
func (m *MemoryStore) Revoke(_ context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	if !ok {
		return ErrClaimNotFound
	}
	switch c.Status {
	case StatusPending:
	case StatusExecuting:
		return ErrClaimInFlight
	default:
		return ErrClaimNotPending
	}
	c.Status = StatusRevoked
	c.UpdatedAt = m.now()
	return nil
}

// Begin 原子地将凭据从 Pending 迁移到 Executing。
func (m *MemoryStore) Begin(_ context.Context, id uint64) (*ExecClaim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	if !ok {
		return nil, ErrClaimNotFound
	}
	now := m.now()
	switch c.Status {
	case StatusRevoked:
		return cloneClaim(c), ErrClaimRevoked
	case StatusExecuted, StatusFailed, StatusExpired:
		return cloneClaim(c), ErrClaimTerminal
	case StatusExecuting:
		return cloneClaim(c), ErrClaimInFlight
	}
	if c.ExpiredAt(now) {
		c.Status = StatusExpired
		c.UpdatedAt = now
		return cloneClaim(c), ErrClaimExpired
	}
	if c.MaxAttempts > 0 && c.Attempts >= c.MaxAttempts {
		c.Status = StatusFailed
		c.ErrorCode = string(CodeAttemptsExhausted)
		c.UpdatedAt = now
		return cloneClaim(c), ErrAttemptsExhausted
	}
	c.Status = StatusExecuting
	c.Attempts++
	c.UpdatedAt = now
	return cloneClaim(c), nil
}

// Requeue 将执行中的凭据放回 Pending，记录本次失败原因。
func (m *MemoryStore) Requeue(_ context.Context, id uint64, code xerrors.Code, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	if !ok {
		return ErrClaimNotFound
	}
	if c.Status != StatusExecuting {
		return ErrClaimNotPending
	}
	c.Status = StatusPending
	c.ErrorCode = string(code)
	c.LastError = lastError
	c.UpdatedAt = m.now()
	return nil
}

// MarkExecuted 记录成功账目并进入终态。
func (m *MemoryStore) MarkExecuted(_ context.Context, id uint64, outcome ExecutionOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	if !ok {
		return ErrClaimNotFound
	}
	if c.Terminal() {
		return ErrClaimTerminal
	}
	c.Status = StatusExecuted
	c.Outcome = &outcome
	c.LastError = ""
	c.ErrorCode = ""
	c.UpdatedAt = m.now()
	return nil
}

// MarkFailed 将凭据标为终态失败。
func (m *MemoryStore) MarkFailed(_ context.Context, id uint64, code xerrors.Code, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	if !ok {
		return ErrClaimNotFound
	}
	if c.Terminal() {
		return ErrClaimTerminal
	}
	c.Status = StatusFailed
	c.ErrorCode = string(code)
	c.LastError = lastError
	c.UpdatedAt = m.now()
	return nil
}

// MarkExpired 将凭据标为 Expired 终态。Begin 之后才发现截止时间
// 已过的凭据也从 Executing 迁移到这里。
func (m *MemoryStore) MarkExpired(_ context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	if !ok {
		return ErrClaimNotFound
	}
	if c.Terminal() {
		return ErrClaimTerminal
	}
	c.Status = StatusExpired
	c.ErrorCode = string(CodeClaimExpired)
	c.UpdatedAt = m.now()
	return nil
}

// List 返回符合过滤条件的凭据。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*ExecClaim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*ExecClaim, 0, len(m.claims))
	for _, c := range m.claims {
		if !matchesListFilters(c, opts) {
			continue
		}
		results = append(results, cloneClaim(c))
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			return results[i].ID > results[j].ID
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的凭据数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (ClaimStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := ClaimStats{}
	for _, c := range m.claims {
		if !matchesListFilters(c, opts) {
			continue
		}
		stats.Total++
		switch c.Status {
		case StatusPending:
			stats.Pending++
		case StatusExecuting:
			stats.Executing++
		case StatusExecuted:
			stats.Executed++
		case StatusFailed:
			stats.Failed++
		case StatusExpired:
			stats.Expired++
		case StatusRevoked:
			stats.Revoked++
		}
		if c.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = c.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (c.UpdatedAt != 0 && c.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = c.UpdatedAt
		}
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(c *ExecClaim, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if c.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.Provider != nil && c.Provider != *opts.Provider {
		return false
	}
	if opts.UpdatedGTE > 0 && c.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && c.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	return true
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
