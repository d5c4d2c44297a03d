package claim

import (
	"context"

	xerrors "AutoExec-Chain/internal/errors"
)

// Store 抽象了执行凭据的持久化接口。所有状态迁移都由 Store 完成，
// Begin 的乐观并发控制是全局唯一的执行序列化点。
type Store interface {
	// Mint 分配一个单调递增的新 ID 并以 Pending 状态保存凭据。
	Mint(ctx context.Context, c *ExecClaim) error
	// Get 返回凭据的只读副本。
	Get(ctx context.Context, id uint64) (*ExecClaim, error)
	// Revoke 撤销一个 Pending 状态的凭据。
	Revoke(ctx context.Context, id uint64) error
	// Begin 以 Pending→Executing 的原子迁移占据执行权并累加尝试次数。
	// 已过期的凭据在此处被标记为 Expired 并返回 ErrClaimExpired；
	// 重试耗尽的凭据被标记为 Failed 并返回 ErrAttemptsExhausted。
	Begin(ctx context.Context, id uint64) (*ExecClaim, error)
	// Requeue 将一个 Executing 凭据放回 Pending，供下一次执行尝试。
	Requeue(ctx context.Context, id uint64, code xerrors.Code, lastError string) error
	// MarkExecuted 记录成功执行的账目并进入终态。已终态时返回
	// ErrClaimTerminal，不产生副作用。
	MarkExecuted(ctx context.Context, id uint64, outcome ExecutionOutcome) error
	// MarkFailed 将凭据标为终态失败。
	MarkFailed(ctx context.Context, id uint64, code xerrors.Code, lastError string) error
	// MarkExpired 将超过截止时间的凭据标为 Expired 终态。
	MarkExpired(ctx context.Context, id uint64) error
	// List 返回符合过滤条件的凭据列表。
	List(ctx context.Context, opts ListOptions) ([]*ExecClaim, error)
	// Stats 统计符合过滤条件的凭据数量。
	Stats(ctx context.Context, opts ListOptions) (ClaimStats, error)
	Close() error
}
