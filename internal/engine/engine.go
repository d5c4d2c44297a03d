package engine

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"AutoExec-Chain/internal/claim"
	"AutoExec-Chain/internal/condition"
	xerrors "AutoExec-Chain/internal/errors"
	"AutoExec-Chain/internal/executor"
	"AutoExec-Chain/internal/fee"
	"AutoExec-Chain/internal/module"
	"AutoExec-Chain/internal/provider"
	"AutoExec-Chain/internal/web3"
	"AutoExec-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

const (
	CodeRevokedCapability xerrors.Code = "EXEC_REVOKED_CAPABILITY"
	CodeGasEnvelope       xerrors.Code = "EXEC_GAS_ENVELOPE_VIOLATION"
	CodeActionReverted    xerrors.Code = "EXEC_ACTION_REVERTED"
)

var (
	// ErrRevokedCapability 表示凭据的能力组合在铸造后被服务商撤销。
	ErrRevokedCapability = xerrors.New(CodeRevokedCapability, "capability revoked after mint")
	// ErrGasEnvelope 表示 gas 价格或上限超出网络配置的执行包络。
	ErrGasEnvelope = xerrors.New(CodeGasEnvelope, "gas envelope violation")
	// ErrActionReverted 表示动作派发被用户代理回滚。凭据保持可重试。
	ErrActionReverted = xerrors.New(CodeActionReverted, "action dispatch reverted")
)

func init() {
	xerrors.Register(CodeRevokedCapability, xerrors.Attributes{
		Message:  "capability revoked after mint",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeGasEnvelope, xerrors.Attributes{
		Message:  "gas envelope violation",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeActionReverted, xerrors.Attributes{
		Message:   "action dispatch reverted",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// PermissionChecker 抽象执行者许可查询，由 executor.Registry 实现。
type PermissionChecker interface {
	IsPermissioned(identity common.Address) bool
}

// Config 描述执行包络与费用参数。两项 gas 上限是外部配置的网络
// 参数，运行期可通过 UpdateGasEnvelope 调整。
type Config struct {
	MaxGasPrice *big.Int
	MaxGasLimit uint64
}

// Engine 是执行凭据的状态机：重新校验、派发动作、结算费用并
// 产出成功/失败分类。ClaimRegistry 的终态迁移是唯一的并发
// 同步点，Engine 自身不持有跨调用的锁。
type Engine struct {
	store      claim.Store
	providers  *provider.Registry
	conditions *condition.Evaluator
	modules    *module.Registry
	executors  PermissionChecker
	slot       executor.Slot
	fees       *fee.Handler
	dispatcher web3.Dispatcher
	log        *slog.Logger

	mu          sync.RWMutex
	maxGasPrice *big.Int
	maxGasLimit uint64

	observerMu sync.RWMutex
	observers  []OutcomeObserver
}

// Option 定义可选配置。
type Option func(*Engine)

// WithSlot 启用单写者模式：仅当前槽持有者可以调用 Exec。
func WithSlot(slot executor.Slot) Option {
	return func(e *Engine) {
		e.slot = slot
	}
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// New 构造执行引擎。
func New(
	store claim.Store,
	providers *provider.Registry,
	conditions *condition.Evaluator,
	modules *module.Registry,
	executors PermissionChecker,
	fees *fee.Handler,
	dispatcher web3.Dispatcher,
	cfg Config,
	opts ...Option,
) *Engine {
	e := &Engine{
		store:       store,
		providers:   providers,
		conditions:  conditions,
		modules:     modules,
		executors:   executors,
		fees:        fees,
		dispatcher:  dispatcher,
		maxGasPrice: cfg.MaxGasPrice,
		maxGasLimit: cfg.MaxGasLimit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.log == nil {
		e.log = logger.Named("engine")
	}
	return e
}

// UpdateGasEnvelope 调整网络级的 gas 包络参数。
func (e *Engine) UpdateGasEnvelope(maxGasPrice *big.Int, maxGasLimit uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if maxGasPrice != nil {
		e.maxGasPrice = new(big.Int).Set(maxGasPrice)
	}
	if maxGasLimit > 0 {
		e.maxGasLimit = maxGasLimit
	}
}

// GasEnvelope 返回当前的 gas 包络参数。
func (e *Engine) GasEnvelope() (*big.Int, uint64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var price *big.Int
	if e.maxGasPrice != nil {
		price = new(big.Int).Set(e.maxGasPrice)
	}
	return price, e.maxGasLimit
}

// CanExec 是只读预检：凭据存在、未过期、能力仍在白名单、条件
// 成立、形状合法时返回 nil，否则返回携带原因码的错误。该调用
// 不产生任何状态变更，可被任意数量的执行者并发重复调用。
func (e *Engine) CanExec(ctx context.Context, id uint64) error {
	c, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	switch c.Status {
	case claim.StatusRevoked:
		return claim.ErrClaimRevoked
	case claim.StatusExecuted, claim.StatusFailed, claim.StatusExpired:
		return claim.ErrClaimTerminal
	case claim.StatusExecuting:
		return claim.ErrClaimInFlight
	}
	return e.validate(ctx, c)
}

// validate 聚合铸造后仍可能漂移的全部执行前提。过期与白名单
// 每次都按当前状态重新求值，绝不缓存。
func (e *Engine) validate(ctx context.Context, c *claim.ExecClaim) error {
	if c.ExpiredAt(time.Now().Unix()) {
		return claim.ErrClaimExpired
	}
	cap := provider.Capability{Condition: c.Condition, Action: c.Action, Module: c.ProviderModule}
	if !e.providers.IsWhitelisted(c.Provider, cap) {
		return ErrRevokedCapability
	}
	if err := e.conditions.Check(ctx, c.Condition, c.ConditionPayload); err != nil {
		return err
	}
	mod, err := e.modules.Resolve(c.ProviderModule)
	if err != nil {
		return err
	}
	if err := mod.ValidateClaim(c); err != nil {
		return err
	}
	return nil
}

// Exec 尝试执行凭据。所有派发前的门禁失败都不产生任何费用；
// 费用预留、动作派发与结算在终态迁移的保护下构成全有或全无。
func (e *Engine) Exec(ctx context.Context, id uint64, identity common.Address, gasPrice *big.Int, gasLimit uint64) (*claim.ExecutionOutcome, error) {
	started := time.Now()

	// 门禁 1：执行者许可。
	if e.executors == nil || !e.executors.IsPermissioned(identity) {
		return nil, executor.ErrNotPermissioned
	}
	if e.slot != nil {
		holder, held, err := e.slot.Holder(ctx)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeNotAuthorized, err, "查询活跃执行槽失败")
		}
		if !held || holder != identity {
			return nil, xerrors.New(xerrors.CodeNotAuthorized, "not the active slot holder")
		}
	}

	// 门禁 2：原子占据执行权。落败的并发调用在此快速失败。
	c, err := e.store.Begin(ctx, id)
	if err != nil {
		e.emit(ctx, outcomeForFailure(id, identity, gasPrice, started, err))
		return nil, err
	}

	// 门禁 3：完整重放只读预检，消除预检与提交之间的状态漂移。
	if err := e.validate(ctx, c); err != nil {
		return nil, e.failBeforeDispatch(ctx, c, identity, gasPrice, started, err)
	}

	// 门禁 4：gas 包络。保护服务商不被虚高的 gas 声明抽干存款。
	maxGasPrice, maxGasLimit := e.GasEnvelope()
	if gasPrice == nil || gasPrice.Sign() <= 0 || gasLimit == 0 ||
		(maxGasPrice != nil && gasPrice.Cmp(maxGasPrice) > 0) ||
		(maxGasLimit > 0 && gasLimit > maxGasLimit) {
		return nil, e.failBeforeDispatch(ctx, c, identity, gasPrice, started, ErrGasEnvelope)
	}

	// 门禁 5：按最大可能费用预留服务商存款。存款不足时动作不会
	// 产生任何副作用。
	maxFee := e.fees.MaxFee(gasLimit, gasPrice)
	if err := e.fees.Reserve(c.Provider, maxFee); err != nil {
		return nil, e.failBeforeDispatch(ctx, c, identity, gasPrice, started, err)
	}

	mod, err := e.modules.Resolve(c.ProviderModule)
	if err != nil {
		_ = e.fees.Release(c.Provider, maxFee)
		return nil, e.failBeforeDispatch(ctx, c, identity, gasPrice, started, err)
	}
	call, err := mod.ExecPayload(c)
	if err != nil {
		_ = e.fees.Release(c.Provider, maxFee)
		return nil, e.failBeforeDispatch(ctx, c, identity, gasPrice, started, err)
	}

	// 派发动作。回滚不收费，凭据保持可重试直至次数耗尽。
	result, err := e.dispatcher.Dispatch(ctx, call, gasPrice, gasLimit)
	if err != nil {
		_ = e.fees.Release(c.Provider, maxFee)
		reverted := xerrors.Wrap(CodeActionReverted, err, "动作派发被回滚")
		return nil, e.failBeforeDispatch(ctx, c, identity, gasPrice, started, reverted)
	}

	// 结算实际费用并记入执行者收益。
	actualFee, err := e.fees.Settle(c.Provider, identity, result.GasUsed, gasPrice, maxFee)
	if err != nil {
		// 预留成功后结算只会因注册表不一致失败，属于严重错误。
		e.log.Error("费用结算失败", slog.Any("error", err), slog.Uint64("claim_id", c.ID))
		_ = e.store.Requeue(ctx, c.ID, xerrors.CodeOf(err), err.Error())
		return nil, err
	}

	outcome := claim.ExecutionOutcome{
		EventID:  newEventID(),
		Executor: identity.Hex(),
		TxHash:   result.TxHash.Hex(),
		GasPrice: gasPrice.String(),
		GasUsed:  result.GasUsed,
		Fee:      actualFee.String(),
	}
	if err := e.store.MarkExecuted(ctx, c.ID, outcome); err != nil {
		// 费用已结算但状态落库失败，需要人工介入对账。
		e.log.Error("标记凭据执行成功失败", slog.Any("error", err), slog.Uint64("claim_id", c.ID))
		return nil, err
	}

	logger.Audit().Info("凭据执行成功",
		slog.Uint64("claim_id", c.ID),
		slog.String("executor", identity.Hex()),
		slog.String("tx_hash", outcome.TxHash),
		slog.String("gas_price", outcome.GasPrice),
		slog.Uint64("gas_used", outcome.GasUsed),
		slog.String("fee", outcome.Fee),
	)
	e.emit(ctx, OutcomeEvent{
		EventID:    outcome.EventID,
		ClaimID:    c.ID,
		Executor:   identity,
		Success:    true,
		GasPrice:   new(big.Int).Set(gasPrice),
		GasUsed:    result.GasUsed,
		Fee:        actualFee,
		TxHash:     result.TxHash,
		Duration:   time.Since(started),
		OccurredAt: time.Now(),
	})
	return &outcome, nil
}

// failBeforeDispatch 统一处理派发前的失败：不收费，可重试的
// 失败把凭据放回 Pending，重试耗尽或永久无效时进入终态。
func (e *Engine) failBeforeDispatch(ctx context.Context, c *claim.ExecClaim, identity common.Address, gasPrice *big.Int, started time.Time, cause error) error {
	code := xerrors.CodeOf(cause)

	switch {
	case stdErrors.Is(cause, claim.ErrClaimExpired):
		if err := e.store.MarkExpired(ctx, c.ID); err != nil && !stdErrors.Is(err, claim.ErrClaimTerminal) {
			e.log.Error("标记凭据过期失败", slog.Any("error", err), slog.Uint64("claim_id", c.ID))
		}
	case c.MaxAttempts > 0 && c.Attempts >= c.MaxAttempts:
		if err := e.store.MarkFailed(ctx, c.ID, code, cause.Error()); err != nil && !stdErrors.Is(err, claim.ErrClaimTerminal) {
			e.log.Error("标记凭据失败状态出错", slog.Any("error", err), slog.Uint64("claim_id", c.ID))
		}
	default:
		if err := e.store.Requeue(ctx, c.ID, code, cause.Error()); err != nil {
			e.log.Error("回退凭据状态失败", slog.Any("error", err), slog.Uint64("claim_id", c.ID))
		}
	}

	logger.Audit().Warn("凭据执行失败",
		slog.Uint64("claim_id", c.ID),
		slog.String("executor", identity.Hex()),
		slog.String("reason", string(code)),
		slog.Int("attempts", c.Attempts),
		slog.Int("max_attempts", c.MaxAttempts),
		slog.String("error", cause.Error()),
	)
	e.emit(ctx, outcomeForFailure(c.ID, identity, gasPrice, started, cause))
	return cause
}
