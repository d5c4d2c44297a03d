package executor

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"math/big"
	"time"

	"AutoExec-Chain/internal/claim"
	xerrors "AutoExec-Chain/internal/errors"
	"AutoExec-Chain/internal/observability/alerting"
	"AutoExec-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// ExecBackend 定义了运行器所需的执行引擎能力。
type ExecBackend interface {
	CanExec(ctx context.Context, id uint64) error
	Exec(ctx context.Context, id uint64, identity common.Address, gasPrice *big.Int, gasLimit uint64) (*claim.ExecutionOutcome, error)
}

// GasPricer 提供当前建议的 gas 价格，通常由链上客户端实现。
type GasPricer interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// ClaimLister 提供巡检所需的凭据查询能力，由凭据存储实现。
type ClaimLister interface {
	List(ctx context.Context, opts claim.ListOptions) ([]*claim.ExecClaim, error)
}

// Runner 负责从队列消费凭据 ID 并交给执行引擎处理。每个 Runner
// 绑定一个执行者身份；重复投递与并发竞争由引擎的原子状态迁移
// 兜底，Runner 只做节流与重试编排。
type Runner struct {
	backend     ExecBackend
	consumer    claim.Consumer
	producer    claim.Producer
	identity    common.Address
	workerCount int
	gasLimit    uint64
	gasPrice    *big.Int
	pricer      GasPricer
	retryDelay  time.Duration
	slot        Slot
	slotTTL     time.Duration
	patrol      ClaimLister
	patrolEvery time.Duration
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// RunnerOption 定义可选配置。
type RunnerOption func(*Runner)

// WithRunnerLogger 指定日志输出。
func WithRunnerLogger(log *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = log
	}
}

// WithRunnerWorkers 设置消费协程数量。
func WithRunnerWorkers(workers int) RunnerOption {
	return func(r *Runner) {
		if workers > 0 {
			r.workerCount = workers
		}
	}
}

// WithGasPricer 让运行器按链上建议价动态定价，缺省使用固定价。
func WithGasPricer(pricer GasPricer) RunnerOption {
	return func(r *Runner) {
		r.pricer = pricer
	}
}

// WithRetryDelay 设置可重试失败的重投间隔。
func WithRetryDelay(delay time.Duration) RunnerOption {
	return func(r *Runner) {
		if delay > 0 {
			r.retryDelay = delay
		}
	}
}

// WithRunnerSlot 启用单写者模式：运行器持续续租执行槽，槽被
// 其他执行者持有时本地消费暂停。
func WithRunnerSlot(slot Slot, ttl time.Duration) RunnerOption {
	return func(r *Runner) {
		r.slot = slot
		if ttl > 0 {
			r.slotTTL = ttl
		}
	}
}

// WithRunnerPatrol 启用巡检兜底：周期性扫描滞留在 Pending 的凭据
// 并重新投递。补偿延迟重投失败或队列重启造成的丢失；重复投递由
// 引擎的原子状态迁移消化。
func WithRunnerPatrol(lister ClaimLister, interval time.Duration) RunnerOption {
	return func(r *Runner) {
		r.patrol = lister
		if interval > 0 {
			r.patrolEvery = interval
		}
	}
}

// WithRunnerAlerter 配置告警派发器。
func WithRunnerAlerter(dispatcher alerting.Dispatcher) RunnerOption {
	return func(r *Runner) {
		r.alerter = dispatcher
	}
}

// NewRunner 构造 Runner。gasPrice 为固定报价，配置 GasPricer 后
// 仅作为链上定价不可用时的回退。
func NewRunner(backend ExecBackend, consumer claim.Consumer, producer claim.Producer, identity common.Address, gasPrice *big.Int, gasLimit uint64, opts ...RunnerOption) *Runner {
	r := &Runner{
		backend:     backend,
		consumer:    consumer,
		producer:    producer,
		identity:    identity,
		workerCount: 1,
		gasLimit:    gasLimit,
		retryDelay:  5 * time.Second,
		slotTTL:     30 * time.Second,
		patrolEvery: time.Minute,
	}
	if gasPrice != nil {
		r.gasPrice = new(big.Int).Set(gasPrice)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.logger == nil {
		r.logger = logger.Named("runner")
	}
	return r
}

// Start 启动消费循环，阻塞直至 ctx 取消或消费者退出。
func (r *Runner) Start(ctx context.Context) error {
	if r.backend == nil || r.consumer == nil {
		return xerrors.New(xerrors.CodeNotInitialized, "运行器未初始化")
	}
	if r.slot != nil {
		go r.keepSlot(ctx)
	}
	if r.patrol != nil && r.producer != nil {
		go r.patrolPending(ctx)
	}
	return r.consumer.Consume(ctx, r.workerCount, r.handle)
}

// keepSlot 周期性续租执行槽。槽被他人持有时仅记录并等待。
func (r *Runner) keepSlot(ctx context.Context) {
	ticker := time.NewTicker(r.slotTTL / 2)
	defer ticker.Stop()
	for {
		if err := r.slot.Acquire(ctx, r.identity, r.slotTTL); err != nil {
			if stdErrors.Is(err, ErrSlotClaimed) {
				r.logDebug("执行槽被其他执行者持有", slog.String("identity", r.identity.Hex()))
			} else {
				logger.L().Error("续租执行槽失败", slog.Any("error", err), slog.String("identity", r.identity.Hex()))
			}
		}
		select {
		case <-ctx.Done():
			_ = r.slot.Release(context.Background(), r.identity)
			return
		case <-ticker.C:
		}
	}
}

// patrolPending 周期性重投滞留的 Pending 凭据，最旧的优先。
func (r *Runner) patrolPending(ctx context.Context) {
	ticker := time.NewTicker(r.patrolEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepPending(ctx)
		}
	}
}

func (r *Runner) sweepPending(ctx context.Context) {
	cutoff := time.Now().Add(-r.patrolEvery)
	stale, err := r.patrol.List(ctx, claim.ListOptions{
		Statuses:   []claim.Status{claim.StatusPending},
		UpdatedLTE: cutoff.Unix(),
		Limit:      100,
		Order:      claim.SortByUpdatedAsc,
	})
	if err != nil {
		logger.L().Error("巡检查询滞留凭据失败", slog.Any("error", err))
		return
	}
	for _, c := range stale {
		if err := r.producer.Publish(ctx, c.ID); err != nil {
			logger.L().Error("巡检重投凭据失败", slog.Any("error", err), slog.Uint64("claim_id", c.ID))
			return
		}
		r.logDebug("巡检重投滞留凭据", slog.Uint64("claim_id", c.ID))
	}
}

func (r *Runner) handle(ctx context.Context, claimID uint64) error {
	if err := r.backend.CanExec(ctx, claimID); err != nil {
		return r.handlePrecheckFailure(ctx, claimID, err)
	}

	gasPrice, err := r.currentGasPrice(ctx)
	if err != nil {
		logger.L().Error("获取 gas 报价失败", slog.Any("error", err), slog.Uint64("claim_id", claimID))
		r.republish(ctx, claimID)
		return nil
	}

	if _, err := r.backend.Exec(ctx, claimID, r.identity, gasPrice, r.gasLimit); err != nil {
		return r.handleExecFailure(ctx, claimID, err)
	}
	return nil
}

// handlePrecheckFailure 处理只读预检失败。条件未成立是常态而非
// 错误，静默重投等待下一轮。
func (r *Runner) handlePrecheckFailure(ctx context.Context, claimID uint64, err error) error {
	switch {
	case stdErrors.Is(err, claim.ErrClaimNotFound),
		stdErrors.Is(err, claim.ErrClaimTerminal),
		stdErrors.Is(err, claim.ErrClaimRevoked),
		stdErrors.Is(err, claim.ErrClaimExpired):
		r.logDebug("跳过凭据", slog.Uint64("claim_id", claimID), slog.String("reason", err.Error()))
		return nil
	case stdErrors.Is(err, claim.ErrClaimInFlight):
		// 另一执行者已占据执行权。
		r.logDebug("凭据执行中", slog.Uint64("claim_id", claimID))
		return nil
	case xerrors.RetryableError(err):
		r.republish(ctx, claimID)
		return nil
	default:
		r.logDebug("凭据预检失败", slog.Uint64("claim_id", claimID), slog.String("reason", err.Error()))
		r.republish(ctx, claimID)
		return nil
	}
}

// handleExecFailure 处理执行失败。引擎已完成状态迁移，这里只
// 负责可重试失败的重投与终态失败的告警。
func (r *Runner) handleExecFailure(ctx context.Context, claimID uint64, execErr error) error {
	code := xerrors.CodeOf(execErr)
	retryable := xerrors.RetryableError(execErr)

	switch {
	case stdErrors.Is(execErr, claim.ErrClaimInFlight),
		stdErrors.Is(execErr, claim.ErrClaimTerminal),
		stdErrors.Is(execErr, claim.ErrClaimRevoked):
		r.logDebug("放弃凭据", slog.Uint64("claim_id", claimID), slog.String("reason", execErr.Error()))
		return nil
	case retryable:
		r.logDebug("凭据将重试",
			slog.Uint64("claim_id", claimID),
			slog.String("error_code", string(code)),
			slog.String("error", execErr.Error()),
		)
		r.republish(ctx, claimID)
		return nil
	}

	logger.Audit().Warn("凭据进入终态失败",
		slog.Uint64("claim_id", claimID),
		slog.String("executor", r.identity.Hex()),
		slog.String("error_code", string(code)),
		slog.String("error", execErr.Error()),
	)
	if xerrors.ShouldAlert(execErr) {
		r.emitAlert(ctx, claimID, code, execErr)
	}
	return nil
}

// republish 在重试间隔后将凭据重新排队。延迟投递失败仅记录，
// 凭据最终会被巡检兜底重新发现。
func (r *Runner) republish(ctx context.Context, claimID uint64) {
	if r.producer == nil {
		return
	}
	time.AfterFunc(r.retryDelay, func() {
		if ctx.Err() != nil {
			return
		}
		pubCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.producer.Publish(pubCtx, claimID); err != nil {
			logger.L().Error("凭据重投失败", slog.Any("error", err), slog.Uint64("claim_id", claimID))
		}
	})
}

func (r *Runner) currentGasPrice(ctx context.Context) (*big.Int, error) {
	if r.pricer != nil {
		price, err := r.pricer.SuggestGasPrice(ctx)
		if err == nil && price != nil && price.Sign() > 0 {
			return price, nil
		}
		if r.gasPrice == nil {
			return nil, err
		}
	}
	if r.gasPrice == nil {
		return nil, xerrors.New(xerrors.CodeNotInitialized, "未配置 gas 报价")
	}
	return new(big.Int).Set(r.gasPrice), nil
}

func (r *Runner) emitAlert(ctx context.Context, claimID uint64, code xerrors.Code, cause error) {
	if r.alerter == nil {
		return
	}
	event := alerting.Event{
		Code:       code,
		Message:    cause.Error(),
		Severity:   xerrors.SeverityOf(cause),
		ClaimID:    claimID,
		Executor:   r.identity.Hex(),
		OccurredAt: time.Now(),
	}
	if err := r.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("发送告警失败", slog.Any("error", err), slog.Uint64("claim_id", claimID))
	}
}

func (r *Runner) logDebug(msg string, attrs ...slog.Attr) {
	if r.logger == nil {
		return
	}
	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}
	r.logger.Debug(msg, args...)
}
