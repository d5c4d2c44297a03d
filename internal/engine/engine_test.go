package engine

import (
	"context"
	stdErrors "errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"AutoExec-Chain/internal/claim"
	"AutoExec-Chain/internal/condition"
	xerrors "AutoExec-Chain/internal/errors"
	"AutoExec-Chain/internal/executor"
	"AutoExec-Chain/internal/fee"
	"AutoExec-Chain/internal/module"
	"AutoExec-Chain/internal/provider"
	"AutoExec-Chain/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	testProvider  = common.HexToAddress("0x1000000000000000000000000000000000000001")
	testModule    = common.HexToAddress("0x1000000000000000000000000000000000000002")
	testProxy     = common.HexToAddress("0x1000000000000000000000000000000000000003")
	testAction    = common.HexToAddress("0x1000000000000000000000000000000000000004")
	testExecutor  = common.HexToAddress("0x1000000000000000000000000000000000000005")
	testCondition = common.HexToAddress("0x1000000000000000000000000000000000000006")
)

type conditionFunc func(ctx context.Context, payload hexutil.Bytes) (bool, error)

func (f conditionFunc) Evaluate(ctx context.Context, payload hexutil.Bytes) (bool, error) {
	return f(ctx, payload)
}

type fixture struct {
	store      *claim.MemoryStore
	providers  *provider.Registry
	conditions *condition.Registry
	modules    *module.Registry
	executors  *executor.Registry
	dispatcher *web3.MemoryDispatcher
	fees       *fee.Handler
	engine     *Engine
	calls      atomic.Int64
}

// newFixture 搭建一套最小的可执行环境：白名单能力、充值存款、
// 注册用户代理与许可执行者。
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		store:      claim.NewMemoryStore(),
		providers:  provider.NewRegistry(),
		conditions: condition.NewRegistry(),
		executors:  executor.NewRegistry(),
		dispatcher: web3.NewMemoryDispatcher(),
	}

	f.modules = module.NewRegistry()
	userProxy, err := module.NewUserProxyModule(testModule)
	if err != nil {
		t.Fatalf("new user proxy module: %v", err)
	}
	f.modules.Register(userProxy)

	caps := []provider.Capability{
		{Action: testAction, Module: testModule},
		{Condition: testCondition, Action: testAction, Module: testModule},
	}
	if err := f.providers.AddCapabilities(testProvider, caps...); err != nil {
		t.Fatalf("whitelist capabilities: %v", err)
	}
	if err := f.providers.Deposit(testProvider, big.NewInt(1_000_000_000_000_000_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.executors.Add(testExecutor); err != nil {
		t.Fatalf("permission executor: %v", err)
	}

	f.dispatcher.RegisterProxy(testProxy, func(context.Context, web3.CallSpec) (uint64, error) {
		f.calls.Add(1)
		return 50_000, nil
	})

	f.fees = fee.NewHandler(f.providers, 1000)
	f.engine = New(f.store, f.providers, condition.NewEvaluator(f.conditions), f.modules, f.executors, f.fees, f.dispatcher,
		Config{MaxGasPrice: big.NewInt(100_000_000_000), MaxGasLimit: 1_000_000},
		opts...,
	)
	return f
}

func (f *fixture) mint(t *testing.T, mutate func(*claim.ExecClaim)) uint64 {
	t.Helper()
	c := &claim.ExecClaim{
		Provider:       testProvider,
		ProviderModule: testModule,
		UserProxy:      testProxy,
		Action:         testAction,
		ActionPayload:  hexutil.Bytes{0xde, 0xad, 0xbe, 0xef},
		MaxAttempts:    3,
	}
	if mutate != nil {
		mutate(c)
	}
	if err := f.store.Mint(context.Background(), c); err != nil {
		t.Fatalf("mint: %v", err)
	}
	return c.ID
}

var testGasPrice = big.NewInt(1_000_000_000)

const testGasLimit = 100_000

func TestExecSuccessSettlesFee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.mint(t, nil)

	balanceBefore := f.providers.Balance(testProvider)

	outcome, err := f.engine.Exec(ctx, id, testExecutor, testGasPrice, testGasLimit)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if outcome.EventID == "" || outcome.TxHash == "" {
		t.Fatalf("incomplete outcome: %+v", outcome)
	}
	if outcome.GasUsed != 50_000 {
		t.Fatalf("unexpected gas used: %d", outcome.GasUsed)
	}

	// 费用 = gasUsed × gasPrice × 1.1（加成 1000 bps）。
	wantFee := new(big.Int).Mul(big.NewInt(50_000), testGasPrice)
	wantFee.Mul(wantFee, big.NewInt(11000))
	wantFee.Div(wantFee, big.NewInt(10000))
	if outcome.Fee != wantFee.String() {
		t.Fatalf("unexpected fee: got %s want %s", outcome.Fee, wantFee)
	}

	balanceAfter := f.providers.Balance(testProvider)
	debited := new(big.Int).Sub(balanceBefore, balanceAfter)
	if debited.Cmp(wantFee) != 0 {
		t.Fatalf("unexpected debit: got %s want %s", debited, wantFee)
	}
	if f.providers.Earnings(testExecutor).Cmp(wantFee) != 0 {
		t.Fatalf("executor earnings not credited")
	}

	c, err := f.store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Status != claim.StatusExecuted || c.Outcome == nil {
		t.Fatalf("unexpected claim state: %+v", c)
	}
}

func TestExecAtMostOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.mint(t, nil)

	const racers = 8
	var wg sync.WaitGroup
	var successes atomic.Int64
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.engine.Exec(ctx, id, testExecutor, testGasPrice, testGasLimit); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	if successes.Load() != 1 {
		t.Fatalf("expected exactly one successful exec, got %d", successes.Load())
	}
	if f.calls.Load() != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", f.calls.Load())
	}
}

func TestExecActionRevertedCollectsNoFee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.mint(t, nil)

	f.dispatcher.RegisterProxy(testProxy, func(context.Context, web3.CallSpec) (uint64, error) {
		return 0, stdErrors.New("proxy reverted")
	})
	balanceBefore := f.providers.Balance(testProvider)

	_, err := f.engine.Exec(ctx, id, testExecutor, testGasPrice, testGasLimit)
	if xerrors.CodeOf(err) != CodeActionReverted {
		t.Fatalf("expected action reverted, got %v", err)
	}
	if !xerrors.RetryableError(err) {
		t.Fatal("action revert must stay retryable")
	}

	if f.providers.Balance(testProvider).Cmp(balanceBefore) != 0 {
		t.Fatal("failed dispatch must not collect a fee")
	}
	// 预留必须完整释放，全部余额保持可提取。
	if err := f.providers.Withdraw(testProvider, balanceBefore); err != nil {
		t.Fatalf("withdraw after failed exec: %v", err)
	}

	c, err := f.store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Status != claim.StatusPending || c.Attempts != 1 {
		t.Fatalf("expected pending claim with one attempt, got %+v", c)
	}
	if c.ErrorCode != string(CodeActionReverted) {
		t.Fatalf("unexpected error code: %s", c.ErrorCode)
	}
}

func TestExecInsufficientFundsHasNoSideEffect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.mint(t, nil)

	// 清空存款后执行必须在派发前失败。
	if err := f.providers.Withdraw(testProvider, f.providers.Balance(testProvider)); err != nil {
		t.Fatalf("drain deposit: %v", err)
	}

	_, err := f.engine.Exec(ctx, id, testExecutor, testGasPrice, testGasLimit)
	if !stdErrors.Is(err, provider.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if f.calls.Load() != 0 {
		t.Fatal("underfunded claim must not be dispatched")
	}

	c, err := f.store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Status != claim.StatusPending {
		t.Fatalf("expected claim back to pending, got %s", c.Status)
	}
}

func TestExecRevokedCapability(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.mint(t, nil)

	if err := f.providers.RemoveCapabilities(testProvider, provider.Capability{Action: testAction, Module: testModule}); err != nil {
		t.Fatalf("remove capability: %v", err)
	}

	if err := f.engine.CanExec(ctx, id); !stdErrors.Is(err, ErrRevokedCapability) {
		t.Fatalf("expected revoked capability from canexec, got %v", err)
	}
	_, err := f.engine.Exec(ctx, id, testExecutor, testGasPrice, testGasLimit)
	if !stdErrors.Is(err, ErrRevokedCapability) {
		t.Fatalf("expected revoked capability from exec, got %v", err)
	}
	if f.calls.Load() != 0 {
		t.Fatal("revoked capability must not be dispatched")
	}
}

func TestExecConditionGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	met := &atomic.Bool{}
	f.conditions.Register(testCondition, conditionFunc(func(context.Context, hexutil.Bytes) (bool, error) {
		return met.Load(), nil
	}))
	id := f.mint(t, func(c *claim.ExecClaim) {
		c.Condition = testCondition
	})

	if err := f.engine.CanExec(ctx, id); !stdErrors.Is(err, condition.ErrNotMet) {
		t.Fatalf("expected condition not met, got %v", err)
	}
	if _, err := f.engine.Exec(ctx, id, testExecutor, testGasPrice, testGasLimit); !stdErrors.Is(err, condition.ErrNotMet) {
		t.Fatalf("expected condition not met from exec, got %v", err)
	}

	met.Store(true)
	if err := f.engine.CanExec(ctx, id); err != nil {
		t.Fatalf("canexec after condition met: %v", err)
	}
	if _, err := f.engine.Exec(ctx, id, testExecutor, testGasPrice, testGasLimit); err != nil {
		t.Fatalf("exec after condition met: %v", err)
	}
}

func TestExecGasEnvelope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		gasPrice *big.Int
		gasLimit uint64
	}{
		{"price above cap", big.NewInt(200_000_000_000), testGasLimit},
		{"limit above cap", testGasPrice, 2_000_000},
		{"zero price", big.NewInt(0), testGasLimit},
		{"zero limit", testGasPrice, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id := f.mint(t, nil)
			_, err := f.engine.Exec(ctx, id, testExecutor, tc.gasPrice, tc.gasLimit)
			if !stdErrors.Is(err, ErrGasEnvelope) {
				t.Fatalf("expected gas envelope violation, got %v", err)
			}
		})
	}
	if f.calls.Load() != 0 {
		t.Fatal("gas envelope violations must not be dispatched")
	}
}

func TestExecUnpermissionedExecutor(t *testing.T) {
	f := newFixture(t)
	id := f.mint(t, nil)

	stranger := common.HexToAddress("0xdead")
	_, err := f.engine.Exec(context.Background(), id, stranger, testGasPrice, testGasLimit)
	if xerrors.CodeOf(err) != xerrors.CodeNotAuthorized {
		t.Fatalf("expected NOT_AUTHORIZED, got %v", err)
	}
}

func TestExecAttemptsExhaustedTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.mint(t, func(c *claim.ExecClaim) {
		c.MaxAttempts = 1
	})

	f.dispatcher.RegisterProxy(testProxy, func(context.Context, web3.CallSpec) (uint64, error) {
		return 0, stdErrors.New("proxy reverted")
	})

	if _, err := f.engine.Exec(ctx, id, testExecutor, testGasPrice, testGasLimit); err == nil {
		t.Fatal("expected exec failure")
	}

	c, err := f.store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Status != claim.StatusFailed {
		t.Fatalf("expected terminal failure after exhausting attempts, got %s", c.Status)
	}
}

func TestCanExecStatusGates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	revoked := f.mint(t, nil)
	if err := f.store.Revoke(ctx, revoked); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := f.engine.CanExec(ctx, revoked); !stdErrors.Is(err, claim.ErrClaimRevoked) {
		t.Fatalf("expected ErrClaimRevoked, got %v", err)
	}

	executed := f.mint(t, nil)
	if _, err := f.engine.Exec(ctx, executed, testExecutor, testGasPrice, testGasLimit); err != nil {
		t.Fatalf("exec: %v", err)
	}
	if err := f.engine.CanExec(ctx, executed); !stdErrors.Is(err, claim.ErrClaimTerminal) {
		t.Fatalf("expected ErrClaimTerminal, got %v", err)
	}

	if err := f.engine.CanExec(ctx, 9999); !stdErrors.Is(err, claim.ErrClaimNotFound) {
		t.Fatalf("expected ErrClaimNotFound, got %v", err)
	}
}

func TestExecExpiredClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.mint(t, func(c *claim.ExecClaim) {
		c.ExpiryDate = time.Now().Unix() + 1
	})

	time.Sleep(1100 * time.Millisecond)

	_, err := f.engine.Exec(ctx, id, testExecutor, testGasPrice, testGasLimit)
	if !stdErrors.Is(err, claim.ErrClaimExpired) {
		t.Fatalf("expected ErrClaimExpired, got %v", err)
	}
	c, err := f.store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Status != claim.StatusExpired {
		t.Fatalf("expected expired terminal status, got %s", c.Status)
	}
}

// lateExpiryStore 模拟截止时间在 Begin 通过之后、重放校验之前流逝
// 的窗口：Begin 成功返回的副本携带已过期的截止时间。
type lateExpiryStore struct {
	*claim.MemoryStore
}

func (s *lateExpiryStore) Begin(ctx context.Context, id uint64) (*claim.ExecClaim, error) {
	c, err := s.MemoryStore.Begin(ctx, id)
	if err != nil {
		return c, err
	}
	c.ExpiryDate = time.Now().Unix() - 1
	return c, nil
}

func TestExecExpiryAfterBeginLandsExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.mint(t, func(c *claim.ExecClaim) {
		c.ExpiryDate = time.Now().Unix() + 3600
	})

	eng := New(&lateExpiryStore{f.store}, f.providers, condition.NewEvaluator(f.conditions), f.modules, f.executors, f.fees, f.dispatcher,
		Config{MaxGasPrice: big.NewInt(100_000_000_000), MaxGasLimit: 1_000_000},
	)

	_, err := eng.Exec(ctx, id, testExecutor, testGasPrice, testGasLimit)
	if !stdErrors.Is(err, claim.ErrClaimExpired) {
		t.Fatalf("expected ErrClaimExpired, got %v", err)
	}
	c, err := f.store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// 过期凭据进入 Expired 终态，而不是 Failed。
	if c.Status != claim.StatusExpired {
		t.Fatalf("expected expired terminal status, got %s", c.Status)
	}
	if c.ErrorCode != string(claim.CodeClaimExpired) {
		t.Fatalf("unexpected error code: %s", c.ErrorCode)
	}
	if f.calls.Load() != 0 {
		t.Fatal("expired claim must not be dispatched")
	}
}

func TestExecSlotAuthorization(t *testing.T) {
	slot := executor.NewMemorySlot()
	f := newFixture(t, WithSlot(slot))
	ctx := context.Background()
	id := f.mint(t, nil)

	// 未持槽的许可执行者被拒绝。
	_, err := f.engine.Exec(ctx, id, testExecutor, testGasPrice, testGasLimit)
	if xerrors.CodeOf(err) != xerrors.CodeNotAuthorized {
		t.Fatalf("expected NOT_AUTHORIZED without slot, got %v", err)
	}

	if err := slot.Acquire(ctx, testExecutor, time.Minute); err != nil {
		t.Fatalf("acquire slot: %v", err)
	}
	if _, err := f.engine.Exec(ctx, id, testExecutor, testGasPrice, testGasLimit); err != nil {
		t.Fatalf("exec as slot holder: %v", err)
	}
}

func TestOutcomeEventsEmitted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	var events []OutcomeEvent
	f.engine.Subscribe(ObserverFunc(func(_ context.Context, event OutcomeEvent) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	}))

	id := f.mint(t, nil)
	if _, err := f.engine.Exec(ctx, id, testExecutor, testGasPrice, testGasLimit); err != nil {
		t.Fatalf("exec: %v", err)
	}

	failing := f.mint(t, nil)
	f.dispatcher.RegisterProxy(testProxy, func(context.Context, web3.CallSpec) (uint64, error) {
		return 0, stdErrors.New("proxy reverted")
	})
	if _, err := f.engine.Exec(ctx, failing, testExecutor, testGasPrice, testGasLimit); err == nil {
		t.Fatal("expected exec failure")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("expected 2 outcome events, got %d", len(events))
	}
	if !events[0].Success || events[0].Fee == nil || events[0].EventID == "" {
		t.Fatalf("unexpected success event: %+v", events[0])
	}
	if events[1].Success || events[1].Reason != CodeActionReverted {
		t.Fatalf("unexpected failure event: %+v", events[1])
	}
	if events[0].EventID == events[1].EventID {
		t.Fatal("event ids must be unique")
	}
}
