package executor

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"AutoExec-Chain/internal/claim"
	xerrors "AutoExec-Chain/internal/errors"
	"AutoExec-Chain/internal/observability/alerting"

	"github.com/ethereum/go-ethereum/common"
)

var runnerIdentity = common.HexToAddress("0x1000000000000000000000000000000000000005")

// fakeBackend 记录每次执行调用，便于断言运行器的编排行为。
type fakeBackend struct {
	mu         sync.Mutex
	canExecFn  func(id uint64) error
	execFn     func(id uint64, calls int) (*claim.ExecutionOutcome, error)
	execIDs    []uint64
	execPrices []*big.Int
}

func (b *fakeBackend) CanExec(_ context.Context, id uint64) error {
	if b.canExecFn == nil {
		return nil
	}
	return b.canExecFn(id)
}

func (b *fakeBackend) Exec(_ context.Context, id uint64, _ common.Address, gasPrice *big.Int, _ uint64) (*claim.ExecutionOutcome, error) {
	b.mu.Lock()
	b.execIDs = append(b.execIDs, id)
	b.execPrices = append(b.execPrices, new(big.Int).Set(gasPrice))
	calls := len(b.execIDs)
	b.mu.Unlock()
	if b.execFn == nil {
		return &claim.ExecutionOutcome{GasUsed: 21_000}, nil
	}
	return b.execFn(id, calls)
}

func (b *fakeBackend) calls() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint64(nil), b.execIDs...)
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (a *recordingAlerter) Notify(_ context.Context, event alerting.Event) error {
	a.mu.Lock()
	a.events = append(a.events, event)
	a.mu.Unlock()
	return nil
}

type fixedPricer struct {
	price *big.Int
	err   error
}

func (p *fixedPricer) SuggestGasPrice(context.Context) (*big.Int, error) {
	return p.price, p.err
}

// startRunner 在后台启动运行器并返回停止函数。
func startRunner(t *testing.T, r *Runner) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Start(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRunnerExecutesClaim(t *testing.T) {
	queue := claim.NewMemoryQueue(16)
	defer queue.Close()
	backend := &fakeBackend{}

	r := NewRunner(backend, queue, queue, runnerIdentity, big.NewInt(7), 100_000)
	stop := startRunner(t, r)
	defer stop()

	if err := queue.Publish(context.Background(), 42); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, func() bool { return len(backend.calls()) == 1 }, "claim never reached the backend")

	if got := backend.calls()[0]; got != 42 {
		t.Fatalf("unexpected claim id: %d", got)
	}
	backend.mu.Lock()
	price := backend.execPrices[0]
	backend.mu.Unlock()
	if price.Int64() != 7 {
		t.Fatalf("fixed gas price not forwarded: %s", price)
	}
}

func TestRunnerSkipsSettledClaims(t *testing.T) {
	queue := claim.NewMemoryQueue(16)
	defer queue.Close()
	backend := &fakeBackend{
		canExecFn: func(id uint64) error {
			if id == 1 {
				return claim.ErrClaimTerminal
			}
			return nil
		},
	}

	r := NewRunner(backend, queue, queue, runnerIdentity, big.NewInt(1), 100_000)
	stop := startRunner(t, r)
	defer stop()

	ctx := context.Background()
	if err := queue.Publish(ctx, 1); err != nil {
		t.Fatalf("publish: %v", err)
	}
	// 哨兵凭据在终态凭据之后消费，用于确认前者已被丢弃。
	if err := queue.Publish(ctx, 2); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, func() bool { return len(backend.calls()) == 1 }, "sentinel claim never executed")

	calls := backend.calls()
	if calls[0] != 2 {
		t.Fatalf("terminal claim must be dropped, executed %v", calls)
	}
}

func TestRunnerRepublishesRetryableFailure(t *testing.T) {
	queue := claim.NewMemoryQueue(16)
	defer queue.Close()
	backend := &fakeBackend{
		execFn: func(_ uint64, calls int) (*claim.ExecutionOutcome, error) {
			if calls == 1 {
				return nil, xerrors.New(xerrors.CodeDispatchFailure, "链上派发瞬时失败")
			}
			return &claim.ExecutionOutcome{GasUsed: 21_000}, nil
		},
	}

	r := NewRunner(backend, queue, queue, runnerIdentity, big.NewInt(1), 100_000,
		WithRetryDelay(10*time.Millisecond),
	)
	stop := startRunner(t, r)
	defer stop()

	if err := queue.Publish(context.Background(), 9); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, func() bool { return len(backend.calls()) == 2 }, "retryable failure was not republished")

	calls := backend.calls()
	if calls[0] != 9 || calls[1] != 9 {
		t.Fatalf("unexpected execution sequence: %v", calls)
	}
}

func TestRunnerAlertsOnTerminalFailure(t *testing.T) {
	queue := claim.NewMemoryQueue(16)
	defer queue.Close()
	backend := &fakeBackend{
		execFn: func(uint64, int) (*claim.ExecutionOutcome, error) {
			return nil, claim.ErrAttemptsExhausted
		},
	}
	alerter := &recordingAlerter{}

	r := NewRunner(backend, queue, queue, runnerIdentity, big.NewInt(1), 100_000,
		WithRunnerAlerter(alerter),
	)
	stop := startRunner(t, r)
	defer stop()

	if err := queue.Publish(context.Background(), 5); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, func() bool {
		alerter.mu.Lock()
		defer alerter.mu.Unlock()
		return len(alerter.events) == 1
	}, "terminal failure did not raise an alert")

	alerter.mu.Lock()
	event := alerter.events[0]
	alerter.mu.Unlock()
	if event.Code != claim.CodeAttemptsExhausted {
		t.Fatalf("unexpected alert code: %s", event.Code)
	}
	if event.ClaimID != 5 || event.Executor != runnerIdentity.Hex() {
		t.Fatalf("alert missing claim context: %+v", event)
	}
	if len(backend.calls()) != 1 {
		t.Fatal("terminal failure must not be retried")
	}
}

func TestRunnerPatrolRepublishesStalePending(t *testing.T) {
	queue := claim.NewMemoryQueue(16)
	defer queue.Close()
	store := claim.NewMemoryStore()
	backend := &fakeBackend{}

	// 凭据滞留在 Pending 且从未入队，模拟延迟重投丢失后的场景。
	c := &claim.ExecClaim{Provider: common.HexToAddress("0x2000000000000000000000000000000000000009")}
	if err := store.Mint(context.Background(), c); err != nil {
		t.Fatalf("mint: %v", err)
	}

	r := NewRunner(backend, queue, queue, runnerIdentity, big.NewInt(1), 100_000,
		WithRunnerPatrol(store, 20*time.Millisecond),
	)
	stop := startRunner(t, r)
	defer stop()

	waitFor(t, func() bool { return len(backend.calls()) >= 1 }, "stale pending claim was never rediscovered")

	if got := backend.calls()[0]; got != c.ID {
		t.Fatalf("patrol republished wrong claim: %d", got)
	}
}

func TestRunnerPrefersChainGasPrice(t *testing.T) {
	queue := claim.NewMemoryQueue(16)
	defer queue.Close()
	backend := &fakeBackend{}

	r := NewRunner(backend, queue, queue, runnerIdentity, big.NewInt(1), 100_000,
		WithGasPricer(&fixedPricer{price: big.NewInt(42)}),
	)
	stop := startRunner(t, r)
	defer stop()

	if err := queue.Publish(context.Background(), 3); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, func() bool { return len(backend.calls()) == 1 }, "claim never executed")

	backend.mu.Lock()
	price := backend.execPrices[0]
	backend.mu.Unlock()
	if price.Int64() != 42 {
		t.Fatalf("chain gas price not used: %s", price)
	}
}

func TestRunnerFallsBackToFixedGasPrice(t *testing.T) {
	queue := claim.NewMemoryQueue(16)
	defer queue.Close()
	backend := &fakeBackend{}

	r := NewRunner(backend, queue, queue, runnerIdentity, big.NewInt(11), 100_000,
		WithGasPricer(&fixedPricer{err: context.DeadlineExceeded}),
	)
	stop := startRunner(t, r)
	defer stop()

	if err := queue.Publish(context.Background(), 4); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, func() bool { return len(backend.calls()) == 1 }, "claim never executed")

	backend.mu.Lock()
	price := backend.execPrices[0]
	backend.mu.Unlock()
	if price.Int64() != 11 {
		t.Fatalf("fixed fallback price not used: %s", price)
	}
}
