package claim

import (
	"context"
	stdErrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func newTestClaim(provider string) *ExecClaim {
	return &ExecClaim{
		Provider:       common.HexToAddress(provider),
		ProviderModule: common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		UserProxy:      common.HexToAddress("0x00000000000000000000000000000000000000b2"),
		Action:         common.HexToAddress("0x00000000000000000000000000000000000000c3"),
		MaxAttempts:    3,
	}
}

func TestMemoryStoreLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	c := newTestClaim("0x01")
	if err := store.Mint(ctx, c); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if c.ID == 0 {
		t.Fatal("expected mint to assign a claim id")
	}

	begun, err := store.Begin(ctx, c.ID)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if begun.Status != StatusExecuting || begun.Attempts != 1 {
		t.Fatalf("unexpected claim after begin: %+v", begun)
	}

	outcome := ExecutionOutcome{EventID: "evt-1", TxHash: "0xabc", GasUsed: 21000, Fee: "100"}
	if err := store.MarkExecuted(ctx, c.ID, outcome); err != nil {
		t.Fatalf("mark executed: %v", err)
	}
	got, err := store.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusExecuted || got.Outcome == nil || got.Outcome.EventID != "evt-1" {
		t.Fatalf("unexpected executed claim: %+v", got)
	}

	// 终态后任何迁移都被拒绝。撤销只针对 Pending 凭据。
	if err := store.Revoke(ctx, c.ID); !stdErrors.Is(err, ErrClaimNotPending) {
		t.Fatalf("expected ErrClaimNotPending on revoke, got %v", err)
	}
	if _, err := store.Begin(ctx, c.ID); !stdErrors.Is(err, ErrClaimTerminal) {
		t.Fatalf("expected ErrClaimTerminal on begin, got %v", err)
	}
}

func TestMemoryStoreBeginSerializesExecution(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	c := newTestClaim("0x02")
	if err := store.Mint(ctx, c); err != nil {
		t.Fatalf("mint: %v", err)
	}

	const racers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Begin(ctx, c.ID); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one begin to win, got %d", wins)
	}
}

func TestMemoryStoreRequeueAndExhaustion(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	c := newTestClaim("0x03")
	c.MaxAttempts = 2
	if err := store.Mint(ctx, c); err != nil {
		t.Fatalf("mint: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := store.Begin(ctx, c.ID); err != nil {
			t.Fatalf("begin attempt %d: %v", i+1, err)
		}
		if err := store.Requeue(ctx, c.ID, CodeClaimNotPending, "boom"); err != nil {
			t.Fatalf("requeue attempt %d: %v", i+1, err)
		}
	}

	if _, err := store.Begin(ctx, c.ID); !stdErrors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("expected ErrAttemptsExhausted, got %v", err)
	}
	got, err := store.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusFailed || got.ErrorCode != string(CodeAttemptsExhausted) {
		t.Fatalf("expected terminal failed claim, got %+v", got)
	}
}

func TestMemoryStoreZeroMaxAttemptsUnlimited(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	c := newTestClaim("0x04")
	c.MaxAttempts = 0
	if err := store.Mint(ctx, c); err != nil {
		t.Fatalf("mint: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := store.Begin(ctx, c.ID); err != nil {
			t.Fatalf("begin attempt %d: %v", i+1, err)
		}
		if err := store.Requeue(ctx, c.ID, CodeClaimNotPending, "retry"); err != nil {
			t.Fatalf("requeue attempt %d: %v", i+1, err)
		}
	}
}

func TestMemoryStoreMarkExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	c := newTestClaim("0x07")
	if err := store.Mint(ctx, c); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := store.Begin(ctx, c.ID); err != nil {
		t.Fatalf("begin: %v", err)
	}

	// 执行中发现过期的凭据迁移到 Expired 终态。
	if err := store.MarkExpired(ctx, c.ID); err != nil {
		t.Fatalf("mark expired: %v", err)
	}
	got, err := store.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusExpired || got.ErrorCode != string(CodeClaimExpired) {
		t.Fatalf("unexpected expired claim: %+v", got)
	}

	if err := store.MarkExpired(ctx, c.ID); !stdErrors.Is(err, ErrClaimTerminal) {
		t.Fatalf("expected ErrClaimTerminal on second mark, got %v", err)
	}
	if err := store.MarkExpired(ctx, 999); !stdErrors.Is(err, ErrClaimNotFound) {
		t.Fatalf("expected ErrClaimNotFound, got %v", err)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	clock := time.Now().Unix()
	store.now = func() int64 { return clock }

	c := newTestClaim("0x05")
	c.ExpiryDate = clock + 60
	if err := store.Mint(ctx, c); err != nil {
		t.Fatalf("mint: %v", err)
	}

	// 截止时间一到，Begin 懒惰地把凭据标为过期终态。
	clock += 61
	if _, err := store.Begin(ctx, c.ID); !stdErrors.Is(err, ErrClaimExpired) {
		t.Fatalf("expected ErrClaimExpired, got %v", err)
	}
	got, err := store.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("expected expired status, got %s", got.Status)
	}
}

func TestMemoryStoreMintRejectsPastExpiry(t *testing.T) {
	store := NewMemoryStore()
	c := newTestClaim("0x06")
	c.ExpiryDate = time.Now().Unix() - 10
	if err := store.Mint(context.Background(), c); !stdErrors.Is(err, ErrInvalidExpiry) {
		t.Fatalf("expected ErrInvalidExpiry, got %v", err)
	}
}

func TestMemoryStoreRevoke(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	c := newTestClaim("0x07")
	if err := store.Mint(ctx, c); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := store.Revoke(ctx, c.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	// 已撤销的凭据不再处于 Pending，重复撤销返回 NotPending。
	if err := store.Revoke(ctx, c.ID); !stdErrors.Is(err, ErrClaimNotPending) {
		t.Fatalf("expected ErrClaimNotPending on second revoke, got %v", err)
	}
	if _, err := store.Begin(ctx, c.ID); !stdErrors.Is(err, ErrClaimRevoked) {
		t.Fatalf("expected ErrClaimRevoked on begin, got %v", err)
	}
}

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	providerA := common.HexToAddress("0x0a")

	first := newTestClaim("0x0a")
	second := newTestClaim("0x0a")
	third := newTestClaim("0x0b")
	for i, c := range []*ExecClaim{first, second, third} {
		if err := store.Mint(ctx, c); err != nil {
			t.Fatalf("mint claim %d: %v", i+1, err)
		}
	}

	if _, err := store.Begin(ctx, second.ID); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := store.MarkFailed(ctx, second.ID, CodeClaimNotPending, "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	store.mu.Lock()
	base := time.Now().Add(-2 * time.Minute).Unix()
	store.claims[first.ID].UpdatedAt = base
	store.claims[second.ID].UpdatedAt = base + 30
	store.claims[third.ID].UpdatedAt = base + 60
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 claims, got %d", len(all))
	}
	if all[0].ID != third.ID {
		t.Fatalf("expected newest claim first, got %d", all[0].ID)
	}

	failed, err := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != second.ID {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	byProvider, err := store.List(ctx, buildListOptions([]ListOption{WithProvider(providerA)}))
	if err != nil {
		t.Fatalf("list by provider: %v", err)
	}
	if len(byProvider) != 2 {
		t.Fatalf("expected 2 claims for provider %s, got %d", providerA.Hex(), len(byProvider))
	}

	since := time.Unix(base+15, 0)
	recent, err := store.List(ctx, buildListOptions([]ListOption{WithUpdatedSince(since)}))
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 claims to match since filter, got %d", len(recent))
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 2 || stats.Failed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
