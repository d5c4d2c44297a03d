package fee

import (
	"math/big"
	"testing"

	"AutoExec-Chain/internal/provider"

	"github.com/ethereum/go-ethereum/common"
)

var (
	providerAddr = common.HexToAddress("0x01")
	executorAddr = common.HexToAddress("0x02")
)

func TestComputeAppliesMarkup(t *testing.T) {
	h := NewHandler(provider.NewRegistry(), 1000)

	// 50000 gas × 2 wei × 1.1 = 110000
	got := h.Compute(50_000, big.NewInt(2))
	if got.Int64() != 110_000 {
		t.Fatalf("unexpected fee: %s", got)
	}

	zeroMarkup := NewHandler(provider.NewRegistry(), 0)
	if zeroMarkup.Compute(50_000, big.NewInt(2)).Int64() != 100_000 {
		t.Fatal("zero markup must charge raw gas cost")
	}
	if h.Compute(0, big.NewInt(2)).Sign() != 0 {
		t.Fatal("zero gas must cost nothing")
	}
	if h.Compute(100, nil).Sign() != 0 {
		t.Fatal("nil gas price must cost nothing")
	}
}

func TestMaxFeeMatchesComputeAtLimit(t *testing.T) {
	h := NewHandler(provider.NewRegistry(), 500)
	gasPrice := big.NewInt(3)
	if h.MaxFee(80_000, gasPrice).Cmp(h.Compute(80_000, gasPrice)) != 0 {
		t.Fatal("max fee must equal the fee at full gas limit")
	}
}

func TestSettleCapsAtReservation(t *testing.T) {
	funds := provider.NewRegistry()
	if err := funds.Deposit(providerAddr, big.NewInt(1_000_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	h := NewHandler(funds, 0)

	reserved := h.MaxFee(100, big.NewInt(10))
	if err := h.Reserve(providerAddr, reserved); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// 实际消耗低于上限，只结算实际费用。
	actual, err := h.Settle(providerAddr, executorAddr, 60, big.NewInt(10), reserved)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if actual.Int64() != 600 {
		t.Fatalf("unexpected actual fee: %s", actual)
	}
	if funds.Balance(providerAddr).Int64() != 1_000_000-600 {
		t.Fatalf("unexpected balance: %s", funds.Balance(providerAddr))
	}
	if funds.Earnings(executorAddr).Int64() != 600 {
		t.Fatalf("unexpected earnings: %s", funds.Earnings(executorAddr))
	}

	// 实际费用超出预留额时按预留额封顶。
	capped := big.NewInt(500)
	if err := h.Reserve(providerAddr, capped); err != nil {
		t.Fatalf("reserve capped: %v", err)
	}
	actual, err = h.Settle(providerAddr, executorAddr, 100, big.NewInt(10), capped)
	if err != nil {
		t.Fatalf("settle capped: %v", err)
	}
	if actual.Cmp(capped) != 0 {
		t.Fatalf("fee must be capped at the reservation: %s", actual)
	}
}

func TestReleaseLeavesBalanceUntouched(t *testing.T) {
	funds := provider.NewRegistry()
	if err := funds.Deposit(providerAddr, big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	h := NewHandler(funds, 0)

	reserved := big.NewInt(800)
	if err := h.Reserve(providerAddr, reserved); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := h.Release(providerAddr, reserved); err != nil {
		t.Fatalf("release: %v", err)
	}
	if funds.Balance(providerAddr).Int64() != 1000 {
		t.Fatal("release must not charge the provider")
	}
}
