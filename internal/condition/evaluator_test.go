package condition

import (
	"context"
	stdErrors "errors"
	"testing"

	xerrors "AutoExec-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

type stubCondition struct {
	met   bool
	err   error
	panic bool
}

func (s stubCondition) Evaluate(context.Context, hexutil.Bytes) (bool, error) {
	if s.panic {
		panic("condition exploded")
	}
	return s.met, s.err
}

func TestCheckZeroAddressIsUnconditional(t *testing.T) {
	e := NewEvaluator(NewRegistry())
	if err := e.Check(context.Background(), common.Address{}, nil); err != nil {
		t.Fatalf("zero condition must always pass, got %v", err)
	}
}

func TestCheckConditionNotMet(t *testing.T) {
	registry := NewRegistry()
	addr := common.HexToAddress("0x01")
	registry.Register(addr, stubCondition{met: false})

	err := NewEvaluator(registry).Check(context.Background(), addr, nil)
	if !stdErrors.Is(err, ErrNotMet) {
		t.Fatalf("expected ErrNotMet, got %v", err)
	}
	if !xerrors.RetryableError(err) {
		t.Fatal("condition not met must be retryable")
	}
}

func TestCheckConditionMet(t *testing.T) {
	registry := NewRegistry()
	addr := common.HexToAddress("0x02")
	registry.Register(addr, stubCondition{met: true})

	if err := NewEvaluator(registry).Check(context.Background(), addr, nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestCheckUnregisteredCondition(t *testing.T) {
	err := NewEvaluator(NewRegistry()).Check(context.Background(), common.HexToAddress("0x03"), nil)
	if xerrors.CodeOf(err) != CodeEvaluationError {
		t.Fatalf("expected evaluation error, got %v", err)
	}
}

func TestCheckEvaluationError(t *testing.T) {
	registry := NewRegistry()
	addr := common.HexToAddress("0x04")
	registry.Register(addr, stubCondition{err: stdErrors.New("rpc down")})

	err := NewEvaluator(registry).Check(context.Background(), addr, nil)
	if xerrors.CodeOf(err) != CodeEvaluationError {
		t.Fatalf("expected evaluation error, got %v", err)
	}
}

func TestCheckRecoversPanic(t *testing.T) {
	registry := NewRegistry()
	addr := common.HexToAddress("0x05")
	registry.Register(addr, stubCondition{panic: true})

	err := NewEvaluator(registry).Check(context.Background(), addr, nil)
	if xerrors.CodeOf(err) != CodeEvaluationError {
		t.Fatalf("expected panic to fold into evaluation error, got %v", err)
	}
}
