package web3

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// CallSpec is the concrete call a provider module derives from an exec
// claim: the proxy account to invoke and the payload to deliver to it.
type CallSpec struct {
	To    common.Address `json:"to"`
	Data  hexutil.Bytes  `json:"data"`
	Value *big.Int       `json:"value,omitempty"`
}

// DispatchResult captures the gas accounting of a delivered call.
type DispatchResult struct {
	TxHash  common.Hash `json:"tx_hash"`
	GasUsed uint64      `json:"gas_used"`
}

// Dispatcher delivers a call to its destination proxy under the supplied
// gas constraints. A failed or reverting call must surface as an error,
// never as a partial result.
type Dispatcher interface {
	Dispatch(ctx context.Context, call CallSpec, gasPrice *big.Int, gasLimit uint64) (DispatchResult, error)
	Close() error
}
