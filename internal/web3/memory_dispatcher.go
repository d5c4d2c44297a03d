package web3

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ProxyHandler simulates a user proxy account. It receives the raw call
// payload and returns the gas the call consumed, or an error when the
// proxied call reverts.
type ProxyHandler func(ctx context.Context, call CallSpec) (gasUsed uint64, err error)

// MemoryDispatcher routes calls to in-process proxy handlers. It backs
// local runs and tests where no chain endpoint is available.
type MemoryDispatcher struct {
	mu      sync.RWMutex
	proxies map[common.Address]ProxyHandler
	nonce   uint64
}

// NewMemoryDispatcher constructs an empty in-memory dispatcher.
func NewMemoryDispatcher() *MemoryDispatcher {
	return &MemoryDispatcher{proxies: make(map[common.Address]ProxyHandler)}
}

// RegisterProxy installs a handler for the given proxy address, replacing
// any previous handler.
func (d *MemoryDispatcher) RegisterProxy(addr common.Address, handler ProxyHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.proxies[addr] = handler
}

// Dispatch implements the Dispatcher interface.
func (d *MemoryDispatcher) Dispatch(ctx context.Context, call CallSpec, gasPrice *big.Int, gasLimit uint64) (DispatchResult, error) {
	d.mu.Lock()
	handler, ok := d.proxies[call.To]
	d.nonce++
	nonce := d.nonce
	d.mu.Unlock()

	if !ok {
		return DispatchResult{}, fmt.Errorf("no proxy registered at %s", call.To.Hex())
	}
	gasUsed, err := handler(ctx, call)
	if err != nil {
		return DispatchResult{}, err
	}
	if gasLimit > 0 && gasUsed > gasLimit {
		return DispatchResult{}, fmt.Errorf("proxy %s consumed %d gas above limit %d", call.To.Hex(), gasUsed, gasLimit)
	}
	txHash := common.BytesToHash(crypto.Keccak256(call.To.Bytes(), call.Data, new(big.Int).SetUint64(nonce).Bytes()))
	return DispatchResult{TxHash: txHash, GasUsed: gasUsed}, nil
}

// Close implements the Dispatcher interface.
func (d *MemoryDispatcher) Close() error {
	return nil
}

var _ Dispatcher = (*MemoryDispatcher)(nil)
