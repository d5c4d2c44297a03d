package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"AutoExec-Chain/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM dispatcher.
type Config struct {
	Name       string
	RPCURL     string
	PrivateKey string
	ChainID    int64
	Notes      string
}

// Dispatcher delivers proxy calls to an EVM compatible chain. Every call is
// pre-flighted with eth_call so a knowable revert never costs gas.
type Dispatcher struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	key       *ecdsa.PrivateKey
	from      common.Address
	chainID   *big.Int
	mu        sync.Mutex
}

// NewDispatcher dials the configured RPC endpoint and returns a ready-to-use
// dispatcher.
func NewDispatcher(ctx context.Context, cfg Config) (*Dispatcher, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	keyHex := strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x")
	if keyHex == "" {
		return nil, errors.New("未配置执行私钥")
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("解析执行私钥失败: %w", err)
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = eth.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("查询 chain id 失败: %w", err)
		}
	}

	return &Dispatcher{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       eth,
		key:       key,
		from:      crypto.PubkeyToAddress(key.PublicKey),
		chainID:   chainID,
	}, nil
}

// From returns the sender address transactions are signed with.
func (d *Dispatcher) From() common.Address {
	return d.from
}

// Dispatch implements web3.Dispatcher. The call is first simulated via
// eth_call; a simulated revert is returned as an error without submitting a
// transaction. Successful simulations are signed, submitted and awaited.
func (d *Dispatcher) Dispatch(ctx context.Context, call web3.CallSpec, gasPrice *big.Int, gasLimit uint64) (web3.DispatchResult, error) {
	to := call.To
	msg := gethcore.CallMsg{
		From:     d.from,
		To:       &to,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Value:    call.Value,
		Data:     call.Data,
	}
	if _, err := d.eth.CallContract(ctx, msg, nil); err != nil {
		return web3.DispatchResult{}, fmt.Errorf("预执行失败: %w", err)
	}

	// 同一发送账户的 nonce 分配需要串行化。
	d.mu.Lock()
	defer d.mu.Unlock()

	nonce, err := d.eth.PendingNonceAt(ctx, d.from)
	if err != nil {
		return web3.DispatchResult{}, fmt.Errorf("查询 nonce 失败: %w", err)
	}

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &to,
		Value:    call.Value,
		Data:     call.Data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(d.chainID), d.key)
	if err != nil {
		return web3.DispatchResult{}, fmt.Errorf("签名交易失败: %w", err)
	}
	if err := d.eth.SendTransaction(ctx, signed); err != nil {
		return web3.DispatchResult{}, fmt.Errorf("提交交易失败: %w", err)
	}

	receipt, err := bind.WaitMined(ctx, d.eth, signed)
	if err != nil {
		return web3.DispatchResult{}, fmt.Errorf("等待交易回执失败: %w", err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return web3.DispatchResult{}, fmt.Errorf("交易 %s 执行回滚", signed.Hash().Hex())
	}
	return web3.DispatchResult{TxHash: signed.Hash(), GasUsed: receipt.GasUsed}, nil
}

// SuggestGasPrice forwards the node's gas price oracle.
func (d *Dispatcher) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return d.eth.SuggestGasPrice(ctx)
}

// Close releases the underlying RPC connection.
func (d *Dispatcher) Close() error {
	if d == nil || d.rpcClient == nil {
		return nil
	}
	d.rpcClient.Close()
	return nil
}

var _ web3.Dispatcher = (*Dispatcher)(nil)
