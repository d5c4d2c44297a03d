package module

import (
	"math/big"
	"strings"

	"AutoExec-Chain/internal/claim"
	xerrors "AutoExec-Chain/internal/errors"
	"AutoExec-Chain/internal/web3"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const safeProxyABI = `[{"name":"execTransactionFromModule","type":"function","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"},{"name":"operation","type":"uint8"}]}]`

// 多签代理的调用方式：0 普通调用，1 委托调用。
const safeOperationDelegateCall = uint8(1)

// SafeProxyModule 适配多签/智能账户代理家族：动作调用被包进
// execTransactionFromModule 信封，由代理以 delegatecall 执行。
type SafeProxyModule struct {
	addr common.Address
	abi  abi.ABI
}

// NewSafeProxyModule 构造多签代理模块。
func NewSafeProxyModule(addr common.Address) (*SafeProxyModule, error) {
	parsed, err := abi.JSON(strings.NewReader(safeProxyABI))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNotInitialized, err, "解析 safe proxy ABI 失败")
	}
	return &SafeProxyModule{addr: addr, abi: parsed}, nil
}

// Address 实现 ProviderModule 接口。
func (m *SafeProxyModule) Address() common.Address {
	return m.addr
}

// ValidateClaim 实现 ProviderModule 接口。
func (m *SafeProxyModule) ValidateClaim(c *claim.ExecClaim) error {
	if c == nil {
		return ErrInvalidModuleData
	}
	if c.UserProxy == (common.Address{}) {
		return xerrors.Wrap(CodeInvalidModuleData, nil, "safe proxy 地址为空")
	}
	if c.Action == (common.Address{}) {
		return xerrors.Wrap(CodeInvalidModuleData, nil, "action 地址为空")
	}
	// 多签信封允许空 payload（无参动作）。
	return nil
}

// ExecPayload 实现 ProviderModule 接口。
func (m *SafeProxyModule) ExecPayload(c *claim.ExecClaim) (web3.CallSpec, error) {
	if err := m.ValidateClaim(c); err != nil {
		return web3.CallSpec{}, err
	}
	data, err := m.abi.Pack("execTransactionFromModule",
		c.Action,
		new(big.Int),
		[]byte(c.ActionPayload),
		safeOperationDelegateCall,
	)
	if err != nil {
		return web3.CallSpec{}, xerrors.Wrap(CodeInvalidModuleData, err, "编码 execTransactionFromModule 调用失败")
	}
	return web3.CallSpec{To: c.UserProxy, Data: data}, nil
}

var _ ProviderModule = (*SafeProxyModule)(nil)
