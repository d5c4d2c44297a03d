package module

import (
	"strings"

	"AutoExec-Chain/internal/claim"
	xerrors "AutoExec-Chain/internal/errors"
	"AutoExec-Chain/internal/web3"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const userProxyABI = `[{"name":"execute","type":"function","inputs":[{"name":"action","type":"address"},{"name":"data","type":"bytes"}]}]`

// UserProxyModule 适配通用用户代理账户：代理暴露
// execute(address,bytes)，由代理以自身权限转发动作调用。
type UserProxyModule struct {
	addr common.Address
	abi  abi.ABI
}

// NewUserProxyModule 构造通用用户代理模块。
func NewUserProxyModule(addr common.Address) (*UserProxyModule, error) {
	parsed, err := abi.JSON(strings.NewReader(userProxyABI))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNotInitialized, err, "解析 user proxy ABI 失败")
	}
	return &UserProxyModule{addr: addr, abi: parsed}, nil
}

// Address 实现 ProviderModule 接口。
func (m *UserProxyModule) Address() common.Address {
	return m.addr
}

// ValidateClaim 实现 ProviderModule 接口。
func (m *UserProxyModule) ValidateClaim(c *claim.ExecClaim) error {
	if c == nil {
		return ErrInvalidModuleData
	}
	if c.UserProxy == (common.Address{}) {
		return xerrors.Wrap(CodeInvalidModuleData, nil, "user proxy 地址为空")
	}
	if c.Action == (common.Address{}) {
		return xerrors.Wrap(CodeInvalidModuleData, nil, "action 地址为空")
	}
	if len(c.ActionPayload) == 0 {
		return xerrors.Wrap(CodeInvalidModuleData, nil, "action payload 为空")
	}
	return nil
}

// ExecPayload 实现 ProviderModule 接口。
func (m *UserProxyModule) ExecPayload(c *claim.ExecClaim) (web3.CallSpec, error) {
	if err := m.ValidateClaim(c); err != nil {
		return web3.CallSpec{}, err
	}
	data, err := m.abi.Pack("execute", c.Action, []byte(c.ActionPayload))
	if err != nil {
		return web3.CallSpec{}, xerrors.Wrap(CodeInvalidModuleData, err, "编码 execute 调用失败")
	}
	return web3.CallSpec{To: c.UserProxy, Data: data}, nil
}

var _ ProviderModule = (*UserProxyModule)(nil)
