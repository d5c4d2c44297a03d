package module

import (
	"fmt"
	"sync"

	"AutoExec-Chain/internal/claim"
	xerrors "AutoExec-Chain/internal/errors"
	"AutoExec-Chain/internal/web3"

	"github.com/ethereum/go-ethereum/common"
)

// ProviderModule 把通用执行协议适配到一类具体的代理账户：
// 校验凭据形状是否与该账户家族兼容，并构造最终派发的调用。
// 新的账户家族通过注册新变体接入，执行引擎无需改动。
type ProviderModule interface {
	// Address 返回该模块变体的标识地址。
	Address() common.Address
	// ValidateClaim 校验凭据的 userProxy / actionPayload 形状。
	ValidateClaim(c *claim.ExecClaim) error
	// ExecPayload 根据凭据构造派发到用户代理的具体调用。
	ExecPayload(c *claim.ExecClaim) (web3.CallSpec, error)
}

const (
	CodeInvalidModuleData xerrors.Code = "MODULE_INVALID_DATA"
	CodeModuleNotFound    xerrors.Code = "MODULE_NOT_FOUND"
)

var (
	// ErrInvalidModuleData 表示凭据形状与其模块变体不兼容。
	ErrInvalidModuleData = xerrors.New(CodeInvalidModuleData, "claim shape incompatible with provider module")
	// ErrModuleNotFound 表示凭据引用了未注册的模块变体。
	ErrModuleNotFound = xerrors.New(CodeModuleNotFound, "provider module not registered")
)

func init() {
	xerrors.Register(CodeInvalidModuleData, xerrors.Attributes{
		Message:  "claim shape incompatible with provider module",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeModuleNotFound, xerrors.Attributes{
		Message:  "provider module not registered",
		Severity: xerrors.SeverityInfo,
	})
}

// Registry 按地址登记模块变体。
type Registry struct {
	mu      sync.RWMutex
	modules map[common.Address]ProviderModule
}

// NewRegistry 创建空的模块注册表。
func NewRegistry() *Registry {
	return &Registry{modules: make(map[common.Address]ProviderModule)}
}

// Register 登记一个模块变体。
func (r *Registry) Register(m ProviderModule) {
	if m == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[m.Address()] = m
}

// Resolve 返回地址对应的模块变体。
func (r *Registry) Resolve(addr common.Address) (ProviderModule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[addr]
	if !ok {
		return nil, xerrors.Wrap(CodeModuleNotFound, nil, fmt.Sprintf("模块 %s 未注册", addr.Hex()))
	}
	return m, nil
}

// Addresses 返回当前注册的所有模块地址。
func (r *Registry) Addresses() []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addrs := make([]common.Address, 0, len(r.modules))
	for addr := range r.modules {
		addrs = append(addrs, addr)
	}
	return addrs
}
