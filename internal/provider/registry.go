package provider

import (
	"math/big"
	"sync"

	xerrors "AutoExec-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// Capability 是服务商授权的 (Condition, Action, ProviderModule) 组合。
// Condition 为零地址表示无条件任务。
type Capability struct {
	Condition common.Address `json:"condition"`
	Action    common.Address `json:"action"`
	Module    common.Address `json:"module"`
}

const (
	CodeInvalidCapability xerrors.Code = "PROVIDER_INVALID_CAPABILITY"
	CodeInsufficientFunds xerrors.Code = "PROVIDER_INSUFFICIENT_FUNDS"
)

var (
	// ErrRedundant 表示重复添加或移除不存在的能力组合。显式报错而非
	// 静默忽略，便于暴露调用方的配置错误。
	ErrRedundant = xerrors.New(xerrors.CodeRedundant, "capability registration redundant")
	// ErrInvalidCapability 表示能力组合未被服务商授权。
	ErrInvalidCapability = xerrors.New(CodeInvalidCapability, "capability not whitelisted")
	// ErrInsufficientBalance 表示提现金额超出可用余额。
	ErrInsufficientBalance = xerrors.New(xerrors.CodeInvalidArgument, "insufficient withdrawable balance")
	// ErrInsufficientFunds 表示服务商存款不足以覆盖执行费用预留。
	ErrInsufficientFunds = xerrors.New(CodeInsufficientFunds, "provider funds below fee reservation")
)

func init() {
	xerrors.Register(CodeInvalidCapability, xerrors.Attributes{
		Message:  "capability not whitelisted",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{
		Message:   "provider funds below fee reservation",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// Registry 管理服务商的能力白名单与存款余额。余额只会被本类型的
// 方法修改：Deposit/Withdraw 由服务商触发，Reserve/Commit/Release
// 由费用结算路径在执行原子门内触发。
type Registry struct {
	mu           sync.RWMutex
	capabilities map[common.Address]map[Capability]struct{}
	balances     map[common.Address]*big.Int
	reserved     map[common.Address]*big.Int
	earnings     map[common.Address]*big.Int
}

// NewRegistry 创建空的服务商注册表。
func NewRegistry() *Registry {
	return &Registry{
		capabilities: make(map[common.Address]map[Capability]struct{}),
		balances:     make(map[common.Address]*big.Int),
		reserved:     make(map[common.Address]*big.Int),
		earnings:     make(map[common.Address]*big.Int),
	}
}

// AddCapabilities 为服务商添加能力组合。任一组合已存在时整体失败。
func (r *Registry) AddCapabilities(provider common.Address, caps ...Capability) error {
	if len(caps) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "能力列表不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.capabilities[provider]
	if !ok {
		set = make(map[Capability]struct{})
	}
	for _, cap := range caps {
		if _, exists := set[cap]; exists {
			return ErrRedundant
		}
	}
	for _, cap := range caps {
		set[cap] = struct{}{}
	}
	r.capabilities[provider] = set
	return nil
}

// RemoveCapabilities 移除能力组合。任一组合不存在时整体失败。
func (r *Registry) RemoveCapabilities(provider common.Address, caps ...Capability) error {
	if len(caps) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "能力列表不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.capabilities[provider]
	if !ok {
		return ErrRedundant
	}
	for _, cap := range caps {
		if _, exists := set[cap]; !exists {
			return ErrRedundant
		}
	}
	for _, cap := range caps {
		delete(set, cap)
	}
	return nil
}

// IsWhitelisted 查询能力组合是否在白名单中。
func (r *Registry) IsWhitelisted(provider common.Address, cap Capability) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.capabilities[provider]
	if !ok {
		return false
	}
	_, exists := set[cap]
	return exists
}

// Capabilities 返回服务商当前授权的全部能力组合。
func (r *Registry) Capabilities(provider common.Address) []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.capabilities[provider]
	caps := make([]Capability, 0, len(set))
	for cap := range set {
		caps = append(caps, cap)
	}
	return caps
}

// Deposit 为服务商充值。金额必须为正。
func (r *Registry) Deposit(provider common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "充值金额必须为正")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	balance := r.balances[provider]
	if balance == nil {
		balance = new(big.Int)
	}
	r.balances[provider] = new(big.Int).Add(balance, amount)
	return nil
}

// Withdraw 提取服务商存款。已被执行预留占用的部分不可提取，
// 保证在途执行的费用始终有足额保障。
func (r *Registry) Withdraw(provider common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "提现金额必须为正")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	available := r.availableLocked(provider)
	if available.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	r.balances[provider] = new(big.Int).Sub(r.balances[provider], amount)
	return nil
}

// Balance 返回服务商当前存款总额。
func (r *Registry) Balance(provider common.Address) *big.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	balance := r.balances[provider]
	if balance == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(balance)
}

// Reserve 在动作派发前预留最大可能费用。存款不足时拒绝，调用方
// 不得在未预留成功的情况下派发动作。
func (r *Registry) Reserve(provider common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "预留金额非法")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	available := r.availableLocked(provider)
	if available.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	reserved := r.reserved[provider]
	if reserved == nil {
		reserved = new(big.Int)
	}
	r.reserved[provider] = new(big.Int).Add(reserved, amount)
	return nil
}

// Commit 结算实际费用：从预留中释放 reserved，从存款扣除 actual，
// 并把 actual 记入执行者的收益。actual 不得超过 reserved。
func (r *Registry) Commit(provider, executor common.Address, actual, reserved *big.Int) error {
	if actual == nil || reserved == nil || actual.Sign() < 0 || actual.Cmp(reserved) > 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "结算金额非法")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.releaseLocked(provider, reserved); err != nil {
		return err
	}
	balance := r.balances[provider]
	if balance == nil || balance.Cmp(actual) < 0 {
		return ErrInsufficientFunds
	}
	r.balances[provider] = new(big.Int).Sub(balance, actual)

	earnings := r.earnings[executor]
	if earnings == nil {
		earnings = new(big.Int)
	}
	r.earnings[executor] = new(big.Int).Add(earnings, actual)
	return nil
}

// Release 在派发失败时解除预留，不产生任何扣款。
func (r *Registry) Release(provider common.Address, reserved *big.Int) error {
	if reserved == nil || reserved.Sign() < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "释放金额非法")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.releaseLocked(provider, reserved)
}

// Earnings 返回执行者累计的费用收益。
func (r *Registry) Earnings(executor common.Address) *big.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	earnings := r.earnings[executor]
	if earnings == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(earnings)
}

func (r *Registry) availableLocked(provider common.Address) *big.Int {
	balance := r.balances[provider]
	if balance == nil {
		balance = new(big.Int)
	}
	reserved := r.reserved[provider]
	if reserved == nil {
		reserved = new(big.Int)
	}
	return new(big.Int).Sub(balance, reserved)
}

func (r *Registry) releaseLocked(provider common.Address, amount *big.Int) error {
	reserved := r.reserved[provider]
	if reserved == nil || reserved.Cmp(amount) < 0 {
		return xerrors.New(xerrors.CodeConflict, "释放金额超过预留总额")
	}
	r.reserved[provider] = new(big.Int).Sub(reserved, amount)
	return nil
}
