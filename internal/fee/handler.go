package fee

import (
	"math/big"

	"AutoExec-Chain/internal/provider"

	"github.com/ethereum/go-ethereum/common"
)

// 万分比基数。
const bpsDenominator = 10000

// Handler 计算并结算执行者的报酬。费用 = gas 消耗 × gas 价格 ×
// (1 + markup)，markup 以万分比配置，是可变的网络参数而非协议常量。
type Handler struct {
	funds     *provider.Registry
	markupBps int64
}

// NewHandler 构造费用结算器。
func NewHandler(funds *provider.Registry, markupBps int64) *Handler {
	if markupBps < 0 {
		markupBps = 0
	}
	return &Handler{funds: funds, markupBps: markupBps}
}

// MaxFee 返回在给定 gas 上限与价格下的最大可能费用，派发前按此
// 金额预留服务商存款。
func (h *Handler) MaxFee(gasLimit uint64, gasPrice *big.Int) *big.Int {
	return h.Compute(gasLimit, gasPrice)
}

// Compute 按实际 gas 消耗计算费用。
func (h *Handler) Compute(gasUsed uint64, gasPrice *big.Int) *big.Int {
	if gasPrice == nil {
		return new(big.Int)
	}
	fee := new(big.Int).Mul(new(big.Int).SetUint64(gasUsed), gasPrice)
	fee.Mul(fee, big.NewInt(bpsDenominator+h.markupBps))
	fee.Div(fee, big.NewInt(bpsDenominator))
	return fee
}

// Reserve 在动作派发前为本次执行预留最大费用。
func (h *Handler) Reserve(providerAddr common.Address, maxFee *big.Int) error {
	return h.funds.Reserve(providerAddr, maxFee)
}

// Settle 在派发成功后按实际消耗结算：扣除服务商存款、释放预留、
// 将费用记入执行者收益。与动作派发共同构成全有或全无的结算。
func (h *Handler) Settle(providerAddr, executor common.Address, gasUsed uint64, gasPrice, reserved *big.Int) (*big.Int, error) {
	actual := h.Compute(gasUsed, gasPrice)
	if actual.Cmp(reserved) > 0 {
		// 实际消耗受 gas 上限约束，费用不应超过预留额。
		actual = new(big.Int).Set(reserved)
	}
	if err := h.funds.Commit(providerAddr, executor, actual, reserved); err != nil {
		return nil, err
	}
	return actual, nil
}

// Release 在派发失败时解除预留，保证失败路径零费用。
func (h *Handler) Release(providerAddr common.Address, reserved *big.Int) error {
	return h.funds.Release(providerAddr, reserved)
}
