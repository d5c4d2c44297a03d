package condition

import (
	"context"
	"fmt"
	"sync"

	xerrors "AutoExec-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Condition 是外部实现的条件谓词能力：对当前链上状态求值，
// 不允许产生任何副作用。
type Condition interface {
	Evaluate(ctx context.Context, payload hexutil.Bytes) (bool, error)
}

const (
	CodeNotMet          xerrors.Code = "CONDITION_NOT_MET"
	CodeEvaluationError xerrors.Code = "CONDITION_EVALUATION_ERROR"
)

var (
	// ErrNotMet 表示条件当前不成立，稍后可以重试。
	ErrNotMet = xerrors.New(CodeNotMet, "condition not met")
	// ErrEvaluation 表示外部条件实现异常。异常条件不得拖垮引擎，
	// 因此统一折叠为该错误而非向上传播崩溃。
	ErrEvaluation = xerrors.New(CodeEvaluationError, "condition evaluation error")
)

func init() {
	xerrors.Register(CodeNotMet, xerrors.Attributes{
		Message:   "condition not met",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
	})
	xerrors.Register(CodeEvaluationError, xerrors.Attributes{
		Message:   "condition evaluation error",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// Registry 按地址登记条件实现。新的条件变体在启动阶段注册，
// 无需改动执行引擎。
type Registry struct {
	mu         sync.RWMutex
	conditions map[common.Address]Condition
}

// NewRegistry 创建空的条件注册表。
func NewRegistry() *Registry {
	return &Registry{conditions: make(map[common.Address]Condition)}
}

// Register 登记一个条件实现，重复地址时覆盖。
func (r *Registry) Register(addr common.Address, cond Condition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conditions[addr] = cond
}

// Resolve 返回地址对应的条件实现。
func (r *Registry) Resolve(addr common.Address) (Condition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cond, ok := r.conditions[addr]
	return cond, ok
}

// Evaluator 对凭据绑定的条件做只读预检。
type Evaluator struct {
	registry *Registry
}

// NewEvaluator 构造 Evaluator。
func NewEvaluator(registry *Registry) *Evaluator {
	return &Evaluator{registry: registry}
}

// Check 对指定条件求值。零地址恒为通过；未注册、求值报错或
// panic 都折叠为 ErrEvaluation。
func (e *Evaluator) Check(ctx context.Context, addr common.Address, payload hexutil.Bytes) (err error) {
	if addr == (common.Address{}) {
		return nil
	}
	if e == nil || e.registry == nil {
		return xerrors.Wrap(CodeEvaluationError, nil, "条件注册表未初始化")
	}
	cond, ok := e.registry.Resolve(addr)
	if !ok {
		return xerrors.Wrap(CodeEvaluationError, nil, fmt.Sprintf("条件 %s 未注册", addr.Hex()))
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			err = xerrors.Wrap(CodeEvaluationError, fmt.Errorf("panic: %v", recovered), "条件求值崩溃")
		}
	}()

	ok, evalErr := cond.Evaluate(ctx, payload)
	if evalErr != nil {
		return xerrors.Wrap(CodeEvaluationError, evalErr, "条件求值失败")
	}
	if !ok {
		return ErrNotMet
	}
	return nil
}
