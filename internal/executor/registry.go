package executor

import (
	"sync"

	xerrors "AutoExec-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrNotPermissioned 表示执行者身份不在许可名单中。
	ErrNotPermissioned = xerrors.New(xerrors.CodeNotAuthorized, "executor not permissioned")
)

// Registry 维护当前许可的执行者身份集合。
type Registry struct {
	mu        sync.RWMutex
	executors map[common.Address]struct{}
}

// NewRegistry 创建空的执行者注册表。
func NewRegistry() *Registry {
	return &Registry{executors: make(map[common.Address]struct{})}
}

// Add 许可一个执行者身份。重复添加返回 Redundant。
func (r *Registry) Add(identity common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.executors[identity]; ok {
		return xerrors.New(xerrors.CodeRedundant, "executor already permissioned")
	}
	r.executors[identity] = struct{}{}
	return nil
}

// Remove 取消一个执行者的许可。不存在时返回 Redundant。
func (r *Registry) Remove(identity common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.executors[identity]; !ok {
		return xerrors.New(xerrors.CodeRedundant, "executor not permissioned")
	}
	delete(r.executors, identity)
	return nil
}

// IsPermissioned 查询执行者是否被许可。
func (r *Registry) IsPermissioned(identity common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[identity]
	return ok
}

// List 返回当前许可的全部执行者。
func (r *Registry) List() []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	identities := make([]common.Address, 0, len(r.executors))
	for identity := range r.executors {
		identities = append(identities, identity)
	}
	return identities
}
