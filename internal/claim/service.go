package claim

import (
	"context"
	"log/slog"
	"time"

	xerrors "AutoExec-Chain/internal/errors"
	"AutoExec-Chain/internal/provider"
	"AutoExec-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// CapabilityChecker 抽象服务商能力白名单查询，由 provider.Registry 实现。
type CapabilityChecker interface {
	IsWhitelisted(providerAddr common.Address, cap provider.Capability) bool
}

// MintRequest 描述一次铸造请求。ExpiryDate 为 0 表示永不过期，
// MaxAttempts 为 0 表示不限制重试次数。
type MintRequest struct {
	Provider         common.Address
	ProviderModule   common.Address
	UserProxy        common.Address
	Condition        common.Address
	ConditionPayload hexutil.Bytes
	Action           common.Address
	ActionPayload    hexutil.Bytes
	ExpiryDate       int64
	MaxAttempts      int
}

// Service 负责凭据的铸造、撤销与查询。
type Service struct {
	store           Store
	producer        Producer
	capabilities    CapabilityChecker
	maxAttempts     int
	allowUserRevoke bool
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithDefaultMaxAttempts 设置铸造请求未指定时的默认重试上限。
func WithDefaultMaxAttempts(attempts int) ServiceOption {
	return func(s *Service) {
		if attempts > 0 {
			s.maxAttempts = attempts
		}
	}
}

// WithUserRevoke 允许用户代理撤销自己的凭据，缺省仅服务商可撤销。
func WithUserRevoke(allowed bool) ServiceOption {
	return func(s *Service) {
		s.allowUserRevoke = allowed
	}
}

// NewService 构造凭据服务。
func NewService(store Store, producer Producer, capabilities CapabilityChecker, opts ...ServiceOption) *Service {
	s := &Service{
		store:        store,
		producer:     producer,
		capabilities: capabilities,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Mint 校验请求、持久化凭据并推送到待执行队列。能力组合必须
// 在服务商白名单内，资金充足性不在铸造时校验。
func (s *Service) Mint(ctx context.Context, req MintRequest) (*ExecClaim, error) {
	if s.store == nil || s.producer == nil || s.capabilities == nil {
		return nil, xerrors.New(xerrors.CodeNotInitialized, "凭据服务未初始化")
	}
	if req.Provider == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "服务商地址不能为空")
	}
	if req.ProviderModule == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "服务商模块地址不能为空")
	}
	if req.UserProxy == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "用户代理地址不能为空")
	}
	if req.Action == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "动作地址不能为空")
	}
	if req.ExpiryDate != 0 && req.ExpiryDate <= time.Now().Unix() {
		return nil, ErrInvalidExpiry
	}
	cap := provider.Capability{Condition: req.Condition, Action: req.Action, Module: req.ProviderModule}
	if !s.capabilities.IsWhitelisted(req.Provider, cap) {
		return nil, provider.ErrInvalidCapability
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.maxAttempts
	}
	c := &ExecClaim{
		Provider:         req.Provider,
		ProviderModule:   req.ProviderModule,
		UserProxy:        req.UserProxy,
		Condition:        req.Condition,
		ConditionPayload: req.ConditionPayload,
		Action:           req.Action,
		ActionPayload:    req.ActionPayload,
		ExpiryDate:       req.ExpiryDate,
		Status:           StatusPending,
		MaxAttempts:      maxAttempts,
	}
	if err := s.store.Mint(ctx, c); err != nil {
		return nil, err
	}
	if err := s.producer.Publish(ctx, c.ID); err != nil {
		logger.L().Error("凭据入队失败", slog.Any("error", err), slog.Uint64("claim_id", c.ID))
		wrapped := xerrors.Wrap(CodeClaimPublish, err, "发布凭据到队列失败")
		_ = s.store.MarkFailed(ctx, c.ID, CodeClaimPublish, wrapped.Error())
		return nil, wrapped
	}
	logger.Audit().Info("凭据铸造成功",
		slog.Uint64("claim_id", c.ID),
		slog.String("provider", c.Provider.Hex()),
		slog.String("user_proxy", c.UserProxy.Hex()),
		slog.String("action", c.Action.Hex()),
		slog.Int64("expiry_date", c.ExpiryDate),
		slog.Int("max_attempts", c.MaxAttempts),
	)
	return c, nil
}

// Revoke 撤销尚未执行的凭据。服务商始终可以撤销自己的凭据，
// 用户代理仅在启用 WithUserRevoke 后可以撤销。
func (s *Service) Revoke(ctx context.Context, id uint64, caller common.Address) error {
	if s.store == nil {
		return xerrors.New(xerrors.CodeNotInitialized, "凭据存储未初始化")
	}
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	authorized := caller == c.Provider || (s.allowUserRevoke && caller == c.UserProxy)
	if !authorized {
		return xerrors.New(xerrors.CodeNotAuthorized, "调用方无权撤销该凭据")
	}
	if err := s.store.Revoke(ctx, id); err != nil {
		return err
	}
	logger.Audit().Info("凭据已撤销",
		slog.Uint64("claim_id", id),
		slog.String("caller", caller.Hex()),
	)
	return nil
}

// Get 返回指定凭据。
func (s *Service) Get(ctx context.Context, id uint64) (*ExecClaim, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeNotInitialized, "凭据存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的凭据列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*ExecClaim, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeNotInitialized, "凭据存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的凭据统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (ClaimStats, error) {
	if s.store == nil {
		return ClaimStats{}, xerrors.New(xerrors.CodeNotInitialized, "凭据存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilTerminal 在 ctx 生命周期内轮询凭据直至进入终态。
func (s *Service) WaitUntilTerminal(ctx context.Context, id uint64, interval time.Duration) (*ExecClaim, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		c, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if c.Terminal() {
			return c, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
