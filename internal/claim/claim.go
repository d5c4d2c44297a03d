package claim

import (
	stdErrors "errors"

	xerrors "AutoExec-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Status 表示执行凭据在生命周期中的状态。
type Status string

const (
	// StatusPending 表示凭据等待执行。
	StatusPending Status = "pending"
	// StatusExecuting 表示凭据正处于某个执行者的串行化执行中。
	StatusExecuting Status = "executing"
	// StatusExecuted 表示动作已成功派发并完成费用结算，终态。
	StatusExecuted Status = "executed"
	// StatusFailed 表示重试耗尽或不可恢复失败，终态。
	StatusFailed Status = "failed"
	// StatusExpired 表示凭据超过截止时间，终态。
	StatusExpired Status = "expired"
	// StatusRevoked 表示凭据被服务商主动撤销，终态。
	StatusRevoked Status = "revoked"
)

// ExecutionOutcome 记录一次成功执行的完整账目，随凭据一起持久化。
type ExecutionOutcome struct {
	EventID  string `json:"event_id"`
	Executor string `json:"executor"`
	TxHash   string `json:"tx_hash"`
	GasPrice string `json:"gas_price"`
	GasUsed  uint64 `json:"gas_used"`
	Fee      string `json:"fee"`
}

// ExecClaim 是可调度条件任务的基本单元。Condition 为零地址时表示
// 无条件（随时可执行），ExpiryDate 为 0 时表示没有截止时间。
type ExecClaim struct {
	ID               uint64            `json:"id"`
	Provider         common.Address    `json:"provider"`
	ProviderModule   common.Address    `json:"provider_module"`
	UserProxy        common.Address    `json:"user_proxy"`
	Condition        common.Address    `json:"condition"`
	Action           common.Address    `json:"action"`
	ConditionPayload hexutil.Bytes     `json:"condition_payload,omitempty"`
	ActionPayload    hexutil.Bytes     `json:"action_payload,omitempty"`
	ExpiryDate       int64             `json:"expiry_date"`
	Status           Status            `json:"status"`
	Attempts         int               `json:"attempts"`
	MaxAttempts      int               `json:"max_attempts"`
	LastError        string            `json:"last_error,omitempty"`
	ErrorCode        string            `json:"error_code,omitempty"`
	Outcome          *ExecutionOutcome `json:"outcome,omitempty"`
	CreatedAt        int64             `json:"created_at"`
	UpdatedAt        int64             `json:"updated_at"`
}

// Terminal 判断凭据是否已进入终态。终态不可再变更。
func (c *ExecClaim) Terminal() bool {
	switch c.Status {
	case StatusExecuted, StatusFailed, StatusExpired, StatusRevoked:
		return true
	default:
		return false
	}
}

// ExpiredAt 判断凭据在给定时间点是否已过期。
func (c *ExecClaim) ExpiredAt(now int64) bool {
	return c.ExpiryDate != 0 && c.ExpiryDate <= now
}

// HasCondition 判断凭据是否绑定了条件谓词。
func (c *ExecClaim) HasCondition() bool {
	return c.Condition != (common.Address{})
}

const (
	CodeClaimNotFound     xerrors.Code = "CLAIM_NOT_FOUND"
	CodeClaimNotPending   xerrors.Code = "CLAIM_NOT_PENDING"
	CodeClaimTerminal     xerrors.Code = "CLAIM_ALREADY_TERMINAL"
	CodeClaimRevoked      xerrors.Code = "CLAIM_ALREADY_REVOKED"
	CodeClaimExpired      xerrors.Code = "CLAIM_EXPIRED"
	CodeClaimInFlight     xerrors.Code = "CLAIM_IN_FLIGHT"
	CodeInvalidExpiry     xerrors.Code = "CLAIM_INVALID_EXPIRY"
	CodeAttemptsExhausted xerrors.Code = "CLAIM_ATTEMPTS_EXHAUSTED"
	CodeClaimPublish      xerrors.Code = "CLAIM_PUBLISH_FAILED"
)

var (
	// ErrClaimNotFound 表示指定的凭据不存在。
	ErrClaimNotFound = xerrors.New(CodeClaimNotFound, "exec claim not found")
	// ErrClaimNotPending 表示凭据不处于可操作的等待状态。
	ErrClaimNotPending = xerrors.New(CodeClaimNotPending, "exec claim not pending")
	// ErrClaimTerminal 表示凭据已进入终态，任何后续执行尝试都应快速失败。
	ErrClaimTerminal = xerrors.New(CodeClaimTerminal, "exec claim already terminal")
	// ErrClaimRevoked 表示凭据已被服务商撤销。
	ErrClaimRevoked = xerrors.New(CodeClaimRevoked, "exec claim already revoked")
	// ErrClaimExpired 表示凭据已过截止时间。
	ErrClaimExpired = xerrors.New(CodeClaimExpired, "exec claim expired")
	// ErrClaimInFlight 表示凭据正在另一个执行流程中。
	ErrClaimInFlight = xerrors.New(CodeClaimInFlight, "exec claim execution in flight")
	// ErrInvalidExpiry 表示铸造时给定的截止时间不在未来。
	ErrInvalidExpiry = xerrors.New(CodeInvalidExpiry, "expiry date not in the future")
	// ErrAttemptsExhausted 表示凭据的重试次数已经耗尽。
	ErrAttemptsExhausted = xerrors.New(CodeAttemptsExhausted, "exec attempts exhausted", xerrors.WithSeverity(xerrors.SeverityWarning))
)

func init() {
	xerrors.Register(CodeClaimNotFound, xerrors.Attributes{
		Message:  "exec claim not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeClaimNotPending, xerrors.Attributes{
		Message:  "exec claim not pending",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeClaimTerminal, xerrors.Attributes{
		Message:  "exec claim already terminal",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeClaimRevoked, xerrors.Attributes{
		Message:  "exec claim already revoked",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeClaimExpired, xerrors.Attributes{
		Message:  "exec claim expired",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeClaimInFlight, xerrors.Attributes{
		Message:  "exec claim execution in flight",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInvalidExpiry, xerrors.Attributes{
		Message:  "expiry date not in the future",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAttemptsExhausted, xerrors.Attributes{
		Message:  "exec attempts exhausted",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeClaimPublish, xerrors.Attributes{
		Message:   "failed to publish exec claim",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// IsClaimError 判断错误是否为指定错误码的凭据错误。
func IsClaimError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	var e *xerrors.Error
	if !stdErrors.As(err, &e) {
		return false
	}
	return e.Code() == target
}

// IsValidStatus 检查给定状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusExecuting, StatusExecuted, StatusFailed, StatusExpired, StatusRevoked:
		return true
	default:
		return false
	}
}

func cloneClaim(c *ExecClaim) *ExecClaim {
	clone := *c
	if c.Outcome != nil {
		outcome := *c.Outcome
		clone.Outcome = &outcome
	}
	if c.ConditionPayload != nil {
		clone.ConditionPayload = append(hexutil.Bytes(nil), c.ConditionPayload...)
	}
	if c.ActionPayload != nil {
		clone.ActionPayload = append(hexutil.Bytes(nil), c.ActionPayload...)
	}
	return &clone
}
