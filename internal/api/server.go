package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"AutoExec-Chain/internal/claim"
	"AutoExec-Chain/internal/engine"
	xerrors "AutoExec-Chain/internal/errors"
	"AutoExec-Chain/internal/executor"
	"AutoExec-Chain/internal/observability/metrics"
	"AutoExec-Chain/internal/provider"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Server 负责暴露 REST 接口，供服务商、用户与执行者驱动凭据生命周期。
type Server struct {
	addr      string
	claims    *claim.Service
	engine    *engine.Engine
	providers *provider.Registry
	executors *executor.Registry
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, claims *claim.Service, eng *engine.Engine, providers *provider.Registry, executors *executor.Registry) *Server {
	return &Server{
		addr:      addr,
		claims:    claims,
		engine:    eng,
		providers: providers,
		executors: executors,
	}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/claims", s.instrument("claims_mint", s.handleMint))
	mux.HandleFunc("GET /api/v1/claims", s.instrument("claims_list", s.handleList))
	mux.HandleFunc("GET /api/v1/claims/stats", s.instrument("claims_stats", s.handleStats))
	mux.HandleFunc("GET /api/v1/claims/{id}", s.instrument("claim_detail", s.handleDetail))
	mux.HandleFunc("POST /api/v1/claims/{id}/revoke", s.instrument("claim_revoke", s.handleRevoke))
	mux.HandleFunc("GET /api/v1/claims/{id}/canexec", s.instrument("claim_canexec", s.handleCanExec))
	mux.HandleFunc("POST /api/v1/claims/{id}/exec", s.instrument("claim_exec", s.handleExec))
	mux.HandleFunc("GET /api/v1/providers/{addr}", s.instrument("provider_detail", s.handleProviderDetail))
	mux.HandleFunc("POST /api/v1/providers/{addr}/deposit", s.instrument("provider_deposit", s.handleProviderDeposit))
	mux.HandleFunc("POST /api/v1/providers/{addr}/withdraw", s.instrument("provider_withdraw", s.handleProviderWithdraw))
	mux.HandleFunc("POST /api/v1/providers/{addr}/capabilities", s.instrument("provider_whitelist", s.handleProviderCapabilities))
	mux.HandleFunc("GET /api/v1/executors", s.instrument("executors_list", s.handleExecutorsList))
	mux.HandleFunc("POST /api/v1/executors", s.instrument("executors_update", s.handleExecutorsUpdate))
	mux.HandleFunc("GET /api/v1/engine/gas", s.instrument("gas_envelope_get", s.handleGasEnvelopeGet))
	mux.HandleFunc("POST /api/v1/engine/gas", s.instrument("gas_envelope_update", s.handleGasEnvelopeUpdate))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// instrument 记录请求级指标。
func (s *Server) instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(started))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

type mintRequest struct {
	Provider         string        `json:"provider"`
	ProviderModule   string        `json:"provider_module"`
	UserProxy        string        `json:"user_proxy"`
	Condition        string        `json:"condition"`
	ConditionPayload hexutil.Bytes `json:"condition_payload"`
	Action           string        `json:"action"`
	ActionPayload    hexutil.Bytes `json:"action_payload"`
	ExpiryDate       int64         `json:"expiry_date"`
	MaxAttempts      int           `json:"max_attempts"`
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	if s.claims == nil {
		http.Error(w, "凭据服务未初始化", http.StatusServiceUnavailable)
		return
	}
	var req mintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	mint := claim.MintRequest{
		ConditionPayload: req.ConditionPayload,
		ActionPayload:    req.ActionPayload,
		ExpiryDate:       req.ExpiryDate,
		MaxAttempts:      req.MaxAttempts,
	}
	var err error
	if mint.Provider, err = parseAddress(req.Provider); err != nil {
		http.Error(w, "服务商地址非法", http.StatusBadRequest)
		return
	}
	if mint.ProviderModule, err = parseAddress(req.ProviderModule); err != nil {
		http.Error(w, "服务商模块地址非法", http.StatusBadRequest)
		return
	}
	if mint.UserProxy, err = parseAddress(req.UserProxy); err != nil {
		http.Error(w, "用户代理地址非法", http.StatusBadRequest)
		return
	}
	if mint.Action, err = parseAddress(req.Action); err != nil {
		http.Error(w, "动作地址非法", http.StatusBadRequest)
		return
	}
	if req.Condition != "" {
		if mint.Condition, err = parseAddress(req.Condition); err != nil {
			http.Error(w, "条件地址非法", http.StatusBadRequest)
			return
		}
	}

	c, err := s.claims.Mint(r.Context(), mint)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if s.claims == nil {
		http.Error(w, "凭据服务未初始化", http.StatusServiceUnavailable)
		return
	}
	opts := make([]claim.ListOption, 0, 3)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, claim.WithLimit(parsed))
		}
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := claim.Status(raw)
		if !claim.IsValidStatus(status) {
			http.Error(w, "状态取值非法", http.StatusBadRequest)
			return
		}
		opts = append(opts, claim.WithStatuses(status))
	}
	if raw := r.URL.Query().Get("provider"); raw != "" {
		addr, err := parseAddress(raw)
		if err != nil {
			http.Error(w, "服务商地址非法", http.StatusBadRequest)
			return
		}
		opts = append(opts, claim.WithProvider(addr))
	}

	claims, err := s.claims.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claims)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.claims == nil {
		http.Error(w, "凭据服务未初始化", http.StatusServiceUnavailable)
		return
	}
	stats, err := s.claims.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request) {
	if s.claims == nil {
		http.Error(w, "凭据服务未初始化", http.StatusServiceUnavailable)
		return
	}
	id, err := parseClaimID(r.PathValue("id"))
	if err != nil {
		http.Error(w, "凭据 ID 非法", http.StatusBadRequest)
		return
	}
	c, err := s.claims.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if s.claims == nil {
		http.Error(w, "凭据服务未初始化", http.StatusServiceUnavailable)
		return
	}
	id, err := parseClaimID(r.PathValue("id"))
	if err != nil {
		http.Error(w, "凭据 ID 非法", http.StatusBadRequest)
		return
	}
	var req struct {
		Caller string `json:"caller"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		http.Error(w, "调用方地址非法", http.StatusBadRequest)
		return
	}
	if err := s.claims.Revoke(r.Context(), id, caller); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type canExecResponse struct {
	Executable bool   `json:"executable"`
	Reason     string `json:"reason,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
}

func (s *Server) handleCanExec(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		http.Error(w, "执行引擎未初始化", http.StatusServiceUnavailable)
		return
	}
	id, err := parseClaimID(r.PathValue("id"))
	if err != nil {
		http.Error(w, "凭据 ID 非法", http.StatusBadRequest)
		return
	}
	if err := s.engine.CanExec(r.Context(), id); err != nil {
		if stdErrors.Is(err, claim.ErrClaimNotFound) {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, canExecResponse{
			Reason:    err.Error(),
			ErrorCode: string(xerrors.CodeOf(err)),
		})
		return
	}
	writeJSON(w, http.StatusOK, canExecResponse{Executable: true})
}

type execRequest struct {
	Executor    string `json:"executor"`
	GasPriceWei string `json:"gas_price_wei"`
	GasLimit    uint64 `json:"gas_limit"`
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		http.Error(w, "执行引擎未初始化", http.StatusServiceUnavailable)
		return
	}
	id, err := parseClaimID(r.PathValue("id"))
	if err != nil {
		http.Error(w, "凭据 ID 非法", http.StatusBadRequest)
		return
	}
	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	identity, err := parseAddress(req.Executor)
	if err != nil {
		http.Error(w, "执行者地址非法", http.StatusBadRequest)
		return
	}
	gasPrice, ok := new(big.Int).SetString(req.GasPriceWei, 10)
	if !ok || gasPrice.Sign() <= 0 {
		http.Error(w, "gas 价格非法", http.StatusBadRequest)
		return
	}
	outcome, err := s.engine.Exec(r.Context(), id, identity, gasPrice, req.GasLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

type providerDetail struct {
	Address      string                `json:"address"`
	BalanceWei   string                `json:"balance_wei"`
	Capabilities []provider.Capability `json:"capabilities"`
}

func (s *Server) handleProviderDetail(w http.ResponseWriter, r *http.Request) {
	if s.providers == nil {
		http.Error(w, "服务商注册表未初始化", http.StatusServiceUnavailable)
		return
	}
	addr, err := parseAddress(r.PathValue("addr"))
	if err != nil {
		http.Error(w, "服务商地址非法", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, providerDetail{
		Address:      addr.Hex(),
		BalanceWei:   s.providers.Balance(addr).String(),
		Capabilities: s.providers.Capabilities(addr),
	})
}

type fundsRequest struct {
	AmountWei string `json:"amount_wei"`
}

func (s *Server) handleProviderDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleProviderFunds(w, r, func(addr common.Address, amount *big.Int) error {
		return s.providers.Deposit(addr, amount)
	})
}

func (s *Server) handleProviderWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleProviderFunds(w, r, func(addr common.Address, amount *big.Int) error {
		return s.providers.Withdraw(addr, amount)
	})
}

func (s *Server) handleProviderFunds(w http.ResponseWriter, r *http.Request, apply func(common.Address, *big.Int) error) {
	if s.providers == nil {
		http.Error(w, "服务商注册表未初始化", http.StatusServiceUnavailable)
		return
	}
	addr, err := parseAddress(r.PathValue("addr"))
	if err != nil {
		http.Error(w, "服务商地址非法", http.StatusBadRequest)
		return
	}
	var req fundsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	amount, ok := new(big.Int).SetString(req.AmountWei, 10)
	if !ok {
		http.Error(w, "金额非法", http.StatusBadRequest)
		return
	}
	if err := apply(addr, amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, providerDetail{
		Address:      addr.Hex(),
		BalanceWei:   s.providers.Balance(addr).String(),
		Capabilities: s.providers.Capabilities(addr),
	})
}

type capabilityItem struct {
	Condition string `json:"condition"`
	Action    string `json:"action"`
	Module    string `json:"module"`
}

type capabilitiesRequest struct {
	Op           string           `json:"op"`
	Capabilities []capabilityItem `json:"capabilities"`
}

func (s *Server) handleProviderCapabilities(w http.ResponseWriter, r *http.Request) {
	if s.providers == nil {
		http.Error(w, "服务商注册表未初始化", http.StatusServiceUnavailable)
		return
	}
	addr, err := parseAddress(r.PathValue("addr"))
	if err != nil {
		http.Error(w, "服务商地址非法", http.StatusBadRequest)
		return
	}
	var req capabilitiesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	caps := make([]provider.Capability, 0, len(req.Capabilities))
	for _, item := range req.Capabilities {
		cap := provider.Capability{}
		if item.Condition != "" {
			if cap.Condition, err = parseAddress(item.Condition); err != nil {
				http.Error(w, "条件地址非法", http.StatusBadRequest)
				return
			}
		}
		if cap.Action, err = parseAddress(item.Action); err != nil {
			http.Error(w, "动作地址非法", http.StatusBadRequest)
			return
		}
		if cap.Module, err = parseAddress(item.Module); err != nil {
			http.Error(w, "模块地址非法", http.StatusBadRequest)
			return
		}
		caps = append(caps, cap)
	}

	switch req.Op {
	case "", "add":
		err = s.providers.AddCapabilities(addr, caps...)
	case "remove":
		err = s.providers.RemoveCapabilities(addr, caps...)
	default:
		http.Error(w, "操作类型非法", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, providerDetail{
		Address:      addr.Hex(),
		BalanceWei:   s.providers.Balance(addr).String(),
		Capabilities: s.providers.Capabilities(addr),
	})
}

func (s *Server) handleExecutorsList(w http.ResponseWriter, _ *http.Request) {
	if s.executors == nil {
		http.Error(w, "执行者注册表未初始化", http.StatusServiceUnavailable)
		return
	}
	list := s.executors.List()
	identities := make([]string, 0, len(list))
	for _, addr := range list {
		identities = append(identities, addr.Hex())
	}
	writeJSON(w, http.StatusOK, identities)
}

type executorsRequest struct {
	Op       string `json:"op"`
	Identity string `json:"identity"`
}

func (s *Server) handleExecutorsUpdate(w http.ResponseWriter, r *http.Request) {
	if s.executors == nil {
		http.Error(w, "执行者注册表未初始化", http.StatusServiceUnavailable)
		return
	}
	var req executorsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	identity, err := parseAddress(req.Identity)
	if err != nil {
		http.Error(w, "执行者地址非法", http.StatusBadRequest)
		return
	}
	switch req.Op {
	case "", "add":
		err = s.executors.Add(identity)
	case "remove":
		err = s.executors.Remove(identity)
	default:
		http.Error(w, "操作类型非法", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type gasEnvelope struct {
	MaxGasPriceWei string `json:"max_gas_price_wei"`
	MaxGasLimit    uint64 `json:"max_gas_limit"`
}

func (s *Server) handleGasEnvelopeGet(w http.ResponseWriter, _ *http.Request) {
	if s.engine == nil {
		http.Error(w, "执行引擎未初始化", http.StatusServiceUnavailable)
		return
	}
	price, limit := s.engine.GasEnvelope()
	envelope := gasEnvelope{MaxGasLimit: limit}
	if price != nil {
		envelope.MaxGasPriceWei = price.String()
	}
	writeJSON(w, http.StatusOK, envelope)
}

// handleGasEnvelopeUpdate 调整可变的 gas 包络参数。留空的字段保持原值。
func (s *Server) handleGasEnvelopeUpdate(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		http.Error(w, "执行引擎未初始化", http.StatusServiceUnavailable)
		return
	}
	var req gasEnvelope
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	var maxGasPrice *big.Int
	if req.MaxGasPriceWei != "" {
		parsed, ok := new(big.Int).SetString(req.MaxGasPriceWei, 10)
		if !ok || parsed.Sign() <= 0 {
			http.Error(w, "gas 价格上限非法", http.StatusBadRequest)
			return
		}
		maxGasPrice = parsed
	}
	s.engine.UpdateGasEnvelope(maxGasPrice, req.MaxGasLimit)

	price, limit := s.engine.GasEnvelope()
	envelope := gasEnvelope{MaxGasLimit: limit}
	if price != nil {
		envelope.MaxGasPriceWei = price.String()
	}
	writeJSON(w, http.StatusOK, envelope)
}

func parseClaimID(raw string) (uint64, error) {
	return strconv.ParseUint(raw, 10, 64)
}

func parseAddress(raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "地址格式非法")
	}
	return common.HexToAddress(raw), nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 将错误码映射为 HTTP 状态。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, claim.CodeInvalidExpiry, engine.CodeGasEnvelope:
		status = http.StatusBadRequest
	case xerrors.CodeNotFound, claim.CodeClaimNotFound:
		status = http.StatusNotFound
	case xerrors.CodeNotAuthorized:
		status = http.StatusForbidden
	case xerrors.CodeRedundant, xerrors.CodeConflict,
		claim.CodeClaimNotPending, claim.CodeClaimTerminal, claim.CodeClaimRevoked,
		claim.CodeClaimExpired, claim.CodeClaimInFlight, claim.CodeAttemptsExhausted:
		status = http.StatusConflict
	case provider.CodeInvalidCapability:
		status = http.StatusForbidden
	case provider.CodeInsufficientFunds:
		status = http.StatusPaymentRequired
	}
	body := map[string]string{
		"error":      err.Error(),
		"error_code": string(xerrors.CodeOf(err)),
	}
	writeJSON(w, status, body)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
