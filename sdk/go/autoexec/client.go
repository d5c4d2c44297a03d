package autoexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the AutoExec Chain REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// MintSubmission represents the payload required to mint a new exec claim.
// Addresses are hex encoded, payloads are 0x-prefixed hex byte strings.
type MintSubmission struct {
	Provider         string `json:"provider"`
	ProviderModule   string `json:"provider_module"`
	UserProxy        string `json:"user_proxy"`
	Condition        string `json:"condition,omitempty"`
	ConditionPayload string `json:"condition_payload,omitempty"`
	Action           string `json:"action"`
	ActionPayload    string `json:"action_payload,omitempty"`
	ExpiryDate       int64  `json:"expiry_date,omitempty"`
	MaxAttempts      int    `json:"max_attempts,omitempty"`
}

// ExecutionOutcome mirrors the settled accounting record of a successful
// execution.
type ExecutionOutcome struct {
	EventID  string `json:"event_id"`
	Executor string `json:"executor"`
	TxHash   string `json:"tx_hash"`
	GasPrice string `json:"gas_price"`
	GasUsed  uint64 `json:"gas_used"`
	Fee      string `json:"fee"`
}

// Claim contains the full server side view of an exec claim.
type Claim struct {
	ID               uint64            `json:"id"`
	Provider         string            `json:"provider"`
	ProviderModule   string            `json:"provider_module"`
	UserProxy        string            `json:"user_proxy"`
	Condition        string            `json:"condition"`
	Action           string            `json:"action"`
	ConditionPayload string            `json:"condition_payload,omitempty"`
	ActionPayload    string            `json:"action_payload,omitempty"`
	ExpiryDate       int64             `json:"expiry_date"`
	Status           string            `json:"status"`
	Attempts         int               `json:"attempts"`
	MaxAttempts      int               `json:"max_attempts"`
	LastError        string            `json:"last_error,omitempty"`
	ErrorCode        string            `json:"error_code,omitempty"`
	Outcome          *ExecutionOutcome `json:"outcome,omitempty"`
	CreatedAt        int64             `json:"created_at"`
	UpdatedAt        int64             `json:"updated_at"`
}

// CanExecResult reports whether a claim is currently executable.
type CanExecResult struct {
	Executable bool   `json:"executable"`
	Reason     string `json:"reason,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
}

// ClaimStats aggregates claim counts by status.
type ClaimStats struct {
	Total     int   `json:"total"`
	Pending   int   `json:"pending"`
	Executing int   `json:"executing"`
	Executed  int   `json:"executed"`
	Failed    int   `json:"failed"`
	Expired   int   `json:"expired"`
	Revoked   int   `json:"revoked"`
	OldestTS  int64 `json:"oldest_updated_at"`
	NewestTS  int64 `json:"newest_updated_at"`
}

// Capability describes a whitelisted condition/action/module triple.
type Capability struct {
	Condition string `json:"condition"`
	Action    string `json:"action"`
	Module    string `json:"module"`
}

// ProviderDetail contains the provider balance and whitelist.
type ProviderDetail struct {
	Address      string       `json:"address"`
	BalanceWei   string       `json:"balance_wei"`
	Capabilities []Capability `json:"capabilities"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"error_code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("autoexec api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("autoexec api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AutoExec Chain API. When httpClient
// is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// MintClaim creates a new exec claim.
func (c *Client) MintClaim(ctx context.Context, submission MintSubmission) (Claim, error) {
	var claim Claim
	if err := c.post(ctx, "/api/v1/claims", submission, &claim); err != nil {
		return Claim{}, err
	}
	return claim, nil
}

// GetClaim fetches claim details by identifier.
func (c *Client) GetClaim(ctx context.Context, id uint64) (Claim, error) {
	var claim Claim
	if err := c.get(ctx, fmt.Sprintf("/api/v1/claims/%d", id), &claim); err != nil {
		return Claim{}, err
	}
	return claim, nil
}

// ListClaims returns claims filtered by the optional status and provider.
func (c *Client) ListClaims(ctx context.Context, status, provider string, limit int) ([]Claim, error) {
	query := url.Values{}
	if status != "" {
		query.Set("status", status)
	}
	if provider != "" {
		query.Set("provider", provider)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	endpoint := "/api/v1/claims"
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var claims []Claim
	if err := c.get(ctx, endpoint, &claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// Stats returns aggregate claim counts.
func (c *Client) Stats(ctx context.Context) (ClaimStats, error) {
	var stats ClaimStats
	if err := c.get(ctx, "/api/v1/claims/stats", &stats); err != nil {
		return ClaimStats{}, err
	}
	return stats, nil
}

// RevokeClaim revokes a pending claim on behalf of the caller address.
func (c *Client) RevokeClaim(ctx context.Context, id uint64, caller string) error {
	payload := struct {
		Caller string `json:"caller"`
	}{Caller: caller}
	return c.post(ctx, fmt.Sprintf("/api/v1/claims/%d/revoke", id), payload, nil)
}

// CanExec runs the read-only execution precheck for a claim.
func (c *Client) CanExec(ctx context.Context, id uint64) (CanExecResult, error) {
	var result CanExecResult
	if err := c.get(ctx, fmt.Sprintf("/api/v1/claims/%d/canexec", id), &result); err != nil {
		return CanExecResult{}, err
	}
	return result, nil
}

// ExecClaim attempts to execute a claim as the given executor identity.
func (c *Client) ExecClaim(ctx context.Context, id uint64, executor, gasPriceWei string, gasLimit uint64) (ExecutionOutcome, error) {
	payload := struct {
		Executor    string `json:"executor"`
		GasPriceWei string `json:"gas_price_wei"`
		GasLimit    uint64 `json:"gas_limit"`
	}{Executor: executor, GasPriceWei: gasPriceWei, GasLimit: gasLimit}
	var outcome ExecutionOutcome
	if err := c.post(ctx, fmt.Sprintf("/api/v1/claims/%d/exec", id), payload, &outcome); err != nil {
		return ExecutionOutcome{}, err
	}
	return outcome, nil
}

// Provider returns the balance and whitelist of a provider.
func (c *Client) Provider(ctx context.Context, address string) (ProviderDetail, error) {
	var detail ProviderDetail
	if err := c.get(ctx, "/api/v1/providers/"+url.PathEscape(address), &detail); err != nil {
		return ProviderDetail{}, err
	}
	return detail, nil
}

// Deposit credits the provider deposit by amountWei.
func (c *Client) Deposit(ctx context.Context, address, amountWei string) (ProviderDetail, error) {
	return c.providerFunds(ctx, address, "deposit", amountWei)
}

// Withdraw debits unreserved provider funds by amountWei.
func (c *Client) Withdraw(ctx context.Context, address, amountWei string) (ProviderDetail, error) {
	return c.providerFunds(ctx, address, "withdraw", amountWei)
}

func (c *Client) providerFunds(ctx context.Context, address, op, amountWei string) (ProviderDetail, error) {
	payload := struct {
		AmountWei string `json:"amount_wei"`
	}{AmountWei: amountWei}
	var detail ProviderDetail
	endpoint := fmt.Sprintf("/api/v1/providers/%s/%s", url.PathEscape(address), op)
	if err := c.post(ctx, endpoint, payload, &detail); err != nil {
		return ProviderDetail{}, err
	}
	return detail, nil
}

// AddCapabilities whitelists the given capability triples for a provider.
func (c *Client) AddCapabilities(ctx context.Context, address string, caps []Capability) (ProviderDetail, error) {
	return c.updateCapabilities(ctx, address, "add", caps)
}

// RemoveCapabilities removes the given capability triples from a provider
// whitelist.
func (c *Client) RemoveCapabilities(ctx context.Context, address string, caps []Capability) (ProviderDetail, error) {
	return c.updateCapabilities(ctx, address, "remove", caps)
}

func (c *Client) updateCapabilities(ctx context.Context, address, op string, caps []Capability) (ProviderDetail, error) {
	payload := struct {
		Op           string       `json:"op"`
		Capabilities []Capability `json:"capabilities"`
	}{Op: op, Capabilities: caps}
	var detail ProviderDetail
	endpoint := fmt.Sprintf("/api/v1/providers/%s/capabilities", url.PathEscape(address))
	if err := c.post(ctx, endpoint, payload, &detail); err != nil {
		return ProviderDetail{}, err
	}
	return detail, nil
}

// GasEnvelope contains the engine-wide gas ceilings applied to every
// execution attempt.
type GasEnvelope struct {
	MaxGasPriceWei string `json:"max_gas_price_wei"`
	MaxGasLimit    uint64 `json:"max_gas_limit"`
}

// GetGasEnvelope returns the current gas ceilings.
func (c *Client) GetGasEnvelope(ctx context.Context) (GasEnvelope, error) {
	var envelope GasEnvelope
	if err := c.get(ctx, "/api/v1/engine/gas", &envelope); err != nil {
		return GasEnvelope{}, err
	}
	return envelope, nil
}

// UpdateGasEnvelope adjusts the gas ceilings. Zero-valued fields keep their
// current setting.
func (c *Client) UpdateGasEnvelope(ctx context.Context, envelope GasEnvelope) (GasEnvelope, error) {
	var updated GasEnvelope
	if err := c.post(ctx, "/api/v1/engine/gas", envelope, &updated); err != nil {
		return GasEnvelope{}, err
	}
	return updated, nil
}

// Executors lists the permissioned executor identities.
func (c *Client) Executors(ctx context.Context) ([]string, error) {
	var identities []string
	if err := c.get(ctx, "/api/v1/executors", &identities); err != nil {
		return nil, err
	}
	return identities, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
