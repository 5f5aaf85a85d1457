// Package whizy is a small Go client for the Whizy agent REST API.
package whizy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Knowledge queries can take a while, so it is generous.
const DefaultHTTPTimeout = 45 * time.Second

// Client wraps the HTTP interactions with the Whizy agent REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// RiskProfile is the stored risk classification of a wallet.
type RiskProfile struct {
	UserAddress string `json:"user_address"`
	Risk        string `json:"risk"`
}

// ProjectRef names one protocol the knowledge agent selected.
type ProjectRef struct {
	IDProject string `json:"id_project"`
}

// QueryAnswer is the knowledge agent's reply to one question.
type QueryAnswer struct {
	Response       []ProjectRef `json:"response"`
	ThreadID       string       `json:"thread_id"`
	ProcessingTime float64      `json:"processing_time"`
}

// Strategy is a structured allocation recommendation for a risk level.
type Strategy struct {
	RiskLevel            string   `json:"risk_level"`
	RecommendedProtocols []string `json:"recommended_protocols"`
	ExpectedAPYRange     string   `json:"expected_apy_range"`
	RiskFactors          []string `json:"risk_factors"`
	RebalancingThreshold string   `json:"rebalancing_threshold"`
}

// TokenPosition is one staked position of a wallet.
type TokenPosition struct {
	Token        string  `json:"token"`
	TokenAddress string  `json:"token_address"`
	Amount       float64 `json:"amount"`
}

// UserBalance aggregates a wallet's liquid and staked token holdings.
type UserBalance struct {
	UserAddress string          `json:"user_address"`
	Wallet      float64         `json:"wallet_balance"`
	Staked      []TokenPosition `json:"staked_balances"`
	Total       float64         `json:"total_balance"`
}

// UserConfig mirrors the on-chain delegation settings of a wallet.
type UserConfig struct {
	UserAddress     string  `json:"user_address"`
	Enabled         bool    `json:"enabled"`
	RiskProfile     int     `json:"risk_profile"`
	DepositedAmount float64 `json:"deposited_amount"`
}

// RebalanceJob is the admin view of one rebalance job.
type RebalanceJob struct {
	ID          string `json:"id"`
	UserAddress string `json:"user_address"`
	RiskLevel   string `json:"risk_level"`
	Trigger     string `json:"trigger"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	LastError   string `json:"last_error,omitempty"`
	Result      *struct {
		TxHash    string `json:"tx_hash"`
		RiskLevel string `json:"risk_level"`
	} `json:"result,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("whizy api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("whizy api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the Whizy agent API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// GenerateRiskProfile classifies questionnaire answers and stores the result
// for the wallet.
func (c *Client) GenerateRiskProfile(ctx context.Context, userAddress, answers string) (RiskProfile, error) {
	var out RiskProfile
	err := c.post(ctx, "/generate-risk-profile", map[string]string{
		"user_address": userAddress,
		"data":         answers,
	}, &out)
	return out, err
}

// Query asks the knowledge agent a question. Pass the returned ThreadID on
// follow-up questions to keep conversation context.
func (c *Client) Query(ctx context.Context, query, threadID, userAddress string) (QueryAnswer, error) {
	var out QueryAnswer
	err := c.post(ctx, "/query", map[string]string{
		"query":        query,
		"thread_id":    threadID,
		"user_address": userAddress,
	}, &out)
	return out, err
}

// StrategyRecommendation fetches the allocation strategy for a risk level.
func (c *Client) StrategyRecommendation(ctx context.Context, riskLevel string) (Strategy, error) {
	var out Strategy
	err := c.post(ctx, "/get-strategy-recommendation", map[string]string{
		"risk_level": riskLevel,
	}, &out)
	return out, err
}

// UserBalance reads a wallet's liquid and staked balances.
func (c *Client) UserBalance(ctx context.Context, userAddress string) (UserBalance, error) {
	var out UserBalance
	err := c.post(ctx, "/action/get-user-balance", map[string]string{
		"user_address": userAddress,
	}, &out)
	return out, err
}

// UserConfig reads a wallet's on-chain delegation settings.
func (c *Client) UserConfig(ctx context.Context, userAddress string) (UserConfig, error) {
	var out UserConfig
	err := c.post(ctx, "/action/get-user-config", map[string]string{
		"user_address": userAddress,
	}, &out)
	return out, err
}

// TriggerRebalance enqueues a manual rebalance for a wallet.
func (c *Client) TriggerRebalance(ctx context.Context, userAddress, riskLevel string) (RebalanceJob, error) {
	var out RebalanceJob
	err := c.post(ctx, "/api/v1/rebalances", map[string]string{
		"user_address": userAddress,
		"risk_level":   riskLevel,
	}, &out)
	return out, err
}

// ListRebalances fetches recent rebalance jobs, optionally filtered by status.
func (c *Client) ListRebalances(ctx context.Context, status string, limit int) ([]RebalanceJob, error) {
	endpoint := "/api/v1/rebalances"
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var out []RebalanceJob
	err := c.get(ctx, endpoint, &out)
	return out, err
}

// maxAttempts bounds retries on 5xx responses. Job submission is
// deduplicated server side, so retrying POSTs is safe.
const maxAttempts = 3

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return c.doWithRetry(ctx, http.MethodPost, endpoint, body, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	return c.doWithRetry(ctx, http.MethodGet, endpoint, nil, out)
}

func (c *Client) doWithRetry(ctx context.Context, method, endpoint string, body []byte, out any) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := c.newRequest(ctx, method, endpoint, reader)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		err = c.do(req, out)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode >= 500 {
			lastErr = err
			continue
		}
		return err
	}
	return lastErr
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
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
