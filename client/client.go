// Package client is the Go client for the ledgercore HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Wallet is a registered project wallet.
type Wallet struct {
	ID        int64     `json:"id"`
	ProjectID string    `json:"project_id"`
	Chain     string    `json:"chain"`
	Address   string    `json:"address"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Contribution is one ledgered transfer into a project wallet.
type Contribution struct {
	ID              int64      `json:"id,omitempty"`
	Chain           string     `json:"chain"`
	TxHash          string     `json:"tx_hash"`
	WalletID        int64      `json:"wallet_id"`
	AmountBase      string     `json:"amount_base"`
	AmountCanonical string     `json:"amount_canonical"`
	BlockHeight     int64      `json:"block_height"`
	BlockTime       *time.Time `json:"block_time,omitempty"`
	Source          string     `json:"source"`
	PriceUSD        *string    `json:"price_usd,omitempty"`
}

// ClaimResult is the outcome of submitting a claim. Code is the
// authoritative outcome ("inserted", "duplicate", "tx_pending", ...).
type ClaimResult struct {
	OK            bool
	Code          string
	Message       string
	Contributions []Contribution
}

// ScanSummary reports what one on-demand scan run did.
type ScanSummary struct {
	Chain          string `json:"chain"`
	Skipped        bool   `json:"skipped"`
	From           uint64 `json:"from,omitempty"`
	To             uint64 `json:"to,omitempty"`
	HeightsScanned int    `json:"heights_scanned"`
	FailedHeights  int    `json:"failed_heights"`
	Inserted       int    `json:"inserted"`
	Duplicates     int    `json:"duplicates"`
	Partial        bool   `json:"partial"`
}

// Client is the HTTP client for the ledgercore service.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new ledgercore service client. token is the shared
// API secret; it may be empty for read-only use.
func NewClient(baseURL, token string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: httpClient,
		logger:     logger,
	}
}

// envelope is the standard response wrapper every endpoint returns.
type envelope struct {
	OK      bool            `json:"ok"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// SubmitClaim submits a transaction hash for verification. Non-success
// outcomes ("tx_pending", "tx_not_found", ...) are returned in the result,
// not as an error; errors mean the request itself failed.
func (c *Client) SubmitClaim(ctx context.Context, chain, txHash, note string) (*ClaimResult, error) {
	reqBody := map[string]string{"tx_hash": txHash}
	if note != "" {
		reqBody["note"] = note
	}

	env, err := c.doJSON(ctx, "POST", "/api/v1/claims/"+url.PathEscape(chain), reqBody)
	if err != nil {
		return nil, err
	}

	result := &ClaimResult{
		OK:      env.OK,
		Code:    env.Code,
		Message: env.Message,
	}
	if len(env.Data) > 0 {
		var data struct {
			Contributions []Contribution `json:"contributions"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("failed to decode contributions: %w", err)
		}
		result.Contributions = data.Contributions
	}

	c.logger.Debug("claim submitted", "chain", chain, "tx_hash", txHash, "code", result.Code)
	return result, nil
}

// TriggerScan runs one scan pass on demand. A nil sinceHeight resumes from
// the stored cursor; a non-nil one forces a rescan from that height.
func (c *Client) TriggerScan(ctx context.Context, chain string, sinceHeight *uint64) (*ScanSummary, error) {
	reqBody := map[string]interface{}{}
	if sinceHeight != nil {
		reqBody["since_height"] = *sinceHeight
	}

	env, err := c.doJSON(ctx, "POST", "/api/v1/scan/"+url.PathEscape(chain), reqBody)
	if err != nil {
		return nil, err
	}
	if !env.OK {
		return nil, fmt.Errorf("scan failed: %s: %s", env.Code, env.Message)
	}

	var summary ScanSummary
	if err := json.Unmarshal(env.Data, &summary); err != nil {
		return nil, fmt.Errorf("failed to decode scan summary: %w", err)
	}
	return &summary, nil
}

// RegisterWallet registers a project wallet for contribution matching.
func (c *Client) RegisterWallet(ctx context.Context, projectID, chain, address, label string) (*Wallet, error) {
	env, err := c.doJSON(ctx, "POST", "/api/v1/wallets", map[string]string{
		"project_id": projectID,
		"chain":      chain,
		"address":    address,
		"label":      label,
	})
	if err != nil {
		return nil, err
	}
	if !env.OK {
		return nil, fmt.Errorf("wallet registration failed: %s: %s", env.Code, env.Message)
	}

	var wallet Wallet
	if err := json.Unmarshal(env.Data, &wallet); err != nil {
		return nil, fmt.Errorf("failed to decode wallet: %w", err)
	}

	c.logger.Debug("wallet registered", "chain", chain, "address", address, "id", wallet.ID)
	return &wallet, nil
}

// UnregisterWallet removes a project wallet.
func (c *Client) UnregisterWallet(ctx context.Context, chain, address string) error {
	u := fmt.Sprintf("%s/api/v1/wallets/%s/%s", c.baseURL, url.PathEscape(chain), url.PathEscape(address))
	req, err := http.NewRequestWithContext(ctx, "DELETE", u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return parseErrorResponse(resp)
	}

	c.logger.Debug("wallet unregistered", "chain", chain, "address", address)
	return nil
}

// ListWallets retrieves registered wallets, optionally filtered by chain.
func (c *Client) ListWallets(ctx context.Context, chain string) ([]Wallet, error) {
	path := "/api/v1/wallets"
	if chain != "" {
		path += "?chain=" + url.QueryEscape(chain)
	}

	env, err := c.doJSON(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}
	if !env.OK {
		return nil, fmt.Errorf("list wallets failed: %s: %s", env.Code, env.Message)
	}

	var data struct {
		Wallets []Wallet `json:"wallets"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to decode wallets: %w", err)
	}
	return data.Wallets, nil
}

// ListContributionsParams filters a ledger read-back. Zero values mean
// "no filter".
type ListContributionsParams struct {
	Chain     string
	ProjectID string
	WalletID  int64
	Limit     int
	Offset    int
}

// ListContributions retrieves ledgered contributions.
func (c *Client) ListContributions(ctx context.Context, params ListContributionsParams) ([]Contribution, error) {
	q := url.Values{}
	if params.Chain != "" {
		q.Set("chain", params.Chain)
	}
	if params.ProjectID != "" {
		q.Set("project_id", params.ProjectID)
	}
	if params.WalletID != 0 {
		q.Set("wallet_id", strconv.FormatInt(params.WalletID, 10))
	}
	if params.Limit != 0 {
		q.Set("limit", strconv.Itoa(params.Limit))
	}
	if params.Offset != 0 {
		q.Set("offset", strconv.Itoa(params.Offset))
	}

	path := "/api/v1/contributions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	env, err := c.doJSON(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}
	if !env.OK {
		return nil, fmt.Errorf("list contributions failed: %s: %s", env.Code, env.Message)
	}

	var data struct {
		Contributions []Contribution `json:"contributions"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to decode contributions: %w", err)
	}
	return data.Contributions, nil
}

// doJSON issues a request and decodes the standard envelope. Envelope
// decode failures and transport errors are returned as errors; outcome
// codes are the caller's to interpret.
func (c *Client) doJSON(ctx context.Context, method, path string, reqBody interface{}) (*envelope, error) {
	var body io.Reader
	if reqBody != nil {
		payload, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("request failed with status %d: malformed response: %w", resp.StatusCode, err)
	}
	return &env, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// parseErrorResponse attempts to parse an error envelope from the server.
func parseErrorResponse(resp *http.Response) error {
	var env envelope

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &env); err != nil || env.Code == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return fmt.Errorf("request failed: %s: %s", env.Code, env.Message)
}
