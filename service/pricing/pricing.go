// Package pricing attaches a USD valuation to contributions. Pricing is
// best-effort: a failed price fetch never blocks or fails ingestion.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// Oracle returns the current USD price of a chain's native asset.
type Oracle interface {
	PriceUSD(ctx context.Context, chain string) (decimal.Decimal, error)
}

// HTTPOracle fetches prices from a JSON endpoint of the form
// GET {base}/price?chain={chain} returning {"usd": "123.45"}.
type HTTPOracle struct {
	baseURL string
	client  *http.Client
}

// oracleTimeout bounds a price fetch. Pricing is a best-effort side
// effect, so it gets a tight budget instead of the pool's RPC timeout.
const oracleTimeout = 3 * time.Second

// NewHTTPOracle creates an oracle against the given base URL.
func NewHTTPOracle(baseURL string) *HTTPOracle {
	return &HTTPOracle{
		baseURL: baseURL,
		client:  &http.Client{Timeout: oracleTimeout},
	}
}

// PriceUSD fetches the spot price for a chain's native asset.
func (o *HTTPOracle) PriceUSD(ctx context.Context, chain string) (decimal.Decimal, error) {
	u := o.baseURL + "/price?chain=" + url.QueryEscape(chain)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch price for %s: %w", chain, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("fetch price for %s: status %d", chain, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return decimal.Zero, err
	}

	var out struct {
		USD decimal.Decimal `json:"usd"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return decimal.Zero, fmt.Errorf("decode price for %s: %w", chain, err)
	}
	if out.USD.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative price for %s", chain)
	}
	return out.USD, nil
}

// Static is a fixed price table, used in tests and local development.
type Static map[string]decimal.Decimal

// PriceUSD returns the configured price or an error for unknown chains.
func (s Static) PriceUSD(_ context.Context, chain string) (decimal.Decimal, error) {
	p, ok := s[chain]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price configured for %s", chain)
	}
	return p, nil
}
