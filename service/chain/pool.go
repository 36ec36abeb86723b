package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chainfund/ledgercore/service/metrics"
	"github.com/sony/gobreaker/v2"
)

const (
	defaultRetries     = 2
	defaultBaseBackoff = 300 * time.Millisecond
	defaultCallTimeout = 15 * time.Second

	maxResponseBytes = 8 << 20 // 8MB; block responses on busy chains are large
)

// AuthKind selects how an endpoint's credential is presented. Providers are
// inconsistent about this, so the strategy is configured per endpoint at
// deploy time rather than probed per call.
type AuthKind string

const (
	AuthNone   AuthKind = ""
	AuthHeader AuthKind = "header"
	AuthBearer AuthKind = "bearer"
	AuthBasic  AuthKind = "basic"
	AuthQuery  AuthKind = "query"
)

// AuthStrategy is one endpoint's credential-passing convention.
type AuthStrategy struct {
	Kind  AuthKind
	Name  string // header name, query key, or basic-auth username
	Value string
}

// Apply attaches the credential to an outgoing request.
func (a AuthStrategy) Apply(req *http.Request) {
	switch a.Kind {
	case AuthHeader:
		req.Header.Set(a.Name, a.Value)
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+a.Value)
	case AuthBasic:
		req.SetBasicAuth(a.Name, a.Value)
	case AuthQuery:
		q := req.URL.Query()
		q.Set(a.Name, a.Value)
		req.URL.RawQuery = q.Encode()
	}
}

// Endpoint is one candidate RPC/REST provider.
type Endpoint struct {
	URL  string
	Auth AuthStrategy
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	Chain       string
	Endpoints   []Endpoint
	Retries     int           // per endpoint; default 2
	BaseBackoff time.Duration // exponential, doubling; default 300ms
	CallTimeout time.Duration // per attempt; default 15s
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Pool fans a request out over a list of candidate endpoints. Endpoints are
// tried in order; the first definitive answer wins. Transient failures are
// retried per endpoint with exponential backoff inside the caller's context
// budget; a not-found answer short-circuits everything because it is a real
// answer, not a failure.
type Pool struct {
	chain       string
	endpoints   []Endpoint
	breakers    []*gobreaker.CircuitBreaker[[]byte]
	client      *http.Client
	retries     int
	baseBackoff time.Duration
	callTimeout time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewPool creates an endpoint pool. Each endpoint gets its own circuit
// breaker so one dead provider stops consuming the retry budget quickly.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("chain %s: at least one endpoint is required", cfg.Chain)
	}
	if cfg.Retries <= 0 {
		cfg.Retries = defaultRetries
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	breakers := make([]*gobreaker.CircuitBreaker[[]byte], len(cfg.Endpoints))
	for i, ep := range cfg.Endpoints {
		host := hostOf(ep.URL)
		breakers[i] = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
			Name:    cfg.Chain + "/" + host,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				cfg.Logger.Warn("endpoint breaker state change", "breaker", name, "from", from.String(), "to", to.String())
				if cfg.Metrics != nil {
					cfg.Metrics.RecordBreakerState(cfg.Chain, name, to.String())
				}
			},
		})
	}

	return &Pool{
		chain:       cfg.Chain,
		endpoints:   cfg.Endpoints,
		breakers:    breakers,
		client:      &http.Client{Timeout: cfg.CallTimeout},
		retries:     cfg.Retries,
		baseBackoff: cfg.BaseBackoff,
		callTimeout: cfg.CallTimeout,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}, nil
}

// notFoundError marks a response as an authoritative negative so the retry
// loop stops immediately.
type notFoundError struct{ msg string }

func (e *notFoundError) Error() string { return e.msg }

// requestBuilder builds a request against one endpoint's base URL.
type requestBuilder func(ctx context.Context, baseURL string) (*http.Request, error)

// do runs the request against the pool and returns the raw response body.
// method is a label for logs and metrics only.
func (p *Pool) do(ctx context.Context, method string, build requestBuilder) ([]byte, error) {
	var lastErr error

	for i, ep := range p.endpoints {
		body, err := p.doEndpoint(ctx, method, ep, p.breakers[i], build)
		if err == nil {
			return body, nil
		}

		var nf *notFoundError
		if errors.As(err, &nf) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, nf.msg)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		p.logger.WarnContext(ctx, "endpoint exhausted, trying next",
			"chain", p.chain,
			"method", method,
			"endpoint", hostOf(ep.URL),
			"error", err,
		)
		lastErr = err
	}

	return nil, fmt.Errorf("%w: %s %s: %v", ErrAllEndpointsFailed, p.chain, method, lastErr)
}

// doEndpoint runs one endpoint's bounded retry loop.
func (p *Pool) doEndpoint(ctx context.Context, method string, ep Endpoint, cb *gobreaker.CircuitBreaker[[]byte], build requestBuilder) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			backoff := p.baseBackoff << uint(attempt-1)
			if p.metrics != nil {
				p.metrics.RecordRPCRetry(p.chain, method)
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		body, err := cb.Execute(func() ([]byte, error) {
			return p.attempt(ctx, method, ep, build)
		})
		if err == nil {
			return body, nil
		}

		var nf *notFoundError
		if errors.As(err, &nf) {
			return nil, err
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			// 4xx from this endpoint won't change on retry; let the
			// caller move on to the next endpoint.
			return nil, err
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Breaker is open: this endpoint is known-bad, move on.
			return nil, err
		}
		lastErr = err
	}

	return nil, lastErr
}

func (p *Pool) attempt(ctx context.Context, method string, ep Endpoint, build requestBuilder) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	req, err := build(attemptCtx, ep.URL)
	if err != nil {
		return nil, err
	}
	ep.Auth.Apply(req)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(req)
	duration := time.Since(start).Seconds()

	status := "success"
	defer func() {
		if p.metrics != nil {
			p.metrics.RecordRPCCall(p.chain, method, status, hostOf(ep.URL), duration)
		}
	}()

	if err != nil {
		status = "error"
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		status = "error"
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		status = "not_found"
		return nil, &notFoundError{msg: method}
	case resp.StatusCode == http.StatusTooManyRequests:
		status = "rate_limited"
		if p.metrics != nil {
			p.metrics.RecordRateLimitHit(p.chain, hostOf(ep.URL))
		}
		return nil, fmt.Errorf("rate limited (429)")
	case resp.StatusCode >= 500:
		status = "error"
		return nil, fmt.Errorf("server error (%d)", resp.StatusCode)
	case resp.StatusCode >= 400:
		status = "error"
		// Auth/format problems won't fix themselves by retrying, but another
		// endpoint with a different credential might answer.
		return nil, &permanentError{code: resp.StatusCode}
	}

	return body, nil
}

// permanentError is a non-retryable per-endpoint failure (bad credential,
// bad request shape for this provider).
type permanentError struct{ code int }

func (e *permanentError) Error() string { return fmt.Sprintf("request rejected (%d)", e.code) }

// jsonRPCRequest is a JSON-RPC 2.0 request envelope.
type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type jsonRPCResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *jsonRPCError   `json:"error"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *jsonRPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// CallRPC issues a JSON-RPC 2.0 POST over the pool and returns the raw
// result. A null result is returned as-is; adapters decide whether null
// means not-found for their method.
func (p *Pool) CallRPC(ctx context.Context, rpcMethod string, params any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	payload, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", ID: 1, Method: rpcMethod, Params: params})
	if err != nil {
		return nil, err
	}

	body, err := p.do(ctx, rpcMethod, func(ctx context.Context, baseURL string) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodPost, baseURL, bytes.NewReader(payload))
	})
	if err != nil {
		return nil, err
	}

	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("%s: malformed rpc response: %w", rpcMethod, err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// GetJSON issues a GET for path (joined to the endpoint base URL) and
// decodes the JSON response into out. method is a stable label for logs and
// metrics; paths carry hashes and heights and would blow up cardinality.
func (p *Pool) GetJSON(ctx context.Context, method, path string, out any) error {
	body, err := p.do(ctx, method, func(ctx context.Context, baseURL string) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, joinURL(baseURL, path), nil)
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

// PostJSON issues a POST with a JSON body and decodes the response into out.
func (p *Pool) PostJSON(ctx context.Context, method, path string, reqBody any, out any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	body, err := p.do(ctx, method, func(ctx context.Context, baseURL string) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodPost, joinURL(baseURL, path), bytes.NewReader(payload))
	})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func joinURL(base, path string) string {
	if path == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}
