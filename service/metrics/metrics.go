package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Chain RPC Metrics
	rpcCallsTotal      *prometheus.CounterVec
	rpcCallDuration    *prometheus.HistogramVec
	rpcRateLimitHits   *prometheus.CounterVec
	rpcRetries         *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec

	// Claim Verification Metrics
	claimsTotal   *prometheus.CounterVec
	claimDuration *prometheus.HistogramVec

	// Scan Metrics
	scanRunsTotal        *prometheus.CounterVec
	scanDuration         *prometheus.HistogramVec
	scanHeightsProcessed *prometheus.CounterVec
	scanCursorHeight     *prometheus.GaugeVec
	chainTipHeight       *prometheus.GaugeVec

	// Contribution Metrics
	contributionsInserted *prometheus.CounterVec
	contributionsSkipped  *prometheus.CounterVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Chain RPC Metrics
		rpcCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_rpc_calls_total",
				Help: "Total number of chain RPC calls by chain, method and status",
			},
			[]string{"chain", "method", "status", "endpoint"},
		),
		rpcCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chain_rpc_call_duration_seconds",
				Help:    "Duration of chain RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"chain", "method", "endpoint"},
		),
		rpcRateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_rpc_rate_limit_hits_total",
				Help: "Total number of chain RPC rate limit hits (429 errors)",
			},
			[]string{"chain", "endpoint"},
		),
		rpcRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_rpc_retries_total",
				Help: "Total number of chain RPC retry attempts",
			},
			[]string{"chain", "method"},
		),
		breakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_rpc_breaker_transitions_total",
				Help: "Total number of endpoint circuit breaker state transitions",
			},
			[]string{"chain", "breaker", "state"},
		),

		// Claim Verification Metrics
		claimsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claims_total",
				Help: "Total number of contribution claims by chain and outcome",
			},
			[]string{"chain", "outcome"},
		),
		claimDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "claim_verification_duration_seconds",
				Help:    "Duration of claim verification in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"chain"},
		),

		// Scan Metrics
		scanRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scan_runs_total",
				Help: "Total number of block scan runs by chain and status",
			},
			[]string{"chain", "status"},
		),
		scanDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scan_duration_seconds",
				Help:    "Duration of block scan runs in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"chain"},
		),
		scanHeightsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scan_heights_processed_total",
				Help: "Total number of block heights processed by scans",
			},
			[]string{"chain"},
		),
		scanCursorHeight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scan_cursor_height",
				Help: "Last fully scanned block height per chain",
			},
			[]string{"chain"},
		),
		chainTipHeight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chain_tip_height",
				Help: "Latest observed chain tip height per chain",
			},
			[]string{"chain"},
		),

		// Contribution Metrics
		contributionsInserted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contributions_inserted_total",
				Help: "Total number of contribution rows inserted",
			},
			[]string{"chain", "source"},
		),
		contributionsSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contributions_skipped_total",
				Help: "Total number of observed transfers skipped",
			},
			[]string{"chain", "reason"},
		),

		// Database Metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Chain RPC metric helpers

// RecordRPCCall records a chain RPC call with duration.
func (m *Metrics) RecordRPCCall(chain, method, status, endpoint string, duration float64) {
	m.rpcCallsTotal.WithLabelValues(chain, method, status, endpoint).Inc()
	m.rpcCallDuration.WithLabelValues(chain, method, endpoint).Observe(duration)
}

// RecordRateLimitHit records a rate limit hit (429 error).
func (m *Metrics) RecordRateLimitHit(chain, endpoint string) {
	m.rpcRateLimitHits.WithLabelValues(chain, endpoint).Inc()
}

// RecordRPCRetry records a retry attempt.
func (m *Metrics) RecordRPCRetry(chain, method string) {
	m.rpcRetries.WithLabelValues(chain, method).Inc()
}

// RecordBreakerState records an endpoint circuit breaker transition.
func (m *Metrics) RecordBreakerState(chain, breaker, state string) {
	m.breakerTransitions.WithLabelValues(chain, breaker, state).Inc()
}

// Claim verification metric helpers

// RecordClaim records a claim verification with its outcome and duration.
func (m *Metrics) RecordClaim(chain, outcome string, duration float64) {
	m.claimsTotal.WithLabelValues(chain, outcome).Inc()
	m.claimDuration.WithLabelValues(chain).Observe(duration)
}

// Scan metric helpers

// RecordScanRun records a completed scan run.
func (m *Metrics) RecordScanRun(chain, status string, duration float64, heights int) {
	m.scanRunsTotal.WithLabelValues(chain, status).Inc()
	m.scanDuration.WithLabelValues(chain).Observe(duration)
	m.scanHeightsProcessed.WithLabelValues(chain).Add(float64(heights))
}

// RecordScanCursor records the last fully scanned height.
func (m *Metrics) RecordScanCursor(chain string, height uint64) {
	m.scanCursorHeight.WithLabelValues(chain).Set(float64(height))
}

// RecordChainTip records the latest observed tip height.
func (m *Metrics) RecordChainTip(chain string, height uint64) {
	m.chainTipHeight.WithLabelValues(chain).Set(float64(height))
}

// Contribution metric helpers

// RecordContributionInserted records a persisted contribution row.
// Source is "claim" or "scan".
func (m *Metrics) RecordContributionInserted(chain, source string) {
	m.contributionsInserted.WithLabelValues(chain, source).Inc()
}

// RecordContributionSkipped records an observed transfer that produced no row.
func (m *Metrics) RecordContributionSkipped(chain, reason string) {
	m.contributionsSkipped.WithLabelValues(chain, reason).Inc()
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
