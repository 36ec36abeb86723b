package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/chainfund/ledgercore/service/config"
	"github.com/chainfund/ledgercore/service/db"
	"github.com/chainfund/ledgercore/service/metrics"
	"github.com/chainfund/ledgercore/service/registry"
	"github.com/chainfund/ledgercore/service/scan"
	"github.com/chainfund/ledgercore/service/verify"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server represents the HTTP server for the contribution service.
type Server struct {
	addr     string
	cfg      *config.Config
	store    *db.Store
	registry *registry.Registry
	verifier *verify.Engine
	scanner  *scan.Scanner
	metrics  *metrics.Metrics
	logger   *slog.Logger
	server   *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The scanner powers the on-demand scan endpoint; scheduled scans run in
// the worker. The metrics is optional - if nil, the metrics endpoint
// won't be available.
func New(addr string, cfg *config.Config, store *db.Store, reg *registry.Registry, verifier *verify.Engine, scanner *scan.Scanner, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		addr:     addr,
		cfg:      cfg,
		store:    store,
		registry: reg,
		verifier: verifier,
		scanner:  scanner,
		metrics:  m,
		logger:   logger,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	auth := bearerAuth(s.cfg.APISharedSecret, s.logger)

	route := func(pattern, name string, h http.Handler, authed bool) {
		h = metrics.HTTPMetricsMiddleware(s.metrics, name)(h)
		if authed {
			h = auth(h)
		}
		mux.Handle(pattern, h)
	}

	// Claim and scan routes
	route("POST /api/v1/claims/{chain}", "/api/v1/claims", handleSubmitClaim(s.verifier, s.logger), true)
	route("POST /api/v1/scan/{chain}", "/api/v1/scan", handleTriggerScan(s.scanner, s.logger), true)

	// Wallet registry routes
	route("POST /api/v1/wallets", "/api/v1/wallets", handleRegisterWallet(s.registry, s.logger), true)
	route("DELETE /api/v1/wallets/{chain}/{address}", "/api/v1/wallets", handleUnregisterWallet(s.registry, s.logger), true)
	route("GET /api/v1/wallets", "/api/v1/wallets", handleListWallets(s.store, s.logger), false)

	// Ledger read-back
	route("GET /api/v1/contributions", "/api/v1/contributions", handleListContributions(s.store, s.logger), false)

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	// Wrap mux with CORS middleware
	handler := corsMiddleware(mux)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// bearerAuth enforces the shared-secret Authorization header. The check
// is constant time so the secret cannot be probed byte by byte.
func bearerAuth(secret string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				logger.Debug("rejected unauthorized request", "path", r.URL.Path)
				writeOutcome(w, http.StatusUnauthorized, string(verify.OutcomeUnauthorized), "missing or invalid bearer token", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Set CORS headers for all requests
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		// Handle preflight OPTIONS requests
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		// Pass through to next handler
		next.ServeHTTP(w, r)
	})
}
