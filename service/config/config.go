package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AuthSpec describes how to authenticate against a chain RPC endpoint.
// The strategy is fixed at deploy time; nothing probes or negotiates
// auth per call.
type AuthSpec struct {
	// Kind is one of "none", "bearer", "basic", "header", "query".
	Kind string
	// Name is the header or query parameter name for "header"/"query",
	// or the username for "basic".
	Name string
	// Value is the token, password, header value or query value.
	Value string
}

// ChainConfig holds the per-chain settings for one configured chain.
type ChainConfig struct {
	Name             string
	RPCURLs          []string
	Auth             AuthSpec
	MinConfirmations uint64
	Decimals         uint8
	ScanLookback     uint64
	MaxBlocksPerRun  uint64

	// Denom is only meaningful for Cosmos-family chains (e.g. "uatom").
	Denom string
}

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// APISharedSecret authenticates claim and scan-trigger requests.
	APISharedSecret string

	// Database configuration
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	// Scan configuration
	ScanInterval           time.Duration
	ScanLeaseTTL           time.Duration
	ScanCheckpointInterval uint64

	// Pricing configuration. Empty PriceOracleURL disables price
	// attachment.
	PriceOracleURL string

	// Chains holds one entry per enabled chain, keyed by chain name.
	Chains map[string]ChainConfig
}

// chainDefaults carries the per-chain fallbacks applied when the
// corresponding env vars are unset.
type chainDefaults struct {
	minConfirmations uint64
	decimals         uint8
	scanLookback     uint64
	maxBlocksPerRun  uint64
}

var knownChainDefaults = map[string]chainDefaults{
	"ethereum": {minConfirmations: 6, decimals: 18, scanLookback: 128, maxBlocksPerRun: 50},
	"bitcoin":  {minConfirmations: 3, decimals: 8, scanLookback: 12, maxBlocksPerRun: 10},
	"cosmos":   {minConfirmations: 1, decimals: 6, scanLookback: 200, maxBlocksPerRun: 100},
	"polkadot": {minConfirmations: 1, decimals: 10, scanLookback: 200, maxBlocksPerRun: 100},
	"stellar":  {minConfirmations: 1, decimals: 7, scanLookback: 240, maxBlocksPerRun: 100},
	"tron":     {minConfirmations: 19, decimals: 6, scanLookback: 400, maxBlocksPerRun: 100},
	"solana":   {minConfirmations: 31, decimals: 9, scanLookback: 1000, maxBlocksPerRun: 200},
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.APISharedSecret = os.Getenv("API_SHARED_SECRET")
	if cfg.APISharedSecret == "" {
		errs = append(errs, fmt.Errorf("API_SHARED_SECRET is required"))
	}

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	// NATS configuration
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "ledgercore-chain-scanning")

	// Scan configuration
	scanInterval, err := parseDuration("SCAN_INTERVAL", "2m")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ScanInterval = scanInterval
	}

	leaseTTL, err := parseDuration("SCAN_LEASE_TTL", "10m")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ScanLeaseTTL = leaseTTL
	}

	checkpoint, err := parseUint("SCAN_CHECKPOINT_INTERVAL", 25)
	if err != nil {
		errs = append(errs, err)
	} else if checkpoint == 0 {
		errs = append(errs, fmt.Errorf("SCAN_CHECKPOINT_INTERVAL must be positive"))
	} else {
		cfg.ScanCheckpointInterval = checkpoint
	}

	// Pricing configuration
	cfg.PriceOracleURL = os.Getenv("PRICE_ORACLE_URL")

	// Chain configuration. LEDGER_CHAINS names the enabled chains;
	// each enabled chain must have RPC URLs configured.
	chainNames := splitCSV(getEnvOrDefault("LEDGER_CHAINS", "ethereum,bitcoin,cosmos,polkadot,stellar,tron,solana"))
	cfg.Chains = make(map[string]ChainConfig, len(chainNames))

	for _, name := range chainNames {
		defaults, ok := knownChainDefaults[name]
		if !ok {
			errs = append(errs, fmt.Errorf("LEDGER_CHAINS: unknown chain %q", name))
			continue
		}

		cc, chainErrs := loadChain(name, defaults)
		errs = append(errs, chainErrs...)
		cfg.Chains[name] = cc
	}

	if len(cfg.Chains) == 0 {
		errs = append(errs, fmt.Errorf("LEDGER_CHAINS: at least one chain must be enabled"))
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// loadChain reads one chain's env vars. Env var names are the chain
// name uppercased, e.g. ETHEREUM_RPC_URLS, BITCOIN_MIN_CONFIRMATIONS.
func loadChain(name string, defaults chainDefaults) (ChainConfig, []error) {
	var errs []error
	prefix := strings.ToUpper(name)

	cc := ChainConfig{Name: name, Decimals: defaults.decimals}

	cc.RPCURLs = splitCSV(os.Getenv(prefix + "_RPC_URLS"))
	if len(cc.RPCURLs) == 0 {
		errs = append(errs, fmt.Errorf("%s_RPC_URLS is required", prefix))
	}

	auth, err := parseAuthSpec(os.Getenv(prefix + "_RPC_AUTH"))
	if err != nil {
		errs = append(errs, fmt.Errorf("%s_RPC_AUTH: %w", prefix, err))
	} else {
		cc.Auth = auth
	}

	minConf, err := parseUint(prefix+"_MIN_CONFIRMATIONS", defaults.minConfirmations)
	if err != nil {
		errs = append(errs, err)
	} else {
		cc.MinConfirmations = minConf
	}

	lookback, err := parseUint(prefix+"_SCAN_LOOKBACK", defaults.scanLookback)
	if err != nil {
		errs = append(errs, err)
	} else {
		cc.ScanLookback = lookback
	}

	maxBlocks, err := parseUint(prefix+"_MAX_BLOCKS_PER_RUN", defaults.maxBlocksPerRun)
	if err != nil {
		errs = append(errs, err)
	} else if maxBlocks == 0 {
		errs = append(errs, fmt.Errorf("%s_MAX_BLOCKS_PER_RUN must be positive", prefix))
	} else {
		cc.MaxBlocksPerRun = maxBlocks
	}

	if name == "cosmos" {
		cc.Denom = getEnvOrDefault("COSMOS_DENOM", "uatom")
	}

	return cc, errs
}

// parseAuthSpec parses the compact auth string form used in env vars:
//
//	""                     no auth
//	"none"                 no auth
//	"bearer:TOKEN"         Authorization: Bearer TOKEN
//	"basic:USER:PASS"      HTTP basic auth
//	"header:NAME:VALUE"    custom header
//	"query:NAME:VALUE"     query string parameter
func parseAuthSpec(s string) (AuthSpec, error) {
	if s == "" || s == "none" {
		return AuthSpec{Kind: "none"}, nil
	}

	kind, rest, _ := strings.Cut(s, ":")
	switch kind {
	case "bearer":
		if rest == "" {
			return AuthSpec{}, fmt.Errorf("bearer auth needs a token")
		}
		return AuthSpec{Kind: "bearer", Value: rest}, nil
	case "basic", "header", "query":
		name, value, ok := strings.Cut(rest, ":")
		if !ok || name == "" {
			return AuthSpec{}, fmt.Errorf("%s auth needs name:value", kind)
		}
		return AuthSpec{Kind: kind, Name: name, Value: value}, nil
	default:
		return AuthSpec{}, fmt.Errorf("unknown auth kind %q", kind)
	}
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.APISharedSecret == "" {
		errs = append(errs, fmt.Errorf("APISharedSecret is required"))
	}

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}

	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}

	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
	}

	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}

	if c.ScanInterval < time.Second {
		errs = append(errs, fmt.Errorf("ScanInterval must be at least 1 second"))
	}

	if c.ScanCheckpointInterval == 0 {
		errs = append(errs, fmt.Errorf("ScanCheckpointInterval must be positive"))
	}

	if len(c.Chains) == 0 {
		errs = append(errs, fmt.Errorf("at least one chain must be configured"))
	}

	for name, cc := range c.Chains {
		if len(cc.RPCURLs) == 0 {
			errs = append(errs, fmt.Errorf("chain %s: RPCURLs is required", name))
		}
		if cc.MaxBlocksPerRun == 0 {
			errs = append(errs, fmt.Errorf("chain %s: MaxBlocksPerRun must be positive", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseUint parses an unsigned integer from an environment variable or uses a default.
func parseUint(key string, defaultValue uint64) (uint64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

// splitCSV splits a comma separated list, trimming whitespace and
// dropping empty entries.
func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
