package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// ErrInvalid is wrapped by every configuration validation failure so callers
// can distinguish startup misconfiguration from runtime errors.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	LogLevel    string
	MetricsAddr string
	ServerAddr  string // HTTP API of cmd/server

	// Solana configuration
	SolanaRPCURL string

	// Rate limiting (token bucket shared by every fetch attempt)
	RateLimitRPS   float64
	RateLimitBurst int

	// Retry configuration
	FetchMaxAttempts    int
	FetchBaseDelay      time.Duration
	FetchMaxDelay       time.Duration
	FetchAttemptTimeout time.Duration

	// Streaming configuration
	StreamConcurrency  int
	StreamPollInterval time.Duration
	StreamMaxLag       int

	// Pricing configuration
	PythBenchmarksURL string
	PriceCacheSize    int

	// Optional sinks
	NATSURL     string
	DatabaseURL string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error wrapping ErrInvalid if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg, err := Parse()
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Parse reads configuration from environment variables without validating
// it. Only malformed values are reported. Callers that override fields
// afterwards must call Validate.
func Parse() (*Config, error) {
	cfg := &Config{}
	var errs []error

	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9091")
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")

	cfg.SolanaRPCURL = os.Getenv("SOLANA_RPC_URL")

	rps, err := parseFloat("RATE_LIMIT_RPS", 10)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.RateLimitRPS = rps

	burst, err := parseInt("RATE_LIMIT_BURST", 10)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.RateLimitBurst = burst

	attempts, err := parseInt("FETCH_MAX_ATTEMPTS", 4)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.FetchMaxAttempts = attempts

	if cfg.FetchBaseDelay, err = parseDuration("FETCH_BASE_DELAY", "250ms"); err != nil {
		errs = append(errs, err)
	}
	if cfg.FetchMaxDelay, err = parseDuration("FETCH_MAX_DELAY", "5s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.FetchAttemptTimeout, err = parseDuration("FETCH_ATTEMPT_TIMEOUT", "30s"); err != nil {
		errs = append(errs, err)
	}

	concurrency, err := parseInt("STREAM_CONCURRENCY", 4)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.StreamConcurrency = concurrency

	if cfg.StreamPollInterval, err = parseDuration("STREAM_POLL_INTERVAL", "400ms"); err != nil {
		errs = append(errs, err)
	}

	maxLag, err := parseInt("STREAM_MAX_LAG", 0)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.StreamMaxLag = maxLag

	cfg.PythBenchmarksURL = getEnvOrDefault("PYTH_BENCHMARKS_URL", "https://benchmarks.pyth.network")
	cacheSize, err := parseInt("PRICE_CACHE_SIZE", 4096)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.PriceCacheSize = cacheSize

	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "pono-backfill")

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: configuration validation failed: %v", ErrInvalid, errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for worker initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env, and for
// re-validating after command line flags override environment values.
func (c *Config) Validate() error {
	var errs []error

	if c.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SolanaRPCURL is required"))
	} else if u, err := url.Parse(c.SolanaRPCURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("SolanaRPCURL must be an http(s) URL, got %q", c.SolanaRPCURL))
	}

	if c.RateLimitRPS <= 0 {
		errs = append(errs, fmt.Errorf("RateLimitRPS must be positive"))
	}
	if c.RateLimitBurst < 1 {
		errs = append(errs, fmt.Errorf("RateLimitBurst must be at least 1"))
	}

	if c.FetchMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("FetchMaxAttempts must be at least 1"))
	}
	if c.FetchBaseDelay <= 0 {
		errs = append(errs, fmt.Errorf("FetchBaseDelay must be positive"))
	}
	if c.FetchMaxDelay < c.FetchBaseDelay {
		errs = append(errs, fmt.Errorf("FetchMaxDelay (%v) cannot be less than FetchBaseDelay (%v)",
			c.FetchMaxDelay, c.FetchBaseDelay))
	}
	if c.FetchAttemptTimeout <= 0 {
		errs = append(errs, fmt.Errorf("FetchAttemptTimeout must be positive"))
	}

	if c.StreamConcurrency < 1 {
		errs = append(errs, fmt.Errorf("StreamConcurrency must be at least 1"))
	}
	if c.StreamPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("StreamPollInterval must be positive"))
	}
	if c.StreamMaxLag < 0 {
		errs = append(errs, fmt.Errorf("StreamMaxLag cannot be negative"))
	}

	if c.PriceCacheSize < 1 {
		errs = append(errs, fmt.Errorf("PriceCacheSize must be at least 1"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: configuration validation failed: %v", ErrInvalid, errs)
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

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

// parseFloat parses a float from an environment variable or uses a default.
func parseFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q: %w", key, value, err)
	}
	return result, nil
}
