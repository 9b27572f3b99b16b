package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/batchtx/service/batch"
	"github.com/brojonat/batchtx/service/keys"
	"github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr  string
	MetricsAddr string
	LogLevel    string

	// Database configuration (optional; disables the audit store when empty)
	DatabaseURL string

	// NATS configuration (optional; disables result events when empty)
	NATSURL string

	// Solana configuration
	SolanaRPCURL     string
	SolanaCommitment string
	CurveProgramID   solana.PublicKey
	PoolProgramID    solana.PublicKey

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	// Signing configuration
	Signers       *keys.Keyring
	DefaultSigner string
	FeePayer      string

	// Batch defaults
	MaxParallel          int
	DelayBetween         time.Duration
	RetryFailed          bool
	DisableFallbackRetry bool
	DynamicBatching      bool
	MaxRetries           int
	RetryBackoff         time.Duration
	MaxInstructions      int
}

// Load reads configuration from environment variables and validates all required fields.
// A .env file in the working directory is loaded first when present; variables
// already set in the environment win.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	_ = godotenv.Load() // best-effort

	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9090")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.NATSURL = os.Getenv("NATS_URL")

	// Solana configuration
	cfg.SolanaRPCURL = os.Getenv("SOLANA_RPC_URL")
	if cfg.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URL is required"))
	}
	cfg.SolanaCommitment = getEnvOrDefault("SOLANA_COMMITMENT", "confirmed")
	switch cfg.SolanaCommitment {
	case "processed", "confirmed", "finalized":
	default:
		errs = append(errs, fmt.Errorf("SOLANA_COMMITMENT: must be processed, confirmed or finalized, got %q", cfg.SolanaCommitment))
	}

	var err error
	if cfg.CurveProgramID, err = parsePublicKey("CURVE_PROGRAM_ID"); err != nil {
		errs = append(errs, err)
	}
	if cfg.PoolProgramID, err = parsePublicKey("POOL_PROGRAM_ID"); err != nil {
		errs = append(errs, err)
	}

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "batchtx")

	// Signing configuration
	cfg.Signers, err = keys.ParseKeyring(os.Getenv("SIGNER_KEYS"))
	if err != nil {
		errs = append(errs, fmt.Errorf("SIGNER_KEYS: %w", err))
		cfg.Signers = keys.NewKeyring()
	}
	cfg.DefaultSigner = os.Getenv("DEFAULT_SIGNER")
	cfg.FeePayer = os.Getenv("FEE_PAYER")

	// Batch defaults
	defaults := batch.DefaultOptions()
	if cfg.MaxParallel, err = parseInt("BATCH_MAX_PARALLEL", defaults.MaxParallel); err != nil {
		errs = append(errs, err)
	}
	if cfg.DelayBetween, err = parseDuration("BATCH_DELAY_BETWEEN", defaults.DelayBetween.String()); err != nil {
		errs = append(errs, err)
	}
	if cfg.RetryFailed, err = parseBool("BATCH_RETRY_FAILED", defaults.RetryFailed); err != nil {
		errs = append(errs, err)
	}
	if cfg.DisableFallbackRetry, err = parseBool("BATCH_DISABLE_FALLBACK_RETRY", defaults.DisableFallbackRetry); err != nil {
		errs = append(errs, err)
	}
	if cfg.DynamicBatching, err = parseBool("BATCH_DYNAMIC_BATCHING", defaults.DynamicBatching); err != nil {
		errs = append(errs, err)
	}
	if cfg.MaxRetries, err = parseInt("BATCH_MAX_RETRIES", defaults.MaxRetries); err != nil {
		errs = append(errs, err)
	}
	if cfg.RetryBackoff, err = parseDuration("BATCH_RETRY_BACKOFF", defaults.RetryBackoff.String()); err != nil {
		errs = append(errs, err)
	}
	if cfg.MaxInstructions, err = parseInt("BATCH_MAX_INSTRUCTIONS", defaults.MaxInstructions); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
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

	if c.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SolanaRPCURL is required"))
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

	if c.MaxParallel < 1 {
		errs = append(errs, fmt.Errorf("MaxParallel must be at least 1"))
	}

	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("MaxRetries cannot be negative"))
	}

	if c.DelayBetween < 0 || c.RetryBackoff < 0 {
		errs = append(errs, fmt.Errorf("DelayBetween and RetryBackoff cannot be negative"))
	}

	if c.MaxInstructions < 1 {
		errs = append(errs, fmt.Errorf("MaxInstructions must be at least 1"))
	}

	if c.DefaultSigner != "" && c.Signers != nil {
		if _, err := c.Signers.Lookup(c.DefaultSigner); err != nil {
			errs = append(errs, fmt.Errorf("DefaultSigner: %w", err))
		}
	}

	if c.FeePayer != "" && c.Signers != nil {
		if _, err := c.Signers.Lookup(c.FeePayer); err != nil {
			errs = append(errs, fmt.Errorf("FeePayer: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// BatchOptions returns the configured batch defaults with signers resolved
// against the keyring. With no DEFAULT_SIGNER, a keyring holding exactly one
// key uses it as the default signer.
func (c *Config) BatchOptions() (batch.Options, error) {
	opts := batch.Options{
		MaxParallel:          c.MaxParallel,
		DelayBetween:         c.DelayBetween,
		RetryFailed:          c.RetryFailed,
		DisableFallbackRetry: c.DisableFallbackRetry,
		DynamicBatching:      c.DynamicBatching,
		MaxRetries:           c.MaxRetries,
		RetryBackoff:         c.RetryBackoff,
		MaxInstructions:      c.MaxInstructions,
	}

	signers := c.Signers
	if signers == nil {
		signers = keys.NewKeyring()
	}

	switch {
	case c.DefaultSigner != "":
		key, err := signers.Lookup(c.DefaultSigner)
		if err != nil {
			return opts, fmt.Errorf("default signer: %w", err)
		}
		opts.DefaultSigner = key.PublicKey()
	case signers.Len() == 1:
		key, err := signers.Lookup(signers.Names()[0])
		if err != nil {
			return opts, err
		}
		opts.DefaultSigner = key.PublicKey()
	}

	if c.FeePayer != "" {
		key, err := signers.Lookup(c.FeePayer)
		if err != nil {
			return opts, fmt.Errorf("fee payer: %w", err)
		}
		payer := batch.Explicit(key.PublicKey())
		opts.FeePayer = &payer
	}
	return opts, nil
}

// RPCEndpoints splits SOLANA_RPC_URL, which may list several comma-separated endpoints.
func (c *Config) RPCEndpoints() []string {
	var out []string
	for _, u := range strings.Split(c.SolanaRPCURL, ",") {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
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

// parseBool parses a boolean from an environment variable or uses a default.
func parseBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q: %w", key, value, err)
	}
	return result, nil
}

// parsePublicKey parses an optional base58 public key. Unset yields the zero key.
func parsePublicKey(key string) (solana.PublicKey, error) {
	value := os.Getenv(key)
	if value == "" {
		return solana.PublicKey{}, nil
	}
	pub, err := solana.PublicKeyFromBase58(value)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%s: invalid public key %q: %w", key, value, err)
	}
	return pub, nil
}
