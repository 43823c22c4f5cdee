package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the settlement gateway.
type Config struct {
	// Server Configuration
	ListenAddr  string
	MetricsAddr string

	// Backend Configuration - the upstream inference service the
	// gateway forwards completion requests to.
	BackendURL string

	// Chain Configuration
	EthereumURL            string
	EthChainID             int64
	SettlementContractAddr string
	EthPrivateKey          string

	// Journal / Circuit Configuration
	DataDir         string // base directory for the journal's status/history tables
	ProverCSPath    string // compiled constraint system, empty to compile in-process
	ProverKeyPath   string
	VerifierKeyPath string

	// Settlement Configuration
	SettlementCheckInterval time.Duration
	SettlementWatermark     uint64
	ReapInterval            time.Duration
	ReapMaxAge              time.Duration

	// Service Configuration
	LogLevel string
}

// Load reads configuration from environment variables. Required
// production values have no defaults; call Validate after Load.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("API_PORT", "8080"),
		MetricsAddr: getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("METRICS_PORT", "9090"),

		BackendURL: getEnv("BACKEND_URL", ""),

		EthereumURL:            getEnv("ETHEREUM_URL", ""),
		EthChainID:             getEnvInt64("ETH_CHAIN_ID", 11155111),
		SettlementContractAddr: getEnv("SETTLEMENT_CONTRACT_ADDRESS", ""),
		EthPrivateKey:          getEnv("ETH_PRIVATE_KEY", ""),

		DataDir:         getEnv("DATA_DIR", "./data"),
		ProverCSPath:    getEnv("PROVER_CS_PATH", ""),
		ProverKeyPath:   getEnv("PROVER_KEY_PATH", ""),
		VerifierKeyPath: getEnv("VERIFIER_KEY_PATH", ""),

		SettlementCheckInterval: getEnvDuration("SETTLEMENT_CHECK_INTERVAL", 3*time.Second),
		SettlementWatermark:     uint64(getEnvInt64("SETTLEMENT_WATERMARK", 1_000_000)),
		ReapInterval:            getEnvDuration("REAP_INTERVAL", time.Minute),
		ReapMaxAge:              getEnvDuration("REAP_MAX_AGE", 10*time.Minute),

		// DEOPENCHAT_GATEWAY_LOG is the one environment variable the
		// core spec itself names (§6 External Interfaces); LOG_LEVEL is
		// kept as a generic fallback for deployments that set it instead.
		LogLevel: getEnv("DEOPENCHAT_GATEWAY_LOG", getEnv("LOG_LEVEL", "info")),
	}

	return cfg, nil
}

// Validate checks that all required configuration is present. Must be
// called after Load before starting the service.
func (c *Config) Validate() error {
	var errs []string

	if c.EthereumURL == "" {
		errs = append(errs, "ETHEREUM_URL is required but not set")
	}
	if c.SettlementContractAddr == "" {
		errs = append(errs, "SETTLEMENT_CONTRACT_ADDRESS is required but not set")
	}
	if c.EthPrivateKey == "" {
		errs = append(errs, "ETH_PRIVATE_KEY is required but not set")
	}
	if c.BackendURL == "" {
		errs = append(errs, "BACKEND_URL is required but not set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ValidateForDevelopment performs relaxed validation suitable for local
// development, where no chain or backend needs to be reachable.
func (c *Config) ValidateForDevelopment() error {
	if c.DataDir == "" {
		return fmt.Errorf("development configuration validation failed:\n  - DATA_DIR is required")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
