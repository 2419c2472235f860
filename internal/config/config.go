package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/multisafe/custody/internal/hsm"
)

// ChainConfig is one chain endpoint the daemon serves.
type ChainConfig struct {
	ChainID      int64  `yaml:"chain_id"`
	RPCURL       string `yaml:"rpc_url"`
	RelayBaseURL string `yaml:"relay_base_url"`
}

// Config holds infrastructure-level configuration. Values load from a
// YAML file first (CUSTODY_CONFIG), then environment variables override
// field by field.
type Config struct {
	// Database. Empty selects the in-memory secret store and pending
	// transaction repository.
	PostgresDSN string `yaml:"postgres_dsn"`

	// Connection pool bounds; zero keeps the storage layer's defaults.
	PoolMaxConns int32 `yaml:"pool_max_conns"`
	PoolMinConns int32 `yaml:"pool_min_conns"`

	// Sealing backend for the hardware key provider.
	SealBackend       string `yaml:"seal_backend"` // local, aws-kms or vault
	LocalMasterKeyHex string `yaml:"local_master_key"`
	AWSKMSKeyID       string `yaml:"aws_kms_key_id"`
	AWSKMSRegion      string `yaml:"aws_kms_region"`
	VaultAddress      string `yaml:"vault_address"`
	VaultToken        string `yaml:"vault_token"`
	VaultTransitKey   string `yaml:"vault_transit_key"`

	Chains []ChainConfig `yaml:"chains"`

	// MonitorInterval is the pending-transaction polling cadence.
	MonitorInterval time.Duration `yaml:"monitor_interval"`

	// MetricsPort serves the Prometheus endpoint; 0 disables it.
	MetricsPort int `yaml:"metrics_port"`
}

// Load reads the optional YAML file named by CUSTODY_CONFIG, applies
// environment overrides, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		SealBackend:     "local",
		MonitorInterval: 10 * time.Second,
		MetricsPort:     9090,
	}

	if path := os.Getenv("CUSTODY_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.PostgresDSN = getEnv("POSTGRES_DSN", cfg.PostgresDSN)
	cfg.PoolMaxConns = int32(getEnvInt("DB_POOL_MAX_CONNS", int(cfg.PoolMaxConns)))
	cfg.PoolMinConns = int32(getEnvInt("DB_POOL_MIN_CONNS", int(cfg.PoolMinConns)))
	cfg.SealBackend = getEnv("SEAL_BACKEND", cfg.SealBackend)
	cfg.LocalMasterKeyHex = getEnv("LOCAL_MASTER_KEY", cfg.LocalMasterKeyHex)
	cfg.AWSKMSKeyID = getEnv("AWS_KMS_KEY_ID", cfg.AWSKMSKeyID)
	cfg.AWSKMSRegion = getEnv("AWS_KMS_REGION", cfg.AWSKMSRegion)
	cfg.VaultAddress = getEnv("VAULT_ADDR", cfg.VaultAddress)
	cfg.VaultToken = getEnv("VAULT_TOKEN", cfg.VaultToken)
	cfg.VaultTransitKey = getEnv("VAULT_TRANSIT_KEY", cfg.VaultTransitKey)
	cfg.MetricsPort = getEnvInt("METRICS_PORT", cfg.MetricsPort)
	if v := os.Getenv("MONITOR_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid MONITOR_INTERVAL: %w", err)
		}
		cfg.MonitorInterval = d
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.SealBackend {
	case "local":
		if c.LocalMasterKeyHex == "" {
			return fmt.Errorf("LOCAL_MASTER_KEY is required when SEAL_BACKEND is 'local'")
		}
	case "aws-kms":
		if c.AWSKMSKeyID == "" || c.AWSKMSRegion == "" {
			return fmt.Errorf("AWS_KMS_KEY_ID and AWS_KMS_REGION are required when SEAL_BACKEND is 'aws-kms'")
		}
	case "vault":
		if c.VaultAddress == "" || c.VaultToken == "" || c.VaultTransitKey == "" {
			return fmt.Errorf("VAULT_ADDR, VAULT_TOKEN and VAULT_TRANSIT_KEY are required when SEAL_BACKEND is 'vault'")
		}
	default:
		return fmt.Errorf("SEAL_BACKEND must be 'local', 'aws-kms' or 'vault', got: %s", c.SealBackend)
	}

	seen := make(map[int64]bool)
	for _, chain := range c.Chains {
		if chain.ChainID == 0 || chain.RPCURL == "" {
			return fmt.Errorf("every chain needs chain_id and rpc_url")
		}
		if seen[chain.ChainID] {
			return fmt.Errorf("duplicate chain_id %d", chain.ChainID)
		}
		seen[chain.ChainID] = true
	}

	if c.PoolMaxConns < 0 || c.PoolMinConns < 0 {
		return fmt.Errorf("pool sizes must not be negative")
	}
	if c.PoolMaxConns > 0 && c.PoolMinConns > c.PoolMaxConns {
		return fmt.Errorf("pool_min_conns %d exceeds pool_max_conns %d", c.PoolMinConns, c.PoolMaxConns)
	}

	if c.MonitorInterval < time.Second {
		return fmt.Errorf("monitor_interval must be at least 1s")
	}
	return nil
}

// SealerConfig maps the configuration onto the key provider's sealing
// backend selection.
func (c *Config) SealerConfig() *hsm.SealerConfig {
	return &hsm.SealerConfig{
		Backend:           c.SealBackend,
		LocalMasterKeyHex: c.LocalMasterKeyHex,
		AWSKMSKeyID:       c.AWSKMSKeyID,
		AWSKMSRegion:      c.AWSKMSRegion,
		VaultAddress:      c.VaultAddress,
		VaultToken:        c.VaultToken,
		VaultTransitKey:   c.VaultTransitKey,
	}
}

// getEnv gets an environment variable with a default value.
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt gets an integer environment variable with a default value.
func getEnvInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
