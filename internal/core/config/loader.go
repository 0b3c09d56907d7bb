package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// EnvPrefix prefixes every environment override, e.g. WALLETD_KAFKA_BROKERS.
const EnvPrefix = "WALLETD_"

// Load reads configuration from a YAML file and applies environment overrides.
// An empty path loads from the environment alone.
func Load(path string) (*AppConfig, error) {
	// A local .env is optional.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var cfg AppConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand environment variables in the YAML content
		expandedData := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if cfg.Derivation.Mnemonic == "" && cfg.Derivation.MnemonicFile != "" {
		data, err := os.ReadFile(cfg.Derivation.MnemonicFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read mnemonic file: %w", err)
		}
		cfg.Derivation.Mnemonic = strings.TrimSpace(string(data))
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	cfg.Kafka = cfg.Kafka.WithDefaults()

	if cfg.Redis.CacheTTL == 0 {
		cfg.Redis.CacheTTL = 10 * time.Minute
	}

	p := &cfg.Provisioning
	if p.MaxConcurrentGenerations == 0 {
		p.MaxConcurrentGenerations = 8
	}
	if p.ClaimTimeout == 0 {
		p.ClaimTimeout = 5 * time.Second
	}
	if p.RetryAttempts == 0 {
		p.RetryAttempts = 3
	}
	if p.RetryBackoff == 0 {
		p.RetryBackoff = 200 * time.Millisecond
	}

	pr := &cfg.Producer
	if pr.MaxAttempts == 0 {
		pr.MaxAttempts = 5
	}
	if pr.InitialBackoff == 0 {
		pr.InitialBackoff = time.Second
	}
	if pr.MaxBackoff == 0 {
		pr.MaxBackoff = 30 * time.Second
	}
}
