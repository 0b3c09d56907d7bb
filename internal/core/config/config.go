package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/walletd/internal/core/derivation"
	"github.com/vietddude/walletd/internal/infra/kafka"
	redisclient "github.com/vietddude/walletd/internal/infra/redis"
	"github.com/vietddude/walletd/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server       ServerConfig       `yaml:"server"       envPrefix:"SERVER_"`
	Logging      LoggingConfig      `yaml:"logging"      envPrefix:"LOG_"`
	Database     postgres.Config    `yaml:"database"     envPrefix:"DATABASE_"`
	Redis        redisclient.Config `yaml:"redis"        envPrefix:"REDIS_"`
	Kafka        kafka.Config       `yaml:"kafka"        envPrefix:"KAFKA_"`
	Derivation   DerivationConfig   `yaml:"derivation"   envPrefix:"DERIVATION_"`
	Provisioning ProvisioningConfig `yaml:"provisioning" envPrefix:"PROVISIONING_"`
	Producer     ProducerConfig     `yaml:"producer"     envPrefix:"PRODUCER_"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port" env:"PORT"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"  env:"LEVEL"`  // debug, info, warn, error
	Format string `yaml:"format" env:"FORMAT"` // json, text
}

// DerivationConfig holds the master seed source and the key-encryption key.
// Neither value is ever logged.
type DerivationConfig struct {
	Mnemonic      string `yaml:"mnemonic"       env:"MNEMONIC"`
	MnemonicFile  string `yaml:"mnemonic_file"  env:"MNEMONIC_FILE"`
	EncryptionKey string `yaml:"encryption_key" env:"ENCRYPTION_KEY"`
}

// ProvisioningConfig holds consumer-side limits.
type ProvisioningConfig struct {
	MaxConcurrentGenerations int           `yaml:"max_concurrent_generations" env:"MAX_CONCURRENT_GENERATIONS"`
	ClaimTimeout             time.Duration `yaml:"claim_timeout"              env:"CLAIM_TIMEOUT"`
	RetryAttempts            int           `yaml:"retry_attempts"             env:"RETRY_ATTEMPTS"`
	RetryBackoff             time.Duration `yaml:"retry_backoff"              env:"RETRY_BACKOFF"`
}

// ProducerConfig holds verification event publishing settings.
type ProducerConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"    env:"MAX_ATTEMPTS"`
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"INITIAL_BACKOFF"`
	MaxBackoff     time.Duration `yaml:"max_backoff"     env:"MAX_BACKOFF"`
}

// Validate checks everything the provisioning service needs at startup.
func (c *AppConfig) Validate() error {
	var errs []error

	if err := c.Kafka.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Derivation.Mnemonic == "" {
		errs = append(errs, errors.New("derivation: mnemonic or mnemonic_file is required"))
	} else if _, err := derivation.NewMasterSeed(c.Derivation.Mnemonic); err != nil {
		errs = append(errs, fmt.Errorf("derivation: %w", err))
	}
	if len(c.Derivation.EncryptionKey) < derivation.MinSecretLen {
		errs = append(errs, fmt.Errorf("derivation: encryption_key must be at least %d bytes", derivation.MinSecretLen))
	}
	if c.Provisioning.MaxConcurrentGenerations <= 0 {
		errs = append(errs, errors.New("provisioning: max_concurrent_generations must be > 0"))
	}
	if c.Database.Driver != "" && c.Database.Driver != postgres.DriverPgx && c.Database.Driver != postgres.DriverPQ {
		errs = append(errs, fmt.Errorf("database: unsupported driver %q", c.Database.Driver))
	}

	return errors.Join(errs...)
}
