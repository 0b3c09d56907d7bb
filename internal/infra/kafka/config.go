package kafka

import (
	"errors"
	"time"

	"github.com/vietddude/walletd/internal/core/domain"
)

// Config holds broker and topic configuration.
type Config struct {
	Brokers            []string      `yaml:"brokers"              env:"BROKERS" envSeparator:","`
	ClientID           string        `yaml:"client_id"            env:"CLIENT_ID"`
	ConsumerGroup      string        `yaml:"consumer_group"       env:"CONSUMER_GROUP"`
	Topic              string        `yaml:"topic"                env:"TOPIC"`
	DeadLetterTopic    string        `yaml:"dead_letter_topic"    env:"DEAD_LETTER_TOPIC"`
	WalletCreatedTopic string        `yaml:"wallet_created_topic" env:"WALLET_CREATED_TOPIC"`
	PollRecords        int           `yaml:"poll_records"         env:"POLL_RECORDS"`
	RedeliveryBackoff  time.Duration `yaml:"redelivery_backoff"   env:"REDELIVERY_BACKOFF"`
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.ClientID == "" {
		c.ClientID = "walletd"
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = "wallet-service"
	}
	if c.Topic == "" {
		c.Topic = domain.TopicUserVerified
	}
	if c.DeadLetterTopic == "" {
		c.DeadLetterTopic = domain.TopicDeadLetter
	}
	if c.WalletCreatedTopic == "" {
		c.WalletCreatedTopic = domain.TopicWalletCreated
	}
	if c.PollRecords <= 0 {
		c.PollRecords = 100
	}
	if c.RedeliveryBackoff <= 0 {
		c.RedeliveryBackoff = time.Second
	}
	return c
}

// Validate checks required fields.
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: at least one broker is required")
	}
	return nil
}
