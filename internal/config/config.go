package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fundlift/indexer/internal/logger"
)

// Config represents the complete configuration for the campaign indexer.
type Config struct {
	// Chain contains blockchain connection settings
	Chain ChainConfig `yaml:"chain" json:"chain" toml:"chain"`

	// Poll contains producer polling settings
	Poll PollConfig `yaml:"poll" json:"poll" toml:"poll"`

	// Reorg contains reorganization handling settings
	Reorg ReorgConfig `yaml:"reorg" json:"reorg" toml:"reorg"`

	// Broker contains RabbitMQ settings
	Broker BrokerConfig `yaml:"broker" json:"broker" toml:"broker"`

	// Consumer contains worker pool settings
	Consumer ConsumerConfig `yaml:"consumer" json:"consumer" toml:"consumer"`

	// Reconcile contains periodic reconciliation settings
	Reconcile ReconcileConfig `yaml:"reconcile" json:"reconcile" toml:"reconcile"`

	// DB contains relational store settings
	DB DBConfig `yaml:"db" json:"db" toml:"db"`

	// Log contains logging configuration
	Log LogConfig `yaml:"log" json:"log" toml:"log"`

	// Metrics contains Prometheus metrics configuration
	Metrics *MetricsConfig `yaml:"metrics,omitempty" json:"metrics,omitempty" toml:"metrics,omitempty"`
}

// ChainConfig represents blockchain connection settings.
type ChainConfig struct {
	// RPCURL is the Ethereum JSON-RPC endpoint URL
	RPCURL string `yaml:"rpc_url" json:"rpc_url" toml:"rpc_url"`

	// ChainID identifies the chain being indexed
	ChainID uint64 `yaml:"chain_id" json:"chain_id" toml:"chain_id"`

	// FactoryAddress is the CampaignFactory contract address
	FactoryAddress string `yaml:"factory_address" json:"factory_address" toml:"factory_address"`

	// Confirmations is the depth below head treated as finalized
	Confirmations uint64 `yaml:"confirmations" json:"confirmations" toml:"confirmations"`

	// RequestTimeout bounds every individual RPC request
	RequestTimeout Duration `yaml:"request_timeout" json:"request_timeout" toml:"request_timeout"`
}

// PollConfig represents producer polling settings.
type PollConfig struct {
	// BatchBlocks is the maximum block range per log fetch
	BatchBlocks uint64 `yaml:"batch_blocks" json:"batch_blocks" toml:"batch_blocks"`

	// Interval is the sleep between poll iterations when caught up
	Interval Duration `yaml:"interval" json:"interval" toml:"interval"`

	// Retry contains RPC retry configuration with exponential backoff
	Retry *RetryConfig `yaml:"retry,omitempty" json:"retry,omitempty" toml:"retry,omitempty"`
}

// RetryConfig represents RPC retry configuration with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial request)
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts" toml:"max_attempts"`

	// InitialBackoff is the initial backoff duration before first retry
	InitialBackoff Duration `yaml:"initial_backoff" json:"initial_backoff" toml:"initial_backoff"`

	// MaxBackoff is the maximum backoff duration
	MaxBackoff Duration `yaml:"max_backoff" json:"max_backoff" toml:"max_backoff"`

	// BackoffMultiplier is the multiplier for exponential backoff
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoff_multiplier" toml:"backoff_multiplier"`
}

// ApplyDefaults sets default values for retry configuration.
func (r *RetryConfig) ApplyDefaults() {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 5
	}
	if r.InitialBackoff.Duration == 0 {
		r.InitialBackoff = NewDuration(1 * time.Second)
	}
	if r.MaxBackoff.Duration == 0 {
		r.MaxBackoff = NewDuration(30 * time.Second)
	}
	if r.BackoffMultiplier == 0 {
		r.BackoffMultiplier = 2.0
	}
}

// ReorgConfig represents reorganization handling settings.
type ReorgConfig struct {
	// RollbackDepth is the number of blocks rewound on a detected reorg.
	// Must exceed the expected reorg depth of the target network.
	RollbackDepth uint64 `yaml:"rollback_depth" json:"rollback_depth" toml:"rollback_depth"`
}

// BrokerConfig represents RabbitMQ settings.
type BrokerConfig struct {
	// URL is the AMQP connection URI
	URL string `yaml:"url" json:"url" toml:"url"`

	// ExchangeName is the topic exchange all event messages pass through
	ExchangeName string `yaml:"exchange_name" json:"exchange_name" toml:"exchange_name"`

	// Prefetch bounds unacknowledged in-flight messages per consumer channel
	Prefetch int `yaml:"prefetch" json:"prefetch" toml:"prefetch"`
}

// ConsumerConfig represents worker pool settings.
type ConsumerConfig struct {
	// Workers is the number of competing consumer workers
	Workers int `yaml:"workers" json:"workers" toml:"workers"`

	// MaxRetries bounds transient redeliveries before a message is dead-lettered
	MaxRetries int `yaml:"max_retries" json:"max_retries" toml:"max_retries"`
}

// ReconcileConfig represents periodic reconciliation settings.
type ReconcileConfig struct {
	// Interval is the time between reconciliation ticks published by the producer
	Interval Duration `yaml:"interval" json:"interval" toml:"interval"`
}

// DBConfig represents relational store settings.
type DBConfig struct {
	// URL is the connection string for the relational store
	URL string `yaml:"url" json:"url" toml:"url"`

	// MaxOpenConnections is the maximum number of open database connections
	MaxOpenConnections int `yaml:"max_open_connections" json:"max_open_connections" toml:"max_open_connections"`

	// MaxIdleConnections is the maximum number of idle connections in the pool
	MaxIdleConnections int `yaml:"max_idle_connections" json:"max_idle_connections" toml:"max_idle_connections"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error"
	Level string `yaml:"level" json:"level" toml:"level"`

	// Development enables development mode (stack traces, console encoder)
	Development bool `yaml:"development" json:"development" toml:"development"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	// Enabled controls whether metrics collection and HTTP endpoint are active
	Enabled bool `yaml:"enabled" json:"enabled" toml:"enabled"`

	// ListenAddress is the address to bind the metrics HTTP server to
	ListenAddress string `yaml:"listen_address" json:"listen_address" toml:"listen_address"`

	// Path is the HTTP path where metrics are exposed
	Path string `yaml:"path" json:"path" toml:"path"`
}

// ApplyDefaults sets default values for optional metrics configuration fields.
func (m *MetricsConfig) ApplyDefaults() {
	if m.ListenAddress == "" {
		m.ListenAddress = ":9090"
	}
	if m.Path == "" {
		m.Path = "/metrics"
	}
}

// Validate checks if the metrics configuration is valid.
func (m *MetricsConfig) Validate() error {
	if m.Enabled {
		if m.ListenAddress == "" {
			return fmt.Errorf("listen_address is required when metrics are enabled")
		}
		if m.Path == "" || m.Path[0] != '/' {
			return fmt.Errorf("path must start with '/'")
		}
	}
	return nil
}

// ApplyDefaults sets default values for optional configuration fields.
func (c *Config) ApplyDefaults() {
	if c.Chain.Confirmations == 0 {
		c.Chain.Confirmations = 1
	}
	if c.Chain.RequestTimeout.Duration == 0 {
		c.Chain.RequestTimeout = NewDuration(30 * time.Second)
	}
	if c.Poll.BatchBlocks == 0 {
		c.Poll.BatchBlocks = 2000
	}
	if c.Poll.Interval.Duration == 0 {
		c.Poll.Interval = NewDuration(2 * time.Second)
	}
	if c.Poll.Retry != nil {
		c.Poll.Retry.ApplyDefaults()
	}
	if c.Reorg.RollbackDepth == 0 {
		c.Reorg.RollbackDepth = 50
	}
	if c.Broker.ExchangeName == "" {
		c.Broker.ExchangeName = "blockchain_events"
	}
	if c.Broker.Prefetch == 0 {
		c.Broker.Prefetch = 10
	}
	if c.Consumer.Workers == 0 {
		c.Consumer.Workers = 4
	}
	if c.Consumer.MaxRetries == 0 {
		c.Consumer.MaxRetries = 3
	}
	if c.Reconcile.Interval.Duration == 0 {
		c.Reconcile.Interval = NewDuration(5 * time.Minute)
	}
	if c.DB.MaxOpenConnections == 0 {
		c.DB.MaxOpenConnections = 10
	}
	if c.DB.MaxIdleConnections == 0 {
		c.DB.MaxIdleConnections = 5
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Metrics != nil {
		c.Metrics.ApplyDefaults()
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url is required")
	}
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("chain.chain_id is required")
	}
	if c.Chain.FactoryAddress == "" {
		return fmt.Errorf("chain.factory_address is required")
	}
	if !common.IsHexAddress(c.Chain.FactoryAddress) {
		return fmt.Errorf("chain.factory_address is not a valid address: %s", c.Chain.FactoryAddress)
	}
	if c.Poll.BatchBlocks == 0 {
		return fmt.Errorf("poll.batch_blocks must be > 0")
	}
	if c.Poll.Interval.Duration <= 0 {
		return fmt.Errorf("poll.interval must be > 0")
	}
	if c.Reorg.RollbackDepth == 0 {
		return fmt.Errorf("reorg.rollback_depth must be > 0")
	}
	if c.Broker.URL == "" {
		return fmt.Errorf("broker.url is required")
	}
	if c.Broker.Prefetch <= 0 {
		return fmt.Errorf("broker.prefetch must be > 0")
	}
	if c.Consumer.Workers <= 0 {
		return fmt.Errorf("consumer.workers must be > 0")
	}
	if c.Consumer.MaxRetries < 0 {
		return fmt.Errorf("consumer.max_retries must be >= 0")
	}
	if c.Reconcile.Interval.Duration <= 0 {
		return fmt.Errorf("reconcile.interval must be > 0")
	}
	if c.DB.URL == "" {
		return fmt.Errorf("db.url is required")
	}
	if _, valid := logger.ValidLogLevels[strings.ToLower(strings.TrimSpace(c.Log.Level))]; !valid {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	if c.Metrics != nil {
		if err := c.Metrics.Validate(); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}
	return nil
}

// Factory returns the configured factory address in its canonical form.
func (c *Config) Factory() common.Address {
	return common.HexToAddress(c.Chain.FactoryAddress)
}
