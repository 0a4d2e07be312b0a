package config

import (
	"fmt"
	"time"

	"github.com/cobalt-pay/ledgersync/internal/common"
	"github.com/cobalt-pay/ledgersync/internal/logger"
	ethcommon "github.com/ethereum/go-ethereum/common"
)

// Config represents the complete configuration for the payment indexer.
type Config struct {
	// Chain contains the ledger connection and contract settings
	Chain ChainConfig `yaml:"chain" json:"chain" toml:"chain"`

	// Indexer contains the indexing behaviour settings
	Indexer IndexerConfig `yaml:"indexer" json:"indexer" toml:"indexer"`

	// DB contains the SQLite database configuration
	DB DatabaseConfig `yaml:"db" json:"db" toml:"db"`

	// Redis contains the fan-out transport configuration
	Redis RedisConfig `yaml:"redis" json:"redis" toml:"redis"`

	// Logging contains logging configuration
	Logging *LoggingConfig `yaml:"logging,omitempty" json:"logging,omitempty" toml:"logging,omitempty"`

	// Metrics contains Prometheus metrics configuration
	Metrics *MetricsConfig `yaml:"metrics,omitempty" json:"metrics,omitempty" toml:"metrics,omitempty"`
}

// ChainConfig represents the ledger connection and payment contract settings.
type ChainConfig struct {
	// RPCURL is the HTTP(S) RPC endpoint used for range queries, blocks and receipts
	RPCURL string `yaml:"rpc_url" json:"rpc_url" toml:"rpc_url"`

	// WSURL is the websocket endpoint used for live subscriptions.
	// Falls back to RPCURL when empty (the endpoint must then support subscriptions).
	WSURL string `yaml:"ws_url" json:"ws_url" toml:"ws_url"`

	// ChainID identifies the network the payment contract is deployed on
	ChainID uint64 `yaml:"chain_id" json:"chain_id" toml:"chain_id"`

	// ContractAddress is the payment contract emitting PaymentReceived events
	ContractAddress string `yaml:"contract_address" json:"contract_address" toml:"contract_address"`

	// TokenSymbol is the display symbol of the payment token
	TokenSymbol string `yaml:"token_symbol" json:"token_symbol" toml:"token_symbol"`

	// TokenDecimals is the decimal count used for exact amount formatting
	TokenDecimals uint8 `yaml:"token_decimals" json:"token_decimals" toml:"token_decimals"`

	// ConfirmationDepth is the number of blocks on top of a payment's block
	// (inclusive) before it is treated as confirmed
	ConfirmationDepth uint64 `yaml:"confirmation_depth" json:"confirmation_depth" toml:"confirmation_depth"`

	// StartBlock is the block the cursor is initialized to on first run
	StartBlock uint64 `yaml:"start_block" json:"start_block" toml:"start_block"`

	// Retry contains RPC retry configuration with exponential backoff
	Retry *RetryConfig `yaml:"retry,omitempty" json:"retry,omitempty" toml:"retry,omitempty"`
}

// Address returns the parsed contract address.
func (c *ChainConfig) Address() ethcommon.Address {
	return ethcommon.HexToAddress(c.ContractAddress)
}

// ApplyDefaults sets default values for optional chain configuration fields.
func (c *ChainConfig) ApplyDefaults() {
	if c.TokenDecimals == 0 {
		c.TokenDecimals = 18
	}
	if c.ConfirmationDepth == 0 {
		c.ConfirmationDepth = 6
	}
	if c.TokenSymbol == "" {
		c.TokenSymbol = "ETH"
	}
	if c.Retry != nil {
		c.Retry.ApplyDefaults()
	}
}

// IndexerConfig represents the indexing behaviour settings.
type IndexerConfig struct {
	// ChunkSize is the block range per historical range query during catch-up
	ChunkSize uint64 `yaml:"chunk_size" json:"chunk_size" toml:"chunk_size"`

	// SweepInterval is how often the reorg sweep runs
	SweepInterval common.Duration `yaml:"sweep_interval" json:"sweep_interval" toml:"sweep_interval"`

	// SweepWindow is the number of most recent records the reorg sweep inspects
	SweepWindow int `yaml:"sweep_window" json:"sweep_window" toml:"sweep_window"`
}

// ApplyDefaults sets default values for optional indexer configuration fields.
func (i *IndexerConfig) ApplyDefaults() {
	if i.ChunkSize == 0 {
		i.ChunkSize = 5000
	}
	if i.SweepInterval.Duration == 0 {
		i.SweepInterval = common.NewDuration(30 * time.Second)
	}
	if i.SweepWindow == 0 {
		i.SweepWindow = 200
	}
}

// RetryConfig represents RPC retry configuration with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial request)
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts" toml:"max_attempts"`

	// InitialBackoff is the initial backoff duration before first retry
	InitialBackoff common.Duration `yaml:"initial_backoff" json:"initial_backoff" toml:"initial_backoff"`

	// MaxBackoff is the maximum backoff duration
	MaxBackoff common.Duration `yaml:"max_backoff" json:"max_backoff" toml:"max_backoff"`

	// BackoffMultiplier is the multiplier for exponential backoff
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoff_multiplier" toml:"backoff_multiplier"`
}

// ApplyDefaults sets default values for retry configuration.
func (r *RetryConfig) ApplyDefaults() {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 5
	}
	if r.InitialBackoff.Duration == 0 {
		r.InitialBackoff = common.NewDuration(1 * time.Second)
	}
	if r.MaxBackoff.Duration == 0 {
		r.MaxBackoff = common.NewDuration(30 * time.Second)
	}
	if r.BackoffMultiplier == 0 {
		r.BackoffMultiplier = 2.0
	}
}

// DatabaseConfig represents database configuration.
type DatabaseConfig struct {
	// Path is the file path to the SQLite database
	Path string `yaml:"path" json:"path" toml:"path"`

	// JournalMode sets the SQLite journal mode (e.g., "WAL", "DELETE")
	JournalMode string `yaml:"journal_mode" json:"journal_mode" toml:"journal_mode"`

	// Synchronous sets the synchronization level ("FULL", "NORMAL", "OFF")
	Synchronous string `yaml:"synchronous" json:"synchronous" toml:"synchronous"`

	// BusyTimeout is the time in milliseconds to wait when the database is locked
	BusyTimeout int `yaml:"busy_timeout" json:"busy_timeout" toml:"busy_timeout"`

	// MaxOpenConnections is the maximum number of open database connections
	MaxOpenConnections int `yaml:"max_open_connections" json:"max_open_connections" toml:"max_open_connections"`

	// MaxIdleConnections is the maximum number of idle connections in the pool
	MaxIdleConnections int `yaml:"max_idle_connections" json:"max_idle_connections" toml:"max_idle_connections"`
}

// ApplyDefaults sets default values for optional database configuration fields.
func (d *DatabaseConfig) ApplyDefaults() {
	if d.JournalMode == "" {
		d.JournalMode = "WAL"
	}
	if d.Synchronous == "" {
		d.Synchronous = "NORMAL"
	}
	if d.BusyTimeout == 0 {
		d.BusyTimeout = 5000
	}
	if d.MaxOpenConnections == 0 {
		d.MaxOpenConnections = 25
	}
	if d.MaxIdleConnections == 0 {
		d.MaxIdleConnections = 5
	}
}

// RedisConfig represents the fan-out transport configuration.
type RedisConfig struct {
	// Addr is the host:port of the Redis server
	Addr string `yaml:"addr" json:"addr" toml:"addr"`

	// Password is the optional Redis AUTH password
	Password string `yaml:"password" json:"password" toml:"password"`

	// DB is the Redis database index
	DB int `yaml:"db" json:"db" toml:"db"`
}

// ApplyDefaults sets default values for optional Redis configuration fields.
func (r *RedisConfig) ApplyDefaults() {
	if r.Addr == "" {
		r.Addr = "localhost:6379"
	}
}

// LoggingConfig configures logging behaviour with per-component log levels.
type LoggingConfig struct {
	// DefaultLevel is the default log level for all components
	// Options: "debug", "info", "warn", "error"
	DefaultLevel string `yaml:"default_level" json:"default_level" toml:"default_level"`

	// Development enables development mode (stack traces, console encoder)
	Development bool `yaml:"development" json:"development" toml:"development"`

	// ComponentLevels sets log levels for specific components
	ComponentLevels map[string]string `yaml:"component_levels,omitempty" json:"component_levels,omitempty" toml:"component_levels,omitempty"` //nolint:lll
}

// ApplyDefaults sets default values for optional logging configuration fields.
func (l *LoggingConfig) ApplyDefaults() {
	if l.DefaultLevel == "" {
		l.DefaultLevel = "info"
	}
	if l.ComponentLevels == nil {
		l.ComponentLevels = make(map[string]string)
	}
}

// Validate checks if the logging configuration is valid.
func (l *LoggingConfig) Validate() error {
	if l.DefaultLevel != "" {
		if _, valid := logger.ValidLogLevels[common.ToLowerWithTrim(l.DefaultLevel)]; !valid {
			return fmt.Errorf("logging.default_level: must be one of: debug, info, warn, error")
		}
	}

	for component, level := range l.ComponentLevels {
		if _, validComponent := common.AllComponents[common.ToLowerWithTrim(component)]; !validComponent {
			return fmt.Errorf("logging.component_levels: unknown component '%s'", component)
		}

		if _, valid := logger.ValidLogLevels[common.ToLowerWithTrim(level)]; !valid {
			return fmt.Errorf("logging.component_levels[%s]: must be one of: debug, info, warn, error", component)
		}
	}

	return nil
}

// GetComponentLevel returns the log level for a specific component.
// Falls back to DefaultLevel if no component-specific level is set.
func (l *LoggingConfig) GetComponentLevel(component string) string {
	if l == nil {
		return "info"
	}
	if level, ok := l.ComponentLevels[component]; ok {
		return common.ToLowerWithTrim(level)
	}
	return common.ToLowerWithTrim(l.DefaultLevel)
}

// IsDevelopment returns whether development mode is enabled.
func (l *LoggingConfig) IsDevelopment() bool {
	return l != nil && l.Development
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
	c.Chain.ApplyDefaults()
	c.Indexer.ApplyDefaults()
	c.DB.ApplyDefaults()
	c.Redis.ApplyDefaults()

	if c.Logging != nil {
		c.Logging.ApplyDefaults()
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
	if c.Chain.ContractAddress == "" {
		return fmt.Errorf("chain.contract_address is required")
	}
	if !ethcommon.IsHexAddress(c.Chain.ContractAddress) {
		return fmt.Errorf("chain.contract_address is not a valid address: %s", c.Chain.ContractAddress)
	}
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("chain.chain_id is required")
	}
	if c.DB.Path == "" {
		return fmt.Errorf("db.path is required")
	}
	if c.Indexer.SweepWindow < 0 {
		return fmt.Errorf("indexer.sweep_window must not be negative")
	}

	if c.Logging != nil {
		if err := c.Logging.Validate(); err != nil {
			return err
		}
	}
	if c.Metrics != nil {
		if err := c.Metrics.Validate(); err != nil {
			return err
		}
	}

	return nil
}
