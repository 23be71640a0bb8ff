// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"trade_runtime/internal/core"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	System    SystemConfig        `yaml:"system"`
	Transport TransportConfig     `yaml:"transport"`
	Mailbox   MailboxConfig       `yaml:"mailbox"`
	Ledger    LedgerConfig        `yaml:"ledger"`
	Risk      core.RiskParameters `yaml:"risk"`
	Emergency EmergencyConfig     `yaml:"emergency"`
	Storage   StorageConfig       `yaml:"storage"`
	Telemetry TelemetryConfig     `yaml:"telemetry"`
	Status    StatusServerConfig  `yaml:"status"`
	Alerts    AlertsConfig        `yaml:"alerts"`
	Feed      FeedConfig          `yaml:"feed"`
	Pools     ConcurrencyConfig   `yaml:"concurrency"`
}

// SystemConfig contains process-level settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// TransportConfig configures the primary TCP transport
type TransportConfig struct {
	Host                     string `yaml:"host"`
	Port                     int    `yaml:"port"`
	ReconnectAttempts        int    `yaml:"reconnect_attempts"`
	ReconnectTimeoutSeconds  int    `yaml:"reconnect_timeout_seconds"`
	HeartbeatIntervalSeconds int    `yaml:"heartbeat_interval_seconds"`
}

// MailboxConfig configures the file-based fallback transport
type MailboxConfig struct {
	Root                 string `yaml:"root"`
	Sender               string `yaml:"sender"`
	PollIntervalSeconds  int    `yaml:"poll_interval_seconds"`
	FileTimeoutSeconds   int    `yaml:"file_timeout_seconds"`
	SweepIntervalSeconds int    `yaml:"sweep_interval_seconds"`
}

// LedgerConfig configures position accounting
type LedgerConfig struct {
	InitialBalance        decimal.Decimal `yaml:"initial_balance"`
	LotSize               decimal.Decimal `yaml:"lot_size"`
	ConfirmTimeoutSeconds int             `yaml:"confirm_timeout_seconds"`
}

// EmergencyConfig configures failure detection and manual override
type EmergencyConfig struct {
	CommandFile            string `yaml:"command_file"`
	MonitorIntervalSeconds int    `yaml:"monitor_interval_seconds"`
}

// StorageConfig selects and configures the persistence backend
type StorageConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "memory"
	Path   string `yaml:"path"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// StatusServerConfig configures the websocket status server
type StatusServerConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// AlertsConfig holds the external notification channels. Empty values
// disable the channel.
type AlertsConfig struct {
	SlackWebhookURL  string `yaml:"slack_webhook_url"`
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// FeedConfig configures the external market-data stream
type FeedConfig struct {
	Enabled bool     `yaml:"enabled"`
	URL     string   `yaml:"url"`
	Symbols []string `yaml:"symbols"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	ClosePoolSize     int `yaml:"close_pool_size"`
	ClosePoolBuffer   int `yaml:"close_pool_buffer"`
	PersistPoolSize   int `yaml:"persist_pool_size"`
	PersistPoolBuffer int `yaml:"persist_pool_buffer"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment
// variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.Expand(string(data), os.Getenv)

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	for _, err := range []error{
		c.validateSystem(),
		c.validateTransport(),
		c.validateMailbox(),
		c.validateLedger(),
		c.validateRisk(),
		c.validateStorage(),
		c.validateFeed(),
	} {
		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateTransport() error {
	if c.Transport.Host == "" {
		return ValidationError{Field: "transport.host", Message: "host is required"}
	}
	if c.Transport.Port <= 0 || c.Transport.Port > 65535 {
		return ValidationError{
			Field:   "transport.port",
			Value:   c.Transport.Port,
			Message: "must be a valid TCP port",
		}
	}
	if c.Transport.ReconnectAttempts < 0 {
		return ValidationError{
			Field:   "transport.reconnect_attempts",
			Value:   c.Transport.ReconnectAttempts,
			Message: "must not be negative",
		}
	}
	if c.Transport.HeartbeatIntervalSeconds <= 0 {
		return ValidationError{
			Field:   "transport.heartbeat_interval_seconds",
			Value:   c.Transport.HeartbeatIntervalSeconds,
			Message: "must be positive",
		}
	}
	return nil
}

func (c *Config) validateMailbox() error {
	if c.Mailbox.Root == "" {
		return ValidationError{Field: "mailbox.root", Message: "mailbox root directory is required"}
	}
	if c.Mailbox.PollIntervalSeconds <= 0 {
		return ValidationError{
			Field:   "mailbox.poll_interval_seconds",
			Value:   c.Mailbox.PollIntervalSeconds,
			Message: "must be positive",
		}
	}
	return nil
}

func (c *Config) validateLedger() error {
	if c.Ledger.InitialBalance.IsNegative() {
		return ValidationError{
			Field:   "ledger.initial_balance",
			Value:   c.Ledger.InitialBalance,
			Message: "must not be negative",
		}
	}
	if !c.Ledger.LotSize.IsPositive() {
		return ValidationError{
			Field:   "ledger.lot_size",
			Value:   c.Ledger.LotSize,
			Message: "must be positive",
		}
	}
	return nil
}

func (c *Config) validateRisk() error {
	if c.Risk.MaxDailyLoss.IsNegative() {
		return ValidationError{
			Field:   "risk.max_daily_loss",
			Value:   c.Risk.MaxDailyLoss,
			Message: "must not be negative (expressed as a positive loss budget)",
		}
	}
	if !c.Risk.MaxPositionSize.IsPositive() {
		return ValidationError{
			Field:   "risk.max_position_size",
			Value:   c.Risk.MaxPositionSize,
			Message: "must be positive",
		}
	}
	if c.Risk.CheckIntervalSeconds <= 0 {
		return ValidationError{
			Field:   "risk.check_interval_seconds",
			Value:   c.Risk.CheckIntervalSeconds,
			Message: "must be positive",
		}
	}
	if c.Risk.EmergencyCloseTimeout <= 0 {
		return ValidationError{
			Field:   "risk.emergency_close_timeout_seconds",
			Value:   c.Risk.EmergencyCloseTimeout,
			Message: "must be positive",
		}
	}
	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.Path == "" {
			return ValidationError{Field: "storage.path", Message: "path is required for the sqlite driver"}
		}
	case "memory":
	default:
		return ValidationError{
			Field:   "storage.driver",
			Value:   c.Storage.Driver,
			Message: "must be one of: sqlite, memory",
		}
	}
	return nil
}

func (c *Config) validateFeed() error {
	if c.Feed.Enabled && c.Feed.URL == "" {
		return ValidationError{
			Field:   "feed.url",
			Message: "url is required when the feed is enabled",
		}
	}
	return nil
}

// String returns the configuration rendered as YAML with credentials
// masked.
func (c *Config) String() string {
	masked := *c
	if masked.Alerts.SlackWebhookURL != "" {
		masked.Alerts.SlackWebhookURL = "***"
	}
	if masked.Alerts.TelegramBotToken != "" {
		masked.Alerts.TelegramBotToken = "***"
	}
	data, _ := yaml.Marshal(&masked)
	return string(data)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a runnable default configuration
func DefaultConfig() *Config {
	return &Config{
		System: SystemConfig{LogLevel: "INFO"},
		Transport: TransportConfig{
			Host:                     "127.0.0.1",
			Port:                     9090,
			ReconnectAttempts:        3,
			ReconnectTimeoutSeconds:  2,
			HeartbeatIntervalSeconds: 10,
		},
		Mailbox: MailboxConfig{
			Root:                 "mailbox",
			Sender:               "trade_runtime",
			PollIntervalSeconds:  1,
			FileTimeoutSeconds:   3600,
			SweepIntervalSeconds: 60,
		},
		Ledger: LedgerConfig{
			InitialBalance:        decimal.NewFromInt(10000),
			LotSize:               decimal.NewFromInt(core.DefaultLotSize),
			ConfirmTimeoutSeconds: 5,
		},
		Risk: core.DefaultRiskParameters(),
		Emergency: EmergencyConfig{
			CommandFile:            "emergency_command.txt",
			MonitorIntervalSeconds: 5,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "trade_runtime.db",
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9100,
			EnableMetrics: true,
		},
		Status: StatusServerConfig{
			Enabled:        false,
			Port:           8080,
			AllowedOrigins: []string{"http://localhost:8080"},
		},
		Feed: FeedConfig{
			Enabled: false,
			Symbols: []string{"EURUSD"},
		},
		Pools: ConcurrencyConfig{
			ClosePoolSize:     8,
			ClosePoolBuffer:   64,
			PersistPoolSize:   4,
			PersistPoolBuffer: 256,
		},
	}
}
