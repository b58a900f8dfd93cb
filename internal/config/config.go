// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration of the copy trader.
type Config struct {
	App         AppConfig         `yaml:"app"`
	Exchange    ExchangeConfig    `yaml:"exchange"`
	Sync        SyncConfig        `yaml:"sync"`
	Credentials CredentialsConfig `yaml:"credentials"`
	State       StateConfig       `yaml:"state"`
	Notify      NotifyConfig      `yaml:"notify"`
	System      SystemConfig      `yaml:"system"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name  string `yaml:"name"`
	Asset string `yaml:"asset"`
}

// ExchangeConfig holds session parameters shared by every account. API key
// pairs, master and followers alike, live in the credential database.
type ExchangeConfig struct {
	BaseURL    string `yaml:"base_url"`
	MaxRetries int    `yaml:"max_retries"`
}

// SyncConfig tunes the poll loop and the fan-out batches.
type SyncConfig struct {
	PollIntervalMs        int `yaml:"poll_interval_ms"`
	ErrorSleepMs          int `yaml:"error_sleep_ms"`
	OpenBatchSize         int `yaml:"open_batch_size"`
	CloseBatchSize        int `yaml:"close_batch_size"`
	BatchGapMs            int `yaml:"batch_gap_ms"`
	CredentialsRefreshSec int `yaml:"credentials_refresh_sec"`
	BalancesRefreshSec    int `yaml:"balances_refresh_sec"`
	BalanceGapMs          int `yaml:"balance_gap_ms"`
}

// CredentialsConfig locates the credential database and its encryption key.
type CredentialsConfig struct {
	DBPath        string `yaml:"db_path"`
	EncryptionKey Secret `yaml:"encryption_key"`
}

// StateConfig locates the mirror-state database.
type StateConfig struct {
	DBPath string `yaml:"db_path"`
}

// NotifyConfig configures the Telegram operator channel.
type NotifyConfig struct {
	TelegramBotToken Secret   `yaml:"telegram_bot_token"`
	TelegramChatIDs  []string `yaml:"telegram_chat_ids"`
}

// SystemConfig contains system settings.
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion, applies defaults and validates.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.Expand(string(data), os.Getenv)

	var config Config
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "copy-trader"
	}
	if c.App.Asset == "" {
		c.App.Asset = "USDT"
	}
	if c.Exchange.MaxRetries == 0 {
		c.Exchange.MaxRetries = 5
	}
	if c.Sync.PollIntervalMs == 0 {
		c.Sync.PollIntervalMs = 100
	}
	if c.Sync.ErrorSleepMs == 0 {
		c.Sync.ErrorSleepMs = 1000
	}
	if c.Sync.OpenBatchSize == 0 {
		c.Sync.OpenBatchSize = 10
	}
	if c.Sync.CloseBatchSize == 0 {
		c.Sync.CloseBatchSize = 7
	}
	if c.Sync.BatchGapMs == 0 {
		c.Sync.BatchGapMs = 1000
	}
	if c.Sync.CredentialsRefreshSec == 0 {
		c.Sync.CredentialsRefreshSec = 2000
	}
	if c.Sync.BalancesRefreshSec == 0 {
		c.Sync.BalancesRefreshSec = 600
	}
	if c.Sync.BalanceGapMs == 0 {
		c.Sync.BalanceGapMs = 1500
	}
	if c.State.DBPath == "" {
		c.State.DBPath = "copy_trader_state.db"
	}
	if c.Credentials.DBPath == "" {
		c.Credentials.DBPath = "copy_trader_creds.db"
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.Telemetry.MetricsPort == 0 {
		c.Telemetry.MetricsPort = 9090
	}
}

// Validate performs validation of the configuration.
func (c *Config) Validate() error {
	var errors []string

	if c.Credentials.EncryptionKey == "" {
		errors = append(errors, ValidationError{
			Field:   "credentials.encryption_key",
			Message: "encryption key is required",
		}.Error())
	}
	if c.Sync.OpenBatchSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "sync.open_batch_size",
			Value:   c.Sync.OpenBatchSize,
			Message: "must be at least 1",
		}.Error())
	}
	if c.Sync.CloseBatchSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "sync.close_batch_size",
			Value:   c.Sync.CloseBatchSize,
			Message: "must be at least 1",
		}.Error())
	}

	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		errors = append(errors, ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}
	return nil
}

// String returns the configuration with sensitive values masked.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
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

// DefaultConfig returns a default configuration for testing.
func DefaultConfig() *Config {
	c := &Config{
		Credentials: CredentialsConfig{
			EncryptionKey: "0000000000000000000000000000000000000000000000000000000000000000",
		},
	}
	c.applyDefaults()
	return c
}
