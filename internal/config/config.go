// Package config defines all configuration for the trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via TOPSTEPX_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Broker  BrokerConfig  `mapstructure:"broker"`
	Server  ServerConfig  `mapstructure:"server"`
	Trading TradingConfig `mapstructure:"trading"`
	Hub     HubConfig     `mapstructure:"hub"`
	Bots    BotsConfig    `mapstructure:"bots"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// BrokerConfig holds gateway credentials and endpoints. Username and APIKey
// are required and normally come from TOPSTEPX_USERNAME / TOPSTEPX_API_KEY.
type BrokerConfig struct {
	Username      string `mapstructure:"username"`
	APIKey        string `mapstructure:"api_key"`
	BaseURL       string `mapstructure:"base_url"`
	UserHubURL    string `mapstructure:"user_hub_url"`
	MarketHubURL  string `mapstructure:"market_hub_url"`
	ValidateToken bool   `mapstructure:"validate_token"`
	Paper         bool   `mapstructure:"paper"`
}

// ServerConfig controls the HTTP/WebSocket surface for the UI.
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// TradingConfig holds trading defaults and the quote alias table.
//
// QuoteAliases maps a broker quote root to the chart roots it also serves,
// e.g. EP → [ES, MES]. The table is configuration, never inferred: the
// broker's quote feed keys some products by pit symbols that differ from
// the contract symbols the UI charts.
type TradingConfig struct {
	DefaultAccountSize string              `mapstructure:"default_account_size"`
	QuoteAliases       map[string][]string `mapstructure:"quote_aliases"`
	ContractTTL        time.Duration       `mapstructure:"contract_ttl"`
	Timezone           string              `mapstructure:"timezone"`
}

// HubConfig tunes the real-time fan-out.
type HubConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	SubscriberBuffer  int           `mapstructure:"subscriber_buffer"`
}

// BotsConfig locates the per-account bot configuration file.
type BotsConfig struct {
	File string `mapstructure:"file"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig controls the Prometheus endpoint on the main server.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// placeholders are credential values that mean "not configured". Shipping a
// template config with these filled in must fail validation, not reach the
// broker.
var placeholders = map[string]bool{
	"":              true,
	"your_username": true,
	"your_api_key":  true,
	"changeme":      true,
	"<username>":    true,
	"<api_key>":     true,
}

// Load reads config from a YAML file with env var overrides. Credentials
// use env vars: TOPSTEPX_USERNAME, TOPSTEPX_API_KEY, TOPSTEPX_BASE_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TOPSTEPX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("broker.base_url", "https://api.topstepx.com")
	v.SetDefault("broker.user_hub_url", "wss://rtc.topstepx.com/hubs/user")
	v.SetDefault("broker.market_hub_url", "wss://rtc.topstepx.com/hubs/market")
	v.SetDefault("broker.validate_token", true)
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("trading.contract_ttl", 5*time.Minute)
	v.SetDefault("trading.timezone", "America/Chicago")
	v.SetDefault("trading.default_account_size", "50k")
	v.SetDefault("hub.heartbeat_interval", 30*time.Second)
	v.SetDefault("hub.subscriber_buffer", 1024)
	v.SetDefault("bots.file", "configs/bots.yaml")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine when env vars carry the credentials.
		if !os.IsNotExist(err) {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				if _, pathErr := err.(*os.PathError); !pathErr {
					return nil, fmt.Errorf("read config: %w", err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if u := os.Getenv("TOPSTEPX_USERNAME"); u != "" {
		cfg.Broker.Username = u
	}
	if k := os.Getenv("TOPSTEPX_API_KEY"); k != "" {
		cfg.Broker.APIKey = k
	}
	if b := os.Getenv("TOPSTEPX_BASE_URL"); b != "" {
		cfg.Broker.BaseURL = b
	}
	if p := os.Getenv("TOPSTEPX_PAPER"); p == "true" || p == "1" {
		cfg.Broker.Paper = true
	}

	if cfg.Trading.QuoteAliases == nil {
		cfg.Trading.QuoteAliases = map[string][]string{}
	}

	return &cfg, nil
}

// ValidateCredentials checks the broker credentials before any call is made.
// Placeholder strings from a template config fail the same way missing
// values do.
func (c *Config) ValidateCredentials() error {
	if placeholders[strings.ToLower(c.Broker.Username)] {
		return fmt.Errorf("AUTH_FAILED: broker.username is required (set TOPSTEPX_USERNAME)")
	}
	if placeholders[strings.ToLower(c.Broker.APIKey)] {
		return fmt.Errorf("AUTH_FAILED: broker.api_key is required (set TOPSTEPX_API_KEY)")
	}
	if c.Broker.BaseURL == "" {
		return fmt.Errorf("AUTH_FAILED: broker.base_url is required")
	}
	return nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if err := c.ValidateCredentials(); err != nil {
		return err
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535")
	}
	if len(c.Server.AllowedOrigins) == 0 {
		return fmt.Errorf("server.allowed_origins must list at least one origin")
	}
	if c.Hub.SubscriberBuffer <= 0 {
		return fmt.Errorf("hub.subscriber_buffer must be > 0")
	}
	if _, err := time.LoadLocation(c.Trading.Timezone); err != nil {
		return fmt.Errorf("trading.timezone: %w", err)
	}
	switch c.Trading.DefaultAccountSize {
	case "50k", "100k", "150k":
	default:
		return fmt.Errorf("trading.default_account_size must be one of: 50k, 100k, 150k")
	}
	return nil
}

// Redacted returns a log-safe summary. Credentials never appear in logs.
func (c *Config) Redacted() map[string]any {
	return map[string]any{
		"broker.username": redact(c.Broker.Username),
		"broker.api_key":  redact(c.Broker.APIKey),
		"broker.base_url": c.Broker.BaseURL,
		"broker.paper":    c.Broker.Paper,
		"server.port":     c.Server.Port,
	}
}

func redact(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + "****"
}
