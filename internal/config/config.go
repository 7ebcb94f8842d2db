// Package config defines all configuration for the market-making engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via BKS_* environment variables. The refresh
// credential always comes from BKS_TOKEN and is never written to disk.
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
	Auth       AuthConfig       `mapstructure:"auth"`
	API        APIConfig        `mapstructure:"api"`
	Instrument InstrumentConfig `mapstructure:"instrument"`
	Strategy   StrategyConfig   `mapstructure:"strategy"`
	Manager    ManagerConfig    `mapstructure:"manager"`
	Candles    CandlesConfig    `mapstructure:"candles"`
	Store      StoreConfig      `mapstructure:"store"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// AuthConfig holds the Keycloak token-exchange parameters. RefreshToken is
// the long-lived credential from BKS_TOKEN; the short-lived access token is
// obtained at runtime and never configured.
type AuthConfig struct {
	TokenURL     string `mapstructure:"token_url"`
	ClientID     string `mapstructure:"client_id"`
	RefreshToken string `mapstructure:"refresh_token"`
}

// APIConfig holds the BKS trade API endpoints.
type APIConfig struct {
	OperationsBaseURL string `mapstructure:"operations_base_url"`
	PortfolioBaseURL  string `mapstructure:"portfolio_base_url"`
	MarketDataBaseURL string `mapstructure:"market_data_base_url"`
	WSMarketDataURL   string `mapstructure:"ws_market_data_url"`
	WSExecutionsURL   string `mapstructure:"ws_executions_url"`
}

// InstrumentConfig selects the single instrument this engine quotes.
// TickDecimals is the price quantization applied before transmission
// (2 decimals for a 0.01 tick, the broker default).
type InstrumentConfig struct {
	Ticker       string `mapstructure:"ticker"`
	ClassCode    string `mapstructure:"class_code"`
	Depth        int    `mapstructure:"depth"`
	TickDecimals int    `mapstructure:"tick_decimals"`
}

// StrategyConfig tunes the inventory-skewed quote model.
//
//   - Spread: the engine's target quoted spread (price units).
//   - BaseSize: quote size at flat inventory (lots).
//   - InventoryLimit: symmetric position cap; at the cap the worsening side
//     is not quoted at all.
//   - InventoryK: skew coefficient; quote center shifts by K per unit held.
//   - InventoryPeriod: how often the portfolio is polled.
type StrategyConfig struct {
	Spread          float64       `mapstructure:"spread"`
	BaseSize        int64         `mapstructure:"base_size"`
	InventoryLimit  int64         `mapstructure:"inventory_limit"`
	InventoryK      float64       `mapstructure:"inventory_k"`
	InventoryPeriod time.Duration `mapstructure:"inventory_period"`
}

// ManagerConfig tunes the order reconciliation loop.
//
//   - MinEditDelta: price hysteresis; live orders within this delta of the
//     target are left alone to avoid churn.
//   - PassInterval: pause between reconciliation passes (lets execution
//     reports settle, keeps the broker unflooded).
//   - RefreshPeriod: forced per-order status poll repairing WS drift.
type ManagerConfig struct {
	MinEditDelta  float64       `mapstructure:"min_edit_delta"`
	PassInterval  time.Duration `mapstructure:"pass_interval"`
	RefreshPeriod time.Duration `mapstructure:"refresh_period"`
}

// CandlesConfig optionally mirrors the candle stream for operator visibility.
type CandlesConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	TimeFrame string `mapstructure:"time_frame"`
}

// StoreConfig controls the optional append-only recovery journal for the
// live-orders table. Empty Path disables journaling.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// The refresh credential comes from BKS_TOKEN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("BKS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("auth.client_id", "trade-api-write")
	v.SetDefault("instrument.depth", 20)
	v.SetDefault("instrument.tick_decimals", 2)
	v.SetDefault("strategy.inventory_period", 5*time.Second)
	v.SetDefault("manager.min_edit_delta", 0.10)
	v.SetDefault("manager.pass_interval", 5*time.Second)
	v.SetDefault("manager.refresh_period", 10*time.Second)
	v.SetDefault("candles.time_frame", "M1")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if token := os.Getenv("BKS_TOKEN"); token != "" {
		cfg.Auth.RefreshToken = token
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Auth.RefreshToken == "" {
		return fmt.Errorf("auth.refresh_token is required (set BKS_TOKEN)")
	}
	if c.Auth.TokenURL == "" {
		return fmt.Errorf("auth.token_url is required")
	}
	if c.API.OperationsBaseURL == "" {
		return fmt.Errorf("api.operations_base_url is required")
	}
	if c.API.WSMarketDataURL == "" {
		return fmt.Errorf("api.ws_market_data_url is required")
	}
	if c.Instrument.Ticker == "" || c.Instrument.ClassCode == "" {
		return fmt.Errorf("instrument.ticker and instrument.class_code are required")
	}
	if c.Instrument.Depth <= 0 {
		return fmt.Errorf("instrument.depth must be > 0")
	}
	if c.Strategy.Spread <= 0 {
		return fmt.Errorf("strategy.spread must be > 0")
	}
	if c.Strategy.BaseSize <= 0 {
		return fmt.Errorf("strategy.base_size must be > 0")
	}
	if c.Strategy.InventoryLimit <= 0 {
		return fmt.Errorf("strategy.inventory_limit must be > 0")
	}
	if c.Manager.MinEditDelta < 0 {
		return fmt.Errorf("manager.min_edit_delta must be >= 0")
	}
	if c.Manager.PassInterval < 5*time.Second {
		return fmt.Errorf("manager.pass_interval must be at least 5s")
	}
	return nil
}
