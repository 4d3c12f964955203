// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/quantfold/positron/internal/executor"
	"github.com/quantfold/positron/internal/types"
)

// Config represents the full application configuration.
type Config struct {
	Logging      LoggingConfig      `yaml:"logging"`
	Connector    ConnectorConfig    `yaml:"connector"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Defaults     ExecutorDefaults   `yaml:"executor_defaults"`
	Positions    []PositionConfig   `yaml:"positions"`
	Persistence  PersistenceConfig  `yaml:"persistence"`
	Alerting     AlertingConfig     `yaml:"alerting"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// ConnectorConfig holds paper venue settings.
type ConnectorConfig struct {
	Name            string            `yaml:"name"`
	QuoteFeeRate    float64           `yaml:"quote_fee_rate"`
	SlippagePct     float64           `yaml:"slippage_pct"`
	FillDelayMs     int               `yaml:"fill_delay_ms"`
	SubmissionsPerS float64           `yaml:"submissions_per_sec"`
	SubmissionBurst int               `yaml:"submission_burst"`
	Balances        map[string]string `yaml:"balances"`
	MidPrices       map[string]string `yaml:"mid_prices"`
}

// OrchestratorConfig holds orchestrator settings.
type OrchestratorConfig struct {
	ReapIntervalMs int `yaml:"reap_interval_ms"`
}

// ExecutorDefaults holds settings applied to every position unless
// the position overrides them.
type ExecutorDefaults struct {
	UpdateIntervalMs int `yaml:"update_interval_ms"`
	MaxOrderRetries  int `yaml:"max_order_retries"`
}

// PositionConfig describes one position to open at startup.
type PositionConfig struct {
	ControllerID  string              `yaml:"controller_id"`
	TradingPair   string              `yaml:"trading_pair"`
	Side          string              `yaml:"side"` // buy | sell
	Amount        float64             `yaml:"amount"`
	EntryPrice    float64             `yaml:"entry_price"` // 0 = market entry
	StopLossPct   float64             `yaml:"stop_loss_pct"`
	TakeProfitPct float64             `yaml:"take_profit_pct"`
	TimeLimitSec  int                 `yaml:"time_limit_sec"`
	TrailingStop  *TrailingStopConfig `yaml:"trailing_stop"`
}

// TrailingStopConfig holds trailing stop settings for a position.
type TrailingStopConfig struct {
	ActivationPct float64 `yaml:"activation_pct"`
	TrailingPct   float64 `yaml:"trailing_pct"`
}

// PersistenceConfig holds persistence settings.
type PersistenceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// AlertingConfig holds alerting settings.
type AlertingConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Channels []ChannelConfig `yaml:"channels"`
}

// ChannelConfig holds a single alert channel configuration.
type ChannelConfig struct {
	Type     string `yaml:"type"` // console | telegram
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns a configuration suitable for a local paper session.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Connector: ConnectorConfig{
			Name:            "paper",
			QuoteFeeRate:    0.001,
			SlippagePct:     0.0005,
			FillDelayMs:     50,
			SubmissionsPerS: 10,
			SubmissionBurst: 20,
		},
		Orchestrator: OrchestratorConfig{ReapIntervalMs: 1000},
		Defaults: ExecutorDefaults{
			UpdateIntervalMs: 1000,
			MaxOrderRetries:  10,
		},
		Metrics: MetricsConfig{Enabled: true, Port: 9100},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes. Environment
// variables in the file are expanded before parsing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level %q is not supported", c.Logging.Level))
	}

	if c.Connector.Name == "" {
		errs = append(errs, "connector.name is required")
	}
	if c.Connector.QuoteFeeRate < 0 || c.Connector.QuoteFeeRate >= 1 {
		errs = append(errs, "connector.quote_fee_rate must be in [0, 1)")
	}
	if c.Connector.SlippagePct < 0 || c.Connector.SlippagePct >= 1 {
		errs = append(errs, "connector.slippage_pct must be in [0, 1)")
	}
	for asset, raw := range c.Connector.Balances {
		if _, err := decimal.NewFromString(raw); err != nil {
			errs = append(errs, fmt.Sprintf("connector.balances[%s]: %v", asset, err))
		}
	}
	for pair, raw := range c.Connector.MidPrices {
		if _, err := decimal.NewFromString(raw); err != nil {
			errs = append(errs, fmt.Sprintf("connector.mid_prices[%s]: %v", pair, err))
		}
	}

	if c.Defaults.MaxOrderRetries < 0 {
		errs = append(errs, "executor_defaults.max_order_retries must not be negative")
	}

	for i, p := range c.Positions {
		if err := p.validate(); err != nil {
			errs = append(errs, fmt.Sprintf("positions[%d]: %v", i, err))
		}
	}

	if c.Persistence.Enabled && c.Persistence.Path == "" {
		errs = append(errs, "persistence.path is required when persistence is enabled")
	}

	for i, ch := range c.Alerting.Channels {
		switch ch.Type {
		case "console":
		case "telegram":
			if ch.BotToken == "" || ch.ChatID == "" {
				errs = append(errs, fmt.Sprintf("alerting.channels[%d]: telegram requires bot_token and chat_id", i))
			}
		default:
			errs = append(errs, fmt.Sprintf("alerting.channels[%d]: unknown type %q", i, ch.Type))
		}
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		errs = append(errs, "metrics.port must be a valid TCP port")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}

func (p PositionConfig) validate() error {
	if p.TradingPair == "" {
		return fmt.Errorf("trading_pair is required")
	}
	if !strings.Contains(p.TradingPair, "-") {
		return fmt.Errorf("trading_pair must be BASE-QUOTE, got %q", p.TradingPair)
	}
	if p.Side != "buy" && p.Side != "sell" {
		return fmt.Errorf("side must be 'buy' or 'sell', got %q", p.Side)
	}
	if p.Amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	if p.StopLossPct < 0 || p.TakeProfitPct < 0 {
		return fmt.Errorf("barrier percentages must not be negative")
	}
	if p.StopLossPct == 0 && p.TakeProfitPct == 0 && p.TimeLimitSec == 0 {
		return fmt.Errorf("at least one of stop_loss_pct, take_profit_pct, time_limit_sec is required")
	}
	if p.TrailingStop != nil && (p.TrailingStop.ActivationPct <= 0 || p.TrailingStop.TrailingPct <= 0) {
		return fmt.Errorf("trailing_stop requires positive activation_pct and trailing_pct")
	}
	return nil
}

// SideType converts the YAML side string to a types.Side.
func (p PositionConfig) SideType() types.Side {
	if p.Side == "sell" {
		return types.SideSell
	}
	return types.SideBuy
}

// ToExecutorConfig converts a position entry to an executor config,
// applying the executor defaults from the top-level config.
func (c *Config) ToExecutorConfig(p PositionConfig) executor.Config {
	barrier := executor.BarrierConfig{
		StopLossPct:   decimal.NewFromFloat(p.StopLossPct),
		TakeProfitPct: decimal.NewFromFloat(p.TakeProfitPct),
		TimeLimit:     time.Duration(p.TimeLimitSec) * time.Second,
	}
	if p.TrailingStop != nil {
		barrier.TrailingStop = executor.TrailingStop{
			ActivationPct: decimal.NewFromFloat(p.TrailingStop.ActivationPct),
			TrailingPct:   decimal.NewFromFloat(p.TrailingStop.TrailingPct),
		}
	}
	return executor.Config{
		ControllerID:    p.ControllerID,
		ConnectorName:   c.Connector.Name,
		TradingPair:     p.TradingPair,
		Side:            p.SideType(),
		Amount:          decimal.NewFromFloat(p.Amount),
		EntryPrice:      decimal.NewFromFloat(p.EntryPrice),
		Barrier:         barrier,
		UpdateInterval:  c.UpdateInterval(),
		MaxOrderRetries: c.Defaults.MaxOrderRetries,
	}
}

// ReapInterval returns the orchestrator reap interval.
func (c *Config) ReapInterval() time.Duration {
	return time.Duration(c.Orchestrator.ReapIntervalMs) * time.Millisecond
}

// UpdateInterval returns the default executor update interval.
func (c *Config) UpdateInterval() time.Duration {
	return time.Duration(c.Defaults.UpdateIntervalMs) * time.Millisecond
}

// FillDelay returns the simulated fill delay for the paper venue.
func (c *Config) FillDelay() time.Duration {
	return time.Duration(c.Connector.FillDelayMs) * time.Millisecond
}

// DecimalBalances returns the configured balances as decimals.
// Validate must have been called first.
func (c *Config) DecimalBalances() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(c.Connector.Balances))
	for asset, raw := range c.Connector.Balances {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			continue
		}
		out[asset] = d
	}
	return out
}

// DecimalMidPrices returns the configured mid prices as decimals.
// Validate must have been called first.
func (c *Config) DecimalMidPrices() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(c.Connector.MidPrices))
	for pair, raw := range c.Connector.MidPrices {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			continue
		}
		out[pair] = d
	}
	return out
}
