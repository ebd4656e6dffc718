// Package config provides configuration management for the trading core.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"

	"vn-autotrader/internal/errors"
)

// Config holds all application configuration.
type Config struct {
	Market    MarketConfig    `mapstructure:"market"`
	Fees      FeeConfig       `mapstructure:"fees"`
	Account   AccountConfig   `mapstructure:"account"`
	Consensus ConsensusConfig `mapstructure:"consensus"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Weights   WeightConfig    `mapstructure:"weights"`
	Events    EventConfig     `mapstructure:"events"`
	Quote     QuoteConfig     `mapstructure:"quote"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
	Store     StoreConfig     `mapstructure:"store"`
}

// MarketConfig holds exchange microstructure rules.
type MarketConfig struct {
	LotSize        int64    `mapstructure:"lot_size"`
	PriceBandPct   float64  `mapstructure:"price_band_pct"` // 0.07 = +/-7% around reference
	Timezone       string   `mapstructure:"timezone"`
	SettlementDays int      `mapstructure:"settlement_days"`
	Holidays       []string `mapstructure:"holidays"` // YYYY-MM-DD
}

// FeeConfig holds per-fill cost rates.
type FeeConfig struct {
	CommissionRate float64 `mapstructure:"commission_rate"`
	SellTaxRate    float64 `mapstructure:"sell_tax_rate"`
	SlippageRate   float64 `mapstructure:"slippage_rate"`
}

// AccountConfig holds the paper account settings.
type AccountConfig struct {
	InitialCash float64 `mapstructure:"initial_cash"`
}

// ConsensusConfig holds verdict round settings.
type ConsensusConfig struct {
	AgentTimeout       time.Duration `mapstructure:"agent_timeout"`
	StrongThreshold    float64       `mapstructure:"strong_threshold"`
	ActionThreshold    float64       `mapstructure:"action_threshold"`
	MinTradeConfidence float64       `mapstructure:"min_trade_confidence"`
	DefaultLots        int64         `mapstructure:"default_lots"`
	EntryOrderType     string        `mapstructure:"entry_order_type"`
	HistorySize        int           `mapstructure:"history_size"`
}

// RiskConfig holds risk gate limits.
type RiskConfig struct {
	MaxOpenPositions int     `mapstructure:"max_open_positions"`
	MaxPositionPct   float64 `mapstructure:"max_position_pct"`   // share of NAV per position
	MaxVolatilityPct float64 `mapstructure:"max_volatility_pct"` // ATR / price
	DailyLossLimit   float64 `mapstructure:"daily_loss_limit"`   // share of NAV
	BandMarginPct    float64 `mapstructure:"band_margin_pct"`    // distance to ceiling/floor that blocks entries
	StopLossATR      float64 `mapstructure:"stop_loss_atr"`
	TakeProfitATR    float64 `mapstructure:"take_profit_atr"`
}

// SchedulerConfig holds position monitoring settings.
type SchedulerConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	TakeProfitPct   float64       `mapstructure:"take_profit_pct"`
	TrailingStopPct float64       `mapstructure:"trailing_stop_pct"`
	StopLossPct     float64       `mapstructure:"stop_loss_pct"`
	ExitOrderType   string        `mapstructure:"exit_order_type"`
}

// WeightConfig holds agent weight adaptation settings.
type WeightConfig struct {
	Initial          map[string]float64 `mapstructure:"initial"`
	MinWeight        float64            `mapstructure:"min_weight"`
	MaxWeight        float64            `mapstructure:"max_weight"`
	LearningRate     float64            `mapstructure:"learning_rate"`
	MinSamples       int                `mapstructure:"min_samples"`
	MinAgentSamples  int                `mapstructure:"min_agent_samples"`
	MaxSamples       int                `mapstructure:"max_samples"`
	UpdateInterval   time.Duration      `mapstructure:"update_interval"`
	CheckInterval    time.Duration      `mapstructure:"check_interval"`
	EvaluationWindow time.Duration      `mapstructure:"evaluation_window"`
	TargetFloor      float64            `mapstructure:"target_floor"`
	TargetCeiling    float64            `mapstructure:"target_ceiling"`
	NeutralBand      float64            `mapstructure:"neutral_band"`
}

// EventConfig holds event bus settings.
type EventConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

// QuoteConfig holds the HTTP quote source settings. An empty BaseURL means
// prices come only from the incoming signal contexts. Context prices older
// than MaxAge are not used.
type QuoteConfig struct {
	MaxAge           time.Duration `mapstructure:"max_age"`
	BaseURL          string        `mapstructure:"base_url"`
	Timeout          time.Duration `mapstructure:"timeout"`
	Retries          int           `mapstructure:"retries"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	RateLimit        float64       `mapstructure:"rate_limit"` // requests per second, 0 = unlimited
	Burst            int           `mapstructure:"burst"`
}

// LLMConfig holds the optional verdict narrator settings.
type LLMConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// NotifyConfig selects which bus events are forwarded to notification
// channels. An empty WebhookURL disables the webhook channel.
type NotifyConfig struct {
	Events     []string      `mapstructure:"events"`
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	BufferSize int           `mapstructure:"buffer_size"`
}

// JournalConfig holds the append-only event journal settings.
type JournalConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// MetricsConfig holds the prometheus endpoint settings.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// LogConfig mirrors logging.LogConfig for file based configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// StoreConfig holds the sqlite location.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/vn-autotrader"
	}
	return filepath.Join(home, ".config", "vn-autotrader")
}

// DefaultHolidays is the 2025 exchange holiday list.
var DefaultHolidays = []string{
	"2025-01-01",
	"2025-01-28", "2025-01-29", "2025-01-30", "2025-01-31",
	"2025-02-01", "2025-02-02", "2025-02-03",
	"2025-04-07",
	"2025-04-30", "2025-05-01",
	"2025-09-02", "2025-09-03",
}

func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("market.lot_size", 100)
	v.SetDefault("market.price_band_pct", 0.07)
	v.SetDefault("market.timezone", "Asia/Ho_Chi_Minh")
	v.SetDefault("market.settlement_days", 2)
	v.SetDefault("market.holidays", DefaultHolidays)

	v.SetDefault("fees.commission_rate", 0.0015)
	v.SetDefault("fees.sell_tax_rate", 0.001)
	v.SetDefault("fees.slippage_rate", 0.0015)

	v.SetDefault("account.initial_cash", 100_000_000.0)

	v.SetDefault("consensus.agent_timeout", "10s")
	v.SetDefault("consensus.strong_threshold", 0.5)
	v.SetDefault("consensus.action_threshold", 0.2)
	v.SetDefault("consensus.min_trade_confidence", 60.0)
	v.SetDefault("consensus.default_lots", 1)
	v.SetDefault("consensus.entry_order_type", "LIMIT")
	v.SetDefault("consensus.history_size", 50)

	v.SetDefault("risk.max_open_positions", 10)
	v.SetDefault("risk.max_position_pct", 0.12)
	v.SetDefault("risk.max_volatility_pct", 0.06)
	v.SetDefault("risk.daily_loss_limit", 0.03)
	v.SetDefault("risk.band_margin_pct", 0.01)
	v.SetDefault("risk.stop_loss_atr", 2.0)
	v.SetDefault("risk.take_profit_atr", 2.5)

	v.SetDefault("scheduler.poll_interval", "60s")
	v.SetDefault("scheduler.take_profit_pct", 0.15)
	v.SetDefault("scheduler.trailing_stop_pct", 0.05)
	v.SetDefault("scheduler.stop_loss_pct", -0.05)
	v.SetDefault("scheduler.exit_order_type", "LIMIT")

	v.SetDefault("weights.initial", map[string]float64{
		"analyst":   1.2,
		"bull":      1.0,
		"bear":      1.0,
		"risk_gate": 1.3,
	})
	v.SetDefault("weights.min_weight", 0.1)
	v.SetDefault("weights.max_weight", 3.0)
	v.SetDefault("weights.learning_rate", 0.1)
	v.SetDefault("weights.min_samples", 10)
	v.SetDefault("weights.min_agent_samples", 5)
	v.SetDefault("weights.max_samples", 200)
	v.SetDefault("weights.update_interval", "168h")
	v.SetDefault("weights.check_interval", "1h")
	v.SetDefault("weights.evaluation_window", "720h")
	v.SetDefault("weights.target_floor", 0.5)
	v.SetDefault("weights.target_ceiling", 3.0)
	v.SetDefault("weights.neutral_band", 0.02)

	v.SetDefault("events.buffer_size", 256)

	v.SetDefault("quote.max_age", "15m")
	v.SetDefault("quote.base_url", "")
	v.SetDefault("quote.timeout", "5s")
	v.SetDefault("quote.retries", 3)
	v.SetDefault("quote.failure_threshold", 5)
	v.SetDefault("quote.reset_timeout", "30s")
	v.SetDefault("quote.rate_limit", 10.0)
	v.SetDefault("quote.burst", 5)

	v.SetDefault("llm.enabled", false)
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", "20s")

	v.SetDefault("notify.events", []string{"order_executed", "position_exited"})
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.timeout", "5s")
	v.SetDefault("notify.buffer_size", 64)

	v.SetDefault("journal.enabled", true)
	v.SetDefault("journal.path", filepath.Join(configDir, "journal", "events.jsonl"))
	v.SetDefault("journal.max_size", 50)
	v.SetDefault("journal.max_backups", 30)
	v.SetDefault("journal.max_age", 365)

	v.SetDefault("metrics.listen_addr", ":9464")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", true)
	v.SetDefault("log.file", true)
	v.SetDefault("log.file_path", filepath.Join(configDir, "logs", "autotrader.log"))
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age", 30)

	v.SetDefault("store.path", filepath.Join(configDir, "autotrader.db"))
}

// Default returns the configuration with every documented default applied.
func Default() *Config {
	v := viper.New()
	setDefaults(v, DefaultConfigDir())
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		panic(fmt.Sprintf("config defaults do not decode: %v", err))
	}
	return cfg
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory. A missing
// config.toml is replaced by the commented template and defaults are used.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	v.SetEnvPrefix("AUTOTRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config.toml: %w", err)
		}
		if err := createTemplateConfig(configDir); err != nil {
			return nil, fmt.Errorf("writing config template: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = key
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	invalid := func(field string, value interface{}, msg string) error {
		return errors.Wrap(errors.NewValidationError(field, value, msg), errors.ErrConfigInvalid.Error())
	}

	if c.Market.LotSize <= 0 {
		return invalid("market.lot_size", c.Market.LotSize, "must be positive")
	}
	if c.Market.PriceBandPct <= 0 || c.Market.PriceBandPct >= 1 {
		return invalid("market.price_band_pct", c.Market.PriceBandPct, "must be between 0 and 1")
	}
	if c.Market.SettlementDays < 0 {
		return invalid("market.settlement_days", c.Market.SettlementDays, "must be non-negative")
	}
	if _, err := time.LoadLocation(c.Market.Timezone); err != nil {
		return invalid("market.timezone", c.Market.Timezone, err.Error())
	}
	for _, h := range c.Market.Holidays {
		if _, err := time.Parse("2006-01-02", h); err != nil {
			return invalid("market.holidays", h, "must be YYYY-MM-DD")
		}
	}

	for name, rate := range map[string]float64{
		"fees.commission_rate": c.Fees.CommissionRate,
		"fees.sell_tax_rate":   c.Fees.SellTaxRate,
		"fees.slippage_rate":   c.Fees.SlippageRate,
	} {
		if rate < 0 || rate >= 0.1 {
			return invalid(name, rate, "must be between 0 and 0.1")
		}
	}

	if c.Account.InitialCash < 0 {
		return invalid("account.initial_cash", c.Account.InitialCash, "must be non-negative")
	}
	if c.Consensus.AgentTimeout <= 0 {
		return invalid("consensus.agent_timeout", c.Consensus.AgentTimeout, "must be positive")
	}
	if c.Consensus.ActionThreshold <= 0 || c.Consensus.StrongThreshold < c.Consensus.ActionThreshold {
		return invalid("consensus.strong_threshold", c.Consensus.StrongThreshold, "must be >= action_threshold > 0")
	}
	if c.Scheduler.PollInterval <= 0 {
		return invalid("scheduler.poll_interval", c.Scheduler.PollInterval, "must be positive")
	}
	if c.Scheduler.TakeProfitPct <= 0 {
		return invalid("scheduler.take_profit_pct", c.Scheduler.TakeProfitPct, "must be positive")
	}
	if c.Scheduler.TrailingStopPct <= 0 || c.Scheduler.TrailingStopPct >= 1 {
		return invalid("scheduler.trailing_stop_pct", c.Scheduler.TrailingStopPct, "must be between 0 and 1")
	}
	if c.Scheduler.StopLossPct >= 0 {
		return invalid("scheduler.stop_loss_pct", c.Scheduler.StopLossPct, "must be negative")
	}
	if c.Weights.MinWeight < 0 || c.Weights.MaxWeight < c.Weights.MinWeight {
		return invalid("weights.max_weight", c.Weights.MaxWeight, "must be >= min_weight >= 0")
	}
	if c.Weights.LearningRate <= 0 || c.Weights.LearningRate > 1 {
		return invalid("weights.learning_rate", c.Weights.LearningRate, "must be in (0, 1]")
	}
	if c.Events.BufferSize <= 0 {
		return invalid("events.buffer_size", c.Events.BufferSize, "must be positive")
	}
	if c.Quote.MaxAge < 0 {
		return invalid("quote.max_age", c.Quote.MaxAge, "must be non-negative")
	}
	if c.Quote.RateLimit < 0 {
		return invalid("quote.rate_limit", c.Quote.RateLimit, "must be non-negative")
	}
	for _, kind := range c.Notify.Events {
		switch kind {
		case "order_executed", "position_exited", "verdict_reached":
		default:
			return invalid("notify.events", kind, "unknown event kind")
		}
	}
	return nil
}

// Location returns the market time zone, falling back to UTC+7.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Market.Timezone)
	if err != nil {
		return time.FixedZone("ICT", 7*3600)
	}
	return loc
}
