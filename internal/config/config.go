package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const QuoteCurrency = "USDT"

type Config struct {
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Trading    TradingConfig    `yaml:"trading"`
	Risk       RiskConfig       `yaml:"risk"`
	Ichimoku   IchimokuConfig   `yaml:"ichimoku"`
	Trend      TrendConfig      `yaml:"trend"`
	Validation ValidationConfig `yaml:"validation"`
	API        APIConfig        `yaml:"api"`
	Storage    StorageConfig    `yaml:"storage"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Web        WebConfig        `yaml:"web"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ExchangeConfig points at the public market-data API. Paper trading
// never signs requests, so no credentials are read.
type ExchangeConfig struct {
	BaseURL string `yaml:"base_url"`
}

type TradingConfig struct {
	Symbols          []string `yaml:"symbols"`
	Interval         string   `yaml:"interval"`
	InitialCapital   float64  `yaml:"initial_capital"`
	MaxPositions     int      `yaml:"max_positions"`
	Timeframes       []string `yaml:"timeframes"`
	EntryTimeframe   string   `yaml:"entry_timeframe"`
	ATRTimeframe     string   `yaml:"atr_timeframe"`
	SignalTimeframes []string `yaml:"signal_timeframes"`
	MinConfirmations int      `yaml:"min_confirmations"`
	BreakoutLookback int      `yaml:"breakout_lookback"`
	CandleLimit      int      `yaml:"candle_limit"`
	Concurrency      int      `yaml:"concurrency"`
	SignalExit       bool     `yaml:"signal_exit"`
	DisableShorts    bool     `yaml:"disable_shorts"`
}

type RiskConfig struct {
	RiskPercent           float64 `yaml:"risk_percent"`
	MaxDrawdown           float64 `yaml:"max_drawdown"`
	FeeRate               float64 `yaml:"fee_rate"`
	MinNotional           float64 `yaml:"min_notional"`
	ATRPeriod             int     `yaml:"atr_period"`
	StopLossATRMultiplier float64 `yaml:"stop_loss_atr_multiplier"`
	TrailingATRMultiplier float64 `yaml:"trailing_atr_multiplier"`
	ATRThreshold          float64 `yaml:"atr_threshold"`
	RiskReduction         float64 `yaml:"risk_reduction"`
	MinProfitPct          float64 `yaml:"min_profit_pct"`
	BigProfitPct          float64 `yaml:"big_profit_pct"`
}

type IchimokuConfig struct {
	ConversionPeriod int `yaml:"conversion_period"`
	BasePeriod       int `yaml:"base_period"`
	SpanPeriod       int `yaml:"span_period"`
	Displacement     int `yaml:"displacement"`
}

type TrendConfig struct {
	Timeframe    string  `yaml:"timeframe"`
	ADXPeriod    int     `yaml:"adx_period"`
	ADXThreshold float64 `yaml:"adx_threshold"`
}

type ValidationConfig struct {
	MaxSpreadPercent float64 `yaml:"max_spread_percent"`
	MinVolume        float64 `yaml:"min_volume"`
}

type APIConfig struct {
	RateLimitMs     int `yaml:"rate_limit_ms"`
	RetryAttempts   int `yaml:"retry_attempts"`
	RetryDelayMs    int `yaml:"retry_delay_ms"`
	RetryMaxDelayMs int `yaml:"retry_max_delay_ms"`
	TimeoutSeconds  int `yaml:"timeout_seconds"`
}

type StorageConfig struct {
	JournalPath string `yaml:"journal_path"`
	CSVPath     string `yaml:"csv_path"`
	DBPath      string `yaml:"db_path"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

type WebConfig struct {
	Port int `yaml:"port"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// envOverrides are read after the YAML file so secrets can stay out of it.
type envOverrides struct {
	TelegramToken string `envconfig:"TELEGRAM_BOT_TOKEN"`
	TelegramChat  int64  `envconfig:"TELEGRAM_CHAT_ID"`
	Port          int    `envconfig:"PORT"`
	LogLevel      string `envconfig:"LOG_LEVEL"`
	LogFormat     string `envconfig:"LOG_FORMAT"`
}

func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse builds a Config from YAML bytes, applying env overrides and defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return err
	}
	if env.TelegramToken != "" {
		cfg.Telegram.BotToken = env.TelegramToken
	}
	if env.TelegramChat != 0 {
		cfg.Telegram.ChatID = env.TelegramChat
	}
	if env.Port != 0 {
		cfg.Web.Port = env.Port
	}
	if env.LogLevel != "" {
		cfg.Logging.Level = env.LogLevel
	}
	if env.LogFormat != "" {
		cfg.Logging.Format = env.LogFormat
	}
	return nil
}

func setDefaults(cfg *Config) {
	if cfg.Exchange.BaseURL == "" {
		cfg.Exchange.BaseURL = "https://api.binance.com"
	}

	t := &cfg.Trading
	if len(t.Symbols) == 0 {
		t.Symbols = []string{"BTC/USDT", "ETH/USDT"}
	}
	if t.Interval == "" {
		t.Interval = "60s"
	}
	if t.InitialCapital == 0 {
		t.InitialCapital = 1000
	}
	if t.MaxPositions == 0 {
		t.MaxPositions = 10
	}
	if len(t.Timeframes) == 0 {
		t.Timeframes = []string{"15m", "1h", "4h", "1d"}
	}
	if t.EntryTimeframe == "" {
		t.EntryTimeframe = t.Timeframes[0]
	}
	if t.ATRTimeframe == "" {
		t.ATRTimeframe = "1h"
	}
	if len(t.SignalTimeframes) == 0 {
		t.SignalTimeframes = t.Timeframes
	}
	if t.MinConfirmations == 0 {
		t.MinConfirmations = 2
	}
	if t.BreakoutLookback == 0 {
		t.BreakoutLookback = 10
	}
	if t.Concurrency == 0 {
		t.Concurrency = 4
	}

	r := &cfg.Risk
	if r.RiskPercent == 0 {
		r.RiskPercent = 3
	}
	if r.MaxDrawdown == 0 {
		r.MaxDrawdown = 20
	}
	if r.FeeRate == 0 {
		r.FeeRate = 0.001
	}
	if r.MinNotional == 0 {
		r.MinNotional = 10
	}
	if r.ATRPeriod == 0 {
		r.ATRPeriod = 14
	}
	if r.StopLossATRMultiplier == 0 {
		r.StopLossATRMultiplier = 2
	}
	if r.TrailingATRMultiplier == 0 {
		r.TrailingATRMultiplier = 1.5
	}
	if r.ATRThreshold == 0 {
		r.ATRThreshold = 10
	}
	if r.RiskReduction == 0 {
		r.RiskReduction = 0.5
	}
	if r.MinProfitPct == 0 {
		r.MinProfitPct = 0.02
	}
	if r.BigProfitPct == 0 {
		r.BigProfitPct = 0.20
	}

	i := &cfg.Ichimoku
	if i.ConversionPeriod == 0 {
		i.ConversionPeriod = 9
	}
	if i.BasePeriod == 0 {
		i.BasePeriod = 26
	}
	if i.SpanPeriod == 0 {
		i.SpanPeriod = 52
	}
	if i.Displacement == 0 {
		i.Displacement = 26
	}
	if t.CandleLimit == 0 {
		t.CandleLimit = i.SpanPeriod*2 + i.Displacement
	}

	if cfg.Trend.Timeframe == "" {
		cfg.Trend.Timeframe = "4h"
	}
	if cfg.Trend.ADXPeriod == 0 {
		cfg.Trend.ADXPeriod = 14
	}
	if cfg.Trend.ADXThreshold == 0 {
		cfg.Trend.ADXThreshold = 20
	}

	if cfg.Validation.MaxSpreadPercent == 0 {
		cfg.Validation.MaxSpreadPercent = 0.2
	}
	if cfg.Validation.MinVolume == 0 {
		cfg.Validation.MinVolume = 100000
	}

	a := &cfg.API
	if a.RateLimitMs == 0 {
		a.RateLimitMs = 250
	}
	if a.RetryAttempts == 0 {
		a.RetryAttempts = 5
	}
	if a.RetryDelayMs == 0 {
		a.RetryDelayMs = 2000
	}
	if a.RetryMaxDelayMs == 0 {
		a.RetryMaxDelayMs = 30000
	}
	if a.TimeoutSeconds == 0 {
		a.TimeoutSeconds = 15
	}

	if cfg.Storage.JournalPath == "" {
		cfg.Storage.JournalPath = "data/transactions.jsonl"
	}
	if cfg.Storage.CSVPath == "" {
		cfg.Storage.CSVPath = "data/simulation_results.csv"
	}
	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = "data/kumo-trader.db"
	}
	if cfg.Web.Port == 0 {
		cfg.Web.Port = 3000
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

func (c *Config) Validate() error {
	for _, s := range c.Trading.Symbols {
		base, quote, ok := strings.Cut(s, "/")
		if !ok || base == "" || quote != QuoteCurrency {
			return fmt.Errorf("invalid symbol %q: expected BASE/%s", s, QuoteCurrency)
		}
	}
	if _, err := time.ParseDuration(c.Trading.Interval); err != nil {
		return fmt.Errorf("invalid trading.interval %q: %w", c.Trading.Interval, err)
	}
	if c.CycleInterval() <= 0 {
		return fmt.Errorf("trading.interval must be positive")
	}
	if c.Trading.InitialCapital <= 0 {
		return fmt.Errorf("trading.initial_capital must be positive")
	}
	if c.Trading.MaxPositions < 0 {
		return fmt.Errorf("trading.max_positions must not be negative")
	}
	if c.Trading.MinConfirmations > len(c.Trading.SignalTimeframes) {
		return fmt.Errorf("trading.min_confirmations %d exceeds %d signal timeframes",
			c.Trading.MinConfirmations, len(c.Trading.SignalTimeframes))
	}
	if c.Risk.RiskPercent <= 0 || c.Risk.RiskPercent > 100 {
		return fmt.Errorf("risk.risk_percent must be in (0, 100]")
	}
	if c.Risk.MaxDrawdown <= 0 || c.Risk.MaxDrawdown > 100 {
		return fmt.Errorf("risk.max_drawdown must be in (0, 100]")
	}
	if c.Risk.FeeRate < 0 || c.Risk.FeeRate >= 1 {
		return fmt.Errorf("risk.fee_rate must be in [0, 1)")
	}
	if c.Ichimoku.ConversionPeriod < 2 || c.Ichimoku.BasePeriod < 2 || c.Ichimoku.SpanPeriod < 2 {
		return fmt.Errorf("ichimoku periods must be at least 2")
	}
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}
	return nil
}

func (c *Config) CycleInterval() time.Duration {
	d, _ := time.ParseDuration(c.Trading.Interval)
	return d
}

func (c *Config) RateLimit() time.Duration {
	return time.Duration(c.API.RateLimitMs) * time.Millisecond
}

func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.API.RetryDelayMs) * time.Millisecond
}

func (c *Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.API.RetryMaxDelayMs) * time.Millisecond
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}
