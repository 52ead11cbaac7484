package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig                 `mapstructure:"app"`
	Redis     RedisConfig               `mapstructure:"redis"`
	NATS      NATSConfig                `mapstructure:"nats"`
	AI        AIConfig                  `mapstructure:"ai"`
	Trading   TradingConfig             `mapstructure:"trading"`
	Signals   SignalConfig              `mapstructure:"signals"`
	Scheduler SchedulerConfig           `mapstructure:"scheduler"`
	Risk      RiskConfig                `mapstructure:"risk"`
	Exchanges map[string]ExchangeConfig `mapstructure:"exchanges"`
	API       APIConfig                 `mapstructure:"api"`
	Vault     VaultConfig               `mapstructure:"vault"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// RedisConfig contains Redis settings for the market data cache
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	CacheTTL int    `mapstructure:"cache_ttl"` // seconds
}

// NATSConfig contains NATS signal bus settings
type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	SignalSubject string `mapstructure:"signal_subject"`
	DecisionTopic string `mapstructure:"decision_subject"`
}

// AIConfig contains AI ensemble settings
type AIConfig struct {
	Enabled                  bool                      `mapstructure:"enabled"`
	MinProviders             int                       `mapstructure:"min_providers"`
	MinConfidence            float64                   `mapstructure:"min_confidence"`
	EnableParallel           bool                      `mapstructure:"enable_parallel"`
	SignalBoostThreshold     float64                   `mapstructure:"signal_boost_threshold"`
	SignalBlockThreshold     float64                   `mapstructure:"signal_block_threshold"`
	ConfidenceBoostMult      float64                   `mapstructure:"confidence_boost_multiplier"`
	RiskAssessmentEnabled    bool                      `mapstructure:"risk_assessment_enabled"`
	HighRiskBlock            bool                      `mapstructure:"high_risk_block"`
	SentimentAnalysisEnabled bool                      `mapstructure:"sentiment_analysis_enabled"`
	RequireQuorum            bool                      `mapstructure:"require_quorum"`
	Providers                map[string]ProviderConfig `mapstructure:"providers"`
}

// ProviderConfig contains settings for a single AI provider
type ProviderConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	Endpoint        string  `mapstructure:"endpoint"`
	APIKey          string  `mapstructure:"api_key"`
	Model           string  `mapstructure:"model"`
	CacheTTL        int     `mapstructure:"cache_ttl"` // seconds
	RateLimitRPM    int     `mapstructure:"rate_limit_rpm"`
	AccuracyWeight  float64 `mapstructure:"accuracy_weight"`
	TimeoutSeconds  int     `mapstructure:"timeout_seconds"`
	MaxRetries      int     `mapstructure:"max_retries"`
	RetryDelayMS    int     `mapstructure:"retry_delay_ms"`
	InputCostPer1K  float64 `mapstructure:"input_cost_per_1k"`
	OutputCostPer1K float64 `mapstructure:"output_cost_per_1k"`
}

// TradingConfig contains trading loop settings
type TradingConfig struct {
	Mode             string   `mapstructure:"mode"` // auto, semi_auto, manual, paper, backtest
	Symbols          []string `mapstructure:"symbols"`
	Exchange         string   `mapstructure:"exchange"`
	Timeframe        string   `mapstructure:"timeframe"`
	TickIntervalSec  int      `mapstructure:"tick_interval_sec"`
	BasePositionSize float64  `mapstructure:"base_position_size"`
	InitialBalance   float64  `mapstructure:"initial_balance"`
	ConfirmTimeout   int      `mapstructure:"confirm_timeout_sec"` // SEMI_AUTO confirmation window
}

// SignalConfig contains signal generation and validation settings
type SignalConfig struct {
	ATRPeriod               int     `mapstructure:"atr_period"`
	VolatilityFactor        float64 `mapstructure:"volatility_factor"`
	PriceTolerance          float64 `mapstructure:"price_tolerance"`
	RSIOversoldThreshold    float64 `mapstructure:"rsi_oversold_threshold"`
	RSIOverboughtThreshold  float64 `mapstructure:"rsi_overbought_threshold"`
	VolumeConfirmationMult  float64 `mapstructure:"volume_confirmation_multiplier"`
	MaxPositionSizePct      float64 `mapstructure:"max_position_size_pct"`
	MaxPortfolioCorrelation float64 `mapstructure:"max_portfolio_correlation"`
}

// SchedulerConfig contains per-symbol scheduling limits
type SchedulerConfig struct {
	MinIntervalSec      int     `mapstructure:"min_interval_sec"`
	MaxConsecutiveSkips int     `mapstructure:"max_consecutive_skips"`
	MaxSpread           float64 `mapstructure:"max_spread"`
	MaxLatencyMS        int64   `mapstructure:"max_latency_ms"`
	RequiredDepthPct    float64 `mapstructure:"required_depth_pct"`
}

// RiskConfig contains portfolio risk limits
type RiskConfig struct {
	MaxPortfolioRisk     float64 `mapstructure:"max_portfolio_risk"`
	MaxPositionSize      float64 `mapstructure:"max_position_size"`
	MaxOpenTrades        int     `mapstructure:"max_open_trades"`
	CorrelationThreshold float64 `mapstructure:"correlation_threshold"`
	VolatilityThreshold  float64 `mapstructure:"volatility_threshold"`
	MaxDrawdown          float64 `mapstructure:"max_drawdown"`
	MaxDailyLoss         float64 `mapstructure:"max_daily_loss"`
}

// ExchangeConfig contains exchange-specific settings
type ExchangeConfig struct {
	APIKey    string `mapstructure:"api_key"`
	SecretKey string `mapstructure:"secret_key"`
	Testnet   bool   `mapstructure:"testnet"`
	WSUrl     string `mapstructure:"ws_url"`
}

// APIConfig contains status HTTP server settings
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// VaultConfig contains optional Vault secret-store settings
type VaultConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Token   string `mapstructure:"token"`
	Mount   string `mapstructure:"mount"`
	Path    string `mapstructure:"path"`
}

// Load loads configuration from file and environment variables. It does
// not validate: API keys arrive via ResolveSecrets after loading, so
// callers run Validate once secrets are resolved.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("FIBFLOW")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "fibflow")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.cache_ttl", 30)

	// NATS defaults
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.signal_subject", "fibflow.signals")
	v.SetDefault("nats.decision_subject", "fibflow.decisions")

	// AI defaults
	v.SetDefault("ai.enabled", true)
	v.SetDefault("ai.min_providers", 2)
	v.SetDefault("ai.min_confidence", 0.6)
	v.SetDefault("ai.enable_parallel", true)
	v.SetDefault("ai.signal_boost_threshold", 0.7)
	v.SetDefault("ai.signal_block_threshold", 0.8)
	v.SetDefault("ai.confidence_boost_multiplier", 20.0)
	v.SetDefault("ai.risk_assessment_enabled", true)
	v.SetDefault("ai.high_risk_block", false)
	v.SetDefault("ai.sentiment_analysis_enabled", true)
	v.SetDefault("ai.require_quorum", false)

	// Trading defaults
	v.SetDefault("trading.mode", "paper")
	v.SetDefault("trading.symbols", []string{"BTC/USDT", "ETH/USDT"})
	v.SetDefault("trading.exchange", "binance")
	v.SetDefault("trading.timeframe", "1h")
	v.SetDefault("trading.tick_interval_sec", 60)
	v.SetDefault("trading.base_position_size", 1000.0)
	v.SetDefault("trading.initial_balance", 10000.0)
	v.SetDefault("trading.confirm_timeout_sec", 300)

	// Signal defaults
	v.SetDefault("signals.atr_period", 14)
	v.SetDefault("signals.volatility_factor", 0.5)
	v.SetDefault("signals.price_tolerance", 0.01)
	v.SetDefault("signals.rsi_oversold_threshold", 40.0)
	v.SetDefault("signals.rsi_overbought_threshold", 60.0)
	v.SetDefault("signals.volume_confirmation_multiplier", 1.5)
	v.SetDefault("signals.max_position_size_pct", 5.0)
	v.SetDefault("signals.max_portfolio_correlation", 0.7)

	// Scheduler defaults
	v.SetDefault("scheduler.min_interval_sec", 300)
	v.SetDefault("scheduler.max_consecutive_skips", 5)
	v.SetDefault("scheduler.max_spread", 0.001)
	v.SetDefault("scheduler.max_latency_ms", 2000)
	v.SetDefault("scheduler.required_depth_pct", 0.005)

	// Risk defaults
	v.SetDefault("risk.max_portfolio_risk", 0.02)
	v.SetDefault("risk.max_position_size", 0.05)
	v.SetDefault("risk.max_open_trades", 10)
	v.SetDefault("risk.correlation_threshold", 0.7)
	v.SetDefault("risk.volatility_threshold", 0.08)
	v.SetDefault("risk.max_drawdown", 0.15)
	v.SetDefault("risk.max_daily_loss", 0.05)

	// API defaults
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8090)

	// Vault defaults
	v.SetDefault("vault.enabled", false)
	v.SetDefault("vault.mount", "secret")
	v.SetDefault("vault.path", "fibflow")
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAPIAddr returns the status API listen address
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TickInterval returns the mode manager tick interval as a duration
func (c *TradingConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSec) * time.Second
}

// ConfirmWindow returns the SEMI_AUTO confirmation window as a duration
func (c *TradingConfig) ConfirmWindow() time.Duration {
	return time.Duration(c.ConfirmTimeout) * time.Second
}

// Timeout returns the per-call provider deadline as a duration
func (c *ProviderConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RetryDelay returns the base retry delay as a duration
func (c *ProviderConfig) RetryDelay() time.Duration {
	if c.RetryDelayMS <= 0 {
		return time.Second
	}
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}
