package config

import (
	"fmt"
	"strings"
)

var validModes = map[string]bool{
	"auto":      true,
	"semi_auto": true,
	"manual":    true,
	"paper":     true,
	"backtest":  true,
}

var validTimeframes = map[string]bool{
	"1m": true, "5m": true, "15m": true, "30m": true,
	"1h": true, "4h": true, "1d": true,
}

// Validate performs a full validation pass over the loaded configuration
func (c *Config) Validate() error {
	var errs []string

	if !validModes[c.Trading.Mode] {
		errs = append(errs, fmt.Sprintf("trading.mode: unknown mode %q", c.Trading.Mode))
	}
	if !validTimeframes[c.Trading.Timeframe] {
		errs = append(errs, fmt.Sprintf("trading.timeframe: unsupported timeframe %q", c.Trading.Timeframe))
	}
	if len(c.Trading.Symbols) == 0 {
		errs = append(errs, "trading.symbols: at least one symbol required")
	}
	if c.Trading.TickIntervalSec <= 0 {
		errs = append(errs, "trading.tick_interval_sec: must be positive")
	}
	if c.Trading.InitialBalance <= 0 {
		errs = append(errs, "trading.initial_balance: must be positive")
	}

	if c.AI.MinProviders < 1 {
		errs = append(errs, "ai.min_providers: must be at least 1")
	}
	if c.AI.MinConfidence < 0 || c.AI.MinConfidence > 1 {
		errs = append(errs, "ai.min_confidence: must be in [0,1]")
	}
	for name, p := range c.AI.Providers {
		if p.Enabled && p.APIKey == "" {
			errs = append(errs, fmt.Sprintf("ai.providers.%s: enabled provider requires api_key", name))
		}
		if p.Enabled && p.RateLimitRPM <= 0 {
			errs = append(errs, fmt.Sprintf("ai.providers.%s: rate_limit_rpm must be positive", name))
		}
		if p.AccuracyWeight < 0 {
			errs = append(errs, fmt.Sprintf("ai.providers.%s: accuracy_weight must be non-negative", name))
		}
	}

	if c.Signals.ATRPeriod < 2 {
		errs = append(errs, "signals.atr_period: must be at least 2")
	}
	if c.Signals.PriceTolerance <= 0 {
		errs = append(errs, "signals.price_tolerance: must be positive")
	}

	if c.Scheduler.MinIntervalSec <= 0 {
		errs = append(errs, "scheduler.min_interval_sec: must be positive")
	}
	if c.Scheduler.MaxConsecutiveSkips <= 0 {
		errs = append(errs, "scheduler.max_consecutive_skips: must be positive")
	}

	if c.Risk.MaxPortfolioRisk <= 0 || c.Risk.MaxPortfolioRisk >= 1 {
		errs = append(errs, "risk.max_portfolio_risk: must be in (0,1)")
	}
	if c.Risk.MaxDrawdown <= 0 || c.Risk.MaxDrawdown >= 1 {
		errs = append(errs, "risk.max_drawdown: must be in (0,1)")
	}
	if c.Risk.MaxDailyLoss <= 0 || c.Risk.MaxDailyLoss >= 1 {
		errs = append(errs, "risk.max_daily_loss: must be in (0,1)")
	}
	if c.Risk.MaxOpenTrades <= 0 {
		errs = append(errs, "risk.max_open_trades: must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}
