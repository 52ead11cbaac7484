package market

import (
	"fmt"
	"time"
)

// Candle is one immutable OHLCV bar produced by an exchange adapter.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Validate checks the bar's internal consistency.
func (c Candle) Validate() error {
	if c.High < c.Open || c.High < c.Close {
		return fmt.Errorf("invalid candle: high %.8f below open/close", c.High)
	}
	if c.Low > c.Open || c.Low > c.Close {
		return fmt.Errorf("invalid candle: low %.8f above open/close", c.Low)
	}
	if c.Volume < 0 {
		return fmt.Errorf("invalid candle: negative volume %.8f", c.Volume)
	}
	return nil
}

// Snapshot carries the externally supplied indicator values the
// validator and scorer evaluate a candidate signal against.
type Snapshot struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	RSI       float64 `json:"rsi"`
	EMA20     float64 `json:"ema_20"`
	EMA50     float64 `json:"ema_50"`
	EMA200    float64 `json:"ema_200"`
	Volume    float64 `json:"volume"`
	AvgVolume float64 `json:"avg_volume"`
	ATR       float64 `json:"atr"`
}

// VolumeRatio returns volume relative to its average, or 0 when the
// average is unknown.
func (s Snapshot) VolumeRatio() float64 {
	if s.AvgVolume <= 0 {
		return 0
	}
	return s.Volume / s.AvgVolume
}

// VolatilityRatio returns 100*ATR/price, the percentage volatility
// measure used by the market-structure check.
func (s Snapshot) VolatilityRatio() float64 {
	if s.Price <= 0 {
		return 0
	}
	return 100 * s.ATR / s.Price
}

// PortfolioState is the optional portfolio context for validation.
type PortfolioState struct {
	TotalValue   float64            `json:"total_value"`
	Correlations map[string]float64 `json:"correlations"`
}

// Trend labels used in AI request context and scoring.
const (
	TrendUp      = "up"
	TrendDown    = "down"
	TrendRanging = "ranging"
)

// Trend classifies market direction from the EMA stack.
func (s Snapshot) Trend() string {
	switch {
	case s.Price > s.EMA20 && s.EMA20 > s.EMA50:
		return TrendUp
	case s.Price < s.EMA20 && s.EMA20 < s.EMA50:
		return TrendDown
	default:
		return TrendRanging
	}
}
