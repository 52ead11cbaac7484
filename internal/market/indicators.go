package market

import (
	"fmt"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
)

// RSI calculates the Relative Strength Index over closes using the
// given period. Returns the most recent value.
func RSI(closes []float64, period int) (float64, error) {
	if period < 1 || period > len(closes) {
		return 0, fmt.Errorf("invalid RSI period: %d (have %d closes)", period, len(closes))
	}

	pricesChan := make(chan float64, len(closes))
	for _, p := range closes {
		pricesChan <- p
	}
	close(pricesChan)

	rsi := momentum.NewRsiWithPeriod[float64](period)
	out := rsi.Compute(pricesChan)

	var last float64
	n := 0
	for val := range out {
		last = val
		n++
	}
	if n == 0 {
		return 0, fmt.Errorf("no RSI values calculated")
	}
	return last, nil
}

// EMA calculates the Exponential Moving Average over closes using the
// given period. Returns the most recent value.
func EMA(closes []float64, period int) (float64, error) {
	if period < 1 || period > len(closes) {
		return 0, fmt.Errorf("invalid EMA period: %d (have %d closes)", period, len(closes))
	}

	pricesChan := make(chan float64, len(closes))
	for _, p := range closes {
		pricesChan <- p
	}
	close(pricesChan)

	ema := trend.NewEmaWithPeriod[float64](period)
	out := ema.Compute(pricesChan)

	var last float64
	n := 0
	for val := range out {
		last = val
		n++
	}
	if n == 0 {
		return 0, fmt.Errorf("no EMA values calculated")
	}
	return last, nil
}

// ATR calculates the Average True Range over the last period bars by
// true-range averaging. Implemented manually: the signal pipeline needs
// the plain period-mean of true ranges, not a Wilder-smoothed series.
func ATR(candles []Candle, period int) (float64, error) {
	if period < 1 {
		return 0, fmt.Errorf("invalid ATR period: %d", period)
	}
	if len(candles) < period+1 {
		return 0, fmt.Errorf("insufficient data: need at least %d candles, got %d", period+1, len(candles))
	}

	// True range needs the previous close, so start one bar before the window.
	start := len(candles) - period
	sum := 0.0
	for i := start; i < len(candles); i++ {
		tr := trueRange(candles[i], candles[i-1].Close)
		sum += tr
	}
	return sum / float64(period), nil
}

func trueRange(c Candle, prevClose float64) float64 {
	hl := c.High - c.Low
	hc := abs(c.High - prevClose)
	lc := abs(c.Low - prevClose)
	return max3(hl, hc, lc)
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func max3(a, b, c float64) float64 {
	m := a
	if b > m {
		m = b
	}
	if c > m {
		m = c
	}
	return m
}

// AvgVolume returns the mean volume over the last n candles.
func AvgVolume(candles []Candle, n int) float64 {
	if n < 1 || len(candles) == 0 {
		return 0
	}
	if n > len(candles) {
		n = len(candles)
	}
	sum := 0.0
	for i := len(candles) - n; i < len(candles); i++ {
		sum += candles[i].Volume
	}
	return sum / float64(n)
}

// BuildSnapshot assembles the indicator snapshot the validator and
// scorer consume from a window of candles. The window must be long
// enough for the largest EMA requested; unavailable indicators are
// returned as errors rather than silently zeroed.
func BuildSnapshot(symbol string, candles []Candle, atrPeriod int) (Snapshot, error) {
	if len(candles) == 0 {
		return Snapshot{}, fmt.Errorf("empty candle window for %s", symbol)
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	last := candles[len(candles)-1]

	snap := Snapshot{
		Symbol:    symbol,
		Price:     last.Close,
		Volume:    last.Volume,
		AvgVolume: AvgVolume(candles, 20),
	}

	var err error
	if snap.RSI, err = RSI(closes, 14); err != nil {
		return Snapshot{}, fmt.Errorf("rsi: %w", err)
	}
	if snap.EMA20, err = EMA(closes, 20); err != nil {
		return Snapshot{}, fmt.Errorf("ema_20: %w", err)
	}
	if snap.EMA50, err = EMA(closes, 50); err != nil {
		return Snapshot{}, fmt.Errorf("ema_50: %w", err)
	}
	// EMA200 is optional context for AI prompts; fall back to EMA50 on
	// short windows rather than failing the tick.
	if ema200, err := EMA(closes, 200); err == nil {
		snap.EMA200 = ema200
	} else {
		snap.EMA200 = snap.EMA50
	}
	if snap.ATR, err = ATR(candles, atrPeriod); err != nil {
		return Snapshot{}, fmt.Errorf("atr: %w", err)
	}

	return snap, nil
}
