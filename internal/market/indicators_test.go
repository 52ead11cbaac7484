package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flatCandles(n int, price, volume float64) []Candle {
	candles := make([]Candle, n)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range candles {
		candles[i] = Candle{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Open:      price, High: price, Low: price, Close: price,
			Volume: volume,
		}
	}
	return candles
}

func TestCandleValidate(t *testing.T) {
	valid := Candle{Open: 100, High: 110, Low: 95, Close: 105, Volume: 10}
	assert.NoError(t, valid.Validate())

	badHigh := Candle{Open: 100, High: 99, Low: 95, Close: 98, Volume: 10}
	assert.Error(t, badHigh.Validate())

	badLow := Candle{Open: 100, High: 110, Low: 101, Close: 105, Volume: 10}
	assert.Error(t, badLow.Validate())

	badVolume := Candle{Open: 100, High: 110, Low: 95, Close: 105, Volume: -1}
	assert.Error(t, badVolume.Validate())
}

func TestATRFlatMarket(t *testing.T) {
	// Constant bars have zero true range.
	atr, err := ATR(flatCandles(20, 100, 10), 14)
	require.NoError(t, err)
	assert.Equal(t, 0.0, atr)
}

func TestATRConstantRange(t *testing.T) {
	candles := make([]Candle, 20)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range candles {
		candles[i] = Candle{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Open:      100, High: 105, Low: 95, Close: 100,
			Volume: 10,
		}
	}
	// Every bar's true range is high-low = 10, so the average is 10.
	atr, err := ATR(candles, 14)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, atr, 1e-9)
}

func TestATRInsufficientData(t *testing.T) {
	_, err := ATR(flatCandles(10, 100, 10), 14)
	assert.Error(t, err)
}

func TestATRGapUp(t *testing.T) {
	// A gap above the prior close widens the true range.
	candles := []Candle{
		{Open: 100, High: 101, Low: 99, Close: 100},
		{Open: 110, High: 111, Low: 109, Close: 110},
	}
	atr, err := ATR(candles, 1)
	require.NoError(t, err)
	// TR = max(111-109, |111-100|, |109-100|) = 11
	assert.InDelta(t, 11.0, atr, 1e-9)
}

func TestRSIBounds(t *testing.T) {
	// Monotonically rising closes push RSI toward 100.
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	rsi, err := RSI(closes, 14)
	require.NoError(t, err)
	assert.Greater(t, rsi, 70.0)
	assert.LessOrEqual(t, rsi, 100.0)
}

func TestRSIInvalidPeriod(t *testing.T) {
	_, err := RSI([]float64{1, 2, 3}, 14)
	assert.Error(t, err)
}

func TestEMAConstantSeries(t *testing.T) {
	closes := make([]float64, 50)
	for i := range closes {
		closes[i] = 42.0
	}
	ema, err := EMA(closes, 20)
	require.NoError(t, err)
	assert.InDelta(t, 42.0, ema, 1e-9)
}

func TestAvgVolume(t *testing.T) {
	candles := flatCandles(10, 100, 5)
	assert.InDelta(t, 5.0, AvgVolume(candles, 20), 1e-9)
	assert.InDelta(t, 5.0, AvgVolume(candles, 5), 1e-9)
	assert.Equal(t, 0.0, AvgVolume(nil, 5))
}

func TestSnapshotHelpers(t *testing.T) {
	s := Snapshot{Price: 42000, ATR: 420, Volume: 150, AvgVolume: 100, EMA20: 41900, EMA50: 41500}
	assert.InDelta(t, 1.5, s.VolumeRatio(), 1e-9)
	assert.InDelta(t, 1.0, s.VolatilityRatio(), 1e-9)
	assert.Equal(t, TrendUp, s.Trend())

	down := Snapshot{Price: 100, EMA20: 110, EMA50: 120}
	assert.Equal(t, TrendDown, down.Trend())

	ranging := Snapshot{Price: 100, EMA20: 110, EMA50: 105}
	assert.Equal(t, TrendRanging, ranging.Trend())
}

func TestBuildSnapshot(t *testing.T) {
	candles := make([]Candle, 60)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	price := 100.0
	for i := range candles {
		price += 0.5
		candles[i] = Candle{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Open:      price - 0.5, High: price + 1, Low: price - 1.5, Close: price,
			Volume: 1000,
		}
	}

	snap, err := BuildSnapshot("BTC/USDT", candles, 14)
	require.NoError(t, err)
	assert.Equal(t, "BTC/USDT", snap.Symbol)
	assert.Equal(t, price, snap.Price)
	assert.Greater(t, snap.ATR, 0.0)
	assert.Greater(t, snap.RSI, 0.0)
	assert.Greater(t, snap.EMA20, snap.EMA50, "rising series keeps fast EMA above slow")

	_, err = BuildSnapshot("BTC/USDT", nil, 14)
	assert.Error(t, err)
}
