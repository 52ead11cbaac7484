package fibonacci

import (
	"math"

	"github.com/fibflow/fibflow/internal/market"
)

// MeanReversion is a fallback strategy: it fires when price stretches
// far from its fast EMA with momentum exhausted, betting on a snap
// back toward the mean.
type MeanReversion struct {
	// DeviationPct is the minimum |price-EMA20|/EMA20 stretch, default 2%.
	DeviationPct float64
}

func (m *MeanReversion) Name() string { return "mean_reversion" }

func (m *MeanReversion) Detect(symbol string, candles []market.Candle, snap market.Snapshot) *Candidate {
	deviation := m.DeviationPct
	if deviation <= 0 {
		deviation = 0.02
	}
	if snap.EMA20 <= 0 || snap.Price <= 0 {
		return nil
	}

	stretch := (snap.Price - snap.EMA20) / snap.EMA20
	if math.Abs(stretch) < deviation {
		return nil
	}

	var direction string
	switch {
	case stretch < 0 && snap.RSI < 30:
		direction = DirectionLong
	case stretch > 0 && snap.RSI > 70:
		direction = DirectionShort
	default:
		return nil
	}

	return &Candidate{
		Symbol:       symbol,
		Direction:    direction,
		CurrentPrice: snap.Price,
		ATR:          snap.ATR,
		// Stretched-mean entries carry less conviction than a clean
		// fibonacci touch.
		Confidence: 0.70,
	}
}
