package scorer

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/fibflow/fibflow/internal/fibonacci"
	"github.com/fibflow/fibflow/internal/market"
)

// Execution tiers and their size multipliers.
const (
	TierFull    = "FULL"
	TierReduced = "REDUCED"
	TierSkip    = "SKIP"
)

// Component names.
const (
	CompTechnical  = "technical_alignment"
	CompVolume     = "volume_confirmation"
	CompVolatility = "volatility_context"
	CompWinRate    = "historical_win_rate"
	CompMarket     = "market_condition"
)

var weights = map[string]float64{
	CompTechnical:  0.30,
	CompVolume:     0.20,
	CompVolatility: 0.20,
	CompWinRate:    0.15,
	CompMarket:     0.15,
}

// Score is a composite quality assessment of a validated candidate.
type Score struct {
	Overall         float64            `json:"overall"`
	Points          map[string]float64 `json:"points"`        // raw 0-100 per component
	Contributions   map[string]float64 `json:"contributions"` // points * weight
	Tier            string             `json:"tier"`
	SizeMultiplier  float64            `json:"size_multiplier"`
	ConfidenceLabel string             `json:"confidence_label"` // HIGH / MEDIUM / LOW
}

// Scorer assigns execution tiers from five weighted components.
type Scorer struct {
	logger zerolog.Logger
}

func New(logger zerolog.Logger) *Scorer {
	return &Scorer{logger: logger}
}

// Compute scores a candidate. winRate is the symbol's historical win
// rate in [0,1]; pass 0 when no history exists.
func (s *Scorer) Compute(cand *fibonacci.Candidate, snap market.Snapshot, winRate float64) Score {
	points := map[string]float64{
		CompTechnical:  technicalPoints(cand, snap),
		CompVolume:     volumePoints(snap.VolumeRatio()),
		CompVolatility: volatilityPoints(cand, snap),
		CompWinRate:    winRatePoints(winRate),
		CompMarket:     marketPoints(cand, snap),
	}

	contributions := make(map[string]float64, len(points))
	overall := 0.0
	for name, p := range points {
		contributions[name] = p * weights[name]
		overall += contributions[name]
	}
	overall = clip(overall)

	score := Score{
		Overall:       overall,
		Points:        points,
		Contributions: contributions,
	}
	switch {
	case overall >= 75:
		score.Tier = TierFull
		score.SizeMultiplier = 1.0
		score.ConfidenceLabel = "HIGH"
	case overall >= 60:
		score.Tier = TierReduced
		score.SizeMultiplier = 0.65
		score.ConfidenceLabel = "MEDIUM"
	default:
		score.Tier = TierSkip
		score.SizeMultiplier = 0.0
		score.ConfidenceLabel = "LOW"
	}

	s.logger.Debug().
		Str("symbol", cand.Symbol).
		Float64("overall", overall).
		Str("tier", score.Tier).
		Msg("Candidate scored")

	return score
}

// technicalPoints combines the RSI bucket, EMA stack alignment and a
// golden-ratio level bonus.
func technicalPoints(cand *fibonacci.Candidate, snap market.Snapshot) float64 {
	long := cand.Direction == fibonacci.DirectionLong

	// RSI bucket: deeper exhaustion in the trade direction scores higher.
	var rsiPts float64
	rsi := snap.RSI
	if !long {
		rsi = 100 - rsi // mirror so the same buckets apply
	}
	switch {
	case rsi <= 30:
		rsiPts = 60
	case rsi <= 40:
		rsiPts = 40
	case rsi <= 50:
		rsiPts = 25
	default:
		rsiPts = 10
	}

	// EMA alignment: full stack, partial (fast over slow only), or none.
	var emaPts float64
	switch {
	case long && cand.CurrentPrice > snap.EMA20 && snap.EMA20 > snap.EMA50,
		!long && cand.CurrentPrice < snap.EMA20 && snap.EMA20 < snap.EMA50:
		emaPts = 40
	case long && snap.EMA20 > snap.EMA50,
		!long && snap.EMA20 < snap.EMA50:
		emaPts = 25
	default:
		emaPts = 10
	}

	// Golden-ratio anchors are the strongest retracement levels.
	var fibBonus float64
	if strings.Contains(cand.TriggeredLevel, "strong") ||
		strings.Contains(cand.TriggeredLevel, "medium") ||
		strings.Contains(cand.TriggeredLevel, "0.618") ||
		strings.Contains(cand.TriggeredLevel, "0.382") {
		fibBonus = 5
	}

	return clip(rsiPts + emaPts + fibBonus)
}

func volumePoints(volumeRatio float64) float64 {
	switch {
	case volumeRatio >= 1.5:
		return 100
	case volumeRatio >= 1.2:
		return 80
	case volumeRatio >= 1.0:
		return 60
	default:
		return 30
	}
}

// volatilityPoints rewards a regime that suits the strategy plus a
// healthy ATR-to-price band.
func volatilityPoints(cand *fibonacci.Candidate, snap market.Snapshot) float64 {
	pts := 50.0

	ratio := snap.VolatilityRatio()
	meanRev := strings.Contains(cand.Strategy, "mean_reversion")
	switch {
	case ratio > 0 && ratio < 1.0 && meanRev:
		pts += 15 // calm market favors reversion
	case ratio >= 2.0 && !meanRev:
		pts += 20 // expansion favors trend continuation
	}

	// ATR between 0.001% and 10% of price is a tradeable regime.
	if ratio > 0.001 && ratio < 10 {
		pts += 15
	}

	return clip(pts)
}

func winRatePoints(winRate float64) float64 {
	switch {
	case winRate >= 0.70:
		return 100
	case winRate >= 0.65:
		return 85
	case winRate >= 0.60:
		return 70
	case winRate >= 0.55:
		return 50
	default:
		return 30
	}
}

// marketPoints scores the broader regime: slow-EMA trend agreement and
// momentum extremes.
func marketPoints(cand *fibonacci.Candidate, snap market.Snapshot) float64 {
	pts := 50.0
	long := cand.Direction == fibonacci.DirectionLong

	switch marketTrend(snap) {
	case market.TrendUp:
		if long {
			pts += 25
		} else {
			pts -= 15
		}
	case market.TrendDown:
		if long {
			pts -= 15
		} else {
			pts += 25
		}
	default:
		pts += 15 // ranging suits both directions
	}

	if snap.RSI < 20 || snap.RSI > 80 {
		pts += 10
	}

	return clip(pts)
}

// marketTrend classifies the slow trend from the EMA50/EMA200 stack.
func marketTrend(snap market.Snapshot) string {
	switch {
	case snap.EMA50 > snap.EMA200 && snap.Price > snap.EMA50:
		return market.TrendUp
	case snap.EMA50 < snap.EMA200 && snap.Price < snap.EMA50:
		return market.TrendDown
	default:
		return market.TrendRanging
	}
}

func clip(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
