package fibonacci

import (
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/fibflow/fibflow/internal/market"
)

// Direction of a candidate trade.
const (
	DirectionLong  = "LONG"
	DirectionShort = "SHORT"
)

// StrategyFibonacci tags candidates produced by the fibonacci engine
// itself; fallback strategies are tagged "alternative:<name>".
const StrategyFibonacci = "fibonacci_retracement"

const (
	triggerTolerance = 0.01 // |price - level| / price must beat this
	baseConfidence   = 0.85
)

// Candidate is a pre-validation signal hint emitted by a strategy.
type Candidate struct {
	Strategy       string             `json:"strategy"`
	Symbol         string             `json:"symbol"`
	Direction      string             `json:"direction"`
	FibLevels      map[string]float64 `json:"fib_levels"`
	CurrentPrice   float64            `json:"current_price"`
	ATR            float64            `json:"atr"`
	TriggeredLevel string             `json:"triggered_level"`
	TriggeredValue float64            `json:"triggered_value"`
	Confidence     float64            `json:"confidence"`
}

// FallbackStrategy produces a candidate when the fibonacci trigger
// doesn't fire. Returning nil means no opportunity.
type FallbackStrategy interface {
	Name() string
	Detect(symbol string, candles []market.Candle, snap market.Snapshot) *Candidate
}

// Engine computes volatility-adjusted fibonacci levels over a candle
// window and emits candidates when price touches a tradeable anchor.
type Engine struct {
	atrPeriod        int
	volatilityFactor float64
	fallbacks        []FallbackStrategy
	logger           zerolog.Logger
}

// NewEngine creates a fibonacci engine. volatilityFactor scales how
// much ATR widens the raw high-low range.
func NewEngine(atrPeriod int, volatilityFactor float64, logger zerolog.Logger) *Engine {
	if atrPeriod <= 0 {
		atrPeriod = 14
	}
	return &Engine{
		atrPeriod:        atrPeriod,
		volatilityFactor: volatilityFactor,
		logger:           logger,
	}
}

// RegisterFallback appends a fallback strategy. Fallbacks are consulted
// in registration order; the first non-nil candidate wins.
func (e *Engine) RegisterFallback(s FallbackStrategy) {
	e.fallbacks = append(e.fallbacks, s)
	e.logger.Info().Str("strategy", s.Name()).Msg("Registered fallback strategy")
}

// Levels computes the named anchor and fine-grained fibonacci levels
// for a window.
func (e *Engine) Levels(candles []market.Candle) (map[string]float64, float64, error) {
	if len(candles) < e.atrPeriod+1 {
		return nil, 0, fmt.Errorf("window too short: need %d candles, got %d", e.atrPeriod+1, len(candles))
	}

	atr, err := market.ATR(candles, e.atrPeriod)
	if err != nil {
		return nil, 0, err
	}

	high := math.Inf(-1)
	low := math.Inf(1)
	for _, c := range candles {
		if c.High > high {
			high = c.High
		}
		if c.Low < low {
			low = c.Low
		}
	}
	closePrice := candles[len(candles)-1].Close
	if closePrice <= 0 {
		return nil, 0, fmt.Errorf("non-positive close %.8f", closePrice)
	}

	// Volatility-scaled range: wider markets get wider anchors.
	r := (high - low) * (1 + (atr/closePrice)*e.volatilityFactor)

	levels := map[string]float64{
		"support_strong":    high - 0.618*r,
		"support_medium":    high - 0.382*r,
		"support_weak":      high - 0.236*r,
		"resistance_strong": high + 0.618*r,
		"resistance_medium": high + 0.382*r,
		"resistance_weak":   high + 0.236*r,
	}
	for _, ratio := range []float64{0.0, 0.236, 0.382, 0.5, 0.618, 0.786, 1.0} {
		levels[fmt.Sprintf("fibonacci_%.3f", ratio)] = high - ratio*r
	}

	return levels, atr, nil
}

// Tradeable anchors that can trigger a candidate, checked in a fixed
// order so equidistant levels resolve deterministically.
var triggerAnchors = []string{
	"support_strong",
	"support_medium",
	"resistance_strong",
	"resistance_medium",
}

// Detect emits a candidate when the last close sits within tolerance of
// a tradeable anchor, falling back to registered strategies otherwise.
// Returns nil when nothing fires.
func (e *Engine) Detect(symbol string, candles []market.Candle, snap market.Snapshot) (*Candidate, error) {
	levels, atr, err := e.Levels(candles)
	if err != nil {
		return nil, err
	}

	// Prefer the live price: it can sit beyond the window extremes,
	// which is exactly when resistance anchors become reachable.
	price := snap.Price
	if price <= 0 {
		price = candles[len(candles)-1].Close
	}

	// Among triggered anchors, pick the nearest; order breaks exact ties.
	bestAnchor := ""
	bestDist := math.Inf(1)
	for _, anchor := range triggerAnchors {
		level := levels[anchor]
		dist := math.Abs(price-level) / price
		if dist < triggerTolerance && dist < bestDist {
			bestAnchor = anchor
			bestDist = dist
		}
	}

	if bestAnchor != "" {
		cand := &Candidate{
			Strategy:       StrategyFibonacci,
			Symbol:         symbol,
			Direction:      directionFor(bestAnchor),
			FibLevels:      levels,
			CurrentPrice:   price,
			ATR:            atr,
			TriggeredLevel: bestAnchor,
			TriggeredValue: levels[bestAnchor],
			Confidence:     baseConfidence,
		}
		e.logger.Debug().
			Str("symbol", symbol).
			Str("level", bestAnchor).
			Float64("price", price).
			Float64("level_value", cand.TriggeredValue).
			Str("direction", cand.Direction).
			Msg("Fibonacci trigger fired")
		return cand, nil
	}

	for _, fb := range e.fallbacks {
		if cand := fb.Detect(symbol, candles, snap); cand != nil {
			cand.Strategy = "alternative:" + fb.Name()
			if cand.ATR == 0 {
				cand.ATR = atr
			}
			if cand.FibLevels == nil {
				cand.FibLevels = levels
			}
			e.logger.Debug().
				Str("symbol", symbol).
				Str("strategy", cand.Strategy).
				Msg("Fallback strategy fired")
			return cand, nil
		}
	}

	return nil, nil
}

// directionFor resolves trade direction from the triggered anchor:
// touching support means a bounce long, touching resistance a
// rejection short. Resolving by the nearest anchor keeps the rule
// deterministic when price sits between swing extremes.
func directionFor(anchor string) string {
	if len(anchor) >= 7 && anchor[:7] == "support" {
		return DirectionLong
	}
	return DirectionShort
}

// LevelNames returns the level names sorted, for stable logging.
func LevelNames(levels map[string]float64) []string {
	names := make([]string, 0, len(levels))
	for name := range levels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
