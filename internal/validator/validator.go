package validator

import (
	"math"
	"strings"

	"github.com/rs/zerolog"

	"github.com/fibflow/fibflow/internal/config"
	"github.com/fibflow/fibflow/internal/fibonacci"
	"github.com/fibflow/fibflow/internal/market"
)

// Condition names, also used as keys in the per-condition pass map.
const (
	CondPriceLevel      = "price_level"
	CondRSI             = "rsi"
	CondEMAAlignment    = "ema_alignment"
	CondVolume          = "volume"
	CondMarketStructure = "market_structure"
	CondPositionSizing  = "position_sizing"
	CondCorrelation     = "portfolio_correlation"
)

const conditionCount = 7

// A candidate passes validation when it clears at least 60% of the
// conditions.
const minConfidence = 60.0

// Result is the outcome of validating one candidate.
type Result struct {
	IsValid    bool              `json:"is_valid"`
	Confidence float64           `json:"confidence"` // 100 * passed / 7
	Conditions map[string]bool   `json:"conditions"`
	Violations []string          `json:"violations"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Validator evaluates seven independent conditions against a
// candidate signal plus market and optional portfolio context.
type Validator struct {
	cfg    config.SignalConfig
	logger zerolog.Logger
}

func New(cfg config.SignalConfig, logger zerolog.Logger) *Validator {
	return &Validator{cfg: cfg, logger: logger}
}

// Validate runs all seven conditions. positionSize is the proposed
// notional size; portfolio may be nil when no portfolio state exists.
func (v *Validator) Validate(cand *fibonacci.Candidate, snap market.Snapshot, positionSize float64, portfolio *market.PortfolioState) Result {
	result := Result{
		Conditions: make(map[string]bool, conditionCount),
		Metadata:   make(map[string]string),
	}

	result.Conditions[CondPriceLevel] = v.checkPriceLevel(cand, &result)
	result.Conditions[CondRSI] = v.checkRSI(cand, snap)
	result.Conditions[CondEMAAlignment] = checkEMAAlignment(cand, snap)
	result.Conditions[CondVolume] = v.checkVolume(snap)
	result.Conditions[CondMarketStructure] = checkMarketStructure(cand, snap)
	result.Conditions[CondPositionSizing] = v.checkPositionSizing(positionSize, portfolio)
	result.Conditions[CondCorrelation] = v.checkCorrelation(cand.Symbol, portfolio)

	passed := 0
	for name, ok := range result.Conditions {
		if ok {
			passed++
		} else {
			result.Violations = append(result.Violations, name)
		}
	}

	result.Confidence = 100 * float64(passed) / conditionCount
	result.IsValid = result.Confidence >= minConfidence

	v.logger.Debug().
		Str("symbol", cand.Symbol).
		Str("strategy", cand.Strategy).
		Bool("valid", result.IsValid).
		Float64("confidence", result.Confidence).
		Strs("violations", result.Violations).
		Msg("Candidate validated")

	return result
}

// 1. Price level: strategy-specific distance to the triggered level.
func (v *Validator) checkPriceLevel(cand *fibonacci.Candidate, result *Result) bool {
	switch {
	case cand.Strategy == fibonacci.StrategyFibonacci:
		if cand.CurrentPrice <= 0 {
			return false
		}
		tolerance := v.cfg.PriceTolerance
		if tolerance <= 0 {
			tolerance = 0.01
		}
		dist := math.Abs(cand.CurrentPrice-cand.TriggeredValue) / cand.CurrentPrice
		return dist <= tolerance
	case strings.Contains(cand.Strategy, "mean_reversion"):
		return true
	default:
		result.Metadata["price_level_warning"] = "unknown strategy " + cand.Strategy
		v.logger.Warn().
			Str("strategy", cand.Strategy).
			Msg("Unknown strategy in price level check, accepting")
		return true
	}
}

// 2. RSI: longs want an oversold reading, shorts an overbought one.
func (v *Validator) checkRSI(cand *fibonacci.Candidate, snap market.Snapshot) bool {
	oversold := v.cfg.RSIOversoldThreshold
	if oversold <= 0 {
		oversold = 40
	}
	overbought := v.cfg.RSIOverboughtThreshold
	if overbought <= 0 {
		overbought = 60
	}

	if cand.Direction == fibonacci.DirectionLong {
		return snap.RSI >= 20 && snap.RSI <= oversold
	}
	return snap.RSI >= overbought && snap.RSI <= 80
}

// 3. EMA alignment: the stack must agree with the trade direction.
func checkEMAAlignment(cand *fibonacci.Candidate, snap market.Snapshot) bool {
	if cand.Direction == fibonacci.DirectionLong {
		return cand.CurrentPrice > snap.EMA20 && snap.EMA20 > snap.EMA50
	}
	return cand.CurrentPrice < snap.EMA20 && snap.EMA20 < snap.EMA50
}

// 4. Volume: the move needs participation.
func (v *Validator) checkVolume(snap market.Snapshot) bool {
	mult := v.cfg.VolumeConfirmationMult
	if mult <= 0 {
		mult = 1.5
	}
	return snap.Volume >= snap.AvgVolume*mult
}

// 5. Market structure: fibonacci setups need volatility, mean
// reversion needs calm. Missing data accepts.
func checkMarketStructure(cand *fibonacci.Candidate, snap market.Snapshot) bool {
	if snap.ATR <= 0 || snap.Price <= 0 {
		return true
	}
	volatilityRatio := snap.VolatilityRatio()
	switch {
	case cand.Strategy == fibonacci.StrategyFibonacci:
		return volatilityRatio >= 1.0
	case strings.Contains(cand.Strategy, "mean_reversion"):
		return volatilityRatio < 2.0
	default:
		return true
	}
}

// 6. Position sizing relative to portfolio value.
func (v *Validator) checkPositionSizing(positionSize float64, portfolio *market.PortfolioState) bool {
	if portfolio == nil || portfolio.TotalValue <= 0 {
		return true
	}
	maxPct := v.cfg.MaxPositionSizePct
	if maxPct <= 0 {
		maxPct = 5
	}
	return 100*positionSize/portfolio.TotalValue <= maxPct
}

// 7. Portfolio correlation.
func (v *Validator) checkCorrelation(symbol string, portfolio *market.PortfolioState) bool {
	if portfolio == nil || portfolio.Correlations == nil {
		return true
	}
	corr, ok := portfolio.Correlations[symbol]
	if !ok {
		return true
	}
	maxCorr := v.cfg.MaxPortfolioCorrelation
	if maxCorr <= 0 {
		maxCorr = 0.7
	}
	return corr <= maxCorr
}
