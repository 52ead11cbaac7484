package advisor

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/fibflow/fibflow/internal/ai"
	"github.com/fibflow/fibflow/internal/config"
	"github.com/fibflow/fibflow/internal/ensemble"
	"github.com/fibflow/fibflow/internal/fibonacci"
	"github.com/fibflow/fibflow/internal/metrics"
)

// ErrSentimentDisabled is returned by Sentiment when the ensemble or
// sentiment analysis itself is switched off in configuration.
var ErrSentimentDisabled = errors.New("sentiment analysis is disabled")

// Actions the adapter can take on a technical signal.
const (
	ActionBoost   = "boost"
	ActionBlock   = "block"
	ActionNeutral = "neutral"
)

// TechContext is the technical signal summary handed to the ensemble.
type TechContext struct {
	Symbol      string
	Direction   string // LONG / SHORT
	Confidence  float64
	Price       float64
	VolumeRatio float64
	Volatility  float64 // 100*ATR/price
	Trend       string
	RSI         float64
	EMA20       float64
	EMA50       float64
	EMA200      float64
	FibLevel    float64
	Timeframe   string
}

// Decision is the adapter's verdict on one technical signal.
type Decision struct {
	Action     string           `json:"action"`
	Boost      float64          `json:"boost"` // confidence points to add, >= 0
	Consensus  string           `json:"consensus"`
	Confidence float64          `json:"confidence"`
	RiskLevel  ai.RiskLevel     `json:"risk_level,omitempty"`
	Providers  int              `json:"providers"`
	Result     *ensemble.Result `json:"-"`
}

// Advisor translates technical signals into ensemble requests and
// interprets the consensus as BOOST, BLOCK or NEUTRAL.
type Advisor struct {
	cfg    config.AIConfig
	orch   *ensemble.Orchestrator
	logger zerolog.Logger
}

func New(cfg config.AIConfig, orch *ensemble.Orchestrator, logger zerolog.Logger) *Advisor {
	return &Advisor{cfg: cfg, orch: orch, logger: logger}
}

// Assess consults the ensemble about a technical signal. A nil error
// with ActionBlock means the signal must be discarded. Quorum failure
// degrades to NEUTRAL unless the configuration strictly requires it.
func (a *Advisor) Assess(ctx context.Context, tech TechContext) (*Decision, error) {
	if !a.cfg.Enabled {
		return &Decision{Action: ActionNeutral}, nil
	}

	marketData := map[string]float64{
		"price":        tech.Price,
		"volume_ratio": tech.VolumeRatio,
		"volatility":   tech.Volatility,
	}
	if tech.Trend != "" {
		marketData["trend_"+tech.Trend] = 1
	}
	indicators := map[string]float64{
		"rsi":          tech.RSI,
		"ema_20":       tech.EMA20,
		"ema_50":       tech.EMA50,
		"ema_200":      tech.EMA200,
		"fib_level":    tech.FibLevel,
		"volume_ratio": tech.VolumeRatio,
	}

	result, err := a.orch.GenerateTradingSignal(ctx, tech.Symbol, marketData, indicators, tech.Timeframe)
	if err != nil {
		return nil, err
	}

	// The dedicated risk pass can only escalate the consensus verdict,
	// never soften it.
	if a.cfg.RiskAssessmentEnabled {
		if level := a.assessRisk(ctx, tech); level.Severity() > result.RiskLevel.Severity() {
			result.RiskLevel = level
		}
	}

	decision := &Decision{
		Consensus:  result.ConsensusSignal,
		Confidence: result.Confidence,
		RiskLevel:  result.RiskLevel,
		Providers:  result.ProviderCount(),
		Result:     result,
	}

	if _, insufficient := result.Metadata["insufficient_providers"]; insufficient {
		if a.cfg.RequireQuorum {
			decision.Action = ActionBlock
			metrics.SignalsAIBlocked.Inc()
			a.logger.Warn().
				Str("symbol", tech.Symbol).
				Msg("Quorum failure with strict quorum enabled, blocking signal")
			return decision, nil
		}
		decision.Action = ActionNeutral
		metrics.SignalsAINeutral.Inc()
		return decision, nil
	}

	switch {
	case a.shouldBlock(result):
		decision.Action = ActionBlock
		metrics.SignalsAIBlocked.Inc()
	case a.shouldBoost(tech, result):
		decision.Action = ActionBoost
		decision.Boost = a.boostAmount(result.Confidence)
		metrics.SignalsAIBoosted.Inc()
	default:
		decision.Action = ActionNeutral
		metrics.SignalsAINeutral.Inc()
	}

	a.logger.Debug().
		Str("symbol", tech.Symbol).
		Str("action", decision.Action).
		Str("consensus", decision.Consensus).
		Float64("ai_confidence", decision.Confidence).
		Float64("boost", decision.Boost).
		Msg("AI assessment complete")

	return decision, nil
}

// assessRisk rates the prospective position with the ensemble's
// risk-assessment prompt. Failures and quorum misses degrade to an
// empty level so they cannot veto a trade on their own.
func (a *Advisor) assessRisk(ctx context.Context, tech TechContext) ai.RiskLevel {
	position := map[string]float64{
		"entry_price":    tech.Price,
		"confidence_pct": tech.Confidence,
	}
	conditions := map[string]float64{
		"volatility":   tech.Volatility,
		"volume_ratio": tech.VolumeRatio,
		"rsi":          tech.RSI,
	}

	result, err := a.orch.AssessRisk(ctx, tech.Symbol, position, conditions)
	if err != nil {
		a.logger.Warn().Err(err).Str("symbol", tech.Symbol).Msg("Risk assessment failed")
		return ""
	}
	if _, insufficient := result.Metadata["insufficient_providers"]; insufficient {
		return ""
	}
	return result.RiskLevel
}

// Sentiment runs ensemble sentiment analysis over free text. Gated on
// configuration so operators can shed the extra provider cost.
func (a *Advisor) Sentiment(ctx context.Context, text, textContext string) (*ensemble.Result, error) {
	if !a.cfg.Enabled || !a.cfg.SentimentAnalysisEnabled {
		return nil, ErrSentimentDisabled
	}
	return a.orch.AnalyzeSentiment(ctx, text, textContext)
}

// shouldBoost: confident consensus from a real quorum agreeing with
// the trade direction.
func (a *Advisor) shouldBoost(tech TechContext, result *ensemble.Result) bool {
	threshold := a.cfg.SignalBoostThreshold
	if threshold <= 0 {
		threshold = 0.7
	}
	if result.Confidence < threshold || result.ProviderCount() < 2 {
		return false
	}

	switch tech.Direction {
	case fibonacci.DirectionLong:
		return result.ConsensusSignal == ai.SignalBuy
	case fibonacci.DirectionShort:
		return result.ConsensusSignal == ai.SignalSell
	default:
		return false
	}
}

// shouldBlock: a confident HOLD with HIGH risk, or any HIGH/EXTREME
// risk when the hard block is configured.
func (a *Advisor) shouldBlock(result *ensemble.Result) bool {
	threshold := a.cfg.SignalBlockThreshold
	if threshold <= 0 {
		threshold = 0.8
	}

	highRisk := result.RiskLevel == ai.RiskHigh || result.RiskLevel == ai.RiskExtreme
	if a.cfg.HighRiskBlock && highRisk {
		return true
	}
	return result.ConsensusSignal == ai.SignalHold &&
		result.Confidence >= threshold &&
		result.RiskLevel == ai.RiskHigh
}

// boostAmount maps ensemble confidence above the floor onto technical
// confidence points, clamped to non-negative.
func (a *Advisor) boostAmount(aiConfidence float64) float64 {
	minConfidence := a.cfg.MinConfidence
	mult := a.cfg.ConfidenceBoostMult
	if mult <= 0 {
		mult = 20
	}
	boost := (aiConfidence - minConfidence) * mult
	if boost < 0 {
		return 0
	}
	return boost
}
