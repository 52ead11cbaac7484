package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded cardinality constants for metric labels.
// These ensure metrics don't have unbounded label values which can cause memory issues.
const (
	// Provider error categories (bounded set)
	ProviderErrorTimeout   = "timeout"
	ProviderErrorRateLimit = "rate_limit"
	ProviderErrorAuth      = "authentication"
	ProviderErrorNetwork   = "network"
	ProviderErrorParse     = "parse"
	ProviderErrorBreaker   = "circuit_open"
	ProviderErrorOther     = "other"

	// Pipeline rejection stages (bounded set)
	StageScheduler = "scheduler"
	StageDetector  = "detector"
	StageValidator = "validator"
	StageTiming    = "timing"
	StageScorer    = "scorer"
	StageAI        = "ai"
	StagePreTrade  = "pre_trade"
	StageRisk      = "risk"
	StageExchange  = "exchange"
)

// NormalizeProviderError maps arbitrary error messages to the bounded set
func NormalizeProviderError(err error) string {
	if err == nil {
		return ""
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "circuit"):
		return ProviderErrorBreaker
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return ProviderErrorTimeout
	case strings.Contains(errStr, "rate") || strings.Contains(errStr, "429"):
		return ProviderErrorRateLimit
	case strings.Contains(errStr, "auth") || strings.Contains(errStr, "401") || strings.Contains(errStr, "403"):
		return ProviderErrorAuth
	case strings.Contains(errStr, "connection") || strings.Contains(errStr, "network"):
		return ProviderErrorNetwork
	case strings.Contains(errStr, "json") || strings.Contains(errStr, "parse") || strings.Contains(errStr, "unmarshal"):
		return ProviderErrorParse
	default:
		return ProviderErrorOther
	}
}

// AI provider metrics
var (
	ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fibflow_provider_requests_total",
		Help: "Total upstream requests per AI provider",
	}, []string{"provider"})

	ProviderErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fibflow_provider_errors_total",
		Help: "Total provider errors by category",
	}, []string{"provider", "category"})

	ProviderCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fibflow_provider_cache_hits_total",
		Help: "Total response cache hits per provider",
	}, []string{"provider"})

	ProviderCostUSD = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fibflow_provider_cost_usd_total",
		Help: "Accumulated token cost in USD per provider",
	}, []string{"provider"})

	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fibflow_provider_latency_seconds",
		Help:    "Upstream call latency per provider",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	ProviderBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fibflow_provider_breaker_state",
		Help: "Circuit breaker state per provider (0=closed, 1=open, 2=half_open)",
	}, []string{"provider"})
)

// Ensemble metrics
var (
	EnsembleCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fibflow_ensemble_calls_total",
		Help: "Total ensemble analysis calls by kind",
	}, []string{"kind"})

	EnsembleQuorumFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fibflow_ensemble_quorum_failures_total",
		Help: "Ensemble calls that failed the provider quorum",
	})

	EnsembleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fibflow_ensemble_duration_seconds",
		Help:    "Wall-clock duration of one ensemble fan-out",
		Buckets: prometheus.DefBuckets,
	})
)

// Pipeline metrics
var (
	SignalsGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fibflow_signals_generated_total",
		Help: "Candidate signals emitted by the detector",
	})

	SignalsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fibflow_signals_rejected_total",
		Help: "Signals rejected per pipeline stage",
	}, []string{"stage"})

	SignalsExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fibflow_signals_executed_total",
		Help: "Signals that resulted in a placed order",
	})

	SignalsAIBoosted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fibflow_signals_ai_boosted_total",
		Help: "Signals whose confidence was boosted by AI consensus",
	})

	SignalsAIBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fibflow_signals_ai_blocked_total",
		Help: "Signals blocked by AI consensus",
	})

	SignalsAINeutral = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fibflow_signals_ai_neutral_total",
		Help: "Signals passed through with AI neutral",
	})

	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fibflow_tick_duration_seconds",
		Help:    "Duration of one execution engine tick",
		Buckets: prometheus.DefBuckets,
	})
)

// Portfolio metrics
var (
	OpenTrades = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fibflow_open_trades",
		Help: "Number of currently open trades",
	})

	TotalPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fibflow_total_pnl",
		Help: "Total realized profit and loss in quote currency",
	})

	CurrentDrawdown = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fibflow_current_drawdown",
		Help: "Current drawdown as a ratio (0.0 to 1.0)",
	})

	DailyPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fibflow_daily_pnl",
		Help: "Realized profit and loss since UTC midnight",
	})
)
