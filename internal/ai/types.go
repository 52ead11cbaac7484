package ai

import "sync"

// AnalysisKind identifies which kind of analysis a prompt requests.
// It participates in the cache fingerprint so different analyses of
// the same text never collide.
type AnalysisKind string

const (
	KindSentiment     AnalysisKind = "sentiment"
	KindTradingSignal AnalysisKind = "trading_signal"
	KindRiskAssess    AnalysisKind = "risk_assessment"
)

// Trading signal vote values recognized from provider output.
const (
	SignalBuy  = "BUY"
	SignalSell = "SELL"
	SignalHold = "HOLD"
)

// RiskLevel is a provider's qualitative risk assessment.
type RiskLevel string

const (
	RiskLow     RiskLevel = "LOW"
	RiskMedium  RiskLevel = "MEDIUM"
	RiskHigh    RiskLevel = "HIGH"
	RiskExtreme RiskLevel = "EXTREME"
)

// Severity orders risk levels for conservative tie-breaking.
// Unknown levels sort lowest.
func (r RiskLevel) Severity() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskExtreme:
		return 4
	default:
		return 0
	}
}

// AIResponse is the result of a single provider call. Analyze never
// returns a Go error: failures come back as a response with Error set
// and all numeric fields zero, which the orchestrator treats as a
// missing vote.
type AIResponse struct {
	Provider       string    `json:"provider"`
	Content        string    `json:"content"`
	Confidence     float64   `json:"confidence"`
	Signal         string    `json:"signal,omitempty"`
	SentimentScore *float64  `json:"sentiment_score,omitempty"`
	RiskLevel      RiskLevel `json:"risk_level,omitempty"`
	TokensUsed     int       `json:"tokens_used"`
	Cost           float64   `json:"cost"`
	LatencyMS      int64     `json:"latency_ms"`
	CacheHit       bool      `json:"cache_hit"`
	Error          string    `json:"error,omitempty"`
}

// Success reports whether the response carries a usable vote.
func (r *AIResponse) Success() bool {
	return r.Error == "" && r.Content != "" && r.Confidence > 0
}

// Options tunes a single Analyze call. All fields participate in the
// cache fingerprint.
type Options struct {
	Temperature float64           `json:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Extras      map[string]string `json:"extras,omitempty"`
}

// ProviderStats aggregates per-provider counters. Safe for concurrent
// updates from orchestrator fan-out.
type ProviderStats struct {
	mu             sync.Mutex
	Requests       int64
	Errors         int64
	CacheHits      int64
	TotalLatencyMS int64
	TotalTokens    int64
	TotalCost      float64
}

// StatsSnapshot is a copyable view of ProviderStats.
type StatsSnapshot struct {
	Requests       int64   `json:"requests"`
	Errors         int64   `json:"errors"`
	CacheHits      int64   `json:"cache_hits"`
	TotalLatencyMS int64   `json:"total_latency_ms"`
	TotalTokens    int64   `json:"total_tokens"`
	TotalCost      float64 `json:"total_cost"`
	AvgLatencyMS   float64 `json:"avg_latency_ms"`
}

func (s *ProviderStats) recordRequest(latencyMS int64, tokens int, cost float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests++
	s.TotalLatencyMS += latencyMS
	s.TotalTokens += int64(tokens)
	s.TotalCost += cost
}

func (s *ProviderStats) recordError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests++
	s.Errors++
}

func (s *ProviderStats) recordCacheHit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CacheHits++
}

// Snapshot returns a consistent copy of the counters.
func (s *ProviderStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{
		Requests:       s.Requests,
		Errors:         s.Errors,
		CacheHits:      s.CacheHits,
		TotalLatencyMS: s.TotalLatencyMS,
		TotalTokens:    s.TotalTokens,
		TotalCost:      s.TotalCost,
	}
	completed := s.Requests - s.Errors
	if completed > 0 {
		snap.AvgLatencyMS = float64(s.TotalLatencyMS) / float64(completed)
	}
	return snap
}

// Reset zeroes all counters.
func (s *ProviderStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests = 0
	s.Errors = 0
	s.CacheHits = 0
	s.TotalLatencyMS = 0
	s.TotalTokens = 0
	s.TotalCost = 0
}
