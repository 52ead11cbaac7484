package ensemble

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fibflow/fibflow/internal/ai"
	"github.com/fibflow/fibflow/internal/metrics"
)

// Orchestrator fans analysis requests out to every enabled provider
// and reduces their responses to a single weighted consensus.
type Orchestrator struct {
	mu           sync.RWMutex
	providers    map[string]ai.Provider
	order        []string // registration order, used by sequential mode
	minProviders int
	parallel     bool
	logger       zerolog.Logger
}

// New creates an orchestrator. minProviders is the response quorum
// below which the ensemble abstains with HOLD.
func New(minProviders int, parallel bool, logger zerolog.Logger) *Orchestrator {
	if minProviders < 1 {
		minProviders = 2
	}
	return &Orchestrator{
		providers:    make(map[string]ai.Provider),
		minProviders: minProviders,
		parallel:     parallel,
		logger:       logger,
	}
}

// Register adds a provider. Re-registering a name replaces it without
// changing its position in the sequential order.
func (o *Orchestrator) Register(p ai.Provider) {
	o.mu.Lock()
	defer o.mu.Unlock()

	name := p.Name()
	if _, exists := o.providers[name]; !exists {
		o.order = append(o.order, name)
	}
	o.providers[name] = p

	o.logger.Info().
		Str("provider", name).
		Float64("weight", p.Weight()).
		Bool("enabled", p.Enabled()).
		Msg("Registered AI provider")
}

// Providers returns the registered providers in registration order.
func (o *Orchestrator) Providers() []ai.Provider {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]ai.Provider, 0, len(o.order))
	for _, name := range o.order {
		out = append(out, o.providers[name])
	}
	return out
}

// AnalyzeSentiment runs sentiment analysis across the ensemble.
func (o *Orchestrator) AnalyzeSentiment(ctx context.Context, text, textContext string) (*Result, error) {
	prompt := ai.SentimentPrompt(text, textContext)
	return o.run(ctx, prompt, ai.KindSentiment, nil)
}

// GenerateTradingSignal asks the ensemble whether a setup should be traded.
func (o *Orchestrator) GenerateTradingSignal(ctx context.Context, symbol string, marketData, indicators map[string]float64, timeframe string) (*Result, error) {
	prompt := ai.SignalPrompt(symbol, marketData, indicators, timeframe)
	extras := ai.Options{Extras: map[string]string{"symbol": symbol, "timeframe": timeframe}}
	return o.run(ctx, prompt, ai.KindTradingSignal, &extras)
}

// AssessRisk asks the ensemble to rate an existing or prospective position.
func (o *Orchestrator) AssessRisk(ctx context.Context, symbol string, position, conditions map[string]float64) (*Result, error) {
	prompt := ai.RiskPrompt(symbol, position, conditions)
	extras := ai.Options{Extras: map[string]string{"symbol": symbol}}
	return o.run(ctx, prompt, ai.KindRiskAssess, &extras)
}

func (o *Orchestrator) run(ctx context.Context, prompt string, kind ai.AnalysisKind, opts *ai.Options) (*Result, error) {
	start := time.Now()

	o.mu.RLock()
	enabled := make([]ai.Provider, 0, len(o.order))
	for _, name := range o.order {
		if p := o.providers[name]; p.Enabled() {
			enabled = append(enabled, p)
		}
	}
	o.mu.RUnlock()

	if len(enabled) == 0 {
		return nil, fmt.Errorf("no enabled providers registered")
	}

	var callOpts ai.Options
	if opts != nil {
		callOpts = *opts
	}

	responses := o.collect(ctx, enabled, prompt, kind, callOpts)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := o.reduce(enabled, responses)
	result.ExecutionTimeMS = time.Since(start).Milliseconds()

	metrics.EnsembleCalls.WithLabelValues(string(kind)).Inc()
	metrics.EnsembleDuration.Observe(time.Since(start).Seconds())

	o.logger.Debug().
		Str("kind", string(kind)).
		Str("consensus", result.ConsensusSignal).
		Float64("confidence", result.Confidence).
		Int("responses", result.ProviderCount()).
		Int64("duration_ms", result.ExecutionTimeMS).
		Msg("Ensemble analysis complete")

	return result, nil
}

// collect gathers one response per provider. Parallel mode fans out a
// goroutine per provider; sequential mode walks registration order.
// Both consult every provider - there is no early termination.
func (o *Orchestrator) collect(ctx context.Context, providers []ai.Provider, prompt string, kind ai.AnalysisKind, opts ai.Options) map[string]*ai.AIResponse {
	responses := make(map[string]*ai.AIResponse, len(providers))

	if !o.parallel {
		for _, p := range providers {
			responses[p.Name()] = p.Analyze(ctx, prompt, kind, opts)
		}
		return responses
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, p := range providers {
		wg.Add(1)
		go func(p ai.Provider) {
			defer wg.Done()
			resp := p.Analyze(ctx, prompt, kind, opts)
			mu.Lock()
			responses[p.Name()] = resp
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	return responses
}

// reduce implements the weighted vote. Error responses are missing
// votes; below the quorum the ensemble abstains with HOLD.
func (o *Orchestrator) reduce(providers []ai.Provider, responses map[string]*ai.AIResponse) *Result {
	weights := make(map[string]float64, len(providers))
	for _, p := range providers {
		weights[p.Name()] = p.Weight()
	}

	usable := make(map[string]*ai.AIResponse)
	for name, resp := range responses {
		if resp != nil && resp.Success() {
			usable[name] = resp
		}
	}

	result := &Result{
		Responses:     responses,
		VotingDetails: make(map[string]float64),
	}

	if len(usable) < o.minProviders {
		metrics.EnsembleQuorumFailures.Inc()
		result.ConsensusSignal = ai.SignalHold
		result.Confidence = 0
		result.Metadata = map[string]string{
			"insufficient_providers": fmt.Sprintf("%d/%d", len(usable), o.minProviders),
		}
		return result
	}

	totalMass := 0.0
	for name, resp := range usable {
		signal := resp.Signal
		if signal == "" {
			signal = ai.SignalHold
		}
		mass := resp.Confidence * weights[name]
		result.VotingDetails[signal] += mass
		totalMass += mass
	}

	// Argmax with lexicographic tie-break for stable consensus.
	signals := make([]string, 0, len(result.VotingDetails))
	for s := range result.VotingDetails {
		signals = append(signals, s)
	}
	sort.Strings(signals)

	winner := ""
	winnerMass := -1.0
	for _, s := range signals {
		if result.VotingDetails[s] > winnerMass {
			winner = s
			winnerMass = result.VotingDetails[s]
		}
	}
	result.ConsensusSignal = winner
	if totalMass > 0 {
		result.Confidence = winnerMass / totalMass
	}

	result.SentimentScore = meanSentiment(usable)
	result.RiskLevel = pluralityRisk(usable)

	return result
}

func meanSentiment(responses map[string]*ai.AIResponse) *float64 {
	sum := 0.0
	n := 0
	for _, resp := range responses {
		if resp.SentimentScore != nil {
			sum += *resp.SentimentScore
			n++
		}
	}
	if n == 0 {
		return nil
	}
	mean := sum / float64(n)
	return &mean
}

// pluralityRisk picks the most common risk level, breaking ties toward
// the more severe level.
func pluralityRisk(responses map[string]*ai.AIResponse) ai.RiskLevel {
	counts := make(map[ai.RiskLevel]int)
	for _, resp := range responses {
		if resp.RiskLevel != "" {
			counts[resp.RiskLevel]++
		}
	}
	if len(counts) == 0 {
		return ""
	}

	var winner ai.RiskLevel
	best := 0
	for level, n := range counts {
		if n > best || (n == best && level.Severity() > winner.Severity()) {
			winner = level
			best = n
		}
	}
	return winner
}
