package ai

import "context"

// Provider is a single AI upstream the ensemble can consult. Analyze
// must never panic or return a Go error: all failures are expressed as
// an AIResponse with Error populated.
type Provider interface {
	Name() string
	Enabled() bool
	Weight() float64
	Analyze(ctx context.Context, prompt string, kind AnalysisKind, opts Options) *AIResponse
	Stats() StatsSnapshot
	ResetStats()
}
