package ensemble

import "github.com/fibflow/fibflow/internal/ai"

// Result is the outcome of one ensemble analysis: the weighted
// consensus over every provider that returned a usable response.
type Result struct {
	ConsensusSignal string                    `json:"consensus_signal"`
	Confidence      float64                   `json:"confidence"`
	Responses       map[string]*ai.AIResponse `json:"responses"`
	VotingDetails   map[string]float64        `json:"voting_details"`
	SentimentScore  *float64                  `json:"sentiment_score,omitempty"`
	RiskLevel       ai.RiskLevel              `json:"risk_level,omitempty"`
	ExecutionTimeMS int64                     `json:"execution_time_ms"`
	Metadata        map[string]string         `json:"metadata,omitempty"`
}

// ProviderCount returns the number of usable responses behind the result.
func (r *Result) ProviderCount() int {
	n := 0
	for _, resp := range r.Responses {
		if resp.Success() {
			n++
		}
	}
	return n
}
