package engine

import (
	"fmt"
	"time"

	"github.com/fibflow/fibflow/internal/ai"
)

// Trade directions.
const (
	DirectionLong  = "LONG"
	DirectionShort = "SHORT"
)

// AIMetadata captures the ensemble's contribution to a signal. It is
// nil when AI integration is disabled or the ensemble stayed neutral
// without a usable consensus.
type AIMetadata struct {
	Action     string       `json:"action"`
	Consensus  string       `json:"consensus"`
	Confidence float64      `json:"confidence"`
	RiskLevel  ai.RiskLevel `json:"risk_level,omitempty"`
	Providers  int          `json:"providers"`
	Boost      float64      `json:"boost"`
}

// TradingSignal is a fully validated, scored and sized trade decision.
type TradingSignal struct {
	ID          string      `json:"id"`
	Symbol      string      `json:"symbol"`
	Direction   string      `json:"direction"`
	Strategy    string      `json:"strategy"`
	EntryPrice  float64     `json:"entry_price"`
	StopLoss    float64     `json:"stop_loss"`
	TakeProfit1 float64     `json:"take_profit_1"`
	TakeProfit2 float64     `json:"take_profit_2"`
	Quantity    float64     `json:"quantity"`
	Tier        string      `json:"tier"`
	Score       float64     `json:"score"`
	Confidence  float64     `json:"confidence"` // 0-100, validation base plus AI boost
	CreatedAt   time.Time   `json:"created_at"`
	AI          *AIMetadata `json:"ai,omitempty"`
}

// checkLevels verifies stop and take-profit placement relative to
// entry. A violation is a programming error, never a market condition.
func (s *TradingSignal) checkLevels() error {
	switch s.Direction {
	case DirectionLong:
		if !(s.StopLoss < s.EntryPrice && s.EntryPrice < s.TakeProfit1 && s.TakeProfit1 < s.TakeProfit2) {
			return fmt.Errorf("invariant violation: LONG levels sl=%.4f entry=%.4f tp1=%.4f tp2=%.4f",
				s.StopLoss, s.EntryPrice, s.TakeProfit1, s.TakeProfit2)
		}
	case DirectionShort:
		if !(s.StopLoss > s.EntryPrice && s.EntryPrice > s.TakeProfit1 && s.TakeProfit1 > s.TakeProfit2) {
			return fmt.Errorf("invariant violation: SHORT levels sl=%.4f entry=%.4f tp1=%.4f tp2=%.4f",
				s.StopLoss, s.EntryPrice, s.TakeProfit1, s.TakeProfit2)
		}
	default:
		return fmt.Errorf("invariant violation: unknown direction %q", s.Direction)
	}
	return nil
}
