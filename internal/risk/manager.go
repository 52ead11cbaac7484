package risk

import (
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"github.com/fibflow/fibflow/internal/config"
	"github.com/fibflow/fibflow/internal/metrics"
)

// Emergency-stop limits: once tripped, sizing tightens hard until the
// process restarts or an operator clears it.
const (
	emergencyMaxPositionSize = 0.01  // 1% of balance
	emergencyMaxRisk         = 0.005 // 0.5% of balance
)

// Manager enforces portfolio-level limits: per-trade sizing, open-trade
// count, correlation, drawdown, daily loss and the emergency stop.
// Balance state lives in memory; persistence is external.
type Manager struct {
	mu             sync.Mutex
	cfg            config.RiskConfig
	initialBalance float64
	currentBalance float64
	peakBalance    float64
	dailyPnL       float64
	emergency      bool
	logger         zerolog.Logger
}

func NewManager(cfg config.RiskConfig, initialBalance float64, logger zerolog.Logger) *Manager {
	if cfg.MaxPortfolioRisk <= 0 {
		cfg.MaxPortfolioRisk = 0.02
	}
	if cfg.MaxPositionSize <= 0 {
		cfg.MaxPositionSize = 0.05
	}
	if cfg.MaxOpenTrades <= 0 {
		cfg.MaxOpenTrades = 10
	}
	if cfg.CorrelationThreshold <= 0 {
		cfg.CorrelationThreshold = 0.7
	}
	if cfg.MaxDrawdown <= 0 {
		cfg.MaxDrawdown = 0.15
	}
	if cfg.MaxDailyLoss <= 0 {
		cfg.MaxDailyLoss = 0.05
	}

	return &Manager{
		cfg:            cfg,
		initialBalance: initialBalance,
		currentBalance: initialBalance,
		peakBalance:    initialBalance,
		logger:         logger,
	}
}

// CalculatePositionSize sizes a trade from the configured risk budget:
// qty = (balance * max_portfolio_risk) / |entry - sl|, clamped so the
// notional never exceeds max_position_size of balance.
func (m *Manager) CalculatePositionSize(entry, stopLoss float64) (float64, error) {
	if entry <= 0 {
		return 0, fmt.Errorf("invalid entry price %.8f", entry)
	}
	slDistance := math.Abs(entry - stopLoss)
	if slDistance == 0 {
		return 0, fmt.Errorf("stop loss equals entry price")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	maxRisk := m.cfg.MaxPortfolioRisk
	maxPosition := m.cfg.MaxPositionSize
	if m.emergency {
		maxRisk = emergencyMaxRisk
		maxPosition = emergencyMaxPositionSize
	}

	dollarRisk := m.currentBalance * maxRisk
	qty := dollarRisk / slDistance

	maxNotional := m.currentBalance * maxPosition
	if qty*entry > maxNotional {
		qty = maxNotional / entry
	}

	if qty <= 0 {
		return 0, fmt.Errorf("position size collapsed to zero (balance %.2f)", m.currentBalance)
	}
	return qty, nil
}

// CheckOpenTrades gates on the concurrent open-trade ceiling.
func (m *Manager) CheckOpenTrades(openCount int) bool {
	return openCount < m.cfg.MaxOpenTrades
}

// CheckCorrelation rejects a symbol too correlated with any existing
// position. correlations maps open-position symbols to their
// correlation with the candidate symbol.
func (m *Manager) CheckCorrelation(symbol string, correlations map[string]float64) bool {
	for other, corr := range correlations {
		if other == symbol {
			continue
		}
		if corr >= m.cfg.CorrelationThreshold {
			m.logger.Debug().
				Str("symbol", symbol).
				Str("correlated_with", other).
				Float64("correlation", corr).
				Msg("Correlation gate rejected signal")
			return false
		}
	}
	return true
}

// CheckVolatility gates on historical volatility when a threshold is
// configured.
func (m *Manager) CheckVolatility(volatility float64) bool {
	if m.cfg.VolatilityThreshold <= 0 {
		return true
	}
	return volatility <= m.cfg.VolatilityThreshold
}

// CheckDrawdown blocks new trades once drawdown from peak reaches the
// limit.
func (m *Manager) CheckDrawdown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drawdownLocked() < m.cfg.MaxDrawdown
}

// CheckDailyLoss blocks new trades once the day's realized loss
// reaches the limit relative to the initial balance.
func (m *Manager) CheckDailyLoss() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialBalance <= 0 || m.dailyPnL >= 0 {
		return true
	}
	return math.Abs(m.dailyPnL)/m.initialBalance < m.cfg.MaxDailyLoss
}

// RecordPnL applies a realized profit or loss to the balance state.
func (m *Manager) RecordPnL(pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.currentBalance += pnl
	m.dailyPnL += pnl
	if m.currentBalance > m.peakBalance {
		m.peakBalance = m.currentBalance
	}

	metrics.TotalPnL.Set(m.currentBalance - m.initialBalance)
	metrics.DailyPnL.Set(m.dailyPnL)
	metrics.CurrentDrawdown.Set(m.drawdownLocked())
}

// ResetDaily clears the daily PnL counter (UTC midnight).
func (m *Manager) ResetDaily() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPnL = 0
	metrics.DailyPnL.Set(0)
}

// TriggerEmergencyStop tightens sizing limits. The caller is
// responsible for closing open trades; the manager only changes how
// future trades are sized and gated.
func (m *Manager) TriggerEmergencyStop(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.emergency {
		return
	}
	m.emergency = true
	m.logger.Error().
		Str("reason", reason).
		Float64("balance", m.currentBalance).
		Float64("drawdown", m.drawdownLocked()).
		Msg("EMERGENCY STOP triggered")
}

// ClearEmergencyStop restores configured limits (operator action).
func (m *Manager) ClearEmergencyStop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emergency = false
	m.logger.Warn().Msg("Emergency stop cleared")
}

// Emergency reports whether the emergency stop is active.
func (m *Manager) Emergency() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emergency
}

// Drawdown returns the current drawdown from peak as a ratio.
func (m *Manager) Drawdown() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drawdownLocked()
}

func (m *Manager) drawdownLocked() float64 {
	if m.peakBalance <= 0 {
		return 0
	}
	return (m.peakBalance - m.currentBalance) / m.peakBalance
}

// Balance returns the current in-memory balance.
func (m *Manager) Balance() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentBalance
}

// DailyPnL returns the realized PnL since the last daily reset.
func (m *Manager) DailyPnL() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyPnL
}

// HistoricalVolatility computes the standard deviation of simple
// returns over a price series.
func HistoricalVolatility(prices []float64) float64 {
	if len(prices) < 2 {
		return 0
	}

	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			continue
		}
		returns = append(returns, (prices[i]-prices[i-1])/prices[i-1])
	}
	return stdDev(returns)
}

func stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}

	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values) - 1)

	return math.Sqrt(variance)
}
