package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fibflow/fibflow/internal/advisor"
	"github.com/fibflow/fibflow/internal/ai"
	"github.com/fibflow/fibflow/internal/config"
	"github.com/fibflow/fibflow/internal/ensemble"
	"github.com/fibflow/fibflow/internal/exchange"
	"github.com/fibflow/fibflow/internal/fibonacci"
	"github.com/fibflow/fibflow/internal/market"
	"github.com/fibflow/fibflow/internal/risk"
	"github.com/fibflow/fibflow/internal/scheduler"
	"github.com/fibflow/fibflow/internal/scorer"
	"github.com/fibflow/fibflow/internal/validator"
)

type fixedProvider struct {
	name     string
	response ai.AIResponse
}

func (f *fixedProvider) Name() string    { return f.name }
func (f *fixedProvider) Enabled() bool   { return true }
func (f *fixedProvider) Weight() float64 { return 1.0 }
func (f *fixedProvider) Analyze(_ context.Context, _ string, _ ai.AnalysisKind, _ ai.Options) *ai.AIResponse {
	resp := f.response
	resp.Provider = f.name
	return &resp
}
func (f *fixedProvider) Stats() ai.StatsSnapshot { return ai.StatsSnapshot{} }
func (f *fixedProvider) ResetStats()             {}

func vote(signal string, confidence float64, riskLevel ai.RiskLevel) ai.AIResponse {
	return ai.AIResponse{
		Signal:     signal,
		Confidence: confidence,
		RiskLevel:  riskLevel,
		Content:    "{}",
	}
}

// window builds candles spanning [low, high] whose last close is lastClose.
func window(n int, low, high, lastClose float64) []market.Candle {
	candles := make([]market.Candle, n)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	mid := (low + high) / 2
	for i := range candles {
		candles[i] = market.Candle{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Open:      mid, High: mid + 1, Low: mid - 1, Close: mid,
			Volume: 1000,
		}
	}
	candles[0].High = high
	candles[0].Low = low
	last := &candles[n-1]
	last.Close = lastClose
	if lastClose > last.High {
		last.High = lastClose
	}
	if lastClose < last.Low {
		last.Low = lastClose
	}
	return candles
}

func aiConfig() config.AIConfig {
	return config.AIConfig{
		Enabled:              true,
		MinProviders:         2,
		MinConfidence:        0.6,
		EnableParallel:       true,
		SignalBoostThreshold: 0.7,
		SignalBlockThreshold: 0.8,
		ConfidenceBoostMult:  20,
	}
}

// newTestEngine wires a full pipeline against a paper exchange.
// Providers are fanned out through a real orchestrator.
func newTestEngine(t *testing.T, providers ...ai.Provider) (*Engine, *exchange.PaperExchange) {
	t.Helper()
	nop := zerolog.Nop()

	orch := ensemble.New(2, true, nop)
	for _, p := range providers {
		orch.Register(p)
	}

	paper := exchange.NewPaperExchange()
	paper.SeedBalance("USDT", 1_000_000)
	paper.UpdateMarketPrice("BTC/USDT", 41530)

	signalCfg := config.SignalConfig{
		PriceTolerance:          0.01,
		RSIOversoldThreshold:    40,
		RSIOverboughtThreshold:  60,
		VolumeConfirmationMult:  1.5,
		MaxPositionSizePct:      5,
		MaxPortfolioCorrelation: 0.7,
	}
	schedCfg := config.SchedulerConfig{
		MinIntervalSec:      300,
		MaxConsecutiveSkips: 5,
		MaxSpread:           0.001,
		RequiredDepthPct:    0.005,
	}
	trading := config.TradingConfig{
		BasePositionSize: 1000,
		Timeframe:        "1h",
	}

	eng := New(trading, schedCfg, Deps{
		Detector:  fibonacci.NewEngine(14, 0, nop),
		Validator: validator.New(signalCfg, nop),
		Scorer:    scorer.New(nop),
		Scheduler: scheduler.New(schedCfg, nop),
		Advisor:   advisor.New(aiConfig(), orch, nop),
		Risk:      risk.NewManager(config.RiskConfig{}, 10000, nop),
		Exchange:  paper,
	}, nop)
	return eng, paper
}

// goodLongInput touches support_strong (41528) with every validator
// condition satisfied.
func goodLongInput() TickInput {
	return TickInput{
		Symbol:  "BTC/USDT",
		Candles: window(30, 40000, 44000, 42000),
		Snapshot: market.Snapshot{
			Symbol:    "BTC/USDT",
			Price:     41530,
			RSI:       30,
			EMA20:     41500,
			EMA50:     41400,
			EMA200:    41000,
			Volume:    1600,
			AvgVolume: 1000,
			ATR:       350,
		},
	}
}

func TestTickExecutesValidLong(t *testing.T) {
	eng, _ := newTestEngine(t,
		&fixedProvider{name: "a", response: vote(ai.SignalBuy, 0.85, ai.RiskLow)},
		&fixedProvider{name: "b", response: vote(ai.SignalBuy, 0.85, ai.RiskLow)},
	)

	signal, err := eng.Tick(context.Background(), goodLongInput())
	require.NoError(t, err)
	require.NotNil(t, signal)

	assert.Equal(t, DirectionLong, signal.Direction)
	assert.Equal(t, fibonacci.StrategyFibonacci, signal.Strategy)
	assert.Equal(t, scorer.TierFull, signal.Tier)
	assert.Greater(t, signal.Quantity, 0.0)

	// Stops and targets sit at ATR multiples on the right side of entry.
	assert.Less(t, signal.StopLoss, signal.EntryPrice)
	assert.Less(t, signal.EntryPrice, signal.TakeProfit1)
	assert.Less(t, signal.TakeProfit1, signal.TakeProfit2)
	atr := (signal.EntryPrice - signal.StopLoss) / 2.0
	assert.InDelta(t, signal.EntryPrice+1.5*atr, signal.TakeProfit1, 1e-6)
	assert.InDelta(t, signal.EntryPrice+3.0*atr, signal.TakeProfit2, 1e-6)

	// Unanimous BUY quorum boosts: (1.0 - 0.6) * 20 capped at 100 total.
	require.NotNil(t, signal.AI)
	assert.Equal(t, advisor.ActionBoost, signal.AI.Action)
	assert.InDelta(t, 8.0, signal.AI.Boost, 1e-9)
	assert.Equal(t, 100.0, signal.Confidence)

	// Executed: trade recorded, symbol now live.
	assert.Equal(t, 1, eng.Book().OpenCount())
	trade, ok := eng.Book().Get("BTC/USDT")
	require.True(t, ok)
	assert.Equal(t, TradeOpen, trade.Status)
}

func TestTickAIBlocks(t *testing.T) {
	eng, _ := newTestEngine(t,
		&fixedProvider{name: "a", response: vote(ai.SignalHold, 0.85, ai.RiskHigh)},
		&fixedProvider{name: "b", response: vote(ai.SignalHold, 0.9, ai.RiskHigh)},
	)

	signal, err := eng.Tick(context.Background(), goodLongInput())
	require.NoError(t, err)
	assert.Nil(t, signal, "confident high-risk HOLD consensus blocks the trade")
	assert.Equal(t, 0, eng.Book().OpenCount())
}

func TestTickQuorumFailureStaysNeutral(t *testing.T) {
	eng, _ := newTestEngine(t,
		&fixedProvider{name: "solo", response: vote(ai.SignalBuy, 0.9, ai.RiskLow)},
	)

	signal, err := eng.Tick(context.Background(), goodLongInput())
	require.NoError(t, err)
	require.NotNil(t, signal, "quorum failure degrades to neutral, not a block")

	require.NotNil(t, signal.AI)
	assert.Equal(t, advisor.ActionNeutral, signal.AI.Action)
	assert.Zero(t, signal.AI.Boost)
	assert.Equal(t, 100.0, signal.Confidence, "base technical confidence unchanged")
}

func TestTickValidatorRejects(t *testing.T) {
	eng, _ := newTestEngine(t,
		&fixedProvider{name: "a", response: vote(ai.SignalBuy, 0.85, ai.RiskLow)},
		&fixedProvider{name: "b", response: vote(ai.SignalBuy, 0.85, ai.RiskLow)},
	)

	in := goodLongInput()
	// Overbought RSI, misaligned EMAs, no volume: three failed
	// conditions drop confidence below the floor.
	in.Snapshot.RSI = 65
	in.Snapshot.EMA20 = 41600
	in.Snapshot.Volume = 1000

	signal, err := eng.Tick(context.Background(), in)
	require.NoError(t, err)
	assert.Nil(t, signal)
	assert.Equal(t, 1, eng.Scheduler().Skips("BTC/USDT"), "rejection recorded as a skip")
}

func TestTickSchedulerCooldown(t *testing.T) {
	eng, _ := newTestEngine(t,
		&fixedProvider{name: "a", response: vote(ai.SignalBuy, 0.85, ai.RiskLow)},
		&fixedProvider{name: "b", response: vote(ai.SignalBuy, 0.85, ai.RiskLow)},
	)
	in := goodLongInput()

	first, err := eng.Tick(context.Background(), in)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Close the trade so only the cooldown can reject the next tick.
	events := eng.UpdatePrice("BTC/USDT", first.TakeProfit2)
	require.NotEmpty(t, events)
	require.Equal(t, 0, eng.Book().OpenCount())

	second, err := eng.Tick(context.Background(), in)
	require.NoError(t, err)
	assert.Nil(t, second, "same symbol inside min interval is rejected")
}

func TestTickLiveTradeBlocksNewSignal(t *testing.T) {
	eng, _ := newTestEngine(t,
		&fixedProvider{name: "a", response: vote(ai.SignalBuy, 0.85, ai.RiskLow)},
		&fixedProvider{name: "b", response: vote(ai.SignalBuy, 0.85, ai.RiskLow)},
	)

	_, err := eng.Book().Open(longSignal("BTC/USDT", 1))
	require.NoError(t, err)

	signal, err := eng.Tick(context.Background(), goodLongInput())
	require.NoError(t, err)
	assert.Nil(t, signal)
}

func TestTickCoalescesConcurrentTicks(t *testing.T) {
	eng, _ := newTestEngine(t)

	// Hold the symbol's tick lock as a still-running tick would.
	lockAny, _ := eng.tickLocks.LoadOrStore("BTC/USDT", &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	signal, err := eng.Tick(context.Background(), goodLongInput())
	require.NoError(t, err)
	assert.Nil(t, signal, "overlapping tick is dropped, not queued")
}

func TestTickPreflight(t *testing.T) {
	eng := New(config.TradingConfig{}, config.SchedulerConfig{}, Deps{}, zerolog.Nop())
	_, err := eng.Tick(context.Background(), goodLongInput())
	assert.Error(t, err)
}

func TestTickWideSpreadRejected(t *testing.T) {
	eng, _ := newTestEngine(t,
		&fixedProvider{name: "a", response: vote(ai.SignalBuy, 0.85, ai.RiskLow)},
		&fixedProvider{name: "b", response: vote(ai.SignalBuy, 0.85, ai.RiskLow)},
	)

	in := goodLongInput()
	// max_spread 0.001 of 41530 allows ~41.5; this spread is 200.
	in.Quote = &exchange.Ticker{Symbol: "BTC/USDT", Bid: 41430, Ask: 41630}

	signal, err := eng.Tick(context.Background(), in)
	require.NoError(t, err)
	assert.Nil(t, signal)
}

func TestTickTightSpreadAccepted(t *testing.T) {
	eng, _ := newTestEngine(t,
		&fixedProvider{name: "a", response: vote(ai.SignalBuy, 0.85, ai.RiskLow)},
		&fixedProvider{name: "b", response: vote(ai.SignalBuy, 0.85, ai.RiskLow)},
	)

	in := goodLongInput()
	in.Quote = &exchange.Ticker{Symbol: "BTC/USDT", Bid: 41525, Ask: 41535}

	signal, err := eng.Tick(context.Background(), in)
	require.NoError(t, err)
	assert.NotNil(t, signal)
}

func TestPreTradeEnforcesLatencyBudget(t *testing.T) {
	nop := zerolog.Nop()
	schedCfg := config.SchedulerConfig{
		MinIntervalSec:      300,
		MaxConsecutiveSkips: 5,
		MaxSpread:           0.001,
		RequiredDepthPct:    0.005,
		MaxLatencyMS:        1,
	}
	sched := scheduler.New(schedCfg, nop)
	eng := New(config.TradingConfig{}, schedCfg, Deps{Scheduler: sched}, nop)

	in := goodLongInput()
	in.Quote = &exchange.Ticker{Symbol: "BTC/USDT", Bid: 41525, Ask: 41535}
	signal := longSignal("BTC/USDT", 1)

	assert.True(t, eng.preTrade(in, signal), "no measurement yet passes")

	require.NoError(t, sched.MeasureLatency("BTC/USDT", func() error {
		time.Sleep(5 * time.Millisecond)
		return nil
	}))
	assert.False(t, eng.preTrade(in, signal), "slow measured placement fails pre-trade")
}

func TestTickOpenTradeLimit(t *testing.T) {
	eng, _ := newTestEngine(t,
		&fixedProvider{name: "a", response: vote(ai.SignalBuy, 0.85, ai.RiskLow)},
		&fixedProvider{name: "b", response: vote(ai.SignalBuy, 0.85, ai.RiskLow)},
	)

	// Fill the book to the default limit with other symbols.
	for _, sym := range []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J"} {
		_, err := eng.Book().Open(longSignal(sym, 1))
		require.NoError(t, err)
	}

	signal, err := eng.Tick(context.Background(), goodLongInput())
	require.NoError(t, err)
	assert.Nil(t, signal, "max open trades gate rejects the signal")
}

func TestEmergencyStopClosesEverything(t *testing.T) {
	eng, _ := newTestEngine(t,
		&fixedProvider{name: "a", response: vote(ai.SignalBuy, 0.85, ai.RiskLow)},
		&fixedProvider{name: "b", response: vote(ai.SignalBuy, 0.85, ai.RiskLow)},
	)

	signal, err := eng.Tick(context.Background(), goodLongInput())
	require.NoError(t, err)
	require.NotNil(t, signal)

	events := eng.EmergencyStop("drawdown breach")
	require.Len(t, events, 1)
	assert.Equal(t, ExitEmergency, events[0].Reason)
	assert.Equal(t, 0, eng.Book().OpenCount())

	history := eng.Book().History()
	require.Len(t, history, 1)
	assert.Equal(t, ExitEmergency, history[0].ExitReason)
}

func TestTickCorrelationGate(t *testing.T) {
	eng, _ := newTestEngine(t,
		&fixedProvider{name: "a", response: vote(ai.SignalBuy, 0.85, ai.RiskLow)},
		&fixedProvider{name: "b", response: vote(ai.SignalBuy, 0.85, ai.RiskLow)},
	)

	in := goodLongInput()
	in.Portfolio = &market.PortfolioState{
		TotalValue:   100000,
		Correlations: map[string]float64{"ETH/USDT": 0.9},
	}

	signal, err := eng.Tick(context.Background(), in)
	require.NoError(t, err)
	assert.Nil(t, signal, "correlated holding above threshold blocks entry")
}
