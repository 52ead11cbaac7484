package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fibflow/fibflow/internal/advisor"
	"github.com/fibflow/fibflow/internal/config"
	"github.com/fibflow/fibflow/internal/exchange"
	"github.com/fibflow/fibflow/internal/fibonacci"
	"github.com/fibflow/fibflow/internal/market"
	"github.com/fibflow/fibflow/internal/metrics"
	"github.com/fibflow/fibflow/internal/risk"
	"github.com/fibflow/fibflow/internal/scheduler"
	"github.com/fibflow/fibflow/internal/scorer"
	"github.com/fibflow/fibflow/internal/validator"
)

// TickInput is everything one evaluation of a symbol needs.
type TickInput struct {
	Symbol    string
	Candles   []market.Candle
	Snapshot  market.Snapshot
	Quote     *exchange.Ticker       // optional, enables spread and depth checks
	Portfolio *market.PortfolioState // optional
}

// Engine runs the full signal pipeline for one symbol per tick:
// scheduling gates, fibonacci detection, validation, timing, scoring,
// stop/target placement, AI assessment, risk gates, and execution.
type Engine struct {
	trading   config.TradingConfig
	schedCfg  config.SchedulerConfig
	detector  *fibonacci.Engine
	validator *validator.Validator
	scorer    *scorer.Scorer
	scheduler *scheduler.Scheduler
	advisor   *advisor.Advisor
	risk      *risk.Manager
	exchange  exchange.Exchange
	book      *TradeBook
	logger    zerolog.Logger

	// Per-symbol tick locks. A tick that cannot acquire its symbol's
	// lock is dropped, never queued.
	tickLocks sync.Map

	// Optional observer for pipeline rejections.
	onReject func(symbol, stage string)
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Detector  *fibonacci.Engine
	Validator *validator.Validator
	Scorer    *scorer.Scorer
	Scheduler *scheduler.Scheduler
	Advisor   *advisor.Advisor
	Risk      *risk.Manager
	Exchange  exchange.Exchange
	Book      *TradeBook
}

// New wires an execution engine.
func New(trading config.TradingConfig, schedCfg config.SchedulerConfig, deps Deps, logger zerolog.Logger) *Engine {
	book := deps.Book
	if book == nil {
		book = NewTradeBook(logger)
	}
	return &Engine{
		trading:   trading,
		schedCfg:  schedCfg,
		detector:  deps.Detector,
		validator: deps.Validator,
		scorer:    deps.Scorer,
		scheduler: deps.Scheduler,
		advisor:   deps.Advisor,
		risk:      deps.Risk,
		exchange:  deps.Exchange,
		book:      book,
		logger:    logger,
	}
}

// SetRejectHook registers an observer called whenever the pipeline
// rejects a tick, with the symbol and the stage that rejected it.
func (e *Engine) SetRejectHook(fn func(symbol, stage string)) { e.onReject = fn }

func (e *Engine) reject(symbol, stage string) {
	metrics.SignalsRejected.WithLabelValues(stage).Inc()
	if e.onReject != nil {
		e.onReject(symbol, stage)
	}
}

// Book exposes the trade book for price updates and stats.
func (e *Engine) Book() *TradeBook { return e.book }

// Scheduler exposes the scheduler for external resets.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.scheduler }

// Tick evaluates one symbol and executes the signal when accepted. A
// nil signal with nil error means the pipeline rejected the tick at
// some stage; the rejection stage is recorded in metrics. Concurrent
// ticks for the same symbol coalesce: the later one is dropped.
func (e *Engine) Tick(ctx context.Context, in TickInput) (*TradingSignal, error) {
	signal, err := e.evaluate(ctx, in)
	if err != nil || signal == nil {
		return signal, err
	}
	if err := e.Commit(ctx, signal); err != nil {
		return nil, err
	}
	return signal, nil
}

// Propose runs the pipeline without executing. Used by modes that
// need external confirmation before orders are placed.
func (e *Engine) Propose(ctx context.Context, in TickInput) (*TradingSignal, error) {
	return e.evaluate(ctx, in)
}

func (e *Engine) evaluate(ctx context.Context, in TickInput) (*TradingSignal, error) {
	start := time.Now()
	defer func() {
		metrics.TickDuration.Observe(time.Since(start).Seconds())
	}()

	if err := e.preflight(); err != nil {
		return nil, err
	}

	lockAny, _ := e.tickLocks.LoadOrStore(in.Symbol, &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)
	if !lock.TryLock() {
		e.logger.Debug().Str("symbol", in.Symbol).Msg("Tick dropped, previous tick still running")
		return nil, nil
	}
	defer lock.Unlock()

	// Scheduler gates.
	if e.scheduler.ShouldSkip(in.Symbol) {
		e.reject(in.Symbol, metrics.StageScheduler)
		return nil, nil
	}
	if !e.scheduler.CanExecute(in.Symbol, time.Now()) {
		e.reject(in.Symbol, metrics.StageScheduler)
		e.logger.Debug().Str("symbol", in.Symbol).Msg("Symbol in cooldown")
		return nil, nil
	}

	// One live trade per symbol.
	if _, live := e.book.Get(in.Symbol); live {
		e.reject(in.Symbol, metrics.StageScheduler)
		e.logger.Debug().Str("symbol", in.Symbol).Msg("Symbol already has a live trade")
		return nil, nil
	}

	// Detection.
	cand, err := e.detector.Detect(in.Symbol, in.Candles, in.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("detection failed for %s: %w", in.Symbol, err)
	}
	if cand == nil {
		e.scheduler.RecordSkip(in.Symbol)
		e.reject(in.Symbol, metrics.StageDetector)
		return nil, nil
	}

	// Validation.
	proposedNotional := e.trading.BasePositionSize
	vres := e.validator.Validate(cand, in.Snapshot, proposedNotional, in.Portfolio)
	if !vres.IsValid {
		e.scheduler.RecordSkip(in.Symbol)
		e.reject(in.Symbol, metrics.StageValidator)
		e.logger.Debug().
			Str("symbol", in.Symbol).
			Float64("confidence", vres.Confidence).
			Strs("violations", vres.Violations).
			Msg("Candidate failed validation")
		return nil, nil
	}

	// Timing.
	if !e.scheduler.EvaluateTiming(in.Symbol) {
		e.reject(in.Symbol, metrics.StageTiming)
		return nil, nil
	}

	// Scoring.
	score := e.scorer.Compute(cand, in.Snapshot, e.book.WinRate(in.Symbol))
	if score.Tier == scorer.TierSkip {
		e.scheduler.RecordSkip(in.Symbol)
		e.reject(in.Symbol, metrics.StageScorer)
		return nil, nil
	}

	signal, err := e.buildSignal(cand, in.Snapshot, vres, score)
	if err != nil {
		// Stop on the wrong side of entry is a programming error.
		// Never place the order.
		e.logger.Error().Err(err).Str("symbol", in.Symbol).Msg("Signal failed level invariant check")
		return nil, err
	}
	metrics.SignalsGenerated.Inc()

	// AI assessment.
	if e.advisor != nil {
		decision, err := e.advisor.Assess(ctx, e.techContext(cand, in.Snapshot, signal))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Ensemble failures degrade to neutral, never kill the tick.
			e.logger.Warn().Err(err).Str("symbol", in.Symbol).Msg("AI assessment failed, treating as neutral")
		} else {
			if decision.Action == advisor.ActionBlock {
				e.reject(in.Symbol, metrics.StageAI)
				e.logger.Info().
					Str("symbol", in.Symbol).
					Str("consensus", decision.Consensus).
					Float64("ai_confidence", decision.Confidence).
					Msg("Signal blocked by AI consensus")
				return nil, nil
			}
			signal.AI = &AIMetadata{
				Action:     decision.Action,
				Consensus:  decision.Consensus,
				Confidence: decision.Confidence,
				RiskLevel:  decision.RiskLevel,
				Providers:  decision.Providers,
				Boost:      decision.Boost,
			}
			if decision.Action == advisor.ActionBoost {
				signal.Confidence += decision.Boost
				if signal.Confidence > 100 {
					signal.Confidence = 100
				}
			}
		}
	}

	// Risk gates and sizing.
	if rejected := e.riskGates(in, signal); rejected {
		e.reject(in.Symbol, metrics.StageRisk)
		return nil, nil
	}

	// Pre-trade market checks.
	if !e.preTrade(in, signal) {
		e.reject(in.Symbol, metrics.StagePreTrade)
		return nil, nil
	}

	return signal, nil
}

// Commit places the order for an accepted signal and records the open
// trade. A placement failure still starts the symbol's cooldown.
func (e *Engine) Commit(ctx context.Context, signal *TradingSignal) error {
	if _, live := e.book.Get(signal.Symbol); live {
		return fmt.Errorf("symbol %s already has a live trade", signal.Symbol)
	}

	if err := e.execute(ctx, signal); err != nil {
		// Cooldown still applies to failed attempts.
		e.scheduler.RecordExecution(signal.Symbol)
		e.reject(signal.Symbol, metrics.StageExchange)
		return fmt.Errorf("order placement failed for %s: %w", signal.Symbol, err)
	}

	if _, err := e.book.Open(signal); err != nil {
		return err
	}
	e.scheduler.RecordExecution(signal.Symbol)
	metrics.SignalsExecuted.Inc()

	e.logger.Info().
		Str("symbol", signal.Symbol).
		Str("direction", signal.Direction).
		Str("tier", signal.Tier).
		Float64("score", signal.Score).
		Float64("confidence", signal.Confidence).
		Float64("entry", signal.EntryPrice).
		Msg("Signal executed")

	return nil
}

// UpdatePrice drives open-trade transitions for a symbol and feeds
// realized PnL into the risk manager.
func (e *Engine) UpdatePrice(symbol string, price float64) []TradeEvent {
	events := e.book.UpdatePrice(symbol, price)
	for _, ev := range events {
		if e.risk != nil {
			e.risk.RecordPnL(ev.PnL)
		}
	}
	return events
}

// EmergencyStop closes all live trades and tightens risk limits.
func (e *Engine) EmergencyStop(reason string) []TradeEvent {
	if e.risk != nil {
		e.risk.TriggerEmergencyStop(reason)
	}
	events := e.book.CloseAll(ExitEmergency)
	for _, ev := range events {
		if e.risk != nil {
			e.risk.RecordPnL(ev.PnL)
		}
	}
	return events
}

func (e *Engine) preflight() error {
	if e.detector == nil || e.validator == nil || e.scorer == nil || e.scheduler == nil {
		return fmt.Errorf("engine not fully initialized")
	}
	return nil
}

// buildSignal places stops and targets at ATR multiples from entry.
func (e *Engine) buildSignal(cand *fibonacci.Candidate, snap market.Snapshot, vres validator.Result, score scorer.Score) (*TradingSignal, error) {
	entry := snap.Price
	if entry <= 0 {
		entry = cand.CurrentPrice
	}
	atr := cand.ATR

	signal := &TradingSignal{
		ID:         uuid.New().String(),
		Symbol:     cand.Symbol,
		Direction:  cand.Direction,
		Strategy:   cand.Strategy,
		EntryPrice: entry,
		Tier:       score.Tier,
		Score:      score.Overall,
		Confidence: vres.Confidence,
		CreatedAt:  time.Now(),
	}

	if cand.Direction == DirectionLong {
		signal.StopLoss = entry - 2.0*atr
		signal.TakeProfit1 = entry + 1.5*atr
		signal.TakeProfit2 = entry + 3.0*atr
	} else {
		signal.StopLoss = entry + 2.0*atr
		signal.TakeProfit1 = entry - 1.5*atr
		signal.TakeProfit2 = entry - 3.0*atr
	}

	if err := signal.checkLevels(); err != nil {
		return nil, err
	}

	if e.risk != nil {
		qty, err := e.risk.CalculatePositionSize(signal.EntryPrice, signal.StopLoss)
		if err != nil {
			return nil, err
		}
		signal.Quantity = qty * score.SizeMultiplier
	} else {
		signal.Quantity = e.trading.BasePositionSize * score.SizeMultiplier / entry
	}

	return signal, nil
}

func (e *Engine) techContext(cand *fibonacci.Candidate, snap market.Snapshot, signal *TradingSignal) advisor.TechContext {
	return advisor.TechContext{
		Symbol:      cand.Symbol,
		Direction:   cand.Direction,
		Confidence:  signal.Confidence,
		Price:       signal.EntryPrice,
		VolumeRatio: snap.VolumeRatio(),
		Volatility:  snap.VolatilityRatio(),
		Trend:       snap.Trend(),
		RSI:         snap.RSI,
		EMA20:       snap.EMA20,
		EMA50:       snap.EMA50,
		EMA200:      snap.EMA200,
		FibLevel:    cand.TriggeredValue,
		Timeframe:   e.trading.Timeframe,
	}
}

// riskGates runs the portfolio-level checks. Returns true when the
// signal must be rejected.
func (e *Engine) riskGates(in TickInput, signal *TradingSignal) bool {
	if e.risk == nil {
		return false
	}

	if !e.risk.CheckOpenTrades(e.book.OpenCount()) {
		return true
	}
	if in.Portfolio != nil && !e.risk.CheckCorrelation(in.Symbol, in.Portfolio.Correlations) {
		return true
	}
	if len(in.Candles) > 1 {
		closes := make([]float64, len(in.Candles))
		for i, c := range in.Candles {
			closes[i] = c.Close
		}
		if !e.risk.CheckVolatility(risk.HistoricalVolatility(closes)) {
			return true
		}
	}
	if !e.risk.CheckDrawdown() {
		return true
	}
	if !e.risk.CheckDailyLoss() {
		return true
	}
	return false
}

// preTrade verifies the latency budget plus spread and book depth when
// a quote is available. Latency is checked again here so the gate holds
// even when a slow order placement lands between the timing stage and
// commit.
func (e *Engine) preTrade(in TickInput, signal *TradingSignal) bool {
	if !e.scheduler.EvaluateTiming(in.Symbol) {
		e.logger.Debug().
			Str("symbol", in.Symbol).
			Msg("Latency budget exceeded at pre-trade")
		return false
	}
	if in.Quote == nil {
		return true
	}
	spread := in.Quote.Ask - in.Quote.Bid
	if spread < 0 || spread > e.schedCfg.MaxSpread*signal.EntryPrice {
		e.logger.Debug().
			Str("symbol", in.Symbol).
			Float64("spread", spread).
			Msg("Spread too wide")
		return false
	}
	return e.scheduler.CheckOrderBookDepth(in.Quote.Bid, in.Quote.Ask, e.schedCfg.RequiredDepthPct)
}

// execute places the entry order, measuring placement latency.
func (e *Engine) execute(ctx context.Context, signal *TradingSignal) error {
	if e.exchange == nil {
		return nil
	}

	side := exchange.SideBuy
	if signal.Direction == DirectionShort {
		side = exchange.SideSell
	}

	return e.scheduler.MeasureLatency(signal.Symbol, func() error {
		result, err := e.exchange.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol:   signal.Symbol,
			Side:     side,
			Type:     exchange.OrderTypeMarket,
			Quantity: signal.Quantity,
		})
		if err != nil {
			return err
		}
		if result.Status == exchange.OrderStatusRejected {
			return fmt.Errorf("order rejected: %s", result.Message)
		}
		return nil
	})
}
