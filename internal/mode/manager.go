package mode

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fibflow/fibflow/internal/bus"
	"github.com/fibflow/fibflow/internal/config"
	"github.com/fibflow/fibflow/internal/engine"
	"github.com/fibflow/fibflow/internal/exchange"
	"github.com/fibflow/fibflow/internal/market"
	"github.com/fibflow/fibflow/internal/metrics"
	"github.com/fibflow/fibflow/internal/risk"
)

// candleHistory is how many bars each tick feeds the detector.
const candleHistory = 200

// tickConcurrency bounds parallel symbol evaluation per tick.
const tickConcurrency = 4

// Deps bundles the manager's collaborators.
type Deps struct {
	Engine   *engine.Engine
	Exchange exchange.Exchange
	Cache    *market.Cache
	Bus      *bus.Publisher
	Risk     *risk.Manager
}

// pending is a SEMI_AUTO proposal awaiting confirmation.
type pending struct {
	signal    *engine.TradingSignal
	decision  chan bool
	cancel    chan struct{}
	expiresAt time.Time
}

// PendingConfirmation is the API view of a proposal awaiting a verdict.
type PendingConfirmation struct {
	ID        string                `json:"id"`
	Signal    *engine.TradingSignal `json:"signal"`
	ExpiresAt time.Time             `json:"expires_at"`
}

// Manager drives the trading loop: it ticks every configured symbol on
// an interval, routes accepted signals according to the active mode,
// and resets daily counters at UTC midnight. A failing symbol never
// stops the loop.
type Manager struct {
	trading   config.TradingConfig
	signalCfg config.SignalConfig

	engine *engine.Engine
	exch   exchange.Exchange
	cache  *market.Cache
	bus    *bus.Publisher
	risk   *risk.Manager
	logger zerolog.Logger

	mu       sync.Mutex
	mode     Mode
	running  bool
	cancel   context.CancelFunc
	runCtx   context.Context
	pendings map[string]*pending

	// inflight tracks ticks in progress so mode transitions can drain.
	inflight sync.WaitGroup
	wg       sync.WaitGroup

	stats counters
}

// New builds a manager in the configured mode.
func New(trading config.TradingConfig, signalCfg config.SignalConfig, deps Deps, logger zerolog.Logger) (*Manager, error) {
	mode, err := Parse(trading.Mode)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		trading:   trading,
		signalCfg: signalCfg,
		engine:    deps.Engine,
		exch:      deps.Exchange,
		cache:     deps.Cache,
		bus:       deps.Bus,
		risk:      deps.Risk,
		logger:    logger.With().Str("component", "mode").Logger(),
		mode:      mode,
		pendings:  make(map[string]*pending),
	}
	m.engine.SetRejectHook(func(symbol, stage string) {
		if stage == metrics.StageAI {
			m.stats.aiBlocked()
		}
	})
	return m, nil
}

// Mode returns the active operating mode.
func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Stats returns a snapshot of the daily loop counters.
func (m *Manager) Stats() Stats {
	return m.stats.snapshot(m.Mode())
}

// Start launches the tick loop. Backtest mode starts no loop; bars are
// fed through ProcessBar instead.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("mode manager already running")
	}
	m.runCtx, m.cancel = context.WithCancel(ctx)
	m.running = true

	if m.mode != Backtest {
		m.wg.Add(1)
		go m.run(m.runCtx)
	}
	m.logger.Info().
		Str("mode", string(m.mode)).
		Strs("symbols", m.trading.Symbols).
		Dur("interval", m.trading.TickInterval()).
		Msg("Trading loop started")
	return nil
}

// Stop drains in-flight ticks, expires pending confirmations and stops
// the loop.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.inflight.Wait()
	m.expireAll("shutdown")
	m.logger.Info().Msg("Trading loop stopped")
}

// SetMode switches the operating mode. In-flight ticks drain first and
// unconfirmed proposals from the old mode expire.
func (m *Manager) SetMode(mode Mode) error {
	m.mu.Lock()
	if m.mode == mode {
		m.mu.Unlock()
		return nil
	}
	old := m.mode
	if old == Backtest || mode == Backtest {
		m.mu.Unlock()
		return fmt.Errorf("cannot switch between %s and %s at runtime", old, mode)
	}
	m.mode = mode
	m.mu.Unlock()

	m.inflight.Wait()
	m.expireAll("mode_change")
	m.logger.Info().Str("from", string(old)).Str("to", string(mode)).Msg("Mode changed")
	return nil
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	interval := m.trading.TickInterval()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	midnight := time.NewTimer(time.Until(nextMidnightUTC(time.Now())))
	defer midnight.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-midnight.C:
			m.risk.ResetDaily()
			m.stats.reset()
			m.logger.Info().Msg("Daily counters reset")
			midnight.Reset(time.Until(nextMidnightUTC(time.Now())))
		case <-ticker.C:
			m.tickAll(ctx)
		}
	}
}

// tickAll evaluates every configured symbol concurrently. Individual
// symbol failures are counted and logged, never propagated.
func (m *Manager) tickAll(ctx context.Context) {
	m.inflight.Add(1)
	defer m.inflight.Done()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(tickConcurrency)
	for _, symbol := range m.trading.Symbols {
		symbol := symbol
		g.Go(func() error {
			if err := m.tickSymbol(gctx, symbol); err != nil {
				if gctx.Err() != nil {
					return nil
				}
				m.stats.failure()
				m.logger.Warn().Err(err).Str("symbol", symbol).Msg("Tick failed")
			}
			return nil
		})
	}
	g.Wait()
}

func (m *Manager) tickSymbol(ctx context.Context, symbol string) error {
	m.stats.tick()

	candles, err := m.fetchCandles(ctx, symbol)
	if err != nil {
		return fmt.Errorf("fetch candles: %w", err)
	}
	snap, err := market.BuildSnapshot(symbol, candles, m.signalCfg.ATRPeriod)
	if err != nil {
		return fmt.Errorf("build snapshot: %w", err)
	}
	m.cache.SetPrice(symbol, snap.Price)

	for _, ev := range m.engine.UpdatePrice(symbol, snap.Price) {
		m.publishTradeEvent(ev)
	}

	return m.route(ctx, engine.TickInput{
		Symbol:   symbol,
		Candles:  candles,
		Snapshot: snap,
	})
}

// route dispatches one evaluated tick according to the active mode.
func (m *Manager) route(ctx context.Context, in engine.TickInput) error {
	mode := m.Mode()
	if mode.Executes() {
		signal, err := m.engine.Tick(ctx, in)
		if err != nil {
			return err
		}
		if signal != nil {
			m.recordAccepted(signal)
			m.stats.executed()
			m.bus.PublishSignal(signal)
		}
		return nil
	}

	signal, err := m.engine.Propose(ctx, in)
	if err != nil {
		return err
	}
	if signal == nil {
		return nil
	}
	m.recordAccepted(signal)

	switch mode {
	case SemiAuto:
		m.awaitConfirmation(signal)
	case Manual:
		m.bus.PublishDecision("signal_proposed", signal.Symbol, map[string]interface{}{
			"id":         signal.ID,
			"direction":  signal.Direction,
			"entry":      signal.EntryPrice,
			"tier":       signal.Tier,
			"score":      signal.Score,
			"confidence": signal.Confidence,
		})
		m.logger.Info().
			Str("symbol", signal.Symbol).
			Str("direction", signal.Direction).
			Float64("score", signal.Score).
			Msg("Signal proposed (manual mode, not executing)")
	}
	return nil
}

// ProcessBar drives one backtest step: the caller owns the bar feed and
// the clock. Candles must be oldest-first and end at the current bar.
func (m *Manager) ProcessBar(ctx context.Context, symbol string, candles []market.Candle) (*engine.TradingSignal, error) {
	snap, err := market.BuildSnapshot(symbol, candles, m.signalCfg.ATRPeriod)
	if err != nil {
		return nil, err
	}
	for _, ev := range m.engine.UpdatePrice(symbol, snap.Price) {
		m.publishTradeEvent(ev)
	}
	signal, err := m.engine.Tick(ctx, engine.TickInput{
		Symbol:   symbol,
		Candles:  candles,
		Snapshot: snap,
	})
	if err != nil {
		return nil, err
	}
	if signal != nil {
		m.recordAccepted(signal)
		m.stats.executed()
	}
	return signal, nil
}

// awaitConfirmation parks a proposal until Confirm resolves it or the
// window elapses. The wait never holds the symbol's tick lock.
func (m *Manager) awaitConfirmation(signal *engine.TradingSignal) {
	p := &pending{
		signal:    signal,
		decision:  make(chan bool, 1),
		cancel:    make(chan struct{}),
		expiresAt: time.Now().Add(m.trading.ConfirmWindow()),
	}
	m.mu.Lock()
	m.pendings[signal.ID] = p
	m.mu.Unlock()

	m.bus.PublishDecision("confirmation_requested", signal.Symbol, map[string]interface{}{
		"id":         signal.ID,
		"direction":  signal.Direction,
		"entry":      signal.EntryPrice,
		"expires_at": p.expiresAt,
	})
	m.logger.Info().
		Str("symbol", signal.Symbol).
		Str("id", signal.ID).
		Time("expires_at", p.expiresAt).
		Msg("Awaiting confirmation")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		timer := time.NewTimer(time.Until(p.expiresAt))
		defer timer.Stop()

		var approved, decided bool
		select {
		case approved = <-p.decision:
			decided = true
		case <-timer.C:
		case <-p.cancel:
		case <-m.runCtx.Done():
		}

		m.mu.Lock()
		delete(m.pendings, signal.ID)
		m.mu.Unlock()

		if !decided {
			m.bus.PublishDecision("confirmation_expired", signal.Symbol, map[string]interface{}{"id": signal.ID})
			m.logger.Info().Str("id", signal.ID).Str("symbol", signal.Symbol).Msg("Confirmation window elapsed, discarding signal")
			return
		}
		if !approved {
			m.bus.PublishDecision("confirmation_rejected", signal.Symbol, map[string]interface{}{"id": signal.ID})
			m.logger.Info().Str("id", signal.ID).Str("symbol", signal.Symbol).Msg("Signal rejected by operator")
			return
		}
		if err := m.engine.Commit(m.runCtx, signal); err != nil {
			m.stats.failure()
			m.logger.Error().Err(err).Str("id", signal.ID).Str("symbol", signal.Symbol).Msg("Confirmed signal failed to execute")
			return
		}
		m.stats.executed()
		m.bus.PublishSignal(signal)
	}()
}

// Confirm resolves a pending SEMI_AUTO proposal.
func (m *Manager) Confirm(id string, approved bool) error {
	m.mu.Lock()
	p, ok := m.pendings[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending confirmation with id %s", id)
	}
	select {
	case p.decision <- approved:
		return nil
	default:
		return fmt.Errorf("confirmation %s already resolved", id)
	}
}

// PendingConfirmations lists proposals still awaiting a verdict.
func (m *Manager) PendingConfirmations() []PendingConfirmation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PendingConfirmation, 0, len(m.pendings))
	for id, p := range m.pendings {
		out = append(out, PendingConfirmation{ID: id, Signal: p.signal, ExpiresAt: p.expiresAt})
	}
	return out
}

// expireAll discards every pending proposal without executing it. The
// waiter goroutines observe the cancel and publish the expiry events.
func (m *Manager) expireAll(reason string) {
	m.mu.Lock()
	pendings := m.pendings
	m.pendings = make(map[string]*pending)
	m.mu.Unlock()

	for _, p := range pendings {
		close(p.cancel)
	}
	if len(pendings) > 0 {
		m.logger.Info().Int("count", len(pendings)).Str("reason", reason).Msg("Discarded pending confirmations")
	}
}

func (m *Manager) recordAccepted(signal *engine.TradingSignal) {
	if signal.AI != nil {
		m.stats.aiEnhanced(signal.AI.Boost > 0)
	}
}

func (m *Manager) publishTradeEvent(ev engine.TradeEvent) {
	m.bus.PublishDecision(ev.Type, ev.Symbol, map[string]interface{}{
		"reason": ev.Reason,
		"price":  ev.Price,
		"pnl":    ev.PnL,
	})
	m.logger.Info().
		Str("symbol", ev.Symbol).
		Str("event", ev.Type).
		Str("reason", ev.Reason).
		Float64("price", ev.Price).
		Float64("pnl", ev.PnL).
		Msg("Trade event")
}

func (m *Manager) fetchCandles(ctx context.Context, symbol string) ([]market.Candle, error) {
	if candles, ok := m.cache.GetCandles(ctx, symbol, m.trading.Timeframe, candleHistory); ok {
		return candles, nil
	}
	candles, err := m.exch.GetHistoricalData(ctx, symbol, m.trading.Timeframe, candleHistory)
	if err != nil {
		return nil, err
	}
	m.cache.SetCandles(symbol, m.trading.Timeframe, candles)
	return candles, nil
}

func nextMidnightUTC(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
