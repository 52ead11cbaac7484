package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fibflow/fibflow/internal/metrics"
)

// Trade lifecycle states.
type TradeStatus string

const (
	TradeOpen          TradeStatus = "OPEN"
	TradePartialFilled TradeStatus = "PARTIAL_FILLED"
	TradeClosed        TradeStatus = "CLOSED"
)

// Exit reasons recorded on closed trades.
const (
	ExitTP2       = "tp2"
	ExitSL        = "sl"
	ExitEmergency = "emergency"
)

// Fraction of the position closed at the first take-profit.
const partialExitFraction = 0.5

// Trade is an executed signal being tracked to completion.
type Trade struct {
	Signal        *TradingSignal `json:"signal"`
	Status        TradeStatus    `json:"status"`
	Partial1Taken bool           `json:"partial_1_taken"`
	RemainingQty  float64        `json:"remaining_qty"`
	RealizedPnL   float64        `json:"realized_pnl"`
	ExitReason    string         `json:"exit_reason,omitempty"`
	OpenedAt      time.Time      `json:"opened_at"`
	ClosedAt      *time.Time     `json:"closed_at,omitempty"`
}

// Event types emitted by price updates.
const (
	EventPartialExit = "partial_exit"
	EventClosed      = "closed"
)

// TradeEvent describes one state transition caused by a price update.
type TradeEvent struct {
	Symbol string
	Type   string
	Reason string
	Price  float64
	PnL    float64
}

// TradeBook tracks open trades and their history. At most one trade
// per symbol may be open or partially filled at any time.
type TradeBook struct {
	mu         sync.Mutex
	open       map[string]*Trade
	history    []*Trade
	lastPrice  map[string]float64
	wins       map[string]int
	losses     map[string]int
	maxHistory int
	logger     zerolog.Logger
}

// NewTradeBook creates an empty trade book.
func NewTradeBook(logger zerolog.Logger) *TradeBook {
	return &TradeBook{
		open:       make(map[string]*Trade),
		lastPrice:  make(map[string]float64),
		wins:       make(map[string]int),
		losses:     make(map[string]int),
		maxHistory: 500,
		logger:     logger,
	}
}

// Open records a new trade for a signal. It fails when the symbol
// already has a live trade.
func (b *TradeBook) Open(signal *TradingSignal) (*Trade, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.open[signal.Symbol]; ok {
		return nil, fmt.Errorf("symbol %s already has a %s trade", signal.Symbol, existing.Status)
	}

	trade := &Trade{
		Signal:       signal,
		Status:       TradeOpen,
		RemainingQty: signal.Quantity,
		OpenedAt:     time.Now(),
	}
	b.open[signal.Symbol] = trade
	metrics.OpenTrades.Set(float64(len(b.open)))

	b.logger.Info().
		Str("symbol", signal.Symbol).
		Str("direction", signal.Direction).
		Float64("entry", signal.EntryPrice).
		Float64("stop_loss", signal.StopLoss).
		Float64("quantity", signal.Quantity).
		Str("tier", signal.Tier).
		Msg("Trade opened")

	return trade, nil
}

// UpdatePrice advances the symbol's trade state machine and returns
// the transitions that fired. TP2 and SL are terminal; TP1 takes a
// partial exit without closing.
func (b *TradeBook) UpdatePrice(symbol string, price float64) []TradeEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastPrice[symbol] = price
	trade, ok := b.open[symbol]
	if !ok {
		return nil
	}

	sig := trade.Signal
	var events []TradeEvent

	hitSL := sig.Direction == DirectionLong && price <= sig.StopLoss ||
		sig.Direction == DirectionShort && price >= sig.StopLoss
	hitTP1 := sig.Direction == DirectionLong && price >= sig.TakeProfit1 ||
		sig.Direction == DirectionShort && price <= sig.TakeProfit1
	hitTP2 := sig.Direction == DirectionLong && price >= sig.TakeProfit2 ||
		sig.Direction == DirectionShort && price <= sig.TakeProfit2

	switch {
	case hitSL:
		events = append(events, b.closeLocked(trade, sig.StopLoss, ExitSL))
	case hitTP2:
		events = append(events, b.closeLocked(trade, sig.TakeProfit2, ExitTP2))
	case hitTP1 && !trade.Partial1Taken:
		exitQty := trade.RemainingQty * partialExitFraction
		pnl := tradePnL(sig.Direction, sig.EntryPrice, sig.TakeProfit1, exitQty)
		trade.Partial1Taken = true
		trade.RemainingQty -= exitQty
		trade.RealizedPnL += pnl
		trade.Status = TradePartialFilled

		b.logger.Info().
			Str("symbol", symbol).
			Float64("price", sig.TakeProfit1).
			Float64("pnl", pnl).
			Msg("Partial exit at TP1")

		events = append(events, TradeEvent{
			Symbol: symbol,
			Type:   EventPartialExit,
			Price:  sig.TakeProfit1,
			PnL:    pnl,
		})
	}

	return events
}

// CloseAll force-closes every live trade at its last seen price.
// Used by the emergency stop.
func (b *TradeBook) CloseAll(reason string) []TradeEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	var events []TradeEvent
	for symbol, trade := range b.open {
		price, ok := b.lastPrice[symbol]
		if !ok {
			price = trade.Signal.EntryPrice
		}
		events = append(events, b.closeLocked(trade, price, reason))
	}
	return events
}

// closeLocked settles the remaining quantity and retires the trade.
// Caller holds b.mu.
func (b *TradeBook) closeLocked(trade *Trade, price float64, reason string) TradeEvent {
	sig := trade.Signal
	pnl := tradePnL(sig.Direction, sig.EntryPrice, price, trade.RemainingQty)

	now := time.Now()
	trade.RealizedPnL += pnl
	trade.RemainingQty = 0
	trade.Status = TradeClosed
	trade.ExitReason = reason
	trade.ClosedAt = &now

	delete(b.open, sig.Symbol)
	b.history = append(b.history, trade)
	if len(b.history) > b.maxHistory {
		b.history = b.history[len(b.history)-b.maxHistory:]
	}

	if trade.RealizedPnL > 0 {
		b.wins[sig.Symbol]++
	} else {
		b.losses[sig.Symbol]++
	}
	metrics.OpenTrades.Set(float64(len(b.open)))

	b.logger.Info().
		Str("symbol", sig.Symbol).
		Str("exit_reason", reason).
		Float64("exit_price", price).
		Float64("realized_pnl", trade.RealizedPnL).
		Msg("Trade closed")

	return TradeEvent{
		Symbol: sig.Symbol,
		Type:   EventClosed,
		Reason: reason,
		Price:  price,
		PnL:    pnl,
	}
}

// Get returns the live trade for a symbol, if any.
func (b *TradeBook) Get(symbol string) (*Trade, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	trade, ok := b.open[symbol]
	return trade, ok
}

// OpenCount returns the number of live trades.
func (b *TradeBook) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.open)
}

// OpenSymbols lists symbols with a live trade.
func (b *TradeBook) OpenSymbols() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	symbols := make([]string, 0, len(b.open))
	for s := range b.open {
		symbols = append(symbols, s)
	}
	return symbols
}

// History returns closed trades, oldest first.
func (b *TradeBook) History() []*Trade {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Trade{}, b.history...)
}

// WinRate returns the symbol's historical win rate in [0,1], or 0
// when no trades have closed yet.
func (b *TradeBook) WinRate(symbol string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := b.wins[symbol] + b.losses[symbol]
	if total == 0 {
		return 0
	}
	return float64(b.wins[symbol]) / float64(total)
}

func tradePnL(direction string, entry, exit, qty float64) float64 {
	if direction == DirectionShort {
		return (entry - exit) * qty
	}
	return (exit - entry) * qty
}
