package engine

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func longSignal(symbol string, qty float64) *TradingSignal {
	return &TradingSignal{
		ID:          "t-1",
		Symbol:      symbol,
		Direction:   DirectionLong,
		EntryPrice:  42000,
		StopLoss:    41300,
		TakeProfit1: 42525,
		TakeProfit2: 43050,
		Quantity:    qty,
	}
}

func TestTradeBookSingleTradePerSymbol(t *testing.T) {
	book := NewTradeBook(zerolog.Nop())

	_, err := book.Open(longSignal("BTC/USDT", 1))
	require.NoError(t, err)

	_, err = book.Open(longSignal("BTC/USDT", 1))
	assert.Error(t, err, "second trade on a live symbol must be refused")

	_, err = book.Open(longSignal("ETH/USDT", 1))
	assert.NoError(t, err, "other symbols are unaffected")
	assert.Equal(t, 2, book.OpenCount())
}

func TestPartialExitThenStopLoss(t *testing.T) {
	book := NewTradeBook(zerolog.Nop())
	_, err := book.Open(longSignal("BTC/USDT", 1))
	require.NoError(t, err)

	// TP1 takes half off without closing.
	events := book.UpdatePrice("BTC/USDT", 42525)
	require.Len(t, events, 1)
	assert.Equal(t, EventPartialExit, events[0].Type)
	assert.InDelta(t, (42525-42000)*0.5, events[0].PnL, 1e-9)

	trade, ok := book.Get("BTC/USDT")
	require.True(t, ok)
	assert.Equal(t, TradePartialFilled, trade.Status)
	assert.True(t, trade.Partial1Taken)
	assert.InDelta(t, 0.5, trade.RemainingQty, 1e-9)

	// Drifting back through entry changes nothing.
	assert.Empty(t, book.UpdatePrice("BTC/USDT", 42000))

	// TP1 does not fire twice.
	assert.Empty(t, book.UpdatePrice("BTC/USDT", 42526))

	// Stop closes the remainder.
	events = book.UpdatePrice("BTC/USDT", 41300)
	require.Len(t, events, 1)
	assert.Equal(t, EventClosed, events[0].Type)
	assert.Equal(t, ExitSL, events[0].Reason)
	assert.InDelta(t, (41300-42000)*0.5, events[0].PnL, 1e-9)

	_, ok = book.Get("BTC/USDT")
	assert.False(t, ok)

	history := book.History()
	require.Len(t, history, 1)
	assert.Equal(t, TradeClosed, history[0].Status)
	assert.Equal(t, ExitSL, history[0].ExitReason)
	assert.InDelta(t, 262.5-350.0, history[0].RealizedPnL, 1e-9)

	// Net loser counts against the win rate.
	assert.Equal(t, 0.0, book.WinRate("BTC/USDT"))
}

func TestTP2ClosesFromOpen(t *testing.T) {
	book := NewTradeBook(zerolog.Nop())
	_, err := book.Open(longSignal("BTC/USDT", 1))
	require.NoError(t, err)

	events := book.UpdatePrice("BTC/USDT", 43050)
	require.Len(t, events, 1)
	assert.Equal(t, EventClosed, events[0].Type)
	assert.Equal(t, ExitTP2, events[0].Reason)
	assert.InDelta(t, 1050.0, events[0].PnL, 1e-9)

	assert.Equal(t, 1.0, book.WinRate("BTC/USDT"))
}

func TestShortTradeMirrorsTransitions(t *testing.T) {
	book := NewTradeBook(zerolog.Nop())
	_, err := book.Open(&TradingSignal{
		Symbol:      "BTC/USDT",
		Direction:   DirectionShort,
		EntryPrice:  42000,
		StopLoss:    42700,
		TakeProfit1: 41475,
		TakeProfit2: 40950,
		Quantity:    1,
	})
	require.NoError(t, err)

	events := book.UpdatePrice("BTC/USDT", 41475)
	require.Len(t, events, 1)
	assert.Equal(t, EventPartialExit, events[0].Type)
	assert.InDelta(t, (42000-41475)*0.5, events[0].PnL, 1e-9)

	events = book.UpdatePrice("BTC/USDT", 40950)
	require.Len(t, events, 1)
	assert.Equal(t, ExitTP2, events[0].Reason)
	assert.InDelta(t, (42000-40950)*0.5, events[0].PnL, 1e-9)
}

func TestCloseAllUsesLastSeenPrice(t *testing.T) {
	book := NewTradeBook(zerolog.Nop())
	_, err := book.Open(longSignal("BTC/USDT", 1))
	require.NoError(t, err)
	_, err = book.Open(longSignal("ETH/USDT", 1))
	require.NoError(t, err)

	book.UpdatePrice("BTC/USDT", 42100)

	events := book.CloseAll(ExitEmergency)
	require.Len(t, events, 2)
	assert.Equal(t, 0, book.OpenCount())

	for _, ev := range events {
		assert.Equal(t, ExitEmergency, ev.Reason)
		if ev.Symbol == "BTC/USDT" {
			assert.InDelta(t, 100.0, ev.PnL, 1e-9)
		} else {
			// No price seen yet: closed flat at entry.
			assert.InDelta(t, 0.0, ev.PnL, 1e-9)
		}
	}
}

func TestWinRateMixes(t *testing.T) {
	book := NewTradeBook(zerolog.Nop())

	_, err := book.Open(longSignal("BTC/USDT", 1))
	require.NoError(t, err)
	book.UpdatePrice("BTC/USDT", 43050) // win

	_, err = book.Open(longSignal("BTC/USDT", 1))
	require.NoError(t, err)
	book.UpdatePrice("BTC/USDT", 41300) // loss

	assert.InDelta(t, 0.5, book.WinRate("BTC/USDT"), 1e-9)
	assert.Equal(t, 0.0, book.WinRate("ETH/USDT"), "no history means zero")
}

func TestSignalLevelInvariant(t *testing.T) {
	good := longSignal("BTC/USDT", 1)
	assert.NoError(t, good.checkLevels())

	bad := longSignal("BTC/USDT", 1)
	bad.StopLoss = 42500 // above entry on a LONG
	assert.Error(t, bad.checkLevels())

	short := &TradingSignal{
		Direction:   DirectionShort,
		EntryPrice:  42000,
		StopLoss:    42700,
		TakeProfit1: 41475,
		TakeProfit2: 40950,
	}
	assert.NoError(t, short.checkLevels())

	short.TakeProfit2 = 43000
	assert.Error(t, short.checkLevels())
}
