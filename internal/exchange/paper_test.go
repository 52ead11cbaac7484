package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fibflow/fibflow/internal/market"
)

func newTestPaper() *PaperExchange {
	p := NewPaperExchange()
	p.SeedBalance("USDT", 100000)
	p.SeedBalance("BTC", 2)
	p.UpdateMarketPrice("BTCUSDT", 42000)
	return p
}

func TestPaperGetPrice(t *testing.T) {
	p := newTestPaper()

	price, err := p.GetPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 42000.0, price)

	_, err = p.GetPrice(context.Background(), "ETHUSDT")
	assert.Error(t, err)
}

func TestPaperHistoricalData(t *testing.T) {
	p := newTestPaper()
	now := time.Now()
	candles := make([]market.Candle, 10)
	for i := range candles {
		candles[i] = market.Candle{
			Timestamp: now.Add(time.Duration(i-10) * time.Hour),
			Open:      42000, High: 42100, Low: 41900, Close: 42050, Volume: 100,
		}
	}
	p.SeedCandles("BTCUSDT", "1h", candles)

	got, err := p.GetHistoricalData(context.Background(), "BTCUSDT", "1h", 5)
	require.NoError(t, err)
	assert.Len(t, got, 5)
	// Oldest first, trimmed from the front.
	assert.Equal(t, candles[5].Timestamp, got[0].Timestamp)
	assert.True(t, got[0].Timestamp.Before(got[4].Timestamp))

	_, err = p.GetHistoricalData(context.Background(), "BTCUSDT", "7m", 5)
	assert.Error(t, err)

	_, err = p.GetHistoricalData(context.Background(), "ETHUSDT", "1h", 5)
	assert.Error(t, err)
}

func TestPaperMarketOrderFillsWithSlippageAndFee(t *testing.T) {
	p := newTestPaper()

	res, err := p.PlaceOrder(context.Background(), OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     SideBuy,
		Type:     OrderTypeMarket,
		Quantity: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, OrderStatusFilled, res.Status)
	assert.Equal(t, 1.0, res.FilledQty)

	// Buy fills above mid: slippage = base 0.0005 + impact 0.0001*1.
	expectedPrice := 42000 * (1 + 0.0006)
	assert.InDelta(t, expectedPrice, res.AvgPrice, 0.01)

	fills := p.GetOrderFills(res.OrderID)
	require.Len(t, fills, 1)
	expectedFee := expectedPrice * 0.001
	assert.InDelta(t, expectedFee, fills[0].Fee, 0.01)

	btc, err := p.GetBalance(context.Background(), "BTC")
	require.NoError(t, err)
	assert.InDelta(t, 3.0, btc.Free, 1e-9)

	usdt, err := p.GetBalance(context.Background(), "USDT")
	require.NoError(t, err)
	assert.InDelta(t, 100000-expectedPrice-expectedFee, usdt.Free, 0.01)
}

func TestPaperLimitOrderRestsAndFillsOnCross(t *testing.T) {
	p := newTestPaper()

	res, err := p.PlaceOrder(context.Background(), OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     SideBuy,
		Type:     OrderTypeLimit,
		Quantity: 1,
		Price:    41000,
	})
	require.NoError(t, err)
	assert.Equal(t, OrderStatusOpen, res.Status)

	// Funds for the resting bid move from free to locked.
	usdt, err := p.GetBalance(context.Background(), "USDT")
	require.NoError(t, err)
	assert.InDelta(t, 100000-41000, usdt.Free, 1e-6)
	assert.InDelta(t, 41000, usdt.Locked, 1e-6)

	// Price above the limit does not trigger.
	p.UpdateMarketPrice("BTCUSDT", 41500)
	order, err := p.GetOrder(res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, OrderStatusOpen, order.Status)

	// Crossing fills at the limit price with the maker fee.
	p.UpdateMarketPrice("BTCUSDT", 40900)
	order, err = p.GetOrder(res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, OrderStatusFilled, order.Status)
	assert.Equal(t, 41000.0, order.AvgFillPrice)

	usdt, err = p.GetBalance(context.Background(), "USDT")
	require.NoError(t, err)
	assert.InDelta(t, 0.0, usdt.Locked, 1e-6)
}

func TestPaperStopOrderTriggersOnStopPrice(t *testing.T) {
	p := newTestPaper()

	// Protective sell stop below market.
	res, err := p.PlaceOrder(context.Background(), OrderRequest{
		Symbol:    "BTCUSDT",
		Side:      SideSell,
		Type:      OrderTypeStop,
		Quantity:  1,
		Price:     41000,
		StopPrice: 41100,
	})
	require.NoError(t, err)
	assert.Equal(t, OrderStatusOpen, res.Status)

	p.UpdateMarketPrice("BTCUSDT", 41200)
	order, err := p.GetOrder(res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, OrderStatusOpen, order.Status)

	p.UpdateMarketPrice("BTCUSDT", 41050)
	order, err = p.GetOrder(res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, OrderStatusFilled, order.Status)
	assert.Equal(t, 41000.0, order.AvgFillPrice)
}

func TestPaperCancelOrder(t *testing.T) {
	p := newTestPaper()

	res, err := p.PlaceOrder(context.Background(), OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     SideSell,
		Type:     OrderTypeLimit,
		Quantity: 1,
		Price:    43000,
	})
	require.NoError(t, err)

	btc, err := p.GetBalance(context.Background(), "BTC")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, btc.Free, 1e-9)
	assert.InDelta(t, 1.0, btc.Locked, 1e-9)

	require.NoError(t, p.CancelOrder(context.Background(), "BTCUSDT", res.OrderID))

	btc, err = p.GetBalance(context.Background(), "BTC")
	require.NoError(t, err)
	assert.InDelta(t, 2.0, btc.Free, 1e-9)
	assert.InDelta(t, 0.0, btc.Locked, 1e-9)

	order, err := p.GetOrder(res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, OrderStatusCancelled, order.Status)

	err = p.CancelOrder(context.Background(), "BTCUSDT", res.OrderID)
	assert.Error(t, err)

	err = p.CancelOrder(context.Background(), "BTCUSDT", "missing")
	assert.Error(t, err)
}

func TestPaperRejectsInvalidOrders(t *testing.T) {
	p := newTestPaper()
	ctx := context.Background()

	tests := []struct {
		name string
		req  OrderRequest
	}{
		{"missing symbol", OrderRequest{Side: SideBuy, Type: OrderTypeMarket, Quantity: 1}},
		{"bad side", OrderRequest{Symbol: "BTCUSDT", Side: "LONG", Type: OrderTypeMarket, Quantity: 1}},
		{"zero quantity", OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Type: OrderTypeMarket}},
		{"limit without price", OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Type: OrderTypeLimit, Quantity: 1}},
		{"stop without stop price", OrderRequest{Symbol: "BTCUSDT", Side: SideSell, Type: OrderTypeStop, Quantity: 1, Price: 41000}},
		{"bad type", OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Type: "TRAILING", Quantity: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := p.PlaceOrder(ctx, tt.req)
			require.NoError(t, err)
			assert.Equal(t, OrderStatusRejected, res.Status)
			assert.NotEmpty(t, res.Message)
		})
	}
}

func TestPaperTickerSubscription(t *testing.T) {
	p := newTestPaper()

	ticks := make(chan Ticker, 1)
	require.NoError(t, p.SubscribeTicker(context.Background(), "BTCUSDT", func(tk Ticker) {
		ticks <- tk
	}))

	p.UpdateMarketPrice("BTCUSDT", 43000)

	select {
	case tk := <-ticks:
		assert.Equal(t, "BTCUSDT", tk.Symbol)
		assert.Less(t, tk.Bid, tk.Ask)
		assert.Equal(t, 43000.0, tk.Last)
	case <-time.After(time.Second):
		t.Fatal("no ticker received")
	}
}

func TestPaperTradeSubscription(t *testing.T) {
	p := newTestPaper()

	trades := make(chan Trade, 1)
	require.NoError(t, p.SubscribeTrades(context.Background(), "BTCUSDT", func(tr Trade) {
		trades <- tr
	}))

	_, err := p.PlaceOrder(context.Background(), OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     SideBuy,
		Type:     OrderTypeMarket,
		Quantity: 0.5,
	})
	require.NoError(t, err)

	select {
	case tr := <-trades:
		assert.Equal(t, 0.5, tr.Quantity)
		assert.False(t, tr.IsBuyerMaker)
	case <-time.After(time.Second):
		t.Fatal("no trade received")
	}
}

func TestSplitSymbol(t *testing.T) {
	tests := []struct {
		symbol string
		base   string
		quote  string
	}{
		{"BTCUSDT", "BTC", "USDT"},
		{"ETHBTC", "ETH", "BTC"},
		{"SOLUSDC", "SOL", "USDC"},
		{"XYZ", "XYZ", "USDT"},
	}
	for _, tt := range tests {
		base, quote := splitSymbol(tt.symbol)
		assert.Equal(t, tt.base, base, tt.symbol)
		assert.Equal(t, tt.quote, quote, tt.symbol)
	}
}

func TestValidTimeframe(t *testing.T) {
	for _, tf := range Timeframes {
		assert.True(t, ValidTimeframe(tf))
	}
	assert.False(t, ValidTimeframe("2h"))
	assert.False(t, ValidTimeframe(""))
}
