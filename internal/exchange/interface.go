package exchange

import (
	"context"

	"github.com/fibflow/fibflow/internal/market"
)

// Exchange is the adapter contract the trading engine depends on.
// Historical candles are returned oldest-first.
type Exchange interface {
	// GetPrice returns the current price for a symbol.
	GetPrice(ctx context.Context, symbol string) (float64, error)

	// GetHistoricalData returns up to limit candles for symbol at the given
	// timeframe, ordered oldest to newest.
	GetHistoricalData(ctx context.Context, symbol, timeframe string, limit int) ([]market.Candle, error)

	// PlaceOrder submits an order and returns the adapter's result.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)

	// CancelOrder cancels an open order by ID.
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// GetBalance returns free and locked holdings for an asset.
	GetBalance(ctx context.Context, asset string) (*Balance, error)
}

// Streamer delivers live market data through callbacks. Subscriptions run
// until ctx is cancelled; callbacks are invoked from the stream goroutine
// and must not block.
type Streamer interface {
	SubscribeTicker(ctx context.Context, symbol string, fn func(Ticker)) error
	SubscribeTrades(ctx context.Context, symbol string, fn func(Trade)) error
	SubscribeOrderBook(ctx context.Context, symbol string, fn func(OrderBook)) error
}
