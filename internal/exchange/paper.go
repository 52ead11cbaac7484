package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fibflow/fibflow/internal/market"
)

// FeeConfig configures the paper exchange's fill simulation.
type FeeConfig struct {
	Maker        float64 // maker fee fraction
	Taker        float64 // taker fee fraction
	BaseSlippage float64 // slippage applied to every market fill
	MarketImpact float64 // extra slippage per unit of quantity
	MaxSlippage  float64 // slippage cap
}

// DefaultFees mirrors typical spot exchange fees.
func DefaultFees() FeeConfig {
	return FeeConfig{
		Maker:        0.001,
		Taker:        0.001,
		BaseSlippage: 0.0005,
		MarketImpact: 0.0001,
		MaxSlippage:  0.003,
	}
}

// PaperExchange simulates an exchange for paper trading. Market orders
// fill synthetically at the current seeded price plus slippage; LIMIT
// and STOP orders rest until UpdateMarketPrice crosses them.
type PaperExchange struct {
	mu sync.RWMutex

	orders   map[string]*Order
	fills    map[string][]Fill
	prices   map[string]float64
	candles  map[string][]market.Candle // keyed symbol:timeframe
	balances map[string]*Balance

	fees FeeConfig

	tickerSubs map[string][]func(Ticker)
	tradeSubs  map[string][]func(Trade)
	bookSubs   map[string][]func(OrderBook)
}

// NewPaperExchange creates a paper exchange with default fees.
func NewPaperExchange() *PaperExchange {
	return NewPaperExchangeWithFees(DefaultFees())
}

// NewPaperExchangeWithFees creates a paper exchange with custom fees.
func NewPaperExchangeWithFees(fees FeeConfig) *PaperExchange {
	log.Info().
		Float64("taker_fee", fees.Taker).
		Float64("base_slippage", fees.BaseSlippage).
		Msg("Paper exchange initialized")

	return &PaperExchange{
		orders:     make(map[string]*Order),
		fills:      make(map[string][]Fill),
		prices:     make(map[string]float64),
		candles:    make(map[string][]market.Candle),
		balances:   make(map[string]*Balance),
		fees:       fees,
		tickerSubs: make(map[string][]func(Ticker)),
		tradeSubs:  make(map[string][]func(Trade)),
		bookSubs:   make(map[string][]func(OrderBook)),
	}
}

// SeedBalance sets the free balance for an asset.
func (p *PaperExchange) SeedBalance(asset string, free float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[strings.ToUpper(asset)] = &Balance{Asset: strings.ToUpper(asset), Free: free}
}

// SeedCandles loads historical bars served by GetHistoricalData.
func (p *PaperExchange) SeedCandles(symbol, timeframe string, candles []market.Candle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candles[symbol+":"+timeframe] = candles
}

// UpdateMarketPrice moves the simulated price, triggers resting orders,
// and fans the tick out to subscribers.
func (p *PaperExchange) UpdateMarketPrice(symbol string, price float64) {
	p.mu.Lock()
	p.prices[symbol] = price
	p.triggerRestingOrders(symbol, price)
	tickerFns := append([]func(Ticker){}, p.tickerSubs[symbol]...)
	bookFns := append([]func(OrderBook){}, p.bookSubs[symbol]...)
	p.mu.Unlock()

	now := time.Now()
	spread := price * p.fees.BaseSlippage
	tick := Ticker{Symbol: symbol, Bid: price - spread, Ask: price + spread, Last: price, Time: now}
	for _, fn := range tickerFns {
		fn(tick)
	}
	book := OrderBook{
		Symbol: symbol,
		Bids:   []BookLevel{{Price: price - spread, Quantity: 1}},
		Asks:   []BookLevel{{Price: price + spread, Quantity: 1}},
		Time:   now,
	}
	for _, fn := range bookFns {
		fn(book)
	}
}

// GetPrice returns the current seeded price for a symbol.
func (p *PaperExchange) GetPrice(_ context.Context, symbol string) (float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no market price for %s", symbol)
	}
	return price, nil
}

// GetHistoricalData returns seeded candles, oldest first, capped at limit.
func (p *PaperExchange) GetHistoricalData(_ context.Context, symbol, timeframe string, limit int) ([]market.Candle, error) {
	if !ValidTimeframe(timeframe) {
		return nil, fmt.Errorf("unsupported timeframe %q", timeframe)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	candles, ok := p.candles[symbol+":"+timeframe]
	if !ok {
		return nil, fmt.Errorf("no historical data for %s %s", symbol, timeframe)
	}
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	out := make([]market.Candle, len(candles))
	copy(out, candles)
	return out, nil
}

// PlaceOrder validates and books an order. Market orders fill
// immediately at the seeded price; LIMIT and STOP orders rest.
func (p *PaperExchange) PlaceOrder(_ context.Context, req OrderRequest) (*OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := validateOrderRequest(req); err != nil {
		log.Warn().
			Err(err).
			Str("symbol", req.Symbol).
			Str("side", string(req.Side)).
			Msg("Order validation failed")
		return &OrderResult{Status: OrderStatusRejected, Message: err.Error()}, nil
	}

	now := time.Now()
	order := &Order{
		ID:        uuid.New().String(),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Quantity:  req.Quantity,
		Price:     req.Price,
		StopPrice: req.StopPrice,
		Status:    OrderStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	p.orders[order.ID] = order

	log.Info().
		Str("order_id", order.ID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Str("type", string(order.Type)).
		Float64("quantity", order.Quantity).
		Msg("Paper order placed")

	if req.Type == OrderTypeMarket {
		price, ok := p.prices[req.Symbol]
		if !ok {
			order.Status = OrderStatusRejected
			return &OrderResult{OrderID: order.ID, Status: OrderStatusRejected, Message: "no market price"}, nil
		}
		p.fillOrder(order, p.applySlippage(order, price), p.fees.Taker)
	} else {
		order.Status = OrderStatusOpen
		p.lockFunds(order)
	}

	return &OrderResult{
		OrderID:   order.ID,
		Status:    order.Status,
		FilledQty: order.FilledQty,
		AvgPrice:  order.AvgFillPrice,
	}, nil
}

// CancelOrder cancels an open or pending order and releases locked funds.
func (p *PaperExchange) CancelOrder(_ context.Context, _ string, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("order not found: %s", orderID)
	}
	if order.Status != OrderStatusOpen && order.Status != OrderStatusPending {
		return fmt.Errorf("cannot cancel order in status %s", order.Status)
	}
	p.unlockFunds(order)
	order.Status = OrderStatusCancelled
	order.UpdatedAt = time.Now()

	log.Info().Str("order_id", orderID).Msg("Paper order cancelled")
	return nil
}

// GetBalance reports holdings for an asset. Unknown assets are zero.
func (p *PaperExchange) GetBalance(_ context.Context, asset string) (*Balance, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if bal, ok := p.balances[strings.ToUpper(asset)]; ok {
		out := *bal
		return &out, nil
	}
	return &Balance{Asset: strings.ToUpper(asset)}, nil
}

// GetOrder returns the current state of an order.
func (p *PaperExchange) GetOrder(orderID string) (*Order, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	order, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order not found: %s", orderID)
	}
	out := *order
	return &out, nil
}

// GetOrderFills returns the fills recorded for an order.
func (p *PaperExchange) GetOrderFills(orderID string) []Fill {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Fill{}, p.fills[orderID]...)
}

// SubscribeTicker registers a callback invoked on every price update.
func (p *PaperExchange) SubscribeTicker(_ context.Context, symbol string, fn func(Ticker)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tickerSubs[symbol] = append(p.tickerSubs[symbol], fn)
	return nil
}

// SubscribeTrades registers a callback invoked on every simulated fill.
func (p *PaperExchange) SubscribeTrades(_ context.Context, symbol string, fn func(Trade)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tradeSubs[symbol] = append(p.tradeSubs[symbol], fn)
	return nil
}

// SubscribeOrderBook registers a callback invoked on every price update.
func (p *PaperExchange) SubscribeOrderBook(_ context.Context, symbol string, fn func(OrderBook)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bookSubs[symbol] = append(p.bookSubs[symbol], fn)
	return nil
}

func validateOrderRequest(req OrderRequest) error {
	if req.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if req.Side != SideBuy && req.Side != SideSell {
		return fmt.Errorf("invalid side: %s", req.Side)
	}
	if req.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive: %f", req.Quantity)
	}
	switch req.Type {
	case OrderTypeMarket:
	case OrderTypeLimit:
		if req.Price <= 0 {
			return fmt.Errorf("limit orders require a positive price")
		}
	case OrderTypeStop:
		if req.Price <= 0 || req.StopPrice <= 0 {
			return fmt.Errorf("stop orders require positive price and stop price")
		}
	default:
		return fmt.Errorf("invalid order type: %s", req.Type)
	}
	return nil
}

// applySlippage worsens the fill price in proportion to order size.
func (p *PaperExchange) applySlippage(order *Order, price float64) float64 {
	slip := p.fees.BaseSlippage + p.fees.MarketImpact*order.Quantity
	if slip > p.fees.MaxSlippage {
		slip = p.fees.MaxSlippage
	}
	if order.Side == SideBuy {
		return price * (1 + slip)
	}
	return price * (1 - slip)
}

// triggerRestingOrders fills LIMIT and STOP orders crossed by the new
// price. Caller holds p.mu.
func (p *PaperExchange) triggerRestingOrders(symbol string, price float64) {
	for _, order := range p.orders {
		if order.Symbol != symbol || order.Status != OrderStatusOpen {
			continue
		}
		switch order.Type {
		case OrderTypeLimit:
			if (order.Side == SideBuy && price <= order.Price) ||
				(order.Side == SideSell && price >= order.Price) {
				p.unlockFunds(order)
				p.fillOrder(order, order.Price, p.fees.Maker)
			}
		case OrderTypeStop:
			// Stop triggers on the stop price, fills at the limit price.
			if (order.Side == SideBuy && price >= order.StopPrice) ||
				(order.Side == SideSell && price <= order.StopPrice) {
				p.unlockFunds(order)
				p.fillOrder(order, order.Price, p.fees.Taker)
			}
		}
	}
}

// fillOrder settles an order at price, adjusting balances and notifying
// trade subscribers. Caller holds p.mu.
func (p *PaperExchange) fillOrder(order *Order, price, feeRate float64) {
	now := time.Now()
	fee := order.Quantity * price * feeRate

	order.FilledQty = order.Quantity
	order.AvgFillPrice = price
	order.Status = OrderStatusFilled
	order.UpdatedAt = now

	fill := Fill{OrderID: order.ID, Quantity: order.Quantity, Price: price, Fee: fee, Timestamp: now}
	p.fills[order.ID] = append(p.fills[order.ID], fill)

	base, quote := splitSymbol(order.Symbol)
	if order.Side == SideBuy {
		p.adjustBalance(quote, -(order.Quantity*price + fee))
		p.adjustBalance(base, order.Quantity)
	} else {
		p.adjustBalance(base, -order.Quantity)
		p.adjustBalance(quote, order.Quantity*price-fee)
	}

	log.Info().
		Str("order_id", order.ID).
		Float64("price", price).
		Float64("quantity", order.Quantity).
		Float64("fee", fee).
		Msg("Paper order filled")

	tradeFns := append([]func(Trade){}, p.tradeSubs[order.Symbol]...)
	trade := Trade{
		Symbol:       order.Symbol,
		Price:        price,
		Quantity:     order.Quantity,
		IsBuyerMaker: order.Side == SideSell,
		Time:         now,
	}
	for _, fn := range tradeFns {
		go fn(trade)
	}
}

// lockFunds moves the resting order's cost from free to locked.
// Caller holds p.mu.
func (p *PaperExchange) lockFunds(order *Order) {
	base, quote := splitSymbol(order.Symbol)
	if order.Side == SideBuy {
		p.moveToLocked(quote, order.Quantity*order.Price)
	} else {
		p.moveToLocked(base, order.Quantity)
	}
}

// unlockFunds releases a resting order's lock. Caller holds p.mu.
func (p *PaperExchange) unlockFunds(order *Order) {
	base, quote := splitSymbol(order.Symbol)
	if order.Side == SideBuy {
		p.moveToLocked(quote, -(order.Quantity * order.Price))
	} else {
		p.moveToLocked(base, -order.Quantity)
	}
}

func (p *PaperExchange) adjustBalance(asset string, delta float64) {
	bal, ok := p.balances[asset]
	if !ok {
		bal = &Balance{Asset: asset}
		p.balances[asset] = bal
	}
	bal.Free += delta
}

func (p *PaperExchange) moveToLocked(asset string, amount float64) {
	bal, ok := p.balances[asset]
	if !ok {
		bal = &Balance{Asset: asset}
		p.balances[asset] = bal
	}
	bal.Free -= amount
	bal.Locked += amount
}

var quoteAssets = []string{"USDT", "USDC", "BUSD", "BTC", "ETH"}

// splitSymbol derives base and quote assets from a concatenated pair
// like BTCUSDT. Unknown quotes fall back to USDT.
func splitSymbol(symbol string) (base, quote string) {
	for _, q := range quoteAssets {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return symbol[:len(symbol)-len(q)], q
		}
	}
	return symbol, "USDT"
}
