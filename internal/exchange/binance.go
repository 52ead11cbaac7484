package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/fibflow/fibflow/internal/market"
)

// BinanceConfig configures the live Binance adapter. Keys come from the
// environment at startup and are never persisted.
type BinanceConfig struct {
	APIKey      string
	SecretKey   string
	Testnet     bool
	RetryConfig RetryConfig
}

// BinanceExchange implements Exchange against the Binance spot API.
type BinanceExchange struct {
	client *binance.Client
	mu     sync.RWMutex

	orders map[string]*Order

	retryConfig RetryConfig
	breaker     *gobreaker.CircuitBreaker
}

// NewBinanceExchange creates a Binance adapter.
func NewBinanceExchange(cfg BinanceConfig) (*BinanceExchange, error) {
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("binance credentials are required")
	}

	if cfg.Testnet {
		binance.UseTestnet = true
		log.Info().Msg("Binance exchange initialized (TESTNET mode)")
	} else {
		log.Warn().Msg("Binance exchange initialized (LIVE TRADING mode)")
	}

	retry := cfg.RetryConfig
	if retry.MaxRetries == 0 && retry.InitialBackoff == 0 {
		retry = DefaultRetryConfig()
	}

	return &BinanceExchange{
		client:      binance.NewClient(cfg.APIKey, cfg.SecretKey),
		orders:      make(map[string]*Order),
		retryConfig: retry,
		breaker:     newExchangeBreaker("binance"),
	}, nil
}

// call runs one API operation through the circuit breaker, with the
// retry loop inside so an exhausted retry counts as one failure.
func (b *BinanceExchange) call(ctx context.Context, fn func() error) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, WithRetry(ctx, b.retryConfig, fn)
	})
	return err
}

// GetPrice returns the latest traded price for a symbol.
func (b *BinanceExchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	var prices []*binance.SymbolPrice
	err := b.call(ctx, func() error {
		var apiErr error
		prices, apiErr = b.client.NewListPricesService().Symbol(symbol).Do(ctx)
		return apiErr
	})
	if err != nil {
		return 0, fmt.Errorf("failed to fetch price for %s: %w", symbol, err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("no price returned for %s", symbol)
	}
	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse price %q: %w", prices[0].Price, err)
	}
	return price, nil
}

// GetHistoricalData returns klines oldest-first.
func (b *BinanceExchange) GetHistoricalData(ctx context.Context, symbol, timeframe string, limit int) ([]market.Candle, error) {
	if !ValidTimeframe(timeframe) {
		return nil, fmt.Errorf("unsupported timeframe %q", timeframe)
	}

	var klines []*binance.Kline
	err := b.call(ctx, func() error {
		var apiErr error
		klines, apiErr = b.client.NewKlinesService().
			Symbol(symbol).
			Interval(timeframe).
			Limit(limit).
			Do(ctx)
		return apiErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch klines for %s %s: %w", symbol, timeframe, err)
	}

	candles := make([]market.Candle, 0, len(klines))
	for _, k := range klines {
		candle, err := convertKline(k)
		if err != nil {
			return nil, fmt.Errorf("failed to parse kline for %s: %w", symbol, err)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// PlaceOrder submits an order to Binance with retry on transient errors.
func (b *BinanceExchange) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := validateOrderRequest(req); err != nil {
		log.Warn().
			Err(err).
			Str("symbol", req.Symbol).
			Str("side", string(req.Side)).
			Msg("Order validation failed")
		return &OrderResult{Status: OrderStatusRejected, Message: err.Error()}, nil
	}

	side := binance.SideTypeBuy
	if req.Side == SideSell {
		side = binance.SideTypeSell
	}

	var resp *binance.CreateOrderResponse
	err := b.call(ctx, func() error {
		svc := b.client.NewCreateOrderService().
			Symbol(req.Symbol).
			Side(side).
			Quantity(formatQty(req.Quantity))

		switch req.Type {
		case OrderTypeMarket:
			svc = svc.Type(binance.OrderTypeMarket)
		case OrderTypeLimit:
			svc = svc.Type(binance.OrderTypeLimit).
				TimeInForce(binance.TimeInForceTypeGTC).
				Price(formatQty(req.Price))
		case OrderTypeStop:
			svc = svc.Type(binance.OrderTypeStopLossLimit).
				TimeInForce(binance.TimeInForceTypeGTC).
				Price(formatQty(req.Price)).
				StopPrice(formatQty(req.StopPrice))
		}

		var apiErr error
		resp, apiErr = svc.Do(ctx)
		return apiErr
	})
	if err != nil {
		return &OrderResult{Status: OrderStatusRejected, Message: err.Error()},
			fmt.Errorf("failed to place order: %w", err)
	}

	order := b.convertCreateResponse(resp, req)

	b.mu.Lock()
	b.orders[order.ID] = order
	b.mu.Unlock()

	log.Info().
		Str("order_id", order.ID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Str("type", string(order.Type)).
		Float64("quantity", order.Quantity).
		Str("status", string(order.Status)).
		Msg("Binance order placed")

	return &OrderResult{
		OrderID:   order.ID,
		Status:    order.Status,
		FilledQty: order.FilledQty,
		AvgPrice:  order.AvgFillPrice,
	}, nil
}

// CancelOrder cancels an open order by exchange order ID.
func (b *BinanceExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid order id %q: %w", orderID, err)
	}

	err = b.call(ctx, func() error {
		_, apiErr := b.client.NewCancelOrderService().
			Symbol(symbol).
			OrderID(id).
			Do(ctx)
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", orderID, err)
	}

	b.mu.Lock()
	if order, ok := b.orders[orderID]; ok {
		order.Status = OrderStatusCancelled
		order.UpdatedAt = time.Now()
	}
	b.mu.Unlock()

	log.Info().Str("order_id", orderID).Str("symbol", symbol).Msg("Binance order cancelled")
	return nil
}

// GetBalance returns free and locked holdings for an asset.
func (b *BinanceExchange) GetBalance(ctx context.Context, asset string) (*Balance, error) {
	var account *binance.Account
	err := b.call(ctx, func() error {
		var apiErr error
		account, apiErr = b.client.NewGetAccountService().Do(ctx)
		return apiErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch account: %w", err)
	}

	want := strings.ToUpper(asset)
	for _, bal := range account.Balances {
		if strings.ToUpper(bal.Asset) != want {
			continue
		}
		free, _ := strconv.ParseFloat(bal.Free, 64)
		locked, _ := strconv.ParseFloat(bal.Locked, 64)
		return &Balance{Asset: want, Free: free, Locked: locked}, nil
	}
	return &Balance{Asset: want}, nil
}

func (b *BinanceExchange) convertCreateResponse(resp *binance.CreateOrderResponse, req OrderRequest) *Order {
	now := time.Now()
	order := &Order{
		ID:        strconv.FormatInt(resp.OrderID, 10),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Quantity:  req.Quantity,
		Price:     req.Price,
		StopPrice: req.StopPrice,
		CreatedAt: now,
		UpdatedAt: now,
	}

	filled, _ := strconv.ParseFloat(resp.ExecutedQuantity, 64)
	order.FilledQty = filled
	if filled > 0 {
		quote, _ := strconv.ParseFloat(resp.CummulativeQuoteQuantity, 64)
		if quote > 0 {
			order.AvgFillPrice = quote / filled
		}
	}

	switch resp.Status {
	case binance.OrderStatusTypeFilled:
		order.Status = OrderStatusFilled
	case binance.OrderStatusTypePartiallyFilled:
		order.Status = OrderStatusPartiallyFilled
	case binance.OrderStatusTypeNew:
		order.Status = OrderStatusOpen
	case binance.OrderStatusTypeCanceled:
		order.Status = OrderStatusCancelled
	case binance.OrderStatusTypeRejected:
		order.Status = OrderStatusRejected
	default:
		order.Status = OrderStatusPending
	}
	return order
}

func convertKline(k *binance.Kline) (market.Candle, error) {
	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return market.Candle{}, err
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return market.Candle{}, err
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return market.Candle{}, err
	}
	closePrice, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return market.Candle{}, err
	}
	volume, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return market.Candle{}, err
	}
	return market.Candle{
		Timestamp: time.UnixMilli(k.OpenTime),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
	}, nil
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', 8, 64)
}
