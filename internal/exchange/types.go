package exchange

import "time"

// Side represents the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType represents how an order is executed.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeStop   OrderType = "STOP"
)

// OrderStatus represents the current state of an order.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusOpen            OrderStatus = "OPEN"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// Timeframes lists the candle intervals adapters must accept.
var Timeframes = []string{"1m", "5m", "15m", "30m", "1h", "4h", "1d"}

// ValidTimeframe reports whether tf is a supported candle interval.
func ValidTimeframe(tf string) bool {
	for _, t := range Timeframes {
		if t == tf {
			return true
		}
	}
	return false
}

// OrderRequest describes an order to be placed.
type OrderRequest struct {
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	Type      OrderType `json:"type"`
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price,omitempty"`      // limit price, required for LIMIT and STOP
	StopPrice float64   `json:"stop_price,omitempty"` // trigger price, required for STOP
}

// OrderResult is the adapter's answer to a placement request.
type OrderResult struct {
	OrderID   string      `json:"order_id"`
	Status    OrderStatus `json:"status"`
	FilledQty float64     `json:"filled_qty"`
	AvgPrice  float64     `json:"avg_price,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// Order is the adapter-side view of a placed order.
type Order struct {
	ID           string      `json:"id"`
	Symbol       string      `json:"symbol"`
	Side         Side        `json:"side"`
	Type         OrderType   `json:"type"`
	Quantity     float64     `json:"quantity"`
	Price        float64     `json:"price,omitempty"`
	StopPrice    float64     `json:"stop_price,omitempty"`
	FilledQty    float64     `json:"filled_qty"`
	AvgFillPrice float64     `json:"avg_fill_price,omitempty"`
	Status       OrderStatus `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Fill represents a partial or complete order execution.
type Fill struct {
	OrderID   string    `json:"order_id"`
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price"`
	Fee       float64   `json:"fee"`
	Timestamp time.Time `json:"timestamp"`
}

// Balance reports holdings of a single asset.
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// Total returns free plus locked holdings.
func (b Balance) Total() float64 { return b.Free + b.Locked }

// Ticker is a best bid/ask snapshot for a symbol.
type Ticker struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Last   float64   `json:"last,omitempty"`
	Time   time.Time `json:"time"`
}

// Trade is a single public market trade.
type Trade struct {
	Symbol       string    `json:"symbol"`
	Price        float64   `json:"price"`
	Quantity     float64   `json:"quantity"`
	IsBuyerMaker bool      `json:"is_buyer_maker"`
	Time         time.Time `json:"time"`
}

// BookLevel is one price level of an order book side.
type BookLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderBook is a depth snapshot. Bids descend, asks ascend.
type OrderBook struct {
	Symbol string      `json:"symbol"`
	Bids   []BookLevel `json:"bids"`
	Asks   []BookLevel `json:"asks"`
	Time   time.Time   `json:"time"`
}

// BestBid returns the highest bid, or zero when the book side is empty.
func (ob *OrderBook) BestBid() float64 {
	if len(ob.Bids) == 0 {
		return 0
	}
	return ob.Bids[0].Price
}

// BestAsk returns the lowest ask, or zero when the book side is empty.
func (ob *OrderBook) BestAsk() float64 {
	if len(ob.Asks) == 0 {
		return 0
	}
	return ob.Asks[0].Price
}
