package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	binanceStreamURL        = "wss://stream.binance.com:9443/ws"
	binanceTestnetStreamURL = "wss://testnet.binance.vision/ws"

	streamReadTimeout    = 90 * time.Second
	streamReconnectDelay = 2 * time.Second
	streamMaxReconnect   = 30 * time.Second
)

// BinanceStream delivers live Binance market data over websocket.
// Each subscription runs its own connection and read loop, reconnecting
// with backoff until the context is cancelled.
type BinanceStream struct {
	baseURL string
}

// NewBinanceStream creates a stream client.
func NewBinanceStream(testnet bool) *BinanceStream {
	url := binanceStreamURL
	if testnet {
		url = binanceTestnetStreamURL
	}
	return &BinanceStream{baseURL: url}
}

// SubscribeTicker streams best bid/ask updates for a symbol.
func (s *BinanceStream) SubscribeTicker(ctx context.Context, symbol string, fn func(Ticker)) error {
	stream := fmt.Sprintf("%s@bookTicker", strings.ToLower(symbol))
	return s.run(ctx, stream, func(raw []byte) {
		var msg bookTickerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Debug().Err(err).Str("stream", stream).Msg("Dropping malformed ticker message")
			return
		}
		bid, _ := strconv.ParseFloat(msg.BidPrice, 64)
		ask, _ := strconv.ParseFloat(msg.AskPrice, 64)
		fn(Ticker{Symbol: symbol, Bid: bid, Ask: ask, Time: time.Now()})
	})
}

// SubscribeTrades streams public trades for a symbol.
func (s *BinanceStream) SubscribeTrades(ctx context.Context, symbol string, fn func(Trade)) error {
	stream := fmt.Sprintf("%s@trade", strings.ToLower(symbol))
	return s.run(ctx, stream, func(raw []byte) {
		var msg tradeMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Debug().Err(err).Str("stream", stream).Msg("Dropping malformed trade message")
			return
		}
		price, _ := strconv.ParseFloat(msg.Price, 64)
		qty, _ := strconv.ParseFloat(msg.Quantity, 64)
		fn(Trade{
			Symbol:       symbol,
			Price:        price,
			Quantity:     qty,
			IsBuyerMaker: msg.IsBuyerMaker,
			Time:         time.UnixMilli(msg.TradeTime),
		})
	})
}

// SubscribeOrderBook streams top-20 depth snapshots for a symbol.
func (s *BinanceStream) SubscribeOrderBook(ctx context.Context, symbol string, fn func(OrderBook)) error {
	stream := fmt.Sprintf("%s@depth20@100ms", strings.ToLower(symbol))
	return s.run(ctx, stream, func(raw []byte) {
		var msg depthMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Debug().Err(err).Str("stream", stream).Msg("Dropping malformed depth message")
			return
		}
		fn(OrderBook{
			Symbol: symbol,
			Bids:   parseLevels(msg.Bids),
			Asks:   parseLevels(msg.Asks),
			Time:   time.Now(),
		})
	})
}

// run owns one stream: it dials, reads until failure, and reconnects
// with exponential backoff until ctx is done.
func (s *BinanceStream) run(ctx context.Context, stream string, handle func([]byte)) error {
	url := s.baseURL + "/" + stream

	go func() {
		delay := streamReconnectDelay
		for {
			if ctx.Err() != nil {
				return
			}

			err := s.readLoop(ctx, url, handle)
			if ctx.Err() != nil {
				return
			}

			log.Warn().
				Err(err).
				Str("stream", stream).
				Dur("reconnect_in", delay).
				Msg("Stream disconnected, reconnecting")

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > streamMaxReconnect {
				delay = streamMaxReconnect
			}
		}
	}()

	return nil
}

func (s *BinanceStream) readLoop(ctx context.Context, url string, handle func([]byte)) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", url, err)
	}
	defer conn.Close()

	log.Debug().Str("url", url).Msg("Stream connected")

	// Close the socket when ctx is cancelled so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	})

	for {
		if err := conn.SetReadDeadline(time.Now().Add(streamReadTimeout)); err != nil {
			return err
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		handle(raw)
	}
}

type bookTickerMessage struct {
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	BidQty   string `json:"B"`
	AskPrice string `json:"a"`
	AskQty   string `json:"A"`
}

type tradeMessage struct {
	Symbol       string `json:"s"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

type depthMessage struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
}

func parseLevels(raw [][]string) []BookLevel {
	levels := make([]BookLevel, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			continue
		}
		price, err := strconv.ParseFloat(entry[0], 64)
		if err != nil {
			continue
		}
		qty, err := strconv.ParseFloat(entry[1], 64)
		if err != nil {
			continue
		}
		levels = append(levels, BookLevel{Price: price, Quantity: qty})
	}
	return levels
}
