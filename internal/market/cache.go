package market

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Cache provides Redis-backed caching for prices and candle windows so
// repeated ticks within one interval don't hammer exchange REST APIs.
// All operations degrade gracefully: a Redis failure is a cache miss.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

type priceEntry struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

type candleEntry struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Candles   []Candle  `json:"candles"`
	Timestamp time.Time `json:"timestamp"`
}

// NewCache creates a Redis-backed market cache.
// If client is nil, returns nil (Redis support is optional).
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if client == nil {
		return nil
	}
	if ttl == 0 {
		ttl = 60 * time.Second
	}
	return &Cache{client: client, ttl: ttl}
}

// GetPrice retrieves a cached price. Returns (0, false) on miss or error.
func (c *Cache) GetPrice(ctx context.Context, symbol string) (float64, bool) {
	if c == nil || c.client == nil {
		return 0, false
	}

	key := priceKey(symbol)

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	cached, err := c.client.Get(cacheCtx, key).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debug().
				Err(err).
				Str("key", key).
				Msg("Redis get error - treating as cache miss")
		}
		return 0, false
	}

	var entry priceEntry
	if err := json.Unmarshal([]byte(cached), &entry); err != nil {
		log.Warn().
			Err(err).
			Str("key", key).
			Msg("Failed to unmarshal cached price")
		return 0, false
	}

	return entry.Price, true
}

// SetPrice stores a price asynchronously. Cache failures are logged,
// never propagated to the caller.
func (c *Cache) SetPrice(symbol string, price float64) {
	if c == nil || c.client == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		entry := priceEntry{Symbol: symbol, Price: price, Timestamp: time.Now()}
		data, err := json.Marshal(entry)
		if err != nil {
			return
		}

		if err := c.client.Set(ctx, priceKey(symbol), data, c.ttl).Err(); err != nil {
			log.Warn().
				Err(err).
				Str("symbol", symbol).
				Msg("Failed to cache price")
		}
	}()
}

// GetCandles retrieves a cached candle window. Returns (nil, false) on
// miss, error, or when the cached window is shorter than limit.
func (c *Cache) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}

	key := candleKey(symbol, timeframe)

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	cached, err := c.client.Get(cacheCtx, key).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debug().
				Err(err).
				Str("key", key).
				Msg("Redis get error - treating as cache miss")
		}
		return nil, false
	}

	var entry candleEntry
	if err := json.Unmarshal([]byte(cached), &entry); err != nil {
		log.Warn().
			Err(err).
			Str("key", key).
			Msg("Failed to unmarshal cached candles")
		return nil, false
	}

	if len(entry.Candles) < limit {
		return nil, false
	}
	return entry.Candles[len(entry.Candles)-limit:], true
}

// SetCandles stores a candle window asynchronously.
func (c *Cache) SetCandles(symbol, timeframe string, candles []Candle) {
	if c == nil || c.client == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		entry := candleEntry{
			Symbol:    symbol,
			Timeframe: timeframe,
			Candles:   candles,
			Timestamp: time.Now(),
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return
		}

		if err := c.client.Set(ctx, candleKey(symbol, timeframe), data, c.ttl).Err(); err != nil {
			log.Warn().
				Err(err).
				Str("symbol", symbol).
				Str("timeframe", timeframe).
				Msg("Failed to cache candles")
		}
	}()
}

// Health checks the Redis connection.
func (c *Cache) Health(ctx context.Context) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("cache not initialized")
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.client.Ping(cacheCtx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

func priceKey(symbol string) string {
	return fmt.Sprintf("fibflow:price:%s", symbol)
}

func candleKey(symbol, timeframe string) string {
	return fmt.Sprintf("fibflow:candles:%s:%s", symbol, timeframe)
}
