package exchange

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig controls the backoff schedule for transient exchange errors.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultRetryConfig returns a schedule suited to REST API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
	}
}

// IsRetryable reports whether an exchange error is worth retrying.
// Transport failures, rate limits, and known transient Binance codes
// qualify; everything else (bad symbol, insufficient balance, auth)
// fails fast.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())

	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"deadline exceeded",
		"temporary failure",
		"no such host",
		"rate limit",
		"too many requests",
		"service unavailable",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}

	// Binance transient codes: 1015/1003 rate limits, -1001 internal
	// error, -1021 timestamp drift.
	for _, code := range []string{"eapi:1015", "eapi:1003", "-1001", "-1021"} {
		if strings.Contains(msg, code) {
			return true
		}
	}

	return false
}

// WithRetry runs fn, retrying retryable errors with exponential backoff.
// The last error is returned when retries are exhausted. Non-retryable
// errors and context cancellation abort immediately.
func WithRetry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Debug().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Err(lastErr).
				Msg("Retrying exchange call")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}

			backoff = time.Duration(float64(backoff) * cfg.BackoffFactor)
			if backoff > cfg.MaxBackoff {
				backoff = cfg.MaxBackoff
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
	}

	return lastErr
}
