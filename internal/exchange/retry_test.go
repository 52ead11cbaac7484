package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"timeout", errors.New("request timeout exceeded"), true},
		{"deadline", errors.New("context deadline exceeded"), true},
		{"rate limit", errors.New("rate limit exceeded"), true},
		{"too many requests", errors.New("429 Too Many Requests"), true},
		{"binance ip ban", errors.New("<APIError> code=EAPI:1015, msg=banned"), true},
		{"binance internal", errors.New("<APIError> code=-1001, msg=internal error"), true},
		{"timestamp drift", errors.New("<APIError> code=-1021, msg=timestamp outside recvWindow"), true},
		{"insufficient balance", errors.New("<APIError> code=-2010, msg=insufficient balance"), false},
		{"bad symbol", errors.New("invalid symbol"), false},
		{"auth", errors.New("API-key format invalid"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	cfg := RetryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2.0,
	}

	calls := 0
	err := WithRetry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryStopsOnNonRetryable(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.InitialBackoff = time.Millisecond

	calls := 0
	err := WithRetry(context.Background(), cfg, func() error {
		calls++
		return errors.New("invalid symbol")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetryExhaustsRetries(t *testing.T) {
	cfg := RetryConfig{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		BackoffFactor:  2.0,
	}

	calls := 0
	err := WithRetry(context.Background(), cfg, func() error {
		calls++
		return errors.New("timeout")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
	assert.Equal(t, 3, calls) // initial attempt plus two retries
}

func TestWithRetryHonorsContextCancellation(t *testing.T) {
	cfg := RetryConfig{
		MaxRetries:     5,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Second,
		BackoffFactor:  2.0,
	}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := WithRetry(ctx, cfg, func() error {
		calls++
		return errors.New("timeout")
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
