package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fibflow/fibflow/internal/config"
)

func chatReply(content string) string {
	resp := map[string]interface{}{
		"model": "test-model",
		"choices": []map[string]interface{}{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
		"usage": map[string]int{"prompt_tokens": 100, "completion_tokens": 50},
	}
	data, _ := json.Marshal(resp)
	return string(data)
}

func testProvider(t *testing.T, endpoint string) *HTTPProvider {
	t.Helper()
	cfg := config.ProviderConfig{
		Enabled:         true,
		Endpoint:        endpoint,
		APIKey:          "test-key",
		Model:           "test-model",
		CacheTTL:        300,
		RateLimitRPM:    6000,
		AccuracyWeight:  1.0,
		TimeoutSeconds:  5,
		MaxRetries:      2,
		RetryDelayMS:    1,
		InputCostPer1K:  0.01,
		OutputCostPer1K: 0.03,
	}
	return NewHTTPProvider("test", cfg, zerolog.Nop())
}

func TestAnalyzeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		require.Len(t, req.Messages, 2)

		w.Write([]byte(chatReply(`{"signal": "BUY", "confidence": 0.85, "risk_level": "LOW", "reasoning": "strong setup"}`)))
	}))
	defer srv.Close()

	p := testProvider(t, srv.URL)
	resp := p.Analyze(context.Background(), "evaluate BTC", KindTradingSignal, Options{})

	require.Empty(t, resp.Error)
	assert.True(t, resp.Success())
	assert.Equal(t, SignalBuy, resp.Signal)
	assert.Equal(t, 0.85, resp.Confidence)
	assert.Equal(t, RiskLow, resp.RiskLevel)
	assert.Equal(t, 150, resp.TokensUsed)
	// 100 in @ 0.01/1K + 50 out @ 0.03/1K
	assert.InDelta(t, 0.0025, resp.Cost, 1e-9)
	assert.False(t, resp.CacheHit)
}

func TestAnalyzeCacheHit(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(chatReply(`{"signal": "SELL", "confidence": 0.7}`)))
	}))
	defer srv.Close()

	p := testProvider(t, srv.URL)

	first := p.Analyze(context.Background(), "same prompt", KindTradingSignal, Options{})
	require.Empty(t, first.Error)
	assert.False(t, first.CacheHit)

	second := p.Analyze(context.Background(), "same  prompt", KindTradingSignal, Options{})
	require.Empty(t, second.Error)
	assert.True(t, second.CacheHit, "whitespace variant should hit the cache")
	assert.Equal(t, first.Signal, second.Signal)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, int64(1), p.Stats().CacheHits)
}

func TestAnalyzeRetriesRateLimit(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error": {"message": "rate limit exceeded"}}`))
			return
		}
		w.Write([]byte(chatReply(`{"signal": "HOLD", "confidence": 0.6}`)))
	}))
	defer srv.Close()

	p := testProvider(t, srv.URL)
	resp := p.Analyze(context.Background(), "prompt", KindTradingSignal, Options{})

	require.Empty(t, resp.Error)
	assert.Equal(t, SignalHold, resp.Signal)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestAnalyzeAuthFailureNoRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": {"message": "invalid api key"}}`))
	}))
	defer srv.Close()

	p := testProvider(t, srv.URL)
	resp := p.Analyze(context.Background(), "prompt", KindTradingSignal, Options{})

	assert.NotEmpty(t, resp.Error)
	assert.False(t, resp.Success())
	assert.Zero(t, resp.Confidence)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "auth failures must not retry")
	assert.Equal(t, int64(1), p.Stats().Errors)
}

func TestAnalyzeExhaustedRetriesNeverThrows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("upstream broken"))
	}))
	defer srv.Close()

	p := testProvider(t, srv.URL)
	resp := p.Analyze(context.Background(), "prompt", KindTradingSignal, Options{})

	require.NotNil(t, resp)
	assert.NotEmpty(t, resp.Error)
	assert.Zero(t, resp.Confidence)
	assert.Zero(t, resp.TokensUsed)
	assert.Zero(t, resp.Cost)
}

func TestAnalyzeOpenBreakerFailsFast(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	p := testProvider(t, srv.URL)

	// Three failing attempts (one call plus two retries) trip the breaker.
	p.Analyze(context.Background(), "prompt", KindTradingSignal, Options{})
	require.Equal(t, gobreaker.StateOpen, p.breaker.State())

	upstream := atomic.LoadInt32(&calls)
	tokens := p.limiter.Tokens()

	resp := p.Analyze(context.Background(), "another prompt", KindTradingSignal, Options{})
	assert.NotEmpty(t, resp.Error)
	assert.Contains(t, resp.Error, "circuit breaker is open")
	assert.Equal(t, upstream, atomic.LoadInt32(&calls), "open breaker must not reach the upstream")
	assert.GreaterOrEqual(t, p.limiter.Tokens(), tokens, "open breaker must not consume a rate-limit slot")
}

func TestAnalyzeUnstructuredContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(chatReply("The market looks choppy, I would stay out.")))
	}))
	defer srv.Close()

	p := testProvider(t, srv.URL)
	resp := p.Analyze(context.Background(), "prompt", KindTradingSignal, Options{})

	require.Empty(t, resp.Error)
	assert.Equal(t, 0.3, resp.Confidence, "unparseable content defaults to 0.3")
	assert.Empty(t, resp.Signal)
	assert.Empty(t, resp.RiskLevel)
}

func TestAnalyzeMarkdownFencedJSON(t *testing.T) {
	content := "Here is my analysis:\n```json\n{\"signal\": \"BUY\", \"confidence\": 0.9, \"sentiment\": 0.5}\n```\nGood luck."
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(chatReply(content)))
	}))
	defer srv.Close()

	p := testProvider(t, srv.URL)
	resp := p.Analyze(context.Background(), "prompt", KindTradingSignal, Options{})

	require.Empty(t, resp.Error)
	assert.Equal(t, SignalBuy, resp.Signal)
	assert.Equal(t, 0.9, resp.Confidence)
	require.NotNil(t, resp.SentimentScore)
	assert.Equal(t, 0.5, *resp.SentimentScore)
}

func TestAnalyzeCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(chatReply(`{"confidence": 0.5}`)))
	}))
	defer srv.Close()

	p := testProvider(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp := p.Analyze(ctx, "prompt", KindTradingSignal, Options{})
	assert.NotEmpty(t, resp.Error)
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"bare object", `{"a": 1}`, `{"a": 1}`},
		{"json fence", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"plain fence", "```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"surrounding prose", `Sure! {"a": 1} Hope that helps.`, `{"a": 1}`},
		{"nested object", `{"a": {"b": 2}}`, `{"a": {"b": 2}}`},
		{"brace in string", `{"a": "x } y"}`, `{"a": "x } y"}`},
		{"no json", "just words", "just words"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, extractJSON(tt.input))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(errors.New("provider API error (status 429): rate limit exceeded")))
	assert.True(t, isRetryable(errors.New("connection refused")))
	assert.True(t, isRetryable(errors.New("context deadline exceeded: timeout")))
	assert.True(t, isRetryable(errors.New("provider API error (status 503): unavailable")))
	assert.False(t, isRetryable(errors.New("provider API error (status 401): unauthorized")))
	assert.False(t, isRetryable(errors.New("failed to parse response: unexpected end of input")))
	assert.False(t, isRetryable(gobreaker.ErrOpenState), "breaker rejections outlast any backoff")
	assert.False(t, isRetryable(gobreaker.ErrTooManyRequests))
}

func TestNormalizeSignal(t *testing.T) {
	assert.Equal(t, SignalBuy, normalizeSignal("buy"))
	assert.Equal(t, SignalBuy, normalizeSignal("LONG"))
	assert.Equal(t, SignalSell, normalizeSignal(" short "))
	assert.Equal(t, SignalHold, normalizeSignal("NEUTRAL"))
	assert.Empty(t, normalizeSignal("maybe"))
}

func TestRiskSeverityOrdering(t *testing.T) {
	assert.Less(t, RiskLow.Severity(), RiskMedium.Severity())
	assert.Less(t, RiskMedium.Severity(), RiskHigh.Severity())
	assert.Less(t, RiskHigh.Severity(), RiskExtreme.Severity())
	assert.Zero(t, RiskLevel("bogus").Severity())
}
