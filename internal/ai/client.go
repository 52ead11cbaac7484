package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/fibflow/fibflow/internal/config"
	"github.com/fibflow/fibflow/internal/metrics"
	"golang.org/x/time/rate"
)

// Circuit breaker settings for AI upstreams. Longer open timeout than
// exchange calls since model backends recover slowly.
const (
	breakerMinRequests     = 3
	breakerFailureRatio    = 0.6
	breakerOpenTimeout     = 60 * time.Second
	breakerHalfOpenMaxReqs = 2
	breakerCountInterval   = 10 * time.Second
)

// HTTPProvider adapts one OpenAI-compatible chat completion endpoint
// to the Provider interface. It owns its rate limiter, response cache
// and circuit breaker.
type HTTPProvider struct {
	name       string
	cfg        config.ProviderConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	cache      *responseCache
	breaker    *gobreaker.CircuitBreaker
	stats      ProviderStats
	logger     zerolog.Logger
}

// NewHTTPProvider builds a provider from its configuration block.
func NewHTTPProvider(name string, cfg config.ProviderConfig, logger zerolog.Logger) *HTTPProvider {
	p := &HTTPProvider{
		name: name,
		cfg:  cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout(),
		},
		limiter: newRateLimiter(cfg.RateLimitRPM),
		cache:   newResponseCache(defaultCacheCapacity, time.Duration(cfg.CacheTTL)*time.Second),
		logger:  logger,
	}

	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: breakerHalfOpenMaxReqs,
		Interval:    breakerCountInterval,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= breakerMinRequests && failureRatio >= breakerFailureRatio
		},
		OnStateChange: func(_ string, _ gobreaker.State, to gobreaker.State) {
			metrics.ProviderBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
	})
	metrics.ProviderBreakerState.WithLabelValues(name).Set(breakerStateValue(p.breaker.State()))

	return p
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

func (p *HTTPProvider) Name() string    { return p.name }
func (p *HTTPProvider) Enabled() bool   { return p.cfg.Enabled }
func (p *HTTPProvider) Weight() float64 { return p.cfg.AccuracyWeight }

func (p *HTTPProvider) Stats() StatsSnapshot { return p.stats.Snapshot() }
func (p *HTTPProvider) ResetStats()          { p.stats.Reset() }

// Analyze runs one analysis call through the cache, rate limiter,
// retry loop and circuit breaker. It never returns a Go error: on
// failure the AIResponse carries Error and zeroed numeric fields.
func (p *HTTPProvider) Analyze(ctx context.Context, prompt string, kind AnalysisKind, opts Options) *AIResponse {
	key := fingerprint(p.cfg.Model, kind, prompt, opts)

	// Cache hits don't count against the rate limiter.
	if cached, ok := p.cache.get(key); ok {
		cached.CacheHit = true
		p.stats.recordCacheHit()
		metrics.ProviderCacheHits.WithLabelValues(p.name).Inc()
		return &cached
	}

	// An open breaker fails fast without burning a rate-limit slot.
	if p.breaker.State() == gobreaker.StateOpen {
		return p.failure(gobreaker.ErrOpenState)
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return p.failure(err)
	}

	start := time.Now()
	resp, err := p.completeWithRetry(ctx, prompt, kind, opts)
	latency := time.Since(start)
	metrics.ProviderLatency.WithLabelValues(p.name).Observe(latency.Seconds())

	if err != nil {
		return p.failure(err)
	}

	result := p.parseResponse(resp, kind)
	result.Provider = p.name
	result.LatencyMS = latency.Milliseconds()
	result.TokensUsed = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	result.Cost = p.cfg.InputCostPer1K/1000*float64(resp.Usage.PromptTokens) +
		p.cfg.OutputCostPer1K/1000*float64(resp.Usage.CompletionTokens)

	p.cache.put(key, *result)
	p.stats.recordRequest(result.LatencyMS, result.TokensUsed, result.Cost)
	metrics.ProviderRequests.WithLabelValues(p.name).Inc()
	metrics.ProviderCostUSD.WithLabelValues(p.name).Add(result.Cost)

	return result
}

func (p *HTTPProvider) failure(err error) *AIResponse {
	p.stats.recordError()
	metrics.ProviderRequests.WithLabelValues(p.name).Inc()
	metrics.ProviderErrors.WithLabelValues(p.name, metrics.NormalizeProviderError(err)).Inc()

	p.logger.Warn().
		Err(err).
		Str("provider", p.name).
		Msg("Provider call failed")

	return &AIResponse{Provider: p.name, Error: err.Error()}
}

// completeWithRetry retries transient failures with exponential
// backoff. Authentication failures and malformed responses abort
// immediately.
func (p *HTTPProvider) completeWithRetry(ctx context.Context, prompt string, kind AnalysisKind, opts Options) (*chatResponse, error) {
	maxRetries := p.cfg.MaxRetries
	baseDelay := p.cfg.RetryDelay()

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := baseDelay * time.Duration(1<<(attempt-1))
			p.logger.Warn().
				Err(lastErr).
				Str("provider", p.name).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Retrying provider request")

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		result, err := p.breaker.Execute(func() (interface{}, error) {
			return p.complete(ctx, prompt, kind, opts)
		})
		if err == nil {
			return result.(*chatResponse), nil
		}
		if !isRetryable(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("provider request failed after %d attempts: %w", maxRetries+1, lastErr)
}

// isRetryable classifies an upstream failure. Rate-limit responses,
// connection errors and timeouts retry; auth failures don't, and
// neither do breaker rejections: the breaker stays open far longer
// than any backoff schedule, so retrying only delays the missing vote.
func isRetryable(err error) bool {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return false
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "401") || strings.Contains(errStr, "403") ||
		strings.Contains(errStr, "unauthorized") || strings.Contains(errStr, "authentication"):
		return false
	case strings.Contains(errStr, "429") || strings.Contains(errStr, "rate limit"):
		return true
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return true
	case strings.Contains(errStr, "connection") || strings.Contains(errStr, "eof") ||
		strings.Contains(errStr, "no such host"):
		return true
	case strings.Contains(errStr, "status 5"):
		return true
	default:
		return false
	}
}

// Chat completion wire types (OpenAI-compatible).
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (p *HTTPProvider) complete(ctx context.Context, prompt string, kind AnalysisKind, opts Options) (*chatResponse, error) {
	temperature := opts.Temperature
	if temperature == 0 {
		temperature = 0.3
	}
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = 2000
	}

	request := chatRequest{
		Model: p.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(kind)},
			{Role: "user", Content: prompt},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}

	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, "POST", p.cfg.Endpoint, bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
			return nil, fmt.Errorf("provider API error (status %d): %s", resp.StatusCode, errResp.Error.Message)
		}
		return nil, fmt.Errorf("provider API error (status %d): %s", resp.StatusCode, string(body))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in provider response")
	}

	return &chatResp, nil
}

// structuredFields are the keys recognized in a provider's JSON answer.
type structuredFields struct {
	Signal         string   `json:"signal"`
	Confidence     *float64 `json:"confidence"`
	SentimentScore *float64 `json:"sentiment_score"`
	Sentiment      *float64 `json:"sentiment"`
	RiskLevel      string   `json:"risk_level"`
	Risk           string   `json:"risk"`
	Reasoning      string   `json:"reasoning"`
}

// parseResponse extracts structured fields from the model's text.
// Unparseable output falls back to confidence 0.3 with structured
// fields left empty.
func (p *HTTPProvider) parseResponse(resp *chatResponse, kind AnalysisKind) *AIResponse {
	content := resp.Choices[0].Message.Content
	result := &AIResponse{Content: content}

	jsonText := extractJSON(content)

	var fields structuredFields
	if err := json.Unmarshal([]byte(jsonText), &fields); err != nil {
		p.logger.Debug().
			Str("provider", p.name).
			Str("kind", string(kind)).
			Msg("Unstructured provider response, using default confidence")
		result.Confidence = 0.3
		return result
	}

	if fields.Confidence != nil {
		result.Confidence = clamp01(*fields.Confidence)
	} else {
		result.Confidence = 0.3
	}

	if sig := normalizeSignal(fields.Signal); sig != "" {
		result.Signal = sig
	}

	if fields.SentimentScore != nil {
		v := clampSentiment(*fields.SentimentScore)
		result.SentimentScore = &v
	} else if fields.Sentiment != nil {
		v := clampSentiment(*fields.Sentiment)
		result.SentimentScore = &v
	}

	levelText := fields.RiskLevel
	if levelText == "" {
		levelText = fields.Risk
	}
	if level := normalizeRiskLevel(levelText); level != "" {
		result.RiskLevel = level
	}

	return result
}

func normalizeSignal(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case SignalBuy, "LONG":
		return SignalBuy
	case SignalSell, "SHORT":
		return SignalSell
	case SignalHold, "NEUTRAL":
		return SignalHold
	default:
		return ""
	}
}

func normalizeRiskLevel(s string) RiskLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(RiskLow):
		return RiskLow
	case string(RiskMedium), "MODERATE":
		return RiskMedium
	case string(RiskHigh):
		return RiskHigh
	case string(RiskExtreme), "CRITICAL":
		return RiskExtreme
	default:
		return ""
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampSentiment(v float64) float64 {
	if v < -1 {
		return -1
	}
	if v > 1 {
		return 1
	}
	return v
}

// extractJSON pulls a JSON object out of model output: it strips
// Markdown code fences, then takes the first balanced {...} substring.
func extractJSON(content string) string {
	// ```json ... ``` or ``` ... ```
	if idx := strings.Index(content, "```json"); idx >= 0 {
		content = content[idx+7:]
	} else if idx := strings.Index(content, "```"); idx >= 0 {
		content = content[idx+3:]
	}
	if idx := strings.Index(content, "```"); idx >= 0 {
		content = content[:idx]
	}

	start := strings.IndexByte(content, '{')
	if start < 0 {
		return strings.TrimSpace(content)
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		ch := content[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return content[start : i+1]
				}
			}
		}
	}

	return strings.TrimSpace(content[start:])
}
