package ai

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintDeterministic(t *testing.T) {
	opts := Options{Temperature: 0.3, MaxTokens: 100, Extras: map[string]string{"b": "2", "a": "1"}}
	k1 := fingerprint("model-a", KindSentiment, "analyze this", opts)
	k2 := fingerprint("model-a", KindSentiment, "analyze this", opts)
	assert.Equal(t, k1, k2)
}

func TestFingerprintCanonicalizesWhitespace(t *testing.T) {
	k1 := fingerprint("m", KindSentiment, "analyze   this\n\ttext", Options{})
	k2 := fingerprint("m", KindSentiment, "analyze this text", Options{})
	assert.Equal(t, k1, k2)
}

func TestFingerprintDiscriminates(t *testing.T) {
	base := fingerprint("m", KindSentiment, "prompt", Options{})
	assert.NotEqual(t, base, fingerprint("other", KindSentiment, "prompt", Options{}))
	assert.NotEqual(t, base, fingerprint("m", KindRiskAssess, "prompt", Options{}))
	assert.NotEqual(t, base, fingerprint("m", KindSentiment, "different", Options{}))
	assert.NotEqual(t, base, fingerprint("m", KindSentiment, "prompt", Options{MaxTokens: 50}))
	assert.NotEqual(t, base, fingerprint("m", KindSentiment, "prompt", Options{Extras: map[string]string{"k": "v"}}))
}

func TestCacheRoundTrip(t *testing.T) {
	c := newResponseCache(10, time.Minute)

	_, ok := c.get("missing")
	assert.False(t, ok)

	c.put("key", AIResponse{Provider: "p", Content: "hello", Confidence: 0.8})

	got, ok := c.get("key")
	require.True(t, ok)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, 0.8, got.Confidence)
}

func TestCacheTTLExpiry(t *testing.T) {
	c := newResponseCache(10, 10*time.Millisecond)
	c.put("key", AIResponse{Content: "hello"})

	_, ok := c.get("key")
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.get("key")
	assert.False(t, ok, "entry should expire after TTL")
}

func TestCacheLRUEviction(t *testing.T) {
	c := newResponseCache(3, time.Minute)
	for i := 0; i < 3; i++ {
		c.put(fmt.Sprintf("key-%d", i), AIResponse{Content: fmt.Sprintf("v%d", i)})
	}

	// Touch key-0 so key-1 becomes least recently used.
	_, ok := c.get("key-0")
	require.True(t, ok)

	c.put("key-3", AIResponse{Content: "v3"})

	_, ok = c.get("key-1")
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok = c.get("key-0")
	assert.True(t, ok)
	_, ok = c.get("key-3")
	assert.True(t, ok)
	assert.Equal(t, 3, c.len())
}

func TestCacheDisabledWithZeroTTL(t *testing.T) {
	c := newResponseCache(10, 0)
	c.put("key", AIResponse{Content: "hello"})
	_, ok := c.get("key")
	assert.False(t, ok)
}
