package ai

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const defaultCacheCapacity = 1000

// responseCache is a bounded in-memory LRU with TTL expiry, keyed by
// prompt fingerprint. Entries expire lazily on read.
type responseCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[string]*list.Element
	order    *list.List
}

type cacheEntry struct {
	key        string
	response   AIResponse
	insertedAt time.Time
}

func newResponseCache(capacity int, ttl time.Duration) *responseCache {
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	return &responseCache{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// get returns a copy of the cached response, or false on miss/expiry.
func (c *responseCache) get(key string) (AIResponse, bool) {
	if c == nil || c.ttl <= 0 {
		return AIResponse{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return AIResponse{}, false
	}

	entry := elem.Value.(*cacheEntry)
	if time.Since(entry.insertedAt) > c.ttl {
		c.order.Remove(elem)
		delete(c.entries, key)
		return AIResponse{}, false
	}

	c.order.MoveToFront(elem)
	return entry.response, true
}

// put stores a response, evicting the least recently used entry when full.
func (c *responseCache) put(key string, resp AIResponse) {
	if c == nil || c.ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.response = resp
		entry.insertedAt = time.Now()
		c.order.MoveToFront(elem)
		return
	}

	for len(c.entries) >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}

	elem := c.order.PushFront(&cacheEntry{key: key, response: resp, insertedAt: time.Now()})
	c.entries[key] = elem
}

func (c *responseCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// fingerprint builds the cache key from everything that influences a
// provider's answer. Prompt text is canonicalized (whitespace collapsed)
// so formatting differences don't defeat the cache; option maps are
// serialized in sorted key order for determinism.
func fingerprint(model string, kind AnalysisKind, prompt string, opts Options) string {
	var b strings.Builder
	b.WriteString(model)
	b.WriteByte('|')
	b.WriteString(string(kind))
	b.WriteByte('|')
	b.WriteString(canonicalize(prompt))
	b.WriteByte('|')
	fmt.Fprintf(&b, "t=%.3f|m=%d", opts.Temperature, opts.MaxTokens)

	if len(opts.Extras) > 0 {
		keys := make([]string, 0, len(opts.Extras))
		for k := range opts.Extras {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteByte('|')
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(opts.Extras[k])
		}
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func canonicalize(prompt string) string {
	return strings.Join(strings.Fields(prompt), " ")
}
