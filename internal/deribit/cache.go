package deribit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

type cacheTier string

const (
	tierFast cacheTier = "fast"
	tierSlow cacheTier = "slow"
)

type cacheEntry struct {
	value     json.RawMessage
	expiresAt time.Time
	tier      cacheTier
}

// responseCache is a two-tier TTL cache for JSON-RPC results: a short
// tier for market data and a longer one for slow-moving metadata.
type responseCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry

	fastTTL time.Duration
	slowTTL time.Duration
	now     func() time.Time
}

func newResponseCache(fastTTL, slowTTL time.Duration) *responseCache {
	return &responseCache{
		entries: make(map[string]cacheEntry),
		fastTTL: fastTTL,
		slowTTL: slowTTL,
		now:     time.Now,
	}
}

// CacheStats reports entry counts per tier.
type CacheStats struct {
	TotalEntries int `json:"total_entries"`
	FastEntries  int `json:"fast_tier_entries"`
	SlowEntries  int `json:"slow_tier_entries"`
}

func (c *responseCache) get(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.value, true
}

func (c *responseCache) set(key string, tier cacheTier, value json.RawMessage) {
	ttl := c.fastTTL
	if tier == tierSlow {
		ttl = c.slowTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, expiresAt: c.now().Add(ttl), tier: tier}
}

func (c *responseCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

func (c *responseCache) stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var stats CacheStats
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
			continue
		}
		stats.TotalEntries++
		if entry.tier == tierFast {
			stats.FastEntries++
		} else {
			stats.SlowEntries++
		}
	}
	return stats
}

// cacheKey derives a stable key from a method and its parameters. Params
// are serialized with sorted keys so semantically equal calls collide.
func cacheKey(method string, params map[string]interface{}) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(method))
	for _, k := range keys {
		raw, _ := json.Marshal(params[k])
		h.Write([]byte(k))
		h.Write(raw)
	}
	return hex.EncodeToString(h.Sum(nil))
}
