package scanner

import (
	"sync"
	"time"
)

// ScannerCache keeps the last good result per symbol so a symbol whose
// analysis fails keeps its previous reading until the TTL runs out
type ScannerCache struct {
	mu    sync.RWMutex
	cache map[string]*CachedOpportunity
	ttl   time.Duration
}

// NewScannerCache creates a new cache with specified TTL
func NewScannerCache(ttl time.Duration) *ScannerCache {
	return &ScannerCache{
		cache: make(map[string]*CachedOpportunity),
		ttl:   ttl,
	}
}

// Get retrieves a result if it has not expired at now
func (sc *ScannerCache) Get(symbol string, now time.Time) *Opportunity {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	cached, exists := sc.cache[symbol]
	if !exists || now.After(cached.ExpiresAt) {
		return nil
	}
	return cached.Result
}

// Set stores a result
func (sc *ScannerCache) Set(symbol string, result *Opportunity, now time.Time) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.cache[symbol] = &CachedOpportunity{
		Result:    result,
		ExpiresAt: now.Add(sc.ttl),
	}
}

// Clear removes all cached results
func (sc *ScannerCache) Clear() {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.cache = make(map[string]*CachedOpportunity)
}

// CleanupExpired removes expired cache entries
func (sc *ScannerCache) CleanupExpired(now time.Time) int {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	removed := 0
	for key, cached := range sc.cache {
		if now.After(cached.ExpiresAt) {
			delete(sc.cache, key)
			removed++
		}
	}
	return removed
}
