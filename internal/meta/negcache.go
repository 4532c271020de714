package meta

import (
	"sync"
	"time"
)

const (
	NegCacheSize = 256
	NegCacheTTL  = 2 * time.Second
)

type negCacheEntry struct {
	path    string
	expires time.Time // monotonic
}

// NegCache remembers identities origin recently reported as missing, so
// repeated lookups of absent names do not hit origin every time.
type NegCache struct {
	mu    sync.RWMutex
	slots [NegCacheSize]*negCacheEntry
	idx   int
}

// Lookup returns true if path was recently found not to exist.
func (nc *NegCache) Lookup(path string) bool {
	now := time.Now()
	nc.mu.RLock()
	defer nc.mu.RUnlock()
	for _, e := range nc.slots {
		if e != nil && e.path == path && e.expires.After(now) {
			return true
		}
	}
	return false
}

// Insert records that path does not exist, overwriting slots round-robin.
func (nc *NegCache) Insert(path string) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	nc.slots[nc.idx%NegCacheSize] = &negCacheEntry{
		path:    path,
		expires: time.Now().Add(NegCacheTTL),
	}
	nc.idx++
}

// Invalidate forgets path.
func (nc *NegCache) Invalidate(path string) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	for i, e := range nc.slots {
		if e != nil && e.path == path {
			nc.slots[i] = nil
		}
	}
}

// Reset forgets everything. Called whenever origin or the namespace
// changes in a way single invalidations cannot describe.
func (nc *NegCache) Reset() {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	nc.slots = [NegCacheSize]*negCacheEntry{}
	nc.idx = 0
}
