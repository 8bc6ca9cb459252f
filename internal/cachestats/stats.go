// Package cachestats tracks per-tenant prompt-cache statistics. Updates for
// one tenant are serialized; tenants are spread across shards so unrelated
// tenants never contend on the same lock.
package cachestats

import (
	"hash/fnv"
	"sync"

	"conductor/internal/domain"
)

const shardCount = 16

// Tracker accumulates cache statistics per tenant.
type Tracker struct {
	shards [shardCount]*shard
}

type shard struct {
	mu      sync.RWMutex
	tenants map[string]*domain.CacheStats
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	t := &Tracker{}
	for i := range t.shards {
		t.shards[i] = &shard{tenants: make(map[string]*domain.CacheStats)}
	}
	return t
}

func (t *Tracker) shardFor(tenantID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	return t.shards[h.Sum32()%shardCount]
}

// stats returns the entry for a tenant, creating it lazily. Caller must hold
// the shard write lock.
func (s *shard) stats(tenantID string) *domain.CacheStats {
	st, ok := s.tenants[tenantID]
	if !ok {
		st = &domain.CacheStats{}
		s.tenants[tenantID] = st
	}
	return st
}

// RecordHit records a request served with cache-read tokens.
func (t *Tracker) RecordHit(tenantID string, cachedTokens int64, savingsUSD float64) {
	sh := t.shardFor(tenantID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st := sh.stats(tenantID)
	st.TotalRequests++
	st.Hits++
	st.TotalCachedTokens += cachedTokens
	if savingsUSD > 0 {
		st.TotalSavingsUSD += savingsUSD
	}
	st.HitRate = hitRate(st)
}

// RecordMiss records a caching-active request that read nothing from cache.
func (t *Tracker) RecordMiss(tenantID string) {
	sh := t.shardFor(tenantID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st := sh.stats(tenantID)
	st.TotalRequests++
	st.Misses++
	st.HitRate = hitRate(st)
}

func hitRate(st *domain.CacheStats) float64 {
	if st.TotalRequests == 0 {
		return 0
	}
	return float64(st.Hits) / float64(st.TotalRequests)
}

// Snapshot returns a copy of one tenant's stats. The second return is false
// when the tenant has no recorded activity.
func (t *Tracker) Snapshot(tenantID string) (domain.CacheStats, bool) {
	sh := t.shardFor(tenantID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	st, ok := sh.tenants[tenantID]
	if !ok {
		return domain.CacheStats{}, false
	}
	return *st, true
}

// SnapshotAll returns copies of every tenant's stats.
func (t *Tracker) SnapshotAll() map[string]domain.CacheStats {
	out := make(map[string]domain.CacheStats)
	for _, sh := range t.shards {
		sh.mu.RLock()
		for tenant, st := range sh.tenants {
			out[tenant] = *st
		}
		sh.mu.RUnlock()
	}
	return out
}

// Clear removes one tenant's stats.
func (t *Tracker) Clear(tenantID string) {
	sh := t.shardFor(tenantID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.tenants, tenantID)
}

// ClearAll removes every tenant's stats.
func (t *Tracker) ClearAll() {
	for _, sh := range t.shards {
		sh.mu.Lock()
		sh.tenants = make(map[string]*domain.CacheStats)
		sh.mu.Unlock()
	}
}

// Seed loads previously persisted stats, replacing any entry for the same
// tenant. Used to warm-start from the store at boot.
func (t *Tracker) Seed(stats map[string]domain.CacheStats) {
	for tenant, st := range stats {
		cp := st
		cp.HitRate = hitRate(&cp)
		sh := t.shardFor(tenant)
		sh.mu.Lock()
		sh.tenants[tenant] = &cp
		sh.mu.Unlock()
	}
}
