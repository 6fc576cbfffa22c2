package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/nicktill/tinystats/pkg/storage"
)

// StorageMonitor caches store statistics. Computing them walks the whole store,
// so status requests share one result for cacheDuration.
type StorageMonitor struct {
	store         storage.Store
	cacheDuration time.Duration
	now           func() time.Time

	mu        sync.Mutex
	cached    *storage.Stats
	lastCheck time.Time
}

// NewStorageMonitor creates a new storage monitor.
func NewStorageMonitor(store storage.Store, cacheDuration time.Duration) *StorageMonitor {
	return &StorageMonitor{
		store:         store,
		cacheDuration: cacheDuration,
		now:           time.Now,
	}
}

// Stats returns store statistics, recomputed at most once per cacheDuration.
func (sm *StorageMonitor) Stats(ctx context.Context) (*storage.Stats, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.cached != nil && sm.now().Sub(sm.lastCheck) < sm.cacheDuration {
		stats := *sm.cached
		return &stats, nil
	}

	stats, err := sm.store.Stats(ctx)
	if err != nil {
		return nil, err
	}

	sm.cached = stats
	sm.lastCheck = sm.now()
	out := *stats
	return &out, nil
}

// Invalidate drops the cached statistics, e.g. after an update cycle wrote points.
func (sm *StorageMonitor) Invalidate() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cached = nil
}
