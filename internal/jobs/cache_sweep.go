// Package jobs defines River Queue job types for periodic maintenance.
package jobs

import (
	"context"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"campaignstate.io/core/internal/pkg/logger"
)

// CacheSweepArgs is a periodic maintenance job that evicts expired entries
// from the computed-field cache. The dependency-graph cache is not swept. The cache is strictly
// an optimisation, so a missed or delayed sweep never affects correctness.
type CacheSweepArgs struct{}

// Kind returns the job kind identifier for the grace-period cache sweep.
func (CacheSweepArgs) Kind() string { return "cache_sweep" }

// InsertOpts ensures at most one sweep job is enqueued within the same
// period, so a slow sweep cannot pile up duplicate runs.
func (CacheSweepArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: 5 * time.Minute,
			ByQueue:  true,
			ByArgs:   true,
		},
	}
}

// EvictableCache is the subset of internal/cache.Cache this worker sweeps.
type EvictableCache interface {
	EvictExpired() int
}

// CacheSweepWorker drops every cache entry whose grace period has elapsed.
type CacheSweepWorker struct {
	river.WorkerDefaults[CacheSweepArgs]
	cache EvictableCache
}

// NewCacheSweepWorker creates a sweep worker over cache.
func NewCacheSweepWorker(cache EvictableCache) *CacheSweepWorker {
	return &CacheSweepWorker{cache: cache}
}

// Work evicts expired entries and logs how many were removed.
func (w *CacheSweepWorker) Work(ctx context.Context, _ *river.Job[CacheSweepArgs]) error {
	if w == nil || w.cache == nil {
		return nil
	}
	removed := w.cache.EvictExpired()
	if removed > 0 {
		logger.Info("cache sweep completed", zap.Int("evicted_entries", removed))
	}
	return nil
}
