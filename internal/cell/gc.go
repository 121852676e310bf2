package cell

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// GCStats holds statistics from a garbage collection sweep.
type GCStats struct {
	Removed        int           // Chunk files deleted
	BytesReclaimed int64         // Bytes freed by deleted chunk files
	Scanned        int           // Chunk files examined
	Skipped        int           // Entries that were unreadable or not named by a hash
	ShardsPruned   int           // Empty shard directories removed
	Duration       time.Duration // Wall time of the sweep
}

// GarbageCollector deletes chunk files that no reference covers. It is the
// coarse safety net behind RefCounter's immediate deletion, for drift such as
// a crash between storing chunks and committing the file metadata.
type GarbageCollector struct {
	store   *ChunkStore
	logger  zerolog.Logger
	metrics *Metrics
}

// NewGarbageCollector creates a collector over store and its RefCounter.
func NewGarbageCollector(store *ChunkStore, logger zerolog.Logger, metrics *Metrics) *GarbageCollector {
	return &GarbageCollector{
		store:   store,
		logger:  logger,
		metrics: metrics,
	}
}

// Sweep snapshots the live reference set, walks every chunk file and
// deletes those whose hash is not in the snapshot.
//
// Stores are paused for the duration of the sweep, so a chunk stored
// concurrently is either fully referenced before the snapshot or written
// after the walk; it can never be mistaken for an orphan.
func (gc *GarbageCollector) Sweep(ctx context.Context) (GCStats, error) {
	var stats GCStats
	start := time.Now()

	err := gc.store.exclusive(func() error {
		live := gc.store.refs.Snapshot()

		walkErr := gc.store.dir.walk(ctx, func(e chunkEntry) error {
			stats.Scanned++
			if _, referenced := live[e.hash]; referenced {
				return nil
			}
			// Delete the walked path, not the derived one: a stray file in the
			// wrong shard or with an uppercase name lives elsewhere.
			removed, err := gc.store.dir.removePath(e.path)
			if err != nil {
				gc.logger.Warn().Err(err).Str("hash", e.hash.Short()).Msg("Failed to delete orphaned chunk")
				stats.Skipped++
				return nil
			}
			if !removed {
				return nil
			}
			stats.Removed++
			stats.BytesReclaimed += e.size
			gc.logger.Debug().Str("hash", e.hash.Short()).Int64("bytes", e.size).Msg("Deleted orphaned chunk")
			return nil
		}, func(path string, err error) {
			stats.Skipped++
			gc.logger.Debug().Err(err).Str("path", path).Msg("Skipping chunk entry")
		})
		if walkErr != nil {
			return walkErr
		}

		stats.ShardsPruned = gc.store.dir.pruneEmptyShards()
		return nil
	})

	stats.Duration = time.Since(start)
	gc.metrics.recordDelete("gc", stats.Removed)
	gc.metrics.observeSweep(stats.Duration.Seconds())

	if err != nil {
		return stats, err
	}

	gc.logger.Info().
		Int("removed", stats.Removed).
		Int64("bytes_reclaimed", stats.BytesReclaimed).
		Int("scanned", stats.Scanned).
		Int("skipped", stats.Skipped).
		Dur("duration", stats.Duration).
		Msg("Garbage collection sweep complete")
	return stats, nil
}

// Run sweeps every interval until ctx is done.
func (gc *GarbageCollector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := gc.Sweep(ctx); err != nil && ctx.Err() == nil {
				gc.logger.Error().Err(err).Msg("Garbage collection sweep failed")
			}
		}
	}
}
