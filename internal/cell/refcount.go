package cell

import (
	"sync"

	"github.com/rs/zerolog"
)

// RefCounter tracks how many files depend on each chunk hash and deletes a
// chunk's bytes the moment its last reference is released.
type RefCounter struct {
	dir     *chunkDir
	logger  zerolog.Logger
	metrics *Metrics

	mu     sync.RWMutex
	counts map[Hash]uint32 // never holds a zero count
}

func newRefCounter(dir *chunkDir, logger zerolog.Logger, metrics *Metrics) *RefCounter {
	return &RefCounter{
		dir:     dir,
		logger:  logger,
		metrics: metrics,
		counts:  make(map[Hash]uint32),
	}
}

// Increment adds one reference to h, inserting it at 1 when absent.
func (r *RefCounter) Increment(h Hash) {
	r.mu.Lock()
	r.counts[h]++
	live := len(r.counts)
	r.mu.Unlock()

	r.metrics.setLive(live)
}

// Decrement releases one reference to h. When the count reaches zero the
// entry is removed and the chunk file deleted. Decrementing a hash with no
// entry is a no-op.
//
// The file is removed while the table lock is held so that a concurrent
// Store of the same content either increments first (and the file stays)
// or observes the file gone and rewrites it.
func (r *RefCounter) Decrement(h Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	count, ok := r.counts[h]
	if !ok {
		return nil
	}
	if count > 1 {
		r.counts[h] = count - 1
		return nil
	}

	delete(r.counts, h)
	r.metrics.setLive(len(r.counts))

	if err := r.dir.remove(h); err != nil {
		r.logger.Error().Err(err).Str("hash", h.Short()).Msg("Failed to delete released chunk")
		return err
	}
	r.metrics.recordDelete("refcount", 1)
	r.logger.Debug().Str("hash", h.Short()).Msg("Chunk released and deleted")
	return nil
}

// Count returns the current reference count for h (0 when absent).
func (r *RefCounter) Count(h Hash) uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counts[h]
}

// Len returns the number of referenced hashes.
func (r *RefCounter) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.counts)
}

// Snapshot returns a point-in-time copy of the live set.
func (r *RefCounter) Snapshot() map[Hash]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	live := make(map[Hash]struct{}, len(r.counts))
	for h := range r.counts {
		live[h] = struct{}{}
	}
	return live
}

// reset replaces the whole table. Used when rebuilding from metadata.
func (r *RefCounter) reset(counts map[Hash]uint32) {
	r.mu.Lock()
	r.counts = counts
	live := len(r.counts)
	r.mu.Unlock()

	r.metrics.setLive(live)
}
