package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/hiveflow/hiveflow/internal/cell"
)

// StatsSource provides a storage stats snapshot.
type StatsSource interface {
	Stats(ctx context.Context) (cell.Stats, error)
}

// Collector periodically copies storage stats into NodeMetrics.
type Collector struct {
	metrics *NodeMetrics
	source  StatsSource
	logger  zerolog.Logger
}

// NewCollector creates a new metrics collector.
func NewCollector(m *NodeMetrics, source StatsSource, logger zerolog.Logger) *Collector {
	return &Collector{
		metrics: m,
		source:  source,
		logger:  logger,
	}
}

// Collect updates all metrics from the current state.
func (c *Collector) Collect(ctx context.Context) {
	st, err := c.source.Stats(ctx)
	if err != nil {
		c.metrics.CollectErrors.Inc()
		c.logger.Warn().Err(err).Msg("Failed to collect storage stats")
		return
	}
	c.metrics.ChunkFiles.Set(float64(st.ChunkFiles))
	c.metrics.ChunkBytes.Set(float64(st.ChunkBytes))
	c.metrics.LiveRefs.Set(float64(st.LiveRefs))
	c.metrics.MetadataFiles.Set(float64(st.MetadataFiles))
	c.metrics.CachedFiles.Set(float64(st.CachedFiles))
}

// Run starts periodic metric collection.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}
