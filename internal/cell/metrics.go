package cell

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// cellMetricsOnce ensures metrics are only registered once per process.
var cellMetricsOnce sync.Once

var cellMetricsInstance *Metrics

// Metrics holds the Prometheus metrics for the storage core.
type Metrics struct {
	ChunkWrites    prometheus.Counter     // hiveflow_cell_chunk_writes_total
	DedupHits      prometheus.Counter     // hiveflow_cell_dedup_hits_total
	BytesWritten   prometheus.Counter     // hiveflow_cell_bytes_written_total
	BytesRead      prometheus.Counter     // hiveflow_cell_bytes_read_total
	ChunksDeleted  *prometheus.CounterVec // hiveflow_cell_chunks_deleted_total{path}
	LiveReferences prometheus.Gauge       // hiveflow_cell_live_references
	SweepDuration  prometheus.Histogram   // hiveflow_cell_gc_sweep_duration_seconds
	MetadataOps    *prometheus.CounterVec // hiveflow_cell_metadata_ops_total{op,source}
}

// InitMetrics registers the storage metrics with registry (the default
// registerer when nil). Subsequent calls return the same instance.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	cellMetricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		f := promauto.With(registry)
		cellMetricsInstance = &Metrics{
			ChunkWrites: f.NewCounter(prometheus.CounterOpts{
				Name: "hiveflow_cell_chunk_writes_total",
				Help: "Chunk payloads written to disk",
			}),
			DedupHits: f.NewCounter(prometheus.CounterOpts{
				Name: "hiveflow_cell_dedup_hits_total",
				Help: "Chunk stores skipped because the content already existed",
			}),
			BytesWritten: f.NewCounter(prometheus.CounterOpts{
				Name: "hiveflow_cell_bytes_written_total",
				Help: "Chunk bytes written to disk",
			}),
			BytesRead: f.NewCounter(prometheus.CounterOpts{
				Name: "hiveflow_cell_bytes_read_total",
				Help: "Chunk bytes read from disk",
			}),
			ChunksDeleted: f.NewCounterVec(prometheus.CounterOpts{
				Name: "hiveflow_cell_chunks_deleted_total",
				Help: "Chunk files deleted by reclamation path",
			}, []string{"path"}),
			LiveReferences: f.NewGauge(prometheus.GaugeOpts{
				Name: "hiveflow_cell_live_references",
				Help: "Distinct chunk hashes with a positive reference count",
			}),
			SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
				Name:    "hiveflow_cell_gc_sweep_duration_seconds",
				Help:    "Garbage collection sweep duration in seconds",
				Buckets: prometheus.DefBuckets,
			}),
			MetadataOps: f.NewCounterVec(prometheus.CounterOpts{
				Name: "hiveflow_cell_metadata_ops_total",
				Help: "Metadata index operations by op and source",
			}, []string{"op", "source"}),
		}
	})
	return cellMetricsInstance
}

// GetMetrics returns the metrics instance, or nil before InitMetrics.
func GetMetrics() *Metrics {
	return cellMetricsInstance
}

// The recorders below accept a nil receiver so components work without
// metrics wired in.

func (m *Metrics) recordWrite(n int) {
	if m == nil {
		return
	}
	m.ChunkWrites.Inc()
	m.BytesWritten.Add(float64(n))
}

func (m *Metrics) recordDedup() {
	if m == nil {
		return
	}
	m.DedupHits.Inc()
}

func (m *Metrics) recordRead(n int) {
	if m == nil {
		return
	}
	m.BytesRead.Add(float64(n))
}

func (m *Metrics) recordDelete(path string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ChunksDeleted.WithLabelValues(path).Add(float64(n))
}

func (m *Metrics) setLive(n int) {
	if m == nil {
		return
	}
	m.LiveReferences.Set(float64(n))
}

func (m *Metrics) observeSweep(seconds float64) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(seconds)
}

func (m *Metrics) recordMetadata(op, source string) {
	if m == nil {
		return
	}
	m.MetadataOps.WithLabelValues(op, source).Inc()
}
