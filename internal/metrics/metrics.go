package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for ingest, fetch and sweep.
type Metrics struct {
	ingestTotal      *prometheus.CounterVec
	ingestBytes      prometheus.Counter
	ingestDuration   prometheus.Histogram
	chunksWritten    prometheus.Counter
	fetchTotal       *prometheus.CounterVec
	orphansReclaimed prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which tests rely on.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ingestTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memestream_ingest_total",
				Help: "Ingest attempts by result",
			},
			[]string{"result"},
		),
		ingestBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "memestream_ingest_bytes_total",
				Help: "Bytes committed by successful ingests",
			},
		),
		ingestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "memestream_ingest_duration_seconds",
				Help:    "Wall time of ingest calls",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
		),
		chunksWritten: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "memestream_chunks_written_total",
				Help: "Chunks persisted by committed ingests",
			},
		),
		fetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memestream_fetch_total",
				Help: "Blob fetches by result",
			},
			[]string{"result"},
		),
		orphansReclaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "memestream_orphans_reclaimed_total",
				Help: "Committed blobs deleted for lack of metadata",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.ingestTotal,
			m.ingestBytes,
			m.ingestDuration,
			m.chunksWritten,
			m.fetchTotal,
			m.orphansReclaimed,
		)
	}
	return m
}

// ObserveIngest records one ingest outcome. result is "ok" or a failure reason.
func (m *Metrics) ObserveIngest(result string, size int64, chunks int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ingestTotal.WithLabelValues(result).Inc()
	m.ingestDuration.Observe(elapsed.Seconds())
	if result == "ok" {
		m.ingestBytes.Add(float64(size))
		m.chunksWritten.Add(float64(chunks))
	}
}

// ObserveFetch records one fetch outcome.
func (m *Metrics) ObserveFetch(result string) {
	if m == nil {
		return
	}
	m.fetchTotal.WithLabelValues(result).Inc()
}

// AddOrphansReclaimed counts blobs removed by the sweep.
func (m *Metrics) AddOrphansReclaimed(n int) {
	if m == nil {
		return
	}
	m.orphansReclaimed.Add(float64(n))
}
