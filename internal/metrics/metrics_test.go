package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveIngest(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveIngest("ok", 2048, 2, 10*time.Millisecond)
	m.ObserveIngest("ok", 10, 1, time.Millisecond)
	m.ObserveIngest("blob_commit_failed", 0, 0, time.Millisecond)

	if got := testutil.ToFloat64(m.ingestTotal.WithLabelValues("ok")); got != 2 {
		t.Fatalf("ingest_total{ok} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ingestTotal.WithLabelValues("blob_commit_failed")); got != 1 {
		t.Fatalf("ingest_total{blob_commit_failed} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ingestBytes); got != 2058 {
		t.Fatalf("ingest_bytes_total = %v, want 2058", got)
	}
	if got := testutil.ToFloat64(m.chunksWritten); got != 3 {
		t.Fatalf("chunks_written_total = %v, want 3", got)
	}
	if n := testutil.CollectAndCount(reg, "memestream_ingest_duration_seconds"); n != 1 {
		t.Fatalf("duration histogram series = %d, want 1", n)
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.ObserveIngest("ok", 1, 1, time.Second)
	m.ObserveFetch("ok")
	m.AddOrphansReclaimed(3)
}

func TestUnregistered(t *testing.T) {
	t.Parallel()

	m := New(nil)
	m.ObserveFetch("not_found")
	m.AddOrphansReclaimed(2)
	if got := testutil.ToFloat64(m.fetchTotal.WithLabelValues("not_found")); got != 1 {
		t.Fatalf("fetch_total{not_found} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.orphansReclaimed); got != 2 {
		t.Fatalf("orphans_reclaimed_total = %v, want 2", got)
	}
}
