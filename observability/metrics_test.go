package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTreeMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewTreeMetrics(reg)

	m.RecordOperation("fetch_split", "ok")
	m.RecordOperation("fetch_split", "ok")
	m.RecordQuery("split", 10*time.Millisecond, nil)
	m.RecordQuery("split", time.Millisecond, errors.New("boom"))
	m.SetDepth(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("fetch_split", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueriesTotal.WithLabelValues("split", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Depth))
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *TreeMetrics
	m.RecordOperation("reset", "ok")
	m.RecordQuery("total", time.Second, nil)
	m.RecordRebuild(time.Second)
	m.SetDepth(3)

	var h *HTTPMetrics
	h.Observe("/health", "GET", "200", time.Millisecond)
}

func TestHTTPMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewHTTPMetrics(reg)

	m.Observe("/api/split-data", "POST", "400", time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("/api/split-data", "POST", "400")))
}
