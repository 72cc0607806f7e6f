package tree

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spektr-org/kpitree/logging"
	"github.com/spektr-org/kpitree/observability"
)

// ============================================================================
// MANAGER TESTS
// ============================================================================

func newTestManager(t *testing.T, opts ...Option) (*Manager, *fakeQueries, *fakeCatalog) {
	t.Helper()
	q := newFakeQueries()
	c := &fakeCatalog{dims: append([]string(nil), taxiDims...)}
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	return NewManager(q, c, opts...), q, c
}

// readyManager has the catalog loaded and total_amount as the metric.
func readyManager(t *testing.T, opts ...Option) (*Manager, *fakeQueries, *fakeCatalog) {
	t.Helper()
	m, q, c := newTestManager(t, opts...)
	ctx := context.Background()
	require.NoError(t, m.LoadCatalog(ctx))
	require.NoError(t, m.SetMetric(ctx, "total_amount"))
	q.Reset()
	return m, q, c
}

// drillPath builds [root, borough, vendor_id] with path [borough=Manhattan].
func drillPath(t *testing.T, m *Manager) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, m.FetchSplit(ctx, "borough"))
	_, err := m.Drill("Manhattan")
	require.NoError(t, err)
	require.NoError(t, m.FetchSplit(ctx, "vendor_id"))
}

func dims(s Snapshot) []string {
	var out []string
	for _, l := range s.Levels[1:] {
		out = append(out, l.Dimension)
	}
	return out
}

func requireValid(t *testing.T, s Snapshot) {
	t.Helper()
	require.NoError(t, s.Validate())
}

func TestRootNeedsCatalogAndMetric(t *testing.T) {
	ctx := context.Background()

	t.Run("metric first", func(t *testing.T) {
		m, q, _ := newTestManager(t)
		require.NoError(t, m.SetMetric(ctx, "total_amount"))
		assert.Empty(t, m.Snapshot().Levels)
		assert.Empty(t, q.Calls())

		require.NoError(t, m.LoadCatalog(ctx))
		s := m.Snapshot()
		requireValid(t, s)
		require.Len(t, s.Levels, 1)
		assert.Equal(t, Level{Dimension: "total_amount", Items: []Item{{Category: "Total", Value: 150}}}, s.Levels[0])
		assert.Equal(t, taxiDims, s.AvailableDims)
		assert.Equal(t, "", s.CurrentDim)
	})

	t.Run("catalog first", func(t *testing.T) {
		m, q, _ := newTestManager(t, WithRootLabel("All trips"))
		require.NoError(t, m.LoadCatalog(ctx))
		assert.Empty(t, q.Calls())

		require.NoError(t, m.SetMetric(ctx, "trip_distance"))
		s := m.Snapshot()
		requireValid(t, s)
		assert.Equal(t, "All trips", s.Levels[0].Items[0].Category)
		assert.InDelta(t, 28.0, s.Levels[0].Items[0].Value, 1e-9)
		assert.Equal(t, []call{{Op: "total", Metric: "trip_distance"}}, q.Calls())
	})
}

func TestFetchSplitNoOps(t *testing.T) {
	ctx := context.Background()

	m, q, _ := readyManager(t)
	before := m.Snapshot()
	require.NoError(t, m.FetchSplit(ctx, ""))
	assert.Equal(t, before, m.Snapshot())
	assert.Empty(t, q.Calls())

	noMetric, q2, _ := newTestManager(t)
	require.NoError(t, noMetric.LoadCatalog(ctx))
	require.NoError(t, noMetric.FetchSplit(ctx, "borough"))
	assert.Empty(t, noMetric.Snapshot().Levels)
	assert.Empty(t, q2.Calls())
}

func TestFetchSplitFromRoot(t *testing.T) {
	m, q, _ := readyManager(t)

	require.NoError(t, m.FetchSplit(context.Background(), "borough"))

	s := m.Snapshot()
	requireValid(t, s)
	require.Len(t, s.Levels, 2)
	assert.Equal(t, []Item{{"Manhattan", 60}, {"Queens", 50}, {"Brooklyn", 40}}, s.Levels[1].Items)
	assert.Equal(t, "borough", s.CurrentDim)
	assert.Equal(t, []string{"vendor_id", "payment_type"}, s.AvailableDims)
	assert.Empty(t, s.Path)
	assert.Equal(t, []call{{Op: "split", Metric: "total_amount", Dimension: "borough", Filters: FilterSet{}}}, q.Calls())
}

func TestDrillThenSplitFiltersByPath(t *testing.T) {
	m, q, _ := readyManager(t)
	drillPath(t, m)

	calls := q.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, FilterSet{"borough": "Manhattan"}, calls[1].Filters)

	s := m.Snapshot()
	requireValid(t, s)
	assert.Equal(t, []string{"borough", "vendor_id"}, dims(s))
	assert.Equal(t, []Item{{"1", 50}, {"2", 10}}, s.Levels[2].Items)
	assert.Equal(t, []PathSegment{{"borough", "Manhattan"}}, s.Path)
	assert.NotContains(t, s.AvailableDims, "vendor_id")
	assert.Equal(t, []string{"payment_type"}, s.AvailableDims)
	assert.Equal(t, FilterSet{"borough": "Manhattan"}, m.Filters())
}

func TestSetMetricReplaysHistory(t *testing.T) {
	m, q, _ := readyManager(t)
	drillPath(t, m)
	q.Reset()

	require.NoError(t, m.SetMetric(context.Background(), "trip_distance"))

	assert.Equal(t, []call{
		{Op: "total", Metric: "trip_distance"},
		{Op: "split", Metric: "trip_distance", Dimension: "borough", Filters: FilterSet{}},
		{Op: "split", Metric: "trip_distance", Dimension: "vendor_id", Filters: FilterSet{"borough": "Manhattan"}},
	}, q.Calls())

	s := m.Snapshot()
	requireValid(t, s)
	assert.Equal(t, "trip_distance", s.Metric)
	assert.Equal(t, "trip_distance", s.Levels[0].Dimension)
	assert.Equal(t, []string{"borough", "vendor_id"}, dims(s))
	assert.Equal(t, []PathSegment{{"borough", "Manhattan"}}, s.Path)
	assert.Equal(t, []Item{{"1", 6.5}, {"2", 1}}, s.Levels[2].Items)
	assert.False(t, s.Loading)
}

func TestRebuildIsIdempotent(t *testing.T) {
	m, _, _ := readyManager(t)
	drillPath(t, m)
	_, err := m.Drill("1")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.Rebuild(ctx))
	first := m.Snapshot()
	require.NoError(t, m.Rebuild(ctx))
	second := m.Snapshot()

	assert.Equal(t, first.Generation+1, second.Generation)
	first.Generation, second.Generation = 0, 0
	assert.Equal(t, first, second)
	assert.Equal(t, []PathSegment{{"borough", "Manhattan"}, {"vendor_id", "1"}}, second.Path)
}

func TestCloseLevel(t *testing.T) {
	m, _, _ := readyManager(t)
	ctx := context.Background()
	drillPath(t, m)
	require.NoError(t, m.DrillInto(ctx, "1", "payment_type"))
	require.Len(t, m.Snapshot().Levels, 4)

	require.NoError(t, m.CloseLevel(2))

	s := m.Snapshot()
	requireValid(t, s)
	assert.Equal(t, []string{"borough"}, dims(s))
	assert.Equal(t, []PathSegment{{"borough", "Manhattan"}}, s.Path)
	assert.Equal(t, []string{"vendor_id", "payment_type"}, s.AvailableDims)
	assert.Equal(t, "borough", s.CurrentDim)

	// the retained path still allows splitting straight away
	require.NoError(t, m.FetchSplit(ctx, "payment_type"))
	assert.Equal(t, []string{"borough", "payment_type"}, dims(m.Snapshot()))
}

func TestCloseLevelOutOfRange(t *testing.T) {
	m, _, _ := readyManager(t)
	require.NoError(t, m.FetchSplit(context.Background(), "borough"))
	before := m.Snapshot()

	for _, idx := range []int{-1, 0, 2, 9} {
		err := m.CloseLevel(idx)
		assert.ErrorIs(t, err, ErrInvalidTransition, "index %d", idx)
	}
	assert.Equal(t, before, m.Snapshot())
}

func TestResetTree(t *testing.T) {
	m, q, _ := readyManager(t)
	drillPath(t, m)
	require.NoError(t, m.Select("1"))
	q.Reset()

	require.NoError(t, m.ResetTree(context.Background()))

	s := m.Snapshot()
	requireValid(t, s)
	assert.Len(t, s.Levels, 1)
	assert.Empty(t, s.Path)
	assert.Empty(t, s.PendingSelection)
	assert.Equal(t, taxiDims, s.AvailableDims)
	assert.Equal(t, []call{{Op: "total", Metric: "total_amount"}}, q.Calls())
}

func TestInvalidTransitionsLeaveStateUnchanged(t *testing.T) {
	ctx := context.Background()
	m, q, _ := readyManager(t)

	_, err := m.Drill("Manhattan")
	assert.ErrorIs(t, err, ErrInvalidTransition, "drill at root")
	assert.ErrorIs(t, m.Select("Manhattan"), ErrInvalidTransition, "select at root")

	root := m.Snapshot()
	path, err := m.Drill("")
	require.NoError(t, err, "empty drill at root is a no-op")
	assert.Empty(t, path)
	assert.Equal(t, root, m.Snapshot())

	require.NoError(t, m.FetchSplit(ctx, "borough"))
	before := m.Snapshot()
	q.Reset()

	assert.ErrorIs(t, m.FetchSplit(ctx, "borough"), ErrInvalidTransition, "duplicate dimension")
	assert.ErrorIs(t, m.FetchSplit(ctx, "vendor_id"), ErrInvalidTransition, "split from open level")
	assert.ErrorIs(t, m.FetchSplit(ctx, "zone"), ErrInvalidTransition, "dimension outside catalog")
	assert.ErrorIs(t, m.Select("Bronx"), ErrInvalidTransition, "unknown category")
	_, err = m.Drill("Bronx")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.Equal(t, before, m.Snapshot())
	assert.Empty(t, q.Calls())
}

func TestDrillUsesPendingSelection(t *testing.T) {
	m, _, _ := readyManager(t)
	require.NoError(t, m.FetchSplit(context.Background(), "borough"))

	path, err := m.Drill("")
	require.NoError(t, err)
	assert.Empty(t, path, "nothing selected is a no-op")

	require.NoError(t, m.Select("Queens"))
	assert.Equal(t, "Queens", m.Snapshot().PendingSelection)

	path, err = m.Drill("")
	require.NoError(t, err)
	assert.Equal(t, []PathSegment{{"borough", "Queens"}}, path)
	assert.Empty(t, m.Snapshot().PendingSelection)

	// re-drilling the same level replaces its segment
	path, err = m.Drill("Brooklyn")
	require.NoError(t, err)
	assert.Equal(t, []PathSegment{{"borough", "Brooklyn"}}, path)
	requireValid(t, m.Snapshot())
}

func TestSplitFailureRestoresState(t *testing.T) {
	m, q, _ := readyManager(t)
	ctx := context.Background()
	require.NoError(t, m.FetchSplit(ctx, "borough"))
	before := m.Snapshot()

	q.SetFail(func(c call) bool { return c.Op == "split" })
	_, err := m.Drill("Manhattan")
	require.NoError(t, err)
	afterDrill := m.Snapshot()

	err = m.FetchSplit(ctx, "vendor_id")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQueryFailed)
	assert.ErrorIs(t, err, errBackend)
	var qe *QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "split", qe.Op)
	assert.Equal(t, "vendor_id", qe.Dimension)

	s := m.Snapshot()
	assert.ErrorIs(t, s.Err, ErrQueryFailed)
	s.Err = nil
	assert.Equal(t, afterDrill, s)
	assert.Len(t, before.Levels, 2)

	// still usable
	q.SetFail(nil)
	require.NoError(t, m.FetchSplit(ctx, "vendor_id"))
	assert.NoError(t, m.Snapshot().Err)
}

func TestDrillIntoRollsBackOnFailure(t *testing.T) {
	m, q, _ := readyManager(t)
	ctx := context.Background()
	require.NoError(t, m.FetchSplit(ctx, "borough"))
	before := m.Snapshot()

	q.SetFail(func(c call) bool { return c.Op == "split" })
	err := m.DrillInto(ctx, "Queens", "vendor_id")
	assert.ErrorIs(t, err, ErrQueryFailed)

	s := m.Snapshot()
	s.Err = nil
	assert.Equal(t, before, s)
	assert.Empty(t, s.Path)

	q.SetFail(nil)
	require.NoError(t, m.DrillInto(ctx, "Queens", "vendor_id"))
	s = m.Snapshot()
	assert.Equal(t, []PathSegment{{"borough", "Queens"}}, s.Path)
	assert.Equal(t, FilterSet{"borough": "Queens"}, q.Calls()[len(q.Calls())-1].Filters)
}

func TestSetMetricFailureKeepsPreviousTree(t *testing.T) {
	m, q, _ := readyManager(t)
	drillPath(t, m)
	before := m.Snapshot()

	q.SetFail(func(c call) bool { return c.Metric == "trip_distance" && c.Dimension == "vendor_id" })
	err := m.SetMetric(context.Background(), "trip_distance")
	assert.ErrorIs(t, err, ErrQueryFailed)

	s := m.Snapshot()
	assert.Equal(t, "total_amount", s.Metric)
	assert.False(t, s.Loading)
	s.Err = nil
	assert.Equal(t, before, s)
}

func TestCatalogUnavailableIsRetryable(t *testing.T) {
	m, _, c := newTestManager(t)
	ctx := context.Background()
	c.Set(nil, errBackend)

	err := m.LoadCatalog(ctx)
	assert.ErrorIs(t, err, ErrCatalogUnavailable)
	assert.ErrorIs(t, err, errBackend)
	assert.False(t, m.Snapshot().CatalogLoaded)

	assert.ErrorIs(t, m.Rebuild(ctx), ErrNoMetric)
	require.NoError(t, m.SetMetric(ctx, "total_amount"))
	assert.ErrorIs(t, m.Rebuild(ctx), ErrCatalogNotLoaded)
	assert.ErrorIs(t, m.FetchSplit(ctx, "borough"), ErrCatalogNotLoaded)

	c.Set(taxiDims, nil)
	require.NoError(t, m.LoadCatalog(ctx))
	s := m.Snapshot()
	requireValid(t, s)
	assert.True(t, s.CatalogLoaded)
	assert.Len(t, s.Levels, 1)
}

func TestCatalogReloadDropsVanishedDimensions(t *testing.T) {
	m, q, c := readyManager(t)
	ctx := context.Background()
	drillPath(t, m)
	_, err := m.Drill("1")
	require.NoError(t, err)
	require.NoError(t, m.FetchSplit(ctx, "payment_type"))

	c.Set([]string{"borough", "payment_type", "borough", ""}, nil)
	q.Reset()
	require.NoError(t, m.LoadCatalog(ctx))

	s := m.Snapshot()
	requireValid(t, s)
	assert.Equal(t, []string{"borough", "payment_type"}, s.AllDims)
	assert.Equal(t, []string{"borough"}, dims(s))
	assert.Equal(t, []PathSegment{{"borough", "Manhattan"}}, s.Path)
	assert.Equal(t, []string{"payment_type"}, s.AvailableDims)
	assert.Len(t, q.Calls(), 2)
}

func TestNewerSetMetricSupersedesRebuild(t *testing.T) {
	m, q, _ := readyManager(t)
	drillPath(t, m)

	started := make(chan struct{})
	var once sync.Once
	q.SetHook(func(ctx context.Context, c call) error {
		if c.Metric != "trip_distance" || c.Op != "split" {
			return nil
		}
		once.Do(func() { close(started) })
		<-ctx.Done()
		return ctx.Err()
	})

	errc := make(chan error, 1)
	go func() { errc <- m.SetMetric(context.Background(), "trip_distance") }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first rebuild never reached its split")
	}

	require.NoError(t, m.SetMetric(context.Background(), "passenger_count"))

	stale := <-errc
	assert.ErrorIs(t, stale, ErrSuperseded)
	assert.True(t, IsSuperseded(stale))

	s := m.Snapshot()
	requireValid(t, s)
	assert.Equal(t, "passenger_count", s.Metric)
	assert.Equal(t, []string{"borough", "vendor_id"}, dims(s))
	assert.Equal(t, m.Generation(), s.Generation)
}

func TestSupersededBeforeLock(t *testing.T) {
	m, _, _ := readyManager(t)

	// Hold the op lock so the first SetMetric queues behind it.
	require.NoError(t, m.acquire(context.Background()))
	errc := make(chan error, 1)
	go func() { errc <- m.SetMetric(context.Background(), "trip_distance") }()

	require.Eventually(t, func() bool { return m.Generation() >= 2 }, 5*time.Second, time.Millisecond)
	go func() {
		time.Sleep(10 * time.Millisecond)
		m.release()
	}()
	require.NoError(t, m.SetMetric(context.Background(), "passenger_count"))

	assert.ErrorIs(t, <-errc, ErrSuperseded)
	assert.Equal(t, "passenger_count", m.Snapshot().Metric)
}

func TestSetMetricDuringFirstCatalogLoad(t *testing.T) {
	m, _, c := newTestManager(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	c.SetHook(func(ctx context.Context) error {
		close(entered)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	loadErr := make(chan error, 1)
	go func() { loadErr <- m.LoadCatalog(context.Background()) }()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("catalog fetch never started")
	}

	metricErr := make(chan error, 1)
	go func() { metricErr <- m.SetMetric(context.Background(), "total_amount") }()
	require.Eventually(t, func() bool { return m.Generation() == 1 }, 5*time.Second, time.Millisecond)
	close(release)

	require.NoError(t, <-loadErr)
	require.NoError(t, <-metricErr)

	s := m.Snapshot()
	requireValid(t, s)
	assert.True(t, s.CatalogLoaded)
	assert.Equal(t, "total_amount", s.Metric)
	require.Len(t, s.Levels, 1)
	assert.Equal(t, 150.0, s.Levels[0].Items[0].Value)
	assert.Equal(t, taxiDims, s.AvailableDims)
}

func TestCatalogReloadDuringSetMetric(t *testing.T) {
	m, q, c := readyManager(t)
	drillPath(t, m)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	q.SetHook(func(ctx context.Context, cl call) error {
		if cl.Metric != "trip_distance" {
			return nil
		}
		once.Do(func() { close(started) })
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	metricErr := make(chan error, 1)
	go func() { metricErr <- m.SetMetric(context.Background(), "trip_distance") }()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("rebuild never reached its first query")
	}

	loadErr := make(chan error, 1)
	go func() { loadErr <- m.LoadCatalog(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.NoError(t, <-metricErr)
	require.NoError(t, <-loadErr)
	assert.Equal(t, 2, c.Calls())

	s := m.Snapshot()
	requireValid(t, s)
	assert.Equal(t, "trip_distance", s.Metric)
	assert.Equal(t, []string{"borough", "vendor_id"}, dims(s))
	assert.Equal(t, []PathSegment{{"borough", "Manhattan"}}, s.Path)
	assert.InDelta(t, 28.0, s.Levels[0].Items[0].Value, 1e-9)
}

func TestSubscribersSeeProgressiveSnapshots(t *testing.T) {
	m, _, _ := readyManager(t)
	drillPath(t, m)

	var got []Snapshot
	unsubscribe := m.Subscribe(func(s Snapshot) { got = append(got, s) })

	require.NoError(t, m.SetMetric(context.Background(), "trip_distance"))

	// loading(prev) + root + 2 levels + final
	require.Len(t, got, 5)
	for i, s := range got {
		require.NoError(t, s.Validate(), "snapshot %d", i)
	}
	assert.True(t, got[0].Loading)
	assert.Equal(t, "total_amount", got[0].Metric)
	assert.Len(t, got[1].Levels, 1)
	assert.Len(t, got[2].Levels, 2)
	assert.Len(t, got[3].Levels, 3)
	assert.True(t, got[3].Loading)
	assert.False(t, got[4].Loading)

	unsubscribe()
	require.NoError(t, m.CloseLevel(1))
	assert.Len(t, got, 5)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	m, _, _ := readyManager(t)
	drillPath(t, m)

	s := m.Snapshot()
	s.Levels[1].Items[0].Value = -1
	s.Path[0].Value = "Queens"
	s.AvailableDims[0] = "zone"

	fresh := m.Snapshot()
	assert.Equal(t, 60.0, fresh.Levels[1].Items[0].Value)
	assert.Equal(t, "Manhattan", fresh.Path[0].Value)
	assert.Equal(t, "payment_type", fresh.AvailableDims[0])
}

func TestMetricsRecorded(t *testing.T) {
	metrics := observability.NewTreeMetrics(prometheus.NewRegistry())
	m, _, _ := readyManager(t, WithMetrics(metrics))
	drillPath(t, m)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.OperationsTotal.WithLabelValues("fetch_split", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Depth))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.OperationsTotal.WithLabelValues("set_metric", "ok")))

	_ = m.CloseLevel(0)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.OperationsTotal.WithLabelValues("close_level", "error")))
}

func TestErrorsMatchSentinels(t *testing.T) {
	ce := &CatalogError{Err: errBackend}
	assert.True(t, errors.Is(ce, ErrCatalogUnavailable))
	assert.Contains(t, ce.Error(), "backend down")

	qe := &QueryError{Op: "split", Metric: "total_amount", Dimension: "borough", Err: errBackend}
	assert.True(t, errors.Is(qe, ErrQueryFailed))
	assert.Equal(t, "tree: split of total_amount by borough: backend down", qe.Error())
}
