package tree

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spektr-org/kpitree/observability"
)

// ============================================================================
// MANAGER: the tree/path state machine
// ============================================================================
// Concurrency model:
//   - every mutating operation holds the op lock (a 1-slot semaphore that
//     honours ctx while waiting), so transitions never interleave
//   - snapshots are read under mu and always deep-copied
//   - metric changes and explicit rebuilds carry a generation; a newer one
//     cancels the older, which restores the committed state and returns
//     ErrSuperseded
//   - catalog loads take no generation and queue on the op lock
// ============================================================================

// state is the Manager's internal view. Only the op lock holder replaces it.
type state struct {
	metric     string
	levels     []Level
	path       []PathSegment
	allDims    []string
	catalogOK  bool
	pending    string
	loading    bool
	generation uint64
	err        error
}

func (s state) clone() state {
	c := s
	c.levels = make([]Level, len(s.levels))
	for i, l := range s.levels {
		c.levels[i] = l.clone()
	}
	c.path = slices.Clone(s.path)
	c.allDims = slices.Clone(s.allDims)
	return c
}

func (s state) snapshot() Snapshot {
	c := s.clone()
	return Snapshot{
		Metric:           c.metric,
		Levels:           c.levels,
		Path:             c.path,
		Loading:          c.loading,
		AvailableDims:    remainingDims(c.allDims, c.levels),
		AllDims:          c.allDims,
		CatalogLoaded:    c.catalogOK,
		CurrentDim:       currentDim(c.levels),
		PendingSelection: c.pending,
		Generation:       c.generation,
		Err:              c.err,
	}
}

// Manager owns one decomposition tree. Use NewManager; the zero value is
// not usable. Subscribers are called synchronously from the goroutine that
// performs the transition and must not call mutating Manager methods.
type Manager struct {
	queries   QueryService
	catalog   Catalog
	log       *slog.Logger
	metrics   *observability.TreeMetrics
	rootLabel string

	sem chan struct{}

	gen      atomic.Uint64
	cancelMu sync.Mutex
	cancel   context.CancelFunc

	mu sync.RWMutex
	st state

	subMu  sync.Mutex
	subs   []subscriber
	nextID int
}

// NewManager creates a Manager with no metric and no catalog. Call
// LoadCatalog and SetMetric (in either order) to build the root.
func NewManager(queries QueryService, catalog Catalog, opts ...Option) *Manager {
	m := &Manager{
		queries:   queries,
		catalog:   catalog,
		log:       slog.Default(),
		rootLabel: DefaultRootLabel,
		sem:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Snapshot returns a deep copy of the current state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.snapshot()
}

// Filters returns the FilterSet of the current path.
func (m *Manager) Filters() FilterSet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return FiltersFromPath(m.st.path)
}

// ── Selection & drilling (no queries) ──────────────────────────────────

// Select records a pending selection among the last level's categories.
// An empty value clears it.
func (m *Manager) Select(value string) error {
	if err := m.acquire(context.Background()); err != nil {
		return err
	}
	defer m.release()

	s := m.current()
	if value != "" {
		if len(s.levels) < 2 {
			return invalidf("nothing to select at the root")
		}
		last := s.levels[len(s.levels)-1]
		if !last.HasCategory(value) {
			return invalidf("%q is not a category of %s", value, last.Dimension)
		}
	}
	s.pending = value
	m.publish(s)
	return nil
}

// Drill commits value (or, when value is "", the pending selection) as the
// path segment of the last level. It issues no query. With nothing selected
// it is a no-op and returns the unchanged path. Drilling a level that
// already has a segment replaces it.
func (m *Manager) Drill(value string) ([]PathSegment, error) {
	if err := m.acquire(context.Background()); err != nil {
		return nil, err
	}
	defer m.release()

	s := m.current()
	changed, err := applyDrill(&s, value)
	if err != nil {
		m.recordOp("drill", err)
		return slices.Clone(s.path), err
	}
	if changed {
		m.publish(s)
		m.log.Info("drilled", "metric", s.metric, "path", s.path)
		m.recordOp("drill", nil)
	}
	return slices.Clone(s.path), nil
}

func applyDrill(s *state, value string) (bool, error) {
	if value == "" {
		value = s.pending
	}
	if value == "" {
		return false, nil
	}
	dim := currentDim(s.levels)
	if dim == "" {
		return false, invalidf("cannot drill at the root, split first")
	}
	last := s.levels[len(s.levels)-1]
	if !last.HasCategory(value) {
		return false, invalidf("%q is not a category of %s", value, dim)
	}

	seg := PathSegment{Dimension: dim, Value: value}
	idx := len(s.levels) - 2
	if len(s.path) > idx {
		s.path[idx] = seg
	} else {
		s.path = append(s.path, seg)
	}
	s.pending = ""
	return true, nil
}

// ── Splitting ──────────────────────────────────────────────────────────

// FetchSplit appends a level splitting the metric by dimension under the
// current path's filters. An empty dimension or an unset metric is a no-op.
// The last level must be committed (drilled) before a deeper split.
func (m *Manager) FetchSplit(ctx context.Context, dimension string) error {
	if dimension == "" {
		return nil
	}
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()

	s := m.current()
	if s.metric == "" {
		return nil
	}
	err := m.splitLocked(ctx, s, s.clone(), dimension)
	m.recordOp("fetch_split", err)
	return err
}

// DrillInto drills value at the last level and splits the result by
// dimension as one transition. If the split fails the drill is rolled back.
func (m *Manager) DrillInto(ctx context.Context, value, dimension string) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()

	prev := m.current()
	w := prev.clone()
	changed, err := applyDrill(&w, value)
	if err != nil {
		m.recordOp("drill_into", err)
		return err
	}
	if dimension == "" || w.metric == "" {
		if changed {
			m.publish(w)
		}
		return nil
	}
	err = m.splitLocked(ctx, prev, w, dimension)
	m.recordOp("drill_into", err)
	return err
}

// splitLocked validates and performs a split on w, restoring prev on failure.
func (m *Manager) splitLocked(ctx context.Context, prev, w state, dimension string) error {
	if !w.catalogOK || len(w.levels) == 0 {
		return ErrCatalogNotLoaded
	}
	for _, l := range w.levels[1:] {
		if l.Dimension == dimension {
			return invalidf("dimension %q is already split", dimension)
		}
	}
	if !slices.Contains(w.allDims, dimension) {
		return invalidf("dimension %q is not in the catalog", dimension)
	}
	if len(w.path) != len(w.levels)-1 {
		return invalidf("select a category of %s before splitting", currentDim(w.levels))
	}

	w.loading = true
	m.publish(w)

	filters := FiltersFromPath(w.path)
	items, err := m.fetchSplit(ctx, w.metric, dimension, filters)
	if err != nil {
		qe := &QueryError{Op: "split", Metric: w.metric, Dimension: dimension, Err: err}
		m.log.Warn("split failed", "metric", w.metric, "dimension", dimension, "filters", filters, "error", err)
		m.restore(prev, qe)
		return qe
	}

	w.levels = append(w.levels, Level{Dimension: dimension, Items: items})
	w.pending = ""
	w.loading = false
	w.err = nil
	m.publish(w)
	m.metrics.SetDepth(len(w.levels) - 1)
	m.log.Info("split fetched", "metric", w.metric, "dimension", dimension, "filters", filters, "categories", len(items))
	return nil
}

// ── Structural edits ───────────────────────────────────────────────────

// ResetTree collapses the tree to a freshly fetched root, clearing the path
// and the pending selection.
func (m *Manager) ResetTree(ctx context.Context) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()

	err := m.resetLocked(ctx)
	m.recordOp("reset", err)
	return err
}

func (m *Manager) resetLocked(ctx context.Context) error {
	prev := m.current()
	if prev.metric == "" {
		return ErrNoMetric
	}
	if !prev.catalogOK {
		return ErrCatalogNotLoaded
	}

	loading := prev.clone()
	loading.loading = true
	m.publish(loading)

	total, err := m.fetchTotal(ctx, prev.metric)
	if err != nil {
		qe := &QueryError{Op: "total", Metric: prev.metric, Err: err}
		m.log.Warn("reset failed", "metric", prev.metric, "error", err)
		m.restore(prev, qe)
		return qe
	}

	w := prev.clone()
	w.levels = []Level{m.rootLevel(w.metric, total)}
	w.path = nil
	w.pending = ""
	w.loading = false
	w.err = nil
	m.publish(w)
	m.metrics.SetDepth(0)
	m.log.Info("tree reset", "metric", w.metric, "total", total)
	return nil
}

// CloseLevel truncates the tree to its first levelIndex levels. Path
// segments survive only while their dimension remains among the non-root
// levels. The root cannot be closed; use ResetTree.
func (m *Manager) CloseLevel(levelIndex int) error {
	if err := m.acquire(context.Background()); err != nil {
		return err
	}
	defer m.release()

	s := m.current()
	if levelIndex < 1 || levelIndex >= len(s.levels) {
		err := invalidf("level index %d out of range [1, %d]", levelIndex, len(s.levels)-1)
		m.recordOp("close_level", err)
		return err
	}

	s.levels = s.levels[:levelIndex]
	kept := make(map[string]bool, len(s.levels))
	for _, l := range s.levels[1:] {
		kept[l.Dimension] = true
	}
	s.path = slices.DeleteFunc(s.path, func(seg PathSegment) bool { return !kept[seg.Dimension] })
	s.pending = ""
	m.publish(s)
	m.metrics.SetDepth(len(s.levels) - 1)
	m.recordOp("close_level", nil)
	m.log.Info("level closed", "index", levelIndex, "depth", len(s.levels)-1, "path", s.path)
	return nil
}

// ── Internals ──────────────────────────────────────────────────────────

func (m *Manager) acquire(ctx context.Context) error {
	select {
	case m.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) release() { <-m.sem }

// current returns a private copy of the committed state. Callers hold the
// op lock, so nothing replaces it underneath them.
func (m *Manager) current() state {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.clone()
}

// publish makes s the visible state and notifies subscribers.
func (m *Manager) publish(s state) {
	c := s.clone()
	m.mu.Lock()
	m.st = c
	snap := c.snapshot()
	m.mu.Unlock()
	m.notify(snap)
}

// restore republishes prev after a failed or superseded transition.
func (m *Manager) restore(prev state, err error) {
	r := prev.clone()
	r.loading = false
	if err != nil {
		r.err = err
	}
	m.publish(r)
}

func (m *Manager) rootLevel(metric string, total float64) Level {
	return Level{Dimension: metric, Items: []Item{{Category: m.rootLabel, Value: total}}}
}

func (m *Manager) fetchTotal(ctx context.Context, metric string) (float64, error) {
	start := time.Now()
	total, err := m.queries.FetchTotal(ctx, metric)
	m.metrics.RecordQuery("total", time.Since(start), err)
	m.log.Debug("total fetched", "metric", metric, "total", total, "error", err)
	return total, err
}

func (m *Manager) fetchSplit(ctx context.Context, metric, dimension string, filters FilterSet) ([]Item, error) {
	start := time.Now()
	items, err := m.queries.FetchSplit(ctx, metric, dimension, filters)
	m.metrics.RecordQuery("split", time.Since(start), err)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []Item{}
	}
	return slices.Clone(items), nil
}

func (m *Manager) recordOp(op string, err error) {
	status := "ok"
	switch {
	case errors.Is(err, ErrSuperseded):
		status = "superseded"
	case err != nil:
		status = "error"
	}
	m.metrics.RecordOperation(op, status)
}
