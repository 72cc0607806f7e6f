package tree

import (
	"context"
	"errors"
	"slices"
	"time"
)

// ============================================================================
// REBUILD: replays the drill history against the active metric
// ============================================================================
// Steps:
//   1. Capture the non-root dimensions (dimsToReplay) and the path
//   2. Fetch the root total with no filters → publish [root]
//   3. For level k+1, fetch the split of dimsToReplay[k] under path[:k],
//      append it, restore path[k] if it existed → publish
//   4. Commit; availableDims and currentDim follow from the level list
//
// Each level is requested only after the previous one is applied. Work
// happens on a copy: a failure republishes the committed state untouched.
// ============================================================================

// LoadCatalog fetches the dimension catalog. If a metric is set it then
// rebuilds the tree; levels whose dimension is no longer in the catalog are
// dropped together with every deeper level. Safe to call again to reload.
//
// A load never supersedes and is never superseded: it queues on the op lock
// like a structural edit, so a metric change issued meanwhile runs after it
// against the freshly loaded catalog.
func (m *Manager) LoadCatalog(ctx context.Context) error {
	if err := m.acquire(ctx); err != nil {
		m.recordOp("load_catalog", err)
		return err
	}
	defer m.release()

	err := m.loadCatalogLocked(ctx)
	m.recordOp("load_catalog", err)
	return err
}

func (m *Manager) loadCatalogLocked(ctx context.Context) error {
	prev := m.current()

	dims, err := m.catalog.FetchAvailableDimensions(ctx)
	if err != nil {
		ce := &CatalogError{Err: err}
		m.log.Warn("catalog unavailable", "error", err)
		m.restore(prev, ce)
		return ce
	}

	w := prev.clone()
	w.allDims = normalizeDims(dims)
	w.catalogOK = true
	m.log.Info("catalog loaded", "dims", len(w.allDims))

	if w.metric == "" {
		w.err = nil
		m.publish(w)
		return nil
	}
	return m.rebuildLocked(ctx, m.gen.Load(), neverStale, prev, w)
}

// SetMetric switches the active metric. With the catalog loaded it rebuilds
// the whole tree for the new metric, keeping the analyst's dimensions and
// selections. A newer SetMetric cancels this one, which then returns
// ErrSuperseded. On failure the previous metric and tree stay in place.
func (m *Manager) SetMetric(ctx context.Context, metric string) error {
	if metric == "" {
		return ErrNoMetric
	}
	rctx, gen, done := m.startGeneration(ctx)
	defer done()
	if err := m.acquireGen(rctx, gen); err != nil {
		m.recordOp("set_metric", err)
		return err
	}
	defer m.release()

	prev := m.current()
	w := prev.clone()
	w.metric = metric
	m.log.Info("metric changed", "from", prev.metric, "to", metric)

	var err error
	if w.catalogOK {
		err = m.rebuildLocked(rctx, gen, m.staleAfter(gen), prev, w)
	} else {
		w.generation = gen
		m.publish(w)
	}
	m.recordOp("set_metric", err)
	return err
}

// Rebuild re-derives every level for the current metric.
func (m *Manager) Rebuild(ctx context.Context) error {
	rctx, gen, done := m.startGeneration(ctx)
	defer done()
	if err := m.acquireGen(rctx, gen); err != nil {
		m.recordOp("rebuild", err)
		return err
	}
	defer m.release()

	prev := m.current()
	var err error
	switch {
	case prev.metric == "":
		err = ErrNoMetric
	case !prev.catalogOK:
		err = ErrCatalogNotLoaded
	default:
		err = m.rebuildLocked(rctx, gen, m.staleAfter(gen), prev, prev.clone())
	}
	m.recordOp("rebuild", err)
	return err
}

// rebuildLocked replays prev's levels onto w (which carries the metric and
// catalog to rebuild with) and commits w, or restores prev. stale reports
// whether a newer generation took over.
func (m *Manager) rebuildLocked(ctx context.Context, gen uint64, stale func() bool, prev, w state) error {
	start := time.Now()
	dims := replayDims(prev.levels, w.allDims)
	path := slices.Clone(prev.path[:min(len(prev.path), len(dims))])
	pending := prev.pending

	loading := prev.clone()
	loading.loading = true
	m.publish(loading)

	m.log.Info("rebuild started", "metric", w.metric, "dims", dims, "path", path, "generation", gen)

	total, err := m.fetchTotal(ctx, w.metric)
	if err := m.checkStep(gen, stale, prev, err, &QueryError{Op: "total", Metric: w.metric}); err != nil {
		return err
	}

	w.levels = []Level{m.rootLevel(w.metric, total)}
	w.path = nil
	w.pending = ""
	w.loading = true
	w.generation = gen
	m.publish(w)

	for k, dim := range dims {
		filters := FiltersFromPath(w.path)
		items, err := m.fetchSplit(ctx, w.metric, dim, filters)
		if err := m.checkStep(gen, stale, prev, err, &QueryError{Op: "split", Metric: w.metric, Dimension: dim}); err != nil {
			return err
		}
		w.levels = append(w.levels, Level{Dimension: dim, Items: items})
		if k < len(path) {
			w.path = append(w.path, path[k])
		}
		m.publish(w)
		m.log.Debug("rebuild level applied", "level", k+1, "dimension", dim, "filters", filters)
	}

	last := w.levels[len(w.levels)-1]
	if len(w.levels) > 1 && last.Dimension == currentDim(prev.levels) && last.HasCategory(pending) {
		w.pending = pending
	}
	w.loading = false
	w.err = nil
	m.publish(w)

	m.metrics.RecordRebuild(time.Since(start))
	m.metrics.SetDepth(len(w.levels) - 1)
	m.log.Info("rebuild done", "metric", w.metric, "depth", len(w.levels)-1, "elapsed", time.Since(start))
	return nil
}

// checkStep decides whether a rebuild may continue after a query returned.
// A stale generation wins over any query error.
func (m *Manager) checkStep(gen uint64, stale func() bool, prev state, err error, qe *QueryError) error {
	if stale() {
		m.log.Info("rebuild superseded", "generation", gen)
		m.restore(prev, nil)
		return ErrSuperseded
	}
	if err == nil {
		return nil
	}
	qe.Err = err
	m.log.Warn("rebuild failed", "metric", qe.Metric, "op", qe.Op, "dimension", qe.Dimension, "error", err)
	m.restore(prev, qe)
	return qe
}

// replayDims returns the non-root dimensions of levels, cut at the first one
// missing from the catalog.
func replayDims(levels []Level, catalog []string) []string {
	var dims []string
	for i := 1; i < len(levels); i++ {
		if !slices.Contains(catalog, levels[i].Dimension) {
			break
		}
		dims = append(dims, levels[i].Dimension)
	}
	return dims
}

// normalizeDims drops blanks and duplicates, keeping catalog order.
func normalizeDims(dims []string) []string {
	out := make([]string, 0, len(dims))
	for _, d := range dims {
		if d == "" || slices.Contains(out, d) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// ── Generations ────────────────────────────────────────────────────────

// startGeneration cancels any in-flight rebuild and returns the context and
// generation for a new one. done must be called when the rebuild returns.
func (m *Manager) startGeneration(ctx context.Context) (context.Context, uint64, func()) {
	rctx, cancel := context.WithCancel(ctx)

	m.cancelMu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	gen := m.gen.Add(1)
	m.cancel = cancel
	m.cancelMu.Unlock()

	return rctx, gen, func() {
		m.cancelMu.Lock()
		if m.gen.Load() == gen {
			m.cancel = nil
		}
		m.cancelMu.Unlock()
		cancel()
	}
}

func (m *Manager) stale(gen uint64) bool { return m.gen.Load() != gen }

func (m *Manager) staleAfter(gen uint64) func() bool {
	return func() bool { return m.stale(gen) }
}

func neverStale() bool { return false }

// acquireGen takes the op lock for a rebuild, reporting ErrSuperseded if a
// newer generation started while it waited.
func (m *Manager) acquireGen(ctx context.Context, gen uint64) error {
	if err := m.acquire(ctx); err != nil {
		if m.stale(gen) {
			return ErrSuperseded
		}
		return err
	}
	if m.stale(gen) {
		m.release()
		return ErrSuperseded
	}
	return nil
}

// Generation returns the number of metric changes and explicit rebuilds
// started so far. Catalog loads do not start a generation.
func (m *Manager) Generation() uint64 { return m.gen.Load() }

// IsSuperseded reports whether err means a newer rebuild took over.
func IsSuperseded(err error) bool { return errors.Is(err, ErrSuperseded) }
