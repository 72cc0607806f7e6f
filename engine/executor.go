package engine

import (
	"errors"
	"fmt"
)

// ============================================================================
// EXECUTOR: Total / split dispatcher
// ============================================================================
// Entry point: Execute(query, view, opts...)
//
// Pipeline:
//   1. Resolve the metric (query → default measure)
//   2. Apply filters → SubView
//   3. Group by the split dimension (or a single root group)
//   4. Sum, sort value desc, limit
//
// All computation is local and read-only; views may be shared between
// concurrent callers.
// ============================================================================

// ErrUnknownMetric is returned when the view carries no such measure.
var ErrUnknownMetric = errors.New("engine: unknown metric")

// ErrUnknownDimension is returned when a split or filter names a dimension
// the view does not carry.
var ErrUnknownDimension = errors.New("engine: unknown dimension")

// keyedView is implemented by views that can answer membership questions
// without scanning (Dataset).
type keyedView interface {
	HasMeasure(key string) bool
	HasDimension(key string) bool
}

// Execute runs a Query against a RecordView.
func Execute(q Query, view RecordView, opts ...Option) (*Result, error) {
	cfg := applyOptions(opts)

	metric := q.Metric
	if metric == "" {
		metric = cfg.DefaultMeasure
	}
	if metric == "" {
		return nil, fmt.Errorf("%w: no metric given", ErrUnknownMetric)
	}

	if kv, ok := view.(keyedView); ok && view.Len() > 0 {
		if !kv.HasMeasure(metric) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownMetric, metric)
		}
		if q.SplitBy != "" && !kv.HasDimension(q.SplitBy) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDimension, q.SplitBy)
		}
		for dim := range q.Filters {
			if !kv.HasDimension(dim) {
				return nil, fmt.Errorf("%w: filter %s", ErrUnknownDimension, dim)
			}
		}
	}

	// 1. Filters → SubView (zero-copy)
	filtered := ApplyFilters(view, FiltersFromSelections(q.Filters))

	// 2. Group + aggregate
	limit := q.Limit
	if limit == 0 {
		limit = cfg.SplitLimit
	}
	groups := GroupAndAggregate(filtered, q.SplitBy, metric, limit, cfg.RootLabel)

	result := &Result{
		Metric:  metric,
		SplitBy: q.SplitBy,
		Groups:  groups,
		Matched: filtered.Len(),
	}
	for _, g := range groups {
		result.Total += g.Value
	}
	return result, nil
}

// Total is shorthand for an unsplit Execute returning the aggregate value.
func Total(view RecordView, metric string, filters map[string]string, opts ...Option) (float64, error) {
	res, err := Execute(Query{Metric: metric, Filters: filters}, view, opts...)
	if err != nil {
		return 0, err
	}
	return res.Total, nil
}

// Split is shorthand for Execute with a split dimension, value-descending.
func Split(view RecordView, metric, dimension string, filters map[string]string, opts ...Option) ([]Group, error) {
	if dimension == "" {
		return nil, fmt.Errorf("%w: empty split dimension", ErrUnknownDimension)
	}
	res, err := Execute(Query{Metric: metric, SplitBy: dimension, Filters: filters}, view, opts...)
	if err != nil {
		return nil, err
	}
	return res.Groups, nil
}
