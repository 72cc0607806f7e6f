// Package tree implements the KPI decomposition tree: an ordered list of
// levels, each splitting the active metric by one dimension under the
// selections made at shallower levels, plus the path of those selections.
//
// A Manager owns that state, decides which aggregation query each
// transition issues, and replays the whole drill history when the metric
// changes. Presentations read Snapshots and never talk to the QueryService
// themselves.
package tree

import (
	"context"
	"fmt"
	"slices"
)

// ============================================================================
// COLLABORATORS
// ============================================================================

// QueryService answers the two aggregation questions the tree asks.
type QueryService interface {
	// FetchTotal returns the metric aggregated with no filters.
	FetchTotal(ctx context.Context, metric string) (float64, error)
	// FetchSplit returns the metric split by dimension under filters.
	FetchSplit(ctx context.Context, metric, dimension string, filters FilterSet) ([]Item, error)
}

// Catalog supplies the dimensions an analyst may drill by.
type Catalog interface {
	FetchAvailableDimensions(ctx context.Context) ([]string, error)
}

// ============================================================================
// DATA MODEL
// ============================================================================

// Item is one category of a level.
type Item struct {
	Category string  `json:"category"`
	Value    float64 `json:"value"`
}

// Level is the metric split by one dimension. Levels[0] is the root: its
// Dimension is the metric name and it holds a single total item.
type Level struct {
	Dimension string `json:"dimension"`
	Items     []Item `json:"items"`
}

// HasCategory reports whether value is one of the level's categories.
func (l Level) HasCategory(value string) bool {
	for _, it := range l.Items {
		if it.Category == value {
			return true
		}
	}
	return false
}

func (l Level) clone() Level {
	return Level{Dimension: l.Dimension, Items: slices.Clone(l.Items)}
}

// PathSegment records the category chosen at one level before drilling past it.
type PathSegment struct {
	Dimension string `json:"dimension"`
	Value     string `json:"value"`
}

func (p PathSegment) String() string { return p.Dimension + "=" + p.Value }

// FilterSet maps dimension → selected category. It is always derived from a
// path and never stored.
type FilterSet map[string]string

// FiltersFromPath folds a path into a FilterSet. Later segments win, though
// a valid path never repeats a dimension.
func FiltersFromPath(path []PathSegment) FilterSet {
	fs := make(FilterSet, len(path))
	for _, seg := range path {
		fs[seg.Dimension] = seg.Value
	}
	return fs
}

// ============================================================================
// SNAPSHOT: presentation-facing, deep-copied state
// ============================================================================

// Snapshot is an immutable copy of the tree state. Mutating it never affects
// the Manager.
type Snapshot struct {
	Metric           string        `json:"metric"`
	Levels           []Level       `json:"levels"`
	Path             []PathSegment `json:"path"`
	Loading          bool          `json:"loading"`
	AvailableDims    []string      `json:"availableDims"`
	AllDims          []string      `json:"allDims"`
	CatalogLoaded    bool          `json:"catalogLoaded"`
	CurrentDim       string        `json:"currentDim"`
	PendingSelection string        `json:"pendingSelection,omitempty"`
	Generation       uint64        `json:"generation"`
	Err              error         `json:"-"`
}

// Filters returns the FilterSet of the snapshot's path.
func (s Snapshot) Filters() FilterSet { return FiltersFromPath(s.Path) }

// Depth is the number of non-root levels.
func (s Snapshot) Depth() int {
	if len(s.Levels) == 0 {
		return 0
	}
	return len(s.Levels) - 1
}

// Validate checks the structural invariants every published snapshot holds.
func (s Snapshot) Validate() error {
	if s.Metric != "" && s.CatalogLoaded && len(s.Levels) == 0 {
		return fmt.Errorf("metric %q set with catalog loaded but no levels", s.Metric)
	}
	if len(s.Levels) == 0 {
		if len(s.Path) > 0 {
			return fmt.Errorf("path %v without levels", s.Path)
		}
		if s.CurrentDim != "" {
			return fmt.Errorf("current dimension %q without levels", s.CurrentDim)
		}
		return nil
	}

	root := s.Levels[0]
	if root.Dimension != s.Metric {
		return fmt.Errorf("root dimension %q does not match metric %q", root.Dimension, s.Metric)
	}
	if len(root.Items) != 1 {
		return fmt.Errorf("root has %d items, want 1", len(root.Items))
	}

	used := make(map[string]bool, len(s.Levels))
	for i, l := range s.Levels[1:] {
		if used[l.Dimension] {
			return fmt.Errorf("dimension %q repeated at level %d", l.Dimension, i+1)
		}
		used[l.Dimension] = true
	}

	want := remainingDims(s.AllDims, s.Levels)
	if !slices.Equal(want, s.AvailableDims) {
		return fmt.Errorf("available dims %v, want %v", s.AvailableDims, want)
	}

	if len(s.Path) > len(s.Levels)-1 {
		return fmt.Errorf("path has %d segments for %d levels", len(s.Path), len(s.Levels))
	}
	for k, seg := range s.Path {
		if seg.Dimension != s.Levels[k+1].Dimension {
			return fmt.Errorf("path segment %d (%s) not aligned with level dimension %q", k, seg, s.Levels[k+1].Dimension)
		}
	}

	if got, want := s.CurrentDim, currentDim(s.Levels); got != want {
		return fmt.Errorf("current dimension %q, want %q", got, want)
	}
	if s.PendingSelection != "" && !s.Levels[len(s.Levels)-1].HasCategory(s.PendingSelection) {
		return fmt.Errorf("pending selection %q is not a category of the last level", s.PendingSelection)
	}
	return nil
}

// remainingDims is allDims minus the dimensions of levels[1:], in catalog order.
func remainingDims(allDims []string, levels []Level) []string {
	used := make(map[string]bool, len(levels))
	for i := 1; i < len(levels); i++ {
		used[levels[i].Dimension] = true
	}
	out := make([]string, 0, len(allDims))
	for _, d := range allDims {
		if !used[d] {
			out = append(out, d)
		}
	}
	return out
}

// currentDim is the dimension of the last non-root level, or "" at the root.
func currentDim(levels []Level) string {
	if len(levels) < 2 {
		return ""
	}
	return levels[len(levels)-1].Dimension
}
