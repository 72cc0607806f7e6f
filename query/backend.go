// Package query connects the decomposition tree to aggregation backends.
//
// A Backend computes totals and splits for a table (in memory or in
// SQLite). Local adapts a Backend into the tree's QueryService and Catalog;
// Client does the same against a remote aggregation service over HTTP.
package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/spektr-org/kpitree/engine"
	"github.com/spektr-org/kpitree/schema"
	"github.com/spektr-org/kpitree/tree"
)

// Backend is an aggregation service over one or more tables.
type Backend interface {
	// Total returns SUM(metric) over the whole table. Empty tables sum to 0.
	Total(ctx context.Context, table, metric string) (float64, error)
	// Split groups table rows matching filters by dimension and returns the
	// per-category SUM(metric), largest first, capped at the split limit.
	Split(ctx context.Context, table, metric, dimension string, filters map[string]string) ([]engine.Group, error)
	// Dimensions returns the drillable dimensions in catalog order.
	Dimensions(ctx context.Context) ([]string, error)
}

// ErrUnknownTable is returned by backends asked for a table they do not hold.
var ErrUnknownTable = errors.New("query: unknown table")

// ============================================================================
// MEMORY: Backend over an in-memory engine.Dataset
// ============================================================================

// Memory serves a single table from an engine.Dataset.
type Memory struct {
	view   *engine.Dataset
	schema schema.Config
	opts   []engine.Option
}

// NewMemory wraps a dataset described by sch. The table name is sch.Table.
func NewMemory(view *engine.Dataset, sch schema.Config, opts ...engine.Option) *Memory {
	return &Memory{view: view, schema: sch, opts: opts}
}

func (m *Memory) checkTable(table string) error {
	if table != "" && table != m.schema.Table {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return nil
}

func (m *Memory) Total(ctx context.Context, table, metric string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := m.checkTable(table); err != nil {
		return 0, err
	}
	return engine.Total(m.view, metric, nil, m.opts...)
}

func (m *Memory) Split(ctx context.Context, table, metric, dimension string, filters map[string]string) ([]engine.Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.checkTable(table); err != nil {
		return nil, err
	}
	return engine.Split(m.view, metric, dimension, filters, m.opts...)
}

func (m *Memory) Dimensions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.schema.DrillDimensions(), nil
}

// ============================================================================
// LOCAL: in-process tree.QueryService / tree.Catalog
// ============================================================================

// Local binds a Backend and a table for use by a tree.Manager.
type Local struct {
	backend Backend
	table   string
}

var (
	_ tree.QueryService = (*Local)(nil)
	_ tree.Catalog      = (*Local)(nil)
)

// NewLocal returns a Local querying table on backend.
func NewLocal(backend Backend, table string) *Local {
	return &Local{backend: backend, table: table}
}

func (l *Local) FetchTotal(ctx context.Context, metric string) (float64, error) {
	return l.backend.Total(ctx, l.table, metric)
}

func (l *Local) FetchSplit(ctx context.Context, metric, dimension string, filters tree.FilterSet) ([]tree.Item, error) {
	groups, err := l.backend.Split(ctx, l.table, metric, dimension, filters)
	if err != nil {
		return nil, err
	}
	return ItemsFromGroups(groups), nil
}

func (l *Local) FetchAvailableDimensions(ctx context.Context) ([]string, error) {
	return l.backend.Dimensions(ctx)
}

// ItemsFromGroups converts engine groups into tree items.
func ItemsFromGroups(groups []engine.Group) []tree.Item {
	items := make([]tree.Item, len(groups))
	for i, g := range groups {
		items[i] = tree.Item{Category: g.Key, Value: g.Value}
	}
	return items
}
