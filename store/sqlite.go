// Package store is a SQLite-backed aggregation backend.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/spektr-org/kpitree/engine"
	"github.com/spektr-org/kpitree/schema"
)

// ============================================================================
// SQLITE STORE: SUM / GROUP BY over imported tables
// ============================================================================
// Totals and splits are plain SQL:
//
//   SELECT COALESCE(SUM(metric), 0) FROM table
//   SELECT dim, SUM(metric) AS value FROM table WHERE f1 = ? AND ...
//   GROUP BY dim ORDER BY value DESC LIMIT n
//
// Identifiers are only ever taken from the allow-list (canonical spelling)
// and quoted; filter values are bound parameters.
// ============================================================================

// ErrInvalidIdentifier rejects schema keys that cannot be used as column or
// table names.
var ErrInvalidIdentifier = errors.New("store: invalid identifier")

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLite is an aggregation backend over a SQLite database.
type SQLite struct {
	db         *sql.DB
	path       string
	splitLimit int
	log        *slog.Logger

	mu    sync.RWMutex
	allow schema.AllowList
	dims  []string
}

// Option configures a SQLite store.
type Option func(*SQLite)

// WithSplitLimit caps categories per split. Default engine.DefaultSplitLimit.
func WithSplitLimit(n int) Option {
	return func(s *SQLite) {
		if n > 0 {
			s.splitLimit = n
		}
	}
}

// WithAllowList seeds the identifier allow-list. Import extends it.
func WithAllowList(a schema.AllowList) Option {
	return func(s *SQLite) {
		s.allow = schema.AllowList{
			Tables:     slices.Clone(a.Tables),
			Metrics:    slices.Clone(a.Metrics),
			Dimensions: slices.Clone(a.Dimensions),
		}
		s.dims = slices.Clone(a.Dimensions)
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *SQLite) {
		if log != nil {
			s.log = log
		}
	}
}

// Open opens (or creates) the database at path.
func Open(path string, opts ...Option) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	if path == ":memory:" || strings.Contains(path, "mode=memory") {
		// every connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	s := &SQLite{
		db:         db,
		path:       path,
		splitLimit: engine.DefaultSplitLimit,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			s.log.Debug("pragma not applied", "pragma", pragma, "error", err)
		}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// AllowList returns a copy of the identifiers the store accepts.
func (s *SQLite) AllowList() schema.AllowList {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return schema.AllowList{
		Tables:     slices.Clone(s.allow.Tables),
		Metrics:    slices.Clone(s.allow.Metrics),
		Dimensions: slices.Clone(s.allow.Dimensions),
	}
}

// ── Import ─────────────────────────────────────────────────────────────

// Import (re)creates sch.Table from records and allows its identifiers.
// Dimensions become TEXT columns, measures REAL columns.
func (s *SQLite) Import(ctx context.Context, sch schema.Config, records []engine.Record) error {
	if !identPattern.MatchString(sch.Table) {
		return fmt.Errorf("%w: table %q", ErrInvalidIdentifier, sch.Table)
	}
	dimKeys := sch.DimensionKeys()
	measKeys := sch.MeasureKeys()
	columns := make([]string, 0, len(dimKeys)+len(measKeys))
	defs := make([]string, 0, cap(columns))
	for _, k := range dimKeys {
		if !identPattern.MatchString(k) {
			return fmt.Errorf("%w: dimension %q", ErrInvalidIdentifier, k)
		}
		columns = append(columns, quoteIdent(k))
		defs = append(defs, quoteIdent(k)+" TEXT")
	}
	for _, k := range measKeys {
		if !identPattern.MatchString(k) {
			return fmt.Errorf("%w: measure %q", ErrInvalidIdentifier, k)
		}
		columns = append(columns, quoteIdent(k))
		defs = append(defs, quoteIdent(k)+" REAL")
	}
	if len(columns) == 0 {
		return fmt.Errorf("%w: table %q has no columns", ErrInvalidIdentifier, sch.Table)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin import: %w", err)
	}
	defer tx.Rollback()

	table := quoteIdent(sch.Table)
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
		return fmt.Errorf("drop %s: %w", sch.Table, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(defs, ", "))); err != nil {
		return fmt.Errorf("create %s: %w", sch.Table, err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(columns, ", "), placeholders))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	args := make([]any, len(columns))
	for _, rec := range records {
		for i, k := range dimKeys {
			args[i] = rec.Dimensions[k]
		}
		for i, k := range measKeys {
			args[len(dimKeys)+i] = rec.Measures[k]
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert into %s: %w", sch.Table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit import: %w", err)
	}

	s.mu.Lock()
	added := schema.AllowListFromConfig(sch)
	s.allow.Tables = mergeKeys(s.allow.Tables, added.Tables)
	s.allow.Metrics = mergeKeys(s.allow.Metrics, added.Metrics)
	s.allow.Dimensions = mergeKeys(s.allow.Dimensions, added.Dimensions)
	s.dims = mergeKeys(s.dims, added.Dimensions)
	s.mu.Unlock()

	s.log.Info("table imported", "table", sch.Table, "rows", len(records), "dimensions", len(dimKeys), "measures", len(measKeys))
	return nil
}

// ── Backend ────────────────────────────────────────────────────────────

// Total returns SUM(metric) over table.
func (s *SQLite) Total(ctx context.Context, table, metric string) (float64, error) {
	allow := s.AllowList()
	t, err := allow.Table(table)
	if err != nil {
		return 0, err
	}
	m, err := allow.Metric(metric)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf("SELECT COALESCE(SUM(%s), 0) FROM %s", quoteIdent(m), quoteIdent(t))
	var total sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, query).Scan(&total); err != nil {
		return 0, fmt.Errorf("total %s.%s: %w", t, m, err)
	}
	return total.Float64, nil
}

// Split returns SUM(metric) grouped by dimension under filters, largest first.
func (s *SQLite) Split(ctx context.Context, table, metric, dimension string, filters map[string]string) ([]engine.Group, error) {
	req, err := s.AllowList().ValidateSplit(table, metric, dimension, filters)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(req.Filters))
	for k := range req.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	where := "1=1"
	args := make([]any, 0, len(keys)+1)
	if len(keys) > 0 {
		conds := make([]string, len(keys))
		for i, k := range keys {
			conds[i] = quoteIdent(k) + " = ?"
			args = append(args, req.Filters[k])
		}
		where = strings.Join(conds, " AND ")
	}
	args = append(args, s.splitLimit)

	dim := quoteIdent(req.Dimension)
	query := fmt.Sprintf(`
		SELECT CAST(%[1]s AS TEXT) AS node_name,
		       COALESCE(SUM(%[2]s), 0) AS value,
		       COUNT(*) AS n
		FROM %[3]s
		WHERE %[4]s
		GROUP BY %[1]s
		ORDER BY value DESC, node_name ASC
		LIMIT ?`, dim, quoteIdent(req.Metric), quoteIdent(req.Table), where)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("split %s.%s by %s: %w", req.Table, req.Metric, req.Dimension, err)
	}
	defer rows.Close()

	groups := []engine.Group{}
	for rows.Next() {
		var (
			name  sql.NullString
			value sql.NullFloat64
			count int
		)
		if err := rows.Scan(&name, &value, &count); err != nil {
			return nil, fmt.Errorf("scan split row: %w", err)
		}
		groups = append(groups, engine.Group{
			Key:   name.String,
			Label: name.String,
			Value: value.Float64,
			Count: count,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("split %s.%s by %s: %w", req.Table, req.Metric, req.Dimension, err)
	}
	return groups, nil
}

// Dimensions returns the drillable dimensions in import order.
func (s *SQLite) Dimensions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.dims), nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func mergeKeys(dst, src []string) []string {
	for _, k := range src {
		if !slices.Contains(dst, k) {
			dst = append(dst, k)
		}
	}
	return dst
}
