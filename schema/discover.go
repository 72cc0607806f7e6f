package schema

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// ============================================================================
// AUTO-DISCOVERY: Heuristic column classification
// ============================================================================
// Inspects CSV data and generates a Config automatically.
//
// Classification per column:
//   1. Sample values → numeric or text
//   2. Name hints → measure ("amount", "count", ...) or code ("_id", "year")
//   3. Cardinality → drillable dimension, or skipped (ids, free text)
// ============================================================================

// DiscoverOptions controls discovery behavior.
type DiscoverOptions struct {
	SampleSize     int    // Max rows to inspect (0 = all). Default: 1000
	MaxCardinality int    // Text columns above this are skipped. Default: 200
	Name           string // Dataset name override
	Table          string // Table name override (defaults to snake-cased Name)
}

// DefaultDiscoverOptions returns sensible defaults.
func DefaultDiscoverOptions() DiscoverOptions {
	return DiscoverOptions{
		SampleSize:     1000,
		MaxCardinality: 200,
	}
}

// ErrNoColumns is returned for CSV input without a header row.
var ErrNoColumns = errors.New("schema: CSV has no columns")

// DiscoverFromCSV generates a Config by inspecting CSV data.
func DiscoverFromCSV(data []byte, opts ...DiscoverOptions) (*Config, error) {
	opt := DefaultDiscoverOptions()
	if len(opts) > 0 {
		opt = opts[0]
		if opt.MaxCardinality <= 0 {
			opt.MaxCardinality = DefaultDiscoverOptions().MaxCardinality
		}
	}

	reader := csv.NewReader(strings.NewReader(string(data)))
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err == io.EOF {
		return nil, ErrNoColumns
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV headers: %w", err)
	}
	if len(headers) == 0 {
		return nil, ErrNoColumns
	}

	limit := opt.SampleSize
	if limit <= 0 {
		limit = math.MaxInt
	}
	var rows [][]string
	for len(rows) < limit {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // skip malformed rows
		}
		rows = append(rows, row)
	}

	name := opt.Name
	if name == "" {
		name = "Discovered Dataset"
	}
	table := opt.Table
	if table == "" {
		table = ToSnakeCase(name)
	}

	cfg := &Config{
		Name:           name,
		Table:          table,
		DiscoveredFrom: "CSV",
	}

	for i, header := range headers {
		col := analyzeColumn(header, i, rows)
		switch col.classify(len(rows), opt.MaxCardinality) {
		case roleMeasure:
			cfg.Measures = append(cfg.Measures, MeasureMeta{
				Key:         col.key,
				DisplayName: toDisplayName(header),
				Unit:        guessUnit(col.key),
			})
		case roleDimension:
			cfg.Dimensions = append(cfg.Dimensions, DimensionMeta{
				Key:             col.key,
				DisplayName:     toDisplayName(header),
				SampleValues:    col.samples(5),
				Drillable:       true,
				CardinalityHint: cardinalityHint(len(col.unique)),
			})
		default:
			cfg.SkippedColumns = append(cfg.SkippedColumns, SkippedColumn{
				Column: header,
				Reason: col.skipReason,
			})
		}
	}

	return cfg, nil
}

// ============================================================================
// COLUMN ANALYSIS
// ============================================================================

type columnRole int

const (
	roleSkip columnRole = iota
	roleDimension
	roleMeasure
)

type columnAnalysis struct {
	header     string
	key        string
	nonEmpty   int
	numeric    int
	integral   int
	unique     map[string]struct{}
	order      []string
	skipReason string
}

func analyzeColumn(header string, index int, rows [][]string) columnAnalysis {
	col := columnAnalysis{
		header: header,
		key:    ToSnakeCase(strings.TrimSpace(header)),
		unique: make(map[string]struct{}),
	}
	for _, row := range rows {
		if index >= len(row) {
			continue
		}
		v := strings.TrimSpace(row[index])
		if v == "" {
			continue
		}
		col.nonEmpty++
		if f, err := strconv.ParseFloat(strings.ReplaceAll(v, ",", ""), 64); err == nil {
			col.numeric++
			if f == math.Trunc(f) {
				col.integral++
			}
		}
		if _, seen := col.unique[v]; !seen {
			col.unique[v] = struct{}{}
			col.order = append(col.order, v)
		}
	}
	return col
}

var measureHints = []string{"amount", "count", "total", "distance", "price", "cost", "revenue", "qty", "quantity", "fare", "tip", "sales", "duration"}
var codeHints = []string{"_id", "_type", "_code", "_bucket"}
var calendarNames = map[string]bool{"year": true, "month": true, "day": true, "hour": true, "weekday": true, "quarter": true}

func (col *columnAnalysis) classify(totalRows, maxCardinality int) columnRole {
	if col.nonEmpty == 0 {
		col.skipReason = "empty column"
		return roleSkip
	}

	isNumeric := float64(col.numeric) >= 0.8*float64(col.nonEmpty)
	if isNumeric {
		if hasAnyHint(col.key, measureHints) {
			return roleMeasure
		}
		allIntegral := col.integral == col.numeric
		if allIntegral && col.mostlyUnique(totalRows) && (col.key == "id" || strings.HasSuffix(col.key, "_id")) {
			col.skipReason = "unique identifier"
			return roleSkip
		}
		if allIntegral && (calendarNames[col.key] || hasSuffixHint(col.key, codeHints) || len(col.unique) <= 12) {
			return roleDimension
		}
		return roleMeasure
	}

	n := len(col.unique)
	if col.mostlyUnique(totalRows) {
		col.skipReason = "unique identifier or free text"
		return roleSkip
	}
	if n > maxCardinality {
		col.skipReason = fmt.Sprintf("cardinality %d exceeds %d", n, maxCardinality)
		return roleSkip
	}
	return roleDimension
}

func (col *columnAnalysis) mostlyUnique(totalRows int) bool {
	return totalRows > 10 && float64(len(col.unique)) > 0.9*float64(col.nonEmpty)
}

func (col *columnAnalysis) samples(max int) []string {
	vals := append([]string(nil), col.order...)
	sort.Strings(vals)
	if len(vals) > max {
		vals = vals[:max]
	}
	return vals
}

func hasAnyHint(key string, hints []string) bool {
	for _, h := range hints {
		if strings.Contains(key, h) {
			return true
		}
	}
	return false
}

func hasSuffixHint(key string, hints []string) bool {
	for _, h := range hints {
		if strings.HasSuffix(key, h) {
			return true
		}
	}
	return false
}

func cardinalityHint(n int) string {
	switch {
	case n <= 12:
		return "low"
	case n <= 50:
		return "medium"
	default:
		return "high"
	}
}

func guessUnit(key string) string {
	switch {
	case strings.Contains(key, "amount"), strings.Contains(key, "fare"), strings.Contains(key, "price"),
		strings.Contains(key, "cost"), strings.Contains(key, "revenue"), strings.Contains(key, "tip"):
		return "currency"
	case strings.Contains(key, "distance"):
		return "miles"
	case strings.Contains(key, "count"), strings.Contains(key, "qty"), strings.Contains(key, "quantity"):
		return "units"
	}
	return ""
}

// ============================================================================
// STRING UTILITIES
// ============================================================================

// ToSnakeCase converts "Payment Type" → "payment_type".
func ToSnakeCase(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteRune('_')
			lastUnderscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

func toDisplayName(s string) string {
	words := strings.FieldsFunc(strings.TrimSpace(s), func(r rune) bool {
		return r == '_' || r == ' ' || r == '-'
	})
	for i, w := range words {
		runes := []rune(w)
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}
