package schema

import (
	"errors"
	"fmt"
	"strings"
)

// ============================================================================
// ALLOW LIST: Identifier validation for aggregation backends
// ============================================================================
// Tables, metrics and dimensions end up as SQL identifiers in the store
// backend, so every name coming from a request is checked here first and
// replaced by its canonical allow-listed spelling. Matching ignores case.
// ============================================================================

// ErrNotAllowed is wrapped by every *ValidationError.
var ErrNotAllowed = errors.New("schema: identifier not allowed")

// ValidationError carries the client-facing message ("Invalid table", ...).
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }
func (e *ValidationError) Unwrap() error { return ErrNotAllowed }

// AllowList holds the permitted identifiers.
type AllowList struct {
	Tables     []string `json:"tables" yaml:"tables"`
	Metrics    []string `json:"metrics" yaml:"metrics"`
	Dimensions []string `json:"dimensions" yaml:"dimensions"`
}

// AllowListFromConfig permits the schema's table, its measures and its
// drillable dimensions.
func AllowListFromConfig(c Config) AllowList {
	a := AllowList{
		Metrics:    c.MeasureKeys(),
		Dimensions: c.DrillDimensions(),
	}
	if c.Table != "" {
		a.Tables = []string{c.Table}
	}
	return a
}

// Table returns the canonical table name or a ValidationError.
func (a AllowList) Table(name string) (string, error) {
	return lookup(a.Tables, name, "Invalid table")
}

// Metric returns the canonical metric name or a ValidationError.
func (a AllowList) Metric(name string) (string, error) {
	return lookup(a.Metrics, name, "Invalid metric")
}

// Dimension returns the canonical dimension name or a ValidationError.
func (a AllowList) Dimension(name string) (string, error) {
	return lookup(a.Dimensions, name, "Invalid dimension")
}

// Filters canonicalizes every filter column. Values pass through untouched;
// they are bound as query parameters, never interpolated.
func (a AllowList) Filters(filters map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(filters))
	for col, val := range filters {
		key, err := lookup(a.Dimensions, col, fmt.Sprintf("Invalid filter column: %s", col))
		if err != nil {
			return nil, err
		}
		out[key] = val
	}
	return out, nil
}

// SplitRequest is a validated split: every identifier is canonical.
type SplitRequest struct {
	Table     string
	Metric    string
	Dimension string
	Filters   map[string]string
}

// ValidateSplit checks a whole split request in the order the HTTP service
// reports problems: table, metric, dimension, then filter columns.
func (a AllowList) ValidateSplit(table, metric, dimension string, filters map[string]string) (SplitRequest, error) {
	var (
		req SplitRequest
		err error
	)
	if req.Table, err = a.Table(table); err != nil {
		return SplitRequest{}, err
	}
	if req.Metric, err = a.Metric(metric); err != nil {
		return SplitRequest{}, err
	}
	if req.Dimension, err = a.Dimension(dimension); err != nil {
		return SplitRequest{}, err
	}
	if req.Filters, err = a.Filters(filters); err != nil {
		return SplitRequest{}, err
	}
	return req, nil
}

func lookup(allowed []string, name, message string) (string, error) {
	for _, a := range allowed {
		if strings.EqualFold(a, name) {
			return a, nil
		}
	}
	return "", &ValidationError{Message: message}
}
