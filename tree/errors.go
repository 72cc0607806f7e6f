package tree

import (
	"errors"
	"fmt"
)

var (
	// ErrCatalogUnavailable is wrapped by *CatalogError. Retry LoadCatalog.
	ErrCatalogUnavailable = errors.New("tree: dimension catalog unavailable")

	// ErrQueryFailed is wrapped by *QueryError.
	ErrQueryFailed = errors.New("tree: aggregation query failed")

	// ErrInvalidTransition rejects an operation the current state does not
	// allow. The state is left unchanged.
	ErrInvalidTransition = errors.New("tree: invalid transition")

	// ErrSuperseded is returned by a rebuild cancelled by a newer one.
	ErrSuperseded = errors.New("tree: superseded by a newer rebuild")

	// ErrNoMetric is returned by operations that need an active metric.
	ErrNoMetric = errors.New("tree: no metric set")

	// ErrCatalogNotLoaded is returned by operations that need the catalog.
	ErrCatalogNotLoaded = errors.New("tree: catalog not loaded")
)

// CatalogError wraps a failed catalog fetch.
type CatalogError struct {
	Err error
}

func (e *CatalogError) Error() string {
	return fmt.Sprintf("tree: load dimension catalog: %v", e.Err)
}

// Is lets errors.Is match ErrCatalogUnavailable.
func (e *CatalogError) Is(target error) bool { return target == ErrCatalogUnavailable }

func (e *CatalogError) Unwrap() error { return e.Err }

// QueryError wraps a failed total or split.
type QueryError struct {
	Op        string // "total" or "split"
	Metric    string
	Dimension string
	Err       error
}

func (e *QueryError) Error() string {
	if e.Dimension == "" {
		return fmt.Sprintf("tree: %s of %s: %v", e.Op, e.Metric, e.Err)
	}
	return fmt.Sprintf("tree: %s of %s by %s: %v", e.Op, e.Metric, e.Dimension, e.Err)
}

// Is lets errors.Is match ErrQueryFailed.
func (e *QueryError) Is(target error) bool { return target == ErrQueryFailed }

func (e *QueryError) Unwrap() error { return e.Err }

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTransition, fmt.Sprintf(format, args...))
}
