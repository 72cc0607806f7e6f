package tree

import (
	"log/slog"

	"github.com/spektr-org/kpitree/observability"
)

// ============================================================================
// MANAGER OPTIONS: Functional options for NewManager()
// ============================================================================

// DefaultRootLabel is the category of the root level's single item.
const DefaultRootLabel = "Total"

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithMetrics records transitions and queries on metrics.
func WithMetrics(metrics *observability.TreeMetrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithRootLabel sets the root item's category label.
func WithRootLabel(label string) Option {
	return func(m *Manager) {
		if label != "" {
			m.rootLabel = label
		}
	}
}
