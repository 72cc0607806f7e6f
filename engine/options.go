package engine

// ============================================================================
// ENGINE OPTIONS: Functional options for Execute()
// ============================================================================

// DefaultSplitLimit caps the categories returned by one split, matching the
// SQL backend's LIMIT.
const DefaultSplitLimit = 50

// DefaultRootLabel labels the single group of a total query.
const DefaultRootLabel = "Total"

// Option configures engine behavior via functional options pattern.
type Option func(*config)

type config struct {
	DefaultMeasure string // measure used when Query.Metric is empty
	SplitLimit     int
	RootLabel      string
}

// WithDefaultMeasure sets the measure to aggregate when Query.Metric is empty.
func WithDefaultMeasure(measure string) Option {
	return func(c *config) {
		c.DefaultMeasure = measure
	}
}

// WithSplitLimit caps the number of categories in a split (0 = unlimited).
func WithSplitLimit(limit int) Option {
	return func(c *config) {
		c.SplitLimit = limit
	}
}

// WithRootLabel sets the category label of total results.
func WithRootLabel(label string) Option {
	return func(c *config) {
		c.RootLabel = label
	}
}

func applyOptions(opts []Option) *config {
	cfg := &config{
		SplitLimit: DefaultSplitLimit,
		RootLabel:  DefaultRootLabel,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}
