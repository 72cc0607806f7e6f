package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/spektr-org/kpitree/assistant"
	"github.com/spektr-org/kpitree/engine"
	"github.com/spektr-org/kpitree/query"
)

// maxGroundingRows caps the rows of the next split listed as facts.
const maxGroundingRows = 5

// Grounding returns facts for the assistant computed from backend: the
// metric's grand total, the value and share of every selected category
// along the path, and the top rows of any remaining dimension the path has
// not used yet.
func Grounding(backend query.Backend, table string) assistant.Grounding {
	return func(ctx context.Context, q assistant.Question) (string, error) {
		if q.Metric == "" {
			return "", nil
		}
		if q.Table == "" {
			q.Table = table
		}

		var b strings.Builder
		total, err := backend.Total(ctx, q.Table, q.Metric)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "%s overall = %s\n", q.Metric, engine.FormatNumber(total))

		filters := map[string]string{}
		parent := total
		for _, seg := range q.Path {
			groups, err := backend.Split(ctx, q.Table, q.Metric, seg.Dimension, filters)
			if err != nil {
				return "", err
			}
			value := 0.0
			for _, g := range groups {
				if g.Key == seg.Value {
					value = g.Value
					break
				}
			}
			fmt.Fprintf(&b, "%s = %s: %s (%s of parent)\n", seg.Dimension, seg.Value, engine.FormatNumber(value), share(value, parent))
			filters[seg.Dimension] = seg.Value
			parent = value
		}

		used := make(map[string]bool, len(q.Path))
		for _, seg := range q.Path {
			used[seg.Dimension] = true
		}
		dims, err := backend.Dimensions(ctx)
		if err != nil {
			return "", err
		}
		for _, dim := range dims {
			if used[dim] {
				continue
			}
			groups, err := backend.Split(ctx, q.Table, q.Metric, dim, filters)
			if err != nil {
				return "", err
			}
			if len(groups) > maxGroundingRows {
				groups = groups[:maxGroundingRows]
			}
			parts := make([]string, len(groups))
			for i, g := range groups {
				parts[i] = fmt.Sprintf("%s %s", g.Key, engine.FormatNumber(g.Value))
			}
			fmt.Fprintf(&b, "top %s: %s\n", dim, strings.Join(parts, ", "))
		}
		return b.String(), nil
	}
}

func share(value, parent float64) string {
	if parent == 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.1f%%", value/parent*100)
}
