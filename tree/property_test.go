package tree

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/spektr-org/kpitree/logging"
)

// TestManagerInvariants drives random operation sequences, including
// injected query failures, and checks the structural invariants plus the
// contents of every level after each step.
func TestManagerInvariants(t *testing.T) {
	metrics := []string{"total_amount", "trip_distance", "passenger_count"}
	categories := []string{"Manhattan", "Brooklyn", "Queens", "Bronx", "1", "2", "card", "cash", ""}
	dimChoices := append([]string{"", "zone"}, taxiDims...)

	rapid.Check(t, func(rt *rapid.T) {
		q := newFakeQueries()
		c := &fakeCatalog{dims: append([]string(nil), taxiDims...)}
		m := NewManager(q, c, WithLogger(logging.Discard()))
		ctx := context.Background()

		if err := m.LoadCatalog(ctx); err != nil {
			rt.Fatalf("load catalog: %v", err)
		}
		if err := m.SetMetric(ctx, rapid.SampledFrom(metrics).Draw(rt, "metric")); err != nil {
			rt.Fatalf("set metric: %v", err)
		}

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			failing := rapid.IntRange(0, 9).Draw(rt, "fail") == 0
			if failing {
				q.SetFail(func(call) bool { return true })
			} else {
				q.SetFail(nil)
			}

			before := m.Snapshot()
			op := rapid.IntRange(0, 7).Draw(rt, "op")
			var (
				err   error
				label string
			)
			switch op {
			case 0:
				metric := rapid.SampledFrom(metrics).Draw(rt, "metric")
				label = "SetMetric " + metric
				err = m.SetMetric(ctx, metric)
			case 1:
				dim := rapid.SampledFrom(dimChoices).Draw(rt, "dim")
				label = "FetchSplit " + dim
				err = m.FetchSplit(ctx, dim)
			case 2:
				v := rapid.SampledFrom(categories).Draw(rt, "value")
				label = "Select " + v
				err = m.Select(v)
			case 3:
				v := rapid.SampledFrom(categories).Draw(rt, "value")
				label = "Drill " + v
				_, err = m.Drill(v)
			case 4:
				idx := rapid.IntRange(-1, 5).Draw(rt, "index")
				label = fmt.Sprintf("CloseLevel %d", idx)
				err = m.CloseLevel(idx)
			case 5:
				label = "ResetTree"
				err = m.ResetTree(ctx)
			case 6:
				label = "Rebuild"
				err = m.Rebuild(ctx)
			case 7:
				v := rapid.SampledFrom(categories).Draw(rt, "value")
				dim := rapid.SampledFrom(dimChoices).Draw(rt, "dim")
				label = "DrillInto " + v + " " + dim
				err = m.DrillInto(ctx, v, dim)
			}

			after := m.Snapshot()
			if verr := after.Validate(); verr != nil {
				rt.Fatalf("after %s: %v", label, verr)
			}
			if after.Loading {
				rt.Fatalf("after %s: still loading", label)
			}
			if err != nil {
				// failed transitions leave the committed tree untouched
				after.Err, before.Err = nil, nil
				after.Generation, before.Generation = 0, 0
				require.Equal(rt, before, after, "after failed %s: %v", label, err)
				continue
			}
			checkLevelContents(rt, q, after)
		}
	})
}

// checkLevelContents verifies each level holds the split of the metric under
// the filters of the path segments above it.
func checkLevelContents(rt *rapid.T, q *fakeQueries, s Snapshot) {
	if len(s.Levels) == 0 {
		return
	}
	for i := 1; i < len(s.Levels); i++ {
		want, err := splitItems(q.view, s.Metric, s.Levels[i].Dimension, FiltersFromPath(s.Path[:i-1]))
		if err != nil {
			rt.Fatalf("reference split: %v", err)
		}
		require.Equal(rt, want, s.Levels[i].Items, "level %d (%s) under %v", i, s.Levels[i].Dimension, s.Path[:i-1])
	}
}
