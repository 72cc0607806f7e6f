package tree

import (
	"context"
	"errors"
	"maps"
	"sync"

	"github.com/spektr-org/kpitree/engine"
)

// ============================================================================
// TEST FAKES
// ============================================================================

var errBackend = errors.New("backend down")

func taxiDataset() *engine.Dataset {
	rec := func(borough, vendor, payment string, fare, distance, passengers float64) engine.Record {
		return engine.Record{
			Dimensions: map[string]string{"borough": borough, "vendor_id": vendor, "payment_type": payment},
			Measures:   map[string]float64{"total_amount": fare, "trip_distance": distance, "passenger_count": passengers},
		}
	}
	return engine.NewDataset([]engine.Record{
		rec("Manhattan", "1", "card", 20, 2.5, 1),
		rec("Manhattan", "2", "cash", 10, 1.0, 2),
		rec("Manhattan", "1", "card", 30, 4.0, 1),
		rec("Brooklyn", "1", "cash", 15, 3.0, 3),
		rec("Brooklyn", "2", "card", 25, 5.5, 1),
		rec("Queens", "2", "card", 50, 12.0, 4),
	})
}

var taxiDims = []string{"borough", "vendor_id", "payment_type"}

type call struct {
	Op        string
	Metric    string
	Dimension string
	Filters   FilterSet
}

// fakeQueries answers from an in-memory dataset and records every call.
type fakeQueries struct {
	view *engine.Dataset

	mu    sync.Mutex
	calls []call
	// fail decides per call whether to return errBackend.
	fail func(c call) bool
	// hook runs before a call is answered; it may block on ctx.
	hook func(ctx context.Context, c call) error
}

func newFakeQueries() *fakeQueries {
	return &fakeQueries{view: taxiDataset()}
}

func (f *fakeQueries) record(ctx context.Context, c call) error {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	fail, hook := f.fail, f.hook
	f.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, c); err != nil {
			return err
		}
	}
	if fail != nil && fail(c) {
		return errBackend
	}
	return nil
}

func (f *fakeQueries) FetchTotal(ctx context.Context, metric string) (float64, error) {
	if err := f.record(ctx, call{Op: "total", Metric: metric}); err != nil {
		return 0, err
	}
	return engine.Total(f.view, metric, nil)
}

func (f *fakeQueries) FetchSplit(ctx context.Context, metric, dimension string, filters FilterSet) ([]Item, error) {
	if err := f.record(ctx, call{Op: "split", Metric: metric, Dimension: dimension, Filters: maps.Clone(filters)}); err != nil {
		return nil, err
	}
	return splitItems(f.view, metric, dimension, filters)
}

func splitItems(view *engine.Dataset, metric, dimension string, filters FilterSet) ([]Item, error) {
	groups, err := engine.Split(view, metric, dimension, filters)
	if err != nil {
		return nil, err
	}
	items := make([]Item, len(groups))
	for i, g := range groups {
		items[i] = Item{Category: g.Key, Value: g.Value}
	}
	return items, nil
}

func (f *fakeQueries) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeQueries) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *fakeQueries) SetFail(fn func(c call) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fn
}

func (f *fakeQueries) SetHook(fn func(ctx context.Context, c call) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hook = fn
}

type fakeCatalog struct {
	mu    sync.Mutex
	dims  []string
	err   error
	calls int
	// hook runs before the catalog is answered; it may block on ctx.
	hook func(ctx context.Context) error
}

func (c *fakeCatalog) FetchAvailableDimensions(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	hook := c.hook
	c.mu.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return append([]string(nil), c.dims...), nil
}

func (c *fakeCatalog) SetHook(fn func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hook = fn
}

func (c *fakeCatalog) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *fakeCatalog) Set(dims []string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dims, c.err = dims, err
}
