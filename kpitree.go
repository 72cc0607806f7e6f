// Package kpitree explores a KPI as a decomposition tree.
//
// The root is the metric's grand total. Each further level splits the metric
// by one dimension, filtered by the categories selected on the levels above.
//
// Packages:
//
//	tree       - tree state, transitions and rebuilds (tree.Manager)
//	engine     - in-memory total / split aggregation over records
//	store      - SQLite aggregation backend
//	query      - backends, the in-process adapter and the HTTP client
//	server     - the aggregation HTTP API (gin)
//	assistant  - question answering over the current tree view (Gemini)
//	schema     - dataset schemas, CSV discovery and identifier allow-lists
//	config     - YAML configuration with environment overrides
//
// Usage:
//
//	local := query.NewLocal(query.NewMemory(dataset, sch), sch.Table)
//	m := tree.NewManager(local, local)
//	_ = m.LoadCatalog(ctx)
//	_ = m.SetMetric(ctx, "total_amount")
//	_ = m.FetchSplit(ctx, "borough")
//	_ = m.DrillInto(ctx, "Manhattan", "vendor_id")
//	snap := m.Snapshot()
package kpitree
