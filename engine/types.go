package engine

// ============================================================================
// KPITREE ENGINE TYPES: In-memory aggregation for the decomposition tree
// ============================================================================
// The engine answers the two questions the tree asks of any aggregation
// service: "what is the total of metric M under filters F?" and "how does
// M split by dimension D under filters F?".
//
// Dependency: engine has no dependency on the tree or on any transport.
// ============================================================================

// ============================================================================
// RECORD: Generic data row
// ============================================================================

// Record is a single data row with string dimensions and numeric measures.
//
// Record{Dimensions["borough"]="Manhattan", Measures["total_amount"]=23.50}
type Record struct {
	Dimensions map[string]string  `json:"dimensions"`
	Measures   map[string]float64 `json:"measures"`
}

// ============================================================================
// QUERY: What the engine should compute
// ============================================================================

// Query describes one aggregation request.
// SplitBy empty means "total": a single group labelled with the root label.
type Query struct {
	Metric  string            `json:"metric"`
	SplitBy string            `json:"splitBy,omitempty"`
	Filters map[string]string `json:"filters,omitempty"`
	Limit   int               `json:"limit,omitempty"` // 0 = engine default
}

// IsTotal reports whether the query asks for a single aggregate.
func (q Query) IsTotal() bool { return q.SplitBy == "" }

// Filters define which records to include.
// Keys are dimension names. Values are allowed values.
// OR within a dimension, AND across dimensions. Empty = all.
type Filters struct {
	Dimensions map[string][]string `json:"dimensions"`
}

// FiltersFromSelections converts a dimension→value selection map (the shape
// the tree derives from its path) into Filters.
func FiltersFromSelections(sel map[string]string) Filters {
	f := Filters{Dimensions: make(map[string][]string, len(sel))}
	for dim, val := range sel {
		f.Dimensions[dim] = []string{val}
	}
	return f
}

// HasFilter returns true if a specific dimension filter is set.
func (f Filters) HasFilter(dimension string) bool {
	vals, ok := f.Dimensions[dimension]
	return ok && len(vals) > 0
}

// IsEmpty returns true if no filters are set.
func (f Filters) IsEmpty() bool {
	for _, vals := range f.Dimensions {
		if len(vals) > 0 {
			return false
		}
	}
	return true
}

// ============================================================================
// RESULT
// ============================================================================

// Result is the engine's answer to a Query.
type Result struct {
	Metric  string  `json:"metric"`
	SplitBy string  `json:"splitBy,omitempty"`
	Total   float64 `json:"total"`
	Groups  []Group `json:"groups"`
	Matched int     `json:"matched"` // records that passed the filters
}

// Group represents one category of a split (or the single total group).
type Group struct {
	Key   string     `json:"key"`
	Label string     `json:"label"`
	Value float64    `json:"value"`
	Count int        `json:"count"`
	View  RecordView `json:"-"` // records in this group, zero-copy
}

// ============================================================================
// TABLE TYPES
// ============================================================================

// TableData is a render-ready tabular form of a split.
type TableData struct {
	Title   string     `json:"title"`
	Columns []Column   `json:"columns"`
	Rows    [][]string `json:"rows"`
	Summary *Summary   `json:"summary,omitempty"`
}

// Column defines a table column.
type Column struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	Type  string `json:"type"`  // "text", "number", "percent"
	Align string `json:"align"` // "left", "right"
}

// Summary provides totals for a table.
type Summary struct {
	Label  string            `json:"label"`
	Values map[string]string `json:"values"`
}
