package engine

// ============================================================================
// FILTERS: Dimension filtering via RecordView
// ============================================================================
// Single pass over the view; a record passes when every constrained dimension
// holds one of its allowed values. Matching is exact, like the SQL backend's
// `col = ?` predicates, so both backends agree on every split.
// ============================================================================

// ApplyFilters returns a view of records matching all dimension filters.
// Empty filter = no restriction (returns the original view).
func ApplyFilters(view RecordView, filters Filters) RecordView {
	if filters.IsEmpty() {
		return view
	}

	sets := make(map[string]map[string]struct{}, len(filters.Dimensions))
	for dim, allowed := range filters.Dimensions {
		if len(allowed) == 0 {
			continue
		}
		set := make(map[string]struct{}, len(allowed))
		for _, v := range allowed {
			set[v] = struct{}{}
		}
		sets[dim] = set
	}

	n := view.Len()
	indices := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if matches(view, i, sets) {
			indices = append(indices, i)
		}
	}
	return newSubView(view, indices)
}

func matches(view RecordView, i int, sets map[string]map[string]struct{}) bool {
	for dim, set := range sets {
		if _, ok := set[view.Dimension(i, dim)]; !ok {
			return false
		}
	}
	return true
}
