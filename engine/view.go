package engine

import "sort"

// ============================================================================
// RECORD VIEW: Zero-Copy Data Access Interface
// ============================================================================
// The engine reads data only through RecordView.
//
// Implementations:
//   Dataset  - columnar storage built once from []Record
//   SubView  - filtered subset (indices into parent, zero-copy)
// ============================================================================

// RecordView provides indexed access to a dataset.
// The engine calls Dimension/Measure in tight loops - keep implementations fast.
type RecordView interface {
	Len() int
	Dimension(index int, key string) string
	Measure(index int, key string) float64
	DimensionKeys() []string
	MeasureKeys() []string
}

// ============================================================================
// DATASET: columnar RecordView
// ============================================================================

// Dataset stores records column by column so a split over one dimension
// touches two slices instead of n maps.
type Dataset struct {
	n        int
	dims     map[string][]string
	measures map[string][]float64
	dimKeys  []string
	mesKeys  []string
}

// NewDataset builds a columnar Dataset from records. Missing dimensions read
// as "" and missing measures as 0.
func NewDataset(records []Record) *Dataset {
	d := &Dataset{
		n:        len(records),
		dims:     make(map[string][]string),
		measures: make(map[string][]float64),
	}
	for _, r := range records {
		for k := range r.Dimensions {
			if _, ok := d.dims[k]; !ok {
				d.dims[k] = make([]string, len(records))
			}
		}
		for k := range r.Measures {
			if _, ok := d.measures[k]; !ok {
				d.measures[k] = make([]float64, len(records))
			}
		}
	}
	for i, r := range records {
		for k, v := range r.Dimensions {
			d.dims[k][i] = v
		}
		for k, v := range r.Measures {
			d.measures[k][i] = v
		}
	}
	for k := range d.dims {
		d.dimKeys = append(d.dimKeys, k)
	}
	for k := range d.measures {
		d.mesKeys = append(d.mesKeys, k)
	}
	sort.Strings(d.dimKeys)
	sort.Strings(d.mesKeys)
	return d
}

func (d *Dataset) Len() int { return d.n }

func (d *Dataset) Dimension(i int, key string) string {
	col, ok := d.dims[key]
	if !ok || i < 0 || i >= d.n {
		return ""
	}
	return col[i]
}

func (d *Dataset) Measure(i int, key string) float64 {
	col, ok := d.measures[key]
	if !ok || i < 0 || i >= d.n {
		return 0
	}
	return col[i]
}

func (d *Dataset) DimensionKeys() []string { return d.dimKeys }
func (d *Dataset) MeasureKeys() []string   { return d.mesKeys }

// HasMeasure reports whether any record carried the measure.
func (d *Dataset) HasMeasure(key string) bool {
	_, ok := d.measures[key]
	return ok
}

// HasDimension reports whether any record carried the dimension.
func (d *Dataset) HasDimension(key string) bool {
	_, ok := d.dims[key]
	return ok
}

// ============================================================================
// SUB VIEW: filtered subset (zero-copy)
// ============================================================================

// SubView is a filtered subset of a parent RecordView.
type SubView struct {
	parent  RecordView
	indices []int
}

func newSubView(parent RecordView, indices []int) RecordView {
	return &SubView{parent: parent, indices: indices}
}

func (v *SubView) Len() int { return len(v.indices) }

func (v *SubView) Dimension(i int, key string) string {
	if i < 0 || i >= len(v.indices) {
		return ""
	}
	return v.parent.Dimension(v.indices[i], key)
}

func (v *SubView) Measure(i int, key string) float64 {
	if i < 0 || i >= len(v.indices) {
		return 0
	}
	return v.parent.Measure(v.indices[i], key)
}

func (v *SubView) DimensionKeys() []string { return v.parent.DimensionKeys() }
func (v *SubView) MeasureKeys() []string   { return v.parent.MeasureKeys() }
