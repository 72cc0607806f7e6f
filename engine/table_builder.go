package engine

import (
	"fmt"
)

// ============================================================================
// TABLE BUILDER: Produces TableData from a split
// ============================================================================
// One row per category: label, value, share of the split's total. The share
// is what a decomposition view draws as the bar width.
// ============================================================================

// BuildTable produces a TableData for one split.
func BuildTable(title, dimension string, groups []Group) *TableData {
	groupLabel := "Category"
	if dimension != "" {
		groupLabel = LabelForDimension(dimension)
	}

	columns := []Column{
		{Key: "category", Label: groupLabel, Type: "text", Align: "left"},
		{Key: "value", Label: "Value", Type: "number", Align: "right"},
		{Key: "share", Label: "Share", Type: "percent", Align: "right"},
	}

	if len(groups) == 0 {
		return &TableData{
			Title:   title,
			Columns: columns,
			Rows:    [][]string{},
		}
	}

	var total float64
	for _, g := range groups {
		total += g.Value
	}

	rows := make([][]string, 0, len(groups))
	for _, g := range groups {
		rows = append(rows, []string{
			g.Label,
			fmt.Sprintf("%.2f", g.Value),
			FormatPercent(g.Value, total),
		})
	}

	return &TableData{
		Title:   title,
		Columns: columns,
		Rows:    rows,
		Summary: &Summary{
			Label: fmt.Sprintf("Total (%d categories)", len(groups)),
			Values: map[string]string{
				"value": FormatNumber(total),
				"share": "100.00%",
			},
		},
	}
}
