package engine

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// ============================================================================
// AGGREGATORS: Grouping, aggregation and sorting via RecordView
// ============================================================================
// Grouping produces SubViews (index lists into the parent view).
// ============================================================================

// GroupAndAggregate splits a view by one dimension and sums a measure per
// category. Pipeline: group → sum → sort value desc → limit.
// An empty dimension yields a single group labelled rootLabel.
func GroupAndAggregate(view RecordView, dimension, measure string, limit int, rootLabel string) []Group {
	var groups []Group
	if dimension == "" {
		groups = []Group{{Key: rootLabel, Label: rootLabel, View: view}}
	} else {
		if view.Len() == 0 {
			return []Group{}
		}
		groups = groupBySingle(view, dimension)
	}

	for i := range groups {
		groups[i].Count = groups[i].View.Len()
		groups[i].Value = SumMeasure(groups[i].View, measure)
	}

	// ties keep first-seen order
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].Value > groups[j].Value })

	if limit > 0 && len(groups) > limit {
		groups = groups[:limit]
	}
	return groups
}

// ============================================================================
// GROUPING
// ============================================================================

func groupBySingle(view RecordView, dimension string) []Group {
	grouped := make(map[string][]int)
	order := make([]string, 0)

	for i := 0; i < view.Len(); i++ {
		key := view.Dimension(i, dimension)
		if _, exists := grouped[key]; !exists {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], i)
	}

	groups := make([]Group, 0, len(order))
	for _, key := range order {
		groups = append(groups, Group{
			Key:   key,
			Label: key,
			View:  newSubView(view, grouped[key]),
		})
	}
	return groups
}

// SumMeasure sums a named measure across a view.
func SumMeasure(view RecordView, measure string) float64 {
	var total float64
	for i := 0; i < view.Len(); i++ {
		total += view.Measure(i, measure)
	}
	return total
}

// ============================================================================
// FORMATTING UTILITIES
// ============================================================================

// FormatNumber formats a value with comma separators and two decimals.
func FormatNumber(v float64) string {
	negative := v < 0
	if negative {
		v = -v
	}
	v = RoundTo2(v)
	intPart := int64(v)
	decPart := int64(math.Round((v - float64(intPart)) * 100))
	if decPart == 100 {
		intPart++
		decPart = 0
	}

	s := fmt.Sprintf("%s.%02d", FormatInt(int(intPart)), decPart)
	if negative {
		s = "-" + s
	}
	return s
}

// FormatInt formats an integer with comma separators.
func FormatInt(n int) string {
	if n < 0 {
		return "-" + FormatInt(-n)
	}
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	return fmt.Sprintf("%s,%03d", FormatInt(n/1000), n%1000)
}

// FormatPercent formats a share as "12.34%"; zero totals read as 0%.
func FormatPercent(value, total float64) string {
	if total == 0 {
		return "0.00%"
	}
	return fmt.Sprintf("%.2f%%", value/total*100)
}

// RoundTo2 rounds to 2 decimal places.
func RoundTo2(v float64) float64 {
	return math.Round(v*100) / 100
}

// LabelForDimension turns "payment_type" into "Payment type".
func LabelForDimension(dimension string) string {
	if dimension == "" {
		return ""
	}
	s := strings.ReplaceAll(dimension, "_", " ")
	return strings.ToUpper(s[:1]) + s[1:]
}
