package assistant

import (
	"fmt"
	"strings"

	"github.com/spektr-org/kpitree/schema"
)

// ============================================================================
// PROMPT BUILDER: Schema- and path-driven prompt generation
// ============================================================================

// BuildPrompt generates the prompt for one question. facts may be empty.
func BuildPrompt(sch schema.Config, q Question, facts string) string {
	var b strings.Builder

	// ── Header ────────────────────────────────────────────────────────────
	name := sch.Name
	if name == "" {
		name = q.Table
	}
	fmt.Fprintf(&b, "You are Genie, an analyst assistant for the dataset %q.\n", name)
	b.WriteString("The user is exploring a KPI decomposition tree: the KPI is split by one dimension per level, ")
	b.WriteString("and each level is filtered by the categories selected above it.\n\n")

	// ── Data model ────────────────────────────────────────────────────────
	if len(sch.Dimensions) > 0 || len(sch.Measures) > 0 {
		b.WriteString("DATA MODEL:\n")
		for _, d := range sch.Dimensions {
			fmt.Fprintf(&b, "  - dimension %s (%s)", d.Key, d.DisplayName)
			if len(d.SampleValues) > 0 {
				fmt.Fprintf(&b, " e.g. %s", strings.Join(d.SampleValues, ", "))
			}
			b.WriteString("\n")
		}
		for _, m := range sch.Measures {
			fmt.Fprintf(&b, "  - measure %s (%s)", m.Key, m.DisplayName)
			if m.Unit != "" {
				fmt.Fprintf(&b, " in %s", m.Unit)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	// ── Tree context ──────────────────────────────────────────────────────
	b.WriteString("CURRENT VIEW:\n")
	if q.Table != "" {
		fmt.Fprintf(&b, "  table: %s\n", q.Table)
	}
	if q.Metric != "" {
		fmt.Fprintf(&b, "  KPI: %s\n", q.Metric)
	}
	if len(q.Path) == 0 {
		b.WriteString("  filters: none (top of the tree)\n")
	} else {
		parts := make([]string, len(q.Path))
		for i, seg := range q.Path {
			parts[i] = fmt.Sprintf("%s = %s", seg.Dimension, seg.Value)
		}
		fmt.Fprintf(&b, "  filters: %s\n", strings.Join(parts, " AND "))
	}

	if facts != "" {
		fmt.Fprintf(&b, "\nFACTS (computed from the data, trust these numbers):\n%s\n", strings.TrimRight(facts, "\n"))
	}

	b.WriteString("\nAnswer briefly in plain language. Do not invent numbers that are not in FACTS.\n")
	fmt.Fprintf(&b, "\nQUESTION: %s\n", q.Question)
	return b.String()
}
