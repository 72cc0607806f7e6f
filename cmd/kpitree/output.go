package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	json "github.com/goccy/go-json"

	"github.com/spektr-org/kpitree/engine"
	"github.com/spektr-org/kpitree/tree"
)

// ============================================================================
// OUTPUT: json, pretty, text, csv renderings of a snapshot
// ============================================================================

var (
	titleStyle    = lipgloss.NewStyle().Bold(true)
	levelStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	mutedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func render(w io.Writer, format string, snap tree.Snapshot) error {
	switch format {
	case "json":
		return writeJSON(w, snap, false)
	case "pretty":
		return writeJSON(w, snap, true)
	case "csv":
		return writeCSV(w, snap)
	case "text", "":
		writeText(w, snap)
		return nil
	default:
		return fmt.Errorf("unknown format %q: want json, pretty, text or csv", format)
	}
}

func writeJSON(w io.Writer, v any, indent bool) error {
	var (
		out []byte
		err error
	)
	if indent {
		out, err = json.MarshalIndent(v, "", "  ")
	} else {
		out, err = json.Marshal(v)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

// levelTables renders every non-root level as a table. The drilled category
// of each level is returned alongside.
func levelTables(snap tree.Snapshot) ([]*engine.TableData, []string) {
	if len(snap.Levels) < 2 {
		return nil, nil
	}
	tables := make([]*engine.TableData, 0, len(snap.Levels)-1)
	selected := make([]string, 0, len(snap.Levels)-1)
	for i, l := range snap.Levels[1:] {
		groups := make([]engine.Group, len(l.Items))
		for j, it := range l.Items {
			groups[j] = engine.Group{Key: it.Category, Label: it.Category, Value: it.Value}
		}
		title := engine.LabelForDimension(l.Dimension)
		if i > 0 {
			title += " | " + pathString(snap.Path[:i])
		}
		tables = append(tables, engine.BuildTable(title, l.Dimension, groups))

		sel := ""
		if i < len(snap.Path) {
			sel = snap.Path[i].Value
		} else if i == len(snap.Levels)-2 {
			sel = snap.PendingSelection
		}
		selected = append(selected, sel)
	}
	return tables, selected
}

func writeText(w io.Writer, snap tree.Snapshot) {
	if snap.Metric == "" || len(snap.Levels) == 0 || len(snap.Levels[0].Items) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No metric selected."))
		return
	}

	root := snap.Levels[0].Items[0]
	fmt.Fprintf(w, "%s  %s = %s\n",
		titleStyle.Render(engine.LabelForDimension(snap.Metric)), root.Category, engine.FormatNumber(root.Value))
	if len(snap.Path) > 0 {
		fmt.Fprintln(w, mutedStyle.Render("path: "+pathString(snap.Path)))
	}

	tables, selected := levelTables(snap)
	for i, t := range tables {
		fmt.Fprintln(w)
		fmt.Fprintln(w, levelStyle.Render(t.Title))

		width := 0
		for _, row := range t.Rows {
			width = max(width, lipgloss.Width(row[0]))
		}
		for _, row := range t.Rows {
			line := fmt.Sprintf("  %-*s  %14s  %7s", width, row[0], row[1], row[2])
			if row[0] == selected[i] && selected[i] != "" {
				fmt.Fprintln(w, selectedStyle.Render(line+"  <"))
			} else {
				fmt.Fprintln(w, line)
			}
		}
		if len(t.Rows) == 0 {
			fmt.Fprintln(w, mutedStyle.Render("  (no data)"))
		}
	}

	if len(snap.AvailableDims) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, mutedStyle.Render("next: "+strings.Join(snap.AvailableDims, ", ")))
	}
}

func writeCSV(w io.Writer, snap tree.Snapshot) error {
	cw := csv.NewWriter(w)
	cw.Write([]string{"level", "dimension", "filters", "category", "value", "share", "selected"})

	if snap.Metric != "" && len(snap.Levels) > 0 && len(snap.Levels[0].Items) > 0 {
		root := snap.Levels[0].Items[0]
		cw.Write([]string{"0", "", "", root.Category, fmtNum(root.Value), "100.00%", ""})
	}
	tables, selected := levelTables(snap)
	for i, t := range tables {
		filters := pathString(snap.Path[:i])
		dim := snap.Levels[i+1].Dimension
		items := snap.Levels[i+1].Items
		for j, row := range t.Rows {
			mark := ""
			if selected[i] != "" && row[0] == selected[i] {
				mark = "yes"
			}
			cw.Write([]string{fmt.Sprint(i + 1), dim, filters, row[0], fmtNum(items[j].Value), row[2], mark})
		}
	}
	cw.Flush()
	return cw.Error()
}

// writeWatchLine prints one line per published snapshot.
func writeWatchLine(w io.Writer, snap tree.Snapshot) {
	state := "ready"
	switch {
	case snap.Loading:
		state = "loading"
	case snap.Err != nil:
		state = "error: " + snap.Err.Error()
	}
	fmt.Fprintf(w, "[gen %d] %-7s depth=%d metric=%s path=%s\n",
		snap.Generation, state, snap.Depth(), snap.Metric, pathString(snap.Path))
}

func pathString(path []tree.PathSegment) string {
	parts := make([]string, len(path))
	for i, seg := range path {
		parts[i] = seg.String()
	}
	return strings.Join(parts, " > ")
}

// fmtNum prints whole numbers without decimals, others with two.
func fmtNum(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.2f", v)
}
