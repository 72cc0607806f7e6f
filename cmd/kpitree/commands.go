package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/spektr-org/kpitree/assistant"
	"github.com/spektr-org/kpitree/schema"
	"github.com/spektr-org/kpitree/server"
	"github.com/spektr-org/kpitree/tree"
)

// buildTree loads the catalog, sets metric and applies splits in order.
func buildTree(ctx context.Context, m *tree.Manager, metric string, splits []split) (tree.Snapshot, error) {
	if err := m.LoadCatalog(ctx); err != nil {
		return tree.Snapshot{}, err
	}
	if err := m.SetMetric(ctx, metric); err != nil {
		return tree.Snapshot{}, err
	}
	for _, s := range splits {
		if err := m.FetchSplit(ctx, s.dimension); err != nil {
			return tree.Snapshot{}, err
		}
		if s.value == "" {
			continue
		}
		if _, err := m.Drill(s.value); err != nil {
			return tree.Snapshot{}, err
		}
	}
	return m.Snapshot(), nil
}

// ── ask ──────────────────────────────────────────────────────────────────

func newAskCmd(a *app) *cobra.Command {
	var (
		src            sourceFlags
		metric         string
		path           []string
		conversationID string
	)

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask the assistant about the KPI at a point in the tree",
		Long: `Ask a question in the context of --metric and the --path filters.
With --server the server's /api/genie answers; with --file the Gemini API
is called directly (GEMINI_API_KEY) and grounded on the local data.`,
		Example: `  kpitree ask "why is Manhattan so large?" --metric total_amount --path borough=Manhattan`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			segments, err := parsePath(path)
			if err != nil {
				return err
			}
			s, err := a.openSource(src)
			if err != nil {
				return err
			}

			var asker assistant.Assistant
			if s.client != nil {
				asker = assistant.NewRemote(s.client)
			} else {
				if !a.cfg.AssistantEnabled() {
					return errors.New("GEMINI_API_KEY required to ask about a local file")
				}
				asker = assistant.NewGemini(assistant.Config{
					APIKey:   a.cfg.Assistant.APIKey,
					Model:    a.cfg.Assistant.Model,
					Endpoint: a.cfg.Assistant.Endpoint,
					Timeout:  a.cfg.Assistant.Timeout,
				},
					assistant.WithSchema(*s.schema),
					assistant.WithGrounding(server.Grounding(s.backend, s.table)),
					assistant.WithLogger(a.log),
				)
			}

			ans, err := asker.Ask(cmd.Context(), assistant.Question{
				Question:       strings.Join(args, " "),
				Table:          s.table,
				Metric:         metric,
				Path:           segments,
				ConversationID: conversationID,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ans.Response)
			a.log.Info("answered", "conversation", ans.ConversationID)
			return nil
		},
	}

	src.register(cmd)
	cmd.Flags().StringVar(&metric, "metric", "", "KPI metric in view")
	cmd.Flags().StringArrayVar(&path, "path", nil, "Drill path segment dim=value (repeatable, in order)")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "Continue an earlier conversation")
	return cmd
}

func parsePath(raw []string) ([]tree.PathSegment, error) {
	out := make([]tree.PathSegment, 0, len(raw))
	for _, r := range raw {
		dim, value, ok := strings.Cut(r, "=")
		if !ok || strings.TrimSpace(dim) == "" || strings.TrimSpace(value) == "" {
			return nil, fmt.Errorf("invalid --path %q: want dim=value", r)
		}
		out = append(out, tree.PathSegment{Dimension: strings.TrimSpace(dim), Value: strings.TrimSpace(value)})
	}
	return out, nil
}

// ── discover ─────────────────────────────────────────────────────────────

func newDiscoverCmd(a *app) *cobra.Command {
	var (
		file   string
		name   string
		table  string
		pretty bool
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Print the schema discovered from a CSV file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read file: %w", err)
			}
			opts := schema.DefaultDiscoverOptions()
			opts.Name = name
			opts.Table = table
			sch, err := schema.DiscoverFromCSV(raw, opts)
			if err != nil {
				return err
			}
			a.log.Info("schema discovered", "name", sch.Name, "dimensions", len(sch.Dimensions),
				"measures", len(sch.Measures), "skipped", len(sch.SkippedColumns))

			var out []byte
			if pretty {
				out, err = json.MarshalIndent(sch, "", "  ")
			} else {
				out, err = json.Marshal(sch)
			}
			if err != nil {
				return fmt.Errorf("failed to marshal schema: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "CSV file to inspect (required)")
	cmd.Flags().StringVar(&name, "name", "", "Dataset name")
	cmd.Flags().StringVar(&table, "table", "", "Table name")
	cmd.Flags().BoolVar(&pretty, "pretty", false, "Indent the JSON output")
	cmd.MarkFlagRequired("file")
	return cmd
}
