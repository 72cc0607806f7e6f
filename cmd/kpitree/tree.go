package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/spektr-org/kpitree/helpers"
	"github.com/spektr-org/kpitree/observability"
	"github.com/spektr-org/kpitree/query"
	"github.com/spektr-org/kpitree/schema"
	"github.com/spektr-org/kpitree/tree"
)

// sourceFlags select where aggregations come from: a local CSV or a server.
type sourceFlags struct {
	file   string
	server string
	table  string
}

func (f *sourceFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.file, "file", "", "Aggregate a local CSV file instead of a server")
	cmd.Flags().StringVar(&f.server, "server", "", "kpitree server URL (overrides client.server_url)")
	cmd.Flags().StringVar(&f.table, "table", "", "Table to query (overrides client.table)")
	cmd.MarkFlagsMutuallyExclusive("file", "server")
}

// source is a resolved aggregation source.
type source struct {
	queries tree.QueryService
	catalog tree.Catalog
	table   string

	// set for --file only
	backend query.Backend
	schema  *schema.Config
	// set for servers only
	client *query.Client
}

func (a *app) openSource(f sourceFlags) (*source, error) {
	if f.file != "" {
		raw, err := os.ReadFile(f.file)
		if err != nil {
			return nil, fmt.Errorf("failed to read file: %w", err)
		}
		opts := schema.DefaultDiscoverOptions()
		opts.Table = f.table
		ds, sch, err := helpers.LoadDataset(raw, nil, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", f.file, err)
		}
		a.log.Debug("dataset loaded", "file", f.file, "rows", ds.Len(), "table", sch.Table)
		mem := query.NewMemory(ds, *sch)
		local := query.NewLocal(mem, sch.Table)
		return &source{queries: local, catalog: local, table: sch.Table, backend: mem, schema: sch}, nil
	}

	url := a.cfg.Client.ServerURL
	if f.server != "" {
		url = f.server
	}
	table := a.cfg.Client.Table
	if f.table != "" {
		table = f.table
	}
	client := query.NewClient(url, table,
		query.WithTimeout(a.cfg.Client.Timeout),
		query.WithClientLogger(a.log),
	)
	return &source{queries: client, catalog: client, table: table, client: client}, nil
}

// split is one --split flag: a dimension, optionally drilled into value.
type split struct {
	dimension string
	value     string
}

func parseSplits(raw []string) ([]split, error) {
	out := make([]split, 0, len(raw))
	for _, r := range raw {
		dim, value, _ := strings.Cut(r, "=")
		dim = strings.TrimSpace(dim)
		if dim == "" {
			return nil, fmt.Errorf("invalid --split %q: want dim or dim=value", r)
		}
		out = append(out, split{dimension: dim, value: strings.TrimSpace(value)})
	}
	return out, nil
}

func newTreeCmd(a *app) *cobra.Command {
	var (
		src    sourceFlags
		metric string
		splits []string
		format string
		watch  bool
	)

	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Build a decomposition tree and print it",
		Long: `Build a decomposition tree for --metric. Each --split adds a level;
dim=value also drills into value so the next split is filtered by it.`,
		Example: `  kpitree tree --file trips.csv --metric total_amount --split borough=Manhattan --split vendor_id
  kpitree tree --server http://localhost:8000 --metric trip_distance --split payment_type --format text`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseSplits(splits)
			if err != nil {
				return err
			}
			s, err := a.openSource(src)
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			m := tree.NewManager(s.queries, s.catalog,
				tree.WithLogger(a.log),
				tree.WithMetrics(observability.NewTreeMetrics(reg)),
			)
			out := cmd.OutOrStdout()
			if watch {
				unsubscribe := m.Subscribe(func(snap tree.Snapshot) {
					writeWatchLine(out, snap)
				})
				defer unsubscribe()
			}

			snap, err := buildTree(cmd.Context(), m, metric, parsed)
			if err != nil {
				return err
			}
			return render(out, format, snap)
		},
	}

	src.register(cmd)
	cmd.Flags().StringVar(&metric, "metric", "", "KPI metric to decompose (required)")
	cmd.Flags().StringArrayVar(&splits, "split", nil, "Split by dim, or dim=value to also drill into value (repeatable)")
	cmd.Flags().StringVar(&format, "format", "text", "Output format: json, pretty, text, csv")
	cmd.Flags().BoolVar(&watch, "watch", false, "Print every published snapshot while building")
	cmd.MarkFlagRequired("metric")
	return cmd
}

func newDimsCmd(a *app) *cobra.Command {
	var src sourceFlags

	cmd := &cobra.Command{
		Use:   "dims",
		Short: "List the dimensions available for splitting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openSource(src)
			if err != nil {
				return err
			}
			dims, err := s.catalog.FetchAvailableDimensions(cmd.Context())
			if err != nil {
				return err
			}
			if len(dims) == 0 {
				return errors.New("no dimensions available")
			}
			for _, d := range dims {
				fmt.Fprintln(cmd.OutOrStdout(), d)
			}
			return nil
		},
	}
	src.register(cmd)
	return cmd
}
