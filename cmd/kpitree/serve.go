package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/spektr-org/kpitree/assistant"
	"github.com/spektr-org/kpitree/config"
	"github.com/spektr-org/kpitree/engine"
	"github.com/spektr-org/kpitree/helpers"
	"github.com/spektr-org/kpitree/observability"
	"github.com/spektr-org/kpitree/query"
	"github.com/spektr-org/kpitree/schema"
	"github.com/spektr-org/kpitree/server"
	"github.com/spektr-org/kpitree/store"
)

func newServeCmd(a *app) *cobra.Command {
	var addr, data, backend string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the aggregation API",
		Long: `Serve /api/total-sales, /api/split-data, /api/available-dims and
/api/genie (when GEMINI_API_KEY is set) over a CSV file held in memory
or imported into SQLite. Prometheus metrics are exposed at /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				a.cfg.Server.Addr = addr
			}
			if data != "" {
				a.cfg.Server.Data = data
			}
			if backend != "" {
				a.cfg.Server.Backend = backend
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().StringVar(&data, "data", "", "CSV file to serve (overrides server.data)")
	cmd.Flags().StringVar(&backend, "backend", "", "Backend: memory or sqlite (overrides server.backend)")
	return cmd
}

// serve builds the backend and runs the HTTP server until ctx is done.
func (a *app) serve(ctx context.Context) error {
	backend, sch, closeFn, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := []server.Option{
		server.WithLogger(a.log),
		server.WithMetrics(observability.NewHTTPMetrics(reg), reg),
	}
	if a.cfg.AssistantEnabled() {
		gemini := assistant.NewGemini(assistant.Config{
			APIKey:   a.cfg.Assistant.APIKey,
			Model:    a.cfg.Assistant.Model,
			Endpoint: a.cfg.Assistant.Endpoint,
			Timeout:  a.cfg.Assistant.Timeout,
		},
			assistant.WithSchema(*sch),
			assistant.WithGrounding(server.Grounding(backend, sch.Table)),
			assistant.WithLogger(a.log),
		)
		opts = append(opts, server.WithAssistant(gemini))
	} else {
		a.log.Info("assistant disabled, set GEMINI_API_KEY to enable /api/genie")
	}

	allow := a.cfg.AllowList(*sch)
	a.log.Info("serving dataset",
		"backend", a.cfg.Server.Backend,
		"tables", allow.Tables,
		"metrics", allow.Metrics,
		"dimensions", allow.Dimensions,
	)
	srv := server.New(backend, allow, opts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, a.cfg.Server.Addr)
	})
	return g.Wait()
}

// openBackend returns the configured backend and the schema it serves.
func (a *app) openBackend(ctx context.Context) (query.Backend, *schema.Config, func(), error) {
	sc := a.cfg.Server

	var (
		records []engine.Record
		sch     *schema.Config
	)
	if sc.Data != "" {
		raw, err := os.ReadFile(sc.Data)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to read data file: %w", err)
		}
		opts := schema.DefaultDiscoverOptions()
		opts.Name = a.cfg.Dataset.Name
		opts.Table = sc.Table
		if sch, err = schema.DiscoverFromCSV(raw, opts); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to discover schema of %s: %w", sc.Data, err)
		}
		if records, err = helpers.ParseCSV(raw, *sch); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to parse %s: %w", sc.Data, err)
		}
		a.log.Info("dataset loaded", "file", sc.Data, "rows", len(records), "dimensions", len(sch.Dimensions), "measures", len(sch.Measures))
	}

	switch sc.Backend {
	case config.BackendSQLite:
		storeOpts := []store.Option{
			store.WithSplitLimit(sc.SplitLimit),
			store.WithLogger(a.log),
		}
		prepopulated := sch == nil
		if prepopulated {
			// serve an existing database described by the dataset section
			sch = datasetSchema(a.cfg)
			storeOpts = append(storeOpts, store.WithAllowList(schema.AllowListFromConfig(*sch)))
		}
		db, err := store.Open(sc.SQLitePath, storeOpts...)
		if err != nil {
			return nil, nil, nil, err
		}
		closeFn := func() { db.Close() }
		if !prepopulated {
			if err := db.Import(ctx, *sch, records); err != nil {
				closeFn()
				return nil, nil, nil, err
			}
		}
		return db, sch, closeFn, nil

	default:
		if sch == nil {
			return nil, nil, nil, errors.New("server.data (a CSV file) is required for the memory backend")
		}
		var opts []engine.Option
		if sc.SplitLimit > 0 {
			opts = append(opts, engine.WithSplitLimit(sc.SplitLimit))
		}
		mem := query.NewMemory(engine.NewDataset(records), *sch, opts...)
		return mem, sch, func() {}, nil
	}
}

// datasetSchema describes a pre-populated table from the config alone.
func datasetSchema(cfg config.Config) *schema.Config {
	sch := &schema.Config{Name: cfg.Dataset.Name, Table: cfg.Server.Table}
	for _, d := range cfg.Dataset.Dimensions {
		sch.Dimensions = append(sch.Dimensions, schema.DefaultDimension(d, engine.LabelForDimension(d), nil))
	}
	for _, m := range cfg.Dataset.Metrics {
		sch.Measures = append(sch.Measures, schema.DefaultMeasure(m, engine.LabelForDimension(m)))
	}
	return sch
}
