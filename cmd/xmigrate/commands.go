package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ha1tch/xmigrate/pkg/batch"
	"github.com/ha1tch/xmigrate/pkg/cache"
	"github.com/ha1tch/xmigrate/pkg/config"
	"github.com/ha1tch/xmigrate/pkg/mapping"
	"github.com/ha1tch/xmigrate/pkg/metrics"
	"github.com/ha1tch/xmigrate/pkg/migrate"
	"github.com/ha1tch/xmigrate/pkg/remote"
	"github.com/ha1tch/xmigrate/pkg/server"
	"github.com/ha1tch/xmigrate/pkg/staging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// app is one wired migration process
type app struct {
	cfg     *config.Config
	plan    *config.Plan
	source  *remote.Client
	target  *remote.Client
	cache   cache.MappingCache
	creator *batch.Creator
	dir     *staging.Dir
	metrics *metrics.Metrics
	driver  *migrate.Driver
	logger  zerolog.Logger
}

func setup(ctx context.Context, cfg *config.Config, opts *options, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	plan, err := config.LoadPlan(cfg.PlanFile)
	if err != nil {
		return nil, err
	}
	if _, err := plan.Select(opts.models); err != nil {
		return nil, err
	}
	a.plan = plan

	tables, err := plan.LoadTables()
	if err != nil {
		return nil, fmt.Errorf("failed to load remap tables: %w", err)
	}

	a.metrics, err = metrics.New()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	clientOpts := remote.Options{
		Policy:    cfg.RetryPolicy(),
		RateLimit: cfg.RPCRateLimit,
		Observer:  a.metrics,
	}
	if a.source, err = a.dial(ctx, cfg.SourceEndpoint(), clientOpts); err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	if a.target, err = a.dial(ctx, cfg.TargetEndpoint(), clientOpts); err != nil {
		a.Close()
		return nil, fmt.Errorf("target: %w", err)
	}

	if cfg.SeedSchemas {
		if err := a.seedSchemas(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	ttl := time.Duration(cfg.CacheTTL) * time.Second
	a.cache, err = cache.New(cfg.CacheType, cfg.CacheSize, ttl, cfg.RedisHost, cfg.RedisPort)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to set up mapping cache, falling back to memory cache")
		a.cache = cache.NewMemoryCache(cfg.CacheSize, ttl)
	}
	logger.Info().Str("type", cfg.CacheType).Msg("Mapping cache initialized")

	store := mapping.NewStore(a.target, cfg.MappingModel, logger,
		mapping.WithCache(a.cache),
		mapping.WithPageSize(cfg.ReadPageSize),
	)
	a.creator, err = batch.NewCreator(a.target, store, cfg.BatchConfig(), logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.dir, err = staging.New(cfg.DataDir, cfg.ErrorDir, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.driver = migrate.New(a.source, a.target, store, a.creator, a.dir, migrate.Options{
		Plan:         plan,
		Tables:       tables,
		BatchSize:    cfg.BatchSize,
		ReadPageSize: cfg.ReadPageSize,
		Only:         opts.models,
		Observer:     a.metrics,
	}, logger)
	return a, nil
}

func (a *app) dial(ctx context.Context, ep remote.Endpoint, opts remote.Options) (*remote.Client, error) {
	client, err := remote.Dial(ep, opts, a.logger)
	if err != nil {
		return nil, err
	}
	uid, err := client.Authenticate(ctx)
	if err != nil {
		client.Close()
		return nil, err
	}
	a.logger.Info().Str("url", ep.Redacted()).Str("db", ep.DB).Int("uid", uid).Msg("Connected")
	return client, nil
}

// seedSchemas copies the source field catalogs of the plan onto a local target
func (a *app) seedSchemas(ctx context.Context) error {
	local, ok := a.target.Transport().(*remote.LocalTransport)
	if !ok {
		a.logger.Warn().Msg("Schema seeding needs a sqlite:// target, skipping")
		return nil
	}
	for _, spec := range a.plan.Models {
		catalog := a.source.FieldsGet(ctx, spec.Source)
		if len(catalog) == 0 {
			continue
		}
		if err := local.SeedSchema(ctx, spec.TargetName(), catalog); err != nil {
			return fmt.Errorf("failed to seed schema of %s: %w", spec.TargetName(), err)
		}
		a.logger.Debug().Str("model", spec.TargetName()).Int("fields", len(catalog)).Msg("Seeded schema")
	}
	return nil
}

// serveStatus starts the status server when an address is configured
func (a *app) serveStatus(ctx context.Context) {
	if a.cfg.StatusAddr == "" {
		return
	}
	_, g, _ := a.driver.Order(ctx)
	srv := server.New(a.driver.Tracker(), server.Options{
		Errors:  a.dir,
		Graph:   g,
		Metrics: a.metrics.Handler(),
	}, a.logger)
	go func() {
		if err := srv.Start(ctx, a.cfg.StatusAddr); err != nil {
			a.logger.Error().Err(err).Msg("Status server failed")
		}
	}()
}

// Close releases connections and workers
func (a *app) Close() {
	if a.creator != nil {
		a.creator.Release()
	}
	if a.cache != nil {
		a.cache.Close()
	}
	if a.target != nil {
		a.target.Close()
	}
	if a.source != nil {
		a.source.Close()
	}
}

func runCommand(cfg *config.Config, opts *options, log func() zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Export, migrate and link every entity type of the plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner(cfg, "run")
			ctx := cmd.Context()
			a, err := setup(ctx, cfg, opts, log())
			if err != nil {
				return err
			}
			defer a.Close()

			a.serveStatus(ctx)
			stats, err := a.driver.Run(ctx)
			printSummary(a.driver.Tracker().Snapshot())
			if err != nil {
				return err
			}
			if stats.Errors > 0 {
				a.logger.Warn().Int("errors", stats.Errors).Str("dir", cfg.ErrorDir).Msg("Some records were not migrated")
			}
			return nil
		},
	}
}

func exportCommand(cfg *config.Config, opts *options, log func() zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Stage the source records without migrating them",
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner(cfg, "export")
			a, err := setup(cmd.Context(), cfg, opts, log())
			if err != nil {
				return err
			}
			defer a.Close()
			return a.driver.Export(cmd.Context())
		},
	}
}

func planCommand(cfg *config.Config, opts *options, log func() zerolog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the migration order",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context(), cfg, opts, log())
			if err != nil {
				return err
			}
			defer a.Close()

			order, g, missing := a.driver.Order(cmd.Context())
			for i, step := range order.Steps {
				line := fmt.Sprintf("%3d. %s (level %d)", i+1, step.Model, step.Level)
				if len(step.DependsOn) > 0 {
					line += " after " + strings.Join(step.DependsOn, ", ")
				}
				fmt.Println(line)
			}
			for _, e := range order.Broken {
				fmt.Printf("cycle: %s ignored\n", e)
			}
			for _, m := range missing {
				fmt.Printf("missing in source: %s\n", m)
			}

			if len(opts.why) > 0 {
				if len(opts.why) != 2 {
					return fmt.Errorf("--why takes two entity types, got %d", len(opts.why))
				}
				path, err := g.Path(opts.why[0], opts.why[1])
				if err != nil {
					return err
				}
				fmt.Printf("%s waits for %s:\n", opts.why[0], opts.why[1])
				for _, e := range path {
					fmt.Printf("  %s\n", e)
				}
			}

			if opts.graphOut != "" {
				if err := g.Save(opts.graphOut); err != nil {
					return fmt.Errorf("failed to save graph: %w", err)
				}
				a.logger.Info().Str("file", opts.graphOut).Int("nodes", g.NodeCount()).Int("edges", g.EdgeCount()).Msg("Graph saved")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.graphOut, "graph-out", "", "Write the dependency graph to this file")
	cmd.Flags().StringSliceVar(&opts.why, "why", nil, "Print the dependency chain between two entity types (FROM,TO)")
	return cmd
}

func linkCommand(cfg *config.Config, opts *options, log func() zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "link",
		Short: "Apply staged many2many relations to migrated records",
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner(cfg, "link")
			a, err := setup(cmd.Context(), cfg, opts, log())
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.driver.Link(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Relations: expected %d, resolved %d, applied %d, records written %d\n",
				stats.Expected, stats.Resolved, stats.Applied, stats.Written)
			return nil
		},
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("xmigrate " + config.Version)
		},
	}
}

func printSummary(p migrate.Progress) {
	fmt.Println()
	fmt.Println("Migration summary:")
	for _, mp := range p.Models {
		fmt.Printf("  %-40s %-8s created %6d  skipped %6d  errors %6d  total %6d\n",
			mp.Model, mp.State, mp.Stats.Created, mp.Stats.Skipped, mp.Stats.Errors, mp.Stats.Total)
	}
	fmt.Printf("  %-40s %-8s created %6d  skipped %6d  errors %6d  total %6d\n",
		"all", "", p.Stats.Created, p.Stats.Skipped, p.Stats.Errors, p.Stats.Total)
}
