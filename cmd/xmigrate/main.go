package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ha1tch/xmigrate/pkg/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Default()
	config.LoadFromEnv(cfg)

	if err := rootCommand(cfg).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// flags that do not live on the config
type options struct {
	models   []string
	graphOut string
	why      []string
}

func rootCommand(cfg *config.Config) *cobra.Command {
	opts := &options{}
	var logger zerolog.Logger

	rootCmd := &cobra.Command{
		Use:           "xmigrate",
		Short:         "Idempotent batch migration between two remote stores",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	setupFlags(rootCmd, cfg, opts)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = newLogger(cfg.LogLevel)
		return err
	}

	log := func() zerolog.Logger { return logger }
	rootCmd.AddCommand(
		runCommand(cfg, opts, log),
		exportCommand(cfg, opts, log),
		planCommand(cfg, opts, log),
		linkCommand(cfg, opts, log),
		versionCommand(),
	)

	return rootCmd
}

func setupFlags(rootCmd *cobra.Command, cfg *config.Config, opts *options) {
	f := rootCmd.PersistentFlags()
	f.StringVar(&cfg.SourceURL, "source", cfg.SourceURL, "Source URL (http(s):// or sqlite://)")
	f.StringVar(&cfg.SourceDB, "source-db", cfg.SourceDB, "Source database")
	f.StringVar(&cfg.TargetURL, "target", cfg.TargetURL, "Target URL (http(s):// or sqlite://)")
	f.StringVar(&cfg.TargetDB, "target-db", cfg.TargetDB, "Target database")
	f.StringVar(&cfg.PlanFile, "plan", cfg.PlanFile, "Migration plan file (yaml, json or toml)")
	f.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory for staged exports")
	f.StringVar(&cfg.ErrorDir, "error-dir", cfg.ErrorDir, "Directory for per entity type error files")
	f.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Records per batch")
	f.StringVar(&cfg.StatusAddr, "status-addr", cfg.StatusAddr, "Serve run progress and metrics on this address")
	f.BoolVar(&cfg.SeedSchemas, "seed-schemas", cfg.SeedSchemas, "Copy source field catalogs onto a sqlite:// target")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	f.StringSliceVar(&opts.models, "models", nil, "Limit the run to these entity types")
}

func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return zerolog.New(os.Stdout).With().
		Timestamp().
		Logger().
		Level(lvl).
		Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}), nil
}

func printBanner(cfg *config.Config, command string) {
	fmt.Println("//////////////////////////// xmigrate " + config.Version + " ////////////////////////////")
	fmt.Println("----------------------------------------------------------------------")
	fmt.Printf("  Command: %s\n", command)
	fmt.Printf("  Source: %s (%s)\n", cfg.SourceEndpoint().Redacted(), cfg.SourceDB)
	fmt.Printf("  Target: %s (%s)\n", cfg.TargetEndpoint().Redacted(), cfg.TargetDB)
	fmt.Printf("  Plan: %s\n", cfg.PlanFile)
	fmt.Printf("  Staging: %s (errors in %s)\n", cfg.DataDir, cfg.ErrorDir)
	fmt.Printf("  Batch size: %d\n", cfg.BatchSize)
	fmt.Printf("  Cache: %s\n", cfg.CacheType)
	if cfg.StatusAddr != "" {
		fmt.Printf("  Status server: %s\n", cfg.StatusAddr)
	}
	fmt.Println("----------------------------------------------------------------------")
	fmt.Println()
}
