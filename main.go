package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"docqa/internal/app"
	"docqa/internal/config"
	"docqa/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:           "docqa",
	Short:         "Grounded question answering over uploaded documents",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (and in-process ingestion unless dispatch is nsq)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.EnableAPI = true
		return run(cmd.Context(), cfg)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume queued ingest tasks without serving the API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.IngestDispatch != config.DispatchNSQ {
			return fmt.Errorf("worker needs INGEST_DISPATCH=%s", config.DispatchNSQ)
		}
		cfg.EnableAPI = false
		cfg.EnableIngestWorker = true
		return run(cmd.Context(), cfg)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := app.OpenDB(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		return app.Migrate(db, cfg.MigrationPath)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, workerCmd, migrateCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("docqa exited", "error", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	slog.SetDefault(logger.New(os.Stdout, cfg.LogLevel))
	return cfg, nil
}

// run starts the roles cfg enables and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config) error {
	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.Close(); err != nil {
			slog.Warn("failed to close dependencies", "error", err)
		}
	}()

	a, err := app.New(cfg, deps)
	if err != nil {
		return err
	}

	if cfg.EnableIngestWorker && cfg.IngestDispatch == config.DispatchNSQ {
		consumer, err := a.StartIngestConsumer()
		if err != nil {
			return err
		}
		defer func() {
			consumer.Stop()
			<-consumer.StopChan
		}()
	}

	if cfg.EnableAPI {
		return a.Run(ctx)
	}

	slog.Info("worker running", "dispatch", cfg.IngestDispatch)
	<-ctx.Done()
	if err := a.Close(); err != nil {
		return err
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}
