package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/clowderhq/clowder/internal/api"
	"github.com/clowderhq/clowder/internal/config"
	"github.com/clowderhq/clowder/internal/db"
	"github.com/clowderhq/clowder/internal/logging"
	"github.com/clowderhq/clowder/internal/services"
)

var version = "0.1.0"

func main() {
	root := &cobra.Command{
		Use:     "clowder",
		Short:   "Clowder orchestrates multi-step agent pipelines",
		Version: version,
	}
	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var (
		logLevel   string
		configPath string
		dbPath     string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and the scheduling loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			// .env values feed config overrides; a missing file is fine.
			_ = godotenv.Load()

			level, err := logging.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			logging.Setup(level)

			var cfg *config.Config
			if configPath != "" {
				cfg, err = config.Load(configPath)
			} else {
				cfg, err = config.LoadDefault()
			}
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if dbPath != "" {
				cfg.Database.Path = dbPath
			} else if env := os.Getenv("CLOWDER_DB"); env != "" {
				cfg.Database.Path = env
			}
			if port != 0 {
				cfg.Server.Port = port
			}

			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "INFO", "minimum log level (TRACE, DEBUG, INFO, WARNING, ERROR)")
	cmd.Flags().StringVar(&configPath, "config", "", "path to config.yaml")
	cmd.Flags().StringVar(&dbPath, "db", "", "path to the SQLite database file")
	cmd.Flags().IntVar(&port, "port", 0, "HTTP listen port (overrides config)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(ctx, cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return err
	}
	if err := store.SeedTemplates(ctx, cfg.Database.SeedPath); err != nil {
		return err
	}

	instantiator := services.NewInstantiator(store)
	propagator := services.NewPropagator(store)
	multiplier := services.NewMultiplier(store)
	executor := services.NewExecutor(store, multiplier, propagator, cfg.Executor.HarnessCommand)
	scheduler := services.NewScheduler(store, executor, propagator,
		time.Duration(cfg.Scheduler.PollIntervalSeconds)*time.Second,
		cfg.Scheduler.MaxWorkers)
	pipelineSvc := services.NewPipelineService(store, instantiator)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.NewServer(pipelineSvc).Handler(),
	}

	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting clowder server", "addr", srv.Addr, "db", cfg.Database.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")
		scheduler.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
