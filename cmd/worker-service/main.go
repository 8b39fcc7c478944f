package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/jobrelay/internal/bootstrap"
	"github.com/cuongbtq/jobrelay/internal/config"
	"github.com/cuongbtq/jobrelay/internal/jobs"
	"github.com/cuongbtq/jobrelay/internal/metrics"
	"github.com/cuongbtq/jobrelay/internal/worker"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	workerID := worker.NewID()
	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("worker_id", workerID),
	)

	registry := worker.NewRegistry()
	if err := jobs.Register(registry); err != nil {
		return fmt.Errorf("failed to register jobs: %w", err)
	}

	// Connect the broker; the worker id doubles as the RabbitMQ consumer tag
	b, err := bootstrap.OpenBroker(context.Background(), cfg, appLogger.Logger, workerID)
	if err != nil {
		return fmt.Errorf("failed to open broker: %w", err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			appLogger.Error("Failed to close broker", slog.Any("error", err))
		}
	}()

	collector := metrics.NewCollector()

	workerInstance, err := worker.NewWorker(&worker.Config{
		Logger:            appLogger.Logger,
		Broker:            b,
		Registry:          registry,
		Metrics:           collector,
		Queues:            cfg.Worker.Queues,
		Concurrency:       cfg.Worker.Concurrency,
		JobTimeout:        cfg.Worker.JobTimeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		WorkerID:          workerID,
	})
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	reaper, err := worker.NewReaper(&worker.ReaperConfig{
		Logger:       appLogger.Logger,
		Broker:       b,
		Metrics:      collector,
		Queues:       cfg.Worker.Queues,
		LeaseTimeout: cfg.Worker.LeaseTimeout,
		Schedule:     cfg.Worker.ReapSchedule,
	})
	if err != nil {
		return fmt.Errorf("failed to create reaper: %w", err)
	}

	// Create context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return workerInstance.Start(gctx) })
	g.Go(func() error { return reaper.Start(gctx) })
	if cfg.Worker.MetricsPort != 0 {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.Worker.MetricsPort, collector, appLogger.Logger)
		})
	}

	appLogger.Info("Worker service started successfully")

	<-gctx.Done()
	appLogger.Info("Shutting down worker service...")

	// Give in-flight jobs time to settle
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		appLogger.Info("Worker stopped gracefully")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// serveMetrics exposes the collector until ctx is canceled
func serveMetrics(ctx context.Context, port int, collector *metrics.Collector, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving worker metrics", slog.String("address", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}
