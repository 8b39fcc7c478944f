package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cuongbtq/jobrelay/internal/broker"
	"github.com/cuongbtq/jobrelay/internal/domain"
	"github.com/cuongbtq/jobrelay/internal/metrics"
	"github.com/google/uuid"
)

const (
	defaultHeartbeatInterval = 10 * time.Second
	defaultRetryDelay        = time.Second
)

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	Broker            broker.Consumer
	Registry          *Registry
	Metrics           *metrics.Collector
	Queues            []string
	Concurrency       int
	JobTimeout        time.Duration // 0 disables the per-job deadline
	HeartbeatInterval time.Duration
	WorkerID          string // generated from hostname and pid when empty
}

// Worker represents the background job worker
type Worker struct {
	logger            *slog.Logger
	consumer          broker.Consumer
	registry          *Registry
	metrics           *metrics.Collector
	workerID          string
	queues            []string
	concurrency       int
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	retryDelay        time.Duration
	wg                sync.WaitGroup
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) (*Worker, error) {
	if cfg.Broker == nil {
		return nil, fmt.Errorf("worker broker is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("worker registry is required")
	}

	w := &Worker{
		logger:            cfg.Logger,
		consumer:          cfg.Broker,
		registry:          cfg.Registry,
		metrics:           cfg.Metrics,
		workerID:          cfg.WorkerID,
		queues:            cfg.Queues,
		concurrency:       cfg.Concurrency,
		jobTimeout:        cfg.JobTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		retryDelay:        defaultRetryDelay,
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.workerID == "" {
		w.workerID = NewID()
	}
	if len(w.queues) == 0 {
		w.queues = []string{domain.DefaultQueue}
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	if w.heartbeatInterval <= 0 {
		w.heartbeatInterval = defaultHeartbeatInterval
	}
	w.logger = w.logger.With(slog.String("worker_id", w.workerID))
	return w, nil
}

// ID returns the identifier written into started records
func (w *Worker) ID() string {
	return w.workerID
}

// Start runs the listen loops until ctx is canceled, then waits for the
// jobs in progress to be settled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.Any("queues", w.queues),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
		slog.Duration("heartbeat_interval", w.heartbeatInterval),
		slog.Any("jobs", w.registry.Keys()),
	)

	w.spawnWorkerPool(ctx)

	<-ctx.Done()
	w.logger.Info("Worker context canceled, stopping...")

	w.wg.Wait()
	w.logger.Info("Worker stopped")
	return nil
}

// shouldRequeueJob reports whether a delivery whose job never started
// should go back to the queue. Only transient broker failures qualify.
func shouldRequeueJob(err error) bool {
	var retryableErr *domain.RetryableError
	return errors.As(err, &retryableErr)
}

// NewID returns a worker id of the form host.pid.random
func NewID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s.%d.%s", host, os.Getpid(), uuid.NewString()[:8])
}
