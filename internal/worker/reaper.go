package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobrelay/internal/broker"
	"github.com/cuongbtq/jobrelay/internal/metrics"
	"github.com/robfig/cron/v3"
)

// ReaperConfig holds lease reaper configuration
type ReaperConfig struct {
	Logger       *slog.Logger
	Broker       broker.Consumer
	Metrics      *metrics.Collector
	Queues       []string
	LeaseTimeout time.Duration
	Schedule     string // standard cron spec or @every descriptor
}

// Reaper fails started jobs whose worker stopped sending heartbeats.
// Reaped jobs are not requeued.
type Reaper struct {
	logger       *slog.Logger
	consumer     broker.Consumer
	metrics      *metrics.Collector
	queues       []string
	leaseTimeout time.Duration
	cron         *cron.Cron
}

// NewReaper creates a reaper scheduled on cfg.Schedule
func NewReaper(cfg *ReaperConfig) (*Reaper, error) {
	if cfg.LeaseTimeout <= 0 {
		return nil, fmt.Errorf("lease timeout must be greater than 0")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Reaper{
		logger:       logger,
		consumer:     cfg.Broker,
		metrics:      cfg.Metrics,
		queues:       cfg.Queues,
		leaseTimeout: cfg.LeaseTimeout,
		cron:         cron.New(),
	}
	if _, err := r.cron.AddFunc(cfg.Schedule, func() { r.ReapOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid reap schedule %q: %w", cfg.Schedule, err)
	}
	return r, nil
}

// Start runs the schedule until ctx is canceled and waits for a running
// sweep to finish
func (r *Reaper) Start(ctx context.Context) error {
	r.logger.Info("Starting lease reaper",
		slog.Any("queues", r.queues),
		slog.Duration("lease_timeout", r.leaseTimeout),
	)
	r.cron.Start()

	<-ctx.Done()
	<-r.cron.Stop().Done()
	r.logger.Info("Lease reaper stopped")
	return nil
}

// ReapOnce sweeps every queue and returns the number of jobs failed
func (r *Reaper) ReapOnce(ctx context.Context) int {
	total := 0
	for _, queue := range r.queues {
		reaped, err := r.consumer.ReapStale(ctx, queue, r.leaseTimeout)
		if err != nil {
			r.logger.Error("Failed to reap stale jobs",
				slog.String("queue", queue),
				slog.Any("error", err),
			)
			continue
		}
		if len(reaped) == 0 {
			continue
		}

		r.metrics.RecordReaped(queue, len(reaped))
		r.logger.Warn("Reaped jobs with expired lease",
			slog.String("queue", queue),
			slog.Any("job_ids", reaped),
		)
		total += len(reaped)
	}
	return total
}
