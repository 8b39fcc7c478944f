// Package queue is the web-side entry point to the broker: it turns a
// validated request into a job and reads job records back for polling.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/jobrelay/internal/broker"
	"github.com/cuongbtq/jobrelay/internal/domain"
	"github.com/cuongbtq/jobrelay/internal/metrics"
)

// Client enqueues jobs and fetches their status
type Client struct {
	publisher broker.Publisher
	logger    *slog.Logger
	metrics   *metrics.Collector
	now       func() time.Time
	newID     func() string
}

// Option configures the Client
type Option func(*Client)

// WithMetrics records enqueue counters on m
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

// WithIDGenerator overrides job id generation
func WithIDGenerator(fn func() string) Option {
	return func(c *Client) { c.newID = fn }
}

// NewClient creates a queue client over publisher
func NewClient(publisher broker.Publisher, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Enqueue validates req and hands a new job to the broker. Broker failures
// are returned as *domain.BrokerError and never retried here.
func (c *Client) Enqueue(ctx context.Context, req domain.Request) (domain.Handle, error) {
	if err := req.Validate(); err != nil {
		return domain.Handle{}, err
	}

	job := &domain.Job{
		ID:         c.newID(),
		Queue:      req.Queue,
		Function:   req.Descriptor.Key(),
		Arguments:  req.Arguments,
		EnqueuedAt: c.now().UTC(),
	}

	if err := c.publisher.Enqueue(ctx, job); err != nil {
		c.metrics.RecordEnqueueFailure(job.Queue)
		c.logger.Error("Failed to enqueue job",
			slog.String("function", job.Function),
			slog.String("queue", job.Queue),
			slog.Any("error", err),
		)
		if errors.Is(err, domain.ErrBrokerUnavailable) {
			return domain.Handle{}, err
		}
		return domain.Handle{}, fmt.Errorf("failed to enqueue job: %w", err)
	}

	c.metrics.RecordEnqueue(job.Queue)
	c.logger.Info("Job enqueued",
		slog.String("job_id", job.ID),
		slog.String("function", job.Function),
		slog.String("queue", job.Queue),
	)

	return domain.Handle{
		JobID:       job.ID,
		Queue:       job.Queue,
		SubmittedAt: job.EnqueuedAt,
	}, nil
}

// FetchStatus returns the current record of jobID. It never mutates state.
func (c *Client) FetchStatus(ctx context.Context, jobID string) (*domain.Record, error) {
	if jobID == "" {
		return nil, domain.ErrJobNotFound
	}

	rec, err := c.publisher.Fetch(ctx, jobID)
	if err != nil {
		if !errors.Is(err, domain.ErrJobNotFound) {
			c.logger.Error("Failed to fetch job status",
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
		}
		return nil, err
	}
	return rec, nil
}

// Ping reports whether the broker is reachable
func (c *Client) Ping(ctx context.Context) error {
	return c.publisher.Ping(ctx)
}
