package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobrelay/internal/broker"
	"github.com/cuongbtq/jobrelay/internal/domain"
)

// spawnWorkerPool spawns N listen loops based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}

	w.logger.Info("Worker pool spawned successfully",
		slog.Int("worker_count", w.concurrency),
	)
}

// workerLoop dequeues and runs jobs one at a time until ctx is canceled
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	logger := w.logger.With(slog.String("worker_name", workerName))
	logger.Debug("Worker goroutine started")

	for {
		delivery, err := w.consumer.Dequeue(ctx, w.queues)
		if ctx.Err() != nil {
			if delivery != nil {
				// popped just before shutdown; let the broker have it back
				_ = delivery.Nack(true)
			}
			logger.Debug("Worker goroutine stopping - context canceled")
			return
		}
		if err != nil {
			logger.Warn("Failed to dequeue job",
				slog.Any("error", err),
				slog.Duration("retry_in", w.retryDelay),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.retryDelay):
			}
			continue
		}

		w.settle(logger, delivery, w.processJob(ctx, delivery.Job))
	}
}

// settle acknowledges the delivery once the job's record is terminal, or
// hands it back to the broker when the job never started
func (w *Worker) settle(logger *slog.Logger, delivery *broker.Delivery, err error) {
	jobID := delivery.Job.ID

	if err == nil {
		if ackErr := delivery.Ack(); ackErr != nil {
			logger.Error("Failed to ACK message",
				slog.String("job_id", jobID),
				slog.Any("error", ackErr),
			)
		}
		return
	}

	requeue := shouldRequeueJob(err)
	level := slog.LevelError
	if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrJobNotFound) {
		// already claimed, reaped or expired
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "Job processing failed",
		slog.String("job_id", jobID),
		slog.Any("error", err),
		slog.Bool("requeue", requeue),
	)

	if nackErr := delivery.Nack(requeue); nackErr != nil {
		logger.Error("Failed to NACK message",
			slog.String("job_id", jobID),
			slog.Any("error", nackErr),
		)
	}
}
