package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobrelay/internal/domain"
)

// processJob claims job, runs it and writes its terminal status. A non-nil
// return means the job was never claimed; failures of the job itself end
// up in the record and return nil.
func (w *Worker) processJob(ctx context.Context, job *domain.Job) error {
	logger := w.logger.With(
		slog.String("job_id", job.ID),
		slog.String("queue", job.Queue),
		slog.String("function", job.Function),
	)

	// Step 1: queued -> started
	if err := w.consumer.Start(ctx, job.ID, w.workerID); err != nil {
		if errors.Is(err, domain.ErrBrokerUnavailable) {
			return domain.NewRetryableError(fmt.Errorf("claim job %s: %w", job.ID, err))
		}
		return fmt.Errorf("claim job %s: %w", job.ID, err)
	}

	w.metrics.JobStarted()
	startedAt := time.Now()
	logger.Info("Processing job")

	// Step 2: run the callable
	result, runErr := w.executeJob(ctx, job)

	// Step 3: started -> finished|failed. Status writes outlive shutdown.
	writeCtx := context.WithoutCancel(ctx)
	status := domain.StatusFinished
	var writeErr error
	if runErr != nil {
		status = domain.StatusFailed
		logger.Warn("Job execution failed", slog.Any("error", runErr))
		writeErr = w.consumer.Fail(writeCtx, job.ID, runErr.Error())
	} else {
		writeErr = w.consumer.Finish(writeCtx, job.ID, result)
	}

	elapsed := time.Since(startedAt)
	w.metrics.RecordCompleted(job.Queue, string(status), elapsed)

	if writeErr != nil {
		// the lease reaper fails the record once its heartbeat goes stale
		logger.Error("Failed to update job status",
			slog.String("status", string(status)),
			slog.Any("error", writeErr),
		)
		return nil
	}

	logger.Info("Job completed",
		slog.String("status", string(status)),
		slog.Duration("elapsed", elapsed),
	)
	return nil
}

type outcome struct {
	value any
	err   error
}

// executeJob resolves and calls the job's function with heartbeat and the
// optional deadline. Stopping the worker does not cancel a running job; it
// drains until it returns or its deadline passes. A callable that ignores
// ctx keeps running in the background after its deadline, but its result
// is discarded.
func (w *Worker) executeJob(ctx context.Context, job *domain.Job) (any, error) {
	callable, err := w.registry.Resolve(job.Function)
	if err != nil {
		return nil, err
	}

	runCtx := context.WithoutCancel(ctx)
	var (
		jobCtx context.Context
		cancel context.CancelFunc
	)
	if w.jobTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(runCtx, w.jobTimeout)
	} else {
		jobCtx, cancel = context.WithCancel(runCtx)
	}
	defer cancel()

	heartbeatDone := make(chan struct{})
	go w.sendJobHeartbeat(jobCtx, job.ID, heartbeatDone)
	defer close(heartbeatDone)

	done := make(chan outcome, 1)
	go func() {
		value, err := safeCall(jobCtx, callable, job.Arguments)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if jobCtx.Err() != nil {
				return nil, w.timedOut()
			}
			return nil, out.err
		}
		return domain.NormalizeValue(out.value)
	case <-jobCtx.Done():
		return nil, w.timedOut()
	}
}

func (w *Worker) timedOut() error {
	return fmt.Errorf("job timed out after %s", w.jobTimeout)
}

func safeCall(ctx context.Context, c *Callable, args map[string]any) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return c.Call(ctx, args)
}

// sendJobHeartbeat periodically refreshes the job's heartbeat timestamp
func (w *Worker) sendJobHeartbeat(ctx context.Context, jobID string, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.consumer.Heartbeat(ctx, jobID, w.workerID)
			switch {
			case err == nil:
				w.logger.Debug("Job heartbeat updated", slog.String("job_id", jobID))
			case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrJobNotFound):
				w.logger.Warn("Job no longer running, heartbeat stopped",
					slog.String("job_id", jobID),
					slog.Any("error", err),
				)
				return
			default:
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.Any("error", err),
				)
			}
		}
	}
}
