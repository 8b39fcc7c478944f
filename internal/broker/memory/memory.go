// Package memory implements broker.Broker in process memory. It is safe for
// concurrent use and intended for tests and single-process development runs.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cuongbtq/jobrelay/internal/broker"
	"github.com/cuongbtq/jobrelay/internal/domain"
)

var _ broker.Broker = (*Broker)(nil)

// errUnavailable is returned while the broker is switched off with SetAvailable
var errUnavailable = errors.New("memory broker switched off")

// Option configures the Broker
type Option func(*Broker)

// WithResultTTL sets how long terminal records remain readable
func WithResultTTL(d time.Duration) Option {
	return func(b *Broker) { b.resultTTL = d }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// Broker is an in-memory job broker
type Broker struct {
	mu        sync.Mutex
	records   map[string]*domain.Record
	arguments map[string]map[string]any
	queues    map[string][]string
	signal    chan struct{}
	available bool
	closed    bool

	resultTTL time.Duration
	now       func() time.Time
}

// New returns an empty Broker
func New(opts ...Option) *Broker {
	b := &Broker{
		records:   make(map[string]*domain.Record),
		arguments: make(map[string]map[string]any),
		queues:    make(map[string][]string),
		signal:    make(chan struct{}),
		available: true,
		resultTTL: broker.DefaultResultTTL,
		now:       time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// SetAvailable simulates losing and regaining the broker connection
func (b *Broker) SetAvailable(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.available = ok
}

// Ping fails while the broker is switched off or closed
func (b *Broker) Ping(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.checkLocked("ping")
}

// Close wakes blocked consumers and rejects further calls
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.signal)
	}
	return nil
}

// Enqueue stores the job as queued and appends it to its queue
func (b *Broker) Enqueue(_ context.Context, job *domain.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkLocked("enqueue"); err != nil {
		return err
	}
	if _, exists := b.records[job.ID]; exists {
		return domain.ErrJobAlreadyExists
	}

	args := make(map[string]any, len(job.Arguments))
	for k, v := range job.Arguments {
		args[k] = v
	}

	b.records[job.ID] = &domain.Record{
		JobID:      job.ID,
		Queue:      job.Queue,
		Function:   job.Function,
		Status:     domain.StatusQueued,
		EnqueuedAt: job.EnqueuedAt,
	}
	b.arguments[job.ID] = args
	b.queues[job.Queue] = append(b.queues[job.Queue], job.ID)

	b.wakeLocked()
	return nil
}

// Dequeue pops the oldest job from the first non-empty queue, blocking
// until one arrives or ctx is done
func (b *Broker) Dequeue(ctx context.Context, queues []string) (*broker.Delivery, error) {
	for {
		b.mu.Lock()
		if err := b.checkLocked("dequeue"); err != nil {
			b.mu.Unlock()
			return nil, err
		}
		for _, q := range queues {
			ids := b.queues[q]
			if len(ids) == 0 {
				continue
			}
			id := ids[0]
			b.queues[q] = ids[1:]

			rec, ok := b.records[id]
			if !ok {
				continue
			}
			job := &domain.Job{
				ID:         rec.JobID,
				Queue:      rec.Queue,
				Function:   rec.Function,
				Arguments:  b.arguments[id],
				EnqueuedAt: rec.EnqueuedAt,
			}
			b.mu.Unlock()
			return broker.NewDelivery(job, nil, b.nackFunc(job)), nil
		}
		wait := b.signal
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// nackFunc puts a requeued job back at the head of its queue so it is the
// next one dequeued. Only queued jobs go back. It ignores SetAvailable, the
// job never left the process.
func (b *Broker) nackFunc(job *domain.Job) func(bool) error {
	return func(requeue bool) error {
		if !requeue {
			return nil
		}
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.closed {
			return domain.NewBrokerError("nack", errors.New("memory broker closed"))
		}
		rec, ok := b.records[job.ID]
		if !ok {
			return domain.ErrJobNotFound
		}
		if rec.Status != domain.StatusQueued {
			return domain.ErrInvalidTransition
		}
		b.queues[job.Queue] = append([]string{job.ID}, b.queues[job.Queue]...)
		b.wakeLocked()
		return nil
	}
}

// wakeLocked wakes every blocked Dequeue
func (b *Broker) wakeLocked() {
	close(b.signal)
	b.signal = make(chan struct{})
}

// Fetch returns a copy of the job record
func (b *Broker) Fetch(_ context.Context, jobID string) (*domain.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkLocked("fetch"); err != nil {
		return nil, err
	}
	rec, ok := b.liveLocked(jobID)
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *rec
	return &cp, nil
}

// Start moves a queued job to started
func (b *Broker) Start(_ context.Context, jobID, workerID string) error {
	return b.transition("start", jobID, domain.StatusStarted, func(rec *domain.Record, now time.Time) {
		rec.WorkerID = workerID
		rec.StartedAt = &now
		rec.HeartbeatAt = &now
	})
}

// Finish stores the result and moves a started job to finished
func (b *Broker) Finish(_ context.Context, jobID string, result any) error {
	return b.transition("finish", jobID, domain.StatusFinished, func(rec *domain.Record, now time.Time) {
		rec.Result = result
		rec.EndedAt = &now
	})
}

// Fail stores the reason and moves a started job to failed
func (b *Broker) Fail(_ context.Context, jobID string, reason string) error {
	return b.transition("fail", jobID, domain.StatusFailed, func(rec *domain.Record, now time.Time) {
		rec.Error = reason
		rec.EndedAt = &now
	})
}

// Heartbeat refreshes the lease of a started job
func (b *Broker) Heartbeat(_ context.Context, jobID, workerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkLocked("heartbeat"); err != nil {
		return err
	}
	rec, ok := b.liveLocked(jobID)
	if !ok {
		return domain.ErrJobNotFound
	}
	if rec.Status != domain.StatusStarted {
		return domain.ErrInvalidTransition
	}
	now := b.now()
	rec.HeartbeatAt = &now
	rec.WorkerID = workerID
	return nil
}

// ReapStale fails started jobs whose heartbeat is older than threshold
func (b *Broker) ReapStale(_ context.Context, queue string, threshold time.Duration) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkLocked("reap"); err != nil {
		return nil, err
	}
	now := b.now()
	cutoff := now.Add(-threshold)

	var reaped []string
	for id, rec := range b.records {
		if rec.Queue != queue || rec.Status != domain.StatusStarted {
			continue
		}
		if rec.HeartbeatAt != nil && !rec.HeartbeatAt.Before(cutoff) {
			continue
		}
		ended := now
		rec.Status = domain.StatusFailed
		rec.Error = broker.LostWorkerMessage
		rec.EndedAt = &ended
		reaped = append(reaped, id)
	}
	return reaped, nil
}

func (b *Broker) transition(op, jobID string, next domain.Status, apply func(*domain.Record, time.Time)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkLocked(op); err != nil {
		return err
	}
	rec, ok := b.liveLocked(jobID)
	if !ok {
		return domain.ErrJobNotFound
	}
	if !rec.Status.CanTransitionTo(next) {
		return domain.ErrInvalidTransition
	}
	rec.Status = next
	apply(rec, b.now())
	return nil
}

// liveLocked returns the record unless it is missing or past its retention
func (b *Broker) liveLocked(jobID string) (*domain.Record, bool) {
	rec, ok := b.records[jobID]
	if !ok {
		return nil, false
	}
	if rec.EndedAt != nil && b.resultTTL > 0 && b.now().Sub(*rec.EndedAt) > b.resultTTL {
		delete(b.records, jobID)
		delete(b.arguments, jobID)
		return nil, false
	}
	return rec, true
}

func (b *Broker) checkLocked(op string) error {
	if b.closed {
		return domain.NewBrokerError(op, errors.New("memory broker closed"))
	}
	if !b.available {
		return domain.NewBrokerError(op, errUnavailable)
	}
	return nil
}
