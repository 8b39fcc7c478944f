package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuongbtq/jobrelay/internal/broker"
	"github.com/cuongbtq/jobrelay/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJob(id, queue string) *domain.Job {
	return &domain.Job{
		ID:         id,
		Queue:      queue,
		Function:   "jobs.echo",
		Arguments:  map[string]any{"message": "hi"},
		EnqueuedAt: time.Now(),
	}
}

func TestBroker_Lifecycle(t *testing.T) {
	ctx := context.Background()
	b := New()

	require.NoError(t, b.Enqueue(ctx, newJob("job-1", "default")))

	rec, err := b.Fetch(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, rec.Status)

	d, err := b.Dequeue(ctx, []string{"default"})
	require.NoError(t, err)
	assert.Equal(t, "job-1", d.Job.ID)
	assert.Equal(t, "hi", d.Job.Arguments["message"])

	require.NoError(t, b.Start(ctx, "job-1", "worker-a"))
	require.NoError(t, b.Heartbeat(ctx, "job-1", "worker-a"))
	require.NoError(t, b.Finish(ctx, "job-1", "LABEL"))
	require.NoError(t, d.Ack())

	rec, err = b.Fetch(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFinished, rec.Status)
	assert.Equal(t, "LABEL", rec.Result)
	assert.Equal(t, "worker-a", rec.WorkerID)
	assert.NotNil(t, rec.EndedAt)
}

func TestBroker_NoBackwardTransitions(t *testing.T) {
	ctx := context.Background()
	b := New()
	require.NoError(t, b.Enqueue(ctx, newJob("job-1", "default")))

	assert.ErrorIs(t, b.Finish(ctx, "job-1", nil), domain.ErrInvalidTransition)
	assert.ErrorIs(t, b.Fail(ctx, "job-1", "x"), domain.ErrInvalidTransition)

	require.NoError(t, b.Start(ctx, "job-1", "w"))
	assert.ErrorIs(t, b.Start(ctx, "job-1", "w"), domain.ErrInvalidTransition)

	require.NoError(t, b.Fail(ctx, "job-1", "boom"))
	assert.ErrorIs(t, b.Finish(ctx, "job-1", "late"), domain.ErrInvalidTransition)
	assert.ErrorIs(t, b.Heartbeat(ctx, "job-1", "w"), domain.ErrInvalidTransition)

	rec, err := b.Fetch(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Equal(t, "boom", rec.Error)
}

func TestBroker_DuplicateEnqueue(t *testing.T) {
	ctx := context.Background()
	b := New()
	require.NoError(t, b.Enqueue(ctx, newJob("job-1", "default")))
	assert.ErrorIs(t, b.Enqueue(ctx, newJob("job-1", "default")), domain.ErrJobAlreadyExists)
}

func TestBroker_FetchUnknown(t *testing.T) {
	_, err := New().Fetch(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestBroker_DequeueBlocksUntilEnqueue(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b := New()

	got := make(chan *broker.Delivery, 1)
	go func() {
		d, err := b.Dequeue(ctx, []string{"slow"})
		if err == nil {
			got <- d
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Enqueue(ctx, newJob("job-1", "slow")))

	select {
	case d := <-got:
		assert.Equal(t, "job-1", d.Job.ID)
	case <-ctx.Done():
		t.Fatal("dequeue did not wake up")
	}
}

func TestBroker_DequeueContextCanceled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := New().Dequeue(ctx, []string{"empty"})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestBroker_DeliversOnce(t *testing.T) {
	ctx := context.Background()
	b := New()
	require.NoError(t, b.Enqueue(ctx, newJob("job-1", "default")))

	_, err := b.Dequeue(ctx, []string{"default"})
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = b.Dequeue(short, []string{"default"})
	assert.Error(t, err)
}

func TestBroker_ResultTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := New(WithResultTTL(time.Minute), WithClock(func() time.Time { return now }))

	require.NoError(t, b.Enqueue(ctx, newJob("job-1", "default")))
	require.NoError(t, b.Start(ctx, "job-1", "w"))
	require.NoError(t, b.Finish(ctx, "job-1", 1.0))

	now = now.Add(30 * time.Second)
	_, err := b.Fetch(ctx, "job-1")
	require.NoError(t, err)

	now = now.Add(time.Minute)
	_, err = b.Fetch(ctx, "job-1")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestBroker_ReapStale(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := New(WithClock(func() time.Time { return now }))

	require.NoError(t, b.Enqueue(ctx, newJob("stale", "default")))
	require.NoError(t, b.Enqueue(ctx, newJob("fresh", "default")))
	require.NoError(t, b.Enqueue(ctx, newJob("other-queue", "images")))
	require.NoError(t, b.Start(ctx, "stale", "w"))
	require.NoError(t, b.Start(ctx, "other-queue", "w"))

	now = now.Add(2 * time.Minute)
	require.NoError(t, b.Start(ctx, "fresh", "w"))

	reaped, err := b.ReapStale(ctx, "default", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, reaped)

	rec, err := b.Fetch(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Equal(t, broker.LostWorkerMessage, rec.Error)

	rec, err = b.Fetch(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStarted, rec.Status)

	rec, err = b.Fetch(ctx, "other-queue")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStarted, rec.Status)
}

func TestBroker_Unavailable(t *testing.T) {
	ctx := context.Background()
	b := New()
	b.SetAvailable(false)

	err := b.Enqueue(ctx, newJob("job-1", "default"))
	assert.ErrorIs(t, err, domain.ErrBrokerUnavailable)
	assert.ErrorIs(t, b.Ping(ctx), domain.ErrBrokerUnavailable)

	b.SetAvailable(true)
	require.NoError(t, b.Enqueue(ctx, newJob("job-1", "default")))

	require.NoError(t, b.Close())
	_, err = b.Fetch(ctx, "job-1")
	assert.ErrorIs(t, err, domain.ErrBrokerUnavailable)
}

func TestBroker_NackRequeue(t *testing.T) {
	ctx := context.Background()
	b := New()
	require.NoError(t, b.Enqueue(ctx, newJob("job-1", "default")))
	require.NoError(t, b.Enqueue(ctx, newJob("job-2", "default")))

	d, err := b.Dequeue(ctx, []string{"default"})
	require.NoError(t, err)
	require.Equal(t, "job-1", d.Job.ID)

	// the claim failed while the connection was down
	b.SetAvailable(false)
	require.NoError(t, d.Nack(true))
	b.SetAvailable(true)

	again, err := b.Dequeue(ctx, []string{"default"})
	require.NoError(t, err)
	assert.Equal(t, "job-1", again.Job.ID, "requeued job goes first")
	assert.Equal(t, "hi", again.Job.Arguments["message"])

	// dropped deliveries are not redelivered
	require.NoError(t, again.Nack(false))
	next, err := b.Dequeue(ctx, []string{"default"})
	require.NoError(t, err)
	assert.Equal(t, "job-2", next.Job.ID)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = b.Dequeue(short, []string{"default"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBroker_NackWakesBlockedDequeue(t *testing.T) {
	ctx := context.Background()
	b := New()
	require.NoError(t, b.Enqueue(ctx, newJob("job-1", "default")))
	d, err := b.Dequeue(ctx, []string{"default"})
	require.NoError(t, err)

	got := make(chan string, 1)
	go func() {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if d, err := b.Dequeue(waitCtx, []string{"default"}); err == nil {
			got <- d.Job.ID
		}
		close(got)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, d.Nack(true))
	assert.Equal(t, "job-1", <-got)
}
