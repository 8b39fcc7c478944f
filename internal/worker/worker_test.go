package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/jobrelay/internal/broker"
	"github.com/cuongbtq/jobrelay/internal/broker/memory"
	"github.com/cuongbtq/jobrelay/internal/domain"
	"github.com/cuongbtq/jobrelay/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(domain.MustDescriptor("jobs", "upper", "text"), upper)
	r.MustRegister(domain.MustDescriptor("jobs", "fail"), func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("boom")
	})
	r.MustRegister(domain.MustDescriptor("jobs", "explode"), func(context.Context, map[string]any) (any, error) {
		panic("kaboom")
	})
	r.MustRegister(domain.MustDescriptor("jobs", "channel"), func(context.Context, map[string]any) (any, error) {
		return make(chan int), nil
	})
	r.MustRegister(domain.MustDescriptor("jobs", "sleep"), func(ctx context.Context, _ map[string]any) (any, error) {
		select {
		case <-time.After(time.Second):
			return "slept", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	r.MustRegister(domain.MustDescriptor("jobs", "stats", "values"), func(_ context.Context, args map[string]any) (any, error) {
		values, _ := args["values"].([]any)
		return map[string]int{"count": len(values)}, nil
	})
	return r
}

func enqueue(t *testing.T, b broker.Publisher, id, function string, args map[string]any) {
	t.Helper()
	if args == nil {
		args = map[string]any{}
	}
	require.NoError(t, b.Enqueue(context.Background(), &domain.Job{
		ID:         id,
		Queue:      domain.DefaultQueue,
		Function:   function,
		Arguments:  args,
		EnqueuedAt: time.Now(),
	}))
}

// runWorker starts w in the background and stops it at test cleanup
func runWorker(t *testing.T, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitTerminal(t *testing.T, b broker.Publisher, id string) *domain.Record {
	t.Helper()
	var rec *domain.Record
	require.Eventually(t, func() bool {
		r, err := b.Fetch(context.Background(), id)
		if err != nil || !r.Status.IsTerminal() {
			return false
		}
		rec = r
		return true
	}, 3*time.Second, 5*time.Millisecond)
	return rec
}

func TestNewWorker_Defaults(t *testing.T) {
	w, err := NewWorker(&Config{Broker: memory.New(), Registry: NewRegistry()})
	require.NoError(t, err)

	assert.Equal(t, []string{domain.DefaultQueue}, w.queues)
	assert.Equal(t, 1, w.concurrency)
	assert.Equal(t, defaultHeartbeatInterval, w.heartbeatInterval)
	assert.NotEmpty(t, w.ID())

	_, err = NewWorker(&Config{Registry: NewRegistry()})
	assert.Error(t, err)
	_, err = NewWorker(&Config{Broker: memory.New()})
	assert.Error(t, err)
}

func TestWorker_ProcessesJobs(t *testing.T) {
	tests := []struct {
		name       string
		function   string
		args       map[string]any
		wantStatus domain.Status
		wantResult any
		wantError  string
	}{
		{
			name:       "string result",
			function:   "jobs.upper",
			args:       map[string]any{"text": "hello"},
			wantStatus: domain.StatusFinished,
			wantResult: "HELLO",
		},
		{
			name:       "structured result is normalized",
			function:   "jobs.stats",
			args:       map[string]any{"values": []any{1.0, 2.0}},
			wantStatus: domain.StatusFinished,
			wantResult: map[string]any{"count": 2.0},
		},
		{
			name:       "unresolved function",
			function:   "jobs.missing",
			wantStatus: domain.StatusFailed,
			wantError:  "unresolved job",
		},
		{
			name:       "callable error",
			function:   "jobs.fail",
			wantStatus: domain.StatusFailed,
			wantError:  "boom",
		},
		{
			name:       "panic",
			function:   "jobs.explode",
			wantStatus: domain.StatusFailed,
			wantError:  "job panicked: kaboom",
		},
		{
			name:       "argument names differ",
			function:   "jobs.upper",
			args:       map[string]any{"txt": "hello"},
			wantStatus: domain.StatusFailed,
			wantError:  "expects [text]",
		},
		{
			name:       "result not serializable",
			function:   "jobs.channel",
			wantStatus: domain.StatusFailed,
			wantError:  "not serializable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := memory.New()
			w, err := NewWorker(&Config{Logger: testLogger(), Broker: b, Registry: testRegistry(), WorkerID: "w-1"})
			require.NoError(t, err)
			runWorker(t, w)

			enqueue(t, b, "job-1", tt.function, tt.args)
			rec := waitTerminal(t, b, "job-1")

			assert.Equal(t, tt.wantStatus, rec.Status)
			assert.Equal(t, "w-1", rec.WorkerID)
			assert.NotNil(t, rec.StartedAt)
			assert.NotNil(t, rec.EndedAt)
			if tt.wantError != "" {
				assert.Contains(t, rec.Error, tt.wantError)
				assert.Nil(t, rec.Result)
			} else {
				assert.Empty(t, rec.Error)
				assert.Equal(t, tt.wantResult, rec.Result)
			}
		})
	}
}

func TestWorker_SurvivesFailures(t *testing.T) {
	b := memory.New()
	w, err := NewWorker(&Config{Logger: testLogger(), Broker: b, Registry: testRegistry()})
	require.NoError(t, err)
	runWorker(t, w)

	enqueue(t, b, "bad", "jobs.explode", nil)
	enqueue(t, b, "good", "jobs.upper", map[string]any{"text": "still here"})

	assert.Equal(t, domain.StatusFailed, waitTerminal(t, b, "bad").Status)
	good := waitTerminal(t, b, "good")
	assert.Equal(t, domain.StatusFinished, good.Status)
	assert.Equal(t, "STILL HERE", good.Result)
}

func TestWorker_JobTimeout(t *testing.T) {
	b := memory.New()
	w, err := NewWorker(&Config{
		Logger:     testLogger(),
		Broker:     b,
		Registry:   testRegistry(),
		JobTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	runWorker(t, w)

	enqueue(t, b, "job-1", "jobs.sleep", nil)
	rec := waitTerminal(t, b, "job-1")
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "timed out")
}

func TestWorker_Concurrency(t *testing.T) {
	b := memory.New()
	var running, peak atomic.Int32
	release := make(chan struct{})

	r := NewRegistry()
	r.MustRegister(domain.MustDescriptor("jobs", "block"), func(context.Context, map[string]any) (any, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil, nil
	})

	w, err := NewWorker(&Config{Logger: testLogger(), Broker: b, Registry: r, Concurrency: 3})
	require.NoError(t, err)
	runWorker(t, w)

	for _, id := range []string{"a", "b", "c"} {
		enqueue(t, b, id, "jobs.block", nil)
	}
	require.Eventually(t, func() bool { return peak.Load() == 3 }, 3*time.Second, 5*time.Millisecond)
	close(release)

	for _, id := range []string{"a", "b", "c"} {
		rec := waitTerminal(t, b, id)
		assert.Equal(t, domain.StatusFinished, rec.Status)
		assert.Nil(t, rec.Result)
	}
}

// countingBroker counts heartbeats sent through the memory broker
type countingBroker struct {
	*memory.Broker
	heartbeats atomic.Int32
}

func (c *countingBroker) Heartbeat(ctx context.Context, jobID, workerID string) error {
	c.heartbeats.Add(1)
	return c.Broker.Heartbeat(ctx, jobID, workerID)
}

func TestWorker_Heartbeat(t *testing.T) {
	b := &countingBroker{Broker: memory.New()}
	release := make(chan struct{})

	r := NewRegistry()
	r.MustRegister(domain.MustDescriptor("jobs", "wait"), func(context.Context, map[string]any) (any, error) {
		<-release
		return "ok", nil
	})

	w, err := NewWorker(&Config{
		Logger:            testLogger(),
		Broker:            b,
		Registry:          r,
		HeartbeatInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	runWorker(t, w)

	enqueue(t, b, "job-1", "jobs.wait", nil)
	require.Eventually(t, func() bool { return b.heartbeats.Load() >= 2 }, 3*time.Second, 5*time.Millisecond)

	rec, err := b.Fetch(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStarted, rec.Status)
	assert.NotNil(t, rec.HeartbeatAt)

	close(release)
	assert.Equal(t, domain.StatusFinished, waitTerminal(t, b, "job-1").Status)
}

func TestWorker_Metrics(t *testing.T) {
	b := memory.New()
	reg := prometheus.NewRegistry()
	m := metrics.NewCollectorWith(reg)
	w, err := NewWorker(&Config{Logger: testLogger(), Broker: b, Registry: testRegistry(), Metrics: m})
	require.NoError(t, err)
	runWorker(t, w)

	enqueue(t, b, "ok", "jobs.upper", map[string]any{"text": "x"})
	enqueue(t, b, "ko", "jobs.fail", nil)
	waitTerminal(t, b, "ok")
	waitTerminal(t, b, "ko")

	// one series per status
	require.Eventually(t, func() bool {
		n, err := testutil.GatherAndCount(reg, "jobrelay_jobs_completed_total")
		return err == nil && n == 2
	}, time.Second, 5*time.Millisecond)

	n, err := testutil.GatherAndCount(reg, "jobrelay_job_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSettle(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantAck     bool
		wantNack    bool
		wantRequeue bool
	}{
		{name: "terminal record", err: nil, wantAck: true},
		{name: "already claimed", err: domain.ErrInvalidTransition, wantNack: true},
		{
			name:        "broker down while claiming",
			err:         domain.NewRetryableError(domain.NewBrokerError("start", errors.New("dial tcp"))),
			wantNack:    true,
			wantRequeue: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var acked, nacked, requeued bool
			d := broker.NewDelivery(&domain.Job{ID: "job-1"},
				func() error { acked = true; return nil },
				func(requeue bool) error { nacked, requeued = true, requeue; return nil },
			)

			w, err := NewWorker(&Config{Logger: testLogger(), Broker: memory.New(), Registry: NewRegistry()})
			require.NoError(t, err)
			w.settle(w.logger, d, tt.err)

			assert.Equal(t, tt.wantAck, acked)
			assert.Equal(t, tt.wantNack, nacked)
			assert.Equal(t, tt.wantRequeue, requeued)
		})
	}
}

// unavailableOnStart fails every claim with a transport error
type unavailableOnStart struct {
	*memory.Broker
}

func (u *unavailableOnStart) Start(context.Context, string, string) error {
	return domain.NewBrokerError("start", errors.New("connection reset"))
}

func TestProcessJob_BrokerDownIsRetryable(t *testing.T) {
	b := &unavailableOnStart{Broker: memory.New()}
	w, err := NewWorker(&Config{Logger: testLogger(), Broker: b, Registry: testRegistry()})
	require.NoError(t, err)

	err = w.processJob(context.Background(), &domain.Job{ID: "job-1", Function: "jobs.upper"})
	require.Error(t, err)
	assert.True(t, shouldRequeueJob(err))
	assert.ErrorIs(t, err, domain.ErrBrokerUnavailable)

	err = w.processJob(context.Background(), &domain.Job{ID: "job-2"})
	assert.True(t, shouldRequeueJob(err))

	plain, err := NewWorker(&Config{Logger: testLogger(), Broker: memory.New(), Registry: testRegistry()})
	require.NoError(t, err)
	err = plain.processJob(context.Background(), &domain.Job{ID: "unknown"})
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	assert.False(t, shouldRequeueJob(err))
}

func TestWorker_RequeuesWhenClaimFails(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	w, err := NewWorker(&Config{Logger: testLogger(), Broker: b, Registry: testRegistry()})
	require.NoError(t, err)

	enqueue(t, b, "job-1", "jobs.upper", map[string]any{"text": "again"})
	d, err := b.Dequeue(ctx, []string{domain.DefaultQueue})
	require.NoError(t, err)

	// connection lost between dequeue and claim
	b.SetAvailable(false)
	err = w.processJob(ctx, d.Job)
	require.Error(t, err)
	require.True(t, shouldRequeueJob(err))
	w.settle(w.logger, d, err)
	b.SetAvailable(true)

	rec, err := b.Fetch(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, rec.Status)

	runWorker(t, w)
	done := waitTerminal(t, b, "job-1")
	assert.Equal(t, domain.StatusFinished, done.Status)
	assert.Equal(t, "AGAIN", done.Result)
}

func TestWorker_ShutdownDrainsRunningJob(t *testing.T) {
	b := memory.New()
	started := make(chan struct{})
	release := make(chan struct{})

	r := NewRegistry()
	r.MustRegister(domain.MustDescriptor("jobs", "slow"), func(ctx context.Context, _ map[string]any) (any, error) {
		close(started)
		select {
		case <-release:
			return "drained", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	w, err := NewWorker(&Config{Logger: testLogger(), Broker: b, Registry: r})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = w.Start(ctx)
		close(stopped)
	}()

	enqueue(t, b, "job-1", "jobs.slow", nil)
	<-started
	cancel()

	select {
	case <-stopped:
		t.Fatal("worker stopped before the running job returned")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-stopped

	rec, err := b.Fetch(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFinished, rec.Status)
	assert.Equal(t, "drained", rec.Result)
}

func TestWorker_ShutdownRequeuesUnclaimedJob(t *testing.T) {
	b := memory.New()
	w, err := NewWorker(&Config{Logger: testLogger(), Broker: b, Registry: testRegistry()})
	require.NoError(t, err)

	enqueue(t, b, "job-1", "jobs.upper", map[string]any{"text": "x"})
	d, err := b.Dequeue(context.Background(), []string{domain.DefaultQueue})
	require.NoError(t, err)

	// what workerLoop does with a delivery popped as ctx ends
	require.NoError(t, d.Nack(true))

	runWorker(t, w)
	assert.Equal(t, domain.StatusFinished, waitTerminal(t, b, "job-1").Status)
}
