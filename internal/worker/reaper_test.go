package worker

import (
	"context"
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

func TestNewReaper_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ReaperConfig
		wantErr bool
	}{
		{name: "every descriptor", cfg: ReaperConfig{LeaseTimeout: time.Minute, Schedule: "@every 30s"}},
		{name: "standard spec", cfg: ReaperConfig{LeaseTimeout: time.Minute, Schedule: "*/5 * * * *"}},
		{name: "bad schedule", cfg: ReaperConfig{LeaseTimeout: time.Minute, Schedule: "not-a-cron"}, wantErr: true},
		{name: "zero lease", cfg: ReaperConfig{Schedule: "@every 30s"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.Broker = memory.New()
			_, err := NewReaper(&tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestReaper_ReapOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	b := memory.New(memory.WithClock(func() time.Time { return now }))
	reg := prometheus.NewRegistry()

	r, err := NewReaper(&ReaperConfig{
		Logger:       testLogger(),
		Broker:       b,
		Metrics:      metrics.NewCollectorWith(reg),
		Queues:       []string{domain.DefaultQueue, "images"},
		LeaseTimeout: time.Minute,
		Schedule:     "@every 30s",
	})
	require.NoError(t, err)

	enqueue(t, b, "lost", "jobs.upper", map[string]any{"text": "x"})
	enqueue(t, b, "alive", "jobs.upper", map[string]any{"text": "y"})
	enqueue(t, b, "waiting", "jobs.upper", map[string]any{"text": "z"})
	require.NoError(t, b.Start(ctx, "lost", "w-dead"))
	require.NoError(t, b.Start(ctx, "alive", "w-live"))

	now = now.Add(2 * time.Minute)
	require.NoError(t, b.Heartbeat(ctx, "alive", "w-live"))

	assert.Equal(t, 1, r.ReapOnce(ctx))

	rec, err := b.Fetch(ctx, "lost")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Equal(t, broker.LostWorkerMessage, rec.Error)

	rec, err = b.Fetch(ctx, "alive")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStarted, rec.Status)

	rec, err = b.Fetch(ctx, "waiting")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, rec.Status)

	// reaped jobs stay failed: a late finish from the lost worker is rejected
	assert.ErrorIs(t, b.Finish(ctx, "lost", "late"), domain.ErrInvalidTransition)
	assert.Equal(t, 0, r.ReapOnce(ctx))

	n, err := testutil.GatherAndCount(reg, "jobrelay_jobs_reaped_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReaper_BrokerDown(t *testing.T) {
	b := memory.New()
	b.SetAvailable(false)

	r, err := NewReaper(&ReaperConfig{
		Logger:       testLogger(),
		Broker:       b,
		Queues:       []string{domain.DefaultQueue},
		LeaseTimeout: time.Minute,
		Schedule:     "@every 30s",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, r.ReapOnce(context.Background()))
}

func TestReaper_StartStops(t *testing.T) {
	r, err := NewReaper(&ReaperConfig{
		Logger:       testLogger(),
		Broker:       memory.New(),
		Queues:       []string{domain.DefaultQueue},
		LeaseTimeout: time.Minute,
		Schedule:     "@every 1s",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop")
	}
}
