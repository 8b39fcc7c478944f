package bootstrap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobrelay/internal/broker"
	"github.com/cuongbtq/jobrelay/internal/broker/memory"
	"github.com/cuongbtq/jobrelay/internal/config"
	"github.com/cuongbtq/jobrelay/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenBroker(t *testing.T) {
	mr := miniredis.RunT(t)

	tests := []struct {
		name    string
		cfg     config.Config
		wantErr bool
	}{
		{
			name: "memory",
			cfg:  config.Config{Broker: config.BrokerConfig{Type: broker.TypeMemory, ResultTTL: time.Minute}},
		},
		{
			name: "redis without scheme",
			cfg: config.Config{
				Broker: config.BrokerConfig{Type: broker.TypeRedis, Codec: "msgpack", ResultTTL: time.Minute},
				Redis:  config.RedisConfig{URL: mr.Addr() + "/0", BlockTimeout: 50 * time.Millisecond},
			},
		},
		{
			name:    "unknown codec",
			cfg:     config.Config{Broker: config.BrokerConfig{Type: broker.TypeMemory, Codec: "xml"}},
			wantErr: true,
		},
		{
			name:    "unknown type",
			cfg:     config.Config{Broker: config.BrokerConfig{Type: "kafka"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			b, err := OpenBroker(ctx, &tt.cfg, testLogger(), "test")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer b.Close()

			require.NoError(t, b.Ping(ctx))
			require.NoError(t, b.Enqueue(ctx, &domain.Job{
				ID:         "job-1",
				Queue:      domain.DefaultQueue,
				Function:   "jobs.echo",
				Arguments:  map[string]any{"message": "hi"},
				EnqueuedAt: time.Now(),
			}))

			d, err := b.Dequeue(ctx, []string{domain.DefaultQueue})
			require.NoError(t, err)
			assert.Equal(t, "hi", d.Job.Arguments["message"])
		})
	}
}

func TestBroker_CloseRunsClosersInReverse(t *testing.T) {
	var order []string
	b := &Broker{
		Broker: memory.New(),
		closers: []func() error{
			func() error { order = append(order, "first"); return nil },
			func() error { order = append(order, "second"); return errors.New("boom") },
		},
	}

	err := b.Close()
	assert.EqualError(t, err, "boom")
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestBuildViews(t *testing.T) {
	cfg := &config.Config{Views: []config.ViewConfig{
		{Name: "digest", Path: "images/digest", Queue: "images", JobName: "image_digest", JobParams: []string{"b64_image"}},
		{Name: "echo", Path: "echo", Queue: domain.DefaultQueue, JobModule: "tasks", JobName: "echo", JobParams: []string{"message"}},
	}}

	views, err := BuildViews(cfg)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "jobs.image_digest", views[0].Descriptor.Key())
	assert.Equal(t, []string{"b64_image"}, views[0].Descriptor.Parameters())
	assert.Equal(t, "images", views[0].Queue)
	assert.Equal(t, "tasks.echo", views[1].Descriptor.Key())

	cfg.Views = append(cfg.Views, config.ViewConfig{Name: "broken", Path: "x", JobParams: []string{"a", "a"}})
	_, err = BuildViews(cfg)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger(&config.LoggingConfig{Level: "debug", Format: "json", Output: "stderr"})
	require.NoError(t, err)
	assert.NotNil(t, l.Logger)
	assert.NoError(t, l.Close())
}
