package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Config holds Redis connection configuration
type Config struct {
	URL           string // redis://host:port/db, or host:port/db
	PoolSize      int
	DialTimeout   time.Duration
	RetryAttempts int
	RetryInterval time.Duration
}

// ParseURL accepts host:port/db-index addresses with or without the
// redis:// scheme
func ParseURL(raw string) (*goredis.Options, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "redis://" + raw
	}

	opts, err := goredis.ParseURL(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return opts, nil
}

// NewClient connects to Redis, retrying the initial ping
func NewClient(config *Config, logger *slog.Logger) (*goredis.Client, error) {
	opts, err := ParseURL(config.URL)
	if err != nil {
		return nil, err
	}
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.DialTimeout > 0 {
		opts.DialTimeout = config.DialTimeout
	}

	attempts := config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	client := goredis.NewClient(opts)

	for attempt := 1; attempt <= attempts; attempt++ {
		logger.Info("Connecting to Redis",
			slog.String("addr", opts.Addr),
			slog.Int("db", opts.DB),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = client.Ping(ctx).Err()
		cancel()
		if err == nil {
			logger.Info("Successfully connected to Redis")
			return client, nil
		}

		logger.Error("Failed to connect to Redis",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			time.Sleep(config.RetryInterval)
		}
	}

	client.Close()
	return nil, fmt.Errorf("failed to connect to Redis after %d attempts: %w", attempts, err)
}
