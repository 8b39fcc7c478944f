// Package bootstrap builds the shared runtime pieces of the api and worker
// services from configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobrelay/internal/api/handler"
	"github.com/cuongbtq/jobrelay/internal/broker"
	"github.com/cuongbtq/jobrelay/internal/broker/amqpbroker"
	"github.com/cuongbtq/jobrelay/internal/broker/memory"
	"github.com/cuongbtq/jobrelay/internal/broker/redisbroker"
	"github.com/cuongbtq/jobrelay/internal/codec"
	"github.com/cuongbtq/jobrelay/internal/config"
	"github.com/cuongbtq/jobrelay/shared/logger"
	"github.com/cuongbtq/jobrelay/shared/postgresql"
	"github.com/cuongbtq/jobrelay/shared/rabbitmq"
	"github.com/cuongbtq/jobrelay/shared/redis"
)

// Broker is the configured backend plus the connections it owns. Close
// releases both.
type Broker struct {
	broker.Broker

	closers []func() error
}

// Close closes the backend, then its connections in reverse order
func (b *Broker) Close() error {
	errs := []error{b.Broker.Close()}
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

// NewLogger initializes and configures the application logger
func NewLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		MaxSizeMB:    cfg.Rotation.MaxSizeMB,
		MaxBackups:   cfg.Rotation.MaxBackups,
		MaxAgeDays:   cfg.Rotation.MaxAgeDays,
		Compress:     cfg.Rotation.Compress,
	})
}

// OpenBroker connects the backend selected by broker.type. consumerTag
// identifies this process to RabbitMQ and is ignored by other backends.
func OpenBroker(ctx context.Context, cfg *config.Config, log *slog.Logger, consumerTag string) (*Broker, error) {
	c, err := codec.Lookup(cfg.Broker.Codec)
	if err != nil {
		return nil, err
	}

	log.Info("Opening broker",
		slog.String("type", cfg.Broker.Type),
		slog.String("codec", c.Name()),
		slog.Duration("result_ttl", cfg.Broker.ResultTTL),
	)

	switch cfg.Broker.Type {
	case broker.TypeMemory:
		return &Broker{Broker: memory.New(memory.WithResultTTL(cfg.Broker.ResultTTL))}, nil
	case broker.TypeRedis:
		return openRedis(cfg, log, c)
	case broker.TypeRabbitMQ:
		return openRabbitMQ(ctx, cfg, log, c, consumerTag)
	default:
		return nil, fmt.Errorf("unsupported broker type: %q", cfg.Broker.Type)
	}
}

func openRedis(cfg *config.Config, log *slog.Logger, c codec.Codec) (*Broker, error) {
	client, err := redis.NewClient(&redis.Config{
		URL:           cfg.Redis.URL,
		PoolSize:      cfg.Redis.PoolSize,
		DialTimeout:   cfg.Redis.DialTimeout,
		RetryAttempts: cfg.Redis.RetryAttempts,
		RetryInterval: cfg.Redis.RetryInterval,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Redis: %w", err)
	}

	opts := []redisbroker.Option{
		redisbroker.WithLogger(log),
		redisbroker.WithCodec(c),
		redisbroker.WithResultTTL(cfg.Broker.ResultTTL),
	}
	if cfg.Redis.BlockTimeout > 0 {
		opts = append(opts, redisbroker.WithBlockTimeout(cfg.Redis.BlockTimeout))
	}

	return &Broker{
		Broker:  redisbroker.New(client, opts...),
		closers: []func() error{client.Close},
	}, nil
}

func openRabbitMQ(ctx context.Context, cfg *config.Config, log *slog.Logger, c codec.Codec, consumerTag string) (*Broker, error) {
	dbClient, err := postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		RetryAttempts:   cfg.Database.RetryAttempts,
		RetryInterval:   cfg.Database.RetryInterval,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	store := amqpbroker.NewStore(dbClient.GetDB(), log)
	if cfg.Database.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			dbClient.Close()
			return nil, err
		}
		log.Info("Jobs table migrated")
	}

	rabbitClient, err := rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.RabbitMQ.Host,
		Port:               cfg.RabbitMQ.Port,
		User:               cfg.RabbitMQ.User,
		Password:           cfg.RabbitMQ.Password,
		VHost:              cfg.RabbitMQ.VHost,
		ExchangeName:       cfg.RabbitMQ.Exchange.Name,
		ExchangeType:       cfg.RabbitMQ.Exchange.Type,
		ExchangeDurable:    cfg.RabbitMQ.Exchange.Durable,
		ExchangeAutoDelete: cfg.RabbitMQ.Exchange.AutoDelete,
		QueueDurable:       cfg.RabbitMQ.Queue.Durable,
		QueueAutoDelete:    cfg.RabbitMQ.Queue.AutoDelete,
		PrefetchCount:      cfg.RabbitMQ.Consumer.PrefetchCount,
		RetryAttempts:      cfg.RabbitMQ.Connection.RetryAttempts,
		RetryInterval:      cfg.RabbitMQ.Connection.RetryInterval,
		Heartbeat:          cfg.RabbitMQ.Connection.Heartbeat,
		PublishRetries:     cfg.RabbitMQ.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.RabbitMQ.Publish.RetryInterval,
		PublishBackoffMult: cfg.RabbitMQ.Publish.BackoffMultiplier,
	}, log)
	if err != nil {
		dbClient.Close()
		return nil, fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	opts := []amqpbroker.Option{
		amqpbroker.WithCodec(c),
		amqpbroker.WithResultTTL(cfg.Broker.ResultTTL),
	}
	if consumerTag != "" {
		opts = append(opts, amqpbroker.WithConsumerTag(consumerTag))
	}

	// the broker closes the RabbitMQ client; the database is closed here
	return &Broker{
		Broker: amqpbroker.New(rabbitClient, store, log, opts...),
		closers: []func() error{func() error {
			log.Info("Database pool stats", slog.String("stats", dbClient.Stats()))
			return dbClient.Close()
		}},
	}, nil
}

// BuildViews turns view declarations into handler views. A bad descriptor
// is a ConfigurationError.
func BuildViews(cfg *config.Config) ([]handler.View, error) {
	views := make([]handler.View, 0, len(cfg.Views))
	for _, vc := range cfg.Views {
		d, err := vc.Descriptor()
		if err != nil {
			return nil, fmt.Errorf("view %s: %w", vc.Name, err)
		}
		views = append(views, handler.View{
			Name:       vc.Name,
			Path:       vc.Path,
			Queue:      vc.Queue,
			Descriptor: d,
		})
	}
	return views, nil
}
