// Package amqpbroker implements broker.Broker with RabbitMQ for delivery and
// PostgreSQL for job records. Messages carry only the job id; the row is
// the source of truth and a conditional UPDATE guarantees a single claim.
package amqpbroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/jobrelay/internal/broker"
	"github.com/cuongbtq/jobrelay/internal/codec"
	"github.com/cuongbtq/jobrelay/internal/domain"
)

var _ broker.Broker = (*Broker)(nil)

// Transport is the RabbitMQ surface the broker needs; *rabbitmq.Client
// implements it
type Transport interface {
	DeclareQueue(name string) error
	PublishWithRetry(ctx context.Context, queue string, body []byte, contentType string) error
	Consume(queue, consumerTag string) (<-chan amqp.Delivery, error)
	IsConnected() bool
	Close() error
}

// message is the RabbitMQ body
type message struct {
	JobID string `json:"job_id"`
}

// Option configures the Broker
type Option func(*Broker)

// WithCodec sets the codec used for arguments and results
func WithCodec(c codec.Codec) Option {
	return func(b *Broker) { b.codec = c }
}

// WithResultTTL sets how long terminal records remain readable
func WithResultTTL(d time.Duration) Option {
	return func(b *Broker) { b.resultTTL = d }
}

// WithConsumerTag sets the consumer tag prefix, normally the worker id
func WithConsumerTag(tag string) Option {
	return func(b *Broker) { b.consumerTag = tag }
}

// Broker couples a RabbitMQ transport with the PostgreSQL job store
type Broker struct {
	transport   Transport
	store       *Store
	logger      *slog.Logger
	codec       codec.Codec
	resultTTL   time.Duration
	consumerTag string
	now         func() time.Time

	mu        sync.Mutex
	consuming map[string]bool
	inbox     chan amqp.Delivery
}

// New creates a broker over an open transport and store
func New(transport Transport, store *Store, logger *slog.Logger, opts ...Option) *Broker {
	b := &Broker{
		transport:   transport,
		store:       store,
		logger:      logger,
		codec:       codec.JSON(),
		resultTTL:   broker.DefaultResultTTL,
		consumerTag: "jobrelay",
		now:         time.Now,
		consuming:   make(map[string]bool),
		inbox:       make(chan amqp.Delivery),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Ping checks both the RabbitMQ connection and the database
func (b *Broker) Ping(ctx context.Context) error {
	if !b.transport.IsConnected() {
		return domain.NewBrokerError("ping", errors.New("rabbitmq connection closed"))
	}
	if err := b.store.Ping(ctx); err != nil {
		return domain.NewBrokerError("ping", err)
	}
	return nil
}

// Close closes the RabbitMQ transport; the caller owns the database
func (b *Broker) Close() error {
	return b.transport.Close()
}

// Enqueue inserts the queued row and then publishes the job id, so a
// worker never receives an id whose row is not visible yet. A failed
// publish deletes the row again.
func (b *Broker) Enqueue(ctx context.Context, job *domain.Job) error {
	args, err := b.codec.Marshal(job.Arguments)
	if err != nil {
		return fmt.Errorf("failed to encode arguments: %w", err)
	}
	body, err := json.Marshal(message{JobID: job.ID})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if !b.transport.IsConnected() {
		return domain.NewBrokerError("enqueue", errors.New("rabbitmq connection closed"))
	}

	row := &jobRow{
		JobID:       job.ID,
		Queue:       job.Queue,
		FunctionKey: job.Function,
		Arguments:   args,
		Codec:       b.codec.Name(),
		Status:      string(domain.StatusQueued),
		EnqueuedAt:  job.EnqueuedAt,
	}
	if err := b.store.Insert(ctx, row); err != nil {
		if errors.Is(err, domain.ErrJobAlreadyExists) {
			return err
		}
		return domain.NewBrokerError("enqueue", err)
	}

	if err := b.publish(ctx, job.Queue, body); err != nil {
		if delErr := b.store.DeleteQueued(context.WithoutCancel(ctx), job.ID); delErr != nil {
			b.logger.Error("Failed to remove unpublished job",
				slog.String("job_id", job.ID),
				slog.Any("error", delErr),
			)
		}
		return domain.NewBrokerError("enqueue", err)
	}

	b.logger.Debug("Job published to RabbitMQ",
		slog.String("job_id", job.ID),
		slog.String("queue", job.Queue),
	)
	return nil
}

func (b *Broker) publish(ctx context.Context, queue string, body []byte) error {
	if err := b.transport.DeclareQueue(queue); err != nil {
		return err
	}
	return b.transport.PublishWithRetry(ctx, queue, body, "application/json")
}

// Dequeue waits for the next delivery on any of the queues. Consumers are
// started lazily the first time a queue is requested.
func (b *Broker) Dequeue(ctx context.Context, queues []string) (*broker.Delivery, error) {
	if err := b.ensureConsuming(queues); err != nil {
		return nil, domain.NewBrokerError("dequeue", err)
	}

	for {
		var d amqp.Delivery
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case d = <-b.inbox:
		}

		job, err := b.decode(ctx, d)
		if err != nil {
			var be *domain.BrokerError
			if errors.As(err, &be) {
				// database trouble; hand the message back for another try
				_ = d.Nack(false, true)
				return nil, err
			}

			b.logger.Error("Dropping undeliverable message",
				slog.Any("error", err),
				slog.String("body", string(d.Body)),
			)
			// NACK without requeue - malformed messages should go to DLQ
			if nackErr := d.Nack(false, false); nackErr != nil {
				b.logger.Error("Failed to NACK message",
					slog.Any("error", nackErr),
				)
			}
			continue
		}

		delivery := d
		return broker.NewDelivery(job,
			func() error { return delivery.Ack(false) },
			func(requeue bool) error { return delivery.Nack(false, requeue) },
		), nil
	}
}

func (b *Broker) ensureConsuming(queues []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, q := range queues {
		if b.consuming[q] {
			continue
		}

		msgs, err := b.transport.Consume(q, b.consumerTag+"-"+q)
		if err != nil {
			return err
		}
		b.consuming[q] = true

		go b.forward(q, msgs)
	}
	return nil
}

// forward feeds one queue's deliveries into the shared inbox until the
// channel closes
func (b *Broker) forward(queue string, msgs <-chan amqp.Delivery) {
	for d := range msgs {
		b.inbox <- d
	}

	b.mu.Lock()
	delete(b.consuming, queue)
	b.mu.Unlock()

	b.logger.Warn("RabbitMQ delivery channel closed",
		slog.String("queue", queue),
	)
}

// decode turns a delivery into a queued job. Errors other than BrokerError
// mean the message can never be processed.
func (b *Broker) decode(ctx context.Context, d amqp.Delivery) (*domain.Job, error) {
	var msg message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if _, err := uuid.Parse(msg.JobID); err != nil {
		return nil, fmt.Errorf("%w: job_id %q is not a UUID", domain.ErrInvalidPayload, msg.JobID)
	}

	row, err := b.store.Get(ctx, msg.JobID, b.cutoff())
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return nil, err
		}
		return nil, domain.NewBrokerError("dequeue", err)
	}
	if row.Status != string(domain.StatusQueued) {
		return nil, fmt.Errorf("%w: job %s is %s", domain.ErrInvalidTransition, row.JobID, row.Status)
	}

	c, err := b.codecFor(row.Codec)
	if err != nil {
		return nil, err
	}
	var args map[string]any
	if len(row.Arguments) > 0 {
		if err := c.Unmarshal(row.Arguments, &args); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
		}
	}

	return &domain.Job{
		ID:         row.JobID,
		Queue:      row.Queue,
		Function:   row.FunctionKey,
		Arguments:  args,
		EnqueuedAt: row.EnqueuedAt,
	}, nil
}

// Fetch loads a job record
func (b *Broker) Fetch(ctx context.Context, jobID string) (*domain.Record, error) {
	row, err := b.store.Get(ctx, jobID, b.cutoff())
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return nil, err
		}
		return nil, domain.NewBrokerError("fetch", err)
	}
	return b.toRecord(row)
}

// Start claims a queued job for workerID
func (b *Broker) Start(ctx context.Context, jobID, workerID string) error {
	return b.wrap("start", b.store.Claim(ctx, jobID, workerID, b.now()))
}

// Finish stores the encoded result
func (b *Broker) Finish(ctx context.Context, jobID string, result any) error {
	data, err := b.codec.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	return b.wrap("finish", b.store.Complete(ctx, jobID, domain.StatusFinished, data, "", b.now()))
}

// Fail stores the failure reason
func (b *Broker) Fail(ctx context.Context, jobID string, reason string) error {
	return b.wrap("fail", b.store.Complete(ctx, jobID, domain.StatusFailed, nil, reason, b.now()))
}

// Heartbeat refreshes the job lease
func (b *Broker) Heartbeat(ctx context.Context, jobID, workerID string) error {
	return b.wrap("heartbeat", b.store.Heartbeat(ctx, jobID, workerID, b.now()))
}

// ReapStale fails started jobs whose heartbeat is older than threshold
func (b *Broker) ReapStale(ctx context.Context, queue string, threshold time.Duration) ([]string, error) {
	now := b.now()
	ids, err := b.store.ReapStale(ctx, queue, broker.LostWorkerMessage, now.Add(-threshold), now)
	if err != nil {
		return nil, domain.NewBrokerError("reap", err)
	}
	return ids, nil
}

// wrap keeps state errors as they are and marks everything else as a
// broker failure
func (b *Broker) wrap(op string, err error) error {
	if err == nil || errors.Is(err, domain.ErrJobNotFound) || errors.Is(err, domain.ErrInvalidTransition) {
		return err
	}
	return domain.NewBrokerError(op, err)
}

func (b *Broker) cutoff() time.Time {
	if b.resultTTL <= 0 {
		return time.Time{}
	}
	return b.now().Add(-b.resultTTL)
}

func (b *Broker) toRecord(row *jobRow) (*domain.Record, error) {
	rec := &domain.Record{
		JobID:       row.JobID,
		Queue:       row.Queue,
		Function:    row.FunctionKey,
		Status:      domain.Status(row.Status),
		Error:       row.ErrorMessage.String,
		WorkerID:    row.WorkerID.String,
		EnqueuedAt:  row.EnqueuedAt,
		StartedAt:   nullTime(row.StartedAt.Time, row.StartedAt.Valid),
		EndedAt:     nullTime(row.CompletedAt.Time, row.CompletedAt.Valid),
		HeartbeatAt: nullTime(row.LastHeartbeatAt.Time, row.LastHeartbeatAt.Valid),
	}

	if rec.Status == domain.StatusFinished && len(row.Result) > 0 {
		c, err := b.codecFor(row.Codec)
		if err != nil {
			return nil, err
		}
		if err := c.Unmarshal(row.Result, &rec.Result); err != nil {
			return nil, fmt.Errorf("failed to decode result: %w", err)
		}
	}
	return rec, nil
}

func (b *Broker) codecFor(name string) (codec.Codec, error) {
	if name == "" || name == b.codec.Name() {
		return b.codec, nil
	}
	return codec.Lookup(name)
}

func nullTime(t time.Time, valid bool) *time.Time {
	if !valid {
		return nil
	}
	return &t
}
