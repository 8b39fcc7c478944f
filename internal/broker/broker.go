// Package broker defines the primitives the web and worker processes use to
// exchange jobs: enqueue and status reads on the web side, blocking dequeue
// and terminal writes on the worker side.
//
// Backends live in subpackages:
//
//	memory       in-process, for tests and single-binary runs
//	redisbroker  Redis lists and hashes
//	amqpbroker   RabbitMQ delivery with PostgreSQL job records
package broker

import (
	"context"
	"time"

	"github.com/cuongbtq/jobrelay/internal/domain"
)

// Broker type names accepted in configuration
const (
	TypeMemory   = "memory"
	TypeRedis    = "redis"
	TypeRabbitMQ = "rabbitmq"
)

// DefaultResultTTL is how long finished and failed records stay readable
const DefaultResultTTL = 500 * time.Second

// LostWorkerMessage is written into records reaped after their lease expired
const LostWorkerMessage = "worker lost: lease expired"

// Publisher is the web-side view of the broker. Fetch is read-only.
type Publisher interface {
	Enqueue(ctx context.Context, job *domain.Job) error
	Fetch(ctx context.Context, jobID string) (*domain.Record, error)
	Ping(ctx context.Context) error
}

// Consumer is the worker-side view of the broker. Only a Consumer mutates
// job records, and only forward: queued -> started -> finished|failed.
type Consumer interface {
	// Dequeue blocks until a job is available on one of the queues or ctx
	// is done. Each job is handed to at most one caller.
	Dequeue(ctx context.Context, queues []string) (*Delivery, error)
	Start(ctx context.Context, jobID, workerID string) error
	Finish(ctx context.Context, jobID string, result any) error
	Fail(ctx context.Context, jobID string, reason string) error
	Heartbeat(ctx context.Context, jobID, workerID string) error
	// ReapStale fails started jobs on queue whose heartbeat is older than
	// threshold and returns their ids.
	ReapStale(ctx context.Context, queue string, threshold time.Duration) ([]string, error)
	Ping(ctx context.Context) error
}

// Broker is implemented by every backend
type Broker interface {
	Publisher
	Consumer
	Close() error
}

// Delivery is a dequeued job plus the backend's acknowledgement hooks
type Delivery struct {
	Job *domain.Job

	ack  func() error
	nack func(requeue bool) error
}

// NewDelivery wraps job with optional acknowledgement hooks
func NewDelivery(job *domain.Job, ack func() error, nack func(requeue bool) error) *Delivery {
	return &Delivery{Job: job, ack: ack, nack: nack}
}

// Ack confirms the job reached a terminal state
func (d *Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Nack returns the delivery to the backend, optionally for redelivery
func (d *Delivery) Nack(requeue bool) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(requeue)
}
