// Package redisbroker implements broker.Broker on Redis. Queues are Lists
// (LPUSH on enqueue, BRPOP on dequeue, so each job reaches one worker, and
// RPUSH to hand a nacked job back), job
// records are Hashes, and started jobs are tracked in a per-queue Sorted Set
// scored by heartbeat for the lease reaper.
package redisbroker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/cuongbtq/jobrelay/internal/broker"
	"github.com/cuongbtq/jobrelay/internal/codec"
	"github.com/cuongbtq/jobrelay/internal/domain"
)

var _ broker.Broker = (*Broker)(nil)

// transitionScript applies a status change only from the expected status.
// KEYS[1] job hash; ARGV[1] expected status; ARGV[2] expire seconds (0 keeps
// the key); ARGV[3..] field/value pairs. Returns -1 missing, 0 wrong state, 1 ok.
var transitionScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
	return -1
end
if cur ~= ARGV[1] then
	return 0
end
for i = 3, #ARGV, 2 do
	redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
local ttl = tonumber(ARGV[2])
if ttl > 0 then
	redis.call('EXPIRE', KEYS[1], ttl)
end
return 1
`)

// enqueueScript creates the record hash and pushes the id in one step, so a
// failed enqueue leaves nothing behind.
// KEYS[1] job hash, KEYS[2] queue list; ARGV[1] id; ARGV[2..] field/value
// pairs. Returns 0 when the job already exists, 1 ok.
var enqueueScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'id', ARGV[1])
for i = 2, #ARGV, 2 do
	redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('LPUSH', KEYS[2], ARGV[1])
return 1
`)

// requeueScript pushes a still queued job back onto the consuming end of its
// list. KEYS[1] job hash, KEYS[2] queue list; ARGV[1] id.
// Returns -1 missing, 0 no longer queued, 1 ok.
var requeueScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
	return -1
end
if cur ~= 'queued' then
	return 0
end
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

// Option configures the Broker
type Option func(*Broker)

// WithLogger sets a custom logger
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithCodec sets the codec used for arguments and results
func WithCodec(c codec.Codec) Option {
	return func(b *Broker) { b.codec = c }
}

// WithResultTTL sets how long terminal records remain readable
func WithResultTTL(d time.Duration) Option {
	return func(b *Broker) { b.resultTTL = d }
}

// WithBlockTimeout sets how long a single BRPOP waits before re-checking ctx
func WithBlockTimeout(d time.Duration) Option {
	return func(b *Broker) { b.blockTimeout = d }
}

// Broker is a Redis-backed job broker. The caller owns the client.
type Broker struct {
	client       goredis.UniversalClient
	logger       *slog.Logger
	codec        codec.Codec
	resultTTL    time.Duration
	blockTimeout time.Duration
	now          func() time.Time
}

// New creates a Redis-backed broker
func New(client goredis.UniversalClient, opts ...Option) *Broker {
	b := &Broker{
		client:       client,
		logger:       slog.Default(),
		codec:        codec.JSON(),
		resultTTL:    broker.DefaultResultTTL,
		blockTimeout: time.Second,
		now:          time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Ping verifies the Redis connection is alive
func (b *Broker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return domain.NewBrokerError("ping", err)
	}
	return nil
}

// Close is a no-op; the caller owns the Redis client lifecycle
func (b *Broker) Close() error { return nil }

// Enqueue stores the record hash and pushes the id onto the queue list
func (b *Broker) Enqueue(ctx context.Context, job *domain.Job) error {
	key := jobKey(job.ID)

	args, err := b.codec.Marshal(job.Arguments)
	if err != nil {
		return fmt.Errorf("failed to encode arguments: %w", err)
	}

	created, err := enqueueScript.Run(ctx, b.client,
		[]string{key, queueKey(job.Queue)},
		job.ID,
		"queue", job.Queue,
		"function", job.Function,
		"arguments", string(args),
		"codec", b.codec.Name(),
		"status", string(domain.StatusQueued),
		"enqueued_at", formatTime(job.EnqueuedAt),
	).Int()
	if err != nil {
		return domain.NewBrokerError("enqueue", err)
	}
	if created == 0 {
		return domain.ErrJobAlreadyExists
	}

	b.logger.Debug("Job pushed to Redis",
		slog.String("job_id", job.ID),
		slog.String("queue", job.Queue),
	)
	return nil
}

// Dequeue pops the next job id from the queues with BRPOP, looping on the
// block timeout until ctx is done
func (b *Broker) Dequeue(ctx context.Context, queues []string) (*broker.Delivery, error) {
	keys := make([]string, len(queues))
	for i, q := range queues {
		keys[i] = queueKey(q)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := b.client.BRPop(ctx, b.blockTimeout, keys...).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, domain.NewBrokerError("dequeue", err)
		}

		// res is [list key, member]
		id := res[1]
		job, err := b.loadJob(ctx, id)
		if errors.Is(err, domain.ErrJobNotFound) {
			b.logger.Warn("Dequeued job has no record, skipping",
				slog.String("job_id", id),
			)
			continue
		}
		if err != nil {
			return nil, err
		}
		return broker.NewDelivery(job, nil, b.nackFunc(job)), nil
	}
}

// nackFunc returns a requeued job to the tail BRPOP reads from, so it is
// the next one delivered. Dropped deliveries need nothing, BRPOP already
// removed them.
func (b *Broker) nackFunc(job *domain.Job) func(bool) error {
	return func(requeue bool) error {
		if !requeue {
			return nil
		}
		// the delivery may be nacked while its worker shuts down
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		res, err := requeueScript.Run(ctx, b.client,
			[]string{jobKey(job.ID), queueKey(job.Queue)}, job.ID).Int()
		if err != nil {
			return domain.NewBrokerError("nack", err)
		}
		switch res {
		case -1:
			return domain.ErrJobNotFound
		case 0:
			return domain.ErrInvalidTransition
		}
		b.logger.Debug("Job requeued", slog.String("job_id", job.ID), slog.String("queue", job.Queue))
		return nil
	}
}

// Fetch reads the job record hash
func (b *Broker) Fetch(ctx context.Context, jobID string) (*domain.Record, error) {
	vals, err := b.client.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, domain.NewBrokerError("fetch", err)
	}
	if len(vals) == 0 || vals["status"] == "" {
		return nil, domain.ErrJobNotFound
	}
	return b.mapToRecord(vals)
}

// Start moves a queued job to started and registers its lease
func (b *Broker) Start(ctx context.Context, jobID, workerID string) error {
	now := b.now()
	queue, err := b.client.HGet(ctx, jobKey(jobID), "queue").Result()
	if errors.Is(err, goredis.Nil) {
		return domain.ErrJobNotFound
	}
	if err != nil {
		return domain.NewBrokerError("start", err)
	}

	if err := b.transition(ctx, "start", jobID, domain.StatusQueued, 0,
		"status", string(domain.StatusStarted),
		"worker_id", workerID,
		"started_at", formatTime(now),
		"heartbeat_at", formatTime(now),
	); err != nil {
		return err
	}

	if err := b.client.ZAdd(ctx, startedKey(queue), goredis.Z{Score: float64(now.UnixMilli()), Member: jobID}).Err(); err != nil {
		return domain.NewBrokerError("start", err)
	}
	return nil
}

// Finish stores the encoded result and moves a started job to finished
func (b *Broker) Finish(ctx context.Context, jobID string, result any) error {
	data, err := b.codec.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	return b.terminate(ctx, "finish", jobID,
		"status", string(domain.StatusFinished),
		"result", string(data),
		"ended_at", formatTime(b.now()),
	)
}

// Fail stores the reason and moves a started job to failed
func (b *Broker) Fail(ctx context.Context, jobID string, reason string) error {
	return b.terminate(ctx, "fail", jobID,
		"status", string(domain.StatusFailed),
		"error", reason,
		"ended_at", formatTime(b.now()),
	)
}

// Heartbeat refreshes the lease of a started job
func (b *Broker) Heartbeat(ctx context.Context, jobID, workerID string) error {
	now := b.now()
	queue, err := b.client.HGet(ctx, jobKey(jobID), "queue").Result()
	if errors.Is(err, goredis.Nil) {
		return domain.ErrJobNotFound
	}
	if err != nil {
		return domain.NewBrokerError("heartbeat", err)
	}

	// started -> started keeps the status and only touches the lease fields
	if err := b.transition(ctx, "heartbeat", jobID, domain.StatusStarted, 0,
		"worker_id", workerID,
		"heartbeat_at", formatTime(now),
	); err != nil {
		return err
	}

	if err := b.client.ZAdd(ctx, startedKey(queue), goredis.Z{Score: float64(now.UnixMilli()), Member: jobID}).Err(); err != nil {
		return domain.NewBrokerError("heartbeat", err)
	}
	return nil
}

// ReapStale fails started jobs on queue whose lease score is older than threshold
func (b *Broker) ReapStale(ctx context.Context, queue string, threshold time.Duration) ([]string, error) {
	cutoff := b.now().Add(-threshold).UnixMilli()

	ids, err := b.client.ZRangeByScore(ctx, startedKey(queue), &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return nil, domain.NewBrokerError("reap", err)
	}

	var reaped []string
	for _, id := range ids {
		err := b.Fail(ctx, id, broker.LostWorkerMessage)
		switch {
		case err == nil:
			reaped = append(reaped, id)
		case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrJobNotFound):
			// finished in the meantime, or expired
			if zErr := b.client.ZRem(ctx, startedKey(queue), id).Err(); zErr != nil {
				return reaped, domain.NewBrokerError("reap", zErr)
			}
		default:
			return reaped, err
		}
	}
	return reaped, nil
}

func (b *Broker) terminate(ctx context.Context, op, jobID string, fields ...any) error {
	queue, err := b.client.HGet(ctx, jobKey(jobID), "queue").Result()
	if errors.Is(err, goredis.Nil) {
		return domain.ErrJobNotFound
	}
	if err != nil {
		return domain.NewBrokerError(op, err)
	}

	ttl := int64(b.resultTTL / time.Second)
	if err := b.transition(ctx, op, jobID, domain.StatusStarted, ttl, fields...); err != nil {
		return err
	}

	if err := b.client.ZRem(ctx, startedKey(queue), jobID).Err(); err != nil {
		return domain.NewBrokerError(op, err)
	}
	return nil
}

func (b *Broker) transition(ctx context.Context, op, jobID string, from domain.Status, ttlSeconds int64, fields ...any) error {
	argv := append([]any{string(from), ttlSeconds}, fields...)

	res, err := transitionScript.Run(ctx, b.client, []string{jobKey(jobID)}, argv...).Int()
	if err != nil {
		return domain.NewBrokerError(op, err)
	}

	switch res {
	case -1:
		return domain.ErrJobNotFound
	case 0:
		return domain.ErrInvalidTransition
	default:
		return nil
	}
}

func (b *Broker) loadJob(ctx context.Context, jobID string) (*domain.Job, error) {
	vals, err := b.client.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, domain.NewBrokerError("dequeue", err)
	}
	if len(vals) == 0 || vals["status"] == "" {
		return nil, domain.ErrJobNotFound
	}

	c, err := b.codecFor(vals["codec"])
	if err != nil {
		return nil, err
	}

	var args map[string]any
	if raw := vals["arguments"]; raw != "" {
		if err := c.Unmarshal([]byte(raw), &args); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
		}
	}

	return &domain.Job{
		ID:         jobID,
		Queue:      vals["queue"],
		Function:   vals["function"],
		Arguments:  args,
		EnqueuedAt: parseTime(vals["enqueued_at"]),
	}, nil
}

func (b *Broker) mapToRecord(vals map[string]string) (*domain.Record, error) {
	rec := &domain.Record{
		JobID:       vals["id"],
		Queue:       vals["queue"],
		Function:    vals["function"],
		Status:      domain.Status(vals["status"]),
		Error:       vals["error"],
		WorkerID:    vals["worker_id"],
		EnqueuedAt:  parseTime(vals["enqueued_at"]),
		StartedAt:   parseTimePtr(vals["started_at"]),
		EndedAt:     parseTimePtr(vals["ended_at"]),
		HeartbeatAt: parseTimePtr(vals["heartbeat_at"]),
	}

	if raw, ok := vals["result"]; ok && rec.Status == domain.StatusFinished {
		c, err := b.codecFor(vals["codec"])
		if err != nil {
			return nil, err
		}
		if err := c.Unmarshal([]byte(raw), &rec.Result); err != nil {
			return nil, fmt.Errorf("failed to decode result: %w", err)
		}
	}
	return rec, nil
}

// codecFor returns the codec a record was written with, so a codec change
// does not strand records already in Redis
func (b *Broker) codecFor(name string) (codec.Codec, error) {
	if name == "" || name == b.codec.Name() {
		return b.codec, nil
	}
	return codec.Lookup(name)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

func parseTimePtr(v string) *time.Time {
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil
	}
	return &t
}
