package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cwygoda/urldrop/internal/domain"
)

const (
	keyPrefix           = "urldrop"
	defaultBlockTimeout = time.Second
	promoteBatch        = 100
	settleTimeout       = 5 * time.Second
)

// errMalformedJob marks a job hash that can never be delivered.
var errMalformedJob = errors.New("malformed job")

// Job hash fields.
const (
	fieldName       = "name"
	fieldData       = "data"
	fieldAttempts   = "attempts"
	fieldEnqueuedAt = "enqueued_at"
	fieldReason     = "failed_reason"
)

// Redis is a queue backed by Redis lists. Jobs live in hashes; their ids move
// between the wait and active lists, the delayed sorted set (score = due time)
// and the failed list.
type Redis struct {
	rdb    *redis.Client
	name   string
	policy Policy
	block  time.Duration
	logger *slog.Logger
	closed atomic.Bool
}

// RedisOption configures a Redis queue.
type RedisOption func(*Redis)

// WithBlockTimeout sets how long one Reserve round blocks on the broker.
func WithBlockTimeout(d time.Duration) RedisOption {
	return func(q *Redis) {
		if d > 0 {
			q.block = d
		}
	}
}

// WithRedisLogger sets the logger.
func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(q *Redis) { q.logger = l }
}

// NewRedis creates a queue named name on rdb. The caller owns rdb.
func NewRedis(rdb *redis.Client, name string, policy Policy, opts ...RedisOption) *Redis {
	if name == "" {
		name = DefaultName
	}
	q := &Redis{
		rdb:    rdb,
		name:   name,
		policy: policy.withDefaults(),
		block:  defaultBlockTimeout,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Redis) key(parts ...string) string {
	k := keyPrefix + ":" + q.name
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (q *Redis) jobKey(id string) string { return q.key("job", id) }

// Enqueue stores the job hash and pushes its id onto the wait list.
func (q *Redis) Enqueue(ctx context.Context, name string, job domain.TransferJob) (string, error) {
	if q.closed.Load() {
		return "", domain.ErrQueueClosed
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	n, err := q.rdb.Incr(ctx, q.key("id")).Result()
	if err != nil {
		return "", fmt.Errorf("allocate job id: %w", err)
	}
	id := strconv.FormatInt(n, 10)

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(id),
			fieldName, name,
			fieldData, data,
			fieldAttempts, 0,
			fieldEnqueuedAt, time.Now().UnixMilli(),
		)
		pipe.LPush(ctx, q.key("wait"), id)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("enqueue job %s: %w", id, err)
	}
	return id, nil
}

// Reserve moves the next waiting job to the active list. It returns when a
// job is available, ctx is done or the queue is closed.
func (q *Redis) Reserve(ctx context.Context) (*domain.Delivery, error) {
	for {
		if q.closed.Load() {
			return nil, domain.ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := q.promote(ctx); err != nil {
			return nil, err
		}

		id, err := q.rdb.BLMove(ctx, q.key("wait"), q.key("active"), "RIGHT", "LEFT", q.block).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("reserve: %w", err)
		}

		d, err := q.load(ctx, id)
		if errors.Is(err, errMalformedJob) {
			q.logger.Warn("dropping malformed job", "queue", q.name, "job_id", id, "error", err)
			q.bury(ctx, id, err.Error())
			continue
		}
		if err != nil {
			q.requeue(ctx, id)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("reserve job %s: %w", id, err)
		}
		return d, nil
	}
}

func (q *Redis) load(ctx context.Context, id string) (*domain.Delivery, error) {
	attempts, err := q.rdb.HIncrBy(ctx, q.jobKey(id), fieldAttempts, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("count attempt: %w", err)
	}
	h, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	raw, ok := h[fieldData]
	if !ok {
		return nil, fmt.Errorf("%w: payload missing", errMalformedJob)
	}
	var job domain.TransferJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("%w: decode payload: %v", errMalformedJob, err)
	}

	d := &domain.Delivery{
		ID:          id,
		Name:        h[fieldName],
		Job:         job,
		Attempt:     int(attempts),
		MaxAttempts: q.policy.MaxAttempts,
	}
	if ms, err := strconv.ParseInt(h[fieldEnqueuedAt], 10, 64); err == nil {
		d.EnqueuedAt = time.UnixMilli(ms)
	}
	return d, nil
}

// promote moves due delayed jobs onto the wait list. ZRem decides the winner
// when several consumers promote at once.
func (q *Redis) promote(ctx context.Context) error {
	due, err := q.rdb.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(time.Now().UnixMilli(), 10),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("scan delayed: %w", err)
	}
	for _, id := range due {
		n, err := q.rdb.ZRem(ctx, q.key("delayed"), id).Result()
		if err != nil {
			return fmt.Errorf("promote job %s: %w", id, err)
		}
		if n == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, q.key("wait"), id).Err(); err != nil {
			return fmt.Errorf("promote job %s: %w", id, err)
		}
	}
	return nil
}

// Ack removes a finished job and counts it as completed.
func (q *Redis) Ack(ctx context.Context, d *domain.Delivery) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.key("active"), 1, d.ID)
		pipe.Del(ctx, q.jobKey(d.ID))
		pipe.Incr(ctx, q.key("completed"))
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack job %s: %w", d.ID, err)
	}
	return nil
}

// Nack schedules a retry on the delayed set, or moves the job to the failed
// list once attempts are exhausted.
func (q *Redis) Nack(ctx context.Context, d *domain.Delivery, cause error) (bool, error) {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	retry := d.Attempt < q.policy.MaxAttempts && !q.closed.Load()

	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.key("active"), 1, d.ID)
		pipe.HSet(ctx, q.jobKey(d.ID), fieldReason, reason)
		if retry {
			due := time.Now().Add(q.policy.Delay(d.Attempt)).UnixMilli()
			pipe.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(due), Member: d.ID})
		} else {
			pipe.LPush(ctx, q.key("failed"), d.ID)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("nack job %s: %w", d.ID, err)
	}
	return retry, nil
}

// requeue puts a reserved job back at the head of the wait list after a
// failed load. It runs detached from ctx.
func (q *Redis) requeue(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.key("active"), 1, id)
		pipe.RPush(ctx, q.key("wait"), id)
		return nil
	})
	if err != nil {
		q.logger.Error("failed to requeue job", "queue", q.name, "job_id", id, "error", err)
	}
}

func (q *Redis) bury(ctx context.Context, id, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.key("active"), 1, id)
		pipe.HSet(ctx, q.jobKey(id), fieldReason, reason)
		pipe.LPush(ctx, q.key("failed"), id)
		return nil
	})
	if err != nil {
		q.logger.Error("failed to bury job", "queue", q.name, "job_id", id, "error", err)
	}
}

// RecoverActive moves every active job back to the wait list. Only safe when
// no other consumer shares the queue, e.g. at startup of a single instance.
func (q *Redis) RecoverActive(ctx context.Context) (int, error) {
	n := 0
	for {
		_, err := q.rdb.LMove(ctx, q.key("active"), q.key("wait"), "RIGHT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recover active jobs: %w", err)
		}
		n++
	}
}

// Stats reports queue depth.
func (q *Redis) Stats(ctx context.Context) (Stats, error) {
	var (
		wait, active, failed *redis.IntCmd
		delayed              *redis.IntCmd
		completed            *redis.StringCmd
	)
	_, err := q.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		wait = pipe.LLen(ctx, q.key("wait"))
		active = pipe.LLen(ctx, q.key("active"))
		failed = pipe.LLen(ctx, q.key("failed"))
		delayed = pipe.ZCard(ctx, q.key("delayed"))
		completed = pipe.Get(ctx, q.key("completed"))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	done, _ := completed.Int64()
	return Stats{
		Waiting:   wait.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Failed:    failed.Val(),
		Completed: done,
	}, nil
}

// Close stops delivery. The client stays open.
func (q *Redis) Close() error {
	q.closed.Store(true)
	return nil
}
