package timers

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/flowengine/pkg/schema"
)

// DefaultRedisKey is the ZSET holding pending wake-ups.
const DefaultRedisKey = "flowengine:wakeups"

const memberSep = "|"

// RedisQueue is a durable wake-up queue on a Redis sorted set. The score is
// the due time in unix millis and the member is "runID|nodeID". A companion
// hash maps runID to its member so a wake-up can be cancelled by run.
type RedisQueue struct {
	client redis.UniversalClient
	key    string
	index  string
	batch  int64
	now    Clock
	logger *slog.Logger
}

// RedisOption configures a RedisQueue.
type RedisOption func(*RedisQueue)

// WithRedisClock overrides the queue's clock.
func WithRedisClock(c Clock) RedisOption {
	return func(q *RedisQueue) { q.now = c }
}

// WithRedisBatch bounds how many due members one poll claims.
func WithRedisBatch(n int64) RedisOption {
	return func(q *RedisQueue) {
		if n > 0 {
			q.batch = n
		}
	}
}

// WithRedisLogger sets the queue's logger.
func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(q *RedisQueue) { q.logger = l }
}

// NewRedisQueue creates a queue stored under key (DefaultRedisKey if empty).
func NewRedisQueue(client redis.UniversalClient, key string, opts ...RedisOption) *RedisQueue {
	if key == "" {
		key = DefaultRedisKey
	}
	q := &RedisQueue{
		client: client,
		key:    key,
		index:  key + ":runs",
		batch:  100,
		now:    systemClock,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// ScheduleWakeup adds the wake-up, replacing any earlier one of the same run.
func (q *RedisQueue) ScheduleWakeup(ctx context.Context, runID, nodeID string, expiresAt time.Time) error {
	member := runID + memberSep + nodeID

	prev, err := q.client.HGet(ctx, q.index, runID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return q.storageError("schedule", runID, err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if prev != "" && prev != member {
			pipe.ZRem(ctx, q.key, prev)
		}
		pipe.ZAdd(ctx, q.key, redis.Z{Score: float64(expiresAt.UnixMilli()), Member: member})
		pipe.HSet(ctx, q.index, runID, member)
		return nil
	})
	if err != nil {
		return q.storageError("schedule", runID, err)
	}
	return nil
}

// CancelWakeup removes the run's wake-up, if any.
func (q *RedisQueue) CancelWakeup(ctx context.Context, runID string) error {
	member, err := q.client.HGet(ctx, q.index, runID).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return q.storageError("cancel", runID, err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.key, member)
		pipe.HDel(ctx, q.index, runID)
		return nil
	})
	if err != nil {
		return q.storageError("cancel", runID, err)
	}
	return nil
}

// Poll claims due members and fires them. A member is fired only by the
// poller whose ZREM removed it, so concurrent pollers never double-fire the
// same registration.
func (q *RedisQueue) Poll(ctx context.Context, fire FireFunc) (int, error) {
	due, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(q.now().UnixMilli(), 10),
		Count: q.batch,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, q.storageError("poll", "", err)
	}

	fired := 0
	for _, member := range due {
		removed, err := q.client.ZRem(ctx, q.key, member).Result()
		if err != nil {
			return fired, q.storageError("claim", "", err)
		}
		if removed == 0 {
			continue
		}

		runID, nodeID, ok := strings.Cut(member, memberSep)
		if !ok {
			q.logger.Warn("dropping malformed wake-up", slog.String("member", member))
			continue
		}
		q.dropIndex(ctx, runID, member)

		if err := fire(ctx, runID, nodeID); err != nil {
			q.logger.Warn("wake-up fire failed",
				slog.String("run_id", runID),
				slog.String("node_id", nodeID),
				slog.String("error", err.Error()),
			)
			continue
		}
		fired++
	}
	return fired, nil
}

// Len returns the number of pending wake-ups.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.key).Result()
}

// dropIndex removes the run's index entry unless it has been rescheduled.
func (q *RedisQueue) dropIndex(ctx context.Context, runID, member string) {
	cur, err := q.client.HGet(ctx, q.index, runID).Result()
	if err != nil || cur != member {
		return
	}
	q.client.HDel(ctx, q.index, runID)
}

func (q *RedisQueue) storageError(op, runID string, err error) error {
	e := schema.NewErrorf(schema.ErrCodeTimer, "redis %s: %v", op, err).WithCause(err)
	if runID != "" {
		e = e.WithRun(runID)
	}
	return e
}

var (
	_ Service = (*RedisQueue)(nil)
	_ Poller  = (*RedisQueue)(nil)
)
