package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisEnvelope is the wire shape of one dispatch envelope stored as a
// sorted-set member, mirroring the Job struct's plain-JSON-over-Redis
// approach (marshal to a string member, unmarshal on claim) rather than a
// hash-per-field layout.
type redisEnvelope struct {
	ID          string          `json:"id"`
	TaskName    string          `json:"task_name"`
	JobKey      string          `json:"job_key,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts"`
	Attempts    int             `json:"attempts"`
}

// RedisQueue is the alternate Queue backend (§4.6): a go-redis/v9 sorted
// set per task, scored by run-at unix-nanos, so a poller can
// ZRangeByScore for "anything due now" instead of a dedicated delayed-job
// table. JobKey dedup uses SETNX on a side key rather than a DB unique
// index.
type RedisQueue struct {
	client       *redis.Client
	keyPrefix    string
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewRedisQueue builds a RedisQueue over an existing go-redis client.
// keyPrefix namespaces every key this queue touches (e.g. "agentctl").
func NewRedisQueue(client *redis.Client, keyPrefix string) *RedisQueue {
	if keyPrefix == "" {
		keyPrefix = "agentctl"
	}
	return &RedisQueue{
		client:       client,
		keyPrefix:    keyPrefix,
		pollInterval: 500 * time.Millisecond,
		logger:       slog.Default().With("component", "redis-queue"),
	}
}

func (q *RedisQueue) zsetKey(taskName string) string {
	return fmt.Sprintf("%s:queue:%s:due", q.keyPrefix, taskName)
}

func (q *RedisQueue) jobKeyKey(taskName, jobKey string) string {
	return fmt.Sprintf("%s:queue:%s:jobkey:%s", q.keyPrefix, taskName, jobKey)
}

// AddJob scores the envelope by RunAt (or now) and pushes it onto
// taskName's due set. A non-empty JobKey is claimed with SETNX first;
// losing that race returns ErrDuplicateJobKey without touching the set.
func (q *RedisQueue) AddJob(ctx context.Context, taskName string, payload any, opts AddJobOptions) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	env := redisEnvelope{
		ID:          uuid.NewString(),
		TaskName:    taskName,
		JobKey:      opts.JobKey,
		Payload:     body,
		MaxAttempts: maxAttempts,
	}

	if opts.JobKey != "" {
		ok, err := q.client.SetNX(ctx, q.jobKeyKey(taskName, opts.JobKey), env.ID, 0).Result()
		if err != nil {
			return fmt.Errorf("claim job key: %w", err)
		}
		if !ok {
			return ErrDuplicateJobKey
		}
	}

	runAt := opts.RunAt
	if runAt.IsZero() {
		runAt = time.Now()
	}
	member, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := q.client.ZAdd(ctx, q.zsetKey(taskName), redis.Z{
		Score:  float64(runAt.UnixNano()),
		Member: member,
	}).Err(); err != nil {
		return fmt.Errorf("zadd queue job: %w", err)
	}
	return nil
}

// Release is a no-op for RedisQueue beyond clearing a jobKey claim:
// in-flight envelopes are already removed from the due set at claim time,
// so "releasing" one means only freeing its dedup slot for reuse.
func (q *RedisQueue) Release(ctx context.Context, jobKey string) error {
	iter := q.client.Scan(ctx, 0, fmt.Sprintf("%s:queue:*:jobkey:%s", q.keyPrefix, jobKey), 100).Iterator()
	for iter.Next(ctx) {
		if err := q.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("release job key %s: %w", jobKey, err)
		}
	}
	return iter.Err()
}

// Run spins up concurrency goroutines, each polling taskName's due set,
// until ctx is cancelled.
func (q *RedisQueue) Run(ctx context.Context, taskName string, handler Handler, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			q.pollLoop(ctx, taskName, handler, workerID)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (q *RedisQueue) pollLoop(ctx context.Context, taskName string, handler Handler, workerID int) {
	log := q.logger.With("task", taskName, "worker", workerID)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		env, err := q.claimNext(ctx, taskName)
		if err != nil {
			if errors.Is(err, ErrNoJobAvailable) {
				q.sleep(ctx, q.pollInterval)
				continue
			}
			log.Error("claim queue job failed", "error", err)
			q.sleep(ctx, time.Second)
			continue
		}

		handlerErr := handler(ctx, env.Payload)
		if err := q.settle(context.Background(), taskName, env, handlerErr); err != nil {
			log.Error("settle queue job failed", "envelope_id", env.ID, "error", err)
		}
	}
}

func (q *RedisQueue) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// claimNext optimistically pops the earliest-due member: WATCH the set,
// read the lowest-scored member at or before now, ZREM it inside a
// pipeline. A concurrent claimer racing the same member fails the
// transaction and claimNext reports ErrNoJobAvailable for this poll.
func (q *RedisQueue) claimNext(ctx context.Context, taskName string) (*redisEnvelope, error) {
	zkey := q.zsetKey(taskName)
	now := float64(time.Now().UnixNano())

	var claimed *redisEnvelope
	txErr := q.client.Watch(ctx, func(tx *redis.Tx) error {
		results, err := tx.ZRangeByScoreWithScores(ctx, zkey, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   fmt.Sprintf("%f", now),
			Count: 1,
		}).Result()
		if err != nil {
			return err
		}
		if len(results) == 0 {
			return ErrNoJobAvailable
		}
		member, ok := results[0].Member.(string)
		if !ok {
			return fmt.Errorf("unexpected zset member type %T", results[0].Member)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, zkey, member)
			return nil
		})
		if err != nil {
			return err
		}

		var env redisEnvelope
		if err := json.Unmarshal([]byte(member), &env); err != nil {
			return fmt.Errorf("unmarshal envelope: %w", err)
		}
		env.Attempts++
		claimed = &env
		return nil
	}, zkey)

	if txErr != nil {
		if errors.Is(txErr, ErrNoJobAvailable) || errors.Is(txErr, redis.TxFailedErr) {
			return nil, ErrNoJobAvailable
		}
		return nil, fmt.Errorf("claim queue job: %w", txErr)
	}
	return claimed, nil
}

// settle clears the jobKey dedup slot on a terminal outcome, or re-scores
// the envelope back onto the due set after an exponential backoff delay
// when attempts remain.
func (q *RedisQueue) settle(ctx context.Context, taskName string, env *redisEnvelope, handlerErr error) error {
	if handlerErr == nil || env.Attempts >= env.MaxAttempts {
		if env.JobKey != "" {
			return q.client.Del(ctx, q.jobKeyKey(taskName, env.JobKey)).Err()
		}
		return nil
	}

	delay := retryBackoff(env.Attempts)
	member, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal retried envelope: %w", err)
	}
	return q.client.ZAdd(ctx, q.zsetKey(taskName), redis.Z{
		Score:  float64(time.Now().Add(delay).UnixNano()),
		Member: member,
	}).Err()
}

// Depth sums the cardinality of every task's due set — the due members
// still include ones whose run_at hasn't arrived yet, so this is a
// backlog-size signal rather than a strict "claimable now" count.
func (q *RedisQueue) Depth(ctx context.Context) (int, error) {
	var total int
	iter := q.client.Scan(ctx, 0, fmt.Sprintf("%s:queue:*:due", q.keyPrefix), 100).Iterator()
	for iter.Next(ctx) {
		n, err := q.client.ZCard(ctx, iter.Val()).Result()
		if err != nil {
			return 0, fmt.Errorf("zcard %s: %w", iter.Val(), err)
		}
		total += int(n)
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("scan due sets: %w", err)
	}
	return total, nil
}

var _ Queue = (*PostgresQueue)(nil)
var _ Queue = (*RedisQueue)(nil)
