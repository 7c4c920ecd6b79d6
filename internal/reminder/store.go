package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the durable queue behind the scheduler and the worker.
type Store interface {
	// Enqueue adds job unless a job with the same ID is queued, parked as
	// failed, or was already delivered. It reports whether it was added.
	Enqueue(ctx context.Context, job Job) (bool, error)
	// ClaimDue hands out up to limit jobs whose FireAt is at or before now
	// and hides them from other workers until the lease expires.
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Job, error)
	Ack(ctx context.Context, id string) error
	Retry(ctx context.Context, job Job, next time.Time) error
	Bury(ctx context.Context, job Job) error
	// RecoverExpired puts jobs whose lease ran out back on the due queue.
	RecoverExpired(ctx context.Context, now time.Time) (int, error)
	Failed(ctx context.Context, limit int) ([]Job, error)
	// Remove drops queued jobs so they never fire. Delivered or parked jobs
	// are left alone. It returns how many jobs were dropped.
	Remove(ctx context.Context, ids ...string) (int, error)
}

const deliveredTTL = 30 * 24 * time.Hour

type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// DefaultPrefix namespaces the queue keys shared by the api-server (which
// enqueues) and the reminder-worker (which delivers).
const DefaultPrefix = "reminders"

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) dueKey() string        { return s.prefix + ":due" }
func (s *RedisStore) processingKey() string { return s.prefix + ":processing" }
func (s *RedisStore) jobsKey() string       { return s.prefix + ":jobs" }
func (s *RedisStore) failedKey() string     { return s.prefix + ":failed" }
func (s *RedisStore) deliveredKey(id string) string {
	return s.prefix + ":delivered:" + id
}

var enqueueScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[4]) == 1 then return 0 end
if redis.call("HEXISTS", KEYS[2], ARGV[1]) == 1 then return 0 end
if redis.call("HEXISTS", KEYS[3], ARGV[1]) == 1 then return 0 end
redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[1])
return 1
`)

func (s *RedisStore) Enqueue(ctx context.Context, job Job) (bool, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("encode reminder %s: %w", job.ID, err)
	}

	added, err := enqueueScript.Run(ctx, s.rdb,
		[]string{s.dueKey(), s.jobsKey(), s.failedKey(), s.deliveredKey(job.ID)},
		job.ID, payload, job.FireAt.UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue reminder %s: %w", job.ID, err)
	}
	return added == 1, nil
}

var claimScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
local out = {}
for _, id in ipairs(ids) do
	redis.call("ZREM", KEYS[1], id)
	local body = redis.call("HGET", KEYS[3], id)
	if body then
		redis.call("ZADD", KEYS[2], ARGV[3], id)
		table.insert(out, body)
	end
end
return out
`)

func (s *RedisStore) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Job, error) {
	raw, err := claimScript.Run(ctx, s.rdb,
		[]string{s.dueKey(), s.processingKey(), s.jobsKey()},
		now.UnixMilli(), limit, now.Add(lease).UnixMilli(),
	).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim reminders: %w", err)
	}

	jobs := make([]Job, 0, len(raw))
	for _, body := range raw {
		var job Job
		if err := json.Unmarshal([]byte(body), &job); err != nil {
			return jobs, fmt.Errorf("decode reminder: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *RedisStore) Ack(ctx context.Context, id string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.processingKey(), id)
		pipe.HDel(ctx, s.jobsKey(), id)
		pipe.Set(ctx, s.deliveredKey(id), 1, deliveredTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack reminder %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) Retry(ctx context.Context, job Job, next time.Time) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode reminder %s: %w", job.ID, err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.jobsKey(), job.ID, payload)
		pipe.ZRem(ctx, s.processingKey(), job.ID)
		pipe.ZAdd(ctx, s.dueKey(), redis.Z{Score: float64(next.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("retry reminder %s: %w", job.ID, err)
	}
	return nil
}

func (s *RedisStore) Bury(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode reminder %s: %w", job.ID, err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.processingKey(), job.ID)
		pipe.HDel(ctx, s.jobsKey(), job.ID)
		pipe.HSet(ctx, s.failedKey(), job.ID, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("bury reminder %s: %w", job.ID, err)
	}
	return nil
}

var recoverScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, id in ipairs(ids) do
	redis.call("ZREM", KEYS[1], id)
	redis.call("ZADD", KEYS[2], ARGV[1], id)
end
return #ids
`)

func (s *RedisStore) RecoverExpired(ctx context.Context, now time.Time) (int, error) {
	n, err := recoverScript.Run(ctx, s.rdb,
		[]string{s.processingKey(), s.dueKey()},
		strconv.FormatInt(now.UnixMilli(), 10),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("recover reminders: %w", err)
	}
	return n, nil
}

var removeScript = redis.NewScript(`
local n = 0
for _, id in ipairs(ARGV) do
	redis.call("ZREM", KEYS[1], id)
	redis.call("ZREM", KEYS[2], id)
	n = n + redis.call("HDEL", KEYS[3], id)
end
return n
`)

func (s *RedisStore) Remove(ctx context.Context, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	n, err := removeScript.Run(ctx, s.rdb,
		[]string{s.dueKey(), s.processingKey(), s.jobsKey()},
		args...,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("remove reminders: %w", err)
	}
	return n, nil
}

// Failed lists parked jobs, most recently failed first.
func (s *RedisStore) Failed(ctx context.Context, limit int) ([]Job, error) {
	raw, err := s.rdb.HGetAll(ctx, s.failedKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list failed reminders: %w", err)
	}

	jobs := make([]Job, 0, len(raw))
	for id, body := range raw {
		var job Job
		if err := json.Unmarshal([]byte(body), &job); err != nil {
			return nil, fmt.Errorf("decode failed reminder %s: %w", id, err)
		}
		jobs = append(jobs, job)
	}
	sortFailed(jobs)

	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func sortFailed(jobs []Job) {
	sort.Slice(jobs, func(i, j int) bool {
		a, b := jobs[i].FailedAt, jobs[j].FailedAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
}

var _ Store = (*RedisStore)(nil)
