package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/posdesk/backoffice/internal/model"
	"github.com/redis/go-redis/v9"
)

const (
	defaultQueuePrefix = "queue"
	defaultAttempts    = 1
	defaultBackoff     = time.Second

	// waiting scores pack (priority, seq); seq wraps well below float64 precision.
	priorityStride = 1e12
)

var (
	ErrUnknownJobState = errors.New("unknown job state")
	ErrJobStalled      = errors.New("job lease expired before it finished")
)

// RedisJobQueue is a priority job queue stored in Redis. Every state is a sorted set of
// job ids; job fields live in a hash per job.
//
//	<prefix>:<name>:job:<id>  hash   name, data, priority, attempts, attemptsMade, timestamp, processAt, seq
//	<prefix>:<name>:waiting   zset   priority*1e12 + seq (lowest first)
//	<prefix>:<name>:delayed   zset   due unix ms
//	<prefix>:<name>:active    zset   lease start unix ms
//	<prefix>:<name>:completed zset   finished unix ms
//	<prefix>:<name>:failed    zset   finished unix ms
type RedisJobQueue struct {
	rdb             redis.UniversalClient
	base            string
	defaultAttempts int
	backoff         time.Duration
	now             func() time.Time
}

func NewRedisJobQueue(rdb redis.UniversalClient, prefix, name string, attempts int, backoff time.Duration) *RedisJobQueue {
	if prefix == "" {
		prefix = defaultQueuePrefix
	}
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	return &RedisJobQueue{
		rdb:             rdb,
		base:            prefix + ":" + name,
		defaultAttempts: attempts,
		backoff:         backoff,
		now:             time.Now,
	}
}

func (q *RedisJobQueue) stateKey(state model.JobState) string {
	return q.base + ":" + string(state)
}

func (q *RedisJobQueue) jobKey(id string) string {
	return q.base + ":job:" + id
}

func (q *RedisJobQueue) Add(ctx context.Context, name string, payload any, opts model.JobOptions) (string, error) {
	ids, err := q.AddBulk(ctx, []model.BulkJob{{Name: name, Payload: payload, Options: opts}})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// AddBulk stores all jobs in a single MULTI/EXEC, preserving slice order within each tier.
func (q *RedisJobQueue) AddBulk(ctx context.Context, jobs []model.BulkJob) ([]string, error) {
	if len(jobs) == 0 {
		return nil, nil
	}

	payloads := make([][]byte, len(jobs))
	for i, job := range jobs {
		data, err := json.Marshal(job.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode job %d (%s): %w", i, job.Name, err)
		}
		payloads[i] = data
	}

	last, err := q.rdb.IncrBy(ctx, q.base+":seq", int64(len(jobs))).Result()
	if err != nil {
		return nil, fmt.Errorf("reserve job sequence: %w", err)
	}
	first := last - int64(len(jobs)) + 1

	now := q.now()
	ids := make([]string, len(jobs))
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, job := range jobs {
			id := uuid.NewString()
			ids[i] = id
			seq := first + int64(i)

			priority := job.Options.Priority
			if priority < 0 {
				priority = 0
			}
			attempts := job.Options.Attempts
			if attempts <= 0 {
				attempts = q.defaultAttempts
			}
			processAt := now
			if job.Options.Delay > 0 {
				processAt = now.Add(job.Options.Delay)
			}

			pipe.HSet(ctx, q.jobKey(id), map[string]interface{}{
				"name":         job.Name,
				"data":         string(payloads[i]),
				"priority":     priority,
				"attempts":     attempts,
				"attemptsMade": 0,
				"timestamp":    now.UnixMilli(),
				"processAt":    processAt.UnixMilli(),
				"seq":          seq,
			})
			if job.Options.Delay > 0 {
				pipe.ZAdd(ctx, q.stateKey(model.JobDelayed), redis.Z{Score: float64(processAt.UnixMilli()), Member: id})
			} else {
				pipe.ZAdd(ctx, q.stateKey(model.JobWaiting), redis.Z{Score: waitingScore(priority, seq), Member: id})
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue %d job(s): %w", len(jobs), err)
	}
	return ids, nil
}

func (q *RedisJobQueue) Count(ctx context.Context, state model.JobState) (int64, error) {
	if !knownState(state) {
		return 0, fmt.Errorf("%w: %q", ErrUnknownJobState, state)
	}
	return q.rdb.ZCard(ctx, q.stateKey(state)).Result()
}

// Clean removes jobs in state that are older than grace. Finished and active jobs are aged by
// their transition time, waiting and delayed jobs by their creation time.
func (q *RedisJobQueue) Clean(ctx context.Context, state model.JobState, grace time.Duration) (int64, error) {
	if !knownState(state) {
		return 0, fmt.Errorf("%w: %q", ErrUnknownJobState, state)
	}
	key := q.stateKey(state)
	cutoff := q.now().Add(-grace).UnixMilli()

	var ids []string
	switch state {
	case model.JobActive, model.JobCompleted, model.JobFailed:
		found, err := q.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(cutoff, 10),
		}).Result()
		if err != nil {
			return 0, err
		}
		ids = found
	default:
		all, err := q.rdb.ZRange(ctx, key, 0, -1).Result()
		if err != nil {
			return 0, err
		}
		if len(all) == 0 {
			return 0, nil
		}
		pipe := q.rdb.Pipeline()
		cmds := make([]*redis.StringCmd, len(all))
		for i, id := range all {
			cmds[i] = pipe.HGet(ctx, q.jobKey(id), "timestamp")
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return 0, err
		}
		for i, id := range all {
			ts, err := cmds[i].Int64()
			if err != nil || ts <= cutoff {
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	members := make([]interface{}, len(ids))
	jobKeys := make([]string, len(ids))
	for i, id := range ids {
		members[i] = id
		jobKeys[i] = q.jobKey(id)
	}
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, key, members...)
		pipe.Del(ctx, jobKeys...)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}

// reserveScript promotes due delayed jobs, pops the best waiting job and leases it in active,
// all in one step.
//
//	KEYS[1] delayed  KEYS[2] waiting  KEYS[3] active
//	ARGV[1] now ms   ARGV[2] job key prefix  ARGV[3] priority stride
var reserveScript = redis.NewScript(`
local stride = tonumber(ARGV[3])
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(due) do
  local f = redis.call('HMGET', ARGV[2] .. id, 'priority', 'seq')
  local score = (tonumber(f[1]) or 0) * stride + ((tonumber(f[2]) or 0) % stride)
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], string.format('%.0f', score), id)
end
local popped = redis.call('ZPOPMIN', KEYS[2])
if #popped == 0 then
  return false
end
local id = popped[1]
local key = ARGV[2] .. id
if redis.call('EXISTS', key) == 0 then
  return {id, {}}
end
redis.call('ZADD', KEYS[3], ARGV[1], id)
redis.call('HSET', key, 'processedOn', ARGV[1])
return {id, redis.call('HGETALL', key)}
`)

// recoverScript returns active jobs leased before the cutoff to waiting, counting the lost
// attempt. Jobs without attempts left go to failed.
//
//	KEYS[1] active  KEYS[2] waiting  KEYS[3] failed
//	ARGV[1] cutoff ms  ARGV[2] now ms  ARGV[3] job key prefix  ARGV[4] priority stride  ARGV[5] reason
var recoverScript = redis.NewScript(`
local stride = tonumber(ARGV[4])
local stalled = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local requeued, failed = 0, 0
for _, id in ipairs(stalled) do
  local key = ARGV[3] .. id
  redis.call('ZREM', KEYS[1], id)
  if redis.call('EXISTS', key) == 1 then
    local made = redis.call('HINCRBY', key, 'attemptsMade', 1)
    local f = redis.call('HMGET', key, 'attempts', 'priority', 'seq')
    redis.call('HSET', key, 'failedReason', ARGV[5])
    if made < (tonumber(f[1]) or 1) then
      local score = (tonumber(f[2]) or 0) * stride + ((tonumber(f[3]) or 0) % stride)
      redis.call('ZADD', KEYS[2], string.format('%.0f', score), id)
      requeued = requeued + 1
    else
      redis.call('HSET', key, 'finishedOn', ARGV[2])
      redis.call('ZADD', KEYS[3], ARGV[2], id)
      failed = failed + 1
    end
  end
end
return {requeued, failed}
`)

// Reserve moves the highest-priority waiting job to active and returns it.
// It returns (nil, nil) when nothing is ready.
func (q *RedisJobQueue) Reserve(ctx context.Context) (*model.Job, error) {
	keys := []string{
		q.stateKey(model.JobDelayed),
		q.stateKey(model.JobWaiting),
		q.stateKey(model.JobActive),
	}
	res, err := reserveScript.Run(ctx, q.rdb, keys,
		q.now().UnixMilli(), q.base+":job:", int64(priorityStride)).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected reserve reply %v", res)
	}
	id, ok := res[0].(string)
	if !ok {
		return nil, fmt.Errorf("unexpected waiting member %v", res[0])
	}
	pairs, _ := res[1].([]interface{})
	if len(pairs) == 0 {
		return nil, fmt.Errorf("job %s has no data", id)
	}
	fields := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		k, _ := pairs[i].(string)
		v, _ := pairs[i+1].(string)
		fields[k] = v
	}
	return decodeJob(id, fields), nil
}

// RecoverStalled requeues jobs that have been active for longer than lease. A worker that
// died or lost its connection never completes or fails its job, so the lease expiring counts
// as one failed attempt.
func (q *RedisJobQueue) RecoverStalled(ctx context.Context, lease time.Duration) (requeued, failed int64, err error) {
	now := q.now()
	keys := []string{
		q.stateKey(model.JobActive),
		q.stateKey(model.JobWaiting),
		q.stateKey(model.JobFailed),
	}
	res, err := recoverScript.Run(ctx, q.rdb, keys,
		now.Add(-lease).UnixMilli(), now.UnixMilli(), q.base+":job:", int64(priorityStride), ErrJobStalled.Error()).Int64Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("unexpected recover reply %v", res)
	}
	return res[0], res[1], nil
}

func (q *RedisJobQueue) Complete(ctx context.Context, job *model.Job) error {
	now := q.now().UnixMilli()
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.stateKey(model.JobActive), job.ID)
		pipe.HSet(ctx, q.jobKey(job.ID), "finishedOn", now)
		pipe.ZAdd(ctx, q.stateKey(model.JobCompleted), redis.Z{Score: float64(now), Member: job.ID})
		return nil
	})
	return err
}

// Fail records a failed attempt. While attempts remain the job is re-delayed with exponential
// backoff and Fail reports true.
func (q *RedisJobQueue) Fail(ctx context.Context, job *model.Job, reason error) (bool, error) {
	return q.fail(ctx, job, reason, false)
}

// Discard moves the job to failed regardless of its remaining attempts.
func (q *RedisJobQueue) Discard(ctx context.Context, job *model.Job, reason error) error {
	_, err := q.fail(ctx, job, reason, true)
	return err
}

func (q *RedisJobQueue) fail(ctx context.Context, job *model.Job, reason error, permanent bool) (bool, error) {
	msg := ""
	if reason != nil {
		msg = reason.Error()
	}
	job.AttemptsMade++
	job.FailedReason = msg
	retry := !permanent && job.AttemptsMade < job.Attempts

	now := q.now()
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.stateKey(model.JobActive), job.ID)
		pipe.HSet(ctx, q.jobKey(job.ID), "attemptsMade", job.AttemptsMade, "failedReason", msg)
		if retry {
			due := now.Add(q.backoffFor(job.AttemptsMade))
			pipe.HSet(ctx, q.jobKey(job.ID), "processAt", due.UnixMilli())
			pipe.ZAdd(ctx, q.stateKey(model.JobDelayed), redis.Z{Score: float64(due.UnixMilli()), Member: job.ID})
			return nil
		}
		pipe.HSet(ctx, q.jobKey(job.ID), "finishedOn", now.UnixMilli())
		pipe.ZAdd(ctx, q.stateKey(model.JobFailed), redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return false, err
	}
	return retry, nil
}

func (q *RedisJobQueue) backoffFor(attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	if attemptsMade > 16 {
		attemptsMade = 16
	}
	return q.backoff * time.Duration(1<<(attemptsMade-1))
}

func waitingScore(priority int, seq int64) float64 {
	return float64(priority)*priorityStride + float64(seq%int64(priorityStride))
}

func knownState(state model.JobState) bool {
	for _, s := range model.JobStates {
		if s == state {
			return true
		}
	}
	return false
}

func decodeJob(id string, fields map[string]string) *model.Job {
	return &model.Job{
		ID:           id,
		Name:         fields["name"],
		Data:         json.RawMessage(fields["data"]),
		Priority:     atoiOr(fields["priority"], 0),
		Attempts:     atoiOr(fields["attempts"], defaultAttempts),
		AttemptsMade: atoiOr(fields["attemptsMade"], 0),
		Timestamp:    time.UnixMilli(int64(atoiOr(fields["timestamp"], 0))),
		ProcessAt:    time.UnixMilli(int64(atoiOr(fields["processAt"], 0))),
		FailedReason: fields["failedReason"],
	}
}

func atoiOr(v interface{}, def int) int {
	s, ok := v.(string)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
