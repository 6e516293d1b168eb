package cron

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/albachteng/trailsync/internal/jobs"
)

const defaultKeyPrefix = "trailsync:"

// RedisStore shares scheduler state between processes. The pending set is a
// sorted set scored by fire time in unix milliseconds; a ZREM guarded by the
// expected score is the claim.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisStore wraps a caller-owned client. An empty prefix uses "trailsync:".
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// scheduledKey is the sorted set of pending job ids.
func (r *RedisStore) scheduledKey() string { return r.prefix + "scheduled_jobs" }

func (r *RedisStore) jobKey(id jobs.JobID) string { return r.prefix + "job:" + string(id) }

func (r *RedisStore) seqKey() string { return r.prefix + "job_seq" }

// claimScript removes ARGV[1] only if its score still equals ARGV[2].
var claimScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if score and tonumber(score) == tonumber(ARGV[2]) then
	return redis.call('ZREM', KEYS[1], ARGV[1])
end
return 0
`)

func (r *RedisStore) Put(ctx context.Context, job *jobs.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "encode job")
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.jobKey(job.ID), data, 0)
	pipe.ZAdd(ctx, r.scheduledKey(), redis.Z{
		Score:  float64(job.ScheduledAt.UnixMilli()),
		Member: string(job.ID),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "schedule job %s", job.ID)
	}
	return nil
}

func (r *RedisStore) Due(ctx context.Context, now time.Time) ([]jobs.JobID, error) {
	members, err := r.client.ZRangeByScore(ctx, r.scheduledKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list due jobs")
	}

	ids := make([]jobs.JobID, len(members))
	for i, m := range members {
		ids[i] = jobs.JobID(m)
	}
	return ids, nil
}

func (r *RedisStore) Claim(ctx context.Context, id jobs.JobID, at time.Time) (bool, error) {
	removed, err := claimScript.Run(ctx, r.client,
		[]string{r.scheduledKey()}, string(id), at.UnixMilli()).Int()
	if err != nil {
		return false, errors.Wrapf(err, "claim job %s", id)
	}
	return removed == 1, nil
}

func (r *RedisStore) Load(ctx context.Context, id jobs.JobID) (*jobs.Job, error) {
	data, err := r.client.Get(ctx, r.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, jobs.ErrJobNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load job %s", id)
	}

	var job jobs.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, errors.Wrapf(err, "decode job %s", id)
	}
	return &job, nil
}

func (r *RedisStore) Delete(ctx context.Context, id jobs.JobID) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.scheduledKey(), string(id))
	pipe.Del(ctx, r.jobKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "delete job %s", id)
	}
	return nil
}

func (r *RedisStore) List(ctx context.Context) ([]*jobs.Job, error) {
	members, err := r.client.ZRange(ctx, r.scheduledKey(), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list scheduled jobs")
	}

	list := make([]*jobs.Job, 0, len(members))
	for _, m := range members {
		job, err := r.Load(ctx, jobs.JobID(m))
		if errors.Is(err, jobs.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		list = append(list, job)
	}
	sortByFireTime(list)
	return list, nil
}

func (r *RedisStore) NextSeq(ctx context.Context) (int64, error) {
	seq, err := r.client.Incr(ctx, r.seqKey()).Result()
	if err != nil {
		return 0, errors.Wrap(err, "next job sequence")
	}
	return seq, nil
}
