package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/redis/go-redis/v9"
)

const redisCacheSize = 1000

// Redis keeps the job log in a redis server, one JSON value per job plus a
// per-status index set and a per-job event list. Reads go through a small
// LRU cache, the runner polls the same handful of jobs every 200ms and the
// cache keeps those round trips local.
type Redis struct {
	rdb   *redis.Client
	cache *lru.Cache
	mu    sync.Mutex // guards cache and multi-key writes
}

func OpenRedis(addr string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &Redis{
		rdb:   rdb,
		cache: lru.New(redisCacheSize),
	}, nil
}

func redisJobKey(uuid string) string      { return "norfab:job:" + uuid }
func redisStatusKey(status string) string { return "norfab:status:" + status }
func redisEventsKey(uuid string) string   { return "norfab:events:" + uuid }
func redisEventSeqKey() string            { return "norfab:sequence:event" }

func (r *Redis) AddJob(job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job.Status == "" {
		job.Status = StatusNew
	}
	normalizeJob(&job)
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("redis add job: %w", err)
	}
	ctx := context.Background()
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, redisJobKey(job.UUID), data, 0)
	pipe.ZAdd(ctx, redisStatusKey(job.Status), redis.Z{
		Score:  float64(job.CreatedAt.UnixNano()),
		Member: job.UUID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis add job %s: %w", job.UUID, err)
	}
	r.cache.Add(job.UUID, job)
	return nil
}

func (r *Redis) UpdateJob(uuid string, upd JobUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, err := r.get(uuid)
	if err != nil {
		return err
	}
	oldStatus := job.Status
	applyUpdate(&job, upd)
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("redis update job: %w", err)
	}
	ctx := context.Background()
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, redisJobKey(uuid), data, 0)
	if job.Status != oldStatus {
		pipe.ZRem(ctx, redisStatusKey(oldStatus), uuid)
		pipe.ZAdd(ctx, redisStatusKey(job.Status), redis.Z{
			Score:  float64(job.CreatedAt.UnixNano()),
			Member: uuid,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis update job %s: %w", uuid, err)
	}
	r.cache.Add(uuid, job)
	return nil
}

func (r *Redis) get(uuid string) (Job, error) {
	if cached, ok := r.cache.Get(uuid); ok {
		return cached.(Job), nil
	}
	data, err := r.rdb.Get(context.Background(), redisJobKey(uuid)).Bytes()
	if err == redis.Nil {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("redis get job %s: %w", uuid, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return Job{}, fmt.Errorf("redis decode job %s: %w", uuid, err)
	}
	r.cache.Add(uuid, job)
	return job, nil
}

func (r *Redis) GetJob(uuid string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(uuid)
}

func (r *Redis) FetchJobs(statuses []string, limit int) ([]Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx := context.Background()
	var jobs []Job
	for _, status := range statuses {
		uuids, err := r.rdb.ZRange(ctx, redisStatusKey(status), 0, int64(limit-1)).Result()
		if err != nil {
			return nil, fmt.Errorf("redis fetch jobs: %w", err)
		}
		for _, uuid := range uuids {
			job, err := r.get(uuid)
			if err == ErrNotFound {
				continue
			}
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, job)
			if len(jobs) >= limit {
				return jobs, nil
			}
		}
	}
	return jobs, nil
}

func (r *Redis) DeleteJob(uuid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, err := r.get(uuid)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	ctx := context.Background()
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, redisJobKey(uuid))
	pipe.ZRem(ctx, redisStatusKey(job.Status), uuid)
	pipe.Del(ctx, redisEventsKey(uuid)) // cascade
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete job %s: %w", uuid, err)
	}
	r.cache.Remove(uuid)
	return nil
}

func (r *Redis) AddEvent(ev Event) error {
	ctx := context.Background()
	seq, err := r.rdb.Incr(ctx, redisEventSeqKey()).Result()
	if err != nil {
		return fmt.Errorf("redis event sequence: %w", err)
	}
	ev.ID = seq
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis add event: %w", err)
	}
	if err := r.rdb.RPush(ctx, redisEventsKey(ev.JobUUID), data).Err(); err != nil {
		return fmt.Errorf("redis add event for %s: %w", ev.JobUUID, err)
	}
	return nil
}

func (r *Redis) GetEvents(jobUUID string) ([]Event, error) {
	items, err := r.rdb.LRange(context.Background(), redisEventsKey(jobUUID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get events: %w", err)
	}
	events := make([]Event, 0, len(items))
	for _, item := range items {
		var ev Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("redis decode event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
