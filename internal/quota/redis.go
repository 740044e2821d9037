/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package quota

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockRetryInterval = 50 * time.Millisecond

// releaseLockScript deletes the lock only while the caller's token still
// holds it, so an expired-and-reacquired lock is never released by the
// previous holder.
var releaseLockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// RedisConfig contains connection settings for the Redis-backed KV.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (empty for no auth).
	Password string
	// DB is the Redis database number.
	DB int
	// KeyPrefix optionally namespaces every key. Empty by default so key
	// names match the canonical executions:/apps:count:/lock: layout.
	KeyPrefix string
}

// ParseRedisURL parses a Redis URL and returns a RedisConfig.
// Supported format: redis://[:password@]host:port[/db]
func ParseRedisURL(url string) (RedisConfig, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return RedisConfig{}, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	return RedisConfig{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}, nil
}

// RedisKV implements KV on a Redis server or cluster.
type RedisKV struct {
	client     redis.UniversalClient
	keyPrefix  string
	ownsClient bool
}

// NewRedisKV creates a RedisKV that owns the underlying client. The
// connection is verified with a PING; Close will shut the client down.
func NewRedisKV(cfg RedisConfig) (*RedisKV, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisKV{
		client:     client,
		keyPrefix:  cfg.KeyPrefix,
		ownsClient: true,
	}, nil
}

// NewRedisKVFromClient wraps an existing client. Close is a no-op because
// the caller retains ownership of the client.
func NewRedisKVFromClient(client redis.UniversalClient, keyPrefix string) *RedisKV {
	return &RedisKV{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (r *RedisKV) key(name string) string {
	return r.keyPrefix + name
}

// RecordExecution adds the job to the tenant's window and refreshes the TTL.
func (r *RedisKV) RecordExecution(ctx context.Context, tenantID, jobID string, at time.Time, ttl time.Duration) error {
	key := r.key(executionsKey(tenantID))

	pipe := r.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(at.Unix()),
		Member: windowMember(jobID, at),
	})
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return nil
}

// CountExecutions counts entries recorded within [from, to].
func (r *RedisKV) CountExecutions(ctx context.Context, tenantID string, from, to time.Time) (int64, error) {
	n, err := r.client.ZCount(ctx, r.key(executionsKey(tenantID)),
		strconv.FormatInt(from.Unix(), 10),
		strconv.FormatInt(to.Unix(), 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count executions: %w", err)
	}
	return n, nil
}

// PruneExecutions drops entries recorded at or before the cutoff.
func (r *RedisKV) PruneExecutions(ctx context.Context, tenantID string, cutoff time.Time) error {
	err := r.client.ZRemRangeByScore(ctx, r.key(executionsKey(tenantID)),
		"-inf", strconv.FormatInt(cutoff.Unix(), 10)).Err()
	if err != nil {
		return fmt.Errorf("failed to prune executions: %w", err)
	}
	return nil
}

// ListExecutions returns entries recorded within [from, to], oldest first.
func (r *RedisKV) ListExecutions(ctx context.Context, tenantID string, from, to time.Time) ([]WindowEntry, error) {
	zs, err := r.client.ZRangeByScoreWithScores(ctx, r.key(executionsKey(tenantID)), &redis.ZRangeBy{
		Min: strconv.FormatInt(from.Unix(), 10),
		Max: strconv.FormatInt(to.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	entries := make([]WindowEntry, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		entries = append(entries, WindowEntry{
			JobID:      memberJobID(member),
			RecordedAt: time.Unix(int64(z.Score), 0).UTC(),
		})
	}
	return entries, nil
}

// RemoveExecution removes all of the job's entries from the window.
func (r *RedisKV) RemoveExecution(ctx context.Context, tenantID, jobID string) (bool, error) {
	key := r.key(executionsKey(tenantID))

	members, err := r.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return false, fmt.Errorf("failed to scan window: %w", err)
	}

	var matched []interface{}
	prefix := jobID + ":"
	for _, m := range members {
		if strings.HasPrefix(m, prefix) {
			matched = append(matched, m)
		}
	}
	if len(matched) == 0 {
		return false, nil
	}

	if err := r.client.ZRem(ctx, key, matched...).Err(); err != nil {
		return false, fmt.Errorf("failed to remove execution: %w", err)
	}
	return true, nil
}

// ExecutionsExist reports whether the tenant has a window key.
func (r *RedisKV) ExecutionsExist(ctx context.Context, tenantID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(executionsKey(tenantID))).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check window existence: %w", err)
	}
	return n > 0, nil
}

// DeleteExecutions drops the tenant's window key.
func (r *RedisKV) DeleteExecutions(ctx context.Context, tenantID string) error {
	if err := r.client.Del(ctx, r.key(executionsKey(tenantID))).Err(); err != nil {
		return fmt.Errorf("failed to delete window: %w", err)
	}
	return nil
}

// AppCount returns the tenant's application counter, absent = 0.
func (r *RedisKV) AppCount(ctx context.Context, tenantID string) (int64, error) {
	val, err := r.client.Get(ctx, r.key(appCountKey(tenantID))).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get app count: %w", err)
	}

	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse app count %q: %w", val, err)
	}
	return n, nil
}

// SetAppCount overwrites the tenant's application counter.
func (r *RedisKV) SetAppCount(ctx context.Context, tenantID string, n int64) error {
	if err := r.client.Set(ctx, r.key(appCountKey(tenantID)), n, 0).Err(); err != nil {
		return fmt.Errorf("failed to set app count: %w", err)
	}
	return nil
}

// IncrAppCount increments the counter and returns the new value.
func (r *RedisKV) IncrAppCount(ctx context.Context, tenantID string) (int64, error) {
	n, err := r.client.Incr(ctx, r.key(appCountKey(tenantID))).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment app count: %w", err)
	}
	return n, nil
}

// DecrAppCount decrements the counter and returns the new value.
func (r *RedisKV) DecrAppCount(ctx context.Context, tenantID string) (int64, error) {
	n, err := r.client.Decr(ctx, r.key(appCountKey(tenantID))).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to decrement app count: %w", err)
	}
	return n, nil
}

// DeleteAppCount drops the tenant's application counter.
func (r *RedisKV) DeleteAppCount(ctx context.Context, tenantID string) error {
	if err := r.client.Del(ctx, r.key(appCountKey(tenantID))).Err(); err != nil {
		return fmt.Errorf("failed to delete app count: %w", err)
	}
	return nil
}

// AcquireLock takes the named lock with SET NX PX, polling until maxWait
// runs out.
func (r *RedisKV) AcquireLock(ctx context.Context, name string, ttl, maxWait time.Duration) (string, error) {
	key := r.key(lockKey(name))
	token := uuid.New().String()
	deadline := time.Now().Add(maxWait)

	for {
		ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return "", fmt.Errorf("failed to acquire lock: %w", err)
		}
		if ok {
			return token, nil
		}
		if time.Now().After(deadline) {
			return "", ErrLockBusy
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

// ReleaseLock releases the named lock if token still holds it.
func (r *RedisKV) ReleaseLock(ctx context.Context, name string, token string) error {
	err := releaseLockScript.Run(ctx, r.client, []string{r.key(lockKey(name))}, token).Err()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Ping verifies connectivity.
func (r *RedisKV) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close shuts down the client when this adapter owns it.
func (r *RedisKV) Close() error {
	if r.ownsClient {
		return r.client.Close()
	}
	return nil
}

// Client returns the underlying Redis client so other components can share
// the connection without owning it.
func (r *RedisKV) Client() redis.UniversalClient {
	return r.client
}

// Ensure RedisKV implements KV.
var _ KV = (*RedisKV)(nil)
