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
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func setupTestKV(t *testing.T) (*RedisKV, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisKVFromClient(client, ""), mr
}

func TestRedisRecordAndCountExecutions(t *testing.T) {
	kv, _ := setupTestKV(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	for i, jobID := range []string{"job-1", "job-2", "job-3"} {
		at := base.Add(time.Duration(i) * time.Minute)
		if err := kv.RecordExecution(ctx, "acme", jobID, at, Window+windowTTLSlack); err != nil {
			t.Fatalf("RecordExecution: %v", err)
		}
	}

	n, err := kv.CountExecutions(ctx, "acme", base.Add(-Window), base.Add(Window))
	if err != nil {
		t.Fatalf("CountExecutions: %v", err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}

	// A narrower range sees fewer entries.
	n, err = kv.CountExecutions(ctx, "acme", base.Add(time.Minute), base.Add(Window))
	if err != nil {
		t.Fatalf("CountExecutions: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}

	// Other tenants are untouched.
	n, err = kv.CountExecutions(ctx, "other", base.Add(-Window), base.Add(Window))
	if err != nil {
		t.Fatalf("CountExecutions: %v", err)
	}
	if n != 0 {
		t.Errorf("other tenant count = %d, want 0", n)
	}
}

func TestRedisPruneExecutions(t *testing.T) {
	kv, _ := setupTestKV(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	if err := kv.RecordExecution(ctx, "acme", "old", base.Add(-25*time.Hour), Window); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}
	if err := kv.RecordExecution(ctx, "acme", "fresh", base, Window); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}

	// Prune removes entries at or before the cutoff.
	if err := kv.PruneExecutions(ctx, "acme", base.Add(-Window)); err != nil {
		t.Fatalf("PruneExecutions: %v", err)
	}

	entries, err := kv.ListExecutions(ctx, "acme", base.Add(-Window), base)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(entries) != 1 || entries[0].JobID != "fresh" {
		t.Errorf("entries = %+v, want only fresh", entries)
	}
}

func TestRedisListExecutionsParsesMembers(t *testing.T) {
	kv, _ := setupTestKV(t)
	ctx := context.Background()

	at := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	if err := kv.RecordExecution(ctx, "acme", "4f9d3a", at, Window); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}

	entries, err := kv.ListExecutions(ctx, "acme", at.Add(-time.Hour), at.Add(time.Hour))
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len = %d, want 1", len(entries))
	}
	if entries[0].JobID != "4f9d3a" {
		t.Errorf("JobID = %q, want 4f9d3a", entries[0].JobID)
	}
	if !entries[0].RecordedAt.Equal(at) {
		t.Errorf("RecordedAt = %v, want %v", entries[0].RecordedAt, at)
	}
}

func TestRedisRemoveExecution(t *testing.T) {
	kv, _ := setupTestKV(t)
	ctx := context.Background()

	at := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	if err := kv.RecordExecution(ctx, "acme", "keep", at, Window); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}
	if err := kv.RecordExecution(ctx, "acme", "drop", at.Add(time.Second), Window); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}

	removed, err := kv.RemoveExecution(ctx, "acme", "drop")
	if err != nil {
		t.Fatalf("RemoveExecution: %v", err)
	}
	if !removed {
		t.Error("removed = false, want true")
	}

	entries, err := kv.ListExecutions(ctx, "acme", at.Add(-time.Hour), at.Add(time.Hour))
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(entries) != 1 || entries[0].JobID != "keep" {
		t.Errorf("entries = %+v, want only keep", entries)
	}

	removed, err = kv.RemoveExecution(ctx, "acme", "missing")
	if err != nil {
		t.Fatalf("RemoveExecution: %v", err)
	}
	if removed {
		t.Error("removed = true for unknown job, want false")
	}
}

func TestRedisWindowTTL(t *testing.T) {
	kv, mr := setupTestKV(t)
	ctx := context.Background()

	at := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	if err := kv.RecordExecution(ctx, "acme", "job-1", at, Window+windowTTLSlack); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}

	if ttl := mr.TTL("executions:acme"); ttl != Window+windowTTLSlack {
		t.Errorf("ttl = %v, want %v", ttl, Window+windowTTLSlack)
	}

	// Idle tenants age out after the TTL.
	mr.FastForward(Window + windowTTLSlack + time.Second)
	exists, err := kv.ExecutionsExist(ctx, "acme")
	if err != nil {
		t.Fatalf("ExecutionsExist: %v", err)
	}
	if exists {
		t.Error("window key should have expired")
	}
}

func TestRedisAppCounter(t *testing.T) {
	kv, _ := setupTestKV(t)
	ctx := context.Background()

	n, err := kv.AppCount(ctx, "acme")
	if err != nil {
		t.Fatalf("AppCount: %v", err)
	}
	if n != 0 {
		t.Errorf("absent counter = %d, want 0", n)
	}

	if err := kv.SetAppCount(ctx, "acme", 1); err != nil {
		t.Fatalf("SetAppCount: %v", err)
	}
	n, err = kv.IncrAppCount(ctx, "acme")
	if err != nil {
		t.Fatalf("IncrAppCount: %v", err)
	}
	if n != 2 {
		t.Errorf("after incr = %d, want 2", n)
	}

	n, err = kv.DecrAppCount(ctx, "acme")
	if err != nil {
		t.Fatalf("DecrAppCount: %v", err)
	}
	if n != 1 {
		t.Errorf("after decr = %d, want 1", n)
	}

	if err := kv.DeleteAppCount(ctx, "acme"); err != nil {
		t.Fatalf("DeleteAppCount: %v", err)
	}
	n, err = kv.AppCount(ctx, "acme")
	if err != nil {
		t.Fatalf("AppCount: %v", err)
	}
	if n != 0 {
		t.Errorf("after delete = %d, want 0", n)
	}
}

func TestRedisLockExclusive(t *testing.T) {
	kv, _ := setupTestKV(t)
	ctx := context.Background()

	token, err := kv.AcquireLock(ctx, "executions:acme", time.Minute, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if token == "" {
		t.Fatal("token should not be empty")
	}

	if _, err := kv.AcquireLock(ctx, "executions:acme", time.Minute, 10*time.Millisecond); !errors.Is(err, ErrLockBusy) {
		t.Errorf("second acquire: err = %v, want ErrLockBusy", err)
	}

	// A different lock name does not contend.
	if _, err := kv.AcquireLock(ctx, "apps:count:acme", time.Minute, 10*time.Millisecond); err != nil {
		t.Errorf("independent lock: %v", err)
	}

	if err := kv.ReleaseLock(ctx, "executions:acme", token); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	if _, err := kv.AcquireLock(ctx, "executions:acme", time.Minute, 10*time.Millisecond); err != nil {
		t.Errorf("after release: %v", err)
	}
}

func TestRedisLockReleaseRequiresToken(t *testing.T) {
	kv, _ := setupTestKV(t)
	ctx := context.Background()

	if _, err := kv.AcquireLock(ctx, "executions:acme", time.Minute, 10*time.Millisecond); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	// Releasing with a stale token must not free the lock.
	if err := kv.ReleaseLock(ctx, "executions:acme", "stale-token"); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	if _, err := kv.AcquireLock(ctx, "executions:acme", time.Minute, 10*time.Millisecond); !errors.Is(err, ErrLockBusy) {
		t.Errorf("err = %v, want ErrLockBusy", err)
	}
}

func TestRedisLockExpiresAfterTTL(t *testing.T) {
	kv, mr := setupTestKV(t)
	ctx := context.Background()

	if _, err := kv.AcquireLock(ctx, "executions:acme", 100*time.Millisecond, 10*time.Millisecond); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	// A crashed holder cannot block the tenant past the TTL.
	mr.FastForward(200 * time.Millisecond)
	if _, err := kv.AcquireLock(ctx, "executions:acme", time.Minute, 10*time.Millisecond); err != nil {
		t.Errorf("after ttl expiry: %v", err)
	}
}

func TestRedisKeyPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	kv := NewRedisKVFromClient(client, "warden:")
	ctx := context.Background()

	if err := kv.SetAppCount(ctx, "acme", 7); err != nil {
		t.Fatalf("SetAppCount: %v", err)
	}
	if got, err := mr.Get("warden:apps:count:acme"); err != nil || got != "7" {
		t.Errorf("prefixed key = %q (%v), want 7", got, err)
	}
}
