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

// Package quota implements per-tenant admission counters: a sliding 24-hour
// execution window and an active-application counter, held in a key-value
// cache and mutated under per-tenant locks. The cache is authoritative for
// admission under contention but remains a soft view; the durable store can
// reseed it after key loss.
package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// Window is the sliding execution window.
	Window = 24 * time.Hour

	// windowTTLSlack extends the window key TTL so idle tenants age out
	// shortly after their newest entry leaves the window.
	windowTTLSlack = time.Hour

	// LockTTL bounds how long a crashed holder can block a tenant.
	LockTTL = 5 * time.Second

	// LockWait bounds how long an admission waits for the tenant lock.
	LockWait = 5 * time.Second
)

var (
	// ErrLockBusy indicates the per-tenant lock could not be acquired
	// within the wait budget. Callers should surface a retryable rejection.
	ErrLockBusy = errors.New("quota lock busy")
)

// Result is the uniform outcome of an atomic check-and-reserve. On success
// Current is the post-reservation count; on rejection it is the observed
// count that triggered the rejection.
type Result struct {
	OK      bool
	Current int64
	Message string
}

// WindowEntry is one recorded execution inside a tenant's sliding window.
type WindowEntry struct {
	JobID      string    `json:"job_id"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Usage reports one counter against its cap.
type Usage struct {
	Current   int64 `json:"current"`
	Max       int64 `json:"max"`
	Remaining int64 `json:"remaining"`
}

// Status is a point-in-time view of both tenant counters.
type Status struct {
	TenantID      string `json:"tenant_id"`
	Executions    Usage  `json:"executions"`
	Apps          Usage  `json:"apps"`
	WindowSeconds int64  `json:"window_seconds"`
}

// KV is the fast reservation layer behind the engine. Implementations must
// be safe for concurrent use. RedisKV backs production; MemoryKV backs tests
// and single-instance development.
type KV interface {
	// RecordExecution adds the job to the tenant's window at the given
	// instant and refreshes the key TTL.
	RecordExecution(ctx context.Context, tenantID, jobID string, at time.Time, ttl time.Duration) error

	// CountExecutions returns the number of entries with from <= recorded <= to.
	CountExecutions(ctx context.Context, tenantID string, from, to time.Time) (int64, error)

	// PruneExecutions removes entries recorded at or before the cutoff.
	PruneExecutions(ctx context.Context, tenantID string, cutoff time.Time) error

	// ListExecutions returns entries with from <= recorded <= to, oldest first.
	ListExecutions(ctx context.Context, tenantID string, from, to time.Time) ([]WindowEntry, error)

	// RemoveExecution removes all of the job's entries from the tenant's
	// window, reporting whether anything was removed.
	RemoveExecution(ctx context.Context, tenantID, jobID string) (bool, error)

	// ExecutionsExist reports whether the tenant has a window key at all.
	ExecutionsExist(ctx context.Context, tenantID string) (bool, error)

	// DeleteExecutions drops the tenant's window key.
	DeleteExecutions(ctx context.Context, tenantID string) error

	// AppCount returns the tenant's active-application counter, absent = 0.
	AppCount(ctx context.Context, tenantID string) (int64, error)

	// SetAppCount overwrites the tenant's application counter.
	SetAppCount(ctx context.Context, tenantID string, n int64) error

	// IncrAppCount increments the counter and returns the new value.
	IncrAppCount(ctx context.Context, tenantID string) (int64, error)

	// DecrAppCount decrements the counter and returns the new value.
	DecrAppCount(ctx context.Context, tenantID string) (int64, error)

	// DeleteAppCount drops the tenant's application counter.
	DeleteAppCount(ctx context.Context, tenantID string) error

	// AcquireLock takes the named lock, waiting up to maxWait. It returns
	// an opaque holder token, or ErrLockBusy when the wait budget runs out.
	// The lock self-expires after ttl so a crashed holder cannot deadlock
	// the tenant.
	AcquireLock(ctx context.Context, name string, ttl, maxWait time.Duration) (string, error)

	// ReleaseLock releases the named lock if token still holds it.
	ReleaseLock(ctx context.Context, name string, token string) error

	// Ping verifies connectivity to the cache.
	Ping(ctx context.Context) error

	// Close releases the adapter's resources.
	Close() error
}

// --- key naming --------------------------------------------------------------

func executionsKey(tenantID string) string {
	return "executions:" + tenantID
}

func appCountKey(tenantID string) string {
	return "apps:count:" + tenantID
}

func lockKey(base string) string {
	return "lock:" + base
}

// windowMember builds the window member string. The job id carries
// uniqueness; time lives in the score.
func windowMember(jobID string, at time.Time) string {
	return fmt.Sprintf("%s:%d", jobID, at.Unix())
}

// memberJobID extracts the job id from a window member. The timestamp suffix
// is dropped; only the score is trusted for time.
func memberJobID(member string) string {
	i := strings.LastIndex(member, ":")
	if i < 0 {
		return member
	}
	return member[:i]
}
