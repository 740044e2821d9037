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
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryKV implements KV with in-process maps. It is thread-safe and
// suitable for tests and single-instance development deployments. Window key
// TTLs are accepted and ignored; pruning by score keeps windows bounded.
type MemoryKV struct {
	mu       sync.Mutex
	windows  map[string][]scoredMember
	counters map[string]int64
	locks    map[string]memLock
}

type scoredMember struct {
	member string
	score  int64
}

type memLock struct {
	token   string
	expires time.Time
}

// NewMemoryKV creates a new in-memory KV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		windows:  make(map[string][]scoredMember),
		counters: make(map[string]int64),
		locks:    make(map[string]memLock),
	}
}

// RecordExecution adds the job to the tenant's window.
func (m *MemoryKV) RecordExecution(ctx context.Context, tenantID, jobID string, at time.Time, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := executionsKey(tenantID)
	m.windows[key] = append(m.windows[key], scoredMember{
		member: windowMember(jobID, at),
		score:  at.Unix(),
	})
	sort.SliceStable(m.windows[key], func(i, j int) bool {
		return m.windows[key][i].score < m.windows[key][j].score
	})
	return nil
}

// CountExecutions counts entries recorded within [from, to].
func (m *MemoryKV) CountExecutions(ctx context.Context, tenantID string, from, to time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, e := range m.windows[executionsKey(tenantID)] {
		if e.score >= from.Unix() && e.score <= to.Unix() {
			n++
		}
	}
	return n, nil
}

// PruneExecutions drops entries recorded at or before the cutoff.
func (m *MemoryKV) PruneExecutions(ctx context.Context, tenantID string, cutoff time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := executionsKey(tenantID)
	kept := m.windows[key][:0]
	for _, e := range m.windows[key] {
		if e.score > cutoff.Unix() {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(m.windows, key)
	} else {
		m.windows[key] = kept
	}
	return nil
}

// ListExecutions returns entries recorded within [from, to], oldest first.
func (m *MemoryKV) ListExecutions(ctx context.Context, tenantID string, from, to time.Time) ([]WindowEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []WindowEntry
	for _, e := range m.windows[executionsKey(tenantID)] {
		if e.score >= from.Unix() && e.score <= to.Unix() {
			entries = append(entries, WindowEntry{
				JobID:      memberJobID(e.member),
				RecordedAt: time.Unix(e.score, 0).UTC(),
			})
		}
	}
	return entries, nil
}

// RemoveExecution removes all of the job's entries from the window.
func (m *MemoryKV) RemoveExecution(ctx context.Context, tenantID, jobID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := executionsKey(tenantID)
	prefix := jobID + ":"
	kept := m.windows[key][:0]
	removed := false
	for _, e := range m.windows[key] {
		if strings.HasPrefix(e.member, prefix) {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	if len(kept) == 0 {
		delete(m.windows, key)
	} else {
		m.windows[key] = kept
	}
	return removed, nil
}

// ExecutionsExist reports whether the tenant has a window key.
func (m *MemoryKV) ExecutionsExist(ctx context.Context, tenantID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	_, exists := m.windows[executionsKey(tenantID)]
	return exists, nil
}

// DeleteExecutions drops the tenant's window key.
func (m *MemoryKV) DeleteExecutions(ctx context.Context, tenantID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.windows, executionsKey(tenantID))
	return nil
}

// AppCount returns the tenant's application counter, absent = 0.
func (m *MemoryKV) AppCount(ctx context.Context, tenantID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.counters[appCountKey(tenantID)], nil
}

// SetAppCount overwrites the tenant's application counter.
func (m *MemoryKV) SetAppCount(ctx context.Context, tenantID string, n int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.counters[appCountKey(tenantID)] = n
	return nil
}

// IncrAppCount increments the counter and returns the new value.
func (m *MemoryKV) IncrAppCount(ctx context.Context, tenantID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.counters[appCountKey(tenantID)]++
	return m.counters[appCountKey(tenantID)], nil
}

// DecrAppCount decrements the counter and returns the new value.
func (m *MemoryKV) DecrAppCount(ctx context.Context, tenantID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.counters[appCountKey(tenantID)]--
	return m.counters[appCountKey(tenantID)], nil
}

// DeleteAppCount drops the tenant's application counter.
func (m *MemoryKV) DeleteAppCount(ctx context.Context, tenantID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.counters, appCountKey(tenantID))
	return nil
}

// AcquireLock takes the named lock, polling until maxWait runs out. Expired
// locks are reclaimed on the next attempt.
func (m *MemoryKV) AcquireLock(ctx context.Context, name string, ttl, maxWait time.Duration) (string, error) {
	key := lockKey(name)
	token := uuid.New().String()
	deadline := time.Now().Add(maxWait)

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		m.mu.Lock()
		held, exists := m.locks[key]
		if !exists || time.Now().After(held.expires) {
			m.locks[key] = memLock{token: token, expires: time.Now().Add(ttl)}
			m.mu.Unlock()
			return token, nil
		}
		m.mu.Unlock()

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
func (m *MemoryKV) ReleaseLock(ctx context.Context, name string, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := lockKey(name)
	if held, exists := m.locks[key]; exists && held.token == token {
		delete(m.locks, key)
	}
	return nil
}

// Ping reports adapter availability.
func (m *MemoryKV) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close releases resources held by the adapter.
func (m *MemoryKV) Close() error {
	return nil
}

// Ensure MemoryKV implements KV.
var _ KV = (*MemoryKV)(nil)
