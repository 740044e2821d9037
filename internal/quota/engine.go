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
	"time"

	"github.com/go-logr/logr"

	"github.com/quantechlabs/warden/internal/clock"
)

// Engine performs atomic quota reservations against the KV layer. All
// mutations of a tenant's counters happen under that tenant's named lock;
// different tenants never contend.
type Engine struct {
	kv    KV
	clock clock.Clock
	log   logr.Logger
}

// NewEngine creates an Engine on top of the given KV.
func NewEngine(kv KV, clk clock.Clock, log logr.Logger) *Engine {
	return &Engine{
		kv:    kv,
		clock: clk,
		log:   log,
	}
}

// CheckAndRecordExecution atomically reserves one execution slot in the
// tenant's sliding window. Expired entries are pruned, the window is counted
// against max, and on success the job is recorded at the current instant.
// Returns ErrLockBusy when the tenant lock cannot be taken in time.
func (e *Engine) CheckAndRecordExecution(ctx context.Context, tenantID, jobID string, max int) (Result, error) {
	token, err := e.kv.AcquireLock(ctx, executionsKey(tenantID), LockTTL, LockWait)
	if err != nil {
		return Result{}, err
	}
	defer e.releaseLock(ctx, executionsKey(tenantID), token)

	now := e.clock.Now()
	cutoff := now.Add(-Window)

	if err := e.kv.PruneExecutions(ctx, tenantID, cutoff); err != nil {
		return Result{}, err
	}

	current, err := e.kv.CountExecutions(ctx, tenantID, cutoff, now)
	if err != nil {
		return Result{}, err
	}

	if current >= int64(max) {
		return Result{
			Current: current,
			Message: fmt.Sprintf("quota exceeded: %d/%d", current, max),
		}, nil
	}

	if err := e.kv.RecordExecution(ctx, tenantID, jobID, now, Window+windowTTLSlack); err != nil {
		return Result{}, err
	}

	e.log.V(1).Info("execution reserved", "tenant_id", tenantID, "job_id", jobID, "current", current+1, "max", max)
	return Result{OK: true, Current: current + 1}, nil
}

// RemoveExecution rolls a reservation back by deleting the job's window
// entry. Used when the durable write after a reservation fails.
func (e *Engine) RemoveExecution(ctx context.Context, tenantID, jobID string) error {
	removed, err := e.kv.RemoveExecution(ctx, tenantID, jobID)
	if err != nil {
		return err
	}
	if !removed {
		e.log.V(1).Info("rollback found no window entry", "tenant_id", tenantID, "job_id", jobID)
	}
	return nil
}

// CheckAndIncrementAppCount atomically reserves one application slot.
// Returns ErrLockBusy when the tenant lock cannot be taken in time.
func (e *Engine) CheckAndIncrementAppCount(ctx context.Context, tenantID string, max int) (Result, error) {
	token, err := e.kv.AcquireLock(ctx, appCountKey(tenantID), LockTTL, LockWait)
	if err != nil {
		return Result{}, err
	}
	defer e.releaseLock(ctx, appCountKey(tenantID), token)

	current, err := e.kv.AppCount(ctx, tenantID)
	if err != nil {
		return Result{}, err
	}

	if current >= int64(max) {
		return Result{
			Current: current,
			Message: fmt.Sprintf("max apps reached %d/%d", current, max),
		}, nil
	}

	if current == 0 {
		err = e.kv.SetAppCount(ctx, tenantID, 1)
	} else {
		_, err = e.kv.IncrAppCount(ctx, tenantID)
	}
	if err != nil {
		return Result{}, err
	}

	e.log.V(1).Info("application reserved", "tenant_id", tenantID, "current", current+1, "max", max)
	return Result{OK: true, Current: current + 1}, nil
}

// DecrementAppCount releases one application slot. Used both for explicit
// deactivation and for rollback after a failed admission. The counter never
// goes below zero.
func (e *Engine) DecrementAppCount(ctx context.Context, tenantID string) error {
	token, err := e.kv.AcquireLock(ctx, appCountKey(tenantID), LockTTL, LockWait)
	if err != nil {
		return err
	}
	defer e.releaseLock(ctx, appCountKey(tenantID), token)

	current, err := e.kv.AppCount(ctx, tenantID)
	if err != nil {
		return err
	}
	if current <= 0 {
		return nil
	}

	_, err = e.kv.DecrAppCount(ctx, tenantID)
	return err
}

// InitAppCount seeds a fresh tenant's application counter at zero.
func (e *Engine) InitAppCount(ctx context.Context, tenantID string) error {
	return e.kv.SetAppCount(ctx, tenantID, 0)
}

// ReseedAppCount overwrites the application counter under the tenant lock.
// Used by the reconciler with the authoritative count from the store.
func (e *Engine) ReseedAppCount(ctx context.Context, tenantID string, n int64) error {
	token, err := e.kv.AcquireLock(ctx, appCountKey(tenantID), LockTTL, LockWait)
	if err != nil {
		return err
	}
	defer e.releaseLock(ctx, appCountKey(tenantID), token)

	return e.kv.SetAppCount(ctx, tenantID, n)
}

// WindowExists reports whether the tenant currently has a window key.
func (e *Engine) WindowExists(ctx context.Context, tenantID string) (bool, error) {
	return e.kv.ExecutionsExist(ctx, tenantID)
}

// RebuildWindow replaces the tenant's window with entries from the durable
// ledger. Used by the reconciler after key loss.
func (e *Engine) RebuildWindow(ctx context.Context, tenantID string, entries []WindowEntry) error {
	token, err := e.kv.AcquireLock(ctx, executionsKey(tenantID), LockTTL, LockWait)
	if err != nil {
		return err
	}
	defer e.releaseLock(ctx, executionsKey(tenantID), token)

	if err := e.kv.DeleteExecutions(ctx, tenantID); err != nil {
		return err
	}
	for _, entry := range entries {
		if err := e.kv.RecordExecution(ctx, tenantID, entry.JobID, entry.RecordedAt, Window+windowTTLSlack); err != nil {
			return err
		}
	}
	return nil
}

// ResetTenant deletes both counters. Called on license revocation.
func (e *Engine) ResetTenant(ctx context.Context, tenantID string) error {
	if err := e.kv.DeleteExecutions(ctx, tenantID); err != nil {
		return err
	}
	return e.kv.DeleteAppCount(ctx, tenantID)
}

// Status returns a live view of both counters against the given caps.
func (e *Engine) Status(ctx context.Context, tenantID string, maxApps, maxExecutions int) (Status, error) {
	now := e.clock.Now()
	cutoff := now.Add(-Window)

	if err := e.kv.PruneExecutions(ctx, tenantID, cutoff); err != nil {
		return Status{}, err
	}

	executions, err := e.kv.CountExecutions(ctx, tenantID, cutoff, now)
	if err != nil {
		return Status{}, err
	}

	apps, err := e.kv.AppCount(ctx, tenantID)
	if err != nil {
		return Status{}, err
	}

	return Status{
		TenantID:      tenantID,
		Executions:    usage(executions, maxExecutions),
		Apps:          usage(apps, maxApps),
		WindowSeconds: int64(Window / time.Second),
	}, nil
}

// ExecutionWindow returns the tenant's current window entries, oldest first.
func (e *Engine) ExecutionWindow(ctx context.Context, tenantID string) ([]WindowEntry, error) {
	now := e.clock.Now()
	cutoff := now.Add(-Window)

	if err := e.kv.PruneExecutions(ctx, tenantID, cutoff); err != nil {
		return nil, err
	}
	return e.kv.ListExecutions(ctx, tenantID, cutoff, now)
}

// releaseLock releases a tenant lock even when the request context is gone.
// The lock TTL remains the ultimate safeguard.
func (e *Engine) releaseLock(ctx context.Context, name, token string) {
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()

	if err := e.kv.ReleaseLock(relCtx, name, token); err != nil {
		e.log.Error(err, "failed to release quota lock", "lock", name)
	}
}

func usage(current int64, max int) Usage {
	remaining := int64(max) - current
	if remaining < 0 {
		remaining = 0
	}
	return Usage{Current: current, Max: int64(max), Remaining: remaining}
}
