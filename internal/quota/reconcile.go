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
	"github.com/robfig/cron/v3"

	"github.com/quantechlabs/warden/internal/clock"
	"github.com/quantechlabs/warden/internal/licensing"
)

const reconcilePageSize = 200

// ReconcileStore is the slice of the durable store the reconciler reads.
type ReconcileStore interface {
	ListLicenses(ctx context.Context, opts licensing.ListLicensesOptions) ([]*licensing.License, error)
	CountActiveApplications(ctx context.Context, licenseID string) (int64, error)
	ListExecutionsSince(ctx context.Context, tenantID string, since time.Time) ([]*licensing.JobExecution, error)
}

// Reconciler periodically re-aligns the cached counters with the durable
// store: application counters are reseeded from the authoritative active
// count, and execution windows lost to key eviction are rebuilt from the
// execution ledger. Every pass is best effort; admissions stay correct
// without it because each one is gated by max.
type Reconciler struct {
	engine *Engine
	store  ReconcileStore
	clock  clock.Clock
	log    logr.Logger
	cron   *cron.Cron
}

// NewReconciler creates a Reconciler over the engine and store.
func NewReconciler(engine *Engine, store ReconcileStore, clk clock.Clock, log logr.Logger) *Reconciler {
	return &Reconciler{
		engine: engine,
		store:  store,
		clock:  clk,
		log:    log,
	}
}

// Start schedules periodic reconciliation. The schedule accepts standard
// cron expressions and descriptors such as "@every 1h".
func (r *Reconciler) Start(schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		if err := r.ReconcileAll(ctx); err != nil {
			r.log.Error(err, "quota reconcile pass failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", schedule, err)
	}

	c.Start()
	r.cron = c
	r.log.Info("quota reconciler started", "schedule", schedule)
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (r *Reconciler) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}

// ReconcileAll walks every license and reconciles its tenant. Per-tenant
// failures are logged and skipped so one bad tenant cannot stall the pass.
func (r *Reconciler) ReconcileAll(ctx context.Context) error {
	for offset := 0; ; offset += reconcilePageSize {
		lics, err := r.store.ListLicenses(ctx, licensing.ListLicensesOptions{
			Limit:  reconcilePageSize,
			Offset: offset,
		})
		if err != nil {
			return fmt.Errorf("list licenses: %w", err)
		}

		for _, lic := range lics {
			if err := r.ReconcileTenant(ctx, lic); err != nil {
				r.log.Error(err, "tenant reconcile failed", "tenant_id", lic.TenantID)
			}
		}

		if len(lics) < reconcilePageSize {
			return nil
		}
	}
}

// ReconcileTenant re-aligns one tenant's counters with the durable store.
func (r *Reconciler) ReconcileTenant(ctx context.Context, lic *licensing.License) error {
	// Revoked tenants keep no counters.
	if lic.Status == licensing.StatusRevoked {
		return r.engine.ResetTenant(ctx, lic.TenantID)
	}

	active, err := r.store.CountActiveApplications(ctx, lic.ID)
	if err != nil {
		return fmt.Errorf("count active applications: %w", err)
	}
	if err := r.engine.ReseedAppCount(ctx, lic.TenantID, active); err != nil {
		return fmt.Errorf("reseed app count: %w", err)
	}

	exists, err := r.engine.WindowExists(ctx, lic.TenantID)
	if err != nil {
		return fmt.Errorf("check window: %w", err)
	}
	if exists {
		return nil
	}

	// Window key was lost or aged out; rebuild it from the ledger.
	since := r.clock.Now().Add(-Window)
	execs, err := r.store.ListExecutionsSince(ctx, lic.TenantID, since)
	if err != nil {
		return fmt.Errorf("list executions: %w", err)
	}
	if len(execs) == 0 {
		return nil
	}

	entries := make([]WindowEntry, 0, len(execs))
	for _, ex := range execs {
		entries = append(entries, WindowEntry{JobID: ex.JobID, RecordedAt: ex.ExecutedAt})
	}
	if err := r.engine.RebuildWindow(ctx, lic.TenantID, entries); err != nil {
		return fmt.Errorf("rebuild window: %w", err)
	}

	r.log.Info("execution window rebuilt", "tenant_id", lic.TenantID, "entries", len(entries))
	return nil
}
