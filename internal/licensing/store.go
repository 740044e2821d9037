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

package licensing

import (
	"context"
	"time"
)

// ListLicensesOptions filters and pages ListLicenses.
type ListLicensesOptions struct {
	// Status filters by persisted status when non-empty.
	Status LicenseStatus
	// TenantContains filters by case-insensitive tenant_id substring when
	// non-empty.
	TenantContains string
	// ValidAt, when non-zero, keeps only licenses that are ACTIVE and inside
	// their validity window at that instant.
	ValidAt time.Time
	// Limit bounds the page size; 0 means no limit.
	Limit int
	// Offset skips that many rows for pagination.
	Offset int
}

// ListJobsOptions filters and pages ListJobs. LicenseID is required.
type ListJobsOptions struct {
	LicenseID string
	// ApplicationID narrows to one application when non-empty.
	ApplicationID string
	// Status narrows to one job status when non-empty.
	Status JobStatus
	// StartedAfter keeps jobs started at or after this instant when set.
	StartedAfter time.Time
	// StartedBefore keeps jobs started at or before this instant when set.
	StartedBefore time.Time
	// Limit bounds the page size; 0 means no limit.
	Limit int
	// Offset skips that many rows for pagination.
	Offset int
}

// FinishJobUpdate is the terminal update applied to a RUNNING job.
type FinishJobUpdate struct {
	Status         JobStatus
	FinishedAt     time.Time
	ExecutionTimeS float64
	ErrorMessage   string
	Result         map[string]string
	CPUUsage       *float64
	MemoryUsage    *float64
}

// MetricsDelta is the per-job contribution folded into an aggregate row.
// The store applies it atomically with an insert-or-update.
type MetricsDelta struct {
	ApplicationID string
	Date          time.Time
	// Hour is the bucket hour, or HourlyRollupDisabled for the daily row.
	Hour          int16
	Succeeded     bool
	ExecutionTime float64
	// HasExecutionTime guards the time aggregates; cancelled jobs may
	// finish without a measured duration.
	HasExecutionTime bool
}

// LicenseStore persists licenses and their audit trail.
type LicenseStore interface {
	// CreateLicense stores a new license. Returns ErrDuplicateTenant when
	// the tenant already holds one.
	CreateLicense(ctx context.Context, lic *License) error

	// GetLicense returns the license by id, or ErrLicenseNotFound.
	GetLicense(ctx context.Context, id string) (*License, error)

	// GetLicenseByTenant returns the tenant's license, or ErrLicenseNotFound.
	GetLicenseByTenant(ctx context.Context, tenantID string) (*License, error)

	// UpdateLicense replaces the mutable fields of an existing license.
	UpdateLicense(ctx context.Context, lic *License) error

	// ListLicenses returns licenses matching opts, newest first.
	ListLicenses(ctx context.Context, opts ListLicensesOptions) ([]*License, error)

	// AppendHistory writes one audit row.
	AppendHistory(ctx context.Context, h *LicenseHistory) error

	// ListHistory returns a license's audit rows, newest first.
	ListHistory(ctx context.Context, licenseID string) ([]*LicenseHistory, error)

	// CreateUpgrade records the before/after caps of an upgrade.
	CreateUpgrade(ctx context.Context, up *LicenseUpgrade) error

	// CreateLicenseToken records a minted license credential.
	CreateLicenseToken(ctx context.Context, tok *LicenseToken) error

	// TouchLicenseToken stamps last_used_at on the given credential.
	// Unknown tokens are ignored.
	TouchLicenseToken(ctx context.Context, token string, usedAt time.Time) error
}

// ApplicationStore persists registered applications.
type ApplicationStore interface {
	// CreateApplication stores a new application. Returns
	// ErrDuplicateApplication when the license already has one by that name.
	CreateApplication(ctx context.Context, app *Application) error

	// GetApplication returns the application by id, or ErrApplicationNotFound.
	GetApplication(ctx context.Context, id string) (*Application, error)

	// GetApplicationByName returns the license's application with that name,
	// or ErrApplicationNotFound.
	GetApplicationByName(ctx context.Context, licenseID, name string) (*Application, error)

	// ListApplications returns a license's applications, newest first.
	ListApplications(ctx context.Context, licenseID string) ([]*Application, error)

	// UpdateApplication replaces the mutable fields of an application.
	// Deletion is a state change, not a row removal: deactivated rows stay
	// for metrics and audit.
	UpdateApplication(ctx context.Context, app *Application) error

	// TouchApplication stamps last_activity; best effort, unknown ids are
	// ignored.
	TouchApplication(ctx context.Context, id string, at time.Time) error

	// CountActiveApplications returns the number of active applications
	// under the license. Used to reseed the cached app counter.
	CountActiveApplications(ctx context.Context, licenseID string) (int64, error)
}

// JobStore persists jobs and their admission records.
type JobStore interface {
	// CreateJobWithExecution writes the job row and its execution record in
	// one transaction so the durable trail cannot split.
	CreateJobWithExecution(ctx context.Context, job *Job, exec *JobExecution) error

	// GetJob returns the job by id, or ErrJobNotFound.
	GetJob(ctx context.Context, id string) (*Job, error)

	// FinishJob applies upd to the job only if it is still RUNNING and
	// returns the updated row. Returns ErrJobNotRunning when the guard
	// fails and ErrJobNotFound when the job is absent.
	FinishJob(ctx context.Context, id string, upd FinishJobUpdate) (*Job, error)

	// ListJobs returns jobs matching opts, newest first.
	ListJobs(ctx context.Context, opts ListJobsOptions) ([]*Job, error)

	// CountJobsByStatus returns per-status job counts for the license.
	CountJobsByStatus(ctx context.Context, licenseID string) (map[JobStatus]int64, error)

	// AvgExecutionTime returns the mean execution time in seconds across
	// the license's finished jobs, 0 when none.
	AvgExecutionTime(ctx context.Context, licenseID string) (float64, error)

	// CountExecutionsSince returns the number of execution records for the
	// tenant at or after the cutoff. This is the durable counterpart of the
	// cached sliding window.
	CountExecutionsSince(ctx context.Context, tenantID string, since time.Time) (int64, error)

	// ListExecutionsSince returns the tenant's execution records at or
	// after the cutoff, oldest first.
	ListExecutionsSince(ctx context.Context, tenantID string, since time.Time) ([]*JobExecution, error)

	// EnqueueJob writes a scheduling record for deferred dispatch.
	EnqueueJob(ctx context.Context, e *JobQueueEntry) error

	// ListQueuedJobs returns unclaimed queue entries, highest priority
	// first then earliest schedule; 0 limit means no limit.
	ListQueuedJobs(ctx context.Context, limit int) ([]*JobQueueEntry, error)
}

// ListMetricsOptions filters ListMetrics.
type ListMetricsOptions struct {
	ApplicationID string
	// From keeps rows dated at or after this day when set.
	From time.Time
	// To keeps rows dated at or before this day when set.
	To time.Time
}

// MetricsSummary aggregates daily rollup rows across a license's
// applications. Hourly rows are excluded so nothing is counted twice.
type MetricsSummary struct {
	TotalJobs        int64   `json:"total_jobs"`
	SuccessfulJobs   int64   `json:"successful_jobs"`
	FailedJobs       int64   `json:"failed_jobs"`
	AvgExecutionTime float64 `json:"avg_execution_time"`
}

// MetricsStore persists per-application rollups.
type MetricsStore interface {
	// ApplyMetricsDelta folds one job outcome into the aggregate row,
	// creating it when absent.
	ApplyMetricsDelta(ctx context.Context, d MetricsDelta) error

	// ListMetrics returns an application's rollup rows, newest date first.
	ListMetrics(ctx context.Context, opts ListMetricsOptions) ([]*ApplicationMetrics, error)

	// SummarizeMetrics aggregates the daily rows of every application under
	// the license.
	SummarizeMetrics(ctx context.Context, licenseID string) (MetricsSummary, error)
}

// UserStore persists accounts for the user sub-service.
type UserStore interface {
	// CreateUser stores a new account. Returns ErrDuplicateUsername when
	// the username or email is taken.
	CreateUser(ctx context.Context, u *User) error

	// GetUser returns the account by id, or ErrUserNotFound.
	GetUser(ctx context.Context, id string) (*User, error)

	// GetUserByUsername returns the account by username, or ErrUserNotFound.
	GetUserByUsername(ctx context.Context, username string) (*User, error)

	// UpdateLastLogin stamps last_login; unknown ids are ignored.
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error
}

// Store is the full durable surface used by the services. The postgres
// provider implements it for production; the in-memory store backs tests.
type Store interface {
	LicenseStore
	ApplicationStore
	JobStore
	MetricsStore
	UserStore

	// Ping verifies connectivity to the backing store.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}
