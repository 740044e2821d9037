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

// Package licensing defines the tenant, application and job entities enforced
// by the quota engine, together with the durable store interfaces they are
// persisted through.
package licensing

import (
	"time"
)

// LicenseStatus represents the lifecycle state of a license.
type LicenseStatus string

const (
	// StatusActive indicates the license admits requests.
	StatusActive LicenseStatus = "ACTIVE"
	// StatusSuspended indicates the license is temporarily blocked.
	StatusSuspended LicenseStatus = "SUSPENDED"
	// StatusExpired indicates the license validity window has passed.
	// Expiry is inferred from valid_to at inspection time and is never
	// eagerly persisted.
	StatusExpired LicenseStatus = "EXPIRED"
	// StatusRevoked indicates the license was terminally withdrawn.
	StatusRevoked LicenseStatus = "REVOKED"
)

// Valid reports whether s is a known license status.
func (s LicenseStatus) Valid() bool {
	switch s {
	case StatusActive, StatusSuspended, StatusExpired, StatusRevoked:
		return true
	}
	return false
}

// HistoryAction identifies the kind of change recorded in a history row.
type HistoryAction string

const (
	ActionCreate     HistoryAction = "CREATE"
	ActionUpdate     HistoryAction = "UPDATE"
	ActionSuspend    HistoryAction = "SUSPEND"
	ActionReactivate HistoryAction = "REACTIVATE"
	ActionRevoke     HistoryAction = "REVOKE"
	ActionUpgrade    HistoryAction = "UPGRADE"
)

// License caps a tenant's registered applications and the job executions it
// may perform within any rolling 24-hour window.
type License struct {
	// ID is the surrogate license identifier.
	ID string `json:"id"`
	// TenantID uniquely identifies the tenant; one license per tenant.
	TenantID string `json:"tenant_id"`
	// TenantName is the display name of the tenant.
	TenantName string `json:"tenant_name"`
	// MaxApps is the cap on concurrently active applications.
	MaxApps int `json:"max_apps"`
	// MaxExecutionsPer24h is the cap on job executions in any rolling 24 h window.
	MaxExecutionsPer24h int `json:"max_executions_per_24h"`
	// ValidFrom is the inclusive start of the validity window.
	ValidFrom time.Time `json:"valid_from"`
	// ValidTo is the inclusive end of the validity window.
	ValidTo time.Time `json:"valid_to"`
	// Status is the persisted lifecycle state. Expiry is inferred, see
	// EffectiveStatus.
	Status LicenseStatus `json:"status"`
	// Features contains opaque feature flags for the tenant.
	Features map[string]string `json:"features,omitempty"`
	// ContactEmail is the tenant's contact address.
	ContactEmail string `json:"contact_email,omitempty"`
	// ContactName is the tenant's contact person.
	ContactName string `json:"contact_name,omitempty"`
	// CreatedBy records who created the license.
	CreatedBy string `json:"created_by,omitempty"`
	// CreatedAt is when the license was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the license was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// IsValid reports whether the license admits requests at the given instant:
// status ACTIVE and now within [ValidFrom, ValidTo].
func (l *License) IsValid(now time.Time) bool {
	if l.Status != StatusActive {
		return false
	}
	return !now.Before(l.ValidFrom) && !now.After(l.ValidTo)
}

// EffectiveStatus returns the status as observed at the given instant:
// REVOKED is terminal, any non-revoked license past ValidTo reads as EXPIRED,
// otherwise the stored status stands.
func (l *License) EffectiveStatus(now time.Time) LicenseStatus {
	if l.Status == StatusRevoked {
		return StatusRevoked
	}
	if now.After(l.ValidTo) {
		return StatusExpired
	}
	return l.Status
}

// ValidateLicense returns nil when the license admits requests at the given
// instant, or the status-specific sentinel explaining why it does not.
func ValidateLicense(l *License, now time.Time) error {
	switch l.EffectiveStatus(now) {
	case StatusRevoked:
		return ErrLicenseRevoked
	case StatusSuspended:
		return ErrLicenseSuspended
	case StatusExpired:
		return ErrLicenseExpired
	}
	if now.Before(l.ValidFrom) {
		return ErrLicenseNotYetValid
	}
	return nil
}

// LicenseHistory is one append-only audit row for a license.
type LicenseHistory struct {
	ID        string        `json:"id"`
	LicenseID string        `json:"license_id"`
	Action    HistoryAction `json:"action"`
	// Details holds a field-level before/after map, e.g. {"max_apps": "5 -> 10"}.
	Details     map[string]string `json:"details,omitempty"`
	PerformedBy string            `json:"performed_by,omitempty"`
	PerformedAt time.Time         `json:"performed_at"`
}

// LicenseUpgrade captures the old and new caps of an upgrade, written
// alongside an UPGRADE history row.
type LicenseUpgrade struct {
	ID                    string    `json:"id"`
	LicenseID             string    `json:"license_id"`
	PreviousMaxApps       int       `json:"previous_max_apps"`
	NewMaxApps            int       `json:"new_max_apps"`
	PreviousMaxExecutions int       `json:"previous_max_executions"`
	NewMaxExecutions      int       `json:"new_max_executions"`
	PreviousValidTo       time.Time `json:"previous_valid_to"`
	NewValidTo            time.Time `json:"new_valid_to"`
	Reason                string    `json:"reason,omitempty"`
	ApprovedBy            string    `json:"approved_by,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
}

// LicenseToken tracks a minted license bearer credential.
type LicenseToken struct {
	ID        string    `json:"id"`
	LicenseID string    `json:"license_id"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	// LastUsedAt is zero until the token is first presented.
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
	IsActive   bool      `json:"is_active"`
}

// Application is a client program registered by a tenant.
type Application struct {
	// ID is the surrogate application identifier.
	ID string `json:"id"`
	// LicenseID is the owning license.
	LicenseID string `json:"license_id"`
	// Name is unique per license.
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// Version defaults to "1.0.0".
	Version string `json:"version"`
	// APIKey is the opaque credential issued at registration, prefix "app_".
	APIKey     string `json:"api_key"`
	WebhookURL string `json:"webhook_url,omitempty"`
	// IsActive is false for soft-deactivated applications.
	IsActive bool `json:"is_active"`
	// LastActivity is zero until the application starts its first job.
	LastActivity time.Time         `json:"last_activity,omitempty"`
	Config       map[string]string `json:"config,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobRunning, JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal job status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Job is a single tracked execution, created RUNNING by start and moved to a
// terminal state by finish. Terminal jobs are immutable.
type Job struct {
	// ID is assigned by the admission pipeline before the quota reservation.
	ID            string    `json:"id"`
	ApplicationID string    `json:"application_id"`
	LicenseID     string    `json:"license_id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	Status        JobStatus `json:"status"`
	StartedAt     time.Time `json:"started_at"`
	// FinishedAt is zero while the job is running.
	FinishedAt time.Time `json:"finished_at,omitempty"`
	// ExecutionTimeS is finished − started in seconds.
	ExecutionTimeS float64           `json:"execution_time_s,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	Result         map[string]string `json:"result,omitempty"`
	// CPUUsage is a percentage sample in [0,100]; nil when not reported.
	CPUUsage *float64 `json:"cpu_usage,omitempty"`
	// MemoryUsage is a megabyte sample; nil when not reported.
	MemoryUsage *float64          `json:"memory_usage,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// JobExecution is the append-only admission record written at job start. It
// is the durable counterpart of the sliding-window counter entry.
type JobExecution struct {
	ID        string `json:"id"`
	LicenseID string `json:"license_id"`
	JobID     string `json:"job_id"`
	// TenantID is denormalized from the license for window queries.
	TenantID   string    `json:"tenant_id"`
	ExecutedAt time.Time `json:"executed_at"`
}

// JobQueueEntry is a scheduling record for deferred dispatch. The service
// ships the queue without a dispatcher; admission enqueues only when
// configured to, and entries stay queryable until something consumes them.
type JobQueueEntry struct {
	ID    string `json:"id"`
	JobID string `json:"job_id"`
	// Priority orders dispatch, higher first.
	Priority    int       `json:"priority"`
	ScheduledAt time.Time `json:"scheduled_at"`
	// IsProcessing marks an entry claimed by a consumer.
	IsProcessing bool      `json:"is_processing"`
	Attempts     int       `json:"attempts"`
	MaxAttempts  int       `json:"max_attempts"`
	CreatedAt    time.Time `json:"created_at"`
}

// HourlyRollupDisabled marks a daily metrics row in the Hour column.
const HourlyRollupDisabled int16 = -1

// ApplicationMetrics is the per-(application, date, hour) aggregate updated on
// every job finish. Hour is HourlyRollupDisabled for the daily row.
type ApplicationMetrics struct {
	ID            string    `json:"id"`
	ApplicationID string    `json:"application_id"`
	Date          time.Time `json:"date"`
	Hour          int16     `json:"hour"`
	TotalJobs     int64     `json:"total_jobs"`
	SuccessfulJob int64     `json:"successful_jobs"`
	FailedJobs    int64     `json:"failed_jobs"`
	// AvgExecutionTime is a running mean; small drift under concurrency is
	// tolerated, counts are exact.
	AvgExecutionTime float64 `json:"avg_execution_time"`
	MaxExecutionTime float64 `json:"max_execution_time"`
	// MinExecutionTime treats 0 as unset.
	MinExecutionTime float64   `json:"min_execution_time"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// User is an account in the user sub-service. A user may have zero or one
// derived license with tenant id "user_{username}".
type User struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	IsActive     bool   `json:"is_active"`
	// IsStaff grants access to the license administration endpoints.
	IsStaff    bool      `json:"is_staff"`
	DateJoined time.Time `json:"date_joined"`
	// LastLogin is zero until the first successful authentication.
	LastLogin time.Time `json:"last_login,omitempty"`
}

// DerivedTenantID returns the tenant id of the user's derived default license.
func (u *User) DerivedTenantID() string {
	return "user_" + u.Username
}

// Defaults for licenses created lazily by the identity resolver.
const (
	// DefaultDerivedMaxApps caps applications on a derived license.
	DefaultDerivedMaxApps = 10
	// DefaultDerivedMaxExecutions caps 24 h executions on a derived license.
	DefaultDerivedMaxExecutions = 1000
	// DefaultDerivedValidity is the validity window of a derived license.
	DefaultDerivedValidity = 365 * 24 * time.Hour
)
