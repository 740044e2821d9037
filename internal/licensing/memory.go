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
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore implements Store using in-memory storage.
// This implementation is thread-safe and suitable for testing
// and single-instance development deployments.
//
// Close only marks the store unavailable to Ping; it holds no external
// resources, and reads and writes keep working so requests in flight during
// shutdown drain normally.
type MemoryStore struct {
	mu     sync.RWMutex
	closed bool

	licenses      map[string]*License
	licenseOrder  []string
	tenantIndex   map[string]string // tenant id -> license id
	history       map[string][]*LicenseHistory
	upgrades      map[string][]*LicenseUpgrade
	licenseTokens map[string]*LicenseToken // keyed by token value

	apps        map[string]*Application
	appOrder    []string
	nameIndex   map[string]map[string]string // license id -> app name -> app id
	apiKeyIndex map[string]string            // api key -> app id

	jobs       map[string]*Job
	jobOrder   []string
	executions []*JobExecution
	queue      []*JobQueueEntry

	metrics map[string]*ApplicationMetrics

	users      map[string]*User
	userByName map[string]string
	userByMail map[string]string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		licenses:      make(map[string]*License),
		tenantIndex:   make(map[string]string),
		history:       make(map[string][]*LicenseHistory),
		upgrades:      make(map[string][]*LicenseUpgrade),
		licenseTokens: make(map[string]*LicenseToken),
		apps:          make(map[string]*Application),
		nameIndex:     make(map[string]map[string]string),
		apiKeyIndex:   make(map[string]string),
		jobs:          make(map[string]*Job),
		metrics:       make(map[string]*ApplicationMetrics),
		users:         make(map[string]*User),
		userByName:    make(map[string]string),
		userByMail:    make(map[string]string),
	}
}

// CreateLicense stores a new license.
func (m *MemoryStore) CreateLicense(ctx context.Context, lic *License) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tenantIndex[lic.TenantID]; exists {
		return ErrDuplicateTenant
	}

	cp := copyLicense(lic)
	m.licenses[cp.ID] = cp
	m.licenseOrder = append(m.licenseOrder, cp.ID)
	m.tenantIndex[cp.TenantID] = cp.ID
	return nil
}

// GetLicense retrieves a license by ID.
func (m *MemoryStore) GetLicense(ctx context.Context, id string) (*License, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	lic, exists := m.licenses[id]
	if !exists {
		return nil, ErrLicenseNotFound
	}
	return copyLicense(lic), nil
}

// GetLicenseByTenant retrieves a license by tenant ID.
func (m *MemoryStore) GetLicenseByTenant(ctx context.Context, tenantID string) (*License, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	id, exists := m.tenantIndex[tenantID]
	if !exists {
		return nil, ErrLicenseNotFound
	}
	return copyLicense(m.licenses[id]), nil
}

// UpdateLicense replaces the stored license.
func (m *MemoryStore) UpdateLicense(ctx context.Context, lic *License) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	old, exists := m.licenses[lic.ID]
	if !exists {
		return ErrLicenseNotFound
	}

	cp := copyLicense(lic)
	cp.TenantID = old.TenantID // immutable
	cp.CreatedAt = old.CreatedAt
	m.licenses[cp.ID] = cp
	return nil
}

// ListLicenses returns licenses matching opts, newest first.
func (m *MemoryStore) ListLicenses(ctx context.Context, opts ListLicensesOptions) ([]*License, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*License
	for i := len(m.licenseOrder) - 1; i >= 0; i-- {
		lic := m.licenses[m.licenseOrder[i]]
		if opts.Status != "" && lic.Status != opts.Status {
			continue
		}
		if opts.TenantContains != "" &&
			!strings.Contains(strings.ToLower(lic.TenantID), strings.ToLower(opts.TenantContains)) {
			continue
		}
		if !opts.ValidAt.IsZero() {
			if lic.Status != StatusActive || opts.ValidAt.Before(lic.ValidFrom) || opts.ValidAt.After(lic.ValidTo) {
				continue
			}
		}
		out = append(out, copyLicense(lic))
	}
	return page(out, opts.Limit, opts.Offset), nil
}

// AppendHistory writes one audit row.
func (m *MemoryStore) AppendHistory(ctx context.Context, h *LicenseHistory) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *h
	if cp.Details != nil {
		cp.Details = copyMap(h.Details)
	}
	m.history[h.LicenseID] = append(m.history[h.LicenseID], &cp)
	return nil
}

// ListHistory returns a license's audit rows, newest first.
func (m *MemoryStore) ListHistory(ctx context.Context, licenseID string) ([]*LicenseHistory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := m.history[licenseID]
	out := make([]*LicenseHistory, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		cp := *rows[i]
		cp.Details = copyMap(rows[i].Details)
		out = append(out, &cp)
	}
	return out, nil
}

// CreateUpgrade records the before/after caps of an upgrade.
func (m *MemoryStore) CreateUpgrade(ctx context.Context, up *LicenseUpgrade) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *up
	m.upgrades[up.LicenseID] = append(m.upgrades[up.LicenseID], &cp)
	return nil
}

// CreateLicenseToken records a minted license credential.
func (m *MemoryStore) CreateLicenseToken(ctx context.Context, tok *LicenseToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *tok
	m.licenseTokens[tok.Token] = &cp
	return nil
}

// TouchLicenseToken stamps last_used_at on the credential, ignoring unknown
// tokens.
func (m *MemoryStore) TouchLicenseToken(ctx context.Context, token string, usedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if tok, exists := m.licenseTokens[token]; exists {
		tok.LastUsedAt = usedAt
	}
	return nil
}

// CreateApplication stores a new application.
func (m *MemoryStore) CreateApplication(ctx context.Context, app *Application) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	names := m.nameIndex[app.LicenseID]
	if names == nil {
		names = make(map[string]string)
		m.nameIndex[app.LicenseID] = names
	}
	if _, exists := names[app.Name]; exists {
		return ErrDuplicateApplication
	}
	if _, exists := m.apiKeyIndex[app.APIKey]; exists {
		return ErrDuplicateAPIKey
	}

	cp := copyApplication(app)
	m.apps[cp.ID] = cp
	m.appOrder = append(m.appOrder, cp.ID)
	names[cp.Name] = cp.ID
	m.apiKeyIndex[cp.APIKey] = cp.ID
	return nil
}

// GetApplication retrieves an application by ID.
func (m *MemoryStore) GetApplication(ctx context.Context, id string) (*Application, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	app, exists := m.apps[id]
	if !exists {
		return nil, ErrApplicationNotFound
	}
	return copyApplication(app), nil
}

// GetApplicationByName retrieves the license's application by name.
func (m *MemoryStore) GetApplicationByName(ctx context.Context, licenseID, name string) (*Application, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	id, exists := m.nameIndex[licenseID][name]
	if !exists {
		return nil, ErrApplicationNotFound
	}
	return copyApplication(m.apps[id]), nil
}

// ListApplications returns a license's applications, newest first.
func (m *MemoryStore) ListApplications(ctx context.Context, licenseID string) ([]*Application, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Application
	for i := len(m.appOrder) - 1; i >= 0; i-- {
		app := m.apps[m.appOrder[i]]
		if app == nil || app.LicenseID != licenseID {
			continue
		}
		out = append(out, copyApplication(app))
	}
	return out, nil
}

// UpdateApplication replaces the stored application.
func (m *MemoryStore) UpdateApplication(ctx context.Context, app *Application) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	old, exists := m.apps[app.ID]
	if !exists {
		return ErrApplicationNotFound
	}

	if app.Name != old.Name {
		names := m.nameIndex[old.LicenseID]
		if _, taken := names[app.Name]; taken {
			return ErrDuplicateApplication
		}
		delete(names, old.Name)
		names[app.Name] = app.ID
	}

	cp := copyApplication(app)
	cp.LicenseID = old.LicenseID // immutable
	cp.APIKey = old.APIKey
	cp.CreatedAt = old.CreatedAt
	m.apps[cp.ID] = cp
	return nil
}

// TouchApplication stamps last_activity, ignoring unknown ids.
func (m *MemoryStore) TouchApplication(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if app, exists := m.apps[id]; exists {
		app.LastActivity = at
	}
	return nil
}

// CountActiveApplications returns the number of active applications under the
// license.
func (m *MemoryStore) CountActiveApplications(ctx context.Context, licenseID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, app := range m.apps {
		if app.LicenseID == licenseID && app.IsActive {
			n++
		}
	}
	return n, nil
}

// CreateJobWithExecution writes the job and its execution record together.
func (m *MemoryStore) CreateJobWithExecution(ctx context.Context, job *Job, exec *JobExecution) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	jcp := copyJob(job)
	m.jobs[jcp.ID] = jcp
	m.jobOrder = append(m.jobOrder, jcp.ID)

	ecp := *exec
	m.executions = append(m.executions, &ecp)
	return nil
}

// GetJob retrieves a job by ID.
func (m *MemoryStore) GetJob(ctx context.Context, id string) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	job, exists := m.jobs[id]
	if !exists {
		return nil, ErrJobNotFound
	}
	return copyJob(job), nil
}

// FinishJob applies the terminal update if the job is still RUNNING.
func (m *MemoryStore) FinishJob(ctx context.Context, id string, upd FinishJobUpdate) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[id]
	if !exists {
		return nil, ErrJobNotFound
	}
	if job.Status != JobRunning {
		return nil, ErrJobNotRunning
	}

	job.Status = upd.Status
	job.FinishedAt = upd.FinishedAt
	job.ExecutionTimeS = upd.ExecutionTimeS
	job.ErrorMessage = upd.ErrorMessage
	job.Result = copyMap(upd.Result)
	job.CPUUsage = copyFloat(upd.CPUUsage)
	job.MemoryUsage = copyFloat(upd.MemoryUsage)
	return copyJob(job), nil
}

// ListJobs returns jobs matching opts, newest first.
func (m *MemoryStore) ListJobs(ctx context.Context, opts ListJobsOptions) ([]*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Job
	for i := len(m.jobOrder) - 1; i >= 0; i-- {
		job := m.jobs[m.jobOrder[i]]
		if job.LicenseID != opts.LicenseID {
			continue
		}
		if opts.ApplicationID != "" && job.ApplicationID != opts.ApplicationID {
			continue
		}
		if opts.Status != "" && job.Status != opts.Status {
			continue
		}
		if !opts.StartedAfter.IsZero() && job.StartedAt.Before(opts.StartedAfter) {
			continue
		}
		if !opts.StartedBefore.IsZero() && job.StartedAt.After(opts.StartedBefore) {
			continue
		}
		out = append(out, copyJob(job))
	}
	return page(out, opts.Limit, opts.Offset), nil
}

// CountJobsByStatus returns per-status job counts for the license.
func (m *MemoryStore) CountJobsByStatus(ctx context.Context, licenseID string) (map[JobStatus]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[JobStatus]int64)
	for _, job := range m.jobs {
		if job.LicenseID == licenseID {
			counts[job.Status]++
		}
	}
	return counts, nil
}

// AvgExecutionTime returns the mean execution time across finished jobs.
func (m *MemoryStore) AvgExecutionTime(ctx context.Context, licenseID string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum float64
	var n int
	for _, job := range m.jobs {
		if job.LicenseID == licenseID && job.Status.Terminal() && job.ExecutionTimeS > 0 {
			sum += job.ExecutionTimeS
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return sum / float64(n), nil
}

// CountExecutionsSince counts the tenant's execution records at or after the
// cutoff.
func (m *MemoryStore) CountExecutionsSince(ctx context.Context, tenantID string, since time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, exec := range m.executions {
		if exec.TenantID == tenantID && !exec.ExecutedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// ListExecutionsSince returns the tenant's execution records at or after the
// cutoff, oldest first.
func (m *MemoryStore) ListExecutionsSince(ctx context.Context, tenantID string, since time.Time) ([]*JobExecution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*JobExecution
	for _, exec := range m.executions {
		if exec.TenantID == tenantID && !exec.ExecutedAt.Before(since) {
			cp := *exec
			out = append(out, &cp)
		}
	}
	return out, nil
}

// EnqueueJob writes a scheduling record for deferred dispatch.
func (m *MemoryStore) EnqueueJob(ctx context.Context, e *JobQueueEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.queue = append(m.queue, &cp)
	return nil
}

// ListQueuedJobs returns unclaimed queue entries, highest priority first then
// earliest schedule.
func (m *MemoryStore) ListQueuedJobs(ctx context.Context, limit int) ([]*JobQueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*JobQueueEntry
	for _, e := range m.queue {
		if e.IsProcessing {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	return page(out, limit, 0), nil
}

// ApplyMetricsDelta folds one job outcome into the aggregate row.
func (m *MemoryStore) ApplyMetricsDelta(ctx context.Context, d MetricsDelta) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := metricsKey(d.ApplicationID, d.Date, d.Hour)
	row, exists := m.metrics[key]
	if !exists {
		row = &ApplicationMetrics{
			ID:            key,
			ApplicationID: d.ApplicationID,
			Date:          d.Date,
			Hour:          d.Hour,
			CreatedAt:     time.Now(),
		}
		m.metrics[key] = row
	}

	if d.HasExecutionTime {
		// Running mean over the pre-update count, matching the SQL upsert.
		row.AvgExecutionTime = (row.AvgExecutionTime*float64(row.TotalJobs) + d.ExecutionTime) / float64(row.TotalJobs+1)
		if d.ExecutionTime > row.MaxExecutionTime {
			row.MaxExecutionTime = d.ExecutionTime
		}
		if row.MinExecutionTime == 0 || d.ExecutionTime < row.MinExecutionTime {
			row.MinExecutionTime = d.ExecutionTime
		}
	}
	row.TotalJobs++
	if d.Succeeded {
		row.SuccessfulJob++
	} else {
		row.FailedJobs++
	}
	row.UpdatedAt = time.Now()
	return nil
}

// MetricsRow returns a copy of the aggregate row for inspection in tests.
func (m *MemoryStore) MetricsRow(applicationID string, date time.Time, hour int16) (*ApplicationMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row, exists := m.metrics[metricsKey(applicationID, date, hour)]
	if !exists {
		return nil, false
	}
	cp := *row
	return &cp, true
}

// ListMetrics returns an application's rollup rows, newest date first.
func (m *MemoryStore) ListMetrics(ctx context.Context, opts ListMetricsOptions) ([]*ApplicationMetrics, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ApplicationMetrics
	for _, row := range m.metrics {
		if row.ApplicationID != opts.ApplicationID {
			continue
		}
		if !opts.From.IsZero() && row.Date.Before(opts.From) {
			continue
		}
		if !opts.To.IsZero() && row.Date.After(opts.To) {
			continue
		}
		cp := *row
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].Hour > out[j].Hour
	})
	return out, nil
}

// SummarizeMetrics aggregates the daily rows of the license's applications.
func (m *MemoryStore) SummarizeMetrics(ctx context.Context, licenseID string) (MetricsSummary, error) {
	if err := ctx.Err(); err != nil {
		return MetricsSummary{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum MetricsSummary
	var totalTime float64
	var rows int64
	for _, row := range m.metrics {
		if row.Hour != HourlyRollupDisabled {
			continue
		}
		app, exists := m.apps[row.ApplicationID]
		if !exists || app.LicenseID != licenseID {
			continue
		}
		sum.TotalJobs += row.TotalJobs
		sum.SuccessfulJobs += row.SuccessfulJob
		sum.FailedJobs += row.FailedJobs
		totalTime += row.AvgExecutionTime
		rows++
	}
	if rows > 0 {
		sum.AvgExecutionTime = totalTime / float64(rows)
	}
	return sum, nil
}

// CreateUser stores a new account.
func (m *MemoryStore) CreateUser(ctx context.Context, u *User) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.userByName[u.Username]; exists {
		return ErrDuplicateUsername
	}
	if _, exists := m.userByMail[u.Email]; exists {
		return ErrDuplicateUsername
	}

	cp := *u
	m.users[cp.ID] = &cp
	m.userByName[cp.Username] = cp.ID
	m.userByMail[cp.Email] = cp.ID
	return nil
}

// GetUser retrieves an account by ID.
func (m *MemoryStore) GetUser(ctx context.Context, id string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	u, exists := m.users[id]
	if !exists {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// GetUserByUsername retrieves an account by username.
func (m *MemoryStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	id, exists := m.userByName[username]
	if !exists {
		return nil, ErrUserNotFound
	}
	cp := *m.users[id]
	return &cp, nil
}

// UpdateLastLogin stamps last_login, ignoring unknown ids.
func (m *MemoryStore) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if u, exists := m.users[id]; exists {
		u.LastLogin = at
	}
	return nil
}

// Ping reports store availability.
func (m *MemoryStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return errors.New("store is closed")
	}
	return nil
}

// Close marks the store closed. Only Ping consults the flag; data access
// stays available for in-flight requests.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

func metricsKey(applicationID string, date time.Time, hour int16) string {
	return fmt.Sprintf("%s|%s|%d", applicationID, date.Format("2006-01-02"), hour)
}

func page[T any](rows []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(rows) {
			return nil
		}
		rows = rows[offset:]
	}
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

func copyLicense(l *License) *License {
	cp := *l
	cp.Features = copyMap(l.Features)
	return &cp
}

func copyApplication(a *Application) *Application {
	cp := *a
	cp.Config = copyMap(a.Config)
	return &cp
}

func copyJob(j *Job) *Job {
	cp := *j
	cp.Result = copyMap(j.Result)
	cp.Metadata = copyMap(j.Metadata)
	cp.CPUUsage = copyFloat(j.CPUUsage)
	cp.MemoryUsage = copyFloat(j.MemoryUsage)
	return &cp
}

func copyMap(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// Ensure MemoryStore implements Store interface.
var _ Store = (*MemoryStore)(nil)
