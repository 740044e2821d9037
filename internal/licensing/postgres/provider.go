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

// Package postgres persists the licensing domain in PostgreSQL via pgx. Schema
// management lives in Migrator with the SQL migrations embedded next to it.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantechlabs/warden/internal/licensing"
	"github.com/quantechlabs/warden/internal/pgutil"
)

// Compile-time interface check.
var _ licensing.Store = (*Provider)(nil)

// uniqueViolationCode is the PostgreSQL error code for unique_violation.
const uniqueViolationCode = "23505"

// Provider implements licensing.Store using PostgreSQL.
type Provider struct {
	pool     *pgxpool.Pool
	ownsPool bool
}

// New creates a Provider that owns the underlying connection pool. The pool is
// created from cfg and verified with a PING. Close will shut down the pool.
func New(cfg Config) (*Provider, error) {
	if cfg.ConnString == "" {
		return nil, fmt.Errorf("postgres: connection string is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("postgres: parsing connection string: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	if cfg.TLS != nil {
		poolCfg.ConnConfig.TLSConfig = cfg.TLS
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: creating pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping failed: %w", err)
	}

	return &Provider{pool: pool, ownsPool: true}, nil
}

// NewFromPool wraps an existing connection pool. Close is a no-op because the
// caller retains ownership of the pool.
func NewFromPool(pool *pgxpool.Pool) *Provider {
	return &Provider{pool: pool, ownsPool: false}
}

// --- row scanners -----------------------------------------------------------

// licenseColumns is the SELECT column list for licenses (no trailing comma).
const licenseColumns = `id, tenant_id, tenant_name, max_apps, max_executions_per_24h,
	valid_from, valid_to, status, features, contact_email, contact_name,
	created_by, created_at, updated_at`

// nullableLicenseFields groups nullable columns scanned from a license row.
type nullableLicenseFields struct {
	contactEmail *string
	contactName  *string
	createdBy    *string
	featuresJSON []byte
}

func scanLicense(row pgx.Row) (*licensing.License, error) {
	var l licensing.License
	var n nullableLicenseFields

	err := row.Scan(
		&l.ID, &l.TenantID, &l.TenantName, &l.MaxApps, &l.MaxExecutionsPer24h,
		&l.ValidFrom, &l.ValidTo, &l.Status, &n.featuresJSON, &n.contactEmail,
		&n.contactName, &n.createdBy, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, licensing.ErrLicenseNotFound
		}
		return nil, fmt.Errorf("postgres: scan license: %w", err)
	}

	l.Features = pgutil.UnmarshalJSONB(n.featuresJSON)
	l.ContactEmail = pgutil.DerefString(n.contactEmail)
	l.ContactName = pgutil.DerefString(n.contactName)
	l.CreatedBy = pgutil.DerefString(n.createdBy)
	return &l, nil
}

// applicationColumns is the SELECT column list for applications.
const applicationColumns = `id, license_id, name, description, version, api_key,
	webhook_url, is_active, last_activity, config, created_at, updated_at`

// nullableApplicationFields groups nullable columns scanned from an application row.
type nullableApplicationFields struct {
	description  *string
	webhookURL   *string
	lastActivity *time.Time
	configJSON   []byte
}

func scanApplication(row pgx.Row) (*licensing.Application, error) {
	var a licensing.Application
	var n nullableApplicationFields

	err := row.Scan(
		&a.ID, &a.LicenseID, &a.Name, &n.description, &a.Version, &a.APIKey,
		&n.webhookURL, &a.IsActive, &n.lastActivity, &n.configJSON,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, licensing.ErrApplicationNotFound
		}
		return nil, fmt.Errorf("postgres: scan application: %w", err)
	}

	a.Description = pgutil.DerefString(n.description)
	a.WebhookURL = pgutil.DerefString(n.webhookURL)
	a.LastActivity = pgutil.TimeOrZero(n.lastActivity)
	a.Config = pgutil.UnmarshalJSONB(n.configJSON)
	return &a, nil
}

// jobColumns is the SELECT column list for jobs.
const jobColumns = `id, application_id, license_id, name, description, status,
	started_at, finished_at, execution_time_s, error_message, result,
	cpu_usage, memory_usage, metadata, created_at`

// nullableJobFields groups nullable columns scanned from a job row.
type nullableJobFields struct {
	description  *string
	finishedAt   *time.Time
	execTime     *float64
	errorMessage *string
	resultJSON   []byte
	metadataJSON []byte
}

func scanJob(row pgx.Row) (*licensing.Job, error) {
	var j licensing.Job
	var n nullableJobFields

	err := row.Scan(
		&j.ID, &j.ApplicationID, &j.LicenseID, &j.Name, &n.description, &j.Status,
		&j.StartedAt, &n.finishedAt, &n.execTime, &n.errorMessage, &n.resultJSON,
		&j.CPUUsage, &j.MemoryUsage, &n.metadataJSON, &j.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, licensing.ErrJobNotFound
		}
		return nil, fmt.Errorf("postgres: scan job: %w", err)
	}

	j.Description = pgutil.DerefString(n.description)
	j.FinishedAt = pgutil.TimeOrZero(n.finishedAt)
	j.ExecutionTimeS = pgutil.DerefFloat64(n.execTime)
	j.ErrorMessage = pgutil.DerefString(n.errorMessage)
	j.Result = pgutil.UnmarshalJSONB(n.resultJSON)
	j.Metadata = pgutil.UnmarshalJSONB(n.metadataJSON)
	return &j, nil
}

func scanHistory(row pgx.Row) (*licensing.LicenseHistory, error) {
	var h licensing.LicenseHistory
	var performedBy *string
	var detailsJSON []byte

	err := row.Scan(&h.ID, &h.LicenseID, &h.Action, &detailsJSON, &performedBy, &h.PerformedAt)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan history: %w", err)
	}

	h.Details = pgutil.UnmarshalJSONB(detailsJSON)
	h.PerformedBy = pgutil.DerefString(performedBy)
	return &h, nil
}

func scanQueueEntry(row pgx.Row) (*licensing.JobQueueEntry, error) {
	var e licensing.JobQueueEntry

	err := row.Scan(&e.ID, &e.JobID, &e.Priority, &e.ScheduledAt,
		&e.IsProcessing, &e.Attempts, &e.MaxAttempts, &e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan queue entry: %w", err)
	}
	return &e, nil
}

// --- helper: begin transaction ----------------------------------------------

func (p *Provider) beginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin tx: %w", err)
	}
	return tx, nil
}

// --- helper: unique violation mapping ----------------------------------------

// uniqueViolation reports whether err is a unique-constraint violation on the
// named index.
func uniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolationCode {
		return false
	}
	return pgErr.ConstraintName == constraint
}

// --- LicenseStore implementation ---------------------------------------------

func (p *Provider) CreateLicense(ctx context.Context, lic *licensing.License) error {
	query := `INSERT INTO licenses (
		id, tenant_id, tenant_name, max_apps, max_executions_per_24h,
		valid_from, valid_to, status, features, contact_email, contact_name,
		created_by, created_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`

	_, err := p.pool.Exec(ctx, query,
		lic.ID, lic.TenantID, lic.TenantName, lic.MaxApps, lic.MaxExecutionsPer24h,
		lic.ValidFrom, lic.ValidTo, string(lic.Status), pgutil.MarshalJSONB(lic.Features),
		pgutil.NullString(lic.ContactEmail), pgutil.NullString(lic.ContactName),
		pgutil.NullString(lic.CreatedBy), lic.CreatedAt, lic.UpdatedAt,
	)
	if err != nil {
		if uniqueViolation(err, "idx_licenses_tenant_id") {
			return licensing.ErrDuplicateTenant
		}
		return fmt.Errorf("postgres: create license: %w", err)
	}
	return nil
}

func (p *Provider) GetLicense(ctx context.Context, id string) (*licensing.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE id=$1 LIMIT 1`
	return scanLicense(p.pool.QueryRow(ctx, query, id))
}

func (p *Provider) GetLicenseByTenant(ctx context.Context, tenantID string) (*licensing.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE tenant_id=$1 LIMIT 1`
	return scanLicense(p.pool.QueryRow(ctx, query, tenantID))
}

func (p *Provider) UpdateLicense(ctx context.Context, lic *licensing.License) error {
	// tenant_id and created_at are immutable and stay untouched.
	query := `UPDATE licenses SET
		tenant_name=$2, max_apps=$3, max_executions_per_24h=$4,
		valid_from=$5, valid_to=$6, status=$7, features=$8,
		contact_email=$9, contact_name=$10, updated_at=$11
	WHERE id=$1`

	res, err := p.pool.Exec(ctx, query,
		lic.ID, lic.TenantName, lic.MaxApps, lic.MaxExecutionsPer24h,
		lic.ValidFrom, lic.ValidTo, string(lic.Status), pgutil.MarshalJSONB(lic.Features),
		pgutil.NullString(lic.ContactEmail), pgutil.NullString(lic.ContactName), lic.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update license: %w", err)
	}
	if res.RowsAffected() == 0 {
		return licensing.ErrLicenseNotFound
	}
	return nil
}

func (p *Provider) ListLicenses(ctx context.Context, opts licensing.ListLicensesOptions) ([]*licensing.License, error) {
	qb := &pgutil.QueryBuilder{}
	if opts.Status != "" {
		qb.Add("status=$?", string(opts.Status))
	}
	if opts.TenantContains != "" {
		qb.Add("tenant_id ILIKE $?", "%"+pgutil.EscapeLike(opts.TenantContains)+"%")
	}
	if !opts.ValidAt.IsZero() {
		qb.Add("status=$?", string(licensing.StatusActive))
		qb.Add("valid_from<=$?", opts.ValidAt)
		qb.Add("valid_to>=$?", opts.ValidAt)
	}

	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE 1=1` + qb.Where() +
		` ORDER BY created_at DESC`
	query = qb.AppendPagination(query, opts.Limit, opts.Offset)

	rows, err := p.pool.Query(ctx, query, qb.Args()...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list licenses: %w", err)
	}
	defer rows.Close()

	var licenses []*licensing.License
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		licenses = append(licenses, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate licenses: %w", err)
	}
	return licenses, nil
}

func (p *Provider) AppendHistory(ctx context.Context, h *licensing.LicenseHistory) error {
	query := `INSERT INTO license_history (id, license_id, action, details, performed_by, performed_at)
		VALUES ($1,$2,$3,$4,$5,$6)`

	_, err := p.pool.Exec(ctx, query,
		h.ID, h.LicenseID, string(h.Action), pgutil.MarshalJSONB(h.Details),
		pgutil.NullString(h.PerformedBy), h.PerformedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: append history: %w", err)
	}
	return nil
}

func (p *Provider) ListHistory(ctx context.Context, licenseID string) ([]*licensing.LicenseHistory, error) {
	query := `SELECT id, license_id, action, details, performed_by, performed_at
		FROM license_history WHERE license_id=$1 ORDER BY performed_at DESC`

	rows, err := p.pool.Query(ctx, query, licenseID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list history: %w", err)
	}
	defer rows.Close()

	var history []*licensing.LicenseHistory
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		history = append(history, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate history: %w", err)
	}
	return history, nil
}

func (p *Provider) CreateUpgrade(ctx context.Context, up *licensing.LicenseUpgrade) error {
	query := `INSERT INTO license_upgrades (
		id, license_id, previous_max_apps, new_max_apps,
		previous_max_executions, new_max_executions,
		previous_valid_to, new_valid_to, reason, approved_by, created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`

	_, err := p.pool.Exec(ctx, query,
		up.ID, up.LicenseID, up.PreviousMaxApps, up.NewMaxApps,
		up.PreviousMaxExecutions, up.NewMaxExecutions,
		up.PreviousValidTo, up.NewValidTo,
		pgutil.NullString(up.Reason), pgutil.NullString(up.ApprovedBy), up.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create upgrade: %w", err)
	}
	return nil
}

func (p *Provider) CreateLicenseToken(ctx context.Context, tok *licensing.LicenseToken) error {
	query := `INSERT INTO license_tokens (id, license_id, token, created_at, expires_at, last_used_at, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`

	_, err := p.pool.Exec(ctx, query,
		tok.ID, tok.LicenseID, tok.Token, tok.CreatedAt, tok.ExpiresAt,
		pgutil.NullTime(tok.LastUsedAt), tok.IsActive,
	)
	if err != nil {
		return fmt.Errorf("postgres: create license token: %w", err)
	}
	return nil
}

func (p *Provider) TouchLicenseToken(ctx context.Context, token string, usedAt time.Time) error {
	_, err := p.pool.Exec(ctx,
		"UPDATE license_tokens SET last_used_at=$2 WHERE token=$1", token, usedAt)
	if err != nil {
		return fmt.Errorf("postgres: touch license token: %w", err)
	}
	return nil
}

// --- ApplicationStore implementation ------------------------------------------

func (p *Provider) CreateApplication(ctx context.Context, app *licensing.Application) error {
	query := `INSERT INTO applications (
		id, license_id, name, description, version, api_key,
		webhook_url, is_active, last_activity, config, created_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`

	_, err := p.pool.Exec(ctx, query,
		app.ID, app.LicenseID, app.Name, pgutil.NullString(app.Description),
		app.Version, app.APIKey, pgutil.NullString(app.WebhookURL), app.IsActive,
		pgutil.NullTime(app.LastActivity), pgutil.MarshalJSONB(app.Config),
		app.CreatedAt, app.UpdatedAt,
	)
	if err != nil {
		switch {
		case uniqueViolation(err, "idx_applications_license_name"):
			return licensing.ErrDuplicateApplication
		case uniqueViolation(err, "idx_applications_api_key"):
			return licensing.ErrDuplicateAPIKey
		}
		return fmt.Errorf("postgres: create application: %w", err)
	}
	return nil
}

func (p *Provider) GetApplication(ctx context.Context, id string) (*licensing.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE id=$1 LIMIT 1`
	return scanApplication(p.pool.QueryRow(ctx, query, id))
}

func (p *Provider) GetApplicationByName(ctx context.Context, licenseID, name string) (*licensing.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications
		WHERE license_id=$1 AND name=$2 LIMIT 1`
	return scanApplication(p.pool.QueryRow(ctx, query, licenseID, name))
}

func (p *Provider) ListApplications(ctx context.Context, licenseID string) ([]*licensing.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications
		WHERE license_id=$1 ORDER BY created_at DESC`

	rows, err := p.pool.Query(ctx, query, licenseID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list applications: %w", err)
	}
	defer rows.Close()

	var apps []*licensing.Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate applications: %w", err)
	}
	return apps, nil
}

func (p *Provider) UpdateApplication(ctx context.Context, app *licensing.Application) error {
	// license_id, api_key and created_at are immutable and stay untouched.
	query := `UPDATE applications SET
		name=$2, description=$3, version=$4, webhook_url=$5,
		is_active=$6, last_activity=$7, config=$8, updated_at=$9
	WHERE id=$1`

	res, err := p.pool.Exec(ctx, query,
		app.ID, app.Name, pgutil.NullString(app.Description), app.Version,
		pgutil.NullString(app.WebhookURL), app.IsActive,
		pgutil.NullTime(app.LastActivity), pgutil.MarshalJSONB(app.Config), app.UpdatedAt,
	)
	if err != nil {
		if uniqueViolation(err, "idx_applications_license_name") {
			return licensing.ErrDuplicateApplication
		}
		return fmt.Errorf("postgres: update application: %w", err)
	}
	if res.RowsAffected() == 0 {
		return licensing.ErrApplicationNotFound
	}
	return nil
}

func (p *Provider) TouchApplication(ctx context.Context, id string, at time.Time) error {
	_, err := p.pool.Exec(ctx,
		"UPDATE applications SET last_activity=$2 WHERE id=$1", id, at)
	if err != nil {
		return fmt.Errorf("postgres: touch application: %w", err)
	}
	return nil
}

func (p *Provider) CountActiveApplications(ctx context.Context, licenseID string) (int64, error) {
	var n int64
	err := p.pool.QueryRow(ctx,
		"SELECT count(*) FROM applications WHERE license_id=$1 AND is_active", licenseID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count active applications: %w", err)
	}
	return n, nil
}

// --- JobStore implementation ---------------------------------------------------

func (p *Provider) CreateJobWithExecution(ctx context.Context, job *licensing.Job, exec *licensing.JobExecution) error {
	tx, err := p.beginTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	jobQuery := `INSERT INTO jobs (
		id, application_id, license_id, name, description, status,
		started_at, finished_at, execution_time_s, error_message, result,
		cpu_usage, memory_usage, metadata, created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`

	_, err = tx.Exec(ctx, jobQuery,
		job.ID, job.ApplicationID, job.LicenseID, job.Name,
		pgutil.NullString(job.Description), string(job.Status),
		job.StartedAt, pgutil.NullTime(job.FinishedAt),
		pgutil.NullFloat64(job.ExecutionTimeS), pgutil.NullString(job.ErrorMessage),
		pgutil.MarshalJSONB(job.Result), job.CPUUsage, job.MemoryUsage,
		pgutil.MarshalJSONB(job.Metadata), job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create job: %w", err)
	}

	execQuery := `INSERT INTO job_executions (id, license_id, job_id, tenant_id, executed_at)
		VALUES ($1,$2,$3,$4,$5)`

	_, err = tx.Exec(ctx, execQuery,
		exec.ID, exec.LicenseID, exec.JobID, exec.TenantID, exec.ExecutedAt)
	if err != nil {
		return fmt.Errorf("postgres: create job execution: %w", err)
	}

	return tx.Commit(ctx)
}

func (p *Provider) GetJob(ctx context.Context, id string) (*licensing.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id=$1 LIMIT 1`
	return scanJob(p.pool.QueryRow(ctx, query, id))
}

func (p *Provider) FinishJob(ctx context.Context, id string, upd licensing.FinishJobUpdate) (*licensing.Job, error) {
	query := `UPDATE jobs SET
		status=$2, finished_at=$3, execution_time_s=$4, error_message=$5,
		result=$6, cpu_usage=$7, memory_usage=$8
	WHERE id=$1 AND status='RUNNING'
	RETURNING ` + jobColumns

	job, err := scanJob(p.pool.QueryRow(ctx, query,
		id, string(upd.Status), upd.FinishedAt, upd.ExecutionTimeS,
		pgutil.NullString(upd.ErrorMessage), pgutil.MarshalJSONB(upd.Result),
		upd.CPUUsage, upd.MemoryUsage,
	))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, licensing.ErrJobNotFound) {
		return nil, err
	}

	// The guarded update matched nothing: absent job or one already terminal.
	if _, getErr := p.GetJob(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, licensing.ErrJobNotRunning
}

func (p *Provider) ListJobs(ctx context.Context, opts licensing.ListJobsOptions) ([]*licensing.Job, error) {
	qb := &pgutil.QueryBuilder{}
	qb.Add("license_id=$?", opts.LicenseID)
	if opts.ApplicationID != "" {
		qb.Add("application_id=$?", opts.ApplicationID)
	}
	if opts.Status != "" {
		qb.Add("status=$?", string(opts.Status))
	}
	if !opts.StartedAfter.IsZero() {
		qb.Add("started_at >= $?", opts.StartedAfter)
	}
	if !opts.StartedBefore.IsZero() {
		qb.Add("started_at <= $?", opts.StartedBefore)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1` + qb.Where() +
		` ORDER BY started_at DESC`
	query = qb.AppendPagination(query, opts.Limit, opts.Offset)

	rows, err := p.pool.Query(ctx, query, qb.Args()...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*licensing.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate jobs: %w", err)
	}
	return jobs, nil
}

func (p *Provider) CountJobsByStatus(ctx context.Context, licenseID string) (map[licensing.JobStatus]int64, error) {
	rows, err := p.pool.Query(ctx,
		"SELECT status, count(*) FROM jobs WHERE license_id=$1 GROUP BY status", licenseID)
	if err != nil {
		return nil, fmt.Errorf("postgres: count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[licensing.JobStatus]int64)
	for rows.Next() {
		var status licensing.JobStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("postgres: scan job count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate job counts: %w", err)
	}
	return counts, nil
}

func (p *Provider) AvgExecutionTime(ctx context.Context, licenseID string) (float64, error) {
	var avg float64
	err := p.pool.QueryRow(ctx,
		`SELECT COALESCE(AVG(execution_time_s), 0) FROM jobs
		WHERE license_id=$1 AND status IN ('COMPLETED','FAILED','CANCELLED')
		AND execution_time_s > 0`, licenseID).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("postgres: avg execution time: %w", err)
	}
	return avg, nil
}

func (p *Provider) CountExecutionsSince(ctx context.Context, tenantID string, since time.Time) (int64, error) {
	var n int64
	err := p.pool.QueryRow(ctx,
		"SELECT count(*) FROM job_executions WHERE tenant_id=$1 AND executed_at >= $2",
		tenantID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count executions: %w", err)
	}
	return n, nil
}

func (p *Provider) ListExecutionsSince(ctx context.Context, tenantID string, since time.Time) ([]*licensing.JobExecution, error) {
	query := `SELECT id, license_id, job_id, tenant_id, executed_at
		FROM job_executions WHERE tenant_id=$1 AND executed_at >= $2
		ORDER BY executed_at ASC`

	rows, err := p.pool.Query(ctx, query, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions: %w", err)
	}
	defer rows.Close()

	var execs []*licensing.JobExecution
	for rows.Next() {
		var e licensing.JobExecution
		if err := rows.Scan(&e.ID, &e.LicenseID, &e.JobID, &e.TenantID, &e.ExecutedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan execution: %w", err)
		}
		execs = append(execs, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate executions: %w", err)
	}
	return execs, nil
}

func (p *Provider) EnqueueJob(ctx context.Context, e *licensing.JobQueueEntry) error {
	query := `INSERT INTO job_queue (id, job_id, priority, scheduled_at, is_processing, attempts, max_attempts, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	_, err := p.pool.Exec(ctx, query,
		e.ID, e.JobID, e.Priority, e.ScheduledAt, e.IsProcessing,
		e.Attempts, e.MaxAttempts, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: enqueue job: %w", err)
	}
	return nil
}

func (p *Provider) ListQueuedJobs(ctx context.Context, limit int) ([]*licensing.JobQueueEntry, error) {
	qb := &pgutil.QueryBuilder{}
	query := `SELECT id, job_id, priority, scheduled_at, is_processing, attempts, max_attempts, created_at
		FROM job_queue WHERE NOT is_processing
		ORDER BY priority DESC, scheduled_at ASC`
	query = qb.AppendPagination(query, limit, 0)

	rows, err := p.pool.Query(ctx, query, qb.Args()...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list queued jobs: %w", err)
	}
	defer rows.Close()

	var entries []*licensing.JobQueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate queued jobs: %w", err)
	}
	return entries, nil
}

// --- MetricsStore implementation -----------------------------------------------

// ApplyMetricsDelta folds one job outcome into the aggregate row with a single
// upsert, so concurrent finishes keep the counts exact. The running mean uses
// the pre-update total; a small drift under concurrency is tolerated.
func (p *Provider) ApplyMetricsDelta(ctx context.Context, d licensing.MetricsDelta) error {
	var succ, failed int
	if d.Succeeded {
		succ = 1
	} else {
		failed = 1
	}

	query := `INSERT INTO application_metrics (
		application_id, date, hour, total_jobs, successful_jobs, failed_jobs,
		avg_execution_time, max_execution_time, min_execution_time
	) VALUES ($1,$2,$3,1,$4,$5,
		CASE WHEN $6 THEN $7::double precision ELSE 0 END,
		CASE WHEN $6 THEN $7::double precision ELSE 0 END,
		CASE WHEN $6 THEN $7::double precision ELSE 0 END)
	ON CONFLICT (application_id, date, hour) DO UPDATE SET
		total_jobs      = application_metrics.total_jobs + 1,
		successful_jobs = application_metrics.successful_jobs + EXCLUDED.successful_jobs,
		failed_jobs     = application_metrics.failed_jobs + EXCLUDED.failed_jobs,
		avg_execution_time = CASE WHEN $6
			THEN (application_metrics.avg_execution_time * application_metrics.total_jobs + $7)
				/ (application_metrics.total_jobs + 1)
			ELSE application_metrics.avg_execution_time END,
		max_execution_time = CASE WHEN $6
			THEN GREATEST(application_metrics.max_execution_time, $7)
			ELSE application_metrics.max_execution_time END,
		min_execution_time = CASE WHEN $6 THEN
			CASE WHEN application_metrics.min_execution_time = 0 THEN $7
				ELSE LEAST(application_metrics.min_execution_time, $7) END
			ELSE application_metrics.min_execution_time END,
		updated_at = now()`

	_, err := p.pool.Exec(ctx, query,
		d.ApplicationID, d.Date, d.Hour, succ, failed,
		d.HasExecutionTime, d.ExecutionTime)
	if err != nil {
		return fmt.Errorf("postgres: apply metrics delta: %w", err)
	}
	return nil
}

// ListMetrics returns an application's rollup rows, newest date first.
func (p *Provider) ListMetrics(ctx context.Context, opts licensing.ListMetricsOptions) ([]*licensing.ApplicationMetrics, error) {
	qb := &pgutil.QueryBuilder{}
	qb.Add("application_id=$?", opts.ApplicationID)
	if !opts.From.IsZero() {
		qb.Add("date >= $?", opts.From)
	}
	if !opts.To.IsZero() {
		qb.Add("date <= $?", opts.To)
	}

	query := `SELECT id, application_id, date, hour, total_jobs, successful_jobs,
		failed_jobs, avg_execution_time, max_execution_time, min_execution_time,
		created_at, updated_at
	FROM application_metrics WHERE 1=1` + qb.Where() + ` ORDER BY date DESC, hour DESC`

	rows, err := p.pool.Query(ctx, query, qb.Args()...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list metrics: %w", err)
	}
	defer rows.Close()

	var out []*licensing.ApplicationMetrics
	for rows.Next() {
		var m licensing.ApplicationMetrics
		if err := rows.Scan(&m.ID, &m.ApplicationID, &m.Date, &m.Hour,
			&m.TotalJobs, &m.SuccessfulJob, &m.FailedJobs,
			&m.AvgExecutionTime, &m.MaxExecutionTime, &m.MinExecutionTime,
			&m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan metrics row: %w", err)
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate metrics: %w", err)
	}
	return out, nil
}

// SummarizeMetrics aggregates the daily rows of the license's applications.
// Hourly rows are excluded so nothing is counted twice.
func (p *Provider) SummarizeMetrics(ctx context.Context, licenseID string) (licensing.MetricsSummary, error) {
	query := `SELECT
		COALESCE(SUM(m.total_jobs), 0),
		COALESCE(SUM(m.successful_jobs), 0),
		COALESCE(SUM(m.failed_jobs), 0),
		COALESCE(AVG(m.avg_execution_time), 0)
	FROM application_metrics m
	JOIN applications a ON a.id = m.application_id
	WHERE a.license_id = $1 AND m.hour = $2`

	var sum licensing.MetricsSummary
	err := p.pool.QueryRow(ctx, query, licenseID, licensing.HourlyRollupDisabled).
		Scan(&sum.TotalJobs, &sum.SuccessfulJobs, &sum.FailedJobs, &sum.AvgExecutionTime)
	if err != nil {
		return licensing.MetricsSummary{}, fmt.Errorf("postgres: summarize metrics: %w", err)
	}
	return sum, nil
}

// --- UserStore implementation ----------------------------------------------------

func (p *Provider) CreateUser(ctx context.Context, u *licensing.User) error {
	query := `INSERT INTO user_profile (
		id, username, email, password_hash, first_name, last_name,
		is_active, is_staff, date_joined, last_login
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

	_, err := p.pool.Exec(ctx, query,
		u.ID, u.Username, u.Email, u.PasswordHash,
		pgutil.NullString(u.FirstName), pgutil.NullString(u.LastName),
		u.IsActive, u.IsStaff, u.DateJoined, pgutil.NullTime(u.LastLogin),
	)
	if err != nil {
		if uniqueViolation(err, "idx_user_profile_username") || uniqueViolation(err, "idx_user_profile_email") {
			return licensing.ErrDuplicateUsername
		}
		return fmt.Errorf("postgres: create user: %w", err)
	}
	return nil
}

func (p *Provider) GetUser(ctx context.Context, id string) (*licensing.User, error) {
	query := `SELECT id, username, email, password_hash, first_name, last_name,
		is_active, is_staff, date_joined, last_login
		FROM user_profile WHERE id=$1 LIMIT 1`
	return scanUser(p.pool.QueryRow(ctx, query, id))
}

func (p *Provider) GetUserByUsername(ctx context.Context, username string) (*licensing.User, error) {
	query := `SELECT id, username, email, password_hash, first_name, last_name,
		is_active, is_staff, date_joined, last_login
		FROM user_profile WHERE username=$1 LIMIT 1`
	return scanUser(p.pool.QueryRow(ctx, query, username))
}

func scanUser(row pgx.Row) (*licensing.User, error) {
	var u licensing.User
	var firstName, lastName *string
	var lastLogin *time.Time

	err := row.Scan(
		&u.ID, &u.Username, &u.Email, &u.PasswordHash, &firstName, &lastName,
		&u.IsActive, &u.IsStaff, &u.DateJoined, &lastLogin,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, licensing.ErrUserNotFound
		}
		return nil, fmt.Errorf("postgres: scan user: %w", err)
	}

	u.FirstName = pgutil.DerefString(firstName)
	u.LastName = pgutil.DerefString(lastName)
	u.LastLogin = pgutil.TimeOrZero(lastLogin)
	return &u, nil
}

func (p *Provider) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	_, err := p.pool.Exec(ctx,
		"UPDATE user_profile SET last_login=$2 WHERE id=$1", id, at)
	if err != nil {
		return fmt.Errorf("postgres: update last login: %w", err)
	}
	return nil
}

// --- lifecycle -------------------------------------------------------------------

// Ping verifies connectivity to the database.
func (p *Provider) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

// Close shuts down the pool when the provider owns it.
func (p *Provider) Close() error {
	if p.ownsPool {
		p.pool.Close()
	}
	return nil
}
