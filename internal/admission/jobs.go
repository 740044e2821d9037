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

package admission

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quantechlabs/warden/internal/events"
	"github.com/quantechlabs/warden/internal/licensing"
	"github.com/quantechlabs/warden/internal/quota"
	"github.com/quantechlabs/warden/pkg/logctx"
)

// ListJobs pagination bounds.
const (
	defaultJobsLimit = 100
	maxJobsLimit     = 1000
)

const queueMaxAttempts = 3

// StartJobRequest is the payload for StartJob.
type StartJobRequest struct {
	ApplicationID string            `json:"application_id"`
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	Metadata      map[string]string `json:"metadata"`
}

func (r *StartJobRequest) validate() error {
	verr := &licensing.ValidationError{}
	if strings.TrimSpace(r.ApplicationID) == "" {
		verr.Add("application_id", "this field is required")
	}
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		verr.Add("name", "this field is required")
	} else if len(r.Name) > 255 {
		verr.Add("name", "must be at most 255 characters")
	}
	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

// StartJob admits one job execution. The job id is minted before the
// reservation so the window entry and the durable rows share it; if the
// durable write fails the window entry is removed again.
func (s *Service) StartJob(ctx context.Context, lic *licensing.License, req StartJobRequest) (*licensing.Job, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	app, err := s.store.GetApplication(ctx, req.ApplicationID)
	if err != nil {
		return nil, err
	}
	if app.LicenseID != lic.ID {
		return nil, ErrAppNotOwned
	}
	if !app.IsActive {
		return nil, ErrAppInactive
	}
	ctx = logctx.WithApplicationID(ctx, app.ID)

	jobID := uuid.New().String()
	res, err := s.engine.CheckAndRecordExecution(ctx, lic.TenantID, jobID, lic.MaxExecutionsPer24h)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		s.observeAdmission(opStartJob, outcomeDenied)
		return nil, s.quotaDenied(ctx, lic, events.ResourceExecutions, res, lic.MaxExecutionsPer24h)
	}

	// The window entry exists from here on, so the job id joins the context
	// before anything that may have to report a rollback.
	ctx = logctx.WithJobID(ctx, jobID)
	log := logctx.LoggerWithContext(s.log, ctx)

	now := s.clock.Now().UTC()
	job := &licensing.Job{
		ID:            jobID,
		ApplicationID: app.ID,
		LicenseID:     lic.ID,
		Name:          req.Name,
		Description:   req.Description,
		Status:        licensing.JobRunning,
		StartedAt:     now,
		Metadata:      req.Metadata,
		CreatedAt:     now,
	}
	exec := &licensing.JobExecution{
		ID:         uuid.New().String(),
		LicenseID:  lic.ID,
		JobID:      jobID,
		TenantID:   lic.TenantID,
		ExecutedAt: now,
	}
	if err := s.store.CreateJobWithExecution(ctx, job, exec); err != nil {
		if rerr := s.engine.RemoveExecution(ctx, lic.TenantID, jobID); rerr != nil {
			log.Error(rerr, "execution rollback failed")
		}
		s.observeAdmission(opStartJob, outcomeError)
		return nil, err
	}

	if err := s.store.TouchApplication(ctx, app.ID, now); err != nil {
		log.Error(err, "last_activity update failed")
	}
	if s.queueJobs {
		s.enqueue(ctx, jobID, now)
	}

	s.observeAdmission(opStartJob, outcomeAccepted)
	s.publish(lic, &events.Event{
		Kind:          events.KindJobStarted,
		ApplicationID: app.ID,
		JobID:         jobID,
		Payload:       map[string]string{"name": job.Name},
	})
	log.Info("job started", "current", res.Current, "max", lic.MaxExecutionsPer24h)
	return job, nil
}

func (s *Service) enqueue(ctx context.Context, jobID string, now time.Time) {
	entry := &licensing.JobQueueEntry{
		ID:          uuid.New().String(),
		JobID:       jobID,
		ScheduledAt: now,
		MaxAttempts: queueMaxAttempts,
		CreatedAt:   now,
	}
	if err := s.store.EnqueueJob(ctx, entry); err != nil {
		logctx.LoggerWithContext(s.log, ctx).Error(err, "job enqueue failed")
	}
}

// FinishJobRequest is the payload for FinishJob.
type FinishJobRequest struct {
	JobID        string            `json:"job_id"`
	Status       string            `json:"status"`
	Result       map[string]string `json:"result"`
	ErrorMessage string            `json:"error_message"`
	CPUUsage     *float64          `json:"cpu_usage"`
	MemoryUsage  *float64          `json:"memory_usage"`
}

func (r *FinishJobRequest) validate() (licensing.JobStatus, error) {
	verr := &licensing.ValidationError{}
	if strings.TrimSpace(r.JobID) == "" {
		verr.Add("job_id", "this field is required")
	}
	status := licensing.JobCompleted
	if r.Status != "" {
		status = licensing.JobStatus(r.Status)
		if status != licensing.JobCompleted && status != licensing.JobFailed {
			verr.Add("status", "must be one of COMPLETED, FAILED")
		}
	}
	if r.CPUUsage != nil && (*r.CPUUsage < 0 || *r.CPUUsage > 100) {
		verr.Add("cpu_usage", "must be between 0 and 100")
	}
	if r.MemoryUsage != nil && *r.MemoryUsage < 0 {
		verr.Add("memory_usage", "must be at least 0")
	}
	if len(verr.Fields) > 0 {
		return "", verr
	}
	return status, nil
}

// FinishJob moves a running job to its terminal state, records the rollup
// and emits the usage event. Finishing a job twice reports the state the
// first finish left behind.
func (s *Service) FinishJob(ctx context.Context, lic *licensing.License, req FinishJobRequest) (*licensing.Job, error) {
	status, err := req.validate()
	if err != nil {
		return nil, err
	}

	job, err := s.store.GetJob(ctx, req.JobID)
	if err != nil {
		return nil, err
	}
	if job.LicenseID != lic.ID {
		return nil, ErrJobNotOwned
	}
	if job.Status != licensing.JobRunning {
		return nil, &JobStateError{Status: job.Status}
	}
	ctx = logctx.WithApplicationID(ctx, job.ApplicationID)
	ctx = logctx.WithJobID(ctx, job.ID)
	log := logctx.LoggerWithContext(s.log, ctx)

	now := s.clock.Now().UTC()
	finished, err := s.store.FinishJob(ctx, req.JobID, licensing.FinishJobUpdate{
		Status:         status,
		FinishedAt:     now,
		ExecutionTimeS: now.Sub(job.StartedAt).Seconds(),
		ErrorMessage:   req.ErrorMessage,
		Result:         req.Result,
		CPUUsage:       req.CPUUsage,
		MemoryUsage:    req.MemoryUsage,
	})
	if err != nil {
		// Lost a finish race: report the state the winner set.
		if errors.Is(err, licensing.ErrJobNotRunning) {
			if fresh, gerr := s.store.GetJob(ctx, req.JobID); gerr == nil {
				return nil, &JobStateError{Status: fresh.Status}
			}
		}
		return nil, err
	}

	s.recordRollups(ctx, finished)
	s.observeAdmission(opFinishJob, outcomeAccepted)
	s.publish(lic, &events.Event{
		Kind:          events.KindJobFinished,
		ApplicationID: finished.ApplicationID,
		JobID:         finished.ID,
		Payload: map[string]string{
			"status":           string(finished.Status),
			"execution_time_s": strconv.FormatFloat(finished.ExecutionTimeS, 'f', -1, 64),
		},
	})
	log.Info("job finished", "status", finished.Status, "execution_time_s", finished.ExecutionTimeS)
	return finished, nil
}

// recordRollups folds the finished job into the daily bucket, plus the
// hourly one when enabled. Rollup failures are logged; the job is already
// terminal and the rollup is derivable data.
func (s *Service) recordRollups(ctx context.Context, job *licensing.Job) {
	log := logctx.LoggerWithContext(s.log, ctx)
	day := job.FinishedAt.Truncate(24 * time.Hour)
	deltas := []licensing.MetricsDelta{{
		ApplicationID:    job.ApplicationID,
		Date:             day,
		Hour:             licensing.HourlyRollupDisabled,
		Succeeded:        job.Status == licensing.JobCompleted,
		ExecutionTime:    job.ExecutionTimeS,
		HasExecutionTime: true,
	}}
	if s.hourlyRollups {
		hourly := deltas[0]
		hourly.Hour = int16(job.FinishedAt.Hour())
		deltas = append(deltas, hourly)
	}
	for _, d := range deltas {
		if err := s.store.ApplyMetricsDelta(ctx, d); err != nil {
			log.Error(err, "metrics rollup failed", "hour", d.Hour)
		}
	}
}

// GetJob returns one of the license's jobs; foreign jobs read as missing.
func (s *Service) GetJob(ctx context.Context, lic *licensing.License, id string) (*licensing.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.LicenseID != lic.ID {
		return nil, licensing.ErrJobNotFound
	}
	return job, nil
}

// ListJobs returns the license's jobs, newest first. The license filter is
// forced; limit defaults to 100 and is capped at 1000.
func (s *Service) ListJobs(ctx context.Context, lic *licensing.License, opts licensing.ListJobsOptions) ([]*licensing.Job, error) {
	opts.LicenseID = lic.ID
	if opts.Limit <= 0 {
		opts.Limit = defaultJobsLimit
	}
	if opts.Limit > maxJobsLimit {
		opts.Limit = maxJobsLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	return s.store.ListJobs(ctx, opts)
}

// JobStatistics summarizes the license's jobs.
type JobStatistics struct {
	TotalJobs        int64   `json:"total_jobs"`
	RunningJobs      int64   `json:"running_jobs"`
	CompletedJobs    int64   `json:"completed_jobs"`
	FailedJobs       int64   `json:"failed_jobs"`
	CancelledJobs    int64   `json:"cancelled_jobs"`
	AvgExecutionTime float64 `json:"avg_execution_time"`
	// SuccessRate is completed over completed+failed as a percentage with
	// one decimal; 0 when no job has finished.
	SuccessRate  float64 `json:"success_rate"`
	JobsLastHour int64   `json:"jobs_last_hour"`
	JobsLast24h  int64   `json:"jobs_last_24h"`
	JobsLast7d   int64   `json:"jobs_last_7d"`
}

// JobStatistics aggregates job counts, the mean execution time and recent
// admission volume.
func (s *Service) JobStatistics(ctx context.Context, lic *licensing.License) (*JobStatistics, error) {
	counts, err := s.store.CountJobsByStatus(ctx, lic.ID)
	if err != nil {
		return nil, err
	}
	avg, err := s.store.AvgExecutionTime(ctx, lic.ID)
	if err != nil {
		return nil, err
	}

	stats := &JobStatistics{
		RunningJobs:      counts[licensing.JobRunning],
		CompletedJobs:    counts[licensing.JobCompleted],
		FailedJobs:       counts[licensing.JobFailed],
		CancelledJobs:    counts[licensing.JobCancelled],
		AvgExecutionTime: avg,
	}
	for _, n := range counts {
		stats.TotalJobs += n
	}
	if finished := stats.CompletedJobs + stats.FailedJobs; finished > 0 {
		stats.SuccessRate = round1(float64(stats.CompletedJobs) / float64(finished) * 100)
	}

	now := s.clock.Now().UTC()
	windows := []struct {
		span time.Duration
		dst  *int64
	}{
		{time.Hour, &stats.JobsLastHour},
		{24 * time.Hour, &stats.JobsLast24h},
		{7 * 24 * time.Hour, &stats.JobsLast7d},
	}
	for _, w := range windows {
		n, err := s.store.CountExecutionsSince(ctx, lic.TenantID, now.Add(-w.span))
		if err != nil {
			return nil, err
		}
		*w.dst = n
	}
	return stats, nil
}

// ExecutionWindow is the sliding-window history view.
type ExecutionWindow struct {
	TenantID    string              `json:"tenant_id"`
	WindowHours int                 `json:"window_hours"`
	Executions  []quota.WindowEntry `json:"executions"`
	TotalCount  int                 `json:"total_count"`
	// OldestExecution and NewestExecution are nil when the window is empty.
	OldestExecution *time.Time `json:"oldest_execution"`
	NewestExecution *time.Time `json:"newest_execution"`
}

// ExecutionWindow returns the live window entries recorded within the last
// hours hours, oldest first. Values outside 1..24 fall back to the full
// 24 h window.
func (s *Service) ExecutionWindow(ctx context.Context, lic *licensing.License, hours int) (*ExecutionWindow, error) {
	if hours <= 0 || hours > 24 {
		hours = 24
	}
	entries, err := s.engine.ExecutionWindow(ctx, lic.TenantID)
	if err != nil {
		return nil, err
	}

	cutoff := s.clock.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	filtered := make([]quota.WindowEntry, 0, len(entries))
	for _, e := range entries {
		if !e.RecordedAt.Before(cutoff) {
			filtered = append(filtered, e)
		}
	}

	win := &ExecutionWindow{
		TenantID:    lic.TenantID,
		WindowHours: hours,
		Executions:  filtered,
		TotalCount:  len(filtered),
	}
	if len(filtered) > 0 {
		oldest := filtered[0].RecordedAt
		newest := filtered[len(filtered)-1].RecordedAt
		win.OldestExecution = &oldest
		win.NewestExecution = &newest
	}
	return win, nil
}
