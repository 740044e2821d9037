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

// Package admission implements the tenant-facing admission pipeline:
// application registration, job start/finish, and the quota/usage read
// endpoints. Every mutation follows the same order: validate, reserve
// against the quota engine, write the durable record, then post-steps
// (rollups, usage events). A reservation whose durable write fails is
// rolled back before the error surfaces.
package admission

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/quantechlabs/warden/internal/clock"
	"github.com/quantechlabs/warden/internal/events"
	"github.com/quantechlabs/warden/internal/licensing"
	"github.com/quantechlabs/warden/internal/quota"
	"github.com/quantechlabs/warden/pkg/logctx"
)

// apiKeyAttempts bounds the registration retry loop on api_key collisions.
const apiKeyAttempts = 3

const defaultAppVersion = "1.0.0"

// ServiceConfig carries the dependencies for NewService.
type ServiceConfig struct {
	Store     licensing.Store
	Engine    *quota.Engine
	Publisher events.Publisher
	Clock     clock.Clock
	Logger    logr.Logger
	Metrics   *Metrics
	// HourlyRollups additionally maintains per-hour metric buckets next to
	// the daily ones.
	HourlyRollups bool
	// QueueJobs writes a job_queue entry for every started job. Off by
	// default; the queue has no dispatcher and exists for external
	// consumers.
	QueueJobs bool
}

// Service is the admission pipeline. All methods are safe for concurrent
// use; same-tenant counter access is serialized by the engine's named locks.
type Service struct {
	store         licensing.Store
	engine        *quota.Engine
	publisher     events.Publisher
	clock         clock.Clock
	log           logr.Logger
	metrics       *Metrics
	hourlyRollups bool
	queueJobs     bool
}

// NewService creates a Service from the given configuration.
func NewService(cfg ServiceConfig) *Service {
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}
	return &Service{
		store:         cfg.Store,
		engine:        cfg.Engine,
		publisher:     cfg.Publisher,
		clock:         c,
		log:           cfg.Logger.WithName("admission"),
		metrics:       cfg.Metrics,
		hourlyRollups: cfg.HourlyRollups,
		queueJobs:     cfg.QueueJobs,
	}
}

// RegisterRequest is the payload for RegisterApplication.
type RegisterRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Version     string            `json:"version"`
	WebhookURL  string            `json:"webhook_url"`
	Config      map[string]string `json:"config"`
}

func (r *RegisterRequest) validate() error {
	verr := &licensing.ValidationError{}
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		verr.Add("name", "this field is required")
	} else if len(r.Name) > 255 {
		verr.Add("name", "must be at most 255 characters")
	}
	if r.Version == "" {
		r.Version = defaultAppVersion
	} else if len(r.Version) > 50 {
		verr.Add("version", "must be at most 50 characters")
	}
	if r.WebhookURL != "" && !validURL(r.WebhookURL) {
		verr.Add("webhook_url", "enter a valid URL")
	}
	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

func validURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// RegisterApplication admits a new application under the license. The app
// slot is reserved before the insert; a failed insert releases it again.
func (s *Service) RegisterApplication(ctx context.Context, lic *licensing.License, req RegisterRequest) (*licensing.Application, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	// Cheap duplicate pre-check. The unique index still backstops races
	// between the check and the insert.
	if _, err := s.store.GetApplicationByName(ctx, lic.ID, req.Name); err == nil {
		return nil, licensing.ErrDuplicateApplication
	} else if !errors.Is(err, licensing.ErrApplicationNotFound) {
		return nil, fmt.Errorf("check application name: %w", err)
	}

	res, err := s.engine.CheckAndIncrementAppCount(ctx, lic.TenantID, lic.MaxApps)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		s.observeAdmission(opRegisterApp, outcomeDenied)
		return nil, s.quotaDenied(ctx, lic, events.ResourceApps, res, lic.MaxApps)
	}

	now := s.clock.Now().UTC()
	app := &licensing.Application{
		ID:          uuid.New().String(),
		LicenseID:   lic.ID,
		Name:        req.Name,
		Description: req.Description,
		Version:     req.Version,
		WebhookURL:  req.WebhookURL,
		IsActive:    true,
		Config:      req.Config,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	ctx = logctx.WithApplicationID(ctx, app.ID)
	log := logctx.LoggerWithContext(s.log, ctx)
	if err := s.insertWithFreshKey(ctx, app); err != nil {
		if derr := s.engine.DecrementAppCount(ctx, lic.TenantID); derr != nil {
			log.Error(derr, "app count rollback failed")
		}
		s.observeAdmission(opRegisterApp, outcomeError)
		return nil, err
	}

	s.observeAdmission(opRegisterApp, outcomeAccepted)
	s.publish(lic, &events.Event{
		Kind:          events.KindAppRegistered,
		ApplicationID: app.ID,
		Payload:       map[string]string{"name": app.Name},
	})
	log.Info("application registered", "name", app.Name)
	return app, nil
}

// insertWithFreshKey mints an api_key and inserts the application, retrying
// on key collisions. Returns ErrDuplicateAPIKey once the attempts are spent.
func (s *Service) insertWithFreshKey(ctx context.Context, app *licensing.Application) error {
	log := logctx.LoggerWithContext(s.log, ctx)
	var err error
	for attempt := 1; attempt <= apiKeyAttempts; attempt++ {
		app.APIKey, err = newAPIKey()
		if err != nil {
			return err
		}
		err = s.store.CreateApplication(ctx, app)
		if !errors.Is(err, licensing.ErrDuplicateAPIKey) {
			return err
		}
		log.Info("api key collision, retrying", "attempt", attempt)
	}
	return err
}

// ListApplications returns the license's applications, optionally filtered
// by active state.
func (s *Service) ListApplications(ctx context.Context, lic *licensing.License, isActive *bool) ([]*licensing.Application, error) {
	apps, err := s.store.ListApplications(ctx, lic.ID)
	if err != nil {
		return nil, err
	}
	if isActive == nil {
		return apps, nil
	}
	filtered := make([]*licensing.Application, 0, len(apps))
	for _, app := range apps {
		if app.IsActive == *isActive {
			filtered = append(filtered, app)
		}
	}
	return filtered, nil
}

// GetApplication returns one of the license's applications. Foreign
// applications are indistinguishable from missing ones.
func (s *Service) GetApplication(ctx context.Context, lic *licensing.License, id string) (*licensing.Application, error) {
	return s.ownedApplication(ctx, lic, id)
}

func (s *Service) ownedApplication(ctx context.Context, lic *licensing.License, id string) (*licensing.Application, error) {
	app, err := s.store.GetApplication(ctx, id)
	if err != nil {
		return nil, err
	}
	if app.LicenseID != lic.ID {
		return nil, licensing.ErrApplicationNotFound
	}
	return app, nil
}

// UpdateAppRequest is the payload for UpdateApplication. Nil fields keep
// their current values. Active state is managed through the activate and
// deactivate operations so the cached app counter cannot drift.
type UpdateAppRequest struct {
	Name        *string           `json:"name"`
	Description *string           `json:"description"`
	Version     *string           `json:"version"`
	WebhookURL  *string           `json:"webhook_url"`
	Config      map[string]string `json:"config"`
}

// UpdateApplication applies the non-nil fields of req to the application.
func (s *Service) UpdateApplication(ctx context.Context, lic *licensing.License, id string, req UpdateAppRequest) (*licensing.Application, error) {
	app, err := s.ownedApplication(ctx, lic, id)
	if err != nil {
		return nil, err
	}

	verr := &licensing.ValidationError{}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		switch {
		case name == "":
			verr.Add("name", "this field is required")
		case len(name) > 255:
			verr.Add("name", "must be at most 255 characters")
		case name != app.Name:
			other, err := s.store.GetApplicationByName(ctx, lic.ID, name)
			if err == nil && other.ID != app.ID {
				verr.Add("name", "an application with this name already exists for this license")
			} else if err != nil && !errors.Is(err, licensing.ErrApplicationNotFound) {
				return nil, fmt.Errorf("check application name: %w", err)
			}
			app.Name = name
		}
	}
	if req.Version != nil {
		if len(*req.Version) > 50 {
			verr.Add("version", "must be at most 50 characters")
		} else {
			app.Version = *req.Version
		}
	}
	if req.WebhookURL != nil {
		if *req.WebhookURL != "" && !validURL(*req.WebhookURL) {
			verr.Add("webhook_url", "enter a valid URL")
		} else {
			app.WebhookURL = *req.WebhookURL
		}
	}
	if len(verr.Fields) > 0 {
		return nil, verr
	}
	if req.Description != nil {
		app.Description = *req.Description
	}
	if req.Config != nil {
		app.Config = req.Config
	}

	app.UpdatedAt = s.clock.Now().UTC()
	if err := s.store.UpdateApplication(ctx, app); err != nil {
		return nil, err
	}
	return app, nil
}

// ActivateApplication re-admits a deactivated application, re-checking the
// app cap. Activating an already active application is a no-op.
func (s *Service) ActivateApplication(ctx context.Context, lic *licensing.License, id string) (*licensing.Application, error) {
	app, err := s.ownedApplication(ctx, lic, id)
	if err != nil {
		return nil, err
	}
	if app.IsActive {
		return app, nil
	}
	ctx = logctx.WithApplicationID(ctx, app.ID)

	res, err := s.engine.CheckAndIncrementAppCount(ctx, lic.TenantID, lic.MaxApps)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, s.quotaDenied(ctx, lic, events.ResourceApps, res, lic.MaxApps)
	}

	app.IsActive = true
	app.UpdatedAt = s.clock.Now().UTC()
	if err := s.store.UpdateApplication(ctx, app); err != nil {
		if derr := s.engine.DecrementAppCount(ctx, lic.TenantID); derr != nil {
			logctx.LoggerWithContext(s.log, ctx).Error(derr, "app count rollback failed")
		}
		return nil, err
	}
	return app, nil
}

// DeactivateApplication releases the application's slot. Idempotent.
func (s *Service) DeactivateApplication(ctx context.Context, lic *licensing.License, id string) (*licensing.Application, error) {
	app, err := s.ownedApplication(ctx, lic, id)
	if err != nil {
		return nil, err
	}
	if err := s.deactivate(ctx, lic, app); err != nil {
		return nil, err
	}
	return app, nil
}

// DeleteApplication is a soft delete: the row is kept for history and
// metrics, only the active flag and the counter change.
func (s *Service) DeleteApplication(ctx context.Context, lic *licensing.License, id string) error {
	app, err := s.ownedApplication(ctx, lic, id)
	if err != nil {
		return err
	}
	return s.deactivate(ctx, lic, app)
}

func (s *Service) deactivate(ctx context.Context, lic *licensing.License, app *licensing.Application) error {
	if !app.IsActive {
		return nil
	}
	ctx = logctx.WithApplicationID(ctx, app.ID)
	app.IsActive = false
	app.UpdatedAt = s.clock.Now().UTC()
	if err := s.store.UpdateApplication(ctx, app); err != nil {
		return err
	}
	// The row is already inactive; a failed decrement only leaves the
	// cached counter high until the reconciler reseeds it.
	if err := s.engine.DecrementAppCount(ctx, lic.TenantID); err != nil {
		logctx.LoggerWithContext(s.log, ctx).Error(err, "app count decrement failed")
	}
	s.publish(lic, &events.Event{
		Kind:          events.KindAppDeactivated,
		ApplicationID: app.ID,
		Payload:       map[string]string{"name": app.Name},
	})
	return nil
}

// UsageStatus reports one counter against its cap for the status endpoint.
type UsageStatus struct {
	Current        int64   `json:"current"`
	Max            int64   `json:"max"`
	Remaining      int64   `json:"remaining"`
	PercentageUsed float64 `json:"percentage_used"`
}

// QuotaStatus is the live quota view for one tenant.
type QuotaStatus struct {
	TenantID     string      `json:"tenant_id"`
	Executions   UsageStatus `json:"executions"`
	Applications UsageStatus `json:"applications"`
	Timestamp    time.Time   `json:"timestamp"`
}

// QuotaStatus reads both counters live from the engine.
func (s *Service) QuotaStatus(ctx context.Context, lic *licensing.License) (*QuotaStatus, error) {
	st, err := s.engine.Status(ctx, lic.TenantID, lic.MaxApps, lic.MaxExecutionsPer24h)
	if err != nil {
		return nil, err
	}
	s.setUsageGauges(lic.TenantID, st)
	return &QuotaStatus{
		TenantID:     lic.TenantID,
		Executions:   usageStatus(st.Executions),
		Applications: usageStatus(st.Apps),
		Timestamp:    s.clock.Now().UTC(),
	}, nil
}

func usageStatus(u quota.Usage) UsageStatus {
	return UsageStatus{
		Current:        u.Current,
		Max:            u.Max,
		Remaining:      u.Remaining,
		PercentageUsed: percentUsed(u.Current, u.Max),
	}
}

// percentUsed returns current/max as a percentage with one decimal, 0 when
// the cap is unset.
func percentUsed(current, max int64) float64 {
	if max <= 0 {
		return 0
	}
	return round1(float64(current) / float64(max) * 100)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// MetricsOverview aggregates rollups across all of the license's
// applications.
type MetricsOverview struct {
	TotalJobs            int64   `json:"total_jobs"`
	SuccessfulJobs       int64   `json:"successful_jobs"`
	FailedJobs           int64   `json:"failed_jobs"`
	AvgExecutionTime     float64 `json:"avg_execution_time"`
	TotalApplications    int     `json:"total_applications"`
	ActiveApplications   int     `json:"active_applications"`
	InactiveApplications int     `json:"inactive_applications"`
	AvgSuccessRate       float64 `json:"avg_success_rate"`
}

// ApplicationMetrics returns one application's rollup rows, newest first,
// optionally bounded by a date range.
func (s *Service) ApplicationMetrics(ctx context.Context, lic *licensing.License, appID string, from, to time.Time) ([]*licensing.ApplicationMetrics, error) {
	if _, err := s.ownedApplication(ctx, lic, appID); err != nil {
		return nil, err
	}
	return s.store.ListMetrics(ctx, licensing.ListMetricsOptions{
		ApplicationID: appID,
		From:          from,
		To:            to,
	})
}

// MetricsOverview aggregates the license's daily rollups plus application
// counts.
func (s *Service) MetricsOverview(ctx context.Context, lic *licensing.License) (*MetricsOverview, error) {
	summary, err := s.store.SummarizeMetrics(ctx, lic.ID)
	if err != nil {
		return nil, err
	}
	apps, err := s.store.ListApplications(ctx, lic.ID)
	if err != nil {
		return nil, err
	}
	overview := &MetricsOverview{
		TotalJobs:         summary.TotalJobs,
		SuccessfulJobs:    summary.SuccessfulJobs,
		FailedJobs:        summary.FailedJobs,
		AvgExecutionTime:  summary.AvgExecutionTime,
		TotalApplications: len(apps),
	}
	for _, app := range apps {
		if app.IsActive {
			overview.ActiveApplications++
		}
	}
	overview.InactiveApplications = overview.TotalApplications - overview.ActiveApplications
	if summary.TotalJobs > 0 {
		overview.AvgSuccessRate = round1(float64(summary.SuccessfulJobs) / float64(summary.TotalJobs) * 100)
	}
	return overview, nil
}

// quotaDenied records a denial: counter, usage event, and the typed error
// the HTTP layer renders as the quota envelope.
func (s *Service) quotaDenied(ctx context.Context, lic *licensing.License, resource string, res quota.Result, max int) *QuotaError {
	if s.metrics != nil {
		s.metrics.QuotaDenials.WithLabelValues(resource).Inc()
	}
	s.publish(lic, &events.Event{
		Kind:     events.KindQuotaDenied,
		Resource: resource,
		Payload:  map[string]string{"message": res.Message},
	})
	log := logctx.LoggerWithContext(s.log, ctx)
	log.Info("quota denied", "resource", resource, "current", res.Current, "max", max)
	return &QuotaError{Resource: resource, Max: max, Current: res.Current, Message: res.Message}
}

func (s *Service) observeAdmission(op, outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.AdmissionsTotal.WithLabelValues(op, outcome).Inc()
}

func (s *Service) setUsageGauges(tenantID string, st quota.Status) {
	if s.metrics == nil {
		return
	}
	s.metrics.QuotaUsage.WithLabelValues(tenantID, events.ResourceExecutions).Set(percentUsed(st.Executions.Current, st.Executions.Max))
	s.metrics.QuotaUsage.WithLabelValues(tenantID, events.ResourceApps).Set(percentUsed(st.Apps.Current, st.Apps.Max))
}

// publish stamps the envelope fields and fires the event off the request
// path. Publish failures are logged, never surfaced.
func (s *Service) publish(lic *licensing.License, ev *events.Event) {
	ev.EventID = uuid.New().String()
	ev.Timestamp = s.clock.Now().UTC()
	ev.TenantID = lic.TenantID
	ev.LicenseID = lic.ID
	events.PublishAsync(s.publisher, s.log, ev)
}
