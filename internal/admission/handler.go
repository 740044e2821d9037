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
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-logr/logr"

	"github.com/quantechlabs/warden/internal/events"
	"github.com/quantechlabs/warden/internal/httputil"
	"github.com/quantechlabs/warden/internal/identity"
	"github.com/quantechlabs/warden/internal/licensing"
	"github.com/quantechlabs/warden/internal/quota"
	"github.com/quantechlabs/warden/pkg/logctx"
)

// maxBodyBytes caps request bodies on the tenant endpoints.
const maxBodyBytes = 1 << 20

// Quota envelope titles.
const (
	msgMaxAppsReached    = "maximum number of applications reached"
	msgExecutionQuotaHit = "execution quota exceeded"
)

// Handler provides the tenant-facing HTTP endpoints. Every route except
// /health/ requires a bearer credential: a license token or a user token,
// both resolved to the same principal shape.
type Handler struct {
	service  *Service
	resolver *identity.Resolver
	log      logr.Logger
}

// NewHandler creates the admission handler.
func NewHandler(service *Service, resolver *identity.Resolver, log logr.Logger) *Handler {
	return &Handler{
		service:  service,
		resolver: resolver,
		log:      log.WithName("admission-handler"),
	}
}

// RegisterRoutes registers the tenant routes on the given mux. The write
// endpoints under /apps and /jobs keep their historical slashless form; the
// management and read endpoints require the trailing slash.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /apps/register", h.bearer(h.handleRegisterApp))

	mux.HandleFunc("GET /applications/{$}", h.bearer(h.handleListApps))
	mux.HandleFunc("GET /applications/metrics/{$}", h.bearer(h.handleMetricsOverview))
	mux.HandleFunc("GET /applications/{id}/{$}", h.bearer(h.handleGetApp))
	mux.HandleFunc("PUT /applications/{id}/{$}", h.bearer(h.handleUpdateApp))
	mux.HandleFunc("DELETE /applications/{id}/{$}", h.bearer(h.handleDeleteApp))
	mux.HandleFunc("POST /applications/{id}/activate/{$}", h.bearer(h.handleActivateApp))
	mux.HandleFunc("DELETE /applications/{id}/activate/{$}", h.bearer(h.handleDeactivateApp))
	mux.HandleFunc("GET /applications/{id}/metrics/{$}", h.bearer(h.handleAppMetrics))

	mux.HandleFunc("POST /jobs/start", h.bearer(h.handleStartJob))
	mux.HandleFunc("POST /jobs/finish", h.bearer(h.handleFinishJob))
	mux.HandleFunc("GET /jobs/{$}", h.bearer(h.handleListJobs))
	mux.HandleFunc("GET /jobs/statistics/{$}", h.bearer(h.handleJobStatistics))
	mux.HandleFunc("GET /jobs/{id}/{$}", h.bearer(h.handleGetJob))

	mux.HandleFunc("GET /executions/window/{$}", h.bearer(h.handleExecutionWindow))
	mux.HandleFunc("GET /quota/status/{$}", h.bearer(h.handleQuotaStatus))

	mux.HandleFunc("GET /health/{$}", h.handleHealth)
}

// bearerHandler is a tenant endpoint invoked with the resolved license.
type bearerHandler func(w http.ResponseWriter, r *http.Request, lic *licensing.License)

// bearer wraps an endpoint with credential resolution. Both token kinds are
// accepted; user principals act on their derived license.
func (h *Handler) bearer(next bearerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, err := h.resolver.ResolveRequest(r)
		if err != nil {
			// Errors from resolve are authentication failures regardless of
			// which sentinel they carry.
			if identity.AuthFailure(err) {
				httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: err.Error()})
			} else {
				logctx.LoggerWithContext(h.log, r.Context()).Error(err, "authentication lookup failed")
				httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "internal server error"})
			}
			return
		}
		next(w, identity.WithRequestContext(r, principal), principal.License)
	}
}

func (h *Handler) handleRegisterApp(w http.ResponseWriter, r *http.Request, lic *licensing.License) {
	var req RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid JSON payload"})
		return
	}
	app, err := h.service.RegisterApplication(r.Context(), lic, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, app)
}

func (h *Handler) handleListApps(w http.ResponseWriter, r *http.Request, lic *licensing.License) {
	var isActive *bool
	switch r.URL.Query().Get("is_active") {
	case "true":
		v := true
		isActive = &v
	case "false":
		v := false
		isActive = &v
	}
	apps, err := h.service.ListApplications(r.Context(), lic, isActive)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, apps)
}

func (h *Handler) handleGetApp(w http.ResponseWriter, r *http.Request, lic *licensing.License) {
	app, err := h.service.GetApplication(r.Context(), lic, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, app)
}

func (h *Handler) handleUpdateApp(w http.ResponseWriter, r *http.Request, lic *licensing.License) {
	var req UpdateAppRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid JSON payload"})
		return
	}
	app, err := h.service.UpdateApplication(r.Context(), lic, r.PathValue("id"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, app)
}

func (h *Handler) handleDeleteApp(w http.ResponseWriter, r *http.Request, lic *licensing.License) {
	if err := h.service.DeleteApplication(r.Context(), lic, r.PathValue("id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleActivateApp(w http.ResponseWriter, r *http.Request, lic *licensing.License) {
	app, err := h.service.ActivateApplication(r.Context(), lic, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, app)
}

func (h *Handler) handleDeactivateApp(w http.ResponseWriter, r *http.Request, lic *licensing.License) {
	app, err := h.service.DeactivateApplication(r.Context(), lic, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, app)
}

func (h *Handler) handleAppMetrics(w http.ResponseWriter, r *http.Request, lic *licensing.License) {
	q := r.URL.Query()
	from, err := dateParam(q.Get("start_date"))
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{"start_date": "enter a valid date"})
		return
	}
	to, err := dateParam(q.Get("end_date"))
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{"end_date": "enter a valid date"})
		return
	}
	rows, err := h.service.ApplicationMetrics(r.Context(), lic, r.PathValue("id"), from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rows)
}

func (h *Handler) handleMetricsOverview(w http.ResponseWriter, r *http.Request, lic *licensing.License) {
	overview, err := h.service.MetricsOverview(r.Context(), lic)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, overview)
}

func (h *Handler) handleStartJob(w http.ResponseWriter, r *http.Request, lic *licensing.License) {
	var req StartJobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid JSON payload"})
		return
	}
	job, err := h.service.StartJob(r.Context(), lic, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, job)
}

func (h *Handler) handleFinishJob(w http.ResponseWriter, r *http.Request, lic *licensing.License) {
	var req FinishJobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid JSON payload"})
		return
	}
	job, err := h.service.FinishJob(r.Context(), lic, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, job)
}

func (h *Handler) handleListJobs(w http.ResponseWriter, r *http.Request, lic *licensing.License) {
	q := r.URL.Query()
	after, err := timeParam(q.Get("start_date"))
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{"start_date": "enter a valid datetime"})
		return
	}
	before, err := timeParam(q.Get("end_date"))
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{"end_date": "enter a valid datetime"})
		return
	}
	jobs, err := h.service.ListJobs(r.Context(), lic, licensing.ListJobsOptions{
		ApplicationID: q.Get("application_id"),
		Status:        licensing.JobStatus(q.Get("status")),
		StartedAfter:  after,
		StartedBefore: before,
		Limit:         intParam(q.Get("limit")),
		Offset:        intParam(q.Get("offset")),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, jobs)
}

func (h *Handler) handleGetJob(w http.ResponseWriter, r *http.Request, lic *licensing.License) {
	job, err := h.service.GetJob(r.Context(), lic, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, job)
}

func (h *Handler) handleJobStatistics(w http.ResponseWriter, r *http.Request, lic *licensing.License) {
	stats, err := h.service.JobStatistics(r.Context(), lic)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleExecutionWindow(w http.ResponseWriter, r *http.Request, lic *licensing.License) {
	win, err := h.service.ExecutionWindow(r.Context(), lic, intParam(r.URL.Query().Get("hours")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, win)
}

func (h *Handler) handleQuotaStatus(w http.ResponseWriter, r *http.Request, lic *licensing.License) {
	status, err := h.service.QuotaStatus(r.Context(), lic)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, status)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeError maps service errors onto HTTP responses.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *licensing.ValidationError
	var qerr *QuotaError
	var serr *JobStateError
	switch {
	case errors.As(err, &verr):
		httputil.WriteJSON(w, http.StatusBadRequest, verr.Fields)
	case errors.As(err, &qerr):
		h.writeQuotaError(w, qerr)
	case errors.As(err, &serr):
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: serr.Error()})
	case errors.Is(err, quota.ErrLockBusy):
		w.Header().Set(httputil.HeaderRetryAfter, "1")
		httputil.WriteJSON(w, http.StatusServiceUnavailable, httputil.ErrorResponse{Error: err.Error()})
	case errors.Is(err, licensing.ErrApplicationNotFound),
		errors.Is(err, licensing.ErrJobNotFound):
		httputil.WriteJSON(w, http.StatusNotFound, httputil.ErrorResponse{Error: err.Error()})
	case errors.Is(err, ErrAppNotOwned),
		errors.Is(err, ErrAppInactive),
		errors.Is(err, ErrJobNotOwned):
		httputil.WriteJSON(w, http.StatusForbidden, httputil.ErrorResponse{Error: err.Error()})
	case errors.Is(err, licensing.ErrDuplicateApplication),
		errors.Is(err, licensing.ErrDuplicateAPIKey),
		errors.Is(err, licensing.ErrJobNotRunning):
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
	case identity.AuthFailure(err):
		httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: err.Error()})
	default:
		logctx.LoggerWithContext(h.log, r.Context()).Error(err, "admission request failed")
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "internal server error"})
	}
}

// writeQuotaError renders the quota envelope: 403 for the application cap,
// 429 for the execution cap.
func (h *Handler) writeQuotaError(w http.ResponseWriter, qerr *QuotaError) {
	if qerr.Resource == events.ResourceApps {
		httputil.WriteJSON(w, http.StatusForbidden, map[string]any{
			"error":         msgMaxAppsReached,
			"max_apps":      qerr.Max,
			"current_count": qerr.Current,
			"message":       qerr.Message,
		})
		return
	}
	httputil.WriteJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":                  msgExecutionQuotaHit,
		"max_executions_per_24h": qerr.Max,
		"current_count":          qerr.Current,
		"message":                qerr.Message,
	})
}

func intParam(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// timeParam parses an RFC 3339 timestamp, accepting a bare date as the
// start of that day. Empty input returns the zero time.
func timeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}

// dateParam parses a bare date. Empty input returns the zero time.
func dateParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.DateOnly, s)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(dst)
}
