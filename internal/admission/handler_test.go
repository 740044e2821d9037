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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/quantechlabs/warden/internal/httputil"
	"github.com/quantechlabs/warden/internal/identity"
	"github.com/quantechlabs/warden/internal/licensing"
	"github.com/quantechlabs/warden/internal/quota"
	"github.com/quantechlabs/warden/pkg/token"
)

var testSecret = []byte("admission-handler-test-secret")

type apiServer struct {
	*serviceFixture
	codec   *token.Codec
	handler *Handler
	// mux is the routed handler wrapped with the request-ID middleware, as
	// the binary wires it.
	mux http.Handler
	// licenseToken authenticates as the fixture's "acme" license.
	licenseToken string
}

func newAPIServer(t *testing.T) *apiServer {
	t.Helper()
	f := newServiceFixture(t)
	codec, err := token.New(testSecret, token.WithTimeFunc(f.clock.Now))
	require.NoError(t, err)
	resolver := identity.NewResolver(identity.ResolverConfig{
		Store:  f.store,
		Engine: f.engine,
		Codec:  codec,
		Clock:  f.clock,
		Logger: logr.Discard(),
	})
	handler := NewHandler(f.svc, resolver, logr.Discard())
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	s := &apiServer{serviceFixture: f, codec: codec, handler: handler, mux: httputil.RequestIDMiddleware(mux)}
	s.licenseToken = s.mintLicenseToken(t, f.lic)
	return s
}

// rebuildRoutes wires a fresh handler over the fixture's current service and
// store, mirroring newAPIServer's middleware stack.
func (s *apiServer) rebuildRoutes(log logr.Logger) {
	handler := NewHandler(s.svc, identity.NewResolver(identity.ResolverConfig{
		Store:  s.svc.store,
		Engine: s.engine,
		Codec:  s.codec,
		Clock:  s.clock,
		Logger: logr.Discard(),
	}), log)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	s.handler = handler
	s.mux = httputil.RequestIDMiddleware(mux)
}

func (s *apiServer) mintLicenseToken(t *testing.T, lic *licensing.License) string {
	t.Helper()
	signed, err := s.codec.SignLicense(token.LicenseClaims{
		TenantID:            lic.TenantID,
		TenantName:          lic.TenantName,
		LicenseID:           lic.ID,
		MaxApps:             lic.MaxApps,
		MaxExecutionsPer24h: lic.MaxExecutionsPer24h,
		ValidFrom:           lic.ValidFrom.Unix(),
		ValidTo:             lic.ValidTo.Unix(),
		Status:              string(lic.Status),
	}, time.Hour)
	require.NoError(t, err)
	return signed
}

func (s *apiServer) mintUserToken(t *testing.T, username string) string {
	t.Helper()
	user := &licensing.User{
		ID:         uuid.New().String(),
		Username:   username,
		Email:      username + "@example.com",
		IsActive:   true,
		DateJoined: s.clock.Now(),
	}
	require.NoError(t, s.store.CreateUser(context.Background(), user))
	signed, err := s.codec.SignUser(token.UserClaims{
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
	}, time.Hour)
	require.NoError(t, err)
	return signed
}

func (s *apiServer) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), "body: %s", rec.Body.String())
	return body
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	msg, _ := decodeMap(t, rec)["error"].(string)
	return msg
}

// registerApp provisions an application over HTTP and returns its id.
func (s *apiServer) registerApp(t *testing.T, name string) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/apps/register", s.licenseToken, RegisterRequest{Name: name})
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	id, _ := decodeMap(t, rec)["id"].(string)
	require.NotEmpty(t, id)
	return id
}

// startJobHTTP admits a job over HTTP and returns its id.
func (s *apiServer) startJobHTTP(t *testing.T, appID, name string) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/jobs/start", s.licenseToken, StartJobRequest{ApplicationID: appID, Name: name})
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	id, _ := decodeMap(t, rec)["id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestHandlerAuth(t *testing.T) {
	s := newAPIServer(t)

	cases := []struct {
		name    string
		bearer  string
		wantMsg string
	}{
		{"no credential", "", "authentication credentials were not provided"},
		{"garbage token", "not-a-jwt", "invalid token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(t, http.MethodGet, "/applications/", tc.bearer, nil)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, tc.wantMsg, errorBody(t, rec))
		})
	}
}

func TestHandlerSuspendedLicense(t *testing.T) {
	s := newAPIServer(t)

	s.lic.Status = licensing.StatusSuspended
	require.NoError(t, s.store.UpdateLicense(context.Background(), s.lic))

	rec := s.do(t, http.MethodGet, "/applications/", s.licenseToken, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "license is suspended", errorBody(t, rec))
}

// Revocation cuts off admission immediately, even for tokens that are still
// cryptographically valid.
func TestHandlerRevokedLicense(t *testing.T) {
	s := newAPIServer(t)
	appID := s.registerApp(t, "runner")

	s.lic.Status = licensing.StatusRevoked
	require.NoError(t, s.store.UpdateLicense(context.Background(), s.lic))

	rec := s.do(t, http.MethodPost, "/jobs/start", s.licenseToken, StartJobRequest{ApplicationID: appID, Name: "blocked"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "license is revoked", errorBody(t, rec))
}

func TestHandlerRegisterApp(t *testing.T) {
	s := newAPIServer(t)

	rec := s.do(t, http.MethodPost, "/apps/register", s.licenseToken, RegisterRequest{
		Name:        "ingest",
		Description: "nightly ingest worker",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decodeMap(t, rec)
	assert.NotEmpty(t, body["id"])
	assert.Equal(t, "ingest", body["name"])
	assert.Equal(t, "1.0.0", body["version"])
	assert.Equal(t, true, body["is_active"])
	key, _ := body["api_key"].(string)
	require.Len(t, key, 36)
	assert.Equal(t, "app_", key[:4])
}

func TestHandlerRegisterAppBadJSON(t *testing.T) {
	s := newAPIServer(t)

	req := httptest.NewRequest(http.MethodPost, "/apps/register", bytes.NewBufferString("{broken"))
	req.Header.Set("Authorization", "Bearer "+s.licenseToken)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid JSON payload", errorBody(t, rec))
}

func TestHandlerRegisterAppValidation(t *testing.T) {
	s := newAPIServer(t)

	rec := s.do(t, http.MethodPost, "/apps/register", s.licenseToken, RegisterRequest{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "this field is required", decodeMap(t, rec)["name"])
}

func TestHandlerRegisterAppDuplicate(t *testing.T) {
	s := newAPIServer(t)
	s.registerApp(t, "ingest")

	rec := s.do(t, http.MethodPost, "/apps/register", s.licenseToken, RegisterRequest{Name: "ingest"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application name already registered", errorBody(t, rec))
}

// The application cap rejection carries the quota envelope.
func TestHandlerRegisterAppQuotaEnvelope(t *testing.T) {
	s := newAPIServer(t)
	for i := 0; i < 3; i++ {
		s.registerApp(t, fmt.Sprintf("app-%d", i))
	}

	rec := s.do(t, http.MethodPost, "/apps/register", s.licenseToken, RegisterRequest{Name: "one-too-many"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	body := decodeMap(t, rec)
	assert.Equal(t, "maximum number of applications reached", body["error"])
	assert.Equal(t, float64(3), body["max_apps"])
	assert.Equal(t, float64(3), body["current_count"])
	assert.Equal(t, "max apps reached 3/3", body["message"])
}

func TestHandlerApplicationCRUD(t *testing.T) {
	s := newAPIServer(t)
	id := s.registerApp(t, "crud-app")

	rec := s.do(t, http.MethodGet, "/applications/"+id+"/", s.licenseToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "crud-app", decodeMap(t, rec)["name"])

	rec = s.do(t, http.MethodPut, "/applications/"+id+"/", s.licenseToken, map[string]any{
		"description": "updated description",
		"version":     "3.0.0",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, "updated description", body["description"])
	assert.Equal(t, "3.0.0", body["version"])

	rec = s.do(t, http.MethodGet, "/applications/", s.licenseToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)

	rec = s.do(t, http.MethodDelete, "/applications/"+id+"/", s.licenseToken, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())

	// The soft-deleted app is still readable and filterable.
	rec = s.do(t, http.MethodGet, "/applications/?is_active=false", s.licenseToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, false, list[0]["is_active"])
}

func TestHandlerApplicationActivateCycle(t *testing.T) {
	s := newAPIServer(t)
	id := s.registerApp(t, "toggler")

	rec := s.do(t, http.MethodDelete, "/applications/"+id+"/activate/", s.licenseToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeMap(t, rec)["is_active"])

	rec = s.do(t, http.MethodPost, "/applications/"+id+"/activate/", s.licenseToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeMap(t, rec)["is_active"])
}

func TestHandlerApplicationOwnership(t *testing.T) {
	s := newAPIServer(t)
	id := s.registerApp(t, "private")

	rival := s.addLicense(t, "rival", 3, 5)
	rivalToken := s.mintLicenseToken(t, rival)

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		rec := s.do(t, method, "/applications/"+id+"/", rivalToken, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, "%s leaks a foreign application", method)
		assert.Equal(t, "application not found", errorBody(t, rec))
	}
}

func TestHandlerJobLifecycle(t *testing.T) {
	s := newAPIServer(t)
	appID := s.registerApp(t, "runner")

	jobID := s.startJobHTTP(t, appID, "nightly-sync")

	rec := s.do(t, http.MethodGet, "/jobs/"+jobID+"/", s.licenseToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "RUNNING", decodeMap(t, rec)["status"])

	s.clock.Advance(90 * time.Second)
	rec = s.do(t, http.MethodPost, "/jobs/finish", s.licenseToken, FinishJobRequest{
		JobID:  jobID,
		Result: map[string]string{"rows": "1042"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, "COMPLETED", body["status"])
	assert.Equal(t, 90.0, body["execution_time_s"])

	// A second finish reports the terminal state.
	rec = s.do(t, http.MethodPost, "/jobs/finish", s.licenseToken, FinishJobRequest{JobID: jobID})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "job is not running. current status: COMPLETED", errorBody(t, rec))
}

func TestHandlerStartJobChecks(t *testing.T) {
	s := newAPIServer(t)
	appID := s.registerApp(t, "runner")

	rec := s.do(t, http.MethodPost, "/jobs/start", s.licenseToken, StartJobRequest{ApplicationID: "missing", Name: "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rival := s.addLicense(t, "rival", 3, 5)
	rivalToken := s.mintLicenseToken(t, rival)
	rec = s.do(t, http.MethodPost, "/jobs/start", rivalToken, StartJobRequest{ApplicationID: appID, Name: "x"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "application does not belong to this license", errorBody(t, rec))

	rec = s.do(t, http.MethodDelete, "/applications/"+appID+"/activate/", s.licenseToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodPost, "/jobs/start", s.licenseToken, StartJobRequest{ApplicationID: appID, Name: "x"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "application is not active", errorBody(t, rec))
}

// The execution cap rejection carries the quota envelope with 429.
func TestHandlerExecutionQuotaEnvelope(t *testing.T) {
	s := newAPIServer(t)
	appID := s.registerApp(t, "runner")
	for i := 0; i < 5; i++ {
		s.startJobHTTP(t, appID, fmt.Sprintf("job-%d", i))
	}

	rec := s.do(t, http.MethodPost, "/jobs/start", s.licenseToken, StartJobRequest{ApplicationID: appID, Name: "overflow"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	body := decodeMap(t, rec)
	assert.Equal(t, "execution quota exceeded", body["error"])
	assert.Equal(t, float64(5), body["max_executions_per_24h"])
	assert.Equal(t, float64(5), body["current_count"])
	assert.Equal(t, "quota exceeded: 5/5", body["message"])

	// The same request is admitted once the window slides past the first
	// execution. The old bearer token has expired by then, so mint a new one.
	s.clock.Advance(25 * time.Hour)
	s.licenseToken = s.mintLicenseToken(t, s.lic)
	rec = s.do(t, http.MethodPost, "/jobs/start", s.licenseToken, StartJobRequest{ApplicationID: appID, Name: "overflow"})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

// An induced store failure must not leak a reserved execution slot.
func TestHandlerStartJobStoreFailure(t *testing.T) {
	s := newAPIServer(t)
	appID := s.registerApp(t, "runner")

	flaky := &flakyStore{Store: s.store, jobErr: errInduced}
	s.reconfigure(flaky, nil)
	s.rebuildRoutes(logr.Discard())

	rec := s.do(t, http.MethodPost, "/jobs/start", s.licenseToken, StartJobRequest{ApplicationID: appID, Name: "doomed"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal server error", errorBody(t, rec))

	rec = s.do(t, http.MethodGet, "/quota/status/", s.licenseToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	executions := decodeMap(t, rec)["executions"].(map[string]any)
	assert.Equal(t, float64(0), executions["current"], "failed admission left no reservation behind")
}

// A request admitted end to end logs with the identifiers stamped along the
// way: the middleware's request id, the resolved tenant and license, and the
// ids minted during the operation.
func TestHandlerStartJobLogsRequestContext(t *testing.T) {
	s := newAPIServer(t)
	appID := s.registerApp(t, "runner")

	core, logs := observer.New(zap.InfoLevel)
	s.reconfigure(s.store, func(cfg *ServiceConfig) {
		cfg.Logger = zapr.NewLogger(zap.New(core))
	})
	s.rebuildRoutes(logr.Discard())

	rec := s.do(t, http.MethodPost, "/jobs/start", s.licenseToken, StartJobRequest{ApplicationID: appID, Name: "traced"})
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	jobID, _ := decodeMap(t, rec)["id"].(string)
	require.NotEmpty(t, jobID)

	entries := logs.FilterMessage("job started").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, s.lic.TenantID, fields["tenant_id"])
	assert.Equal(t, s.lic.ID, fields["license_id"])
	assert.Equal(t, appID, fields["application_id"])
	assert.Equal(t, jobID, fields["job_id"])
	assert.NotEmpty(t, fields["request_id"])
	assert.Equal(t, rec.Header().Get(httputil.HeaderRequestID), fields["request_id"],
		"logged request id matches the one echoed to the client")
}

func TestHandlerListJobs(t *testing.T) {
	s := newAPIServer(t)
	s.lic = s.addLicense(t, "lister", 3, 100)
	s.licenseToken = s.mintLicenseToken(t, s.lic)
	appID := s.registerApp(t, "runner")

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, s.startJobHTTP(t, appID, fmt.Sprintf("job-%d", i)))
		s.clock.Advance(time.Minute)
	}
	rec := s.do(t, http.MethodPost, "/jobs/finish", s.licenseToken, FinishJobRequest{JobID: ids[0]})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/jobs/", s.licenseToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	require.Len(t, jobs, 3)
	assert.Equal(t, ids[2], jobs[0]["id"], "newest first")

	rec = s.do(t, http.MethodGet, "/jobs/?status=RUNNING", s.licenseToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	jobs = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	assert.Len(t, jobs, 2)

	rec = s.do(t, http.MethodGet, "/jobs/?limit=1&offset=1", s.licenseToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	jobs = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, ids[1], jobs[0]["id"])

	rec = s.do(t, http.MethodGet, "/jobs/?start_date=bogus", s.licenseToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerJobStatistics(t *testing.T) {
	s := newAPIServer(t)
	appID := s.registerApp(t, "runner")

	jobID := s.startJobHTTP(t, appID, "first")
	s.clock.Advance(10 * time.Second)
	rec := s.do(t, http.MethodPost, "/jobs/finish", s.licenseToken, FinishJobRequest{JobID: jobID})
	require.Equal(t, http.StatusOK, rec.Code)
	s.startJobHTTP(t, appID, "second")

	rec = s.do(t, http.MethodGet, "/jobs/statistics/", s.licenseToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	stats := decodeMap(t, rec)
	assert.Equal(t, float64(2), stats["total_jobs"])
	assert.Equal(t, float64(1), stats["running_jobs"])
	assert.Equal(t, float64(1), stats["completed_jobs"])
	assert.Equal(t, float64(100), stats["success_rate"])
	assert.Equal(t, float64(10), stats["avg_execution_time"])
	assert.Equal(t, float64(2), stats["jobs_last_hour"])
}

func TestHandlerExecutionWindow(t *testing.T) {
	s := newAPIServer(t)
	appID := s.registerApp(t, "runner")
	jobID := s.startJobHTTP(t, appID, "tracked")

	rec := s.do(t, http.MethodGet, "/executions/window/", s.licenseToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeMap(t, rec)
	assert.Equal(t, "acme", body["tenant_id"])
	assert.Equal(t, float64(24), body["window_hours"])
	assert.Equal(t, float64(1), body["total_count"])
	entries := body["executions"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, jobID, entries[0].(map[string]any)["job_id"])
	assert.NotNil(t, body["oldest_execution"])

	rec = s.do(t, http.MethodGet, "/executions/window/?hours=2", s.licenseToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decodeMap(t, rec)["window_hours"])
}

func TestHandlerQuotaStatus(t *testing.T) {
	s := newAPIServer(t)
	appID := s.registerApp(t, "runner")
	s.startJobHTTP(t, appID, "one")

	rec := s.do(t, http.MethodGet, "/quota/status/", s.licenseToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeMap(t, rec)
	assert.Equal(t, "acme", body["tenant_id"])
	assert.NotEmpty(t, body["timestamp"])

	apps := body["applications"].(map[string]any)
	assert.Equal(t, float64(1), apps["current"])
	assert.Equal(t, float64(3), apps["max"])
	assert.Equal(t, float64(2), apps["remaining"])
	assert.Equal(t, 33.3, apps["percentage_used"])

	executions := body["executions"].(map[string]any)
	assert.Equal(t, float64(1), executions["current"])
	assert.Equal(t, float64(5), executions["max"])
	assert.Equal(t, float64(20), executions["percentage_used"])
}

func TestHandlerApplicationMetrics(t *testing.T) {
	s := newAPIServer(t)
	appID := s.registerApp(t, "runner")
	jobID := s.startJobHTTP(t, appID, "measured")
	s.clock.Advance(10 * time.Second)
	rec := s.do(t, http.MethodPost, "/jobs/finish", s.licenseToken, FinishJobRequest{JobID: jobID})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/applications/"+appID+"/metrics/", s.licenseToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, float64(1), rows[0]["total_jobs"])
	assert.Equal(t, float64(1), rows[0]["successful_jobs"])

	rec = s.do(t, http.MethodGet, "/applications/"+appID+"/metrics/?start_date=2025-06-02", s.licenseToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rows = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	assert.Empty(t, rows, "finish on June 1 is outside the range")

	rec = s.do(t, http.MethodGet, "/applications/"+appID+"/metrics/?start_date=junk", s.licenseToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "enter a valid date", decodeMap(t, rec)["start_date"])
}

func TestHandlerMetricsOverview(t *testing.T) {
	s := newAPIServer(t)
	appID := s.registerApp(t, "runner")
	jobID := s.startJobHTTP(t, appID, "measured")
	s.clock.Advance(10 * time.Second)
	rec := s.do(t, http.MethodPost, "/jobs/finish", s.licenseToken, FinishJobRequest{JobID: jobID})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/applications/metrics/", s.licenseToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeMap(t, rec)
	assert.Equal(t, float64(1), body["total_jobs"])
	assert.Equal(t, float64(1), body["total_applications"])
	assert.Equal(t, float64(1), body["active_applications"])
	assert.Equal(t, float64(100), body["avg_success_rate"])
}

// A user bearer token admits requests against the user's derived license.
func TestHandlerUserToken(t *testing.T) {
	s := newAPIServer(t)
	userToken := s.mintUserToken(t, "dev")

	rec := s.do(t, http.MethodPost, "/apps/register", userToken, RegisterRequest{Name: "personal"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodGet, "/quota/status/", userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, "user_dev", body["tenant_id"])
	apps := body["applications"].(map[string]any)
	assert.Equal(t, float64(1), apps["current"])
	assert.Equal(t, float64(licensing.DefaultDerivedMaxApps), apps["max"])
}

func TestHandlerHealth(t *testing.T) {
	s := newAPIServer(t)

	rec := s.do(t, http.MethodGet, "/health/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeMap(t, rec)["status"])
}

// Busy tenant locks surface as 503 with a retry hint.
func TestWriteErrorLockBusy(t *testing.T) {
	s := newAPIServer(t)

	rec := httptest.NewRecorder()
	s.handler.writeError(rec, httptest.NewRequest(http.MethodGet, "/jobs/start", nil), quota.ErrLockBusy)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "quota lock busy", errorBody(t, rec))
}

// The historical write endpoints are slashless; the rest redirect like any
// ServeMux trailing-slash pattern.
func TestHandlerPathShapes(t *testing.T) {
	s := newAPIServer(t)

	rec := s.do(t, http.MethodPost, "/apps/register/", s.licenseToken, RegisterRequest{Name: "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/applications", s.licenseToken, nil)
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "/applications/", rec.Header().Get("Location"))
}
