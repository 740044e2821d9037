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
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric name constants.
const (
	metricRequestDuration = "warden_api_request_duration_seconds"
	metricRequestsTotal   = "warden_api_requests_total"
	metricAdmissionsTotal = "warden_admissions_total"
	metricQuotaDenials    = "warden_quota_denials_total"
	metricQuotaUsage      = "warden_quota_usage_percent"
)

// Admission operation and outcome labels.
const (
	opRegisterApp = "register_app"
	opStartJob    = "start_job"
	opFinishJob   = "finish_job"

	outcomeAccepted = "accepted"
	outcomeDenied   = "denied"
	outcomeError    = "error"
)

// DefaultHTTPDurationBuckets are histogram buckets for HTTP request durations.
var DefaultHTTPDurationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// Metrics holds Prometheus metrics for the API: the HTTP layer plus the
// admission pipeline.
type Metrics struct {
	// RequestDuration tracks HTTP request duration in seconds by method, route, and status code.
	RequestDuration *prometheus.HistogramVec

	// RequestsTotal counts HTTP requests by method, route, and status code.
	RequestsTotal *prometheus.CounterVec

	// AdmissionsTotal counts admission attempts by operation and outcome.
	AdmissionsTotal *prometheus.CounterVec

	// QuotaDenials counts quota rejections by resource.
	QuotaDenials *prometheus.CounterVec

	// QuotaUsage reports the last observed usage percentage per tenant and
	// resource.
	QuotaUsage *prometheus.GaugeVec
}

// NewMetrics creates and registers the metrics on the default registerer.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates the metrics on reg. Tests pass their own registry
// so parallel fixtures never collide.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metricRequestDuration,
			Help:    "HTTP request duration in seconds",
			Buckets: DefaultHTTPDurationBuckets,
		}, []string{"method", "route", "status_code"}),

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: metricRequestsTotal,
			Help: "Total HTTP requests by method, route, and status code",
		}, []string{"method", "route", "status_code"}),

		AdmissionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: metricAdmissionsTotal,
			Help: "Admission attempts by operation and outcome",
		}, []string{"operation", "outcome"}),

		QuotaDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: metricQuotaDenials,
			Help: "Quota rejections by resource",
		}, []string{"resource"}),

		QuotaUsage: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: metricQuotaUsage,
			Help: "Last observed quota usage percentage by tenant and resource",
		}, []string{"tenant_id", "resource"}),
	}
}

// Initialize pre-registers label combinations so the series appear in
// /metrics before the first admission.
func (m *Metrics) Initialize() {
	for _, op := range []string{opRegisterApp, opStartJob, opFinishJob} {
		for _, outcome := range []string{outcomeAccepted, outcomeDenied, outcomeError} {
			m.AdmissionsTotal.WithLabelValues(op, outcome).Add(0)
		}
	}
	for _, resource := range []string{"apps", "executions"} {
		m.QuotaDenials.WithLabelValues(resource).Add(0)
	}
}

// statusCapture wraps http.ResponseWriter to capture the status code.
type statusCapture struct {
	http.ResponseWriter
	code int
}

func (s *statusCapture) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

// MetricsMiddleware returns HTTP middleware that records request metrics.
func MetricsMiddleware(m *Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sc := &statusCapture{ResponseWriter: w, code: http.StatusOK}

		next.ServeHTTP(sc, r)

		duration := time.Since(start).Seconds()
		route := normalizeRoute(r)
		status := strconv.Itoa(sc.code)

		m.RequestDuration.WithLabelValues(r.Method, route, status).Observe(duration)
		m.RequestsTotal.WithLabelValues(r.Method, route, status).Inc()
	})
}

// normalizeRoute extracts a low-cardinality route label from the request.
// The registered ServeMux pattern keeps ids out of the label space.
func normalizeRoute(r *http.Request) string {
	if pat := r.Pattern; pat != "" {
		return pat
	}
	return r.URL.Path
}
