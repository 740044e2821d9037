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

// Package logctx provides structured logging context management.
// It allows storing and extracting common logging fields from context.Context,
// enabling consistent logging across the admission and licensing components.
package logctx

import (
	"context"

	"github.com/go-logr/logr"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// Context keys for common logging fields.
// These keys are used to store values in context.Context that will be
// automatically extracted and added to log entries.
const (
	// ContextKeyRequestID identifies the individual request.
	ContextKeyRequestID contextKey = "request_id"

	// ContextKeyTenantID identifies the tenant a request acts under.
	ContextKeyTenantID contextKey = "tenant_id"

	// ContextKeyLicenseID identifies the license backing the request.
	ContextKeyLicenseID contextKey = "license_id"

	// ContextKeyApplicationID identifies the application being operated on.
	ContextKeyApplicationID contextKey = "application_id"

	// ContextKeyJobID identifies the job being operated on.
	ContextKeyJobID contextKey = "job_id"

	// ContextKeyUsername identifies the authenticated user, when the request
	// carries a user credential.
	ContextKeyUsername contextKey = "username"

	// ContextKeyHandler identifies the request handler.
	ContextKeyHandler contextKey = "handler"
)

// allContextKeys lists all context keys that should be extracted for logging.
var allContextKeys = []contextKey{
	ContextKeyRequestID,
	ContextKeyTenantID,
	ContextKeyLicenseID,
	ContextKeyApplicationID,
	ContextKeyJobID,
	ContextKeyUsername,
	ContextKeyHandler,
}

// WithRequestID returns a new context with the request ID set.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// WithTenantID returns a new context with the tenant ID set.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, ContextKeyTenantID, tenantID)
}

// WithLicenseID returns a new context with the license ID set.
func WithLicenseID(ctx context.Context, licenseID string) context.Context {
	return context.WithValue(ctx, ContextKeyLicenseID, licenseID)
}

// WithApplicationID returns a new context with the application ID set.
func WithApplicationID(ctx context.Context, applicationID string) context.Context {
	return context.WithValue(ctx, ContextKeyApplicationID, applicationID)
}

// WithJobID returns a new context with the job ID set.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, ContextKeyJobID, jobID)
}

// WithUsername returns a new context with the username set.
func WithUsername(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, ContextKeyUsername, username)
}

// WithHandler returns a new context with the handler name set.
func WithHandler(ctx context.Context, handler string) context.Context {
	return context.WithValue(ctx, ContextKeyHandler, handler)
}

// LoggingFields holds all standard logging context fields.
// This struct is used with WithLoggingContext for bulk field setting.
type LoggingFields struct {
	RequestID     string
	TenantID      string
	LicenseID     string
	ApplicationID string
	JobID         string
	Username      string
	Handler       string
}

// WithLoggingContext returns a new context with multiple logging fields set at once.
// Only non-empty values are set.
func WithLoggingContext(ctx context.Context, fields *LoggingFields) context.Context {
	if fields == nil {
		return ctx
	}
	if fields.RequestID != "" {
		ctx = WithRequestID(ctx, fields.RequestID)
	}
	if fields.TenantID != "" {
		ctx = WithTenantID(ctx, fields.TenantID)
	}
	if fields.LicenseID != "" {
		ctx = WithLicenseID(ctx, fields.LicenseID)
	}
	if fields.ApplicationID != "" {
		ctx = WithApplicationID(ctx, fields.ApplicationID)
	}
	if fields.JobID != "" {
		ctx = WithJobID(ctx, fields.JobID)
	}
	if fields.Username != "" {
		ctx = WithUsername(ctx, fields.Username)
	}
	if fields.Handler != "" {
		ctx = WithHandler(ctx, fields.Handler)
	}
	return ctx
}

// ExtractLoggingFields extracts all logging fields from a context.
func ExtractLoggingFields(ctx context.Context) LoggingFields {
	fields := LoggingFields{}
	if v := ctx.Value(ContextKeyRequestID); v != nil {
		fields.RequestID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyTenantID); v != nil {
		fields.TenantID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyLicenseID); v != nil {
		fields.LicenseID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyApplicationID); v != nil {
		fields.ApplicationID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyJobID); v != nil {
		fields.JobID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyUsername); v != nil {
		fields.Username, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyHandler); v != nil {
		fields.Handler, _ = v.(string)
	}
	return fields
}

// LogrValues extracts context values and returns them as key-value pairs
// suitable for use with logr.Logger.WithValues().
// Only non-empty values are included.
func LogrValues(ctx context.Context) []interface{} {
	var values []interface{}
	for _, key := range allContextKeys {
		if v := ctx.Value(key); v != nil {
			if s, ok := v.(string); ok && s != "" {
				values = append(values, string(key), s)
			}
		}
	}
	return values
}

// LoggerWithContext returns a logger enriched with all context values.
// This is a convenience function for logr.Logger.
func LoggerWithContext(log logr.Logger, ctx context.Context) logr.Logger {
	values := LogrValues(ctx)
	if len(values) == 0 {
		return log
	}
	return log.WithValues(values...)
}

// RequestID extracts the request ID from the context.
func RequestID(ctx context.Context) string {
	if v := ctx.Value(ContextKeyRequestID); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// TenantID extracts the tenant ID from the context.
func TenantID(ctx context.Context) string {
	if v := ctx.Value(ContextKeyTenantID); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// JobID extracts the job ID from the context.
func JobID(ctx context.Context) string {
	if v := ctx.Value(ContextKeyJobID); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Username extracts the username from the context.
func Username(ctx context.Context) string {
	if v := ctx.Value(ContextKeyUsername); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
