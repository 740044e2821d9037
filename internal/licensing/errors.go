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
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrLicenseNotFound indicates no license matches the given id or tenant.
	ErrLicenseNotFound = errors.New("license not found")

	// ErrDuplicateTenant indicates a license already exists for the tenant.
	ErrDuplicateTenant = errors.New("license already exists for tenant")

	// ErrLicenseSuspended indicates the license is suspended.
	ErrLicenseSuspended = errors.New("license is suspended")

	// ErrLicenseExpired indicates the license validity window has passed.
	ErrLicenseExpired = errors.New("license has expired")

	// ErrLicenseRevoked indicates the license was terminally revoked.
	ErrLicenseRevoked = errors.New("license is revoked")

	// ErrLicenseNotYetValid indicates the validity window has not started.
	ErrLicenseNotYetValid = errors.New("license not yet valid")

	// ErrNotReactivatable indicates a reactivation attempt on a license that
	// is revoked or already past its validity window.
	ErrNotReactivatable = errors.New("license cannot be reactivated")

	// ErrApplicationNotFound indicates no application matches the given id.
	ErrApplicationNotFound = errors.New("application not found")

	// ErrDuplicateApplication indicates the license already has an
	// application with that name.
	ErrDuplicateApplication = errors.New("application name already registered")

	// ErrDuplicateAPIKey indicates the generated api key collided with an
	// existing one. Callers regenerate and retry.
	ErrDuplicateAPIKey = errors.New("api key already in use")

	// ErrJobNotFound indicates no job matches the given id.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotRunning indicates a finish attempt on a job that is not in
	// the RUNNING state.
	ErrJobNotRunning = errors.New("job is not running")

	// ErrUserNotFound indicates no user matches the given id or username.
	ErrUserNotFound = errors.New("user not found")

	// ErrDuplicateUsername indicates the username or email is already taken.
	ErrDuplicateUsername = errors.New("username already registered")

	// ErrUserInactive indicates the account is deactivated.
	ErrUserInactive = errors.New("user account is inactive")
)

// ValidationError carries field-level validation failures. Handlers surface
// the field map in a 400 response body.
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

// Add records one more failing field and returns the receiver for chaining.
func (e *ValidationError) Add(field, msg string) *ValidationError {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = msg
	return e
}

// Empty reports whether no field failures were recorded.
func (e *ValidationError) Empty() bool { return len(e.Fields) == 0 }

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	fields := make([]string, 0, len(e.Fields))
	for f := range e.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f, e.Fields[f]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}
