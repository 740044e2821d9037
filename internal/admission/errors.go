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
	"errors"
	"fmt"

	"github.com/quantechlabs/warden/internal/licensing"
)

// Ownership and state failures. These map to 403 at the HTTP layer; callers
// that want to hide a resource's existence return the not-found sentinels
// from the licensing package instead.
var (
	ErrAppNotOwned = errors.New("application does not belong to this license")
	ErrAppInactive = errors.New("application is not active")
	ErrJobNotOwned = errors.New("job does not belong to this license")
)

// QuotaError reports an admission that was rejected by a license cap. The
// HTTP layer renders it as the quota envelope: 403 for the application cap,
// 429 for the execution cap.
type QuotaError struct {
	// Resource is events.ResourceApps or events.ResourceExecutions.
	Resource string
	Max      int
	Current  int64
	// Message is the human-readable rejection carried to the client.
	Message string
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s quota exceeded: %d/%d", e.Resource, e.Current, e.Max)
}

// JobStateError reports a finish attempt against a job that is not running.
type JobStateError struct {
	Status licensing.JobStatus
}

func (e *JobStateError) Error() string {
	return fmt.Sprintf("job is not running. current status: %s", e.Status)
}
