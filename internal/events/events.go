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

// Package events publishes usage events emitted by the licensing and
// admission services. Publishing is advisory: callers log failures and move
// on, an event never fails the request that produced it.
package events

import (
	"context"
	"time"

	"github.com/go-logr/logr"
)

// Event kinds.
const (
	KindLicenseCreated     = "license.created"
	KindLicenseUpdated     = "license.updated"
	KindLicenseSuspended   = "license.suspended"
	KindLicenseReactivated = "license.reactivated"
	KindLicenseRevoked     = "license.revoked"
	KindLicenseUpgraded    = "license.upgraded"
	KindAppRegistered      = "app.registered"
	KindAppDeactivated     = "app.deactivated"
	KindJobStarted         = "job.started"
	KindJobFinished        = "job.finished"
	KindQuotaDenied        = "quota.denied"
)

// Resources named by quota.denied events.
const (
	ResourceApps       = "apps"
	ResourceExecutions = "executions"
)

// Event is one usage event. TenantID is always set and doubles as the
// partition key so a tenant's events stay ordered.
type Event struct {
	EventID   string    `json:"event_id"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	TenantID  string    `json:"tenant_id"`

	LicenseID     string `json:"license_id,omitempty"`
	ApplicationID string `json:"application_id,omitempty"`
	JobID         string `json:"job_id,omitempty"`
	// Resource is set on quota.denied events: "apps" or "executions".
	Resource string            `json:"resource,omitempty"`
	Payload  map[string]string `json:"payload,omitempty"`
}

// Publisher publishes usage events to a streaming backend.
type Publisher interface {
	// Publish sends a single event. It is non-blocking for async
	// implementations.
	Publish(ctx context.Context, event *Event) error
	// Close flushes pending events and releases resources.
	Close() error
}

// PublishTimeout bounds a detached asynchronous publish.
const PublishTimeout = 5 * time.Second

// PublishAsync fires event in a background goroutine on a detached context so
// a cancelled request never loses its event. A nil publisher is a no-op.
func PublishAsync(p Publisher, log logr.Logger, event *Event) {
	if p == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), PublishTimeout)
		defer cancel()
		if err := p.Publish(ctx, event); err != nil {
			log.Error(err, "failed to publish event", "kind", event.Kind, "tenant_id", event.TenantID)
		}
	}()
}
