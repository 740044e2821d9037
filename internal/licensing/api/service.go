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

// Package api implements the license administration service and its HTTP
// endpoints. Mutations are audited through license_history rows; licenses
// are never physically deleted, revocation is the terminal state.
package api

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/quantechlabs/warden/internal/clock"
	"github.com/quantechlabs/warden/internal/events"
	"github.com/quantechlabs/warden/internal/licensing"
	"github.com/quantechlabs/warden/internal/quota"
	"github.com/quantechlabs/warden/pkg/logctx"
	"github.com/quantechlabs/warden/pkg/token"
)

var (
	// ErrLicenseNotValid rejects token generation for licenses that do not
	// currently admit requests.
	ErrLicenseNotValid = errors.New("license is not valid")
)

// defaultReason is recorded when a lifecycle mutation carries no reason.
const defaultReason = "No reason provided"

// Token generation bounds, in hours.
const (
	defaultTokenHours = 24
	maxTokenHours     = 8760
)

// ServiceConfig carries the dependencies for NewLicenseService.
type ServiceConfig struct {
	Store     licensing.Store
	Engine    *quota.Engine
	Codec     *token.Codec
	Publisher events.Publisher
	Clock     clock.Clock
	Logger    logr.Logger
	// TokenTTL is the lifetime of license tokens minted at creation. Zero
	// selects token.DefaultLicenseTTL.
	TokenTTL time.Duration
}

// LicenseService implements the administrative license lifecycle.
type LicenseService struct {
	store     licensing.Store
	engine    *quota.Engine
	codec     *token.Codec
	publisher events.Publisher
	clock     clock.Clock
	log       logr.Logger
	tokenTTL  time.Duration
}

// NewLicenseService creates a LicenseService from the given configuration.
func NewLicenseService(cfg ServiceConfig) *LicenseService {
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = token.DefaultLicenseTTL
	}
	return &LicenseService{
		store:     cfg.Store,
		engine:    cfg.Engine,
		codec:     cfg.Codec,
		publisher: cfg.Publisher,
		clock:     c,
		log:       cfg.Logger.WithName("license-service"),
		tokenTTL:  ttl,
	}
}

// CreateRequest is the payload for Create.
type CreateRequest struct {
	TenantID            string            `json:"tenant_id"`
	TenantName          string            `json:"tenant_name"`
	MaxApps             int               `json:"max_apps"`
	MaxExecutionsPer24h int               `json:"max_executions_per_24h"`
	ValidFrom           time.Time         `json:"valid_from"`
	ValidTo             time.Time         `json:"valid_to"`
	Features            map[string]string `json:"features"`
	ContactEmail        string            `json:"contact_email"`
	ContactName         string            `json:"contact_name"`
	// GenerateToken controls whether a license token is minted alongside the
	// license. Defaults to true when absent.
	GenerateToken *bool `json:"generate_token"`
}

func (req *CreateRequest) validate(now time.Time) error {
	verr := &licensing.ValidationError{}
	if req.TenantID == "" {
		verr.Add("tenant_id", "this field is required")
	}
	if req.TenantName == "" {
		verr.Add("tenant_name", "this field is required")
	}
	if req.MaxApps < 1 {
		verr.Add("max_apps", "must be a positive integer")
	}
	if req.MaxExecutionsPer24h < 1 {
		verr.Add("max_executions_per_24h", "must be a positive integer")
	}
	switch {
	case req.ValidFrom.IsZero():
		verr.Add("valid_from", "this field is required")
	case req.ValidTo.IsZero():
		verr.Add("valid_to", "this field is required")
	case !req.ValidTo.After(now):
		verr.Add("valid_to", "valid to date must be in the future")
	case !req.ValidFrom.Before(req.ValidTo):
		verr.Add("valid_from", "valid from date must be before valid to date")
	}
	if verr.Empty() {
		return nil
	}
	return verr
}

// Create provisions a license for a new tenant. When the request asks for a
// token (the default) the minted credential is returned alongside.
func (s *LicenseService) Create(ctx context.Context, req CreateRequest, actor string) (*licensing.License, string, error) {
	log := logctx.LoggerWithContext(s.log, ctx)
	now := s.clock.Now().UTC()
	if err := req.validate(now); err != nil {
		return nil, "", err
	}

	lic := &licensing.License{
		ID:                  uuid.New().String(),
		TenantID:            req.TenantID,
		TenantName:          req.TenantName,
		MaxApps:             req.MaxApps,
		MaxExecutionsPer24h: req.MaxExecutionsPer24h,
		ValidFrom:           req.ValidFrom,
		ValidTo:             req.ValidTo,
		Status:              licensing.StatusActive,
		Features:            req.Features,
		ContactEmail:        req.ContactEmail,
		ContactName:         req.ContactName,
		CreatedBy:           actor,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.store.CreateLicense(ctx, lic); err != nil {
		return nil, "", err
	}

	if err := s.engine.InitAppCount(ctx, lic.TenantID); err != nil {
		log.Error(err, "failed to seed app counter", "tenant_id", lic.TenantID)
	}
	s.appendHistory(ctx, lic.ID, licensing.ActionCreate, actor, map[string]string{
		"tenant_id":              lic.TenantID,
		"max_apps":               strconv.Itoa(lic.MaxApps),
		"max_executions_per_24h": strconv.Itoa(lic.MaxExecutionsPer24h),
	})

	var minted string
	if req.GenerateToken == nil || *req.GenerateToken {
		var err error
		minted, _, err = s.mintToken(ctx, lic, s.tokenTTL)
		if err != nil {
			return nil, "", err
		}
	}

	s.publish(lic, events.KindLicenseCreated, nil)
	log.Info("created license", "tenant_id", lic.TenantID, "license_id", lic.ID)
	return lic, minted, nil
}

// UpdateRequest is the patch payload for Update. Nil fields are left
// untouched. Lifecycle status is not updatable here; use the dedicated
// suspend, reactivate and revoke operations.
type UpdateRequest struct {
	TenantName          *string           `json:"tenant_name"`
	MaxApps             *int              `json:"max_apps"`
	MaxExecutionsPer24h *int              `json:"max_executions_per_24h"`
	ValidTo             *time.Time        `json:"valid_to"`
	Features            map[string]string `json:"features"`
	ContactEmail        *string           `json:"contact_email"`
	ContactName         *string           `json:"contact_name"`
}

// Update applies a field patch and records the diff in the audit history.
func (s *LicenseService) Update(ctx context.Context, id string, req UpdateRequest, actor string) (*licensing.License, error) {
	lic, err := s.store.GetLicense(ctx, id)
	if err != nil {
		return nil, err
	}
	if lic.Status == licensing.StatusRevoked {
		return nil, licensing.ErrLicenseRevoked
	}

	now := s.clock.Now().UTC()
	verr := &licensing.ValidationError{}
	if req.MaxApps != nil && *req.MaxApps < 1 {
		verr.Add("max_apps", "must be a positive integer")
	}
	if req.MaxExecutionsPer24h != nil && *req.MaxExecutionsPer24h < 1 {
		verr.Add("max_executions_per_24h", "must be a positive integer")
	}
	if req.ValidTo != nil {
		switch {
		case !req.ValidTo.After(now):
			verr.Add("valid_to", "valid to date must be in the future")
		case !lic.ValidFrom.Before(*req.ValidTo):
			verr.Add("valid_to", "valid from date must be before valid to date")
		}
	}
	if !verr.Empty() {
		return nil, verr
	}

	changes := map[string]string{}
	if req.TenantName != nil && *req.TenantName != lic.TenantName {
		changes["tenant_name"] = lic.TenantName + " -> " + *req.TenantName
		lic.TenantName = *req.TenantName
	}
	if req.MaxApps != nil && *req.MaxApps != lic.MaxApps {
		changes["max_apps"] = fmt.Sprintf("%d -> %d", lic.MaxApps, *req.MaxApps)
		lic.MaxApps = *req.MaxApps
	}
	if req.MaxExecutionsPer24h != nil && *req.MaxExecutionsPer24h != lic.MaxExecutionsPer24h {
		changes["max_executions_per_24h"] = fmt.Sprintf("%d -> %d", lic.MaxExecutionsPer24h, *req.MaxExecutionsPer24h)
		lic.MaxExecutionsPer24h = *req.MaxExecutionsPer24h
	}
	if req.ValidTo != nil && !req.ValidTo.Equal(lic.ValidTo) {
		changes["valid_to"] = formatTimeDiff(lic.ValidTo, *req.ValidTo)
		lic.ValidTo = *req.ValidTo
	}
	if req.Features != nil {
		changes["features"] = "updated"
		lic.Features = req.Features
	}
	if req.ContactEmail != nil && *req.ContactEmail != lic.ContactEmail {
		changes["contact_email"] = lic.ContactEmail + " -> " + *req.ContactEmail
		lic.ContactEmail = *req.ContactEmail
	}
	if req.ContactName != nil && *req.ContactName != lic.ContactName {
		changes["contact_name"] = lic.ContactName + " -> " + *req.ContactName
		lic.ContactName = *req.ContactName
	}
	if len(changes) == 0 {
		return lic, nil
	}

	lic.UpdatedAt = now
	if err := s.store.UpdateLicense(ctx, lic); err != nil {
		return nil, err
	}
	s.appendHistory(ctx, lic.ID, licensing.ActionUpdate, actor, changes)
	s.publish(lic, events.KindLicenseUpdated, changes)
	return lic, nil
}

// Suspend moves the license to SUSPENDED. Suspending an already suspended
// license is a no-op; a revoked license cannot leave its terminal state.
func (s *LicenseService) Suspend(ctx context.Context, id, reason, actor string) (*licensing.License, error) {
	log := logctx.LoggerWithContext(s.log, ctx)
	lic, err := s.store.GetLicense(ctx, id)
	if err != nil {
		return nil, err
	}
	switch lic.Status {
	case licensing.StatusRevoked:
		return nil, licensing.ErrLicenseRevoked
	case licensing.StatusSuspended:
		return lic, nil
	}

	lic.Status = licensing.StatusSuspended
	lic.UpdatedAt = s.clock.Now().UTC()
	if err := s.store.UpdateLicense(ctx, lic); err != nil {
		return nil, err
	}
	s.appendHistory(ctx, lic.ID, licensing.ActionSuspend, actor, map[string]string{"reason": orDefault(reason)})
	s.publish(lic, events.KindLicenseSuspended, map[string]string{"reason": orDefault(reason)})
	log.Info("suspended license", "tenant_id", lic.TenantID, "license_id", lic.ID)
	return lic, nil
}

// Reactivate returns a suspended license to ACTIVE. Expired and revoked
// licenses cannot be reactivated.
func (s *LicenseService) Reactivate(ctx context.Context, id, reason, actor string) (*licensing.License, error) {
	log := logctx.LoggerWithContext(s.log, ctx)
	lic, err := s.store.GetLicense(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if lic.Status == licensing.StatusRevoked || now.After(lic.ValidTo) {
		return nil, licensing.ErrNotReactivatable
	}
	if lic.Status == licensing.StatusActive {
		return lic, nil
	}

	lic.Status = licensing.StatusActive
	lic.UpdatedAt = now.UTC()
	if err := s.store.UpdateLicense(ctx, lic); err != nil {
		return nil, err
	}
	s.appendHistory(ctx, lic.ID, licensing.ActionReactivate, actor, map[string]string{"reason": orDefault(reason)})
	s.publish(lic, events.KindLicenseReactivated, map[string]string{"reason": orDefault(reason)})
	log.Info("reactivated license", "tenant_id", lic.TenantID, "license_id", lic.ID)
	return lic, nil
}

// Revoke terminally disables the license and clears the tenant's quota
// state. Revoking twice is a no-op.
func (s *LicenseService) Revoke(ctx context.Context, id, reason, actor string) (*licensing.License, error) {
	log := logctx.LoggerWithContext(s.log, ctx)
	lic, err := s.store.GetLicense(ctx, id)
	if err != nil {
		return nil, err
	}
	if lic.Status == licensing.StatusRevoked {
		return lic, nil
	}

	lic.Status = licensing.StatusRevoked
	lic.UpdatedAt = s.clock.Now().UTC()
	if err := s.store.UpdateLicense(ctx, lic); err != nil {
		return nil, err
	}
	s.appendHistory(ctx, lic.ID, licensing.ActionRevoke, actor, map[string]string{"reason": orDefault(reason)})
	if err := s.engine.ResetTenant(ctx, lic.TenantID); err != nil {
		log.Error(err, "failed to reset tenant quota state", "tenant_id", lic.TenantID)
	}
	s.publish(lic, events.KindLicenseRevoked, map[string]string{"reason": orDefault(reason)})
	log.Info("revoked license", "tenant_id", lic.TenantID, "license_id", lic.ID)
	return lic, nil
}

// UpgradeRequest is the payload for Upgrade. Nil fields keep their current
// value, so a pure extension can change just valid_to.
type UpgradeRequest struct {
	MaxApps             *int       `json:"max_apps"`
	MaxExecutionsPer24h *int       `json:"max_executions_per_24h"`
	ValidTo             *time.Time `json:"valid_to"`
	Reason              string     `json:"reason"`
}

// Upgrade records a cap change with its full before/after audit trail.
// Lowered caps are not enforced retroactively; they bite on the next
// admission check.
func (s *LicenseService) Upgrade(ctx context.Context, id string, req UpgradeRequest, approver string) (*licensing.License, error) {
	log := logctx.LoggerWithContext(s.log, ctx)
	lic, err := s.store.GetLicense(ctx, id)
	if err != nil {
		return nil, err
	}
	if lic.Status == licensing.StatusRevoked {
		return nil, licensing.ErrLicenseRevoked
	}

	newMaxApps := lic.MaxApps
	if req.MaxApps != nil {
		newMaxApps = *req.MaxApps
	}
	newMaxExecutions := lic.MaxExecutionsPer24h
	if req.MaxExecutionsPer24h != nil {
		newMaxExecutions = *req.MaxExecutionsPer24h
	}
	newValidTo := lic.ValidTo
	if req.ValidTo != nil {
		newValidTo = *req.ValidTo
	}

	verr := &licensing.ValidationError{}
	if newMaxApps < 1 {
		verr.Add("max_apps", "must be a positive integer")
	}
	if newMaxExecutions < 1 {
		verr.Add("max_executions_per_24h", "must be a positive integer")
	}
	if !lic.ValidFrom.Before(newValidTo) {
		verr.Add("valid_to", "valid from date must be before valid to date")
	}
	if !verr.Empty() {
		return nil, verr
	}

	now := s.clock.Now().UTC()
	upgrade := &licensing.LicenseUpgrade{
		ID:                    uuid.New().String(),
		LicenseID:             lic.ID,
		PreviousMaxApps:       lic.MaxApps,
		NewMaxApps:            newMaxApps,
		PreviousMaxExecutions: lic.MaxExecutionsPer24h,
		NewMaxExecutions:      newMaxExecutions,
		PreviousValidTo:       lic.ValidTo,
		NewValidTo:            newValidTo,
		Reason:                req.Reason,
		ApprovedBy:            approver,
		CreatedAt:             now,
	}
	if err := s.store.CreateUpgrade(ctx, upgrade); err != nil {
		return nil, err
	}

	changes := map[string]string{
		"upgrade_id":     upgrade.ID,
		"max_apps":       fmt.Sprintf("%d -> %d", upgrade.PreviousMaxApps, upgrade.NewMaxApps),
		"max_executions": fmt.Sprintf("%d -> %d", upgrade.PreviousMaxExecutions, upgrade.NewMaxExecutions),
		"valid_to":       formatTimeDiff(upgrade.PreviousValidTo, upgrade.NewValidTo),
	}

	lic.MaxApps = newMaxApps
	lic.MaxExecutionsPer24h = newMaxExecutions
	lic.ValidTo = newValidTo
	lic.UpdatedAt = now
	if err := s.store.UpdateLicense(ctx, lic); err != nil {
		return nil, err
	}
	s.appendHistory(ctx, lic.ID, licensing.ActionUpgrade, approver, changes)
	s.publish(lic, events.KindLicenseUpgraded, changes)
	log.Info("upgraded license", "tenant_id", lic.TenantID, "license_id", lic.ID)
	return lic, nil
}

// Get loads a license by id.
func (s *LicenseService) Get(ctx context.Context, id string) (*licensing.License, error) {
	return s.store.GetLicense(ctx, id)
}

// GetByTenant loads a license by its tenant id.
func (s *LicenseService) GetByTenant(ctx context.Context, tenantID string) (*licensing.License, error) {
	return s.store.GetLicenseByTenant(ctx, tenantID)
}

// ListOptions filters List.
type ListOptions struct {
	Status         licensing.LicenseStatus
	TenantContains string
	ValidOnly      bool
	Limit          int
	Offset         int
}

// List returns licenses matching the filters, newest first.
func (s *LicenseService) List(ctx context.Context, opts ListOptions) ([]*licensing.License, error) {
	storeOpts := licensing.ListLicensesOptions{
		Status:         opts.Status,
		TenantContains: opts.TenantContains,
		Limit:          opts.Limit,
		Offset:         opts.Offset,
	}
	if opts.ValidOnly {
		storeOpts.ValidAt = s.clock.Now()
	}
	return s.store.ListLicenses(ctx, storeOpts)
}

// History returns the audit rows of a license, newest first.
func (s *LicenseService) History(ctx context.Context, id string) ([]*licensing.LicenseHistory, error) {
	if _, err := s.store.GetLicense(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListHistory(ctx, id)
}

// IsValid reports whether the license admits requests right now.
func (s *LicenseService) IsValid(lic *licensing.License) bool {
	return licensing.ValidateLicense(lic, s.clock.Now()) == nil
}

// RemainingDays returns whole days until expiry, zero once expired.
func (s *LicenseService) RemainingDays(lic *licensing.License) int {
	now := s.clock.Now()
	if now.After(lic.ValidTo) {
		return 0
	}
	return int(lic.ValidTo.Sub(now).Hours() / 24)
}

// GenerateToken mints a license bearer token valid for expiresInHours and
// persists it. Zero hours selects the 24 h default.
func (s *LicenseService) GenerateToken(ctx context.Context, id string, expiresInHours int) (string, *licensing.LicenseToken, error) {
	if expiresInHours == 0 {
		expiresInHours = defaultTokenHours
	}
	if expiresInHours < 1 || expiresInHours > maxTokenHours {
		return "", nil, licensing.NewValidationError("expires_in_hours",
			fmt.Sprintf("must be between 1 and %d", maxTokenHours))
	}
	lic, err := s.store.GetLicense(ctx, id)
	if err != nil {
		return "", nil, err
	}
	if !s.IsValid(lic) {
		return "", nil, ErrLicenseNotValid
	}
	signed, row, err := s.mintToken(ctx, lic, time.Duration(expiresInHours)*time.Hour)
	if err != nil {
		return "", nil, err
	}
	return signed, row, nil
}

// mintToken signs a license token and persists its tracking row.
func (s *LicenseService) mintToken(ctx context.Context, lic *licensing.License, ttl time.Duration) (string, *licensing.LicenseToken, error) {
	signed, err := s.codec.SignLicense(token.LicenseClaims{
		TenantID:            lic.TenantID,
		TenantName:          lic.TenantName,
		LicenseID:           lic.ID,
		MaxApps:             lic.MaxApps,
		MaxExecutionsPer24h: lic.MaxExecutionsPer24h,
		ValidFrom:           lic.ValidFrom.Unix(),
		ValidTo:             lic.ValidTo.Unix(),
		Status:              string(lic.Status),
	}, ttl)
	if err != nil {
		return "", nil, err
	}
	now := s.clock.Now().UTC()
	row := &licensing.LicenseToken{
		ID:        uuid.New().String(),
		LicenseID: lic.ID,
		Token:     signed,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		IsActive:  true,
	}
	if err := s.store.CreateLicenseToken(ctx, row); err != nil {
		return "", nil, err
	}
	return signed, row, nil
}

func (s *LicenseService) appendHistory(ctx context.Context, licenseID string, action licensing.HistoryAction, actor string, details map[string]string) {
	h := &licensing.LicenseHistory{
		ID:          uuid.New().String(),
		LicenseID:   licenseID,
		Action:      action,
		PerformedBy: actor,
		Details:     details,
		PerformedAt: s.clock.Now().UTC(),
	}
	if err := s.store.AppendHistory(ctx, h); err != nil {
		logctx.LoggerWithContext(s.log, ctx).Error(err, "failed to append history", "license_id", licenseID, "action", string(action))
	}
}

func (s *LicenseService) publish(lic *licensing.License, kind string, payload map[string]string) {
	events.PublishAsync(s.publisher, s.log, &events.Event{
		EventID:   uuid.New().String(),
		Kind:      kind,
		Timestamp: s.clock.Now().UTC(),
		TenantID:  lic.TenantID,
		LicenseID: lic.ID,
		Payload:   payload,
	})
}

func orDefault(reason string) string {
	if reason == "" {
		return defaultReason
	}
	return reason
}

func formatTimeDiff(prev, next time.Time) string {
	return prev.UTC().Format(time.RFC3339) + " -> " + next.UTC().Format(time.RFC3339)
}
