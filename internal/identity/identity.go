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

// Package identity turns bearer credentials into an admitted principal.
//
// Two credential shapes are accepted: user tokens, which resolve to the
// user's lazily created personal license, and license tokens, which resolve
// to the tenant's license directly. Every resolve re-reads persistent state,
// so a suspension or revocation takes effect on the next request regardless
// of what the token claims say.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/quantechlabs/warden/internal/clock"
	"github.com/quantechlabs/warden/internal/httputil"
	"github.com/quantechlabs/warden/internal/licensing"
	"github.com/quantechlabs/warden/internal/quota"
	"github.com/quantechlabs/warden/pkg/logctx"
	"github.com/quantechlabs/warden/pkg/token"
)

var (
	// ErrMissingCredential means the request carried no token at all.
	ErrMissingCredential = errors.New("authentication credentials were not provided")
	// ErrTokenInvalid means the token failed signature or shape checks.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrInvalidCredentials is the deliberately unspecific login failure.
	ErrInvalidCredentials = errors.New("unable to log in with provided credentials")
	// ErrNotUser means the operation requires a user token but the request
	// was authenticated with a license token.
	ErrNotUser = errors.New("user authentication required")
	// ErrNotStaff gates the license administration endpoints.
	ErrNotStaff = errors.New("staff privileges required")
)

// Principal is the resolved caller of an admitted request. License is always
// set; User is set only when the request authenticated with a user token.
type Principal struct {
	User    *licensing.User
	License *licensing.License
}

// IsUser reports whether the principal authenticated as a user.
func (p *Principal) IsUser() bool { return p.User != nil }

// TenantID returns the tenant the principal operates on.
func (p *Principal) TenantID() string { return p.License.TenantID }

// CredentialFromRequest extracts the bearer credential from a request. The
// Authorization header wins, with or without the Bearer prefix; the
// X-License-Token header is the fallback.
func CredentialFromRequest(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get(httputil.HeaderAuthorization)); h != "" {
		if tok := httputil.BearerToken(h); tok != "" {
			return tok
		}
		return h
	}
	return strings.TrimSpace(r.Header.Get(httputil.HeaderLicenseToken))
}

// AuthFailure reports whether err is an authentication failure that should
// surface as 401 rather than an internal error.
func AuthFailure(err error) bool {
	for _, target := range []error{
		ErrMissingCredential,
		ErrTokenInvalid,
		token.ErrTokenExpired,
		licensing.ErrUserNotFound,
		licensing.ErrUserInactive,
		licensing.ErrLicenseNotFound,
		licensing.ErrLicenseSuspended,
		licensing.ErrLicenseRevoked,
		licensing.ErrLicenseExpired,
		licensing.ErrLicenseNotYetValid,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// ResolverConfig carries the dependencies for NewResolver.
type ResolverConfig struct {
	Store  licensing.Store
	Engine *quota.Engine
	Codec  *token.Codec
	Clock  clock.Clock
	Logger logr.Logger
}

// Resolver authenticates bearer credentials against persistent state.
type Resolver struct {
	store  licensing.Store
	engine *quota.Engine
	codec  *token.Codec
	clock  clock.Clock
	log    logr.Logger
}

// NewResolver creates a Resolver from the given configuration.
func NewResolver(cfg ResolverConfig) *Resolver {
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}
	return &Resolver{
		store:  cfg.Store,
		engine: cfg.Engine,
		codec:  cfg.Codec,
		clock:  c,
		log:    cfg.Logger.WithName("identity"),
	}
}

// Resolve verifies the credential and loads the principal behind it. An empty
// credential fails with ErrMissingCredential.
func (r *Resolver) Resolve(ctx context.Context, credential string) (*Principal, error) {
	if credential == "" {
		return nil, ErrMissingCredential
	}
	claims, err := r.codec.Verify(credential)
	if err != nil {
		if errors.Is(err, token.ErrTokenExpired) {
			return nil, token.ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	switch {
	case claims.IsUser():
		return r.resolveUser(ctx, claims.User)
	case claims.IsLicense():
		return r.resolveLicense(ctx, claims.License, credential)
	default:
		return nil, ErrTokenInvalid
	}
}

// ResolveRequest extracts the request's credential and resolves it.
func (r *Resolver) ResolveRequest(req *http.Request) (*Principal, error) {
	return r.Resolve(req.Context(), CredentialFromRequest(req))
}

func (r *Resolver) resolveUser(ctx context.Context, claims *token.UserClaims) (*Principal, error) {
	user, err := r.store.GetUser(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, licensing.ErrUserInactive
	}
	lic, err := r.derivedLicense(ctx, user)
	if err != nil {
		return nil, err
	}
	return &Principal{User: user, License: lic}, nil
}

// derivedLicense returns the user's personal license, creating it on first
// use. Creation races resolve through the tenant_id uniqueness constraint:
// the loser reads the winner's row back.
func (r *Resolver) derivedLicense(ctx context.Context, user *licensing.User) (*licensing.License, error) {
	tenantID := user.DerivedTenantID()
	lic, err := r.store.GetLicenseByTenant(ctx, tenantID)
	if err == nil {
		return lic, nil
	}
	if !errors.Is(err, licensing.ErrLicenseNotFound) {
		return nil, err
	}
	lic, err = r.createDerivedLicense(ctx, user)
	if errors.Is(err, licensing.ErrDuplicateTenant) {
		return r.store.GetLicenseByTenant(ctx, tenantID)
	}
	return lic, err
}

func (r *Resolver) createDerivedLicense(ctx context.Context, user *licensing.User) (*licensing.License, error) {
	log := logctx.LoggerWithContext(r.log, ctx)
	now := r.clock.Now().UTC()
	contactName := strings.TrimSpace(user.FirstName + " " + user.LastName)
	if contactName == "" {
		contactName = user.Username
	}
	lic := &licensing.License{
		ID:                  uuid.New().String(),
		TenantID:            user.DerivedTenantID(),
		TenantName:          user.Username,
		MaxApps:             licensing.DefaultDerivedMaxApps,
		MaxExecutionsPer24h: licensing.DefaultDerivedMaxExecutions,
		ValidFrom:           now,
		ValidTo:             now.Add(licensing.DefaultDerivedValidity),
		Status:              licensing.StatusActive,
		ContactEmail:        user.Email,
		ContactName:         contactName,
		CreatedBy:           user.Username,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := r.store.CreateLicense(ctx, lic); err != nil {
		return nil, err
	}
	history := &licensing.LicenseHistory{
		ID:          uuid.New().String(),
		LicenseID:   lic.ID,
		Action:      licensing.ActionCreate,
		PerformedBy: user.Username,
		Details:     map[string]string{"derived": "true"},
		PerformedAt: now,
	}
	if err := r.store.AppendHistory(ctx, history); err != nil {
		log.Error(err, "failed to record derived license creation", "tenant_id", lic.TenantID)
	}
	if r.engine != nil {
		if err := r.engine.InitAppCount(ctx, lic.TenantID); err != nil {
			log.Error(err, "failed to seed app counter", "tenant_id", lic.TenantID)
		}
	}
	log.Info("created derived license", "tenant_id", lic.TenantID, "username", user.Username)
	return lic, nil
}

// resolveLicense loads the persisted license behind a license token and
// re-validates it, so claims minted before a suspension cannot admit.
func (r *Resolver) resolveLicense(ctx context.Context, claims *token.LicenseClaims, credential string) (*Principal, error) {
	lic, err := r.store.GetLicenseByTenant(ctx, claims.TenantID)
	if err != nil {
		return nil, err
	}
	now := r.clock.Now()
	if err := licensing.ValidateLicense(lic, now); err != nil {
		return nil, err
	}
	// Usage stamp on the stored credential; failures never block admission.
	if err := r.store.TouchLicenseToken(ctx, credential, now.UTC()); err != nil &&
		!errors.Is(err, licensing.ErrLicenseNotFound) {
		logctx.LoggerWithContext(r.log, ctx).V(1).Info("failed to touch license token", "tenant_id", lic.TenantID, "error", fmt.Sprintf("%v", err))
	}
	return &Principal{License: lic}, nil
}
