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

// Package token signs and verifies the bearer credentials used by the API.
// Two payload shapes share one signing key and one algorithm (HS256): user
// tokens identify a registered user, license tokens identify a tenant's
// license directly. The license claims are advisory; admission re-reads the
// persistent license on every request.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Default token lifetimes.
const (
	// DefaultUserTTL is the default lifetime of a user token.
	DefaultUserTTL = 24 * time.Hour
	// DefaultLicenseTTL is the default lifetime of a license token.
	DefaultLicenseTTL = 365 * 24 * time.Hour
)

// UserClaims is the payload of a user token.
type UserClaims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// LicenseClaims is the payload of a license token. ValidFrom and ValidTo are
// seconds since epoch, matching iat/exp.
type LicenseClaims struct {
	TenantID            string `json:"tenant_id"`
	TenantName          string `json:"tenant_name"`
	LicenseID           string `json:"license_id"`
	MaxApps             int    `json:"max_apps"`
	MaxExecutionsPer24h int    `json:"max_executions_per_24h"`
	ValidFrom           int64  `json:"valid_from"`
	ValidTo             int64  `json:"valid_to"`
	Status              string `json:"status"`
}

// Claims is the result of verifying a token: exactly one of User or License
// is non-nil.
type Claims struct {
	User    *UserClaims
	License *LicenseClaims
	// IssuedAt and ExpiresAt echo the registered iat/exp claims.
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// IsUser reports whether the token carried user claims.
func (c *Claims) IsUser() bool { return c.User != nil }

// IsLicense reports whether the token carried license claims.
func (c *Claims) IsLicense() bool { return c.License != nil }

// wireClaims is the on-the-wire superset of both payload shapes. The
// discriminator is which identity claim is present: user_id or tenant_id.
type wireClaims struct {
	jwt.RegisteredClaims
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`

	TenantID            string `json:"tenant_id,omitempty"`
	TenantName          string `json:"tenant_name,omitempty"`
	LicenseID           string `json:"license_id,omitempty"`
	MaxApps             int    `json:"max_apps,omitempty"`
	MaxExecutionsPer24h int    `json:"max_executions_per_24h,omitempty"`
	ValidFrom           int64  `json:"valid_from,omitempty"`
	ValidTo             int64  `json:"valid_to,omitempty"`
	Status              string `json:"status,omitempty"`
}

// Codec signs and verifies bearer tokens with a symmetric HMAC key.
type Codec struct {
	secret []byte
	now    func() time.Time
}

// Option configures the Codec.
type Option func(*Codec)

// WithTimeFunc sets the time source used for iat/exp minting and for expiry
// checks during verification. Defaults to time.Now.
func WithTimeFunc(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

// New creates a Codec with the given signing secret.
func New(secret []byte, opts ...Option) (*Codec, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	c := &Codec{
		secret: secret,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SignUser mints a user token valid for ttl. A non-positive ttl selects
// DefaultUserTTL.
func (c *Codec) SignUser(u UserClaims, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultUserTTL
	}
	now := c.now()
	claims := wireClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID:   u.UserID,
		Username: u.Username,
		Email:    u.Email,
	}
	return c.sign(claims)
}

// SignLicense mints a license token valid for ttl. A non-positive ttl selects
// DefaultLicenseTTL.
func (c *Codec) SignLicense(l LicenseClaims, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultLicenseTTL
	}
	now := c.now()
	claims := wireClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID:            l.TenantID,
		TenantName:          l.TenantName,
		LicenseID:           l.LicenseID,
		MaxApps:             l.MaxApps,
		MaxExecutionsPer24h: l.MaxExecutionsPer24h,
		ValidFrom:           l.ValidFrom,
		ValidTo:             l.ValidTo,
		Status:              l.Status,
	}
	return c.sign(claims)
}

func (c *Codec) sign(claims wireClaims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, rejecting expired or tampered tokens
// and any signing method other than HS256.
func (c *Codec) Verify(tokenString string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
	)

	var wire wireClaims
	tok, err := parser.ParseWithClaims(tokenString, &wire, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return c.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	if !tok.Valid {
		return nil, ErrTokenMalformed
	}

	claims := &Claims{}
	if wire.IssuedAt != nil {
		claims.IssuedAt = wire.IssuedAt.Time
	}
	if wire.ExpiresAt != nil {
		claims.ExpiresAt = wire.ExpiresAt.Time
	}

	switch {
	case wire.UserID != "":
		claims.User = &UserClaims{
			UserID:   wire.UserID,
			Username: wire.Username,
			Email:    wire.Email,
		}
	case wire.TenantID != "":
		claims.License = &LicenseClaims{
			TenantID:            wire.TenantID,
			TenantName:          wire.TenantName,
			LicenseID:           wire.LicenseID,
			MaxApps:             wire.MaxApps,
			MaxExecutionsPer24h: wire.MaxExecutionsPer24h,
			ValidFrom:           wire.ValidFrom,
			ValidTo:             wire.ValidTo,
			Status:              wire.Status,
		}
	default:
		return nil, ErrUnexpectedClaims
	}

	return claims, nil
}
