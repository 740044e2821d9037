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

package identity

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/bcrypt"

	"github.com/quantechlabs/warden/internal/clock"
	"github.com/quantechlabs/warden/internal/licensing"
	"github.com/quantechlabs/warden/pkg/logctx"
	"github.com/quantechlabs/warden/pkg/token"
)

type userFixture struct {
	store *licensing.MemoryStore
	codec *token.Codec
	clock *clock.Fake
	svc   *UserService
}

func newUserFixture(t *testing.T) *userFixture {
	t.Helper()
	fake := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	codec, err := token.New(testSecret, token.WithTimeFunc(fake.Now))
	require.NoError(t, err)
	store := licensing.NewMemoryStore()
	svc := NewUserService(UserServiceConfig{
		Store:  store,
		Codec:  codec,
		Clock:  fake,
		Logger: logr.Discard(),
	})
	return &userFixture{store: store, codec: codec, clock: fake, svc: svc}
}

func validRegistration() RegisterRequest {
	return RegisterRequest{
		Username:        "ada",
		Email:           "ada@example.com",
		Password:        "correct-horse",
		PasswordConfirm: "correct-horse",
		FirstName:       "Ada",
		LastName:        "Lovelace",
	}
}

func TestRegister_Success(t *testing.T) {
	f := newUserFixture(t)

	user, tok, err := f.svc.Register(context.Background(), validRegistration())
	require.NoError(t, err)

	assert.Equal(t, "ada", user.Username)
	assert.Equal(t, "ada@example.com", user.Email)
	assert.True(t, user.IsActive)
	assert.False(t, user.IsStaff)
	assert.NotEmpty(t, user.ID)

	// Password is stored hashed, never in the clear.
	assert.NotEqual(t, "correct-horse", user.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("correct-horse")))

	claims, err := f.codec.Verify(tok)
	require.NoError(t, err)
	require.True(t, claims.IsUser())
	assert.Equal(t, user.ID, claims.User.UserID)
	assert.Equal(t, "ada", claims.User.Username)
}

// Registration logs carry the request id stamped by the HTTP middleware so
// entries correlate with the request that caused them.
func TestRegister_LogsRequestID(t *testing.T) {
	f := newUserFixture(t)
	core, logs := observer.New(zap.InfoLevel)
	f.svc = NewUserService(UserServiceConfig{
		Store:  f.store,
		Codec:  f.codec,
		Clock:  f.clock,
		Logger: zapr.NewLogger(zap.New(core)),
	})

	ctx := logctx.WithRequestID(context.Background(), "req-77")
	_, _, err := f.svc.Register(ctx, validRegistration())
	require.NoError(t, err)

	entries := logs.FilterMessage("registered user").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "req-77", fields["request_id"])
	assert.Equal(t, "ada", fields["username"])
}

func TestRegister_Validation(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(r *RegisterRequest)
		wantField string
	}{
		{
			name:      "missing username",
			mutate:    func(r *RegisterRequest) { r.Username = "" },
			wantField: "username",
		},
		{
			name:      "missing email",
			mutate:    func(r *RegisterRequest) { r.Email = "" },
			wantField: "email",
		},
		{
			name:      "malformed email",
			mutate:    func(r *RegisterRequest) { r.Email = "not-an-email" },
			wantField: "email",
		},
		{
			name: "short password",
			mutate: func(r *RegisterRequest) {
				r.Password = "short"
				r.PasswordConfirm = "short"
			},
			wantField: "password",
		},
		{
			name:      "mismatched confirmation",
			mutate:    func(r *RegisterRequest) { r.PasswordConfirm = "different-horse" },
			wantField: "password",
		},
		{
			name:      "missing confirmation",
			mutate:    func(r *RegisterRequest) { r.PasswordConfirm = "" },
			wantField: "password_confirm",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newUserFixture(t)
			req := validRegistration()
			tt.mutate(&req)

			_, _, err := f.svc.Register(context.Background(), req)
			var verr *licensing.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Fields, tt.wantField)
		})
	}
}

func TestRegister_MismatchMessage(t *testing.T) {
	f := newUserFixture(t)
	req := validRegistration()
	req.PasswordConfirm = "different-horse"

	_, _, err := f.svc.Register(context.Background(), req)
	var verr *licensing.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "passwords do not match", verr.Fields["password"])
}

func TestRegister_DuplicateUsername(t *testing.T) {
	f := newUserFixture(t)
	_, _, err := f.svc.Register(context.Background(), validRegistration())
	require.NoError(t, err)

	again := validRegistration()
	again.Email = "other@example.com"
	_, _, err = f.svc.Register(context.Background(), again)

	var verr *licensing.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "username")
}

func TestRegister_DuplicateEmail(t *testing.T) {
	f := newUserFixture(t)
	_, _, err := f.svc.Register(context.Background(), validRegistration())
	require.NoError(t, err)

	again := validRegistration()
	again.Username = "grace"
	_, _, err = f.svc.Register(context.Background(), again)

	var verr *licensing.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "email")
}

func TestAuthenticate_Success(t *testing.T) {
	f := newUserFixture(t)
	registered, _, err := f.svc.Register(context.Background(), validRegistration())
	require.NoError(t, err)

	f.clock.Advance(time.Hour)

	user, tok, err := f.svc.Authenticate(context.Background(), "ada", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, registered.ID, user.ID)
	assert.Equal(t, f.clock.Now().UTC(), user.LastLogin)

	claims, err := f.codec.Verify(tok)
	require.NoError(t, err)
	assert.True(t, claims.IsUser())

	// Stamp is persisted, not just echoed.
	stored, err := f.store.GetUser(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().UTC(), stored.LastLogin)
}

func TestAuthenticate_WrongPassword(t *testing.T) {
	f := newUserFixture(t)
	_, _, err := f.svc.Register(context.Background(), validRegistration())
	require.NoError(t, err)

	_, _, err = f.svc.Authenticate(context.Background(), "ada", "wrong-horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticate_UnknownUser(t *testing.T) {
	f := newUserFixture(t)

	_, _, err := f.svc.Authenticate(context.Background(), "nobody", "whatever-pass")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticate_EmptyInputs(t *testing.T) {
	f := newUserFixture(t)

	_, _, err := f.svc.Authenticate(context.Background(), "", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticate_InactiveUser(t *testing.T) {
	f := newUserFixture(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateUser(context.Background(), &licensing.User{
		ID:           uuid.New().String(),
		Username:     "dormant",
		Email:        "dormant@example.com",
		PasswordHash: string(hash),
		IsActive:     false,
		DateJoined:   f.clock.Now(),
	}))

	_, _, err = f.svc.Authenticate(context.Background(), "dormant", "correct-horse")
	assert.ErrorIs(t, err, licensing.ErrUserInactive)
}

func TestRefresh(t *testing.T) {
	f := newUserFixture(t)
	user, _, err := f.svc.Register(context.Background(), validRegistration())
	require.NoError(t, err)

	tok, err := f.svc.Refresh(user)
	require.NoError(t, err)

	claims, err := f.codec.Verify(tok)
	require.NoError(t, err)
	require.True(t, claims.IsUser())
	assert.Equal(t, user.ID, claims.User.UserID)
}
