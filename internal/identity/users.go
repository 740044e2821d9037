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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/quantechlabs/warden/internal/clock"
	"github.com/quantechlabs/warden/internal/licensing"
	"github.com/quantechlabs/warden/pkg/logctx"
	"github.com/quantechlabs/warden/pkg/token"
)

const minPasswordLength = 8

// UserServiceConfig carries the dependencies for NewUserService.
type UserServiceConfig struct {
	Store  licensing.Store
	Codec  *token.Codec
	Clock  clock.Clock
	Logger logr.Logger
	// TokenTTL is the lifetime of minted user tokens. Zero selects
	// token.DefaultUserTTL.
	TokenTTL time.Duration
}

// UserService implements registration and password authentication.
type UserService struct {
	store    licensing.Store
	codec    *token.Codec
	clock    clock.Clock
	log      logr.Logger
	tokenTTL time.Duration
}

// NewUserService creates a UserService from the given configuration.
func NewUserService(cfg UserServiceConfig) *UserService {
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}
	return &UserService{
		store:    cfg.Store,
		codec:    cfg.Codec,
		clock:    c,
		log:      cfg.Logger.WithName("users"),
		tokenTTL: cfg.TokenTTL,
	}
}

// RegisterRequest is the payload for Register.
type RegisterRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name"`
}

func (req *RegisterRequest) validate() error {
	verr := &licensing.ValidationError{}
	if strings.TrimSpace(req.Username) == "" {
		verr.Add("username", "this field is required")
	}
	switch {
	case strings.TrimSpace(req.Email) == "":
		verr.Add("email", "this field is required")
	case !strings.Contains(req.Email, "@"):
		verr.Add("email", "enter a valid email address")
	}
	passwordOK := true
	switch {
	case req.Password == "":
		verr.Add("password", "this field is required")
		passwordOK = false
	case len(req.Password) < minPasswordLength:
		verr.Add("password", fmt.Sprintf("must be at least %d characters", minPasswordLength))
		passwordOK = false
	}
	if req.PasswordConfirm == "" {
		verr.Add("password_confirm", "this field is required")
	} else if passwordOK && req.Password != req.PasswordConfirm {
		verr.Add("password", "passwords do not match")
	}
	if verr.Empty() {
		return nil
	}
	return verr
}

// Register creates a user and returns it with a freshly minted user token.
// Validation failures come back as *licensing.ValidationError.
func (s *UserService) Register(ctx context.Context, req RegisterRequest) (*licensing.User, string, error) {
	if err := req.validate(); err != nil {
		return nil, "", err
	}
	if _, err := s.store.GetUserByUsername(ctx, req.Username); err == nil {
		return nil, "", licensing.NewValidationError("username", "a user with this username already exists")
	} else if !errors.Is(err, licensing.ErrUserNotFound) {
		return nil, "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hashing password: %w", err)
	}
	user := &licensing.User{
		ID:           uuid.New().String(),
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: string(hash),
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		IsActive:     true,
		DateJoined:   s.clock.Now().UTC(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, licensing.ErrDuplicateUsername) {
			// Username was free a moment ago, so the conflict is the email
			// (or a registration race; either way the account exists).
			return nil, "", licensing.NewValidationError("email", "a user with this email already exists")
		}
		return nil, "", err
	}

	tok, err := s.mintToken(user)
	if err != nil {
		return nil, "", err
	}
	logctx.LoggerWithContext(s.log, ctx).Info("registered user", "username", user.Username)
	return user, tok, nil
}

// Authenticate checks a username/password pair and returns the user with a
// fresh token. Unknown users and wrong passwords both fail with
// ErrInvalidCredentials; a matching but disabled account fails with
// licensing.ErrUserInactive.
func (s *UserService) Authenticate(ctx context.Context, username, password string) (*licensing.User, string, error) {
	if username == "" || password == "" {
		return nil, "", ErrInvalidCredentials
	}
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, licensing.ErrUserNotFound) {
			// Burn a comparison so unknown usernames cost the same as wrong
			// passwords.
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, "", ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, "", licensing.ErrUserInactive
	}

	now := s.clock.Now().UTC()
	if err := s.store.UpdateLastLogin(ctx, user.ID, now); err != nil {
		logctx.LoggerWithContext(s.log, ctx).V(1).Info("failed to stamp last login", "username", username, "error", fmt.Sprintf("%v", err))
	} else {
		user.LastLogin = now
	}
	tok, err := s.mintToken(user)
	if err != nil {
		return nil, "", err
	}
	return user, tok, nil
}

// Get loads a user by id.
func (s *UserService) Get(ctx context.Context, id string) (*licensing.User, error) {
	return s.store.GetUser(ctx, id)
}

// Refresh mints a new token for an already authenticated user.
func (s *UserService) Refresh(user *licensing.User) (string, error) {
	return s.mintToken(user)
}

func (s *UserService) mintToken(user *licensing.User) (string, error) {
	return s.codec.SignUser(token.UserClaims{
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
	}, s.tokenTTL)
}

// dummyHash is a bcrypt hash compared against for unknown usernames so the
// two failure paths take similar time.
var dummyHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("warden-timing-pad"), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return h
}()
