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
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-logr/logr"

	"github.com/quantechlabs/warden/internal/httputil"
	"github.com/quantechlabs/warden/internal/licensing"
	"github.com/quantechlabs/warden/pkg/logctx"
)

// maxBodyBytes caps request bodies on the auth endpoints.
const maxBodyBytes = 1 << 20

// envelope wraps every auth endpoint response.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Errors  any    `json:"errors,omitempty"`
}

// authData is the payload of successful register and login responses.
type authData struct {
	User  *licensing.User `json:"user"`
	Token string          `json:"token"`
}

// AuthHandler provides the /auth endpoints.
type AuthHandler struct {
	users    *UserService
	resolver *Resolver
	log      logr.Logger
}

// NewAuthHandler creates the auth endpoint handler.
func NewAuthHandler(users *UserService, resolver *Resolver, log logr.Logger) *AuthHandler {
	return &AuthHandler{
		users:    users,
		resolver: resolver,
		log:      log.WithName("auth-handler"),
	}
}

// RegisterRoutes registers the auth routes on the given mux.
func (h *AuthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /auth/register", h.handleRegister)
	mux.HandleFunc("POST /auth/login", h.handleLogin)
	mux.HandleFunc("POST /auth/logout", h.handleLogout)
	mux.HandleFunc("GET /auth/me", h.handleMe)
	mux.HandleFunc("POST /auth/refresh", h.handleRefresh)
}

func (h *AuthHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFailure(w, http.StatusBadRequest, "Registration failed", map[string]string{"body": "invalid JSON payload"})
		return
	}

	user, tok, err := h.users.Register(r.Context(), req)
	if err != nil {
		var verr *licensing.ValidationError
		if errors.As(err, &verr) {
			writeFailure(w, http.StatusBadRequest, "Registration failed", verr.Fields)
			return
		}
		logctx.LoggerWithContext(h.log, r.Context()).Error(err, "register failed")
		writeFailure(w, http.StatusInternalServerError, "Registration failed", nil)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, envelope{
		Success: true,
		Message: "User registered successfully",
		Data:    authData{User: user, Token: tok},
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *AuthHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFailure(w, http.StatusBadRequest, "Login failed", map[string]string{"body": "invalid JSON payload"})
		return
	}

	user, tok, err := h.users.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidCredentials), errors.Is(err, licensing.ErrUserInactive):
			writeFailure(w, http.StatusUnauthorized, "Login failed", map[string]string{"non_field_errors": err.Error()})
		default:
			logctx.LoggerWithContext(h.log, r.Context()).Error(err, "login failed", "username", req.Username)
			writeFailure(w, http.StatusInternalServerError, "Login failed", nil)
		}
		return
	}

	httputil.WriteJSON(w, http.StatusOK, envelope{
		Success: true,
		Message: "Login successful",
		Data:    authData{User: user, Token: tok},
	})
}

// handleLogout exists for client symmetry; tokens are stateless, so the
// client simply discards its copy.
func (h *AuthHandler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if _, err := h.requireUser(r); err != nil {
		h.writeAuthError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, envelope{
		Success: true,
		Message: "Logout successful",
	})
}

func (h *AuthHandler) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := h.requireUser(r)
	if err != nil {
		h.writeAuthError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, envelope{
		Success: true,
		Data:    user,
	})
}

func (h *AuthHandler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	user, err := h.requireUser(r)
	if err != nil {
		h.writeAuthError(w, r, err)
		return
	}
	tok, err := h.users.Refresh(user)
	if err != nil {
		logctx.LoggerWithContext(h.log, r.Context()).Error(err, "token refresh failed", "username", user.Username)
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "internal server error"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, envelope{
		Success: true,
		Message: "Token refreshed successfully",
		Data:    map[string]string{"token": tok},
	})
}

// requireUser resolves the request and rejects license-token callers.
func (h *AuthHandler) requireUser(r *http.Request) (*licensing.User, error) {
	principal, err := h.resolver.ResolveRequest(r)
	if err != nil {
		return nil, err
	}
	if !principal.IsUser() {
		return nil, ErrNotUser
	}
	return principal.User, nil
}

// writeAuthError maps resolve failures onto plain error responses. The
// envelope is reserved for the register/login flows above.
func (h *AuthHandler) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case AuthFailure(err):
		httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: err.Error()})
	case errors.Is(err, ErrNotUser):
		httputil.WriteJSON(w, http.StatusForbidden, httputil.ErrorResponse{Error: err.Error()})
	default:
		logctx.LoggerWithContext(h.log, r.Context()).Error(err, "authentication lookup failed")
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "internal server error"})
	}
}

func writeFailure(w http.ResponseWriter, status int, message string, fields map[string]string) {
	resp := envelope{Success: false, Message: message}
	if len(fields) > 0 {
		resp.Errors = fields
	}
	httputil.WriteJSON(w, status, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	return dec.Decode(dst)
}

// WithRequestContext stamps the resolved principal's identifiers onto the
// request context for downstream logging.
func WithRequestContext(r *http.Request, p *Principal) *http.Request {
	ctx := logctx.WithTenantID(r.Context(), p.TenantID())
	ctx = logctx.WithLicenseID(ctx, p.License.ID)
	if p.IsUser() {
		ctx = logctx.WithUsername(ctx, p.User.Username)
	}
	return r.WithContext(ctx)
}
