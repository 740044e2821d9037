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

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-logr/logr"

	"github.com/quantechlabs/warden/internal/httputil"
	"github.com/quantechlabs/warden/internal/identity"
	"github.com/quantechlabs/warden/internal/licensing"
	"github.com/quantechlabs/warden/pkg/logctx"
)

// maxBodyBytes caps request bodies on the admin endpoints.
const maxBodyBytes = 1 << 20

// Handler provides the license administration HTTP endpoints. All routes
// require a user bearer token whose account has is_staff set.
type Handler struct {
	service  *LicenseService
	resolver *identity.Resolver
	log      logr.Logger
}

// NewHandler creates the license administration handler.
func NewHandler(service *LicenseService, resolver *identity.Resolver, log logr.Logger) *Handler {
	return &Handler{
		service:  service,
		resolver: resolver,
		log:      log.WithName("license-handler"),
	}
}

// RegisterRoutes registers the administration routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /licenses/{$}", h.staff(h.handleList))
	mux.HandleFunc("POST /licenses/{$}", h.staff(h.handleCreate))
	mux.HandleFunc("GET /licenses/{id}/{$}", h.staff(h.handleGet))
	mux.HandleFunc("PUT /licenses/{id}/{$}", h.staff(h.handleUpdate))
	mux.HandleFunc("POST /licenses/{id}/suspend/{$}", h.staff(h.handleSuspend))
	mux.HandleFunc("POST /licenses/{id}/reactivate/{$}", h.staff(h.handleReactivate))
	mux.HandleFunc("POST /licenses/{id}/revoke/{$}", h.staff(h.handleRevoke))
	mux.HandleFunc("POST /licenses/{id}/upgrade/{$}", h.staff(h.handleUpgrade))
	mux.HandleFunc("GET /licenses/{id}/history/{$}", h.staff(h.handleHistory))
	mux.HandleFunc("POST /licenses/{id}/tokens/generate/{$}", h.staff(h.handleGenerateToken))
}

// staffHandler is an admin endpoint invoked after the staff gate passed.
type staffHandler func(w http.ResponseWriter, r *http.Request, actor *licensing.User)

// staff wraps an endpoint with the is_staff authorization gate.
func (h *Handler) staff(next staffHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, err := h.resolver.ResolveRequest(r)
		if err != nil {
			// Errors from resolve are authentication failures regardless of
			// which sentinel they carry.
			if identity.AuthFailure(err) {
				httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: err.Error()})
			} else {
				logctx.LoggerWithContext(h.log, r.Context()).Error(err, "authentication lookup failed")
				httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "internal server error"})
			}
			return
		}
		if !principal.IsUser() || !principal.User.IsStaff {
			h.writeError(w, r, identity.ErrNotStaff)
			return
		}
		r = r.WithContext(logctx.WithUsername(r.Context(), principal.User.Username))
		next(w, r, principal.User)
	}
}

// licenseView is the wire representation of a license, extended with the
// derived expiry fields clients expect.
type licenseView struct {
	*licensing.License
	RemainingDays int  `json:"remaining_days"`
	IsValid       bool `json:"is_valid"`
}

func (h *Handler) view(lic *licensing.License) licenseView {
	return licenseView{
		License:       lic,
		RemainingDays: h.service.RemainingDays(lic),
		IsValid:       h.service.IsValid(lic),
	}
}

func (h *Handler) views(lics []*licensing.License) []licenseView {
	out := make([]licenseView, 0, len(lics))
	for _, lic := range lics {
		out = append(out, h.view(lic))
	}
	return out
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request, _ *licensing.User) {
	q := r.URL.Query()
	opts := ListOptions{
		Status:         licensing.LicenseStatus(q.Get("status")),
		TenantContains: q.Get("tenant_id"),
		ValidOnly:      q.Get("valid_only") == "true",
		Limit:          intParam(q.Get("limit")),
		Offset:         intParam(q.Get("offset")),
	}
	lics, err := h.service.List(r.Context(), opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.views(lics))
}

// createResponse is a license view with the optionally minted token.
type createResponse struct {
	licenseView
	Token string `json:"token,omitempty"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request, actor *licensing.User) {
	var req CreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid JSON payload"})
		return
	}
	lic, minted, err := h.service.Create(r.Context(), req, actor.Username)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, createResponse{licenseView: h.view(lic), Token: minted})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, _ *licensing.User) {
	lic, err := h.service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.view(lic))
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request, actor *licensing.User) {
	var req UpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid JSON payload"})
		return
	}
	lic, err := h.service.Update(r.Context(), r.PathValue("id"), req, actor.Username)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.view(lic))
}

// reasonBody is the optional payload of the lifecycle endpoints.
type reasonBody struct {
	Reason string `json:"reason"`
}

func (h *Handler) readReason(w http.ResponseWriter, r *http.Request) string {
	var body reasonBody
	// The body is optional; ignore decode failures and fall back to the
	// default reason.
	_ = decodeJSON(w, r, &body)
	return body.Reason
}

func (h *Handler) handleSuspend(w http.ResponseWriter, r *http.Request, actor *licensing.User) {
	lic, err := h.service.Suspend(r.Context(), r.PathValue("id"), h.readReason(w, r), actor.Username)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.view(lic))
}

func (h *Handler) handleReactivate(w http.ResponseWriter, r *http.Request, actor *licensing.User) {
	lic, err := h.service.Reactivate(r.Context(), r.PathValue("id"), h.readReason(w, r), actor.Username)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.view(lic))
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request, actor *licensing.User) {
	if _, err := h.service.Revoke(r.Context(), r.PathValue("id"), h.readReason(w, r), actor.Username); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleUpgrade(w http.ResponseWriter, r *http.Request, actor *licensing.User) {
	var req UpgradeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid JSON payload"})
		return
	}
	lic, err := h.service.Upgrade(r.Context(), r.PathValue("id"), req, actor.Username)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.view(lic))
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request, _ *licensing.User) {
	history, err := h.service.History(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, history)
}

// tokenGenerateRequest is the payload for the token mint endpoint.
type tokenGenerateRequest struct {
	ExpiresInHours int `json:"expires_in_hours"`
}

// tokenGenerateResponse echoes the minted credential and its expiry.
type tokenGenerateResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	TenantID  string    `json:"tenant_id"`
}

func (h *Handler) handleGenerateToken(w http.ResponseWriter, r *http.Request, _ *licensing.User) {
	var req tokenGenerateRequest
	// Absent body selects the default expiry.
	_ = decodeJSON(w, r, &req)

	id := r.PathValue("id")
	signed, row, err := h.service.GenerateToken(r.Context(), id, req.ExpiresInHours)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	lic, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, tokenGenerateResponse{
		Token:     signed,
		ExpiresAt: row.ExpiresAt,
		TenantID:  lic.TenantID,
	})
}

// writeError maps service errors onto HTTP responses.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *licensing.ValidationError
	switch {
	case errors.As(err, &verr):
		httputil.WriteJSON(w, http.StatusBadRequest, verr.Fields)
	case errors.Is(err, licensing.ErrLicenseNotFound):
		httputil.WriteJSON(w, http.StatusNotFound, httputil.ErrorResponse{Error: err.Error()})
	case errors.Is(err, licensing.ErrDuplicateTenant),
		errors.Is(err, licensing.ErrLicenseRevoked),
		errors.Is(err, licensing.ErrNotReactivatable),
		errors.Is(err, ErrLicenseNotValid):
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
	case errors.Is(err, identity.ErrNotStaff):
		httputil.WriteJSON(w, http.StatusForbidden, httputil.ErrorResponse{Error: err.Error()})
	case identity.AuthFailure(err):
		httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: err.Error()})
	default:
		logctx.LoggerWithContext(h.log, r.Context()).Error(err, "license admin request failed")
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "internal server error"})
	}
}

func intParam(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(dst)
}
