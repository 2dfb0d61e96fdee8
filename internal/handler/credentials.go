package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keyward/keyward/internal/model"
	"github.com/keyward/keyward/internal/quota"
	"github.com/keyward/keyward/internal/service"
	"github.com/keyward/keyward/internal/store"
)

// CredentialHandler lets an authenticated owner manage their own
// credentials. Credentials belonging to other owners are reported as not
// found.
type CredentialHandler struct {
	store  *store.Store
	creds  *service.CredentialService
	quota  *quota.Accountant
	logger *slog.Logger
}

// NewCredentialHandler creates a new CredentialHandler.
func NewCredentialHandler(st *store.Store, creds *service.CredentialService, acct *quota.Accountant, logger *slog.Logger) *CredentialHandler {
	return &CredentialHandler{store: st, creds: creds, quota: acct, logger: logger}
}

// credentialRequest is the payload for create and update.
type credentialRequest struct {
	Label        string     `json:"label"`
	MonthlyLimit *int64     `json:"monthly_limit,omitempty"`
	Scopes       []string   `json:"scopes,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// issuedCredential includes the plaintext key (shown once only).
type issuedCredential struct {
	*model.Credential
	Key string `json:"api_key"`
}

// List returns the caller's credentials after rolling over any whose usage
// belongs to a previous month.
// GET /api/v1/credentials
func (h *CredentialHandler) List(w http.ResponseWriter, r *http.Request) {
	owner := service.OwnerFromContext(r.Context())

	if _, err := h.quota.EnsureFreshForOwner(r.Context(), owner.OwnerID); err != nil {
		h.internalError(w, "Failed to refresh usage", err)
		return
	}

	creds, err := h.store.ListCredentialsByOwner(r.Context(), owner.OwnerID)
	if err != nil {
		h.internalError(w, "Failed to list credentials", err)
		return
	}

	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: creds,
		Meta: &model.ResponseMeta{
			Count: len(creds),
		},
	})
}

// Create issues a new credential and returns the plaintext key exactly once.
// POST /api/v1/credentials
func (h *CredentialHandler) Create(w http.ResponseWriter, r *http.Request) {
	owner := service.OwnerFromContext(r.Context())

	var req credentialRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	plaintext, c, err := h.creds.Issue(r.Context(), service.IssueRequest{
		OwnerID:      owner.OwnerID,
		Label:        req.Label,
		MonthlyLimit: req.MonthlyLimit,
		Scopes:       req.Scopes,
		ExpiresAt:    req.ExpiresAt,
	})
	if err != nil {
		if isValidationError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.internalError(w, "Failed to create credential", err)
		return
	}

	writeJSON(w, http.StatusCreated, issuedCredential{Credential: c, Key: plaintext})
}

// Get returns one credential.
// GET /api/v1/credentials/{id}
func (h *CredentialHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, ok := h.load(w, r)
	if !ok {
		return
	}
	if _, err := h.quota.EnsureFresh(r.Context(), c); err != nil {
		h.internalError(w, "Failed to refresh usage", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Update changes label, monthly limit, scopes and expiry. Omitted fields
// keep their current value.
// PATCH /api/v1/credentials/{id}
func (h *CredentialHandler) Update(w http.ResponseWriter, r *http.Request) {
	c, ok := h.load(w, r)
	if !ok {
		return
	}

	var req credentialRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Label != "" {
		c.Label = req.Label
	}
	if req.MonthlyLimit != nil {
		c.MonthlyLimit = *req.MonthlyLimit
	}
	if req.Scopes != nil {
		c.Scopes = req.Scopes
	}
	if req.ExpiresAt != nil {
		if !req.ExpiresAt.After(time.Now()) {
			writeError(w, http.StatusBadRequest, service.ErrInvalidExpiry.Error())
			return
		}
		c.ExpiresAt = req.ExpiresAt
	}

	if err := h.creds.Update(r.Context(), c); err != nil {
		if isValidationError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.internalError(w, "Failed to update credential", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Revoke deactivates a credential. Revoking twice succeeds.
// DELETE /api/v1/credentials/{id}
func (h *CredentialHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	c, ok := h.load(w, r)
	if !ok {
		return
	}
	if err := h.creds.Revoke(r.Context(), c.ID); err != nil {
		h.internalError(w, "Failed to revoke credential", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Credential revoked",
	})
}

// Regenerate replaces the key of a credential and returns the new plaintext
// exactly once.
// POST /api/v1/credentials/{id}/regenerate
func (h *CredentialHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	c, ok := h.load(w, r)
	if !ok {
		return
	}
	plaintext, rc, err := h.creds.Regenerate(r.Context(), c.ID)
	if err != nil {
		if errors.Is(err, service.ErrCredentialInactive) {
			writeError(w, http.StatusConflict, "Credential is revoked")
			return
		}
		h.internalError(w, "Failed to regenerate credential", err)
		return
	}
	writeJSON(w, http.StatusOK, issuedCredential{Credential: rc, Key: plaintext})
}

// ResetUsage zeroes the monthly usage counter.
// POST /api/v1/credentials/{id}/reset
func (h *CredentialHandler) ResetUsage(w http.ResponseWriter, r *http.Request) {
	c, ok := h.load(w, r)
	if !ok {
		return
	}
	if err := h.quota.Reset(r.Context(), c.ID); err != nil {
		h.internalError(w, "Failed to reset usage", err)
		return
	}
	c, err := h.store.GetCredential(r.Context(), c.ID)
	if err != nil {
		h.internalError(w, "Failed to load credential", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Usage returns recent usage log entries, newest first.
// GET /api/v1/credentials/{id}/usage?limit=N
func (h *CredentialHandler) Usage(w http.ResponseWriter, r *http.Request) {
	c, ok := h.load(w, r)
	if !ok {
		return
	}
	limit := clampInt(queryInt(r, "limit", 100), 1, 1000)
	entries, err := h.store.ListUsageLog(r.Context(), c.ID, limit)
	if err != nil {
		h.internalError(w, "Failed to list usage", err)
		return
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: entries,
		Meta: &model.ResponseMeta{
			Count: len(entries),
		},
	})
}

// load fetches the credential named in the URL and checks that the caller
// owns it. It writes the error response itself and reports false on failure.
func (h *CredentialHandler) load(w http.ResponseWriter, r *http.Request) (*model.Credential, bool) {
	owner := service.OwnerFromContext(r.Context())
	id := chi.URLParam(r, "id")

	c, err := h.store.GetCredential(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Credential not found: "+id)
			return nil, false
		}
		h.internalError(w, "Failed to load credential", err)
		return nil, false
	}
	if c.OwnerID != owner.OwnerID {
		writeError(w, http.StatusNotFound, "Credential not found: "+id)
		return nil, false
	}
	return c, true
}

func (h *CredentialHandler) internalError(w http.ResponseWriter, message string, err error) {
	h.logger.Error(message, "error", err)
	writeError(w, http.StatusInternalServerError, message)
}

func isValidationError(err error) bool {
	return errors.Is(err, service.ErrInvalidLimit) ||
		errors.Is(err, service.ErrInvalidExpiry) ||
		errors.Is(err, service.ErrInvalidScope)
}
