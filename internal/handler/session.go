package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/keyward/keyward/internal/service"
)

// SessionHandler logs owners in to the management API.
type SessionHandler struct {
	authSvc *service.AuthService
	logger  *slog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(authSvc *service.AuthService, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{authSvc: authSvc, logger: logger}
}

// loginRequest is the expected payload for the Login endpoint.
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// loginResponse is the response payload for a successful login.
type loginResponse struct {
	Token     string `json:"session_token"`
	TokenType string `json:"token_type"`
	ExpiresIn int    `json:"expires_in"`
	OwnerID   string `json:"owner_id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
}

// Login authenticates an owner and returns a JWT session token.
// POST /api/v1/session
func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	token, owner, err := h.authSvc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidCredentials):
			writeError(w, http.StatusUnauthorized, "Invalid credentials")
		case errors.Is(err, service.ErrOwnerInactive):
			writeError(w, http.StatusUnauthorized, "Account is disabled")
		default:
			h.logger.Error("login failed", "error", err)
			writeError(w, http.StatusInternalServerError, "Authentication error")
		}
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		TokenType: "bearer",
		ExpiresIn: int(h.authSvc.TTL().Seconds()),
		OwnerID:   owner.ID,
		Email:     owner.Email,
		Name:      owner.Name,
	})
}

// Logout is a no-op on the server side since JWTs are stateless. Clients
// should discard their token.
// DELETE /api/v1/session
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Session invalidated",
	})
}
