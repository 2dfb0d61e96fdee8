package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/keyward/keyward/internal/model"
	"github.com/keyward/keyward/internal/service"
)

// Authenticate returns an HTTP middleware that validates the owner session
// token in the Authorization header. On success the owner principal is
// attached to the request context; on failure a 401 JSON error is returned.
//
// API keys are not accepted here. They are only valid on gated routes.
func Authenticate(authSvc *service.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				writeAuthError(w, http.StatusUnauthorized,
					"Authentication required. Provide a Bearer session token.")
				return
			}

			p, err := authSvc.ValidateJWT(strings.TrimSpace(token))
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(service.WithOwner(r.Context(), p)))
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	writeJSONError(w, model.ErrorResponse{
		Error: model.ErrorDetail{
			Code:    status,
			Reason:  "unauthorized",
			Message: message,
		},
	})
}

func writeJSONError(w http.ResponseWriter, resp model.ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Error.Code)
	json.NewEncoder(w).Encode(resp)
}
