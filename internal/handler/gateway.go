package handler

import (
	"net/http"

	"github.com/keyward/keyward/internal/gate"
)

// Whoami describes the credential that authorized the request. It sits
// behind the gate and costs one unit.
// GET /api/v1/whoami
func Whoami(w http.ResponseWriter, r *http.Request) {
	c := gate.CredentialFrom(r.Context())
	if c == nil {
		writeError(w, http.StatusUnauthorized, "No credential on request")
		return
	}
	gate.SetUnits(r.Context(), 1)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":             c.ID,
		"owner_id":       c.OwnerID,
		"label":          c.Label,
		"display_prefix": c.DisplayPrefix,
		"scopes":         c.Scopes,
		"monthly_limit":  c.MonthlyLimit,
		"monthly_usage":  c.MonthlyUsage,
		"legacy":         c.IsLegacy(),
	})
}
