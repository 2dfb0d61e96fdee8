package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/keyward/keyward/internal/model"
)

// writeJSON serializes v as JSON and writes it to the response with the given
// HTTP status code. The Content-Type header is set to application/json.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a structured error response using the standard error
// envelope. The optional ctx map provides additional context fields.
func writeError(w http.ResponseWriter, code int, message string, ctx ...map[string]any) {
	var ctxMap map[string]any
	if len(ctx) > 0 {
		ctxMap = ctx[0]
	}
	writeJSON(w, code, model.ErrorResponse{
		Error: model.ErrorDetail{
			Code:    code,
			Reason:  reasonForStatus(code),
			Message: message,
			Context: ctxMap,
		},
	})
}

// reasonForStatus gives management API errors a stable machine-readable code.
func reasonForStatus(code int) string {
	switch code {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusBadGateway:
		return "upstream_unavailable"
	default:
		return "internal_error"
	}
}

// readJSON decodes the request body as JSON into v. Unknown fields are
// rejected. The body is closed after decoding regardless of success or
// failure.
func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// queryInt extracts an integer query parameter, returning defaultVal if the
// parameter is missing or cannot be parsed.
func queryInt(r *http.Request, key string, defaultVal int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// clampInt constrains val to be within [min, max].
func clampInt(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}
