package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/keyward/keyward/internal/model"
)

// RateLimit returns an HTTP middleware that limits requests per IP address
// to the specified number per minute. It runs before credential checks so
// that floods of bad keys never reach the store. Zero disables it.
func RateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	if requestsPerMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeJSONError(w, model.ErrorResponse{
				Error: model.ErrorDetail{
					Code:    http.StatusTooManyRequests,
					Reason:  "ip_rate_limited",
					Message: "Too many requests from this address.",
				},
			})
		}),
	)
}
