package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/keyward/keyward/internal/gate"
	"github.com/keyward/keyward/internal/model"
	"github.com/keyward/keyward/internal/telemetry"
	"github.com/keyward/keyward/internal/usage"
)

// Headers exchanged with gated handlers and upstreams.
const (
	HeaderUnitsEstimate = "X-Units-Estimate"
	HeaderUnitsConsumed = "X-Units-Consumed"

	headerLimit     = "X-RateLimit-Limit"
	headerRemaining = "X-RateLimit-Remaining"
	headerReset     = "X-RateLimit-Reset"
	headerRetry     = "Retry-After"
)

// GateOptions configures RequireCredential.
type GateOptions struct {
	// Scope is the permission the routes require. Empty means none.
	Scope string
	// Units is the smallest cost assumed for a request the handler does not
	// meter. Client estimates below it are raised to it. Defaults to 1.
	Units int64
	// Recorder receives one usage entry per request. Optional.
	Recorder *usage.Recorder
	// Metrics observes latency and committed units. Optional.
	Metrics *telemetry.Metrics
}

// RequireCredential admits requests through g. Denied requests get a JSON
// error with the denial reason; admitted ones carry the credential in their
// context and are charged after the handler returns.
//
// The charge is the first of: units set with gate.SetUnits, the handler's
// X-Units-Consumed response header, the client's X-Units-Estimate raised to
// at least the configured default. Requests that end in a 5xx are not
// charged.
func RequireCredential(g *gate.Gate, opts GateOptions) func(http.Handler) http.Handler {
	if opts.Units <= 0 {
		opts.Units = 1
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			estimate := max(unitsHeader(r.Header.Get(HeaderUnitsEstimate), opts.Units), opts.Units)
			plaintext, _ := gate.Extract(r)

			d := g.Admit(r.Context(), gate.Request{
				Plaintext: plaintext,
				Units:     estimate,
				Scope:     opts.Scope,
			})
			writeRateHeaders(w, d)

			if d.Credential != nil {
				AddLogAttrs(r.Context(), slog.String("credential_id", d.Credential.ID))
			}
			if !d.Admitted {
				AddLogAttrs(r.Context(), slog.String("reason", string(d.Reason)))
				status := StatusForReason(d.Reason)
				writeDenial(w, status, d)
				record(opts, r, d, status, 0, start)
				return
			}

			ctx := gate.WithMeter(gate.WithCredential(r.Context(), d.Credential))
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r.WithContext(ctx))

			var charged int64
			if ww.status < http.StatusInternalServerError {
				charged = actualUnits(ctx, ww, estimate)
				if charged > 0 {
					if err := g.Commit(ctx, d.Credential, charged); err != nil {
						opts.Metrics.CommitFailed()
					} else {
						opts.Metrics.UnitsCommitted(charged)
					}
				}
			}
			record(opts, r, d, ww.status, charged, start)
		})
	}
}

// StatusForReason maps a denial reason to its HTTP status.
func StatusForReason(reason gate.Reason) int {
	switch {
	case reason.IsCredentialFailure():
		return http.StatusUnauthorized
	case reason == gate.ScopeDenied:
		return http.StatusForbidden
	case reason == gate.RateLimited, reason == gate.QuotaExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeRateHeaders(w http.ResponseWriter, d gate.Decision) {
	if d.Rate == nil {
		return
	}
	h := w.Header()
	h.Set(headerLimit, strconv.Itoa(d.Rate.Limit))
	h.Set(headerRemaining, strconv.Itoa(d.Rate.Remaining))
	h.Set(headerReset, strconv.FormatInt(d.Rate.ResetAt, 10))
	if d.Reason == gate.RateLimited {
		h.Set(headerRetry, strconv.Itoa(d.Rate.RetryAfter))
	}
}

func writeDenial(w http.ResponseWriter, status int, d gate.Decision) {
	writeJSONError(w, model.ErrorResponse{
		Error: model.ErrorDetail{
			Code:    status,
			Reason:  string(d.Reason),
			Message: d.Message,
			Context: d.Details(),
		},
	})
}

// actualUnits resolves what the request really cost.
func actualUnits(ctx context.Context, ww *responseWriter, estimate int64) int64 {
	if n, ok := gate.MeteredUnits(ctx); ok {
		return max(n, 0)
	}
	if v := ww.Header().Get(HeaderUnitsConsumed); v != "" {
		return unitsHeader(v, estimate)
	}
	return estimate
}

// unitsHeader parses a non-negative unit count, falling back to def.
func unitsHeader(v string, def int64) int64 {
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func record(opts GateOptions, r *http.Request, d gate.Decision, status int, units int64, start time.Time) {
	elapsed := time.Since(start)
	outcome := telemetry.Outcome(d)
	opts.Metrics.ObserveRequest(outcome, elapsed)

	if opts.Recorder == nil {
		return
	}
	e := model.UsageLogEntry{
		Endpoint:   r.URL.Path,
		Method:     r.Method,
		Outcome:    outcome,
		StatusCode: status,
		Units:      units,
		LatencyMs:  float64(elapsed.Microseconds()) / 1000.0,
		RequestID:  GetRequestID(r.Context()),
	}
	if d.Credential != nil {
		id := d.Credential.ID
		e.CredentialID = &id
	}
	if d.Legacy {
		e.Metadata = map[string]any{"legacy": true}
	}
	opts.Recorder.Record(e)
}
