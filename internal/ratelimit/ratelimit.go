// Package ratelimit enforces per-identifier sliding-window request limits.
//
// Every admitted request is remembered as a timestamp for one window length.
// A request is allowed while fewer than Limit.Requests timestamps fall inside
// the trailing window. Two backends implement the same contract: a local
// in-process one and a shared redis one. The failover wrapper moves to the
// local backend for good the first time the shared backend errors.
package ratelimit

import (
	"context"
	"math"
	"time"
)

// Backend names reported by Limiter.Backend.
const (
	BackendLocal     = "local"
	BackendRedis     = "redis"
	BackendUnlimited = "unlimited"
)

// Limit is the allowance for one identifier.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Valid reports whether the limit can be enforced. Windows are kept at
// millisecond resolution, so anything shorter is not enforceable.
func (l Limit) Valid() bool {
	return l.Requests > 0 && l.Window >= time.Millisecond
}

// Result describes one admission decision.
type Result struct {
	Allowed bool `json:"allowed"`
	// Limit is the configured number of requests per window.
	Limit int `json:"limit"`
	// Remaining is how many more requests the window admits after this one.
	Remaining int `json:"remaining"`
	// ResetAt is the unix time, in seconds, at which the oldest counted
	// request leaves the window.
	ResetAt int64 `json:"reset_at"`
	// RetryAfter is the number of whole seconds to wait. Zero when allowed.
	RetryAfter int `json:"retry_after,omitempty"`
}

// Limiter decides whether a request for key fits its limit. Allowed requests
// are counted; denied requests are not.
type Limiter interface {
	Allow(ctx context.Context, key string, limit Limit) (Result, error)
	Backend() string
	Close() error
}

// Clock returns the current time. Tests substitute a fake.
type Clock func() time.Time

// buildResult turns the post-decision window state into a Result. oldest is
// the earliest timestamp still in the window, or zero when the window is
// empty.
func buildResult(allowed bool, count int, oldest, now time.Time, limit Limit) Result {
	reset := now.Add(limit.Window)
	if !oldest.IsZero() {
		reset = oldest.Add(limit.Window)
	}
	r := Result{
		Allowed:   allowed,
		Limit:     limit.Requests,
		Remaining: max(0, limit.Requests-count),
		ResetAt:   reset.Unix(),
	}
	if !allowed {
		r.RetryAfter = max(1, int(math.Ceil(reset.Sub(now).Seconds())))
	}
	return r
}

// Unlimited admits everything. It is used when rate limiting is disabled.
type Unlimited struct{}

func (Unlimited) Allow(_ context.Context, _ string, limit Limit) (Result, error) {
	return Result{Allowed: true, Limit: limit.Requests, Remaining: limit.Requests}, nil
}

func (Unlimited) Backend() string { return BackendUnlimited }

func (Unlimited) Close() error { return nil }
