package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
)

// FailoverLimiter prefers a shared backend and switches to a local one the
// first time the shared backend fails. The switch is permanent for the life
// of the process; the failing call itself is answered by the local backend.
// A call whose own context ended is not a backend failure: its error is
// returned and the shared backend stays in use.
type FailoverLimiter struct {
	shared     Limiter
	local      Limiter
	logger     *slog.Logger
	onFallback func(error)

	degraded atomic.Bool
}

// NewFailover wraps shared and local. onFallback, when set, runs once at the
// moment of the switch.
func NewFailover(shared, local Limiter, logger *slog.Logger, onFallback func(error)) *FailoverLimiter {
	return &FailoverLimiter{
		shared:     shared,
		local:      local,
		logger:     logger,
		onFallback: onFallback,
	}
}

// Allow implements Limiter.
func (f *FailoverLimiter) Allow(ctx context.Context, key string, limit Limit) (Result, error) {
	if !f.degraded.Load() {
		res, err := f.shared.Allow(ctx, key, limit)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return Result{}, err
		}
		f.fallback(err)
	}
	return f.local.Allow(ctx, key, limit)
}

func (f *FailoverLimiter) fallback(err error) {
	if !f.degraded.CompareAndSwap(false, true) {
		return
	}
	f.logger.Warn("shared rate limit backend failed, using local backend from now on",
		"backend", f.shared.Backend(), "error", err)
	if f.onFallback != nil {
		f.onFallback(err)
	}
}

// Degraded reports whether the local backend has taken over.
func (f *FailoverLimiter) Degraded() bool {
	return f.degraded.Load()
}

// Backend reports the backend currently answering requests.
func (f *FailoverLimiter) Backend() string {
	if f.degraded.Load() {
		return f.local.Backend()
	}
	return f.shared.Backend()
}

// Close closes both backends.
func (f *FailoverLimiter) Close() error {
	return errors.Join(f.shared.Close(), f.local.Close())
}
