package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options selects a backend.
type Options struct {
	// Enabled turns rate limiting on. When false every request is admitted.
	Enabled bool
	// RedisURL points at the shared backend, e.g. redis://localhost:6379/0.
	// Empty means local only.
	RedisURL string
	// Timeout bounds each redis call.
	Timeout time.Duration
	// JanitorInterval controls idle-key eviction in the local backend.
	JanitorInterval time.Duration
	// OnFallback runs once if the shared backend fails at runtime.
	OnFallback func(error)
}

// New builds the Limiter described by opts. A configured but unreachable
// redis is logged and replaced by the local backend; it is not an error.
func New(ctx context.Context, opts Options, logger *slog.Logger) (Limiter, error) {
	if !opts.Enabled {
		logger.Info("rate limiting disabled")
		return Unlimited{}, nil
	}

	local := NewLocal(opts.JanitorInterval)
	if opts.RedisURL == "" {
		logger.Info("rate limiting enabled", "backend", BackendLocal)
		return local, nil
	}

	redisOpts, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		local.Close()
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	shared := NewRedis(redis.NewClient(redisOpts), opts.Timeout)
	if err := shared.Ping(ctx); err != nil {
		logger.Warn("redis unreachable, falling back to local rate limiting",
			"addr", redisOpts.Addr, "error", err)
		shared.Close()
		return local, nil
	}

	logger.Info("rate limiting enabled", "backend", BackendRedis, "addr", redisOpts.Addr)
	return NewFailover(shared, local, logger, opts.OnFallback), nil
}
