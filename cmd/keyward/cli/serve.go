package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/keyward/keyward/internal/config"
	"github.com/keyward/keyward/internal/gate"
	"github.com/keyward/keyward/internal/quota"
	"github.com/keyward/keyward/internal/ratelimit"
	"github.com/keyward/keyward/internal/server"
	"github.com/keyward/keyward/internal/service"
	"github.com/keyward/keyward/internal/store"
	"github.com/keyward/keyward/internal/telemetry"
	"github.com/keyward/keyward/internal/usage"
)

const banner = `
 _                                   _
| | _____ _   ___      ____ _ _ __ __| |
| |/ / _ \ | | \ \ /\ / / _' | '__/ _' |
|   <  __/ |_| |\ V  V / (_| | | | (_| |
|_|\_\___|\__, | \_/\_/ \__,_|_|  \__,_|
          |___/
`

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the keyward HTTP server",
		Long:  "Start the HTTP server that authenticates owners, manages credentials and gates API traffic.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntP("port", "p", 8080, "HTTP listen port")
	cmd.Flags().String("host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().String("upstream", "", "Proxy gated /gw/ traffic to this URL")

	v.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	v.BindPFlag("server.host", cmd.Flags().Lookup("host"))
	v.BindPFlag("upstream.url", cmd.Flags().Lookup("upstream"))

	return cmd
}

func runServe(ctx context.Context, out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.RequireSecrets(true, true); err != nil {
		return err
	}

	logger := config.NewLogger(cfg.Log, os.Stderr, devMode)

	fmt.Fprint(out, banner)
	fmt.Fprintln(out)

	// 1. Credential store
	st, err := store.Open(cfg.StoreOptions())
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer st.Close()
	if cfg.Store.DataDir == "" && cfg.Store.DSN == "" {
		logger.Warn("using an in-memory store, credentials are lost on exit")
	}
	logger.Info("store initialized", "driver", st.Dialect())

	codec, err := newCodec(cfg)
	if err != nil {
		return err
	}

	// 2. Metrics and rate limiter
	metrics := telemetry.New()
	limiter, err := ratelimit.New(ctx, ratelimit.Options{
		Enabled:         cfg.RateLimit.Enabled,
		RedisURL:        cfg.RateLimit.RedisURL,
		Timeout:         cfg.RateLimit.Timeout,
		JanitorInterval: cfg.RateLimit.Window,
		OnFallback:      metrics.LimiterFallback,
	}, logger)
	if err != nil {
		return fmt.Errorf("init rate limiter: %w", err)
	}
	defer limiter.Close()

	// 3. Admission
	acct := quota.New(st)
	g := gate.New(codec, st, limiter, acct, logger, gate.Options{
		Limit:      ratelimit.Limit{Requests: cfg.RateLimit.Requests, Window: cfg.RateLimit.Window},
		OnDecision: metrics.ObserveDecision,
	})
	defer g.Wait()

	// 4. Background workers
	recorder := usage.NewRecorder(st, logger, usage.Options{
		BufferSize: cfg.Usage.BufferSize,
		OnDrop:     metrics.UsageDropped,
	})
	recorder.Start()

	pruner := usage.NewPruner(st, cfg.Usage.Retention, cfg.Usage.PruneInterval, logger)
	pruner.Start()
	defer pruner.Shutdown()

	sampler := telemetry.NewSampler(metrics, storeStats(st), logger)
	sampler.Start()
	defer sampler.Shutdown()

	// 5. HTTP server
	srvCfg := server.Config{
		Host:                cfg.Server.Host,
		Port:                cfg.Server.Port,
		ShutdownTimeout:     cfg.Server.ShutdownTimeout,
		CORSOrigins:         cfg.Server.CORSOrigins,
		MaxBodySize:         cfg.Server.MaxBodySize,
		IPRequestsPerMinute: cfg.RateLimit.IPRequestsPerMinute,
		UpstreamURL:         cfg.Upstream.URL,
		Version:             appVersion,
	}
	srv, err := server.New(srvCfg, server.Deps{
		Store:       st,
		Auth:        service.NewAuthService(st, cfg.Auth.JWTSecret, cfg.Auth.JWTTTL),
		Credentials: service.NewCredentialService(st, codec, cfg.Quota.DefaultMonthlyLimit),
		Quota:       acct,
		Gate:        g,
		Limiter:     limiter,
		Recorder:    recorder,
		Metrics:     metrics,
	}, logger)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "→ Listening on http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintf(out, "→ Rate limit: %s\n", describeLimit(cfg.RateLimit, limiter))
	if cfg.Upstream.URL != "" {
		fmt.Fprintf(out, "→ Gateway:    /gw/ → %s\n", cfg.Upstream.URL)
	}
	fmt.Fprintf(out, "→ Health:     http://%s:%d/healthz\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintln(out)

	serveErr := srv.ListenAndServe(ctx)

	// Drain queued usage entries before the store closes.
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := recorder.Shutdown(drainCtx); err != nil {
		logger.Warn("usage log drain incomplete", "error", err, "dropped", recorder.Dropped())
	}
	return serveErr
}

// storeStats feeds the state gauges.
func storeStats(st *store.Store) telemetry.StatsFunc {
	return func(ctx context.Context) (telemetry.Stats, error) {
		active, err := st.CountActiveCredentials(ctx, time.Now())
		if err != nil {
			return telemetry.Stats{}, err
		}
		owners, err := st.CountOwners(ctx)
		if err != nil {
			return telemetry.Stats{}, err
		}
		return telemetry.Stats{ActiveCredentials: active, Owners: owners}, nil
	}
}

func describeLimit(c config.RateLimitConfig, l ratelimit.Limiter) string {
	if !c.Enabled {
		return "disabled"
	}
	return fmt.Sprintf("%d per %s (%s)", c.Requests, c.Window, l.Backend())
}
