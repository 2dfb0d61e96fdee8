package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/keyward/keyward/internal/gate"
	"github.com/keyward/keyward/internal/handler"
	"github.com/keyward/keyward/internal/openapi"
	"github.com/keyward/keyward/internal/quota"
	"github.com/keyward/keyward/internal/ratelimit"
	"github.com/keyward/keyward/internal/server/middleware"
	"github.com/keyward/keyward/internal/service"
	"github.com/keyward/keyward/internal/store"
	"github.com/keyward/keyward/internal/telemetry"
	"github.com/keyward/keyward/internal/usage"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	MaxBodySize     int64 // bytes
	// IPRequestsPerMinute throttles session and gated routes per client
	// address before any credential work. Zero disables it.
	IPRequestsPerMinute int
	// UpstreamURL enables the /gw/ reverse proxy when set.
	UpstreamURL string
	// Version is reported in /openapi.json.
	Version string
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:                "0.0.0.0",
		Port:                8080,
		ShutdownTimeout:     30 * time.Second,
		CORSOrigins:         []string{"*"},
		MaxBodySize:         1 << 20, // 1MB
		IPRequestsPerMinute: 600,
	}
}

// Deps are the components the server routes to. Metrics and Recorder may be
// nil.
type Deps struct {
	Store       *store.Store
	Auth        *service.AuthService
	Credentials *service.CredentialService
	Quota       *quota.Accountant
	Gate        *gate.Gate
	Limiter     ratelimit.Limiter
	Recorder    *usage.Recorder
	Metrics     *telemetry.Metrics
}

// Server is the top-level HTTP server for keyward. It owns the Chi router;
// the components in Deps are owned and closed by the caller.
type Server struct {
	cfg        Config
	deps       Deps
	router     chi.Router
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. It fails on an unparsable upstream URL.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}
	if err := s.setupRouter(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) setupRouter() error {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID", middleware.HeaderUnitsEstimate},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if s.cfg.MaxBodySize > 0 {
		r.Use(chimw.RequestSize(s.cfg.MaxBodySize))
	}

	// --- Health checks and metrics (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method("GET", "/metrics", s.deps.Metrics.Handler())

	apiDoc, err := handler.NewOpenAPIHandler(openapi.Document(openapi.Options{
		Version: s.cfg.Version,
		Gateway: s.cfg.UpstreamURL != "",
	}))
	if err != nil {
		return err
	}
	r.Get("/openapi.json", apiDoc)

	ipLimit := middleware.RateLimit(s.cfg.IPRequestsPerMinute)
	requireKey := middleware.RequireCredential(s.deps.Gate, middleware.GateOptions{
		Recorder: s.deps.Recorder,
		Metrics:  s.deps.Metrics,
	})

	r.Route("/api/v1", func(r chi.Router) {
		sessions := handler.NewSessionHandler(s.deps.Auth, s.logger)
		r.With(ipLimit).Post("/session", sessions.Login)
		r.Delete("/session", sessions.Logout)

		// Owner management, authenticated by session token.
		r.Route("/credentials", func(r chi.Router) {
			r.Use(middleware.Authenticate(s.deps.Auth))
			creds := handler.NewCredentialHandler(s.deps.Store, s.deps.Credentials, s.deps.Quota, s.logger)

			r.Get("/", creds.List)
			r.Post("/", creds.Create)
			r.Get("/{id}", creds.Get)
			r.Patch("/{id}", creds.Update)
			r.Delete("/{id}", creds.Revoke)
			r.Post("/{id}/regenerate", creds.Regenerate)
			r.Post("/{id}/reset", creds.ResetUsage)
			r.Get("/{id}/usage", creds.Usage)
		})

		// Gated by API key.
		r.With(ipLimit, requireKey).Get("/whoami", handler.Whoami)
	})

	if s.cfg.UpstreamURL != "" {
		target, err := url.Parse(s.cfg.UpstreamURL)
		if err != nil || target.Scheme == "" || target.Host == "" {
			return fmt.Errorf("invalid upstream url %q", s.cfg.UpstreamURL)
		}
		proxy := http.StripPrefix("/gw", handler.NewUpstreamProxy(target, s.logger))
		r.With(ipLimit, requireKey).Handle("/gw/*", proxy)
		s.logger.Info("upstream proxy enabled", "upstream", target.Redacted())
	}

	s.router = r
	return nil
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. It returns 503 when the credential
// store is unreachable. A rate limiter running on its local fallback is
// reported but does not fail the probe.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	checks := make(map[string]string)

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		checks["store"] = "error: " + err.Error()
		status = "unavailable"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["store"] = "ok"
	}

	limiter := "none"
	if s.deps.Limiter != nil {
		limiter = s.deps.Limiter.Backend()
		if f, ok := s.deps.Limiter.(*ratelimit.FailoverLimiter); ok && f.Degraded() {
			checks["ratelimit"] = "degraded: using local fallback"
			if status == "ok" {
				status = "degraded"
			}
		} else {
			checks["ratelimit"] = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status":            status,
		"checks":            checks,
		"ratelimit_backend": limiter,
	})
}

// ListenAndServe starts the HTTP server and blocks until ctx is cancelled
// or a SIGINT or SIGTERM is received. It then performs a graceful shutdown,
// draining in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Listen for shutdown signals
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start server in background goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
