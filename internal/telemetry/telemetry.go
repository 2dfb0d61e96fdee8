// Package telemetry exposes Prometheus metrics for admission, quota and the
// usage pipeline. All methods accept a nil *Metrics and do nothing.
package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keyward/keyward/internal/gate"
)

const (
	namespace      = "keyward"
	sampleInterval = 30 * time.Second
)

// Metrics owns a private registry so tests and multiple servers in one
// process never collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	decisions        *prometheus.CounterVec
	legacyAuth       prometheus.Counter
	unitsCommitted   prometheus.Counter
	commitFailures   prometheus.Counter
	limiterFallbacks prometheus.Counter
	usageDropped     prometheus.Counter
	requestDuration  *prometheus.HistogramVec

	activeCredentials prometheus.Gauge
	owners            prometheus.Gauge
}

// New creates and registers all collectors, including the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Admission decisions by outcome.",
		}, []string{"outcome"}),
		legacyAuth: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "legacy_authentications_total",
			Help:      "Requests authenticated through the single-round fingerprint.",
		}),
		unitsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_units_committed_total",
			Help:      "Units charged to credentials after admitted requests.",
		}),
		commitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_commit_failures_total",
			Help:      "Usage commits that failed to persist.",
		}),
		limiterFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_fallbacks_total",
			Help:      "Switches from the shared rate limit backend to the local one.",
		}),
		usageDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_entries_dropped_total",
			Help:      "Usage log entries discarded before reaching storage.",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gated_request_duration_seconds",
			Help:      "Latency of gated requests, admission included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		activeCredentials: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_credentials",
			Help:      "Credentials that are active and unexpired.",
		}),
		owners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "owners",
			Help:      "Registered owner accounts.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.decisions,
		m.legacyAuth,
		m.unitsCommitted,
		m.commitFailures,
		m.limiterFallbacks,
		m.usageDropped,
		m.requestDuration,
		m.activeCredentials,
		m.owners,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveDecision counts one admission decision.
func (m *Metrics) ObserveDecision(d gate.Decision) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(Outcome(d)).Inc()
	if d.Legacy {
		m.legacyAuth.Inc()
	}
}

// ObserveRequest records the latency of a gated request.
func (m *Metrics) ObserveRequest(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// UnitsCommitted counts units charged after a request.
func (m *Metrics) UnitsCommitted(units int64) {
	if m == nil || units <= 0 {
		return
	}
	m.unitsCommitted.Add(float64(units))
}

// CommitFailed counts a usage commit that did not persist.
func (m *Metrics) CommitFailed() {
	if m == nil {
		return
	}
	m.commitFailures.Inc()
}

// LimiterFallback counts a switch to the local rate limit backend.
func (m *Metrics) LimiterFallback(error) {
	if m == nil {
		return
	}
	m.limiterFallbacks.Inc()
}

// UsageDropped counts a discarded usage entry.
func (m *Metrics) UsageDropped() {
	if m == nil {
		return
	}
	m.usageDropped.Inc()
}

// Outcome is the label value for a decision: "admitted" or its reason.
func Outcome(d gate.Decision) string {
	if d.Admitted {
		return "admitted"
	}
	return string(d.Reason)
}

// Stats is a point-in-time snapshot of stored state.
type Stats struct {
	ActiveCredentials int
	Owners            int
}

// StatsFunc gathers current state. It is called once per sample.
type StatsFunc func(ctx context.Context) (Stats, error)

// Sampler refreshes the state gauges in the background.
type Sampler struct {
	metrics  *Metrics
	statsFn  StatsFunc
	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSampler returns nil when m is nil. Start and Shutdown accept a nil
// Sampler.
func NewSampler(m *Metrics, statsFn StatsFunc, logger *slog.Logger) *Sampler {
	if m == nil {
		return nil
	}
	return &Sampler{metrics: m, statsFn: statsFn, interval: sampleInterval, logger: logger}
}

// Start takes a sample immediately and then every interval. Non-blocking.
func (s *Sampler) Start() {
	if s == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.sample(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sample(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Shutdown stops the background loop.
func (s *Sampler) Shutdown() {
	if s == nil {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sampler) sample(ctx context.Context) {
	stats, err := s.statsFn(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Debug("sample stats", "error", err)
		}
		return
	}
	s.metrics.activeCredentials.Set(float64(stats.ActiveCredentials))
	s.metrics.owners.Set(float64(stats.Owners))
}
