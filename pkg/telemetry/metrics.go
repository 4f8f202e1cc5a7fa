package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loamctl/loam/pkg/engine"
)

// Metrics collects run, node, and provider metrics on a private
// Prometheus registry. A disabled instance is a safe no-op.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry

	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	nodesApplied *prometheus.CounterVec
	nodeRetries  prometheus.Counter

	providerCalls    *prometheus.CounterVec
	providerErrors   *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec

	stateCommits  prometheus.Counter
	resourceCount prometheus.Gauge
}

// NewMetrics creates the metrics collector.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{config: cfg}
	}

	ns := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "runs_started_total",
			Help:      "Total number of runs started",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "runs_completed_total",
			Help:      "Total number of runs completed",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "run_duration_seconds",
			Help:      "Duration of runs in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),

		nodesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "nodes_applied_total",
			Help:      "Total nodes processed, by action and outcome",
		}, []string{"action", "status"}),
		nodeRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "node_retries_total",
			Help:      "Total node retry attempts",
		}),

		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "provider_calls_total",
			Help:      "Total provider calls",
		}, []string{"provider", "operation"}),
		providerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "provider_errors_total",
			Help:      "Total provider call failures",
		}, []string{"provider", "operation", "class"}),
		providerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "provider_call_duration_seconds",
			Help:      "Duration of provider calls in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "operation"}),

		stateCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "state_commits_total",
			Help:      "Total state document commits",
		}),
		resourceCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "resources_managed",
			Help:      "Resources currently tracked in state",
		}),
	}

	registry.MustRegister(
		m.runsStarted, m.runsCompleted, m.runDuration,
		m.nodesApplied, m.nodeRetries,
		m.providerCalls, m.providerErrors, m.providerDuration,
		m.stateCommits, m.resourceCount,
	)
	return m
}

// RecordRunStarted counts a new run.
func (m *Metrics) RecordRunStarted() {
	if m.registry == nil {
		return
	}
	m.runsStarted.Inc()
}

// RecordRunCompleted counts a finished run with its outcome.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordNodeResult counts one node outcome.
func (m *Metrics) RecordNodeResult(action, status string) {
	if m.registry == nil {
		return
	}
	m.nodesApplied.WithLabelValues(action, status).Inc()
}

// RecordProviderCall counts a provider call and its latency.
func (m *Metrics) RecordProviderCall(provider, operation string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, operation).Inc()
	m.providerDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordProviderError counts a failed provider call by error class.
func (m *Metrics) RecordProviderError(provider, operation, class string) {
	if m.registry == nil {
		return
	}
	m.providerErrors.WithLabelValues(provider, operation, class).Inc()
}

// SetResourceCount publishes the size of the state document.
func (m *Metrics) SetResourceCount(n int) {
	if m.registry == nil {
		return
	}
	m.resourceCount.Set(float64(n))
}

// Sink returns an event sink that folds executor progress events into
// counters. Safe to share across runs.
func (m *Metrics) Sink() engine.EventSink {
	return engine.EventSinkFunc(func(event engine.Event) {
		if m.registry == nil {
			return
		}
		switch event.Type {
		case engine.EventRunStarted:
			m.runsStarted.Inc()
		case engine.EventNodeRetrying:
			m.nodeRetries.Inc()
		case engine.EventStateCommit:
			m.stateCommits.Inc()
		}
	})
}

// Handler serves the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs a metrics HTTP server on the configured address until ctx
// is cancelled. No-op when no listen address is set.
func (m *Metrics) Serve(ctx context.Context) error {
	if m.registry == nil || m.config.ListenAddress == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{Addr: m.config.ListenAddress, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
