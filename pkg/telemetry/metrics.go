package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for transition checks and handler
// loading. A nil *Metrics or one created with metrics disabled is a no-op.
type Metrics struct {
	config MetricsConfig

	// Transition metrics
	transitions       *prometheus.CounterVec
	transitionLatency *prometheus.HistogramVec

	// Handler metrics
	guardEvaluations  *prometheus.CounterVec
	conditionFailures *prometheus.CounterVec
	actionExecutions  *prometheus.CounterVec
	handlerDuration   *prometheus.HistogramVec

	// Loader metrics
	handlersLoaded *prometheus.GaugeVec
	loadFailures   *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Total number of transition checks by outcome",
			},
			[]string{"domain", "outcome", "mode"},
		),
		transitionLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transition_duration_seconds",
				Help:      "Duration of transition checks in seconds",
				Buckets:   buckets,
			},
			[]string{"domain", "mode"},
		),
		guardEvaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "guard_evaluations_total",
				Help:      "Total number of guard evaluations by result",
			},
			[]string{"domain", "guard", "result"},
		),
		conditionFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "condition_failures_total",
				Help:      "Total number of failed condition checks",
			},
			[]string{"domain", "condition"},
		),
		actionExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "action_executions_total",
				Help:      "Total number of action executions by status",
			},
			[]string{"domain", "action", "status"},
		),
		handlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handler_duration_seconds",
				Help:      "Duration of handler calls in seconds",
				Buckets:   buckets,
			},
			[]string{"kind", "name"},
		),
		handlersLoaded: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "handlers_loaded",
				Help:      "Number of registered handlers per kind",
			},
			[]string{"kind"},
		),
		loadFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "load_failures_total",
				Help:      "Total number of handler files that failed to load",
			},
			[]string{"kind", "layer"},
		),
	}

	registry.MustRegister(
		m.transitions,
		m.transitionLatency,
		m.guardEvaluations,
		m.conditionFailures,
		m.actionExecutions,
		m.handlerDuration,
		m.handlersLoaded,
		m.loadFailures,
	)

	return m, nil
}

// Transition Metrics

// RecordTransition records the outcome of one transition check. mode is
// "validate" or "execute".
func (m *Metrics) RecordTransition(domain, outcome, mode string, duration time.Duration) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(domain, outcome, mode).Inc()
	m.transitionLatency.WithLabelValues(domain, mode).Observe(duration.Seconds())
}

// Handler Metrics

// RecordGuard records a guard evaluation.
func (m *Metrics) RecordGuard(domain, guard, result string) {
	if m == nil || m.guardEvaluations == nil {
		return
	}
	m.guardEvaluations.WithLabelValues(domain, guard, result).Inc()
}

// RecordConditionFailure records a condition entry that did not pass.
func (m *Metrics) RecordConditionFailure(domain, condition string) {
	if m == nil || m.conditionFailures == nil {
		return
	}
	m.conditionFailures.WithLabelValues(domain, condition).Inc()
}

// RecordAction records an action execution.
func (m *Metrics) RecordAction(domain, action, status string) {
	if m == nil || m.actionExecutions == nil {
		return
	}
	m.actionExecutions.WithLabelValues(domain, action, status).Inc()
}

// ObserveHandler records how long a handler call took.
func (m *Metrics) ObserveHandler(kind, name string, duration time.Duration) {
	if m == nil || m.handlerDuration == nil {
		return
	}
	m.handlerDuration.WithLabelValues(kind, name).Observe(duration.Seconds())
}

// Loader Metrics

// SetHandlersLoaded sets the number of registered handlers for kind.
func (m *Metrics) SetHandlersLoaded(kind string, count int) {
	if m == nil || m.handlersLoaded == nil {
		return
	}
	m.handlersLoaded.WithLabelValues(kind).Set(float64(count))
}

// RecordLoadFailure records a handler file that failed to load.
func (m *Metrics) RecordLoadFailure(kind, layer string) {
	if m == nil || m.loadFailures == nil {
		return
	}
	m.loadFailures.WithLabelValues(kind, layer).Inc()
}

// Gatherer exposes the private registry, mainly for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil || m.registry == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is cancelled. It returns
// immediately when metrics are disabled or no listen address is set.
func (m *Metrics) Serve(ctx context.Context, logger zerolog.Logger) error {
	if m == nil || !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("address", m.config.ListenAddress).Str("path", path).Msg("Serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
