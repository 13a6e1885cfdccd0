// Package metrics exposes Prometheus instrumentation for the render pipeline.
//
// Every collector is registered on a registry owned by the [Metrics] value,
// so several instances (one per test, one per embedded app) never collide on
// the global default registry.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/americanexpress/one-app-sub001/internal/breaker"
	"github.com/americanexpress/one-app-sub001/internal/composer"
	"github.com/americanexpress/one-app-sub001/internal/health"
	"github.com/americanexpress/one-app-sub001/internal/serializer"
)

const namespace = "one_app"

// Composition outcomes recorded on calls_total.
const (
	OutcomeSuccess        = "success"
	OutcomeFailure        = "failure"
	OutcomeShortCircuited = "short_circuited"
)

// Metrics holds the collectors for one app instance.
type Metrics struct {
	registry *prometheus.Registry

	CircuitTransitions *prometheus.CounterVec
	CircuitState       prometheus.Gauge
	CircuitCalls       *prometheus.CounterVec
	EventLoopLag       prometheus.Histogram
	HealthChecks       *prometheus.CounterVec
	Serializations     *prometheus.CounterVec
	RenderErrors       prometheus.Counter
	Requests           *prometheus.CounterVec
	RequestDuration    prometheus.Histogram
}

// New creates the collectors and registers them on reg. A nil reg gets a
// fresh registry with the Go and process collectors.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			prometheus.NewGoCollector(),
		)
	}

	m := &Metrics{
		registry: reg,
		CircuitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "circuit",
			Name:      "transitions_total",
			Help:      "Circuit breaker state transitions by target state.",
		}, []string{"to"}),
		CircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit",
			Name:      "state",
			Help:      "Current circuit state: 0 closed, 1 open, 2 half-open.",
		}),
		CircuitCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "circuit",
			Name:      "calls_total",
			Help:      "Module compositions by outcome.",
		}, []string{"outcome"}),
		EventLoopLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_loop_lag_seconds",
			Help:      "Scheduler lag observed by health checks.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~0.5s
		}),
		HealthChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "checks_total",
			Help:      "Health checks by result.",
		}, []string{"result"}),
		Serializations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "serialization_total",
			Help:      "State serializations by tier.",
		}, []string{"tier"}),
		RenderErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "render_errors_total",
			Help:      "Responses served as the static error document.",
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Page requests by status code.",
		}, []string{"status"}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Page render duration.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		}),
	}

	reg.MustRegister(
		m.CircuitTransitions,
		m.CircuitState,
		m.CircuitCalls,
		m.EventLoopLag,
		m.HealthChecks,
		m.Serializations,
		m.RenderErrors,
		m.Requests,
		m.RequestDuration,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTransition matches breaker.Config.OnStateChange.
func (m *Metrics) ObserveTransition(_, to breaker.State) {
	m.CircuitTransitions.WithLabelValues(to.String()).Inc()
	m.CircuitState.Set(float64(to))
}

// ObserveComposition matches composer.WithObserver.
func (m *Metrics) ObserveComposition(res composer.Result) {
	switch {
	case errors.Is(res.Err, breaker.ErrCircuitOpen):
		m.CircuitCalls.WithLabelValues(OutcomeShortCircuited).Inc()
	case res.Err != nil:
		m.CircuitCalls.WithLabelValues(OutcomeFailure).Inc()
	default:
		m.CircuitCalls.WithLabelValues(OutcomeSuccess).Inc()
	}
	m.CircuitState.Set(float64(res.State))
}

// ObserveHealth records one health sample.
func (m *Metrics) ObserveHealth(s health.Sample) {
	m.EventLoopLag.Observe(s.Lag.Seconds())
	result := "healthy"
	if !s.Healthy {
		result = "unhealthy"
	}
	m.HealthChecks.WithLabelValues(result).Inc()
}

// ObserveSerialization matches serializer.WithObserver.
func (m *Metrics) ObserveSerialization(tier serializer.Tier) {
	m.Serializations.WithLabelValues(string(tier)).Inc()
}

// ObserveRenderError matches render.WithErrorObserver.
func (m *Metrics) ObserveRenderError(error) {
	m.RenderErrors.Inc()
}

// ObserveRequest records one served page.
func (m *Metrics) ObserveRequest(status int, elapsed time.Duration) {
	m.Requests.WithLabelValues(strconv.Itoa(status)).Inc()
	m.RequestDuration.Observe(elapsed.Seconds())
}
