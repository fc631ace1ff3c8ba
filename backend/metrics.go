package backend

import (
	"context"

	"github.com/deepnoodle-ai/aiflow/breaker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports dispatch counters and circuit states to Prometheus. It is
// a CallObserver and its ObserveTransition method can be passed to
// breaker.WithStateChangeHandler.
type Metrics struct {
	calls     *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	fallbacks *prometheus.CounterVec
	circuit   *prometheus.GaugeVec
}

// NewMetrics registers the dispatcher metrics with reg. A nil reg uses the
// default Prometheus registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_calls_total",
			Help:      "Backend invocations by outcome",
		}, []string{"backend", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_call_duration_seconds",
			Help:      "Backend invocation duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"backend"}),
		fallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_fallbacks_total",
			Help:      "Invocations retried with the fallback model",
		}, []string{"backend"}),
		circuit: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_circuit_state",
			Help:      "Circuit state per backend (0 closed, 1 half-open, 2 open)",
		}, []string{"backend"}),
	}
}

// ObserveCall implements CallObserver.
func (m *Metrics) ObserveCall(_ context.Context, record CallRecord) {
	name := string(record.Backend)
	outcome := "success"
	if !record.Success {
		outcome = "failure"
	}
	m.calls.WithLabelValues(name, outcome).Inc()
	m.duration.WithLabelValues(name).Observe(record.Duration.Seconds())
	if record.Fallback {
		m.fallbacks.WithLabelValues(name).Inc()
	}
}

// ObserveTransition records a circuit state change.
func (m *Metrics) ObserveTransition(t breaker.Transition) {
	var value float64
	switch t.To {
	case breaker.HalfOpen:
		value = 1
	case breaker.Open:
		value = 2
	}
	m.circuit.WithLabelValues(t.Backend).Set(value)
}
