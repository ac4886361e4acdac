// Package metrics exposes Prometheus instrumentation for the transcript service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks agent turns, tool dispatches, model steps and sessions.
//
// All methods are safe on a nil receiver so callers can pass a nil *Metrics
// where instrumentation is disabled.
type Metrics struct {
	registry *prometheus.Registry

	// TurnsTotal counts finished turns.
	// Labels: termination (natural_stop|loop_guard|fatal_error)
	TurnsTotal *prometheus.CounterVec

	// ToolDispatches counts tool results appended to the conversation.
	// Labels: tool, outcome (ok|error|skipped|fatal|unknown)
	ToolDispatches *prometheus.CounterVec

	// ModelStepDuration measures one model request including streaming.
	// Labels: status (success|error)
	ModelStepDuration *prometheus.HistogramVec

	// ActiveSessions is the number of sessions held in memory.
	ActiveSessions prometheus.Gauge

	// SessionsEvicted counts sessions removed by the TTL sweep.
	SessionsEvicted prometheus.Counter
}

// New creates Metrics registered on a private registry, with Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tailor_turns_total",
				Help: "Total number of agent turns by termination reason",
			},
			[]string{"termination"},
		),
		ToolDispatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tailor_tool_dispatches_total",
				Help: "Total number of tool results by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
		ModelStepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tailor_model_step_duration_seconds",
				Help:    "Duration of model steps in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"status"},
		),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tailor_active_sessions",
			Help: "Number of sessions currently held in memory",
		}),
		SessionsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "tailor_sessions_evicted_total",
			Help: "Total number of sessions evicted by the TTL sweep",
		}),
	}
}

// ObserveModelStep records a model step latency.
func (m *Metrics) ObserveModelStep(d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ModelStepDuration.WithLabelValues(status).Observe(d.Seconds())
}

// ToolDispatched records one tool result.
func (m *Metrics) ToolDispatched(tool, outcome string) {
	if m == nil {
		return
	}
	m.ToolDispatches.WithLabelValues(tool, outcome).Inc()
}

// TurnFinished records a finished turn.
func (m *Metrics) TurnFinished(reason string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(reason).Inc()
}

// SetActiveSessions sets the active session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// SessionsSwept records an eviction pass.
func (m *Metrics) SessionsSwept(evicted, active int) {
	if m == nil {
		return
	}
	m.SessionsEvicted.Add(float64(evicted))
	m.ActiveSessions.Set(float64(active))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
