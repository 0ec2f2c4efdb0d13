// internal/metrics/metrics.go
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"harvestry-telemetry/internal/alerting"
	"harvestry-telemetry/internal/data"
	"harvestry-telemetry/internal/rules"
)

// Metrics holds the service's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	readingsAccepted *prometheus.CounterVec
	readingsRejected *prometheus.CounterVec
	evaluations      *prometheus.CounterVec
	evalDuration     *prometheus.HistogramVec
	alerts           *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		readingsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_readings_accepted_total",
			Help: "Readings persisted, by quality code.",
		}, []string{"quality"}),
		readingsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_readings_rejected_total",
			Help: "Candidate readings or payloads rejected, by reason.",
		}, []string{"reason"}),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_rule_evaluations_total",
			Help: "Rule evaluations, by rule type and outcome.",
		}, []string{"rule_type", "outcome"}),
		evalDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "telemetry_rule_evaluation_seconds",
			Help:    "Time to load a window and evaluate one rule for one stream.",
			Buckets: prometheus.DefBuckets,
		}, []string{"rule_type"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_alert_transitions_total",
			Help: "Alert lifecycle transitions, by transition and severity.",
		}, []string{"transition", "severity"}),
	}
	m.registry.MustRegister(
		m.readingsAccepted,
		m.readingsRejected,
		m.evaluations,
		m.evalDuration,
		m.alerts,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ReadingAccepted(q data.QualityCode) {
	m.readingsAccepted.WithLabelValues(string(q)).Inc()
}

func (m *Metrics) ReadingRejected(reason data.ErrorType) {
	m.readingsRejected.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) RuleEvaluated(rt rules.RuleType, outcome rules.Outcome, took time.Duration) {
	m.evaluations.WithLabelValues(string(rt), outcome.String()).Inc()
	m.evalDuration.WithLabelValues(string(rt)).Observe(took.Seconds())
}

func (m *Metrics) AlertTransition(t alerting.Transition, sev rules.Severity) {
	m.alerts.WithLabelValues(string(t), string(sev)).Inc()
}
