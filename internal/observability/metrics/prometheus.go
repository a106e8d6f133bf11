// Package metrics provides Prometheus metrics for the dispenser platform.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	DispenseAttempts    *prometheus.CounterVec
	DispensesDenied     *prometheus.CounterVec
	DosesDispensed      *prometheus.CounterVec
	DispenseDuration    prometheus.Histogram
	DispensesInFlight   prometheus.Gauge
	VerdictsEvaluated   *prometheus.CounterVec
	PatientsRegistered  prometheus.Counter
	ConfigUpdates       prometheus.Counter
	InsightRequests     *prometheus.CounterVec
	InsightDuration     prometheus.Histogram
	EventsConsumed      *prometheus.CounterVec
	AnomaliesDetected   *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec

	registry prometheus.Registerer
}

// New creates all metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		DispenseAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispense_attempts_total",
			Help: "Dispense attempts by mode and result",
		}, []string{"mode", "result"}),
		DispensesDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispense_denied_total",
			Help: "Denied dispense attempts by verdict state and reason",
		}, []string{"state", "reason"}),
		DosesDispensed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doses_dispensed_total",
			Help: "Committed doses by event kind",
		}, []string{"kind"}),
		DispenseDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispense_duration_seconds",
			Help:    "Time from accepted attempt to committed dose",
			Buckets: []float64{.01, .1, .5, 1, 1.5, 2, 3, 5, 10},
		}),
		DispensesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispenses_in_flight",
			Help: "Devices currently running a dispense cycle",
		}),
		VerdictsEvaluated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eligibility_verdicts_total",
			Help: "Eligibility evaluations served by state",
		}, []string{"state"}),
		PatientsRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patients_registered_total",
			Help: "Devices provisioned through registration",
		}),
		ConfigUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescription_config_updates_total",
			Help: "Prescription configuration replacements",
		}),
		InsightRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "insight_requests_total",
			Help: "Compliance summary requests by outcome",
		}, []string{"outcome"}),
		InsightDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "insight_generation_duration_seconds",
			Help:    "Compliance summary generation latency",
			Buckets: prometheus.DefBuckets,
		}),
		EventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dose_events_consumed_total",
			Help: "Dose events consumed from the stream by kind",
		}, []string{"kind"}),
		AnomaliesDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adherence_anomalies_total",
			Help: "Adherence anomalies raised by type",
		}, []string{"type"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		registry: reg,
	}

	reg.MustRegister(
		m.DispenseAttempts,
		m.DispensesDenied,
		m.DosesDispensed,
		m.DispenseDuration,
		m.DispensesInFlight,
		m.VerdictsEvaluated,
		m.PatientsRegistered,
		m.ConfigUpdates,
		m.InsightRequests,
		m.InsightDuration,
		m.EventsConsumed,
		m.AnomaliesDetected,
		m.CircuitBreakerState,
	)

	return m
}

// RegisterGaugeFunc exposes a value sampled at scrape time, such as a queue depth.
func (m *Metrics) RegisterGaugeFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: name,
		Help: help,
	}, fn))
}

// Handler returns the Prometheus HTTP handler for the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns an HTTP handler serving metrics from g
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
