// Package metrics provides Prometheus metrics for the patient portal.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeStale   = "stale"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	GatewayRequests     *prometheus.CounterVec
	GatewayDuration     *prometheus.HistogramVec
	Selections          *prometheus.CounterVec
	DependentLoads      *prometheus.CounterVec
	IndexRefreshes      *prometheus.CounterVec
	StaleResults        prometheus.Counter
	ActionsInFlight     prometheus.Gauge
	CollectionSize      *prometheus.GaugeVec
	CircuitBreakerState *prometheus.GaugeVec
	ChangeEvents        *prometheus.CounterVec
	EventSinkFailures   prometheus.Counter
}

// New creates all metrics and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		GatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_gateway_requests_total",
			Help: "Record service requests by kind, operation and outcome",
		}, []string{"kind", "op", "outcome"}),
		GatewayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "portal_gateway_request_duration_seconds",
			Help:    "Record service request duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"kind", "op"}),
		Selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_patient_selections_total",
			Help: "Patient selections by outcome",
		}, []string{"outcome"}),
		DependentLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_dependent_loads_total",
			Help: "Dependent collection group loads by outcome",
		}, []string{"outcome"}),
		IndexRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_reference_index_refreshes_total",
			Help: "Population-wide reference index refreshes by outcome",
		}, []string{"outcome"}),
		StaleResults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portal_stale_results_total",
			Help: "Results discarded because a newer selection superseded them",
		}),
		ActionsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "portal_actions_in_flight",
			Help: "Store actions currently awaiting record services",
		}),
		CollectionSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "portal_collection_entries",
			Help: "Entries held per store collection",
		}, []string{"collection"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		ChangeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_change_events_total",
			Help: "Resource change notifications consumed, by kind",
		}, []string{"kind"}),
		EventSinkFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portal_activity_publish_failures_total",
			Help: "Activity events that could not be published",
		}),
	}

	reg.MustRegister(
		m.GatewayRequests,
		m.GatewayDuration,
		m.Selections,
		m.DependentLoads,
		m.IndexRefreshes,
		m.StaleResults,
		m.ActionsInFlight,
		m.CollectionSize,
		m.CircuitBreakerState,
		m.ChangeEvents,
		m.EventSinkFailures,
	)

	return m
}

// ObserveGateway records one record service call
func (m *Metrics) ObserveGateway(kind, op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.GatewayRequests.WithLabelValues(kind, op, outcome).Inc()
	m.GatewayDuration.WithLabelValues(kind, op).Observe(d.Seconds())
}

// Selection counts a patient selection outcome
func (m *Metrics) Selection(outcome string) {
	if m == nil {
		return
	}
	m.Selections.WithLabelValues(outcome).Inc()
}

// DependentLoad counts a dependent group load outcome
func (m *Metrics) DependentLoad(outcome string) {
	if m == nil {
		return
	}
	m.DependentLoads.WithLabelValues(outcome).Inc()
}

// IndexRefresh counts a reference index refresh outcome
func (m *Metrics) IndexRefresh(outcome string) {
	if m == nil {
		return
	}
	m.IndexRefreshes.WithLabelValues(outcome).Inc()
}

// Stale counts a discarded superseded result
func (m *Metrics) Stale() {
	if m == nil {
		return
	}
	m.StaleResults.Inc()
}

// ActionStarted and ActionFinished track in-flight store actions
func (m *Metrics) ActionStarted() {
	if m == nil {
		return
	}
	m.ActionsInFlight.Inc()
}

func (m *Metrics) ActionFinished() {
	if m == nil {
		return
	}
	m.ActionsInFlight.Dec()
}

// SetCollectionSize records the size of a store collection
func (m *Metrics) SetCollectionSize(collection string, n int) {
	if m == nil {
		return
	}
	m.CollectionSize.WithLabelValues(collection).Set(float64(n))
}

// SetBreakerState records a circuit breaker state (0=closed, 1=open, 2=half-open)
func (m *Metrics) SetBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(state)
}

// ChangeEvent counts a consumed resource change notification
func (m *Metrics) ChangeEvent(kind string) {
	if m == nil {
		return
	}
	m.ChangeEvents.WithLabelValues(kind).Inc()
}

// SinkFailure counts an activity event that failed to publish
func (m *Metrics) SinkFailure() {
	if m == nil {
		return
	}
	m.EventSinkFailures.Inc()
}

// Handler returns the Prometheus HTTP handler for g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
