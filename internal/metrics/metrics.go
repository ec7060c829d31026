// Package metrics holds the Prometheus collectors shared by the admission,
// retry, error log and fallback paths. A nil *Metrics is valid and records
// nothing.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tokenguard"

type Metrics struct {
	admissions       *prometheus.CounterVec
	tokensRecorded   *prometheus.CounterVec
	reservations     prometheus.Gauge
	attempts         *prometheus.CounterVec
	outcomes         *prometheus.CounterVec
	classifiedErrors *prometheus.CounterVec
	alertsFired      *prometheus.CounterVec
	alertDeliveries  *prometheus.CounterVec
	fallbackUses     *prometheus.CounterVec
	pruned           *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		admissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Admission decisions by result.",
		}, []string{"result"}),
		tokensRecorded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_recorded_total",
			Help:      "Tokens recorded in the usage ledger by operation.",
		}, []string{"operation"}),
		reservations: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reservations_pending",
			Help:      "Token reservations admitted but not yet committed or released.",
		}),
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_attempts_total",
			Help:      "Provider call attempts by operation.",
		}, []string{"operation"}),
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Terminal outcomes of retried provider calls.",
		}, []string{"operation", "outcome"}),
		classifiedErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classified_errors_total",
			Help:      "Classified errors logged by category and severity.",
		}, []string{"category", "severity"}),
		alertsFired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_fired_total",
			Help:      "Alert rules fired.",
		}, []string{"rule"}),
		alertDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_deliveries_total",
			Help:      "Alert deliveries by channel and result.",
		}, []string{"channel", "delivered"}),
		fallbackUses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_uses_total",
			Help:      "Fallback paths taken by type and success.",
		}, []string{"type", "success"}),
		pruned: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pruned_entries_total",
			Help:      "Entries evicted by retention sweeps.",
		}, []string{"store"}),
	}
}

func (m *Metrics) Admission(allowed bool) {
	if m == nil {
		return
	}
	result := "denied"
	if allowed {
		result = "allowed"
	}
	m.admissions.WithLabelValues(result).Inc()
}

func (m *Metrics) TokensRecorded(operation string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tokensRecorded.WithLabelValues(operation).Add(float64(n))
}

func (m *Metrics) ReservationsPending(n int) {
	if m == nil {
		return
	}
	m.reservations.Set(float64(n))
}

func (m *Metrics) Attempt(operation string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(operation).Inc()
}

func (m *Metrics) Outcome(operation, outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) ClassifiedError(category, severity string) {
	if m == nil {
		return
	}
	m.classifiedErrors.WithLabelValues(category, severity).Inc()
}

func (m *Metrics) AlertFired(rule string) {
	if m == nil {
		return
	}
	m.alertsFired.WithLabelValues(rule).Inc()
}

func (m *Metrics) AlertDelivery(channel string, delivered bool) {
	if m == nil {
		return
	}
	m.alertDeliveries.WithLabelValues(channel, strconv.FormatBool(delivered)).Inc()
}

func (m *Metrics) FallbackUse(fallbackType string, success bool) {
	if m == nil {
		return
	}
	m.fallbackUses.WithLabelValues(fallbackType, strconv.FormatBool(success)).Inc()
}

func (m *Metrics) Pruned(store string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.pruned.WithLabelValues(store).Add(float64(n))
}
