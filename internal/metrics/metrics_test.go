package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.Admission(true)
		m.TokensRecorded("summary", 10)
		m.ReservationsPending(1)
		m.Attempt("summary")
		m.Outcome("summary", "success")
		m.ClassifiedError("api", "warning")
		m.AlertFired("rule")
		m.AlertDelivery("log", true)
		m.FallbackUse("template", true)
		m.Pruned("usage", 3)
	})
}

func TestMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Admission(true)
	m.Admission(false)
	m.Admission(false)
	require.Equal(t, 1.0, testutil.ToFloat64(m.admissions.WithLabelValues("allowed")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.admissions.WithLabelValues("denied")))

	m.TokensRecorded("summary", 50)
	m.TokensRecorded("summary", 0)
	require.Equal(t, 50.0, testutil.ToFloat64(m.tokensRecorded.WithLabelValues("summary")))

	m.ReservationsPending(4)
	require.Equal(t, 4.0, testutil.ToFloat64(m.reservations))

	m.AlertDelivery("slack", false)
	require.Equal(t, 1.0, testutil.ToFloat64(m.alertDeliveries.WithLabelValues("slack", "false")))

	m.Pruned("usage", 0)
	m.Pruned("usage", 2)
	require.Equal(t, 2.0, testutil.ToFloat64(m.pruned.WithLabelValues("usage")))
}
