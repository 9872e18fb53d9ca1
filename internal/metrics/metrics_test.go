package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObservePoll(3)
		m.ObserveRefresh("success")
		m.ObserveAction("create_task", "success")
		m.SetWatched(2)
	})
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObservePoll(3)
	m.ObservePoll(2)
	m.ObserveRefresh("failure")
	m.ObserveRefresh("failure")

	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			values[f.GetName()] += metric.GetCounter().GetValue()
		}
	}

	assert.Equal(t, float64(2), values["realty_mail_engine_poll_count"])
	assert.Equal(t, float64(5), values["realty_mail_engine_fetched_messages_total"])
	assert.Equal(t, float64(2), values["realty_mail_engine_credential_refreshes_total"])
}

func TestNewMetricsPerRegistry(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry())
		NewMetrics(prometheus.NewRegistry())
	})
}
