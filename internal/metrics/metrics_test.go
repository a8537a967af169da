package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	m := New()
	m.ObservePoll(OutcomeUpdate)
	m.ObservePoll(OutcomeUpdate)
	m.ObservePoll(OutcomeTerminal)
	m.ObserveAuth(AuthStale)
	m.JobStarted()
	m.SetProgress("j1", 40)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.polls.WithLabelValues(OutcomeUpdate)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.polls.WithLabelValues(OutcomeTerminal)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.auth.WithLabelValues(AuthStale)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsStarted))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.jobProgress.WithLabelValues("j1")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObservePoll(OutcomeError)
		m.ObserveAuth(AuthTimeout)
		m.JobStarted()
		m.SetProgress("j", 1)
	})
}
