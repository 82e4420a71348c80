package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRegisterAndCount(t *testing.T) {
	m := New("voicerelay_test")

	m.ActiveSessions.Inc()
	m.FramesForwarded.Inc()
	m.Interruptions.WithLabelValues("accepted").Inc()
	m.Interruptions.WithLabelValues("suppressed").Add(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesForwarded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Interruptions.WithLabelValues("accepted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Interruptions.WithLabelValues("suppressed")))

	m.ActiveSessions.Dec()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveSessions))
}
