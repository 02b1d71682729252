package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveDispatch("docker.list")
	m.ObserveDispatch("docker.list")
	m.ObserveStatus("Success")
	m.ObserveHeartbeat(HeartbeatAccepted)
	m.ObserveHeartbeat(HeartbeatUnauthorized)
	m.SetConnectedNodes(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CommandsDispatched.WithLabelValues("docker.list")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandStatuses.WithLabelValues("Success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Heartbeats.WithLabelValues(HeartbeatUnauthorized)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ConnectedNodes))

	n, err := testutil.GatherAndCount(reg, "fleetplane_heartbeats_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestNew_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}
