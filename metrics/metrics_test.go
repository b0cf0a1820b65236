package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.HeartbeatsSent.Add(3)
	m.Registrations.WithLabelValues(ResultRegistered).Inc()
	m.Evictions.WithLabelValues(ReasonStale).Inc()
	m.Peers.Set(2)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["cachepeers_heartbeat_sent_total"])
	assert.True(t, names["cachepeers_registry_registrations_total"])
	assert.True(t, names["cachepeers_registry_evictions_total"])
	assert.True(t, names["cachepeers_registry_peers"])

	assert.Equal(t, 3.0, testutil.ToFloat64(m.HeartbeatsSent))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Peers))
}

func TestNewWithoutRegisterer(t *testing.T) {
	a := New(nil)
	b := New(nil)
	a.SendErrors.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.SendErrors))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.SendErrors))
}
