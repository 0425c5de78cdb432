package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"connmgr/pkg/types"
)

func TestMetrics_TracksLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg)
	start := time.Now()

	observe := func(id string, kind types.EventKind, at time.Time) {
		m.Observe(types.ConnectionEvent{ConnectionID: id, Kind: kind, Timestamp: at})
	}
	observe("a", types.EventAdded, start)
	observe("b", types.EventAdded, start)
	observe("a", types.EventActivated, start)
	observe("b", types.EventActivated, start)
	observe("b", types.EventDeactivated, start)
	observe("b", types.EventRemoved, start.Add(2*time.Second))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.active))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.events.WithLabelValues("added")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.lifetime))
	assert.NotContains(t, m.addedAt, "b")

	count, err := testutil.GatherAndCount(reg, "connmgr_acceptor_connection_events_total")
	require.NoError(t, err)
	assert.Equal(t, 4, count, "one series per observed kind")
}

func TestMustNewMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	MustNewMetrics(reg)
	assert.Panics(t, func() { MustNewMetrics(reg) })
}

func TestMetrics_StoreDropped(t *testing.T) {
	reg := prometheus.NewRegistry()
	var dropped int64 = 3
	MustRegisterStoreDropped(reg, func() int64 { return dropped })

	expected := `
# HELP connmgr_store_dropped_events_total Connection events discarded because the event store queue was full.
# TYPE connmgr_store_dropped_events_total counter
connmgr_store_dropped_events_total 3
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"connmgr_store_dropped_events_total"))

	dropped = 5
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(strings.Replace(expected, " 3\n", " 5\n", 1)),
		"connmgr_store_dropped_events_total"))
}
