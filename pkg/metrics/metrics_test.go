package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndGather(t *testing.T) {
	m, err := New("lend")
	require.NoError(t, err)

	m.RecordTransition("Deposited")
	m.RecordTransition("Deposited")
	m.RecordTransition("Borrowed")
	m.RecordRejected()
	m.UpdateLedger(3, 450, 100)
	m.UpdateCheckpointHeight(7)
	m.RecordNATSPublished()
	m.UpdateWSClients(2)
	m.ObserveApplyLatency(1200)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.transitionsApplied.WithLabelValues("Deposited")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.transitionsApplied.WithLabelValues("Borrowed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.transitionsRejected))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.accounts))
	assert.Equal(t, float64(450), testutil.ToFloat64(m.totalCollateral))
	assert.Equal(t, float64(100), testutil.ToFloat64(m.totalDebt))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.checkpointHeight))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.natsPublished))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.wsClients))

	families, err := m.Gather().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["lend_transitions_applied_total"])
	assert.True(t, names["lend_apply_latency_nanoseconds"])
	assert.True(t, names["lend_total_collateral"])
}
