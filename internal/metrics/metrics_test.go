package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAddsAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))

	// Registering a second, independent registry must not error even
	// though the package-level collector vars are shared process-wide.
	reg2 := prometheus.NewRegistry()
	require.NoError(t, Register(reg2))
}

func TestRecordTurnCompletedIncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))

	RecordTurnCompleted("agent-a", "completed", 1.5)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.True(t, hasCounterValue(mfs, "parley_turns_total", "status", "completed", 1))
}

func TestSetActiveConversationsSetsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))

	SetActiveConversations(4)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == "parley_active_conversations" {
			require.Len(t, mf.Metric, 1)
			assert.Equal(t, float64(4), mf.Metric[0].GetGauge().GetValue())
			return
		}
	}
	t.Fatal("parley_active_conversations not found")
}

func hasCounterValue(mfs []*dto.MetricFamily, name, labelName, labelValue string, want float64) bool {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			for _, l := range m.Label {
				if l.GetName() == labelName && l.GetValue() == labelValue {
					if m.GetCounter().GetValue() >= want {
						return true
					}
				}
			}
		}
	}
	return false
}
