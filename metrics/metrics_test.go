package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestNewRegistersWithoutPanicking(t *testing.T) {
	m := New()
	require.NotNil(t, m.Registry)

	families, err := m.Registry.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestRecordExitUpdatesCounterAndHistogram(t *testing.T) {
	m := New()
	m.RecordExit("SPY", "PROFIT_TARGET", 9.0)

	families, err := m.Registry.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "optionflow_trade_closed_total" {
			found = true
			require.Len(t, f.Metric, 1)
			require.Equal(t, 1.0, f.Metric[0].GetCounter().GetValue())
		}
	}
	require.True(t, found, "trade closed counter must be registered and incremented")
}

func TestAlertsRejectedTotalLabeledByReason(t *testing.T) {
	m := New()
	m.AlertsRejectedTotal.WithLabelValues("outside_session_window").Inc()
	m.AlertsRejectedTotal.WithLabelValues("outside_session_window").Inc()
	m.AlertsRejectedTotal.WithLabelValues("daily_trade_limit").Inc()

	require.Equal(t, float64(2), counterValue(t, m.AlertsRejectedTotal.WithLabelValues("outside_session_window")))
	require.Equal(t, float64(1), counterValue(t, m.AlertsRejectedTotal.WithLabelValues("daily_trade_limit")))
}
