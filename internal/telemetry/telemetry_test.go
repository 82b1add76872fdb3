package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigureLogger_LevelsAndFormats(t *testing.T) {
	require.NotNil(t, ConfigureLogger("debug", "json"))
	require.NotNil(t, ConfigureLogger("bogus", "text"))
	require.NotNil(t, ConfigureLogger("", ""))
}

func TestMetrics_RecordHelpersDoNotPanic(t *testing.T) {
	require.NotPanics(t, func() {
		RecordRunTerminal("website_monitor", "succeeded")
		RecordTick("website_monitor", 10*time.Millisecond)
		RecordRetry("website_monitor")
		SetApprovalsPending(3)
		RecordMissionFanOut("multi_site_watch")
		RecordAdaptationApplied("ap1")
		RecordInterventionApplied("pause_autopilot_15m")
	})
}

func TestRegistry_GatherIncludesRegisteredMetrics(t *testing.T) {
	RecordRunTerminal("inbox_triage", "failed")
	families, err := Registry.Gather()
	require.NoError(t, err)

	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	require.Contains(t, names, "autopilot_runs_total")
}
