package learning

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/heikkila-labs/autopilot-core/internal/schema"
	"github.com/heikkila-labs/autopilot-core/internal/store"
)

// seedDecisionEvents creates n decision events for autopilotID, each tied
// to its own terminal run so the protection-by-recency rule (which
// protects only the most recent handful of runs) does not shield the
// whole set from the retention-by-rank check under test.
func seedDecisionEvents(t *testing.T, st *store.Store, autopilotID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		runID := insertTerminalRun(t, st, autopilotID, schema.RecipeWebsiteMonitor, store.RunSucceeded, 100, 90)
		require.NoError(t, st.InsertDecisionEvent(ctx, store.DecisionEvent{
			EventID:      st.NewID("decision"),
			AutopilotID:  autopilotID,
			RunID:        runID,
			StepID:       "step1",
			EventType:    string(EventOutcomeOpened),
			MetadataJSON: "{}",
			CreatedAtMs:  nextTestClockMs(),
		}))
	}
}

func TestCompactLearningData_ReducesDecisionEventsToRetentionMax(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	seedDecisionEvents(t, st, "ap1", decisionEventsRetentionMax+50)

	report, err := p.CompactLearningData(ctx, "ap1", false)
	require.NoError(t, err)
	require.Equal(t, int64(50), report.DecisionEventsDeleted)

	count, err := st.CountDecisionEventsForAutopilot(ctx, "ap1")
	require.NoError(t, err)
	require.Equal(t, decisionEventsRetentionMax, count)
}

func TestCompactLearningData_DryRunDoesNotDelete(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	seedDecisionEvents(t, st, "ap1", decisionEventsRetentionMax+10)

	report, err := p.CompactLearningData(ctx, "ap1", true)
	require.NoError(t, err)
	require.Equal(t, int64(10), report.DecisionEventsDeleted)

	count, err := st.CountDecisionEventsForAutopilot(ctx, "ap1")
	require.NoError(t, err)
	require.Equal(t, decisionEventsRetentionMax+10, count)
}

func TestCompactLearningData_AcrossAllAutopilotsWhenIDEmpty(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	seedDecisionEvents(t, st, "ap1", decisionEventsRetentionMax+5)
	seedDecisionEvents(t, st, "ap2", decisionEventsRetentionMax+5)

	report, err := p.CompactLearningData(ctx, "", false)
	require.NoError(t, err)
	require.Equal(t, 2, report.AutopilotsTouched)
	require.Equal(t, int64(10), report.DecisionEventsDeleted)
}

func TestCompactLearningData_ProtectsEventsOfRecentRunsRegardlessOfRank(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	seedDecisionEvents(t, st, "ap1", decisionEventsRetentionMax+50)
	protectedRunID := insertTerminalRun(t, st, "ap1", schema.RecipeWebsiteMonitor, store.RunSucceeded, 100, 90)
	require.NoError(t, st.InsertDecisionEvent(ctx, store.DecisionEvent{
		EventID:      st.NewID("decision"),
		AutopilotID:  "ap1",
		RunID:        protectedRunID,
		StepID:       "step1",
		EventType:    string(EventOutcomeOpened),
		MetadataJSON: "{}",
		CreatedAtMs:  1, // oldest event: last by rank and outside the age window
	}))

	_, err := p.CompactLearningData(ctx, "ap1", false)
	require.NoError(t, err)

	events, err := st.ListDecisionEventsForRun(ctx, protectedRunID)
	require.NoError(t, err)
	require.Len(t, events, 1)
}
