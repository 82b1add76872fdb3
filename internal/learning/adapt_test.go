package learning

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/heikkila-labs/autopilot-core/internal/schema"
	"github.com/heikkila-labs/autopilot-core/internal/store"
)

func TestAdaptAutopilot_RaisesDiffThresholdAfterThreeNegativeEvents(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	runID := insertTerminalRun(t, st, "ap1", schema.RecipeWebsiteMonitor, store.RunSucceeded, 100, 90)
	for i := 0; i < 3; i++ {
		require.NoError(t, p.RecordDecisionEvent(ctx, RecordDecisionEventInput{
			AutopilotID: "ap1", RunID: runID, StepID: "step1",
			EventType: string(EventOutcomeIgnored),
		}))
	}

	before, err := p.GetRuntimeProfile(ctx, "ap1")
	require.NoError(t, err)

	result, err := p.AdaptAutopilot(ctx, "ap1", runID)
	require.NoError(t, err)
	require.True(t, result.Applied)
	require.Contains(t, result.RationaleCodes, "website_monitor_noise_suppression")

	after, err := p.GetRuntimeProfile(ctx, "ap1")
	require.NoError(t, err)
	require.Greater(t, after.Knobs.MinDiffScoreToNotify, before.Knobs.MinDiffScoreToNotify)
	require.NotZero(t, after.Suppression.SuppressUntilMs)
}

func TestAdaptAutopilot_IsIdempotentPerTriggerRun(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	runID := insertTerminalRun(t, st, "ap1", schema.RecipeWebsiteMonitor, store.RunSucceeded, 100, 90)
	for i := 0; i < 3; i++ {
		require.NoError(t, p.RecordDecisionEvent(ctx, RecordDecisionEventInput{
			AutopilotID: "ap1", RunID: runID, StepID: "step1",
			EventType: string(EventOutcomeIgnored),
		}))
	}

	first, err := p.AdaptAutopilot(ctx, "ap1", runID)
	require.NoError(t, err)
	require.True(t, first.Applied)

	second, err := p.AdaptAutopilot(ctx, "ap1", runID)
	require.NoError(t, err)
	require.False(t, second.Applied)

	count, err := st.CountAdaptationLogForAutopilot(ctx, "ap1")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestAdaptAutopilot_NoRuleFiresIsNoOp(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()
	runID := insertTerminalRun(t, st, "ap1", schema.RecipeInboxTriage, store.RunSucceeded, 100, 90)

	result, err := p.AdaptAutopilot(ctx, "ap1", runID)
	require.NoError(t, err)
	require.False(t, result.Applied)
}
