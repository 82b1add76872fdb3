package learning

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/heikkila-labs/autopilot-core/internal/schema"
	"github.com/heikkila-labs/autopilot-core/internal/store"
)

func TestEvaluateRun_RejectsNonTerminalRun(t *testing.T) {
	p, st := newTestPipeline(t)
	runID := insertTerminalRun(t, st, "ap1", schema.RecipeWebsiteMonitor, store.RunRunning, 100, 100)

	_, err := p.EvaluateRun(context.Background(), runID)
	require.Error(t, err)
}

func approveStep(t *testing.T, st *store.Store, runID, stepID string, latencyMs int64) {
	t.Helper()
	ctx := context.Background()
	now := nextTestClockMs()
	err := st.Tx(ctx, func(tx *sql.Tx) error {
		a, err := st.GetOrCreatePendingApproval(ctx, tx, runID, stepID, "preview", now)
		if err != nil {
			return err
		}
		return st.UpdateApprovalStatus(ctx, tx, a.ID, store.ApprovalApproved, "", now)
	})
	require.NoError(t, err)
	recordApprovalDecisionEvent(t, st, runID, stepID, EventApprovalApproved, latencyMs)
}

func rejectStep(t *testing.T, st *store.Store, runID, stepID string) {
	t.Helper()
	ctx := context.Background()
	now := nextTestClockMs()
	err := st.Tx(ctx, func(tx *sql.Tx) error {
		a, err := st.GetOrCreatePendingApproval(ctx, tx, runID, stepID, "preview", now)
		if err != nil {
			return err
		}
		return st.UpdateApprovalStatus(ctx, tx, a.ID, store.ApprovalRejected, "", now)
	})
	require.NoError(t, err)
	recordApprovalDecisionEvent(t, st, runID, stepID, EventApprovalRejected, 0)
}

func recordApprovalDecisionEvent(t *testing.T, st *store.Store, runID, stepID string, eventType DecisionEventType, latencyMs int64) {
	t.Helper()
	ctx := context.Background()
	meta := DecisionEventMetadata{}
	if latencyMs > 0 {
		meta.LatencyMs = &latencyMs
	}
	metaJSON, err := json.Marshal(meta)
	require.NoError(t, err)
	err = st.InsertDecisionEvent(ctx, store.DecisionEvent{
		EventID:      st.NewID("decision"),
		AutopilotID:  "ap1",
		RunID:        runID,
		StepID:       stepID,
		EventType:    string(eventType),
		MetadataJSON: string(metaJSON),
		CreatedAtMs:  nextTestClockMs(),
	})
	require.NoError(t, err)
}

func insertIgnoredOutcomeEvent(t *testing.T, st *store.Store, runID, stepID string) {
	t.Helper()
	recordApprovalDecisionEvent(t, st, runID, stepID, EventOutcomeIgnored, 0)
}

func insertEditedDraftEvent(t *testing.T, st *store.Store, runID, stepID string) {
	t.Helper()
	recordApprovalDecisionEvent(t, st, runID, stepID, EventDraftEdited, 0)
}

func TestEvaluateRun_BaselineScoreWithNoSignals(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()
	runID := insertTerminalRun(t, st, "ap1", schema.RecipeWebsiteMonitor, store.RunSucceeded, 100, 0)

	result, err := p.EvaluateRun(ctx, runID)
	require.NoError(t, err)
	require.True(t, result.Created)

	// quality = 60 (no approvals, no events, no latency sample)
	require.Equal(t, 60, result.QualityScore)
	// noise = 10 (no ignored/rejected events, and a no-change run with
	// zero ignored events does not earn the +15 bonus)
	require.Equal(t, 10, result.NoiseScore)
	// cost = 100 (usd_cents_actual=0, no retries, supported tier)
	require.Equal(t, 100, result.CostScore)
}

func TestEvaluateRun_QualityRewardsApprovalsAndPenalizesRejections(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()
	runID := insertTerminalRun(t, st, "ap1", schema.RecipeWebsiteMonitor, store.RunSucceeded, 100, 0)

	approveStep(t, st, runID, "step_1", 60_000) // latency <= 120s: +10 bonus
	rejectStep(t, st, runID, "step_2")

	result, err := p.EvaluateRun(ctx, runID)
	require.NoError(t, err)

	// quality = 60 + 15*1(approved) + 5*1(event_approved) - 20*1(rejected)
	//         - 5*1(event_rejected) + 10(latency bonus) = 60+15+5-20-5+10 = 65
	require.Equal(t, 65, result.QualityScore)
	// noise = 10 + 25*0(ignored) + 15*1(event_rejected) = 25
	require.Equal(t, 25, result.NoiseScore)
}

func TestEvaluateRun_QualityPenalizesHighLatencyAndEditedDrafts(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()
	runID := insertTerminalRun(t, st, "ap1", schema.RecipeWebsiteMonitor, store.RunSucceeded, 100, 0)

	approveStep(t, st, runID, "step_1", 1_000_000) // latency > 900s: -10 penalty
	insertEditedDraftEvent(t, st, runID, "step_1")

	result, err := p.EvaluateRun(ctx, runID)
	require.NoError(t, err)

	// quality = 60 + 15*1(approved) + 5*1(event_approved) - 10(edited) - 10(latency penalty) = 60
	require.Equal(t, 60, result.QualityScore)
}

func TestEvaluateRun_NoiseRewardsIgnoredOutcomesOnNoChangeRun(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()
	runID := insertTerminalRun(t, st, "ap1", schema.RecipeWebsiteMonitor, store.RunSucceeded, 100, 0)

	insertIgnoredOutcomeEvent(t, st, runID, "step_1")

	result, err := p.EvaluateRun(ctx, runID)
	require.NoError(t, err)

	// noise = 10 + 25*1(ignored) + 15*0(rejected) + 15(no-change bonus, since
	// this run recorded no outcomes and at least one ignored event) = 50
	require.Equal(t, 50, result.NoiseScore)
}

func TestEvaluateRun_CostAppliesFixedCentsThresholdsAndPenalties(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	underThreshold := insertTerminalRun(t, st, "ap1", schema.RecipeDailyBrief, store.RunSucceeded, 0, 40)
	overFirstThreshold := insertTerminalRun(t, st, "ap1", schema.RecipeDailyBrief, store.RunSucceeded, 0, 41)
	overSecondThreshold := insertTerminalRun(t, st, "ap1", schema.RecipeDailyBrief, store.RunSucceeded, 0, 81)

	under, err := p.EvaluateRun(ctx, underThreshold)
	require.NoError(t, err)
	require.Equal(t, 100, under.CostScore)

	overFirst, err := p.EvaluateRun(ctx, overFirstThreshold)
	require.NoError(t, err)
	require.Equal(t, 70, overFirst.CostScore)

	overSecond, err := p.EvaluateRun(ctx, overSecondThreshold)
	require.NoError(t, err)
	require.Equal(t, 20, overSecond.CostScore)
}

func TestEvaluateRun_CostPenalizesRetriesAndExperimentalTier(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	runID := st.NewID("run")
	now := nextTestClockMs()
	plan := schema.BuildPlan(schema.RecipeDailyBrief, "test intent", schema.ProviderGemini)
	err := st.Tx(ctx, func(tx *sql.Tx) error {
		if err := st.InsertAutopilotIfMissing(ctx, tx, "ap1", "ap1", now); err != nil {
			return err
		}
		return st.InsertRun(ctx, tx, store.Run{
			ID:             runID,
			AutopilotID:    "ap1",
			IdempotencyKey: runID,
			Plan:           plan,
			ProviderKind:   string(schema.ProviderGemini),
			ProviderTier:   string(schema.TierExperimental),
			State:          store.RunSucceeded,
			RetryCount:     2,
			MaxRetries:     3,
			USDCentsActual: 0,
			CreatedAtMs:    now,
			UpdatedAtMs:    now,
		})
	})
	require.NoError(t, err)

	result, err := p.EvaluateRun(ctx, runID)
	require.NoError(t, err)

	// cost = 100 - 10*2(retries) - 5(experimental tier) = 75
	require.Equal(t, 75, result.CostScore)
}

func TestEvaluateRun_IsIdempotent(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()
	runID := insertTerminalRun(t, st, "ap1", schema.RecipeWebsiteMonitor, store.RunSucceeded, 100, 90)

	first, err := p.EvaluateRun(ctx, runID)
	require.NoError(t, err)
	require.True(t, first.Created)

	second, err := p.EvaluateRun(ctx, runID)
	require.NoError(t, err)
	require.False(t, second.Created)
	require.Equal(t, first.QualityScore, second.QualityScore)

	count, err := st.CountRunEvaluationsForAutopilot(ctx, "ap1")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}
