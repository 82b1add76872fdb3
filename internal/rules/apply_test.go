package rules

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/heikkila-labs/autopilot-core/internal/learning"
	"github.com/heikkila-labs/autopilot-core/internal/schema"
	"github.com/heikkila-labs/autopilot-core/internal/store"
)

func newTestRuntimeEngine(t *testing.T) (*RuntimeEngine, *store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "rules_apply.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewRuntimeEngine(st, learning.New(st)), st
}

func insertTestRun(t *testing.T, st *store.Store, autopilotID string) store.Run {
	t.Helper()
	ctx := context.Background()
	runID := st.NewID("run")
	plan := schema.BuildPlan(schema.RecipeDailyBrief, "test intent", schema.ProviderOpenAI)
	run := store.Run{
		ID:             runID,
		AutopilotID:    autopilotID,
		IdempotencyKey: runID,
		Plan:           plan,
		ProviderKind:   string(schema.ProviderOpenAI),
		ProviderTier:   string(schema.TierSupported),
		State:          store.RunReady,
		MaxRetries:     2,
	}
	err := st.Tx(ctx, func(tx *sql.Tx) error {
		if err := st.InsertAutopilotIfMissing(ctx, tx, autopilotID, autopilotID, 1); err != nil {
			return err
		}
		return st.InsertRun(ctx, tx, run)
	})
	require.NoError(t, err)
	got, err := st.GetRun(ctx, runID)
	require.NoError(t, err)
	return got
}

func TestRuntimeEngine_Apply_RecordsMatchForActiveRule(t *testing.T) {
	re, st := newTestRuntimeEngine(t)
	ctx := context.Background()
	run := insertTestRun(t, st, "ap1")

	scope := GuidanceScope{Kind: ScopeAutopilot, AutopilotID: "ap1"}
	card, err := re.ProposeRuleFromGuidance(ctx, "keep it short please", schema.RecipeDailyBrief, scope, "")
	require.NoError(t, err)
	require.NoError(t, re.ApproveRuleProposal(ctx, card.ID))

	require.NoError(t, re.Apply(ctx, run, "step_1"))

	activities, err := st.ListOutcomesForRun(ctx, run.ID)
	require.NoError(t, err)
	require.Empty(t, activities)

	var matches int
	require.NoError(t, st.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM rule_match_events WHERE run_id = ?", run.ID).Scan(&matches))
	require.Equal(t, 1, matches)
}

func TestRuntimeEngine_Apply_IsDedupedAcrossTicks(t *testing.T) {
	re, st := newTestRuntimeEngine(t)
	ctx := context.Background()
	run := insertTestRun(t, st, "ap1")

	scope := GuidanceScope{Kind: ScopeAutopilot, AutopilotID: "ap1"}
	card, err := re.ProposeRuleFromGuidance(ctx, "keep it short please", schema.RecipeDailyBrief, scope, "")
	require.NoError(t, err)
	require.NoError(t, re.ApproveRuleProposal(ctx, card.ID))

	require.NoError(t, re.Apply(ctx, run, "step_1"))
	require.NoError(t, re.Apply(ctx, run, "step_1"))

	profile, err := re.learning.GetRuntimeProfile(ctx, "ap1")
	require.NoError(t, err)
	require.Equal(t, "medium", profile.Knobs.ReplyLengthHint)

	var matches int
	require.NoError(t, st.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM rule_match_events WHERE run_id = ?", run.ID).Scan(&matches))
	require.Equal(t, 1, matches)
}

func TestRuntimeEngine_Apply_SkipsRulesForOtherAutopilots(t *testing.T) {
	re, st := newTestRuntimeEngine(t)
	ctx := context.Background()
	run := insertTestRun(t, st, "ap1")

	scope := GuidanceScope{Kind: ScopeAutopilot, AutopilotID: "other"}
	card, err := re.ProposeRuleFromGuidance(ctx, "keep it short please", schema.RecipeDailyBrief, scope, "")
	require.NoError(t, err)
	require.NoError(t, re.ApproveRuleProposal(ctx, card.ID))

	require.NoError(t, re.Apply(ctx, run, "step_1"))

	var matches int
	require.NoError(t, st.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM rule_match_events WHERE run_id = ?", run.ID).Scan(&matches))
	require.Equal(t, 0, matches)
}

func TestRuleMatchesRun(t *testing.T) {
	run := store.Run{ID: "run1", AutopilotID: "ap1"}
	require.True(t, ruleMatchesRun(Trigger{ScopeKind: ScopeAutopilot, AutopilotID: "ap1"}, run))
	require.False(t, ruleMatchesRun(Trigger{ScopeKind: ScopeAutopilot, AutopilotID: "ap2"}, run))
	require.True(t, ruleMatchesRun(Trigger{ScopeKind: ScopeRun, RunID: "run1"}, run))
	require.False(t, ruleMatchesRun(Trigger{ScopeKind: ScopeRun, RunID: "run2"}, run))
}
