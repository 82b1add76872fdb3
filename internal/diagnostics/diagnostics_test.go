package diagnostics

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/heikkila-labs/autopilot-core/internal/learning"
	"github.com/heikkila-labs/autopilot-core/internal/runner"
	"github.com/heikkila-labs/autopilot-core/internal/schema"
	"github.com/heikkila-labs/autopilot-core/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store, *runner.Runner) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "diagnostics.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	rn := runner.New(st, nil, nil)
	lp := learning.New(st)
	return New(st, rn, lp), st, rn
}

func insertRun(t *testing.T, st *store.Store, autopilotID string, state store.RunState, opts func(*store.Run)) store.Run {
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
		State:          state,
		MaxRetries:     3,
	}
	if opts != nil {
		opts(&run)
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

func TestDeriveRunDiagnostic_WaitingForApproval(t *testing.T) {
	run := store.Run{State: store.RunNeedsApproval}
	rec := deriveRunDiagnostic(seed{run: run})
	require.Equal(t, WaitingForApproval, rec.HealthStatus)
	require.Equal(t, "approval_pending", rec.ReasonCode)
}

func TestDeriveRunDiagnostic_RetryingStuckVsTransient(t *testing.T) {
	transient := deriveRunDiagnostic(seed{run: store.Run{State: store.RunRetrying, RetryCount: 0, MaxRetries: 5, FailureReason: "temporary glitch"}})
	require.Equal(t, RetryingTransient, transient.HealthStatus)

	stuck := deriveRunDiagnostic(seed{run: store.Run{State: store.RunRetrying, RetryCount: 2, MaxRetries: 5, FailureReason: "temporary glitch"}})
	require.Equal(t, RetryingStuck, stuck.HealthStatus)
}

func TestDeriveRunDiagnostic_ResourceThrottledTakesPrecedenceOverRetryingStuck(t *testing.T) {
	rec := deriveRunDiagnostic(seed{run: store.Run{State: store.RunRetrying, RetryCount: 4, MaxRetries: 5, FailureReason: "received 429 rate limit from provider"}})
	require.Equal(t, ResourceThrottled, rec.HealthStatus)
}

func TestDeriveRunDiagnostic_FailedReasonClassification(t *testing.T) {
	auth := deriveRunDiagnostic(seed{run: store.Run{State: store.RunFailed, FailureReason: "401 unauthorized: invalid api key"}})
	require.Equal(t, ProviderMisconfigured, auth.HealthStatus)

	unreachable := deriveRunDiagnostic(seed{run: store.Run{State: store.RunFailed, FailureReason: "dial tcp: connection timeout"}})
	require.Equal(t, SourceUnreachable, unreachable.HealthStatus)

	policy := deriveRunDiagnostic(seed{run: store.Run{State: store.RunFailed, FailureReason: "action blocked by policy guard"}})
	require.Equal(t, PolicyBlocked, policy.HealthStatus)

	unclassified := deriveRunDiagnostic(seed{run: store.Run{State: store.RunFailed, FailureReason: "something odd happened"}})
	require.Equal(t, FailedUnclassified, unclassified.HealthStatus)
}

func TestDeriveRunDiagnostic_TerminalAndDefault(t *testing.T) {
	done := deriveRunDiagnostic(seed{run: store.Run{State: store.RunSucceeded}})
	require.Equal(t, Completed, done.HealthStatus)

	healthy := deriveRunDiagnostic(seed{run: store.Run{State: store.RunRunning}})
	require.Equal(t, HealthyRunning, healthy.HealthStatus)
}

func TestBuildSuggestions_AlwaysIncludesActivityLogAndReceiptWhenApplicable(t *testing.T) {
	rec := deriveRunDiagnostic(seed{run: store.Run{State: store.RunSucceeded}})
	var kinds []string
	for _, s := range rec.Suggestions {
		kinds = append(kinds, s.Kind)
	}
	require.Contains(t, kinds, string(InterventionOpenActivityLog))
	require.Contains(t, kinds, string(InterventionOpenReceipt))
}

func TestBuildSuggestions_ReduceSourceScopeOnlyWhenEligible(t *testing.T) {
	plan := schema.BuildPlan(schema.RecipeDailyBrief, "test", schema.ProviderOpenAI)
	plan.DailySources = []string{"a", "b", "c", "d"}
	eligible := deriveRunDiagnostic(seed{run: store.Run{State: store.RunFailed, FailureReason: "network unreachable", Plan: plan}})
	var kinds []string
	for _, s := range eligible.Suggestions {
		kinds = append(kinds, s.Kind)
	}
	require.Contains(t, kinds, string(InterventionReduceSourceScope))

	plan.DailySources = []string{"a"}
	ineligible := deriveRunDiagnostic(seed{run: store.Run{State: store.RunFailed, FailureReason: "network unreachable", Plan: plan}})
	kinds = nil
	for _, s := range ineligible.Suggestions {
		kinds = append(kinds, s.Kind)
	}
	require.NotContains(t, kinds, string(InterventionReduceSourceScope))
}

func TestTruncateSummary(t *testing.T) {
	short := "all good"
	require.Equal(t, short, truncateSummary(short))

	long := ""
	for i := 0; i < 200; i++ {
		long += "x"
	}
	truncated := truncateSummary(long)
	require.Len(t, []rune(truncated), 183)
	require.True(t, len(truncated) > 0)
}

func TestClassifiers(t *testing.T) {
	require.True(t, isRateLimited("429 too many requests"))
	require.True(t, isProviderAuth("invalid api key supplied"))
	require.True(t, isSourceUnreachable("dns lookup failed"))
	require.True(t, isPolicyBlocked("this action is not allowed"))
	require.False(t, isRateLimited("totally unrelated"))
}

func TestListRunDiagnostics(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()
	insertRun(t, st, "ap1", store.RunReady, nil)
	insertRun(t, st, "ap1", store.RunFailed, func(r *store.Run) { r.FailureReason = "invalid api key" })

	records, err := eng.ListRunDiagnostics(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestApplyIntervention_ApprovePendingAction(t *testing.T) {
	eng, st, rn := newTestEngine(t)
	ctx := context.Background()
	run := insertRun(t, st, "ap1", store.RunReady, nil)

	// Drive the run to needs_approval via a real tick (step_2 of daily_brief
	// requires approval).
	_, err := rn.Tick(ctx, run.ID)
	require.NoError(t, err)
	_, err = rn.Tick(ctx, run.ID)
	require.NoError(t, err)

	updated, err := rn.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunNeedsApproval, updated.State)

	result, err := eng.ApplyIntervention(ctx, ApplyInterventionInput{RunID: run.ID, Kind: string(InterventionApprovePendingAction)})
	require.NoError(t, err)
	require.True(t, result.OK)

	activities, err := st.ListActivitiesForRun(ctx, run.ID)
	require.NoError(t, err)
	found := false
	for _, a := range activities {
		if a.ActivityType == "intervention_applied" {
			found = true
		}
	}
	require.True(t, found)
}

func TestApplyIntervention_AnswerClarificationWithoutPendingStateErrors(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()
	run := insertRun(t, st, "ap1", store.RunReady, nil)

	_, err := eng.ApplyIntervention(ctx, ApplyInterventionInput{RunID: run.ID, Kind: string(InterventionAnswerClarification), AnswerText: "answer"})
	require.Error(t, err)
}

func TestApplyIntervention_PauseAutopilot(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()
	run := insertRun(t, st, "ap1", store.RunReady, nil)

	result, err := eng.ApplyIntervention(ctx, ApplyInterventionInput{RunID: run.ID, Kind: string(InterventionPauseAutopilot15m)})
	require.NoError(t, err)
	require.True(t, result.OK)
}

func TestApplyIntervention_UnknownKindErrors(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()
	run := insertRun(t, st, "ap1", store.RunReady, nil)

	_, err := eng.ApplyIntervention(ctx, ApplyInterventionInput{RunID: run.ID, Kind: "delete_everything"})
	require.Error(t, err)
}

func TestApplyIntervention_ReduceSourceScope(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()
	plan := schema.BuildPlan(schema.RecipeDailyBrief, "test", schema.ProviderOpenAI)
	plan.DailySources = []string{"a", "b", "c", "d", "e"}
	run := insertRun(t, st, "ap1", store.RunFailed, func(r *store.Run) {
		r.FailureReason = "network unreachable"
		r.Plan = plan
	})

	result, err := eng.ApplyIntervention(ctx, ApplyInterventionInput{RunID: run.ID, Kind: string(InterventionReduceSourceScope)})
	require.NoError(t, err)
	require.True(t, result.OK)

	updated, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, updated.Plan.DailySources, 3)
}

func TestApplyIntervention_SwitchProviderDefault(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()
	run := insertRun(t, st, "ap1", store.RunFailed, func(r *store.Run) {
		r.FailureReason = "invalid api key"
		r.ProviderKind = string(schema.ProviderGemini)
		r.ProviderTier = string(schema.TierExperimental)
		plan := r.Plan
		plan.Provider = schema.ProviderMetadataFromID(schema.ProviderGemini)
		r.Plan = plan
	})

	result, err := eng.ApplyIntervention(ctx, ApplyInterventionInput{RunID: run.ID, Kind: string(InterventionSwitchProviderDefault)})
	require.NoError(t, err)
	require.True(t, result.OK)

	updated, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, string(schema.ProviderOpenAI), updated.ProviderKind)
	require.Equal(t, string(schema.TierSupported), updated.ProviderTier)
}
