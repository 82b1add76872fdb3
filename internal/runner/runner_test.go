package runner

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/heikkila-labs/autopilot-core/internal/schema"
	"github.com/heikkila-labs/autopilot-core/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "autopilot.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func websiteMonitorPlan() schema.AutopilotPlan {
	return schema.BuildPlan(schema.RecipeWebsiteMonitor, "watch https://example.com for changes", schema.ProviderOpenAI)
}

func TestStartRun_IsIdempotent(t *testing.T) {
	st := newTestStore(t)
	r := New(st, nil, nil)
	ctx := context.Background()
	plan := websiteMonitorPlan()

	first, err := r.StartRun(ctx, "auto_1", plan, "idem-key-1", 3)
	require.NoError(t, err)
	require.Equal(t, store.RunReady, first.State)

	second, err := r.StartRun(ctx, "auto_1", plan, "idem-key-1", 3)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}

func TestTick_ReadOnlyStepAdvancesWithoutApproval(t *testing.T) {
	st := newTestStore(t)
	r := New(st, nil, nil)
	ctx := context.Background()
	plan := websiteMonitorPlan()

	run, err := r.StartRun(ctx, "auto_1", plan, "idem-key-2", 3)
	require.NoError(t, err)

	run, err = r.Tick(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunReady, run.State)
	require.Equal(t, 1, run.CurrentStepIndex)
}

func TestTick_ApprovalGatedStepPausesAndCanBeApproved(t *testing.T) {
	st := newTestStore(t)
	r := New(st, nil, nil)
	ctx := context.Background()
	plan := websiteMonitorPlan()

	run, err := r.StartRun(ctx, "auto_1", plan, "idem-key-3", 3)
	require.NoError(t, err)

	run, err = r.Tick(ctx, run.ID) // step_1: read_web, no approval needed
	require.NoError(t, err)
	require.Equal(t, 1, run.CurrentStepIndex)

	run, err = r.Tick(ctx, run.ID) // step_2: requires approval
	require.NoError(t, err)
	require.Equal(t, store.RunNeedsApproval, run.State)
	require.Equal(t, 1, run.CurrentStepIndex)

	pending, err := r.ListPendingApprovals(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, run.ID, pending[0].RunID)

	// Ticking again while needs_approval must be a no-op.
	unchanged, err := r.Tick(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunNeedsApproval, unchanged.State)

	approved, err := r.Approve(ctx, pending[0].ID)
	require.NoError(t, err)
	require.Equal(t, 2, approved.CurrentStepIndex)
	require.NotEqual(t, store.RunNeedsApproval, approved.State)
}

func TestReject_CancelsRun(t *testing.T) {
	st := newTestStore(t)
	r := New(st, nil, nil)
	ctx := context.Background()
	plan := websiteMonitorPlan()

	run, err := r.StartRun(ctx, "auto_1", plan, "idem-key-4", 3)
	require.NoError(t, err)
	run, err = r.Tick(ctx, run.ID)
	require.NoError(t, err)
	run, err = r.Tick(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunNeedsApproval, run.State)

	pending, err := r.ListPendingApprovals(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	rejected, err := r.Reject(ctx, pending[0].ID, "")
	require.NoError(t, err)
	require.Equal(t, store.RunCanceled, rejected.State)
	require.Equal(t, "Approval was rejected by the user.", rejected.FailureReason)
}

func TestTick_RetryableFailureSchedulesBackoffThenFails(t *testing.T) {
	st := newTestStore(t)
	r := New(st, nil, nil)
	ctx := context.Background()
	plan := schema.BuildPlan(schema.RecipeWebsiteMonitor, "simulate_retryable_failure for https://example.com", schema.ProviderOpenAI)

	run, err := r.StartRun(ctx, "auto_1", plan, "idem-key-5", 1)
	require.NoError(t, err)

	run, err = r.Tick(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunRetrying, run.State)
	require.Equal(t, 1, run.RetryCount)
	require.Equal(t, int64(200), run.NextRetryBackoffMs)

	// Not due yet: ticking again before the backoff elapses is a no-op.
	unchanged, err := r.Tick(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunRetrying, unchanged.State)
	require.Equal(t, 1, unchanged.RetryCount)

	// Tick compares next_retry_at_ms with the wall clock, so make the retry due now.
	_, err = st.DB().ExecContext(ctx, "UPDATE runs SET next_retry_at_ms = 0 WHERE id = ?", run.ID)
	require.NoError(t, err)

	due, err := r.ResumeDueRuns(ctx, run.NextRetryAtMs, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, store.RunFailed, due[0].State)
}

func TestTick_SendEmailAlwaysRefused(t *testing.T) {
	st := newTestStore(t)
	r := New(st, nil, nil)
	ctx := context.Background()

	plan := websiteMonitorPlan()
	plan.AllowedPrimitives = append(plan.AllowedPrimitives, schema.PrimitiveSendEmail)
	plan.Steps = []schema.PlanStep{
		{ID: "step_1", Label: "Send the email", Primitive: schema.PrimitiveSendEmail, RequiresApproval: false, RiskTier: schema.RiskHigh},
	}

	run, err := r.StartRun(ctx, "auto_1", plan, "idem-key-6", 2)
	require.NoError(t, err)

	run, err = r.Tick(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunFailed, run.State)
	require.Contains(t, run.FailureReason, "Sending is disabled")
}

func TestComputeBackoffMs_CapsAtMax(t *testing.T) {
	require.Equal(t, int64(200), computeBackoffMs(1))
	require.Equal(t, int64(400), computeBackoffMs(2))
	require.Equal(t, int64(800), computeBackoffMs(3))
	require.Equal(t, int64(1600), computeBackoffMs(4))
	require.Equal(t, int64(2000), computeBackoffMs(5))
	require.Equal(t, int64(2000), computeBackoffMs(20))
}
