package receipt

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

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "receipt.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	rn := runner.New(st, nil, nil)
	lp := learning.New(st)
	return New(st, rn, lp), st
}

func insertTerminalRun(t *testing.T, st *store.Store, autopilotID string, state store.RunState) string {
	t.Helper()
	ctx := context.Background()
	runID := st.NewID("run")
	now := int64(1000)
	plan := schema.BuildPlan(schema.RecipeWebsiteMonitor, "watch https://example.com", schema.ProviderOpenAI)
	err := st.Tx(ctx, func(tx *sql.Tx) error {
		if err := st.InsertAutopilotIfMissing(ctx, tx, autopilotID, autopilotID, now); err != nil {
			return err
		}
		return st.InsertRun(ctx, tx, store.Run{
			ID:             runID,
			AutopilotID:    autopilotID,
			IdempotencyKey: runID,
			Plan:           plan,
			ProviderKind:   string(schema.ProviderOpenAI),
			ProviderTier:   string(schema.TierSupported),
			State:          state,
			MaxRetries:     2,
			CreatedAtMs:    now,
			UpdatedAtMs:    now,
		})
	})
	require.NoError(t, err)
	return runID
}

func TestGet_InFlightRunHasNoRationaleButHasPolicyAndProfile(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	runID := insertTerminalRun(t, st, "ap1", store.RunRunning)

	rec, err := svc.Get(ctx, runID)
	require.NoError(t, err)

	require.False(t, rec.TerminalReceiptFound)
	require.Empty(t, rec.RationaleCodes)
	require.Empty(t, rec.KeySignals)
	require.Contains(t, rec.RedactionFlags, "terminal_receipt_missing")
	require.Contains(t, rec.RedactionFlags, "memory_content_omitted")
	require.True(t, rec.PolicyConstraints.DenyByDefaultPrimitives)
	require.NotEmpty(t, rec.PolicyConstraints.ApprovalRequiredSteps)
	require.False(t, rec.PolicyConstraints.SendPolicy.AllowSending)
	require.Equal(t, "balanced", rec.RuntimeProfileOverlay.Mode)
}

func TestGet_TerminalRunSurfacesRationaleAndKeySignals(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	runID := insertTerminalRun(t, st, "ap1", store.RunSucceeded)

	_, err := st.InsertRunEvaluation(ctx, store.RunEvaluation{
		RunID:        runID,
		AutopilotID:  "ap1",
		QualityScore: 80,
		NoiseScore:   10,
		CostScore:    5,
		SignalsJSON:  `{"diff_score":0.6}`,
		CreatedAtMs:  1000,
	})
	require.NoError(t, err)
	_, err = st.InsertAdaptationLog(ctx, store.AdaptationLogEntry{
		ID:                 st.NewID("adapt"),
		AutopilotID:        "ap1",
		RunID:              runID,
		AdaptationHash:     "hash1",
		ChangesJSON:        `{}`,
		RationaleCodesJSON: `["high_signal_content"]`,
		CreatedAtMs:        1001,
	})
	require.NoError(t, err)

	rec, err := svc.Get(ctx, runID)
	require.NoError(t, err)

	require.True(t, rec.TerminalReceiptFound)
	require.Equal(t, []string{"high_signal_content"}, rec.RationaleCodes)
	require.NotEmpty(t, rec.KeySignals)
	require.NotContains(t, rec.RedactionFlags, "terminal_receipt_missing")
}

func TestGet_ProjectsProviderCallsAndSources(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	runID := insertTerminalRun(t, st, "ap1", store.RunRunning)

	require.NoError(t, st.InsertProviderCall(ctx, store.ProviderCall{
		ID:           st.NewID("pcall"),
		RunID:        runID,
		Provider:     "openai",
		Model:        "gpt-4o-mini",
		RequestKind:  "summarize",
		InputChars:   500,
		OutputChars:  200,
		LatencyMs:    900,
		CostCentsEst: 3,
		CreatedAtMs:  1200,
	}))

	err := st.Tx(ctx, func(tx *sql.Tx) error {
		return st.UpsertOutcome(ctx, tx, store.Outcome{
			ID:          st.NewID("outcome"),
			RunID:       runID,
			StepID:      "step_1",
			Kind:        store.OutcomeWebRead,
			Status:      "complete",
			Content:     `{"url":"https://example.com","fetched_at_ms":1150,"current_excerpt":"hello world","changed":true,"diff_score":0.42}`,
			CreatedAt:   1150,
			UpdatedAt:   1150,
		})
	})
	require.NoError(t, err)

	rec, err := svc.Get(ctx, runID)
	require.NoError(t, err)

	require.Len(t, rec.ProviderCalls, 1)
	require.Equal(t, "openai", rec.ProviderCalls[0].Provider)
	require.Equal(t, int64(900), rec.ProviderCalls[0].LatencyMs)

	require.Len(t, rec.Sources, 1)
	require.Equal(t, "web_read", rec.Sources[0].SourceKind)
	require.Equal(t, "https://example.com", rec.Sources[0].URL)
	require.True(t, rec.Sources[0].HasDiffScore)
	require.InDelta(t, 0.42, rec.Sources[0].DiffScore, 0.0001)
	require.Equal(t, len([]rune("hello world")), rec.Sources[0].ExcerptChars)
}

func TestGet_DailySourcesExpandToMultipleRecords(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	runID := insertTerminalRun(t, st, "ap1", store.RunRunning)

	err := st.Tx(ctx, func(tx *sql.Tx) error {
		return st.UpsertOutcome(ctx, tx, store.Outcome{
			ID:     st.NewID("outcome"),
			RunID:  runID,
			StepID: "step_1",
			Kind:   store.OutcomeDailySources,
			Status: "complete",
			Content: `{"source_results":[
				{"source_id":"s1","url":"https://a.example.com","fetched_at_ms":1,"text_excerpt":"abc"},
				{"source_id":"s2","url":"https://b.example.com","fetch_error":"timeout"}
			]}`,
			CreatedAt: 1200,
			UpdatedAt: 1200,
		})
	})
	require.NoError(t, err)

	rec, err := svc.Get(ctx, runID)
	require.NoError(t, err)

	require.Len(t, rec.Sources, 2)
	require.Equal(t, "captured", rec.Sources[0].Status)
	require.Equal(t, "fetch_error", rec.Sources[1].Status)
	require.Equal(t, "timeout", rec.Sources[1].Error)
}
