package learning

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/heikkila-labs/autopilot-core/internal/schema"
	"github.com/heikkila-labs/autopilot-core/internal/store"
)

func newTestPipeline(t *testing.T) (*Pipeline, *store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "learning.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st), st
}

// testClock hands out a strictly increasing millisecond timestamp per call,
// seeded near the real wall clock so age-based retention rules in
// compaction tests see fixtures as recent, not as already past their
// retention window.
var testClock int64 = time.Now().UnixMilli()

func nextTestClockMs() int64 {
	return atomic.AddInt64(&testClock, 1)
}

func insertTerminalRun(t *testing.T, st *store.Store, autopilotID string, recipe schema.Recipe, state store.RunState, usdEstimate, usdActual int64) string {
	t.Helper()
	ctx := context.Background()
	runID := st.NewID("run")
	now := nextTestClockMs()
	plan := schema.BuildPlan(recipe, "test intent", schema.ProviderOpenAI)
	err := st.Tx(ctx, func(tx *sql.Tx) error {
		if err := st.InsertAutopilotIfMissing(ctx, tx, autopilotID, autopilotID, now); err != nil {
			return err
		}
		return st.InsertRun(ctx, tx, store.Run{
			ID:               runID,
			AutopilotID:      autopilotID,
			IdempotencyKey:   runID,
			Plan:             plan,
			ProviderKind:     string(schema.ProviderOpenAI),
			ProviderTier:     string(schema.TierSupported),
			State:            state,
			MaxRetries:       2,
			USDCentsEstimate: usdEstimate,
			USDCentsActual:   usdActual,
			CreatedAtMs:      now,
			UpdatedAtMs:      now,
		})
	})
	require.NoError(t, err)
	return runID
}

func TestFNV1a64Hex_IsStableAndDeterministic(t *testing.T) {
	require.Equal(t, fnv1a64Hex("hello"), fnv1a64Hex("hello"))
	require.NotEqual(t, fnv1a64Hex("hello"), fnv1a64Hex("world"))
	require.Len(t, fnv1a64Hex("anything"), 16)
}

func TestClampHelpers(t *testing.T) {
	require.Equal(t, 0, clampScore(-5))
	require.Equal(t, 100, clampScore(500))
	require.Equal(t, 50, clampScore(50))
	require.Equal(t, 2, clampInt(1, 2, 10))
	require.Equal(t, 10, clampInt(99, 2, 10))
	require.InDelta(t, 0.9, clampFloat(5, 0.1, 0.9), 0.0001)
}
