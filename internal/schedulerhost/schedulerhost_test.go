package schedulerhost

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/heikkila-labs/autopilot-core/internal/config"
	"github.com/heikkila-labs/autopilot-core/internal/mission"
	"github.com/heikkila-labs/autopilot-core/internal/runner"
	"github.com/heikkila-labs/autopilot-core/internal/schema"
	"github.com/heikkila-labs/autopilot-core/internal/store"
)

func newTestHost(t *testing.T) (*Host, *store.Store, *runner.Runner) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "schedulerhost.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	rn := runner.New(st, nil, nil)
	m := mission.New(st, rn)
	cfgMgr := config.NewManager(&config.Config{
		Runner:  config.Runner{TickInterval: config.Duration{Duration: 10 * time.Millisecond}, MaxRunsPerTick: 10},
		Mission: config.Mission{TickInterval: config.Duration{Duration: 10 * time.Millisecond}, MaxMissionsPerTick: 10},
	})
	return New(cfgMgr, st, rn, m, nil), st, rn
}

func TestTick_AdvancesReadyRunWithoutApprovalStep(t *testing.T) {
	h, st, rn := newTestHost(t)
	ctx := context.Background()

	plan := schema.BuildPlan(schema.RecipeWebsiteMonitor, "watch https://example.com for changes", schema.ProviderOpenAI)
	run, err := rn.StartRun(ctx, "ap1", plan, "idem-1", 3)
	require.NoError(t, err)
	require.Equal(t, store.RunReady, run.State)

	h.tick(ctx)

	updated, err := rn.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunReady, updated.State)
	require.Equal(t, 1, updated.CurrentStepIndex)
	_ = st
}

func TestTick_NoMissionsInProgressIsANoop(t *testing.T) {
	h, _, _ := newTestHost(t)
	require.NotPanics(t, func() { h.tick(context.Background()) })
}

func TestNew_WithNilMissionsDoesNotTickMissions(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "schedulerhost2.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	rn := runner.New(st, nil, nil)
	cfgMgr := config.NewManager(&config.Config{
		Runner:  config.Runner{TickInterval: config.Duration{Duration: 10 * time.Millisecond}, MaxRunsPerTick: 10},
		Mission: config.Mission{TickInterval: config.Duration{Duration: 10 * time.Millisecond}, MaxMissionsPerTick: 10},
	})
	h := New(cfgMgr, st, rn, nil, nil)
	require.NotPanics(t, func() { h.tick(context.Background()) })
}
