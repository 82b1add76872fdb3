package learning

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/heikkila-labs/autopilot-core/internal/store"
)

func TestGetRuntimeProfile_CreatesDefaultOnFirstCall(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	profile, err := p.GetRuntimeProfile(ctx, "ap1")
	require.NoError(t, err)
	require.True(t, profile.LearningEnabled)
	require.Equal(t, store.ModeBalanced, profile.Mode)
	require.Equal(t, "medium", profile.Knobs.ReplyLengthHint)
	require.InDelta(t, 0.3, profile.Knobs.MinDiffScoreToNotify, 0.0001)

	again, err := p.GetRuntimeProfile(ctx, "ap1")
	require.NoError(t, err)
	require.Equal(t, profile.Version, again.Version)
}

func TestSetAutopilotSuppressionUntil_BumpsVersion(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	before, err := p.GetRuntimeProfile(ctx, "ap1")
	require.NoError(t, err)

	require.NoError(t, p.SetAutopilotSuppressionUntil(ctx, "ap1", 1_800_000_000_000))

	after, err := p.GetRuntimeProfile(ctx, "ap1")
	require.NoError(t, err)
	require.Equal(t, int64(1_800_000_000_000), after.Suppression.SuppressUntilMs)
	require.Greater(t, after.Version, before.Version)
}

func TestKnobsSanitized_ClampsOutOfRangeValues(t *testing.T) {
	k := Knobs{MinDiffScoreToNotify: 5, MaxSources: 99, MaxBullets: -3, ReplyLengthHint: "essay"}.sanitized()
	require.InDelta(t, 0.9, k.MinDiffScoreToNotify, 0.0001)
	require.Equal(t, 10, k.MaxSources)
	require.Equal(t, 3, k.MaxBullets)
	require.Equal(t, "medium", k.ReplyLengthHint)
}
