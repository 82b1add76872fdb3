package learning

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/heikkila-labs/autopilot-core/internal/schema"
	"github.com/heikkila-labs/autopilot-core/internal/store"
)

func TestUpdateMemoryCards_UpsertsFormatPreferenceAfterTwoEdits(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()
	runID := insertTerminalRun(t, st, "ap1", schema.RecipeInboxTriage, store.RunSucceeded, 100, 90)

	for i := 0; i < 2; i++ {
		require.NoError(t, p.RecordDecisionEvent(ctx, RecordDecisionEventInput{
			AutopilotID: "ap1", RunID: runID, StepID: "step1",
			EventType: string(EventDraftEdited),
		}))
	}

	updated, err := p.UpdateMemoryCards(ctx, "ap1", runID)
	require.NoError(t, err)
	require.Contains(t, updated, store.CardFormatPreference)

	card, ok, err := st.GetMemoryCard(ctx, "ap1", store.CardFormatPreference)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, card.Version)
}

func TestUpdateMemoryCards_IsUpsertOnlyOnePerType(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()
	runID := insertTerminalRun(t, st, "ap1", schema.RecipeInboxTriage, store.RunSucceeded, 100, 90)

	for round := 0; round < 2; round++ {
		for i := 0; i < 2; i++ {
			require.NoError(t, p.RecordDecisionEvent(ctx, RecordDecisionEventInput{
				AutopilotID: "ap1", RunID: runID, StepID: "step1",
				EventType: string(EventDraftEdited),
			}))
		}
		_, err := p.UpdateMemoryCards(ctx, "ap1", runID)
		require.NoError(t, err)
	}

	cards, err := st.ListMemoryCardsByRecency(ctx, "ap1")
	require.NoError(t, err)
	require.Len(t, cards, 1)
	require.Equal(t, 2, cards[0].Version)
}

func TestBuildMemoryContext_BoundsCardCountAndLength(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	for _, ct := range []store.MemoryCardType{
		store.CardFormatPreference, store.CardSourcePreference,
		store.CardSuppressionRationale, store.CardRecurringEntities,
	} {
		require.NoError(t, st.UpsertMemoryCard(ctx, store.MemoryCard{
			AutopilotID: "ap1", CardType: ct, Title: "some preference", ContentJSON: "{}", UpdatedAtMs: nowMs(),
		}))
	}

	fragment, err := p.BuildMemoryContext(ctx, "ap1")
	require.NoError(t, err)
	require.LessOrEqual(t, len([]rune(fragment)), maxMemoryContextChars)
	require.NotEmpty(t, fragment)
}
