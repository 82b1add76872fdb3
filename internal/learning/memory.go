package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/heikkila-labs/autopilot-core/internal/store"
)

// UpdateMemoryCards applies the fixed memory-card rules against the
// autopilot's recent decision-event window and current profile, upserting
// at most one card per card_type. triggerRunID anchors created_from_run_id.
func (p *Pipeline) UpdateMemoryCards(ctx context.Context, autopilotID, triggerRunID string) ([]store.MemoryCardType, error) {
	events, err := p.store.ListRecentDecisionEventsForAutopilot(ctx, autopilotID, 50)
	if err != nil {
		return nil, fmt.Errorf("learning: list decision events for memory cards: %w", err)
	}

	draftEdited := 0
	ignoredLowDiff := 0
	for _, ev := range events {
		switch DecisionEventType(ev.EventType) {
		case EventDraftEdited:
			draftEdited++
		case EventOutcomeIgnored:
			var meta DecisionEventMetadata
			if json.Unmarshal([]byte(ev.MetadataJSON), &meta) == nil && meta.DiffScore != nil && *meta.DiffScore <= 0.2 {
				ignoredLowDiff++
			}
		}
	}

	var updated []store.MemoryCardType

	if draftEdited >= 2 {
		if err := p.upsertCard(ctx, autopilotID, triggerRunID, store.CardFormatPreference,
			"Prefers shorter, more direct drafts",
			map[string]any{"draft_edited_count": draftEdited}, 0.6); err != nil {
			return nil, err
		}
		updated = append(updated, store.CardFormatPreference)
	}

	if ignoredLowDiff >= 2 {
		if err := p.upsertCard(ctx, autopilotID, triggerRunID, store.CardSuppressionRationale,
			"Low-signal updates are routinely ignored",
			map[string]any{"ignored_low_diff_count": ignoredLowDiff}, 0.7); err != nil {
			return nil, err
		}
		updated = append(updated, store.CardSuppressionRationale)
	}

	profile, err := p.GetRuntimeProfile(ctx, autopilotID)
	if err != nil {
		return nil, err
	}
	run, err := p.store.GetRun(ctx, triggerRunID)
	if err != nil {
		return nil, fmt.Errorf("learning: load trigger run for memory cards: %w", err)
	}
	if run.Plan.Recipe == "daily_brief" && profile.Knobs.MaxSources < 5 {
		if err := p.upsertCard(ctx, autopilotID, triggerRunID, store.CardSourcePreference,
			"Prefers a narrower set of daily sources",
			map[string]any{"max_sources": profile.Knobs.MaxSources}, 0.5); err != nil {
			return nil, err
		}
		updated = append(updated, store.CardSourcePreference)
	}

	return updated, nil
}

func (p *Pipeline) upsertCard(ctx context.Context, autopilotID, runID string, cardType store.MemoryCardType, title string, content map[string]any, confidence float64) error {
	contentJSON, err := serializeBoundedJSON(content, maxMemoryCardBytes)
	if err != nil {
		return err
	}
	title = truncateRunesLocal(title, maxMemoryCardTitle)
	err = p.store.UpsertMemoryCard(ctx, store.MemoryCard{
		AutopilotID:      autopilotID,
		CardType:         cardType,
		Title:            title,
		ContentJSON:      contentJSON,
		Confidence:       clampFloat(confidence, 0, 1),
		CreatedFromRunID: runID,
		UpdatedAtMs:      nowMs(),
	})
	if err != nil {
		return fmt.Errorf("learning: upsert memory card %s: %w", cardType, err)
	}
	return nil
}

// BuildMemoryContext assembles a bounded prompt fragment from an
// autopilot's memory cards: at most 5 cards, newest first, truncated to a
// total budget of 1500 characters across all cards combined.
func (p *Pipeline) BuildMemoryContext(ctx context.Context, autopilotID string) (string, error) {
	cards, err := p.store.ListMemoryCardsByRecency(ctx, autopilotID)
	if err != nil {
		return "", fmt.Errorf("learning: list memory cards: %w", err)
	}
	if len(cards) > maxMemoryContextCards {
		cards = cards[:maxMemoryContextCards]
	}

	var lines []string
	budget := maxMemoryContextChars
	for _, c := range cards {
		line := summarizeCard(c)
		if budget <= 0 {
			break
		}
		if len([]rune(line)) > budget {
			line = truncateRunesLocal(line, budget)
		}
		lines = append(lines, line)
		budget -= len([]rune(line)) + 1
	}
	return strings.Join(lines, "\n"), nil
}

func summarizeCard(c store.MemoryCard) string {
	switch c.CardType {
	case store.CardFormatPreference:
		return "Format preference: " + c.Title
	case store.CardSourcePreference:
		return "Source preference: " + c.Title
	case store.CardSuppressionRationale:
		return "Suppression rationale: " + c.Title
	case store.CardRecurringEntities:
		return "Recurring entities: " + c.Title
	default:
		return c.Title
	}
}
