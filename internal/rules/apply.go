package rules

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/heikkila-labs/autopilot-core/internal/learning"
	"github.com/heikkila-labs/autopilot-core/internal/store"
)

// RuntimeEngine pairs a rules Engine with the learning pipeline so it can
// read (never persist) a run's runtime profile while applying overlays.
// This is the concrete type that satisfies runner.RuleApplier.
type RuntimeEngine struct {
	*Engine
	learning *learning.Pipeline
}

// NewRuntimeEngine constructs a RuntimeEngine.
func NewRuntimeEngine(st *store.Store, lp *learning.Pipeline) *RuntimeEngine {
	return &RuntimeEngine{Engine: New(st), learning: lp}
}

// Apply loads the active rule cards scoped to run's autopilot (or to run
// itself), applies each matching rule to a copy of the runtime profile,
// and records a RuleMatchEvent per match with an empty step_id, so matches
// are deduped per (run_id, rule_id) and stepID is not recorded. The mutated profile is never written back to the
// autopilot_profile row; it exists only to decide which rules actually
// changed something worth recording.
func (e *RuntimeEngine) Apply(ctx context.Context, run store.Run, stepID string) error {
	cards, err := e.store.ListActiveRuleCardsForAutopilot(ctx, run.AutopilotID)
	if err != nil {
		return fmt.Errorf("rules: load active rules: %w", err)
	}
	if len(cards) == 0 {
		return nil
	}

	profile, err := e.learning.GetRuntimeProfile(ctx, run.AutopilotID)
	if err != nil {
		return fmt.Errorf("rules: load runtime profile: %w", err)
	}
	knobs := profile.Knobs

	for _, card := range cards {
		var trigger Trigger
		if err := json.Unmarshal([]byte(card.TriggerJSON), &trigger); err != nil {
			continue
		}
		if !ruleMatchesRun(trigger, run) {
			continue
		}

		var effect map[string]any
		if err := json.Unmarshal([]byte(card.EffectJSON), &effect); err != nil {
			continue
		}

		changed, reasonCode := applyEffect(RuleType(card.RuleType), &knobs, effect)
		if !changed {
			continue
		}

		effectAppliedJSON, _ := json.Marshal(effect)
		if err := e.store.InsertRuleMatchEvent(ctx, store.RuleMatchEvent{
			ID:                e.store.NewID("rulematch"),
			RunID:             run.ID,
			StepID:            "",
			RuleID:            card.ID,
			RuleTitle:         card.Title,
			MatchReasonCode:   reasonCode,
			EffectAppliedJSON: string(effectAppliedJSON),
			CreatedAtMs:       nowMs(),
		}); err != nil {
			return fmt.Errorf("rules: record rule match: %w", err)
		}
	}
	return nil
}

// ruleMatchesRun reports whether trigger binds to run: an autopilot-scoped
// rule matches every run under that autopilot, a run-scoped rule matches
// only the run it was proposed for.
func ruleMatchesRun(trigger Trigger, run store.Run) bool {
	switch trigger.ScopeKind {
	case ScopeAutopilot:
		return trigger.AutopilotID == run.AutopilotID
	case ScopeRun:
		return trigger.RunID == run.ID
	default:
		return false
	}
}

// applyEffect mutates knobs in place per ruleType's known effect keys,
// reporting whether anything actually changed so a no-op match doesn't
// get recorded as an applied rule.
func applyEffect(ruleType RuleType, knobs *learning.Knobs, effect map[string]any) (changed bool, reasonCode string) {
	switch ruleType {
	case RuleNoiseSuppression:
		if v, ok := effect["min_diff_score_to_notify"].(float64); ok && v != knobs.MinDiffScoreToNotify {
			knobs.MinDiffScoreToNotify = v
			return true, "noise_suppression_threshold"
		}
	case RuleDailyBriefScope:
		matched := false
		if v, ok := numberFromJSON(effect["max_sources"]); ok && int(v) != knobs.MaxSources {
			knobs.MaxSources = int(v)
			matched = true
		}
		if v, ok := numberFromJSON(effect["max_bullets"]); ok && int(v) != knobs.MaxBullets {
			knobs.MaxBullets = int(v)
			matched = true
		}
		if matched {
			return true, "daily_brief_scope"
		}
	case RuleReplyStyle:
		if v, ok := effect["reply_length_hint"].(string); ok && v != knobs.ReplyLengthHint {
			knobs.ReplyLengthHint = v
			return true, "reply_style"
		}
	}
	return false, ""
}

// numberFromJSON handles the fact that json.Unmarshal into map[string]any
// always produces float64 for numeric values.
func numberFromJSON(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}
