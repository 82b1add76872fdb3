package learning

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/heikkila-labs/autopilot-core/internal/schema"
	"github.com/heikkila-labs/autopilot-core/internal/store"
)

// AdaptationResult reports whether adapt_autopilot changed anything and,
// if so, the rationale codes that fired.
type AdaptationResult struct {
	Applied        bool
	RationaleCodes []string
	AdaptationHash string
}

type adaptationChange struct {
	Mode        store.ProfileMode `json:"mode,omitempty"`
	Knobs       Knobs             `json:"knobs"`
	Suppression Suppression       `json:"suppression"`
}

// AdaptAutopilot evaluates the fixed rule set against an autopilot's
// recent run history and, if any rule fires, writes an updated profile and
// an adaptation_log row keyed by the run that triggered it. A call for a
// run that already has an adaptation_log row is a no-op: the profile is
// left as it is and Applied is false.
func (p *Pipeline) AdaptAutopilot(ctx context.Context, autopilotID, triggerRunID string) (AdaptationResult, error) {
	run, err := p.store.GetRun(ctx, triggerRunID)
	if err != nil {
		return AdaptationResult{}, fmt.Errorf("learning: load trigger run: %w", err)
	}
	if _, exists, err := p.store.GetAdaptationLogByRunID(ctx, triggerRunID); err != nil {
		return AdaptationResult{}, fmt.Errorf("learning: check adaptation log: %w", err)
	} else if exists {
		return AdaptationResult{Applied: false}, nil
	}

	profile, err := p.GetRuntimeProfile(ctx, autopilotID)
	if err != nil {
		return AdaptationResult{}, err
	}
	original := profile

	var rationale []string

	if run.Plan.Recipe == schema.RecipeWebsiteMonitor {
		if matched, err := p.lastNEventsAllNegative(ctx, autopilotID, 3); err != nil {
			return AdaptationResult{}, err
		} else if matched {
			profile.Knobs.MinDiffScoreToNotify = clampFloat(profile.Knobs.MinDiffScoreToNotify+0.1, 0.1, 0.9)
			profile.Suppression.SuppressUntilMs = nowMs() + 24*60*60*1000
			rationale = append(rationale, "website_monitor_noise_suppression")
		}
	}

	if run.Plan.Recipe == schema.RecipeDailyBrief {
		noisyOrCostly, err := p.countRecentNoisyOrCostlyEvaluations(ctx, autopilotID, 10)
		if err != nil {
			return AdaptationResult{}, err
		}
		if noisyOrCostly >= 3 {
			profile.Knobs.MaxSources = clampInt(profile.Knobs.MaxSources-1, 2, 10)
			profile.Knobs.MaxBullets = clampInt(profile.Knobs.MaxBullets-1, 3, 10)
			rationale = append(rationale, "daily_brief_scope_reduction")
		}
	}

	softCapSwitch, err := p.shouldSwitchToMaxSavings(ctx, autopilotID)
	if err != nil {
		return AdaptationResult{}, err
	}
	if softCapSwitch {
		profile.Mode = store.ModeMaxSavings
		rationale = append(rationale, "global_soft_cap_max_savings")
	}

	recovered, err := p.lastNApprovalDecisionsMostlyApproved(ctx, autopilotID, 5, 0.8)
	if err != nil {
		return AdaptationResult{}, err
	}
	if recovered {
		changed := profile.Suppression.SuppressUntilMs != 0 || profile.Knobs.MinDiffScoreToNotify != original.Knobs.MinDiffScoreToNotify
		profile.Suppression.SuppressUntilMs = 0
		if run.Plan.Recipe == schema.RecipeWebsiteMonitor {
			profile.Knobs.MinDiffScoreToNotify = clampFloat(profile.Knobs.MinDiffScoreToNotify-0.05, 0.1, 0.9)
		}
		if changed {
			rationale = append(rationale, "recovery_relax")
		}
	}

	if len(rationale) == 0 {
		return AdaptationResult{Applied: false}, nil
	}

	change := adaptationChange{Mode: profile.Mode, Knobs: profile.Knobs.sanitized(), Suppression: profile.Suppression}
	changeJSON, err := serializeBoundedJSON(change, maxAdaptationJSONBytes)
	if err != nil {
		return AdaptationResult{}, err
	}
	hash := fnv1a64Hex(changeJSON)

	lastHash, err := p.store.GetLatestAdaptationHash(ctx, autopilotID)
	if err != nil {
		return AdaptationResult{}, fmt.Errorf("learning: load latest adaptation hash: %w", err)
	}
	if lastHash == hash {
		return AdaptationResult{Applied: false}, nil
	}

	profile.Version++
	profile.UpdatedAtMs = nowMs()
	row, err := encodeProfileRow(profile)
	if err != nil {
		return AdaptationResult{}, err
	}
	if err := p.store.SaveProfile(ctx, row); err != nil {
		return AdaptationResult{}, fmt.Errorf("learning: save adapted profile: %w", err)
	}

	rationaleJSON, err := json.Marshal(rationale)
	if err != nil {
		return AdaptationResult{}, fmt.Errorf("learning: encode rationale codes: %w", err)
	}
	created, err := p.store.InsertAdaptationLog(ctx, store.AdaptationLogEntry{
		ID:                  p.store.NewID("adapt"),
		AutopilotID:         autopilotID,
		RunID:               triggerRunID,
		AdaptationHash:      hash,
		ChangesJSON:         changeJSON,
		RationaleCodesJSON:  string(rationaleJSON),
		CreatedAtMs:         nowMs(),
	})
	if err != nil {
		return AdaptationResult{}, fmt.Errorf("learning: insert adaptation log: %w", err)
	}

	return AdaptationResult{Applied: created, RationaleCodes: rationale, AdaptationHash: hash}, nil
}

// lastNEventsAllNegative reports whether the last n decision events for the
// autopilot were all rejection/ignore signals.
func (p *Pipeline) lastNEventsAllNegative(ctx context.Context, autopilotID string, n int) (bool, error) {
	events, err := p.store.ListRecentDecisionEventsForAutopilot(ctx, autopilotID, n)
	if err != nil {
		return false, fmt.Errorf("learning: list recent decision events: %w", err)
	}
	if len(events) < n {
		return false, nil
	}
	for _, ev := range events {
		switch DecisionEventType(ev.EventType) {
		case EventOutcomeIgnored, EventApprovalRejected:
			continue
		default:
			return false, nil
		}
	}
	return true, nil
}

func (p *Pipeline) countRecentNoisyOrCostlyEvaluations(ctx context.Context, autopilotID string, window int) (int, error) {
	evals, err := p.store.ListRecentRunEvaluations(ctx, autopilotID, window)
	if err != nil {
		return 0, fmt.Errorf("learning: list recent run evaluations: %w", err)
	}
	count := 0
	for _, e := range evals {
		if e.NoiseScore >= 70 || e.CostScore <= 30 {
			count++
		}
	}
	return count, nil
}

func (p *Pipeline) shouldSwitchToMaxSavings(ctx context.Context, autopilotID string) (bool, error) {
	events, err := p.store.ListRecentDecisionEventsForAutopilot(ctx, autopilotID, 20)
	if err != nil {
		return false, fmt.Errorf("learning: list recent decision events: %w", err)
	}
	softCapApprovals, approved, total := 0, 0, 0
	for _, ev := range events {
		if DecisionEventType(ev.EventType) != EventApprovalApproved && DecisionEventType(ev.EventType) != EventApprovalRejected {
			continue
		}
		total++
		if DecisionEventType(ev.EventType) == EventApprovalApproved {
			approved++
			var meta DecisionEventMetadata
			if err := json.Unmarshal([]byte(ev.MetadataJSON), &meta); err == nil {
				if meta.ReasonCode != nil && *meta.ReasonCode == "soft_cap" {
					softCapApprovals++
				}
			}
		}
	}
	if softCapApprovals < 3 || total == 0 {
		return false, nil
	}
	rate := float64(approved) / float64(total)
	return rate >= 0.8, nil
}

func (p *Pipeline) lastNApprovalDecisionsMostlyApproved(ctx context.Context, autopilotID string, n int, threshold float64) (bool, error) {
	events, err := p.store.ListRecentDecisionEventsForAutopilot(ctx, autopilotID, n*4)
	if err != nil {
		return false, fmt.Errorf("learning: list recent decision events: %w", err)
	}
	approved, total := 0, 0
	for _, ev := range events {
		t := DecisionEventType(ev.EventType)
		if t != EventApprovalApproved && t != EventApprovalRejected {
			continue
		}
		total++
		if t == EventApprovalApproved {
			approved++
		}
		if total == n {
			break
		}
	}
	if total < n {
		return false, nil
	}
	return float64(approved)/float64(total) >= threshold, nil
}
