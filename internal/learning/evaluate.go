package learning

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/heikkila-labs/autopilot-core/internal/coreerr"
	"github.com/heikkila-labs/autopilot-core/internal/store"
)

// RunEvaluationResult mirrors the persisted run_evaluations row, returned
// to callers so they can surface it without a second store round trip.
type RunEvaluationResult struct {
	RunID        string
	QualityScore int
	NoiseScore   int
	CostScore    int
	SignalsJSON  string
	Created      bool
}

type evaluationSignals struct {
	ApprovalApprovedCount      int      `json:"approval_approved_count"`
	ApprovalRejectedCount      int      `json:"approval_rejected_count"`
	EventApprovalApprovedCount int64    `json:"event_approval_approved_count"`
	EventApprovalRejectedCount int64    `json:"event_approval_rejected_count"`
	OutcomeIgnoredCount        int64    `json:"outcome_ignored_count"`
	DraftEditedCount           int64    `json:"draft_edited_count"`
	RetryCount                 int      `json:"retry_count"`
	USDCentsActual             int64    `json:"usd_cents_actual"`
	ProviderTier               string   `json:"provider_tier"`
	AvgApprovalLatencyMs       *int64   `json:"avg_approval_latency_ms"`
	NoChangeRun                bool     `json:"no_change_run"`
	KeySignals                 []string `json:"key_signals"`
}

// EvaluateRun scores a terminal run's quality, noise, and cost in
// [0,100], derived only from rows already durable for the run — approvals,
// outcomes, decision events, and the run's own cost fields. Idempotent: a second call for
// the same run is a no-op and returns the original scores.
func (p *Pipeline) EvaluateRun(ctx context.Context, runID string) (RunEvaluationResult, error) {
	run, err := p.store.GetRun(ctx, runID)
	if err != nil {
		return RunEvaluationResult{}, fmt.Errorf("learning: load run for evaluation: %w", err)
	}
	if !run.State.Terminal() {
		return RunEvaluationResult{}, coreerr.New(coreerr.ConflictingState, "evaluate_run requires a terminal run")
	}

	if existing, ok, err := p.store.GetRunEvaluation(ctx, runID); err != nil {
		return RunEvaluationResult{}, fmt.Errorf("learning: check existing evaluation: %w", err)
	} else if ok {
		return RunEvaluationResult{
			RunID: runID, QualityScore: existing.QualityScore, NoiseScore: existing.NoiseScore,
			CostScore: existing.CostScore, SignalsJSON: existing.SignalsJSON, Created: false,
		}, nil
	}

	approved, rejected, err := p.store.CountApprovalsByStatusForRun(ctx, runID)
	if err != nil {
		return RunEvaluationResult{}, err
	}
	outcomes, err := p.store.ListOutcomesForRun(ctx, runID)
	if err != nil {
		return RunEvaluationResult{}, fmt.Errorf("learning: list outcomes for evaluation: %w", err)
	}
	decisionEvents, err := p.store.ListDecisionEventsForRun(ctx, runID)
	if err != nil {
		return RunEvaluationResult{}, fmt.Errorf("learning: list decision events for evaluation: %w", err)
	}

	var approvedEvents, rejectedEvents, ignoredEvents, editedEvents int64
	var latencySamples []int64
	for _, ev := range decisionEvents {
		switch DecisionEventType(ev.EventType) {
		case EventApprovalApproved:
			approvedEvents++
			var meta DecisionEventMetadata
			if json.Unmarshal([]byte(ev.MetadataJSON), &meta) == nil && meta.LatencyMs != nil {
				latencySamples = append(latencySamples, *meta.LatencyMs)
			}
		case EventApprovalRejected:
			rejectedEvents++
		case EventOutcomeIgnored:
			ignoredEvents++
		case EventDraftEdited:
			editedEvents++
		}
	}
	var avgLatencyMs *int64
	if len(latencySamples) > 0 {
		var sum int64
		for _, ms := range latencySamples {
			sum += ms
		}
		avg := sum / int64(len(latencySamples))
		avgLatencyMs = &avg
	}

	quality := 60 + approved*15 + int(approvedEvents)*5
	quality -= rejected * 20
	quality -= int(rejectedEvents) * 5
	if editedEvents > 0 {
		quality -= 10
	}
	if avgLatencyMs != nil {
		switch {
		case *avgLatencyMs <= 120_000:
			quality += 10
		case *avgLatencyMs > 900_000:
			quality -= 10
		}
	}
	quality = clampScore(quality)

	noChange := isNoChangeRun(outcomes, decisionEvents)

	noise := 10 + int(ignoredEvents)*25 + int(rejectedEvents)*15
	if noChange && ignoredEvents > 0 {
		noise += 15
	}
	noise = clampScore(noise)

	cost := 100
	if run.USDCentsActual > 40 {
		cost -= 30
	}
	if run.USDCentsActual > 80 {
		cost -= 50
	}
	cost -= run.RetryCount * 10
	if run.ProviderTier == "experimental" {
		cost -= 5
	}
	cost = clampScore(cost)

	var keySignals []string
	if approved > 0 {
		keySignals = append(keySignals, "approvals_granted")
	}
	if rejected > 0 {
		keySignals = append(keySignals, "approvals_rejected")
	}
	if ignoredEvents > 0 {
		keySignals = append(keySignals, "outcomes_ignored")
	}
	if editedEvents > 0 {
		keySignals = append(keySignals, "drafts_edited")
	}
	if run.RetryCount > 0 {
		keySignals = append(keySignals, "retries_used")
	}
	if noChange {
		keySignals = append(keySignals, "no_change_notification")
	}

	signals := evaluationSignals{
		ApprovalApprovedCount:      approved,
		ApprovalRejectedCount:      rejected,
		EventApprovalApprovedCount: approvedEvents,
		EventApprovalRejectedCount: rejectedEvents,
		OutcomeIgnoredCount:        ignoredEvents,
		DraftEditedCount:           editedEvents,
		RetryCount:                 run.RetryCount,
		USDCentsActual:             run.USDCentsActual,
		ProviderTier:               run.ProviderTier,
		AvgApprovalLatencyMs:       avgLatencyMs,
		NoChangeRun:                noChange,
		KeySignals:                 keySignals,
	}
	signalsJSON, err := serializeBoundedJSON(signals, maxSignalsJSONBytes)
	if err != nil {
		return RunEvaluationResult{}, err
	}

	created, err := p.store.InsertRunEvaluation(ctx, store.RunEvaluation{
		RunID:        runID,
		AutopilotID:  run.AutopilotID,
		QualityScore: quality,
		NoiseScore:   noise,
		CostScore:    cost,
		SignalsJSON:  signalsJSON,
		CreatedAtMs:  nowMs(),
	})
	if err != nil {
		return RunEvaluationResult{}, fmt.Errorf("learning: insert run evaluation: %w", err)
	}

	return RunEvaluationResult{
		RunID: runID, QualityScore: quality, NoiseScore: noise, CostScore: cost,
		SignalsJSON: signalsJSON, Created: created,
	}, nil
}

// isNoChangeRun reports whether a run produced no user-visible delta: no
// outcomes survived ignore feedback and the run's artifacts carry no
// content worth reporting on.
func isNoChangeRun(outcomes []store.Outcome, events []store.DecisionEvent) bool {
	if len(outcomes) == 0 {
		return true
	}
	ignoredSteps := map[string]bool{}
	for _, ev := range events {
		if ev.EventType == string(EventOutcomeIgnored) {
			ignoredSteps[ev.StepID] = true
		}
	}
	for _, o := range outcomes {
		if o.Content != "" && !ignoredSteps[o.StepID] {
			return false
		}
	}
	return true
}

// serializeBoundedJSON marshals v and rejects payloads larger than maxBytes,
// matching the byte-size caps the stored JSON columns enforce.
func serializeBoundedJSON(v any, maxBytes int) (string, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("learning: encode json: %w", err)
	}
	if len(out) > maxBytes {
		return "", coreerr.New(coreerr.ValidationError, "encoded payload exceeded its byte-size cap")
	}
	return string(out), nil
}
