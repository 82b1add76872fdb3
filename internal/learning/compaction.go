package learning

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/heikkila-labs/autopilot-core/internal/store"
)

// CompactionReport summarizes one compaction pass, per autopilot touched.
type CompactionReport struct {
	AutopilotsTouched      int
	DecisionEventsDeleted  int64
	RunEvaluationsDeleted  int64
	AdaptationLogDeleted   int64
	DryRun                 bool
}

// CompactLearningData enforces retention on decision_events, run_evaluations,
// and adaptation_log for one autopilot, or every autopilot when
// autopilotID is empty. A row survives if it is within both the count cap
// and the age window, or belongs to one of the autopilot's most recent
// protectedRecentRunsForRetention terminal runs. dryRun computes the
// report without deleting or writing the activity row.
func (p *Pipeline) CompactLearningData(ctx context.Context, autopilotID string, dryRun bool) (CompactionReport, error) {
	ids := []string{autopilotID}
	if autopilotID == "" {
		all, err := p.store.ListAutopilotIDs(ctx)
		if err != nil {
			return CompactionReport{}, fmt.Errorf("learning: list autopilots for compaction: %w", err)
		}
		ids = all
	}

	report := CompactionReport{DryRun: dryRun}
	for _, id := range ids {
		touched, err := p.compactOneAutopilot(ctx, id, dryRun, &report)
		if err != nil {
			return CompactionReport{}, err
		}
		if touched {
			report.AutopilotsTouched++
		}
	}
	return report, nil
}

func (p *Pipeline) compactOneAutopilot(ctx context.Context, autopilotID string, dryRun bool, report *CompactionReport) (bool, error) {
	protected, err := p.store.ListTerminalRunIDsOrderedByRecency(ctx, autopilotID, protectedRecentRunsForRetention)
	if err != nil {
		return false, fmt.Errorf("learning: list protected runs: %w", err)
	}
	protectedSet := make(map[string]bool, len(protected))
	for _, id := range protected {
		protectedSet[id] = true
	}

	now := nowMs()
	eventsDeleted, err := p.compactDecisionEvents(ctx, autopilotID, protectedSet, now, dryRun)
	if err != nil {
		return false, err
	}
	evalsDeleted, err := p.compactRunEvaluations(ctx, autopilotID, protectedSet, now, dryRun)
	if err != nil {
		return false, err
	}
	adaptDeleted, err := p.compactAdaptationLog(ctx, autopilotID, dryRun)
	if err != nil {
		return false, err
	}

	report.DecisionEventsDeleted += eventsDeleted
	report.RunEvaluationsDeleted += evalsDeleted
	report.AdaptationLogDeleted += adaptDeleted

	touched := eventsDeleted > 0 || evalsDeleted > 0 || adaptDeleted > 0
	if touched && !dryRun {
		if err := p.writeCompactionActivity(ctx, autopilotID, eventsDeleted, evalsDeleted, adaptDeleted); err != nil {
			return false, err
		}
	}
	return touched, nil
}

func (p *Pipeline) compactDecisionEvents(ctx context.Context, autopilotID string, protected map[string]bool, now int64, dryRun bool) (int64, error) {
	ranks, err := p.store.ListAllDecisionEventRanksForAutopilot(ctx, autopilotID)
	if err != nil {
		return 0, fmt.Errorf("learning: list decision event ranks: %w", err)
	}
	ageCutoff := now - decisionEventsRetentionDays*24*60*60*1000
	var toDelete []string
	for i, r := range ranks {
		if protected[r.RunID] {
			continue
		}
		overCount := i >= decisionEventsRetentionMax
		tooOld := r.CreatedAtMs < ageCutoff
		if overCount || tooOld {
			toDelete = append(toDelete, r.EventID)
		}
	}
	if dryRun || len(toDelete) == 0 {
		return int64(len(toDelete)), nil
	}
	return p.store.DeleteDecisionEventsByID(ctx, toDelete)
}

func (p *Pipeline) compactRunEvaluations(ctx context.Context, autopilotID string, protected map[string]bool, now int64, dryRun bool) (int64, error) {
	ranks, err := p.store.ListAllRunEvaluationRanksForAutopilot(ctx, autopilotID)
	if err != nil {
		return 0, fmt.Errorf("learning: list run evaluation ranks: %w", err)
	}
	ageCutoff := now - runEvaluationsRetentionDays*24*60*60*1000
	var toDelete []string
	for i, r := range ranks {
		if protected[r.RunID] {
			continue
		}
		overCount := i >= runEvaluationsRetentionMax
		tooOld := r.CreatedAtMs < ageCutoff
		if overCount || tooOld {
			toDelete = append(toDelete, r.RunID)
		}
	}
	if dryRun || len(toDelete) == 0 {
		return int64(len(toDelete)), nil
	}
	return p.store.DeleteRunEvaluationsByID(ctx, toDelete)
}

func (p *Pipeline) compactAdaptationLog(ctx context.Context, autopilotID string, dryRun bool) (int64, error) {
	ids, err := p.store.ListAllAdaptationLogIDsForAutopilot(ctx, autopilotID)
	if err != nil {
		return 0, fmt.Errorf("learning: list adaptation log ids: %w", err)
	}
	if len(ids) <= adaptationLogRetentionMax {
		return 0, nil
	}
	toDelete := ids[adaptationLogRetentionMax:]
	if dryRun {
		return int64(len(toDelete)), nil
	}
	return p.store.DeleteAdaptationLogByID(ctx, toDelete)
}

func (p *Pipeline) writeCompactionActivity(ctx context.Context, autopilotID string, events, evals, adapt int64) error {
	runID, err := p.store.MostRecentRunIDForAutopilot(ctx, autopilotID)
	if err != nil {
		return fmt.Errorf("learning: resolve anchor run for compaction activity: %w", err)
	}
	if runID == "" {
		return nil
	}
	now := nowMs()
	message := fmt.Sprintf("learning data compacted: %d decision events, %d run evaluations, %d adaptation log rows removed", events, evals, adapt)
	return p.store.Tx(ctx, func(tx *sql.Tx) error {
		return p.store.InsertActivity(ctx, tx, store.Activity{
			ID:           p.store.NewID("activity"),
			RunID:        runID,
			ActivityType: "learning_data_compacted",
			UserMessage:  message,
			CreatedAt:    now,
		})
	})
}
