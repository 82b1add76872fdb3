package mission

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/heikkila-labs/autopilot-core/internal/store"
)

// GetDetail loads a mission, its child links, recent events, and its
// computed contract status.
func (o *Orchestrator) GetDetail(ctx context.Context, missionID string) (Detail, error) {
	m, err := o.store.GetMission(ctx, missionID)
	if err != nil {
		return Detail{}, fmt.Errorf("mission: get detail: %w", err)
	}
	children, err := o.store.ListMissionRuns(ctx, missionID)
	if err != nil {
		return Detail{}, fmt.Errorf("mission: list children: %w", err)
	}
	events, err := o.store.ListMissionEvents(ctx, missionID, 25)
	if err != nil {
		return Detail{}, fmt.Errorf("mission: list events: %w", err)
	}

	contract, err := o.buildContractStatus(ctx, m, children)
	if err != nil {
		return Detail{}, err
	}

	return Detail{Mission: m, Children: children, Events: events, Contract: contract}, nil
}

// buildContractStatus evaluates the mission completion contract:
// all_children_terminal ∧ ¬has_blocked_or_pending_child ∧
// aggregation_summary_exists. Every clause is checked from durable state,
// never inferred from in-memory counters, so the contract is stable
// across process restarts.
func (o *Orchestrator) buildContractStatus(ctx context.Context, m store.Mission, children []store.MissionRun) (ContractStatus, error) {
	if len(children) == 0 {
		return ContractStatus{}, nil
	}
	allTerminal := true
	hasBlockedOrPending := false
	for _, c := range children {
		run, err := o.runner.GetRun(ctx, c.RunID)
		if err != nil {
			return ContractStatus{}, fmt.Errorf("mission: load child run %s: %w", c.RunID, err)
		}
		switch run.State {
		case store.RunSucceeded, store.RunFailed, store.RunBlocked, store.RunCanceled:
			// terminal
		default:
			allTerminal = false
		}
		switch run.State {
		case store.RunNeedsApproval, store.RunNeedsClarification, store.RunBlocked:
			hasBlockedOrPending = true
		}
	}
	summaryExists := m.SummaryJSON != ""

	return ContractStatus{
		AllChildrenTerminal:      allTerminal,
		HasBlockedOrPendingChild: hasBlockedOrPending,
		AggregationSummaryExists: summaryExists,
		ReadyToComplete:          allTerminal && !hasBlockedOrPending && summaryExists,
	}, nil
}

// Tick advances a mission by one step: ticking every non-terminal child
// run, then re-evaluating the completion contract. It never blocks on a
// child — a child waiting on its own approval gate is simply skipped
// this round.
func (o *Orchestrator) Tick(ctx context.Context, missionID string) (TickResult, error) {
	detail, err := o.GetDetail(ctx, missionID)
	if err != nil {
		return TickResult{}, err
	}

	switch detail.Mission.Status {
	case store.MissionSucceeded, store.MissionFailed, store.MissionBlocked:
		return TickResult{Mission: detail}, nil
	}

	ticked := 0
	for _, child := range detail.Children {
		run, err := o.runner.GetRun(ctx, child.RunID)
		if err != nil {
			return TickResult{}, fmt.Errorf("mission: load child run %s: %w", child.RunID, err)
		}
		switch run.State {
		case store.RunReady, store.RunRunning, store.RunRetrying:
			updated, err := o.runner.Tick(ctx, child.RunID)
			if err != nil {
				return TickResult{}, fmt.Errorf("mission: tick child run %s: %w", child.RunID, err)
			}
			if err := o.store.UpdateMissionRunStatus(ctx, child.ID, string(updated.State), nowMs()); err != nil {
				return TickResult{}, fmt.Errorf("mission: update child link: %w", err)
			}
			ticked++
		}
	}

	refreshed, err := o.GetDetail(ctx, missionID)
	if err != nil {
		return TickResult{}, err
	}

	if refreshed.Contract.HasBlockedOrPendingChild {
		detailMsg := "A child run requires attention before aggregation."
		for _, c := range refreshed.Children {
			run, err := o.runner.GetRun(ctx, c.RunID)
			if err == nil {
				switch run.State {
				case store.RunNeedsApproval, store.RunNeedsClarification, store.RunBlocked:
					detailMsg = fmt.Sprintf("Child %s requires attention before aggregation.", c.ChildKey)
				}
			}
		}
		if err := o.updateStatus(ctx, missionID, store.MissionBlocked, detailMsg, "", detailMsg, map[string]any{}); err != nil {
			return TickResult{}, err
		}
		final, err := o.GetDetail(ctx, missionID)
		return TickResult{Mission: final, ChildRunsTicked: ticked}, err
	}

	if !refreshed.Contract.AllChildrenTerminal {
		if err := o.updateStatus(ctx, missionID, store.MissionWaitingChildren, "", "",
			"Mission tick complete. Waiting for child runs.",
			map[string]any{"childRunsTicked": ticked}); err != nil {
			return TickResult{}, err
		}
		final, err := o.GetDetail(ctx, missionID)
		return TickResult{Mission: final, ChildRunsTicked: ticked}, err
	}

	// Every child is terminal and none is blocked/pending: if any child
	// failed, was canceled, or ended up blocked, the mission fails
	// outright, without ever reaching aggregation — the contract does not
	// tolerate a partial success (spec.md §4.5's transition rule).
	anyFailed := false
	for _, c := range refreshed.Children {
		run, err := o.runner.GetRun(ctx, c.RunID)
		if err != nil {
			return TickResult{}, fmt.Errorf("mission: load child run %s: %w", c.RunID, err)
		}
		switch run.State {
		case store.RunFailed, store.RunCanceled, store.RunBlocked:
			anyFailed = true
		}
	}
	if anyFailed {
		if err := o.updateStatus(ctx, missionID, store.MissionFailed,
			"One or more child runs failed. Review child receipts and retry the mission later.", "",
			"Mission failed because at least one child run failed.", map[string]any{}); err != nil {
			return TickResult{}, err
		}
		final, err := o.GetDetail(ctx, missionID)
		return TickResult{Mission: final, ChildRunsTicked: ticked}, err
	}

	if err := o.updateStatus(ctx, missionID, store.MissionAggregating, "", "",
		"All child runs completed. Building mission summary.", map[string]any{}); err != nil {
		return TickResult{}, err
	}

	summary, err := o.buildSummary(ctx, refreshed)
	if err != nil {
		return TickResult{}, err
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return TickResult{}, fmt.Errorf("mission: encode summary: %w", err)
	}
	if err := o.updateStatus(ctx, missionID, store.MissionSucceeded, "", string(summaryJSON),
		"Mission aggregation complete.", map[string]any{"childRuns": len(refreshed.Children)}); err != nil {
		return TickResult{}, err
	}

	final, err := o.GetDetail(ctx, missionID)
	return TickResult{Mission: final, ChildRunsTicked: ticked}, err
}

// updateStatus writes the mission's new status (and optionally its
// failure reason / summary) alongside an audit event, non-transactionally:
// each write here is already a single-row, single-statement mutation so a
// crash between them only ever leaves a stale status, which the next tick
// self-heals by recomputing the contract from durable child state.
func (o *Orchestrator) updateStatus(ctx context.Context, missionID string, status store.MissionStatus, failureReason, summaryJSON, eventSummary string, details map[string]any) error {
	now := nowMs()
	m, err := o.store.GetMission(ctx, missionID)
	if err != nil {
		return err
	}
	m.Status = status
	if failureReason != "" {
		m.FailureReason = failureReason
	}
	if summaryJSON != "" {
		m.SummaryJSON = summaryJSON
	}
	m.UpdatedAtMs = now
	if err := o.store.UpdateMissionState(ctx, m); err != nil {
		return fmt.Errorf("mission: update status: %w", err)
	}
	detailsJSON, _ := json.Marshal(details)
	if err := o.store.InsertMissionEvent(ctx, nil, missionID, string(status), truncateSummary(eventSummary), string(detailsJSON), now); err != nil {
		return fmt.Errorf("mission: insert event: %w", err)
	}
	return nil
}

// daily brief summary shapes, mirroring the per-child daily_summary
// outcome content this mission aggregates.
type childSummaryView struct {
	ChildKey    string   `json:"childKey"`
	SourceLabel string   `json:"sourceLabel"`
	RunID       string   `json:"runId"`
	Title       string   `json:"title"`
	Bullets     []string `json:"bullets"`
}

type missionSummary struct {
	TemplateKind  string             `json:"templateKind"`
	Title         string             `json:"title"`
	SummaryLines  []string           `json:"summaryLines"`
	Children      []childSummaryView `json:"children"`
	GeneratedAtMs int64              `json:"generatedAtMs"`
}

type dailySummaryOutcome struct {
	Title        string   `json:"title"`
	BulletPoints []string `json:"bullet_points"`
}

// buildSummary deterministically rolls up each child's daily_summary
// outcome into one mission-level brief. The caller only reaches here once
// every child run has succeeded; aggregation is never attempted over a
// mix of succeeded and failed children.
func (o *Orchestrator) buildSummary(ctx context.Context, detail Detail) (missionSummary, error) {
	children := make([]childSummaryView, 0, len(detail.Children))
	for _, c := range detail.Children {
		run, err := o.runner.GetRun(ctx, c.RunID)
		if err != nil {
			return missionSummary{}, fmt.Errorf("mission: load child run %s for summary: %w", c.RunID, err)
		}
		if run.State != store.RunSucceeded {
			return missionSummary{}, fmt.Errorf("mission: buildSummary called with non-succeeded child %s in state %s", c.ChildKey, run.State)
		}

		outcomes, err := o.store.ListOutcomesForRun(ctx, c.RunID)
		title := "Daily Brief child summary"
		var bullets []string
		if err == nil {
			for _, outcome := range outcomes {
				if outcome.Kind != store.OutcomeDailySummary {
					continue
				}
				var parsed dailySummaryOutcome
				if json.Unmarshal([]byte(outcome.Content), &parsed) == nil {
					if parsed.Title != "" {
						title = parsed.Title
					}
					bullets = parsed.BulletPoints
					if len(bullets) > 3 {
						bullets = bullets[:3]
					}
				}
				break
			}
		}
		children = append(children, childSummaryView{
			ChildKey:    c.ChildKey,
			SourceLabel: c.SourceLabel,
			RunID:       c.RunID,
			Title:       title,
			Bullets:     bullets,
		})
	}

	lines := make([]string, 0, 6)
	for i, c := range children {
		if i >= 6 {
			break
		}
		lines = append(lines, fmt.Sprintf("%s: %s", c.SourceLabel, c.Title))
	}

	return missionSummary{
		TemplateKind:  detail.Mission.TemplateKind,
		Title:         fmt.Sprintf("Mission brief: %d source updates", len(children)),
		SummaryLines:  lines,
		Children:      children,
		GeneratedAtMs: nowMs(),
	}, nil
}
