// Package diagnostics classifies each run's health from its durable
// state and offers a closed set of operator interventions to unstick it.
// Nothing here holds its own state; every call re-derives the
// classification from the store, the same discipline the runner and the
// learning pipeline follow.
package diagnostics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/heikkila-labs/autopilot-core/internal/coreerr"
	"github.com/heikkila-labs/autopilot-core/internal/learning"
	"github.com/heikkila-labs/autopilot-core/internal/runner"
	"github.com/heikkila-labs/autopilot-core/internal/schema"
	"github.com/heikkila-labs/autopilot-core/internal/store"
)

// HealthStatus is the closed set of run-health classifications.
type HealthStatus string

const (
	HealthyRunning          HealthStatus = "healthy_running"
	WaitingForApproval      HealthStatus = "waiting_for_approval"
	WaitingForClarification HealthStatus = "waiting_for_clarification"
	RetryingTransient       HealthStatus = "retrying_transient"
	RetryingStuck           HealthStatus = "retrying_stuck"
	PolicyBlocked           HealthStatus = "policy_blocked"
	ProviderMisconfigured   HealthStatus = "provider_misconfigured"
	SourceUnreachable       HealthStatus = "source_unreachable"
	ResourceThrottled       HealthStatus = "resource_throttled"
	Completed               HealthStatus = "completed"
	FailedUnclassified      HealthStatus = "failed_unclassified"
)

// InterventionSuggestion is one operator-facing action a diagnostic
// record offers.
type InterventionSuggestion struct {
	Kind     string `json:"kind"`
	Label    string `json:"label"`
	Reason   string `json:"reason"`
	Disabled bool   `json:"disabled"`
}

// Record is one run's classified diagnostic snapshot.
type Record struct {
	RunID        string                   `json:"runId"`
	AutopilotID  string                   `json:"autopilotId"`
	RunState     string                   `json:"runState"`
	HealthStatus HealthStatus             `json:"healthStatus"`
	ReasonCode   string                   `json:"reasonCode"`
	Summary      string                   `json:"summary"`
	Suggestions  []InterventionSuggestion `json:"suggestions"`
	CreatedAtMs  int64                    `json:"createdAtMs"`
}

// InterventionKind is the closed set of operator actions apply_intervention
// accepts.
type InterventionKind string

const (
	InterventionApprovePendingAction       InterventionKind = "approve_pending_action"
	InterventionAnswerClarification        InterventionKind = "answer_clarification"
	InterventionRetryNowIfDue              InterventionKind = "retry_now_if_due"
	InterventionPauseAutopilot15m          InterventionKind = "pause_autopilot_15m"
	InterventionReduceSourceScope          InterventionKind = "reduce_source_scope"
	InterventionSwitchProviderDefault      InterventionKind = "switch_provider_supported_default"
	InterventionOpenReceipt                InterventionKind = "open_receipt"
	InterventionOpenActivityLog            InterventionKind = "open_activity_log"
)

// ApplyInterventionInput is the apply_intervention request.
type ApplyInterventionInput struct {
	RunID      string
	Kind       string
	AnswerText string
}

// ApplyInterventionResult is the apply_intervention response.
type ApplyInterventionResult struct {
	OK               bool
	RunID            string
	Message          string
	UpdatedRunState  string
}

// Engine classifies runs and applies interventions over a Store, a
// Runner, and the learning Pipeline.
type Engine struct {
	store    *store.Store
	runner   *runner.Runner
	learning *learning.Pipeline
}

// New constructs an Engine.
func New(st *store.Store, r *runner.Runner, lp *learning.Pipeline) *Engine {
	return &Engine{store: st, runner: r, learning: lp}
}

func nowMs() int64 { return time.Now().UnixMilli() }

// seed is the minimal set of durable facts one run's classification
// needs, loaded once per run and never mutated.
type seed struct {
	run                     store.Run
	pendingApprovalID       string
	hasPendingApproval      bool
	hasPendingClarification bool
}

func (e *Engine) loadSeed(ctx context.Context, run store.Run) (seed, error) {
	approval, ok, err := e.store.GetEarliestPendingApprovalForRun(ctx, run.ID)
	if err != nil {
		return seed{}, fmt.Errorf("diagnostics: load pending approval: %w", err)
	}
	s := seed{run: run, hasPendingApproval: ok}
	if ok {
		s.pendingApprovalID = approval.ID
	}
	// This build never drives a run into needs_clarification (no
	// clarification-producing step exists yet), so a pending clarification
	// is read straight off the run's own state rather than a separate
	// table.
	s.hasPendingClarification = run.State == store.RunNeedsClarification
	return s, nil
}

// ListRunDiagnostics classifies the most recently updated runs, newest
// first, capped at limit.
func (e *Engine) ListRunDiagnostics(ctx context.Context, limit int) ([]Record, error) {
	runs, err := e.store.ListRecentRuns(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("diagnostics: list recent runs: %w", err)
	}
	out := make([]Record, 0, len(runs))
	for _, run := range runs {
		s, err := e.loadSeed(ctx, run)
		if err != nil {
			return nil, err
		}
		out = append(out, deriveRunDiagnostic(s))
	}
	return out, nil
}

// deriveRunDiagnostic applies the precedence-ordered classification: gate
// states first, then terminal states, then retry/failure reason
// patterns, defaulting to healthy_running.
func deriveRunDiagnostic(s seed) Record {
	run := s.run
	failureLower := strings.ToLower(run.FailureReason)

	var health HealthStatus
	var reasonCode, summary string

	switch {
	case run.State == store.RunNeedsApproval || s.hasPendingApproval:
		health, reasonCode, summary = WaitingForApproval, "approval_pending", "A write/send action is waiting for your approval."
	case run.State == store.RunNeedsClarification || s.hasPendingClarification:
		health, reasonCode, summary = WaitingForClarification, "clarification_pending", "One missing detail is blocking progress until you answer."
	case run.State == store.RunSucceeded || run.State == store.RunCanceled:
		health, reasonCode, summary = Completed, "terminal_complete", "Run reached a terminal state."
	case run.State == store.RunRetrying && isRateLimited(failureLower):
		health, reasonCode, summary = ResourceThrottled, "provider_rate_limited", "Provider or source is throttling requests. The retry loop will back off and try again."
	case run.State == store.RunRetrying:
		if run.RetryCount >= 2 || run.RetryCount >= run.MaxRetries-1 {
			health, reasonCode, summary = RetryingStuck, "retrying_stuck", "The run is retrying repeatedly and may need intervention."
		} else {
			health, reasonCode, summary = RetryingTransient, "retrying_transient", "The run hit a retryable failure and is waiting for the next retry window."
		}
	case (run.State == store.RunFailed || run.State == store.RunBlocked) && isProviderAuth(failureLower):
		health, reasonCode, summary = ProviderMisconfigured, "provider_auth", "Provider credentials or configuration look invalid."
	case (run.State == store.RunFailed || run.State == store.RunBlocked) && isSourceUnreachable(failureLower):
		health, reasonCode, summary = SourceUnreachable, "source_unreachable", "A configured web/source input could not be reached."
	case (run.State == store.RunFailed || run.State == store.RunBlocked) && isPolicyBlocked(failureLower):
		health, reasonCode, summary = PolicyBlocked, "policy_block", "A guardrail blocked an action due to a safety or policy rule."
	case run.State == store.RunFailed || run.State == store.RunBlocked:
		health, reasonCode = FailedUnclassified, "failed_unclassified"
		if run.FailureReason == "" {
			summary = "The run failed for a reason that could not be classified yet."
		} else {
			summary = truncateSummary(run.FailureReason)
		}
	default:
		health, reasonCode, summary = HealthyRunning, "in_progress", "Run is progressing within normal bounds."
	}

	return Record{
		RunID:        run.ID,
		AutopilotID:  run.AutopilotID,
		RunState:     string(run.State),
		HealthStatus: health,
		ReasonCode:   reasonCode,
		Summary:      summary,
		Suggestions:  buildSuggestions(s, health),
		CreatedAtMs:  nowMs(),
	}
}

func buildSuggestions(s seed, health HealthStatus) []InterventionSuggestion {
	var suggestions []InterventionSuggestion
	run := s.run

	switch health {
	case WaitingForApproval:
		suggestions = append(suggestions, InterventionSuggestion{
			Kind: string(InterventionApprovePendingAction), Label: "Approve Pending Action",
			Reason: "Resume the run by approving the oldest pending action.", Disabled: !s.hasPendingApproval,
		})
	case WaitingForClarification:
		suggestions = append(suggestions, InterventionSuggestion{
			Kind: string(InterventionAnswerClarification), Label: "Answer Clarification",
			Reason: "Answer the pending clarification to resume the run.", Disabled: !s.hasPendingClarification,
		})
	case RetryingTransient, RetryingStuck, ResourceThrottled:
		suggestions = append(suggestions,
			InterventionSuggestion{
				Kind: string(InterventionRetryNowIfDue), Label: "Retry Now (If Due)",
				Reason: "Trigger one bounded retry/resume tick when the retry window is due.",
				Disabled: run.NextRetryAtMs > nowMs(),
			},
			InterventionSuggestion{
				Kind: string(InterventionPauseAutopilot15m), Label: "Pause Autopilot 15m",
				Reason: "Temporarily suppress noisy retries while you investigate.", Disabled: false,
			},
		)
	case ProviderMisconfigured:
		suggestions = append(suggestions, InterventionSuggestion{
			Kind: string(InterventionSwitchProviderDefault), Label: "Switch Provider",
			Reason:   "Switch the run to the supported OpenAI default provider.",
			Disabled: run.ProviderTier == string(schema.TierSupported) && run.ProviderKind == string(schema.ProviderOpenAI),
		})
	case SourceUnreachable:
		if run.Plan.Recipe == schema.RecipeDailyBrief && len(run.Plan.DailySources) > 3 {
			suggestions = append(suggestions, InterventionSuggestion{
				Kind: string(InterventionReduceSourceScope), Label: "Reduce Source Scope",
				Reason: "Trim the daily brief to fewer sources to improve reliability.", Disabled: false,
			})
		}
	case PolicyBlocked:
		suggestions = append(suggestions, InterventionSuggestion{
			Kind: string(InterventionOpenActivityLog), Label: "Review Policy Block",
			Reason: "Read the activity timeline to see which guardrail blocked the run.", Disabled: false,
		})
	case Completed, HealthyRunning, FailedUnclassified:
		// no status-specific suggestion
	}

	suggestions = append(suggestions, InterventionSuggestion{
		Kind: string(InterventionOpenActivityLog), Label: "Open Activity Log",
		Reason: "Inspect the run timeline and receipts for detailed context.", Disabled: false,
	})

	switch health {
	case Completed, FailedUnclassified, PolicyBlocked, ProviderMisconfigured, SourceUnreachable:
		suggestions = append(suggestions, InterventionSuggestion{
			Kind: string(InterventionOpenReceipt), Label: "Open Receipt",
			Reason: "Review the terminal receipt and recovery options for this run.", Disabled: false,
		})
	}

	return suggestions
}

func truncateSummary(s string) string {
	const max = 180
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}

func isRateLimited(reason string) bool {
	return strings.Contains(reason, "rate-limit") || strings.Contains(reason, "rate limit") ||
		strings.Contains(reason, "429") || strings.Contains(reason, "throttle")
}

func isProviderAuth(reason string) bool {
	return strings.Contains(reason, "invalid api key") || strings.Contains(reason, "api key") ||
		strings.Contains(reason, "unauthorized") || strings.Contains(reason, "401") ||
		strings.Contains(reason, "model not found")
}

func isSourceUnreachable(reason string) bool {
	return strings.Contains(reason, "could not read") || strings.Contains(reason, "unreachable") ||
		strings.Contains(reason, "timeout") || strings.Contains(reason, "dns") || strings.Contains(reason, "network")
}

func isPolicyBlocked(reason string) bool {
	return strings.Contains(reason, "not allowed") || strings.Contains(reason, "blocked") ||
		strings.Contains(reason, "approval") || strings.Contains(reason, "policy") || strings.Contains(reason, "guard")
}

// ApplyIntervention runs one closed-set operator intervention against a
// run, logging an activity row on success.
func (e *Engine) ApplyIntervention(ctx context.Context, in ApplyInterventionInput) (ApplyInterventionResult, error) {
	runID := strings.TrimSpace(in.RunID)
	if runID == "" {
		return ApplyInterventionResult{}, coreerr.New(coreerr.ValidationError, "run id is required")
	}
	kind := strings.TrimSpace(in.Kind)
	if kind == "" {
		return ApplyInterventionResult{}, coreerr.New(coreerr.ValidationError, "intervention kind is required")
	}

	run, err := e.runner.GetRun(ctx, runID)
	if err != nil {
		return ApplyInterventionResult{}, err
	}

	var updatedState string
	var message string

	switch InterventionKind(kind) {
	case InterventionApprovePendingAction:
		approval, ok, err := e.store.GetEarliestPendingApprovalForRun(ctx, runID)
		if err != nil {
			return ApplyInterventionResult{}, err
		}
		if !ok {
			return ApplyInterventionResult{}, coreerr.New(coreerr.ValidationError, "no pending approval found for this run")
		}
		updated, err := e.runner.Approve(ctx, approval.ID)
		if err != nil {
			return ApplyInterventionResult{}, err
		}
		updatedState = string(updated.State)
		message = "Approved the pending action and resumed the run."

	case InterventionAnswerClarification:
		if run.State != store.RunNeedsClarification {
			return ApplyInterventionResult{}, coreerr.New(coreerr.ValidationError, "no pending clarification found for this run")
		}
		if strings.TrimSpace(in.AnswerText) == "" {
			return ApplyInterventionResult{}, coreerr.New(coreerr.ValidationError, "add an answer, then retry")
		}
		return ApplyInterventionResult{}, coreerr.New(coreerr.CapabilityDenied, "clarification answers aren't wired to a resolution step in this build")

	case InterventionRetryNowIfDue:
		if run.State == store.RunRetrying && run.NextRetryAtMs > nowMs() {
			return ApplyInterventionResult{}, coreerr.New(coreerr.ConflictingState, "retry is not due yet; it will resume automatically")
		}
		if run.State.Terminal() {
			return ApplyInterventionResult{}, coreerr.New(coreerr.ConflictingState, "terminal runs cannot be retried from this shortcut")
		}
		updated, err := e.runner.Tick(ctx, runID)
		if err != nil {
			return ApplyInterventionResult{}, err
		}
		updatedState = string(updated.State)
		message = "Triggered one bounded retry/resume tick."

	case InterventionPauseAutopilot15m:
		until := nowMs() + 15*60*1000
		if err := e.learning.SetAutopilotSuppressionUntil(ctx, run.AutopilotID, until); err != nil {
			return ApplyInterventionResult{}, err
		}
		message = fmt.Sprintf("Paused learning notifications for this autopilot for 15 minutes (until %d).", until)

	case InterventionReduceSourceScope:
		plan := run.Plan
		if plan.Recipe != schema.RecipeDailyBrief || len(plan.DailySources) <= 3 {
			return ApplyInterventionResult{}, coreerr.New(coreerr.ValidationError, "this run does not have a reducible source set")
		}
		plan.DailySources = plan.DailySources[:3]
		if err := e.persistRunPlan(ctx, runID, plan, run.ProviderKind, run.ProviderTier); err != nil {
			return ApplyInterventionResult{}, err
		}
		message = "Reduced daily brief sources to the first 3 and saved the run plan."

	case InterventionSwitchProviderDefault:
		plan := run.Plan
		plan.Provider = schema.ProviderMetadataFromID(schema.ProviderOpenAI)
		if err := e.persistRunPlan(ctx, runID, plan, string(schema.ProviderOpenAI), string(schema.TierSupported)); err != nil {
			return ApplyInterventionResult{}, err
		}
		message = "Switched the run to the supported OpenAI default provider."

	case InterventionOpenReceipt:
		message = "Receipt is available in the run details panel."

	case InterventionOpenActivityLog:
		message = "Open the Activity view to inspect this run timeline."

	default:
		return ApplyInterventionResult{}, coreerr.New(coreerr.ValidationError, "that intervention isn't supported")
	}

	if err := e.logIntervention(ctx, runID, kind, message); err != nil {
		return ApplyInterventionResult{}, err
	}

	return ApplyInterventionResult{OK: true, RunID: runID, Message: message, UpdatedRunState: updatedState}, nil
}

func (e *Engine) persistRunPlan(ctx context.Context, runID string, plan schema.AutopilotPlan, providerKind, providerTier string) error {
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("diagnostics: encode plan: %w", err)
	}
	return e.store.UpdateRunPlan(ctx, runID, string(planJSON), providerKind, providerTier, nowMs())
}

func (e *Engine) logIntervention(ctx context.Context, runID, kind, message string) error {
	now := nowMs()
	return e.store.Tx(ctx, func(tx *sql.Tx) error {
		return e.store.InsertActivity(ctx, tx, store.Activity{
			ID:           e.store.NewID("act"),
			RunID:        runID,
			ActivityType: "intervention_applied",
			FromState:    "",
			ToState:      "",
			UserMessage:  truncateSummary(fmt.Sprintf("Intervention applied: %s. %s", kind, message)),
			CreatedAt:    now,
		})
	})
}
