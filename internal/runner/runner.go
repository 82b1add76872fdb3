// Package runner implements the Run State Machine + Retry/Approval Engine:
// the durable tick-driven executor that advances a Run exactly one step
// per call, pausing for approval gates and scheduling capped-backoff
// retries, so that a crash or restart between ticks never loses progress.
package runner

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/heikkila-labs/autopilot-core/internal/coreerr"
	"github.com/heikkila-labs/autopilot-core/internal/schema"
	"github.com/heikkila-labs/autopilot-core/internal/store"
)

// RuleApplier mutates a copy of the runtime profile for the steps of a
// run, recording RuleMatchEvents as a side effect. The Runner calls it at
// most once per tick, before step execution; the applier never persists
// that copy back to the AutopilotProfile table (it is scoped to the run). A nil RuleApplier means "no rule overlays".
type RuleApplier interface {
	Apply(ctx context.Context, run store.Run, stepID string) error
}

// Runner is the Run state machine.
type Runner struct {
	store  *store.Store
	rules  RuleApplier
	logger *slog.Logger
}

// New constructs a Runner. rules may be nil.
func New(st *store.Store, rules RuleApplier, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{store: st, rules: rules, logger: logger.With("component", "runner")}
}

// maxBackoffMs is the cap on the capped-exponential retry backoff.
const maxBackoffMs int64 = 2000

// baseBackoffMs is the first retry's backoff before capping.
const baseBackoffMs int64 = 200

func computeBackoffMs(retryAttempt int) int64 {
	if retryAttempt < 1 {
		retryAttempt = 1
	}
	backoff := baseBackoffMs
	for i := 1; i < retryAttempt; i++ {
		backoff *= 2
		if backoff >= maxBackoffMs {
			return maxBackoffMs
		}
	}
	if backoff > maxBackoffMs {
		return maxBackoffMs
	}
	return backoff
}

func nowMs() int64 { return time.Now().UnixMilli() }

// StartRun writes a fresh run in `ready` state, or returns the existing
// run unchanged if idempotencyKey was already used.
func (r *Runner) StartRun(ctx context.Context, autopilotID string, plan schema.AutopilotPlan, idempotencyKey string, maxRetries int) (store.Run, error) {
	existing, err := r.store.GetRunByIdempotencyKey(ctx, idempotencyKey)
	if err == nil {
		return existing, nil
	}
	if kind, ok := coreerr.As(err); !ok || kind.Kind != coreerr.NotFound {
		return store.Run{}, fmt.Errorf("runner: start_run: lookup idempotency key: %w", err)
	}

	now := nowMs()
	run := store.Run{
		ID:             r.store.NewID("run"),
		AutopilotID:    autopilotID,
		IdempotencyKey: idempotencyKey,
		Plan:           plan,
		ProviderKind:   string(plan.Provider.ID),
		ProviderTier:   string(plan.Provider.Tier),
		State:          store.RunReady,
		MaxRetries:     maxRetries,
		CreatedAtMs:    now,
		UpdatedAtMs:    now,
	}

	err = r.store.Tx(ctx, func(tx *sql.Tx) error {
		if err := r.store.InsertAutopilotIfMissing(ctx, tx, autopilotID, "", now); err != nil {
			return err
		}
		if err := r.store.InsertRun(ctx, tx, run); err != nil {
			return err
		}
		return r.store.InsertActivity(ctx, tx, store.Activity{
			ID:           r.store.NewID("act"),
			RunID:        run.ID,
			ActivityType: "run_created",
			FromState:    "",
			ToState:      string(store.RunReady),
			UserMessage:  "Run created and ready.",
			CreatedAt:    now,
		})
	})
	if err != nil {
		// A concurrent start_run with the same key may have raced us to
		// the unique index; treat that as the idempotent case.
		if existing, getErr := r.store.GetRunByIdempotencyKey(ctx, idempotencyKey); getErr == nil {
			return existing, nil
		}
		return store.Run{}, fmt.Errorf("runner: start_run: %w", err)
	}
	return run, nil
}

// GetRun loads a run by id.
func (r *Runner) GetRun(ctx context.Context, runID string) (store.Run, error) {
	return r.store.GetRun(ctx, runID)
}

// ListPendingApprovals returns every pending approval, oldest first.
func (r *Runner) ListPendingApprovals(ctx context.Context) ([]store.Approval, error) {
	return r.store.ListPendingApprovals(ctx)
}

// Tick advances run_id by at most one step.
func (r *Runner) Tick(ctx context.Context, runID string) (store.Run, error) {
	return r.tick(ctx, runID, "")
}

// ResumeDueRuns ticks every run in `retrying` whose next_retry_at_ms has
// elapsed, ordered ascending by next_retry_at_ms, capped at limit.
func (r *Runner) ResumeDueRuns(ctx context.Context, now int64, limit int) ([]store.Run, error) {
	due, err := r.store.ListRunsDueForRetry(ctx, now, limit)
	if err != nil {
		return nil, fmt.Errorf("runner: resume_due_runs: %w", err)
	}
	out := make([]store.Run, 0, len(due))
	for _, run := range due {
		updated, err := r.tick(ctx, run.ID, "")
		if err != nil {
			return out, fmt.Errorf("runner: resume_due_runs: tick %s: %w", run.ID, err)
		}
		out = append(out, updated)
	}
	return out, nil
}

// tick is the shared implementation; approvedStepID, when non-empty,
// bypasses the approval gate for exactly that step (set by Approve, or by
// the tick itself when it discovers an authoritative approved Approval
// row — see the Open Question resolution in DESIGN.md).
func (r *Runner) tick(ctx context.Context, runID string, approvedStepID string) (store.Run, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return store.Run{}, fmt.Errorf("runner: tick: %w", err)
	}

	if run.State.Terminal() {
		return run, nil
	}

	current := run.CurrentStepIndex
	if current < len(run.Plan.Steps) {
		step := run.Plan.Steps[current]
		if approvedStepID == "" {
			if approval, ok, aerr := r.store.GetApprovalForStep(ctx, runID, step.ID); aerr == nil && ok && approval.Status == store.ApprovalApproved {
				approvedStepID = step.ID
			}
		}
	}

	if run.State == store.RunNeedsApproval && approvedStepID == "" {
		return run, nil
	}

	if run.State == store.RunRetrying {
		if run.NextRetryAtMs > nowMs() {
			return run, nil
		}
	}

	if current >= len(run.Plan.Steps) {
		return r.transition(ctx, run, store.RunSucceeded, "run_succeeded", "Run completed successfully.", "", -1)
	}

	step := run.Plan.Steps[current]
	isApprovedStep := approvedStepID == step.ID

	if step.RequiresApproval && !isApprovedStep {
		return r.pauseForApproval(ctx, run, step)
	}

	if r.rules != nil {
		if err := r.rules.Apply(ctx, run, step.ID); err != nil {
			r.logger.Warn("rule application failed", "run_id", run.ID, "step_id", step.ID, "error", err)
		}
	}

	message, stepErr := r.executeStep(ctx, run, step)
	if stepErr == nil {
		nextIdx := current + 1
		nextState := store.RunReady
		activityType := "step_completed"
		if nextIdx >= len(run.Plan.Steps) {
			nextState = store.RunSucceeded
			activityType = "run_succeeded"
		}
		return r.transition(ctx, run, nextState, activityType, message, "", nextIdx)
	}

	ce, _ := coreerr.As(stepErr)
	retryable := ce != nil && ce.Retryable()
	userReason := stepErr.Error()
	if ce != nil {
		userReason = ce.Message
	}

	if retryable && run.RetryCount < run.MaxRetries {
		return r.scheduleRetry(ctx, run, userReason)
	}
	return r.transition(ctx, run, store.RunFailed, "run_failed", userReason, userReason, current)
}

// pauseForApproval creates (or no-ops) a pending Approval for step and
// transitions the run to needs_approval, atomically.
func (r *Runner) pauseForApproval(ctx context.Context, run store.Run, step schema.PlanStep) (store.Run, error) {
	now := nowMs()
	fromState := run.State
	err := r.store.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := r.store.GetOrCreatePendingApproval(ctx, tx, run.ID, step.ID, "Approve step: "+step.Label, now); err != nil {
			return err
		}
		run.State = store.RunNeedsApproval
		run.FailureReason = ""
		run.NextRetryBackoffMs = 0
		run.NextRetryAtMs = 0
		run.UpdatedAtMs = now
		if err := r.store.UpdateRunState(ctx, tx, run); err != nil {
			return err
		}
		return r.store.InsertActivity(ctx, tx, store.Activity{
			ID:           r.store.NewID("act"),
			RunID:        run.ID,
			ActivityType: "approval_required",
			FromState:    string(fromState),
			ToState:      string(store.RunNeedsApproval),
			UserMessage:  "Approval required for step: " + step.Label,
			CreatedAt:    now,
		})
	})
	if err != nil {
		return store.Run{}, fmt.Errorf("runner: pause for approval: %w", err)
	}
	return r.store.GetRun(ctx, run.ID)
}

// transition commits a run-state change and its paired Activity row in a
// single transaction. currentStepIndex < 0 means "leave unchanged".
func (r *Runner) transition(ctx context.Context, run store.Run, toState store.RunState, activityType, userMessage, failureReason string, currentStepIndex int) (store.Run, error) {
	now := nowMs()
	fromState := run.State
	err := r.store.Tx(ctx, func(tx *sql.Tx) error {
		run.State = toState
		run.FailureReason = failureReason
		if currentStepIndex >= 0 {
			run.CurrentStepIndex = currentStepIndex
		}
		if toState != store.RunRetrying {
			run.NextRetryBackoffMs = 0
			run.NextRetryAtMs = 0
		}
		run.UpdatedAtMs = now
		if err := r.store.UpdateRunState(ctx, tx, run); err != nil {
			return err
		}
		return r.store.InsertActivity(ctx, tx, store.Activity{
			ID:           r.store.NewID("act"),
			RunID:        run.ID,
			ActivityType: activityType,
			FromState:    string(fromState),
			ToState:      string(toState),
			UserMessage:  userMessage,
			CreatedAt:    now,
		})
	})
	if err != nil {
		return store.Run{}, fmt.Errorf("runner: transition: %w", err)
	}
	return r.store.GetRun(ctx, run.ID)
}

// scheduleRetry bumps retry_count, computes the capped backoff, and
// transitions the run to `retrying`.
func (r *Runner) scheduleRetry(ctx context.Context, run store.Run, reason string) (store.Run, error) {
	now := nowMs()
	nextRetry := run.RetryCount + 1
	backoff := computeBackoffMs(nextRetry)
	fromState := run.State

	err := r.store.Tx(ctx, func(tx *sql.Tx) error {
		run.State = store.RunRetrying
		run.RetryCount = nextRetry
		run.NextRetryBackoffMs = backoff
		run.NextRetryAtMs = now + backoff
		run.FailureReason = reason
		run.UpdatedAtMs = now
		if err := r.store.UpdateRunState(ctx, tx, run); err != nil {
			return err
		}
		return r.store.InsertActivity(ctx, tx, store.Activity{
			ID:           r.store.NewID("act"),
			RunID:        run.ID,
			ActivityType: "retry_scheduled",
			FromState:    string(fromState),
			ToState:      string(store.RunRetrying),
			UserMessage:  fmt.Sprintf("Retry scheduled in %d ms. %s", backoff, reason),
			CreatedAt:    now,
		})
	})
	if err != nil {
		return store.Run{}, fmt.Errorf("runner: schedule retry: %w", err)
	}
	return r.store.GetRun(ctx, run.ID)
}

// Approve marks a pending approval approved, transitions its run
// needs_approval -> ready, and ticks once more for the same step so the
// gate is bypassed exactly this one time.
func (r *Runner) Approve(ctx context.Context, approvalID string) (store.Run, error) {
	approval, err := r.store.GetApproval(ctx, approvalID)
	if err != nil {
		return store.Run{}, fmt.Errorf("runner: approve: %w", err)
	}
	if approval.Status != store.ApprovalPending {
		return store.Run{}, coreerr.New(coreerr.ConflictingState, "approval is no longer pending")
	}

	now := nowMs()
	err = r.store.Tx(ctx, func(tx *sql.Tx) error {
		if err := r.store.UpdateApprovalStatus(ctx, tx, approvalID, store.ApprovalApproved, "", now); err != nil {
			return err
		}
		run, err := r.store.GetRun(ctx, approval.RunID)
		if err != nil {
			return err
		}
		fromState := run.State
		run.State = store.RunReady
		run.FailureReason = ""
		run.NextRetryBackoffMs = 0
		run.NextRetryAtMs = 0
		run.UpdatedAtMs = now
		if err := r.store.UpdateRunState(ctx, tx, run); err != nil {
			return err
		}
		return r.store.InsertActivity(ctx, tx, store.Activity{
			ID:           r.store.NewID("act"),
			RunID:        run.ID,
			ActivityType: "approval_approved",
			FromState:    string(fromState),
			ToState:      string(store.RunReady),
			UserMessage:  "Approval granted. Run is ready for the next tick.",
			CreatedAt:    now,
		})
	})
	if err != nil {
		return store.Run{}, fmt.Errorf("runner: approve: %w", err)
	}
	return r.tick(ctx, approval.RunID, approval.StepID)
}

// Reject marks a pending approval rejected and cancels the owning run.
func (r *Runner) Reject(ctx context.Context, approvalID, reason string) (store.Run, error) {
	approval, err := r.store.GetApproval(ctx, approvalID)
	if err != nil {
		return store.Run{}, fmt.Errorf("runner: reject: %w", err)
	}
	if approval.Status != store.ApprovalPending {
		return store.Run{}, coreerr.New(coreerr.ConflictingState, "approval is no longer pending")
	}
	if strings.TrimSpace(reason) == "" {
		reason = "Approval was rejected by the user."
	}

	now := nowMs()
	err = r.store.Tx(ctx, func(tx *sql.Tx) error {
		if err := r.store.UpdateApprovalStatus(ctx, tx, approvalID, store.ApprovalRejected, reason, now); err != nil {
			return err
		}
		run, err := r.store.GetRun(ctx, approval.RunID)
		if err != nil {
			return err
		}
		fromState := run.State
		run.State = store.RunCanceled
		run.FailureReason = reason
		run.UpdatedAtMs = now
		if err := r.store.UpdateRunState(ctx, tx, run); err != nil {
			return err
		}
		return r.store.InsertActivity(ctx, tx, store.Activity{
			ID:           r.store.NewID("act"),
			RunID:        run.ID,
			ActivityType: "approval_rejected",
			FromState:    string(fromState),
			ToState:      string(store.RunCanceled),
			UserMessage:  reason,
			CreatedAt:    now,
		})
	})
	if err != nil {
		return store.Run{}, fmt.Errorf("runner: reject: %w", err)
	}
	return r.store.GetRun(ctx, approval.RunID)
}
