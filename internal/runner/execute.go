package runner

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/heikkila-labs/autopilot-core/internal/coreerr"
	"github.com/heikkila-labs/autopilot-core/internal/guard"
	"github.com/heikkila-labs/autopilot-core/internal/schema"
	"github.com/heikkila-labs/autopilot-core/internal/store"
)

// executeStep runs one plan step's primitive and returns the user-facing
// success message, or a coreerr.Error classifying whether the failure is
// retryable.
func (r *Runner) executeStep(ctx context.Context, run store.Run, step schema.PlanStep) (string, error) {
	g := guard.New(run.Plan.AllowedPrimitives)
	if err := g.Validate(step.Primitive); err != nil {
		return "", err
	}

	// send_email is refused unconditionally regardless of allowlist:
	// drafts are permitted, sends are not wired to any transport yet.
	if step.Primitive == schema.PrimitiveSendEmail {
		return "", coreerr.New(coreerr.PermanentIO, "Sending is disabled right now. Drafts are allowed, sends are blocked.")
	}

	// Deterministic test hook: an intent opting into simulated transient
	// failure always fails retryably, regardless of primitive.
	if strings.Contains(run.Plan.Intent, "simulate_retryable_failure") {
		return "", coreerr.New(coreerr.TransientIO, "Source is temporarily unavailable.")
	}

	switch step.Primitive {
	case schema.PrimitiveWriteOutcomeDraft:
		return r.writeOutcome(ctx, run, step, store.OutcomeOutcomeDraft, step.Label, "Draft outcome saved.")
	case schema.PrimitiveWriteEmailDraft:
		return r.writeOutcome(ctx, run, step, store.OutcomeEmailDraft, step.Label, "Draft email created and queued for approval.")
	case schema.PrimitiveAggregateDailySummary:
		return r.writeOutcome(ctx, run, step, store.OutcomeDailySummary, dailySummaryContent(run, step), "Daily summary drafted.")
	case schema.PrimitiveReadWeb, schema.PrimitiveReadForwardedEmail, schema.PrimitiveReadVaultFile,
		schema.PrimitiveScheduleRun, schema.PrimitiveNotifyUser:
		return "Step completed.", nil
	default:
		return "", coreerr.New(coreerr.ValidationError, fmt.Sprintf("unrecognized primitive %q", step.Primitive))
	}
}

// dailySummaryContent builds the deterministic JSON body a
// aggregate_daily_summary step writes, in the shape the mission
// orchestrator's rollup reads back (title + up to three bullet points).
func dailySummaryContent(run store.Run, step schema.PlanStep) string {
	title := step.Label
	bullets := make([]string, 0, len(run.Plan.DailySources))
	for i, source := range run.Plan.DailySources {
		if i >= 3 {
			break
		}
		bullets = append(bullets, source)
	}
	body, err := json.Marshal(struct {
		Title        string   `json:"title"`
		BulletPoints []string `json:"bullet_points"`
	}{Title: title, BulletPoints: bullets})
	if err != nil {
		return `{"title":"Daily summary","bullet_points":[]}`
	}
	return string(body)
}

func (r *Runner) writeOutcome(ctx context.Context, run store.Run, step schema.PlanStep, kind store.OutcomeKind, content, successMessage string) (string, error) {
	now := nowMs()
	err := r.store.Tx(ctx, func(tx *sql.Tx) error {
		return r.store.UpsertOutcome(ctx, tx, store.Outcome{
			ID:        r.store.NewID("outc"),
			RunID:     run.ID,
			StepID:    step.ID,
			Kind:      kind,
			Status:    "drafted",
			Content:   content,
			CreatedAt: now,
			UpdatedAt: now,
		})
	})
	if err != nil {
		couldNotReason := "Couldn't write the draft outcome yet."
		if kind == store.OutcomeEmailDraft {
			couldNotReason = "Couldn't write the draft email yet."
		}
		return "", coreerr.Wrap(coreerr.TransientIO, couldNotReason, err)
	}
	return successMessage, nil
}
