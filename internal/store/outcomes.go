package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// OutcomeKind names the artifact a step produced.
type OutcomeKind string

const (
	OutcomeOutcomeDraft OutcomeKind = "outcome_draft"
	OutcomeEmailDraft   OutcomeKind = "email_draft"
	OutcomeWebRead      OutcomeKind = "web_read"
	OutcomeDailySources OutcomeKind = "daily_sources"
	OutcomeInboxRead    OutcomeKind = "inbox_read"
	OutcomeDailySummary OutcomeKind = "daily_summary"
	OutcomeMemoryUsage  OutcomeKind = "memory_usage"
	OutcomeReceipt      OutcomeKind = "receipt"
)

// Outcome is an artifact a step produced.
type Outcome struct {
	ID            string
	RunID         string
	StepID        string
	Kind          OutcomeKind
	Status        string
	Content       string
	FailureReason string
	CreatedAt     int64
	UpdatedAt     int64
}

const outcomeColumns = `id, run_id, step_id, kind, status, content, failure_reason, created_at, updated_at`

func scanOutcome(row interface{ Scan(...any) error }) (Outcome, error) {
	var o Outcome
	err := row.Scan(&o.ID, &o.RunID, &o.StepID, &o.Kind, &o.Status, &o.Content, &o.FailureReason, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

// UpsertOutcome inserts an outcome row, or no-ops if one already exists for
// (run_id, step_id, kind) — this is what makes step re-execution on replay
// safe.
func (s *Store) UpsertOutcome(ctx context.Context, tx *sql.Tx, o Outcome) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO outcomes (id, run_id, step_id, kind, status, content, failure_reason, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(run_id, step_id, kind) DO NOTHING`,
		o.ID, o.RunID, o.StepID, o.Kind, o.Status, o.Content, o.FailureReason, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert outcome: %w", err)
	}
	return nil
}

// CountOutcomesForStep returns how many outcome rows, of any kind, exist
// for (runID, stepID).
func (s *Store) CountOutcomesForStep(ctx context.Context, runID, stepID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outcomes WHERE run_id = ? AND step_id = ?`, runID, stepID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count outcomes: %w", err)
	}
	return n, nil
}

// ListOutcomesForRun returns every outcome recorded for a run.
func (s *Store) ListOutcomesForRun(ctx context.Context, runID string) ([]Outcome, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+outcomeColumns+` FROM outcomes WHERE run_id = ? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: list outcomes: %w", err)
	}
	defer rows.Close()
	var out []Outcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan outcome: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// GetOutcome returns one outcome by (runID, stepID, kind) if present.
func (s *Store) GetOutcome(ctx context.Context, runID, stepID string, kind OutcomeKind) (Outcome, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+outcomeColumns+` FROM outcomes WHERE run_id = ? AND step_id = ? AND kind = ?`, runID, stepID, kind)
	o, err := scanOutcome(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Outcome{}, false, nil
	}
	if err != nil {
		return Outcome{}, false, fmt.Errorf("store: get outcome: %w", err)
	}
	return o, true, nil
}
