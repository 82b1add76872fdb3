package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/heikkila-labs/autopilot-core/internal/coreerr"
)

// ApprovalStatus is the lifecycle state of an Approval gate.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Approval is a per-(run,step) user gate.
type Approval struct {
	ID         string
	RunID      string
	StepID     string
	Status     ApprovalStatus
	Preview    string
	Reason     string
	CreatedAt  int64
	UpdatedAt  int64
	DecidedAt  int64
}

const approvalColumns = `id, run_id, step_id, status, preview, reason, created_at, updated_at, decided_at`

func scanApproval(row interface{ Scan(...any) error }) (Approval, error) {
	var a Approval
	err := row.Scan(&a.ID, &a.RunID, &a.StepID, &a.Status, &a.Preview, &a.Reason, &a.CreatedAt, &a.UpdatedAt, &a.DecidedAt)
	return a, err
}

// GetOrCreatePendingApproval returns the existing approval for (runID,
// stepID) or inserts a new pending one, inside tx. Matches the spec's
// "create (or no-op) a pending Approval" tick step.
func (s *Store) GetOrCreatePendingApproval(ctx context.Context, tx *sql.Tx, runID, stepID, preview string, now int64) (Approval, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE run_id = ? AND step_id = ?`, runID, stepID)
	a, err := scanApproval(row)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Approval{}, fmt.Errorf("store: lookup approval: %w", err)
	}
	a = Approval{
		ID:        s.NewID("appr"),
		RunID:     runID,
		StepID:    stepID,
		Status:    ApprovalPending,
		Preview:   preview,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO approvals (id, run_id, step_id, status, preview, reason, created_at, updated_at, decided_at)
		VALUES (?,?,?,?,?,'',?,?,0)
		ON CONFLICT(run_id, step_id) DO NOTHING`, a.ID, a.RunID, a.StepID, a.Status, a.Preview, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return Approval{}, fmt.Errorf("store: insert approval: %w", err)
	}
	row = tx.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE run_id = ? AND step_id = ?`, runID, stepID)
	return scanApproval(row)
}

// GetApproval loads an approval by id.
func (s *Store) GetApproval(ctx context.Context, id string) (Approval, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Approval{}, coreerr.New(coreerr.NotFound, "approval not found")
	}
	if err != nil {
		return Approval{}, fmt.Errorf("store: get approval %s: %w", id, err)
	}
	return a, nil
}

// GetApprovalForStep loads the approval for (runID, stepID) if any.
func (s *Store) GetApprovalForStep(ctx context.Context, runID, stepID string) (Approval, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE run_id = ? AND step_id = ?`, runID, stepID)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Approval{}, false, nil
	}
	if err != nil {
		return Approval{}, false, fmt.Errorf("store: get approval for step: %w", err)
	}
	return a, true, nil
}

// UpdateApprovalStatus transitions an approval's status inside tx.
func (s *Store) UpdateApprovalStatus(ctx context.Context, tx *sql.Tx, id string, status ApprovalStatus, reason string, now int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE approvals SET status = ?, reason = ?, updated_at = ?, decided_at = ? WHERE id = ?`,
		status, reason, now, now, id)
	if err != nil {
		return fmt.Errorf("store: update approval %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return coreerr.New(coreerr.NotFound, "approval not found")
	}
	return nil
}

// CountApprovalsByStatusForRun returns the approved and rejected approval
// counts for a run, used by the learning pipeline's quality scoring.
func (s *Store) CountApprovalsByStatusForRun(ctx context.Context, runID string) (approved, rejected int, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM approvals WHERE run_id = ? AND status = ?`, runID, ApprovalApproved).Scan(&approved); err != nil {
		return 0, 0, fmt.Errorf("store: count approved approvals: %w", err)
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM approvals WHERE run_id = ? AND status = ?`, runID, ApprovalRejected).Scan(&rejected); err != nil {
		return 0, 0, fmt.Errorf("store: count rejected approvals: %w", err)
	}
	return approved, rejected, nil
}

// GetEarliestPendingApprovalForRun returns the oldest pending approval for
// runID, if any — the "oldest pending action" diagnostics interventions
// resolve.
func (s *Store) GetEarliestPendingApprovalForRun(ctx context.Context, runID string) (Approval, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE run_id = ? AND status = ? ORDER BY created_at ASC LIMIT 1`,
		runID, ApprovalPending)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Approval{}, false, nil
	}
	if err != nil {
		return Approval{}, false, fmt.Errorf("store: get earliest pending approval: %w", err)
	}
	return a, true, nil
}

// ListPendingApprovals returns every pending approval ordered by creation
// time ascending.
func (s *Store) ListPendingApprovals(ctx context.Context) ([]Approval, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE status = ? ORDER BY created_at ASC`, ApprovalPending)
	if err != nil {
		return nil, fmt.Errorf("store: list pending approvals: %w", err)
	}
	defer rows.Close()
	var out []Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan approval: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
