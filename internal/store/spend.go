package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SpendEntryKind distinguishes an estimate from an actual charge.
type SpendEntryKind string

const (
	SpendEstimate SpendEntryKind = "estimate"
	SpendActual   SpendEntryKind = "actual"
)

// SpendEntry is one append-only ledger row.
type SpendEntry struct {
	ID             string
	RunID          string
	StepID         string
	EntryKind      SpendEntryKind
	AmountUSD      float64
	AmountUSDCents int64
	Reason         string
	DayBucket      string
	CreatedAt      int64
}

// InsertSpendEntry records a spend ledger row inside tx, deduped by
// (run_id, step_id, entry_kind).
func (s *Store) InsertSpendEntry(ctx context.Context, tx *sql.Tx, e SpendEntry) error {
	if e.DayBucket == "" {
		e.DayBucket = time.UnixMilli(e.CreatedAt).UTC().Format("2006-01-02")
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO spend_ledger (id, run_id, step_id, entry_kind, amount_usd, amount_usd_cents, reason, day_bucket, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(run_id, step_id, entry_kind) DO NOTHING`,
		e.ID, e.RunID, e.StepID, e.EntryKind, e.AmountUSD, e.AmountUSDCents, e.Reason, e.DayBucket, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert spend entry: %w", err)
	}
	return nil
}

// SumActualCentsForRun totals actual-kind spend ledger entries for a run.
func (s *Store) SumActualCentsForRun(ctx context.Context, runID string) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT SUM(amount_usd_cents) FROM spend_ledger WHERE run_id = ? AND entry_kind = ?`, runID, SpendActual).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("store: sum spend: %w", err)
	}
	return total.Int64, nil
}
