package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/heikkila-labs/autopilot-core/internal/coreerr"
	"github.com/heikkila-labs/autopilot-core/internal/schema"
)

// RunState is one node of the Runner's state machine.
type RunState string

const (
	RunDraft             RunState = "draft"
	RunReady             RunState = "ready"
	RunRunning           RunState = "running"
	RunNeedsApproval     RunState = "needs_approval"
	RunNeedsClarification RunState = "needs_clarification"
	RunRetrying          RunState = "retrying"
	RunSucceeded         RunState = "succeeded"
	RunFailed            RunState = "failed"
	RunBlocked           RunState = "blocked"
	RunCanceled          RunState = "canceled"
)

// Terminal reports whether state is a frozen terminal state.
func (s RunState) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunBlocked, RunCanceled:
		return true
	default:
		return false
	}
}

// Run is one execution of a plan.
type Run struct {
	ID                 string
	AutopilotID        string
	IdempotencyKey     string
	Plan               schema.AutopilotPlan
	ProviderKind       string
	ProviderTier       string
	State              RunState
	CurrentStepIndex   int
	RetryCount         int
	MaxRetries         int
	NextRetryBackoffMs int64
	NextRetryAtMs      int64
	SoftCapApproved    bool
	USDCentsEstimate   int64
	USDCentsActual     int64
	FailureReason      string
	CreatedAtMs        int64
	UpdatedAtMs        int64
}

func scanRun(row interface{ Scan(...any) error }) (Run, error) {
	var r Run
	var planJSON string
	var softCap int
	if err := row.Scan(&r.ID, &r.AutopilotID, &r.IdempotencyKey, &planJSON, &r.ProviderKind, &r.ProviderTier,
		&r.State, &r.CurrentStepIndex, &r.RetryCount, &r.MaxRetries, &r.NextRetryBackoffMs, &r.NextRetryAtMs,
		&softCap, &r.USDCentsEstimate, &r.USDCentsActual, &r.FailureReason, &r.CreatedAtMs, &r.UpdatedAtMs); err != nil {
		return Run{}, err
	}
	r.SoftCapApproved = softCap != 0
	if err := json.Unmarshal([]byte(planJSON), &r.Plan); err != nil {
		return Run{}, fmt.Errorf("store: decode plan_json for run %s: %w", r.ID, err)
	}
	return r, nil
}

const runColumns = `id, autopilot_id, idempotency_key, plan_json, provider_kind, provider_tier, state,
	current_step_index, retry_count, max_retries, next_retry_backoff_ms, next_retry_at_ms,
	soft_cap_approved, usd_cents_estimate, usd_cents_actual, failure_reason, created_at, updated_at`

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, coreerr.New(coreerr.NotFound, "run not found")
	}
	if err != nil {
		return Run{}, fmt.Errorf("store: get run %s: %w", id, err)
	}
	return r, nil
}

// GetRunByIdempotencyKey loads a run by its unique idempotency key. It
// returns a NotFound coreerr.Error if no run exists for the key.
func (s *Store) GetRunByIdempotencyKey(ctx context.Context, key string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE idempotency_key = ?`, key)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, coreerr.New(coreerr.NotFound, "run not found")
	}
	if err != nil {
		return Run{}, fmt.Errorf("store: get run by idempotency key %s: %w", key, err)
	}
	return r, nil
}

// InsertAutopilotIfMissing ensures an autopilot row exists for id.
func (s *Store) InsertAutopilotIfMissing(ctx context.Context, tx *sql.Tx, id, name string, now int64) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO autopilots (id, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING`, id, name, now)
	if err != nil {
		return fmt.Errorf("store: insert autopilot %s: %w", id, err)
	}
	return nil
}

// InsertRun persists a freshly created run inside tx.
func (s *Store) InsertRun(ctx context.Context, tx *sql.Tx, r Run) error {
	planJSON, err := json.Marshal(r.Plan)
	if err != nil {
		return fmt.Errorf("store: encode plan_json: %w", err)
	}
	softCap := 0
	if r.SoftCapApproved {
		softCap = 1
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO runs (
		id, autopilot_id, idempotency_key, plan_json, provider_kind, provider_tier, state,
		current_step_index, retry_count, max_retries, next_retry_backoff_ms, next_retry_at_ms,
		soft_cap_approved, usd_cents_estimate, usd_cents_actual, failure_reason, created_at, updated_at
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.AutopilotID, r.IdempotencyKey, string(planJSON), r.ProviderKind, r.ProviderTier, r.State,
		r.CurrentStepIndex, r.RetryCount, r.MaxRetries, r.NextRetryBackoffMs, r.NextRetryAtMs,
		softCap, r.USDCentsEstimate, r.USDCentsActual, r.FailureReason, r.CreatedAtMs, r.UpdatedAtMs)
	if err != nil {
		return fmt.Errorf("store: insert run %s: %w", r.ID, err)
	}
	return nil
}

// UpdateRunState persists a full run snapshot inside tx. Callers load-modify-
// save; the Runner always pairs this with InsertActivity in the same tx.
func (s *Store) UpdateRunState(ctx context.Context, tx *sql.Tx, r Run) error {
	softCap := 0
	if r.SoftCapApproved {
		softCap = 1
	}
	res, err := tx.ExecContext(ctx, `UPDATE runs SET
		state = ?, current_step_index = ?, retry_count = ?, next_retry_backoff_ms = ?, next_retry_at_ms = ?,
		soft_cap_approved = ?, usd_cents_estimate = ?, usd_cents_actual = ?, failure_reason = ?, updated_at = ?
		WHERE id = ?`,
		r.State, r.CurrentStepIndex, r.RetryCount, r.NextRetryBackoffMs, r.NextRetryAtMs,
		softCap, r.USDCentsEstimate, r.USDCentsActual, r.FailureReason, r.UpdatedAtMs, r.ID)
	if err != nil {
		return fmt.Errorf("store: update run %s: %w", r.ID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return coreerr.New(coreerr.NotFound, "run not found")
	}
	return nil
}

// ListRecentRuns returns the most recently updated runs across every
// autopilot, capped at limit — the seed query for run diagnostics.
func (s *Store) ListRecentRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list recent runs: %w", err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan recent run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRunIDsInStates returns the ids of every run currently in one of
// states, oldest-updated first — the seed query a host scheduler uses to
// find runs that still need a tick (resume_due_runs only ever selects
// `retrying` runs; `ready`/`running` runs that aren't due for a retry
// still need driving forward after start_run or approve).
func (s *Store) ListRunIDsInStates(ctx context.Context, states []RunState, limit int) ([]string, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(states))
	args := make([]any, 0, len(states)+1)
	for i, st := range states {
		placeholders[i] = "?"
		args = append(args, st)
	}
	args = append(args, limit)
	query := `SELECT id FROM runs WHERE state IN (` + strings.Join(placeholders, ",") + `)
		ORDER BY updated_at ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list run ids in states: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan run id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// UpdateRunPlan rewrites a run's plan snapshot (and, when they change, its
// provider_kind/provider_tier columns) — used by diagnostics interventions
// that narrow scope or swap providers in place.
func (s *Store) UpdateRunPlan(ctx context.Context, runID, planJSON, providerKind, providerTier string, now int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET plan_json = ?, provider_kind = ?, provider_tier = ?, updated_at = ? WHERE id = ?`,
		planJSON, providerKind, providerTier, now, runID)
	if err != nil {
		return fmt.Errorf("store: update run plan %s: %w", runID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return coreerr.New(coreerr.NotFound, "run not found")
	}
	return nil
}

// ListRunsDueForRetry returns runs in `retrying` with next_retry_at_ms <= now,
// ordered ascending by next_retry_at_ms then by id (insertion order tiebreak),
// capped at limit.
func (s *Store) ListRunsDueForRetry(ctx context.Context, now int64, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs
		WHERE state = ? AND next_retry_at_ms <= ?
		ORDER BY next_retry_at_ms ASC, id ASC
		LIMIT ?`, RunRetrying, now, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list due runs: %w", err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan due run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
