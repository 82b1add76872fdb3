package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// DecisionEvent is a user-feedback signal consumed by the learning
// pipeline.
type DecisionEvent struct {
	EventID       string
	ClientEventID string // empty means "no client-supplied dedupe key"
	AutopilotID   string
	RunID         string
	StepID        string
	EventType     string
	MetadataJSON  string
	CreatedAtMs   int64
}

// InsertDecisionEvent inserts a decision event. If clientEventID is
// non-empty and already used, this returns ErrDuplicateClientEvent and the
// caller must treat the second insert as a no-op (idempotent dedupe).
var ErrDuplicateClientEvent = errors.New("store: duplicate client_event_id")

func (s *Store) InsertDecisionEvent(ctx context.Context, e DecisionEvent) error {
	var clientID any
	if e.ClientEventID != "" {
		clientID = e.ClientEventID
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM decision_events WHERE client_event_id = ?`, e.ClientEventID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("store: check client_event_id: %w", err)
		}
		if exists > 0 {
			return ErrDuplicateClientEvent
		}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO decision_events (event_id, client_event_id, autopilot_id, run_id, step_id, event_type, metadata_json, created_at_ms)
		VALUES (?,?,?,?,?,?,?,?)`, e.EventID, clientID, e.AutopilotID, e.RunID, e.StepID, e.EventType, e.MetadataJSON, e.CreatedAtMs)
	if err != nil {
		return fmt.Errorf("store: insert decision event: %w", err)
	}
	return nil
}

// CountDecisionEventsSince counts decision events for an autopilot with
// created_at_ms >= sinceMs — the rate-limit window query.
func (s *Store) CountDecisionEventsSince(ctx context.Context, autopilotID string, sinceMs int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM decision_events WHERE autopilot_id = ? AND created_at_ms >= ?`, autopilotID, sinceMs).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count decision events: %w", err)
	}
	return n, nil
}

// CountDecisionEventsForAutopilot returns the total rows for an autopilot —
// used to decide when the 25-event compaction trigger fires.
func (s *Store) CountDecisionEventsForAutopilot(ctx context.Context, autopilotID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM decision_events WHERE autopilot_id = ?`, autopilotID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count decision events: %w", err)
	}
	return n, nil
}

// ListDecisionEventsForRun returns every decision event recorded for a run,
// used by RunEvaluation scoring.
func (s *Store) ListDecisionEventsForRun(ctx context.Context, runID string) ([]DecisionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT event_id, COALESCE(client_event_id, ''), autopilot_id, run_id, step_id, event_type, metadata_json, created_at_ms
		FROM decision_events WHERE run_id = ? ORDER BY created_at_ms ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: list decision events for run: %w", err)
	}
	defer rows.Close()
	return scanDecisionEvents(rows)
}

// ListRecentDecisionEventsForAutopilot returns the most recent limit
// decision events for an autopilot, newest first.
func (s *Store) ListRecentDecisionEventsForAutopilot(ctx context.Context, autopilotID string, limit int) ([]DecisionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT event_id, COALESCE(client_event_id, ''), autopilot_id, run_id, step_id, event_type, metadata_json, created_at_ms
		FROM decision_events WHERE autopilot_id = ? ORDER BY created_at_ms DESC LIMIT ?`, autopilotID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list recent decision events: %w", err)
	}
	defer rows.Close()
	return scanDecisionEvents(rows)
}

func scanDecisionEvents(rows *sql.Rows) ([]DecisionEvent, error) {
	var out []DecisionEvent
	for rows.Next() {
		var e DecisionEvent
		if err := rows.Scan(&e.EventID, &e.ClientEventID, &e.AutopilotID, &e.RunID, &e.StepID, &e.EventType, &e.MetadataJSON, &e.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("store: scan decision event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteDecisionEventsByID removes rows in ids (chunked by caller).
func (s *Store) DeleteDecisionEventsByID(ctx context.Context, ids []string) (int64, error) {
	return deleteByIDChunked(ctx, s.db, "decision_events", "event_id", ids)
}

// DecisionEventRank is the compaction-ledger projection of one decision
// event: just enough to decide whether a row survives retention.
type DecisionEventRank struct {
	EventID     string
	RunID       string
	CreatedAtMs int64
}

// ListAllDecisionEventRanksForAutopilot returns every decision event id for
// an autopilot, newest first, for the compaction retention-by-rank walk.
func (s *Store) ListAllDecisionEventRanksForAutopilot(ctx context.Context, autopilotID string) ([]DecisionEventRank, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT event_id, run_id, created_at_ms FROM decision_events
		WHERE autopilot_id = ? ORDER BY created_at_ms DESC`, autopilotID)
	if err != nil {
		return nil, fmt.Errorf("store: list decision event ranks: %w", err)
	}
	defer rows.Close()
	var out []DecisionEventRank
	for rows.Next() {
		var r DecisionEventRank
		if err := rows.Scan(&r.EventID, &r.RunID, &r.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("store: scan decision event rank: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListAllAdaptationLogIDsForAutopilot returns every adaptation_log id for an
// autopilot, newest first.
func (s *Store) ListAllAdaptationLogIDsForAutopilot(ctx context.Context, autopilotID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM adaptation_log WHERE autopilot_id = ? ORDER BY created_at_ms DESC`, autopilotID)
	if err != nil {
		return nil, fmt.Errorf("store: list adaptation log ids: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan adaptation log id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// RunEvaluationRank is the compaction-ledger projection of one evaluation.
type RunEvaluationRank struct {
	RunID       string
	CreatedAtMs int64
}

// ListAllRunEvaluationRanksForAutopilot returns every evaluation's run_id
// for an autopilot, newest first.
func (s *Store) ListAllRunEvaluationRanksForAutopilot(ctx context.Context, autopilotID string) ([]RunEvaluationRank, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, created_at_ms FROM run_evaluations
		WHERE autopilot_id = ? ORDER BY created_at_ms DESC`, autopilotID)
	if err != nil {
		return nil, fmt.Errorf("store: list run evaluation ranks: %w", err)
	}
	defer rows.Close()
	var out []RunEvaluationRank
	for rows.Next() {
		var r RunEvaluationRank
		if err := rows.Scan(&r.RunID, &r.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("store: scan run evaluation rank: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RunEvaluation is the scored outcome of one terminal run.
type RunEvaluation struct {
	RunID        string
	AutopilotID  string
	QualityScore int
	NoiseScore   int
	CostScore    int
	SignalsJSON  string
	CreatedAtMs  int64
}

// InsertRunEvaluation inserts an evaluation, no-op if one already exists
// for run_id (idempotent evaluate_run).
func (s *Store) InsertRunEvaluation(ctx context.Context, e RunEvaluation) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO run_evaluations (run_id, autopilot_id, quality_score, noise_score, cost_score, signals_json, created_at_ms)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(run_id) DO NOTHING`, e.RunID, e.AutopilotID, e.QualityScore, e.NoiseScore, e.CostScore, e.SignalsJSON, e.CreatedAtMs)
	if err != nil {
		return false, fmt.Errorf("store: insert run evaluation: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetRunEvaluation returns the evaluation for runID if present.
func (s *Store) GetRunEvaluation(ctx context.Context, runID string) (RunEvaluation, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT run_id, autopilot_id, quality_score, noise_score, cost_score, signals_json, created_at_ms
		FROM run_evaluations WHERE run_id = ?`, runID)
	var e RunEvaluation
	err := row.Scan(&e.RunID, &e.AutopilotID, &e.QualityScore, &e.NoiseScore, &e.CostScore, &e.SignalsJSON, &e.CreatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return RunEvaluation{}, false, nil
	}
	if err != nil {
		return RunEvaluation{}, false, fmt.Errorf("store: get run evaluation: %w", err)
	}
	return e, true, nil
}

// ListRecentRunEvaluations returns the most recent limit evaluations for an
// autopilot, newest first.
func (s *Store) ListRecentRunEvaluations(ctx context.Context, autopilotID string, limit int) ([]RunEvaluation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, autopilot_id, quality_score, noise_score, cost_score, signals_json, created_at_ms
		FROM run_evaluations WHERE autopilot_id = ? ORDER BY created_at_ms DESC LIMIT ?`, autopilotID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list recent run evaluations: %w", err)
	}
	defer rows.Close()
	var out []RunEvaluation
	for rows.Next() {
		var e RunEvaluation
		if err := rows.Scan(&e.RunID, &e.AutopilotID, &e.QualityScore, &e.NoiseScore, &e.CostScore, &e.SignalsJSON, &e.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("store: scan run evaluation: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountRunEvaluationsForAutopilot returns the total evaluation rows for an
// autopilot — used by compaction retention-by-count.
func (s *Store) CountRunEvaluationsForAutopilot(ctx context.Context, autopilotID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM run_evaluations WHERE autopilot_id = ?`, autopilotID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count run evaluations: %w", err)
	}
	return n, nil
}

// DeleteRunEvaluationsByID removes rows in ids (chunked by caller).
func (s *Store) DeleteRunEvaluationsByID(ctx context.Context, ids []string) (int64, error) {
	return deleteByIDChunked(ctx, s.db, "run_evaluations", "run_id", ids)
}

// AdaptationLogEntry records one applied profile adaptation.
type AdaptationLogEntry struct {
	ID                 string
	AutopilotID        string
	RunID              string
	AdaptationHash     string
	ChangesJSON        string
	RationaleCodesJSON string
	CreatedAtMs        int64
}

// GetLatestAdaptationHash returns the most recent adaptation_hash recorded
// for an autopilot, or "" if none exists.
func (s *Store) GetLatestAdaptationHash(ctx context.Context, autopilotID string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT adaptation_hash FROM adaptation_log WHERE autopilot_id = ? ORDER BY created_at_ms DESC LIMIT 1`, autopilotID)
	var hash string
	err := row.Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: get latest adaptation hash: %w", err)
	}
	return hash, nil
}

// InsertAdaptationLog inserts an adaptation row, no-op if one already
// exists for (autopilot_id, run_id).
func (s *Store) InsertAdaptationLog(ctx context.Context, e AdaptationLogEntry) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO adaptation_log (id, autopilot_id, run_id, adaptation_hash, changes_json, rationale_codes_json, created_at_ms)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(autopilot_id, run_id) DO NOTHING`,
		e.ID, e.AutopilotID, e.RunID, e.AdaptationHash, e.ChangesJSON, e.RationaleCodesJSON, e.CreatedAtMs)
	if err != nil {
		return false, fmt.Errorf("store: insert adaptation log: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetAdaptationLogByRunID returns the adaptation row recorded for a run, if
// any — the receipt projection's source for rationale codes.
func (s *Store) GetAdaptationLogByRunID(ctx context.Context, runID string) (AdaptationLogEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, autopilot_id, run_id, adaptation_hash, changes_json, rationale_codes_json, created_at_ms
		FROM adaptation_log WHERE run_id = ?`, runID)
	var e AdaptationLogEntry
	err := row.Scan(&e.ID, &e.AutopilotID, &e.RunID, &e.AdaptationHash, &e.ChangesJSON, &e.RationaleCodesJSON, &e.CreatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return AdaptationLogEntry{}, false, nil
	}
	if err != nil {
		return AdaptationLogEntry{}, false, fmt.Errorf("store: get adaptation log by run: %w", err)
	}
	return e, true, nil
}

// CountAdaptationLogForAutopilot returns the total adaptation rows for an
// autopilot.
func (s *Store) CountAdaptationLogForAutopilot(ctx context.Context, autopilotID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM adaptation_log WHERE autopilot_id = ?`, autopilotID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count adaptation log: %w", err)
	}
	return n, nil
}

// DeleteAdaptationLogByID removes rows in ids (chunked by caller).
func (s *Store) DeleteAdaptationLogByID(ctx context.Context, ids []string) (int64, error) {
	return deleteByIDChunked(ctx, s.db, "adaptation_log", "id", ids)
}

// deleteByIDChunked deletes rows whose idColumn is in ids, at most 200 per
// statement, matching the spec's chunked-delete compaction requirement.
func deleteByIDChunked(ctx context.Context, db *sql.DB, table, idColumn string, ids []string) (int64, error) {
	const chunkSize = 200
	var total int64
	for start := 0; start < len(ids); start += chunkSize {
		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		placeholders := make([]byte, 0, len(chunk)*2)
		args := make([]any, 0, len(chunk))
		for i, id := range chunk {
			if i > 0 {
				placeholders = append(placeholders, ',')
			}
			placeholders = append(placeholders, '?')
			args = append(args, id)
		}
		stmt := fmt.Sprintf(`DELETE FROM %s WHERE %s IN (%s)`, table, idColumn, string(placeholders))
		res, err := db.ExecContext(ctx, stmt, args...)
		if err != nil {
			return total, fmt.Errorf("store: chunked delete from %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// ListTerminalRunIDsOrderedByRecency returns an autopilot's terminal run ids
// ordered by updated_at, newest first, used to compute the "N most recent terminal runs are retention-
// protected regardless of age" rule.
func (s *Store) ListTerminalRunIDsOrderedByRecency(ctx context.Context, autopilotID string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM runs WHERE autopilot_id = ? AND state IN (?,?,?,?) ORDER BY updated_at DESC LIMIT ?`,
		autopilotID, RunSucceeded, RunFailed, RunBlocked, RunCanceled, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list terminal run ids: %w", err)
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
