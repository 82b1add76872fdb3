package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/heikkila-labs/autopilot-core/internal/coreerr"
)

// MissionStatus is the lifecycle state of a Mission.
type MissionStatus string

const (
	MissionDraft           MissionStatus = "draft"
	MissionRunning         MissionStatus = "running"
	MissionWaitingChildren MissionStatus = "waiting_children"
	MissionAggregating     MissionStatus = "aggregating"
	MissionSucceeded       MissionStatus = "succeeded"
	MissionFailed          MissionStatus = "failed"
	MissionBlocked         MissionStatus = "blocked"
)

// Mission is a higher-order composition that fans out to N child runs.
type Mission struct {
	ID             string
	TemplateKind   string
	IdempotencyKey string
	Status         MissionStatus
	ProviderKind   string
	ConfigJSON     string
	SummaryJSON    string
	FailureReason  string
	CreatedAtMs    int64
	UpdatedAtMs    int64
}

const missionColumns = `id, template_kind, idempotency_key, status, provider_kind, config_json, summary_json, failure_reason, created_at_ms, updated_at_ms`

func scanMission(row interface{ Scan(...any) error }) (Mission, error) {
	var m Mission
	err := row.Scan(&m.ID, &m.TemplateKind, &m.IdempotencyKey, &m.Status, &m.ProviderKind, &m.ConfigJSON, &m.SummaryJSON, &m.FailureReason, &m.CreatedAtMs, &m.UpdatedAtMs)
	return m, err
}

// InsertMission inserts a new mission inside tx.
func (s *Store) InsertMission(ctx context.Context, tx *sql.Tx, m Mission) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO missions (`+missionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.TemplateKind, m.IdempotencyKey, m.Status, m.ProviderKind, m.ConfigJSON, m.SummaryJSON, m.FailureReason, m.CreatedAtMs, m.UpdatedAtMs)
	if err != nil {
		return fmt.Errorf("store: insert mission: %w", err)
	}
	return nil
}

// GetMission loads a mission by id.
func (s *Store) GetMission(ctx context.Context, id string) (Mission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id = ?`, id)
	m, err := scanMission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Mission{}, coreerr.New(coreerr.NotFound, "mission not found")
	}
	if err != nil {
		return Mission{}, fmt.Errorf("store: get mission %s: %w", id, err)
	}
	return m, nil
}

// GetMissionByIdempotencyKey loads a mission by its unique idempotency key.
func (s *Store) GetMissionByIdempotencyKey(ctx context.Context, key string) (Mission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE idempotency_key = ?`, key)
	m, err := scanMission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Mission{}, coreerr.New(coreerr.NotFound, "mission not found")
	}
	if err != nil {
		return Mission{}, fmt.Errorf("store: get mission by idempotency key %s: %w", key, err)
	}
	return m, nil
}

// UpdateMissionState updates a mission's mutable fields.
func (s *Store) UpdateMissionState(ctx context.Context, m Mission) error {
	res, err := s.db.ExecContext(ctx, `UPDATE missions SET status = ?, summary_json = ?, failure_reason = ?, updated_at_ms = ? WHERE id = ?`,
		m.Status, m.SummaryJSON, m.FailureReason, m.UpdatedAtMs, m.ID)
	if err != nil {
		return fmt.Errorf("store: update mission %s: %w", m.ID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return coreerr.New(coreerr.NotFound, "mission not found")
	}
	return nil
}

// ListMissionIDsInProgress returns ids of missions not yet in a terminal
// status, oldest-updated first — the seed query a host scheduler uses to
// find missions that still need an orchestrator tick.
func (s *Store) ListMissionIDsInProgress(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM missions
		WHERE status NOT IN (?, ?, ?)
		ORDER BY updated_at_ms ASC LIMIT ?`,
		MissionSucceeded, MissionFailed, MissionBlocked, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list mission ids in progress: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan mission id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// MissionRun links a mission to a child Run.
type MissionRun struct {
	ID          string
	MissionID   string
	ChildKey    string
	RunID       string
	RunRole     string
	SourceLabel string
	Status      string
	CreatedAtMs int64
	UpdatedAtMs int64
}

const missionRunColumns = `id, mission_id, child_key, run_id, run_role, source_label, status, created_at_ms, updated_at_ms`

func scanMissionRun(row interface{ Scan(...any) error }) (MissionRun, error) {
	var mr MissionRun
	err := row.Scan(&mr.ID, &mr.MissionID, &mr.ChildKey, &mr.RunID, &mr.RunRole, &mr.SourceLabel, &mr.Status, &mr.CreatedAtMs, &mr.UpdatedAtMs)
	return mr, err
}

// InsertMissionRun links a child run to a mission inside tx, deduped by
// (mission_id, run_id).
func (s *Store) InsertMissionRun(ctx context.Context, tx *sql.Tx, mr MissionRun) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO mission_runs (`+missionRunColumns+`) VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(mission_id, run_id) DO NOTHING`,
		mr.ID, mr.MissionID, mr.ChildKey, mr.RunID, mr.RunRole, mr.SourceLabel, mr.Status, mr.CreatedAtMs, mr.UpdatedAtMs)
	if err != nil {
		return fmt.Errorf("store: insert mission run: %w", err)
	}
	return nil
}

// ListMissionRuns returns every child-run link for a mission, in creation
// order.
func (s *Store) ListMissionRuns(ctx context.Context, missionID string) ([]MissionRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+missionRunColumns+` FROM mission_runs WHERE mission_id = ? ORDER BY created_at_ms ASC`, missionID)
	if err != nil {
		return nil, fmt.Errorf("store: list mission runs: %w", err)
	}
	defer rows.Close()
	var out []MissionRun
	for rows.Next() {
		mr, err := scanMissionRun(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan mission run: %w", err)
		}
		out = append(out, mr)
	}
	return out, rows.Err()
}

// UpdateMissionRunStatus updates the cached status snapshot for a child
// run link.
func (s *Store) UpdateMissionRunStatus(ctx context.Context, id, status string, now int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE mission_runs SET status = ?, updated_at_ms = ? WHERE id = ?`, status, now, id)
	if err != nil {
		return fmt.Errorf("store: update mission run status: %w", err)
	}
	return nil
}

// InsertMissionEvent appends a mission event row.
func (s *Store) InsertMissionEvent(ctx context.Context, tx *sql.Tx, missionID, eventType, summary, detailsJSON string, now int64) error {
	id := s.NewID("mevt")
	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, `INSERT INTO mission_events (id, mission_id, event_type, summary, details_json, created_at_ms) VALUES (?,?,?,?,?,?)`,
			id, missionID, eventType, summary, detailsJSON, now)
	} else {
		_, err = s.db.ExecContext(ctx, `INSERT INTO mission_events (id, mission_id, event_type, summary, details_json, created_at_ms) VALUES (?,?,?,?,?,?)`,
			id, missionID, eventType, summary, detailsJSON, now)
	}
	if err != nil {
		return fmt.Errorf("store: insert mission event: %w", err)
	}
	return nil
}

// MissionEvent is one append-only mission lifecycle note.
type MissionEvent struct {
	ID          string
	MissionID   string
	EventType   string
	Summary     string
	DetailsJSON string
	CreatedAtMs int64
}

// ListMissionEvents returns the most recent mission events, newest first,
// capped at limit.
func (s *Store) ListMissionEvents(ctx context.Context, missionID string, limit int) ([]MissionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, mission_id, event_type, summary, details_json, created_at_ms
		FROM mission_events WHERE mission_id = ? ORDER BY created_at_ms DESC LIMIT ?`, missionID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list mission events: %w", err)
	}
	defer rows.Close()
	var out []MissionEvent
	for rows.Next() {
		var e MissionEvent
		if err := rows.Scan(&e.ID, &e.MissionID, &e.EventType, &e.Summary, &e.DetailsJSON, &e.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("store: scan mission event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
