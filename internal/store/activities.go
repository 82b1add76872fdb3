package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Activity is an append-only audit row written inside the same
// transaction as the state change it records.
type Activity struct {
	ID           string
	RunID        string
	ActivityType string
	FromState    string
	ToState      string
	UserMessage  string
	CreatedAt    int64
}

// InsertActivity writes an activity row inside tx. If a test failpoint is
// installed (SetActivityInsertFailpointForTesting) and it returns an
// error, that error is returned without touching the database, so the
// caller's transaction rolls back along with the paired state mutation.
func (s *Store) InsertActivity(ctx context.Context, tx *sql.Tx, a Activity) error {
	if err := s.activityFailpointFire(); err != nil {
		return fmt.Errorf("store: activity insert failpoint: %w", err)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO activities (id, run_id, activity_type, from_state, to_state, user_message, created_at)
		VALUES (?,?,?,?,?,?,?)`, a.ID, a.RunID, a.ActivityType, a.FromState, a.ToState, a.UserMessage, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert activity: %w", err)
	}
	return nil
}

// ListActivitiesForRun returns every activity for a run, totally ordered
// by created_at ascending.
func (s *Store) ListActivitiesForRun(ctx context.Context, runID string) ([]Activity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, run_id, activity_type, from_state, to_state, user_message, created_at
		FROM activities WHERE run_id = ? ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: list activities: %w", err)
	}
	defer rows.Close()
	var out []Activity
	for rows.Next() {
		var a Activity
		if err := rows.Scan(&a.ID, &a.RunID, &a.ActivityType, &a.FromState, &a.ToState, &a.UserMessage, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
