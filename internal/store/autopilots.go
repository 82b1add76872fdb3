package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/heikkila-labs/autopilot-core/internal/coreerr"
)

// ListAutopilotIDs returns every known autopilot id, newest first. Used by
// compact_learning_data when no single autopilot is targeted.
func (s *Store) ListAutopilotIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM autopilots ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list autopilot ids: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan autopilot id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListTerminalRunIDsByCreatedAt returns an autopilot's most recent n
// terminal run ids ordered by created_at descending — the window
// adapt_autopilot's last-N-runs rules walk.
func (s *Store) ListTerminalRunIDsByCreatedAt(ctx context.Context, autopilotID string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM runs
		WHERE autopilot_id = ? AND state IN (?,?,?,?)
		ORDER BY created_at DESC LIMIT ?`,
		autopilotID, RunSucceeded, RunFailed, RunBlocked, RunCanceled, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list terminal run ids by created_at: %w", err)
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

// MostRecentRunIDForAutopilot returns the most recently updated run id for
// an autopilot, used to anchor the compaction activity row. Returns
// ("", nil) if the autopilot has no runs yet.
func (s *Store) MostRecentRunIDForAutopilot(ctx context.Context, autopilotID string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id FROM runs WHERE autopilot_id = ? ORDER BY updated_at DESC LIMIT 1`, autopilotID)
	var id string
	err := row.Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: most recent run for autopilot: %w", err)
	}
	return id, nil
}

// GetAutopilotName is a small convenience used by diagnostics surfaces;
// returns NotFound if the autopilot row is missing.
func (s *Store) GetAutopilotName(ctx context.Context, id string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT name FROM autopilots WHERE id = ?`, id)
	var name string
	err := row.Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", coreerr.New(coreerr.NotFound, "autopilot not found")
	}
	if err != nil {
		return "", fmt.Errorf("store: get autopilot name: %w", err)
	}
	return name, nil
}
