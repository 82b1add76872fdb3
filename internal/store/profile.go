package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ProfileMode is the overall cost/quality posture of an autopilot.
type ProfileMode string

const (
	ModeMaxSavings ProfileMode = "max_savings"
	ModeBalanced   ProfileMode = "balanced"
	ModeBestQuality ProfileMode = "best_quality"
)

// AutopilotProfileRow is the persisted row backing an AutopilotProfile.
type AutopilotProfileRow struct {
	AutopilotID     string
	LearningEnabled bool
	Mode            ProfileMode
	KnobsJSON       string
	SuppressionJSON string
	Version         int
	UpdatedAtMs     int64
}

// GetOrCreateProfile returns the stored profile for autopilotID, creating
// a default one (learning enabled, balanced mode) if none exists.
func (s *Store) GetOrCreateProfile(ctx context.Context, autopilotID string, defaultKnobsJSON string, now int64) (AutopilotProfileRow, error) {
	row, ok, err := s.GetProfile(ctx, autopilotID)
	if err != nil {
		return AutopilotProfileRow{}, err
	}
	if ok {
		return row, nil
	}
	row = AutopilotProfileRow{
		AutopilotID:     autopilotID,
		LearningEnabled: true,
		Mode:            ModeBalanced,
		KnobsJSON:       defaultKnobsJSON,
		SuppressionJSON: "{}",
		Version:         1,
		UpdatedAtMs:     now,
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO autopilot_profile (autopilot_id, learning_enabled, mode, knobs_json, suppression_json, version, updated_at_ms)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(autopilot_id) DO NOTHING`,
		row.AutopilotID, boolToInt(row.LearningEnabled), row.Mode, row.KnobsJSON, row.SuppressionJSON, row.Version, row.UpdatedAtMs)
	if err != nil {
		return AutopilotProfileRow{}, fmt.Errorf("store: create default profile: %w", err)
	}
	row, _, err = s.GetProfile(ctx, autopilotID)
	return row, err
}

// GetProfile loads a profile row if it exists.
func (s *Store) GetProfile(ctx context.Context, autopilotID string) (AutopilotProfileRow, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT autopilot_id, learning_enabled, mode, knobs_json, suppression_json, version, updated_at_ms
		FROM autopilot_profile WHERE autopilot_id = ?`, autopilotID)
	var r AutopilotProfileRow
	var learningEnabled int
	err := row.Scan(&r.AutopilotID, &learningEnabled, &r.Mode, &r.KnobsJSON, &r.SuppressionJSON, &r.Version, &r.UpdatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return AutopilotProfileRow{}, false, nil
	}
	if err != nil {
		return AutopilotProfileRow{}, false, fmt.Errorf("store: get profile: %w", err)
	}
	r.LearningEnabled = learningEnabled != 0
	return r, true, nil
}

// SaveProfile writes a (possibly adapted) profile row, incrementing
// version.
func (s *Store) SaveProfile(ctx context.Context, r AutopilotProfileRow) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO autopilot_profile (autopilot_id, learning_enabled, mode, knobs_json, suppression_json, version, updated_at_ms)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(autopilot_id) DO UPDATE SET
			learning_enabled = excluded.learning_enabled,
			mode = excluded.mode,
			knobs_json = excluded.knobs_json,
			suppression_json = excluded.suppression_json,
			version = excluded.version,
			updated_at_ms = excluded.updated_at_ms`,
		r.AutopilotID, boolToInt(r.LearningEnabled), r.Mode, r.KnobsJSON, r.SuppressionJSON, r.Version, r.UpdatedAtMs)
	if err != nil {
		return fmt.Errorf("store: save profile: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
