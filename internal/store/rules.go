package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/heikkila-labs/autopilot-core/internal/coreerr"
)

// RuleCardStatus is the lifecycle state of a RuleCard.
type RuleCardStatus string

const (
	RuleStatusPendingApproval RuleCardStatus = "pending_approval"
	RuleStatusActive          RuleCardStatus = "active"
	RuleStatusDisabled        RuleCardStatus = "disabled"
	RuleStatusRejected        RuleCardStatus = "rejected"
	RuleStatusSuperseded      RuleCardStatus = "superseded"
)

// RuleCard is a structured policy overlay proposal.
type RuleCard struct {
	ID          string
	AutopilotID string
	Title       string
	RuleType    string
	Status      RuleCardStatus
	TriggerJSON string
	EffectJSON  string
	SourceKind  string
	SourceRunID string
	Version     int
	CreatedAtMs int64
	UpdatedAtMs int64
}

const ruleCardColumns = `id, autopilot_id, title, rule_type, status, trigger_json, effect_json, source_kind, source_run_id, version, created_at_ms, updated_at_ms`

func scanRuleCard(row interface{ Scan(...any) error }) (RuleCard, error) {
	var r RuleCard
	err := row.Scan(&r.ID, &r.AutopilotID, &r.Title, &r.RuleType, &r.Status, &r.TriggerJSON, &r.EffectJSON, &r.SourceKind, &r.SourceRunID, &r.Version, &r.CreatedAtMs, &r.UpdatedAtMs)
	return r, err
}

// InsertRuleCard inserts a new rule card.
func (s *Store) InsertRuleCard(ctx context.Context, r RuleCard) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO rule_cards (`+ruleCardColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.AutopilotID, r.Title, r.RuleType, r.Status, r.TriggerJSON, r.EffectJSON, r.SourceKind, r.SourceRunID, r.Version, r.CreatedAtMs, r.UpdatedAtMs)
	if err != nil {
		return fmt.Errorf("store: insert rule card: %w", err)
	}
	return nil
}

// GetRuleCard loads a rule card by id.
func (s *Store) GetRuleCard(ctx context.Context, id string) (RuleCard, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleCardColumns+` FROM rule_cards WHERE id = ?`, id)
	r, err := scanRuleCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RuleCard{}, coreerr.New(coreerr.NotFound, "rule card not found")
	}
	if err != nil {
		return RuleCard{}, fmt.Errorf("store: get rule card %s: %w", id, err)
	}
	return r, nil
}

// UpdateRuleCardStatus transitions a rule card's status/effect, bumping
// version.
func (s *Store) UpdateRuleCardStatus(ctx context.Context, id string, status RuleCardStatus, effectJSON string, now int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE rule_cards SET status = ?, effect_json = COALESCE(NULLIF(?, ''), effect_json), version = version + 1, updated_at_ms = ? WHERE id = ?`,
		status, effectJSON, now, id)
	if err != nil {
		return fmt.Errorf("store: update rule card status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return coreerr.New(coreerr.NotFound, "rule card not found")
	}
	return nil
}

// CountActiveRuleCards returns how many rule cards are active for an
// autopilot — enforces the ≤20 active rules limit.
func (s *Store) CountActiveRuleCards(ctx context.Context, autopilotID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rule_cards WHERE autopilot_id = ? AND status = ?`, autopilotID, RuleStatusActive).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count active rule cards: %w", err)
	}
	return n, nil
}

// CountPendingRuleCardsSince returns how many proposals were created for an
// autopilot since sinceMs — enforces the ≤3/day proposal rate limit.
func (s *Store) CountPendingRuleCardsSince(ctx context.Context, autopilotID string, sinceMs int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rule_cards WHERE autopilot_id = ? AND created_at_ms >= ?`, autopilotID, sinceMs).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count pending rule cards: %w", err)
	}
	return n, nil
}

// ListActiveRuleCardsForAutopilot returns the active rule cards for an
// autopilot.
func (s *Store) ListActiveRuleCardsForAutopilot(ctx context.Context, autopilotID string) ([]RuleCard, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ruleCardColumns+` FROM rule_cards WHERE autopilot_id = ? AND status = ? ORDER BY created_at_ms ASC`,
		autopilotID, RuleStatusActive)
	if err != nil {
		return nil, fmt.Errorf("store: list active rule cards: %w", err)
	}
	defer rows.Close()
	var out []RuleCard
	for rows.Next() {
		r, err := scanRuleCard(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan rule card: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RuleMatchEvent records one rule applied to a run step.
type RuleMatchEvent struct {
	ID                string
	RunID             string
	StepID            string
	RuleID            string
	RuleTitle         string
	MatchReasonCode   string
	EffectAppliedJSON string
	CreatedAtMs       int64
}

// InsertRuleMatchEvent records a rule application, deduped by
// (run_id, step_id, rule_id).
func (s *Store) InsertRuleMatchEvent(ctx context.Context, e RuleMatchEvent) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO rule_match_events (id, run_id, step_id, rule_id, rule_title, match_reason_code, effect_applied_json, created_at_ms)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(run_id, step_id, rule_id) DO NOTHING`,
		e.ID, e.RunID, e.StepID, e.RuleID, e.RuleTitle, e.MatchReasonCode, e.EffectAppliedJSON, e.CreatedAtMs)
	if err != nil {
		return fmt.Errorf("store: insert rule match event: %w", err)
	}
	return nil
}
