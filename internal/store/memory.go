package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// MemoryCardType is the closed set of memory card kinds.
type MemoryCardType string

const (
	CardFormatPreference     MemoryCardType = "format_preference"
	CardSourcePreference     MemoryCardType = "source_preference"
	CardSuppressionRationale MemoryCardType = "suppression_rationale"
	CardRecurringEntities    MemoryCardType = "recurring_entities"
)

// MemoryCard is a summarized, typed preference fragment.
type MemoryCard struct {
	CardID           string
	AutopilotID      string
	CardType         MemoryCardType
	Title            string
	ContentJSON      string
	Confidence       float64
	CreatedFromRunID string
	Version          int
	UpdatedAtMs      int64
}

// UpsertMemoryCard writes at most one row per (autopilot_id, card_type),
// replacing any prior card of that type and bumping its version.
func (s *Store) UpsertMemoryCard(ctx context.Context, c MemoryCard) error {
	existing, ok, err := s.GetMemoryCard(ctx, c.AutopilotID, c.CardType)
	if err != nil {
		return err
	}
	if ok {
		c.Version = existing.Version + 1
		if c.CardID == "" {
			c.CardID = existing.CardID
		}
	} else if c.Version == 0 {
		c.Version = 1
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO memory_cards (card_id, autopilot_id, card_type, title, content_json, confidence, created_from_run_id, version, updated_at_ms)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(autopilot_id, card_type) DO UPDATE SET
			title = excluded.title,
			content_json = excluded.content_json,
			confidence = excluded.confidence,
			created_from_run_id = excluded.created_from_run_id,
			version = excluded.version,
			updated_at_ms = excluded.updated_at_ms`,
		c.CardID, c.AutopilotID, c.CardType, c.Title, c.ContentJSON, c.Confidence, c.CreatedFromRunID, c.Version, c.UpdatedAtMs)
	if err != nil {
		return fmt.Errorf("store: upsert memory card: %w", err)
	}
	return nil
}

// GetMemoryCard returns the card for (autopilotID, cardType) if present.
func (s *Store) GetMemoryCard(ctx context.Context, autopilotID string, cardType MemoryCardType) (MemoryCard, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT card_id, autopilot_id, card_type, title, content_json, confidence, created_from_run_id, version, updated_at_ms
		FROM memory_cards WHERE autopilot_id = ? AND card_type = ?`, autopilotID, cardType)
	var c MemoryCard
	err := row.Scan(&c.CardID, &c.AutopilotID, &c.CardType, &c.Title, &c.ContentJSON, &c.Confidence, &c.CreatedFromRunID, &c.Version, &c.UpdatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return MemoryCard{}, false, nil
	}
	if err != nil {
		return MemoryCard{}, false, fmt.Errorf("store: get memory card: %w", err)
	}
	return c, true, nil
}

// ListMemoryCardsByRecency returns every card for an autopilot, most
// recently updated first.
func (s *Store) ListMemoryCardsByRecency(ctx context.Context, autopilotID string) ([]MemoryCard, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT card_id, autopilot_id, card_type, title, content_json, confidence, created_from_run_id, version, updated_at_ms
		FROM memory_cards WHERE autopilot_id = ? ORDER BY updated_at_ms DESC`, autopilotID)
	if err != nil {
		return nil, fmt.Errorf("store: list memory cards: %w", err)
	}
	defer rows.Close()
	var out []MemoryCard
	for rows.Next() {
		var c MemoryCard
		if err := rows.Scan(&c.CardID, &c.AutopilotID, &c.CardType, &c.Title, &c.ContentJSON, &c.Confidence, &c.CreatedFromRunID, &c.Version, &c.UpdatedAtMs); err != nil {
			return nil, fmt.Errorf("store: scan memory card: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
