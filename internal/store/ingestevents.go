package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/heikkila-labs/autopilot-core/internal/coreerr"
)

// IngestEvent is one deduped delivery recorded by a trigger adapter
// (inbox watcher, webhook relay, pubsub subscriber) before it calls
// ingest_trigger_event. Unique on dedupe_key so a redelivered webhook or a
// re-polled inbox item never starts a second run.
type IngestEvent struct {
	ID             string
	Provider       string
	DedupeKey      string
	AutopilotID    string
	ContentSource  string
	RunID          string
	IdempotencyKey string
	CreatedAtMs    int64
}

const ingestEventColumns = `id, provider, dedupe_key, autopilot_id, content_source, run_id, idempotency_key, created_at_ms`

func scanIngestEvent(row interface{ Scan(...any) error }) (IngestEvent, error) {
	var e IngestEvent
	err := row.Scan(&e.ID, &e.Provider, &e.DedupeKey, &e.AutopilotID, &e.ContentSource, &e.RunID, &e.IdempotencyKey, &e.CreatedAtMs)
	return e, err
}

// InsertIngestEventIfAbsent inserts a new ingest event row, or returns the
// existing one unchanged if dedupe_key was already seen. The bool result
// reports whether this call actually inserted a new row.
func (s *Store) InsertIngestEventIfAbsent(ctx context.Context, e IngestEvent) (IngestEvent, bool, error) {
	existing, err := s.GetIngestEventByDedupeKey(ctx, e.DedupeKey)
	if err == nil {
		return existing, false, nil
	}
	if kind, ok := coreerr.As(err); !ok || kind.Kind != coreerr.NotFound {
		return IngestEvent{}, false, err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO ingest_events (`+ingestEventColumns+`) VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(dedupe_key) DO NOTHING`,
		e.ID, e.Provider, e.DedupeKey, e.AutopilotID, e.ContentSource, e.RunID, e.IdempotencyKey, e.CreatedAtMs)
	if err != nil {
		return IngestEvent{}, false, fmt.Errorf("store: insert ingest event: %w", err)
	}
	return e, true, nil
}

// GetIngestEventByDedupeKey loads an ingest event by its unique dedupe
// key, returning a NotFound coreerr.Error if absent.
func (s *Store) GetIngestEventByDedupeKey(ctx context.Context, dedupeKey string) (IngestEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ingestEventColumns+` FROM ingest_events WHERE dedupe_key = ?`, dedupeKey)
	e, err := scanIngestEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return IngestEvent{}, coreerr.New(coreerr.NotFound, "ingest event not found")
	}
	if err != nil {
		return IngestEvent{}, fmt.Errorf("store: get ingest event: %w", err)
	}
	return e, nil
}

// SetIngestEventRunID attaches the created run's id to an already-inserted
// ingest event row, once start_run has produced it.
func (s *Store) SetIngestEventRunID(ctx context.Context, id, runID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE ingest_events SET run_id = ? WHERE id = ?`, runID, id)
	if err != nil {
		return fmt.Errorf("store: set ingest event run id: %w", err)
	}
	return nil
}
