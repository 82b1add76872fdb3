package store

import (
	"context"
	"fmt"
)

// ProviderCall is one recorded LLM invocation an adapter made on behalf of
// a run. The core never makes these calls itself (the model call is an
// opaque external capability, spec §1); adapters report usage here so the
// Context Receipt can project it without ever seeing prompt content.
type ProviderCall struct {
	ID           string
	RunID        string
	Provider     string
	Model        string
	RequestKind  string
	InputChars   int64
	OutputChars  int64
	LatencyMs    int64
	CostCentsEst int64
	CreatedAtMs  int64
}

const providerCallColumns = `id, run_id, provider, model, request_kind, input_chars, output_chars, latency_ms, cost_cents_est, created_at_ms`

// InsertProviderCall records one provider call usage row. Unlike
// Activities these are not append-only invariants of the core state
// machine, so a plain insert (no transaction, no dedupe) is enough — a
// duplicate report from a retried adapter call just shows up as two rows.
func (s *Store) InsertProviderCall(ctx context.Context, c ProviderCall) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO provider_calls (`+providerCallColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.RunID, c.Provider, c.Model, c.RequestKind, c.InputChars, c.OutputChars, c.LatencyMs, c.CostCentsEst, c.CreatedAtMs)
	if err != nil {
		return fmt.Errorf("store: insert provider call: %w", err)
	}
	return nil
}

// ListProviderCallsForRun returns every provider call recorded against a
// run, oldest first.
func (s *Store) ListProviderCallsForRun(ctx context.Context, runID string) ([]ProviderCall, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+providerCallColumns+` FROM provider_calls WHERE run_id = ? ORDER BY created_at_ms ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: list provider calls: %w", err)
	}
	defer rows.Close()
	var out []ProviderCall
	for rows.Next() {
		var c ProviderCall
		if err := rows.Scan(&c.ID, &c.RunID, &c.Provider, &c.Model, &c.RequestKind, &c.InputChars, &c.OutputChars, &c.LatencyMs, &c.CostCentsEst, &c.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("store: scan provider call: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
