// Package store provides the SQLite-backed durable persistence layer for
// the autopilot core: schema bootstrap, additive migration for legacy
// databases, monotonic id generation, and transactional helpers that let
// the Runner commit a state transition and its Activity row atomically.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite handle with the schema this package owns.
type Store struct {
	db *sql.DB

	idMu      sync.Mutex
	idCounter uint64

	// activityFailpoint, when non-nil, is invoked by every Activity insert
	// performed inside a transaction. Tests use it to force a rollback and
	// verify the paired state mutation rolls back with it.
	activityFailpoint atomic.Pointer[func() error]
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS autopilots (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	autopilot_id TEXT NOT NULL,
	idempotency_key TEXT NOT NULL UNIQUE,
	plan_json TEXT NOT NULL,
	provider_kind TEXT NOT NULL DEFAULT '',
	provider_tier TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	current_step_index INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 0,
	next_retry_backoff_ms INTEGER NOT NULL DEFAULT 0,
	next_retry_at_ms INTEGER NOT NULL DEFAULT 0,
	soft_cap_approved INTEGER NOT NULL DEFAULT 0,
	usd_cents_estimate INTEGER NOT NULL DEFAULT 0,
	usd_cents_actual INTEGER NOT NULL DEFAULT 0,
	failure_reason TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_autopilot ON runs(autopilot_id);
CREATE INDEX IF NOT EXISTS idx_runs_state_retry ON runs(state, next_retry_at_ms);

CREATE TABLE IF NOT EXISTS approvals (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	step_id TEXT NOT NULL,
	status TEXT NOT NULL,
	preview TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	decided_at INTEGER NOT NULL DEFAULT 0,
	UNIQUE(run_id, step_id)
);

CREATE TABLE IF NOT EXISTS outcomes (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	step_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE(run_id, step_id, kind)
);

CREATE TABLE IF NOT EXISTS activities (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	activity_type TEXT NOT NULL,
	from_state TEXT NOT NULL DEFAULT '',
	to_state TEXT NOT NULL DEFAULT '',
	user_message TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activities_run ON activities(run_id, created_at);

CREATE TABLE IF NOT EXISTS spend_ledger (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	step_id TEXT NOT NULL,
	entry_kind TEXT NOT NULL,
	amount_usd REAL NOT NULL DEFAULT 0,
	amount_usd_cents INTEGER NOT NULL DEFAULT 0,
	reason TEXT NOT NULL DEFAULT '',
	day_bucket TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	UNIQUE(run_id, step_id, entry_kind)
);

CREATE TABLE IF NOT EXISTS decision_events (
	event_id TEXT PRIMARY KEY,
	client_event_id TEXT,
	autopilot_id TEXT NOT NULL,
	run_id TEXT NOT NULL DEFAULT '',
	step_id TEXT NOT NULL DEFAULT '',
	event_type TEXT NOT NULL,
	metadata_json TEXT NOT NULL DEFAULT '{}',
	created_at_ms INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_decision_events_client ON decision_events(client_event_id) WHERE client_event_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_decision_events_autopilot_created ON decision_events(autopilot_id, created_at_ms);

CREATE TABLE IF NOT EXISTS run_evaluations (
	run_id TEXT PRIMARY KEY,
	autopilot_id TEXT NOT NULL,
	quality_score INTEGER NOT NULL,
	noise_score INTEGER NOT NULL,
	cost_score INTEGER NOT NULL,
	signals_json TEXT NOT NULL DEFAULT '{}',
	created_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_evaluations_autopilot_created ON run_evaluations(autopilot_id, created_at_ms);

CREATE TABLE IF NOT EXISTS adaptation_log (
	id TEXT PRIMARY KEY,
	autopilot_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	adaptation_hash TEXT NOT NULL,
	changes_json TEXT NOT NULL DEFAULT '{}',
	rationale_codes_json TEXT NOT NULL DEFAULT '[]',
	created_at_ms INTEGER NOT NULL,
	UNIQUE(autopilot_id, run_id)
);
CREATE INDEX IF NOT EXISTS idx_adaptation_log_autopilot_created ON adaptation_log(autopilot_id, created_at_ms);

CREATE TABLE IF NOT EXISTS autopilot_profile (
	autopilot_id TEXT PRIMARY KEY,
	learning_enabled INTEGER NOT NULL DEFAULT 1,
	mode TEXT NOT NULL DEFAULT 'balanced',
	knobs_json TEXT NOT NULL DEFAULT '{}',
	suppression_json TEXT NOT NULL DEFAULT '{}',
	version INTEGER NOT NULL DEFAULT 1,
	updated_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS memory_cards (
	card_id TEXT PRIMARY KEY,
	autopilot_id TEXT NOT NULL,
	card_type TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	content_json TEXT NOT NULL DEFAULT '{}',
	confidence REAL NOT NULL DEFAULT 0,
	created_from_run_id TEXT NOT NULL DEFAULT '',
	version INTEGER NOT NULL DEFAULT 1,
	updated_at_ms INTEGER NOT NULL,
	UNIQUE(autopilot_id, card_type)
);

CREATE TABLE IF NOT EXISTS rule_cards (
	id TEXT PRIMARY KEY,
	autopilot_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	rule_type TEXT NOT NULL,
	status TEXT NOT NULL,
	trigger_json TEXT NOT NULL DEFAULT '{}',
	effect_json TEXT NOT NULL DEFAULT '{}',
	source_kind TEXT NOT NULL DEFAULT '',
	source_run_id TEXT NOT NULL DEFAULT '',
	version INTEGER NOT NULL DEFAULT 1,
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rule_cards_autopilot_status ON rule_cards(autopilot_id, status);

CREATE TABLE IF NOT EXISTS rule_match_events (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	step_id TEXT NOT NULL DEFAULT '',
	rule_id TEXT NOT NULL,
	rule_title TEXT NOT NULL DEFAULT '',
	match_reason_code TEXT NOT NULL DEFAULT '',
	effect_applied_json TEXT NOT NULL DEFAULT '{}',
	created_at_ms INTEGER NOT NULL,
	UNIQUE(run_id, step_id, rule_id)
);

CREATE TABLE IF NOT EXISTS missions (
	id TEXT PRIMARY KEY,
	template_kind TEXT NOT NULL,
	idempotency_key TEXT NOT NULL UNIQUE,
	status TEXT NOT NULL,
	provider_kind TEXT NOT NULL DEFAULT '',
	config_json TEXT NOT NULL DEFAULT '{}',
	summary_json TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS mission_runs (
	id TEXT PRIMARY KEY,
	mission_id TEXT NOT NULL,
	child_key TEXT NOT NULL,
	run_id TEXT NOT NULL,
	run_role TEXT NOT NULL DEFAULT 'source',
	source_label TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	UNIQUE(mission_id, run_id)
);
CREATE INDEX IF NOT EXISTS idx_mission_runs_mission ON mission_runs(mission_id);

CREATE TABLE IF NOT EXISTS mission_events (
	id TEXT PRIMARY KEY,
	mission_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	summary TEXT NOT NULL DEFAULT '',
	details_json TEXT NOT NULL DEFAULT '{}',
	created_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mission_events_mission ON mission_events(mission_id, created_at_ms);

CREATE TABLE IF NOT EXISTS provider_calls (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	provider TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	request_kind TEXT NOT NULL DEFAULT '',
	input_chars INTEGER NOT NULL DEFAULT 0,
	output_chars INTEGER NOT NULL DEFAULT 0,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	cost_cents_est INTEGER NOT NULL DEFAULT 0,
	created_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_provider_calls_run ON provider_calls(run_id, created_at_ms);

CREATE TABLE IF NOT EXISTS ingest_events (
	id TEXT PRIMARY KEY,
	provider TEXT NOT NULL,
	dedupe_key TEXT NOT NULL UNIQUE,
	autopilot_id TEXT NOT NULL,
	content_source TEXT NOT NULL DEFAULT '',
	run_id TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT NOT NULL DEFAULT '',
	created_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ingest_events_autopilot ON ingest_events(autopilot_id, created_at_ms);
`

// Open creates or opens a SQLite database at dbPath and ensures the
// current schema (plus any additive migrations) is in place.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// ensureColumn adds column to table with ddl ("TYPE NOT NULL DEFAULT ...")
// only if it is not already present, matching the teacher's per-column
// pragma_table_info guard but collapsed into one helper so new additive
// columns don't need their own boilerplate block.
func ensureColumn(db *sql.DB, table, column, ddl string) error {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&count)
	if err != nil {
		return fmt.Errorf("check %s.%s column: %w", table, column, err)
	}
	if count > 0 {
		return nil
	}
	stmt := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, ddl)
	if _, err := db.Exec(stmt); err != nil {
		return fmt.Errorf("add %s.%s column: %w", table, column, err)
	}
	return nil
}

// migrate applies additive column upgrades for legacy databases created
// before a field existed, plus best-effort backfills. It is idempotent and
// safe to run against a just-bootstrapped database.
func migrate(db *sql.DB) error {
	if err := ensureColumn(db, "runs", "soft_cap_approved", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(db, "runs", "usd_cents_estimate", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(db, "runs", "usd_cents_actual", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	// Legacy stores tracked spend as a float dollar amount only. Backfill
	// the cents columns from it when cents are still at their zero default
	// and the legacy float amount is positive, so this never clobbers a
	// value already written by the cents-aware code path.
	if hasColumn(db, "runs", "usd_estimate_legacy") {
		if _, err := db.Exec(`UPDATE runs SET usd_cents_estimate = CAST(ROUND(usd_estimate_legacy * 100) AS INTEGER)
			WHERE usd_cents_estimate = 0 AND usd_estimate_legacy > 0`); err != nil {
			return fmt.Errorf("backfill usd_cents_estimate: %w", err)
		}
	}
	if err := ensureColumn(db, "rule_cards", "version", "INTEGER NOT NULL DEFAULT 1"); err != nil {
		return err
	}
	if err := ensureColumn(db, "memory_cards", "confidence", "REAL NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if _, err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_decision_events_client ON decision_events(client_event_id) WHERE client_event_id IS NOT NULL`); err != nil {
		return fmt.Errorf("create decision_events client index: %w", err)
	}
	return nil
}

func hasColumn(db *sql.DB, table, column string) bool {
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// NewID returns a monotonic, total-ordered-within-process identifier:
// prefix + millisecond wall-clock timestamp + an in-process counter.
// Collisions across processes are caught by unique-constraint failures on
// insert, matching the spec's global-state note (spec §9).
func (s *Store) NewID(prefix string) string {
	s.idMu.Lock()
	s.idCounter++
	counter := s.idCounter
	s.idMu.Unlock()
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixMilli(), counter)
}

// Tx runs fn inside a transaction, committing on success and rolling back
// on any error (including a panic, which is re-raised after rollback).
func (s *Store) Tx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("store: tx failed (%v), rollback failed: %w", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// SetActivityInsertFailpointForTesting installs a hook invoked by every
// Activity insert performed inside InsertActivity. Pass nil to clear it.
// Tests use this to force a mid-transaction failure and verify the paired
// run-state mutation rolls back with it.
func (s *Store) SetActivityInsertFailpointForTesting(hook func() error) {
	if hook == nil {
		s.activityFailpoint.Store(nil)
		return
	}
	s.activityFailpoint.Store(&hook)
}

func (s *Store) activityFailpointFire() error {
	if p := s.activityFailpoint.Load(); p != nil {
		return (*p)()
	}
	return nil
}

// DB exposes the raw handle for callers (migrations tooling, diagnostics
// queries) that need it directly; package code should prefer the typed
// helpers in the sibling files.
func (s *Store) DB() *sql.DB { return s.db }

func nowMs() int64 { return time.Now().UnixMilli() }
