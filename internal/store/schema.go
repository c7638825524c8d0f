package store

import (
	"context"
	"database/sql"
	"fmt"
)

const (
	tableItems    = "items"
	tableAttempts = "attempts"
	tablePlans    = "pack_plans"
	tableLLM      = "llm_request_events"
)

// migrations are applied in order on every Open; each is idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS items (
		id           TEXT PRIMARY KEY,
		band         TEXT NOT NULL,
		frequency    REAL NOT NULL,
		subject_area TEXT NOT NULL,
		item_type    TEXT NOT NULL,
		active       INTEGER NOT NULL DEFAULT 1,
		rank_key     INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS items_band_active_rank ON items (band, active, rank_key)`,

	`CREATE TABLE IF NOT EXISTS attempts (
		learner_id       TEXT NOT NULL,
		session_sequence INTEGER NOT NULL,
		item_id          TEXT NOT NULL,
		correct          INTEGER NOT NULL,
		attempted_at     INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS attempts_learner_seq_item ON attempts (learner_id, session_sequence, item_id)`,

	`CREATE TABLE IF NOT EXISTS pack_plans (
		id                TEXT PRIMARY KEY,
		learner_id        TEXT NOT NULL,
		session_sequence  INTEGER NOT NULL,
		idempotency_token TEXT NOT NULL,
		status            TEXT NOT NULL,
		planner           TEXT NOT NULL,
		retry_count       INTEGER NOT NULL DEFAULT 0,
		pool_expanded     INTEGER NOT NULL DEFAULT 0,
		fallback_reason   TEXT NOT NULL DEFAULT '',
		items             TEXT NOT NULL,
		report            TEXT NOT NULL,
		created_at        INTEGER NOT NULL,
		served_at         INTEGER,
		completed_at      INTEGER,
		expired_at        INTEGER
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS pack_plans_learner_seq ON pack_plans (learner_id, session_sequence)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS pack_plans_learner_token ON pack_plans (learner_id, idempotency_token)`,
	`CREATE INDEX IF NOT EXISTS pack_plans_status_created ON pack_plans (status, created_at)`,

	`CREATE TABLE IF NOT EXISTS llm_request_events (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		sequence         INTEGER NOT NULL,
		timestamp        INTEGER NOT NULL,
		provider         TEXT NOT NULL,
		model            TEXT NOT NULL,
		purpose          TEXT NOT NULL,
		learner_id       TEXT NOT NULL DEFAULT '',
		session_sequence INTEGER NOT NULL DEFAULT 0,
		input_tokens     INTEGER NOT NULL DEFAULT 0,
		output_tokens    INTEGER NOT NULL DEFAULT 0,
		latency_ms       INTEGER NOT NULL DEFAULT 0,
		success          INTEGER NOT NULL,
		error_message    TEXT NOT NULL DEFAULT '',
		request_body     TEXT NOT NULL DEFAULT '',
		response_body    TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS llm_request_events_purpose ON llm_request_events (purpose)`,
}

func migrate(ctx context.Context, db *sql.DB) error {
	for i, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
