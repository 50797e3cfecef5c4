package trace

import (
	"context"
	"database/sql"
)

// schema contains the DDL for the trace tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id          TEXT PRIMARY KEY,
		scenario    TEXT NOT NULL,
		quantum     INTEGER NOT NULL,
		ticks       INTEGER NOT NULL,
		switches    INTEGER NOT NULL DEFAULT 0,
		event_count INTEGER NOT NULL DEFAULT 0,
		started_at  TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS events (
		run_id      TEXT NOT NULL REFERENCES runs(id),
		seq         INTEGER NOT NULL,
		kind        TEXT NOT NULL,
		uptime      INTEGER NOT NULL,
		pid         INTEGER NOT NULL,
		other       INTEGER NOT NULL DEFAULT 0,
		status      INTEGER NOT NULL DEFAULT 0,
		detail      TEXT NOT NULL DEFAULT '',
		interrupted INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (run_id, seq)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_events_run_kind ON events(run_id, kind)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
}

func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
