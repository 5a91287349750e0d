package store

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaStatements create the tables the pipeline reads and writes. They are
// idempotent and run in order.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sensor_types (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL UNIQUE,
		data_config JSONB
	)`,
	`CREATE TABLE IF NOT EXISTS sensors (
		id            TEXT PRIMARY KEY,
		serial_number TEXT NOT NULL UNIQUE,
		model         TEXT,
		type_id       TEXT REFERENCES sensor_types(id)
	)`,
	`CREATE TABLE IF NOT EXISTS collections (
		id   TEXT PRIMARY KEY,
		name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS collection_sensors (
		collection_id TEXT NOT NULL REFERENCES collections(id) ON DELETE CASCADE,
		sensor_id     TEXT NOT NULL REFERENCES sensors(id),
		valid_from    TIMESTAMPTZ,
		valid_to      TIMESTAMPTZ,
		PRIMARY KEY (collection_id, sensor_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sensor_readings (
		id            BIGSERIAL PRIMARY KEY,
		sensor_id     TEXT NOT NULL REFERENCES sensors(id),
		recorded_at   TIMESTAMPTZ NOT NULL,
		temperature_c DOUBLE PRECISION NOT NULL,
		humidity_pct  DOUBLE PRECISION,
		file_name     TEXT NOT NULL,
		row_index     INTEGER NOT NULL,
		ingested_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (sensor_id, recorded_at, file_name, row_index)
	)`,
	`CREATE INDEX IF NOT EXISTS sensor_readings_sensor_time_idx
		ON sensor_readings (sensor_id, recorded_at)`,
}

// EnsureSchema creates missing tables in a single transaction.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}
