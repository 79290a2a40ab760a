package store

import (
	"context"
	"strings"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	code             TEXT NOT NULL,
	owner_id         TEXT NOT NULL,
	subject          TEXT NOT NULL DEFAULT '',
	center_lon       DOUBLE PRECISION NOT NULL,
	center_lat       DOUBLE PRECISION NOT NULL,
	location_name    TEXT NOT NULL DEFAULT '',
	radius_m         DOUBLE PRECISION NOT NULL CHECK (radius_m BETWEEN 1 AND 100),
	status           TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'ended')),
	attendance_count BIGINT NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL,
	expires_at       TIMESTAMPTZ NOT NULL,
	CHECK (expires_at > created_at)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_code ON sessions(code);
CREATE INDEX IF NOT EXISTS idx_sessions_owner_created ON sessions(owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_sessions_status_expires ON sessions(status, expires_at);

CREATE TABLE IF NOT EXISTS attendance_records (
	id             TEXT PRIMARY KEY,
	participant_id TEXT NOT NULL,
	session_id     TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	marked_at      TIMESTAMPTZ NOT NULL,
	lon            DOUBLE PRECISION NOT NULL,
	lat            DOUBLE PRECISION NOT NULL,
	accuracy_m     DOUBLE PRECISION,
	distance_m     DOUBLE PRECISION NOT NULL,
	location_name  TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL CHECK (status IN ('present', 'late', 'absent', 'out_of_range')),
	verified       BOOLEAN NOT NULL,
	user_agent     TEXT NOT NULL DEFAULT '',
	ip_address     TEXT NOT NULL DEFAULT '',
	platform       TEXT NOT NULL DEFAULT '',
	os             TEXT NOT NULL DEFAULT '',
	browser        TEXT NOT NULL DEFAULT '',
	CONSTRAINT uq_attendance_participant_session UNIQUE (participant_id, session_id)
);

CREATE INDEX IF NOT EXISTS idx_records_participant_marked ON attendance_records(participant_id, marked_at DESC);
CREATE INDEX IF NOT EXISTS idx_records_session_marked ON attendance_records(session_id, marked_at DESC);
`

// sqliteTypes maps the Postgres column types onto SQLite affinities that
// go-sqlite3 scans back into time.Time / float64 / int64.
var sqliteTypes = strings.NewReplacer(
	"TIMESTAMPTZ", "DATETIME",
	"DOUBLE PRECISION", "REAL",
	"BIGINT", "INTEGER",
)

// Migrate applies the schema. Statements are idempotent.
func (d *DB) Migrate(ctx context.Context) error {
	schema := postgresSchema
	if d.Driver == DriverSQLite {
		schema = sqliteTypes.Replace(schema)
	}
	_, err := d.Client.ExecContext(ctx, schema)
	return err
}
