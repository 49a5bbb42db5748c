package postgres

import (
	"context"
	"fmt"
)

// Schema notes: messages.tenant_id is denormalized from sessions on purpose so
// history queries stay join-free; the partial unique index on bookings is
// defense-in-depth behind the advisory lock, never the primary guard.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id               TEXT PRIMARY KEY,
		tenant_id        TEXT NOT NULL,
		customer_id      TEXT NOT NULL DEFAULT '',
		kind             TEXT NOT NULL,
		version          BIGINT NOT NULL DEFAULT 0,
		user_agent       TEXT NOT NULL DEFAULT '',
		created_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL,
		last_activity_at TIMESTAMPTZ NOT NULL,
		deleted_at       TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS sessions_tenant_idx
		ON sessions (tenant_id, id)`,
	`CREATE INDEX IF NOT EXISTS sessions_last_activity_idx
		ON sessions (last_activity_at) WHERE deleted_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS sessions_deleted_idx
		ON sessions (deleted_at) WHERE deleted_at IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		session_id      TEXT NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
		tenant_id       TEXT NOT NULL,
		role            TEXT NOT NULL,
		content         TEXT NOT NULL,
		tool_calls      TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT,
		created_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS messages_tenant_session_idx
		ON messages (tenant_id, session_id, created_at, id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS messages_idempotency_uq
		ON messages (session_id, idempotency_key) WHERE idempotency_key IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS customers (
		id         TEXT PRIMARY KEY,
		tenant_id  TEXT NOT NULL,
		email      TEXT NOT NULL,
		name       TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT customers_tenant_email_uq UNIQUE (tenant_id, email)
	)`,

	`CREATE TABLE IF NOT EXISTS packages (
		id        TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name      TEXT NOT NULL DEFAULT '',
		active    BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE INDEX IF NOT EXISTS packages_tenant_idx ON packages (tenant_id, id)`,

	`CREATE TABLE IF NOT EXISTS bookings (
		id          TEXT PRIMARY KEY,
		tenant_id   TEXT NOT NULL,
		package_id  TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		booked_date DATE NOT NULL,
		status      TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS bookings_slot_uq
		ON bookings (tenant_id, booked_date)
		WHERE status NOT IN ('cancelled', 'refunded')`,

	`CREATE TABLE IF NOT EXISTS blackout_dates (
		tenant_id    TEXT NOT NULL,
		blocked_date DATE NOT NULL,
		PRIMARY KEY (tenant_id, blocked_date)
	)`,
}

// Migrate creates all tables and indexes. Statements are idempotent so the
// migration can run on every startup.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return nil
}
