// Package storage contains PostgreSQL schema migrations for the soul
// registry. All statements use IF NOT EXISTS so migrations are idempotent.
package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// MigratePostgres applies schema migrations to the PostgreSQL database.
//
// Tables:
//   - identities: one row per identity record, unique DID and lower-cased name
//   - challenges: one row per liveness challenge
//   - operation_log: append-only mutation history per DID
//   - idempotency_cache: cached responses for idempotent replays
func MigratePostgres(ctx context.Context, db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS identities (
            did TEXT PRIMARY KEY,            -- did:soul:<name>
            name TEXT NOT NULL,              -- name as registered
            name_key TEXT NOT NULL UNIQUE,   -- lower-cased name, uniqueness anchor
            operator TEXT NOT NULL,          -- birth operator, searchable
            status TEXT NOT NULL,            -- active | suspended | revoked
            registered_at TIMESTAMPTZ NOT NULL,
            version BIGINT NOT NULL,         -- optimistic-concurrency marker
            record JSONB NOT NULL            -- full identity record
        )`,
		`CREATE INDEX IF NOT EXISTS idx_identities_operator ON identities (operator)`,
		`CREATE INDEX IF NOT EXISTS idx_identities_status ON identities (status)`,
		`CREATE INDEX IF NOT EXISTS idx_identities_registered_at ON identities (registered_at)`,
		`CREATE TABLE IF NOT EXISTS challenges (
            challenge_id TEXT PRIMARY KEY,
            did TEXT NOT NULL,               -- subject the challenge was issued for
            nonce TEXT NOT NULL,             -- hex-encoded random nonce
            issued_at TIMESTAMPTZ NOT NULL,
            expires_at TIMESTAMPTZ NOT NULL,
            status TEXT NOT NULL             -- pending | completed | expired
        )`,
		`CREATE INDEX IF NOT EXISTS idx_challenges_did ON challenges (did)`,
		`CREATE INDEX IF NOT EXISTS idx_challenges_expires_at ON challenges (expires_at)`,
		`CREATE TABLE IF NOT EXISTS operation_log (
            id SERIAL PRIMARY KEY,
            did TEXT NOT NULL,
            operation TEXT NOT NULL,
            performed_at TEXT NOT NULL,      -- RFC3339
            actor TEXT NOT NULL,
            correlation_id TEXT NOT NULL,
            payload JSONB NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_operation_log_did ON operation_log (did)`,
		`CREATE TABLE IF NOT EXISTS idempotency_cache (
            key TEXT PRIMARY KEY,
            status_code INTEGER NOT NULL,
            body BYTEA NOT NULL,
            headers JSONB NOT NULL,
            expires_at TIMESTAMPTZ NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_idempotency_cache_expires_at ON idempotency_cache (expires_at)`,
	}

	for i, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
