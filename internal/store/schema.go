package store

import (
	"context"
	"fmt"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS notifications (
    id                UUID PRIMARY KEY,
    request_id        TEXT NOT NULL,
    user_id           TEXT NOT NULL,
    notification_type TEXT NOT NULL CHECK (notification_type IN ('email', 'push')),
    template_code     TEXT NOT NULL,
    variables         JSONB NOT NULL DEFAULT '{}'::jsonb,
    priority          INTEGER NOT NULL DEFAULT 0,
    metadata          JSONB,
    status            TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'queued', 'sent', 'failed')),
    attempts          INTEGER NOT NULL DEFAULT 0,
    error             TEXT,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT notifications_request_id_key UNIQUE (request_id)
);

CREATE INDEX IF NOT EXISTS idx_notifications_status ON notifications (status);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS notifications (
    id                TEXT PRIMARY KEY,
    request_id        TEXT NOT NULL UNIQUE,
    user_id           TEXT NOT NULL,
    notification_type TEXT NOT NULL CHECK (notification_type IN ('email', 'push')),
    template_code     TEXT NOT NULL,
    variables         TEXT NOT NULL DEFAULT '{}',
    priority          INTEGER NOT NULL DEFAULT 0,
    metadata          TEXT,
    status            TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'queued', 'sent', 'failed')),
    attempts          INTEGER NOT NULL DEFAULT 0,
    error             TEXT,
    created_at        DATETIME NOT NULL,
    updated_at        DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_notifications_status ON notifications (status);
`

// Migrate creates the notifications table for the store's dialect.
// Safe to run on every start.
func (s *Store) Migrate(ctx context.Context) error {
	schema := postgresSchema
	if s.dialect == SQLite {
		schema = sqliteSchema
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
