// Package storepg is a PostgreSQL-backed implementation of pkg/memory's
// ConversationStore (§6.1), persisting ConversationAggregate records across
// their in_progress -> processing -> completed|discarded lifecycle.
package storepg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// conversations DDL
// ─────────────────────────────────────────────────────────────────────────────

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    id                  TEXT         PRIMARY KEY,
    uid                 TEXT         NOT NULL,
    language            TEXT         NOT NULL DEFAULT '',
    created_at          TIMESTAMPTZ  NOT NULL DEFAULT now(),
    started_at          TIMESTAMPTZ  NOT NULL,
    finished_at         TIMESTAMPTZ  NOT NULL,
    transcript_segments JSONB        NOT NULL DEFAULT '[]',
    status              TEXT         NOT NULL,
    discarded           BOOLEAN      NOT NULL DEFAULT false,
    geolocation_address TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_conversations_uid
    ON conversations (uid);

CREATE INDEX IF NOT EXISTS idx_conversations_uid_status
    ON conversations (uid, status);

CREATE INDEX IF NOT EXISTS idx_conversations_uid_finished_at
    ON conversations (uid, finished_at DESC);
`

// Migrate creates or ensures the conversations table and its indexes exist.
// It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS)
// and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlConversations); err != nil {
		return fmt.Errorf("storepg migrate: %w", err)
	}
	return nil
}
