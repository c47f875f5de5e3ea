package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/connexus-ai/searchd/internal/errors"
)

// schema is the DDL for the searchd store. Statements are idempotent so
// Migrate can run on every startup.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS organizations (
		id                TEXT PRIMARY KEY,
		last_data_change  TIMESTAMPTZ,
		last_index_update TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS documents (
		id                  TEXT PRIMARY KEY,
		organization_id     TEXT NOT NULL,
		title               TEXT NOT NULL DEFAULT '',
		access_level        TEXT NOT NULL DEFAULT 'PUBLIC',
		group_id            TEXT NOT NULL DEFAULT '',
		restricted_to_users TEXT[] NOT NULL DEFAULT '{}',
		metadata            JSONB NOT NULL DEFAULT '{}',
		is_deleted          BOOLEAN NOT NULL DEFAULT FALSE,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_org ON documents (organization_id) WHERE NOT is_deleted`,
	`CREATE TABLE IF NOT EXISTS chunks (
		id              TEXT PRIMARY KEY,
		document_id     TEXT NOT NULL REFERENCES documents (id),
		organization_id TEXT NOT NULL,
		content         TEXT NOT NULL,
		metadata        JSONB NOT NULL DEFAULT '{}',
		is_deleted      BOOLEAN NOT NULL DEFAULT FALSE,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_org ON chunks (organization_id) WHERE NOT is_deleted`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks (document_id)`,
	`CREATE TABLE IF NOT EXISTS embeddings (
		id              TEXT PRIMARY KEY,
		chunk_id        TEXT NOT NULL REFERENCES chunks (id),
		document_id     TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		vector          BYTEA NOT NULL,
		is_deleted      BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_embeddings_chunk ON embeddings (chunk_id) WHERE NOT is_deleted`,
	`CREATE INDEX IF NOT EXISTS idx_embeddings_document ON embeddings (document_id) WHERE NOT is_deleted`,
	`CREATE TABLE IF NOT EXISTS access_denial_log (
		id              BIGSERIAL PRIMARY KEY,
		organization_id TEXT NOT NULL,
		user_id         TEXT NOT NULL,
		search_query    TEXT NOT NULL,
		chunk_id        TEXT NOT NULL,
		document_id     TEXT NOT NULL,
		group_id        TEXT NOT NULL DEFAULT '',
		access_level    TEXT NOT NULL DEFAULT '',
		denial_reason   TEXT NOT NULL DEFAULT '',
		similarity      DOUBLE PRECISION NOT NULL DEFAULT 0,
		metadata        JSONB NOT NULL DEFAULT '{}',
		timestamp       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_denials_org_time ON access_denial_log (organization_id, timestamp)`,
}

// Migrate applies the schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return errors.Dependency(errors.ErrCodeStoreUnavailable, "apply schema", err)
		}
	}
	return nil
}
