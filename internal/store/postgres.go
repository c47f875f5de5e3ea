package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/connexus-ai/searchd/internal/config"
	"github.com/connexus-ai/searchd/internal/errors"
	"github.com/connexus-ai/searchd/internal/meta"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres connects a pooled store and applies the schema.
func NewPostgres(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "parse database url", err)
	}
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	connectCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, errors.Dependency(errors.ErrCodeStoreUnavailable, "create connection pool", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, errors.Dependency(errors.ErrCodeStoreUnavailable, "ping database", err)
	}
	if err := Migrate(connectCtx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("connected to store",
		"min_conns", cfg.MinConns,
		"max_conns", cfg.MaxConns)
	return &Postgres{pool: pool, logger: logger}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// FetchIndexRows joins live chunks with their embeddings and the owning
// document's permission fields. Chunks without an embedding come back with
// a nil vector.
func (p *Postgres) FetchIndexRows(ctx context.Context, orgID string) ([]IndexRow, error) {
	const q = `
		SELECT c.id, c.document_id, e.vector, c.metadata,
		       d.access_level, d.group_id, d.restricted_to_users
		FROM chunks c
		JOIN documents d ON d.id = c.document_id AND NOT d.is_deleted
		LEFT JOIN embeddings e ON e.chunk_id = c.id AND NOT e.is_deleted
		WHERE c.organization_id = $1 AND NOT c.is_deleted
		ORDER BY c.id`

	rows, err := p.pool.Query(ctx, q, orgID)
	if err != nil {
		return nil, errors.Dependency(errors.ErrCodeStoreUnavailable, "fetch index rows", err)
	}
	defer rows.Close()

	var out []IndexRow
	for rows.Next() {
		var (
			row        IndexRow
			vecBytes   []byte
			md         map[string]any
			level      string
			groupID    string
			restricted []string
		)
		if err := rows.Scan(&row.ChunkID, &row.DocumentID, &vecBytes, &md,
			&level, &groupID, &restricted); err != nil {
			return nil, errors.Dependency(errors.ErrCodeStoreUnavailable, "scan index row", err)
		}
		if vecBytes != nil {
			row.Vector, err = DecodeVector(vecBytes)
			if err != nil {
				p.logger.Warn("skipping malformed vector", "chunk_id", row.ChunkID, "error", err)
				row.Vector = nil
			}
		}
		if md == nil {
			md = make(meta.Metadata)
		}
		md[meta.KeyAccessLevel] = level
		if groupID != "" {
			md[meta.KeyGroupID] = groupID
		}
		if len(restricted) > 0 {
			md[meta.KeyRestrictedToUsers] = restricted
		}
		row.Metadata = md
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Dependency(errors.ErrCodeStoreUnavailable, "iterate index rows", err)
	}
	return out, nil
}

// FetchChunks returns content, document title, and stored metadata for
// result enrichment.
func (p *Postgres) FetchChunks(ctx context.Context, orgID string, chunkIDs []string) ([]EnrichedChunk, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}
	const q = `
		SELECT c.id, c.document_id, c.content, d.title, c.metadata
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.organization_id = $1 AND c.id = ANY($2) AND NOT c.is_deleted`

	rows, err := p.pool.Query(ctx, q, orgID, chunkIDs)
	if err != nil {
		return nil, errors.Dependency(errors.ErrCodeStoreUnavailable, "fetch chunks", err)
	}
	defer rows.Close()

	var out []EnrichedChunk
	for rows.Next() {
		var ec EnrichedChunk
		var md map[string]any
		if err := rows.Scan(&ec.ChunkID, &ec.DocumentID, &ec.Content, &ec.DocumentTitle, &md); err != nil {
			return nil, errors.Dependency(errors.ErrCodeStoreUnavailable, "scan chunk", err)
		}
		ec.Metadata = md
		out = append(out, ec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Dependency(errors.ErrCodeStoreUnavailable, "iterate chunks", err)
	}
	return out, nil
}

// HasEmbeddingsForDocument reports whether any live embedding exists for
// the document.
func (p *Postgres) HasEmbeddingsForDocument(ctx context.Context, documentID string) (bool, error) {
	const q = `SELECT EXISTS (
		SELECT 1 FROM embeddings WHERE document_id = $1 AND NOT is_deleted)`
	var exists bool
	if err := p.pool.QueryRow(ctx, q, documentID).Scan(&exists); err != nil {
		return false, errors.Dependency(errors.ErrCodeStoreUnavailable, "check document embeddings", err)
	}
	return exists, nil
}

// GetOrgStats returns entity counts and the reindex markers. An unknown
// organization yields zero counts and needs_reindex=false.
func (p *Postgres) GetOrgStats(ctx context.Context, orgID string) (*OrgStats, error) {
	const q = `
		SELECT
			(SELECT count(*) FROM documents WHERE organization_id = $1 AND NOT is_deleted),
			(SELECT count(*) FROM chunks WHERE organization_id = $1 AND NOT is_deleted),
			(SELECT count(*) FROM embeddings WHERE organization_id = $1 AND NOT is_deleted),
			o.last_index_update, o.last_data_change
		FROM organizations o
		WHERE o.id = $1`

	s := &OrgStats{OrganizationID: orgID}
	err := p.pool.QueryRow(ctx, q, orgID).Scan(
		&s.DocumentCount, &s.ChunkCount, &s.EmbeddingCount,
		&s.LastIndexUpdate, &s.LastDataChange)
	if err == pgx.ErrNoRows {
		return s, nil
	}
	if err != nil {
		return nil, errors.Dependency(errors.ErrCodeStoreUnavailable, "fetch organization stats", err)
	}
	s.NeedsReindex = s.LastIndexUpdate == nil ||
		(s.LastDataChange != nil && s.LastDataChange.After(*s.LastIndexUpdate))
	return s, nil
}

// UpdateLastIndexTime records a completed build, creating the organization
// row if needed.
func (p *Postgres) UpdateLastIndexTime(ctx context.Context, orgID string, t time.Time) error {
	const q = `
		INSERT INTO organizations (id, last_index_update) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET last_index_update = EXCLUDED.last_index_update`
	if _, err := p.pool.Exec(ctx, q, orgID, t); err != nil {
		return errors.Dependency(errors.ErrCodeStoreUnavailable, "update last index time", err)
	}
	return nil
}

// TouchLastDataChange records an ingestion-time data change.
func (p *Postgres) TouchLastDataChange(ctx context.Context, orgID string, t time.Time) error {
	const q = `
		INSERT INTO organizations (id, last_data_change) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET last_data_change = EXCLUDED.last_data_change`
	if _, err := p.pool.Exec(ctx, q, orgID, t); err != nil {
		return errors.Dependency(errors.ErrCodeStoreUnavailable, "touch last data change", err)
	}
	return nil
}

// CreateDocument inserts one document.
func (p *Postgres) CreateDocument(ctx context.Context, doc *Document) error {
	const q = `
		INSERT INTO documents
			(id, organization_id, title, access_level, group_id, restricted_to_users, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := p.pool.Exec(ctx, q,
		doc.ID, doc.OrganizationID, doc.Title, doc.AccessLevel,
		doc.GroupID, doc.RestrictedToUsers, doc.Metadata)
	if err != nil {
		return errors.Dependency(errors.ErrCodeStoreUnavailable, "create document", err)
	}
	return nil
}

// CreateChunk inserts one chunk.
func (p *Postgres) CreateChunk(ctx context.Context, chunk *Chunk) error {
	const q = `
		INSERT INTO chunks (id, document_id, organization_id, content, metadata)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := p.pool.Exec(ctx, q,
		chunk.ID, chunk.DocumentID, chunk.OrganizationID, chunk.Content, chunk.Metadata)
	if err != nil {
		return errors.Dependency(errors.ErrCodeStoreUnavailable, "create chunk", err)
	}
	return nil
}

// CreateEmbedding inserts one embedding.
func (p *Postgres) CreateEmbedding(ctx context.Context, emb *Embedding) error {
	const q = `
		INSERT INTO embeddings (id, chunk_id, document_id, organization_id, vector)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := p.pool.Exec(ctx, q,
		emb.ID, emb.ChunkID, emb.DocumentID, emb.OrganizationID, EncodeVector(emb.Vector))
	if err != nil {
		return errors.Dependency(errors.ErrCodeStoreUnavailable, "create embedding", err)
	}
	return nil
}

// SoftDeleteChunks marks chunks and their embeddings deleted and touches
// the organization's data-change marker.
func (p *Postgres) SoftDeleteChunks(ctx context.Context, orgID string, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return errors.Dependency(errors.ErrCodeStoreUnavailable, "begin soft delete", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`UPDATE chunks SET is_deleted = TRUE WHERE organization_id = $1 AND id = ANY($2)`,
		orgID, chunkIDs); err != nil {
		return errors.Dependency(errors.ErrCodeStoreUnavailable, "soft delete chunks", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE embeddings SET is_deleted = TRUE WHERE organization_id = $1 AND chunk_id = ANY($2)`,
		orgID, chunkIDs); err != nil {
		return errors.Dependency(errors.ErrCodeStoreUnavailable, "soft delete embeddings", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO organizations (id, last_data_change) VALUES ($1, now())
		 ON CONFLICT (id) DO UPDATE SET last_data_change = now()`, orgID); err != nil {
		return errors.Dependency(errors.ErrCodeStoreUnavailable, "touch organization", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Dependency(errors.ErrCodeStoreUnavailable, "commit soft delete", err)
	}
	return nil
}

// InsertDenial appends one access-denial record.
func (p *Postgres) InsertDenial(ctx context.Context, rec *DenialRecord) error {
	const q = `
		INSERT INTO access_denial_log
			(organization_id, user_id, search_query, chunk_id, document_id,
			 group_id, access_level, denial_reason, similarity, metadata, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	md := rec.Metadata
	if md == nil {
		md = meta.Metadata{}
	}
	_, err := p.pool.Exec(ctx, q,
		rec.OrganizationID, rec.UserID, rec.SearchQuery, rec.ChunkID, rec.DocumentID,
		rec.GroupID, rec.AccessLevel, rec.DenialReason, rec.Similarity, md, rec.Timestamp)
	if err != nil {
		return errors.Dependency(errors.ErrCodeStoreUnavailable, "insert denial record", err)
	}
	return nil
}
