package store

import (
	"context"
	"time"
)

// Store is the external persistence interface consumed by the tenant index
// manager, search service, and ingestion pipeline.
type Store interface {
	// FetchIndexRows returns all live (chunk, vector, merged metadata)
	// tuples for an organization. Rows whose chunk has no embedding are
	// returned with a nil vector so callers can count them.
	FetchIndexRows(ctx context.Context, orgID string) ([]IndexRow, error)

	// FetchChunks returns content and document title for the given chunk
	// ids, for result enrichment.
	FetchChunks(ctx context.Context, orgID string, chunkIDs []string) ([]EnrichedChunk, error)

	// HasEmbeddingsForDocument reports whether any live embedding exists
	// for the document.
	HasEmbeddingsForDocument(ctx context.Context, documentID string) (bool, error)

	// GetOrgStats returns document/chunk/embedding counts and the reindex
	// markers for an organization.
	GetOrgStats(ctx context.Context, orgID string) (*OrgStats, error)

	// UpdateLastIndexTime records a completed index build.
	UpdateLastIndexTime(ctx context.Context, orgID string, t time.Time) error

	// TouchLastDataChange records an ingestion-time data change.
	TouchLastDataChange(ctx context.Context, orgID string, t time.Time) error

	CreateDocument(ctx context.Context, doc *Document) error
	CreateChunk(ctx context.Context, chunk *Chunk) error
	CreateEmbedding(ctx context.Context, emb *Embedding) error

	// SoftDeleteChunks marks chunks (and their embeddings) deleted.
	SoftDeleteChunks(ctx context.Context, orgID string, chunkIDs []string) error

	// InsertDenial appends one access-denial record.
	InsertDenial(ctx context.Context, rec *DenialRecord) error

	Close()
}
