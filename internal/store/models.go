// Package store provides the external Postgres-backed document store:
// documents, chunks, embeddings, per-organization index markers, and the
// append-only access-denial log.
package store

import (
	"time"

	"github.com/connexus-ai/searchd/internal/meta"
)

// Document is a stored source document with its access-control fields.
type Document struct {
	ID                string
	OrganizationID    string
	Title             string
	AccessLevel       string
	GroupID           string
	RestrictedToUsers []string
	Metadata          meta.Metadata
	IsDeleted         bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Chunk is one retrievable slice of a document.
type Chunk struct {
	ID             string
	DocumentID     string
	OrganizationID string
	Content        string
	Metadata       meta.Metadata
	IsDeleted      bool
	CreatedAt      time.Time
}

// Embedding is the stored vector for one chunk.
type Embedding struct {
	ID             string
	ChunkID        string
	DocumentID     string
	OrganizationID string
	Vector         []float32
	IsDeleted      bool
}

// IndexRow is one row of the bulk chunk+embedding fetch used for index
// builds: the chunk, its vector, and the merged metadata the index will
// filter on (chunk metadata plus the document's permission fields).
type IndexRow struct {
	ChunkID    string
	DocumentID string
	Vector     []float32
	Metadata   meta.Metadata
}

// EnrichedChunk carries the fields the search service merges into results.
type EnrichedChunk struct {
	ChunkID       string
	DocumentID    string
	Content       string
	DocumentTitle string
	Metadata      meta.Metadata
}

// OrgStats is the per-organization ingestion and index state.
type OrgStats struct {
	OrganizationID  string
	DocumentCount   int
	ChunkCount      int
	EmbeddingCount  int
	LastIndexUpdate *time.Time
	LastDataChange  *time.Time
	NeedsReindex    bool
}

// DenialRecord is one append-only access-denial log entry.
type DenialRecord struct {
	OrganizationID string
	UserID         string
	SearchQuery    string
	ChunkID        string
	DocumentID     string
	GroupID        string
	AccessLevel    string
	DenialReason   string
	Similarity     float64
	Metadata       meta.Metadata
	Timestamp      time.Time
}
