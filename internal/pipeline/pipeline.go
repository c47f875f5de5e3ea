// Package pipeline coordinates single-document ingestion: chunking,
// per-chunk enrichment, batch embedding, store persistence, and the online
// index update.
package pipeline

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/connexus-ai/searchd/internal/chunk"
	"github.com/connexus-ai/searchd/internal/embed"
	"github.com/connexus-ai/searchd/internal/enrich"
	"github.com/connexus-ai/searchd/internal/errors"
	"github.com/connexus-ai/searchd/internal/hnsw"
	"github.com/connexus-ai/searchd/internal/meta"
	"github.com/connexus-ai/searchd/internal/store"
	"github.com/connexus-ai/searchd/internal/tenant"
)

// Ingestion outcome states.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// enrichConcurrency bounds parallel context/metadata generation per
// document.
const enrichConcurrency = 4

// Request describes one document to ingest. Permission fields are
// inherited by every chunk's metadata.
type Request struct {
	OrganizationID    string
	Title             string
	Text              string
	AccessLevel       string
	GroupID           string
	RestrictedToUsers []string
	Metadata          meta.Metadata
	// TempFilePath, when set, is removed on total failure.
	TempFilePath string
}

// Result summarizes one ingestion.
type Result struct {
	DocumentID    string        `json:"document_id"`
	Status        string        `json:"status"`
	ChunkCount    int           `json:"chunk_count"`
	EmbeddedCount int           `json:"embedded_count"`
	SkippedChunks int           `json:"skipped_chunks"`
	Elapsed       time.Duration `json:"elapsed"`
}

// Pipeline wires the ingestion stages together.
type Pipeline struct {
	st       store.Store
	embedder embed.Embedder
	chunker  *chunk.Chunker
	contexts *enrich.ContextGenerator
	metadata *enrich.MetadataExtractor
	tenants  *tenant.Manager
	logger   *slog.Logger
}

// New creates a pipeline.
func New(st store.Store, embedder embed.Embedder, chunker *chunk.Chunker,
	contexts *enrich.ContextGenerator, metadata *enrich.MetadataExtractor,
	tenants *tenant.Manager, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		st:       st,
		embedder: embedder,
		chunker:  chunker,
		contexts: contexts,
		metadata: metadata,
		tenants:  tenants,
		logger:   logger,
	}
}

// enrichedChunk is a chunk with its generated context and extracted
// metadata, ready for embedding.
type enrichedChunk struct {
	index    int
	content  string
	context  string
	meta     *enrich.ChunkMetadata
	vector   []float32
	embedded bool
}

// Process ingests one document end to end. Per-chunk embedding failures
// are logged and skipped; the remainder proceeds. A failure before any
// chunk is persisted removes the temp file and reports a failed status.
func (p *Pipeline) Process(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()
	res, err := p.process(ctx, req, start)
	if err != nil {
		p.cleanup(req)
		return &Result{Status: StatusFailed, Elapsed: time.Since(start)}, err
	}
	return res, nil
}

func (p *Pipeline) process(ctx context.Context, req *Request, start time.Time) (*Result, error) {
	if req.OrganizationID == "" {
		return nil, errors.InvalidInput("organization id is required")
	}
	text := cleanText(req.Text)
	if text == "" {
		return nil, errors.InvalidInput("document text is empty")
	}
	if req.AccessLevel == "" {
		req.AccessLevel = meta.AccessPublic
	}

	chunks, err := p.chunker.ChunkDocument(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, errors.InvalidInput("document produced no chunks")
	}
	p.logger.Info("document chunked",
		"org_id", req.OrganizationID, "title", req.Title, "chunks", len(chunks))

	// Context and metadata generation per chunk, bounded fan-out.
	enriched := make([]*enrichedChunk, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(enrichConcurrency)
	for i, c := range chunks {
		i, c := i, c
		g.Go(func() error {
			ec := &enrichedChunk{index: i, content: c}
			ec.context = p.contexts.Generate(gctx, c, text)
			ec.meta = p.metadata.Extract(gctx, c)
			enriched[i] = ec
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeCancelled, err)
	}

	p.embedChunks(ctx, enriched)

	docID := uuid.NewString()
	doc := &store.Document{
		ID:                docID,
		OrganizationID:    req.OrganizationID,
		Title:             req.Title,
		AccessLevel:       req.AccessLevel,
		GroupID:           req.GroupID,
		RestrictedToUsers: req.RestrictedToUsers,
		Metadata:          req.Metadata,
	}
	if err := p.st.CreateDocument(ctx, doc); err != nil {
		return nil, err
	}

	res := &Result{DocumentID: docID, Status: StatusCompleted, ChunkCount: len(chunks)}
	items := make([]hnsw.BuildItem, 0, len(enriched))
	for _, ec := range enriched {
		if !ec.embedded {
			res.SkippedChunks++
			continue
		}
		chunkID := uuid.NewString()
		md := p.chunkMetadata(req, ec)
		if err := p.st.CreateChunk(ctx, &store.Chunk{
			ID:             chunkID,
			DocumentID:     docID,
			OrganizationID: req.OrganizationID,
			Content:        ec.content,
			Metadata:       md,
		}); err != nil {
			return nil, err
		}
		if err := p.st.CreateEmbedding(ctx, &store.Embedding{
			ID:             uuid.NewString(),
			ChunkID:        chunkID,
			DocumentID:     docID,
			OrganizationID: req.OrganizationID,
			Vector:         ec.vector,
		}); err != nil {
			return nil, err
		}
		res.EmbeddedCount++

		indexMD := meta.Clone(md)
		indexMD[meta.KeyAccessLevel] = req.AccessLevel
		if req.GroupID != "" {
			indexMD[meta.KeyGroupID] = req.GroupID
		}
		if len(req.RestrictedToUsers) > 0 {
			indexMD[meta.KeyRestrictedToUsers] = req.RestrictedToUsers
		}
		items = append(items, hnsw.BuildItem{
			ChunkID:    chunkID,
			DocumentID: docID,
			Vector:     ec.vector,
			Metadata:   indexMD,
		})
	}
	if res.EmbeddedCount == 0 {
		return nil, errors.New(errors.ErrCodeEmbedderFailed, "no chunk could be embedded", nil)
	}

	if err := p.st.TouchLastDataChange(ctx, req.OrganizationID, time.Now()); err != nil {
		p.logger.Warn("failed to touch data-change marker",
			"org_id", req.OrganizationID, "error", err)
	}
	if err := p.tenants.AddChunks(ctx, req.OrganizationID, items); err != nil {
		return nil, err
	}

	res.Elapsed = time.Since(start)
	p.logger.Info("document ingested",
		"org_id", req.OrganizationID,
		"document_id", docID,
		"chunks", res.ChunkCount,
		"embedded", res.EmbeddedCount,
		"skipped", res.SkippedChunks,
		"elapsed", res.Elapsed)
	return res, nil
}

// embedChunks batch-embeds the enriched chunks, falling back to per-chunk
// embedding when the batch fails so one bad chunk cannot sink the document.
func (p *Pipeline) embedChunks(ctx context.Context, enriched []*enrichedChunk) {
	texts := make([]string, len(enriched))
	for i, ec := range enriched {
		texts[i] = enrich.BuildEmbeddingText(ec.content, ec.context)
	}

	vecs, err := p.embedder.EmbedBatch(ctx, texts)
	if err == nil {
		for i, ec := range enriched {
			ec.vector = vecs[i]
			ec.embedded = true
		}
		return
	}
	p.logger.Warn("batch embedding failed, retrying per chunk", "error", err)

	for i, ec := range enriched {
		v, err := p.embedder.Embed(ctx, texts[i])
		if err != nil {
			p.logger.Warn("chunk embedding failed, skipping",
				"chunk_index", ec.index, "error", err)
			continue
		}
		ec.vector = v
		ec.embedded = true
	}
}

// chunkMetadata assembles the persisted metadata for one chunk: extracted
// fields, position, context, and the document's permission fields.
func (p *Pipeline) chunkMetadata(req *Request, ec *enrichedChunk) meta.Metadata {
	md := meta.Metadata{
		"keywords":      ec.meta.Keywords,
		"topics":        ec.meta.Topics,
		"entities":      ec.meta.Entities,
		"document_type": ec.meta.DocumentType,
		"chunk_index":   ec.index,
		"context":       ec.context,
	}
	md[meta.KeyAccessLevel] = req.AccessLevel
	if req.GroupID != "" {
		md[meta.KeyGroupID] = req.GroupID
	}
	if len(req.RestrictedToUsers) > 0 {
		md[meta.KeyRestrictedToUsers] = req.RestrictedToUsers
	}
	return md
}

func (p *Pipeline) cleanup(req *Request) {
	if req.TempFilePath == "" {
		return
	}
	if err := os.Remove(req.TempFilePath); err != nil && !os.IsNotExist(err) {
		p.logger.Warn("failed to remove temp file",
			"path", req.TempFilePath, "error", err)
	}
}

// cleanText normalizes whitespace: CRLF to LF, trailing spaces stripped,
// runs of blank lines collapsed.
func cleanText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	var out []string
	blank := 0
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
