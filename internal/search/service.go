// Package search answers semantic queries against per-tenant indexes:
// embed the query, canonicalize the filter, delegate to the graph, and
// enrich the hits from the store.
package search

import (
	"context"
	"log/slog"
	"time"

	"github.com/connexus-ai/searchd/internal/embed"
	"github.com/connexus-ai/searchd/internal/errors"
	"github.com/connexus-ai/searchd/internal/hnsw"
	"github.com/connexus-ai/searchd/internal/meta"
	"github.com/connexus-ai/searchd/internal/store"
	"github.com/connexus-ai/searchd/internal/tenant"
)

// defaultK applies when a request leaves K zero.
const defaultK = 10

// Request is one search call.
type Request struct {
	TenantID string         `json:"tenant_id"`
	Query    string         `json:"query"`
	Filter   map[string]any `json:"filter,omitempty"`
	K        int            `json:"k"`
	// Ef overrides the index's beam width for this query; 0 keeps the
	// default.
	Ef int `json:"ef,omitempty"`
}

// ResultItem is one enriched hit.
type ResultItem struct {
	ChunkID       string        `json:"chunk_id"`
	DocumentID    string        `json:"document_id"`
	Content       string        `json:"content"`
	DocumentTitle string        `json:"document_title,omitempty"`
	Score         float64       `json:"score"`
	Metadata      meta.Metadata `json:"metadata"`
}

// Response is the search result envelope. Error carries a degraded-mode
// message when the engine answered with an empty result instead of
// failing outright.
type Response struct {
	Query          string        `json:"query"`
	Results        []ResultItem  `json:"results"`
	TotalResults   int           `json:"total_results"`
	ProcessingTime time.Duration `json:"processing_time"`
	IndexesUsed    []string      `json:"indexes_used"`
	Error          string        `json:"error,omitempty"`
}

// Service executes searches against tenant indexes.
type Service struct {
	tenants  *tenant.Manager
	embedder embed.Embedder
	st       store.Store
	logger   *slog.Logger
}

// NewService creates a search service.
func NewService(tenants *tenant.Manager, embedder embed.Embedder, st store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{tenants: tenants, embedder: embedder, st: st, logger: logger}
}

// Search runs one query. Invalid input is returned as an error; any other
// failure degrades to an empty response carrying the error message, so a
// broken dependency does not take the search surface down with it.
func (s *Service) Search(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	resp := &Response{Query: req.Query, Results: []ResultItem{}}

	if req.TenantID == "" {
		return nil, errors.InvalidInput("tenant id is required")
	}
	if req.Query == "" {
		return nil, errors.InvalidInput("query text is empty")
	}
	k := req.K
	if k == 0 {
		k = defaultK
	}
	if k < 0 {
		return nil, errors.InvalidInput("k must be positive")
	}
	filter, err := meta.ParseFilter(req.Filter)
	if err != nil {
		return nil, err
	}

	hits, serr := s.search(ctx, req, filter, k)
	resp.ProcessingTime = time.Since(start)
	if serr != nil {
		if errors.KindOf(serr) == errors.KindInvalidInput {
			return nil, serr
		}
		s.logger.Warn("search degraded to empty result",
			"tenant_id", req.TenantID, "error", serr)
		resp.Error = serr.Error()
		return resp, nil
	}

	resp.Results = hits
	resp.TotalResults = len(hits)
	resp.IndexesUsed = []string{req.TenantID}
	return resp, nil
}

func (s *Service) search(ctx context.Context, req *Request, filter *meta.Filter, k int) ([]ResultItem, error) {
	if err := s.tenants.BuildOrUpdate(ctx, req.TenantID, false); err != nil {
		return nil, err
	}
	idx, ok := s.tenants.Get(req.TenantID)
	if !ok {
		return nil, errors.NotFound(req.TenantID)
	}

	vec, err := s.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, errors.Dependency(errors.ErrCodeEmbedderFailed, "query embedding failed", err)
	}

	opts := hnsw.SearchOptions{Ef: req.Ef, Filter: filter, QueryText: req.Query}
	if filter != nil && filter.Permissions != nil {
		opts.UserID = filter.Permissions.UserID
	}
	raw, err := idx.Search(ctx, vec, k, opts)
	if err != nil {
		return nil, err
	}

	return s.enrich(ctx, req.TenantID, filter, raw)
}

// enrich joins the index hits with stored chunk content and metadata.
// Stored values shadow index-held values for generic keys only; the
// permission keys stay exactly as the index evaluated them, so a stale
// store row cannot widen disclosure.
func (s *Service) enrich(ctx context.Context, tenantID string, filter *meta.Filter, raw []hnsw.Result) ([]ResultItem, error) {
	ids := make([]string, len(raw))
	for i, r := range raw {
		ids[i] = r.ChunkID
	}
	rows, err := s.st.FetchChunks(ctx, tenantID, ids)
	if err != nil {
		return nil, errors.Dependency(errors.ErrCodeStoreUnavailable, "result enrichment failed", err)
	}
	byID := make(map[string]*store.EnrichedChunk, len(rows))
	for i := range rows {
		byID[rows[i].ChunkID] = &rows[i]
	}

	var perms *meta.Permissions
	if filter != nil {
		perms = filter.Permissions
	}

	out := make([]ResultItem, 0, len(raw))
	for _, r := range raw {
		// The index already filtered; this second check only guards
		// against a bug upstream ever leaking a node.
		if !meta.CheckAccess(perms, r.Metadata) {
			s.logger.Error("post-search permission check rejected an index hit",
				"tenant_id", tenantID, "chunk_id", r.ChunkID)
			continue
		}
		item := ResultItem{
			ChunkID:    r.ChunkID,
			DocumentID: r.DocumentID,
			Score:      r.Score,
			Metadata:   mergeMetadata(r.Metadata, byID[r.ChunkID]),
		}
		if row := byID[r.ChunkID]; row != nil {
			item.Content = row.Content
			item.DocumentTitle = row.DocumentTitle
		}
		out = append(out, item)
	}
	return out, nil
}

// mergeMetadata overlays stored chunk metadata onto the index metadata,
// keeping the index's permission keys authoritative.
func mergeMetadata(indexMD meta.Metadata, row *store.EnrichedChunk) meta.Metadata {
	md := meta.Clone(indexMD)
	if row == nil {
		return md
	}
	for k, v := range row.Metadata {
		switch k {
		case meta.KeyAccessLevel, meta.KeyGroupID, meta.KeyRestrictedToUsers:
			continue
		}
		md[k] = v
	}
	return md
}

// CheckPermissions re-evaluates the access predicate for one result's
// metadata. The index remains authoritative; this exists for callers that
// want a defensive second check.
func CheckPermissions(md meta.Metadata, perms *meta.Permissions) bool {
	return meta.CheckAccess(perms, md)
}
