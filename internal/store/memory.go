package store

import (
	"context"
	"sync"
	"time"

	"github.com/connexus-ai/searchd/internal/meta"
)

// Memory is an in-process Store used in tests and local development. It
// mirrors the Postgres implementation's semantics, including metadata
// merging on index-row fetches.
type Memory struct {
	mu        sync.RWMutex
	documents map[string]*Document
	chunks    map[string]*Chunk
	embedding map[string]*Embedding // keyed by chunk id
	orgs      map[string]*orgMarkers
	Denials   []DenialRecord
}

type orgMarkers struct {
	lastDataChange  *time.Time
	lastIndexUpdate *time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		documents: make(map[string]*Document),
		chunks:    make(map[string]*Chunk),
		embedding: make(map[string]*Embedding),
		orgs:      make(map[string]*orgMarkers),
	}
}

func (m *Memory) org(id string) *orgMarkers {
	o, ok := m.orgs[id]
	if !ok {
		o = &orgMarkers{}
		m.orgs[id] = o
	}
	return o
}

func (m *Memory) FetchIndexRows(_ context.Context, orgID string) ([]IndexRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []IndexRow
	for _, c := range m.chunks {
		if c.OrganizationID != orgID || c.IsDeleted {
			continue
		}
		doc, ok := m.documents[c.DocumentID]
		if !ok || doc.IsDeleted {
			continue
		}
		row := IndexRow{ChunkID: c.ID, DocumentID: c.DocumentID}
		if e, ok := m.embedding[c.ID]; ok && !e.IsDeleted {
			row.Vector = append([]float32(nil), e.Vector...)
		}
		md := meta.Clone(c.Metadata)
		md[meta.KeyAccessLevel] = doc.AccessLevel
		if doc.GroupID != "" {
			md[meta.KeyGroupID] = doc.GroupID
		}
		if len(doc.RestrictedToUsers) > 0 {
			md[meta.KeyRestrictedToUsers] = doc.RestrictedToUsers
		}
		row.Metadata = md
		out = append(out, row)
	}
	return out, nil
}

func (m *Memory) FetchChunks(_ context.Context, orgID string, chunkIDs []string) ([]EnrichedChunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []EnrichedChunk
	for _, id := range chunkIDs {
		c, ok := m.chunks[id]
		if !ok || c.IsDeleted || c.OrganizationID != orgID {
			continue
		}
		ec := EnrichedChunk{
			ChunkID:    c.ID,
			DocumentID: c.DocumentID,
			Content:    c.Content,
			Metadata:   meta.Clone(c.Metadata),
		}
		if doc, ok := m.documents[c.DocumentID]; ok {
			ec.DocumentTitle = doc.Title
		}
		out = append(out, ec)
	}
	return out, nil
}

func (m *Memory) HasEmbeddingsForDocument(_ context.Context, documentID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.embedding {
		if e.DocumentID == documentID && !e.IsDeleted {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) GetOrgStats(_ context.Context, orgID string) (*OrgStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := &OrgStats{OrganizationID: orgID}
	for _, d := range m.documents {
		if d.OrganizationID == orgID && !d.IsDeleted {
			s.DocumentCount++
		}
	}
	for _, c := range m.chunks {
		if c.OrganizationID == orgID && !c.IsDeleted {
			s.ChunkCount++
		}
	}
	for _, e := range m.embedding {
		if e.OrganizationID == orgID && !e.IsDeleted {
			s.EmbeddingCount++
		}
	}
	if o, ok := m.orgs[orgID]; ok {
		s.LastDataChange = o.lastDataChange
		s.LastIndexUpdate = o.lastIndexUpdate
		s.NeedsReindex = o.lastIndexUpdate == nil ||
			(o.lastDataChange != nil && o.lastDataChange.After(*o.lastIndexUpdate))
	}
	return s, nil
}

func (m *Memory) UpdateLastIndexTime(_ context.Context, orgID string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.org(orgID).lastIndexUpdate = &t
	return nil
}

func (m *Memory) TouchLastDataChange(_ context.Context, orgID string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.org(orgID).lastDataChange = &t
	return nil
}

func (m *Memory) CreateDocument(_ context.Context, doc *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *doc
	m.documents[doc.ID] = &cp
	return nil
}

func (m *Memory) CreateChunk(_ context.Context, chunk *Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *chunk
	m.chunks[chunk.ID] = &cp
	return nil
}

func (m *Memory) CreateEmbedding(_ context.Context, emb *Embedding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *emb
	m.embedding[emb.ChunkID] = &cp
	return nil
}

func (m *Memory) SoftDeleteChunks(_ context.Context, orgID string, chunkIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, id := range chunkIDs {
		if c, ok := m.chunks[id]; ok && c.OrganizationID == orgID {
			c.IsDeleted = true
		}
		if e, ok := m.embedding[id]; ok && e.OrganizationID == orgID {
			e.IsDeleted = true
		}
	}
	m.org(orgID).lastDataChange = &now
	return nil
}

func (m *Memory) InsertDenial(_ context.Context, rec *DenialRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Denials = append(m.Denials, *rec)
	return nil
}

func (m *Memory) Close() {}
