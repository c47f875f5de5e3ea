package tenant

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/connexus-ai/searchd/internal/errors"
	"github.com/connexus-ai/searchd/internal/hnsw"
	"github.com/connexus-ai/searchd/internal/meta"
	"github.com/connexus-ai/searchd/internal/store"
)

// entry is one tenant's index container. Its mutex serializes every
// mutating operation for the tenant; searches go straight to the index,
// which takes its own read lock.
type entry struct {
	mu sync.Mutex

	index           *hnsw.Index
	lastUpdated     time.Time
	chunkCount      int
	documentCount   int
	skippedNoVector int
	isBuilding      atomic.Bool
	destroyed       bool
}

// MetadataUpdate is one per-chunk metadata patch.
type MetadataUpdate struct {
	ChunkID string
	Patch   meta.Metadata
}

// TenantStats is the observable state of one tenant's container.
type TenantStats struct {
	TenantID        string     `json:"tenant_id"`
	ChunkCount      int        `json:"chunk_count"`
	DocumentCount   int        `json:"document_count"`
	SkippedNoVector int        `json:"skipped_no_vector"`
	LastUpdated     time.Time  `json:"last_updated"`
	IsBuilding      bool       `json:"is_building"`
	Index           hnsw.Stats `json:"index"`
}

// Manager owns all tenant indexes. Mutators on one tenant are mutually
// exclusive; tenants are fully independent of each other.
type Manager struct {
	st         store.Store
	params     hnsw.Params
	sink       *DenialSink
	persistDir string
	logger     *slog.Logger

	// mu only guards the entries map; per-tenant work happens under the
	// entry's own mutex.
	mu      sync.Mutex
	entries map[string]*entry
}

// NewManager creates a manager. sink may be nil to disable denial
// observation; persistDir may be empty to disable snapshots.
func NewManager(st store.Store, params hnsw.Params, sink *DenialSink, persistDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		st:         st,
		params:     params,
		sink:       sink,
		persistDir: persistDir,
		logger:     logger,
		entries:    make(map[string]*entry),
	}
}

func (m *Manager) entry(tenantID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[tenantID]
	if !ok {
		e = &entry{}
		m.entries[tenantID] = e
	}
	return e
}

// lockEntry acquires the tenant's mutex. A waiter that loses the race
// against Destroy gets a Conflict naming the destroy as the winner; the
// tenant stays rebuildable through a fresh call, which picks up a new
// entry from the map.
func (m *Manager) lockEntry(tenantID string) (*entry, error) {
	e := m.entry(tenantID)
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return nil, errors.Newf(errors.ErrCodeBuildConflict,
			"tenant %s: concurrent destroy won", tenantID)
	}
	return e, nil
}

// BuildOrUpdate builds the tenant's index when forced, absent, or stale
// per the store's reindex markers. Concurrent calls for one tenant
// serialize; the second observes the first's result and becomes a no-op.
func (m *Manager) BuildOrUpdate(ctx context.Context, tenantID string, force bool) error {
	e, err := m.lockEntry(tenantID)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	return m.buildLocked(ctx, e, tenantID, force)
}

// buildLocked performs the staleness check and cold build. Caller holds
// e.mu.
func (m *Manager) buildLocked(ctx context.Context, e *entry, tenantID string, force bool) error {
	stats, err := m.st.GetOrgStats(ctx, tenantID)
	if err != nil {
		return err
	}
	if !force && e.index != nil && !stats.NeedsReindex {
		return nil
	}

	e.isBuilding.Store(true)
	defer e.isBuilding.Store(false)

	rows, err := m.st.FetchIndexRows(ctx, tenantID)
	if err != nil {
		return err
	}

	items := make([]hnsw.BuildItem, 0, len(rows))
	docs := make(map[string]struct{})
	skipped := 0
	for _, r := range rows {
		docs[r.DocumentID] = struct{}{}
		if len(r.Vector) == 0 {
			skipped++
			m.logger.Warn("chunk has no embedding, skipping",
				"tenant_id", tenantID, "chunk_id", r.ChunkID)
			continue
		}
		items = append(items, hnsw.BuildItem{
			ChunkID:    r.ChunkID,
			DocumentID: r.DocumentID,
			Vector:     r.Vector,
			Metadata:   r.Metadata,
		})
	}

	builder := hnsw.NewBuilder(m.params, m.logger)
	builder.OnProgress(func(done, total int) {
		m.logger.Debug("index build progress",
			"tenant_id", tenantID, "done", done, "total", total)
	})
	ix, res, err := builder.Build(ctx, tenantID, items)
	if err != nil {
		return err
	}
	if m.sink != nil {
		ix.SetDenialSink(m.sink.Offer)
	}

	e.index = ix
	e.lastUpdated = time.Now()
	e.chunkCount = len(rows)
	e.documentCount = len(docs)
	e.skippedNoVector = skipped

	if err := m.st.UpdateLastIndexTime(ctx, tenantID, e.lastUpdated); err != nil {
		m.logger.Warn("failed to record index update time",
			"tenant_id", tenantID, "error", err)
	}
	m.logger.Info("tenant index built",
		"tenant_id", tenantID,
		"inserted", res.Inserted,
		"skipped_inserts", res.Skipped,
		"skipped_no_vector", skipped,
		"documents", len(docs))
	return nil
}

// AddChunks inserts chunks online, cold-building the index first when the
// tenant has none.
func (m *Manager) AddChunks(ctx context.Context, tenantID string, items []hnsw.BuildItem) error {
	e, err := m.lockEntry(tenantID)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	if e.index == nil {
		if err := m.buildLocked(ctx, e, tenantID, false); err != nil {
			return err
		}
	}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(errors.ErrCodeCancelled, err)
		}
		if err := e.index.Insert(item.ChunkID, item.DocumentID, item.Vector, item.Metadata); err != nil {
			m.logger.Warn("online insert failed, skipping chunk",
				"tenant_id", tenantID, "chunk_id", item.ChunkID, "error", err)
			continue
		}
	}
	e.lastUpdated = time.Now()
	return nil
}

// RemoveChunks soft-deletes the chunks in the index. Unknown chunk ids are
// ignored.
func (m *Manager) RemoveChunks(ctx context.Context, tenantID string, chunkIDs []string) error {
	e, err := m.lockEntry(tenantID)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	if e.index == nil {
		return errors.NotFound(tenantID)
	}
	for _, id := range chunkIDs {
		if err := e.index.MarkDeleted(id); err != nil {
			m.logger.Debug("remove skipped unknown chunk",
				"tenant_id", tenantID, "chunk_id", id)
		}
	}
	e.lastUpdated = time.Now()
	return nil
}

// UpdateChunkMetadata applies per-chunk metadata patches.
func (m *Manager) UpdateChunkMetadata(ctx context.Context, tenantID string, updates []MetadataUpdate) error {
	e, err := m.lockEntry(tenantID)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	if e.index == nil {
		return errors.NotFound(tenantID)
	}
	for _, u := range updates {
		if err := e.index.UpdateMetadata(u.ChunkID, u.Patch); err != nil {
			m.logger.Debug("metadata update skipped unknown chunk",
				"tenant_id", tenantID, "chunk_id", u.ChunkID)
		}
	}
	e.lastUpdated = time.Now()
	return nil
}

// Get returns the tenant's index if one is resident.
func (m *Manager) Get(tenantID string) (*hnsw.Index, bool) {
	m.mu.Lock()
	e, ok := m.entries[tenantID]
	m.mu.Unlock()
	if !ok || e.index == nil {
		return nil, false
	}
	return e.index, true
}

// Has reports whether the tenant has a resident index.
func (m *Manager) Has(tenantID string) bool {
	_, ok := m.Get(tenantID)
	return ok
}

// StatsFor returns one tenant's container stats.
func (m *Manager) StatsFor(tenantID string) (TenantStats, bool) {
	m.mu.Lock()
	e, ok := m.entries[tenantID]
	m.mu.Unlock()
	if !ok || e.index == nil {
		return TenantStats{}, false
	}
	return TenantStats{
		TenantID:        tenantID,
		ChunkCount:      e.chunkCount,
		DocumentCount:   e.documentCount,
		SkippedNoVector: e.skippedNoVector,
		LastUpdated:     e.lastUpdated,
		IsBuilding:      e.isBuilding.Load(),
		Index:           e.index.Stats(),
	}, true
}

// Stats returns stats for every resident tenant.
func (m *Manager) Stats() []TenantStats {
	m.mu.Lock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	out := make([]TenantStats, 0, len(ids))
	for _, id := range ids {
		if s, ok := m.StatsFor(id); ok {
			out = append(out, s)
		}
	}
	return out
}

// DroppedDenials returns the sink's drop counter, 0 when no sink is wired.
func (m *Manager) DroppedDenials() uint64 {
	if m.sink == nil {
		return 0
	}
	return m.sink.Dropped()
}

// Destroy drops the tenant's in-memory index, optionally snapshotting it
// first.
func (m *Manager) Destroy(ctx context.Context, tenantID string, persist bool) error {
	e, err := m.lockEntry(tenantID)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	if persist && e.index != nil {
		if err := m.saveLocked(e, tenantID); err != nil {
			return err
		}
	}
	e.index = nil
	e.destroyed = true

	m.mu.Lock()
	if m.entries[tenantID] == e {
		delete(m.entries, tenantID)
	}
	m.mu.Unlock()
	return nil
}

// SaveToDisk snapshots the tenant's index.
func (m *Manager) SaveToDisk(ctx context.Context, tenantID string) error {
	e, err := m.lockEntry(tenantID)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	if e.index == nil {
		return errors.NotFound(tenantID)
	}
	return m.saveLocked(e, tenantID)
}

func (m *Manager) saveLocked(e *entry, tenantID string) error {
	if m.persistDir == "" {
		return errors.New(errors.ErrCodeConfigInvalid, "no persistence directory configured", nil)
	}
	return e.index.SaveFile(m.snapshotPath(tenantID))
}

// LoadPersisted restores the tenant's container from its snapshot file.
func (m *Manager) LoadPersisted(ctx context.Context, tenantID string) error {
	e, err := m.lockEntry(tenantID)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	if m.persistDir == "" {
		return errors.New(errors.ErrCodeConfigInvalid, "no persistence directory configured", nil)
	}
	ix, err := hnsw.LoadFile(m.snapshotPath(tenantID), tenantID, 0)
	if err != nil {
		return err
	}
	if m.sink != nil {
		ix.SetDenialSink(m.sink.Offer)
	}
	e.index = ix
	e.lastUpdated = time.Now()
	e.chunkCount = ix.SizeTotal()
	e.documentCount = ix.DocumentCount()
	st := ix.Stats()
	e.skippedNoVector = 0
	m.logger.Info("tenant index loaded from disk",
		"tenant_id", tenantID,
		"size_total", st.SizeTotal,
		"size_live", st.SizeLive)
	return nil
}

func (m *Manager) snapshotPath(tenantID string) string {
	return filepath.Join(m.persistDir, tenantID+".idx")
}
