package tenant

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connexus-ai/searchd/internal/errors"
	"github.com/connexus-ai/searchd/internal/hnsw"
	"github.com/connexus-ai/searchd/internal/meta"
	"github.com/connexus-ai/searchd/internal/store"
)

func seedOrg(t *testing.T, st *store.Memory, orgID string, n int) {
	t.Helper()
	ctx := context.Background()
	docID := orgID + "-doc"
	require.NoError(t, st.CreateDocument(ctx, &store.Document{
		ID: docID, OrganizationID: orgID, Title: "Doc", AccessLevel: meta.AccessPublic,
	}))
	for i := 0; i < n; i++ {
		chunkID := fmt.Sprintf("%s-c%d", orgID, i)
		require.NoError(t, st.CreateChunk(ctx, &store.Chunk{
			ID: chunkID, DocumentID: docID, OrganizationID: orgID,
			Content: fmt.Sprintf("content %d", i),
		}))
		require.NoError(t, st.CreateEmbedding(ctx, &store.Embedding{
			ID: chunkID + "-e", ChunkID: chunkID, DocumentID: docID, OrganizationID: orgID,
			Vector: []float32{float32(i + 1), 1, 0},
		}))
	}
	require.NoError(t, st.TouchLastDataChange(ctx, orgID, time.Now()))
}

func newManager(st store.Store) *Manager {
	return NewManager(st, hnsw.Params{M: 8, EfConstruction: 50, Seed: 7}, nil, "", nil)
}

func TestBuildOrUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("cold build indexes all live chunks", func(t *testing.T) {
		st := store.NewMemory()
		seedOrg(t, st, "org1", 5)
		m := newManager(st)

		require.NoError(t, m.BuildOrUpdate(ctx, "org1", false))
		ix, ok := m.Get("org1")
		require.True(t, ok)
		assert.Equal(t, 5, ix.SizeLive())

		s, ok := m.StatsFor("org1")
		require.True(t, ok)
		assert.Equal(t, 5, s.ChunkCount)
		assert.Equal(t, 1, s.DocumentCount)
		assert.False(t, s.IsBuilding)
	})

	t.Run("fresh build clears the reindex flag", func(t *testing.T) {
		st := store.NewMemory()
		seedOrg(t, st, "org1", 2)
		m := newManager(st)

		require.NoError(t, m.BuildOrUpdate(ctx, "org1", false))
		stats, err := st.GetOrgStats(ctx, "org1")
		require.NoError(t, err)
		assert.False(t, stats.NeedsReindex)
	})

	t.Run("up-to-date index is not rebuilt", func(t *testing.T) {
		st := store.NewMemory()
		seedOrg(t, st, "org1", 2)
		m := newManager(st)
		require.NoError(t, m.BuildOrUpdate(ctx, "org1", false))
		before, _ := m.StatsFor("org1")

		require.NoError(t, m.BuildOrUpdate(ctx, "org1", false))
		after, _ := m.StatsFor("org1")
		assert.Equal(t, before.LastUpdated, after.LastUpdated)
	})

	t.Run("data change triggers rebuild", func(t *testing.T) {
		st := store.NewMemory()
		seedOrg(t, st, "org1", 2)
		m := newManager(st)
		require.NoError(t, m.BuildOrUpdate(ctx, "org1", false))

		docID := "org1-doc"
		require.NoError(t, st.CreateChunk(ctx, &store.Chunk{
			ID: "org1-c9", DocumentID: docID, OrganizationID: "org1", Content: "new",
		}))
		require.NoError(t, st.CreateEmbedding(ctx, &store.Embedding{
			ID: "org1-c9-e", ChunkID: "org1-c9", DocumentID: docID, OrganizationID: "org1",
			Vector: []float32{0, 0, 1},
		}))
		require.NoError(t, st.TouchLastDataChange(ctx, "org1", time.Now().Add(time.Second)))

		require.NoError(t, m.BuildOrUpdate(ctx, "org1", false))
		ix, _ := m.Get("org1")
		assert.Equal(t, 3, ix.SizeLive())
	})

	t.Run("force rebuilds regardless", func(t *testing.T) {
		st := store.NewMemory()
		seedOrg(t, st, "org1", 2)
		m := newManager(st)
		require.NoError(t, m.BuildOrUpdate(ctx, "org1", false))
		before, _ := m.StatsFor("org1")

		time.Sleep(2 * time.Millisecond)
		require.NoError(t, m.BuildOrUpdate(ctx, "org1", true))
		after, _ := m.StatsFor("org1")
		assert.True(t, after.LastUpdated.After(before.LastUpdated))
	})

	t.Run("chunks without vectors are counted, not indexed", func(t *testing.T) {
		st := store.NewMemory()
		seedOrg(t, st, "org1", 2)
		require.NoError(t, st.CreateChunk(ctx, &store.Chunk{
			ID: "org1-bare", DocumentID: "org1-doc", OrganizationID: "org1", Content: "no vec",
		}))
		m := newManager(st)

		require.NoError(t, m.BuildOrUpdate(ctx, "org1", false))
		s, _ := m.StatsFor("org1")
		assert.Equal(t, 3, s.ChunkCount)
		assert.Equal(t, 1, s.SkippedNoVector)
		ix, _ := m.Get("org1")
		assert.Equal(t, 2, ix.SizeLive())
	})

	t.Run("concurrent builds serialize", func(t *testing.T) {
		st := store.NewMemory()
		seedOrg(t, st, "org1", 20)
		m := newManager(st)

		var wg sync.WaitGroup
		errs := make([]error, 4)
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = m.BuildOrUpdate(ctx, "org1", false)
			}(i)
		}
		wg.Wait()
		for _, err := range errs {
			assert.NoError(t, err)
		}
		ix, _ := m.Get("org1")
		assert.Equal(t, 20, ix.SizeLive())
	})
}

func TestOnlineMutations(t *testing.T) {
	ctx := context.Background()

	t.Run("AddChunks cold-builds first", func(t *testing.T) {
		st := store.NewMemory()
		seedOrg(t, st, "org1", 2)
		m := newManager(st)

		err := m.AddChunks(ctx, "org1", []hnsw.BuildItem{{
			ChunkID: "extra", DocumentID: "org1-doc",
			Vector:   []float32{0, 0, 1},
			Metadata: meta.Metadata{meta.KeyAccessLevel: meta.AccessPublic},
		}})
		require.NoError(t, err)
		ix, _ := m.Get("org1")
		assert.Equal(t, 3, ix.SizeLive())
		assert.True(t, ix.Has("extra"))
	})

	t.Run("RemoveChunks soft-deletes", func(t *testing.T) {
		st := store.NewMemory()
		seedOrg(t, st, "org1", 3)
		m := newManager(st)
		require.NoError(t, m.BuildOrUpdate(ctx, "org1", false))

		require.NoError(t, m.RemoveChunks(ctx, "org1", []string{"org1-c0", "unknown"}))
		ix, _ := m.Get("org1")
		assert.Equal(t, 2, ix.SizeLive())
		assert.Equal(t, 3, ix.SizeTotal())
	})

	t.Run("RemoveChunks without index is not found", func(t *testing.T) {
		m := newManager(store.NewMemory())
		err := m.RemoveChunks(ctx, "ghost", []string{"c"})
		require.Error(t, err)
		assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
	})

	t.Run("UpdateChunkMetadata patches the index", func(t *testing.T) {
		st := store.NewMemory()
		seedOrg(t, st, "org1", 1)
		m := newManager(st)
		require.NoError(t, m.BuildOrUpdate(ctx, "org1", false))

		require.NoError(t, m.UpdateChunkMetadata(ctx, "org1", []MetadataUpdate{
			{ChunkID: "org1-c0", Patch: meta.Metadata{"topic": "legal"}},
		}))
		ix, _ := m.Get("org1")
		md, ok := ix.Metadata("org1-c0")
		require.True(t, ok)
		assert.Equal(t, "legal", md["topic"])
	})
}

func TestDestroyAndPersistence(t *testing.T) {
	ctx := context.Background()

	t.Run("destroy drops the container", func(t *testing.T) {
		st := store.NewMemory()
		seedOrg(t, st, "org1", 2)
		m := newManager(st)
		require.NoError(t, m.BuildOrUpdate(ctx, "org1", false))

		require.NoError(t, m.Destroy(ctx, "org1", false))
		assert.False(t, m.Has("org1"))
	})

	t.Run("destroy with persist then load restores the index", func(t *testing.T) {
		st := store.NewMemory()
		seedOrg(t, st, "org1", 10)
		m := NewManager(st, hnsw.Params{M: 8, EfConstruction: 50, Seed: 7}, nil, t.TempDir(), nil)
		require.NoError(t, m.BuildOrUpdate(ctx, "org1", false))
		wantStats, _ := m.StatsFor("org1")

		require.NoError(t, m.Destroy(ctx, "org1", true))
		assert.False(t, m.Has("org1"))

		require.NoError(t, m.LoadPersisted(ctx, "org1"))
		ix, ok := m.Get("org1")
		require.True(t, ok)
		assert.Equal(t, wantStats.Index.SizeLive, ix.SizeLive())

		gotStats, ok := m.StatsFor("org1")
		require.True(t, ok)
		require.NotZero(t, wantStats.DocumentCount)
		assert.Equal(t, wantStats.DocumentCount, gotStats.DocumentCount,
			"restored container reports its document count")
	})

	t.Run("load without snapshot is not found", func(t *testing.T) {
		m := NewManager(store.NewMemory(), hnsw.Params{Seed: 7}, nil, t.TempDir(), nil)
		err := m.LoadPersisted(ctx, "ghost")
		require.Error(t, err)
		assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
	})

	t.Run("save without persist dir is a config error", func(t *testing.T) {
		st := store.NewMemory()
		seedOrg(t, st, "org1", 1)
		m := newManager(st)
		require.NoError(t, m.BuildOrUpdate(ctx, "org1", false))
		require.Error(t, m.SaveToDisk(ctx, "org1"))
	})

	t.Run("mutation racing a destroy reports conflict", func(t *testing.T) {
		st := store.NewMemory()
		seedOrg(t, st, "org1", 2)
		m := newManager(st)
		require.NoError(t, m.BuildOrUpdate(ctx, "org1", false))

		// A destroy marks the entry while a mutator is still holding a
		// reference to it; the mutator must lose with a conflict, not
		// silently re-run.
		e := m.entry("org1")
		e.mu.Lock()
		e.destroyed = true
		e.mu.Unlock()

		err := m.BuildOrUpdate(ctx, "org1", false)
		require.Error(t, err)
		assert.Equal(t, errors.KindConflict, errors.KindOf(err))
	})

	t.Run("destroyed tenant can be rebuilt", func(t *testing.T) {
		st := store.NewMemory()
		seedOrg(t, st, "org1", 2)
		m := newManager(st)
		require.NoError(t, m.BuildOrUpdate(ctx, "org1", false))
		require.NoError(t, m.Destroy(ctx, "org1", false))

		require.NoError(t, m.BuildOrUpdate(ctx, "org1", false))
		assert.True(t, m.Has("org1"))
	})
}

func TestDenialSink(t *testing.T) {
	t.Run("events reach the store", func(t *testing.T) {
		st := store.NewMemory()
		sink := NewDenialSink(st, 16, nil)

		sink.Offer(hnsw.DenialEvent{
			TenantID:   "org1",
			UserID:     "u1",
			QueryText:  "roadmap",
			ChunkID:    "c1",
			DocumentID: "d1",
			GroupID:    "g1",
			Similarity: 0.9,
			Timestamp:  time.Now(),
		})
		sink.Close()

		require.Len(t, st.Denials, 1)
		rec := st.Denials[0]
		assert.Equal(t, "org1", rec.OrganizationID)
		assert.Equal(t, "u1", rec.UserID)
		assert.Equal(t, "roadmap", rec.SearchQuery)
		assert.Equal(t, "g1", rec.GroupID)
		assert.Equal(t, meta.AccessGroup, rec.AccessLevel)
		assert.Equal(t, "not_in_group", rec.DenialReason)
		assert.InDelta(t, 0.9, rec.Similarity, 1e-9)
	})

	t.Run("full buffer drops and counts", func(t *testing.T) {
		st := store.NewMemory()
		sink := &DenialSink{
			events: make(chan hnsw.DenialEvent, 1),
			st:     st,
			done:   make(chan struct{}),
		}
		// No writer goroutine: the buffer fills after one event.
		sink.Offer(hnsw.DenialEvent{TenantID: "org1"})
		sink.Offer(hnsw.DenialEvent{TenantID: "org1"})
		assert.Equal(t, uint64(1), sink.Dropped())
	})

	t.Run("search denials flow through the manager sink", func(t *testing.T) {
		ctx := context.Background()
		st := store.NewMemory()
		require.NoError(t, st.CreateDocument(ctx, &store.Document{
			ID: "d1", OrganizationID: "org1", Title: "Plan",
			AccessLevel: meta.AccessGroup, GroupID: "g1",
		}))
		require.NoError(t, st.CreateChunk(ctx, &store.Chunk{
			ID: "c1", DocumentID: "d1", OrganizationID: "org1", Content: "secret",
		}))
		require.NoError(t, st.CreateEmbedding(ctx, &store.Embedding{
			ID: "e1", ChunkID: "c1", DocumentID: "d1", OrganizationID: "org1",
			Vector: []float32{1, 0},
		}))
		require.NoError(t, st.TouchLastDataChange(ctx, "org1", time.Now()))

		sink := NewDenialSink(st, 16, nil)
		m := NewManager(st, hnsw.Params{M: 8, EfConstruction: 50, Seed: 7}, sink, "", nil)
		require.NoError(t, m.BuildOrUpdate(ctx, "org1", false))

		ix, _ := m.Get("org1")
		filter := &meta.Filter{Permissions: &meta.Permissions{
			UserID: "u1", UserRole: meta.RoleMember, UserGroupIDs: []string{"g2"},
		}}
		res, err := ix.Search(ctx, []float32{1, 0}, 5, hnsw.SearchOptions{
			Filter: filter, QueryText: "plan", UserID: "u1",
		})
		require.NoError(t, err)
		assert.Empty(t, res)

		sink.Close()
		require.Len(t, st.Denials, 1)
		assert.Equal(t, "c1", st.Denials[0].ChunkID)
	})
}
