package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connexus-ai/searchd/internal/meta"
)

func TestVectorCodec(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		v := []float32{1.5, -2.25, 0, 3.14159}
		decoded, err := DecodeVector(EncodeVector(v))
		require.NoError(t, err)
		assert.Equal(t, v, decoded)
	})

	t.Run("little endian layout", func(t *testing.T) {
		b := EncodeVector([]float32{1.0})
		// 1.0f32 = 0x3F800000
		assert.Equal(t, []byte{0x00, 0x00, 0x80, 0x3F}, b)
	})

	t.Run("truncated bytes rejected", func(t *testing.T) {
		_, err := DecodeVector([]byte{1, 2, 3})
		require.Error(t, err)
	})

	t.Run("empty vector", func(t *testing.T) {
		decoded, err := DecodeVector(EncodeVector(nil))
		require.NoError(t, err)
		assert.Empty(t, decoded)
	})
}

func seedMemory(t *testing.T) *Memory {
	t.Helper()
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.CreateDocument(ctx, &Document{
		ID: "d1", OrganizationID: "org1", Title: "Handbook",
		AccessLevel: meta.AccessGroup, GroupID: "g1",
	}))
	require.NoError(t, m.CreateChunk(ctx, &Chunk{
		ID: "c1", DocumentID: "d1", OrganizationID: "org1",
		Content: "hello", Metadata: meta.Metadata{"topic": "hr"},
	}))
	require.NoError(t, m.CreateEmbedding(ctx, &Embedding{
		ID: "e1", ChunkID: "c1", DocumentID: "d1", OrganizationID: "org1",
		Vector: []float32{1, 0},
	}))
	require.NoError(t, m.CreateChunk(ctx, &Chunk{
		ID: "c2", DocumentID: "d1", OrganizationID: "org1", Content: "no vector",
	}))
	return m
}

func TestMemoryIndexRows(t *testing.T) {
	ctx := context.Background()
	m := seedMemory(t)

	rows, err := m.FetchIndexRows(ctx, "org1")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byID := map[string]IndexRow{}
	for _, r := range rows {
		byID[r.ChunkID] = r
	}

	t.Run("permission fields merged from document", func(t *testing.T) {
		r := byID["c1"]
		assert.Equal(t, meta.AccessGroup, r.Metadata[meta.KeyAccessLevel])
		assert.Equal(t, "g1", r.Metadata[meta.KeyGroupID])
		assert.Equal(t, "hr", r.Metadata["topic"])
		assert.Equal(t, []float32{1, 0}, r.Vector)
	})

	t.Run("missing embedding yields nil vector", func(t *testing.T) {
		assert.Nil(t, byID["c2"].Vector)
	})

	t.Run("other org sees nothing", func(t *testing.T) {
		rows, err := m.FetchIndexRows(ctx, "org2")
		require.NoError(t, err)
		assert.Empty(t, rows)
	})
}

func TestMemoryStatsAndMarkers(t *testing.T) {
	ctx := context.Background()
	m := seedMemory(t)

	t.Run("fresh org needs reindex once data exists", func(t *testing.T) {
		now := time.Now()
		require.NoError(t, m.TouchLastDataChange(ctx, "org1", now))
		s, err := m.GetOrgStats(ctx, "org1")
		require.NoError(t, err)
		assert.Equal(t, 1, s.DocumentCount)
		assert.Equal(t, 2, s.ChunkCount)
		assert.Equal(t, 1, s.EmbeddingCount)
		assert.True(t, s.NeedsReindex)
	})

	t.Run("index update clears the flag", func(t *testing.T) {
		require.NoError(t, m.UpdateLastIndexTime(ctx, "org1", time.Now().Add(time.Second)))
		s, err := m.GetOrgStats(ctx, "org1")
		require.NoError(t, err)
		assert.False(t, s.NeedsReindex)
	})

	t.Run("later data change re-raises the flag", func(t *testing.T) {
		require.NoError(t, m.TouchLastDataChange(ctx, "org1", time.Now().Add(2*time.Second)))
		s, err := m.GetOrgStats(ctx, "org1")
		require.NoError(t, err)
		assert.True(t, s.NeedsReindex)
	})
}

func TestMemorySoftDelete(t *testing.T) {
	ctx := context.Background()
	m := seedMemory(t)

	require.NoError(t, m.SoftDeleteChunks(ctx, "org1", []string{"c1"}))

	rows, err := m.FetchIndexRows(ctx, "org1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "c2", rows[0].ChunkID)

	has, err := m.HasEmbeddingsForDocument(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, has)

	enriched, err := m.FetchChunks(ctx, "org1", []string{"c1", "c2"})
	require.NoError(t, err)
	require.Len(t, enriched, 1)
	assert.Equal(t, "c2", enriched[0].ChunkID)
}
