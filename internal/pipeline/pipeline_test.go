package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connexus-ai/searchd/internal/chunk"
	"github.com/connexus-ai/searchd/internal/config"
	"github.com/connexus-ai/searchd/internal/enrich"
	"github.com/connexus-ai/searchd/internal/errors"
	"github.com/connexus-ai/searchd/internal/hnsw"
	"github.com/connexus-ai/searchd/internal/meta"
	"github.com/connexus-ai/searchd/internal/store"
	"github.com/connexus-ai/searchd/internal/tenant"
)

// hashEmbedder derives a deterministic unit vector from the text, so
// tests get stable embeddings without a model server.
type hashEmbedder struct {
	dim       int
	batchErr  error
	failAll   bool
	failTexts map[string]bool
}

func (h *hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if h.failAll || h.failTexts[text] {
		return nil, errors.Dependency(errors.ErrCodeEmbedderFailed, "embedder down", nil)
	}
	v := make([]float32, h.dim)
	hash := fnv.New64a()
	hash.Write([]byte(text))
	seed := hash.Sum64()
	for i := range v {
		seed = seed*6364136223846793005 + 1442695040888963407
		v[i] = float32(int64(seed>>32)) / float32(1<<31)
	}
	normalizeTest(v)
	return v, nil
}

func (h *hashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if h.batchErr != nil {
		return nil, h.batchErr
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (h *hashEmbedder) Dimensions() int { return h.dim }

func normalizeTest(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}

func newTestPipeline(t *testing.T, emb *hashEmbedder) (*Pipeline, *store.Memory, *tenant.Manager) {
	t.Helper()
	st := store.NewMemory()
	sink := tenant.NewDenialSink(st, 16, nil)
	t.Cleanup(sink.Close)
	params := hnsw.DefaultParams()
	params.Seed = 42
	tenants := tenant.NewManager(st, params, sink, "", nil)

	chunker := chunk.New(nil, config.Default().Chunking, nil)
	contexts := enrich.NewContextGenerator(nil, nil)
	metadata := enrich.NewMetadataExtractor(nil, nil)
	p := New(st, emb, chunker, contexts, metadata, tenants, nil)
	return p, st, tenants
}

func longText(sections int) string {
	var b strings.Builder
	for s := 0; s < sections; s++ {
		for i := 0; i < 40; i++ {
			fmt.Fprintf(&b, "Section %d sentence %d talks about topic %d in some depth. ", s, i, s)
		}
		b.WriteString("\n\n")
	}
	return b.String()
}

func TestProcessIngestsDocument(t *testing.T) {
	emb := &hashEmbedder{dim: 16}
	p, st, tenants := newTestPipeline(t, emb)
	ctx := context.Background()

	res, err := p.Process(ctx, &Request{
		OrganizationID: "org-1",
		Title:          "Handbook",
		Text:           longText(4),
		AccessLevel:    meta.AccessGroup,
		GroupID:        "engineering",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.NotEmpty(t, res.DocumentID)
	assert.Greater(t, res.ChunkCount, 1)
	assert.Equal(t, res.ChunkCount, res.EmbeddedCount)
	assert.Zero(t, res.SkippedChunks)

	stats, err := st.GetOrgStats(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DocumentCount)
	assert.Equal(t, res.ChunkCount, stats.ChunkCount)
	assert.Equal(t, res.ChunkCount, stats.EmbeddingCount)

	rows, err := st.FetchIndexRows(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, rows, res.ChunkCount)
	for _, row := range rows {
		assert.Equal(t, meta.AccessGroup, row.Metadata[meta.KeyAccessLevel])
		assert.Equal(t, "engineering", row.Metadata[meta.KeyGroupID])
		assert.Contains(t, row.Metadata, "chunk_index")
		assert.Contains(t, row.Metadata, "context")
		assert.Equal(t, "unknown", row.Metadata["document_type"])
	}

	idx, ok := tenants.Get("org-1")
	require.True(t, ok, "ingestion should have populated the tenant index")
	assert.Equal(t, res.ChunkCount, idx.Stats().SizeLive)
}

func TestProcessRejectsBadInput(t *testing.T) {
	p, _, _ := newTestPipeline(t, &hashEmbedder{dim: 8})
	ctx := context.Background()

	t.Run("missing organization", func(t *testing.T) {
		res, err := p.Process(ctx, &Request{Text: "hello world."})
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeInvalidInput, errors.GetCode(err))
		assert.Equal(t, StatusFailed, res.Status)
	})

	t.Run("empty text", func(t *testing.T) {
		_, err := p.Process(ctx, &Request{OrganizationID: "org-1", Text: "  \n\t "})
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeInvalidInput, errors.GetCode(err))
	})
}

func TestProcessRemovesTempFileOnFailure(t *testing.T) {
	p, _, _ := newTestPipeline(t, &hashEmbedder{dim: 8})
	tmp := filepath.Join(t.TempDir(), "upload.txt")
	require.NoError(t, os.WriteFile(tmp, []byte("raw upload"), 0o644))

	_, err := p.Process(context.Background(), &Request{
		OrganizationID: "org-1",
		Text:           "",
		TempFilePath:   tmp,
	})
	require.Error(t, err)
	_, statErr := os.Stat(tmp)
	assert.True(t, os.IsNotExist(statErr), "temp file should be removed on failure")
}

func TestProcessSkipsFailedChunks(t *testing.T) {
	emb := &hashEmbedder{
		dim:       8,
		batchErr:  fmt.Errorf("batch endpoint unavailable"),
		failTexts: map[string]bool{},
	}
	p, st, _ := newTestPipeline(t, emb)
	ctx := context.Background()

	// Find out what the chunker produces, then poison one chunk's
	// embedding text.
	chunker := chunk.New(nil, config.Default().Chunking, nil)
	text := longText(4)
	chunks, err := chunker.ChunkDocument(ctx, mustClean(text))
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	contexts := enrich.NewContextGenerator(nil, nil)
	poisoned := enrich.BuildEmbeddingText(chunks[0], contexts.Generate(ctx, chunks[0], mustClean(text)))
	emb.failTexts[poisoned] = true

	res, err := p.Process(ctx, &Request{OrganizationID: "org-1", Text: text})
	require.NoError(t, err)
	assert.Equal(t, 1, res.SkippedChunks)
	assert.Equal(t, res.ChunkCount-1, res.EmbeddedCount)

	rows, err := st.FetchIndexRows(ctx, "org-1")
	require.NoError(t, err)
	assert.Len(t, rows, res.EmbeddedCount)
}

func TestProcessFailsWhenNothingEmbeds(t *testing.T) {
	emb := &hashEmbedder{dim: 8, batchErr: fmt.Errorf("down"), failAll: true}
	p, _, _ := newTestPipeline(t, emb)

	_, err := p.Process(context.Background(), &Request{
		OrganizationID: "org-1",
		Text:           "A single short sentence here.",
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeEmbedderFailed, errors.GetCode(err))
}

func TestCleanText(t *testing.T) {
	in := "First line.  \r\nSecond line.\n\n\n\nThird line.\t\n"
	got := cleanText(in)
	assert.Equal(t, "First line.\nSecond line.\n\nThird line.", got)
}

func mustClean(s string) string { return cleanText(s) }
