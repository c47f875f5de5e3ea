package search

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connexus-ai/searchd/internal/errors"
	"github.com/connexus-ai/searchd/internal/hnsw"
	"github.com/connexus-ai/searchd/internal/llm"
	"github.com/connexus-ai/searchd/internal/meta"
	"github.com/connexus-ai/searchd/internal/store"
	"github.com/connexus-ai/searchd/internal/tenant"
)

// mapEmbedder returns canned vectors by query text.
type mapEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (m *mapEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	if v, ok := m.vectors[text]; ok {
		return append([]float32(nil), v...), nil
	}
	return []float32{1, 0, 0}, nil
}

func (m *mapEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := m.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (m *mapEmbedder) Dimensions() int { return 3 }

type seedChunk struct {
	id          string
	content     string
	accessLevel string
	groupID     string
	restricted  []string
	vector      []float32
	metadata    meta.Metadata
}

func seedOrg(t *testing.T, st *store.Memory, orgID string, chunks []seedChunk) {
	t.Helper()
	ctx := context.Background()
	for i, c := range chunks {
		docID := fmt.Sprintf("%s-doc-%d", orgID, i)
		require.NoError(t, st.CreateDocument(ctx, &store.Document{
			ID:                docID,
			OrganizationID:    orgID,
			Title:             "Title of " + c.id,
			AccessLevel:       c.accessLevel,
			GroupID:           c.groupID,
			RestrictedToUsers: c.restricted,
		}))
		require.NoError(t, st.CreateChunk(ctx, &store.Chunk{
			ID:             c.id,
			DocumentID:     docID,
			OrganizationID: orgID,
			Content:        c.content,
			Metadata:       c.metadata,
		}))
		require.NoError(t, st.CreateEmbedding(ctx, &store.Embedding{
			ID:             c.id + "-emb",
			ChunkID:        c.id,
			DocumentID:     docID,
			OrganizationID: orgID,
			Vector:         c.vector,
		}))
	}
	require.NoError(t, st.TouchLastDataChange(ctx, orgID, time.Now()))
}

func newTestService(t *testing.T, emb *mapEmbedder) (*Service, *store.Memory, *tenant.Manager) {
	t.Helper()
	st := store.NewMemory()
	sink := tenant.NewDenialSink(st, 16, nil)
	t.Cleanup(sink.Close)
	params := hnsw.DefaultParams()
	params.Seed = 42
	tenants := tenant.NewManager(st, params, sink, "", nil)
	return NewService(tenants, emb, st, nil), st, tenants
}

func accessChunks() []seedChunk {
	return []seedChunk{
		{id: "c-pub", content: "public text", accessLevel: meta.AccessPublic,
			vector: []float32{1, 0, 0}, metadata: meta.Metadata{"department": "sales"}},
		{id: "c-grp", content: "group text", accessLevel: meta.AccessGroup, groupID: "g1",
			vector: []float32{1, 0, 0}},
		{id: "c-adm", content: "admin text", accessLevel: meta.AccessAdmins,
			vector: []float32{1, 0, 0}},
	}
}

func TestSearchFiltersByPermissions(t *testing.T) {
	emb := &mapEmbedder{}
	svc, st, _ := newTestService(t, emb)
	seedOrg(t, st, "org-1", accessChunks())
	ctx := context.Background()

	t.Run("member sees only public", func(t *testing.T) {
		resp, err := svc.Search(ctx, &Request{
			TenantID: "org-1",
			Query:    "anything",
			K:        10,
			Filter: map[string]any{
				"permissions": map[string]any{"user_id": "u1", "user_role": "member"},
			},
		})
		require.NoError(t, err)
		require.Len(t, resp.Results, 1)
		assert.Equal(t, "c-pub", resp.Results[0].ChunkID)
		assert.Equal(t, "public text", resp.Results[0].Content)
		assert.Equal(t, "Title of c-pub", resp.Results[0].DocumentTitle)
		assert.Equal(t, 1, resp.TotalResults)
		assert.Equal(t, []string{"org-1"}, resp.IndexesUsed)
	})

	t.Run("admin sees everything with score 1", func(t *testing.T) {
		resp, err := svc.Search(ctx, &Request{
			TenantID: "org-1",
			Query:    "anything",
			K:        10,
			Filter: map[string]any{
				"permissions": map[string]any{"user_id": "boss", "user_role": "admin"},
			},
		})
		require.NoError(t, err)
		require.Len(t, resp.Results, 3)
		for _, r := range resp.Results {
			assert.InDelta(t, 1.0, r.Score, 1e-6)
		}
	})

	t.Run("group member sees the group chunk", func(t *testing.T) {
		resp, err := svc.Search(ctx, &Request{
			TenantID: "org-1",
			Query:    "anything",
			K:        10,
			Filter: map[string]any{
				"permissions": map[string]any{
					"user_id": "u2", "user_role": "member",
					"user_group_ids": []any{"g1"},
				},
			},
		})
		require.NoError(t, err)
		ids := make([]string, 0, len(resp.Results))
		for _, r := range resp.Results {
			ids = append(ids, r.ChunkID)
		}
		assert.ElementsMatch(t, []string{"c-pub", "c-grp"}, ids)
	})

	t.Run("generic filter narrows further", func(t *testing.T) {
		resp, err := svc.Search(ctx, &Request{
			TenantID: "org-1",
			Query:    "anything",
			K:        10,
			Filter: map[string]any{
				"permissions": map[string]any{"user_role": "admin"},
				"department":  "sales",
			},
		})
		require.NoError(t, err)
		require.Len(t, resp.Results, 1)
		assert.Equal(t, "c-pub", resp.Results[0].ChunkID)
	})
}

func TestSearchEnrichmentMerging(t *testing.T) {
	emb := &mapEmbedder{}
	svc, st, _ := newTestService(t, emb)
	// Stored chunk metadata claims PUBLIC, but the document (and thus the
	// index) says ADMINS. The permission keys in the response must be the
	// index's.
	seedOrg(t, st, "org-1", []seedChunk{{
		id: "c1", content: "body", accessLevel: meta.AccessAdmins,
		vector: []float32{1, 0, 0},
		metadata: meta.Metadata{
			meta.KeyAccessLevel: meta.AccessPublic,
			"topic":             "quarterly report",
		},
	}})

	resp, err := svc.Search(context.Background(), &Request{
		TenantID: "org-1",
		Query:    "anything",
		Filter: map[string]any{
			"permissions": map[string]any{"user_role": "admin"},
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	md := resp.Results[0].Metadata
	assert.Equal(t, meta.AccessAdmins, md[meta.KeyAccessLevel],
		"stored metadata must not shadow permission keys")
	assert.Equal(t, "quarterly report", md["topic"], "generic keys come from the store")
}

func TestSearchInvalidInput(t *testing.T) {
	svc, _, _ := newTestService(t, &mapEmbedder{})
	ctx := context.Background()

	cases := []struct {
		name string
		req  *Request
	}{
		{"missing tenant", &Request{Query: "q"}},
		{"empty query", &Request{TenantID: "org-1"}},
		{"negative k", &Request{TenantID: "org-1", Query: "q", K: -3}},
		{"malformed permissions", &Request{TenantID: "org-1", Query: "q",
			Filter: map[string]any{"permissions": "not a mapping"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Search(ctx, tc.req)
			require.Error(t, err)
			assert.Equal(t, errors.KindInvalidInput, errors.KindOf(err))
		})
	}
}

func TestSearchDegradesGracefully(t *testing.T) {
	emb := &mapEmbedder{}
	svc, st, _ := newTestService(t, emb)
	seedOrg(t, st, "org-1", accessChunks())

	emb.err = fmt.Errorf("embedder offline")
	resp, err := svc.Search(context.Background(), &Request{TenantID: "org-1", Query: "q"})
	require.NoError(t, err, "dependency failures degrade instead of failing")
	assert.Empty(t, resp.Results)
	assert.NotEmpty(t, resp.Error)
}

func TestSearchBuildsIndexLazily(t *testing.T) {
	emb := &mapEmbedder{}
	svc, st, tenants := newTestService(t, emb)
	seedOrg(t, st, "org-1", accessChunks())

	assert.False(t, tenants.Has("org-1"))
	_, err := svc.Search(context.Background(), &Request{TenantID: "org-1", Query: "q"})
	require.NoError(t, err)
	assert.True(t, tenants.Has("org-1"), "first search builds the index")
}

func TestCheckPermissions(t *testing.T) {
	md := meta.Metadata{meta.KeyAccessLevel: meta.AccessGroup, meta.KeyGroupID: "g1"}
	assert.False(t, CheckPermissions(md, &meta.Permissions{UserRole: meta.RoleMember}))
	assert.True(t, CheckPermissions(md, &meta.Permissions{UserRole: meta.RoleMember, UserGroupIDs: []string{"g1"}}))
	assert.True(t, CheckPermissions(md, &meta.Permissions{UserRole: meta.RoleAdmin}))
	assert.True(t, CheckPermissions(md, nil), "no permission block allows")
}

// scriptedLLM drives the RAG path with canned replies.
type scriptedLLM struct {
	variants  []string
	selection []int
	answer    *llm.Answer
	err       error
}

func (s *scriptedLLM) ChunkSplit(context.Context, string) (string, error)    { return "", s.err }
func (s *scriptedLLM) Contextualize(context.Context, string) (string, error) { return "", s.err }
func (s *scriptedLLM) ExtractMetadata(context.Context, string) (string, error) {
	return "", s.err
}
func (s *scriptedLLM) EnhanceQuery(context.Context, string, []llm.Message) ([]string, error) {
	return s.variants, s.err
}
func (s *scriptedLLM) SelectContext(context.Context, string, []string) ([]int, error) {
	return s.selection, s.err
}
func (s *scriptedLLM) GenerateAnswer(context.Context, string, []string, []llm.Message) (*llm.Answer, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.answer, nil
}

func TestRAGAsk(t *testing.T) {
	emb := &mapEmbedder{}
	svc, st, _ := newTestService(t, emb)
	seedOrg(t, st, "org-1", accessChunks())
	ctx := context.Background()

	t.Run("answers with selected sources", func(t *testing.T) {
		client := &scriptedLLM{
			variants:  []string{"rephrased question"},
			selection: []int{0},
			answer:    &llm.Answer{Answer: "The report says X.", Confidence: 0.8},
		}
		rag := NewRAG(svc, client, nil)

		got, err := rag.Ask(ctx, "org-1", "what does the report say?", map[string]any{
			"permissions": map[string]any{"user_role": "admin"},
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, "The report says X.", got.Answer)
		assert.InDelta(t, 0.8, got.Confidence, 1e-9)
		require.Len(t, got.Sources, 1)
		assert.Equal(t, []string{"what does the report say?", "rephrased question"}, got.Variants)
	})

	t.Run("no hits yields a grounded refusal", func(t *testing.T) {
		client := &scriptedLLM{answer: &llm.Answer{Answer: "unused"}}
		rag := NewRAG(svc, client, nil)

		empty, err := rag.Ask(ctx, "org-empty", "anything", nil, nil)
		require.NoError(t, err)
		assert.Zero(t, empty.Confidence)
		assert.Empty(t, empty.Sources)
		assert.NotEmpty(t, empty.Answer)
	})

	t.Run("empty question is invalid", func(t *testing.T) {
		rag := NewRAG(svc, &scriptedLLM{}, nil)
		_, err := rag.Ask(ctx, "org-1", "", nil, nil)
		require.Error(t, err)
		assert.Equal(t, errors.KindInvalidInput, errors.KindOf(err))
	})
}
