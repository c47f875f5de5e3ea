package search

import (
	"context"
	"log/slog"

	"github.com/connexus-ai/searchd/internal/errors"
	"github.com/connexus-ai/searchd/internal/llm"
)

// RAG constants.
const (
	// maxQueryVariants bounds the enhanced-query fan-out per question.
	maxQueryVariants = 3
	// perVariantK is how many hits each query variant retrieves before
	// passage selection.
	perVariantK = 5
)

// RAGAnswer is a generated answer with its supporting passages.
type RAGAnswer struct {
	Answer     string       `json:"answer"`
	Confidence float64      `json:"confidence"`
	Sources    []ResultItem `json:"sources"`
	// Variants are the reformulations actually searched, the original
	// question first.
	Variants []string `json:"variants"`
}

// RAG answers questions over a tenant's documents: reformulate the
// question, search each variant, let the model pick the supporting
// passages, then generate a grounded answer.
type RAG struct {
	svc    *Service
	llm    llm.Client
	logger *slog.Logger
}

// NewRAG creates a RAG orchestrator.
func NewRAG(svc *Service, client llm.Client, logger *slog.Logger) *RAG {
	if logger == nil {
		logger = slog.Default()
	}
	return &RAG{svc: svc, llm: client, logger: logger}
}

// Ask answers one question. Permission filtering applies to retrieval
// exactly as in Service.Search; the model only ever sees passages the
// caller could have retrieved directly.
func (r *RAG) Ask(ctx context.Context, tenantID, question string, filter map[string]any, history []llm.Message) (*RAGAnswer, error) {
	if question == "" {
		return nil, errors.InvalidInput("question is empty")
	}

	variants := r.queryVariants(ctx, question, history)

	seen := make(map[string]bool)
	var hits []ResultItem
	for _, q := range variants {
		resp, err := r.svc.Search(ctx, &Request{
			TenantID: tenantID,
			Query:    q,
			Filter:   filter,
			K:        perVariantK,
		})
		if err != nil {
			return nil, err
		}
		if resp.Error != "" {
			r.logger.Warn("variant search degraded", "query", q, "error", resp.Error)
		}
		for _, item := range resp.Results {
			if seen[item.ChunkID] {
				continue
			}
			seen[item.ChunkID] = true
			hits = append(hits, item)
		}
	}
	if len(hits) == 0 {
		return &RAGAnswer{
			Answer:     "I could not find anything relevant in the available documents.",
			Confidence: 0,
			Sources:    []ResultItem{},
			Variants:   variants,
		}, nil
	}

	selected := r.selectPassages(ctx, question, hits)

	passages := make([]string, len(selected))
	for i, item := range selected {
		passages[i] = item.Content
	}
	ans, err := r.llm.GenerateAnswer(ctx, question, passages, history)
	if err != nil {
		return nil, errors.Dependency(errors.ErrCodeLLMFailed, "answer generation failed", err)
	}
	return &RAGAnswer{
		Answer:     ans.Answer,
		Confidence: ans.Confidence,
		Sources:    selected,
		Variants:   variants,
	}, nil
}

// queryVariants asks the model for reformulations, keeping the original
// question first. Enhancement failures fall back to the question alone.
func (r *RAG) queryVariants(ctx context.Context, question string, history []llm.Message) []string {
	variants := []string{question}
	if r.llm == nil {
		return variants
	}
	extra, err := r.llm.EnhanceQuery(ctx, question, history)
	if err != nil {
		r.logger.Warn("query enhancement failed, using the original question", "error", err)
		return variants
	}
	for _, v := range extra {
		if v == question {
			continue
		}
		variants = append(variants, v)
		if len(variants) == maxQueryVariants {
			break
		}
	}
	return variants
}

// selectPassages narrows the retrieved hits to the ones the model judges
// relevant. Selection failures keep the full hit list.
func (r *RAG) selectPassages(ctx context.Context, question string, hits []ResultItem) []ResultItem {
	if r.llm == nil || len(hits) <= 1 {
		return hits
	}
	candidates := make([]string, len(hits))
	for i, h := range hits {
		candidates[i] = h.Content
	}
	indices, err := r.llm.SelectContext(ctx, question, candidates)
	if err != nil || len(indices) == 0 {
		if err != nil {
			r.logger.Warn("context selection failed, keeping all passages", "error", err)
		}
		return hits
	}
	out := make([]ResultItem, 0, len(indices))
	for _, i := range indices {
		if i >= 0 && i < len(hits) {
			out = append(out, hits[i])
		}
	}
	if len(out) == 0 {
		return hits
	}
	return out
}
