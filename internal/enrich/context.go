package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/connexus-ai/searchd/internal/chunk"
	"github.com/connexus-ai/searchd/internal/llm"
)

const contextPromptTemplate = `<document>
%s
</document>

Here is the chunk we want to situate within the whole document:
<chunk>
%s
</chunk>

Please give a short succinct context (2-3 sentences) to situate this chunk
within the overall document for the purposes of improving search retrieval
of the chunk. Answer only with the succinct context and nothing else.`

// documentBudgetTokens bounds the document text included in a context
// prompt.
const documentBudgetTokens = 6000

// contextCapTokens bounds the generated context itself.
const contextCapTokens = 300

// ContextGenerator produces per-chunk situating context used as additional
// embedding text.
type ContextGenerator struct {
	llm    llm.Client
	logger *slog.Logger
}

// NewContextGenerator creates a generator. client may be nil; every chunk
// then gets the synthetic fallback context.
func NewContextGenerator(client llm.Client, logger *slog.Logger) *ContextGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextGenerator{llm: client, logger: logger}
}

// Generate returns a short context situating chunkText within document.
// LLM failure degrades to a one-sentence synthetic context; this method
// never fails.
func (g *ContextGenerator) Generate(ctx context.Context, chunkText, document string) string {
	if g.llm == nil {
		return syntheticContext(chunkText)
	}
	doc := SmartTruncate(document, documentBudgetTokens)
	reply, err := g.llm.Contextualize(ctx, fmt.Sprintf(contextPromptTemplate, doc, chunkText))
	if err != nil {
		g.logger.Warn("context generation failed, using synthetic context", "error", err)
		return syntheticContext(chunkText)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return syntheticContext(chunkText)
	}
	return TruncateToTokens(reply, contextCapTokens)
}

// syntheticContext derives a minimal context from the chunk's first
// sentence.
func syntheticContext(chunkText string) string {
	sentences := chunk.SplitSentences(chunkText)
	if len(sentences) == 0 {
		return "This chunk is part of a larger document."
	}
	first := TruncateToTokens(sentences[0], 40)
	return fmt.Sprintf("This chunk discusses: %s", first)
}
