package enrich

import "fmt"

// Embedding-text token limits.
const (
	embeddingTokenLimit    = 8000
	reducedContextCapToken = 200
)

// BuildEmbeddingText assembles the text actually embedded for a chunk:
// the chunk content followed by its situating context, within the token
// limit. On overflow the context is cut to a reduced cap first; if the
// combination still overflows, the chunk is embedded alone.
func BuildEmbeddingText(chunkContent, chunkContext string) string {
	return buildEmbeddingText(chunkContent, chunkContext, embeddingTokenLimit)
}

func buildEmbeddingText(chunkContent, chunkContext string, limit int) string {
	if chunkContext == "" {
		return chunkContent
	}
	combined := fmt.Sprintf("%s\n\nContext: %s", chunkContent, chunkContext)
	if EstimateTokens(combined) <= limit {
		return combined
	}

	reduced := TruncateToTokens(chunkContext, reducedContextCapToken)
	combined = fmt.Sprintf("%s\n\nContext: %s", chunkContent, reduced)
	if EstimateTokens(combined) <= limit {
		return combined
	}
	return chunkContent
}
