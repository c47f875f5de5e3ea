// Package llm provides the chat-model client used for chunk split
// refinement, chunk contextualization, metadata extraction, and the RAG
// answer path. All calls retry with exponential backoff.
package llm

import "context"

// Message is one turn of chat history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Answer is a generated response with the model's self-reported confidence
// in [0, 1].
type Answer struct {
	Answer     string  `json:"answer"`
	Confidence float64 `json:"confidence"`
}

// Client is the chat-model interface consumed by the chunking, enrichment,
// and retrieval layers.
type Client interface {
	// ChunkSplit returns the model's split-point suggestion for a
	// delimiter-wrapped document.
	ChunkSplit(ctx context.Context, prompt string) (string, error)

	// Contextualize returns 2-3 sentences situating a chunk in its
	// document.
	Contextualize(ctx context.Context, prompt string) (string, error)

	// ExtractMetadata returns a JSON object describing a chunk.
	ExtractMetadata(ctx context.Context, prompt string) (string, error)

	// EnhanceQuery returns alternative phrasings of a search query.
	EnhanceQuery(ctx context.Context, query string, history []Message) ([]string, error)

	// SelectContext returns the indices of the candidate passages worth
	// answering from.
	SelectContext(ctx context.Context, query string, candidates []string) ([]int, error)

	// GenerateAnswer produces the final answer over the selected passages.
	GenerateAnswer(ctx context.Context, query string, selected []string, history []Message) (*Answer, error)
}
