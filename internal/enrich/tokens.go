// Package enrich prepares chunks for embedding: situating context from an
// LLM, structured metadata extraction with a resilient parser, and
// token-budgeted embedding-text assembly.
package enrich

import (
	"strings"

	"github.com/connexus-ai/searchd/internal/chunk"
)

// elisionMarker joins the head and tail of a smart-truncated document.
const elisionMarker = "\n\n[... middle content omitted ...]\n\n"

// wordsPerToken approximates subword tokenization for English prose.
const wordsPerToken = 0.75

// EstimateTokens approximates the token count of text from its word count,
// rounding up.
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return (words*4 + 2) / 3
}

// TruncateToTokens trims text to roughly maxTokens, cutting on word
// boundaries.
func TruncateToTokens(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if EstimateTokens(text) <= maxTokens {
		return text
	}
	words := strings.Fields(text)
	keep := int(float64(maxTokens) * wordsPerToken)
	if keep >= len(words) {
		return text
	}
	if keep < 1 {
		keep = 1
	}
	return strings.Join(words[:keep], " ")
}

// SmartTruncate fits a document into maxTokens by keeping 60% of the budget
// from the beginning and 40% from the end, joined by an elision marker.
// Sections break on sentence boundaries where possible.
func SmartTruncate(document string, maxTokens int) string {
	if document == "" || EstimateTokens(document) <= maxTokens {
		return document
	}

	markerTokens := EstimateTokens(elisionMarker)
	budget := maxTokens - markerTokens
	if budget <= 0 {
		return TruncateToTokens(document, maxTokens)
	}
	headTokens := int(float64(budget) * 0.6)
	tailTokens := budget - headTokens

	sentences := chunk.SplitSentences(document)
	if len(sentences) == 0 {
		return TruncateToTokens(document, maxTokens)
	}

	head := takeSentences(sentences, headTokens, true)
	tail := takeSentences(sentences, tailTokens, false)
	switch {
	case head != "" && tail != "":
		return head + elisionMarker + tail
	case head != "":
		return head
	case tail != "":
		return tail
	default:
		return TruncateToTokens(document, maxTokens)
	}
}

// takeSentences accumulates whole sentences up to the token budget from the
// start or the end of the list.
func takeSentences(sentences []string, budget int, fromStart bool) string {
	var picked []string
	used := 0
	for i := 0; i < len(sentences); i++ {
		idx := i
		if !fromStart {
			idx = len(sentences) - 1 - i
		}
		t := EstimateTokens(sentences[idx])
		if used+t > budget {
			break
		}
		used += t
		if fromStart {
			picked = append(picked, sentences[idx])
		} else {
			picked = append([]string{sentences[idx]}, picked...)
		}
	}
	return strings.Join(picked, " ")
}
