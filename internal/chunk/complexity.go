// Package chunk turns document text into an ordered sequence of retrieval
// chunks: complexity-adaptive sentence packing refined by LLM-suggested
// split points, with a pure size-based fallback.
package chunk

import "strings"

// Word-count targets by complexity band.
const (
	targetDense  = 300
	targetMedium = 500
	targetLight  = 700

	// maxSectionWords is the hard cap; any larger section forces the
	// size-based fallback.
	maxSectionWords = 2000
)

const punctChars = ";:(){}[]"

// ComplexityScore rates text in [0, 1] from lexical density, average
// sentence length, and structural punctuation frequency.
func ComplexityScore(text string) float64 {
	words := strings.Fields(text)
	if len(words) == 0 {
		return 0
	}

	unique := make(map[string]struct{}, len(words))
	for _, w := range words {
		unique[strings.ToLower(w)] = struct{}{}
	}
	lexicalDensity := float64(len(unique)) / float64(len(words))

	sentences := SplitSentences(text)
	avgSentenceWords := float64(len(words))
	if len(sentences) > 0 {
		avgSentenceWords = float64(len(words)) / float64(len(sentences))
	}
	sentenceComplexity := avgSentenceWords / 20.0
	if sentenceComplexity > 1 {
		sentenceComplexity = 1
	}

	punct := 0
	for _, r := range text {
		if strings.ContainsRune(punctChars, r) {
			punct++
		}
	}
	punctComplexity := float64(punct) / float64(len(words)) * 100.0
	if punctComplexity > 1 {
		punctComplexity = 1
	}

	return 0.4*lexicalDensity + 0.4*sentenceComplexity + 0.2*punctComplexity
}

// TargetSize maps a complexity score to a chunk word target: denser text
// gets smaller chunks.
func TargetSize(score float64) int {
	switch {
	case score >= 0.7:
		return targetDense
	case score >= 0.4:
		return targetMedium
	default:
		return targetLight
	}
}

// SplitSentences segments text into sentences. A sentence ends at '.', '!'
// or '?' followed by whitespace, or at a blank line.
func SplitSentences(text string) []string {
	var sentences []string
	var b strings.Builder

	flush := func() {
		s := strings.TrimSpace(b.String())
		if s != "" {
			sentences = append(sentences, s)
		}
		b.Reset()
	}

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		b.WriteRune(r)
		switch r {
		case '.', '!', '?':
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t' || runes[i+1] == '\r' {
				flush()
			}
		case '\n':
			// Blank line ends a sentence even without terminal punctuation.
			if i+1 < len(runes) && runes[i+1] == '\n' {
				flush()
			}
		}
	}
	flush()
	return sentences
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
