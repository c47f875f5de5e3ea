package chunk

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/connexus-ai/searchd/internal/config"
	"github.com/connexus-ai/searchd/internal/llm"
)

const splitPromptTemplate = `You are an assistant specialized in splitting text into semantically consistent sections.

<instructions>
    <instruction>The text has been divided into chunks, each marked with <|start_chunk_X|> and <|end_chunk_X|> tags, where X is the chunk number</instruction>
    <instruction>Identify points where splits should occur, such that consecutive chunks of similar themes stay together</instruction>
    <instruction>If chunks 1 and 2 belong together but chunk 3 starts a new topic, suggest a split after chunk 2</instruction>
    <instruction>The chunks must be listed in ascending order</instruction>
    <instruction>Provide your response in the form: 'split_after: 3, 5' or 'split_after: none'</instruction>
</instructions>

This is the document text:
<document>
%s
</document>

Respond only with the IDs of the chunks after which a split should occur.`

// Chunker produces retrieval chunks from document text. Output is
// deterministic for a given input text and LLM reply.
type Chunker struct {
	llm      llm.Client
	maxWords int
	logger   *slog.Logger
}

// New creates a chunker. client may be nil, in which case only the
// size-based path runs.
func New(client llm.Client, cfg config.ChunkingConfig, logger *slog.Logger) *Chunker {
	if logger == nil {
		logger = slog.Default()
	}
	maxWords := cfg.MaxChunkWords
	if maxWords <= 0 {
		maxWords = maxSectionWords
	}
	return &Chunker{llm: client, maxWords: maxWords, logger: logger}
}

// ChunkDocument splits text into ordered chunks: pack sentences into
// complexity-sized buckets, ask the LLM for semantic split points between
// buckets, then fall back to the plain buckets when the refinement is
// unusable or produces an oversized section.
func (c *Chunker) ChunkDocument(ctx context.Context, text string) ([]string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	score := ComplexityScore(text)
	target := TargetSize(score)
	buckets := packSentences(SplitSentences(text), target)
	if len(buckets) <= 1 {
		return buckets, nil
	}
	if c.llm == nil {
		return buckets, nil
	}

	reply, err := c.llm.ChunkSplit(ctx, fmt.Sprintf(splitPromptTemplate, wrapBuckets(buckets)))
	if err != nil {
		c.logger.Warn("chunk split refinement failed, using size-based chunks",
			"error", err)
		return buckets, nil
	}

	splits, ok := parseSplitAfter(reply)
	if !ok {
		c.logger.Warn("unparseable split suggestion, using size-based chunks",
			"reply_prefix", prefix(reply, 80))
		return buckets, nil
	}

	sections := assembleSections(buckets, splits)
	for _, s := range sections {
		if wordCount(s) > c.maxWords {
			c.logger.Warn("refined section exceeds word cap, using size-based chunks",
				"words", wordCount(s), "cap", c.maxWords)
			return buckets, nil
		}
	}
	return sections, nil
}

// packSentences greedily fills buckets toward the target word count. A
// bucket closes when the next sentence would push it past the target and it
// already holds at least half the target.
func packSentences(sentences []string, target int) []string {
	var buckets []string
	var cur []string
	curWords := 0

	for _, s := range sentences {
		w := wordCount(s)
		if curWords > 0 && curWords+w > target && curWords >= target/2 {
			buckets = append(buckets, strings.Join(cur, " "))
			cur = cur[:0]
			curWords = 0
		}
		cur = append(cur, s)
		curWords += w
	}
	if len(cur) > 0 {
		buckets = append(buckets, strings.Join(cur, " "))
	}
	return buckets
}

// wrapBuckets renders buckets with chunk delimiters for the split prompt.
func wrapBuckets(buckets []string) string {
	var b strings.Builder
	for i, bucket := range buckets {
		fmt.Fprintf(&b, "<|start_chunk_%d|>\n%s\n<|end_chunk_%d|>\n", i, bucket, i)
	}
	return b.String()
}

// parseSplitAfter extracts the split indices from an LLM reply of the form
// "split_after: 1, 3" or "split_after: none". The second return is false
// when the reply carries no parseable suggestion.
func parseSplitAfter(reply string) ([]int, bool) {
	_, after, found := strings.Cut(reply, "split_after:")
	if !found {
		return nil, false
	}
	after = strings.TrimSpace(after)
	if line, _, ok := strings.Cut(after, "\n"); ok {
		after = strings.TrimSpace(line)
	}
	if strings.EqualFold(after, "none") {
		return nil, true
	}

	var splits []int
	for _, part := range strings.Split(after, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, false
		}
		splits = append(splits, n)
	}
	if len(splits) == 0 {
		return nil, false
	}
	return splits, true
}

// assembleSections concatenates buckets, cutting after each suggested
// index. Out-of-range indices are ignored.
func assembleSections(buckets []string, splits []int) []string {
	splitSet := make(map[int]struct{}, len(splits))
	for _, s := range splits {
		splitSet[s] = struct{}{}
	}

	var sections []string
	var cur []string
	for i, b := range buckets {
		cur = append(cur, b)
		if _, cut := splitSet[i]; cut {
			sections = append(sections, strings.TrimSpace(strings.Join(cur, " ")))
			cur = cur[:0]
		}
	}
	if len(cur) > 0 {
		sections = append(sections, strings.TrimSpace(strings.Join(cur, " ")))
	}
	return sections
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
