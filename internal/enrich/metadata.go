package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/connexus-ai/searchd/internal/llm"
)

const metadataPromptTemplate = `Analyze the following text and extract structured metadata.

<instructions>
    <instruction>Extract up to 10 relevant keywords that capture the main concepts</instruction>
    <instruction>Identify up to 5 high-level topics or themes</instruction>
    <instruction>Extract up to 20 named entities (people, organizations, locations, products)</instruction>
    <instruction>Classify the document type (e.g. report, contract, email, manual)</instruction>
    <instruction>Be concise - keywords should be 1-3 words, topics should be brief phrases</instruction>
</instructions>

Respond only with JSON in this exact format:
{
    "keywords": ["keyword1", "keyword2"],
    "topics": ["topic1", "topic2"],
    "entities": ["entity1", "entity2"],
    "document_type": "type"
}

Text:
%s`

// Limits on extracted list lengths.
const (
	maxKeywords = 10
	maxTopics   = 5
	maxEntities = 20
)

// ChunkMetadata is the structured description of one chunk.
type ChunkMetadata struct {
	Keywords     []string `json:"keywords"`
	Topics       []string `json:"topics"`
	Entities     []string `json:"entities"`
	DocumentType string   `json:"document_type"`
}

// defaultMetadata is used when extraction fails entirely.
func defaultMetadata() *ChunkMetadata {
	return &ChunkMetadata{
		Keywords:     []string{},
		Topics:       []string{},
		Entities:     []string{},
		DocumentType: "unknown",
	}
}

// MetadataExtractor asks the LLM to describe chunks and parses the reply
// defensively.
type MetadataExtractor struct {
	llm    llm.Client
	logger *slog.Logger
}

// NewMetadataExtractor creates an extractor. client may be nil; extraction
// then always yields defaults.
func NewMetadataExtractor(client llm.Client, logger *slog.Logger) *MetadataExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &MetadataExtractor{llm: client, logger: logger}
}

// Extract returns structured metadata for chunkText. Failures degrade to
// empty lists with document_type "unknown"; this method never fails.
func (e *MetadataExtractor) Extract(ctx context.Context, chunkText string) *ChunkMetadata {
	if e.llm == nil {
		return defaultMetadata()
	}
	reply, err := e.llm.ExtractMetadata(ctx, fmt.Sprintf(metadataPromptTemplate, chunkText))
	if err != nil {
		e.logger.Warn("metadata extraction failed, using defaults", "error", err)
		return defaultMetadata()
	}
	return ParseMetadataReply(reply)
}

// ParseMetadataReply recovers a ChunkMetadata from a model reply: strip
// code fences, try the outermost JSON object, then fall back to per-key
// regex scraping, then to defaults.
func ParseMetadataReply(reply string) *ChunkMetadata {
	cleaned := stripCodeFences(reply)

	if obj := outermostObject(cleaned); obj != "" {
		var md ChunkMetadata
		if err := json.Unmarshal([]byte(obj), &md); err == nil {
			return clampMetadata(&md)
		}
	}
	if md := scrapeMetadata(cleaned); md != nil {
		return clampMetadata(md)
	}
	return defaultMetadata()
}

var fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

func stripCodeFences(s string) string {
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(s)
}

// outermostObject returns the text between the first '{' and the last '}'.
func outermostObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

var (
	keywordsRe = regexp.MustCompile(`(?i)"keywords"\s*:\s*\[([^\]]*)\]`)
	topicsRe   = regexp.MustCompile(`(?i)"topics"\s*:\s*\[([^\]]*)\]`)
	entitiesRe = regexp.MustCompile(`(?i)"entities"\s*:\s*\[([^\]]*)\]`)
	docTypeRe  = regexp.MustCompile(`(?i)"document_type"\s*:\s*"([^"]*)"`)
	quotedRe   = regexp.MustCompile(`"([^"]*)"`)
)

// scrapeMetadata extracts fields individually when the object as a whole
// does not parse. Returns nil when nothing at all was found.
func scrapeMetadata(s string) *ChunkMetadata {
	md := defaultMetadata()
	found := false

	scrapeList := func(re *regexp.Regexp) []string {
		m := re.FindStringSubmatch(s)
		if m == nil {
			return nil
		}
		found = true
		var items []string
		for _, q := range quotedRe.FindAllStringSubmatch(m[1], -1) {
			if v := strings.TrimSpace(q[1]); v != "" {
				items = append(items, v)
			}
		}
		return items
	}

	if items := scrapeList(keywordsRe); items != nil {
		md.Keywords = items
	}
	if items := scrapeList(topicsRe); items != nil {
		md.Topics = items
	}
	if items := scrapeList(entitiesRe); items != nil {
		md.Entities = items
	}
	if m := docTypeRe.FindStringSubmatch(s); m != nil {
		found = true
		md.DocumentType = m[1]
	}
	if !found {
		return nil
	}
	return md
}

// clampMetadata enforces list limits and fills zero values.
func clampMetadata(md *ChunkMetadata) *ChunkMetadata {
	if md.Keywords == nil {
		md.Keywords = []string{}
	}
	if md.Topics == nil {
		md.Topics = []string{}
	}
	if md.Entities == nil {
		md.Entities = []string{}
	}
	if md.DocumentType == "" {
		md.DocumentType = "unknown"
	}
	if len(md.Keywords) > maxKeywords {
		md.Keywords = md.Keywords[:maxKeywords]
	}
	if len(md.Topics) > maxTopics {
		md.Topics = md.Topics[:maxTopics]
	}
	if len(md.Entities) > maxEntities {
		md.Entities = md.Entities[:maxEntities]
	}
	return md
}
