package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/connexus-ai/searchd/internal/config"
	"github.com/connexus-ai/searchd/internal/errors"
)

// Ollama implements Client against an Ollama-compatible /api/chat endpoint.
type Ollama struct {
	host        string
	model       string
	temperature float64
	maxTokens   int
	client      *http.Client
	logger      *slog.Logger
	retry       errors.RetryConfig
}

// NewOllama creates a chat client from configuration.
func NewOllama(cfg config.LLMConfig, logger *slog.Logger) *Ollama {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &Ollama{
		host:        cfg.Host,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		client:      &http.Client{Timeout: timeout},
		logger:      logger,
		retry:       errors.DefaultRetryConfig(),
	}
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResponse struct {
	Message Message `json:"message"`
}

// complete sends messages and returns the assistant's reply, retrying on
// transport failures.
func (o *Ollama) complete(ctx context.Context, messages []Message) (string, error) {
	var out string
	err := errors.WithRetry(ctx, o.retry, func() error {
		reply, err := o.chat(ctx, messages)
		if err != nil {
			return err
		}
		out = reply
		return nil
	})
	return out, err
}

func (o *Ollama) chat(ctx context.Context, messages []Message) (string, error) {
	opts := map[string]any{"temperature": o.temperature}
	if o.maxTokens > 0 {
		opts["num_predict"] = o.maxTokens
	}
	body, err := json.Marshal(chatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   false,
		Options:  opts,
	})
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeLLMFailed, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.host+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeLLMFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeLLMFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", errors.Newf(errors.ErrCodeLLMFailed, "llm returned %d: %s", resp.StatusCode, msg)
	}
	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", errors.Wrap(errors.ErrCodeLLMFailed, err)
	}
	return cr.Message.Content, nil
}

func (o *Ollama) prompt(ctx context.Context, system, user string) (string, error) {
	msgs := []Message{}
	if system != "" {
		msgs = append(msgs, Message{Role: "system", Content: system})
	}
	msgs = append(msgs, Message{Role: "user", Content: user})
	return o.complete(ctx, msgs)
}

func (o *Ollama) ChunkSplit(ctx context.Context, prompt string) (string, error) {
	return o.prompt(ctx,
		"You segment documents. Reply only with the requested split_after line.",
		prompt)
}

func (o *Ollama) Contextualize(ctx context.Context, prompt string) (string, error) {
	return o.prompt(ctx,
		"You write short situating context for document excerpts. Reply with 2-3 sentences and nothing else.",
		prompt)
}

func (o *Ollama) ExtractMetadata(ctx context.Context, prompt string) (string, error) {
	return o.prompt(ctx,
		"You extract structured metadata. Reply only with a JSON object.",
		prompt)
}

// EnhanceQuery asks for alternative phrasings, one per line.
func (o *Ollama) EnhanceQuery(ctx context.Context, query string, history []Message) ([]string, error) {
	msgs := append([]Message{{
		Role: "system",
		Content: "Rewrite the user's search query into up to 3 alternative phrasings " +
			"that could match relevant documents. One phrasing per line, no numbering.",
	}}, history...)
	msgs = append(msgs, Message{Role: "user", Content: query})

	reply, err := o.complete(ctx, msgs)
	if err != nil {
		return nil, err
	}
	variants := []string{query}
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
		if line != "" && !strings.EqualFold(line, query) {
			variants = append(variants, line)
		}
	}
	return variants, nil
}

var indexListRe = regexp.MustCompile(`\d+`)

// SelectContext asks which numbered candidates answer the query and parses
// the index list from the reply.
func (o *Ollama) SelectContext(ctx context.Context, query string, candidates []string) ([]int, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nPassages:\n", query)
	for i, c := range candidates {
		fmt.Fprintf(&b, "[%d] %s\n", i, c)
	}
	b.WriteString("\nReply with the passage numbers that help answer the question, comma separated.")

	reply, err := o.prompt(ctx,
		"You select relevant passages. Reply only with comma-separated numbers.",
		b.String())
	if err != nil {
		return nil, err
	}

	seen := make(map[int]struct{})
	var out []int
	for _, m := range indexListRe.FindAllString(reply, -1) {
		i, err := strconv.Atoi(m)
		if err != nil || i < 0 || i >= len(candidates) {
			continue
		}
		if _, dup := seen[i]; dup {
			continue
		}
		seen[i] = struct{}{}
		out = append(out, i)
	}
	return out, nil
}

var confidenceRe = regexp.MustCompile(`(?i)confidence:\s*([0-9]*\.?[0-9]+)`)

// GenerateAnswer produces the final answer, parsing a trailing
// "confidence: x" line when the model emits one.
func (o *Ollama) GenerateAnswer(ctx context.Context, query string, selected []string, history []Message) (*Answer, error) {
	var b strings.Builder
	b.WriteString("Answer the question using only the context below. " +
		"End with a line `confidence: <0..1>`.\n\nContext:\n")
	for _, s := range selected {
		b.WriteString(s)
		b.WriteString("\n---\n")
	}
	fmt.Fprintf(&b, "\nQuestion: %s", query)

	msgs := append([]Message{}, history...)
	msgs = append(msgs, Message{Role: "user", Content: b.String()})
	reply, err := o.complete(ctx, msgs)
	if err != nil {
		return nil, err
	}

	ans := &Answer{Answer: reply, Confidence: 0.5}
	if m := confidenceRe.FindStringSubmatch(reply); m != nil {
		if c, err := strconv.ParseFloat(m[1], 64); err == nil && c >= 0 && c <= 1 {
			ans.Confidence = c
			ans.Answer = strings.TrimSpace(confidenceRe.ReplaceAllString(reply, ""))
		}
	}
	return ans, nil
}

var _ Client = (*Ollama)(nil)
