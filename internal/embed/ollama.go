package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/connexus-ai/searchd/internal/config"
	"github.com/connexus-ai/searchd/internal/errors"
)

// OllamaEmbedder calls an Ollama-compatible /api/embed endpoint.
type OllamaEmbedder struct {
	host      string
	model     string
	batchSize int
	client    *http.Client
	logger    *slog.Logger
	retry     errors.RetryConfig

	mu   sync.RWMutex
	dims int
}

// NewOllama creates an embedder from configuration. When cfg.Dimensions is
// zero, the dimension is learned from the first response.
func NewOllama(cfg config.EmbeddingsConfig, logger *slog.Logger) *OllamaEmbedder {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 32
	}
	return &OllamaEmbedder{
		host:      cfg.Host,
		model:     cfg.Model,
		batchSize: batch,
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
		retry:     errors.DefaultRetryConfig(),
		dims:      cfg.Dimensions,
	}
}

// Dimensions returns the vector dimension, 0 until the first call.
func (o *OllamaEmbedder) Dimensions() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.dims
}

// Embed returns the embedding for a single text.
func (o *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in configured-size batches, preserving order.
// Empty strings map to zero vectors without hitting the API.
func (o *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))

	// Collect the non-empty inputs; empties are filled in afterwards once
	// the dimension is known.
	var pending []string
	var pendingIdx []int
	for i, t := range texts {
		if t == "" {
			continue
		}
		pending = append(pending, t)
		pendingIdx = append(pendingIdx, i)
	}

	for start := 0; start < len(pending); start += o.batchSize {
		end := start + o.batchSize
		if end > len(pending) {
			end = len(pending)
		}
		vecs, err := o.embedOnce(ctx, pending[start:end])
		if err != nil {
			return nil, err
		}
		for j, v := range vecs {
			normalizeInPlace(v)
			out[pendingIdx[start+j]] = v
		}
	}

	dims := o.Dimensions()
	for i, t := range texts {
		if t == "" {
			out[i] = make([]float32, dims)
		}
	}
	return out, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// embedOnce performs one API call with retry.
func (o *OllamaEmbedder) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	var result [][]float32
	err := errors.WithRetry(ctx, o.retry, func() error {
		vecs, err := o.call(ctx, texts)
		if err != nil {
			return err
		}
		result = vecs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (o *OllamaEmbedder) call(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: o.model, Input: texts})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeEmbedderFailed, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.host+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeEmbedderFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeEmbedderFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Newf(errors.ErrCodeEmbedderFailed,
			"embedder returned %d: %s", resp.StatusCode, msg)
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, errors.Wrap(errors.ErrCodeEmbedderFailed, err)
	}
	if len(er.Embeddings) != len(texts) {
		return nil, errors.Newf(errors.ErrCodeEmbedderFailed,
			"embedder returned %d vectors for %d inputs", len(er.Embeddings), len(texts))
	}

	if len(er.Embeddings) > 0 {
		o.recordDims(len(er.Embeddings[0]))
	}
	for i, v := range er.Embeddings {
		if len(v) != o.Dimensions() {
			return nil, errors.Newf(errors.ErrCodeEmbedderFailed,
				"vector %d has dimension %d, expected %d", i, len(v), o.Dimensions())
		}
	}
	return er.Embeddings, nil
}

func (o *OllamaEmbedder) recordDims(d int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.dims == 0 {
		o.dims = d
		o.logger.Info("embedding dimension detected", "dimensions", d, "model", o.model)
	}
}

var _ Embedder = (*OllamaEmbedder)(nil)

// String describes the embedder for logs.
func (o *OllamaEmbedder) String() string {
	return fmt.Sprintf("ollama(%s)", o.model)
}
