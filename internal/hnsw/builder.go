package hnsw

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/connexus-ai/searchd/internal/errors"
	"github.com/connexus-ai/searchd/internal/meta"
)

// BuildItem is one chunk to index during a batch build.
type BuildItem struct {
	ChunkID    string
	DocumentID string
	Vector     []float32
	Metadata   meta.Metadata
}

// BuildResult summarizes a batch build. Per-item insert failures are
// collected as warnings; the build continues past them.
type BuildResult struct {
	Inserted int
	Skipped  int
	Warnings []string
}

// Builder constructs an index from a batch of items, used on tenant cold
// start.
type Builder struct {
	params   Params
	logger   *slog.Logger
	progress func(done, total int)
	// ProgressEvery controls progress callback cadence; 0 means every 100.
	ProgressEvery int
}

// NewBuilder creates a builder with the given construction parameters.
func NewBuilder(params Params, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{params: params, logger: logger}
}

// OnProgress installs a progress callback invoked every ProgressEvery
// inserts and once at completion.
func (b *Builder) OnProgress(fn func(done, total int)) {
	b.progress = fn
}

// Build inserts all items sequentially into a fresh index for the tenant.
// The context is checked between inserts.
func (b *Builder) Build(ctx context.Context, tenantID string, items []BuildItem) (*Index, *BuildResult, error) {
	ix := New(tenantID, b.params)
	res, err := b.BuildInto(ctx, ix, items)
	if err != nil {
		return nil, nil, err
	}
	return ix, res, nil
}

// BuildInto inserts items into an existing index.
func (b *Builder) BuildInto(ctx context.Context, ix *Index, items []BuildItem) (*BuildResult, error) {
	every := b.ProgressEvery
	if every <= 0 {
		every = 100
	}
	res := &BuildResult{}
	total := len(items)

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(errors.ErrCodeCancelled, err)
		}
		if err := ix.Insert(item.ChunkID, item.DocumentID, item.Vector, item.Metadata); err != nil {
			res.Skipped++
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("insert %s: %v", item.ChunkID, err))
			b.logger.Warn("batch insert failed, skipping chunk",
				"tenant_id", ix.TenantID(),
				"chunk_id", item.ChunkID,
				"error", err)
			continue
		}
		res.Inserted++
		if b.progress != nil && (i+1)%every == 0 {
			b.progress(i+1, total)
		}
	}
	if b.progress != nil {
		b.progress(total, total)
	}
	return res, nil
}

// ValidationReport is the result of a structural index check.
type ValidationReport struct {
	OK       bool           `json:"ok"`
	Issues   []string       `json:"issues"`
	Warnings []string       `json:"warnings"`
	Stats    map[string]any `json:"stats"`
}

// Validate checks the structural invariants of the graph: layer membership,
// edge symmetry, entry point placement, and dangling neighbor ids.
func (ix *Index) Validate() *ValidationReport {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	rep := &ValidationReport{OK: true}
	addIssue := func(format string, args ...any) {
		rep.OK = false
		rep.Issues = append(rep.Issues, fmt.Sprintf(format, args...))
	}

	// Layer membership both ways.
	for id, n := range ix.nodes {
		if n.maxLayer > ix.maxLayer {
			addIssue("node %d max_layer %d exceeds index max_layer %d", id, n.maxLayer, ix.maxLayer)
		}
		for l := 0; l <= n.maxLayer && l < len(ix.layers); l++ {
			if _, ok := ix.layers[l][id]; !ok {
				addIssue("node %d missing from layer %d member set", id, l)
			}
		}
	}
	for l, members := range ix.layers {
		for id := range members {
			n, ok := ix.nodes[id]
			if !ok {
				addIssue("layer %d contains unknown node %d", l, id)
				continue
			}
			if l > n.maxLayer {
				addIssue("node %d in layer %d above its max_layer %d", id, l, n.maxLayer)
			}
		}
	}

	// Edge symmetry and dangling ids.
	orphaned := 0
	for id, n := range ix.nodes {
		if len(n.edges[0]) == 0 && len(ix.nodes) > 1 {
			orphaned++
			rep.Warnings = append(rep.Warnings, fmt.Sprintf("node %d has no layer-0 neighbors", id))
		}
		for l := 0; l <= n.maxLayer; l++ {
			for nbID := range n.edges[l] {
				nb, ok := ix.nodes[nbID]
				if !ok {
					addIssue("node %d layer %d references unknown neighbor %d", id, l, nbID)
					continue
				}
				if l > nb.maxLayer || !nb.hasEdge(l, id) {
					addIssue("asymmetric edge %d->%d at layer %d", id, nbID, l)
				}
			}
		}
	}

	// Entry point.
	if ix.hasEntry {
		ep, ok := ix.nodes[ix.entryPoint]
		if !ok {
			addIssue("entry point %d is not a known node", ix.entryPoint)
		} else if ep.maxLayer != ix.maxLayer {
			addIssue("entry point max_layer %d != index max_layer %d", ep.maxLayer, ix.maxLayer)
		}
	} else if len(ix.nodes) > 0 {
		addIssue("index has %d nodes but no entry point", len(ix.nodes))
	}

	layerCounts := make([]int, len(ix.layers))
	for l, members := range ix.layers {
		layerCounts[l] = len(members)
	}
	rep.Stats = map[string]any{
		"node_count":     len(ix.nodes),
		"live_count":     ix.sizeLive,
		"max_layer":      ix.maxLayer,
		"orphaned_nodes": orphaned,
		"layer_counts":   layerCounts,
	}
	return rep
}
