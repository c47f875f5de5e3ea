package hnsw

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/connexus-ai/searchd/internal/errors"
	"github.com/connexus-ai/searchd/internal/meta"
)

// Params controls graph construction.
type Params struct {
	// M is the maximum out-degree at layers >= 1. Layer 0 allows 2*M.
	M int
	// EfConstruction is the beam width during insertion.
	EfConstruction int
	// EfSearch is the default query beam width; 0 means
	// max(EfConstruction, k) per query.
	EfSearch int
	// Seed seeds the level RNG when non-zero, for deterministic builds.
	Seed int64
}

// DefaultParams returns the standard construction parameters.
func DefaultParams() Params {
	return Params{M: 16, EfConstruction: 200}
}

func (p Params) mmax0() int { return 2 * p.M }

// levelMultiplier is mL = 1/ln(2).
const levelMultiplier = 1.4426950408889634

// DenialEvent records a group-access denial observed during search.
type DenialEvent struct {
	TenantID   string
	UserID     string
	QueryText  string
	ChunkID    string
	DocumentID string
	GroupID    string
	Similarity float64
	Timestamp  time.Time
}

// DenialFunc receives denial events. Implementations must not block; the
// search path calls it synchronously.
type DenialFunc func(DenialEvent)

// Result is one search hit.
type Result struct {
	ChunkID    string
	DocumentID string
	Distance   float32
	Score      float64
	Metadata   meta.Metadata
}

// SearchOptions tunes a single query.
type SearchOptions struct {
	// Ef overrides the beam width; 0 applies the index default.
	Ef int
	// Filter is applied to layer-0 candidates after traversal.
	Filter *meta.Filter
	// QueryText and UserID, when both set, enable denial observation.
	QueryText string
	UserID    string
}

// Index is a single-tenant HNSW graph. All exported methods are safe for
// concurrent use.
type Index struct {
	mu sync.RWMutex

	tenantID string
	params   Params
	dim      int

	nodes   map[uint64]*node
	byChunk map[string]uint64
	layers  []map[uint64]struct{}

	entryPoint uint64
	hasEntry   bool
	maxLayer   int

	nextID   uint64
	sizeLive int

	rng      *rand.Rand
	onDenial DenialFunc
}

// New creates an empty index for a tenant. Zero-valued params fields get
// defaults; M is clamped to [4, 64].
func New(tenantID string, params Params) *Index {
	if params.M == 0 {
		params.M = 16
	}
	if params.M < 4 {
		params.M = 4
	}
	if params.M > 64 {
		params.M = 64
	}
	if params.EfConstruction == 0 {
		params.EfConstruction = 200
	}
	seed := params.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Index{
		tenantID: tenantID,
		params:   params,
		nodes:    make(map[uint64]*node),
		byChunk:  make(map[string]uint64),
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// SetDenialSink installs the denial observer. Passing nil disables
// observation.
func (ix *Index) SetDenialSink(fn DenialFunc) {
	ix.mu.Lock()
	ix.onDenial = fn
	ix.mu.Unlock()
}

// TenantID returns the owning tenant.
func (ix *Index) TenantID() string { return ix.tenantID }

// Params returns the construction parameters.
func (ix *Index) Params() Params { return ix.params }

// Dimension returns the vector dimension, or 0 before the first insert.
func (ix *Index) Dimension() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.dim
}

// SizeTotal returns the total node count including soft-deleted nodes.
func (ix *Index) SizeTotal() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.nodes)
}

// SizeLive returns the count of non-deleted nodes.
func (ix *Index) SizeLive() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.sizeLive
}

// DocumentCount returns the number of distinct documents among live nodes.
func (ix *Index) DocumentCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	docs := make(map[string]struct{})
	for _, n := range ix.nodes {
		if n.deleted {
			continue
		}
		docs[n.documentID] = struct{}{}
	}
	return len(docs)
}

// Has reports whether a chunk is indexed (soft-deleted chunks count).
func (ix *Index) Has(chunkID string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.byChunk[chunkID]
	return ok
}

// selectLevel draws the layer for a new node: floor(-ln(U) * mL).
func (ix *Index) selectLevel() int {
	u := ix.rng.Float64()
	for u == 0 {
		u = ix.rng.Float64()
	}
	return int(math.Floor(-math.Log(u) * levelMultiplier))
}

// Insert adds a vector under chunkID. Re-inserting an existing chunkID
// atomically replaces the prior node. The first insert fixes the index
// dimension; later inserts with a different dimension fail.
func (ix *Index) Insert(chunkID, documentID string, vector []float32, md meta.Metadata) error {
	if chunkID == "" {
		return errors.InvalidInput("chunk id must not be empty")
	}
	if len(vector) == 0 {
		return errors.InvalidInput("vector must not be empty")
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.dim == 0 {
		ix.dim = len(vector)
	} else if len(vector) != ix.dim {
		return errors.DimensionMismatch(ix.dim, len(vector))
	}

	// Replace semantics: the old node is fully unwired before the new one
	// is inserted. Dimension was validated above, so insertion below
	// cannot fail and no rollback is needed.
	if oldID, ok := ix.byChunk[chunkID]; ok {
		ix.removeLocked(oldID)
	}

	level := ix.selectLevel()
	id := ix.nextID
	ix.nextID++
	n := newNode(id, chunkID, documentID, vector, md, level)

	ix.insertNodeLocked(n)
	return nil
}

// insertNodeLocked wires a fully-constructed node into the graph.
// Caller holds the write lock; the node's dimension matches ix.dim.
func (ix *Index) insertNodeLocked(n *node) {
	ix.nodes[n.id] = n
	ix.byChunk[n.chunkID] = n.id
	ix.sizeLive++

	for len(ix.layers) <= n.maxLayer {
		ix.layers = append(ix.layers, make(map[uint64]struct{}))
	}
	for l := 0; l <= n.maxLayer; l++ {
		ix.layers[l][n.id] = struct{}{}
	}

	if !ix.hasEntry {
		ix.entryPoint = n.id
		ix.hasEntry = true
		ix.maxLayer = n.maxLayer
		return
	}

	// Greedy descent from the top down to just above the new node's level.
	ep := []distEntry{{dist: ix.nodes[ix.entryPoint].distanceTo(n), id: ix.entryPoint}}
	for l := ix.maxLayer; l > n.maxLayer; l-- {
		ep = ix.searchLayer(n.vector, ep, 1, l)
	}

	// Beam search plus diversity selection per layer.
	for l := min(n.maxLayer, ix.maxLayer); l >= 0; l-- {
		candidates := ix.searchLayer(n.vector, ep, ix.params.EfConstruction, l)
		mLayer := ix.params.M
		if l == 0 {
			mLayer = ix.params.mmax0()
		}
		selected := ix.selectNeighbors(candidates, mLayer)
		for _, s := range selected {
			other := ix.nodes[s.id]
			n.addEdge(l, other.id)
			other.addEdge(l, n.id)
			ix.pruneLocked(other, l)
		}
		ep = candidates
	}

	if n.maxLayer > ix.maxLayer {
		ix.maxLayer = n.maxLayer
		ix.entryPoint = n.id
	}
}

// searchLayer is the beam search over one layer. Entry points arrive as
// (dist, id) pairs; the return is ascending by distance, at most ef entries.
// Caller holds at least the read lock.
func (ix *Index) searchLayer(q []float32, entries []distEntry, ef, layer int) []distEntry {
	visited := make(map[uint64]struct{}, ef*4)
	candidates := make(minDistHeap, 0, ef)
	results := make(maxDistHeap, 0, ef)

	for _, e := range entries {
		if _, ok := visited[e.id]; ok {
			continue
		}
		visited[e.id] = struct{}{}
		pushMin(&candidates, e)
		pushMax(&results, e)
	}
	for results.Len() > ef {
		popMax(&results)
	}

	for candidates.Len() > 0 {
		cur := popMin(&candidates)
		if results.Len() >= ef && cur.dist > results[0].dist {
			break
		}
		curNode := ix.nodes[cur.id]
		if curNode == nil || layer > curNode.maxLayer {
			continue
		}
		for nbID := range curNode.edges[layer] {
			if _, ok := visited[nbID]; ok {
				continue
			}
			visited[nbID] = struct{}{}
			nb := ix.nodes[nbID]
			if nb == nil {
				continue
			}
			d := cosineDistance(q, nb.vector)
			if results.Len() < ef || d < results[0].dist {
				pushMin(&candidates, distEntry{dist: d, id: nbID})
				pushMax(&results, distEntry{dist: d, id: nbID})
				if results.Len() > ef {
					popMax(&results)
				}
			}
		}
	}

	out := make([]distEntry, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = popMax(&results)
	}
	return out
}

// selectNeighbors applies the diversity heuristic: take the closest pending
// candidate, then keep only candidates closer to the query than to it.
// Pruned candidates backfill in distance order when fewer than m survive.
func (ix *Index) selectNeighbors(candidates []distEntry, m int) []distEntry {
	if len(candidates) <= m {
		return candidates
	}

	selected := make([]distEntry, 0, m)
	pruned := make([]distEntry, 0, len(candidates))
	pending := append([]distEntry(nil), candidates...)

	for len(pending) > 0 && len(selected) < m {
		c := pending[0]
		pending = pending[1:]
		selected = append(selected, c)
		cn := ix.nodes[c.id]

		kept := pending[:0:len(pending)]
		for _, r := range pending {
			rn := ix.nodes[r.id]
			if r.dist < cn.distanceTo(rn) {
				kept = append(kept, r)
			} else {
				pruned = append(pruned, r)
			}
		}
		pending = kept
	}

	for _, r := range pruned {
		if len(selected) >= m {
			break
		}
		selected = append(selected, r)
	}
	return selected
}

// pruneLocked re-selects n's layer neighbors when the degree cap is
// exceeded, removing dropped edges symmetrically.
func (ix *Index) pruneLocked(n *node, layer int) {
	limit := ix.params.M
	if layer == 0 {
		limit = ix.params.mmax0()
	}
	if len(n.edges[layer]) <= limit {
		return
	}

	current := make([]distEntry, 0, len(n.edges[layer]))
	for nbID := range n.edges[layer] {
		current = append(current, distEntry{dist: n.distanceTo(ix.nodes[nbID]), id: nbID})
	}
	sort.Slice(current, func(i, j int) bool { return current[i].dist < current[j].dist })

	keep := ix.selectNeighbors(current, limit)
	keepSet := make(map[uint64]struct{}, len(keep))
	for _, e := range keep {
		keepSet[e.id] = struct{}{}
	}
	for nbID := range n.edges[layer] {
		if _, ok := keepSet[nbID]; ok {
			continue
		}
		n.removeEdge(layer, nbID)
		ix.nodes[nbID].removeEdge(layer, n.id)
	}
}

// Search returns up to k nearest live chunks to q. The filter is evaluated
// over the widened layer-0 candidate set after traversal; group denials are
// reported to the denial sink when query text and user id are supplied.
func (ix *Index) Search(ctx context.Context, q []float32, k int, opts SearchOptions) ([]Result, error) {
	if k <= 0 {
		return nil, errors.InvalidInput("k must be positive")
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if !ix.hasEntry || ix.sizeLive == 0 {
		return nil, nil
	}
	if len(q) != ix.dim {
		return nil, errors.DimensionMismatch(ix.dim, len(q))
	}

	ef := opts.Ef
	if ef == 0 {
		ef = ix.params.EfSearch
	}
	if ef == 0 {
		ef = max(ix.params.EfConstruction, k)
	}
	if ef < k {
		ef = k
	}
	// Widen the layer-0 scan when filtering so post-filter counts stay
	// useful; filtering during expansion severs graph connectivity.
	if !opts.Filter.IsEmpty() && ef < 3*k {
		ef = 3 * k
	}

	entry := ix.nodes[ix.entryPoint]
	ep := []distEntry{{dist: cosineDistance(q, entry.vector), id: entry.id}}
	for l := ix.maxLayer; l >= 1; l-- {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(errors.ErrCodeCancelled, err)
		}
		ep = ix.searchLayer(q, ep, 1, l)
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeCancelled, err)
	}
	candidates := ix.searchLayer(q, ep, ef, 0)

	// Filter the whole widened candidate set, not just the first k: every
	// dropped GROUP node must be observed even when the result list is
	// already full. Truncation to k happens on append.
	observe := opts.QueryText != "" && opts.UserID != "" && ix.onDenial != nil
	results := make([]Result, 0, k)
	for _, c := range candidates {
		n := ix.nodes[c.id]
		if n == nil || n.deleted {
			continue
		}
		if !opts.Filter.Matches(n.metadata) {
			if observe {
				if gid, denied := opts.Filter.IsGroupDenial(n.metadata); denied {
					ix.onDenial(DenialEvent{
						TenantID:   ix.tenantID,
						UserID:     opts.UserID,
						QueryText:  opts.QueryText,
						ChunkID:    n.chunkID,
						DocumentID: n.documentID,
						GroupID:    gid,
						Similarity: distanceToScore(c.dist),
						Timestamp:  time.Now(),
					})
				}
			}
			continue
		}
		if len(results) < k {
			results = append(results, Result{
				ChunkID:    n.chunkID,
				DocumentID: n.documentID,
				Distance:   c.dist,
				Score:      distanceToScore(c.dist),
				Metadata:   meta.Clone(n.metadata),
			})
		}
	}
	return results, nil
}

// MarkDeleted soft-deletes a chunk: it stays in the graph as a hop but
// never appears in results.
func (ix *Index) MarkDeleted(chunkID string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	id, ok := ix.byChunk[chunkID]
	if !ok {
		return errors.Newf(errors.ErrCodeInvalidInput, "chunk %s not indexed", chunkID)
	}
	n := ix.nodes[id]
	if !n.deleted {
		n.deleted = true
		ix.sizeLive--
	}
	return nil
}

// removeLocked hard-removes a node: unwires symmetric edges, clears layer
// membership and lookup maps, and re-elects the entry point if needed.
// Caller holds the write lock.
func (ix *Index) removeLocked(id uint64) {
	n, ok := ix.nodes[id]
	if !ok {
		return
	}
	for l := 0; l <= n.maxLayer; l++ {
		for nbID := range n.edges[l] {
			if nb := ix.nodes[nbID]; nb != nil {
				nb.removeEdge(l, id)
				nb.dropCached(id)
			}
		}
		delete(ix.layers[l], id)
	}
	delete(ix.nodes, id)
	delete(ix.byChunk, n.chunkID)
	if !n.deleted {
		ix.sizeLive--
	}

	if ix.hasEntry && ix.entryPoint == id {
		ix.electEntryLocked()
	}
}

// electEntryLocked picks the highest-layer remaining node as entry point,
// shrinking maxLayer to match. Ties break arbitrarily.
func (ix *Index) electEntryLocked() {
	var best *node
	for _, cand := range ix.nodes {
		if best == nil || cand.maxLayer > best.maxLayer {
			best = cand
		}
	}
	if best == nil {
		ix.hasEntry = false
		ix.entryPoint = 0
		ix.maxLayer = 0
		ix.layers = nil
		return
	}
	ix.entryPoint = best.id
	ix.maxLayer = best.maxLayer
	ix.layers = ix.layers[:best.maxLayer+1]
}

// UpdateMetadata merges patch into a chunk's metadata.
func (ix *Index) UpdateMetadata(chunkID string, patch meta.Metadata) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	id, ok := ix.byChunk[chunkID]
	if !ok {
		return errors.Newf(errors.ErrCodeInvalidInput, "chunk %s not indexed", chunkID)
	}
	n := ix.nodes[id]
	md := meta.Clone(n.metadata)
	meta.Merge(md, patch)
	n.metadata = md
	return nil
}

// SetMetadata replaces a chunk's metadata.
func (ix *Index) SetMetadata(chunkID string, md meta.Metadata) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	id, ok := ix.byChunk[chunkID]
	if !ok {
		return errors.Newf(errors.ErrCodeInvalidInput, "chunk %s not indexed", chunkID)
	}
	ix.nodes[id].metadata = meta.Clone(md)
	return nil
}

// DropMetadataKeys removes the listed keys from a chunk's metadata.
func (ix *Index) DropMetadataKeys(chunkID string, keys []string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	id, ok := ix.byChunk[chunkID]
	if !ok {
		return errors.Newf(errors.ErrCodeInvalidInput, "chunk %s not indexed", chunkID)
	}
	n := ix.nodes[id]
	md := meta.Clone(n.metadata)
	for _, k := range keys {
		delete(md, k)
	}
	n.metadata = md
	return nil
}

// Metadata returns a copy of a chunk's metadata.
func (ix *Index) Metadata(chunkID string) (meta.Metadata, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	id, ok := ix.byChunk[chunkID]
	if !ok {
		return nil, false
	}
	return meta.Clone(ix.nodes[id].metadata), true
}

// Clear resets the index to empty, keeping params and dimension unset.
func (ix *Index) Clear() {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.nodes = make(map[uint64]*node)
	ix.byChunk = make(map[string]uint64)
	ix.layers = nil
	ix.hasEntry = false
	ix.entryPoint = 0
	ix.maxLayer = 0
	ix.nextID = 0
	ix.sizeLive = 0
	ix.dim = 0
}

// Stats is a point-in-time view of the index shape.
type Stats struct {
	TenantID    string `json:"tenant_id"`
	SizeTotal   int    `json:"size_total"`
	SizeLive    int    `json:"size_live"`
	Dimension   int    `json:"dimension"`
	MaxLayer    int    `json:"max_layer"`
	EntryChunk  string `json:"entry_chunk,omitempty"`
	LayerCounts []int  `json:"layer_counts"`
}

// Stats returns the current index statistics.
func (ix *Index) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	s := Stats{
		TenantID:  ix.tenantID,
		SizeTotal: len(ix.nodes),
		SizeLive:  ix.sizeLive,
		Dimension: ix.dim,
		MaxLayer:  ix.maxLayer,
	}
	if ix.hasEntry {
		s.EntryChunk = ix.nodes[ix.entryPoint].chunkID
	}
	s.LayerCounts = make([]int, len(ix.layers))
	for l, members := range ix.layers {
		s.LayerCounts[l] = len(members)
	}
	return s
}
