// Package hnsw implements a Hierarchical Navigable Small World graph for
// approximate nearest-neighbor search over cosine distance, with soft
// deletion, metadata filtering deferred to the result stage, and binary
// snapshot persistence.
package hnsw

import (
	"math"

	"github.com/connexus-ai/searchd/internal/meta"
)

// node is one indexed vector. Edges are stored as id sets per layer; the
// index owns all nodes and enforces edge symmetry.
type node struct {
	id         uint64
	chunkID    string
	documentID string
	vector     []float32
	metadata   meta.Metadata
	maxLayer   int
	deleted    bool

	// edges[l] holds the layer-l neighbor ids, l in [0, maxLayer].
	edges []map[uint64]struct{}

	// distCache caches pairwise distances keyed by neighbor id. Vectors are
	// immutable after insert, so entries stay valid until the neighbor is
	// hard-removed.
	distCache map[uint64]float32
}

func newNode(id uint64, chunkID, documentID string, vector []float32, md meta.Metadata, maxLayer int) *node {
	edges := make([]map[uint64]struct{}, maxLayer+1)
	for i := range edges {
		edges[i] = make(map[uint64]struct{})
	}
	return &node{
		id:         id,
		chunkID:    chunkID,
		documentID: documentID,
		vector:     vector,
		metadata:   md,
		maxLayer:   maxLayer,
		edges:      edges,
	}
}

func (n *node) addEdge(layer int, other uint64) {
	n.edges[layer][other] = struct{}{}
}

func (n *node) removeEdge(layer int, other uint64) {
	delete(n.edges[layer], other)
}

func (n *node) hasEdge(layer int, other uint64) bool {
	_, ok := n.edges[layer][other]
	return ok
}

func (n *node) dropCached(other uint64) {
	delete(n.distCache, other)
}

// distanceTo returns the cosine distance to another node, consulting the
// pair cache first.
func (n *node) distanceTo(other *node) float32 {
	if d, ok := n.distCache[other.id]; ok {
		return d
	}
	d := cosineDistance(n.vector, other.vector)
	if n.distCache == nil {
		n.distCache = make(map[uint64]float32)
	}
	n.distCache[other.id] = d
	return d
}

// cosineDistance is 1 - cos(u, v). Either vector having zero norm yields
// the maximal distance 1.0.
func cosineDistance(u, v []float32) float32 {
	var dot, nu, nv float64
	for i := range u {
		dot += float64(u[i]) * float64(v[i])
		nu += float64(u[i]) * float64(u[i])
		nv += float64(v[i]) * float64(v[i])
	}
	if nu == 0 || nv == 0 {
		return 1.0
	}
	return float32(1.0 - dot/(math.Sqrt(nu)*math.Sqrt(nv)))
}

// distanceToScore converts a cosine distance into a similarity score in
// (0, 1], where identical vectors score 1.
func distanceToScore(d float32) float64 {
	return 1.0 / (1.0 + float64(d))
}
