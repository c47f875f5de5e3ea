package hnsw

import "container/heap"

// distEntry pairs a node id with its distance to the current query.
type distEntry struct {
	dist float32
	id   uint64
}

// minDistHeap pops the closest entry first; it drives candidate expansion.
type minDistHeap []distEntry

func (h minDistHeap) Len() int           { return len(h) }
func (h minDistHeap) Less(i, j int) bool { return h[i].dist < h[j].dist }
func (h minDistHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minDistHeap) Push(x any)        { *h = append(*h, x.(distEntry)) }

func (h *minDistHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// maxDistHeap pops the farthest entry first; it maintains the bounded
// result set during beam search.
type maxDistHeap []distEntry

func (h maxDistHeap) Len() int           { return len(h) }
func (h maxDistHeap) Less(i, j int) bool { return h[i].dist > h[j].dist }
func (h maxDistHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxDistHeap) Push(x any)        { *h = append(*h, x.(distEntry)) }

func (h *maxDistHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

func pushMin(h *minDistHeap, e distEntry) { heap.Push(h, e) }
func popMin(h *minDistHeap) distEntry     { return heap.Pop(h).(distEntry) }
func pushMax(h *maxDistHeap, e distEntry) { heap.Push(h, e) }
func popMax(h *maxDistHeap) distEntry     { return heap.Pop(h).(distEntry) }
