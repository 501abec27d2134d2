package engine

import (
	"container/heap"
	"sort"
)

type candidate struct {
	dist float32
	idx  int64
}

// worse orders candidates by distance, then by index.
func worse(a, b candidate) bool {
	if a.dist != b.dist {
		return a.dist > b.dist
	}
	return a.idx > b.idx
}

type maxHeap []candidate

func (h maxHeap) Len() int           { return len(h) }
func (h maxHeap) Less(i, j int) bool { return worse(h[i], h[j]) }
func (h maxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *maxHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}

// TopK keeps the k best (distance, index) pairs pushed into it. Equal
// distances are resolved towards the lower index.
type TopK struct {
	k int
	h maxHeap
}

func NewTopK(k int) *TopK {
	return &TopK{k: k, h: make(maxHeap, 0, k)}
}

// Reset empties the selector for reuse.
func (t *TopK) Reset() { t.h = t.h[:0] }

// Push offers a candidate. Negative indices are ignored.
func (t *TopK) Push(dist float32, idx int64) {
	if idx < 0 || t.k <= 0 {
		return
	}
	c := candidate{dist: dist, idx: idx}
	if len(t.h) < t.k {
		heap.Push(&t.h, c)
		return
	}
	if worse(t.h[0], c) {
		t.h[0] = c
		heap.Fix(&t.h, 0)
	}
}

// Fill writes the selection in ascending order into dists and idx, which must
// have length k. Unfilled slots are left untouched.
func (t *TopK) Fill(dists []float32, idx []int64) {
	sorted := make([]candidate, len(t.h))
	copy(sorted, t.h)
	sort.Slice(sorted, func(i, j int) bool { return worse(sorted[j], sorted[i]) })
	for i, c := range sorted {
		dists[i] = c.dist
		idx[i] = c.idx
	}
}
