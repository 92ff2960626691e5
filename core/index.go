package core

import (
	"container/heap"
	"sort"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// Index is a primary ANN structure owned by a single shard.
//
// Implementations are not required to be safe for concurrent mutation; the
// owning shard serializes writers and lets readers share.
type Index interface {

	// Add inserts a prepared vector with a given id into the index.
	Add(id int64, vector []float32) error

	// BulkAdd inserts many vectors at once, used for the startup build.
	BulkAdd(items []Item) error

	// Search returns the k nearest neighbors of a prepared query vector.
	Search(query []float32, k int) ([]Neighbor, error)

	// Has reports whether id is indexed.
	Has(id int64) bool

	// Len returns the number of indexed vectors.
	Len() int

	// IDs returns a copy of the indexed id set.
	IDs() *roaring64.Bitmap

	// Stats returns metadata about the index.
	Stats() IndexStats
}

// Item is a catalog item and its embedding.
type Item struct {
	ID     int64
	Vector []float32
}

// Neighbor holds a neighbor's id and its computed distance.
type Neighbor struct {
	ID       int64
	Distance float64
}

// IndexStats contains metadata about an index.
type IndexStats struct {
	Kind      string // primary structure kind
	Count     int    // total number of indexed vectors
	Dimension int    // dimensionality of vectors
	Distance  string // metric name
}

// Closer orders two neighbors: smaller distance first, then lower id.
func Closer(a, b Neighbor) bool {
	if a.Distance == b.Distance {
		return a.ID < b.ID
	}
	return a.Distance < b.Distance
}

// SortNeighbors sorts neighbors closest first with ties broken by id.
func SortNeighbors(ns []Neighbor) {
	sort.Slice(ns, func(i, j int) bool { return Closer(ns[i], ns[j]) })
}

// neighborMaxHeap keeps the farthest neighbor on top.
type neighborMaxHeap []Neighbor

func (h neighborMaxHeap) Len() int           { return len(h) }
func (h neighborMaxHeap) Less(i, j int) bool { return Closer(h[j], h[i]) }
func (h neighborMaxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *neighborMaxHeap) Push(x any)        { *h = append(*h, x.(Neighbor)) }
func (h *neighborMaxHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// TopK is a bounded collector of the k closest neighbors.
type TopK struct {
	k int
	h neighborMaxHeap
}

// NewTopK returns a collector for at most k neighbors.
func NewTopK(k int) *TopK {
	if k < 0 {
		k = 0
	}
	return &TopK{k: k, h: make(neighborMaxHeap, 0, k)}
}

// Push offers a neighbor to the collector.
func (t *TopK) Push(n Neighbor) {
	if t.k == 0 {
		return
	}
	if len(t.h) < t.k {
		heap.Push(&t.h, n)
		return
	}
	if Closer(n, t.h[0]) {
		t.h[0] = n
		heap.Fix(&t.h, 0)
	}
}

// Sorted returns the collected neighbors closest first.
func (t *TopK) Sorted() []Neighbor {
	out := make([]Neighbor, len(t.h))
	copy(out, t.h)
	SortNeighbors(out)
	return out
}

// MergeNeighbors merges several neighbor lists, drops duplicate ids keeping
// the closest occurrence, and returns the k closest.
func MergeNeighbors(k int, lists ...[]Neighbor) []Neighbor {
	total := 0
	for _, l := range lists {
		total += len(l)
	}
	all := make([]Neighbor, 0, total)
	for _, l := range lists {
		all = append(all, l...)
	}
	SortNeighbors(all)

	seen := roaring64.New()
	out := make([]Neighbor, 0, min(k, len(all)))
	for _, n := range all {
		if len(out) == k {
			break
		}
		if !seen.CheckedAdd(uint64(n.ID)) {
			continue
		}
		out = append(out, n)
	}
	return out
}
