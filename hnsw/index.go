// Package hnsw implements a hierarchical navigable small world graph used as
// the primary ANN structure of an index shard.
package hnsw

import (
	"container/heap"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/rs/zerolog/log"

	"github.com/patrikhermansson/recall/core"
)

// maxLevelCap is the upper bound for a node's level.
const maxLevelCap = 32

// fallbackParallelMin is the number of nodes below which the exact fallback
// scan runs on the calling goroutine.
const fallbackParallelMin = 4096

// candidate represents a potential neighbor with its distance.
type candidate struct {
	node *Node   // reference to the candidate node
	dist float64 // distance to the query vector
}

func closer(a, b candidate) bool {
	if a.dist == b.dist {
		return a.node.ID < b.node.ID
	}
	return a.dist < b.dist
}

// candidateMinHeap implements a min-heap for candidates based on their distance.
type candidateMinHeap []candidate

func (h candidateMinHeap) Len() int           { return len(h) }
func (h candidateMinHeap) Less(i, j int) bool { return closer(h[i], h[j]) }
func (h candidateMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candidateMinHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *candidateMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// candidateMaxHeap implements a max-heap for candidates based on their distance.
type candidateMaxHeap []candidate

func (h candidateMaxHeap) Len() int           { return len(h) }
func (h candidateMaxHeap) Less(i, j int) bool { return closer(h[j], h[i]) }
func (h candidateMaxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candidateMaxHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *candidateMaxHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Node represents a vector in the HNSW graph along with its links.
type Node struct {
	ID     int64     // item id
	Vector []float32 // prepared vector data
	Level  int       // node level in the hierarchy
	Links  [][]*Node // links to neighbors at each level, index 0 is the base layer
}

// Index is the HNSW graph.
type Index struct {
	mu             sync.RWMutex
	dimension      int
	entryPoint     *Node
	maxLevel       int
	nodes          map[int64]*Node
	m              int // maximum number of neighbors per node on upper layers
	efConstruction int
	efSearch       int
	metric         core.Metric
	distance       core.DistanceFunc
	levelMult      float64

	rndMu sync.Mutex
	rnd   *rand.Rand
}

// New creates an empty HNSW graph.
// m is the maximum number of neighbors per node; the base layer keeps 2*m.
func New(dimension, m, efConstruction, efSearch int, metric core.Metric, seed int64) *Index {
	if m < 2 {
		m = 2
	}
	if efConstruction < m {
		efConstruction = m
	}
	if efSearch <= 0 {
		efSearch = efConstruction
	}
	log.Debug().Msgf("Creating HNSW graph with dimension=%d, M=%d, efConstruction=%d, efSearch=%d, metric=%s",
		dimension, m, efConstruction, efSearch, metric)
	return &Index{
		dimension:      dimension,
		nodes:          make(map[int64]*Node),
		maxLevel:       -1,
		m:              m,
		efConstruction: efConstruction,
		efSearch:       efSearch,
		metric:         metric,
		distance:       metric.Distance(),
		levelMult:      1 / math.Log(float64(m)),
		rnd:            rand.New(rand.NewSource(seed)),
	}
}

// randomLevel computes a random level for a new node based on an exponential distribution.
func (h *Index) randomLevel() int {
	h.rndMu.Lock()
	r := h.rnd.Float64()
	h.rndMu.Unlock()
	if r == 0 {
		r = math.SmallestNonzeroFloat64
	}
	level := int(-math.Log(r) * h.levelMult)
	if level > maxLevelCap {
		level = maxLevelCap
	}
	return level
}

func (h *Index) maxLinks(level int) int {
	if level == 0 {
		return 2 * h.m
	}
	return h.m
}

func (h *Index) newNode(id int64, vector []float32) *Node {
	level := h.randomLevel()
	return &Node{
		ID:     id,
		Vector: vector,
		Level:  level,
		Links:  make([][]*Node, level+1),
	}
}

// selectNodes keeps the maxN nodes closest to vec.
func selectNodes(nodes []*Node, vec []float32, maxN int, distance core.DistanceFunc) []*Node {
	arr := make([]candidate, len(nodes))
	for i, n := range nodes {
		arr[i] = candidate{n, distance(vec, n.Vector)}
	}
	sort.Slice(arr, func(i, j int) bool { return closer(arr[i], arr[j]) })
	selected := make([]*Node, min(len(arr), maxN))
	for i := range selected {
		selected[i] = arr[i].node
	}
	return selected
}

// greedyClosest walks a single layer towards query and returns the closest node found.
func (h *Index) greedyClosest(query []float32, current *Node, level int) *Node {
	currentDist := h.distance(query, current.Vector)
	changed := true
	for changed {
		changed = false
		for _, neighbor := range current.Links[level] {
			d := h.distance(query, neighbor.Vector)
			if d < currentDist || (d == currentDist && neighbor.ID < current.ID) {
				current = neighbor
				currentDist = d
				changed = true
			}
		}
	}
	return current
}

// insertNode adds a node into the HNSW graph, updating links as needed.
func (h *Index) insertNode(n *Node) {
	h.nodes[n.ID] = n
	// If index is empty, set this node as entry point.
	if h.entryPoint == nil {
		h.entryPoint = n
		h.maxLevel = n.Level
		return
	}
	current := h.entryPoint
	// Navigate the graph from the top level down to the node's level.
	for L := h.maxLevel; L > n.Level; L-- {
		current = h.greedyClosest(n.Vector, current, L)
	}
	// For each level where the new node will be inserted.
	for L := min(n.Level, h.maxLevel); L >= 0; L-- {
		candList := h.searchLayer(n.Vector, current, L, h.efConstruction)
		limit := min(len(candList), h.m)
		selected := make([]*Node, limit)
		for i := 0; i < limit; i++ {
			selected[i] = candList[i].node
		}
		n.Links[L] = selected
		// Update neighbor links to include the new node.
		maxN := h.maxLinks(L)
		for _, neighbor := range selected {
			neighbor.Links[L] = append(neighbor.Links[L], n)
			if len(neighbor.Links[L]) > maxN {
				neighbor.Links[L] = selectNodes(neighbor.Links[L], neighbor.Vector, maxN, h.distance)
			}
		}
		// Move the current pointer for the next level.
		if len(candList) > 0 {
			current = candList[0].node
		}
	}
	// Update entry point if the new node has a higher level.
	if n.Level > h.maxLevel {
		h.entryPoint = n
		h.maxLevel = n.Level
	}
}

// searchLayer performs a best-first search in the graph at a given level.
// Results are sorted closest first.
func (h *Index) searchLayer(query []float32, entrypoint *Node, level int, ef int) []candidate {
	visited := map[int64]struct{}{entrypoint.ID: {}}
	d0 := h.distance(query, entrypoint.Vector)
	candQueue := candidateMinHeap{{entrypoint, d0}}
	resultQueue := candidateMaxHeap{{entrypoint, d0}}
	// Explore candidates while there are promising ones.
	for candQueue.Len() > 0 {
		current := heap.Pop(&candQueue).(candidate)
		if current.dist > resultQueue[0].dist && resultQueue.Len() >= ef {
			break
		}
		if level >= len(current.node.Links) {
			continue
		}
		for _, neighbor := range current.node.Links[level] {
			if _, seen := visited[neighbor.ID]; seen {
				continue
			}
			visited[neighbor.ID] = struct{}{}
			cand := candidate{neighbor, h.distance(query, neighbor.Vector)}
			if resultQueue.Len() < ef || closer(cand, resultQueue[0]) {
				heap.Push(&candQueue, cand)
				heap.Push(&resultQueue, cand)
				if resultQueue.Len() > ef {
					heap.Pop(&resultQueue)
				}
			}
		}
	}
	// Collect and sort results.
	results := make([]candidate, resultQueue.Len())
	for i := len(results) - 1; i >= 0; i-- {
		results[i] = heap.Pop(&resultQueue).(candidate)
	}
	return results
}

// Add inserts a prepared vector with a unique id.
func (h *Index) Add(id int64, vector []float32) error {
	if len(vector) != h.dimension {
		return core.DimensionError("hnsw.Add", h.dimension, len(vector))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.nodes[id]; exists {
		return core.DuplicateError("hnsw.Add", id)
	}
	h.insertNode(h.newNode(id, vector))
	return nil
}

// BulkAdd inserts multiple vectors at once. Either all items are inserted or none.
func (h *Index) BulkAdd(items []core.Item) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	seen := make(map[int64]struct{}, len(items))
	for _, it := range items {
		if len(it.Vector) != h.dimension {
			return fmt.Errorf("id %d: %w", it.ID, core.DimensionError("hnsw.BulkAdd", h.dimension, len(it.Vector)))
		}
		if _, exists := h.nodes[it.ID]; exists {
			return core.DuplicateError("hnsw.BulkAdd", it.ID)
		}
		if _, dup := seen[it.ID]; dup {
			return core.DuplicateError("hnsw.BulkAdd", it.ID)
		}
		seen[it.ID] = struct{}{}
	}

	nodesSlice := make([]*Node, len(items))
	for i, it := range items {
		nodesSlice[i] = h.newNode(it.ID, it.Vector)
	}
	// Inserting high levels first gives the upper layers good entry points.
	sort.SliceStable(nodesSlice, func(i, j int) bool {
		return nodesSlice[i].Level > nodesSlice[j].Level
	})
	for _, n := range nodesSlice {
		h.insertNode(n)
	}
	return nil
}

// Search finds the k nearest neighbors of a prepared query vector.
func (h *Index) Search(query []float32, k int) ([]core.Neighbor, error) {
	if len(query) != h.dimension {
		return nil, core.DimensionError("hnsw.Search", h.dimension, len(query))
	}
	if k <= 0 {
		return nil, core.ErrInvalidK
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.entryPoint == nil {
		return nil, nil
	}

	// Greedy search down from the top layer.
	current := h.entryPoint
	for L := h.maxLevel; L > 0; L-- {
		current = h.greedyClosest(query, current, L)
	}
	// Search in the base layer (level 0) for candidates.
	candidates := h.searchLayer(query, current, 0, max(h.efSearch, k))

	results := make([]core.Neighbor, 0, min(k, len(h.nodes)))
	for _, c := range candidates {
		if len(results) == k {
			break
		}
		results = append(results, core.Neighbor{ID: c.node.ID, Distance: c.dist})
	}
	if len(results) < k && len(results) < len(h.nodes) {
		results = h.fallback(query, k, results)
	}
	return results, nil
}

// fallback completes a short result list with an exact scan over the nodes
// the graph search did not reach.
func (h *Index) fallback(query []float32, k int, partial []core.Neighbor) []core.Neighbor {
	found := make(map[int64]struct{}, len(partial))
	for _, n := range partial {
		found[n.ID] = struct{}{}
	}
	keys := make([]int64, 0, len(h.nodes)-len(partial))
	for id := range h.nodes {
		if _, ok := found[id]; !ok {
			keys = append(keys, id)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	need := k - len(partial)

	scan := func(ids []int64) []core.Neighbor {
		top := core.NewTopK(need)
		for _, id := range ids {
			top.Push(core.Neighbor{ID: id, Distance: h.distance(query, h.nodes[id].Vector)})
		}
		return top.Sorted()
	}

	var extra []core.Neighbor
	if len(keys) < fallbackParallelMin {
		extra = scan(keys)
	} else {
		numWorkers := min(runtime.NumCPU(), len(keys))
		chunkSize := (len(keys) + numWorkers - 1) / numWorkers
		parts := make([][]core.Neighbor, numWorkers)
		var wg sync.WaitGroup
		// Run parallel fallback search.
		for i := 0; i < numWorkers; i++ {
			start := i * chunkSize
			end := min(start+chunkSize, len(keys))
			if start >= end {
				continue
			}
			wg.Add(1)
			go func(i int, ids []int64) {
				defer wg.Done()
				parts[i] = scan(ids)
			}(i, keys[start:end])
		}
		wg.Wait()
		extra = core.MergeNeighbors(need, parts...)
	}
	return core.MergeNeighbors(k, partial, extra)
}

// Has reports whether id is in the graph.
func (h *Index) Has(id int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.nodes[id]
	return ok
}

// Len returns the number of nodes in the graph.
func (h *Index) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodes)
}

// IDs returns the set of ids in the graph.
func (h *Index) IDs() *roaring64.Bitmap {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := roaring64.New()
	for id := range h.nodes {
		ids.Add(uint64(id))
	}
	return ids
}

// Stats returns simple statistics about the index.
func (h *Index) Stats() core.IndexStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return core.IndexStats{
		Kind:      "hnsw",
		Count:     len(h.nodes),
		Dimension: h.dimension,
		Distance:  h.metric.String(),
	}
}

// Check interface compliance at compile time.
var _ core.Index = (*Index)(nil)
