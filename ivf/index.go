// Package ivf implements an inverted-file (IVF-flat) index: vectors are
// partitioned by k-means centroids and a search scores the members of the
// partitions closest to the query exactly.
package ivf

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/rs/zerolog/log"

	"github.com/patrikhermansson/recall/core"
)

// entry is a single indexed vector.
type entry struct {
	ID     int64
	Vector []float32
}

// Index is an IVF-flat index.
type Index struct {
	mu          sync.RWMutex
	dimension   int
	partitions  int         // number of coarse partitions
	probes      int         // partitions scanned per search
	kMeansIters int         // k-means iterations used by Train
	centroids   [][]float32 // coarse centroids
	counts      []int       // members per partition, used for running means before training
	lists       [][]entry   // inverted lists, one per centroid
	assign      map[int64]int
	trained     bool
	metric      core.Metric
	distance    core.DistanceFunc

	rnd *rand.Rand
}

// New creates an empty IVF index.
func New(dimension, partitions, probes, kMeansIters int, metric core.Metric, seed int64) *Index {
	if partitions <= 0 {
		partitions = 1
	}
	if probes <= 0 {
		probes = 1
	}
	if probes > partitions {
		probes = partitions
	}
	if kMeansIters <= 0 {
		kMeansIters = 10
	}
	log.Debug().Msgf("Creating IVF index with dimension=%d, partitions=%d, probes=%d, metric=%s",
		dimension, partitions, probes, metric)
	return &Index{
		dimension:   dimension,
		partitions:  partitions,
		probes:      probes,
		kMeansIters: kMeansIters,
		assign:      make(map[int64]int),
		metric:      metric,
		distance:    metric.Distance(),
		rnd:         rand.New(rand.NewSource(seed)),
	}
}

// nearestCentroid returns the partition whose centroid is closest to vector.
// Partitioning always uses euclidean geometry, whatever the scoring metric.
func (ivf *Index) nearestCentroid(vector []float32) int {
	best := -1
	bestDist := math.MaxFloat64
	for i, c := range ivf.centroids {
		if d := core.SquaredEuclidean(vector, c); d < bestDist {
			bestDist = d
			best = i
		}
	}
	return best
}

// rankedPartitions returns the partitions ordered by centroid distance to vector.
func (ivf *Index) rankedPartitions(vector []float32) []int {
	type ranked struct {
		partition int
		dist      float64
	}
	res := make([]ranked, len(ivf.centroids))
	for i, c := range ivf.centroids {
		res[i] = ranked{i, core.SquaredEuclidean(vector, c)}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].dist == res[j].dist {
			return res[i].partition < res[j].partition
		}
		return res[i].dist < res[j].dist
	})
	out := make([]int, len(res))
	for i, r := range res {
		out[i] = r.partition
	}
	return out
}

// place assigns a validated vector to a partition. Before training, the first
// vectors seed new partitions and centroids follow the running mean.
func (ivf *Index) place(id int64, vector []float32) {
	var p int
	if !ivf.trained && len(ivf.centroids) < ivf.partitions {
		p = len(ivf.centroids)
		ivf.centroids = append(ivf.centroids, core.CopyVector(vector))
		ivf.counts = append(ivf.counts, 0)
		ivf.lists = append(ivf.lists, nil)
	} else {
		p = ivf.nearestCentroid(vector)
	}
	ivf.counts[p]++
	ivf.lists[p] = append(ivf.lists[p], entry{ID: id, Vector: vector})
	ivf.assign[id] = p

	if !ivf.trained {
		c := ivf.centroids[p]
		n := float32(ivf.counts[p])
		for i, v := range vector {
			c[i] += (v - c[i]) / n
		}
	}
}

// Add inserts a prepared vector with a unique id.
func (ivf *Index) Add(id int64, vector []float32) error {
	if len(vector) != ivf.dimension {
		return core.DimensionError("ivf.Add", ivf.dimension, len(vector))
	}
	ivf.mu.Lock()
	defer ivf.mu.Unlock()
	if _, exists := ivf.assign[id]; exists {
		return core.DuplicateError("ivf.Add", id)
	}
	ivf.place(id, vector)
	return nil
}

// BulkAdd inserts multiple vectors. Either all items are inserted or none.
// An untrained index with enough data is trained on the whole batch first.
func (ivf *Index) BulkAdd(items []core.Item) error {
	ivf.mu.Lock()
	defer ivf.mu.Unlock()

	seen := make(map[int64]struct{}, len(items))
	for _, it := range items {
		if len(it.Vector) != ivf.dimension {
			return fmt.Errorf("id %d: %w", it.ID, core.DimensionError("ivf.BulkAdd", ivf.dimension, len(it.Vector)))
		}
		if _, exists := ivf.assign[it.ID]; exists {
			return core.DuplicateError("ivf.BulkAdd", it.ID)
		}
		if _, dup := seen[it.ID]; dup {
			return core.DuplicateError("ivf.BulkAdd", it.ID)
		}
		seen[it.ID] = struct{}{}
	}

	if !ivf.trained && len(ivf.assign)+len(items) >= ivf.partitions {
		data := make([][]float32, 0, len(ivf.assign)+len(items))
		for _, list := range ivf.lists {
			for _, e := range list {
				data = append(data, e.Vector)
			}
		}
		for _, it := range items {
			data = append(data, it.Vector)
		}
		if err := ivf.train(data); err != nil {
			return err
		}
	}
	for _, it := range items {
		ivf.place(it.ID, it.Vector)
	}
	return nil
}

// Train runs k-means over vectors to fix the partition centroids and
// reassigns every indexed vector.
func (ivf *Index) Train(vectors [][]float32) error {
	for _, v := range vectors {
		if len(v) != ivf.dimension {
			return core.DimensionError("ivf.Train", ivf.dimension, len(v))
		}
	}
	ivf.mu.Lock()
	defer ivf.mu.Unlock()
	return ivf.train(vectors)
}

func (ivf *Index) train(data [][]float32) error {
	if len(data) == 0 {
		return fmt.Errorf("ivf: no data to train on")
	}
	centroids := kMeans(data, ivf.partitions, ivf.kMeansIters, ivf.rnd)

	var existing []entry
	for _, list := range ivf.lists {
		existing = append(existing, list...)
	}
	ivf.centroids = centroids
	ivf.counts = make([]int, len(centroids))
	ivf.lists = make([][]entry, len(centroids))
	ivf.trained = true
	for _, e := range existing {
		ivf.place(e.ID, e.Vector)
	}
	log.Debug().Msgf("Trained IVF index: %d partitions over %d vectors", len(centroids), len(data))
	return nil
}

// kMeans computes k centroids with Lloyd iterations. Empty clusters are
// reseeded from a random point.
func kMeans(data [][]float32, k, iterations int, rnd *rand.Rand) [][]float32 {
	if len(data) < k {
		k = len(data)
	}
	dim := len(data[0])
	perm := rnd.Perm(len(data))
	centroids := make([][]float32, k)
	for i := range centroids {
		centroids[i] = core.CopyVector(data[perm[i]])
	}

	assignment := make([]int, len(data))
	for iter := 0; iter < iterations; iter++ {
		changed := false
		for i, point := range data {
			best := 0
			bestDist := math.MaxFloat64
			for c, cent := range centroids {
				if d := core.SquaredEuclidean(point, cent); d < bestDist {
					bestDist = d
					best = c
				}
			}
			if assignment[i] != best || iter == 0 {
				changed = true
			}
			assignment[i] = best
		}
		if !changed {
			break
		}

		sums := make([][]float64, k)
		sizes := make([]int, k)
		for i := range sums {
			sums[i] = make([]float64, dim)
		}
		for i, point := range data {
			c := assignment[i]
			sizes[c]++
			for j, v := range point {
				sums[c][j] += float64(v)
			}
		}
		for c := range centroids {
			if sizes[c] == 0 {
				centroids[c] = core.CopyVector(data[rnd.Intn(len(data))])
				continue
			}
			for j := range centroids[c] {
				centroids[c][j] = float32(sums[c][j] / float64(sizes[c]))
			}
		}
	}
	return centroids
}

// Search returns the k nearest neighbors of a prepared query vector. At least
// the configured number of partitions is probed and more are added until k
// vectors have been scored.
func (ivf *Index) Search(query []float32, k int) ([]core.Neighbor, error) {
	if len(query) != ivf.dimension {
		return nil, core.DimensionError("ivf.Search", ivf.dimension, len(query))
	}
	if k <= 0 {
		return nil, core.ErrInvalidK
	}
	ivf.mu.RLock()
	defer ivf.mu.RUnlock()
	if len(ivf.assign) == 0 {
		return nil, nil
	}

	top := core.NewTopK(k)
	scored := 0
	for i, p := range ivf.rankedPartitions(query) {
		if i >= ivf.probes && scored >= k {
			break
		}
		for _, e := range ivf.lists[p] {
			top.Push(core.Neighbor{ID: e.ID, Distance: ivf.distance(query, e.Vector)})
			scored++
		}
	}
	return top.Sorted(), nil
}

// Has reports whether id is indexed.
func (ivf *Index) Has(id int64) bool {
	ivf.mu.RLock()
	defer ivf.mu.RUnlock()
	_, ok := ivf.assign[id]
	return ok
}

// Len returns the number of indexed vectors.
func (ivf *Index) Len() int {
	ivf.mu.RLock()
	defer ivf.mu.RUnlock()
	return len(ivf.assign)
}

// Trained reports whether the centroids come from k-means.
func (ivf *Index) Trained() bool {
	ivf.mu.RLock()
	defer ivf.mu.RUnlock()
	return ivf.trained
}

// IDs returns the set of indexed ids.
func (ivf *Index) IDs() *roaring64.Bitmap {
	ivf.mu.RLock()
	defer ivf.mu.RUnlock()
	ids := roaring64.New()
	for id := range ivf.assign {
		ids.Add(uint64(id))
	}
	return ids
}

// Stats returns statistics about the index.
func (ivf *Index) Stats() core.IndexStats {
	ivf.mu.RLock()
	defer ivf.mu.RUnlock()
	return core.IndexStats{
		Kind:      "ivf",
		Count:     len(ivf.assign),
		Dimension: ivf.dimension,
		Distance:  ivf.metric.String(),
	}
}

var _ core.Index = (*Index)(nil)
