// Package store holds the raw item embeddings of the recall service.
//
// The store is sharded by item id. Each shard has its own RWMutex, so
// readers share and a writer only excludes readers of the shard it owns.
package store

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/rs/zerolog/log"

	"github.com/patrikhermansson/recall/core"
)

type shard struct {
	mu      sync.RWMutex
	vectors map[int64][]float32
	ids     *roaring64.Bitmap
}

// Store is an in-memory mapping from item id to vector.
type Store struct {
	dimension int
	shards    []*shard
	size      atomic.Int64
}

// New creates an empty store for vectors of the given dimension.
func New(dimension, shards int) (*Store, error) {
	if dimension <= 0 {
		return nil, core.E(core.KindInvalidArgument, "store.New", nil, "dimension must be positive, got %d", dimension)
	}
	if shards <= 0 {
		shards = 1
	}
	s := &Store{dimension: dimension, shards: make([]*shard, shards)}
	for i := range s.shards {
		s.shards[i] = &shard{
			vectors: make(map[int64][]float32),
			ids:     roaring64.New(),
		}
	}
	log.Debug().Msgf("Created vector store with dimension=%d, shards=%d", dimension, shards)
	return s, nil
}

// ShardFor returns the shard index owning id for a given shard count.
func ShardFor(id int64, shards int) int {
	return int(uint64(id) % uint64(shards))
}

func (s *Store) shardFor(id int64) *shard {
	return s.shards[ShardFor(id, len(s.shards))]
}

// Dimension returns the configured vector dimension.
func (s *Store) Dimension() int {
	return s.dimension
}

// Insert stores a copy of vector under id.
// It fails with a dimension mismatch or a duplicate id, leaving the store unchanged.
func (s *Store) Insert(id int64, vector []float32) error {
	if len(vector) != s.dimension {
		return core.DimensionError("store.Insert", s.dimension, len(vector))
	}
	sh := s.shardFor(id)
	vec := core.CopyVector(vector)

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.vectors[id]; exists {
		return core.DuplicateError("store.Insert", id)
	}
	sh.vectors[id] = vec
	sh.ids.Add(uint64(id))
	s.size.Add(1)
	return nil
}

// Remove deletes id and reports whether it was present.
func (s *Store) Remove(id int64) bool {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.vectors[id]; !exists {
		return false
	}
	delete(sh.vectors, id)
	sh.ids.Remove(uint64(id))
	s.size.Add(-1)
	return true
}

// Get returns the vector stored under id. The returned slice must not be modified.
func (s *Store) Get(id int64) ([]float32, bool) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	vec, ok := sh.vectors[id]
	return vec, ok
}

// Contains reports whether id is stored.
func (s *Store) Contains(id int64) bool {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	_, ok := sh.vectors[id]
	return ok
}

// Size returns the number of stored items.
func (s *Store) Size() int {
	return int(s.size.Load())
}

// IDs returns a point-in-time copy of the stored id set.
func (s *Store) IDs() *roaring64.Bitmap {
	out := roaring64.New()
	for _, sh := range s.shards {
		sh.mu.RLock()
		out.Or(sh.ids)
		sh.mu.RUnlock()
	}
	return out
}

// Range calls fn for every item in ascending id order until fn returns false.
// It works on a point-in-time id list; items removed meanwhile are skipped.
func (s *Store) Range(fn func(id int64, vector []float32) bool) {
	ids := make([]int64, 0, s.Size())
	for _, sh := range s.shards {
		sh.mu.RLock()
		for id := range sh.vectors {
			ids = append(ids, id)
		}
		sh.mu.RUnlock()
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		vec, ok := s.Get(id)
		if !ok {
			continue
		}
		if !fn(id, vec) {
			return
		}
	}
}

// Items returns every stored item in ascending id order.
func (s *Store) Items() []core.Item {
	items := make([]core.Item, 0, s.Size())
	s.Range(func(id int64, vector []float32) bool {
		items = append(items, core.Item{ID: id, Vector: vector})
		return true
	})
	return items
}

// Load inserts items in bulk, stopping at the first failure.
func (s *Store) Load(items []core.Item) error {
	for _, it := range items {
		if err := s.Insert(it.ID, it.Vector); err != nil {
			return err
		}
	}
	return nil
}
