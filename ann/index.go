// Package ann provides the sharded, mutable approximate nearest neighbor
// index behind the recall service.
//
// Items are routed to shards by id. Each shard owns a primary structure
// (an HNSW graph or an IVF index) and a pending buffer. Inserts append to the
// pending buffer under the shard's write lock and are searchable as soon as
// Insert returns; a background absorber moves pending items into the primary
// structure in small batches. Searches read-lock every shard, combine the
// primary top-k with a linear scan of the pending buffer and merge the
// per-shard results.
package ann

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/patrikhermansson/recall/core"
	"github.com/patrikhermansson/recall/hnsw"
	"github.com/patrikhermansson/recall/ivf"
	"github.com/patrikhermansson/recall/store"
)

// buildChunk is the number of items handed to a primary structure per
// BulkAdd call during Build, which is also the progress granularity.
const buildChunk = 1024

// trainer is implemented by primary structures that fit parameters on data
// before a bulk build.
type trainer interface {
	Train(vectors [][]float32) error
}

type shard struct {
	mu      sync.RWMutex
	primary core.Index
	pending []core.Item
	ids     *roaring64.Bitmap // ids in primary and pending
}

// Stats describes the index.
type Stats struct {
	Kind      string `json:"kind"`
	Metric    string `json:"metric"`
	Dimension int    `json:"dimension"`
	Shards    int    `json:"shards"`
	Count     int    `json:"count"`
	Pending   int    `json:"pending"`
}

// Index is a sharded ANN index safe for concurrent inserts and searches.
type Index struct {
	cfg      Config
	seed     int64
	distance core.DistanceFunc
	shards   []*shard

	wake      chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

// New creates an empty index and starts its absorber.
func New(cfg Config) (*Index, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	seed := core.GetSeed(cfg.Seed)

	idx := &Index{
		cfg:      cfg,
		seed:     seed,
		distance: cfg.Metric.Distance(),
		shards:   make([]*shard, cfg.Shards),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for i := range idx.shards {
		idx.shards[i] = &shard{
			primary: newPrimary(cfg, seed+int64(i)),
			ids:     roaring64.New(),
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	idx.cancel = cancel
	go idx.absorbLoop(ctx)

	log.Info().Msgf("Created %s index: dimension=%d, metric=%s, shards=%d",
		cfg.Kind, cfg.Dimension, cfg.Metric, cfg.Shards)
	return idx, nil
}

func newPrimary(cfg Config, seed int64) core.Index {
	if cfg.Kind == KindIVF {
		return ivf.New(cfg.Dimension, cfg.IVF.Partitions, cfg.IVF.Probes, cfg.IVF.KMeansIters, cfg.Metric, seed)
	}
	return hnsw.New(cfg.Dimension, cfg.HNSW.M, cfg.HNSW.EfConstruction, cfg.HNSW.EfSearch, cfg.Metric, seed)
}

func (x *Index) shardFor(id int64) *shard {
	return x.shards[store.ShardFor(id, len(x.shards))]
}

// Dimension returns the vector dimension.
func (x *Index) Dimension() int { return x.cfg.Dimension }

// Metric returns the similarity metric.
func (x *Index) Metric() core.Metric { return x.cfg.Metric }

// Build bulk loads items into an empty index. Items are validated as a whole
// before anything is inserted; shards are then built in parallel. progress,
// if not nil, is called with the number of items added since the last call.
//
// Build is all-or-nothing: if any shard fails or ctx is canceled, every shard
// it touched is reset and the index is empty again. Callers must not Insert
// while Build runs.
func (x *Index) Build(ctx context.Context, items []core.Item, progress func(n int)) error {
	const op = "ann.Build"
	if x.closed.Load() {
		return core.E(core.KindInternal, op, core.ErrClosed, "build on closed index")
	}
	if x.Len() != 0 {
		return core.E(core.KindInvalidArgument, op, nil, "index already holds %d items", x.Len())
	}

	seen := roaring64.New()
	parts := make([][]core.Item, len(x.shards))
	for _, it := range items {
		if len(it.Vector) != x.cfg.Dimension {
			return fmt.Errorf("id %d: %w", it.ID, core.DimensionError(op, x.cfg.Dimension, len(it.Vector)))
		}
		if !seen.CheckedAdd(uint64(it.ID)) {
			return core.DuplicateError(op, it.ID)
		}
		s := store.ShardFor(it.ID, len(x.shards))
		parts[s] = append(parts[s], core.Item{ID: it.ID, Vector: core.PrepareVector(it.Vector, x.cfg.Metric)})
	}

	var progressMu sync.Mutex
	report := func(n int) {
		if progress == nil {
			return
		}
		progressMu.Lock()
		progress(n)
		progressMu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, part := range parts {
		i, part := i, part
		if len(part) == 0 {
			continue
		}
		s := x.shards[i]
		g.Go(func() error {
			s.mu.Lock()
			defer s.mu.Unlock()
			if t, ok := s.primary.(trainer); ok {
				vectors := make([][]float32, len(part))
				for j, it := range part {
					vectors[j] = it.Vector
				}
				if err := t.Train(vectors); err != nil {
					return fmt.Errorf("shard %d: %w", i, err)
				}
			}
			for start := 0; start < len(part); start += buildChunk {
				if err := gctx.Err(); err != nil {
					return err
				}
				chunk := part[start:min(start+buildChunk, len(part))]
				if err := s.primary.BulkAdd(chunk); err != nil {
					return fmt.Errorf("shard %d: %w", i, err)
				}
				for _, it := range chunk {
					s.ids.Add(uint64(it.ID))
				}
				report(len(chunk))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for i, part := range parts {
			if len(part) > 0 {
				x.resetShard(i)
			}
		}
		log.Warn().Err(err).Msg("Build failed, index reset")
		return err
	}
	log.Info().Msgf("Built index with %d items", len(items))
	return nil
}

// resetShard replaces shard i with an empty one seeded as in New.
func (x *Index) resetShard(i int) {
	s := x.shards[i]
	s.mu.Lock()
	s.primary = newPrimary(x.cfg, x.seed+int64(i))
	s.pending = nil
	s.ids = roaring64.New()
	s.mu.Unlock()
}

// Insert makes a vector searchable under id. It returns once a subsequent
// Search can observe the item.
func (x *Index) Insert(id int64, vector []float32) error {
	const op = "ann.Insert"
	if len(vector) != x.cfg.Dimension {
		return core.DimensionError(op, x.cfg.Dimension, len(vector))
	}
	if x.closed.Load() {
		return core.E(core.KindInternal, op, core.ErrClosed, "insert %d", id)
	}
	prepared := core.PrepareVector(vector, x.cfg.Metric)

	s := x.shardFor(id)
	s.mu.Lock()
	if s.ids.Contains(uint64(id)) {
		s.mu.Unlock()
		return core.DuplicateError(op, id)
	}
	if len(s.pending) >= x.cfg.PendingLimit {
		x.absorbLocked(s, x.cfg.AbsorbBatch)
	}
	s.pending = append(s.pending, core.Item{ID: id, Vector: prepared})
	s.ids.Add(uint64(id))
	s.mu.Unlock()

	select {
	case x.wake <- struct{}{}:
	default:
	}
	return nil
}

// Search returns the k nearest items to vector, closest first with ties
// broken by lower id. The result holds min(k, Len()) neighbors.
func (x *Index) Search(ctx context.Context, vector []float32, k int) ([]core.Neighbor, error) {
	const op = "ann.Search"
	if len(vector) != x.cfg.Dimension {
		return nil, core.DimensionError(op, x.cfg.Dimension, len(vector))
	}
	if k <= 0 {
		return nil, core.E(core.KindInvalidArgument, op, core.ErrInvalidK, "k=%d", k)
	}
	query := core.PrepareVector(vector, x.cfg.Metric)

	results := make([][]core.Neighbor, len(x.shards))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range x.shards {
		i, s := i, s
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := x.searchShard(s, query, k)
			if err != nil {
				return fmt.Errorf("shard %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return core.MergeNeighbors(k, results...), nil
}

func (x *Index) searchShard(s *shard, query []float32, k int) ([]core.Neighbor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	primary, err := s.primary.Search(query, k)
	if err != nil {
		return nil, err
	}
	if len(s.pending) == 0 {
		return primary, nil
	}
	top := core.NewTopK(k)
	for _, it := range s.pending {
		top.Push(core.Neighbor{ID: it.ID, Distance: x.distance(query, it.Vector)})
	}
	return core.MergeNeighbors(k, primary, top.Sorted()), nil
}

// absorbLocked moves up to n pending items of s into its primary structure.
// The caller holds s.mu for writing.
func (x *Index) absorbLocked(s *shard, n int) {
	n = min(n, len(s.pending))
	for _, it := range s.pending[:n] {
		if err := s.primary.Add(it.ID, it.Vector); err != nil {
			// Pending items are validated on insert, so this is a bug.
			log.Error().Err(err).Msgf("Failed to absorb item %d", it.ID)
		}
	}
	rest := make([]core.Item, len(s.pending)-n, max(len(s.pending)-n, 8))
	copy(rest, s.pending[n:])
	s.pending = rest
}

// absorbShard drains s in batches, releasing the lock between batches so
// searches and inserts interleave with the absorber.
func (x *Index) absorbShard(s *shard) {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			return
		}
		x.absorbLocked(s, x.cfg.AbsorbBatch)
		s.mu.Unlock()
	}
}

func (x *Index) absorbLoop(ctx context.Context) {
	defer close(x.done)
	ticker := time.NewTicker(x.cfg.AbsorbInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-x.wake:
		case <-ticker.C:
		}
		for _, s := range x.shards {
			x.absorbShard(s)
		}
	}
}

// Flush synchronously absorbs every pending buffer.
func (x *Index) Flush() {
	for _, s := range x.shards {
		x.absorbShard(s)
	}
}

// Len returns the number of searchable items.
func (x *Index) Len() int {
	n := 0
	for _, s := range x.shards {
		s.mu.RLock()
		n += int(s.ids.GetCardinality())
		s.mu.RUnlock()
	}
	return n
}

// PendingLen returns the number of items not yet absorbed.
func (x *Index) PendingLen() int {
	n := 0
	for _, s := range x.shards {
		s.mu.RLock()
		n += len(s.pending)
		s.mu.RUnlock()
	}
	return n
}

// Contains reports whether id is searchable.
func (x *Index) Contains(id int64) bool {
	s := x.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ids.Contains(uint64(id))
}

// IDs returns a point-in-time copy of the searchable id set.
func (x *Index) IDs() *roaring64.Bitmap {
	ids := roaring64.New()
	for _, s := range x.shards {
		s.mu.RLock()
		ids.Or(s.ids)
		s.mu.RUnlock()
	}
	return ids
}

// Verify checks that every shard's id set is exactly the ids held by its
// primary structure and pending buffer.
func (x *Index) Verify() error {
	for i, s := range x.shards {
		s.mu.RLock()
		held := s.primary.IDs()
		for _, it := range s.pending {
			held.Add(uint64(it.ID))
		}
		ok := held.Equals(s.ids)
		tracked, actual := s.ids.GetCardinality(), held.GetCardinality()
		s.mu.RUnlock()
		if !ok {
			return core.E(core.KindInternal, "ann.Verify", nil,
				"shard %d tracks %d ids, primary and pending hold %d", i, tracked, actual)
		}
	}
	return nil
}

// Stats returns a description of the index.
func (x *Index) Stats() Stats {
	return Stats{
		Kind:      x.cfg.Kind,
		Metric:    x.cfg.Metric.String(),
		Dimension: x.cfg.Dimension,
		Shards:    len(x.shards),
		Count:     x.Len(),
		Pending:   x.PendingLen(),
	}
}

// Close stops the absorber and drains pending buffers. Items stay searchable;
// further inserts fail.
func (x *Index) Close() error {
	x.closeOnce.Do(func() {
		x.closed.Store(true)
		x.cancel()
		<-x.done
		x.Flush()
		log.Debug().Msg("Closed index")
	})
	return nil
}
