package recall_test

import (
	"context"
	"encoding/json"
	"math/rand"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrikhermansson/recall/ann"
	"github.com/patrikhermansson/recall/core"
	"github.com/patrikhermansson/recall/recall"
	"github.com/patrikhermansson/recall/snapshot"
	"github.com/patrikhermansson/recall/store"
)

const dim = 8

type users struct {
	mu   sync.RWMutex
	vecs map[int64][]float32
}

func (u *users) Lookup(_ context.Context, userID int64) ([]float32, bool, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	v, ok := u.vecs[userID]
	return v, ok, nil
}

func (u *users) set(userID int64, vec []float32) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.vecs[userID] = vec
}

func randomVec(rnd *rand.Rand) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rnd.Float32()*2 - 1
	}
	return v
}

func newService(t *testing.T, fc recall.FeatureClient, opts ...recall.Option) (*recall.Service, *ann.Index, *store.Store) {
	t.Helper()
	cfg := ann.DefaultConfig(dim)
	cfg.Shards = 2
	cfg.Seed = 7
	cfg.AbsorbInterval = 5 * time.Millisecond
	idx, err := ann.New(cfg)
	require.NoError(t, err)
	st, err := store.New(dim, 2)
	require.NoError(t, err)

	svc, err := recall.New(recall.Config{RequestTimeout: time.Second}, idx, st, fc, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, idx, st
}

func populate(t *testing.T, svc *recall.Service, n int, seed int64) []core.Item {
	t.Helper()
	rnd := rand.New(rand.NewSource(seed))
	items := make([]core.Item, n)
	for i := range items {
		items[i] = core.Item{ID: int64(i + 1), Vector: randomVec(rnd)}
	}
	require.NoError(t, svc.Load(context.Background(), items, nil))
	return items
}

func TestSearchCandidates_AddedItemRanksFirst(t *testing.T) {
	// Arrange: a pre-populated index and a user with a known embedding.
	rnd := rand.New(rand.NewSource(1))
	fc := &users{vecs: map[int64][]float32{}}
	userVec := randomVec(rnd)
	fc.set(42, userVec)
	svc, _, _ := newService(t, fc)
	populate(t, svc, 300, 2)

	// Act: add a fresh item carrying the user's exact embedding.
	require.NoError(t, svc.AddItem(context.Background(), 30_123, userVec))
	got, err := svc.SearchCandidates(context.Background(), 42, 4)

	// Assert
	require.NoError(t, err)
	require.Equal(t, 4, got.Len())
	assert.Equal(t, int64(30_123), got.Items[0])
	assert.InDelta(t, 0, got.Scores[0], 1e-6)
	for i := 1; i < got.Len(); i++ {
		assert.GreaterOrEqual(t, got.Scores[i-1], got.Scores[i])
	}
}

func TestSearchCandidates_KBounded(t *testing.T) {
	fc := &users{vecs: map[int64][]float32{1: make([]float32, dim)}}
	svc, _, _ := newService(t, fc)
	populate(t, svc, 6, 3)

	for _, k := range []int{1, 3, 6, 50} {
		got, err := svc.SearchCandidates(context.Background(), 1, k)
		require.NoError(t, err)
		assert.Equal(t, min(k, 6), got.Len())
	}
}

func TestSearchCandidates_Errors(t *testing.T) {
	fc := &users{vecs: map[int64][]float32{
		1: make([]float32, dim),
		2: make([]float32, dim-1),
	}}
	svc, _, _ := newService(t, fc)
	populate(t, svc, 5, 4)

	_, err := svc.SearchCandidates(context.Background(), 1, 0)
	assert.True(t, core.IsKind(err, core.KindInvalidArgument))
	assert.ErrorIs(t, err, core.ErrInvalidK)

	_, err = svc.SearchCandidates(context.Background(), 99, 3)
	assert.True(t, core.IsKind(err, core.KindNotFound))
	assert.ErrorIs(t, err, core.ErrUserNotFound)

	_, err = svc.SearchCandidates(context.Background(), 2, 3)
	assert.True(t, core.IsKind(err, core.KindInternal))
}

func TestSearchCandidates_DeadlineExceeded(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	slow := recall.FeatureClientFunc(func(ctx context.Context, userID int64) ([]float32, bool, error) {
		// Ignores ctx on purpose: the service must not wait for it.
		<-release
		return make([]float32, dim), true, nil
	})

	cfg := ann.DefaultConfig(dim)
	idx, err := ann.New(cfg)
	require.NoError(t, err)
	st, err := store.New(dim, 1)
	require.NoError(t, err)
	svc, err := recall.New(recall.Config{RequestTimeout: 20 * time.Millisecond}, idx, st, slow)
	require.NoError(t, err)
	defer svc.Close()

	start := time.Now()
	_, err = svc.SearchCandidates(context.Background(), 1, 3)
	assert.True(t, core.IsKind(err, core.KindDeadlineExceeded))
	assert.Less(t, time.Since(start), time.Second)
}

func TestSearchCandidates_IndexSearchDeadline(t *testing.T) {
	// Arrange: a Load whose build is parked while holding its shard locks.
	fc := &users{vecs: map[int64][]float32{1: make([]float32, dim)}}
	cfg := ann.DefaultConfig(dim)
	cfg.Shards = 2
	idx, err := ann.New(cfg)
	require.NoError(t, err)
	st, err := store.New(dim, 2)
	require.NoError(t, err)
	svc, err := recall.New(recall.Config{RequestTimeout: 30 * time.Millisecond}, idx, st, fc)
	require.NoError(t, err)
	defer svc.Close()

	rnd := rand.New(rand.NewSource(21))
	items := make([]core.Item, 100)
	for i := range items {
		items[i] = core.Item{ID: int64(i + 10), Vector: randomVec(rnd)}
	}
	building := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	loaded := make(chan error, 1)
	go func() {
		loaded <- svc.Load(context.Background(), items, func(int) {
			once.Do(func() { close(building) })
			<-release
		})
	}()
	<-building

	// Act
	start := time.Now()
	_, err = svc.SearchCandidates(context.Background(), 1, 3)
	close(release)

	// Assert
	assert.True(t, core.IsKind(err, core.KindDeadlineExceeded), "got %v", err)
	assert.Less(t, time.Since(start), time.Second)
	require.NoError(t, <-loaded)
	report := metricsReport(t, svc)
	assert.Equal(t, int64(1), report.Operations[recall.OpIndexSearch].Errors)
	assert.Equal(t, int64(1), report.Operations[recall.OpSearchCandidates].Errors)
	assert.Zero(t, report.Operations[recall.OpFeatureLookup].Errors)
}

func TestLoad_CanceledRollsBackStoreAndIndex(t *testing.T) {
	// Arrange
	svc, idx, st := newService(t, &users{vecs: map[int64][]float32{}})
	rnd := rand.New(rand.NewSource(31))
	items := make([]core.Item, 5000)
	for i := range items {
		items[i] = core.Item{ID: int64(i + 1), Vector: randomVec(rnd)}
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var once sync.Once

	// Act
	err := svc.Load(ctx, items, func(int) { once.Do(cancel) })

	// Assert
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, st.Size())
	assert.Zero(t, idx.Len())
	require.NoError(t, svc.CheckConsistency())
	assert.True(t, svc.Healthy())

	require.NoError(t, svc.Load(context.Background(), items[:200], nil))
	assert.Equal(t, 200, st.Size())
	assert.Equal(t, 200, idx.Len())
	require.NoError(t, svc.CheckConsistency())
}

func TestAddItem_Validation(t *testing.T) {
	svc, idx, st := newService(t, &users{vecs: map[int64][]float32{}})
	require.NoError(t, svc.AddItem(context.Background(), 1, make([]float32, dim)))

	err := svc.AddItem(context.Background(), 2, make([]float32, dim+1))
	assert.True(t, core.IsKind(err, core.KindInvalidArgument))
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)

	err = svc.AddItem(context.Background(), 1, make([]float32, dim))
	assert.True(t, core.IsKind(err, core.KindInvalidArgument))
	assert.ErrorIs(t, err, core.ErrDuplicateID)

	// Failed adds never mutate store or index.
	assert.Equal(t, 1, st.Size())
	assert.Equal(t, 1, idx.Len())
	assert.NoError(t, svc.CheckConsistency())
	assert.True(t, svc.Healthy())
}

func TestAddItem_IndexStoreDisagreement(t *testing.T) {
	svc, idx, st := newService(t, &users{vecs: map[int64][]float32{}})
	var notified atomic.Bool
	svc.OnHealthChange(func(healthy bool) { notified.Store(!healthy) })

	// The index knows an id the store does not.
	require.NoError(t, idx.Insert(5, make([]float32, dim)))
	err := svc.AddItem(context.Background(), 5, make([]float32, dim))
	assert.True(t, core.IsKind(err, core.KindInternal))
	assert.False(t, st.Contains(5), "store insert must be rolled back")
	assert.False(t, svc.Healthy())
	assert.True(t, notified.Load())
}

func TestCheckConsistency(t *testing.T) {
	svc, idx, _ := newService(t, &users{vecs: map[int64][]float32{}})
	populate(t, svc, 10, 5)
	require.NoError(t, svc.CheckConsistency())

	require.NoError(t, idx.Insert(1000, make([]float32, dim)))
	err := svc.CheckConsistency()
	assert.True(t, core.IsKind(err, core.KindInternal))
	assert.ErrorContains(t, err, "1 unknown to store")
	assert.False(t, svc.Healthy())
}

func TestAddItem_RateLimited(t *testing.T) {
	cfg := ann.DefaultConfig(dim)
	idx, err := ann.New(cfg)
	require.NoError(t, err)
	st, err := store.New(dim, 1)
	require.NoError(t, err)
	svc, err := recall.New(recall.Config{RequestTimeout: 10 * time.Millisecond, InsertRate: 1, InsertBurst: 1},
		idx, st, &users{vecs: map[int64][]float32{}})
	require.NoError(t, err)
	defer svc.Close()

	require.NoError(t, svc.AddItem(context.Background(), 1, make([]float32, dim)))
	err = svc.AddItem(context.Background(), 2, make([]float32, dim))
	assert.True(t, core.IsKind(err, core.KindDeadlineExceeded))
	assert.False(t, st.Contains(2))
}

func metricsReport(t *testing.T, svc *recall.Service) recall.MetricsReport {
	t.Helper()
	raw, err := svc.GetMetrics(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	var r recall.MetricsReport
	require.NoError(t, json.Unmarshal([]byte(raw), &r))
	return r
}

func TestMetrics_MonotonicAndReset(t *testing.T) {
	fc := &users{vecs: map[int64][]float32{1: make([]float32, dim)}}
	svc, _, _ := newService(t, fc)
	populate(t, svc, 20, 6)

	require.NoError(t, svc.AddItem(context.Background(), 100, make([]float32, dim)))
	_, err := svc.SearchCandidates(context.Background(), 1, 5)
	require.NoError(t, err)
	_, err = svc.SearchCandidates(context.Background(), 2, 5)
	require.Error(t, err)

	first := metricsReport(t, svc)
	assert.Equal(t, int64(1), first.Operations[recall.OpAddItem].Count)
	assert.Equal(t, int64(2), first.Operations[recall.OpSearchCandidates].Count)
	assert.Equal(t, int64(1), first.Operations[recall.OpSearchCandidates].Errors)
	assert.Equal(t, int64(2), first.Operations[recall.OpFeatureLookup].Count)
	assert.Equal(t, int64(1), first.Operations[recall.OpIndexSearch].Count)
	assert.Equal(t, int64(0), first.Operations[recall.OpGetMetrics].Count)
	assert.Equal(t, 21, first.StoreSize)
	assert.True(t, first.Healthy)

	// Counts never decrease between resets.
	_, err = svc.SearchCandidates(context.Background(), 1, 5)
	require.NoError(t, err)
	second := metricsReport(t, svc)
	for op, r := range first.Operations {
		assert.GreaterOrEqual(t, second.Operations[op].Count, r.Count, op)
	}
	assert.Equal(t, int64(1), second.Operations[recall.OpGetMetrics].Count)

	// Right after a reset every count is zero; the reset is not counted.
	require.NoError(t, svc.ResetMetrics(context.Background()))
	after := metricsReport(t, svc)
	for op, r := range after.Operations {
		assert.Zero(t, r.Count, op)
		assert.Zero(t, r.Errors, op)
	}
	assert.False(t, after.Since.Before(first.Since))
}

func TestConcurrentAddAndSearch(t *testing.T) {
	rnd := rand.New(rand.NewSource(8))
	fc := &users{vecs: map[int64][]float32{}}
	for u := int64(1); u <= 4; u++ {
		fc.set(u, randomVec(rnd))
	}
	svc, _, _ := newService(t, fc)
	populate(t, svc, 100, 9)

	const writers = 4
	const perWriter = 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				id := int64(10_000 + w*perWriter + i)
				vec := make([]float32, dim)
				for j := range vec {
					vec[j] = float32(id) * 0.25
				}
				if !assert.NoError(t, svc.AddItem(context.Background(), id, vec)) {
					return
				}
				// Read-your-writes through the feature client.
				userID := int64(1000 + id)
				fc.set(userID, vec)
				got, err := svc.SearchCandidates(context.Background(), userID, 1)
				if assert.NoError(t, err) && assert.Equal(t, 1, got.Len()) {
					assert.Equal(t, id, got.Items[0])
				}
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				got, err := svc.SearchCandidates(context.Background(), int64(r+1), 10)
				if !assert.NoError(t, err) {
					return
				}
				seen := map[int64]bool{}
				for _, id := range got.Items {
					assert.False(t, seen[id], "duplicate candidate %d", id)
					seen[id] = true
				}
			}
		}(r)
	}
	wg.Wait()

	assert.NoError(t, svc.CheckConsistency())
	assert.True(t, svc.Healthy())
}

func TestSnapshot_RoundTrip(t *testing.T) {
	svc, _, _ := newService(t, &users{vecs: map[int64][]float32{}})
	items := populate(t, svc, 25, 10)
	require.NoError(t, svc.AddItem(context.Background(), 500, make([]float32, dim)))

	path := filepath.Join(t.TempDir(), "recall.snap")
	meta, err := svc.Snapshot(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 26, meta.Count)
	assert.NotEmpty(t, meta.BuildID)

	snap, err := snapshot.Open(path)
	require.NoError(t, err)
	assert.Equal(t, meta.BuildID, snap.Metadata.BuildID)
	assert.Equal(t, items[0], snap.Items[0])
	assert.Equal(t, int64(500), snap.Items[25].ID)

	// A restored service answers like the original.
	other, _, _ := newService(t, &users{vecs: map[int64][]float32{}})
	require.NoError(t, other.Load(context.Background(), snap.Items, nil))
	assert.NoError(t, other.CheckConsistency())
	assert.Error(t, other.Load(context.Background(), snap.Items, nil))
}

func TestNew_Validation(t *testing.T) {
	idx, err := ann.New(ann.DefaultConfig(4))
	require.NoError(t, err)
	defer idx.Close()
	st, err := store.New(8, 1)
	require.NoError(t, err)

	_, err = recall.New(recall.DefaultConfig(), idx, st, &users{})
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)
	_, err = recall.New(recall.DefaultConfig(), idx, nil, &users{})
	assert.True(t, core.IsKind(err, core.KindInvalidArgument))
}
