package ann

import (
	"time"

	"github.com/patrikhermansson/recall/core"
)

// Primary structure kinds.
const (
	KindHNSW = "hnsw"
	KindIVF  = "ivf"
)

// HNSWConfig holds the graph parameters of the hnsw primary.
type HNSWConfig struct {
	M              int `mapstructure:"m"`
	EfConstruction int `mapstructure:"ef_construction"`
	EfSearch       int `mapstructure:"ef_search"`
}

// IVFConfig holds the partitioning parameters of the ivf primary.
type IVFConfig struct {
	Partitions  int `mapstructure:"partitions"`
	Probes      int `mapstructure:"probes"`
	KMeansIters int `mapstructure:"kmeans_iters"`
}

// Config describes a sharded index.
type Config struct {
	Dimension int
	Metric    core.Metric
	Shards    int
	Kind      string
	HNSW      HNSWConfig
	IVF       IVFConfig

	// PendingLimit bounds a shard's pending buffer. An insert that finds the
	// buffer full absorbs it into the primary structure itself.
	PendingLimit int
	// AbsorbInterval is the period of the background absorber.
	AbsorbInterval time.Duration
	// AbsorbBatch is the number of items moved per shard lock acquisition.
	AbsorbBatch int
	// Seed drives level generation and k-means. Zero picks RECALL_SEED or the clock.
	Seed int64
}

// DefaultConfig returns a config with sensible defaults for dimension.
func DefaultConfig(dimension int) Config {
	return Config{
		Dimension:      dimension,
		Metric:         core.Euclidean,
		Shards:         4,
		Kind:           KindHNSW,
		HNSW:           HNSWConfig{M: 16, EfConstruction: 200, EfSearch: 64},
		IVF:            IVFConfig{Partitions: 64, Probes: 8, KMeansIters: 20},
		PendingLimit:   4096,
		AbsorbInterval: 50 * time.Millisecond,
		AbsorbBatch:    256,
	}
}

// withDefaults fills zero values from DefaultConfig and validates the rest.
func (c Config) withDefaults() (Config, error) {
	d := DefaultConfig(c.Dimension)
	if c.Dimension <= 0 {
		return c, core.E(core.KindInvalidArgument, "ann.New", nil, "dimension must be positive, got %d", c.Dimension)
	}
	if c.Shards <= 0 {
		c.Shards = d.Shards
	}
	switch c.Kind {
	case "":
		c.Kind = d.Kind
	case KindHNSW, KindIVF:
	default:
		return c, core.E(core.KindInvalidArgument, "ann.New", nil, "unknown index kind %q", c.Kind)
	}
	if c.HNSW.M <= 0 {
		c.HNSW.M = d.HNSW.M
	}
	if c.HNSW.EfConstruction <= 0 {
		c.HNSW.EfConstruction = d.HNSW.EfConstruction
	}
	if c.HNSW.EfSearch <= 0 {
		c.HNSW.EfSearch = d.HNSW.EfSearch
	}
	if c.IVF.Partitions <= 0 {
		c.IVF.Partitions = d.IVF.Partitions
	}
	if c.IVF.Probes <= 0 {
		c.IVF.Probes = d.IVF.Probes
	}
	if c.IVF.KMeansIters <= 0 {
		c.IVF.KMeansIters = d.IVF.KMeansIters
	}
	if c.PendingLimit <= 0 {
		c.PendingLimit = d.PendingLimit
	}
	if c.AbsorbInterval <= 0 {
		c.AbsorbInterval = d.AbsorbInterval
	}
	if c.AbsorbBatch <= 0 {
		c.AbsorbBatch = d.AbsorbBatch
	}
	return c, nil
}
