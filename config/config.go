// Package config loads the recall service configuration from a YAML file and
// RECALL_* environment variables.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/patrikhermansson/recall/ann"
	"github.com/patrikhermansson/recall/core"
	"github.com/patrikhermansson/recall/recall"
	"github.com/patrikhermansson/recall/snapshot"
)

// EnvPrefix prefixes every environment override, e.g. RECALL_INDEX_KIND.
const EnvPrefix = "RECALL"

// Config is the declarative configuration of a recall process.
type Config struct {
	Dimension           int            `mapstructure:"dimension"`
	Metric              string         `mapstructure:"metric"`
	Shards              int            `mapstructure:"shards"`
	Index               IndexConfig    `mapstructure:"index"`
	RequestTimeout      time.Duration  `mapstructure:"request_timeout"`
	InsertRate          float64        `mapstructure:"insert_rate"`
	InsertBurst         int            `mapstructure:"insert_burst"`
	ConsistencyInterval time.Duration  `mapstructure:"consistency_interval"`
	Listen              ListenConfig   `mapstructure:"listen"`
	Snapshot            SnapshotConfig `mapstructure:"snapshot"`
	Features            FeatureConfig  `mapstructure:"features"`
	Log                 LogConfig      `mapstructure:"log"`
}

// IndexConfig configures the ANN index.
type IndexConfig struct {
	Kind           string         `mapstructure:"kind"`
	HNSW           ann.HNSWConfig `mapstructure:"hnsw"`
	IVF            ann.IVFConfig  `mapstructure:"ivf"`
	PendingLimit   int            `mapstructure:"pending_limit"`
	AbsorbInterval time.Duration  `mapstructure:"absorb_interval"`
	AbsorbBatch    int            `mapstructure:"absorb_batch"`
	Seed           int64          `mapstructure:"seed"`
}

// ListenConfig holds the listen addresses. An empty address disables the listener.
type ListenConfig struct {
	GRPC string `mapstructure:"grpc"`
	HTTP string `mapstructure:"http"`
}

// SnapshotConfig locates the startup snapshot.
type SnapshotConfig struct {
	Path        string            `mapstructure:"path"`
	Compression string            `mapstructure:"compression"`
	S3          snapshot.S3Config `mapstructure:"s3"`
}

// FeatureConfig selects the feature store backend.
type FeatureConfig struct {
	Backend   string      `mapstructure:"backend"`
	BadgerDir string      `mapstructure:"badger_dir"`
	Cache     CacheConfig `mapstructure:"cache"`
}

// CacheConfig configures the feature cache.
type CacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	MaxItems int64         `mapstructure:"max_items"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// LogConfig configures zerolog.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Feature store backends.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
)

// NewViper returns a viper instance with every key defaulted and RECALL_*
// environment overrides enabled.
func NewViper() *viper.Viper {
	v := viper.New()
	annDefaults := ann.DefaultConfig(0)

	v.SetDefault("dimension", 0)
	v.SetDefault("metric", core.Euclidean.String())
	v.SetDefault("shards", annDefaults.Shards)
	v.SetDefault("index.kind", annDefaults.Kind)
	v.SetDefault("index.hnsw.m", annDefaults.HNSW.M)
	v.SetDefault("index.hnsw.ef_construction", annDefaults.HNSW.EfConstruction)
	v.SetDefault("index.hnsw.ef_search", annDefaults.HNSW.EfSearch)
	v.SetDefault("index.ivf.partitions", annDefaults.IVF.Partitions)
	v.SetDefault("index.ivf.probes", annDefaults.IVF.Probes)
	v.SetDefault("index.ivf.kmeans_iters", annDefaults.IVF.KMeansIters)
	v.SetDefault("index.pending_limit", annDefaults.PendingLimit)
	v.SetDefault("index.absorb_interval", annDefaults.AbsorbInterval)
	v.SetDefault("index.absorb_batch", annDefaults.AbsorbBatch)
	v.SetDefault("index.seed", 0)
	v.SetDefault("request_timeout", recall.DefaultConfig().RequestTimeout)
	v.SetDefault("insert_rate", 0)
	v.SetDefault("insert_burst", 1)
	v.SetDefault("consistency_interval", 30*time.Second)
	v.SetDefault("listen.grpc", ":8980")
	v.SetDefault("listen.http", ":8981")
	v.SetDefault("snapshot.path", "")
	v.SetDefault("snapshot.compression", snapshot.CompressionZstd.String())
	v.SetDefault("snapshot.s3.endpoint", "")
	v.SetDefault("snapshot.s3.access_key", "")
	v.SetDefault("snapshot.s3.secret_key", "")
	v.SetDefault("snapshot.s3.region", "")
	v.SetDefault("snapshot.s3.secure", true)
	v.SetDefault("features.backend", BackendMemory)
	v.SetDefault("features.badger_dir", "")
	v.SetDefault("features.cache.enabled", false)
	v.SetDefault("features.cache.max_items", 100_000)
	v.SetDefault("features.cache.ttl", 5*time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional YAML file at path into v, decodes and validates the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	cfg, err := Decode(v, path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode is Load without validation, for tools that only need part of the
// configuration (snapshot storage, logging).
func Decode(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	return &cfg, nil
}

// Validate checks the configuration for values no component would accept.
func (c *Config) Validate() error {
	if c.Dimension <= 0 {
		return errors.Errorf("dimension must be positive, got %d", c.Dimension)
	}
	if _, err := core.ParseMetric(c.Metric); err != nil {
		return errors.Wrap(err, "metric")
	}
	switch c.Index.Kind {
	case ann.KindHNSW, ann.KindIVF:
	default:
		return errors.Errorf("unknown index.kind %q", c.Index.Kind)
	}
	if c.RequestTimeout <= 0 {
		return errors.Errorf("request_timeout must be positive, got %s", c.RequestTimeout)
	}
	if _, err := snapshot.ParseCompression(c.Snapshot.Compression); err != nil {
		return errors.Wrap(err, "snapshot.compression")
	}
	switch c.Features.Backend {
	case BackendMemory:
	case BackendBadger:
		if c.Features.BadgerDir == "" {
			return errors.New("features.badger_dir is required for the badger backend")
		}
	default:
		return errors.Errorf("unknown features.backend %q", c.Features.Backend)
	}
	return nil
}

// ANN returns the index configuration.
func (c *Config) ANN() (ann.Config, error) {
	metric, err := core.ParseMetric(c.Metric)
	if err != nil {
		return ann.Config{}, errors.Wrap(err, "metric")
	}
	return ann.Config{
		Dimension:      c.Dimension,
		Metric:         metric,
		Shards:         c.Shards,
		Kind:           c.Index.Kind,
		HNSW:           c.Index.HNSW,
		IVF:            c.Index.IVF,
		PendingLimit:   c.Index.PendingLimit,
		AbsorbInterval: c.Index.AbsorbInterval,
		AbsorbBatch:    c.Index.AbsorbBatch,
		Seed:           c.Index.Seed,
	}, nil
}

// Service returns the request-level service configuration.
func (c *Config) Service() (recall.Config, error) {
	compression, err := snapshot.ParseCompression(c.Snapshot.Compression)
	if err != nil {
		return recall.Config{}, errors.Wrap(err, "snapshot.compression")
	}
	return recall.Config{
		RequestTimeout:      c.RequestTimeout,
		InsertRate:          c.InsertRate,
		InsertBurst:         c.InsertBurst,
		SnapshotCompression: compression,
	}, nil
}
