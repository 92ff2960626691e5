package recall

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/patrikhermansson/recall/snapshot"
)

// Config holds the request-level settings of a Service.
type Config struct {
	// RequestTimeout bounds every feature lookup plus index search.
	RequestTimeout time.Duration
	// InsertRate limits AddItem calls per second. Zero disables the limit.
	InsertRate float64
	// InsertBurst is the token bucket size of the insert limiter.
	InsertBurst int
	// SnapshotCompression is used by Service.Snapshot.
	SnapshotCompression snapshot.Compression
}

// DefaultConfig returns the default service settings.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:      time.Second,
		SnapshotCompression: snapshot.CompressionZstd,
	}
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger used by the service.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.log = logger
	}
}

// WithSnapshotLoader sets the loader used by Service.Snapshot, enabling
// s3://bucket/key destinations.
func WithSnapshotLoader(loader *snapshot.Loader) Option {
	return func(s *Service) {
		s.loader = loader
	}
}
