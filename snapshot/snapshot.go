// Package snapshot reads and writes IndexSnapshots: the versioned, optionally
// compressed representation of the item vectors a recall service starts from.
//
// A snapshot file starts with the magic "RCSN", a little-endian uint16 format
// version and a uint8 compression id, followed by the gob-encoded Snapshot.
// Snapshots are read from local paths or from s3://bucket/key objects.
package snapshot

import (
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/patrikhermansson/recall/core"
)

// Metadata describes a snapshot.
type Metadata struct {
	FormatVersion uint16
	BuildID       string
	Dimension     int
	Metric        string
	Count         int
	CreatedAt     time.Time
	Source        string // where the items came from, e.g. a CSV path or "service"
}

// Snapshot is an IndexSnapshot: metadata plus every item.
type Snapshot struct {
	Metadata Metadata
	Items    []core.Item
}

// New builds a snapshot of items with a fresh build id.
func New(dimension int, metric core.Metric, source string, items []core.Item) *Snapshot {
	return &Snapshot{
		Metadata: Metadata{
			FormatVersion: FormatVersion,
			BuildID:       uuid.NewString(),
			Dimension:     dimension,
			Metric:        metric.String(),
			Count:         len(items),
			CreatedAt:     time.Now().UTC(),
			Source:        source,
		},
		Items: items,
	}
}

// Validate checks that the items agree with the metadata: matching count and
// dimension, unique ids and a known metric.
func (s *Snapshot) Validate() error {
	if s == nil {
		return errors.New("nil snapshot")
	}
	if s.Metadata.Dimension <= 0 {
		return errors.Errorf("invalid snapshot dimension %d", s.Metadata.Dimension)
	}
	if _, err := s.MetricValue(); err != nil {
		return errors.Wrap(err, "snapshot metric")
	}
	if s.Metadata.Count != len(s.Items) {
		return errors.Errorf("snapshot count %d does not match %d items", s.Metadata.Count, len(s.Items))
	}
	ids := roaring64.New()
	for _, it := range s.Items {
		if len(it.Vector) != s.Metadata.Dimension {
			return errors.Errorf("item %d has dimension %d, want %d", it.ID, len(it.Vector), s.Metadata.Dimension)
		}
		if !ids.CheckedAdd(uint64(it.ID)) {
			return errors.Errorf("duplicate item %d", it.ID)
		}
	}
	return nil
}

// MetricValue returns the parsed metric of the snapshot.
func (s *Snapshot) MetricValue() (core.Metric, error) {
	return core.ParseMetric(s.Metadata.Metric)
}
