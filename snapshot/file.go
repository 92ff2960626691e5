package snapshot

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Save writes snap to path atomically: the file is written next to the
// target and renamed into place.
func Save(path string, snap *Snapshot, c Compression) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create %s", dir)
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	defer os.Remove(tmp.Name())

	if err := Write(tmp, snap, c); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sync snapshot")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close snapshot")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "rename snapshot to %s", path)
	}
	log.Info().Msgf("Saved snapshot %s with %d items to %s (%s)", snap.Metadata.BuildID, snap.Metadata.Count, path, c)
	return nil
}

// Open reads the snapshot stored at a local path.
func Open(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open snapshot %s", path)
	}
	defer f.Close()
	snap, err := Read(f)
	if err != nil {
		return nil, errors.Wrapf(err, "read snapshot %s", path)
	}
	return snap, nil
}
