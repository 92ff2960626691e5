package snapshot

import (
	"context"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const s3Scheme = "s3://"

// S3Config holds the connection settings of an S3-compatible object store.
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Region    string `mapstructure:"region"`
	Secure    bool   `mapstructure:"secure"`
}

// Loader reads and writes snapshots on local disk or in an object store.
type Loader struct {
	client *minio.Client
}

// NewLoader creates a loader. Without an endpoint only local paths work.
func NewLoader(cfg S3Config) (*Loader, error) {
	if cfg.Endpoint == "" {
		return &Loader{}, nil
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "create s3 client for %s", cfg.Endpoint)
	}
	return &Loader{client: client}, nil
}

// ParseObjectPath splits s3://bucket/key. ok is false for local paths.
func ParseObjectPath(path string) (bucket, key string, ok bool, err error) {
	if !strings.HasPrefix(path, s3Scheme) {
		return "", "", false, nil
	}
	rest := strings.TrimPrefix(path, s3Scheme)
	bucket, key, found := strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", true, errors.Errorf("invalid object path %q, want s3://bucket/key", path)
	}
	return bucket, key, true, nil
}

func (l *Loader) requireClient(path string) error {
	if l.client == nil {
		return errors.Errorf("object path %s needs an s3 endpoint", path)
	}
	return nil
}

// LoadSnapshot reads the snapshot at path, a local file or s3://bucket/key.
func (l *Loader) LoadSnapshot(ctx context.Context, path string) (*Snapshot, error) {
	bucket, key, remote, err := ParseObjectPath(path)
	if err != nil {
		return nil, err
	}
	if !remote {
		return Open(path)
	}
	if err := l.requireClient(path); err != nil {
		return nil, err
	}

	obj, err := l.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", path)
	}
	defer obj.Close()

	snap, err := Read(obj)
	if err != nil {
		if resp := minio.ToErrorResponse(errors.Cause(err)); resp.Code == "NoSuchKey" || resp.Code == "NotFound" {
			return nil, errors.Wrapf(err, "snapshot %s not found", path)
		}
		return nil, errors.Wrapf(err, "read snapshot %s", path)
	}
	log.Info().Msgf("Loaded snapshot %s with %d items from %s", snap.Metadata.BuildID, snap.Metadata.Count, path)
	return snap, nil
}

// SaveSnapshot writes snap to path, a local file or s3://bucket/key.
func (l *Loader) SaveSnapshot(ctx context.Context, path string, snap *Snapshot, c Compression) error {
	bucket, key, remote, err := ParseObjectPath(path)
	if err != nil {
		return err
	}
	if !remote {
		return Save(path, snap, c)
	}
	if err := l.requireClient(path); err != nil {
		return err
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(Write(pw, snap, c))
	}()
	_, err = l.client.PutObject(ctx, bucket, key, pr, -1, minio.PutObjectOptions{ContentType: "application/octet-stream"})
	pr.Close()
	if err != nil {
		return errors.Wrapf(err, "put %s", path)
	}
	log.Info().Msgf("Uploaded snapshot %s with %d items to %s (%s)", snap.Metadata.BuildID, snap.Metadata.Count, path, c)
	return nil
}
