package snapshot

import (
	"bufio"
	"encoding/binary"
	"encoding/gob"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// FormatVersion is the snapshot format written by this package.
const FormatVersion uint16 = 1

var magic = [4]byte{'R', 'C', 'S', 'N'}

// headerSize is magic + uint16 version + uint8 compression.
const headerSize = 7

// Compression selects how the snapshot body is compressed.
type Compression uint8

const (
	// CompressionNone stores the body as is.
	CompressionNone Compression = 0
	// CompressionZstd compresses the body with zstd.
	CompressionZstd Compression = 1
	// CompressionLZ4 compresses the body with the lz4 frame format.
	CompressionLZ4 Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return "unknown"
	}
}

// ParseCompression maps a name to a Compression. The empty string is none.
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return CompressionNone, errors.Errorf("unknown compression %q", name)
	}
}

// Write encodes snap to w.
func Write(w io.Writer, snap *Snapshot, c Compression) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	var header [headerSize]byte
	copy(header[:4], magic[:])
	binary.LittleEndian.PutUint16(header[4:6], FormatVersion)
	header[6] = byte(c)

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(header[:]); err != nil {
		return errors.Wrap(err, "write snapshot header")
	}

	var body io.WriteCloser
	switch c {
	case CompressionNone:
		body = nopCloser{bw}
	case CompressionZstd:
		enc, err := zstd.NewWriter(bw)
		if err != nil {
			return errors.Wrap(err, "create zstd writer")
		}
		body = enc
	case CompressionLZ4:
		body = lz4.NewWriter(bw)
	default:
		return errors.Errorf("unsupported compression %d", c)
	}

	snap.Metadata.FormatVersion = FormatVersion
	if err := gob.NewEncoder(body).Encode(snap); err != nil {
		return errors.Wrap(err, "encode snapshot")
	}
	if err := body.Close(); err != nil {
		return errors.Wrapf(err, "close %s writer", c)
	}
	return errors.Wrap(bw.Flush(), "flush snapshot")
}

// Read decodes a snapshot from r and validates it.
func Read(r io.Reader) (*Snapshot, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, errors.Wrap(err, "read snapshot header")
	}
	if [4]byte(header[:4]) != magic {
		return nil, errors.New("not a snapshot: bad magic")
	}
	version := binary.LittleEndian.Uint16(header[4:6])
	if version == 0 || version > FormatVersion {
		return nil, errors.Errorf("unsupported snapshot version %d", version)
	}

	var body io.Reader
	switch c := Compression(header[6]); c {
	case CompressionNone:
		body = bufio.NewReader(r)
	case CompressionZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "create zstd reader")
		}
		defer dec.Close()
		body = dec
	case CompressionLZ4:
		body = lz4.NewReader(r)
	default:
		return nil, errors.Errorf("unsupported compression %d", c)
	}

	var snap Snapshot
	if err := gob.NewDecoder(body).Decode(&snap); err != nil {
		return nil, errors.Wrap(err, "decode snapshot")
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return &snap, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
