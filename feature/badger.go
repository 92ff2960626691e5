package feature

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/patrikhermansson/recall/recall"
)

const userKeyPrefix = "user:"

// BadgerOptions configures the Badger feature store.
type BadgerOptions struct {
	// Dir is the directory for BadgerDB data files. Required unless InMemory.
	Dir string
	// InMemory runs BadgerDB without disk persistence.
	InMemory bool
	// ReadOnly opens an existing store for lookups only.
	ReadOnly bool
}

// Badger is a feature store backed by BadgerDB. Embeddings are stored
// msgpack-encoded under "user:<id>".
type Badger struct {
	db *badger.DB
}

// NewBadger opens a Badger feature store.
func NewBadger(opts BadgerOptions) (*Badger, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("feature: BadgerOptions.Dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir).
		WithLogger(badgerLogger{log.With().Str("component", "badger").Logger()})
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	if opts.ReadOnly {
		dbOpts = dbOpts.WithReadOnly(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger feature store: %w", err)
	}
	return &Badger{db: db}, nil
}

func userKey(userID int64) []byte {
	return []byte(userKeyPrefix + strconv.FormatInt(userID, 10))
}

// Lookup returns the embedding of userID.
func (b *Badger) Lookup(ctx context.Context, userID int64) ([]float32, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var raw []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(userKey(userID))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup user %d: %w", userID, err)
	}
	var vec []float32
	if err := msgpack.Unmarshal(raw, &vec); err != nil {
		return nil, false, fmt.Errorf("decode embedding of user %d: %w", userID, err)
	}
	return vec, true, nil
}

// Put stores the embedding of userID.
func (b *Badger) Put(ctx context.Context, userID int64, vec []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := msgpack.Marshal(vec)
	if err != nil {
		return fmt.Errorf("encode embedding of user %d: %w", userID, err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(userKey(userID), value)
	})
}

// PutBatch stores many embeddings with a single write batch.
func (b *Badger) PutBatch(ctx context.Context, vecs map[int64][]float32) error {
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for userID, vec := range vecs {
		if err := ctx.Err(); err != nil {
			return err
		}
		value, err := msgpack.Marshal(vec)
		if err != nil {
			return fmt.Errorf("encode embedding of user %d: %w", userID, err)
		}
		if err := wb.Set(userKey(userID), value); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// Count returns the number of stored users.
func (b *Badger) Count() (int, error) {
	n := 0
	prefix := []byte(userKeyPrefix)
	err := b.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		iterOpts.PrefetchValues = false
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Close closes the underlying database.
func (b *Badger) Close() error {
	return b.db.Close()
}

var _ recall.FeatureClient = (*Badger)(nil)

// badgerLogger routes badger output to zerolog, dropping info and debug noise.
type badgerLogger struct {
	l zerolog.Logger
}

func (b badgerLogger) Errorf(f string, v ...interface{}) {
	b.l.Error().Msgf(strings.TrimSpace(f), v...)
}

func (b badgerLogger) Warningf(f string, v ...interface{}) {
	b.l.Warn().Msgf(strings.TrimSpace(f), v...)
}

func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}
