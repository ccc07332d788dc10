package db

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/maxpert/shardkeeper/cfg"
	"github.com/maxpert/shardkeeper/encoding"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("key not found")

// Options configures a Store.
type Options struct {
	InMemory       bool
	CacheSizeMB    int64
	MemTableSizeMB int
}

// DefaultOptions returns store options from cfg.Config.Storage.
func DefaultOptions() Options {
	s := cfg.Config.Storage
	return Options{
		InMemory:       s.InMemory,
		CacheSizeMB:    s.CacheSizeMB,
		MemTableSizeMB: s.MemTableSizeMB,
	}
}

// pebbleLogger wraps zerolog for Pebble
type pebbleLogger struct{}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf("[pebble] "+format, args...)
}

// Store is a thin pebble wrapper shared by the placement catalog, the
// retryable write ledger, coordinator documents and shard data. Keys are
// namespaced by the caller with a path-style prefix.
type Store struct {
	db   *pebble.DB
	path string
}

// Open opens (or creates) a store at path.
func Open(path string, opts Options) (*Store, error) {
	if opts.CacheSizeMB <= 0 {
		opts.CacheSizeMB = 8
	}
	if opts.MemTableSizeMB <= 0 {
		opts.MemTableSizeMB = 4
	}

	cache := pebble.NewCache(opts.CacheSizeMB << 20)
	defer cache.Unref()

	pebbleOpts := &pebble.Options{
		Cache:        cache,
		MemTableSize: uint64(opts.MemTableSizeMB << 20),
		Logger:       &pebbleLogger{},
	}
	if opts.InMemory {
		pebbleOpts.FS = vfs.NewMem()
		path = ""
	}

	pdb, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	return &Store{db: pdb, path: path}, nil
}

// OpenInMemory opens a store on an in-memory filesystem.
func OpenInMemory() (*Store, error) {
	return Open("", Options{InMemory: true})
}

// Close closes the underlying pebble database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns a copy of the value at key.
func (s *Store) Get(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	result := make([]byte, len(val))
	copy(result, val)
	return result, nil
}

// GetMsgpack decodes the value at key into v. It reports false when the key
// does not exist.
func (s *Store) GetMsgpack(key []byte, v any) (bool, error) {
	val, err := s.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := encoding.Unmarshal(val, v); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

// Put writes key. Durable writes fsync the WAL before returning.
func (s *Store) Put(key, value []byte, durable bool) error {
	return s.db.Set(key, value, writeOpts(durable))
}

// PutMsgpack encodes v and writes it under key.
func (s *Store) PutMsgpack(key []byte, v any, durable bool) error {
	data, err := encoding.Marshal(v)
	if err != nil {
		return err
	}
	return s.Put(key, data, durable)
}

// Delete removes key.
func (s *Store) Delete(key []byte, durable bool) error {
	return s.db.Delete(key, writeOpts(durable))
}

// DeletePrefix removes every key starting with prefix.
func (s *Store) DeletePrefix(prefix []byte, durable bool) error {
	return s.db.DeleteRange(prefix, PrefixUpperBound(prefix), writeOpts(durable))
}

// Scan calls fn for every key under prefix in order. Returning a non-nil
// error from fn stops the scan. Slices passed to fn are only valid during
// the call.
func (s *Store) Scan(prefix []byte, fn func(key, value []byte) error) error {
	return s.ScanRange(prefix, PrefixUpperBound(prefix), fn)
}

// ScanRange iterates keys in [lower, upper).
func (s *Store) ScanRange(lower, upper []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

// NewBatch starts a write-only batch.
func (s *Store) NewBatch() *Batch {
	return &Batch{b: s.db.NewBatch()}
}

// NewIndexedBatch starts a batch that can read its own writes. Shard
// transactions buffer their writes in one until commit or abort.
func (s *Store) NewIndexedBatch() *Batch {
	return &Batch{b: s.db.NewIndexedBatch(), indexed: true}
}

// Batch groups writes so they commit atomically.
type Batch struct {
	b       *pebble.Batch
	indexed bool
	closed  bool
}

func (b *Batch) Put(key, value []byte) error {
	return b.b.Set(key, value, nil)
}

func (b *Batch) PutMsgpack(key []byte, v any) error {
	data, err := encoding.Marshal(v)
	if err != nil {
		return err
	}
	return b.b.Set(key, data, nil)
}

func (b *Batch) Delete(key []byte) error {
	return b.b.Delete(key, nil)
}

func (b *Batch) DeletePrefix(prefix []byte) error {
	return b.b.DeleteRange(prefix, PrefixUpperBound(prefix), nil)
}

// Get reads through the batch. Only valid on indexed batches.
func (b *Batch) Get(key []byte) ([]byte, error) {
	if !b.indexed {
		return nil, errors.New("get on non-indexed batch")
	}
	val, closer, err := b.b.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return bytes.Clone(val), nil
}

// Scan iterates the merged view of the batch and the store. Only valid on
// indexed batches.
func (b *Batch) Scan(prefix []byte, fn func(key, value []byte) error) error {
	if !b.indexed {
		return errors.New("scan on non-indexed batch")
	}
	iter, err := b.b.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: PrefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Empty reports whether the batch holds no writes.
func (b *Batch) Empty() bool {
	return b.b.Empty()
}

// Commit applies the batch and releases it.
func (b *Batch) Commit(durable bool) error {
	defer b.Discard()
	return b.b.Commit(writeOpts(durable))
}

// Discard releases the batch without applying it. It is a no-op after
// Commit, so callers may defer it unconditionally.
func (b *Batch) Discard() {
	if b.closed {
		return
	}
	b.closed = true
	_ = b.b.Close()
}

func writeOpts(durable bool) *pebble.WriteOptions {
	if durable {
		return pebble.Sync
	}
	return pebble.NoSync
}

// PrefixUpperBound returns the smallest key greater than every key with the
// given prefix.
func PrefixUpperBound(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
