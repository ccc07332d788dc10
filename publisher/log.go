package publisher

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/maxpert/shardkeeper/db"
	"github.com/maxpert/shardkeeper/encoding"
	"github.com/rs/zerolog/log"
)

const (
	prefixPubLog    = "/publog/"
	prefixPubCursor = "/pubcursor/"
	prefixPubSeq    = "/pubseq"
)

const (
	defaultReadLimit    = 100
	cleanupIntervalMask = 0x7F // every 128 sequences
)

var errLogClosed = errors.New("publish log is closed")

// PublishLog is an append-only event log with one cursor per sink, kept in
// the node's shared store.
type PublishLog struct {
	store *db.Store

	appendMu sync.Mutex
	nextSeq  atomic.Uint64

	cursors   map[string]uint64
	cursorsMu sync.RWMutex

	cleanupMu      sync.Mutex
	cleanupRunning atomic.Bool
	cleanupWg      sync.WaitGroup

	closed atomic.Bool
}

// NewPublishLog loads the sequence and cursors from store.
func NewPublishLog(store *db.Store) (*PublishLog, error) {
	pl := &PublishLog{store: store, cursors: make(map[string]uint64)}

	val, err := store.Get([]byte(prefixPubSeq))
	switch {
	case errors.Is(err, db.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to load sequence number: %w", err)
	case len(val) != 8:
		return nil, fmt.Errorf("invalid sequence value length: %d", len(val))
	default:
		pl.nextSeq.Store(binary.BigEndian.Uint64(val))
	}

	err = store.Scan([]byte(prefixPubCursor), func(key, value []byte) error {
		if len(value) != 8 {
			return fmt.Errorf("corrupted cursor for sink %s: invalid length %d", key, len(value))
		}
		pl.cursors[string(key[len(prefixPubCursor):])] = binary.BigEndian.Uint64(value)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load cursors: %w", err)
	}
	if len(pl.cursors) > 0 {
		log.Info().Int("cursors", len(pl.cursors)).Msg("Loaded publish log cursors")
	}
	return pl, nil
}

// Append assigns sequence numbers to events in place and writes them with
// the new high-water mark in one durable batch.
func (pl *PublishLog) Append(events []PlacementEvent) error {
	if len(events) == 0 {
		return nil
	}
	if pl.closed.Load() {
		return errLogClosed
	}

	pl.appendMu.Lock()
	defer pl.appendMu.Unlock()

	seq := pl.nextSeq.Load()
	batch := pl.store.NewBatch()
	defer batch.Discard()

	for i := range events {
		seq++
		events[i].SeqNum = seq
		val, err := encoding.Marshal(&events[i])
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		if err := batch.Put(pubLogKey(seq), val); err != nil {
			return fmt.Errorf("failed to write event: %w", err)
		}
	}
	if err := batch.Put([]byte(prefixPubSeq), uint64Bytes(seq)); err != nil {
		return fmt.Errorf("failed to update sequence: %w", err)
	}
	if err := batch.Commit(true); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	pl.nextSeq.Store(seq)
	return nil
}

// LastSeq is the sequence of the newest appended event.
func (pl *PublishLog) LastSeq() uint64 {
	return pl.nextSeq.Load()
}

// ReadFrom returns up to limit events after cursor.
func (pl *PublishLog) ReadFrom(cursor uint64, limit int) ([]PlacementEvent, error) {
	if pl.closed.Load() {
		return nil, errLogClosed
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}

	events := make([]PlacementEvent, 0, limit)
	upper := db.PrefixUpperBound([]byte(prefixPubLog))
	err := pl.store.ScanRange(pubLogKey(cursor+1), upper, func(key, value []byte) error {
		if len(events) >= limit {
			return errStopRead
		}
		var ev PlacementEvent
		if err := encoding.Unmarshal(value, &ev); err != nil {
			log.Warn().Err(err).Str("key", string(key)).Msg("Failed to unmarshal placement event")
			return nil
		}
		events = append(events, ev)
		return nil
	})
	if err != nil && !errors.Is(err, errStopRead) {
		return nil, err
	}
	return events, nil
}

var errStopRead = errors.New("stop")

// GetCursor returns the last sequence a sink has published. New sinks
// start at zero.
func (pl *PublishLog) GetCursor(sinkName string) (uint64, error) {
	if pl.closed.Load() {
		return 0, errLogClosed
	}
	pl.cursorsMu.RLock()
	defer pl.cursorsMu.RUnlock()
	return pl.cursors[sinkName], nil
}

// AdvanceCursor persists a sink's cursor and periodically triggers cleanup
// of entries every sink has passed.
func (pl *PublishLog) AdvanceCursor(sinkName string, newSeq uint64) error {
	if pl.closed.Load() {
		return errLogClosed
	}

	if err := pl.store.Put([]byte(prefixPubCursor+sinkName), uint64Bytes(newSeq), true); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}
	pl.cursorsMu.Lock()
	pl.cursors[sinkName] = newSeq
	pl.cursorsMu.Unlock()

	if newSeq&cleanupIntervalMask == 0 && pl.cleanupRunning.CompareAndSwap(false, true) {
		pl.cleanupWg.Add(1)
		go func() {
			defer pl.cleanupWg.Done()
			defer pl.cleanupRunning.Store(false)
			pl.cleanup()
		}()
	}
	return nil
}

// cleanup deletes entries below the minimum cursor.
func (pl *PublishLog) cleanup() {
	pl.cleanupMu.Lock()
	defer pl.cleanupMu.Unlock()

	if pl.closed.Load() {
		return
	}

	pl.cursorsMu.RLock()
	if len(pl.cursors) == 0 {
		pl.cursorsMu.RUnlock()
		return
	}
	minCursor := ^uint64(0)
	for _, c := range pl.cursors {
		minCursor = min(minCursor, c)
	}
	pl.cursorsMu.RUnlock()

	if minCursor == 0 {
		return
	}

	batch := pl.store.NewBatch()
	defer batch.Discard()
	err := pl.store.ScanRange([]byte(prefixPubLog), pubLogKey(minCursor), func(key, _ []byte) error {
		return batch.Delete(append([]byte(nil), key...))
	})
	if err == nil {
		err = batch.Commit(false)
	}
	if err != nil {
		log.Warn().Err(err).Uint64("min_cursor", minCursor).Msg("Failed to cleanup publish log")
		return
	}
	log.Debug().Uint64("min_cursor", minCursor).Msg("Cleaned up publish log entries")
}

// Close stops further use and waits for in-flight cleanup. The shared
// store stays open.
func (pl *PublishLog) Close() error {
	if !pl.closed.CompareAndSwap(false, true) {
		return errors.New("publish log already closed")
	}
	pl.cleanupWg.Wait()
	return nil
}

func pubLogKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixPubLog, seq))
}

func uint64Bytes(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}
