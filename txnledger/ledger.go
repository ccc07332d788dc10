package txnledger

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/shardkeeper/cfg"
	"github.com/maxpert/shardkeeper/db"
	"github.com/maxpert/shardkeeper/encoding"
	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/hlc"
	"github.com/maxpert/shardkeeper/telemetry"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// InfoCurrentCounter is the Info key carrying the ledger's retry counter on
// TxnRetryCounterTooOld errors.
const InfoCurrentCounter = "currentTxnRetryCounter"

const sessionStripes = 64

// AbortHook aborts the open transaction a newer txnNumber or retry counter
// supersedes.
type AbortHook func(ctx context.Context, lsid string, txnNumber int64, txnRetryCounter int32) error

// Options configures a Ledger.
type Options struct {
	Clock            *hlc.Clock
	SessionCacheSize int
	FilterCapacity   uint
	AbortHook        AbortHook
}

// DefaultOptions reads sizes from cfg.Config.Ledger.
func DefaultOptions(clock *hlc.Clock) Options {
	return Options{
		Clock:            clock,
		SessionCacheSize: cfg.Config.Ledger.SessionCacheSize,
		FilterCapacity:   cfg.Config.Ledger.FilterCapacity,
	}
}

// Ledger is one shard's retryable write ledger.
type Ledger struct {
	store  *db.Store
	clock  *hlc.Clock
	abort  AbortHook
	cache  *lru.Cache[string, SessionRecord]
	filter *statementFilter
	locks  [sessionStripes]sync.Mutex
}

// Open loads the statement filter from store.
func Open(store *db.Store, opts Options) (*Ledger, error) {
	if opts.Clock == nil {
		return nil, errors.New("ledger requires a clock")
	}
	if opts.SessionCacheSize <= 0 {
		opts.SessionCacheSize = 4096
	}
	cache, err := lru.New[string, SessionRecord](opts.SessionCacheSize)
	if err != nil {
		return nil, err
	}

	l := &Ledger{
		store:  store,
		clock:  opts.Clock,
		abort:  opts.AbortHook,
		cache:  cache,
		filter: newStatementFilter(opts.FilterCapacity),
	}

	count := 0
	var last hlc.Timestamp
	err = store.Scan([]byte(prefixStmt), func(_, value []byte) error {
		var e StatementEntry
		if err := encoding.Unmarshal(value, &e); err != nil {
			return err
		}
		l.filter.add(e.SessionID, e.TxnNumber, e.StmtID)
		last = hlc.Max(last, e.OpTime)
		count++
		return nil
	})
	if err != nil {
		return nil, pkgerrors.WithMessage(err, "load ledger statements")
	}
	if !last.IsZero() {
		l.clock.Update(last)
	}
	log.Debug().Int("statements", count).Msg("Retryable write ledger opened")
	return l, nil
}

// SetAbortHook installs the hook after construction. Shards wire it once
// their transaction table exists.
func (l *Ledger) SetAbortHook(h AbortHook) {
	l.abort = h
}

func (l *Ledger) lockSession(lsid string) func() {
	m := &l.locks[xxhash.Sum64String(lsid)%sessionStripes]
	m.Lock()
	return m.Unlock
}

// Session returns the session record. ok is false for unknown sessions.
func (l *Ledger) Session(lsid string) (SessionRecord, bool, error) {
	if rec, ok := l.cache.Get(lsid); ok {
		return rec, true, nil
	}
	var rec SessionRecord
	found, err := l.store.GetMsgpack(sessionKey(lsid), &rec)
	if err != nil || !found {
		return SessionRecord{}, false, err
	}
	l.cacheRecord(rec)
	return rec, true, nil
}

func (l *Ledger) cacheRecord(rec SessionRecord) {
	l.cache.Add(rec.SessionID, rec)
	telemetry.LedgerCachedSessions.Set(float64(l.cache.Len()))
}

func staleCounter(lsid string, got, current int32) error {
	return errs.Newf(errs.TxnRetryCounterTooOld,
		"session %s: txnRetryCounter %d is older than %d", lsid, got, current).
		WithInfo(InfoCurrentCounter, current)
}

// CurrentCounter extracts the counter echoed by a TxnRetryCounterTooOld.
func CurrentCounter(err error) (int32, bool) {
	v, ok := errs.InfoOf(err, InfoCurrentCounter)
	if !ok {
		return 0, false
	}
	c, ok := v.(int32)
	return c, ok
}

// advance brings the session to (txn, rc), aborting and purging whatever
// the new coordinates supersede. It returns the record to build on and
// whether it changed. Caller holds the session lock.
func (l *Ledger) advance(ctx context.Context, lsid string, txn int64, rc int32) (SessionRecord, bool, error) {
	if txn < 0 || rc < 0 {
		return SessionRecord{}, false, errs.New(errs.BadValue, "txnNumber and txnRetryCounter must be non-negative")
	}
	rec, found, err := l.Session(lsid)
	if err != nil {
		return SessionRecord{}, false, err
	}
	if !found {
		return SessionRecord{SessionID: lsid, TxnNumber: txn, TxnRetryCounter: rc}, true, nil
	}

	switch {
	case txn < rec.TxnNumber:
		return SessionRecord{}, false, errs.Newf(errs.TransactionTooOld,
			"session %s: txnNumber %d is older than %d", lsid, txn, rec.TxnNumber)
	case txn == rec.TxnNumber && rc < rec.TxnRetryCounter:
		return SessionRecord{}, false, staleCounter(lsid, rc, rec.TxnRetryCounter)
	case txn == rec.TxnNumber && rc == rec.TxnRetryCounter:
		return rec, false, nil
	}

	// Superseded: a newer txnNumber, or a newer attempt of the same one.
	if rec.State == StatePrepared {
		return SessionRecord{}, false, errs.Newf(errs.PrepareConflict,
			"session %s: txnNumber %d is prepared and cannot be superseded", lsid, rec.TxnNumber)
	}
	if rec.State.Open() && l.abort != nil {
		if err := l.abort(ctx, lsid, rec.TxnNumber, rec.TxnRetryCounter); err != nil {
			return SessionRecord{}, false, pkgerrors.WithMessagef(err, "abort superseded txn %d", rec.TxnNumber)
		}
	}
	if err := l.purge(lsid); err != nil {
		return SessionRecord{}, false, err
	}
	log.Debug().
		Str("lsid", lsid).
		Int64("old_txn_number", rec.TxnNumber).
		Int64("txn_number", txn).
		Int32("txn_retry_counter", rc).
		Msg("Session advanced")
	return SessionRecord{SessionID: lsid, TxnNumber: txn, TxnRetryCounter: rc}, true, nil
}

// purge deletes every statement and image of lsid.
func (l *Ledger) purge(lsid string) error {
	var stale []StatementEntry
	err := l.store.Scan(stmtSessionPrefix(lsid), func(_, value []byte) error {
		var e StatementEntry
		if err := encoding.Unmarshal(value, &e); err != nil {
			return err
		}
		stale = append(stale, e)
		return nil
	})
	if err != nil {
		return err
	}
	b := l.store.NewBatch()
	defer b.Discard()
	if err := b.DeletePrefix(stmtSessionPrefix(lsid)); err != nil {
		return err
	}
	if err := b.DeletePrefix(imageSessionPrefix(lsid)); err != nil {
		return err
	}
	if err := b.Commit(true); err != nil {
		return err
	}
	for _, e := range stale {
		l.filter.remove(e.SessionID, e.TxnNumber, e.StmtID)
	}
	return nil
}

// RecordStatement durably records a statement's result. Recording a
// statement that already exists returns the stored entry unchanged, so
// only the first execution's result is ever visible.
func (l *Ledger) RecordStatement(ctx context.Context, lsid string, txn int64, rc int32, stmtID int32, result Result, opts RecordOptions) (StatementEntry, error) {
	entry, _, err := l.ExecuteOnce(ctx, lsid, txn, rc, stmtID, func(*db.Batch) (Result, RecordOptions, error) {
		return result, opts, nil
	})
	return entry, err
}

// StatementFunc stages a statement's writes into b and reports its result.
type StatementFunc func(b *db.Batch) (Result, RecordOptions, error)

// ExecuteOnce runs fn unless the statement was already recorded, and
// commits fn's writes together with the ledger entry. replayed is true
// when the stored entry is returned without calling fn. Concurrent
// retries of one statement are serialized, so fn runs at most once.
func (l *Ledger) ExecuteOnce(ctx context.Context, lsid string, txn int64, rc int32, stmtID int32, fn StatementFunc) (entry StatementEntry, replayed bool, err error) {
	if err := errs.FromContext(ctx, "record statement"); err != nil {
		return StatementEntry{}, false, err
	}
	if stmtID < 0 {
		return StatementEntry{}, false, errs.New(errs.BadValue, "stmtId must be non-negative")
	}
	unlock := l.lockSession(lsid)
	defer unlock()

	rec, _, err := l.advance(ctx, lsid, txn, rc)
	if err != nil {
		return StatementEntry{}, false, err
	}
	if rec.State == StateCommitted || rec.State == StateAborted {
		return StatementEntry{}, false, errs.Newf(errs.IllegalOperation,
			"session %s: txnNumber %d is already %s", lsid, txn, rec.State)
	}

	if existing, found, err := l.getStatement(lsid, txn, stmtID); err != nil {
		return StatementEntry{}, false, err
	} else if found {
		return existing, true, nil
	}
	if rec.HasWrites() && stmtID <= rec.LastStmtID {
		return StatementEntry{}, false, errs.Newf(errs.BadValue,
			"session %s: stmtId %d is not after %d", lsid, stmtID, rec.LastStmtID)
	}

	b := l.store.NewBatch()
	defer b.Discard()
	result, opts, err := fn(b)
	if err != nil {
		return StatementEntry{}, false, err
	}

	entry = StatementEntry{
		SessionID:       lsid,
		TxnNumber:       txn,
		TxnRetryCounter: rc,
		StmtID:          stmtID,
		OpTime:          l.clock.Now(),
		PrevOpTime:      rec.LastWriteOpTime,
		NS:              opts.NS,
		Key:             opts.Key,
		Result:          result,
	}
	if opts.Image != nil && opts.Image.Kind != ImageNone {
		entry.ImageKind = opts.Image.Kind
		if err := b.PutMsgpack(imageKey(lsid, txn, stmtID), opts.Image); err != nil {
			return StatementEntry{}, false, err
		}
	}
	if err := b.PutMsgpack(stmtKey(lsid, txn, stmtID), &entry); err != nil {
		return StatementEntry{}, false, err
	}

	rec.LastWriteOpTime = entry.OpTime
	rec.LastStmtID = stmtID
	if err := b.PutMsgpack(sessionKey(lsid), &rec); err != nil {
		return StatementEntry{}, false, err
	}
	if err := b.Commit(true); err != nil {
		return StatementEntry{}, false, pkgerrors.WithMessagef(err, "record stmt %d of %s/%d", stmtID, lsid, txn)
	}

	l.cacheRecord(rec)
	l.filter.add(lsid, txn, stmtID)
	telemetry.LedgerStatementsTotal.Inc()
	return entry, false, nil
}

func (l *Ledger) getStatement(lsid string, txn int64, stmtID int32) (StatementEntry, bool, error) {
	var e StatementEntry
	found, err := l.store.GetMsgpack(stmtKey(lsid, txn, stmtID), &e)
	return e, found, err
}

// Lookup returns the recorded statement. It fails with NoSuchStatement when
// the statement never ran under these coordinates, TransactionTooOld for
// an older txnNumber and TxnRetryCounterTooOld for an older counter.
func (l *Ledger) Lookup(lsid string, txn int64, rc int32, stmtID int32) (StatementEntry, error) {
	notFound := errs.Newf(errs.NoSuchStatement, "session %s txn %d stmt %d not executed", lsid, txn, stmtID)

	rec, found, err := l.Session(lsid)
	if err != nil {
		return StatementEntry{}, err
	}
	switch {
	case !found, txn > rec.TxnNumber:
		telemetry.LedgerLookupsTotal.With("miss").Inc()
		return StatementEntry{}, notFound
	case txn < rec.TxnNumber:
		return StatementEntry{}, errs.Newf(errs.TransactionTooOld,
			"session %s: txnNumber %d is older than %d", lsid, txn, rec.TxnNumber)
	case rc < rec.TxnRetryCounter:
		return StatementEntry{}, staleCounter(lsid, rc, rec.TxnRetryCounter)
	case rc > rec.TxnRetryCounter:
		telemetry.LedgerLookupsTotal.With("miss").Inc()
		return StatementEntry{}, notFound
	}

	if !l.filter.mightContain(lsid, txn, stmtID) {
		telemetry.LedgerLookupsTotal.With("filtered").Inc()
		return StatementEntry{}, notFound
	}
	e, found, err := l.getStatement(lsid, txn, stmtID)
	if err != nil {
		return StatementEntry{}, err
	}
	if !found {
		telemetry.LedgerLookupsTotal.With("miss").Inc()
		return StatementEntry{}, notFound
	}
	telemetry.LedgerLookupsTotal.With("hit").Inc()
	return e, nil
}

// LookupImage returns the findAndModify image stored with a statement.
func (l *Ledger) LookupImage(lsid string, txn int64, stmtID int32) (Image, error) {
	var img Image
	found, err := l.store.GetMsgpack(imageKey(lsid, txn, stmtID), &img)
	if err != nil {
		return Image{}, err
	}
	if !found {
		return Image{}, errs.Newf(errs.NoSuchStatement, "no image for session %s txn %d stmt %d", lsid, txn, stmtID)
	}
	return img, nil
}

// BeginOrContinue validates a transaction statement's coordinates and
// marks the transaction in progress. A higher txnNumber or retry counter
// aborts and replaces the open transaction.
func (l *Ledger) BeginOrContinue(ctx context.Context, lsid string, txn int64, rc int32) (SessionRecord, error) {
	unlock := l.lockSession(lsid)
	defer unlock()

	rec, changed, err := l.advance(ctx, lsid, txn, rc)
	if err != nil {
		return SessionRecord{}, err
	}
	switch rec.State {
	case StateCommitted:
		return SessionRecord{}, errs.Newf(errs.TransactionCommitted, "session %s txn %d already committed", lsid, txn)
	case StateAborted:
		return SessionRecord{}, errs.Newf(errs.NoSuchTransaction, "session %s txn %d has been aborted", lsid, txn)
	case StatePrepared:
		return SessionRecord{}, errs.Newf(errs.PrepareConflict, "session %s txn %d is prepared", lsid, txn)
	}
	if !changed && rec.State == StateInProgress {
		return rec, nil
	}
	rec.State = StateInProgress
	if err := l.putRecord(rec); err != nil {
		return SessionRecord{}, err
	}
	return rec, nil
}

// CheckCommitOrAbort requires the exact coordinates of the session's
// current transaction.
func (l *Ledger) CheckCommitOrAbort(lsid string, txn int64, rc int32) (SessionRecord, error) {
	rec, found, err := l.Session(lsid)
	if err != nil {
		return SessionRecord{}, err
	}
	if !found || txn != rec.TxnNumber {
		return SessionRecord{}, errs.Newf(errs.NoSuchTransaction, "session %s has no txn %d", lsid, txn)
	}
	if rc != rec.TxnRetryCounter {
		return SessionRecord{}, staleCounter(lsid, rc, rec.TxnRetryCounter)
	}
	return rec, nil
}

// SetState moves the current transaction to state after CheckCommitOrAbort.
func (l *Ledger) SetState(lsid string, txn int64, rc int32, state TxnState) error {
	unlock := l.lockSession(lsid)
	defer unlock()

	rec, err := l.CheckCommitOrAbort(lsid, txn, rc)
	if err != nil {
		return err
	}
	if rec.State == state {
		return nil
	}
	rec.State = state
	return l.putRecord(rec)
}

func (l *Ledger) putRecord(rec SessionRecord) error {
	if err := l.store.PutMsgpack(sessionKey(rec.SessionID), &rec, true); err != nil {
		return err
	}
	l.cacheRecord(rec)
	return nil
}

// History rebuilds the statement chain of the session's current
// transaction, oldest first, by following PrevOpTime back from the last
// write.
func (l *Ledger) History(lsid string) ([]StatementEntry, error) {
	rec, found, err := l.Session(lsid)
	if err != nil || !found || !rec.HasWrites() {
		return nil, err
	}

	byOpTime := make(map[hlc.Timestamp]StatementEntry)
	prefix := stmtKey(lsid, rec.TxnNumber, 0)
	prefix = prefix[:len(prefix)-4]
	err = l.store.Scan(prefix, func(_, value []byte) error {
		var e StatementEntry
		if err := encoding.Unmarshal(value, &e); err != nil {
			return err
		}
		byOpTime[e.OpTime] = e
		return nil
	})
	if err != nil {
		return nil, err
	}

	var chain []StatementEntry
	for ts := rec.LastWriteOpTime; !ts.IsZero(); {
		e, ok := byOpTime[ts]
		if !ok {
			return nil, errs.Newf(errs.InternalError, "session %s: history chain broken at %s", lsid, ts)
		}
		chain = append(chain, e)
		ts = e.PrevOpTime
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Sessions lists every session id with a record.
func (l *Ledger) Sessions() ([]string, error) {
	var out []string
	err := l.store.Scan([]byte(prefixSession), func(key, _ []byte) error {
		out = append(out, string(bytes.TrimPrefix(key, []byte(prefixSession))))
		return nil
	})
	return out, err
}

// Stats reports cache and filter occupancy.
func (l *Ledger) Stats() map[string]any {
	return map[string]any{
		"cached_sessions":   l.cache.Len(),
		"filter_statements": l.filter.size(),
	}
}
