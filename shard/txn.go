package shard

import (
	"context"
	"sync"
	"time"

	"github.com/maxpert/shardkeeper/coordinator"
	"github.com/maxpert/shardkeeper/db"
	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/hlc"
	"github.com/maxpert/shardkeeper/protocol"
	"github.com/maxpert/shardkeeper/telemetry"
	"github.com/maxpert/shardkeeper/txnledger"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
)

type txnState uint8

const (
	txnActive txnState = iota
	txnPrepared
	txnCommitting
	txnCommitted
	txnAborted
)

type pendingWrite struct {
	ns  string
	doc bson.D // nil for a delete
}

// txn is an open multi-statement transaction. Its writes are buffered in
// an indexed batch until commit.
type txn struct {
	id      coordinator.TxnID
	started time.Time

	// mu serializes the transaction's statements and guards batch.
	mu     sync.Mutex
	batch  *db.Batch
	closed bool

	// Guarded by Shard.mu.
	state     txnState
	prepareTS hlc.Timestamp
	pending   map[string]pendingWrite
	done      chan struct{}
}

func newTxn(id coordinator.TxnID, batch *db.Batch) *txn {
	return &txn{
		id:      id,
		started: time.Now(),
		batch:   batch,
		pending: make(map[string]pendingWrite),
		done:    make(chan struct{}),
	}
}

func txnIDOf(sess *protocol.Session) coordinator.TxnID {
	return coordinator.TxnID{LSID: sess.LSID, TxnNumber: sess.TxnNumber, RetryCounter: sess.RetryCounter}
}

// transactionFor returns the open transaction a statement belongs to, or
// nil outside transactions. startTransaction creates it.
func (s *Shard) transactionFor(ctx context.Context, sess *protocol.Session) (*txn, error) {
	if sess == nil || !sess.InTransaction {
		return nil, nil
	}
	if sess.LSID == "" {
		return nil, errs.New(errs.InvalidOptions, "transactions require a session id")
	}
	id := txnIDOf(sess)
	if _, err := s.ledger.BeginOrContinue(ctx, id.LSID, id.TxnNumber, id.RetryCounter); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.txns[id.LSID]; ok && t.id == id {
		if t.state != txnActive {
			return nil, errs.Newf(errs.PrepareConflict, "transaction %s is no longer accepting statements", id)
		}
		return t, nil
	}
	if !sess.StartTransaction {
		return nil, errs.Newf(errs.NoSuchTransaction, "transaction %s was not started on shard %s", id, s.id)
	}
	t := newTxn(id, s.store.NewIndexedBatch())
	s.txns[id.LSID] = t
	log.Debug().Str("shard", s.id).Str("txn", id.String()).Msg("Transaction started")
	return t, nil
}

// abortSuperseded is the ledger's hook for a newer txnNumber or retry
// counter replacing an open transaction.
func (s *Shard) abortSuperseded(_ context.Context, lsid string, txnNumber int64, rc int32) error {
	s.mu.Lock()
	t, ok := s.txns[lsid]
	s.mu.Unlock()
	if !ok || t.id.TxnNumber != txnNumber || t.id.RetryCounter != rc {
		return nil
	}
	s.mu.Lock()
	committing := t.state == txnCommitting
	s.mu.Unlock()
	if committing {
		return errs.Newf(errs.ConflictingOperationInProgress, "transaction %s is committing", t.id)
	}
	s.finish(t, txnAborted)
	return nil
}

// finish ends t in the given terminal state and releases its locks.
func (s *Shard) finish(t *txn, outcome txnState) {
	t.mu.Lock()
	t.batch.Discard()
	t.closed = true
	t.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if t.state == txnCommitted || t.state == txnAborted {
		return
	}
	if t.state == txnPrepared || (t.state == txnCommitting && !t.prepareTS.IsZero()) {
		telemetry.ShardPreparedTransactions.Dec()
	}
	t.state = outcome
	for key := range t.pending {
		if s.locks[key] == t {
			delete(s.locks, key)
		}
	}
	if cur, ok := s.txns[t.id.LSID]; ok && cur == t {
		delete(s.txns, t.id.LSID)
	}
	close(t.done)
	log.Debug().Str("shard", s.id).Str("txn", t.id.String()).Bool("committed", outcome == txnCommitted).Msg("Transaction finished")
}

func (s *Shard) openTxn(id coordinator.TxnID) (*txn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txns[id.LSID]
	if !ok || t.id != id {
		return nil, false
	}
	return t, true
}

// Prepare votes on a transaction. A shard that still holds the
// transaction's writes votes commit with a fresh prepare timestamp;
// repeating the call returns the same timestamp.
func (s *Shard) Prepare(ctx context.Context, id coordinator.TxnID) (coordinator.PrepareVote, error) {
	if err := errs.FromContext(ctx, "prepare"); err != nil {
		return coordinator.PrepareVote{}, err
	}
	if _, err := s.ledger.CheckCommitOrAbort(id.LSID, id.TxnNumber, id.RetryCounter); err != nil {
		return coordinator.PrepareVote{}, err
	}
	t, ok := s.openTxn(id)
	if !ok {
		return coordinator.PrepareVote{}, errs.Newf(errs.NoSuchTransaction, "transaction %s is not open on shard %s", id, s.id)
	}

	t.mu.Lock()
	s.mu.Lock()
	if t.closed {
		s.mu.Unlock()
		t.mu.Unlock()
		return coordinator.PrepareVote{}, errs.Newf(errs.NoSuchTransaction, "transaction %s already finished", id)
	}
	switch t.state {
	case txnPrepared:
		ts := t.prepareTS
		s.mu.Unlock()
		t.mu.Unlock()
		return coordinator.PrepareVote{Vote: coordinator.VoteCommit, PrepareTimestamp: ts}, nil
	case txnActive:
	default:
		s.mu.Unlock()
		t.mu.Unlock()
		return coordinator.PrepareVote{}, errs.Newf(errs.NoSuchTransaction, "transaction %s already finished", id)
	}
	t.state = txnPrepared
	t.prepareTS = s.clock.Now()
	ts := t.prepareTS
	s.mu.Unlock()
	t.mu.Unlock()

	telemetry.ShardPreparedTransactions.Inc()
	if err := s.ledger.SetState(id.LSID, id.TxnNumber, id.RetryCounter, txnledger.StatePrepared); err != nil {
		return coordinator.PrepareVote{}, err
	}
	log.Debug().Str("shard", s.id).Str("txn", id.String()).Str("prepare_ts", ts.String()).Msg("Transaction prepared")
	return coordinator.PrepareVote{Vote: coordinator.VoteCommit, PrepareTimestamp: ts}, nil
}

// Commit applies a transaction's writes. Prepared transactions commit at
// commitTS; a single-shard transaction may commit without preparing.
// Committing an already committed transaction succeeds.
func (s *Shard) Commit(ctx context.Context, id coordinator.TxnID, commitTS hlc.Timestamp) error {
	rec, err := s.ledger.CheckCommitOrAbort(id.LSID, id.TxnNumber, id.RetryCounter)
	if err != nil {
		return err
	}
	switch rec.State {
	case txnledger.StateCommitted:
		return nil
	case txnledger.StateAborted:
		return errs.Newf(errs.NoSuchTransaction, "transaction %s was aborted", id)
	}
	t, ok := s.openTxn(id)
	if !ok {
		return errs.Newf(errs.NoSuchTransaction, "transaction %s is not open on shard %s", id, s.id)
	}
	if err := errs.FromContext(ctx, "commit"); err != nil {
		return err
	}

	s.writeMu.Lock()
	t.mu.Lock()
	s.mu.Lock()
	if t.closed || (t.state != txnActive && t.state != txnPrepared) {
		s.mu.Unlock()
		t.mu.Unlock()
		s.writeMu.Unlock()
		return errs.Newf(errs.NoSuchTransaction, "transaction %s already finished", id)
	}
	t.state = txnCommitting
	s.mu.Unlock()
	err = t.batch.Commit(true)
	t.mu.Unlock()
	s.writeMu.Unlock()
	if err != nil {
		s.finish(t, txnAborted)
		return errs.Wrap(errs.InternalError, err, "commit transaction batch")
	}

	if !commitTS.IsZero() {
		s.clock.Update(commitTS)
	}
	if err := s.ledger.SetState(id.LSID, id.TxnNumber, id.RetryCounter, txnledger.StateCommitted); err != nil {
		log.Error().Err(err).Str("txn", id.String()).Msg("Failed to record commit in ledger")
	}
	s.finish(t, txnCommitted)
	return nil
}

// Abort discards a transaction's writes. Aborting a committed transaction
// fails with TransactionCommitted.
func (s *Shard) Abort(ctx context.Context, id coordinator.TxnID) error {
	rec, err := s.ledger.CheckCommitOrAbort(id.LSID, id.TxnNumber, id.RetryCounter)
	if err != nil {
		return err
	}
	switch rec.State {
	case txnledger.StateCommitted:
		return errs.Newf(errs.TransactionCommitted, "transaction %s already committed", id)
	case txnledger.StateAborted:
		return nil
	}
	if t, ok := s.openTxn(id); ok {
		s.mu.Lock()
		committing := t.state == txnCommitting
		s.mu.Unlock()
		if committing {
			return errs.Newf(errs.TransactionCommitted, "transaction %s is committing", id)
		}
		s.finish(t, txnAborted)
	}
	if err := errs.FromContext(ctx, "abort"); err != nil {
		return err
	}
	return s.ledger.SetState(id.LSID, id.TxnNumber, id.RetryCounter, txnledger.StateAborted)
}

// CoordinateCommit runs two-phase commit with this shard as coordinator
// and waits for the decision.
func (s *Shard) CoordinateCommit(ctx context.Context, id coordinator.TxnID, participants []string) (coordinator.Decision, error) {
	f, err := s.coord.CoordinateCommit(id, participants)
	if err != nil {
		return coordinator.Decision{}, err
	}
	return coordinator.Await(ctx, f)
}

// AbortCoordinated aborts a transaction whose commit this shard may be
// coordinating. The coordinator is a participant, so its own ledger still
// answers once the coordinator is gone.
func (s *Shard) AbortCoordinated(ctx context.Context, id coordinator.TxnID) error {
	if rec, err := s.ledger.CheckCommitOrAbort(id.LSID, id.TxnNumber, id.RetryCounter); err == nil && rec.State == txnledger.StateCommitted {
		return errs.Newf(errs.TransactionCommitted, "transaction %s already committed", id)
	}
	return s.coord.AbortTransaction(ctx, id)
}

// waitFor blocks until ch closes or ctx ends.
func waitFor(ctx context.Context, ch <-chan struct{}, what string) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return errs.FromContext(ctx, "waiting for "+what)
	}
}
