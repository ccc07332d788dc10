package router

import (
	"context"
	"sync"

	"github.com/maxpert/shardkeeper/coordinator"
	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/hlc"
	"github.com/maxpert/shardkeeper/protocol"
	"github.com/maxpert/shardkeeper/txnledger"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type txnPhase int

const (
	txnOpen txnPhase = iota
	txnCommitting
	txnCommitted
	txnAborted
)

// txnState is the router side of one transaction attempt: which shards
// took part and which of them wrote.
type txnState struct {
	mu           sync.Mutex
	id           coordinator.TxnID
	clientRC     int32
	participants []string
	writers      map[string]bool
	coordinator  string
	statements   int
	phase        txnPhase
	// coordinated is set once commit went through CoordinateCommit.
	coordinated bool
}

func (t *txnState) key() string { return t.id.String() }

// TxnRouter tracks the participants of open transactions per session.
type TxnRouter struct {
	client  ShardClient
	cursors *cursorRegistry
	txns    *xsync.MapOf[string, *txnState]
}

func newTxnRouter(client ShardClient, cursors *cursorRegistry) *TxnRouter {
	return &TxnRouter{client: client, cursors: cursors, txns: xsync.NewMapOf[string, *txnState]()}
}

// begin returns the state for the statement's transaction, starting a
// new one when the session moves to a higher txnNumber or retry counter.
func (tr *TxnRouter) begin(sess *protocol.Session) (*txnState, error) {
	if sess.LSID == "" {
		return nil, errs.New(errs.InvalidOptions, "transactions require a session id")
	}
	id := coordinator.TxnID{LSID: sess.LSID, TxnNumber: sess.TxnNumber, RetryCounter: sess.RetryCounter}
	cur, ok := tr.txns.Load(sess.LSID)
	if ok {
		cur.mu.Lock()
		defer cur.mu.Unlock()
		switch {
		case id.TxnNumber < cur.id.TxnNumber:
			return nil, errs.Newf(errs.TransactionTooOld, "session %s: txnNumber %d is older than %d", id.LSID, id.TxnNumber, cur.id.TxnNumber)
		case id.TxnNumber == cur.id.TxnNumber && sess.RetryCounter < cur.clientRC:
			return nil, staleCounter(sess, cur.clientRC)
		case id.TxnNumber == cur.id.TxnNumber && sess.RetryCounter == cur.clientRC:
			switch cur.phase {
			case txnCommitted:
				return nil, errs.Newf(errs.TransactionCommitted, "transaction %s already committed", cur.id)
			case txnAborted:
				return nil, errs.Newf(errs.NoSuchTransaction, "transaction %s has been aborted", cur.id)
			case txnCommitting:
				return nil, errs.Newf(errs.ConflictingOperationInProgress, "transaction %s is committing", cur.id)
			}
			return cur, nil
		case id.TxnNumber == cur.id.TxnNumber && cur.id.RetryCounter >= id.RetryCounter:
			// Internal restarts may have moved past the client's counter.
			id.RetryCounter = cur.id.RetryCounter + 1
		}
	}
	if !sess.StartTransaction {
		return nil, errs.Newf(errs.NoSuchTransaction, "transaction %s was never started", id)
	}
	t := &txnState{id: id, clientRC: sess.RetryCounter, writers: make(map[string]bool)}
	tr.txns.Store(sess.LSID, t)
	return t, nil
}

func staleCounter(sess *protocol.Session, current int32) error {
	return errs.Newf(errs.TxnRetryCounterTooOld, "session %s txn %d: retry counter %d is older than %d",
		sess.LSID, sess.TxnNumber, sess.RetryCounter, current).
		WithInfo(txnledger.InfoCurrentCounter, current)
}

// lookup finds the transaction a commit or abort names.
func (tr *TxnRouter) lookup(sess *protocol.Session) (*txnState, error) {
	t, ok := tr.txns.Load(sess.LSID)
	if !ok {
		return nil, errs.Newf(errs.NoSuchTransaction, "session %s has no transaction %d", sess.LSID, sess.TxnNumber)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.id.TxnNumber != sess.TxnNumber {
		return nil, errs.Newf(errs.NoSuchTransaction, "session %s has no transaction %d", sess.LSID, sess.TxnNumber)
	}
	if t.clientRC != sess.RetryCounter {
		return nil, staleCounter(sess, t.clientRC)
	}
	return t, nil
}

// session stamps a statement for shard and records it as a participant.
func (t *txnState) session(shard string, write bool) *protocol.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	first := true
	for _, p := range t.participants {
		if p == shard {
			first = false
			break
		}
	}
	if first {
		t.participants = append(t.participants, shard)
	}
	if write {
		t.writers[shard] = true
		if t.coordinator == "" {
			t.coordinator = shard
		}
	}
	return &protocol.Session{
		LSID:             t.id.LSID,
		TxnNumber:        t.id.TxnNumber,
		RetryCounter:     t.id.RetryCounter,
		InTransaction:    true,
		StartTransaction: first,
	}
}

func (t *txnState) snapshot() (participants []string, coord string, writers int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.participants...), t.coordinator, len(t.writers)
}

// restartable reports whether a staleness error may restart the
// transaction under a new retry counter: only its first statement can.
func (t *txnState) restartable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statements == 0
}

func (t *txnState) statementDone() {
	t.mu.Lock()
	t.statements++
	t.mu.Unlock()
}

// restart aborts the participants of the failed first statement and moves
// to the next retry counter.
func (tr *TxnRouter) restart(ctx context.Context, t *txnState) {
	parts, _, _ := t.snapshot()
	tr.abortParticipants(ctx, t.id, parts)
	t.mu.Lock()
	t.id.RetryCounter++
	t.participants = nil
	t.writers = make(map[string]bool)
	t.coordinator = ""
	t.mu.Unlock()
	log.Debug().Str("txn", t.id.String()).Msg("Restarting transaction after stale routing")
}

func (tr *TxnRouter) abortParticipants(ctx context.Context, id coordinator.TxnID, shards []string) {
	var g errgroup.Group
	for _, s := range shards {
		g.Go(func() error {
			if err := tr.client.Abort(ctx, s, id); err != nil && !errs.Is(err, errs.NoSuchTransaction) {
				log.Warn().Err(err).Str("shard", s).Str("txn", id.String()).Msg("Abort failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Commit commits the session's current transaction.
func (tr *TxnRouter) Commit(ctx context.Context, sess *protocol.Session) error {
	t, err := tr.lookup(sess)
	if err != nil {
		return err
	}
	t.mu.Lock()
	switch t.phase {
	case txnCommitted:
		t.mu.Unlock()
		return nil
	case txnAborted:
		t.mu.Unlock()
		return errs.Newf(errs.NoSuchTransaction, "transaction %s has been aborted", t.id)
	}
	t.phase = txnCommitting
	t.mu.Unlock()

	parts, coord, writers := t.snapshot()
	err = tr.commit(ctx, t, parts, coord, writers)

	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case err == nil:
		t.phase = txnCommitted
	case errs.Is(err, errs.NoSuchTransaction), errs.Is(err, errs.TransactionAborted):
		t.phase = txnAborted
		tr.cursors.killTxn(t.key())
	default:
		// Outcome unknown; the client may retry commit.
		t.phase = txnOpen
	}
	return err
}

func (tr *TxnRouter) commit(ctx context.Context, t *txnState, parts []string, coord string, writers int) error {
	switch {
	case len(parts) == 0:
		return nil
	case len(parts) == 1 || writers == 0:
		g, gctx := errgroup.WithContext(ctx)
		for _, s := range parts {
			g.Go(func() error { return tr.client.Commit(gctx, s, t.id, hlc.Timestamp{}) })
		}
		return g.Wait()
	}
	if coord == "" {
		coord = parts[0]
	}
	t.mu.Lock()
	t.coordinated = true
	t.mu.Unlock()
	d, err := tr.client.CoordinateCommit(ctx, coord, t.id, parts)
	if err != nil {
		return err
	}
	if !d.Commit {
		return errs.Newf(errs.NoSuchTransaction, "transaction %s aborted during commit", t.id)
	}
	return nil
}

// Abort aborts the session's current transaction on every participant and
// kills its cursors.
func (tr *TxnRouter) Abort(ctx context.Context, sess *protocol.Session) error {
	t, err := tr.lookup(sess)
	if err != nil {
		return err
	}
	return tr.abort(ctx, t)
}

// abort settles the phase from the answer: a coordinator that already
// committed leaves the transaction committed, and an unknown outcome
// leaves it open for a commit or abort retry.
func (tr *TxnRouter) abort(ctx context.Context, t *txnState) error {
	t.mu.Lock()
	if t.phase == txnCommitted {
		t.mu.Unlock()
		return errs.Newf(errs.TransactionCommitted, "transaction %s already committed", t.id)
	}
	coordinated := t.coordinated
	t.mu.Unlock()

	parts, coord, _ := t.snapshot()
	var err error
	if coordinated {
		if coord == "" {
			coord = parts[0]
		}
		err = tr.client.AbortCoordinated(ctx, coord, t.id)
	} else {
		tr.abortParticipants(ctx, t.id, parts)
	}

	aborted := err == nil || errs.Is(err, errs.TransactionAborted) || errs.Is(err, errs.NoSuchTransaction)
	t.mu.Lock()
	key := t.key()
	switch {
	case aborted:
		t.phase = txnAborted
	case errs.Is(err, errs.TransactionCommitted):
		t.phase = txnCommitted
	}
	t.mu.Unlock()
	if aborted {
		tr.cursors.killTxn(key)
	}
	return err
}

// Participants lists the shards the session's transaction touched.
func (tr *TxnRouter) Participants(lsid string) ([]string, string) {
	t, ok := tr.txns.Load(lsid)
	if !ok {
		return nil, ""
	}
	parts, coord, _ := t.snapshot()
	return parts, coord
}

