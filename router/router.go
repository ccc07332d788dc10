// Package router turns client operations into stamped per-shard requests,
// scatters them, merges the results and hides staleness from the caller by
// refreshing placement and retrying.
//
// Transactions are tracked per session: the router stamps each statement
// with the session's transaction coordinates, remembers which shards took
// part and drives commit either directly or through a coordinator shard.
package router

import (
	"context"
	"time"

	"github.com/maxpert/shardkeeper/cfg"
	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/id"
	"github.com/maxpert/shardkeeper/protocol"
	"github.com/maxpert/shardkeeper/protocol/filter"
	"github.com/maxpert/shardkeeper/shardcache"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
)

// Options configures a Router.
type Options struct {
	MaxStaleRetries int
	CursorBatchSize int
	CursorTimeout   time.Duration
	// MaxFanout caps concurrent shard requests per operation; zero means
	// no cap.
	MaxFanout int
	// Creator creates databases on their first write.
	Creator DatabaseCreator
	Ranker  IndexRanker
	Indexes IndexSource
	// CursorIDs numbers cursors. Routers sharing clients must use
	// generators that cannot collide, such as id.HLCGenerator.
	CursorIDs id.Generator
}

// DefaultOptions reads the router section of the loaded configuration.
func DefaultOptions() Options {
	return Options{
		MaxStaleRetries: cfg.Config.Router.MaxStaleRetries,
		CursorBatchSize: cfg.Config.Router.CursorBatchSize,
		CursorTimeout:   time.Duration(cfg.Config.Router.CursorTimeoutSeconds) * time.Second,
		Ranker:          DefaultRanker{},
	}
}

// Result is the merged outcome of one operation.
type Result struct {
	// Cursor holds the first batch of find and aggregate results.
	Cursor    Page
	N         int64
	NModified int64
	Upserted  []any
	// Value is findAndModify's document.
	Value bson.D
}

type Router struct {
	cache    shardcache.Cache
	targeter *Targeter
	dispatch dispatcher
	cursors  *cursorRegistry
	txns     *TxnRouter
	opts     Options
}

func New(cache shardcache.Cache, client ShardClient, opts Options) *Router {
	if opts.Ranker == nil {
		opts.Ranker = DefaultRanker{}
	}
	cursors := newCursorRegistry(opts.CursorTimeout, opts.CursorIDs)
	return &Router{
		cache:    cache,
		targeter: NewTargeter(cache, opts.Creator),
		dispatch: dispatcher{client: client, limit: opts.MaxFanout},
		cursors:  cursors,
		txns:     newTxnRouter(client, cursors),
		opts:     opts,
	}
}

// Targeter exposes the router's targeting for callers that only need
// the per-shard split.
func (r *Router) Targeter() *Targeter { return r.targeter }

// Txns exposes the transaction router.
func (r *Router) Txns() *TxnRouter { return r.txns }

// Execute routes op, retrying transparently on stale placement. sess may
// be nil; when it is in a transaction the statement joins it.
func (r *Router) Execute(ctx context.Context, op protocol.Op, sess *protocol.Session) (Result, error) {
	start := time.Now()
	defer func() {
		recordDuration(op.Kind, time.Since(start))
	}()

	var t *txnState
	if sess != nil && sess.InTransaction {
		var err error
		if t, err = r.txns.begin(sess); err != nil {
			return Result{}, err
		}
	}

	res, err := r.execute(ctx, op, sess, t)
	if err == nil {
		err = errs.FromContext(ctx, string(op.Kind)+" on "+op.NS)
	}
	if t != nil {
		if err != nil {
			log.Debug().Err(err).Str("txn", t.id.String()).Msg("Statement failed, aborting transaction")
			_ = r.txns.abort(context.WithoutCancel(ctx), t)
			return Result{}, err
		}
		t.statementDone()
	}
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func (r *Router) execute(ctx context.Context, op protocol.Op, sess *protocol.Session, t *txnState) (Result, error) {
	switch op.Kind {
	case protocol.OpFind:
		page, err := r.find(ctx, op, t)
		return Result{Cursor: page, N: int64(len(page.Docs))}, err
	case protocol.OpCount:
		n, err := r.count(ctx, op, t)
		return Result{N: n}, err
	case protocol.OpAggregate:
		page, err := r.aggregate(ctx, op, t)
		return Result{Cursor: page, N: int64(len(page.Docs))}, err
	case protocol.OpInsert:
		return r.insert(ctx, op, sess, t)
	case protocol.OpUpdate, protocol.OpDelete, protocol.OpFindAndModify:
		return r.modify(ctx, op, sess, t)
	}
	return Result{}, errs.Newf(errs.BadValue, "unknown operation %q", op.Kind)
}

// GetMore returns the next batch of an open cursor.
func (r *Router) GetMore(_ context.Context, id int64, batch int) (Page, error) {
	if batch <= 0 {
		batch = r.opts.CursorBatchSize
	}
	return r.cursors.getMore(id, batch)
}

// KillCursor drops a cursor. It reports whether the cursor existed.
func (r *Router) KillCursor(id int64) bool { return r.cursors.remove(id) }

// ReapCursors drops cursors idle past the timeout until ctx ends.
func (r *Router) ReapCursors(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.cursors.reap()
		}
	}
}

// CommitTransaction commits the session's transaction.
func (r *Router) CommitTransaction(ctx context.Context, sess *protocol.Session) error {
	return r.txns.Commit(ctx, sess)
}

// AbortTransaction aborts the session's transaction and kills its cursors.
func (r *Router) AbortTransaction(ctx context.Context, sess *protocol.Session) error {
	return r.txns.Abort(ctx, sess)
}

// round sends one attempt and returns the targets that failed stale.
type round func() (stale []shardResult, err error)

// retryStale repeats fn after invalidating whatever the stale shards
// reported, up to MaxStaleRetries times. Inside a transaction only the
// first statement is retried, under a new retry counter; reset then
// discards the partial results of the aborted attempt.
func (r *Router) retryStale(ctx context.Context, ns string, t *txnState, reset func(), fn round) error {
	for attempt := 0; ; attempt++ {
		stale, err := fn()
		if err != nil {
			return err
		}
		if len(stale) == 0 {
			return nil
		}
		cause := stale[0].Err
		r.invalidate(ns, stale)
		if attempt >= r.opts.MaxStaleRetries {
			return cause
		}
		if t != nil {
			if !t.restartable() {
				return cause
			}
			r.txns.restart(ctx, t)
			if reset != nil {
				reset()
			}
		}
		if err := errs.FromContext(ctx, "retrying "+ns); err != nil {
			return err
		}
		recordStaleRetry(cause)
		log.Debug().
			Err(cause).
			Str("ns", ns).
			Int("attempt", attempt+1).
			Msg("Retrying after stale routing")
	}
}

func (r *Router) invalidate(ns string, stale []shardResult) {
	r.cache.Invalidate(ns)
	for _, s := range stale {
		if staleNS, ok := shardcache.StaleNamespace(s.Err); ok {
			r.cache.Invalidate(staleNS)
		}
		if v, ok := errs.InfoOf(s.Err, shardcache.InfoDB); ok {
			if name, ok := v.(string); ok {
				r.cache.InvalidateDatabase(name)
			}
		}
	}
}

// send stamps sessions and scatters targets.
func (r *Router) send(ctx context.Context, targets []Target, sess *protocol.Session, t *txnState, write bool) []shardResult {
	for i := range targets {
		switch {
		case t != nil:
			targets[i].Request.Session = t.session(targets[i].Shard, write)
		case write && sess.Retryable():
			s := *sess
			targets[i].Request.Session = &s
		}
	}
	recordFanout(len(targets))
	return r.dispatch.send(ctx, targets)
}

func txnKey(t *txnState) string {
	if t == nil {
		return ""
	}
	return t.key()
}

// scatterOp is the find a shard runs when results are merged at the
// router: no skip, a limit covering skip+limit, and no projection when
// the router still has to sort.
func scatterOp(op protocol.Op) protocol.Op {
	sub := op
	sub.Skip = 0
	if op.Limit > 0 {
		sub.Limit = op.Skip + op.Limit
	}
	if len(op.Sort) > 0 {
		sub.Projection = nil
	}
	return sub
}

func window(docs []bson.D, skip, limit int64) []bson.D {
	if skip >= int64(len(docs)) {
		return nil
	}
	docs = docs[skip:]
	if limit > 0 && limit < int64(len(docs)) {
		docs = docs[:limit]
	}
	return docs
}

func (r *Router) find(ctx context.Context, op protocol.Op, t *txnState) (Page, error) {
	var docs []bson.D
	err := r.retryStale(ctx, op.NS, t, nil, func() ([]shardResult, error) {
		plan, err := r.targeter.Route(ctx, op, nil)
		if err != nil {
			return nil, err
		}
		recordOperation(op.Kind, plan)
		scattered := len(plan.Targets) > 1
		if scattered {
			for i := range plan.Targets {
				plan.Targets[i].Request.Op = scatterOp(op)
			}
		}
		results := r.send(ctx, plan.Targets, nil, t, false)
		stale, fatal := staleness(results)
		if fatal != nil {
			return nil, fatal
		}
		if len(stale) > 0 {
			return stale, nil
		}
		docs = docs[:0]
		for _, res := range results {
			docs = append(docs, res.Response.Docs...)
		}
		if !scattered {
			return nil, nil
		}
		docs, err = mergeScattered(op, docs)
		return nil, err
	})
	if err != nil {
		return Page{}, err
	}
	return r.cursors.page(op.NS, txnKey(t), docs, r.opts.CursorBatchSize), nil
}

func mergeScattered(op protocol.Op, docs []bson.D) ([]bson.D, error) {
	if err := filter.Sort(docs, op.Sort); err != nil {
		return nil, err
	}
	docs = window(docs, op.Skip, op.Limit)
	if len(op.Sort) == 0 || len(op.Projection) == 0 {
		return docs, nil
	}
	out := make([]bson.D, len(docs))
	for i, d := range docs {
		p, err := filter.Project(d, op.Projection)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

func (r *Router) count(ctx context.Context, op protocol.Op, t *txnState) (int64, error) {
	var n int64
	err := r.retryStale(ctx, op.NS, t, nil, func() ([]shardResult, error) {
		plan, err := r.targeter.Route(ctx, op, nil)
		if err != nil {
			return nil, err
		}
		recordOperation(op.Kind, plan)
		scattered := len(plan.Targets) > 1
		if scattered {
			for i := range plan.Targets {
				plan.Targets[i].Request.Op = scatterOp(op)
			}
		}
		results := r.send(ctx, plan.Targets, nil, t, false)
		stale, fatal := staleness(results)
		if fatal != nil {
			return nil, fatal
		}
		if len(stale) > 0 {
			return stale, nil
		}
		n = 0
		for _, res := range results {
			n += res.Response.N
		}
		if scattered {
			n = max(n-op.Skip, 0)
			if op.Limit > 0 {
				n = min(n, op.Limit)
			}
		}
		return nil, nil
	})
	return n, err
}

// stmtIDsFor numbers the statements of a retryable write: one per insert
// document, a single one otherwise.
func stmtIDsFor(op protocol.Op, sess *protocol.Session) []int32 {
	if !sess.Retryable() {
		return nil
	}
	if op.Kind != protocol.OpInsert {
		return []int32{0}
	}
	ids := make([]int32, len(op.Docs))
	for i := range ids {
		ids[i] = int32(i)
	}
	return ids
}

// insert re-routes only the documents whose shard answered stale.
func (r *Router) insert(ctx context.Context, op protocol.Op, sess *protocol.Session, t *txnState) (Result, error) {
	stmtIDs := stmtIDsFor(op, sess)
	var res Result
	pending, ids := op, stmtIDs
	reset := func() {
		res = Result{}
		pending, ids = op, stmtIDs
	}
	err := r.retryStale(ctx, op.NS, t, reset, func() ([]shardResult, error) {
		plan, err := r.targeter.Route(ctx, pending, ids)
		if err != nil {
			return nil, err
		}
		recordOperation(op.Kind, plan)
		results := r.send(ctx, plan.Targets, sess, t, true)
		stale, fatal := staleness(results)
		for _, sr := range results {
			if sr.Err == nil {
				res.N += sr.Response.N
			}
		}
		if fatal != nil {
			return nil, fatal
		}
		pending.Docs, ids = nil, nil
		for _, sr := range stale {
			pending.Docs = append(pending.Docs, sr.Request.Op.Docs...)
			ids = append(ids, sr.Request.StmtIDs...)
		}
		return stale, nil
	})
	return res, err
}

// modify runs update, delete and findAndModify. Shards that already
// answered are not asked again after a stale retry.
func (r *Router) modify(ctx context.Context, op protocol.Op, sess *protocol.Session, t *txnState) (Result, error) {
	stmtIDs := stmtIDsFor(op, sess)
	var res Result
	done := make(map[string]bool)
	reset := func() {
		res = Result{}
		done = make(map[string]bool)
	}
	single := !op.Multi || op.Kind == protocol.OpFindAndModify
	err := r.retryStale(ctx, op.NS, t, reset, func() ([]shardResult, error) {
		if single && res.N > 0 {
			return nil, nil
		}
		plan, err := r.targeter.Route(ctx, op, stmtIDs)
		if err != nil {
			return nil, err
		}
		recordOperation(op.Kind, plan)
		var targets []Target
		for _, tg := range plan.Targets {
			if !done[tg.Shard] {
				targets = append(targets, tg)
			}
		}
		results := r.send(ctx, targets, sess, t, true)
		stale, fatal := staleness(results)
		for _, sr := range results {
			if sr.Err != nil {
				continue
			}
			done[sr.Shard] = true
			res.N += sr.Response.N
			res.NModified += sr.Response.NModified
			res.Upserted = append(res.Upserted, sr.Response.Upserted...)
			if sr.Response.Value != nil {
				res.Value = sr.Response.Value
			}
		}
		if fatal != nil {
			return nil, fatal
		}
		return stale, nil
	})
	return res, err
}
