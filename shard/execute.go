package shard

import (
	"context"
	"errors"
	"sort"

	"github.com/maxpert/shardkeeper/db"
	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/placement"
	"github.com/maxpert/shardkeeper/protocol"
	"github.com/maxpert/shardkeeper/protocol/filter"
	"github.com/maxpert/shardkeeper/protocol/pipeline"
	"github.com/maxpert/shardkeeper/shardcache"
	"github.com/maxpert/shardkeeper/shardkey"
	"github.com/maxpert/shardkeeper/txnledger"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
)

var errBlocked = errors.New("statement blocked")

// nsView is a version-checked view of one namespace. pattern is nil for
// unsharded collections.
type nsView struct {
	ns        string
	received  placement.Version
	dbVersion placement.DatabaseVersion
	snap      shardcache.Snapshot
	pattern   *shardkey.Pattern
}

func (v *nsView) owns(doc bson.D) bool {
	if v.pattern == nil {
		return true
	}
	k, err := v.pattern.Extract(doc)
	if err != nil {
		return false
	}
	return v.snap.Owns(k)
}

// encodedKey is the shard key recorded with ledger entries so sessions can
// follow migrated ranges.
func (v *nsView) encodedKey(doc bson.D) []byte {
	if v.pattern == nil || doc == nil {
		return nil
	}
	k, err := v.pattern.Extract(doc)
	if err != nil {
		return nil
	}
	raw, err := txnledger.EncodeKey(k)
	if err != nil {
		return nil
	}
	return raw
}

func (v *nsView) sameKey(a, b bson.D) bool {
	if v.pattern == nil {
		return true
	}
	ka, errA := v.pattern.Extract(a)
	kb, errB := v.pattern.Extract(b)
	return errA == nil && errB == nil && ka.Equal(kb)
}

// checkVersions validates a request's stamps. Unsharded requests must
// also carry the current database version and reach the primary.
func (s *Shard) checkVersions(ctx context.Context, ns string, sv placement.Version, dbv placement.DatabaseVersion) (*nsView, error) {
	dbName, _, err := placement.SplitNS(ns)
	if err != nil {
		return nil, err
	}
	snap, err := s.cache.CheckShardVersion(ctx, ns, sv)
	if err != nil {
		return nil, err
	}
	view := &nsView{ns: ns, received: sv, dbVersion: dbv, snap: snap}
	if sv.IsUnsharded() {
		if _, err := s.cache.CheckDatabaseVersion(ctx, dbName, dbv); err != nil {
			return nil, err
		}
		return view, nil
	}
	e, err := s.cache.GetCollection(ctx, ns)
	if err != nil {
		return nil, err
	}
	if !e.Sharded() {
		return nil, shardcache.StaleConfigError(ns, s.id, sv, placement.Unsharded)
	}
	p := e.Table.Pattern
	view.pattern = &p
	return view, nil
}

// execution carries one request through the shard.
type execution struct {
	s         *Shard
	ctx       context.Context
	req       protocol.Request
	view      *nsView
	secondary map[string]*nsView
	txn       *txn
}

// Execute runs a stamped operation. Requests whose shard or database
// version does not match fail with StaleConfig or StaleDbVersion before
// touching data.
func (s *Shard) Execute(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	if err := errs.FromContext(ctx, "execute"); err != nil {
		return protocol.Response{}, err
	}
	view, err := s.checkVersions(ctx, req.Op.NS, req.ShardVersion, req.DatabaseVersion)
	if err != nil {
		return protocol.Response{}, err
	}
	secondary := make(map[string]*nsView, len(req.Secondary))
	for _, nv := range req.Secondary {
		sv, err := s.checkVersions(ctx, nv.NS, nv.ShardVersion, nv.DatabaseVersion)
		if err != nil {
			return protocol.Response{}, err
		}
		secondary[nv.NS] = sv
	}
	t, err := s.transactionFor(ctx, req.Session)
	if err != nil {
		return protocol.Response{}, err
	}

	x := &execution{s: s, ctx: ctx, req: req, view: view, secondary: secondary, txn: t}
	var resp protocol.Response
	switch req.Op.Kind {
	case protocol.OpFind:
		resp, err = x.find()
	case protocol.OpCount:
		resp, err = x.count()
	case protocol.OpInsert:
		resp, err = x.insert()
	case protocol.OpUpdate:
		resp, err = x.update()
	case protocol.OpDelete:
		resp, err = x.delete()
	case protocol.OpFindAndModify:
		resp, err = x.findAndModify()
	case protocol.OpAggregate:
		resp, err = x.aggregate()
	default:
		err = errs.Newf(errs.BadValue, "unknown operation %q", req.Op.Kind)
	}

	if err != nil && t != nil && errs.CategoryOf(err) != errs.Staleness {
		s.abortOnError(t, err)
	}
	return resp, err
}

func (s *Shard) abortOnError(t *txn, cause error) {
	s.finish(t, txnAborted)
	if err := s.ledger.SetState(t.id.LSID, t.id.TxnNumber, t.id.RetryCounter, txnledger.StateAborted); err != nil {
		log.Warn().Err(err).Str("txn", t.id.String()).Msg("Failed to record abort in ledger")
	}
	log.Debug().Err(cause).Str("shard", s.id).Str("txn", t.id.String()).Msg("Transaction aborted by statement error")
}

// reader returns the view reads go through and a release func.
func (x *execution) reader() (reader, func(), error) {
	if x.txn == nil {
		return x.s.store, func() {}, nil
	}
	x.txn.mu.Lock()
	if x.txn.closed {
		x.txn.mu.Unlock()
		return nil, nil, errs.Newf(errs.NoSuchTransaction, "transaction %s has ended", x.txn.id)
	}
	return x.txn.batch, x.txn.mu.Unlock, nil
}

// read returns owned documents matching f. Outside transactions it first
// waits for prepared transactions whose writes the read would see.
func (x *execution) read(view *nsView, f bson.D) ([]storedDoc, error) {
	if x.txn == nil {
		if err := x.s.waitPrepared(x.ctx, view, f); err != nil {
			return nil, err
		}
	}
	r, release, err := x.reader()
	if err != nil {
		return nil, err
	}
	defer release()
	return matching(r, view, f)
}

func (s *Shard) waitPrepared(ctx context.Context, view *nsView, f bson.D) error {
	for {
		ch, err := s.preparedConflict(view, f)
		if err != nil || ch == nil {
			return err
		}
		if err := waitFor(ctx, ch, "prepared transaction"); err != nil {
			return err
		}
	}
}

// preparedConflict finds a prepared transaction that wrote a document the
// read would return, before or after the write.
func (s *Shard) preparedConflict(view *nsView, f bson.D) (<-chan struct{}, error) {
	type candidate struct {
		key  string
		doc  bson.D
		done chan struct{}
	}
	var cands []candidate
	s.mu.Lock()
	for _, t := range s.txns {
		if t.state != txnPrepared && t.state != txnCommitting {
			continue
		}
		for key, pw := range t.pending {
			if pw.ns == view.ns {
				cands = append(cands, candidate{key: key, doc: pw.doc, done: t.done})
			}
		}
	}
	s.mu.Unlock()

	visible := func(doc bson.D) (bool, error) {
		if doc == nil || !view.owns(doc) {
			return false, nil
		}
		return filter.Match(doc, f)
	}
	for _, c := range cands {
		if ok, err := visible(c.doc); err != nil || ok {
			return c.done, err
		}
		committed, _, err := getDoc(s.store, []byte(c.key))
		if err != nil {
			return nil, err
		}
		if ok, err := visible(committed); err != nil || ok {
			return c.done, err
		}
	}
	return nil, nil
}

func docsOf(found []storedDoc) []bson.D {
	out := make([]bson.D, len(found))
	for i, d := range found {
		out[i] = d.doc
	}
	return out
}

func window(docs []bson.D, skip, limit int64) []bson.D {
	if skip > 0 {
		if skip >= int64(len(docs)) {
			return nil
		}
		docs = docs[skip:]
	}
	if limit > 0 && limit < int64(len(docs)) {
		docs = docs[:limit]
	}
	return docs
}

func (x *execution) find() (protocol.Response, error) {
	op := x.req.Op
	found, err := x.read(x.view, op.Filter)
	if err != nil {
		return protocol.Response{}, err
	}
	docs := docsOf(found)
	if err := filter.Sort(docs, op.Sort); err != nil {
		return protocol.Response{}, err
	}
	docs = window(docs, op.Skip, op.Limit)
	for i, d := range docs {
		if docs[i], err = filter.Project(d, op.Projection); err != nil {
			return protocol.Response{}, err
		}
	}
	return protocol.Response{Docs: docs, N: int64(len(docs))}, nil
}

func (x *execution) count() (protocol.Response, error) {
	op := x.req.Op
	found, err := x.read(x.view, op.Filter)
	if err != nil {
		return protocol.Response{}, err
	}
	return protocol.Response{N: int64(len(window(docsOf(found), op.Skip, op.Limit)))}, nil
}

func (x *execution) aggregate() (protocol.Response, error) {
	stages := x.req.Op.Pipeline
	found, err := x.read(x.view, pipeline.LeadingMatch(stages))
	if err != nil {
		return protocol.Response{}, err
	}
	docs, err := pipeline.Run(x.ctx, docsOf(found), stages, localSource{x})
	if err != nil {
		return protocol.Response{}, err
	}
	return protocol.Response{Docs: docs, N: int64(len(docs))}, nil
}

// localSource serves nested pipeline stages from this shard's copy of
// namespaces the router attached to the request.
type localSource struct{ x *execution }

func (l localSource) Foreign(_ context.Context, coll string, f bson.D) ([]bson.D, error) {
	dbName, _, _ := placement.SplitNS(l.x.view.ns)
	ns := dbName + "." + coll
	view, ok := l.x.secondary[ns]
	if !ok {
		return nil, errs.Newf(errs.IllegalOperation, "namespace %s was not attached to the request", ns)
	}
	found, err := l.x.read(view, f)
	return docsOf(found), err
}

// stage stages one statement's writes and claims the documents it
// touches. A statement outside a transaction that hits a document locked
// by a transaction stops with errBlocked.
type stage struct {
	s         *Shard
	txn       *txn
	b         *db.Batch
	r         reader
	blockedOn <-chan struct{}
	critical  bool
	value     bson.D
	upserted  []any
}

func (st *stage) claim(key []byte) error {
	s := st.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.locks[string(key)]; ok && owner != st.txn {
		if st.txn != nil {
			return errs.Newf(errs.WriteConflict, "document is being written by transaction %s", owner.id)
		}
		st.blockedOn = owner.done
		return errBlocked
	}
	if st.txn != nil {
		s.locks[string(key)] = st.txn
	}
	return nil
}

func (st *stage) track(ns string, key []byte, doc bson.D) {
	if st.txn == nil {
		return
	}
	st.s.mu.Lock()
	st.txn.pending[string(key)] = pendingWrite{ns: ns, doc: doc}
	st.s.mu.Unlock()
}

func (st *stage) put(ns string, key []byte, doc bson.D) error {
	if err := st.claim(key); err != nil {
		return err
	}
	if err := putDoc(st.b, key, doc); err != nil {
		return err
	}
	st.track(ns, key, doc)
	return nil
}

func (st *stage) del(ns string, key []byte) error {
	if err := st.claim(key); err != nil {
		return err
	}
	if err := st.b.Delete(key); err != nil {
		return err
	}
	st.track(ns, key, nil)
	return nil
}

type stmtFunc func(st *stage) (txnledger.Result, txnledger.RecordOptions, error)

type stmtOutcome struct {
	result   txnledger.Result
	value    bson.D
	upserted []any
	replayed bool
}

// runStatement executes one write statement, waiting out locks and
// critical sections. After a critical section the versions are checked
// again, since ownership may have moved.
func (x *execution) runStatement(stmtID int32, fn stmtFunc) (stmtOutcome, error) {
	for {
		st := &stage{s: x.s, txn: x.txn}
		out, err := x.runOnce(st, stmtID, fn)
		if !errors.Is(err, errBlocked) {
			return out, err
		}
		if err := waitFor(x.ctx, st.blockedOn, "conflicting write"); err != nil {
			return stmtOutcome{}, err
		}
		if st.critical {
			view, err := x.s.checkVersions(x.ctx, x.view.ns, x.view.received, x.view.dbVersion)
			if err != nil {
				return stmtOutcome{}, err
			}
			x.view = view
		}
	}
}

func (x *execution) runOnce(st *stage, stmtID int32, fn stmtFunc) (stmtOutcome, error) {
	s := x.s
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if cs := s.criticalFor(x.view); cs != nil {
		st.blockedOn, st.critical = cs.done, true
		return stmtOutcome{}, errBlocked
	}

	if x.txn != nil {
		r, release, err := x.reader()
		if err != nil {
			return stmtOutcome{}, err
		}
		defer release()
		st.b, st.r = x.txn.batch, r
		res, _, err := fn(st)
		return stmtOutcome{result: res, value: st.value, upserted: st.upserted}, err
	}

	st.r = s.store
	sess := x.req.Session
	if sess.Retryable() && stmtID >= 0 {
		entry, replayed, err := s.ledger.ExecuteOnce(x.ctx, sess.LSID, sess.TxnNumber, sess.RetryCounter, stmtID,
			func(b *db.Batch) (txnledger.Result, txnledger.RecordOptions, error) {
				st.b = b
				return fn(st)
			})
		if err != nil {
			return stmtOutcome{}, err
		}
		if !replayed {
			return stmtOutcome{result: entry.Result, value: st.value, upserted: st.upserted}, nil
		}
		return x.replay(entry)
	}

	b := s.store.NewBatch()
	defer b.Discard()
	st.b = b
	res, _, err := fn(st)
	if err != nil {
		return stmtOutcome{}, err
	}
	if !b.Empty() {
		if err := b.Commit(true); err != nil {
			return stmtOutcome{}, errs.Wrap(errs.InternalError, err, "commit write")
		}
	}
	return stmtOutcome{result: res, value: st.value, upserted: st.upserted}, nil
}

// replay rebuilds a statement's response from the ledger.
func (x *execution) replay(entry txnledger.StatementEntry) (stmtOutcome, error) {
	out := stmtOutcome{result: entry.Result, replayed: true}
	if id, ok := decodeID(entry.Result.UpsertedID); ok {
		out.upserted = []any{id}
	}
	if entry.ImageKind != txnledger.ImageNone {
		img, err := x.s.ledger.LookupImage(entry.SessionID, entry.TxnNumber, entry.StmtID)
		if err != nil {
			return stmtOutcome{}, err
		}
		if len(img.Doc) > 0 {
			if out.value, err = decodeDoc(img.Doc); err != nil {
				return stmtOutcome{}, err
			}
		}
	}
	return out, nil
}

func encodeID(id any) []byte {
	raw, err := bson.Marshal(bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return nil
	}
	return raw
}

func decodeID(raw []byte) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	d, err := decodeDoc(raw)
	if err != nil || len(d) == 0 {
		return nil, false
	}
	return d[0].Value, true
}

func (x *execution) notOwned(doc bson.D) error {
	id, _ := shardkey.Lookup(doc, "_id")
	log.Debug().Str("shard", x.s.id).Str("ns", x.view.ns).Str("_id", shardkey.Describe(id)).Msg("Write targets a range this shard does not own")
	return shardcache.StaleConfigError(x.view.ns, x.s.id, x.view.received, x.view.snap.Version)
}

func duplicateKey(ns string, doc bson.D) error {
	id, _ := shardkey.Lookup(doc, "_id")
	return errs.Newf(errs.DuplicateKey, "duplicate key error collection: %s _id: %s", ns, shardkey.Describe(id))
}

// insertNew stages a new document, failing on a duplicate _id.
func (x *execution) insertNew(st *stage, doc bson.D) error {
	if !x.view.owns(doc) {
		return x.notOwned(doc)
	}
	key, err := keyOfDoc(x.view.ns, doc)
	if err != nil {
		return err
	}
	if _, found, err := getDoc(st.r, key); err != nil {
		return err
	} else if found {
		return duplicateKey(x.view.ns, doc)
	}
	return st.put(x.view.ns, key, doc)
}

func (x *execution) insert() (protocol.Response, error) {
	var resp protocol.Response
	for i, raw := range x.req.Op.Docs {
		doc := filter.EnsureID(raw)
		stmtID := x.req.StmtID(i)
		out, err := x.runStatement(stmtID, func(st *stage) (txnledger.Result, txnledger.RecordOptions, error) {
			if err := x.insertNew(st, doc); err != nil {
				return txnledger.Result{}, txnledger.RecordOptions{}, err
			}
			return txnledger.Result{N: 1}, txnledger.RecordOptions{NS: x.view.ns, Key: x.view.encodedKey(doc)}, nil
		})
		if err != nil {
			return resp, err
		}
		resp.N += out.result.N
		if out.replayed {
			resp.Retried = append(resp.Retried, stmtID)
		}
	}
	return resp, nil
}

// upsertDoc builds the document an upsert inserts.
func upsertDoc(f, update bson.D) (bson.D, error) {
	doc, err := filter.Apply(filter.UpsertSeed(f), update, true)
	if err != nil {
		return nil, err
	}
	return filter.EnsureID(doc), nil
}

func (x *execution) modify(st *stage, d storedDoc, update bson.D) (bson.D, bool, error) {
	nd, err := filter.Apply(d.doc, update, false)
	if err != nil {
		return nil, false, err
	}
	if !x.view.sameKey(d.doc, nd) {
		return nil, false, errs.Newf(errs.IllegalOperation, "update would change the shard key of a document in %s", x.view.ns)
	}
	if filter.Equal(d.doc, nd) {
		return nd, false, nil
	}
	return nd, true, st.put(x.view.ns, d.key, nd)
}

func (x *execution) update() (protocol.Response, error) {
	op := x.req.Op
	stmtID := x.req.StmtID(0)
	out, err := x.runStatement(stmtID, func(st *stage) (txnledger.Result, txnledger.RecordOptions, error) {
		var res txnledger.Result
		opts := txnledger.RecordOptions{NS: x.view.ns}
		docs, err := matching(st.r, x.view, op.Filter)
		if err != nil {
			return res, opts, err
		}
		if !op.Multi && len(docs) > 1 {
			docs = docs[:1]
		}
		for _, d := range docs {
			nd, changed, err := x.modify(st, d, op.Update)
			if err != nil {
				return res, opts, err
			}
			res.N++
			if changed {
				res.NModified++
			}
			if opts.Key == nil {
				opts.Key = x.view.encodedKey(nd)
			}
		}
		if len(docs) == 0 && op.Upsert {
			doc, err := upsertDoc(op.Filter, op.Update)
			if err != nil {
				return res, opts, err
			}
			if err := x.insertNew(st, doc); err != nil {
				return res, opts, err
			}
			id, _ := shardkey.Lookup(doc, "_id")
			res.N = 1
			res.UpsertedID = encodeID(id)
			st.upserted = []any{id}
			opts.Key = x.view.encodedKey(doc)
		}
		return res, opts, nil
	})
	if err != nil {
		return protocol.Response{}, err
	}
	resp := protocol.Response{N: out.result.N, NModified: out.result.NModified, Upserted: out.upserted}
	if out.replayed {
		resp.Retried = []int32{stmtID}
	}
	return resp, nil
}

func (x *execution) delete() (protocol.Response, error) {
	op := x.req.Op
	stmtID := x.req.StmtID(0)
	out, err := x.runStatement(stmtID, func(st *stage) (txnledger.Result, txnledger.RecordOptions, error) {
		var res txnledger.Result
		opts := txnledger.RecordOptions{NS: x.view.ns}
		docs, err := matching(st.r, x.view, op.Filter)
		if err != nil {
			return res, opts, err
		}
		if !op.Multi && len(docs) > 1 {
			docs = docs[:1]
		}
		for _, d := range docs {
			if err := st.del(x.view.ns, d.key); err != nil {
				return res, opts, err
			}
			res.N++
			if opts.Key == nil {
				opts.Key = x.view.encodedKey(d.doc)
			}
		}
		return res, opts, nil
	})
	if err != nil {
		return protocol.Response{}, err
	}
	resp := protocol.Response{N: out.result.N}
	if out.replayed {
		resp.Retried = []int32{stmtID}
	}
	return resp, nil
}

func (x *execution) findAndModify() (protocol.Response, error) {
	op := x.req.Op
	if op.Remove && (op.Upsert || len(op.Update) > 0) {
		return protocol.Response{}, errs.New(errs.BadValue, "findAndModify cannot both remove and update")
	}
	if !op.Remove && len(op.Update) == 0 {
		return protocol.Response{}, errs.New(errs.BadValue, "findAndModify needs remove or update")
	}
	fields, err := filter.ParseSort(op.Sort)
	if err != nil {
		return protocol.Response{}, err
	}

	stmtID := x.req.StmtID(0)
	out, err := x.runStatement(stmtID, func(st *stage) (txnledger.Result, txnledger.RecordOptions, error) {
		var res txnledger.Result
		opts := txnledger.RecordOptions{NS: x.view.ns}
		docs, err := matching(st.r, x.view, op.Filter)
		if err != nil {
			return res, opts, err
		}
		sort.SliceStable(docs, func(i, j int) bool { return filter.Compare(docs[i].doc, docs[j].doc, fields) < 0 })

		kind := txnledger.PreImage
		switch {
		case len(docs) == 0 && op.Upsert:
			doc, err := upsertDoc(op.Filter, op.Update)
			if err != nil {
				return res, opts, err
			}
			if err := x.insertNew(st, doc); err != nil {
				return res, opts, err
			}
			id, _ := shardkey.Lookup(doc, "_id")
			res.N, res.UpsertedID = 1, encodeID(id)
			st.upserted = []any{id}
			opts.Key = x.view.encodedKey(doc)
			if op.ReturnNew {
				st.value, kind = doc, txnledger.PostImage
			}
		case len(docs) == 0:
			return res, opts, nil
		case op.Remove:
			if err := st.del(x.view.ns, docs[0].key); err != nil {
				return res, opts, err
			}
			res.N = 1
			st.value = docs[0].doc
			opts.Key = x.view.encodedKey(docs[0].doc)
		default:
			nd, changed, err := x.modify(st, docs[0], op.Update)
			if err != nil {
				return res, opts, err
			}
			res.N = 1
			if changed {
				res.NModified = 1
			}
			st.value = docs[0].doc
			if op.ReturnNew {
				st.value, kind = nd, txnledger.PostImage
			}
			opts.Key = x.view.encodedKey(nd)
		}
		if st.value != nil {
			raw, err := bson.Marshal(st.value)
			if err != nil {
				return res, opts, errs.Wrap(errs.BadValue, err, "encode image")
			}
			opts.Image = &txnledger.Image{Kind: kind, Doc: raw}
		}
		return res, opts, nil
	})
	if err != nil {
		return protocol.Response{}, err
	}
	resp := protocol.Response{N: out.result.N, NModified: out.result.NModified, Upserted: out.upserted}
	if out.value != nil {
		if resp.Value, err = filter.Project(out.value, op.Projection); err != nil {
			return protocol.Response{}, err
		}
	}
	if out.replayed {
		resp.Retried = []int32{stmtID}
	}
	return resp, nil
}
