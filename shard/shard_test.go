package shard

import (
	"context"
	"testing"
	"time"

	"github.com/maxpert/shardkeeper/coordinator"
	"github.com/maxpert/shardkeeper/db"
	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/hlc"
	"github.com/maxpert/shardkeeper/placement"
	"github.com/maxpert/shardkeeper/protocol"
	"github.com/maxpert/shardkeeper/shardcache"
	"github.com/maxpert/shardkeeper/shardkey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type cluster struct {
	catalog *placement.Catalog
	reg     *Registry
	shards  map[string]*Shard
}

func newCluster(t *testing.T, ids ...string) *cluster {
	t.Helper()
	ctx := context.Background()
	catStore, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = catStore.Close() })

	clock := hlc.NewClock(1)
	cat, err := placement.Open(catStore, placement.Options{
		Clock:                 clock,
		LockLease:             time.Minute,
		Retry:                 placement.NoRetry,
		InitialChunksPerShard: 1,
	})
	require.NoError(t, err)

	c := &cluster{catalog: cat, reg: NewRegistry(), shards: make(map[string]*Shard)}
	for i, id := range ids {
		require.NoError(t, cat.AddShard(ctx, placement.Shard{ID: id, Address: id + ":27018"}))
		store, err := db.OpenInMemory()
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })

		opts := coordinator.DefaultOptions()
		opts.GCDelay = 0
		s, err := Open(ctx, store, Options{
			ID:           id,
			Clock:        hlc.NewClock(uint64(i + 2)),
			Source:       cat,
			Participants: c.reg,
			Coordinator:  opts,
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close(context.Background()) })
		c.reg.Add(s)
		cat.Subscribe(s)
		c.shards[id] = s
	}
	cat.SetMigrator(NewMover(c.reg.Endpoint))
	return c
}

var (
	minK = shardkey.Key{primitive.MinKey{}}
	maxK = shardkey.Key{primitive.MaxKey{}}
)

func doc(id any, kv ...any) bson.D {
	d := bson.D{{Key: "_id", Value: id}}
	for i := 0; i+1 < len(kv); i += 2 {
		d = append(d, bson.E{Key: kv[i].(string), Value: kv[i+1]})
	}
	return d
}

// ranged shards app.r on {x: 1} with all data on s0, split at x=10.
func (c *cluster) ranged(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := c.catalog.CreateDatabase(ctx, "app", "s0")
	require.NoError(t, err)
	_, err = c.catalog.ShardCollection(ctx, "app.r", bson.D{{Key: "x", Value: 1}}, false, placement.ShardCollectionOptions{})
	require.NoError(t, err)
	_, err = c.catalog.SplitChunk(ctx, "app.r", shardkey.Range{Min: minK, Max: maxK}, []shardkey.Key{{int64(10)}})
	require.NoError(t, err)
}

func (c *cluster) version(t *testing.T, ns, shard string) placement.Version {
	t.Helper()
	rt, err := c.catalog.GetRoutingTable(context.Background(), ns)
	require.NoError(t, err)
	return rt.ShardVersion(shard)
}

func (c *cluster) request(t *testing.T, shard string, op protocol.Op) protocol.Request {
	return protocol.Request{Op: op, ShardVersion: c.version(t, op.NS, shard)}
}

func insertOp(ns string, docs ...bson.D) protocol.Op {
	return protocol.Op{Kind: protocol.OpInsert, NS: ns, Docs: docs}
}

func findOp(ns string, f bson.D) protocol.Op {
	return protocol.Op{Kind: protocol.OpFind, NS: ns, Filter: f}
}

func TestShardVersionMismatchIsStale(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, "s0", "s1")
	c.ranged(t)
	s0 := c.shards["s0"]

	req := c.request(t, "s0", insertOp("app.r", doc(1, "x", int64(1))))
	resp, err := s0.Execute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.N)

	req.ShardVersion = placement.Version{Epoch: "other-epoch", Major: 1}
	_, err = s0.Execute(ctx, req)
	require.True(t, errs.Is(err, errs.StaleConfig), "got %v", err)
	ns, ok := shardcache.StaleNamespace(err)
	assert.True(t, ok)
	assert.Equal(t, "app.r", ns)

	// An unsharded stamp on a sharded collection is stale too.
	_, err = s0.Execute(ctx, protocol.Request{Op: findOp("app.r", nil)})
	assert.True(t, errs.Is(err, errs.StaleConfig))
}

func TestUnshardedRequiresPrimaryAndDatabaseVersion(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, "s0", "s1")
	d, err := c.catalog.CreateDatabase(ctx, "app", "s0")
	require.NoError(t, err)

	req := protocol.Request{Op: insertOp("app.plain", doc(1)), DatabaseVersion: d.Version}
	_, err = c.shards["s0"].Execute(ctx, req)
	require.NoError(t, err)

	_, err = c.shards["s1"].Execute(ctx, req)
	assert.True(t, errs.Is(err, errs.StaleDbVersion), "got %v", err)

	stale := req
	stale.DatabaseVersion.LastMod--
	_, err = c.shards["s0"].Execute(ctx, stale)
	assert.True(t, errs.Is(err, errs.StaleDbVersion), "got %v", err)
}

func TestInsertOutsideOwnedRangeIsStale(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, "s0", "s1")
	c.ranged(t)
	_, err := c.catalog.MoveChunk(ctx, "app.r", shardkey.Range{Min: shardkey.Key{int64(10)}, Max: maxK}, "s1", true)
	require.NoError(t, err)

	_, err = c.shards["s0"].Execute(ctx, c.request(t, "s0", insertOp("app.r", doc(1, "x", int64(50)))))
	assert.True(t, errs.Is(err, errs.StaleConfig), "got %v", err)
}

func TestDuplicateIDRejected(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, "s0")
	c.ranged(t)
	s0 := c.shards["s0"]

	_, err := s0.Execute(ctx, c.request(t, "s0", insertOp("app.r", doc(1, "x", int64(1)))))
	require.NoError(t, err)
	_, err = s0.Execute(ctx, c.request(t, "s0", insertOp("app.r", doc(1, "x", int64(2)))))
	assert.True(t, errs.Is(err, errs.DuplicateKey))
}

func TestRetryableInsertAppliesOnce(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, "s0")
	c.ranged(t)
	s0 := c.shards["s0"]

	req := c.request(t, "s0", insertOp("app.r", doc(1, "x", int64(1)), doc(2, "x", int64(2))))
	req.Session = &protocol.Session{LSID: "lsid-1", TxnNumber: 3}
	req.StmtIDs = []int32{0, 1}

	first, err := s0.Execute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(2), first.N)
	assert.Empty(t, first.Retried)

	again, err := s0.Execute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(2), again.N)
	assert.Equal(t, []int32{0, 1}, again.Retried)

	count, err := s0.Execute(ctx, c.request(t, "s0", protocol.Op{Kind: protocol.OpCount, NS: "app.r"}))
	require.NoError(t, err)
	assert.Equal(t, int64(2), count.N)
}

func TestRetryableFindAndModifyReplaysImage(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, "s0")
	c.ranged(t)
	s0 := c.shards["s0"]
	_, err := s0.Execute(ctx, c.request(t, "s0", insertOp("app.r", doc(1, "x", int64(1), "n", int32(1)))))
	require.NoError(t, err)

	req := c.request(t, "s0", protocol.Op{
		Kind:      protocol.OpFindAndModify,
		NS:        "app.r",
		Filter:    bson.D{{Key: "_id", Value: 1}},
		Update:    bson.D{{Key: "$inc", Value: bson.D{{Key: "n", Value: int32(1)}}}},
		ReturnNew: true,
	})
	req.Session = &protocol.Session{LSID: "lsid-2", TxnNumber: 1}
	req.StmtIDs = []int32{0}

	first, err := s0.Execute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, doc(int32(1), "x", int64(1), "n", int32(2)), first.Value)

	again, err := s0.Execute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.Value, again.Value)
	assert.Equal(t, []int32{0}, again.Retried)
}

func TestUpdateCannotChangeShardKey(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, "s0")
	c.ranged(t)
	s0 := c.shards["s0"]
	_, err := s0.Execute(ctx, c.request(t, "s0", insertOp("app.r", doc(1, "x", int64(1)))))
	require.NoError(t, err)

	_, err = s0.Execute(ctx, c.request(t, "s0", protocol.Op{
		Kind:   protocol.OpUpdate,
		NS:     "app.r",
		Filter: bson.D{{Key: "_id", Value: 1}},
		Update: bson.D{{Key: "$set", Value: bson.D{{Key: "x", Value: int64(2)}}}},
	}))
	assert.True(t, errs.Is(err, errs.IllegalOperation))
}

func TestUpsertAndMultiDelete(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, "s0")
	c.ranged(t)
	s0 := c.shards["s0"]

	resp, err := s0.Execute(ctx, c.request(t, "s0", protocol.Op{
		Kind:   protocol.OpUpdate,
		NS:     "app.r",
		Filter: bson.D{{Key: "_id", Value: 7}, {Key: "x", Value: int64(3)}},
		Update: bson.D{{Key: "$set", Value: bson.D{{Key: "y", Value: "new"}}}},
		Upsert: true,
	}))
	require.NoError(t, err)
	assert.Equal(t, []any{int32(7)}, normalizeIDs(resp.Upserted))

	_, err = s0.Execute(ctx, c.request(t, "s0", insertOp("app.r", doc(8, "x", int64(4)))))
	require.NoError(t, err)

	del, err := s0.Execute(ctx, c.request(t, "s0", protocol.Op{Kind: protocol.OpDelete, NS: "app.r", Multi: true}))
	require.NoError(t, err)
	assert.Equal(t, int64(2), del.N)
}

func normalizeIDs(ids []any) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		if n, ok := id.(int); ok {
			out[i] = int32(n)
			continue
		}
		out[i] = id
	}
	return out
}

func txnRequest(c *cluster, t *testing.T, shard string, op protocol.Op, txnNumber int64, start bool) protocol.Request {
	req := c.request(t, shard, op)
	req.Session = &protocol.Session{LSID: "txn-session", TxnNumber: txnNumber, InTransaction: true, StartTransaction: start}
	return req
}

func TestTransactionWritesVisibleAfterCommit(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, "s0")
	c.ranged(t)
	s0 := c.shards["s0"]

	_, err := s0.Execute(ctx, txnRequest(c, t, "s0", insertOp("app.r", doc(1, "x", int64(1))), 1, true))
	require.NoError(t, err)

	inside, err := s0.Execute(ctx, txnRequest(c, t, "s0", findOp("app.r", nil), 1, false))
	require.NoError(t, err)
	assert.Len(t, inside.Docs, 1)

	outside, err := s0.Execute(ctx, c.request(t, "s0", findOp("app.r", nil)))
	require.NoError(t, err)
	assert.Empty(t, outside.Docs)

	id := coordinator.TxnID{LSID: "txn-session", TxnNumber: 1}
	require.NoError(t, s0.Commit(ctx, id, hlc.Timestamp{}))
	require.NoError(t, s0.Commit(ctx, id, hlc.Timestamp{}))

	outside, err = s0.Execute(ctx, c.request(t, "s0", findOp("app.r", nil)))
	require.NoError(t, err)
	assert.Len(t, outside.Docs, 1)
	assert.True(t, errs.Is(s0.Abort(ctx, id), errs.TransactionCommitted))
}

func TestAbortThenReinsertWithHigherTxnNumber(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, "s0")
	c.ranged(t)
	s0 := c.shards["s0"]

	_, err := s0.Execute(ctx, txnRequest(c, t, "s0", insertOp("app.r", doc(1, "x", int64(1))), 1, true))
	require.NoError(t, err)
	require.NoError(t, s0.Abort(ctx, coordinator.TxnID{LSID: "txn-session", TxnNumber: 1}))

	_, err = s0.Execute(ctx, txnRequest(c, t, "s0", findOp("app.r", nil), 1, false))
	assert.True(t, errs.Is(err, errs.NoSuchTransaction), "got %v", err)

	_, err = s0.Execute(ctx, txnRequest(c, t, "s0", insertOp("app.r", doc(1, "x", int64(1))), 2, true))
	require.NoError(t, err)
	require.NoError(t, s0.Commit(ctx, coordinator.TxnID{LSID: "txn-session", TxnNumber: 2}, hlc.Timestamp{}))

	count, err := s0.Execute(ctx, c.request(t, "s0", protocol.Op{Kind: protocol.OpCount, NS: "app.r"}))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count.N)
}

func TestConflictingTransactionWrite(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, "s0")
	c.ranged(t)
	s0 := c.shards["s0"]
	_, err := s0.Execute(ctx, c.request(t, "s0", insertOp("app.r", doc(1, "x", int64(1)))))
	require.NoError(t, err)

	set := protocol.Op{
		Kind:   protocol.OpUpdate,
		NS:     "app.r",
		Filter: bson.D{{Key: "_id", Value: 1}},
		Update: bson.D{{Key: "$set", Value: bson.D{{Key: "v", Value: 1}}}},
	}
	_, err = s0.Execute(ctx, txnRequest(c, t, "s0", set, 1, true))
	require.NoError(t, err)

	other := c.request(t, "s0", set)
	other.Session = &protocol.Session{LSID: "other-session", TxnNumber: 1, InTransaction: true, StartTransaction: true}
	_, err = s0.Execute(ctx, other)
	assert.True(t, errs.Is(err, errs.WriteConflict), "got %v", err)

	// A plain write waits for the transaction and gives up at its deadline.
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = s0.Execute(short, c.request(t, "s0", set))
	assert.True(t, errs.Is(err, errs.MaxTimeMSExpired), "got %v", err)
}

func TestReadBlocksOnPreparedTransaction(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, "s0")
	c.ranged(t)
	s0 := c.shards["s0"]

	_, err := s0.Execute(ctx, txnRequest(c, t, "s0", insertOp("app.r", doc(1, "x", int64(1))), 1, true))
	require.NoError(t, err)
	id := coordinator.TxnID{LSID: "txn-session", TxnNumber: 1}
	vote, err := s0.Prepare(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, coordinator.VoteCommit, vote.Vote)
	assert.False(t, vote.PrepareTimestamp.IsZero())

	again, err := s0.Prepare(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, vote.PrepareTimestamp, again.PrepareTimestamp)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = s0.Execute(short, c.request(t, "s0", findOp("app.r", bson.D{{Key: "_id", Value: 1}})))
	assert.True(t, errs.Is(err, errs.MaxTimeMSExpired), "got %v", err)

	// Reads that cannot see the prepared write are not blocked.
	_, err = s0.Execute(ctx, c.request(t, "s0", findOp("app.r", bson.D{{Key: "_id", Value: 2}})))
	require.NoError(t, err)

	require.NoError(t, s0.Commit(ctx, id, vote.PrepareTimestamp))
	resp, err := s0.Execute(ctx, c.request(t, "s0", findOp("app.r", bson.D{{Key: "_id", Value: 1}})))
	require.NoError(t, err)
	assert.Len(t, resp.Docs, 1)
}

func TestTwoShardCommitThroughCoordinator(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, "s0", "s1")
	c.ranged(t)
	_, err := c.catalog.MoveChunk(ctx, "app.r", shardkey.Range{Min: shardkey.Key{int64(10)}, Max: maxK}, "s1", true)
	require.NoError(t, err)

	_, err = c.shards["s0"].Execute(ctx, txnRequest(c, t, "s0", insertOp("app.r", doc(1, "x", int64(1))), 1, true))
	require.NoError(t, err)
	_, err = c.shards["s1"].Execute(ctx, txnRequest(c, t, "s1", insertOp("app.r", doc(2, "x", int64(20))), 1, true))
	require.NoError(t, err)

	id := coordinator.TxnID{LSID: "txn-session", TxnNumber: 1}
	d, err := c.reg.CoordinateCommit(ctx, "s0", id, []string{"s0", "s1"})
	require.NoError(t, err)
	assert.True(t, d.Commit)

	for _, id := range []string{"s0", "s1"} {
		resp, err := c.shards[id].Execute(ctx, c.request(t, id, findOp("app.r", nil)))
		require.NoError(t, err)
		assert.Len(t, resp.Docs, 1, id)
	}
}

func TestMoveChunkCarriesDocumentsAndSessions(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, "s0", "s1")
	c.ranged(t)
	s0, s1 := c.shards["s0"], c.shards["s1"]

	req := c.request(t, "s0", insertOp("app.r", doc(1, "x", int64(1)), doc(2, "x", int64(20))))
	req.Session = &protocol.Session{LSID: "mig", TxnNumber: 1}
	req.StmtIDs = []int32{0, 1}
	_, err := s0.Execute(ctx, req)
	require.NoError(t, err)

	_, err = c.catalog.MoveChunk(ctx, "app.r", shardkey.Range{Min: shardkey.Key{int64(10)}, Max: maxK}, "s1", true)
	require.NoError(t, err)

	// The donor rejects the old stamp and no longer holds the moved doc.
	_, err = s0.Execute(ctx, req)
	assert.True(t, errs.Is(err, errs.StaleConfig), "got %v", err)
	left, err := s0.Execute(ctx, c.request(t, "s0", findOp("app.r", nil)))
	require.NoError(t, err)
	assert.Len(t, left.Docs, 1)

	moved, err := s1.Execute(ctx, c.request(t, "s1", findOp("app.r", nil)))
	require.NoError(t, err)
	require.Len(t, moved.Docs, 1)
	assert.Equal(t, int32(2), normalizeIDs([]any{moved.Docs[0][0].Value})[0])

	// The retried statement for the moved document is answered by the
	// recipient from the migrated ledger.
	retry := c.request(t, "s1", insertOp("app.r", doc(2, "x", int64(20))))
	retry.Session = req.Session
	retry.StmtIDs = []int32{1}
	resp, err := s1.Execute(ctx, retry)
	require.NoError(t, err)
	assert.Equal(t, []int32{1}, resp.Retried)
}

func TestMovePrimaryCarriesUnshardedCollections(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, "s0", "s1")
	d, err := c.catalog.CreateDatabase(ctx, "app", "s0")
	require.NoError(t, err)
	_, err = c.shards["s0"].Execute(ctx, protocol.Request{Op: insertOp("app.plain", doc(1), doc(2)), DatabaseVersion: d.Version})
	require.NoError(t, err)

	moved, err := c.catalog.MovePrimary(ctx, "app", "s1")
	require.NoError(t, err)

	_, err = c.shards["s0"].Execute(ctx, protocol.Request{Op: findOp("app.plain", nil), DatabaseVersion: d.Version})
	assert.True(t, errs.Is(err, errs.StaleDbVersion), "got %v", err)

	resp, err := c.shards["s1"].Execute(ctx, protocol.Request{Op: findOp("app.plain", nil), DatabaseVersion: moved.Version})
	require.NoError(t, err)
	assert.Len(t, resp.Docs, 2)
}

func TestWritesWaitOutCriticalSection(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, "s0")
	c.ranged(t)
	s0 := c.shards["s0"]

	require.NoError(t, s0.enterCritical(collectionSection("app.r"), "test"))
	assert.Contains(t, s0.CriticalSections(), collectionSection("app.r"))

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := s0.Execute(short, c.request(t, "s0", insertOp("app.r", doc(1, "x", int64(1)))))
	assert.True(t, errs.Is(err, errs.MaxTimeMSExpired), "got %v", err)

	// Reads are not blocked.
	_, err = s0.Execute(ctx, c.request(t, "s0", findOp("app.r", nil)))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s0.Execute(ctx, c.request(t, "s0", insertOp("app.r", doc(2, "x", int64(2)))))
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	s0.exitCritical(collectionSection("app.r"))
	require.NoError(t, <-done)
}

func TestAggregateLookupUsesAttachedNamespace(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, "s0")
	d, err := c.catalog.CreateDatabase(ctx, "app", "s0")
	require.NoError(t, err)
	s0 := c.shards["s0"]

	_, err = s0.Execute(ctx, protocol.Request{Op: insertOp("app.orders", doc(1, "cust", "a")), DatabaseVersion: d.Version})
	require.NoError(t, err)
	_, err = s0.Execute(ctx, protocol.Request{Op: insertOp("app.customers", doc("a", "name", "Ada")), DatabaseVersion: d.Version})
	require.NoError(t, err)

	lookup := protocol.Op{Kind: protocol.OpAggregate, NS: "app.orders", Pipeline: []bson.D{
		{{Key: "$lookup", Value: bson.D{
			{Key: "from", Value: "customers"},
			{Key: "localField", Value: "cust"},
			{Key: "foreignField", Value: "_id"},
			{Key: "as", Value: "c"},
		}}},
	}}
	_, err = s0.Execute(ctx, protocol.Request{Op: lookup, DatabaseVersion: d.Version})
	assert.True(t, errs.Is(err, errs.IllegalOperation), "got %v", err)

	resp, err := s0.Execute(ctx, protocol.Request{
		Op:              lookup,
		DatabaseVersion: d.Version,
		Secondary:       []protocol.NamespaceVersion{{NS: "app.customers", DatabaseVersion: d.Version}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Docs, 1)
	joined, _ := resp.Docs[0][2].Value.(bson.A)
	assert.Len(t, joined, 1)
}
