package main

import (
	"context"
	"math/rand"
	"testing"

	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/protocol"
	"github.com/maxpert/shardkeeper/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

type recordingExecutor struct {
	ops      []protocol.Op
	sessions []*protocol.Session
	err      error
}

func (r *recordingExecutor) Execute(_ context.Context, op protocol.Op, sess *protocol.Session) (router.Result, error) {
	r.ops = append(r.ops, op)
	r.sessions = append(r.sessions, sess)
	return router.Result{}, r.err
}

func TestBuildOpTargetsShardKey(t *testing.T) {
	for _, typ := range []OpType{OpRead, OpUpdate, OpDelete, OpUpsert} {
		op, err := BuildOp("pika.t", Operation{Type: typ, Key: 42, Value: "v"})
		require.NoError(t, err, typ)
		assert.Equal(t, "pika.t", op.NS)
		assert.Equal(t, bson.D{{Key: "k", Value: int64(42)}}, op.Filter, typ)
	}

	op, err := BuildOp("pika.t", Operation{Type: OpInsert, Key: 7, Value: "v"})
	require.NoError(t, err)
	require.Equal(t, protocol.OpInsert, op.Kind)
	require.Len(t, op.Docs, 1)
	m := op.Docs[0].Map()
	assert.Equal(t, "rec_000000000007", m["_id"])
	assert.Equal(t, int64(7), m["k"])

	op, err = BuildOp("pika.t", Operation{Type: OpUpsert, Key: 7, Value: "v"})
	require.NoError(t, err)
	assert.True(t, op.Upsert)
	assert.Equal(t, protocol.OpUpdate, op.Kind)

	_, err = BuildOp("pika.t", Operation{Type: OpType(99)})
	assert.Error(t, err)
}

func TestExecuteOpPassesSession(t *testing.T) {
	exec := &recordingExecutor{}
	sess := &protocol.Session{LSID: "w1", TxnNumber: 3}
	require.NoError(t, ExecuteOp(context.Background(), exec, "pika.t", Operation{Type: OpUpdate, Key: 1}, sess))
	require.Len(t, exec.ops, 1)
	assert.Same(t, sess, exec.sessions[0])
	assert.Equal(t, protocol.OpUpdate, exec.ops[0].Kind)
}

func TestKeyGenerator(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	g := NewKeyGenerator(10, 0)

	assert.Equal(t, int64(11), g.NextInsertKey(rng))
	assert.Equal(t, int64(12), g.NextInsertKey(rng))

	for i := 0; i < 100; i++ {
		k := g.RandomExistingKey(rng)
		assert.True(t, k >= 1 && k <= 10, k)
	}

	g.UpdateMaxKey(5)
	seenHigh := false
	for i := 0; i < 500; i++ {
		if g.RandomExistingKey(rng) > 10 {
			seenHigh = true
		}
	}
	assert.True(t, seenHigh)

	overlap := NewKeyGenerator(10, 100)
	for i := 0; i < 50; i++ {
		assert.LessOrEqual(t, overlap.NextInsertKey(rng), int64(10))
	}

	empty := NewKeyGenerator(0, 0)
	assert.Equal(t, int64(1), empty.RandomExistingKey(rng))
}

func TestOpSelectorFollowsDistribution(t *testing.T) {
	only := NewOpSelector(WorkloadDistribution{Read: 100}, 1)
	for i := 0; i < 100; i++ {
		assert.Equal(t, OpRead, only.Select())
	}

	s := NewOpSelector(WorkloadDistribution{Read: 50, Upsert: 50}, 2)
	counts := map[OpType]int{}
	for i := 0; i < 2000; i++ {
		counts[s.Select()]++
	}
	assert.Zero(t, counts[OpUpdate]+counts[OpInsert]+counts[OpDelete])
	assert.InDelta(t, 1000, counts[OpRead], 150)
	assert.InDelta(t, 1000, counts[OpUpsert], 150)
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.True(t, IsRetryableError(errs.New(errs.StaleConfig, "stale")))
	assert.True(t, IsRetryableError(errs.New(errs.LockBusy, "busy")))
	assert.True(t, IsRetryableError(errs.New(errs.WriteConflict, "conflict")))
	assert.False(t, IsRetryableError(errs.New(errs.DuplicateKey, "dup")))
}

func TestConfigValidate(t *testing.T) {
	cfg := &Config{Hosts: "a:1, b:2", NS: "db.c", Threads: 1}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.HostList())
	assert.Equal(t, "mixed", cfg.Workload)
	assert.Equal(t, 1, cfg.BatchSize)

	assert.Error(t, (&Config{Hosts: "a:1", NS: "nodot", Threads: 1}).Validate())
	assert.Error(t, (&Config{Hosts: "a:1,", NS: "db.c", Threads: 1}).Validate())
	assert.Error(t, (&Config{Hosts: "a:1", NS: "db.c", Threads: 0}).Validate())
	assert.Error(t, (&Config{Hosts: "a:1", NS: "db.c", Threads: 1, Workload: "chaos"}).Validate())
}

func TestWorkloadDistributionOverrides(t *testing.T) {
	cfg := &Config{Workload: "mixed", ReadPct: 50, UpdatePct: -1, InsertPct: 10, DeletePct: -1, UpsertPct: -1}
	dist := cfg.GetWorkloadDistribution()
	assert.Equal(t, 50, dist.Read)
	assert.Equal(t, 30, dist.Update)
	assert.Error(t, dist.Validate())

	cfg = &Config{Workload: "read-only", ReadPct: -1, UpdatePct: -1, InsertPct: -1, DeletePct: -1, UpsertPct: -1}
	assert.NoError(t, cfg.GetWorkloadDistribution().Validate())
}

func TestChecksumDocs(t *testing.T) {
	sum, err := checksumDocs(nil)
	require.NoError(t, err)
	assert.Equal(t, "NOT FOUND", sum)

	doc := recordDoc(3, "v")
	a, err := checksumDocs([]bson.D{doc})
	require.NoError(t, err)
	b, err := checksumDocs([]bson.D{recordDoc(3, "v")})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := checksumDocs([]bson.D{recordDoc(3, "w")})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	dup, err := checksumDocs([]bson.D{doc, doc})
	require.NoError(t, err)
	assert.Equal(t, "DUPLICATE(2)", dup)

	assert.True(t, allEqual(map[string]string{"a": a, "b": b}))
	assert.False(t, allEqual(map[string]string{"a": a, "c": c}))
	assert.True(t, allEqual(map[string]int64{}))
}

func TestStatsErrorCodes(t *testing.T) {
	s := NewStats()
	s.RecordError(OpInsert, errs.New(errs.DuplicateKey, "dup"))
	s.RecordError(OpInsert, errs.New(errs.DuplicateKey, "dup"))
	s.RecordError(OpUpdate, errs.New(errs.WriteConflict, "wc"))
	s.RecordOp(OpRead, 0)

	snap := s.GetSnapshot()
	assert.EqualValues(t, 3, snap.Errors)
	assert.EqualValues(t, 1, snap.Ops)
	assert.Equal(t, map[string]int64{"DuplicateKey": 2, "WriteConflict": 1}, s.ErrorCodes())
}
