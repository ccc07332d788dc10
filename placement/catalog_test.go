package placement

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/shardkeeper/db"
	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/hlc"
	"github.com/maxpert/shardkeeper/shardkey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func newTestCatalog(t *testing.T, shards ...string) *Catalog {
	t.Helper()
	store, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return openTestCatalog(t, store, shards...)
}

func openTestCatalog(t *testing.T, store *db.Store, shards ...string) *Catalog {
	t.Helper()
	c, err := Open(store, Options{
		Clock:                 hlc.NewClock(1),
		LockLease:             time.Minute,
		Retry:                 NoRetry,
		InitialChunksPerShard: 2,
	})
	require.NoError(t, err)
	for _, s := range shards {
		require.NoError(t, c.AddShard(context.Background(), Shard{ID: s, Address: s + ":27018"}))
	}
	return c
}

func rangeKey() bson.D { return bson.D{{Key: "x", Value: 1}} }
func hashedKey() bson.D { return bson.D{{Key: "_id", Value: "hashed"}} }

func k(v any) shardkey.Key { return shardkey.Key{v} }

var (
	minK = shardkey.Key{primitive.MinKey{}}
	maxK = shardkey.Key{primitive.MaxKey{}}
)

func TestShardCollectionHashedInitialChunks(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, "s0", "s1", "s2")

	rt, err := c.ShardCollection(ctx, "app.users", hashedKey(), false, ShardCollectionOptions{})
	require.NoError(t, err)
	require.NoError(t, rt.CheckPartition())
	require.Equal(t, 6, rt.NumChunks())

	for i, ch := range rt.Chunks() {
		assert.Equal(t, uint32(1), ch.Version.Major)
		assert.Equal(t, uint32(i), ch.Version.Minor)
	}
	assert.Equal(t, map[string]int{"s0": 2, "s1": 2, "s2": 2}, rt.ChunkCounts())

	// Same key again is a no-op; a different key is rejected.
	again, err := c.ShardCollection(ctx, "app.users", hashedKey(), false, ShardCollectionOptions{})
	require.NoError(t, err)
	assert.Equal(t, rt.Version(), again.Version())
	_, err = c.ShardCollection(ctx, "app.users", rangeKey(), false, ShardCollectionOptions{})
	assert.True(t, errs.Is(err, errs.IllegalOperation))

	_, err = c.ShardCollection(ctx, "app.orders", hashedKey(), true, ShardCollectionOptions{})
	assert.True(t, errs.Is(err, errs.InvalidOptions))
}

func TestHashedPointRoutesToOneChunk(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, "s0", "s1")
	rt, err := c.ShardCollection(ctx, "app.h", hashedKey(), false, ShardCollectionOptions{NumInitialChunks: 4})
	require.NoError(t, err)

	key, err := rt.Pattern.Extract(bson.D{{Key: "_id", Value: -1}})
	require.NoError(t, err)
	chunk, ok := rt.FindChunk(key)
	require.True(t, ok)
	assert.True(t, chunk.Range().Contains(key))
	assert.Len(t, rt.ChunksForRange(key, key, true), 1)
}

func TestSplitThenMergeRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, "s0")
	rt, err := c.ShardCollection(ctx, "app.r", rangeKey(), false, ShardCollectionOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, rt.NumChunks())
	before := rt.Version()

	pieces, err := c.SplitChunk(ctx, "app.r", shardkey.Range{Min: minK, Max: maxK}, []shardkey.Key{k(int64(10)), k(int64(20))})
	require.NoError(t, err)
	require.Len(t, pieces, 3)
	for i, p := range pieces {
		assert.Equal(t, before.Minor+1+uint32(i), p.Version.Minor)
		assert.Equal(t, before.Major, p.Version.Major)
	}

	rt, err = c.GetRoutingTable(ctx, "app.r")
	require.NoError(t, err)
	require.NoError(t, rt.CheckPartition())
	afterSplit := rt.Version()
	assert.True(t, before.Less(afterSplit))

	merged, err := c.MergeChunks(ctx, "app.r", shardkey.Range{Min: minK, Max: maxK})
	require.NoError(t, err)
	assert.True(t, merged.Min.IsGlobalMin())
	assert.True(t, merged.Max.IsGlobalMax())
	assert.Equal(t, Version{Epoch: before.Epoch, Major: 1, Minor: afterSplit.Minor + 1}, merged.Version)

	// Merging a single chunk is idempotent.
	same, err := c.MergeChunks(ctx, "app.r", shardkey.Range{Min: minK, Max: maxK})
	require.NoError(t, err)
	assert.Equal(t, merged.Version, same.Version)
}

func TestSplitValidation(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, "s0")
	_, err := c.ShardCollection(ctx, "app.r", rangeKey(), false, ShardCollectionOptions{})
	require.NoError(t, err)
	whole := shardkey.Range{Min: minK, Max: maxK}

	_, err = c.SplitChunk(ctx, "app.r", whole, []shardkey.Key{minK})
	assert.True(t, errs.Is(err, errs.InvalidOptions), "split on the lower bound")

	_, err = c.SplitChunk(ctx, "app.r", whole, []shardkey.Key{k(int64(5)), k(int64(5))})
	assert.True(t, errs.Is(err, errs.InvalidOptions), "points must strictly increase")

	_, err = c.SplitChunk(ctx, "app.r", shardkey.Range{Min: minK, Max: k(int64(3))}, []shardkey.Key{k(int64(1))})
	assert.True(t, errs.Is(err, errs.IllegalOperation), "bounds must match a chunk")

	_, err = c.SplitChunk(ctx, "app.r", whole, nil)
	assert.True(t, errs.Is(err, errs.BadValue))

	_, err = c.SplitChunk(ctx, "app.missing", whole, []shardkey.Key{k(int64(1))})
	assert.True(t, errs.Is(err, errs.NamespaceNotSharded))
}

func TestMergeRejectsMixedShards(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, "s0", "s1")
	_, err := c.ShardCollection(ctx, "app.r", rangeKey(), false, ShardCollectionOptions{})
	require.NoError(t, err)
	_, err = c.SplitChunk(ctx, "app.r", shardkey.Range{Min: minK, Max: maxK}, []shardkey.Key{k(int64(0))})
	require.NoError(t, err)

	primary := mustTable(t, c, "app.r").Chunks()[0].Shard
	other := "s1"
	if primary == "s1" {
		other = "s0"
	}
	_, err = c.MoveChunk(ctx, "app.r", shardkey.Range{Min: k(int64(0)), Max: maxK}, other, true)
	require.NoError(t, err)

	_, err = c.MergeChunks(ctx, "app.r", shardkey.Range{Min: minK, Max: maxK})
	assert.True(t, errs.Is(err, errs.IllegalOperation))

	_, err = c.MergeChunks(ctx, "app.r", shardkey.Range{Min: minK, Max: k(int64(7))})
	assert.True(t, errs.Is(err, errs.IllegalOperation), "range must align with chunk bounds")
}

func TestMoveChunkVersions(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, "s0", "s1")
	_, err := c.CreateDatabase(ctx, "app", "s0")
	require.NoError(t, err)
	_, err = c.ShardCollection(ctx, "app.r", rangeKey(), false, ShardCollectionOptions{})
	require.NoError(t, err)
	_, err = c.SplitChunk(ctx, "app.r", shardkey.Range{Min: minK, Max: maxK}, []shardkey.Key{k(int64(10))})
	require.NoError(t, err)

	before := mustTable(t, c, "app.r")
	assert.Equal(t, uint32(2), before.Version().Minor)

	moved, err := c.MoveChunk(ctx, "app.r", shardkey.Range{Min: k(int64(10)), Max: maxK}, "s1", false)
	require.NoError(t, err)
	assert.Equal(t, "s1", moved.Shard)
	assert.Equal(t, uint32(2), moved.Version.Major)
	assert.Equal(t, uint32(0), moved.Version.Minor)

	after := mustTable(t, c, "app.r")
	require.NoError(t, after.CheckPartition())
	assert.Equal(t, Version{Epoch: before.Version().Epoch, Major: 2, Minor: 1}, after.ShardVersion("s0"))
	assert.Equal(t, Version{Epoch: before.Version().Epoch, Major: 2, Minor: 0}, after.ShardVersion("s1"))
	assert.Equal(t, after.ShardVersion("s0"), after.Version())

	// Moving a shard's last chunk leaves it at major 0.
	_, err = c.MoveChunk(ctx, "app.r", shardkey.Range{Min: minK, Max: k(int64(10))}, "s1", false)
	require.NoError(t, err)
	after = mustTable(t, c, "app.r")
	assert.Equal(t, uint32(0), after.ShardVersion("s0").Major)
	assert.Equal(t, []string{"s1"}, after.Shards())

	// Moving to the current owner is a no-op.
	same, err := c.MoveChunk(ctx, "app.r", shardkey.Range{Min: minK, Max: k(int64(10))}, "s1", false)
	require.NoError(t, err)
	assert.Equal(t, after.Version(), mustTable(t, c, "app.r").Version())
	assert.Equal(t, "s1", same.Shard)

	_, err = c.MoveChunk(ctx, "app.r", shardkey.Range{Min: minK, Max: k(int64(10))}, "s9", false)
	assert.True(t, errs.Is(err, errs.ShardNotFound))
}

func TestZoneConstraints(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, "s0", "s1")
	_, err := c.CreateDatabase(ctx, "app", "s0")
	require.NoError(t, err)
	_, err = c.ShardCollection(ctx, "app.r", rangeKey(), false, ShardCollectionOptions{})
	require.NoError(t, err)

	err = c.UpdateZoneKeyRange(ctx, "app.r", k(int64(0)), k(int64(100)), "EU")
	assert.True(t, errs.Is(err, errs.ZoneNotFound))

	require.NoError(t, c.AddShardToZone(ctx, "s1", "EU"))
	require.NoError(t, c.UpdateZoneKeyRange(ctx, "app.r", k(int64(0)), k(int64(100)), "EU"))
	require.NoError(t, c.UpdateZoneKeyRange(ctx, "app.r", k(int64(0)), k(int64(100)), "EU"), "re-adding is idempotent")

	err = c.UpdateZoneKeyRange(ctx, "app.r", k(int64(50)), k(int64(150)), "EU")
	assert.True(t, errs.Is(err, errs.RangeOverlapConflict))

	_, err = c.SplitChunk(ctx, "app.r", shardkey.Range{Min: minK, Max: maxK}, []shardkey.Key{k(int64(0)), k(int64(100))})
	require.NoError(t, err)
	zoneRange := shardkey.Range{Min: k(int64(0)), Max: k(int64(100))}

	_, err = c.MoveChunk(ctx, "app.r", shardkey.Range{Min: k(int64(100)), Max: maxK}, "s1", false)
	require.NoError(t, err, "unzoned chunks may go anywhere")

	_, err = c.MoveChunk(ctx, "app.r", zoneRange, "s1", false)
	require.NoError(t, err)
	_, err = c.MoveChunk(ctx, "app.r", zoneRange, "s0", false)
	assert.True(t, errs.Is(err, errs.IllegalOperation), "s0 is not in zone EU")

	err = c.RemoveShardFromZone(ctx, "s1", "EU")
	assert.True(t, errs.Is(err, errs.IllegalOperation), "last shard of a zone in use")

	err = c.UpdateZoneKeyRange(ctx, "app.r", k(int64(0)), k(int64(50)), "")
	assert.True(t, errs.Is(err, errs.IllegalOperation), "removal needs exact bounds")
	require.NoError(t, c.UpdateZoneKeyRange(ctx, "app.r", k(int64(0)), k(int64(100)), ""))
	assert.Empty(t, c.GetZones("app.r"))
	require.NoError(t, c.RemoveShardFromZone(ctx, "s1", "EU"))
}

func TestHashedZoneBoundMustBeHashed(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, "s0", "s1")
	require.NoError(t, c.AddShardToZone(ctx, "s0", "A"))
	_, err := c.ShardCollection(ctx, "app.h", hashedKey(), false, ShardCollectionOptions{})
	require.NoError(t, err)

	err = c.UpdateZoneKeyRange(ctx, "app.h", k(int32(5)), k(int32(10)), "A")
	assert.True(t, errs.Is(err, errs.InvalidOptions))
	err = c.UpdateZoneKeyRange(ctx, "app.h", k("a"), k("b"), "A")
	assert.True(t, errs.Is(err, errs.InvalidOptions))

	require.NoError(t, c.UpdateZoneKeyRange(ctx, "app.h", k(int64(5)), k(int64(10)), "A"))

	_, err = c.SplitChunk(ctx, "app.h", mustTable(t, c, "app.h").Chunks()[0].Range(), []shardkey.Key{k(1.5)})
	assert.True(t, errs.Is(err, errs.InvalidOptions))
}

func TestShardCollectionWithZonesPlacesChunks(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, "s0", "s1", "s2")
	_, err := c.CreateDatabase(ctx, "geo", "s0")
	require.NoError(t, err)
	require.NoError(t, c.AddShardToZone(ctx, "s2", "APAC"))
	require.NoError(t, c.UpdateZoneKeyRange(ctx, "geo.places", k("APAC"), k("APAD"), "APAC"))

	rt, err := c.ShardCollection(ctx, "geo.places", bson.D{{Key: "region", Value: 1}}, false, ShardCollectionOptions{})
	require.NoError(t, err)
	require.NoError(t, rt.CheckPartition())
	require.Equal(t, 3, rt.NumChunks())

	chunk, ok := rt.FindChunk(k("APAC"))
	require.True(t, ok)
	assert.Equal(t, "s2", chunk.Shard)
	chunk, _ = rt.FindChunk(k("EU"))
	assert.Equal(t, "s0", chunk.Shard)
}

func TestNotificationsStrictlyIncreasing(t *testing.T) {
	ctx := context.Background()
	store, err := db.OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	frozen := hlc.NewClockWithSource(1, func() int64 { return 42 })
	c, err := Open(store, Options{Clock: frozen, Retry: NoRetry})
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []Event
	c.Subscribe(ListenerFunc(func(ev Event) {
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
	}))

	require.NoError(t, c.AddShard(ctx, Shard{ID: "s0", Address: "a"}))
	require.NoError(t, c.AddShard(ctx, Shard{ID: "s1", Address: "b"}))
	_, err = c.ShardCollection(ctx, "app.r", rangeKey(), false, ShardCollectionOptions{})
	require.NoError(t, err)
	_, err = c.SplitChunk(ctx, "app.r", shardkey.Range{Min: minK, Max: maxK}, []shardkey.Key{k(int64(1))})
	require.NoError(t, err)
	_, err = c.MoveChunk(ctx, "app.r", shardkey.Range{Min: k(int64(1)), Max: maxK}, otherShard(t, c, "app.r", k(int64(1))), true)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(seen), 5)
	for i := 1; i < len(seen); i++ {
		assert.True(t, hlc.After(seen[i].Timestamp, seen[i-1].Timestamp), "event %d not after %d", i, i-1)
		assert.Equal(t, seen[i-1].Seq+1, seen[i].Seq)
	}

	persisted, err := c.Events(0, 0)
	require.NoError(t, err)
	assert.Len(t, persisted, len(seen))
	tail, err := c.Events(seen[1].Seq, 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, seen[2].Seq, tail[0].Seq)
}

func TestRandomOperationsKeepPartition(t *testing.T) {
	ctx := context.Background()
	shards := []string{"s0", "s1", "s2"}
	c := newTestCatalog(t, shards...)
	_, err := c.ShardCollection(ctx, "app.r", rangeKey(), false, ShardCollectionOptions{})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	last := mustTable(t, c, "app.r").Version()
	for i := 0; i < 300; i++ {
		rt := mustTable(t, c, "app.r")
		chunks := rt.Chunks()
		changed := false

		switch rng.Intn(3) {
		case 0:
			p := k(int64(rng.Intn(2000) - 1000))
			ch, ok := rt.FindChunk(p)
			require.True(t, ok)
			if !ch.Min.Equal(p) {
				_, err := c.SplitChunk(ctx, "app.r", ch.Range(), []shardkey.Key{p})
				require.NoError(t, err)
				changed = true
			}
		case 1:
			if len(chunks) > 1 {
				j := rng.Intn(len(chunks) - 1)
				if chunks[j].Shard == chunks[j+1].Shard {
					_, err := c.MergeChunks(ctx, "app.r", shardkey.Range{Min: chunks[j].Min, Max: chunks[j+1].Max})
					require.NoError(t, err)
					changed = true
				}
			}
		case 2:
			ch := chunks[rng.Intn(len(chunks))]
			to := shards[rng.Intn(len(shards))]
			if to != ch.Shard {
				_, err := c.MoveChunk(ctx, "app.r", ch.Range(), to, false)
				require.NoError(t, err)
				changed = true
			}
		}

		now := mustTable(t, c, "app.r")
		require.NoError(t, now.CheckPartition(), "step %d", i)
		if changed {
			require.True(t, last.Less(now.Version()), "step %d: %s -> %s", i, last, now.Version())
		}
		last = now.Version()
	}
}

func TestLockBusyAndRetry(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, "s0")
	_, err := c.ShardCollection(ctx, "app.r", rangeKey(), false, ShardCollectionOptions{})
	require.NoError(t, err)

	_, err = c.Locks().TryAcquire("app.r", "someone-else", "test")
	require.NoError(t, err)

	_, err = c.SplitChunk(ctx, "app.r", shardkey.Range{Min: minK, Max: maxK}, []shardkey.Key{k(int64(1))})
	assert.True(t, errs.Is(err, errs.LockBusy))

	c.Locks().Release("app.r", "someone-else")
	_, err = c.SplitChunk(ctx, "app.r", shardkey.Range{Min: minK, Max: maxK}, []shardkey.Key{k(int64(1))})
	assert.NoError(t, err)
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{Initial: 500 * time.Millisecond, Max: 5 * time.Second, Multiplier: 2, MaxRetries: 10}
	assert.Equal(t, 500*time.Millisecond, p.Backoff(0))
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
	assert.Equal(t, 5*time.Second, p.Backoff(4))
	assert.Equal(t, 5*time.Second, p.Backoff(9))

	fast := RetryPolicy{Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2, MaxRetries: 3}
	calls := 0
	err := fast.Do(context.Background(), func() error {
		calls++
		return errs.New(errs.LockBusy, "held")
	})
	assert.True(t, errs.Is(err, errs.LockBusy))
	assert.Equal(t, 3, calls)

	calls = 0
	err = fast.Do(context.Background(), func() error {
		calls++
		if calls < 2 {
			return errs.New(errs.LockBusy, "held")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)

	err = fast.Do(context.Background(), func() error { return errs.New(errs.BadValue, "no") })
	assert.True(t, errs.Is(err, errs.BadValue))
}

func TestLockLeaseExpiry(t *testing.T) {
	lm := NewLockManager(time.Second)
	now := time.Unix(1000, 0)
	lm.now = func() time.Time { return now }

	l, err := lm.TryAcquire("app.r", "a", "split")
	require.NoError(t, err)
	_, err = lm.TryAcquire("app.r", "b", "merge")
	assert.True(t, errs.Is(err, errs.LockBusy))

	now = now.Add(2 * time.Second)
	_, err = lm.TryAcquire("app.r", "b", "merge")
	require.NoError(t, err)
	select {
	case <-l.ReleaseChan:
	default:
		t.Fatal("expired lock was not released")
	}
}

func TestDatabasesAndMovePrimary(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, "s0", "s1")

	d1, err := c.CreateDatabase(ctx, "a", "")
	require.NoError(t, err)
	d2, err := c.CreateDatabase(ctx, "b", "")
	require.NoError(t, err)
	assert.NotEqual(t, d1.Primary, d2.Primary, "primaries spread over shards")

	moved, err := c.MovePrimary(ctx, "a", d2.Primary)
	require.NoError(t, err)
	assert.Equal(t, d2.Primary, moved.Primary)
	cmp, ok := d1.Version.Compare(moved.Version)
	assert.True(t, ok)
	assert.Equal(t, -1, cmp)

	_, err = c.GetDatabase(ctx, "nope")
	assert.True(t, errs.Is(err, errs.NamespaceNotFound))
	_, err = c.MovePrimary(ctx, "a", "s9")
	assert.True(t, errs.Is(err, errs.ShardNotFound))
}

func TestRemoveShardDrains(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, "s0", "s1")
	_, err := c.CreateDatabase(ctx, "app", "s0")
	require.NoError(t, err)
	_, err = c.ShardCollection(ctx, "app.r", rangeKey(), false, ShardCollectionOptions{})
	require.NoError(t, err)

	state, err := c.RemoveShard(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, RemoveShardCompleted, state, "s1 owns nothing")

	require.NoError(t, c.AddShard(ctx, Shard{ID: "s1", Address: "s1:27018"}))
	state, err = c.RemoveShard(ctx, "s0")
	require.NoError(t, err)
	assert.Equal(t, RemoveShardStarted, state)
	s0, err := c.GetShard("s0")
	require.NoError(t, err)
	assert.True(t, s0.Draining)

	state, err = c.RemoveShard(ctx, "s0")
	require.NoError(t, err)
	assert.Equal(t, RemoveShardOngoing, state)

	_, err = c.MoveChunk(ctx, "app.r", shardkey.Range{Min: minK, Max: maxK}, "s1", false)
	require.NoError(t, err)
	_, err = c.MovePrimary(ctx, "app", "s1")
	require.NoError(t, err)
	state, err = c.RemoveShard(ctx, "s0")
	require.NoError(t, err)
	assert.Equal(t, RemoveShardCompleted, state)
	assert.Len(t, c.ListShards(), 1)
}

func TestReopenRestoresCatalog(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := db.Open(dir, db.Options{})
	require.NoError(t, err)

	c := openTestCatalog(t, store, "s0", "s1")
	_, err = c.ShardCollection(ctx, "app.r", rangeKey(), false, ShardCollectionOptions{})
	require.NoError(t, err)
	_, err = c.SplitChunk(ctx, "app.r", shardkey.Range{Min: minK, Max: maxK}, []shardkey.Key{k(int64(5))})
	require.NoError(t, err)
	require.NoError(t, c.AddShardToZone(ctx, "s1", "Z"))
	require.NoError(t, c.UpdateZoneKeyRange(ctx, "app.r", k(int64(100)), k(int64(200)), "Z"))
	want := mustTable(t, c, "app.r")
	lastSeq := c.seq
	require.NoError(t, store.Close())

	store, err = db.Open(dir, db.Options{})
	require.NoError(t, err)
	defer store.Close()
	reopened := openTestCatalog(t, store)

	got := mustTable(t, reopened, "app.r")
	assert.Equal(t, want.Version(), got.Version())
	assert.Equal(t, want.NumChunks(), got.NumChunks())
	assert.Len(t, reopened.ListShards(), 2)
	assert.Len(t, reopened.GetZones("app.r"), 1)
	assert.Equal(t, lastSeq, reopened.seq)

	reader := NewStoreReader(store)
	viaReader, err := reader.LoadRoutingTable(ctx, "app.r")
	require.NoError(t, err)
	assert.Equal(t, want.Version(), viaReader.Version())
	_, err = reader.LoadRoutingTable(ctx, "app.nope")
	assert.True(t, errs.Is(err, errs.NamespaceNotSharded))
}

func TestGetChunksForRange(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, "s0")
	_, err := c.ShardCollection(ctx, "app.r", rangeKey(), false, ShardCollectionOptions{})
	require.NoError(t, err)
	_, err = c.SplitChunk(ctx, "app.r", shardkey.Range{Min: minK, Max: maxK},
		[]shardkey.Key{k(int64(10)), k(int64(20)), k(int64(30))})
	require.NoError(t, err)

	chunks, err := c.GetChunksForRange(ctx, "app.r", k(int64(15)), k(int64(30)))
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.True(t, chunks[0].Min.Equal(k(int64(10))))
	assert.True(t, chunks[1].Max.Equal(k(int64(30))))
}

func mustTable(t *testing.T, c *Catalog, ns string) *RoutingTable {
	t.Helper()
	rt, err := c.GetRoutingTable(context.Background(), ns)
	require.NoError(t, err)
	return rt
}

func otherShard(t *testing.T, c *Catalog, ns string, key shardkey.Key) string {
	t.Helper()
	ch, ok := mustTable(t, c, ns).FindChunk(key)
	require.True(t, ok)
	for _, s := range c.ListShards() {
		if s.ID != ch.Shard {
			return s.ID
		}
	}
	t.Fatal("no other shard")
	return ""
}

type hookMigrator struct {
	onClone func(ctx context.Context) error

	mu       sync.Mutex
	finished []bool
}

func (m *hookMigrator) CloneRange(ctx context.Context, _ MigrationRequest) error {
	if m.onClone != nil {
		return m.onClone(ctx)
	}
	return nil
}

func (m *hookMigrator) FinishRange(_ context.Context, _ MigrationRequest, committed bool) error {
	m.mu.Lock()
	m.finished = append(m.finished, committed)
	m.mu.Unlock()
	return nil
}

func (m *hookMigrator) CleanupRange(context.Context, MigrationRequest) error { return nil }

func (m *hookMigrator) MoveDatabase(context.Context, string, string, string) error { return nil }

func (m *hookMigrator) FinishDatabase(context.Context, string, string, string, bool) error {
	return nil
}

func TestMoveChunkHoldsLockThroughSlowClone(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := db.Open(dir, db.Options{})
	require.NoError(t, err)

	c, err := Open(store, Options{
		Clock:                 hlc.NewClock(1),
		LockLease:             50 * time.Millisecond,
		Retry:                 NoRetry,
		InitialChunksPerShard: 1,
	})
	require.NoError(t, err)
	require.NoError(t, c.AddShard(ctx, Shard{ID: "s0", Address: "s0:27018"}))
	require.NoError(t, c.AddShard(ctx, Shard{ID: "s1", Address: "s1:27018"}))
	_, err = c.CreateDatabase(ctx, "app", "s0")
	require.NoError(t, err)
	_, err = c.ShardCollection(ctx, "app.r", rangeKey(), false, ShardCollectionOptions{})
	require.NoError(t, err)

	var splitErr error
	mig := &hookMigrator{onClone: func(ctx context.Context) error {
		time.Sleep(150 * time.Millisecond)
		_, splitErr = c.SplitChunk(ctx, "app.r", shardkey.Range{Min: minK, Max: maxK}, []shardkey.Key{k(int64(0))})
		time.Sleep(150 * time.Millisecond)
		return nil
	}}
	c.SetMigrator(mig)

	moved, err := c.MoveChunk(ctx, "app.r", shardkey.Range{Min: minK, Max: maxK}, "s1", true)
	require.NoError(t, err)
	assert.Equal(t, "s1", moved.Shard)
	assert.True(t, errs.Is(splitErr, errs.LockBusy), "split during move: %v", splitErr)
	assert.Equal(t, []bool{true}, mig.finished)

	rt := mustTable(t, c, "app.r")
	require.NoError(t, rt.CheckPartition())
	assert.Equal(t, 1, rt.NumChunks())
	require.NoError(t, store.Close())

	store, err = db.Open(dir, db.Options{})
	require.NoError(t, err)
	defer store.Close()
	reopened := mustTable(t, openTestCatalog(t, store), "app.r")
	require.NoError(t, reopened.CheckPartition())
	assert.Equal(t, 1, reopened.NumChunks())
	assert.Equal(t, []string{"s1"}, reopened.Shards())
}

func TestMoveChunkFailsWhenTableChangesDuringClone(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, "s0", "s1")
	_, err := c.CreateDatabase(ctx, "app", "s0")
	require.NoError(t, err)
	_, err = c.ShardCollection(ctx, "app.r", rangeKey(), false, ShardCollectionOptions{})
	require.NoError(t, err)

	mig := &hookMigrator{onClone: func(ctx context.Context) error {
		held, ok := c.Locks().Holder("app.r")
		require.True(t, ok)
		c.Locks().Release("app.r", held.Owner)
		_, err := c.SplitChunk(ctx, "app.r", shardkey.Range{Min: minK, Max: maxK}, []shardkey.Key{k(int64(0))})
		return err
	}}
	c.SetMigrator(mig)

	_, err = c.MoveChunk(ctx, "app.r", shardkey.Range{Min: minK, Max: maxK}, "s1", false)
	assert.True(t, errs.Is(err, errs.ConflictingOperationInProgress), "got %v", err)
	assert.Equal(t, []bool{false}, mig.finished)

	rt := mustTable(t, c, "app.r")
	require.NoError(t, rt.CheckPartition())
	assert.Equal(t, 2, rt.NumChunks())
	assert.Equal(t, []string{"s0"}, rt.Shards())
}
