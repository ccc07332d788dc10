package transport

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/maxpert/shardkeeper/coordinator"
	"github.com/maxpert/shardkeeper/db"
	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/hlc"
	"github.com/maxpert/shardkeeper/placement"
	"github.com/maxpert/shardkeeper/protocol"
	"github.com/maxpert/shardkeeper/router"
	"github.com/maxpert/shardkeeper/shard"
	"github.com/maxpert/shardkeeper/shardcache"
	"github.com/maxpert/shardkeeper/shardkey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

var (
	minK = shardkey.Key{primitive.MinKey{}}
	maxK = shardkey.Key{primitive.MaxKey{}}
)

type remoteCluster struct {
	catalog *placement.Catalog
	reg     *shard.Registry
	lis     *bufconn.Listener
}

func newRemoteCluster(t *testing.T, secret string, ids ...string) *remoteCluster {
	t.Helper()
	ctx := context.Background()
	catStore, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = catStore.Close() })
	cat, err := placement.Open(catStore, placement.Options{
		Clock:                 hlc.NewClock(1),
		LockLease:             time.Minute,
		Retry:                 placement.NoRetry,
		InitialChunksPerShard: 1,
	})
	require.NoError(t, err)

	rc := &remoteCluster{catalog: cat, reg: shard.NewRegistry(), lis: bufconn.Listen(1 << 20)}
	for i, id := range ids {
		require.NoError(t, cat.AddShard(ctx, placement.Shard{ID: id, Address: "passthrough:///" + id}))
		store, err := db.OpenInMemory()
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		copts := coordinator.DefaultOptions()
		copts.GCDelay = 0
		s, err := shard.Open(ctx, store, shard.Options{
			ID:           id,
			Clock:        hlc.NewClock(uint64(i + 2)),
			Source:       cat,
			Participants: rc.reg,
			Coordinator:  copts,
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close(context.Background()) })
		rc.reg.Add(s)
		cat.Subscribe(s)
	}

	health := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "ok") })
	srv := NewServer(ServerOptions{Shards: rc.reg, Config: cat, HTTP: health, Secret: secret})
	go func() { _ = srv.Serve(rc.lis) }()
	t.Cleanup(srv.Stop)
	return rc
}

func (rc *remoteCluster) options(secret string) ClientOptions {
	return ClientOptions{
		Secret:      secret,
		Compression: zstdName,
		Timeout:     5 * time.Second,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return rc.lis.DialContext(ctx)
			}),
		},
	}
}

func (rc *remoteCluster) clients(t *testing.T, secret string) (*Client, *ConfigClient) {
	t.Helper()
	cfgClient := NewConfigClient("passthrough:///config", rc.options(secret))
	client := NewClient(cfgClient.Resolver(), rc.options(secret))
	t.Cleanup(func() {
		client.Close()
		cfgClient.Close()
	})
	return client, cfgClient
}

// ranged shards app.r on {x: 1} with [10, max) on s1.
func (rc *remoteCluster) ranged(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := rc.catalog.CreateDatabase(ctx, "app", "s0")
	require.NoError(t, err)
	_, err = rc.catalog.ShardCollection(ctx, "app.r", bson.D{{Key: "x", Value: 1}}, false, placement.ShardCollectionOptions{})
	require.NoError(t, err)
	_, err = rc.catalog.SplitChunk(ctx, "app.r", shardkey.Range{Min: minK, Max: maxK}, []shardkey.Key{{int64(10)}})
	require.NoError(t, err)
	_, err = rc.catalog.MoveChunk(ctx, "app.r", shardkey.Range{Min: shardkey.Key{int64(10)}, Max: maxK}, "s1", true)
	require.NoError(t, err)
}

func TestConfigClientServesPlacement(t *testing.T) {
	rc := newRemoteCluster(t, "", "s0", "s1")
	rc.ranged(t)
	_, cfgClient := rc.clients(t, "")
	ctx := context.Background()

	rt, err := cfgClient.LoadRoutingTable(ctx, "app.r")
	require.NoError(t, err)
	want, err := rc.catalog.GetRoutingTable(ctx, "app.r")
	require.NoError(t, err)
	assert.Equal(t, want.Version(), rt.Version())
	assert.Equal(t, want.ChunkCounts(), rt.ChunkCounts())
	require.NoError(t, rt.CheckPartition())

	d, err := cfgClient.LoadDatabase(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, "s0", d.Primary)

	_, err = cfgClient.LoadRoutingTable(ctx, "app.none")
	assert.True(t, errs.Is(err, errs.NamespaceNotSharded))

	shards, err := cfgClient.ListShards(ctx)
	require.NoError(t, err)
	assert.Len(t, shards, 2)
}

func TestRouterOverTransport(t *testing.T) {
	rc := newRemoteCluster(t, "", "s0", "s1")
	rc.ranged(t)
	client, cfgClient := rc.clients(t, "")
	ctx := context.Background()

	r := router.New(shardcache.New(cfgClient, shardcache.Options{}), client, router.Options{
		MaxStaleRetries: 5,
		CursorBatchSize: 10,
		CursorTimeout:   time.Minute,
	})

	docs := []bson.D{
		{{Key: "_id", Value: 1}, {Key: "x", Value: int64(1)}},
		{{Key: "_id", Value: 2}, {Key: "x", Value: int64(20)}},
	}
	res, err := r.Execute(ctx, protocol.Op{Kind: protocol.OpInsert, NS: "app.r", Docs: docs}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.N)

	res, err = r.Execute(ctx, protocol.Op{Kind: protocol.OpFind, NS: "app.r", Sort: bson.D{{Key: "x", Value: 1}}}, nil)
	require.NoError(t, err)
	require.Len(t, res.Cursor.Docs, 2)

	// A multi-shard transaction commits through the coordinator shard.
	sess := &protocol.Session{LSID: "remote", TxnNumber: 1, InTransaction: true, StartTransaction: true}
	_, err = r.Execute(ctx, protocol.Op{Kind: protocol.OpInsert, NS: "app.r", Docs: []bson.D{{{Key: "_id", Value: 3}, {Key: "x", Value: int64(3)}}}}, sess)
	require.NoError(t, err)
	sess.StartTransaction = false
	_, err = r.Execute(ctx, protocol.Op{Kind: protocol.OpInsert, NS: "app.r", Docs: []bson.D{{{Key: "_id", Value: 4}, {Key: "x", Value: int64(30)}}}}, sess)
	require.NoError(t, err)
	require.NoError(t, r.CommitTransaction(ctx, sess))

	res, err = r.Execute(ctx, protocol.Op{Kind: protocol.OpCount, NS: "app.r"}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 4, res.N)
}

func TestStaleErrorsKeepTheirDetails(t *testing.T) {
	rc := newRemoteCluster(t, "", "s0", "s1")
	rc.ranged(t)
	client, _ := rc.clients(t, "")
	ctx := context.Background()

	rt, err := rc.catalog.GetRoutingTable(ctx, "app.r")
	require.NoError(t, err)
	old := rt.ShardVersion("s1")
	_, err = rc.catalog.MoveChunk(ctx, "app.r", shardkey.Range{Min: shardkey.Key{int64(10)}, Max: maxK}, "s0", true)
	require.NoError(t, err)

	_, err = client.Execute(ctx, "s1", protocol.Request{
		Op:           protocol.Op{Kind: protocol.OpFind, NS: "app.r"},
		ShardVersion: old,
	})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.StaleConfig))
	ns, ok := errs.InfoOf(err, shardcache.InfoNS)
	require.True(t, ok)
	assert.Equal(t, "app.r", ns)
}

func TestRemoteMigration(t *testing.T) {
	rc := newRemoteCluster(t, "", "s0", "s1")
	rc.ranged(t)
	client, _ := rc.clients(t, "")
	ctx := context.Background()
	rc.catalog.SetMigrator(shard.NewMover(client.Endpoint))

	r := router.New(shardcache.New(rc.catalog, shardcache.Options{}), client, router.Options{
		MaxStaleRetries: 5,
		CursorBatchSize: 10,
		CursorTimeout:   time.Minute,
	})
	_, err := r.Execute(ctx, protocol.Op{Kind: protocol.OpInsert, NS: "app.r", Docs: []bson.D{
		{{Key: "_id", Value: 1}, {Key: "x", Value: int64(15)}},
		{{Key: "_id", Value: 2}, {Key: "x", Value: int64(25)}},
	}}, nil)
	require.NoError(t, err)

	_, err = rc.catalog.MoveChunk(ctx, "app.r", shardkey.Range{Min: shardkey.Key{int64(10)}, Max: maxK}, "s0", true)
	require.NoError(t, err)

	res, err := r.Execute(ctx, protocol.Op{Kind: protocol.OpFind, NS: "app.r", Filter: bson.D{{Key: "x", Value: bson.D{{Key: "$gte", Value: 10}}}}}, nil)
	require.NoError(t, err)
	assert.Len(t, res.Cursor.Docs, 2)
}

func TestClusterSecretIsEnforced(t *testing.T) {
	rc := newRemoteCluster(t, "s3cret", "s0")
	ctx := context.Background()

	_, anonymous := rc.clients(t, "")
	_, err := anonymous.ListShards(ctx)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.IllegalOperation))

	_, trusted := rc.clients(t, "s3cret")
	shards, err := trusted.ListShards(ctx)
	require.NoError(t, err)
	assert.Len(t, shards, 1)
}

func TestHTTPSharesThePort(t *testing.T) {
	rc := newRemoteCluster(t, "", "s0")
	hc := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) { return rc.lis.DialContext(ctx) },
	}}
	resp, err := hc.Get("http://shardkeeper/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
}

func TestRouterCreatesDatabaseRemotely(t *testing.T) {
	rc := newRemoteCluster(t, "", "s0", "s1")
	client, cfgClient := rc.clients(t, "")
	ctx := context.Background()

	r := router.New(shardcache.New(cfgClient, shardcache.Options{}), client, router.Options{
		MaxStaleRetries: 5,
		CursorBatchSize: 10,
		CursorTimeout:   time.Minute,
		Creator:         cfgClient,
	})
	_, err := r.Execute(ctx, protocol.Op{Kind: protocol.OpInsert, NS: "fresh.c", Docs: []bson.D{{{Key: "_id", Value: 1}}}}, nil)
	require.NoError(t, err)

	d, err := rc.catalog.GetDatabase(ctx, "fresh")
	require.NoError(t, err)
	assert.Contains(t, []string{"s0", "s1"}, d.Primary)
}

func TestRouterService(t *testing.T) {
	rc := newRemoteCluster(t, "", "s0", "s1")
	rc.ranged(t)
	ctx := context.Background()

	r := router.New(shardcache.New(rc.catalog, shardcache.Options{}), rc.reg, router.Options{
		MaxStaleRetries: 5,
		CursorBatchSize: 2,
		CursorTimeout:   time.Minute,
	})
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(ServerOptions{Router: r})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	opts := rc.options("")
	opts.DialOptions = []grpc.DialOption{grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})}
	rcl := NewRouterClient("passthrough:///router", opts)
	t.Cleanup(rcl.Close)

	var docs []bson.D
	for i := 0; i < 5; i++ {
		docs = append(docs, bson.D{{Key: "_id", Value: i}, {Key: "x", Value: int64(i * 5)}})
	}
	res, err := rcl.Execute(ctx, protocol.Op{Kind: protocol.OpInsert, NS: "app.r", Docs: docs}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 5, res.N)

	res, err = rcl.Execute(ctx, protocol.Op{Kind: protocol.OpFind, NS: "app.r", Sort: bson.D{{Key: "x", Value: 1}}}, nil)
	require.NoError(t, err)
	require.Len(t, res.Cursor.Docs, 2)
	require.NotZero(t, res.Cursor.CursorID)

	page, err := rcl.GetMore(ctx, res.Cursor.CursorID, 0)
	require.NoError(t, err)
	assert.Len(t, page.Docs, 3)
	assert.Zero(t, page.CursorID)

	_, err = rcl.GetMore(ctx, res.Cursor.CursorID, 0)
	assert.True(t, errs.Is(err, errs.CursorNotFound))
	assert.False(t, rcl.KillCursor(ctx, res.Cursor.CursorID))

	sess := &protocol.Session{LSID: "client", TxnNumber: 1, InTransaction: true, StartTransaction: true}
	_, err = rcl.Execute(ctx, protocol.Op{Kind: protocol.OpInsert, NS: "app.r", Docs: []bson.D{{{Key: "_id", Value: 9}, {Key: "x", Value: int64(40)}}}}, sess)
	require.NoError(t, err)
	require.NoError(t, rcl.AbortTransaction(ctx, sess))

	res, err = rcl.Execute(ctx, protocol.Op{Kind: protocol.OpCount, NS: "app.r"}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 5, res.N)
}
