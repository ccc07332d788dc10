package transport

import (
	"context"
	"time"

	"github.com/maxpert/shardkeeper/cfg"
	"github.com/maxpert/shardkeeper/coordinator"
	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/hlc"
	"github.com/maxpert/shardkeeper/placement"
	"github.com/maxpert/shardkeeper/protocol"
	"github.com/maxpert/shardkeeper/shard"
	"github.com/maxpert/shardkeeper/shardkey"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// Resolver maps a shard id to the address serving it.
type Resolver func(ctx context.Context, shard string) (string, error)

// StaticResolver serves the [[shards]] entries of the configuration.
func StaticResolver(shards []cfg.ShardConfiguration) Resolver {
	addrs := make(map[string]string, len(shards))
	for _, s := range shards {
		addrs[s.ID] = s.Address
	}
	return func(_ context.Context, id string) (string, error) {
		if a, ok := addrs[id]; ok {
			return a, nil
		}
		return "", errs.Newf(errs.ShardNotFound, "no address for shard %s", id)
	}
}

// ClientOptions configures connections to peers.
type ClientOptions struct {
	Secret      string
	Compression string
	Timeout     time.Duration
	DialOptions []grpc.DialOption
}

// DefaultClientOptions reads cfg.Config.GRPCClient and the cluster secret.
func DefaultClientOptions() ClientOptions {
	c := cfg.Config.GRPCClient
	return ClientOptions{
		Secret:      cfg.Config.Server.ClusterSecret,
		Compression: compressorName(),
		Timeout:     cfg.Duration(c.RPCTimeoutMS),
		DialOptions: []grpc.DialOption{
			grpc.WithKeepaliveParams(keepalive.ClientParameters{
				Time:                time.Duration(c.KeepaliveTimeSeconds) * time.Second,
				Timeout:             time.Duration(c.KeepaliveTimeoutSeconds) * time.Second,
				PermitWithoutStream: true,
			}),
		},
	}
}

// conns shares one gRPC connection per address.
type conns struct {
	opts  ClientOptions
	byAdr *xsync.MapOf[string, *grpc.ClientConn]
}

func newConns(opts ClientOptions) *conns {
	return &conns{opts: opts, byAdr: xsync.NewMapOf[string, *grpc.ClientConn]()}
}

func (c *conns) get(addr string) (*grpc.ClientConn, error) {
	var dialErr error
	conn, _ := c.byAdr.Compute(addr, func(old *grpc.ClientConn, loaded bool) (*grpc.ClientConn, bool) {
		if loaded {
			return old, false
		}
		dial := append([]grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithChainUnaryInterceptor(secretClientInterceptor(c.opts.Secret)),
			grpc.WithDefaultCallOptions(
				grpc.CallContentSubtype(codecName),
				grpc.MaxCallRecvMsgSize(100*1024*1024),
				grpc.MaxCallSendMsgSize(100*1024*1024),
			),
		}, c.opts.DialOptions...)
		if c.opts.Compression != "" {
			dial = append(dial, grpc.WithDefaultCallOptions(grpc.UseCompressor(c.opts.Compression)))
		}
		conn, err := grpc.NewClient(addr, dial...)
		if err != nil {
			dialErr = err
			return nil, true
		}
		log.Debug().Str("address", addr).Msg("Opened peer connection")
		return conn, false
	})
	if dialErr != nil {
		return nil, errs.Wrap(errs.Interrupted, dialErr, "dial "+addr)
	}
	return conn, nil
}

func (c *conns) invoke(ctx context.Context, addr, method string, in, out any) error {
	conn, err := c.get(addr)
	if err != nil {
		return err
	}
	if c.opts.Timeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
			defer cancel()
		}
	}
	if err := conn.Invoke(ctx, method, in, out); err != nil {
		return rpcError(ctx, method, err)
	}
	return nil
}

func (c *conns) close() {
	c.byAdr.Range(func(addr string, conn *grpc.ClientConn) bool {
		_ = conn.Close()
		c.byAdr.Delete(addr)
		return true
	})
}

// rpcError turns a transport failure into a coded error. The outcome of
// the call is unknown to the caller.
func rpcError(ctx context.Context, method string, err error) error {
	if ctxErr := errs.FromContext(ctx, method); ctxErr != nil {
		return ctxErr
	}
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return errs.Wrap(errs.MaxTimeMSExpired, err, method)
	case codes.Unauthenticated, codes.Unimplemented:
		return errs.Wrap(errs.IllegalOperation, err, method)
	default:
		return errs.Wrap(errs.Interrupted, err, method)
	}
}

// Client reaches remote shards. It serves the router, the coordinator's
// participant calls and chunk migration.
type Client struct {
	resolve Resolver
	conns   *conns
}

func NewClient(resolve Resolver, opts ClientOptions) *Client {
	return &Client{resolve: resolve, conns: newConns(opts)}
}

func (c *Client) Close() { c.conns.close() }

func (c *Client) call(ctx context.Context, shardID, method string, in, out any) error {
	addr, err := c.resolve(ctx, shardID)
	if err != nil {
		return err
	}
	return c.conns.invoke(ctx, addr, "/"+shardService+"/"+method, in, out)
}

func (c *Client) Execute(ctx context.Context, shardID string, req protocol.Request) (protocol.Response, error) {
	var resp protocol.Response
	if err := c.call(ctx, shardID, "Execute", &executeRequest{Shard: shardID, Body: req}, &resp); err != nil {
		return protocol.Response{}, err
	}
	err := resp.Error.Err()
	resp.Error = nil
	return resp, err
}

func (c *Client) Prepare(ctx context.Context, shardID string, id coordinator.TxnID) (coordinator.PrepareVote, error) {
	var resp protocol.PrepareResponse
	if err := c.call(ctx, shardID, "Prepare", &addressed[protocol.TxnRequest]{Shard: shardID, Body: txnRequest(id)}, &resp); err != nil {
		return coordinator.PrepareVote{}, err
	}
	if err := resp.Error.Err(); err != nil {
		return coordinator.PrepareVote{}, err
	}
	vote := coordinator.PrepareVote{Vote: coordinator.VoteAbort, Reason: resp.Reason}
	if resp.Commit {
		vote.Vote = coordinator.VoteCommit
		vote.PrepareTimestamp = resp.PrepareTimestamp
	}
	return vote, nil
}

func (c *Client) decide(ctx context.Context, shardID string, req protocol.DecisionRequest) error {
	var resp protocol.Ack
	if err := c.call(ctx, shardID, "Decide", &addressed[protocol.DecisionRequest]{Shard: shardID, Body: req}, &resp); err != nil {
		return err
	}
	return resp.Error.Err()
}

func (c *Client) Commit(ctx context.Context, shardID string, id coordinator.TxnID, commitTS hlc.Timestamp) error {
	return c.decide(ctx, shardID, protocol.DecisionRequest{Txn: txnRequest(id), Commit: true, CommitTimestamp: commitTS})
}

func (c *Client) Abort(ctx context.Context, shardID string, id coordinator.TxnID) error {
	return c.decide(ctx, shardID, protocol.DecisionRequest{Txn: txnRequest(id)})
}

func (c *Client) CoordinateCommit(ctx context.Context, shardID string, id coordinator.TxnID, participants []string) (coordinator.Decision, error) {
	var resp protocol.DecisionResponse
	in := &addressed[protocol.CoordinateCommitRequest]{Shard: shardID, Body: protocol.CoordinateCommitRequest{Txn: txnRequest(id), Participants: participants}}
	if err := c.call(ctx, shardID, "CoordinateCommit", in, &resp); err != nil {
		return coordinator.Decision{}, err
	}
	if err := resp.Error.Err(); err != nil {
		return coordinator.Decision{}, err
	}
	return coordinator.Decision{Commit: resp.Commit, CommitTimestamp: resp.CommitTimestamp}, nil
}

func (c *Client) AbortCoordinated(ctx context.Context, shardID string, id coordinator.TxnID) error {
	var resp protocol.Ack
	if err := c.call(ctx, shardID, "AbortCoordinated", &addressed[protocol.TxnRequest]{Shard: shardID, Body: txnRequest(id)}, &resp); err != nil {
		return err
	}
	return resp.Error.Err()
}

// Endpoint returns the migration endpoint of a remote shard. It is the
// resolver a shard.Mover uses on the config server.
func (c *Client) Endpoint(shardID string) (shard.Endpoint, error) {
	return remoteEndpoint{c: c, shard: shardID}, nil
}

var (
	_ coordinator.ParticipantClient = (*Client)(nil)
	_ ShardBackend                  = (*Client)(nil)
)

type remoteEndpoint struct {
	c     *Client
	shard string
}

func (e remoteEndpoint) ack(ctx context.Context, method string, body any) error {
	var resp protocol.Ack
	if err := e.c.call(ctx, e.shard, method, body, &resp); err != nil {
		return err
	}
	return resp.Error.Err()
}

func (e remoteEndpoint) BeginDonate(ctx context.Context, req placement.MigrationRequest) (shard.RangeExport, error) {
	var resp rangeExportReply
	if err := e.c.call(ctx, e.shard, "BeginDonate", &addressed[placement.MigrationRequest]{Shard: e.shard, Body: req}, &resp); err != nil {
		return shard.RangeExport{}, err
	}
	return resp.Export, resp.Error.Err()
}

func (e remoteEndpoint) AcceptRange(ctx context.Context, exp shard.RangeExport) error {
	return e.ack(ctx, "AcceptRange", &addressed[shard.RangeExport]{Shard: e.shard, Body: exp})
}

func (e remoteEndpoint) EndDonate(ctx context.Context, req placement.MigrationRequest, committed bool) error {
	return e.ack(ctx, "EndDonate", &addressed[endMigration]{Shard: e.shard, Body: endMigration{Req: req, Committed: committed}})
}

func (e remoteEndpoint) EndAccept(ctx context.Context, req placement.MigrationRequest, committed bool) error {
	return e.ack(ctx, "EndAccept", &addressed[endMigration]{Shard: e.shard, Body: endMigration{Req: req, Committed: committed}})
}

func (e remoteEndpoint) DeleteRange(ctx context.Context, ns string, r shardkey.Range) (int, error) {
	var resp countReply
	if err := e.c.call(ctx, e.shard, "DeleteRange", &addressed[deleteRange]{Shard: e.shard, Body: deleteRange{NS: ns, Range: r}}, &resp); err != nil {
		return 0, err
	}
	return resp.N, resp.Error.Err()
}

func (e remoteEndpoint) BeginDonateDatabase(ctx context.Context, dbName string) (shard.DatabaseExport, error) {
	var resp databaseExportReply
	if err := e.c.call(ctx, e.shard, "BeginDonateDatabase", &addressed[nameRequest]{Shard: e.shard, Body: nameRequest{Name: dbName}}, &resp); err != nil {
		return shard.DatabaseExport{}, err
	}
	return resp.Export, resp.Error.Err()
}

func (e remoteEndpoint) AcceptDatabase(ctx context.Context, exp shard.DatabaseExport) error {
	return e.ack(ctx, "AcceptDatabase", &addressed[shard.DatabaseExport]{Shard: e.shard, Body: exp})
}

func (e remoteEndpoint) EndDonateDatabase(ctx context.Context, dbName string, committed bool) error {
	return e.ack(ctx, "EndDonateDatabase", &addressed[endDatabase]{Shard: e.shard, Body: endDatabase{DB: dbName, Committed: committed}})
}

func (e remoteEndpoint) EndAcceptDatabase(ctx context.Context, dbName string, committed bool) error {
	return e.ack(ctx, "EndAcceptDatabase", &addressed[endDatabase]{Shard: e.shard, Body: endDatabase{DB: dbName, Committed: committed}})
}

// ConfigClient reads placement metadata from the config server. It is the
// shardcache.Source of routers and remote shards.
type ConfigClient struct {
	addr  string
	conns *conns
}

func NewConfigClient(addr string, opts ClientOptions) *ConfigClient {
	return &ConfigClient{addr: addr, conns: newConns(opts)}
}

func (c *ConfigClient) Close() { c.conns.close() }

func (c *ConfigClient) call(ctx context.Context, method string, in, out any) error {
	return c.conns.invoke(ctx, c.addr, "/"+configService+"/"+method, in, out)
}

func (c *ConfigClient) LoadRoutingTable(ctx context.Context, ns string) (*placement.RoutingTable, error) {
	var resp routingTableReply
	if err := c.call(ctx, "LoadRoutingTable", &nameRequest{Name: ns}, &resp); err != nil {
		return nil, err
	}
	if err := resp.Error.Err(); err != nil {
		return nil, err
	}
	return placement.NewRoutingTable(resp.Collection, resp.Chunks)
}

func (c *ConfigClient) LoadDatabase(ctx context.Context, name string) (placement.Database, error) {
	var resp databaseReply
	if err := c.call(ctx, "LoadDatabase", &nameRequest{Name: name}, &resp); err != nil {
		return placement.Database{}, err
	}
	return resp.Database, resp.Error.Err()
}

// CreateDatabase creates a database on the config server. It makes
// ConfigClient the router's DatabaseCreator.
func (c *ConfigClient) CreateDatabase(ctx context.Context, name, primary string) (placement.Database, error) {
	var resp databaseReply
	if err := c.call(ctx, "CreateDatabase", &createDatabase{Name: name, Primary: primary}, &resp); err != nil {
		return placement.Database{}, err
	}
	return resp.Database, resp.Error.Err()
}

func (c *ConfigClient) ListShards(ctx context.Context) ([]placement.Shard, error) {
	var resp shardsReply
	if err := c.call(ctx, "ListShards", &empty{}, &resp); err != nil {
		return nil, err
	}
	return resp.Shards, nil
}

// Resolver looks shard addresses up on the config server. Known
// addresses are cached; a miss refreshes the whole list.
func (c *ConfigClient) Resolver() Resolver {
	known := xsync.NewMapOf[string, string]()
	return func(ctx context.Context, id string) (string, error) {
		if a, ok := known.Load(id); ok {
			return a, nil
		}
		shards, err := c.ListShards(ctx)
		if err != nil {
			return "", err
		}
		for _, s := range shards {
			known.Store(s.ID, s.Address)
		}
		if a, ok := known.Load(id); ok {
			return a, nil
		}
		return "", errs.Newf(errs.ShardNotFound, "shard %s not found", id)
	}
}
