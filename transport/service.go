package transport

import (
	"context"

	"github.com/maxpert/shardkeeper/coordinator"
	"github.com/maxpert/shardkeeper/hlc"
	"github.com/maxpert/shardkeeper/placement"
	"github.com/maxpert/shardkeeper/protocol"
	"github.com/maxpert/shardkeeper/shard"
	"github.com/maxpert/shardkeeper/shardkey"
	"google.golang.org/grpc"
)

const (
	shardService  = "shardkeeper.Shard"
	configService = "shardkeeper.Config"
)

// ShardBackend serves the shards hosted by this process. shard.Registry
// implements it.
type ShardBackend interface {
	Execute(ctx context.Context, shard string, req protocol.Request) (protocol.Response, error)
	Prepare(ctx context.Context, shard string, id coordinator.TxnID) (coordinator.PrepareVote, error)
	Commit(ctx context.Context, shard string, id coordinator.TxnID, commitTS hlc.Timestamp) error
	Abort(ctx context.Context, shard string, id coordinator.TxnID) error
	CoordinateCommit(ctx context.Context, shard string, id coordinator.TxnID, participants []string) (coordinator.Decision, error)
	AbortCoordinated(ctx context.Context, shard string, id coordinator.TxnID) error
	Endpoint(id string) (shard.Endpoint, error)
}

// ConfigBackend serves placement metadata to remote caches.
// placement.Catalog implements it.
type ConfigBackend interface {
	LoadRoutingTable(ctx context.Context, ns string) (*placement.RoutingTable, error)
	LoadDatabase(ctx context.Context, name string) (placement.Database, error)
	CreateDatabase(ctx context.Context, name, primary string) (placement.Database, error)
	ListShards() []placement.Shard
}

var (
	_ ShardBackend  = (*shard.Registry)(nil)
	_ ConfigBackend = (*placement.Catalog)(nil)
)

// addressed routes a message to one hosted shard.
type addressed[T any] struct {
	Shard string `bson:"shard"`
	Body  T      `bson:"body"`
}

type executeRequest = addressed[protocol.Request]

type endMigration struct {
	Req       placement.MigrationRequest `bson:"req"`
	Committed bool                       `bson:"committed"`
}

type endDatabase struct {
	DB        string `bson:"db"`
	Committed bool   `bson:"committed"`
}

type deleteRange struct {
	NS    string         `bson:"ns"`
	Range shardkey.Range `bson:"range"`
}

type rangeExportReply struct {
	Export shard.RangeExport `bson:"export"`
	Error  *protocol.Error   `bson:"error,omitempty"`
}

type databaseExportReply struct {
	Export shard.DatabaseExport `bson:"export"`
	Error  *protocol.Error      `bson:"error,omitempty"`
}

type countReply struct {
	N     int             `bson:"n"`
	Error *protocol.Error `bson:"error,omitempty"`
}

type nameRequest struct {
	Name string `bson:"name"`
}

type routingTableReply struct {
	Collection placement.Collection `bson:"collection"`
	Chunks     []placement.Chunk    `bson:"chunks"`
	Error      *protocol.Error      `bson:"error,omitempty"`
}

type databaseReply struct {
	Database placement.Database `bson:"database"`
	Error    *protocol.Error    `bson:"error,omitempty"`
}

type createDatabase struct {
	Name    string `bson:"name"`
	Primary string `bson:"primary,omitempty"`
}

type shardsReply struct {
	Shards []placement.Shard `bson:"shards"`
}

type empty struct{}

func txnRequest(id coordinator.TxnID) protocol.TxnRequest {
	return protocol.TxnRequest{LSID: id.LSID, TxnNumber: id.TxnNumber, RetryCounter: id.RetryCounter}
}

func txnID(r protocol.TxnRequest) coordinator.TxnID {
	return coordinator.TxnID{LSID: r.LSID, TxnNumber: r.TxnNumber, RetryCounter: r.RetryCounter}
}

// unary builds a method whose handler decodes Req and passes it to call.
func unary[B, Req, Resp any](service, name string, call func(ctx context.Context, b B, req *Req) *Resp) grpc.MethodDesc {
	full := "/" + service + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			handle := func(ctx context.Context, req any) (any, error) {
				return call(ctx, srv.(B), req.(*Req)), nil
			}
			if interceptor == nil {
				return handle(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: full}, handle)
		},
	}
}

// endpointCall resolves the addressed shard's migration endpoint.
func endpointCall[Req, Resp any](name string, call func(ctx context.Context, ep shard.Endpoint, req Req) *Resp, failed func(error) *Resp) grpc.MethodDesc {
	return unary(shardService, name, func(ctx context.Context, b ShardBackend, in *addressed[Req]) *Resp {
		ep, err := b.Endpoint(in.Shard)
		if err != nil {
			return failed(err)
		}
		return call(ctx, ep, in.Body)
	})
}

func ack(err error) *protocol.Ack { return &protocol.Ack{Error: protocol.EncodeError(err)} }

var shardServiceDesc = grpc.ServiceDesc{
	ServiceName: shardService,
	HandlerType: (*ShardBackend)(nil),
	Metadata:    "shardkeeper/transport",
	Methods: []grpc.MethodDesc{
		unary(shardService, "Execute", func(ctx context.Context, b ShardBackend, in *executeRequest) *protocol.Response {
			resp, err := b.Execute(ctx, in.Shard, in.Body)
			resp.Error = protocol.EncodeError(err)
			return &resp
		}),
		unary(shardService, "Prepare", func(ctx context.Context, b ShardBackend, in *addressed[protocol.TxnRequest]) *protocol.PrepareResponse {
			vote, err := b.Prepare(ctx, in.Shard, txnID(in.Body))
			return &protocol.PrepareResponse{
				Commit:           vote.Vote == coordinator.VoteCommit,
				PrepareTimestamp: vote.PrepareTimestamp,
				Reason:           vote.Reason,
				Error:            protocol.EncodeError(err),
			}
		}),
		unary(shardService, "Decide", func(ctx context.Context, b ShardBackend, in *addressed[protocol.DecisionRequest]) *protocol.Ack {
			id := txnID(in.Body.Txn)
			if in.Body.Commit {
				return ack(b.Commit(ctx, in.Shard, id, in.Body.CommitTimestamp))
			}
			return ack(b.Abort(ctx, in.Shard, id))
		}),
		unary(shardService, "CoordinateCommit", func(ctx context.Context, b ShardBackend, in *addressed[protocol.CoordinateCommitRequest]) *protocol.DecisionResponse {
			d, err := b.CoordinateCommit(ctx, in.Shard, txnID(in.Body.Txn), in.Body.Participants)
			return &protocol.DecisionResponse{Commit: d.Commit, CommitTimestamp: d.CommitTimestamp, Error: protocol.EncodeError(err)}
		}),
		unary(shardService, "AbortCoordinated", func(ctx context.Context, b ShardBackend, in *addressed[protocol.TxnRequest]) *protocol.Ack {
			return ack(b.AbortCoordinated(ctx, in.Shard, txnID(in.Body)))
		}),

		endpointCall("BeginDonate", func(ctx context.Context, ep shard.Endpoint, req placement.MigrationRequest) *rangeExportReply {
			exp, err := ep.BeginDonate(ctx, req)
			return &rangeExportReply{Export: exp, Error: protocol.EncodeError(err)}
		}, func(err error) *rangeExportReply { return &rangeExportReply{Error: protocol.EncodeError(err)} }),
		endpointCall("AcceptRange", func(ctx context.Context, ep shard.Endpoint, exp shard.RangeExport) *protocol.Ack {
			return ack(ep.AcceptRange(ctx, exp))
		}, ack),
		endpointCall("EndDonate", func(ctx context.Context, ep shard.Endpoint, m endMigration) *protocol.Ack {
			return ack(ep.EndDonate(ctx, m.Req, m.Committed))
		}, ack),
		endpointCall("EndAccept", func(ctx context.Context, ep shard.Endpoint, m endMigration) *protocol.Ack {
			return ack(ep.EndAccept(ctx, m.Req, m.Committed))
		}, ack),
		endpointCall("DeleteRange", func(ctx context.Context, ep shard.Endpoint, d deleteRange) *countReply {
			n, err := ep.DeleteRange(ctx, d.NS, d.Range)
			return &countReply{N: n, Error: protocol.EncodeError(err)}
		}, func(err error) *countReply { return &countReply{Error: protocol.EncodeError(err)} }),
		endpointCall("BeginDonateDatabase", func(ctx context.Context, ep shard.Endpoint, n nameRequest) *databaseExportReply {
			exp, err := ep.BeginDonateDatabase(ctx, n.Name)
			return &databaseExportReply{Export: exp, Error: protocol.EncodeError(err)}
		}, func(err error) *databaseExportReply { return &databaseExportReply{Error: protocol.EncodeError(err)} }),
		endpointCall("AcceptDatabase", func(ctx context.Context, ep shard.Endpoint, exp shard.DatabaseExport) *protocol.Ack {
			return ack(ep.AcceptDatabase(ctx, exp))
		}, ack),
		endpointCall("EndDonateDatabase", func(ctx context.Context, ep shard.Endpoint, d endDatabase) *protocol.Ack {
			return ack(ep.EndDonateDatabase(ctx, d.DB, d.Committed))
		}, ack),
		endpointCall("EndAcceptDatabase", func(ctx context.Context, ep shard.Endpoint, d endDatabase) *protocol.Ack {
			return ack(ep.EndAcceptDatabase(ctx, d.DB, d.Committed))
		}, ack),
	},
}

var configServiceDesc = grpc.ServiceDesc{
	ServiceName: configService,
	HandlerType: (*ConfigBackend)(nil),
	Metadata:    "shardkeeper/transport",
	Methods: []grpc.MethodDesc{
		unary(configService, "LoadRoutingTable", func(ctx context.Context, b ConfigBackend, in *nameRequest) *routingTableReply {
			rt, err := b.LoadRoutingTable(ctx, in.Name)
			if err != nil {
				return &routingTableReply{Error: protocol.EncodeError(err)}
			}
			return &routingTableReply{Collection: rt.Collection, Chunks: rt.Chunks()}
		}),
		unary(configService, "LoadDatabase", func(ctx context.Context, b ConfigBackend, in *nameRequest) *databaseReply {
			d, err := b.LoadDatabase(ctx, in.Name)
			return &databaseReply{Database: d, Error: protocol.EncodeError(err)}
		}),
		unary(configService, "CreateDatabase", func(ctx context.Context, b ConfigBackend, in *createDatabase) *databaseReply {
			d, err := b.CreateDatabase(ctx, in.Name, in.Primary)
			return &databaseReply{Database: d, Error: protocol.EncodeError(err)}
		}),
		unary(configService, "ListShards", func(_ context.Context, b ConfigBackend, _ *empty) *shardsReply {
			return &shardsReply{Shards: b.ListShards()}
		}),
	},
}
