package transport

import (
	"context"

	"github.com/maxpert/shardkeeper/protocol"
	"github.com/maxpert/shardkeeper/router"
	"google.golang.org/grpc"
)

const routerService = "shardkeeper.Router"

// RouterBackend is the client-facing surface of a router process.
// router.Router implements it.
type RouterBackend interface {
	Execute(ctx context.Context, op protocol.Op, sess *protocol.Session) (router.Result, error)
	GetMore(ctx context.Context, id int64, batch int) (router.Page, error)
	KillCursor(id int64) bool
	CommitTransaction(ctx context.Context, sess *protocol.Session) error
	AbortTransaction(ctx context.Context, sess *protocol.Session) error
}

var _ RouterBackend = (*router.Router)(nil)

type routedOp struct {
	Op      protocol.Op       `bson:"op"`
	Session *protocol.Session `bson:"session,omitempty"`
}

type routedResult struct {
	Result router.Result  `bson:"result"`
	Error  *protocol.Error `bson:"error,omitempty"`
}

type cursorRequest struct {
	CursorID int64 `bson:"cursorId"`
	Batch    int   `bson:"batchSize,omitempty"`
}

type pageReply struct {
	Page  router.Page     `bson:"page"`
	Error *protocol.Error `bson:"error,omitempty"`
}

type killReply struct {
	Killed bool `bson:"killed"`
}

type sessionRequest struct {
	Session protocol.Session `bson:"session"`
}

var routerServiceDesc = grpc.ServiceDesc{
	ServiceName: routerService,
	HandlerType: (*RouterBackend)(nil),
	Metadata:    "shardkeeper/transport",
	Methods: []grpc.MethodDesc{
		unary(routerService, "Execute", func(ctx context.Context, b RouterBackend, in *routedOp) *routedResult {
			res, err := b.Execute(ctx, in.Op, in.Session)
			return &routedResult{Result: res, Error: protocol.EncodeError(err)}
		}),
		unary(routerService, "GetMore", func(ctx context.Context, b RouterBackend, in *cursorRequest) *pageReply {
			page, err := b.GetMore(ctx, in.CursorID, in.Batch)
			return &pageReply{Page: page, Error: protocol.EncodeError(err)}
		}),
		unary(routerService, "KillCursor", func(_ context.Context, b RouterBackend, in *cursorRequest) *killReply {
			return &killReply{Killed: b.KillCursor(in.CursorID)}
		}),
		unary(routerService, "CommitTransaction", func(ctx context.Context, b RouterBackend, in *sessionRequest) *protocol.Ack {
			return ack(b.CommitTransaction(ctx, &in.Session))
		}),
		unary(routerService, "AbortTransaction", func(ctx context.Context, b RouterBackend, in *sessionRequest) *protocol.Ack {
			return ack(b.AbortTransaction(ctx, &in.Session))
		}),
	},
}

// RouterClient is an application's handle on a remote router.
type RouterClient struct {
	addr  string
	conns *conns
}

func NewRouterClient(addr string, opts ClientOptions) *RouterClient {
	return &RouterClient{addr: addr, conns: newConns(opts)}
}

func (c *RouterClient) Close() { c.conns.close() }

func (c *RouterClient) call(ctx context.Context, method string, in, out any) error {
	return c.conns.invoke(ctx, c.addr, "/"+routerService+"/"+method, in, out)
}

func (c *RouterClient) Execute(ctx context.Context, op protocol.Op, sess *protocol.Session) (router.Result, error) {
	var resp routedResult
	if err := c.call(ctx, "Execute", &routedOp{Op: op, Session: sess}, &resp); err != nil {
		return router.Result{}, err
	}
	return resp.Result, resp.Error.Err()
}

func (c *RouterClient) GetMore(ctx context.Context, id int64, batch int) (router.Page, error) {
	var resp pageReply
	if err := c.call(ctx, "GetMore", &cursorRequest{CursorID: id, Batch: batch}, &resp); err != nil {
		return router.Page{}, err
	}
	return resp.Page, resp.Error.Err()
}

// KillCursor reports false when the cursor was unknown or the call failed.
func (c *RouterClient) KillCursor(ctx context.Context, id int64) bool {
	var resp killReply
	if err := c.call(ctx, "KillCursor", &cursorRequest{CursorID: id}, &resp); err != nil {
		return false
	}
	return resp.Killed
}

func (c *RouterClient) CommitTransaction(ctx context.Context, sess *protocol.Session) error {
	return c.sessionCall(ctx, "CommitTransaction", sess)
}

func (c *RouterClient) AbortTransaction(ctx context.Context, sess *protocol.Session) error {
	return c.sessionCall(ctx, "AbortTransaction", sess)
}

func (c *RouterClient) sessionCall(ctx context.Context, method string, sess *protocol.Session) error {
	var resp protocol.Ack
	if err := c.call(ctx, method, &sessionRequest{Session: *sess}, &resp); err != nil {
		return err
	}
	return resp.Error.Err()
}
