package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ClusterSecretHeader carries the shared cluster secret on every call.
const ClusterSecretHeader = "x-shardkeeper-cluster-secret"

// secretServerInterceptor rejects calls without the cluster secret. An
// empty secret accepts everything.
func secretServerInterceptor(secret string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if secret == "" {
			return handler(ctx, req)
		}
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}
		got := md.Get(ClusterSecretHeader)
		if len(got) == 0 {
			return nil, status.Error(codes.Unauthenticated, "missing cluster secret")
		}
		if got[0] != secret {
			return nil, status.Error(codes.Unauthenticated, "invalid cluster secret")
		}
		return handler(ctx, req)
	}
}

func secretClientInterceptor(secret string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if secret != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, ClusterSecretHeader, secret)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}
