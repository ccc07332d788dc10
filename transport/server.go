// Package transport carries router, coordinator, migration and placement
// calls between processes over gRPC. Messages are BSON documents and
// payloads may be zstd compressed. gRPC and the HTTP admin API share one
// listening port.
package transport

import (
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/soheilhy/cmux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

// ServerOptions selects what a process serves. Nil backends are not
// registered.
type ServerOptions struct {
	Shards ShardBackend
	Config ConfigBackend
	Router RouterBackend
	// HTTP serves everything that is not gRPC, usually the admin router.
	HTTP   http.Handler
	Secret string
}

type Server struct {
	grpc *grpc.Server
	http *http.Server
	mux  cmux.CMux
}

func NewServer(opts ServerOptions) *Server {
	gs := grpc.NewServer(
		grpc.MaxRecvMsgSize(100*1024*1024),
		grpc.MaxSendMsgSize(100*1024*1024),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    60 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.ChainUnaryInterceptor(secretServerInterceptor(opts.Secret)),
	)
	if opts.Shards != nil {
		gs.RegisterService(&shardServiceDesc, opts.Shards)
	}
	if opts.Config != nil {
		gs.RegisterService(&configServiceDesc, opts.Config)
	}
	if opts.Router != nil {
		gs.RegisterService(&routerServiceDesc, opts.Router)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	if opts.HTTP != nil {
		mux.Handle("/", opts.HTTP)
	}

	return &Server{
		grpc: gs,
		http: &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
	}
}

// Serve multiplexes l between HTTP/1 and gRPC and blocks until the
// listener closes.
func (s *Server) Serve(l net.Listener) error {
	s.mux = cmux.New(l)
	httpL := s.mux.Match(cmux.HTTP1Fast())
	grpcL := s.mux.Match(cmux.Any())

	go func() {
		if err := s.http.Serve(httpL); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, cmux.ErrListenerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()
	go func() {
		if err := s.grpc.Serve(grpcL); err != nil && !errors.Is(err, cmux.ErrListenerClosed) {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	log.Info().Str("address", l.Addr().String()).Msg("Serving gRPC and HTTP")
	err := s.mux.Serve()
	if errors.Is(err, net.ErrClosed) || errors.Is(err, cmux.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

func (s *Server) Stop() {
	log.Info().Msg("Stopping gRPC server")
	s.grpc.GracefulStop()
	_ = s.http.Close()
	if s.mux != nil {
		s.mux.Close()
	}
}
