package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path"
	"runtime/debug"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/lakeops/opscore/internal/config"
)

// Server owns the coordinator's gRPC listener, health service and interceptors.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	health     *health.Server
	logger     *slog.Logger
}

// Option customises NewServer.
type Option func(*serverOptions)

type serverOptions struct {
	logger     *slog.Logger
	grpcOpts   []grpc.ServerOption
	reflection bool
}

// WithLogger sets the logger used for request and panic logging.
func WithLogger(logger *slog.Logger) Option {
	return func(o *serverOptions) { o.logger = logger }
}

// WithGRPCOptions appends raw grpc server options, e.g. TLS credentials.
func WithGRPCOptions(opts ...grpc.ServerOption) Option {
	return func(o *serverOptions) { o.grpcOpts = append(o.grpcOpts, opts...) }
}

// WithoutReflection skips registering the reflection service.
func WithoutReflection() Option {
	return func(o *serverOptions) { o.reflection = false }
}

// NewServer listens on cfg.Address and registers service with metrics,
// request logging and panic recovery.
func NewServer(cfg config.ServerConfig, service CoordinatorServer, opts ...Option) (*Server, error) {
	o := serverOptions{logger: slog.Default(), reflection: true}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	lis, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Address, err)
	}

	grpc_prometheus.EnableHandlingTimeHistogram()
	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			grpc_prometheus.UnaryServerInterceptor,
			logUnary(o.logger),
			recoverUnary(o.logger),
		),
		grpc.ChainStreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	}
	grpcServer := grpc.NewServer(append(serverOpts, o.grpcOpts...)...)

	RegisterCoordinatorServer(grpcServer, service)
	grpc_prometheus.Register(grpcServer)

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthSrv)

	if o.reflection {
		reflection.Register(grpcServer)
	}

	return &Server{
		grpcServer: grpcServer,
		listener:   lis,
		health:     healthSrv,
		logger:     o.logger,
	}, nil
}

// Start serves until Shutdown. A graceful stop is not reported as an error.
func (s *Server) Start() error {
	s.logger.Info("grpc listening", slog.String("address", s.Address()))
	if err := s.grpcServer.Serve(s.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// SetServing flips the coordinator's health status, e.g. while draining.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, st)
}

// Shutdown reports NOT_SERVING, drains in-flight calls and forces a stop when
// ctx expires first.
func (s *Server) Shutdown(ctx context.Context) {
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-ctx.Done():
		s.logger.Warn("grpc drain timed out, forcing stop")
		s.grpcServer.Stop()
		<-stopped
	case <-stopped:
	}
}

// Address is the bound listener address, useful when cfg asked for port 0.
func (s *Server) Address() string {
	return s.listener.Addr().String()
}

// logUnary logs every call at debug and server-side failures at warn.
func logUnary(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)

		level := slog.LevelDebug
		if code == codes.Internal || code == codes.Unknown {
			level = slog.LevelWarn
		}
		logger.LogAttrs(ctx, level, "rpc",
			slog.String("method", path.Base(info.FullMethod)),
			slog.String("code", code.String()),
			slog.Duration("duration", time.Since(start)),
		)
		return resp, err
	}
}

// recoverUnary turns a handler panic into codes.Internal so one bad request
// cannot take the coordinator down.
func recoverUnary(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("rpc panic",
					slog.String("method", info.FullMethod),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				resp, err = nil, status.Errorf(codes.Internal, "%s failed", path.Base(info.FullMethod))
			}
		}()
		return handler(ctx, req)
	}
}
