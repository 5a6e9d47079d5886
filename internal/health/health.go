// Package health serves the standard gRPC health protocol, reporting NOT_SERVING while the
// snapshot store is unreachable.
package health

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service is the name reported for the coordination service. The empty name reports
// overall server health.
const Service = "tablesync.Rooms"

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wraps a grpc.Server exposing only the health service.
type Server struct {
	addr     string
	pinger   Pinger
	interval time.Duration
	clk      clock.Clock
	logger   *zap.Logger

	grpc   *grpc.Server
	health *grpchealth.Server

	mu      sync.Mutex
	serving bool
	lis     net.Listener
	stop    chan struct{}
	done    chan struct{}
}

// New creates a health server listening on addr that pings p every interval.
//
// Precondition: p and logger must be non-nil; interval must be > 0.
func New(addr string, p Pinger, interval time.Duration, clk clock.Clock, logger *zap.Logger) *Server {
	if clk == nil {
		clk = clock.New()
	}
	hs := grpchealth.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	return &Server{
		addr:     addr,
		pinger:   p,
		interval: interval,
		clk:      clk,
		logger:   logger,
		grpc:     gs,
		health:   hs,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// GRPC exposes the underlying server, e.g. for serving on a custom listener in tests.
func (s *Server) GRPC() *grpc.Server { return s.grpc }

// Check pings once and publishes the result.
//
// Postcondition: Both the overall and the Service status reflect the ping.
func (s *Server) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()
	err := s.pinger.Ping(ctx)
	ok := err == nil
	status := healthpb.HealthCheckResponse_SERVING
	if !ok {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(Service, status)

	s.mu.Lock()
	changed := s.serving != ok
	s.serving = ok
	s.mu.Unlock()
	if changed {
		if ok {
			s.logger.Info("snapshot store healthy")
		} else {
			s.logger.Warn("snapshot store unhealthy", zap.Error(err))
		}
	}
	return ok
}

// Watch re-checks on every interval until Stop.
func (s *Server) Watch() {
	defer close(s.done)
	ticker := s.clk.Ticker(s.interval)
	defer ticker.Stop()
	s.Check(context.Background())
	for {
		select {
		case <-ticker.C:
			s.Check(context.Background())
		case <-s.stop:
			return
		}
	}
}

// Start listens on addr and serves until Stop.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.lis = lis
	s.mu.Unlock()
	go s.Watch()
	s.logger.Info("grpc health listening", zap.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// Stop marks everything NOT_SERVING and stops the server gracefully.
func (s *Server) Stop() {
	s.health.Shutdown()
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	s.grpc.GracefulStop()
}
