package health_test

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/cory-johannsen/tablesync/internal/health"
)

type togglePinger struct{ down atomic.Bool }

func (p *togglePinger) Ping(context.Context) error {
	if p.down.Load() {
		return errors.New("connection refused")
	}
	return nil
}

func dial(t *testing.T, s *health.Server) healthpb.HealthClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go func() { _ = s.GRPC().Serve(lis) }()
	t.Cleanup(s.GRPC().Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return healthpb.NewHealthClient(conn)
}

// status reports SERVICE_UNKNOWN when the service has no status yet.
func status(c healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_SERVICE_UNKNOWN
	}
	return resp.GetStatus()
}

func TestCheck_ReflectsStorePing(t *testing.T) {
	p := &togglePinger{}
	s := health.New("127.0.0.1:0", p, time.Second, clock.NewMock(), zaptest.NewLogger(t))
	c := dial(t, s)

	assert.True(t, s.Check(context.Background()))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(c, health.Service))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(c, ""))

	p.down.Store(true)
	assert.False(t, s.Check(context.Background()))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(c, health.Service))
}

func TestWatch_RechecksOnInterval(t *testing.T) {
	p := &togglePinger{}
	clk := clock.NewMock()
	s := health.New("127.0.0.1:0", p, time.Second, clk, zaptest.NewLogger(t))
	c := dial(t, s)

	go s.Watch()
	require.Eventually(t, func() bool {
		return status(c, health.Service) == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 10*time.Millisecond)

	p.down.Store(true)
	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		return status(c, health.Service) == healthpb.HealthCheckResponse_NOT_SERVING
	}, 2*time.Second, 10*time.Millisecond)
	s.Stop()
}
