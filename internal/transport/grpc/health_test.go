package grpcx

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cwrk-planet/presence-service/pkg/logger"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type flakyStore struct{ down atomic.Bool }

func (f *flakyStore) Ping(context.Context) error {
	if f.down.Load() {
		return errors.New("dial tcp: connection refused")
	}
	return nil
}

func statusOf(t *testing.T, h *Health, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := h.Server().Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	return resp.GetStatus()
}

func TestHealth_FollowsStore(t *testing.T) {
	store := &flakyStore{}
	h := NewHealth(store, time.Second)

	if got := statusOf(t, h, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("before first check: %v", got)
	}
	if !h.Check(context.Background()) {
		t.Fatal("store is up")
	}
	if got := statusOf(t, h, ServiceName); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("up: %v", got)
	}

	store.down.Store(true)
	h.Check(context.Background())
	if got := statusOf(t, h, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("down: %v", got)
	}
}

func TestServer_HealthOverGRPC(t *testing.T) {
	h := NewHealth(&flakyStore{}, time.Second)
	h.Check(context.Background())

	lis := bufconn.Listen(1 << 20)
	srv := NewServer(h, time.Second)
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status = %v", resp.GetStatus())
	}
}

func TestUnaryInterceptor_RecoversPanic(t *testing.T) {
	ic := UnaryServerInterceptor(time.Second)
	_, err := ic(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/x/Y"},
		func(context.Context, any) (any, error) { panic("boom") })
	if status.Code(err) != codes.Internal {
		t.Fatalf("err = %v", err)
	}
}

func TestUnaryInterceptor_AddsDeadline(t *testing.T) {
	ic := UnaryServerInterceptor(time.Second)
	_, _ = ic(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/x/Y"},
		func(ctx context.Context, _ any) (any, error) {
			if _, ok := ctx.Deadline(); !ok {
				t.Error("handler ran without deadline")
			}
			return nil, nil
		})
}

func TestUnaryInterceptor_LogsByStatus(t *testing.T) {
	ring := logger.NewRing(8)
	logger.Init(logger.Config{Env: logger.EnvDev, Backend: logger.BackendStd, Level: slog.LevelDebug, Output: io.Discard, Ring: ring})

	ic := UnaryServerInterceptor(time.Second)
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	_, _ = ic(context.Background(), nil, info,
		func(context.Context, any) (any, error) { return nil, status.Error(codes.Unavailable, "store down") })
	_, _ = ic(context.Background(), nil, info,
		func(context.Context, any) (any, error) { return "ok", nil })

	var calls []string
	for _, e := range ring.Recent() {
		if e.Message != "grpc: call" {
			continue
		}
		if e.Attrs["grpc_method"] != info.FullMethod {
			t.Fatalf("method not tagged: %v", e.Attrs)
		}
		calls = append(calls, e.Level+" "+e.Attrs["code"].(string))
	}
	if len(calls) != 2 || calls[0] != "WARN Unavailable" || calls[1] != "DEBUG OK" {
		t.Fatalf("logged calls = %v", calls)
	}
}
