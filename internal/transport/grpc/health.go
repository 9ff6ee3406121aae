package grpcx

import (
	"context"
	"time"

	"github.com/cwrk-planet/presence-service/pkg/logger"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the name probes ask for; "" reports the same status.
const ServiceName = "presence"

type Pinger interface {
	Ping(ctx context.Context) error
}

// Health mirrors the shared store's reachability into the standard gRPC
// health service: SERVING while pings succeed, NOT_SERVING otherwise.
type Health struct {
	srv      *health.Server
	store    Pinger
	interval time.Duration
	serving  bool
}

func NewHealth(store Pinger, interval time.Duration) *Health {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	h := &Health{srv: health.NewServer(), store: store, interval: interval}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

func (h *Health) Server() *health.Server { return h.srv }

// Check pings the store once and updates the status.
func (h *Health) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, h.interval)
	defer cancel()

	err := h.store.Ping(ctx)
	ok := err == nil
	if ok != h.serving {
		if ok {
			logger.L().Info("grpc health: store reachable, SERVING")
		} else {
			logger.L().Warn("grpc health: store unreachable, NOT_SERVING", "err", err)
		}
	}
	h.serving = ok
	if ok {
		h.set(healthpb.HealthCheckResponse_SERVING)
	} else {
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return ok
}

// Run polls until ctx is done, then marks everything NOT_SERVING.
func (h *Health) Run(ctx context.Context) error {
	h.Check(ctx)
	t := time.NewTicker(h.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return nil
		case <-t.C:
			h.Check(ctx)
		}
	}
}

func (h *Health) set(st healthpb.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus("", st)
	h.srv.SetServingStatus(ServiceName, st)
}

// NewServer builds the gRPC server with interceptors, health and reflection.
func NewServer(h *Health, guard time.Duration) *grpc.Server {
	s := grpc.NewServer(
		grpc.ChainUnaryInterceptor(UnaryServerInterceptor(guard)),
		grpc.ChainStreamInterceptor(StreamServerInterceptor()),
	)
	healthpb.RegisterHealthServer(s, h.Server())
	reflection.Register(s)
	return s
}
