package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cwrk-planet/presence-service/config"
	"github.com/cwrk-planet/presence-service/internal/auth"
	"github.com/cwrk-planet/presence-service/internal/fanout"
	"github.com/cwrk-planet/presence-service/internal/presence"
	"github.com/cwrk-planet/presence-service/internal/redisstore"
	grpcx "github.com/cwrk-planet/presence-service/internal/transport/grpc"
	httpx "github.com/cwrk-planet/presence-service/internal/transport/http"
	"github.com/cwrk-planet/presence-service/internal/transport/ws"
	"github.com/cwrk-planet/presence-service/pkg/logger"
	"github.com/cwrk-planet/presence-service/pkg/telemetry"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	// --- config ---
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	instanceID := cfg.Presence.InstanceID
	if instanceID == "" {
		instanceID = logger.NewInstanceID()
	}

	var ring *logger.Ring
	if cfg.Debug.RingSize > 0 {
		ring = logger.NewRing(cfg.Debug.RingSize)
	}
	logger.Init(logger.Config{
		Env:        logger.ParseEnv(cfg.Logging.Env),
		Service:    cfg.Logging.Service,
		Version:    cfg.Logging.Version,
		InstanceID: instanceID,
		Backend:    logger.Backend(cfg.Logging.Backend),
		AddSource:  cfg.Logging.AddSource,
		Debug:      cfg.Logging.Debug,
		Ring:       ring,
	})
	slog.Info("starting presence-service",
		"env", cfg.Logging.Env, "version", cfg.Logging.Version, "fanout", cfg.Fanout.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- telemetry ---
	mp, shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:  cfg.Logging.Service,
		Version:      cfg.Logging.Version,
		InstanceID:   instanceID,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Insecure:     cfg.Telemetry.Insecure,
	})
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}

	// --- identity verifier ---
	verifier, err := newVerifier(cfg.Auth)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	// --- redis ---
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Redis.Addr,
		Username:    cfg.Redis.Username,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		PoolSize:    cfg.Redis.PoolSize,
		DialTimeout: cfg.Redis.DialTimeout,
	})
	store := redisstore.New(rdb, redisstore.Options{
		Prefix:    cfg.Redis.KeyPrefix,
		TTL:       cfg.Presence.TTL,
		OpTimeout: cfg.Redis.OpTimeout,
	})
	if err := store.Ping(ctx); err != nil {
		// presence вспомогательная функция: стартуем без неё, клиент переподключится сам
		slog.Warn("redis unavailable at startup, presence degraded", "addr", cfg.Redis.Addr, "err", err)
	}

	// --- fan-out ---
	bus := newBus(cfg.Fanout, rdb, instanceID)
	hub := ws.NewHub(bus, ws.HubOptions{Origin: instanceID, MeterProvider: mp})

	// --- presence ---
	popts := presence.Options{InstanceID: instanceID, MeterProvider: mp}
	tracker := presence.NewTracker(store, hub, popts)
	rooms := presence.NewRooms(store, hub, popts)
	query := presence.NewQuery(tracker, rooms, store)

	// --- WS ---
	gate := auth.NewGate(verifier, cfg.Presence.HandshakeTimeout)
	wsServer := ws.NewServer(gate, hub, tracker, rooms, ws.Options{
		PingEvery:        cfg.Presence.Heartbeat,
		HandshakeTimeout: cfg.Presence.HandshakeTimeout,
		CleanupTimeout:   cfg.Presence.CleanupTimeout,
	})

	// --- HTTP ---
	handler := httpx.NewHandler(query, cfg.Query.PrivilegedRoles, store, hub.Live, ring)
	router := httpx.NewRouter(httpx.Deps{
		Handler:        handler,
		Verifier:       verifier,
		WS:             wsServer.HandleWS,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		RequestTimeout: cfg.HTTP.RequestTimeout,
	})
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// --- gRPC (health) ---
	health := grpcx.NewHealth(store, cfg.GRPC.HealthInterval)
	grpcServer := grpcx.NewServer(health, cfg.GRPC.CallTimeout)

	// --- run ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return health.Run(gctx) })

	g.Go(func() error {
		slog.Info("http listen", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return err
		}
		slog.Info("grpc listen", "addr", cfg.GRPC.Addr)
		return grpcServer.Serve(lis)
	})

	// --- graceful shutdown ---
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		_ = httpSrv.Shutdown(sctx)
		// hijacked websocket-соединения http.Server не закрывает
		if err := wsServer.Shutdown(sctx); err != nil {
			slog.Warn("ws shutdown incomplete", "err", err)
		}
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = bus.Close()
	_ = rdb.Close()
	_ = shutdownTelemetry(sctx)
	slog.Info("stopped")
}

func newVerifier(cfg config.Auth) (*auth.JWTVerifier, error) {
	opts := auth.JWTOptions{
		Issuer:    cfg.Issuer,
		Audience:  cfg.Audience,
		ClockSkew: cfg.ClockSkew,
	}
	if cfg.PublicKeyPath != "" {
		pub, err := auth.LoadRSAPublicKeyFromPEM(cfg.PublicKeyPath)
		if err != nil {
			return nil, err
		}
		opts.PublicKey = pub
	} else {
		opts.Secret = []byte(cfg.HMACSecret)
	}
	return auth.NewJWTVerifier(opts)
}

// newBus never fails: without a reachable backend events stay inside this process.
func newBus(cfg config.Fanout, rdb *redis.Client, instanceID string) fanout.Bus {
	switch cfg.Backend {
	case config.FanoutNATS:
		nc, err := fanout.DialNATS(cfg.NATSURL, "presence-service-"+instanceID)
		if err != nil {
			slog.Warn("nats unavailable, fan-out is process-local", "url", cfg.NATSURL, "err", err)
			return fanout.NewLocal()
		}
		return fanout.NewNATSBus(nc, cfg.Channel)
	case config.FanoutLocal:
		return fanout.NewLocal()
	default:
		return fanout.NewRedisBus(rdb, cfg.Channel)
	}
}
