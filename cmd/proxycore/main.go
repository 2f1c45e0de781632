// Command proxycore runs the proxy lifecycle core as a standalone
// process: it loads specs from a directory, starts a pool scaler for
// every shared spec, and serves health and metrics endpoints. Request
// routing itself is out of scope (spec.md §1) — this binary exists to
// exercise the core end to end, not to be a complete application
// proxy.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/MohamedAnouar/containerproxy/pkg/access"
	"github.com/MohamedAnouar/containerproxy/pkg/audit"
	"github.com/MohamedAnouar/containerproxy/pkg/backend"
	"github.com/MohamedAnouar/containerproxy/pkg/config"
	"github.com/MohamedAnouar/containerproxy/pkg/eventbus"
	"github.com/MohamedAnouar/containerproxy/pkg/leader"
	"github.com/MohamedAnouar/containerproxy/pkg/mapping"
	"github.com/MohamedAnouar/containerproxy/pkg/metrics"
	"github.com/MohamedAnouar/containerproxy/pkg/proxyservice"
	"github.com/MohamedAnouar/containerproxy/pkg/runtimevalue"
	"github.com/MohamedAnouar/containerproxy/pkg/scaler"
	"github.com/MohamedAnouar/containerproxy/pkg/specresolver"
	"github.com/MohamedAnouar/containerproxy/pkg/specwatch"
	"github.com/MohamedAnouar/containerproxy/pkg/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("proxycore: fatal", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "proxycore",
		Short: "Container proxy lifecycle and pool-scaling core",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML/TOML/JSON config file")

	return cmd
}

func run(ctx context.Context, configPath string) error {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	obs, err := metrics.New("proxycore")
	if err != nil {
		return fmt.Errorf("starting observability: %w", err)
	}
	defer obs.Shutdown(context.Background())

	proxyStore, seatStore, delegateStore, err := buildStores(ctx, cfg)
	if err != nil {
		return fmt.Errorf("building stores: %w", err)
	}

	leaderSvc, err := buildLeader(cfg)
	if err != nil {
		return fmt.Errorf("building leader service: %w", err)
	}

	bus, err := buildEventBus(cfg)
	if err != nil {
		return fmt.Errorf("building event bus: %w", err)
	}

	resolver, err := specresolver.New()
	if err != nil {
		return fmt.Errorf("building spec resolver: %w", err)
	}

	registry := specwatch.NewRegistry()
	mappingMgr := mapping.New()
	accessCtl := access.New(registry.Get)
	rvService := runtimevalue.NewDefault()
	cb := backend.NewMockBackend(true)
	testStrategy := backend.AlwaysReadyTestStrategy{}

	scalers := newScalerSet(cfg, seatStore, delegateStore, cb, testStrategy, leaderSvc, bus, rvService, resolver, obs)
	registry.OnChange = scalers.onSpecChange
	registry.OnRemove = scalers.onSpecRemove

	svcCfg := proxyservice.Config{
		PublicPathPrefix:      cfg.PublicPathPrefix,
		InstanceID:            cfg.InstanceID,
		ProbeDeadline:         cfg.Readiness.Deadline,
		ProbeInterval:         cfg.Readiness.Interval,
		StopProxiesOnShutdown: cfg.Proxy.StopProxiesOnShutdown,
	}
	svc := proxyservice.New(svcCfg, proxyStore, delegateStore, cb, testStrategy, accessCtl, rvService, resolver, bus, mappingMgr, registry.Get, scalers.SeatClaimerFor, obs, nil)

	watcher, err := specwatch.NewWatcher(cfg.SpecDir, registry)
	if err != nil {
		return fmt.Errorf("starting spec watcher: %w", err)
	}

	var auditSink *audit.Sink
	if cfg.Audit.Enabled {
		auditSink, err = audit.NewSink(ctx, cfg.Audit.PostgresDSN, bus)
		if err != nil {
			return fmt.Errorf("starting audit sink: %w", err)
		}
		defer auditSink.Close()
		go func() {
			if err := auditSink.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("audit sink stopped", "error", err)
			}
		}()
	}

	go func() {
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("spec watcher stopped", "error", err)
		}
	}()

	go serveMetrics(ctx, cfg.MetricsAddr, obs)
	go serveHealth(ctx, cfg.HealthAddr)

	slog.Info("proxycore started", "instance_id", cfg.InstanceID, "spec_dir", cfg.SpecDir)

	<-ctx.Done()
	slog.Info("proxycore shutting down")
	scalers.stopAll()
	if err := svc.Shutdown(context.Background()); err != nil {
		slog.Error("proxyservice shutdown failed", "error", err)
	}

	return nil
}

func buildStores(ctx context.Context, cfg *config.Config) (store.ProxyStore, store.SeatStore, store.DelegateProxyStore, error) {
	if cfg.Store.Kind != "redis" {
		return store.NewMemoryProxyStore(), store.NewMemorySeatStore(), store.NewMemoryDelegateProxyStore(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Store.Redis.Address,
		Password: cfg.Store.Redis.Password,
		DB:       cfg.Store.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("pinging redis: %w", err)
	}

	return store.NewRedisProxyStore(client, ""), store.NewMemorySeatStore(), store.NewMemoryDelegateProxyStore(), nil
}

func buildLeader(cfg *config.Config) (leader.LeaderService, error) {
	if cfg.Leader.Kind != "redis" {
		return leader.AlwaysLeader{}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Store.Redis.Address, Password: cfg.Store.Redis.Password, DB: cfg.Store.Redis.DB})
	lock := leader.NewRedisLock(client, 0, 0)
	return lock, nil
}

func buildEventBus(cfg *config.Config) (eventbus.EventBus, error) {
	local := eventbus.NewMemoryBus("")
	if cfg.EventBus.Kind != "nats" {
		return local, nil
	}

	conn, err := nats.Connect(cfg.EventBus.NATS.URL)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return eventbus.NewNATSBus(local, conn, cfg.InstanceID)
}

func serveMetrics(ctx context.Context, addr string, obs *metrics.Manager) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", obs.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("metrics server stopped", "error", err)
	}
}

func serveHealth(ctx context.Context, addr string) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Error("health listener failed", "error", err)
		return
	}

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)

	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()

	if err := grpcServer.Serve(lis); err != nil {
		slog.Error("health server stopped", "error", err)
	}
}
