package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/beamlink/beam/internal/logger"
	"github.com/beamlink/beam/pkg/cluster"
	"github.com/beamlink/beam/pkg/config"
	"github.com/beamlink/beam/pkg/gateway"
	"github.com/beamlink/beam/pkg/metrics"
	prommetrics "github.com/beamlink/beam/pkg/metrics/prometheus"
	"github.com/beamlink/beam/pkg/protocol"
	"github.com/beamlink/beam/pkg/pubsub"
	pubsubmem "github.com/beamlink/beam/pkg/pubsub/memory"
	pubsubredis "github.com/beamlink/beam/pkg/pubsub/redis"
	"github.com/beamlink/beam/pkg/session"
	"github.com/beamlink/beam/pkg/storage"
	"github.com/beamlink/beam/pkg/storage/badgerstore"
	storagemem "github.com/beamlink/beam/pkg/storage/memory"
	storageredis "github.com/beamlink/beam/pkg/storage/redis"
	"github.com/beamlink/beam/pkg/transfer"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the beam relay server",
	Long: `Start the beam relay server with the specified configuration.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/beam/config.yaml.

Examples:
  # Start with default config location
  beamd start

  # Start with custom config
  beamd start --config /etc/beam/config.yaml

  # Start with environment variable overrides
  BEAM_LOGGING_LEVEL=DEBUG beamd start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("beam relay starting",
		"version", Version,
		"port", cfg.Server.Port,
		"backend", cfg.Storage.Backend,
		"cluster", cfg.Cluster.Enabled,
	)
	logger.Info("configuration loaded", "source", getConfigSource(GetConfigFile()))

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		logger.Info("metrics enabled", "endpoint", "/metrics")
	} else {
		logger.Info("metrics collection disabled")
	}
	relayMetrics := prommetrics.NewRelayMetrics()
	gatewayMetrics := prommetrics.NewGatewayMetrics()

	ttls := storage.TTLs{
		ClientSession:   cfg.TTL.ClientSession,
		ShareSession:    cfg.TTL.ShareSession,
		UploadState:     cfg.TTL.UploadState,
		RateLimitWindow: cfg.TTL.RateLimitWindow,
	}

	store, bus, err := buildBackend(ctx, cfg, ttls)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("storage close error", logger.Err(err))
		}
		if err := bus.Close(); err != nil {
			logger.Error("pubsub close error", logger.Err(err))
		}
	}()

	// Node registry and leader election run even on a single node; the
	// coordinator's local fast path then handles all routing.
	registry := cluster.NewRegistry(store, cluster.RegistryConfig{
		Hostname:          cfg.Cluster.Hostname,
		Port:              cfg.Server.Port,
		HeartbeatInterval: cfg.Cluster.HeartbeatInterval,
	})
	if err := registry.Start(ctx); err != nil {
		return fmt.Errorf("failed to start node registry: %w", err)
	}
	logger.Info("node registered", logger.NodeID(registry.NodeID()))

	coord := cluster.NewCoordinator(store, bus, registry, cluster.CoordinatorConfig{
		ElectionInterval: cfg.Cluster.ElectionInterval,
		LockTTL:          cfg.Cluster.LockTTL,
	}, relayMetrics)

	sessions := session.NewManager(store, bus, coord, registry, relayMetrics, session.Config{
		HeartbeatLimit:  cfg.TTL.HeartbeatLimit,
		HeartbeatWindow: cfg.TTL.RateLimitWindow,
	})

	engine := transfer.NewEngine(store, coord, relayMetrics, transfer.Config{
		MaxFileSize:            cfg.Transfer.MaxFileSize.Int64(),
		MaxConcurrentUploads:   cfg.Transfer.MaxConcurrentUploads,
		MaxConcurrentDownloads: cfg.Transfer.MaxConcurrentDownloads,
		MaxConcurrentTransfers: cfg.Transfer.MaxConcurrentTransfers,
		AckTimeout:             cfg.Transfer.AckTimeout,
		MaxRetries:             cfg.Transfer.MaxRetries,
		ScanInterval:           cfg.Transfer.ScanInterval,
		Checksums:              cfg.Transfer.Checksums,
	})
	engine.Start()
	defer engine.Close()

	gw := gateway.New(sessions, engine, coord, registry, store, gatewayMetrics, relayMetrics, gateway.Config{
		CORSOrigin:     cfg.Server.CORSOrigin,
		Version:        Version,
		ClusterEnabled: cfg.Cluster.Enabled,
		RedisEnabled:   cfg.Storage.Backend == config.BackendRedis,
	})

	// Connected clients learn about leadership changes as they happen.
	coord.OnRoleChange(func(role storage.NodeRole, isMaster bool) {
		gw.Hub().Broadcast(protocol.EventClusterRoleChange,
			cluster.RolePayload(registry.NodeID(), role))
	})

	// The coordinator starts after the gateway wired its hub in as the
	// local socket sender.
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	defer coord.Stop()

	sweeper := storage.NewSweeper(store, storage.SweeperConfig{
		SilenceLimit: cfg.TTL.UploadState,
	})
	sweeper.Start(ctx)
	defer sweeper.Stop()

	server := gateway.NewServer(gw, cfg.Server.Port, cfg.Server.ShutdownTimeout)
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.Start(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("server is running, press Ctrl+C to stop")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received, initiating graceful shutdown")
		cancel()
		if err := <-serverDone; err != nil {
			logger.Error("server shutdown error", logger.Err(err))
		}
	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("server error", logger.Err(err))
			return err
		}
	}

	// Deferred teardown order: sweeper, coordinator, engine, then stores.
	// The registry goes first so peers see this node inactive immediately.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Error("registry shutdown error", logger.Err(err))
	}

	logger.Info("server stopped gracefully")
	return nil
}

// buildBackend constructs the storage backend and the pubsub fabric. The
// redis backend shares one connection pool between both.
func buildBackend(ctx context.Context, cfg *config.Config, ttls storage.TTLs) (storage.Store, pubsub.PubSub, error) {
	switch cfg.Storage.Backend {
	case config.BackendRedis:
		store, err := storageredis.NewRedisStore(ctx, storageredis.Config{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, ttls)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect storage backend: %w", err)
		}
		logger.Info("redis storage connected", "addr", cfg.Redis.Addr())
		return store, pubsubredis.NewRedisPubSub(store.Client()), nil

	case config.BackendBadger:
		store, err := badgerstore.NewBadgerStore(cfg.Storage.Path, ttls)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open badger storage: %w", err)
		}
		logger.Info("badger storage opened", "path", cfg.Storage.Path)
		return store, pubsubmem.NewMemoryPubSub(), nil

	default:
		logger.Info("in-memory storage selected, state is lost on restart")
		return storagemem.NewMemoryStore(ttls), pubsubmem.NewMemoryPubSub(), nil
	}
}
