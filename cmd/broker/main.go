package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/broker"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/client"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/config"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/federation"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/health"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/metrics"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/model"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/realm"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/server"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/shard"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/store"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting query broker",
		zap.String("node_id", cfg.Server.NodeID),
		zap.Int("port", cfg.Server.Port),
		zap.Int("realms", len(cfg.Realms)),
		zap.Bool("federation", cfg.Federation.Enabled),
	)

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	// Shard stores
	stores, err := buildStores(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize shard stores", zap.Error(err))
	}
	defer stores.Close()

	shardMgr := shard.NewManager(cfg.Shards.Prefixes, cfg.Shards.DefaultShard, logger)
	if cfg.Shards.MapFile != "" {
		if err := shardMgr.Reload(cfg.Shards.MapFile); err != nil {
			logger.Fatal("Failed to load shard map file",
				zap.String("path", cfg.Shards.MapFile), zap.Error(err))
		}
	}

	// Worker invocation client, bounded by the largest configured dispatch timeout
	invoker := client.NewWorkerClient(maxDispatchTimeout(cfg), logger)

	realms := realm.NewRegistry(cfg.DefaultRealm(), logger)
	b := broker.New(cfg.Server, realms, shardMgr, stores, m, logger)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	createRealm := func(rc config.RealmConfig) (*realm.Realm, error) {
		rl := realm.New(rc, cfg.Health, invoker, b, m, logger)
		if err := realms.Add(rl); err != nil {
			return nil, err
		}
		rl.Start(rootCtx)
		return rl, nil
	}

	started := make([]*realm.Realm, 0, len(cfg.Realms))
	for _, rc := range cfg.Realms {
		rl, err := createRealm(rc)
		if err != nil {
			logger.Fatal("Failed to create realm", zap.String("realm", rc.Name), zap.Error(err))
		}
		started = append(started, rl)
	}
	logger.Info("Realms started", zap.Int("count", len(started)))

	// Federation: gossip peer discovery plus the cross-realm/cross-federation router
	var fedRouter *federation.Router
	var gossip *federation.Gossip
	if cfg.Federation.Enabled {
		peers := federation.NewPeerSet()
		advertFn := func() model.PeerAdvert {
			return model.PeerAdvert{
				PeerID:       cfg.Server.NodeID,
				Endpoint:     cfg.Federation.Endpoint,
				Capabilities: realms.Capabilities(),
			}
		}
		gossip, err = federation.NewGossip(cfg.Federation, cfg.Server.NodeID, advertFn, peers, logger)
		if err != nil {
			logger.Fatal("Failed to start federation gossip", zap.Error(err))
		}

		forwarder := federation.NewForwardClient(cfg.Federation.ForwardTimeout, logger)
		fedRouter = federation.NewRouter(cfg.Server.NodeID, realms, peers, forwarder,
			cfg.Federation.StalenessWindow(), m, logger)

		b.SetLoopChecker(fedRouter)
		for _, rl := range started {
			rl.SetEscalator(fedRouter)
		}
		logger.Info("Federation enabled",
			zap.String("endpoint", cfg.Federation.Endpoint),
			zap.Strings("bootstrap", cfg.Federation.Bootstrap),
		)
	}

	healthCheck := health.NewHealthCheck(stores, logger)
	defer healthCheck.Stop()
	if cfg.Server.GRPCHealthPort > 0 {
		go func() {
			if err := healthCheck.ServeGRPC(cfg.Server.GRPCHealthPort); err != nil {
				logger.Error("gRPC health service failed", zap.Error(err))
			}
		}()
	}

	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle(cfg.Metrics.Path, promhttp.Handler())
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			logger.Info("Metrics server listening", zap.String("addr", addr))
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	srv := server.NewServer(*cfg, server.Deps{
		Broker:      b,
		HealthCheck: healthCheck,
		Federation:  fedRouter,
		CreateRealm: createRealm,
	}, logger)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil {
			logger.Error("Server failed", zap.Error(err))
		}
	case sig := <-sigChan:
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}

	if gossip != nil {
		if err := gossip.Shutdown(); err != nil {
			logger.Warn("Gossip shutdown failed", zap.Error(err))
		}
	}

	rootCancel()
	realms.Shutdown()
	b.Shutdown(cfg.Server.ShutdownTimeout)

	logger.Info("Broker stopped")
}

// buildLogger constructs the process logger from configuration.
func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}

// buildStores constructs one persistence backend per configured shard.
func buildStores(cfg *config.Config, logger *zap.Logger) (*store.Set, error) {
	byShard := make(map[string]store.ShardStore, len(cfg.Shards.Stores))
	for name, sc := range cfg.Shards.Stores {
		var (
			s   store.ShardStore
			err error
		)
		switch sc.Backend {
		case "redis":
			s, err = store.NewRedisShardStore(
				sc.Redis.Host, sc.Redis.Port, sc.Redis.Password,
				sc.Redis.DB, sc.Redis.PoolSize, cfg.Shards.HistoryTTL,
				logger.With(zap.String("shard", name)),
			)
		case "postgres":
			s, err = store.NewPostgresShardStore(
				sc.Postgres.Host, sc.Postgres.Port, sc.Postgres.Database,
				sc.Postgres.User, sc.Postgres.Password,
				sc.Postgres.MaxConnections, sc.Postgres.ConnLifetime,
				logger.With(zap.String("shard", name)),
			)
		case "memory":
			s = store.NewMemoryShardStore()
		default:
			err = fmt.Errorf("unknown backend %q", sc.Backend)
		}
		if err != nil {
			return nil, fmt.Errorf("shard %q: %w", name, err)
		}
		byShard[name] = s
		logger.Info("Shard store initialized",
			zap.String("shard", name), zap.String("backend", sc.Backend))
	}
	return store.NewSet(byShard), nil
}

// maxDispatchTimeout returns the largest dispatch timeout across realms,
// used as the worker HTTP client's transport ceiling.
func maxDispatchTimeout(cfg *config.Config) time.Duration {
	var d time.Duration
	for _, rc := range cfg.Realms {
		if rc.DispatchTimeout > d {
			d = rc.DispatchTimeout
		}
	}
	if d == 0 {
		d = 30 * time.Second
	}
	return d
}
