package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	config "autonode/configs"
	"autonode/pkg/api"
	"autonode/pkg/auth"
	"autonode/pkg/coordination"
	"autonode/pkg/logger"
	"autonode/pkg/node"
	"autonode/pkg/observability"
)

func main() {
	cfg := config.LoadConfig()

	fs := pflag.NewFlagSet("autonode", pflag.ExitOnError)
	bindFlags(fs, cfg)
	_ = fs.Parse(os.Args[1:])

	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}

	logCfg := logger.DefaultConfig("autonode")
	logCfg.Level = cfg.LogLevel
	logCfg.Encoding = cfg.LogEncoding
	logCfg.NodeID = cfg.NodeID
	log, err := logger.Init(logCfg)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	log.Info("starting up",
		zap.String("namespace", cfg.Namespace),
		zap.String("bus", cfg.BusBackend),
		zap.String("catalog", cfg.CatalogBackend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	traceCfg := observability.DefaultConfig(cfg.NodeID)
	traceCfg.Enabled = cfg.TracingEnabled
	traceCfg.Endpoint = cfg.TracingEndpoint
	tracer, err := observability.Init(ctx, traceCfg)
	if err != nil {
		log.Fatal("failed to initialize tracing", zap.Error(err))
	}

	bus, busHealth, err := openBus(cfg, log)
	if err != nil {
		log.Fatal("failed to connect broadcast bus", zap.Error(err))
	}
	defer bus.Close()

	catalog, catalogCloser, catalogHealth, err := openCatalog(cfg)
	if err != nil {
		log.Fatal("failed to open catalog", zap.Error(err))
	}
	defer catalogCloser.Close()

	nodeCfg := node.DefaultConfig(cfg.Namespace)
	nodeCfg.ID = cfg.NodeID
	nodeCfg.PollInterval = cfg.ClaimPollInterval
	nodeCfg.ClaimTimeout = cfg.ClaimTimeout
	nodeCfg.CollectTimeout = cfg.CollectTimeout
	nodeCfg.OnDuplicate = coordination.ParseDuplicatePolicy(cfg.DuplicatePolicy)
	nodeCfg.Logger = log

	n := node.New(nodeCfg, bus, catalog)
	if err := n.Start(ctx); err != nil {
		log.Fatal("failed to start node", zap.Error(err))
	}

	apiCfg := api.DefaultConfig(cfg.APIPort)
	apiCfg.Node = n
	apiCfg.ServiceName = traceCfg.ServiceName
	apiCfg.Logger = log.Named("api")
	apiCfg.HealthChecks = map[string]api.HealthCheck{}
	if busHealth != nil {
		apiCfg.HealthChecks["bus"] = busHealth
	}
	if catalogHealth != nil {
		apiCfg.HealthChecks["catalog"] = catalogHealth
	}
	if cfg.JWTSecret != "" {
		jwtCfg := auth.DefaultJWTConfig()
		jwtCfg.SecretKey = cfg.JWTSecret
		jwtService, err := auth.NewJWTService(jwtCfg)
		if err != nil {
			log.Fatal("failed to configure authentication", zap.Error(err))
		}
		apiCfg.JWTService = jwtService
	} else {
		log.Warn("JWT_SECRET not set, API authentication disabled")
	}

	server := api.NewServer(apiCfg)
	go func() {
		if err := server.Start(); err != nil {
			log.Error("server error", zap.Error(err))
			sigChan <- syscall.SIGTERM
		}
	}()

	sig := <-sigChan
	log.Info("received signal, initiating graceful shutdown", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown error", zap.Error(err))
	}
	if err := n.Close(); err != nil {
		log.Warn("node shutdown error", zap.Error(err))
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracer shutdown error", zap.Error(err))
	}

	cancel()
	log.Info("shutdown complete")
}
