package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ferrydb/ferry/internal/audit"
	"github.com/ferrydb/ferry/internal/cache"
	"github.com/ferrydb/ferry/internal/cluster"
	"github.com/ferrydb/ferry/internal/config"
	"github.com/ferrydb/ferry/internal/handlers"
	"github.com/ferrydb/ferry/internal/logging"
	"github.com/ferrydb/ferry/internal/metrics"
	"github.com/ferrydb/ferry/internal/migration"
	"github.com/ferrydb/ferry/internal/nodestore"
	"github.com/ferrydb/ferry/internal/queue"
	"github.com/ferrydb/ferry/internal/replication"
	"github.com/ferrydb/ferry/internal/router"
	"github.com/ferrydb/ferry/internal/sanitize"
	"github.com/ferrydb/ferry/internal/schema"
	"github.com/ferrydb/ferry/internal/services"
	"github.com/ferrydb/ferry/internal/signing"
	"github.com/ferrydb/ferry/internal/store"
	"github.com/ferrydb/ferry/internal/throttle"
	"github.com/ferrydb/ferry/internal/topology"
	"github.com/ferrydb/ferry/internal/transport"
)

var (
	Version   = "dev"     // Injected via ldflags during build
	GitCommit = "unknown" // Injected via ldflags during build
	BuildTime = "unknown" // Injected via ldflags during build
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger, err := logging.NewFromConfig(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)
	logger.Info("Cluster node starting...",
		"version", Version, "commit", GitCommit, "build time", BuildTime)

	if err := cfg.EnsureDirectories(); err != nil {
		logger.Fatal("Failed to prepare data directories", "error", err)
	}

	// Document store backing collections, audit trail, and task records
	docs := store.NewMemoryStore(logger)
	defer func() { _ = docs.Close() }()

	// KV cache for checkpoints, rate limits, and rollback snapshots
	logger.Info("Connecting to cache", "type", cfg.Cache.Type)
	cacheClient, err := cache.New(cfg.Cache)
	if err != nil {
		logger.Fatal("Failed to connect to cache", "error", err)
	}
	defer func() { _ = cacheClient.Close() }()

	// Membership registry (memory or etcd)
	logger.Info("Connecting to node store", "type", cfg.NodeStore.Type)
	nodes, err := nodestore.New(cfg.NodeStore, logger)
	if err != nil {
		logger.Fatal("Failed to connect to node store", "error", err)
	}
	defer func() { _ = nodes.Close() }()

	auditLog := audit.NewLog(docs, logger)

	// Outbound HTTP pool, shared by migrations, replication, and probes
	poolOpts := transport.Options{RequestTimeout: cfg.Migration.HTTPTimeout}
	if cfg.Security.MTLS.Enabled {
		tlsConfig, err := transport.BuildTLSConfig(cfg.Security.MTLS)
		if err != nil {
			logger.Fatal("Failed to load mTLS material", "error", err)
		}
		poolOpts.TLS = tlsConfig
		logger.Info("Outbound mTLS enabled", "ca", cfg.Security.MTLS.CAFile)
	}
	pool := transport.NewPool(logger, poolOpts)
	defer pool.Close()

	// Queue bus carrying replication events
	logger.Info("Connecting to queue", "type", cfg.Replication.Queue.Type, "url", cfg.Replication.Queue.URL)
	bus, err := queue.New(cfg.Replication.Queue)
	if err != nil {
		logger.Fatal("Failed to connect to queue", "error", err)
	}
	defer func() { _ = bus.Close() }()

	// Context for background services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cluster manager with the default priority elector
	manager := cluster.NewManager(nodes, auditLog, nil, cfg.Cluster, logger)
	manager.Start(ctx)

	// The first configured API key authenticates us against peers
	peerKey := ""
	if len(cfg.Auth.APIKeys) > 0 {
		peerKey = cfg.Auth.APIKeys[0]
	}

	// Register the local node and keep it heartbeating
	nodeCfg := cfg.Node
	nodeCfg.Hostname = cfg.AdvertisedHostname()
	nodeCfg.Port = cfg.AdvertisedPort()
	agent := cluster.NewAgent(manager, pool, nodeCfg, peerKey, logger)
	if err := agent.Start(ctx); err != nil {
		logger.Fatal("Failed to register local node", "error", err)
	}
	localNode := agent.NodeID()

	// Metrics are optional; a nil gatherer leaves /metrics unrouted
	var gatherer prometheus.Gatherer
	recorder := metrics.Recorder(metrics.Nop())
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		prom, err := metrics.NewPrometheus(registry)
		if err != nil {
			logger.Fatal("Failed to register metrics", "error", err)
		}
		recorder = prom
		gatherer = registry
		logger.Info("Prometheus metrics enabled")
	}

	// Replication capture and fanout
	repl := replication.NewService(docs, manager, bus, pool, recorder, cfg.Replication, peerKey, logger)
	if err := repl.Start(ctx); err != nil {
		logger.Fatal("Failed to start replication", "error", err)
	}

	// Package signer; generated on first start, loaded afterwards
	signer, err := signing.LoadOrGenerate(cfg.Migration.SigningKeyPath, cfg.Migration.SigningKeyBits)
	if err != nil {
		logger.Fatal("Failed to load signing key", "error", err, "path", cfg.Migration.SigningKeyPath)
	}
	logger.Info("Signing key ready", "path", cfg.Migration.SigningKeyPath, "bits", signer.KeyBits())

	san := sanitize.New(cfg.Sanitizer, logger)
	validator := schema.NewValidator(docs, cfg.Migration.SchemaSampleSize)
	throttles := throttle.NewRegistry(logger)
	topo := topology.NewHelper(manager, logger)

	resume := migration.NewResume(cacheClient, cfg.Migration.CheckpointTTL, cfg.Migration.PauseTTL, logger)
	exporter := migration.NewExporter(docs, cacheClient, san, signer, auditLog, recorder, cfg.Migration, localNode, logger)
	importer := migration.NewImporter(docs, cacheClient, signer, auditLog, recorder, cfg.Migration, logger)
	engine := migration.NewEngine(docs, resume, throttles, validator, san, signer, pool, auditLog, recorder, cfg.Migration, localNode, logger)

	// Instance registry needs a secret for API keys at rest
	var instances *services.InstanceService
	var resolver migration.TargetResolver
	if cfg.Security.APIKeySecret != "" {
		instances, err = services.NewInstanceService(docs, pool, cfg.Security, logger)
		if err != nil {
			logger.Fatal("Failed to initialize instance registry", "error", err)
		}
		resolver = instances
	} else {
		logger.Warn("Instance registry disabled - security.api_key_secret is not set")
	}

	transfers := migration.NewTransferService(engine, resume, docs, resolver, topo, cfg.Migration, logger)

	// Log authentication status
	if cfg.Auth.Enabled {
		logger.Info("API key authentication enabled", "num_keys", len(cfg.Auth.APIKeys))
	} else {
		logger.Warn("API key authentication DISABLED - all requests will be allowed")
	}

	h := handlers.New(handlers.Deps{
		Logger:      logger,
		LocalNode:   localNode,
		Store:       docs,
		Cache:       cacheClient,
		Nodes:       nodes,
		Cluster:     manager,
		Replication: repl,
		Schema:      validator,
		Signer:      signer,
		Audit:       auditLog,
		Throttles:   throttles,
		Pool:        pool,
		Topology:    topo,
		Exporter:    exporter,
		Importer:    importer,
		Transfers:   transfers,
		Instances:   instances,
	})
	app := router.New(h, logger, *cfg, gatherer)

	// Start server in goroutine
	go func() {
		addr := cfg.ListenAddress()
		logger.Info("Server listening", "address", addr)
		if err := app.Listen(addr); err != nil {
			logger.Fatal("Failed to start server", "error", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown with 10 second timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	// Stop accepting work, then leave the cluster
	transfers.Stop()
	repl.Stop()
	agent.Stop(shutdownCtx)
	manager.Stop()

	logger.Info("Server exited")
}
