package router

import (
	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ferrydb/ferry/internal/config"
	"github.com/ferrydb/ferry/internal/handlers"
	"github.com/ferrydb/ferry/internal/logging"
	"github.com/ferrydb/ferry/internal/middleware"
)

// Setup configures all routes and middlewares
func Setup(app *fiber.App, h *handlers.Handler, logger *logging.Logger, cfg config.Config, gatherer prometheus.Gatherer) {
	// Global middlewares
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,PATCH,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-API-Key,X-Request-ID",
	}))
	app.Use(logging.FiberMiddleware(logger))

	// Health probes and metrics (no auth required)
	app.Get("/health", h.Health)
	app.Get("/health/live", h.HealthLive)
	app.Get("/health/ready", h.HealthReady)
	app.Get("/health/startup", h.HealthStartup)
	if gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	// API key authentication middleware
	authMiddleware := middleware.APIKeyAuth(logger, cfg.Auth.APIKeys, cfg.Auth.Enabled)

	// API v1 routes (protected by API key)
	v1 := app.Group("/v1", authMiddleware)

	// Cluster Membership Routes
	v1.Post("/cluster/nodes", h.RegisterNode)
	v1.Post("/cluster/nodes/:node_id/heartbeat", h.Heartbeat)
	v1.Get("/cluster/nodes", h.ListNodes)
	v1.Get("/cluster/nodes/:node_id", h.GetNode)
	v1.Delete("/cluster/nodes/:node_id", h.DeregisterNode)
	v1.Get("/cluster/health", h.ClusterHealth)

	// Leadership Routes
	v1.Get("/cluster/leader", h.GetLeader)
	v1.Post("/cluster/leader/elect", h.ElectLeader)
	v1.Post("/cluster/nodes/:node_id/promote", h.PromoteNode)
	v1.Post("/cluster/nodes/:node_id/demote", h.DemoteNode)

	// Replication Routes
	v1.Post("/replication/events", h.ReceiveEvent)
	v1.Get("/replication/status", h.ReplicationStatus)

	// One-Shot Migration Routes
	v1.Post("/migration/export", h.Export)
	v1.Post("/migration/import", h.Import)
	v1.Post("/migration/validate", h.ValidateSchema)
	v1.Get("/migration/schema/:collection", h.GetSchema)
	v1.Get("/migration/key", h.GetPublicKey)

	// Streaming Transfer Routes
	v1.Post("/migration/transfers", h.StartTransfer)
	v1.Get("/migration/transfers", h.ListTransfers)
	v1.Get("/migration/transfers/:transfer_id", h.GetTransfer)
	v1.Post("/migration/transfers/:transfer_id/pause", h.PauseTransfer)
	v1.Post("/migration/transfers/:transfer_id/resume", h.ResumeTransfer)
	v1.Delete("/migration/transfers/:transfer_id", h.CancelTransfer)
	v1.Get("/migration/transfers/:transfer_id/checkpoint", h.GetTransferCheckpoint)
	v1.Get("/migration/transfers/:transfer_id/progress", h.TransferProgress)

	// Instance Registry Routes
	v1.Post("/instances", h.RegisterInstance)
	v1.Get("/instances", h.ListInstances)
	v1.Get("/instances/:instance_id", h.GetInstance)
	v1.Delete("/instances/:instance_id", h.DeleteInstance)
	v1.Post("/instances/:instance_id/test", h.TestInstance)

	// Audit Routes
	v1.Get("/audit/events", h.ListAuditEvents)

	// Admin Routes (protected by API key)
	admin := app.Group("/admin", authMiddleware)
	admin.Get("/pool/stats", h.PoolStats)
	admin.Get("/throttle/:transfer_id", h.ThrottleSpeed)
	admin.Get("/cache/stats", h.CacheStats)
	admin.Get("/topology/strategy", h.TopologyStrategy)

	// 404 handler
	app.Use(h.NotFound)
}

// New creates a new Fiber app with configuration
func New(h *handlers.Handler, logger *logging.Logger, cfg config.Config, gatherer prometheus.Gatherer) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "Ferry Cluster",
		DisableStartupMessage: true,
		ErrorHandler:          middleware.ErrorHandler(logger),
	})

	Setup(app, h, logger, cfg, gatherer)

	return app
}
