package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ferrydb/ferry/internal/cache"
	"github.com/ferrydb/ferry/internal/services"
)

// PoolStats reports the state of the shared outbound HTTP client pool.
func (h *Handler) PoolStats(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"active_endpoints":        h.pool.Count(),
		"last_used":               h.pool.LastUsed(),
		"request_timeout_seconds": h.pool.RequestTimeout().Seconds(),
		"secure":                  h.pool.Secure(),
	})
}

// ThrottleSpeed reports the measured send rate of one active transfer.
func (h *Handler) ThrottleSpeed(c *fiber.Ctx) error {
	transferID := c.Params("transfer_id")
	speeds := h.throttles.Speeds()
	mbps, ok := speeds[transferID]
	if !ok {
		return services.NewServiceError(services.CodeNotFound, "no active throttle for transfer "+transferID)
	}
	return c.JSON(fiber.Map{
		"transfer_id": transferID,
		"mbps":        mbps,
	})
}

// CacheStats reports cache backend statistics when the backend exposes
// them.
func (h *Handler) CacheStats(c *fiber.Ctx) error {
	provider, ok := h.cache.(cache.StatsProvider)
	if !ok {
		return fiber.NewError(fiber.StatusNotImplemented, "cache backend does not expose stats")
	}
	return c.JSON(provider.Stats())
}

// TopologyStrategy answers which transfer mechanism a from/to instance
// pair would get, for operators planning a migration.
func (h *Handler) TopologyStrategy(c *fiber.Ctx) error {
	if h.topo == nil {
		return fiber.NewError(fiber.StatusNotImplemented, "topology helper not configured")
	}

	from := c.Query("from")
	to := c.Query("to")
	if from == "" || to == "" {
		return services.NewServiceError(services.CodeInvalidRequest, "query parameters 'from' and 'to' are required")
	}

	ctx := c.Context()
	resp := fiber.Map{
		"from":           from,
		"to":             to,
		"strategy":       h.topo.OptimalStrategy(ctx, from, to),
		"same_cluster":   h.topo.SameCluster(ctx, from, to),
		"target_healthy": h.topo.ValidateClusterHealth(ctx, to),
	}
	if addrs := h.topo.ClusterAddresses(ctx, to); len(addrs) > 0 {
		resp["target_cluster_addresses"] = addrs
	}
	return c.JSON(resp)
}
