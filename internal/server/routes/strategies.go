package routes

import (
	"sort"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/furnace-control/offline-hub/internal/config"
	"github.com/furnace-control/offline-hub/internal/strategy"
)

type strategyPayload struct {
	Key         strategy.Kind     `json:"key"`
	Description string            `json:"description"`
	Role        strategy.Role     `json:"partition_role"`
	Partition   string            `json:"partition,omitempty"`
	Fallback    strategy.Fallback `json:"fallback"`
}

// RegisterDiagnosticsRoutes 暴露 /-/strategies 与 /-/metrics。gatherer 为空时不注册 metrics。
func RegisterDiagnosticsRoutes(app *fiber.App, cfg config.WorkerConfig, gatherer prometheus.Gatherer) {
	if app == nil {
		return
	}

	app.Get("/-/strategies", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"generation": cfg.Generation,
			"strategies": encodeStrategies(strategy.List(), cfg),
		})
	})

	app.Get("/-/strategies/:key", func(c fiber.Ctx) error {
		meta, ok := strategy.Resolve(strategy.Kind(c.Params("key")))
		if !ok {
			return writeError(c, fiber.StatusNotFound, "strategy_not_found")
		}
		return c.JSON(encodeStrategy(meta, cfg))
	})

	if gatherer != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}

func encodeStrategies(list []strategy.Metadata, cfg config.WorkerConfig) []strategyPayload {
	if len(list) == 0 {
		return nil
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Key < list[j].Key
	})
	result := make([]strategyPayload, 0, len(list))
	for _, meta := range list {
		result = append(result, encodeStrategy(meta, cfg))
	}
	return result
}

func encodeStrategy(meta strategy.Metadata, cfg config.WorkerConfig) strategyPayload {
	return strategyPayload{
		Key:         meta.Key,
		Description: meta.Description,
		Role:        meta.Role,
		Partition:   meta.Partition(cfg),
		Fallback:    meta.Fallback,
	}
}
