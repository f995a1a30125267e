package routes

import (
	"context"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/weblite/weblite/internal/dispatcher"
)

// Inspector 是诊断接口依赖的分发器能力。
type Inspector interface {
	Snapshot(ctx context.Context) (dispatcher.Snapshot, error)
	SetOffline(offline bool)
	Offline() bool
}

// RegisterDiagnosticRoutes 暴露 /-/cache 与 /-/offline，供运维查看缓存与切换离线模式。
func RegisterDiagnosticRoutes(app *fiber.App, inspector Inspector) {
	if app == nil || inspector == nil {
		return
	}

	app.Get("/-/cache", func(c fiber.Ctx) error {
		ctx := c.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		snap, err := inspector.Snapshot(ctx)
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error":  "dispatcher_unavailable",
				"detail": err.Error(),
			})
		}
		return c.JSON(snap)
	})

	app.Get("/-/offline", func(c fiber.Ctx) error {
		return c.JSON(offlinePayload{Offline: inspector.Offline()})
	})

	app.Put("/-/offline", func(c fiber.Ctx) error {
		var payload offlinePayload
		if err := c.Bind().JSON(&payload); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
		}
		inspector.SetOffline(payload.Offline)
		return c.JSON(offlinePayload{Offline: inspector.Offline()})
	})
}

// RegisterMetricsRoute 通过 adaptor 挂载 promhttp，暴露 /-/metrics。
func RegisterMetricsRoute(app *fiber.App, gatherer prometheus.Gatherer) {
	if app == nil || gatherer == nil {
		return
	}
	app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

type offlinePayload struct {
	Offline bool `json:"offline"`
}
