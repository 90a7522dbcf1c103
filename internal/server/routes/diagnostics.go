package routes

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/registration"
	"github.com/any-hub/offline-hub/internal/worker"
)

// RegisterDiagnosticsRoutes 暴露 /-/ 诊断与运维接口：状态查询、消息投递、
// 版本发布与 Prometheus 指标。gatherer 为空时不注册 /-/metrics。
func RegisterDiagnosticsRoutes(app *fiber.App, reg *registration.Registration, gatherer prometheus.Gatherer) {
	if app == nil || reg == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		status, err := reg.Status(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "status_unavailable"})
		}
		return c.JSON(status)
	})

	app.Post("/-/message", func(c fiber.Ctx) error {
		body := c.Body()
		if !json.Valid(body) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
		}
		accepted, err := reg.PostMessage(c.Context(), body)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "activate_failed"})
		}
		return c.JSON(fiber.Map{"accepted": accepted})
	})

	app.Post("/-/update", func(c fiber.Ctx) error {
		var payload updatePayload
		if err := json.Unmarshal(c.Body(), &payload); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
		}
		version := strings.TrimSpace(payload.Version)
		if err := config.ValidateCacheVersion(version); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_version"})
		}

		m, err := reg.Update(c.Context(), version)
		switch {
		case err == nil:
		case errors.Is(err, worker.ErrInstallFailed):
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "install_failed"})
		default:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "update_failed"})
		}

		status, err := m.Status(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "status_unavailable"})
		}
		return c.JSON(status)
	})

	if gatherer != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}

type updatePayload struct {
	Version string `json:"version"`
}
