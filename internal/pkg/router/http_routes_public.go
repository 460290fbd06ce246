package router

import (
	"github.com/gofiber/fiber/v2"
)

func (h HttpRouter) registerPublicRoutes(app *fiber.App) {
	// Provider notifications. Authenticated by signature inside the
	// pipeline, never by API key.
	app.Post("/webhooks/payments", h.deps.Webhooks.HandlePlatformWebhook)
	app.Post("/webhooks/payments/:tenant", h.deps.Webhooks.HandleTenantWebhook)
}
