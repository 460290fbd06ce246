package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PayFox/app/controllers"
	"github.com/ManuelReschke/PayFox/internal/pkg/middleware"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies carries the controllers and auth collaborators the routes need.
// A nil Limiter storage keeps limiter counters in memory.
type Dependencies struct {
	Webhooks   *controllers.WebhookController
	Checkout   *controllers.CheckoutController
	Status     *controllers.StatusController
	Admin      *controllers.AdminBillingController
	AdminQueue *controllers.AdminQueueController

	Tenants        middleware.TenantResolver
	AdminTokenHash string
	Limiter        fiber.Storage
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	// Webhooks and ops endpoints first. They carry no tenant API key and
	// must stay reachable when the public API is throttled.
	setup(app, NewHttpRouter(deps), NewApiRouter(deps), NewAdminRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
