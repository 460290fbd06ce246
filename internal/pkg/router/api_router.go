package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/PayFox/internal/pkg/env"
	"github.com/ManuelReschke/PayFox/internal/pkg/middleware"
)

type ApiRouter struct {
	deps Dependencies
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        env.GetEnvInt("API_RATE_LIMIT", 120),
		Expiration: time.Minute,
		Storage:    h.deps.Limiter,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate_limited"})
		},
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1")

	// Buyers land here from the provider's checkout page without a key.
	v1.Get("/checkout/return", h.deps.Checkout.HandleCheckoutReturn)

	store := v1.Group("", middleware.APIKeyAuthMiddleware(h.deps.Tenants), middleware.RequireTenant)
	store.Post("/checkout/subscription", h.deps.Checkout.HandleCreateSubscriptionCheckout)
	store.Post("/checkout/order", h.deps.Checkout.HandleCreateOrderCheckout)
	store.Get("/orders/:id", h.deps.Checkout.HandleOrderStatus)
	store.Get("/subscription/status", h.deps.Status.HandleSubscriptionStatus)
	store.Get("/entitlements/:tier", h.deps.Status.HandleEntitlementCheck)
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{deps: deps}
}
