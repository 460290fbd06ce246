package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/monitor"

	"github.com/ManuelReschke/PayFox/internal/pkg/middleware"
)

type AdminRouter struct {
	deps Dependencies
}

func NewAdminRouter(deps Dependencies) *AdminRouter {
	return &AdminRouter{deps: deps}
}

func (h AdminRouter) InstallRouter(app *fiber.App) {
	adminGroup := app.Group("/admin/api", middleware.AdminTokenMiddleware(h.deps.AdminTokenHash), middleware.RequireAdmin)

	// Manual tier overrides
	adminGroup.Get("/tenants/:id/status", h.deps.Admin.HandleTenantStatus)
	adminGroup.Post("/tenants/:id/grant", h.deps.Admin.HandleGrant)
	adminGroup.Post("/tenants/:id/extend", h.deps.Admin.HandleExtend)
	adminGroup.Post("/tenants/:id/revoke", h.deps.Admin.HandleRevoke)
	adminGroup.Post("/tenants/:id/downgrade", h.deps.Admin.HandleScheduleDowngrade)
	adminGroup.Delete("/tenants/:id/downgrade", h.deps.Admin.HandleCancelDowngrade)
	adminGroup.Post("/tenants/:id/api-key", h.deps.Admin.HandleIssueAPIKey)

	// Ops triggers
	adminGroup.Post("/payments/:id/reconcile", h.deps.Admin.HandleReconcilePayment)
	adminGroup.Post("/sweep", h.deps.Admin.HandleSweep)
	adminGroup.Get("/audit", h.deps.Admin.HandleAuditLogs)

	// Queue + process monitor
	adminGroup.Get("/queues", h.deps.AdminQueue.HandleAdminQueues)
	adminGroup.Get("/monitor", monitor.New(monitor.Config{Title: "PayFox Monitor"}))
}
