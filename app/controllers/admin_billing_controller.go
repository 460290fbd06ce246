package controllers

import (
	"context"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
	"github.com/ManuelReschke/PayFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/PayFox/internal/pkg/usercontext"
)

// AdminBillingService is the ops surface of the billing engine.
type AdminBillingService interface {
	GrantTier(ctx context.Context, in billing.GrantInput, actor billing.Actor) (*models.Tenant, error)
	ExtendTier(ctx context.Context, in billing.ExtendInput, actor billing.Actor) (*models.Tenant, error)
	RevokeTier(ctx context.Context, in billing.RevokeInput, actor billing.Actor) (*models.Tenant, error)
	ScheduleDowngrade(ctx context.Context, in billing.ScheduleDowngradeInput, actor billing.Actor) (*models.Tenant, error)
	CancelScheduledDowngrade(ctx context.Context, in billing.CancelDowngradeInput, actor billing.Actor) (*models.Tenant, error)
	ReconcilePayment(ctx context.Context, paymentID string, tenantID uint, actor billing.Actor) (billing.Outcome, error)
	Sweep(ctx context.Context) (billing.SweepReport, error)
	GetSubscriptionStatus(ctx context.Context, tenantID uint) (*entitlements.Snapshot, error)
	ListAuditLogs(ctx context.Context, filter billing.AuditFilter) ([]models.AuditLog, error)
	IssueAPIKey(ctx context.Context, tenantID uint, actor billing.Actor) (string, error)
}

// AdminBillingController handles manual tier overrides and ops triggers.
// Every mutation carries a reason and the operator from the admin token.
type AdminBillingController struct {
	billing AdminBillingService
}

func NewAdminBillingController(svc AdminBillingService) *AdminBillingController {
	return &AdminBillingController{billing: svc}
}

func adminActor(c *fiber.Ctx) billing.Actor {
	return billing.AdminActor(usercontext.GetUserContext(c).AdminID)
}

func tenantIDParam(c *fiber.Ctx) (uint, bool) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func queryUint(c *fiber.Ctx, key string) uint {
	if v := c.QueryInt(key, 0); v > 0 {
		return uint(v)
	}
	return 0
}

// tenantMutation decodes the body into in, fills the tenant id from the
// path and runs apply.
func tenantMutation[T any](c *fiber.Ctx, in *T, setTenant func(*T, uint), apply func(ctx context.Context, in T) (*models.Tenant, error)) error {
	id, ok := tenantIDParam(c)
	if !ok {
		return badRequest(c, "invalid tenant id")
	}
	if err := c.BodyParser(in); err != nil {
		return badRequest(c, "invalid request body")
	}
	setTenant(in, id)
	tenant, err := apply(c.UserContext(), *in)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(tenant)
}

func (ac *AdminBillingController) HandleGrant(c *fiber.Ctx) error {
	return tenantMutation(c, &billing.GrantInput{},
		func(in *billing.GrantInput, id uint) { in.TenantID = id },
		func(ctx context.Context, in billing.GrantInput) (*models.Tenant, error) {
			return ac.billing.GrantTier(ctx, in, adminActor(c))
		})
}

func (ac *AdminBillingController) HandleExtend(c *fiber.Ctx) error {
	return tenantMutation(c, &billing.ExtendInput{},
		func(in *billing.ExtendInput, id uint) { in.TenantID = id },
		func(ctx context.Context, in billing.ExtendInput) (*models.Tenant, error) {
			return ac.billing.ExtendTier(ctx, in, adminActor(c))
		})
}

func (ac *AdminBillingController) HandleRevoke(c *fiber.Ctx) error {
	return tenantMutation(c, &billing.RevokeInput{},
		func(in *billing.RevokeInput, id uint) { in.TenantID = id },
		func(ctx context.Context, in billing.RevokeInput) (*models.Tenant, error) {
			return ac.billing.RevokeTier(ctx, in, adminActor(c))
		})
}

func (ac *AdminBillingController) HandleScheduleDowngrade(c *fiber.Ctx) error {
	return tenantMutation(c, &billing.ScheduleDowngradeInput{},
		func(in *billing.ScheduleDowngradeInput, id uint) { in.TenantID = id },
		func(ctx context.Context, in billing.ScheduleDowngradeInput) (*models.Tenant, error) {
			return ac.billing.ScheduleDowngrade(ctx, in, adminActor(c))
		})
}

func (ac *AdminBillingController) HandleCancelDowngrade(c *fiber.Ctx) error {
	return tenantMutation(c, &billing.CancelDowngradeInput{},
		func(in *billing.CancelDowngradeInput, id uint) { in.TenantID = id },
		func(ctx context.Context, in billing.CancelDowngradeInput) (*models.Tenant, error) {
			return ac.billing.CancelScheduledDowngrade(ctx, in, adminActor(c))
		})
}

// HandleIssueAPIKey rotates the tenant's API key. The raw key is only ever
// returned here.
func (ac *AdminBillingController) HandleIssueAPIKey(c *fiber.Ctx) error {
	id, ok := tenantIDParam(c)
	if !ok {
		return badRequest(c, "invalid tenant id")
	}
	key, err := ac.billing.IssueAPIKey(c.UserContext(), id, adminActor(c))
	if err != nil {
		return respondError(c, err)
	}
	c.Set(fiber.HeaderCacheControl, "no-store")
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"api_key": key})
}

// HandleTenantStatus shows a tenant's entitlement snapshot.
func (ac *AdminBillingController) HandleTenantStatus(c *fiber.Ctx) error {
	id, ok := tenantIDParam(c)
	if !ok {
		return badRequest(c, "invalid tenant id")
	}
	snap, err := ac.billing.GetSubscriptionStatus(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(snap)
}

// HandleReconcilePayment re-reads one payment from the provider and
// applies it. ?tenant_id= selects the store credentials for purchases.
func (ac *AdminBillingController) HandleReconcilePayment(c *fiber.Ctx) error {
	paymentID := c.Params("id")
	if paymentID == "" {
		return badRequest(c, "missing payment id")
	}
	tenantID := queryUint(c, "tenant_id")
	out, err := ac.billing.ReconcilePayment(c.UserContext(), paymentID, tenantID, adminActor(c))
	if err != nil {
		return respondError(c, err)
	}
	log.Infof("[Admin] %s reconciled payment %s: %s/%s", adminActor(c).ID, paymentID, out.Status, out.Action)
	return c.JSON(out)
}

// HandleSweep runs one expiry sweep now.
func (ac *AdminBillingController) HandleSweep(c *fiber.Ctx) error {
	report, err := ac.billing.Sweep(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(report)
}

// HandleAuditLogs lists audit entries filtered by query parameters.
func (ac *AdminBillingController) HandleAuditLogs(c *fiber.Ctx) error {
	filter := billing.AuditFilter{
		TenantID:  queryUint(c, "tenant_id"),
		OrderID:   queryUint(c, "order_id"),
		Action:    c.Query("action"),
		PaymentID: c.Query("payment_id"),
		Limit:     c.QueryInt("limit", 100),
	}
	if raw := c.Query("security"); raw != "" {
		v := c.QueryBool("security")
		filter.Security = &v
	}
	logs, err := ac.billing.ListAuditLogs(c.UserContext(), filter)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"items": logs, "count": len(logs)})
}
