package controllers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
	"github.com/ManuelReschke/PayFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/PayFox/internal/pkg/usercontext"
)

// StatusService serves entitlement reads.
type StatusService interface {
	GetSubscriptionStatus(ctx context.Context, tenantID uint) (*entitlements.Snapshot, error)
	RequireTier(ctx context.Context, tenantID uint, required entitlements.Plan) error
}

type StatusController struct {
	status StatusService
}

func NewStatusController(status StatusService) *StatusController {
	return &StatusController{status: status}
}

// HandleSubscriptionStatus returns the authenticated store's snapshot.
func (sc *StatusController) HandleSubscriptionStatus(c *fiber.Ctx) error {
	snap, err := sc.status.GetSubscriptionStatus(c.UserContext(), usercontext.GetTenantID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(snap)
}

// HandleEntitlementCheck answers whether the store may use a tier-gated
// feature right now. It reads the authoritative row, never the cache.
func (sc *StatusController) HandleEntitlementCheck(c *fiber.Ctx) error {
	if !entitlements.IsKnown(c.Params("tier")) {
		return badRequest(c, "unknown tier")
	}
	required := entitlements.Normalize(c.Params("tier"))
	err := sc.status.RequireTier(c.UserContext(), usercontext.GetTenantID(c), required)
	switch {
	case err == nil:
		return c.JSON(fiber.Map{"allowed": true, "required_tier": required})
	case errors.Is(err, billing.ErrValidation):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"allowed": false, "required_tier": required})
	default:
		return respondError(c, err)
	}
}
