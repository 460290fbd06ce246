package controllers

import (
	"context"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
	"github.com/ManuelReschke/PayFox/internal/pkg/reconcile"
	"github.com/ManuelReschke/PayFox/internal/pkg/usercontext"
)

// CheckoutService opens provider checkouts and settles payer returns.
type CheckoutService interface {
	CreateSubscriptionCheckout(ctx context.Context, in billing.SubscriptionCheckoutInput) (*billing.Checkout, error)
	CreateOrderCheckout(ctx context.Context, in billing.OrderCheckoutInput) (*billing.Checkout, error)
	AwaitPayment(ctx context.Context, ret billing.CheckoutReturn, deferFn func(ctx context.Context) error) reconcile.Result
	GetOrderStatus(ctx context.Context, orderID uint) (*billing.OrderStatus, error)
}

// ReconcileDeferrer hands a payment to background reconciliation.
type ReconcileDeferrer interface {
	DeferReconcile(paymentID string, tenantID uint, source string) func(ctx context.Context) error
}

type CheckoutController struct {
	checkout CheckoutService
	deferrer ReconcileDeferrer
}

// NewCheckoutController wires the checkout API. deferrer may be nil, in
// which case an unreachable provider ends the return poll as timed out.
func NewCheckoutController(checkout CheckoutService, deferrer ReconcileDeferrer) *CheckoutController {
	return &CheckoutController{checkout: checkout, deferrer: deferrer}
}

type subscriptionCheckoutRequest struct {
	PlanTier       string `json:"plan_tier"`
	BillingPeriod  string `json:"billing_period"`
	IdempotencyKey string `json:"idempotency_key"`
}

type orderCheckoutRequest struct {
	CustomerEmail  string                   `json:"customer_email"`
	Items          []billing.OrderItemInput `json:"items"`
	IdempotencyKey string                   `json:"idempotency_key"`
}

// idempotencyKey prefers the Idempotency-Key header over the body field.
func idempotencyKey(c *fiber.Ctx, fallback string) string {
	if key := strings.TrimSpace(c.Get("Idempotency-Key")); key != "" {
		return key
	}
	return strings.TrimSpace(fallback)
}

// HandleCreateSubscriptionCheckout starts a plan purchase for the
// authenticated store.
func (cc *CheckoutController) HandleCreateSubscriptionCheckout(c *fiber.Ctx) error {
	var req subscriptionCheckoutRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	checkout, err := cc.checkout.CreateSubscriptionCheckout(c.UserContext(), billing.SubscriptionCheckoutInput{
		TenantID:       usercontext.GetTenantID(c),
		PlanTier:       req.PlanTier,
		BillingPeriod:  req.BillingPeriod,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(checkoutStatus(checkout)).JSON(checkout)
}

// HandleCreateOrderCheckout opens a checkout for a storefront cart.
func (cc *CheckoutController) HandleCreateOrderCheckout(c *fiber.Ctx) error {
	var req orderCheckoutRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	checkout, err := cc.checkout.CreateOrderCheckout(c.UserContext(), billing.OrderCheckoutInput{
		TenantID:       usercontext.GetTenantID(c),
		CustomerEmail:  strings.TrimSpace(req.CustomerEmail),
		Items:          req.Items,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(checkoutStatus(checkout)).JSON(checkout)
}

func checkoutStatus(checkout *billing.Checkout) int {
	if checkout.Reused {
		return fiber.StatusOK
	}
	return fiber.StatusCreated
}

// HandleCheckoutReturn settles the payer's redirect back from the
// provider. The query is only a hint: the answer comes from local state or
// from the provider itself.
func (cc *CheckoutController) HandleCheckoutReturn(c *fiber.Ctx) error {
	ret, err := billing.ParseCheckoutReturn(queryValues(c))
	if err != nil {
		log.Warnf("[Checkout] unusable return query: %v", err)
		return badRequest(c, "invalid checkout return")
	}

	var deferFn func(ctx context.Context) error
	if cc.deferrer != nil && ret.PaymentID != "" {
		tenantID := uint(0)
		if _, ok := ret.ExternalReference.(billing.PurchaseReference); ok {
			tenantID = ret.ExternalReference.Tenant()
		}
		deferFn = cc.deferrer.DeferReconcile(ret.PaymentID, tenantID, "checkout_return")
	}

	res := cc.checkout.AwaitPayment(c.UserContext(), ret, deferFn)
	body := fiber.Map{
		"state":      res.State,
		"attempts":   res.Attempts,
		"optimistic": res.Optimistic,
		"reference":  ret.ExternalReference.Type(),
	}
	if res.State == reconcile.StateTimedOut || res.State == reconcile.StateDeferred {
		// Still unknown: the client may come back later.
		return c.Status(fiber.StatusAccepted).JSON(body)
	}
	return c.JSON(body)
}

// HandleOrderStatus returns one order of the authenticated store.
func (cc *CheckoutController) HandleOrderStatus(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || id == 0 {
		return badRequest(c, "invalid order id")
	}
	status, err := cc.checkout.GetOrderStatus(c.UserContext(), uint(id))
	if err != nil {
		return respondError(c, err)
	}
	if status.TenantID != usercontext.GetTenantID(c) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found"})
	}
	return c.JSON(status)
}
