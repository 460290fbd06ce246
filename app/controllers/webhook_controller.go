package controllers

import (
	"context"
	"errors"
	"net/url"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
	"github.com/ManuelReschke/PayFox/internal/pkg/metrics"
)

// NotificationProcessor runs one provider delivery through the ledger.
type NotificationProcessor interface {
	ProcessNotification(ctx context.Context, in billing.InboundNotification) (billing.Outcome, error)
}

// WebhookController receives provider notifications. Any non-2xx answer
// makes the provider redeliver.
type WebhookController struct {
	processor NotificationProcessor
}

func NewWebhookController(processor NotificationProcessor) *WebhookController {
	return &WebhookController{processor: processor}
}

// HandlePlatformWebhook accepts notifications for platform subscriptions.
func (wc *WebhookController) HandlePlatformWebhook(c *fiber.Ctx) error {
	return wc.handle(c, "")
}

// HandleTenantWebhook accepts notifications for one store's customer
// purchases, verified with that store's secret.
func (wc *WebhookController) HandleTenantWebhook(c *fiber.Ctx) error {
	slug := c.Params("tenant")
	if slug == "" {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown_tenant"})
	}
	return wc.handle(c, slug)
}

func (wc *WebhookController) handle(c *fiber.Ctx, tenantSlug string) error {
	in := billing.InboundNotification{
		Body:            append([]byte(nil), c.Body()...),
		Query:           queryValues(c),
		SignatureHeader: c.Get("x-signature"),
		RequestID:       c.Get("x-request-id"),
		TenantSlug:      tenantSlug,
	}
	out, err := wc.processor.ProcessNotification(c.UserContext(), in)
	resource := billing.ParseNotification(in.Body, in.Query).ResourceType
	if resource == "" {
		resource = "unknown"
	}

	status := fiber.StatusOK
	var body fiber.Map
	switch {
	case err == nil:
		body = fiber.Map{"status": out.Status, "action": out.Action}
	case errors.Is(err, billing.ErrInvalidSignature):
		status, body = fiber.StatusUnauthorized, fiber.Map{"error": "invalid_signature"}
	case errors.Is(err, billing.ErrSecurity):
		status, body = fiber.StatusForbidden, fiber.Map{"error": "cross_tenant"}
	case errors.Is(err, billing.ErrEventInProgress):
		status, body = fiber.StatusConflict, fiber.Map{"error": "event_in_progress"}
	case errors.Is(err, billing.ErrNotFound) && tenantSlug != "":
		status, body = fiber.StatusNotFound, fiber.Map{"error": "unknown_tenant"}
	default:
		log.Errorf("[Webhook] delivery failed (tenant=%q): %v", tenantSlug, err)
		status, body = fiber.StatusInternalServerError, fiber.Map{"error": "internal_error"}
	}
	metrics.WebhookRequestsTotal.WithLabelValues(resource, strconv.Itoa(status)).Inc()
	return c.Status(status).JSON(body)
}

func queryValues(c *fiber.Ctx) url.Values {
	values := url.Values{}
	c.Context().QueryArgs().VisitAll(func(k, v []byte) {
		values.Add(string(k), string(v))
	})
	return values
}
