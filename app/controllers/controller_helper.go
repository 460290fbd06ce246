package controllers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
)

// errorStatus maps the billing error taxonomy to an HTTP status.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, billing.ErrInvalidSignature):
		return fiber.StatusUnauthorized
	case errors.Is(err, billing.ErrSecurity):
		return fiber.StatusForbidden
	case errors.Is(err, billing.ErrEventInProgress):
		return fiber.StatusConflict
	case errors.Is(err, billing.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, billing.ErrOrdersLimit):
		return fiber.StatusPaymentRequired
	case errors.Is(err, billing.ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, billing.ErrTransient):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// errorCode is the stable machine-readable error name for API clients.
func errorCode(status int) string {
	switch status {
	case fiber.StatusUnauthorized:
		return "unauthorized"
	case fiber.StatusForbidden:
		return "forbidden"
	case fiber.StatusConflict:
		return "conflict"
	case fiber.StatusNotFound:
		return "not_found"
	case fiber.StatusPaymentRequired:
		return "orders_limit_reached"
	case fiber.StatusBadRequest:
		return "validation_failed"
	case fiber.StatusServiceUnavailable:
		return "temporarily_unavailable"
	default:
		return "internal_server_error"
	}
}

// respondError writes a JSON error. Validation messages reach the client;
// anything else is logged and answered generically.
func respondError(c *fiber.Ctx, err error) error {
	status := errorStatus(err)
	body := fiber.Map{"error": errorCode(status)}
	if status == fiber.StatusBadRequest {
		body["message"] = err.Error()
	}
	if status >= fiber.StatusInternalServerError {
		log.Errorf("[API] %s %s failed: %v", c.Method(), c.Path(), err)
	}
	return c.Status(status).JSON(body)
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": message})
}
