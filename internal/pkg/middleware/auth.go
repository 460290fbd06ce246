package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/ManuelReschke/PayFox/internal/pkg/usercontext"
)

const defaultAdminActor = "admin"

// AdminTokenMiddleware admits requests whose X-Admin-Token matches the
// bcrypt hash. An empty hash disables the admin API. The operator name in
// X-Admin-Actor ends up in the audit trail.
func AdminTokenMiddleware(tokenHash string) fiber.Handler {
	hash := []byte(strings.TrimSpace(tokenHash))
	if len(hash) == 0 {
		log.Warn("[Auth] ADMIN_TOKEN_HASH is empty, admin API disabled")
	}
	return func(c *fiber.Ctx) error {
		if len(hash) == 0 {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden", "message": "admin api disabled"})
		}
		token := strings.TrimSpace(c.Get("X-Admin-Token"))
		if token == "" || bcrypt.CompareHashAndPassword(hash, []byte(token)) != nil {
			log.Warnf("[Auth] rejected admin request from %s", c.IP())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "invalid admin token"})
		}

		actor := strings.TrimSpace(c.Get("X-Admin-Actor"))
		if actor == "" {
			actor = defaultAdminActor
		}
		usercontext.SetUserContext(c, usercontext.UserContext{IsAdmin: true, AdminID: actor})
		return c.Next()
	}
}

// RequireTenant ensures an API key was verified for this request.
func RequireTenant(c *fiber.Ctx) error {
	if usercontext.GetTenantID(c) == 0 {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   "unauthorized",
			"message": "tenant api key required",
		})
	}
	return c.Next()
}

// RequireAdmin ensures the admin token was verified; JSON 403 otherwise.
func RequireAdmin(c *fiber.Ctx) error {
	if !usercontext.IsAdmin(c) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error":   "forbidden",
			"message": "admin only",
		})
	}
	return c.Next()
}
