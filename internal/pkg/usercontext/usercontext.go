package usercontext

import "github.com/gofiber/fiber/v2"

// UserContext describes the authenticated caller of an API request: a store
// owner acting through the tenant API key, or an operator holding the admin
// token.
type UserContext struct {
	TenantID    uint   `json:"tenant_id"`
	TenantSlug  string `json:"tenant_slug"`
	OwnerUserID uint   `json:"owner_user_id"`
	IsAdmin     bool   `json:"is_admin"`
	// AdminID is the operator name sent in X-Admin-Actor, recorded in audits.
	AdminID string `json:"admin_id,omitempty"`
}

// GetUserContext retrieves the user context from fiber context
// Returns an anonymous context if none is set
func GetUserContext(c *fiber.Ctx) UserContext {
	if ctx, ok := c.Locals(KeyUserContext).(UserContext); ok {
		return ctx
	}
	return UserContext{}
}

func SetUserContext(c *fiber.Ctx, uc UserContext) {
	c.Locals(KeyUserContext, uc)
	c.Locals(KeyTenantID, uc.TenantID)
	c.Locals(KeyIsAdmin, uc.IsAdmin)
}

// IsAdmin checks if the caller presented a valid admin token
func IsAdmin(c *fiber.Ctx) bool {
	return GetUserContext(c).IsAdmin
}

// GetTenantID returns the authenticated tenant, or 0 for admin/anonymous calls
func GetTenantID(c *fiber.Ctx) uint {
	return GetUserContext(c).TenantID
}
