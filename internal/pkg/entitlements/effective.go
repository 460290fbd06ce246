package entitlements

import (
	"math"
	"time"

	"github.com/ManuelReschke/PayFox/app/models"
)

// BaseTier is the stored tier with any due scheduled change applied lazily.
func BaseTier(t *models.Tenant, now time.Time) Plan {
	if t == nil {
		return PlanFree
	}
	if t.ScheduledTier != "" && t.ScheduledEffectiveAt != nil && !now.Before(*t.ScheduledEffectiveAt) {
		return Normalize(t.ScheduledTier)
	}
	return Normalize(t.Tier)
}

// EffectiveTier is the tier granted at now. It is derived from stored state
// on every call and must not be persisted.
func EffectiveTier(t *models.Tenant, now time.Time) Plan {
	if t == nil || t.SubscriptionStatus == models.SubscriptionStatusSuspended {
		return PlanFree
	}
	base := BaseTier(t, now)
	if base == PlanFree {
		return PlanFree
	}
	if until := entitledUntil(t); until != nil && now.Before(*until) {
		return base
	}
	return PlanFree
}

// DaysRemaining rounds the remaining entitlement up to whole days. Free
// tenants have zero days.
func DaysRemaining(t *models.Tenant, now time.Time) int {
	if EffectiveTier(t, now) == PlanFree {
		return 0
	}
	until := entitledUntil(t)
	return int(math.Ceil(until.Sub(now).Hours() / 24))
}

// Allows reports whether the tenant's effective tier is at least required.
// Callers gating an action must pass a row read from the database, never a
// cached snapshot.
func Allows(t *models.Tenant, required Plan, now time.Time) bool {
	return Rank(EffectiveTier(t, now)) >= Rank(required)
}

func entitledUntil(t *models.Tenant) *time.Time {
	if t.SubscriptionStatus == models.SubscriptionStatusGracePeriod && t.GraceUntil != nil {
		if t.PremiumUntil == nil || t.GraceUntil.After(*t.PremiumUntil) {
			return t.GraceUntil
		}
	}
	return t.PremiumUntil
}

// ApplyDefaults resets the tenant's customization fields to plan's defaults.
func ApplyDefaults(t *models.Tenant, plan Plan) {
	d := Defaults(plan)
	t.ThemePreset = d.ThemePreset
	t.HideBranding = d.HideBranding
	t.CustomFontsEnabled = d.CustomFontsEnabled
	t.AnnouncementBarEnabled = d.AnnouncementBarEnabled
}

// Snapshot is the read model handed to UI collaborators.
type Snapshot struct {
	TenantID             uint       `json:"tenant_id"`
	StoredTier           string     `json:"stored_tier"`
	EffectiveTier        string     `json:"effective_tier"`
	SubscriptionStatus   string     `json:"subscription_status"`
	PremiumUntil         *time.Time `json:"premium_until,omitempty"`
	GraceUntil           *time.Time `json:"grace_until,omitempty"`
	DaysRemaining        int        `json:"days_remaining"`
	ScheduledTier        string     `json:"scheduled_tier,omitempty"`
	ScheduledEffectiveAt *time.Time `json:"scheduled_effective_at,omitempty"`
	AutoRenew            bool       `json:"auto_renew"`
	OrdersLimit          *int       `json:"orders_limit"`
	OrdersRemaining      *int       `json:"orders_remaining"`
	ComputedAt           time.Time  `json:"computed_at"`
}

func NewSnapshot(t *models.Tenant, now time.Time) Snapshot {
	c := t.Clone()
	return Snapshot{
		TenantID:             c.ID,
		StoredTier:           string(Normalize(c.Tier)),
		EffectiveTier:        string(EffectiveTier(c, now)),
		SubscriptionStatus:   c.SubscriptionStatus,
		PremiumUntil:         c.PremiumUntil,
		GraceUntil:           c.GraceUntil,
		DaysRemaining:        DaysRemaining(c, now),
		ScheduledTier:        c.ScheduledTier,
		ScheduledEffectiveAt: c.ScheduledEffectiveAt,
		AutoRenew:            c.AutoRenew,
		OrdersLimit:          c.OrdersLimit,
		OrdersRemaining:      c.OrdersRemaining,
		ComputedAt:           now,
	}
}
