package entitlements

import (
	"testing"
	"time"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func timePtr(t time.Time) *time.Time { return &t }

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want Plan
	}{
		{in: "free", want: PlanFree},
		{in: "premium", want: PlanPremium},
		{in: "PREMIUM_PRO", want: PlanPremiumPro},
		{in: " premium ", want: PlanPremium},
		{in: "gold", want: PlanFree},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), tt.in)
	}
	assert.False(t, IsPaid("free"))
	assert.False(t, IsPaid("gold"))
	assert.True(t, IsPaid("premium_pro"))
}

func TestOrdersLimit_UnlimitedIsNil(t *testing.T) {
	assert.Nil(t, OrdersLimit(PlanPremiumPro))
	require.NotNil(t, OrdersLimit(PlanPremium))
	assert.Equal(t, 500, *OrdersLimit(PlanPremium))

	// Callers may mutate the returned value without touching the catalog.
	l := OrdersLimit(PlanFree)
	*l = 0
	assert.Equal(t, 25, *OrdersLimit(PlanFree))
}

func TestPrice(t *testing.T) {
	amount, err := Price(PlanPremium, "monthly")
	require.NoError(t, err)
	assert.Equal(t, int64(999000), amount)

	amount, err = Price(PlanPremiumPro, "year")
	require.NoError(t, err)
	assert.Equal(t, int64(19990000), amount)

	_, err = Price(PlanFree, "monthly")
	assert.Error(t, err)
	_, err = Price(PlanPremium, "weekly")
	assert.Error(t, err)
}

func TestEffectiveTier(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		tenant models.Tenant
		want   Plan
		days   int
	}{
		{
			name:   "active premium",
			tenant: models.Tenant{Tier: "premium", SubscriptionStatus: models.SubscriptionStatusActive, PremiumUntil: timePtr(now.Add(36 * time.Hour))},
			want:   PlanPremium,
			days:   2,
		},
		{
			name:   "expired stored tier is free",
			tenant: models.Tenant{Tier: "premium_pro", SubscriptionStatus: models.SubscriptionStatusActive, PremiumUntil: timePtr(now.Add(-time.Minute))},
			want:   PlanFree,
		},
		{
			name:   "no expiry is free",
			tenant: models.Tenant{Tier: "premium", SubscriptionStatus: models.SubscriptionStatusActive},
			want:   PlanFree,
		},
		{
			name: "grace keeps tier",
			tenant: models.Tenant{
				Tier:               "premium",
				SubscriptionStatus: models.SubscriptionStatusGracePeriod,
				PremiumUntil:       timePtr(now.Add(-time.Hour)),
				GraceUntil:         timePtr(now.Add(47 * time.Hour)),
			},
			want: PlanPremium,
			days: 2,
		},
		{
			name: "grace over",
			tenant: models.Tenant{
				Tier:               "premium",
				SubscriptionStatus: models.SubscriptionStatusGracePeriod,
				PremiumUntil:       timePtr(now.Add(-72 * time.Hour)),
				GraceUntil:         timePtr(now.Add(-time.Second)),
			},
			want: PlanFree,
		},
		{
			name:   "suspended ignores premium_until",
			tenant: models.Tenant{Tier: "premium", SubscriptionStatus: models.SubscriptionStatusSuspended, PremiumUntil: timePtr(now.Add(240 * time.Hour))},
			want:   PlanFree,
		},
		{
			name: "scheduled change not yet due",
			tenant: models.Tenant{
				Tier:                 "premium_pro",
				SubscriptionStatus:   models.SubscriptionStatusActive,
				PremiumUntil:         timePtr(now.Add(24 * time.Hour)),
				ScheduledTier:        "premium",
				ScheduledEffectiveAt: timePtr(now.Add(24 * time.Hour)),
			},
			want: PlanPremiumPro,
			days: 1,
		},
		{
			name: "scheduled change due applies lazily",
			tenant: models.Tenant{
				Tier:                 "premium_pro",
				SubscriptionStatus:   models.SubscriptionStatusActive,
				PremiumUntil:         timePtr(now.Add(24 * time.Hour)),
				ScheduledTier:        "premium",
				ScheduledEffectiveAt: timePtr(now.Add(-time.Hour)),
			},
			want: PlanPremium,
			days: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EffectiveTier(&tt.tenant, now))
			assert.Equal(t, tt.days, DaysRemaining(&tt.tenant, now))
		})
	}
}

func TestAllows(t *testing.T) {
	now := time.Now()
	tenant := &models.Tenant{Tier: "premium", SubscriptionStatus: models.SubscriptionStatusActive, PremiumUntil: timePtr(now.Add(time.Hour))}

	assert.True(t, Allows(tenant, PlanFree, now))
	assert.True(t, Allows(tenant, PlanPremium, now))
	assert.False(t, Allows(tenant, PlanPremiumPro, now))
	assert.False(t, Allows(tenant, PlanPremium, now.Add(2*time.Hour)))
}

func TestApplyDefaults(t *testing.T) {
	tenant := &models.Tenant{ThemePreset: "boutique", HideBranding: true, CustomFontsEnabled: true, AnnouncementBarEnabled: true}
	ApplyDefaults(tenant, PlanPremium)

	assert.Equal(t, "modern", tenant.ThemePreset)
	assert.True(t, tenant.HideBranding)
	assert.False(t, tenant.CustomFontsEnabled)
	assert.True(t, tenant.AnnouncementBarEnabled)
}

func TestNewSnapshot_DoesNotAliasTenant(t *testing.T) {
	now := time.Now()
	until := now.Add(48 * time.Hour)
	tenant := &models.Tenant{ID: 9, Tier: "premium", SubscriptionStatus: models.SubscriptionStatusActive, PremiumUntil: &until}

	snap := NewSnapshot(tenant, now)
	require.NotNil(t, snap.PremiumUntil)
	assert.Equal(t, "premium", snap.EffectiveTier)
	assert.Equal(t, 2, snap.DaysRemaining)

	*tenant.PremiumUntil = now.Add(-time.Hour)
	assert.True(t, snap.PremiumUntil.After(now))
}
