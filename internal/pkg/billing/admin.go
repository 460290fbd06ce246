package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/PayFox/internal/pkg/metrics"
	"github.com/gofiber/fiber/v2/log"
)

type GrantInput struct {
	TenantID uint   `json:"tenant_id" validate:"required"`
	Tier     string `json:"tier" validate:"required,oneof=premium premium_pro"`
	Days     int    `json:"days" validate:"required,min=1,max=3650"`
	Gift     bool   `json:"gift"`
	Reason   string `json:"reason" validate:"required,min=3,max=500"`
}

type ExtendInput struct {
	TenantID uint   `json:"tenant_id" validate:"required"`
	Days     int    `json:"days" validate:"required,min=1,max=3650"`
	Reason   string `json:"reason" validate:"required,min=3,max=500"`
}

type RevokeInput struct {
	TenantID uint   `json:"tenant_id" validate:"required"`
	Reason   string `json:"reason" validate:"required,min=3,max=500"`
}

type ScheduleDowngradeInput struct {
	TenantID uint   `json:"tenant_id" validate:"required"`
	Tier     string `json:"tier" validate:"required,oneof=free premium"`
	Reason   string `json:"reason" validate:"required,min=3,max=500"`
}

type CancelDowngradeInput struct {
	TenantID uint   `json:"tenant_id" validate:"required"`
	Reason   string `json:"reason" validate:"required,min=3,max=500"`
}

func (s *Service) validateInput(in interface{}) error {
	if err := s.validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// adminMutation runs one audited tenant change under compare-and-set.
func (s *Service) adminMutation(ctx context.Context, tenantID uint, actor Actor, action, reason string, mutate func(t *models.Tenant, now time.Time) (bool, error)) (*models.Tenant, error) {
	var result *models.Tenant
	err := s.retryConflicts(ctx, func() error {
		return s.repo.Transaction(ctx, func(tx Repository) error {
			now := s.now()
			prev, next, changed, err := s.updateTenant(ctx, tx, tenantID, func(t *models.Tenant) (bool, error) {
				return mutate(t, now)
			})
			if err != nil {
				return err
			}
			result = next
			if !changed {
				return nil
			}
			return s.audit(ctx, tx, &models.AuditLog{
				TenantID:  uintPtr(tenantID),
				Action:    action,
				ActorType: actor.Type,
				ActorID:   actor.ID,
				OldValue:  describeTier(prev),
				NewValue:  describeTier(next),
				Reason:    reason,
			}, map[string]interface{}{
				"premium_until_before": prev.PremiumUntil,
				"premium_until_after":  next.PremiumUntil,
				"scheduled_tier":       next.ScheduledTier,
			})
		})
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, tenantID)
	metrics.Transitions.WithLabelValues("admin", action).Inc()
	log.Infof("[Billing] %s on tenant %d by %s:%s", action, tenantID, actor.Type, actor.ID)
	return result, nil
}

func describeTier(t *models.Tenant) string {
	return t.Tier + "/" + t.SubscriptionStatus
}

// GrantTier sets a paid tier for Days from now, or from the current expiry
// when the tenant already holds that tier.
func (s *Service) GrantTier(ctx context.Context, in GrantInput, actor Actor) (*models.Tenant, error) {
	if err := s.validateInput(in); err != nil {
		return nil, err
	}
	plan := entitlements.Normalize(in.Tier)
	action := models.AuditTierGranted
	if in.Gift {
		action = models.AuditTierGifted
	}
	return s.adminMutation(ctx, in.TenantID, actor, action, in.Reason, func(t *models.Tenant, now time.Time) (bool, error) {
		base := now
		if entitlements.EffectiveTier(t, now) == plan && t.PremiumUntil != nil && t.PremiumUntil.After(now) {
			base = *t.PremiumUntil
		}
		until := base.Add(time.Duration(in.Days) * 24 * time.Hour)
		if t.Tier != string(plan) {
			entitlements.ApplyDefaults(t, plan)
		}
		t.Tier = string(plan)
		t.SubscriptionStatus = models.SubscriptionStatusActive
		t.PremiumUntil = &until
		t.GraceUntil = nil
		t.ScheduledTier = ""
		t.ScheduledEffectiveAt = nil
		t.OrdersLimit = entitlements.OrdersLimit(plan)
		t.OrdersRemaining = entitlements.OrdersLimit(plan)
		return true, nil
	})
}

// ExtendTier pushes premium_until out by Days. The tenant must currently be
// entitled to a paid tier.
func (s *Service) ExtendTier(ctx context.Context, in ExtendInput, actor Actor) (*models.Tenant, error) {
	if err := s.validateInput(in); err != nil {
		return nil, err
	}
	return s.adminMutation(ctx, in.TenantID, actor, models.AuditTierExtended, in.Reason, func(t *models.Tenant, now time.Time) (bool, error) {
		if entitlements.EffectiveTier(t, now) == entitlements.PlanFree {
			return false, validationf("tenant %d has no paid tier to extend", t.ID)
		}
		until := laterOf(t.PremiumUntil, now).Add(time.Duration(in.Days) * 24 * time.Hour)
		t.PremiumUntil = &until
		if t.SubscriptionStatus == models.SubscriptionStatusGracePeriod {
			t.SubscriptionStatus = models.SubscriptionStatusActive
			t.GraceUntil = nil
		}
		if t.ScheduledTier != "" {
			// The scheduled change follows the new expiry.
			t.ScheduledEffectiveAt = timePtr(until)
		}
		return true, nil
	})
}

// RevokeTier drops the tenant to free immediately.
func (s *Service) RevokeTier(ctx context.Context, in RevokeInput, actor Actor) (*models.Tenant, error) {
	if err := s.validateInput(in); err != nil {
		return nil, err
	}
	return s.adminMutation(ctx, in.TenantID, actor, models.AuditTierRevoked, in.Reason, func(t *models.Tenant, now time.Time) (bool, error) {
		if t.Tier == string(entitlements.PlanFree) && entitlements.EffectiveTier(t, now) == entitlements.PlanFree && t.SubscriptionStatus == models.SubscriptionStatusCancelled {
			return false, nil
		}
		demoteToFree(t, now)
		t.SubscriptionStatus = models.SubscriptionStatusCancelled
		t.AutoRenew = false
		return true, nil
	})
}

// ScheduleDowngrade records a lower tier to take over at premium_until
// without touching the current entitlement.
func (s *Service) ScheduleDowngrade(ctx context.Context, in ScheduleDowngradeInput, actor Actor) (*models.Tenant, error) {
	if err := s.validateInput(in); err != nil {
		return nil, err
	}
	target := entitlements.Normalize(in.Tier)
	return s.adminMutation(ctx, in.TenantID, actor, models.AuditDowngradeScheduled, in.Reason, func(t *models.Tenant, now time.Time) (bool, error) {
		current := entitlements.EffectiveTier(t, now)
		if entitlements.Rank(target) >= entitlements.Rank(current) {
			return false, validationf("tier %s is not below current tier %s", target, current)
		}
		if t.ScheduledTier == string(target) {
			return false, nil
		}
		t.ScheduledTier = string(target)
		t.ScheduledEffectiveAt = timePtr(laterOf(t.PremiumUntil, now))
		return true, nil
	})
}

func (s *Service) CancelScheduledDowngrade(ctx context.Context, in CancelDowngradeInput, actor Actor) (*models.Tenant, error) {
	if err := s.validateInput(in); err != nil {
		return nil, err
	}
	return s.adminMutation(ctx, in.TenantID, actor, models.AuditDowngradeCancelled, in.Reason, func(t *models.Tenant, _ time.Time) (bool, error) {
		if t.ScheduledTier == "" {
			return false, nil
		}
		t.ScheduledTier = ""
		t.ScheduledEffectiveAt = nil
		return true, nil
	})
}
