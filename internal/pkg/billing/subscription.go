package billing

import (
	"context"
	"errors"
	"time"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/PayFox/internal/pkg/metrics"
	"github.com/gofiber/fiber/v2/log"
)

// ApplySubscriptionPayment routes a canonical payment for a plan checkout
// to the matching subscription transition.
func (s *Service) ApplySubscriptionPayment(ctx context.Context, payment *CanonicalPayment, ref SubscriptionReference, actor Actor) (string, error) {
	if _, err := s.repo.GetTenant(ctx, ref.TenantID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", validationf("subscription payment %s names unknown tenant %d", payment.ID, ref.TenantID)
		}
		return "", err
	}

	var action string
	var err error
	switch payment.Status {
	case PaymentStatusApproved:
		action, err = s.activateSubscription(ctx, payment, ref, actor)
	case PaymentStatusRejected, PaymentStatusCancelled:
		action, err = s.failSubscription(ctx, payment, ref, actor)
	case PaymentStatusRefunded:
		action, err = s.refundSubscription(ctx, payment, ref, actor)
	case PaymentStatusChargedBack:
		action, err = s.suspendForChargeback(ctx, payment, ref, actor)
	case PaymentStatusPending, PaymentStatusInProcess, PaymentStatusAuthorized:
		action = ActionAwaitingPayment
	default:
		log.Warnf("[Billing] payment %s has unmapped status %q, treating as pending", payment.ID, payment.Status)
		action = ActionAwaitingPayment
	}

	if errors.Is(err, ErrCrossTenant) {
		metrics.SecurityEvents.WithLabelValues("cross_tenant").Inc()
		s.securityAudit(ctx, &models.AuditLog{
			TenantID:  uintPtr(ref.TenantID),
			Action:    models.AuditCrossTenantPayment,
			ActorType: actor.Type,
			ActorID:   actor.ID,
			PaymentID: payment.ID,
			Reason:    "subscription record belongs to another tenant",
		}, map[string]interface{}{"subscription_id": ref.SubscriptionID, "provider_status": payment.Status})
	}
	return action, err
}

// resolveRecord finds the subscription record a payment belongs to. Order
// of precedence: the record already linked to the payment, the record
// named by the reference, and only for references without a record id the
// newest pending record of the tenant. With create set, a record keyed by
// the payment id is synthesized last. A settled record named by a second
// payment serves as the template for that synthesized record.
func (s *Service) resolveRecord(ctx context.Context, payment *CanonicalPayment, ref SubscriptionReference, create bool) (*models.SubscriptionRecord, error) {
	rec, err := s.repo.GetSubscriptionRecordByPaymentID(ctx, payment.ID)
	if err == nil {
		if rec.TenantID != ref.TenantID {
			return nil, ErrCrossTenant
		}
		return rec, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	template := &models.SubscriptionRecord{
		PlanTier:      string(ref.PlanTier),
		BillingPeriod: ref.BillingPeriod,
		Amount:        payment.Amount,
		Currency:      payment.Currency,
	}

	if ref.SubscriptionID != 0 {
		named, err := s.repo.GetSubscriptionRecord(ctx, ref.SubscriptionID)
		switch {
		case err == nil && named.TenantID != ref.TenantID:
			return nil, ErrCrossTenant
		case err == nil && (named.Status == models.SubscriptionRecordPending || named.Status == models.SubscriptionRecordFailed):
			return named, nil
		case err == nil:
			template = named
		case !errors.Is(err, ErrNotFound):
			return nil, err
		}
	} else {
		rec, err = s.repo.LatestPendingSubscriptionRecord(ctx, ref.TenantID, string(ref.PlanTier))
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if !create {
		return nil, ErrNotFound
	}

	_, rec, err = s.repo.CreateSubscriptionRecordIfNotExists(ctx, &models.SubscriptionRecord{
		TenantID:       ref.TenantID,
		PlanTier:       template.PlanTier,
		BillingPeriod:  template.BillingPeriod,
		Amount:         template.Amount,
		Currency:       template.Currency,
		IdempotencyKey: "payment:" + payment.ID,
		Status:         models.SubscriptionRecordPending,
	})
	if err != nil {
		return nil, err
	}
	if rec.TenantID != ref.TenantID {
		return nil, ErrCrossTenant
	}
	return rec, nil
}

func (s *Service) activateSubscription(ctx context.Context, payment *CanonicalPayment, ref SubscriptionReference, actor Actor) (string, error) {
	rec, err := s.resolveRecord(ctx, payment, ref, true)
	if err != nil {
		return "", err
	}
	if rec.Status == models.SubscriptionRecordApproved || rec.Status == models.SubscriptionRecordRefunded {
		s.convertReferralBestEffort(ctx, rec.TenantID, payment, actor)
		return ActionAlreadyApplied, nil
	}
	if err := s.checkAmount("subscription", rec.ID, rec.Amount, rec.Currency, payment); err != nil {
		return "", err
	}

	plan := entitlements.Normalize(rec.PlanTier)
	if !entitlements.IsPaid(string(plan)) {
		return "", validationf("subscription record %d has unpaid plan %q", rec.ID, rec.PlanTier)
	}
	period := rec.BillingPeriod
	if entitlements.NormalizePeriod(period) == "" {
		period = ref.BillingPeriod
	}

	activated := false
	err = s.retryConflicts(ctx, func() error {
		activated = false
		return s.repo.Transaction(ctx, func(tx Repository) error {
			now := s.now()
			expires := now.Add(time.Duration(entitlements.PeriodDays(period)) * 24 * time.Hour)
			paidAt := now
			if payment.ApprovedAt != nil {
				paidAt = *payment.ApprovedAt
			}

			ok, err := tx.TransitionSubscriptionRecord(ctx, rec.ID,
				[]string{models.SubscriptionRecordPending, models.SubscriptionRecordFailed},
				models.SubscriptionRecordApproved,
				RecordTransition{ProviderPaymentID: payment.ID, PaidAt: &paidAt, StartsAt: &now, ExpiresAt: &expires},
			)
			if err != nil || !ok {
				return err
			}

			prev, next, _, err := s.updateTenant(ctx, tx, rec.TenantID, func(t *models.Tenant) (bool, error) {
				until := laterOf(t.PremiumUntil, expires)
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
				t.CurrentSubscriptionID = uintPtr(rec.ID)
				return true, nil
			})
			if err != nil {
				return err
			}

			if err := s.audit(ctx, tx, &models.AuditLog{
				TenantID:  uintPtr(rec.TenantID),
				Action:    models.AuditSubscriptionActivated,
				ActorType: actor.Type,
				ActorID:   actor.ID,
				OldValue:  prev.Tier,
				NewValue:  next.Tier,
				PaymentID: payment.ID,
			}, map[string]interface{}{
				"subscription_record_id": rec.ID,
				"billing_period":         period,
				"premium_until":          next.PremiumUntil,
				"previous_status":        prev.SubscriptionStatus,
				"amount":                 payment.Amount,
				"currency":               payment.Currency,
			}); err != nil {
				return err
			}

			if _, err := s.convertReferral(ctx, tx, next.OwnerUserID, payment.ID, payment.Amount, string(plan), actor); err != nil {
				return err
			}
			activated = true
			return nil
		})
	})
	if err != nil {
		return "", err
	}

	s.invalidate(ctx, rec.TenantID)
	if !activated {
		s.convertReferralBestEffort(ctx, rec.TenantID, payment, actor)
		return ActionAlreadyApplied, nil
	}
	metrics.Transitions.WithLabelValues("subscription", ActionSubscriptionActivated).Inc()
	log.Infof("[Billing] tenant %d activated on %s via payment %s (%s)", rec.TenantID, plan, payment.ID, actor.Type)
	return ActionSubscriptionActivated, nil
}

// convertReferralBestEffort covers reconciliation paths that find the
// activation already applied. Conversion is idempotent on its own status.
func (s *Service) convertReferralBestEffort(ctx context.Context, tenantID uint, payment *CanonicalPayment, actor Actor) {
	tenant, err := s.repo.GetTenant(ctx, tenantID)
	if err != nil {
		return
	}
	rec, err := s.repo.GetSubscriptionRecordByPaymentID(ctx, payment.ID)
	plan := ""
	if err == nil {
		plan = rec.PlanTier
	}
	if _, err := s.convertReferral(ctx, s.repo, tenant.OwnerUserID, payment.ID, payment.Amount, plan, actor); err != nil {
		log.Warnf("[Billing] referral conversion for tenant %d failed: %v", tenantID, err)
	}
}

func (s *Service) failSubscription(ctx context.Context, payment *CanonicalPayment, ref SubscriptionReference, actor Actor) (string, error) {
	rec, err := s.resolveRecord(ctx, payment, ref, false)
	if errors.Is(err, ErrNotFound) {
		return ActionSubscriptionFailed, nil
	}
	if err != nil {
		return "", err
	}

	failed := false
	err = s.repo.Transaction(ctx, func(tx Repository) error {
		ok, err := tx.TransitionSubscriptionRecord(ctx, rec.ID,
			[]string{models.SubscriptionRecordPending},
			models.SubscriptionRecordFailed,
			RecordTransition{ProviderPaymentID: payment.ID},
		)
		if err != nil || !ok {
			return err
		}
		failed = true
		return s.audit(ctx, tx, &models.AuditLog{
			TenantID:  uintPtr(rec.TenantID),
			Action:    models.AuditSubscriptionFailed,
			ActorType: actor.Type,
			ActorID:   actor.ID,
			OldValue:  models.SubscriptionRecordPending,
			NewValue:  models.SubscriptionRecordFailed,
			PaymentID: payment.ID,
			Reason:    payment.StatusDetail,
		}, map[string]interface{}{"subscription_record_id": rec.ID, "provider_status": payment.Status})
	})
	if err != nil {
		return "", err
	}
	if !failed {
		// Approved or refunded records never move back to failed.
		if rec.Status != models.SubscriptionRecordPending && rec.Status != models.SubscriptionRecordFailed {
			return ActionAlreadyApplied, nil
		}
		return ActionSubscriptionFailed, nil
	}
	metrics.Transitions.WithLabelValues("subscription", ActionSubscriptionFailed).Inc()
	return ActionSubscriptionFailed, nil
}

func (s *Service) refundSubscription(ctx context.Context, payment *CanonicalPayment, ref SubscriptionReference, actor Actor) (string, error) {
	rec, err := s.repo.GetSubscriptionRecordByPaymentID(ctx, payment.ID)
	if errors.Is(err, ErrNotFound) {
		return ActionSubscriptionRefunded, nil
	}
	if err != nil {
		return "", err
	}
	if rec.TenantID != ref.TenantID {
		return "", ErrCrossTenant
	}

	err = s.retryConflicts(ctx, func() error {
		return s.repo.Transaction(ctx, func(tx Repository) error {
			ok, err := tx.TransitionSubscriptionRecord(ctx, rec.ID,
				[]string{models.SubscriptionRecordApproved},
				models.SubscriptionRecordRefunded,
				RecordTransition{},
			)
			if err != nil || !ok {
				return err
			}
			now := s.now()
			prev, next, _, err := s.updateTenant(ctx, tx, rec.TenantID, func(t *models.Tenant) (bool, error) {
				if t.CurrentSubscriptionID == nil || *t.CurrentSubscriptionID != rec.ID {
					return false, nil
				}
				demoteToFree(t, now)
				t.SubscriptionStatus = models.SubscriptionStatusCancelled
				return true, nil
			})
			if err != nil {
				return err
			}
			return s.audit(ctx, tx, &models.AuditLog{
				TenantID:  uintPtr(rec.TenantID),
				Action:    models.AuditSubscriptionRefunded,
				ActorType: actor.Type,
				ActorID:   actor.ID,
				OldValue:  prev.Tier,
				NewValue:  next.Tier,
				PaymentID: payment.ID,
			}, map[string]interface{}{"subscription_record_id": rec.ID, "entitlement_revoked": prev.Tier != next.Tier})
		})
	})
	if err != nil {
		return "", err
	}
	s.invalidate(ctx, rec.TenantID)
	metrics.Transitions.WithLabelValues("subscription", ActionSubscriptionRefunded).Inc()
	return ActionSubscriptionRefunded, nil
}

func (s *Service) suspendForChargeback(ctx context.Context, payment *CanonicalPayment, ref SubscriptionReference, actor Actor) (string, error) {
	err := s.retryConflicts(ctx, func() error {
		return s.repo.Transaction(ctx, func(tx Repository) error {
			if rec, err := tx.GetSubscriptionRecordByPaymentID(ctx, payment.ID); err == nil && rec.TenantID == ref.TenantID {
				if _, err := tx.TransitionSubscriptionRecord(ctx, rec.ID,
					[]string{models.SubscriptionRecordApproved},
					models.SubscriptionRecordRefunded,
					RecordTransition{},
				); err != nil {
					return err
				}
			}
			prev, next, changed, err := s.updateTenant(ctx, tx, ref.TenantID, func(t *models.Tenant) (bool, error) {
				if t.SubscriptionStatus == models.SubscriptionStatusSuspended {
					return false, nil
				}
				t.SubscriptionStatus = models.SubscriptionStatusSuspended
				t.GraceUntil = nil
				return true, nil
			})
			if err != nil || !changed {
				return err
			}
			return s.audit(ctx, tx, &models.AuditLog{
				TenantID:  uintPtr(ref.TenantID),
				Action:    models.AuditSubscriptionSuspended,
				ActorType: actor.Type,
				ActorID:   actor.ID,
				OldValue:  prev.SubscriptionStatus,
				NewValue:  next.SubscriptionStatus,
				PaymentID: payment.ID,
				Reason:    "chargeback",
			}, nil)
		})
	})
	if err != nil {
		return "", err
	}
	s.invalidate(ctx, ref.TenantID)
	metrics.Transitions.WithLabelValues("subscription", ActionSubscriptionSuspended).Inc()
	return ActionSubscriptionSuspended, nil
}

// demoteToFree drops a tenant to the free tier and resets its
// customization to the free defaults.
func demoteToFree(t *models.Tenant, now time.Time) {
	t.Tier = string(entitlements.PlanFree)
	if t.PremiumUntil != nil && t.PremiumUntil.After(now) {
		t.PremiumUntil = timePtr(now)
	}
	t.GraceUntil = nil
	t.ScheduledTier = ""
	t.ScheduledEffectiveAt = nil
	t.CurrentSubscriptionID = nil
	t.OrdersLimit = entitlements.OrdersLimit(entitlements.PlanFree)
	t.OrdersRemaining = entitlements.OrdersLimit(entitlements.PlanFree)
	entitlements.ApplyDefaults(t, entitlements.PlanFree)
}

// checkAmount compares a canonical payment with the expected charge.
// Mismatches only warn unless the matching strict flag is set.
func (s *Service) checkAmount(kind string, id uint, expected int64, currency string, payment *CanonicalPayment) error {
	if currency != "" && payment.Currency != "" && currency != payment.Currency {
		if s.cfg.StrictCurrency {
			return validationf("%s %d currency mismatch: expected %s, got %s", kind, id, currency, payment.Currency)
		}
		log.Warnf("[Billing] %s %d currency mismatch: expected=%s got=%s payment=%s", kind, id, currency, payment.Currency, payment.ID)
	}
	if !withinTolerance(expected, payment.Amount, s.cfg.AmountTolerance) {
		if s.cfg.StrictAmount {
			return validationf("%s %d amount mismatch: expected %d, got %d", kind, id, expected, payment.Amount)
		}
		log.Warnf("[Billing] %s %d amount mismatch: expected=%d got=%d payment=%s", kind, id, expected, payment.Amount, payment.ID)
	}
	return nil
}

func withinTolerance(expected, got int64, tolerance float64) bool {
	diff := expected - got
	if diff < 0 {
		diff = -diff
	}
	return float64(diff) <= float64(expected)*tolerance
}
