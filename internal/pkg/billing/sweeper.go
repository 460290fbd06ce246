package billing

import (
	"context"
	"time"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/PayFox/internal/pkg/metrics"
	"github.com/gofiber/fiber/v2/log"
)

// SweepReport counts what one sweep changed.
type SweepReport struct {
	Scanned          int `json:"scanned"`
	ScheduledApplied int `json:"scheduled_applied"`
	EnteredGrace     int `json:"entered_grace"`
	Expired          int `json:"expired"`
	Failed           int `json:"failed"`
}

// sweepTransition is the change the sweep applies to one tenant.
type sweepTransition struct {
	scheduledApplied bool
	enteredGrace     bool
	expired          bool
}

func (t sweepTransition) changed() bool {
	return t.scheduledApplied || t.enteredGrace || t.expired
}

// planSweep mutates t in place. A due scheduled tier becomes the stored
// tier with its customization defaults. A lapsed active tenant with
// auto-renew enters grace; every other lapsed tenant, and any tenant whose
// grace ended, expires on its (possibly just scheduled) stored tier or free.
func planSweep(t *models.Tenant, now time.Time, grace time.Duration) sweepTransition {
	var tr sweepTransition

	if t.ScheduledTier != "" && t.ScheduledEffectiveAt != nil && !now.Before(*t.ScheduledEffectiveAt) {
		plan := entitlements.Normalize(t.ScheduledTier)
		t.Tier = string(plan)
		entitlements.ApplyDefaults(t, plan)
		t.OrdersLimit = entitlements.OrdersLimit(plan)
		t.OrdersRemaining = entitlements.OrdersLimit(plan)
		t.ScheduledTier = ""
		t.ScheduledEffectiveAt = nil
		tr.scheduledApplied = true
	}

	lapsed := t.PremiumUntil != nil && now.After(*t.PremiumUntil)
	switch t.SubscriptionStatus {
	case models.SubscriptionStatusActive:
		if !lapsed {
			return tr
		}
		if t.AutoRenew && grace > 0 {
			until := t.PremiumUntil.Add(grace)
			if now.Before(until) {
				t.SubscriptionStatus = models.SubscriptionStatusGracePeriod
				t.GraceUntil = &until
				tr.enteredGrace = true
				return tr
			}
		}
		expire(t, tr.scheduledApplied)
		tr.expired = true
	case models.SubscriptionStatusGracePeriod:
		if t.GraceUntil != nil && now.Before(*t.GraceUntil) {
			return tr
		}
		expire(t, tr.scheduledApplied)
		tr.expired = true
	}
	return tr
}

func expire(t *models.Tenant, keepScheduledTier bool) {
	t.SubscriptionStatus = models.SubscriptionStatusExpired
	t.GraceUntil = nil
	t.CurrentSubscriptionID = nil
	if keepScheduledTier {
		return
	}
	t.Tier = string(entitlements.PlanFree)
	entitlements.ApplyDefaults(t, entitlements.PlanFree)
	t.OrdersLimit = entitlements.OrdersLimit(entitlements.PlanFree)
	t.OrdersRemaining = entitlements.OrdersLimit(entitlements.PlanFree)
}

// Sweep applies due scheduled changes, grace periods and expiries in
// batches until nothing is due.
func (s *Service) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	seen := map[uint]struct{}{}

	for {
		now := s.now()
		tenants, err := s.repo.ListTenantsDueForSweep(ctx, now, s.cfg.SweepBatchSize)
		if err != nil {
			return report, err
		}
		progressed := false
		for i := range tenants {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			id := tenants[i].ID
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			progressed = true
			report.Scanned++

			tr, err := s.sweepTenant(ctx, id)
			if err != nil {
				report.Failed++
				log.Errorf("[Sweeper] tenant %d: %v", id, err)
				continue
			}
			if tr.scheduledApplied {
				report.ScheduledApplied++
			}
			if tr.enteredGrace {
				report.EnteredGrace++
			}
			if tr.expired {
				report.Expired++
			}
		}
		if !progressed || len(tenants) < s.cfg.SweepBatchSize {
			break
		}
	}

	if report.Scanned > 0 {
		log.Infof("[Sweeper] scanned=%d scheduled=%d grace=%d expired=%d failed=%d",
			report.Scanned, report.ScheduledApplied, report.EnteredGrace, report.Expired, report.Failed)
	}
	return report, nil
}

func (s *Service) sweepTenant(ctx context.Context, tenantID uint) (sweepTransition, error) {
	var tr sweepTransition
	err := s.retryConflicts(ctx, func() error {
		return s.repo.Transaction(ctx, func(tx Repository) error {
			now := s.now()
			prev, next, changed, err := s.updateTenant(ctx, tx, tenantID, func(t *models.Tenant) (bool, error) {
				tr = planSweep(t, now, s.cfg.GracePeriod)
				return tr.changed(), nil
			})
			if err != nil || !changed {
				return err
			}
			for _, entry := range sweepAudits(prev, next, tr) {
				if err := s.audit(ctx, tx, entry, map[string]interface{}{
					"premium_until": prev.PremiumUntil,
					"grace_until":   next.GraceUntil,
				}); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return sweepTransition{}, err
	}
	if tr.changed() {
		s.invalidate(ctx, tenantID)
	}
	if tr.scheduledApplied {
		metrics.SweepTransitions.WithLabelValues("scheduled_applied").Inc()
	}
	if tr.enteredGrace {
		metrics.SweepTransitions.WithLabelValues("grace_period").Inc()
	}
	if tr.expired {
		metrics.SweepTransitions.WithLabelValues("expired").Inc()
	}
	return tr, nil
}

func sweepAudits(prev, next *models.Tenant, tr sweepTransition) []*models.AuditLog {
	base := func(action, oldValue, newValue string) *models.AuditLog {
		return &models.AuditLog{
			TenantID:  uintPtr(next.ID),
			Action:    action,
			ActorType: cronActor.Type,
			ActorID:   cronActor.ID,
			OldValue:  oldValue,
			NewValue:  newValue,
		}
	}
	var out []*models.AuditLog
	if tr.scheduledApplied {
		out = append(out, base(models.AuditScheduledChangeApplied, prev.Tier, next.Tier))
	}
	if tr.enteredGrace {
		out = append(out, base(models.AuditSubscriptionGrace, prev.SubscriptionStatus, next.SubscriptionStatus))
	}
	if tr.expired {
		out = append(out, base(models.AuditSubscriptionExpired, describeTier(prev), describeTier(next)))
	}
	return out
}

// Sweeper runs Sweep on a fixed interval.
type Sweeper struct {
	service  *Service
	interval time.Duration
}

func NewSweeper(service *Service) *Sweeper {
	return &Sweeper{service: service, interval: service.cfg.SweepInterval}
}

// Run blocks until ctx is cancelled. Each sweep gets a bounded context.
func (w *Sweeper) Run(ctx context.Context) {
	log.Infof("[Sweeper] started (interval=%s)", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info("[Sweeper] stopped")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *Sweeper) runOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, w.interval)
	defer cancel()
	if _, err := w.service.Sweep(runCtx); err != nil {
		log.Errorf("[Sweeper] sweep failed: %v", err)
	}
}
