package billing

import (
	"context"
	"strconv"
	"time"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/metrics"
	"github.com/gofiber/fiber/v2/log"
)

// ApplyPurchasePayment routes a canonical payment for a customer order.
// resolvedTenantID is the tenant whose endpoint or credentials produced the
// payment; zero when the notification came in on the platform endpoint.
func (s *Service) ApplyPurchasePayment(ctx context.Context, payment *CanonicalPayment, ref PurchaseReference, resolvedTenantID uint, actor Actor) (string, error) {
	order, err := s.repo.GetOrder(ctx, ref.OrderID)
	if err != nil {
		return "", err
	}

	if order.TenantID != ref.TenantID || (resolvedTenantID != 0 && order.TenantID != resolvedTenantID) {
		metrics.SecurityEvents.WithLabelValues("cross_tenant").Inc()
		log.Warnf("[Billing] payment %s for order %d rejected: order tenant=%d reference tenant=%d resolved tenant=%d",
			payment.ID, order.ID, order.TenantID, ref.TenantID, resolvedTenantID)
		s.securityAudit(ctx, &models.AuditLog{
			TenantID:  uintPtr(order.TenantID),
			OrderID:   uintPtr(order.ID),
			Action:    models.AuditCrossTenantPayment,
			ActorType: actor.Type,
			ActorID:   actor.ID,
			PaymentID: payment.ID,
			Reason:    "payment reference does not match order tenant",
		}, map[string]interface{}{
			"order_tenant_id":     order.TenantID,
			"reference_tenant_id": ref.TenantID,
			"resolved_tenant_id":  resolvedTenantID,
			"provider_status":     payment.Status,
		})
		return "", ErrCrossTenant
	}

	switch payment.Status {
	case PaymentStatusApproved:
		return s.confirmOrder(ctx, order, payment, actor)
	case PaymentStatusRejected, PaymentStatusCancelled:
		return s.rejectOrder(ctx, order, payment, actor)
	case PaymentStatusRefunded, PaymentStatusChargedBack:
		return s.recordOrderReversal(ctx, order, payment, actor)
	default:
		return ActionAwaitingPayment, nil
	}
}

func (s *Service) confirmOrder(ctx context.Context, order *models.Order, payment *CanonicalPayment, actor Actor) (string, error) {
	if order.IsPaid {
		return ActionAlreadyConfirmed, nil
	}
	if err := s.checkAmount("order", order.ID, order.Total, order.Currency, payment); err != nil {
		return "", err
	}
	warnings := mismatchDetails(order.Total, order.Currency, payment, s.cfg.AmountTolerance)

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		fromStatus := order.PaymentStatus
		confirmed := false
		err := s.repo.Transaction(ctx, func(tx Repository) error {
			now := s.now()
			ok, err := tx.ConfirmOrderPaid(ctx, order.ID, fromStatus, payment.ID, now)
			if err != nil || !ok {
				return err
			}
			details := map[string]interface{}{"amount": payment.Amount, "currency": payment.Currency}
			// A rejection released the slot; paying the order takes it again.
			if fromStatus == models.OrderStatusRejected && order.ConsumedSlot {
				took, err := tx.ConsumeOrderSlot(ctx, order.TenantID)
				if err != nil {
					return err
				}
				if !took {
					log.Warnf("[Billing] order %d paid after rejection but tenant %d has no orders left", order.ID, order.TenantID)
					details["orders_limit_exceeded"] = true
				}
			}
			for k, v := range warnings {
				details[k] = v
			}
			if err := s.audit(ctx, tx, &models.AuditLog{
				TenantID:  uintPtr(order.TenantID),
				OrderID:   uintPtr(order.ID),
				Action:    models.AuditOrderPaid,
				ActorType: actor.Type,
				ActorID:   actor.ID,
				OldValue:  fromStatus,
				NewValue:  models.OrderStatusConfirmed,
				PaymentID: payment.ID,
			}, details); err != nil {
				return err
			}
			confirmed = true
			return nil
		})
		if err != nil {
			return "", err
		}
		if confirmed {
			metrics.Transitions.WithLabelValues("order", ActionOrderConfirmed).Inc()
			log.Infof("[Billing] order %d confirmed via payment %s (%s)", order.ID, payment.ID, actor.Type)
			if paid, err := s.repo.GetOrder(ctx, order.ID); err == nil {
				s.notifier.OrderPaid(ctx, paid)
			}
			return ActionOrderConfirmed, nil
		}

		order, err = s.repo.GetOrder(ctx, order.ID)
		if err != nil {
			return "", err
		}
		if order.IsPaid {
			return ActionAlreadyConfirmed, nil
		}
	}
	return "", ErrConflict
}

func (s *Service) rejectOrder(ctx context.Context, order *models.Order, payment *CanonicalPayment, actor Actor) (string, error) {
	if order.IsPaid {
		return ActionAlreadyConfirmed, nil
	}
	if order.PaymentStatus == models.OrderStatusRejected {
		return ActionOrderRejected, nil
	}

	rejected := false
	err := s.repo.Transaction(ctx, func(tx Repository) error {
		ok, err := tx.RejectOrder(ctx, order.ID, payment.ID)
		if err != nil || !ok {
			return err
		}
		if order.ConsumedSlot {
			if err := tx.ReleaseOrderSlot(ctx, order.TenantID); err != nil {
				return err
			}
		}
		rejected = true
		return s.audit(ctx, tx, &models.AuditLog{
			TenantID:  uintPtr(order.TenantID),
			OrderID:   uintPtr(order.ID),
			Action:    models.AuditOrderRejected,
			ActorType: actor.Type,
			ActorID:   actor.ID,
			OldValue:  models.OrderStatusPendingPayment,
			NewValue:  models.OrderStatusRejected,
			PaymentID: payment.ID,
			Reason:    payment.StatusDetail,
		}, map[string]interface{}{"provider_status": payment.Status})
	})
	if err != nil {
		return "", err
	}
	if rejected {
		s.invalidate(ctx, order.TenantID)
		metrics.Transitions.WithLabelValues("order", ActionOrderRejected).Inc()
		return ActionOrderRejected, nil
	}

	current, err := s.repo.GetOrder(ctx, order.ID)
	if err != nil {
		return "", err
	}
	if current.IsPaid {
		return ActionAlreadyConfirmed, nil
	}
	return ActionOrderRejected, nil
}

// recordOrderReversal audits a refund or chargeback of a paid order. The
// order keeps is_paid; reversals are settled outside this engine.
func (s *Service) recordOrderReversal(ctx context.Context, order *models.Order, payment *CanonicalPayment, actor Actor) (string, error) {
	if !order.IsPaid || order.ProviderPaymentID != payment.ID {
		return ActionPaymentReversed, nil
	}
	existing, err := s.repo.ListAuditLogs(ctx, AuditFilter{OrderID: order.ID, Action: models.AuditOrderPaymentReversed, PaymentID: payment.ID, Limit: 1})
	if err != nil {
		return "", err
	}
	if len(existing) > 0 {
		return ActionPaymentReversed, nil
	}
	if err := s.audit(ctx, s.repo, &models.AuditLog{
		TenantID:  uintPtr(order.TenantID),
		OrderID:   uintPtr(order.ID),
		Action:    models.AuditOrderPaymentReversed,
		ActorType: actor.Type,
		ActorID:   actor.ID,
		PaymentID: payment.ID,
		Reason:    payment.Status,
	}, nil); err != nil {
		return "", err
	}
	log.Warnf("[Billing] paid order %d reversed by provider (%s, payment %s)", order.ID, payment.Status, payment.ID)
	return ActionPaymentReversed, nil
}

func mismatchDetails(expected int64, currency string, payment *CanonicalPayment, tolerance float64) map[string]interface{} {
	out := map[string]interface{}{}
	if currency != "" && payment.Currency != "" && currency != payment.Currency {
		out["currency_mismatch"] = currency + "!=" + payment.Currency
	}
	if !withinTolerance(expected, payment.Amount, tolerance) {
		out["amount_mismatch"] = strconv.FormatInt(expected, 10) + "!=" + strconv.FormatInt(payment.Amount, 10)
	}
	return out
}

// OrderStatus is the read model for a customer order.
type OrderStatus struct {
	OrderID       uint   `json:"order_id"`
	TenantID      uint   `json:"tenant_id"`
	PaymentStatus string `json:"payment_status"`
	IsPaid        bool   `json:"is_paid"`
	PaidAt        string `json:"paid_at,omitempty"`
	Total         int64  `json:"total"`
	Currency      string `json:"currency"`
}

func (s *Service) GetOrderStatus(ctx context.Context, orderID uint) (*OrderStatus, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	out := &OrderStatus{
		OrderID:       order.ID,
		TenantID:      order.TenantID,
		PaymentStatus: order.PaymentStatus,
		IsPaid:        order.IsPaid,
		Total:         order.Total,
		Currency:      order.Currency,
	}
	if order.PaidAt != nil {
		out.PaidAt = order.PaidAt.UTC().Format(time.RFC3339)
	}
	return out, nil
}
