package jobqueue

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
)

// PaymentReconciler re-reads a payment from the provider and applies it.
type PaymentReconciler interface {
	ReconcilePayment(ctx context.Context, paymentID string, tenantID uint, actor billing.Actor) (billing.Outcome, error)
}

// ReconcilerFunc adapts a function to PaymentReconciler. It lets the queue
// be built before the billing service that notifies it.
type ReconcilerFunc func(ctx context.Context, paymentID string, tenantID uint, actor billing.Actor) (billing.Outcome, error)

func (f ReconcilerFunc) ReconcilePayment(ctx context.Context, paymentID string, tenantID uint, actor billing.Actor) (billing.Outcome, error) {
	return f(ctx, paymentID, tenantID, actor)
}

// reconcilePaymentHandler applies a deferred payment. Transient failures
// retry with backoff; validation, security and stale outcomes are final.
func reconcilePaymentHandler(r PaymentReconciler) Handler {
	return func(ctx context.Context, job *Job) error {
		payload, err := ReconcilePaymentJobPayloadFromMap(job.Payload)
		if err != nil {
			return Permanent(fmt.Errorf("invalid reconcile payload: %w", err))
		}
		if strings.TrimSpace(payload.PaymentID) == "" {
			return Permanent(fmt.Errorf("reconcile payload without payment id"))
		}

		source := payload.Source
		if source == "" {
			source = "job"
		}
		out, err := r.ReconcilePayment(ctx, payload.PaymentID, payload.TenantID, billing.SystemActor(source))
		if err != nil {
			if billing.IsRetryable(err) {
				return err
			}
			log.Warnf("[Reconcile] payment %s (tenant %d) will not reconcile: %v", payload.PaymentID, payload.TenantID, err)
			return Permanent(err)
		}
		log.Infof("[Reconcile] payment %s (tenant %d): %s/%s", payload.PaymentID, payload.TenantID, out.Status, out.Action)
		return nil
	}
}
