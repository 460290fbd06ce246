package billing

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"time"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/metrics"
	"github.com/ManuelReschke/PayFox/internal/pkg/reconcile"
	"github.com/gofiber/fiber/v2/log"
)

const ledgerWriteTimeout = 5 * time.Second

// InboundNotification is one delivery as received by the webhook endpoint.
type InboundNotification struct {
	Body            []byte
	Query           url.Values
	SignatureHeader string
	RequestID       string
	// TenantSlug is set on the tenant-scoped endpoint.
	TenantSlug string
}

// ProcessNotification runs one delivery through the ledger, signature
// check, canonical fetch and state machines. Errors classify the HTTP
// answer: ErrInvalidSignature, ErrCrossTenant, ErrEventInProgress,
// ErrNotFound (unknown tenant endpoint) or a retryable failure.
func (s *Service) ProcessNotification(ctx context.Context, in InboundNotification) (out Outcome, err error) {
	n := ParseNotification(in.Body, in.Query)
	start := time.Now()
	defer func() {
		metrics.WebhookDuration.WithLabelValues(n.ResourceType).Observe(time.Since(start).Seconds())
	}()

	var tenant *models.Tenant
	if in.TenantSlug != "" {
		tenant, err = s.repo.GetTenantBySlug(ctx, in.TenantSlug)
		if err != nil {
			return Outcome{}, err
		}
	}

	secret := s.cfg.PlatformWebhookSecret
	if tenant != nil && tenant.WebhookSecret != "" {
		secret = tenant.WebhookSecret
	}
	sigState := VerifyNotificationSignature(in.SignatureHeader, in.RequestID, n.ResourceID, secret)

	payload := string(in.Body)
	if payload == "" {
		payload = in.Query.Encode()
	}
	event := &models.NotificationEvent{
		ProviderEventID: n.ProviderEventID,
		ResourceID:      n.ResourceID,
		ResourceType:    n.ResourceType,
		Action:          n.Action,
		RequestID:       in.RequestID,
		PayloadJSON:     payload,
		SignatureValid:  sigState == models.SignatureVerified,
		SignatureState:  sigState,
		Status:          models.NotificationStatusReceived,
		AttemptCount:    1,
		Retryable:       true,
	}
	if tenant != nil {
		event.TenantID = uintPtr(tenant.ID)
	}

	created, stored, err := s.repo.UpsertNotificationEvent(ctx, event)
	if err != nil {
		log.Errorf("[Ledger] failed to record event %s/%s: %v", n.ProviderEventID, n.ResourceID, err)
		return Outcome{}, transient(err)
	}
	if !created {
		log.Debugf("[Ledger] redelivery %d of event %s/%s (status=%s)", stored.AttemptCount, n.ProviderEventID, n.ResourceID, stored.Status)
	}

	if sigState == models.SignatureInvalid {
		return Outcome{}, s.rejectForgedNotification(ctx, stored, tenant, n)
	}
	if sigState == models.SignatureUnverifiable {
		log.Debugf("[Ledger] event %s/%s accepted without signature secret", n.ProviderEventID, n.ResourceID)
	}

	if stored.IsTerminal() {
		return s.replay(stored)
	}

	now := s.now()
	claimed, err := s.repo.ClaimNotificationEvent(ctx, stored.ID, sigState, now.Add(-s.cfg.ProcessingStaleAfter), now)
	if err != nil {
		return Outcome{}, err
	}
	if !claimed {
		current, err := s.repo.GetNotificationEvent(ctx, n.ProviderEventID, n.ResourceID)
		if err == nil && current.IsTerminal() {
			return s.replay(current)
		}
		metrics.ProcessingOutcomes.WithLabelValues("in_progress").Inc()
		return Outcome{}, ErrEventInProgress
	}

	out, err = s.dispatch(ctx, n, tenant)
	return s.finish(ctx, stored, n, out, err)
}

func (s *Service) dispatch(ctx context.Context, n Notification, tenant *models.Tenant) (Outcome, error) {
	if n.ResourceType != "payment" {
		return Outcome{Status: OutcomeIgnored, Action: ActionUnsupportedTopic}, nil
	}
	if n.ResourceID == "" {
		return Outcome{}, validationf("payment notification without resource id")
	}
	return s.reconcile(ctx, n.ResourceID, tenant, webhookActor)
}

// finish records the outcome on the ledger row. Only retryable failures
// leave the event claimable by a later delivery.
func (s *Service) finish(ctx context.Context, event *models.NotificationEvent, n Notification, out Outcome, procErr error) (Outcome, error) {
	status := models.NotificationStatusProcessed
	retryable := false
	lastErr := ""
	var retErr error

	switch {
	case procErr == nil:
	case errors.Is(procErr, ErrNotFound):
		out = Outcome{Status: OutcomeIgnored, Action: ActionStaleResource}
		lastErr = procErr.Error()
	case errors.Is(procErr, ErrSecurity):
		status = models.NotificationStatusFailed
		out = Outcome{Status: OutcomeIgnored, Action: ActionCrossTenant, Failure: failureSecurity}
		lastErr = procErr.Error()
		retErr = ErrCrossTenant
	case errors.Is(procErr, ErrValidation):
		status = models.NotificationStatusFailed
		out = Outcome{Status: OutcomeIgnored, Action: ActionValidationFailed, Failure: failureValidation}
		lastErr = procErr.Error()
		log.Warnf("[Ledger] event %s/%s failed validation: %v", n.ProviderEventID, n.ResourceID, procErr)
		s.securityAudit(ctx, &models.AuditLog{
			TenantID:  event.TenantID,
			Action:    models.AuditWebhookValidationFailed,
			ActorType: models.ActorWebhook,
			ActorID:   "provider",
			PaymentID: n.ResourceID,
			Reason:    procErr.Error(),
		}, map[string]interface{}{"event_id": n.ProviderEventID})
	default:
		status = models.NotificationStatusFailed
		retryable = true
		lastErr = procErr.Error()
		retErr = transient(procErr)
		log.Errorf("[Ledger] event %s/%s failed, leaving it retryable: %v", n.ProviderEventID, n.ResourceID, procErr)
	}

	// A content-keyed row that only saw a pending payment is reopened so the
	// redelivery carrying the settled status runs the state machines again.
	reopened := status == models.NotificationStatusProcessed && out.Action == ActionAwaitingPayment && n.ContentKeyed()
	if reopened {
		status = models.NotificationStatusReceived
		retryable = true
	}

	result := ""
	if !retryable || reopened {
		raw, _ := json.Marshal(out)
		result = string(raw)
	}
	// The request context may already be gone; the ledger write must land.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerWriteTimeout)
	defer cancel()
	if err := s.repo.FinishNotificationEvent(writeCtx, event.ID, status, retryable, lastErr, result, s.now()); err != nil {
		log.Errorf("[Ledger] failed to finish event %d: %v", event.ID, err)
		metrics.ProcessingOutcomes.WithLabelValues("finish_failed").Inc()
		return Outcome{}, transient(err)
	}

	switch {
	case reopened:
		metrics.ProcessingOutcomes.WithLabelValues("reopened").Inc()
	case retryable:
		metrics.ProcessingOutcomes.WithLabelValues("failed_retryable").Inc()
	case status == models.NotificationStatusFailed:
		metrics.ProcessingOutcomes.WithLabelValues("failed_" + out.Failure).Inc()
	default:
		metrics.ProcessingOutcomes.WithLabelValues("processed").Inc()
	}
	return out, retErr
}

// replay answers a redelivery of a terminal event from its stored result.
func (s *Service) replay(event *models.NotificationEvent) (Outcome, error) {
	metrics.ProcessingOutcomes.WithLabelValues("replayed").Inc()
	var stored Outcome
	_ = json.Unmarshal([]byte(event.ResultJSON), &stored)
	if stored.Failure == failureSecurity {
		return stored, ErrCrossTenant
	}
	if event.Status == models.NotificationStatusProcessed {
		stored.Status = OutcomeAlreadyProcessed
	}
	return stored, nil
}

// rejectForgedNotification audits an invalid signature. The event stays
// claimable so a genuine delivery with the same ids can still process.
func (s *Service) rejectForgedNotification(ctx context.Context, event *models.NotificationEvent, tenant *models.Tenant, n Notification) error {
	metrics.SecurityEvents.WithLabelValues("invalid_signature").Inc()
	log.Warnf("[Ledger] invalid signature on event %s/%s (attempt %d)", n.ProviderEventID, n.ResourceID, event.AttemptCount)

	var tenantID *uint
	if tenant != nil {
		tenantID = uintPtr(tenant.ID)
	}
	s.securityAudit(ctx, &models.AuditLog{
		TenantID:  tenantID,
		Action:    models.AuditWebhookSignatureInvalid,
		ActorType: models.ActorWebhook,
		ActorID:   "unknown",
		PaymentID: n.ResourceID,
		Reason:    "signature mismatch",
	}, map[string]interface{}{
		"event_id":      n.ProviderEventID,
		"resource_type": n.ResourceType,
		"attempt":       event.AttemptCount,
	})

	if !event.IsTerminal() && event.Status != models.NotificationStatusProcessing {
		if err := s.repo.FinishNotificationEvent(ctx, event.ID, models.NotificationStatusFailed, true, "invalid signature", "", s.now()); err != nil {
			log.Errorf("[Ledger] failed to mark event %d: %v", event.ID, err)
		}
	}
	return ErrInvalidSignature
}

// reconcile fetches the canonical payment and applies it. tenant is the
// tenant whose endpoint or credentials are in play, nil for the platform.
func (s *Service) reconcile(ctx context.Context, paymentID string, tenant *models.Tenant, actor Actor) (Outcome, error) {
	token := ""
	var resolvedTenantID uint
	if tenant != nil {
		token = tenant.ProviderAccessToken
		resolvedTenantID = tenant.ID
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	payment, err := s.provider.FetchPayment(fetchCtx, token, paymentID)
	cancel()
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) {
			return Outcome{}, err
		}
		return Outcome{}, transient(err)
	}

	ref, err := ParseExternalReference(payment.ExternalReference)
	if err != nil {
		return Outcome{}, err
	}
	if !isSettledStatus(payment.Status) {
		log.Debugf("[Billing] payment %s not settled yet (status=%s detail=%s)", payment.ID, payment.Status, payment.StatusDetail)
	}

	var action string
	switch r := ref.(type) {
	case SubscriptionReference:
		if resolvedTenantID != 0 && r.TenantID != resolvedTenantID {
			metrics.SecurityEvents.WithLabelValues("cross_tenant").Inc()
			s.securityAudit(ctx, &models.AuditLog{
				TenantID:  uintPtr(resolvedTenantID),
				Action:    models.AuditCrossTenantPayment,
				ActorType: actor.Type,
				ActorID:   actor.ID,
				PaymentID: payment.ID,
				Reason:    "subscription payment delivered to another tenant",
			}, map[string]interface{}{"reference_tenant_id": r.TenantID})
			return Outcome{}, ErrCrossTenant
		}
		action, err = s.ApplySubscriptionPayment(ctx, payment, r, actor)
	case PurchaseReference:
		action, err = s.ApplyPurchasePayment(ctx, payment, r, resolvedTenantID, actor)
	default:
		return Outcome{}, &ReferenceError{Field: "type", Reason: "unsupported variant"}
	}
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: OutcomeOK, Action: action, Reference: ref}, nil
}

// ReconcilePayment verifies one payment directly with the provider and
// applies it, bypassing the ledger. Concurrent calls for the same payment
// share one execution, which is detached from any single caller's
// cancellation. tenantID selects the tenant's credentials; zero uses the
// platform's.
func (s *Service) ReconcilePayment(ctx context.Context, paymentID string, tenantID uint, actor Actor) (Outcome, error) {
	key := strconv.FormatUint(uint64(tenantID), 10) + ":" + paymentID
	ch := s.flights.DoChan(key, func() (interface{}, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ProviderTimeout+ledgerWriteTimeout)
		defer cancel()

		var tenant *models.Tenant
		if tenantID != 0 {
			t, err := s.repo.GetTenant(flightCtx, tenantID)
			if err != nil {
				return Outcome{}, err
			}
			tenant = t
		}
		return s.reconcile(flightCtx, paymentID, tenant, actor)
	})

	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			log.Debugf("[Billing] reconciliation of payment %s shared with a concurrent caller", paymentID)
		}
		out, _ := res.Val.(Outcome)
		return out, res.Err
	}
}

// ObservePayment reads local state for the poller: whether the order or
// subscription named by ref has reached a terminal state.
func (s *Service) ObservePayment(ctx context.Context, ref ExternalReference, paymentID string) (reconcile.Observation, error) {
	switch r := ref.(type) {
	case PurchaseReference:
		order, err := s.repo.GetOrder(ctx, r.OrderID)
		if err != nil {
			return reconcile.ObservedPending, err
		}
		if order.TenantID != r.TenantID {
			return reconcile.ObservedPending, ErrCrossTenant
		}
		switch {
		case order.IsPaid:
			return reconcile.ObservedConfirmed, nil
		case order.PaymentStatus == models.OrderStatusRejected:
			return reconcile.ObservedRejected, nil
		}
		return reconcile.ObservedPending, nil
	case SubscriptionReference:
		var rec *models.SubscriptionRecord
		var err error
		if paymentID != "" {
			rec, err = s.repo.GetSubscriptionRecordByPaymentID(ctx, paymentID)
		}
		if (paymentID == "" || errors.Is(err, ErrNotFound)) && r.SubscriptionID != 0 {
			rec, err = s.repo.GetSubscriptionRecord(ctx, r.SubscriptionID)
		}
		if errors.Is(err, ErrNotFound) || (err == nil && rec == nil) {
			return reconcile.ObservedPending, nil
		}
		if err != nil {
			return reconcile.ObservedPending, err
		}
		if rec.TenantID != r.TenantID {
			return reconcile.ObservedPending, ErrCrossTenant
		}
		switch rec.Status {
		case models.SubscriptionRecordApproved:
			return reconcile.ObservedConfirmed, nil
		case models.SubscriptionRecordFailed:
			return reconcile.ObservedRejected, nil
		}
		return reconcile.ObservedPending, nil
	}
	return reconcile.ObservedPending, validationf("unsupported reference")
}

// VerifyPayment is the poller's fallback: it reconciles the payment with
// the provider and reports the canonical verdict, even if a concurrent
// writer got there first.
func (s *Service) VerifyPayment(ctx context.Context, ref ExternalReference, paymentID string, actor Actor) (reconcile.Observation, error) {
	tenantID := uint(0)
	if _, ok := ref.(PurchaseReference); ok {
		tenantID = ref.Tenant()
	}
	out, err := s.ReconcilePayment(ctx, paymentID, tenantID, actor)
	if err != nil {
		return reconcile.ObservedPending, err
	}
	if !sameTarget(ref, out.Reference) {
		return reconcile.ObservedPending, validationf("payment %s does not belong to this checkout", paymentID)
	}
	switch out.Action {
	case ActionSubscriptionActivated, ActionAlreadyApplied, ActionOrderConfirmed, ActionAlreadyConfirmed:
		return reconcile.ObservedConfirmed, nil
	case ActionSubscriptionFailed, ActionOrderRejected:
		return reconcile.ObservedRejected, nil
	}
	return reconcile.ObservedPending, nil
}

func sameTarget(want, got ExternalReference) bool {
	switch w := want.(type) {
	case PurchaseReference:
		g, ok := got.(PurchaseReference)
		return ok && g.TenantID == w.TenantID && g.OrderID == w.OrderID
	case SubscriptionReference:
		g, ok := got.(SubscriptionReference)
		return ok && g.TenantID == w.TenantID
	}
	return false
}
