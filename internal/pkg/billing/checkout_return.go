package billing

import (
	"context"
	"net/url"
	"strings"

	"github.com/ManuelReschke/PayFox/internal/pkg/reconcile"
)

// CheckoutReturn is what the provider appends to the back URL when the
// payer comes back from checkout. None of it is trusted for state.
type CheckoutReturn struct {
	PaymentID         string
	Status            string
	PreferenceID      string
	ExternalReference ExternalReference
}

// Succeeded reports whether the redirect claims an approved payment.
func (r CheckoutReturn) Succeeded() bool {
	return r.PaymentID != "" && r.Status == PaymentStatusApproved
}

// ParseCheckoutReturn reads the back URL query. Both the current
// (payment_id, status) and legacy (collection_id, collection_status)
// parameter names are accepted.
func ParseCheckoutReturn(query url.Values) (CheckoutReturn, error) {
	out := CheckoutReturn{
		PaymentID:    strings.TrimSpace(firstNonEmpty(query.Get("payment_id"), query.Get("collection_id"))),
		Status:       normalizePaymentStatus(firstNonEmpty(query.Get("status"), query.Get("collection_status"))),
		PreferenceID: strings.TrimSpace(query.Get("preference_id")),
	}
	if out.PaymentID == "null" {
		out.PaymentID = ""
	}
	ref, err := ParseExternalReference(query.Get("external_reference"))
	if err != nil {
		return out, err
	}
	out.ExternalReference = ref
	return out, nil
}

// AwaitPayment polls local state until the webhook pipeline settles the
// checkout and falls back to verifying with the provider. deferFn hands
// the payment to a background job when the provider is unreachable.
func (s *Service) AwaitPayment(ctx context.Context, ret CheckoutReturn, deferFn func(ctx context.Context) error) reconcile.Result {
	poller := reconcile.NewPoller(reconcile.Config{Interval: s.cfg.PollInterval, MaxAttempts: s.cfg.PollMaxAttempts})
	actor := UserActor("checkout_return")
	return poller.Run(ctx, reconcile.Task{
		Observe: func(ctx context.Context) (reconcile.Observation, error) {
			return s.ObservePayment(ctx, ret.ExternalReference, ret.PaymentID)
		},
		Verify: func(ctx context.Context) (reconcile.Observation, error) {
			return s.VerifyPayment(ctx, ret.ExternalReference, ret.PaymentID, actor)
		},
		Defer:             deferFn,
		RedirectSucceeded: ret.Succeeded(),
	})
}
