package billing

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/entitlements"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSubscriptionCheckout(t *testing.T) {
	h := newHarness(t)
	tenant := h.freeTenant("store-a")
	ctx := context.Background()

	in := SubscriptionCheckoutInput{TenantID: tenant.ID, PlanTier: "premium_pro", BillingPeriod: "monthly", IdempotencyKey: "retry-me"}
	first, err := h.svc.CreateSubscriptionCheckout(ctx, in)
	require.NoError(t, err)
	assert.False(t, first.Reused)
	assert.NotEmpty(t, first.RedirectURL)

	require.Len(t, h.provider.preferences, 1)
	pref := h.provider.preferences[0]
	assert.Equal(t, "https://payfox.test/webhooks/payments", pref.NotificationURL)
	assert.Equal(t, int64(1999000), pref.Items[0].UnitPrice)
	assert.Equal(t, "sub:retry-me", pref.IdempotencyKey)

	ref, err := ParseExternalReference(pref.ExternalReference)
	require.NoError(t, err)
	assert.Equal(t, SubscriptionReference{TenantID: tenant.ID, PlanTier: entitlements.PlanPremiumPro, BillingPeriod: "monthly", SubscriptionID: first.LocalRecordID}, ref)

	second, err := h.svc.CreateSubscriptionCheckout(ctx, in)
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, first.LocalRecordID, second.LocalRecordID)
	assert.Equal(t, first.RedirectURL, second.RedirectURL)
	assert.Len(t, h.provider.preferences, 1)
}

func TestCreateSubscriptionCheckout_InvalidInput(t *testing.T) {
	h := newHarness(t)
	tenant := h.freeTenant("store-a")

	tests := []struct {
		name string
		in   SubscriptionCheckoutInput
	}{
		{name: "free plan", in: SubscriptionCheckoutInput{TenantID: tenant.ID, PlanTier: "free", BillingPeriod: "monthly"}},
		{name: "unknown period", in: SubscriptionCheckoutInput{TenantID: tenant.ID, PlanTier: "premium", BillingPeriod: "weekly"}},
		{name: "missing tenant", in: SubscriptionCheckoutInput{PlanTier: "premium", BillingPeriod: "monthly"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.CreateSubscriptionCheckout(context.Background(), tt.in)
			assert.True(t, errors.Is(err, ErrValidation), err)
		})
	}
	assert.Empty(t, h.provider.preferences)
}

func TestCreateOrderCheckout(t *testing.T) {
	h := newHarness(t)
	tenant := h.freeTenant("store-a")

	co, err := h.svc.CreateOrderCheckout(context.Background(), OrderCheckoutInput{
		TenantID: tenant.ID,
		Items: []OrderItemInput{
			{ProductID: "sku-1", Title: "Mate", Quantity: 2, UnitPrice: 1500},
			{ProductID: "sku-2", Title: "Bombilla", Quantity: 1, UnitPrice: 900},
		},
		IdempotencyKey: "cart-7",
	})
	require.NoError(t, err)

	order := h.repo.order(co.LocalRecordID)
	assert.Equal(t, int64(3900), order.Total)
	assert.True(t, order.ConsumedSlot)
	assert.Equal(t, models.OrderStatusPendingPayment, order.PaymentStatus)
	assert.Len(t, order.Items, 2)
	assert.Equal(t, 24, remaining(h.repo.tenant(tenant.ID)))

	pref := h.provider.preferences[0]
	assert.Equal(t, "https://payfox.test/webhooks/payments/store-a", pref.NotificationURL)
	assert.Equal(t, EncodeExternalReference(PurchaseReference{TenantID: tenant.ID, OrderID: order.ID}), pref.ExternalReference)

	again, err := h.svc.CreateOrderCheckout(context.Background(), OrderCheckoutInput{
		TenantID:       tenant.ID,
		Items:          []OrderItemInput{{ProductID: "sku-1", Title: "Mate", Quantity: 2, UnitPrice: 1500}},
		IdempotencyKey: "cart-7",
	})
	require.NoError(t, err)
	assert.True(t, again.Reused)
	assert.Equal(t, co.LocalRecordID, again.LocalRecordID)
	assert.Equal(t, 24, remaining(h.repo.tenant(tenant.ID)))
}

func TestCreateOrderCheckout_OrdersLimit(t *testing.T) {
	h := newHarness(t)
	one := 1
	zero := 0
	tenant := h.repo.seedTenant(models.Tenant{Slug: "tiny", OrdersLimit: &one, OrdersRemaining: &zero})

	_, err := h.svc.CreateOrderCheckout(context.Background(), OrderCheckoutInput{
		TenantID: tenant.ID,
		Items:    []OrderItemInput{{ProductID: "sku-1", Title: "Mate", Quantity: 1, UnitPrice: 1500}},
	})
	assert.True(t, errors.Is(err, ErrOrdersLimit))
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Empty(t, h.provider.preferences)
}

func TestCreateOrderCheckout_UnlimitedTier(t *testing.T) {
	h := newHarness(t)
	tenant := h.paidTenant("store-pro", entitlements.PlanPremiumPro, h.clock.Now().Add(30*day))

	co, err := h.svc.CreateOrderCheckout(context.Background(), OrderCheckoutInput{
		TenantID: tenant.ID,
		Items:    []OrderItemInput{{ProductID: "sku-1", Title: "Mate", Quantity: 1, UnitPrice: 1500}},
	})
	require.NoError(t, err)
	assert.False(t, h.repo.order(co.LocalRecordID).ConsumedSlot)
	assert.Nil(t, h.repo.tenant(tenant.ID).OrdersRemaining)
}

func TestCreateOrderCheckout_ProviderRefusalAbandonsOrder(t *testing.T) {
	h := newHarness(t)
	tenant := h.freeTenant("store-a")
	h.provider.prefErr = &ProviderError{Operation: "create_preference", StatusCode: 404}

	_, err := h.svc.CreateOrderCheckout(context.Background(), OrderCheckoutInput{
		TenantID:       tenant.ID,
		Items:          []OrderItemInput{{ProductID: "sku-1", Title: "Mate", Quantity: 1, UnitPrice: 1500}},
		IdempotencyKey: "cart-1",
	})
	require.Error(t, err)

	order, err := h.repo.GetOrder(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusRejected, order.PaymentStatus)
	assert.Equal(t, 25, remaining(h.repo.tenant(tenant.ID)))
}

func TestCreateOrderCheckout_TransientFailureKeepsOrder(t *testing.T) {
	h := newHarness(t)
	tenant := h.freeTenant("store-a")
	h.provider.prefErr = &ProviderError{Operation: "create_preference", StatusCode: 503}

	in := OrderCheckoutInput{
		TenantID:       tenant.ID,
		Items:          []OrderItemInput{{ProductID: "sku-1", Title: "Mate", Quantity: 1, UnitPrice: 1500}},
		IdempotencyKey: "cart-1",
	}
	_, err := h.svc.CreateOrderCheckout(context.Background(), in)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, models.OrderStatusPendingPayment, h.repo.order(1).PaymentStatus)

	// The retry reuses the order and its slot.
	h.provider.prefErr = nil
	co, err := h.svc.CreateOrderCheckout(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, uint(1), co.LocalRecordID)
	assert.Equal(t, 24, remaining(h.repo.tenant(tenant.ID)))
}

func TestParseCheckoutReturn(t *testing.T) {
	ref := EncodeExternalReference(PurchaseReference{TenantID: 3, OrderID: 8})

	ret, err := ParseCheckoutReturn(url.Values{
		"payment_id":         {"123"},
		"status":             {"approved"},
		"external_reference": {ref},
		"preference_id":      {"pref-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "123", ret.PaymentID)
	assert.True(t, ret.Succeeded())
	assert.Equal(t, PurchaseReference{TenantID: 3, OrderID: 8}, ret.ExternalReference)

	legacy, err := ParseCheckoutReturn(url.Values{
		"collection_id":      {"null"},
		"collection_status":  {"pending"},
		"external_reference": {ref},
	})
	require.NoError(t, err)
	assert.Empty(t, legacy.PaymentID)
	assert.False(t, legacy.Succeeded())

	_, err = ParseCheckoutReturn(url.Values{"payment_id": {"1"}})
	assert.True(t, errors.Is(err, ErrValidation))
}
