package billing

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/entitlements"
	"github.com/stretchr/testify/require"
)

const testWebhookSecret = "whsec_test"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	svc      *Service
	repo     *memoryRepository
	provider *fakeProvider
	clock    *testClock
	notified []uint
	mu       sync.Mutex
}

func (h *harness) OrderPaid(_ context.Context, order *models.Order) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notified = append(h.notified, order.ID)
}

func (h *harness) notifiedOrders() []uint {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]uint(nil), h.notified...)
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	cfg := Config{
		PlatformWebhookSecret: testWebhookSecret,
		PublicDomain:          "https://payfox.test",
		Currency:              "ARS",
		AmountTolerance:       0.01,
		GracePeriod:           72 * time.Hour,
		PollInterval:          time.Millisecond,
		PollMaxAttempts:       5,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	h := &harness{
		repo:     newMemoryRepository(),
		provider: newFakeProvider(),
		clock:    &testClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)},
	}
	h.svc = NewService(h.repo, h.provider, cfg, WithClock(h.clock.Now), WithOrderNotifier(h))
	return h
}

func (h *harness) freeTenant(slug string) *models.Tenant {
	t := models.Tenant{
		Name:                slug,
		Slug:                slug,
		OwnerEmail:          slug + "@example.com",
		ProviderAccessToken: "token-" + slug,
		Tier:                string(entitlements.PlanFree),
		SubscriptionStatus:  models.SubscriptionStatusNone,
		OrdersLimit:         entitlements.OrdersLimit(entitlements.PlanFree),
		OrdersRemaining:     entitlements.OrdersLimit(entitlements.PlanFree),
	}
	entitlements.ApplyDefaults(&t, entitlements.PlanFree)
	return h.repo.seedTenant(t)
}

func (h *harness) paidTenant(slug string, plan entitlements.Plan, until time.Time) *models.Tenant {
	t := models.Tenant{
		Name:                slug,
		Slug:                slug,
		ProviderAccessToken: "token-" + slug,
		Tier:                string(plan),
		SubscriptionStatus:  models.SubscriptionStatusActive,
		PremiumUntil:        &until,
		OrdersLimit:         entitlements.OrdersLimit(plan),
		OrdersRemaining:     entitlements.OrdersLimit(plan),
	}
	entitlements.ApplyDefaults(&t, plan)
	return h.repo.seedTenant(t)
}

func notificationBody(eventID, paymentID string) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"id":        eventID,
		"type":      "payment",
		"action":    "payment.updated",
		"live_mode": true,
		"data":      map[string]string{"id": paymentID},
	})
	return body
}

func signedNotification(secret, eventID, paymentID string) InboundNotification {
	requestID := "req-" + eventID
	ts := "1760000000"
	return InboundNotification{
		Body:            notificationBody(eventID, paymentID),
		Query:           url.Values{},
		SignatureHeader: "ts=" + ts + ",v1=" + SignManifest(secret, paymentID, requestID, ts),
		RequestID:       requestID,
	}
}

func (h *harness) deliver(t *testing.T, in InboundNotification) (Outcome, error) {
	t.Helper()
	return h.svc.ProcessNotification(context.Background(), in)
}

func approvedPayment(id string, amount int64, ref ExternalReference) CanonicalPayment {
	return CanonicalPayment{
		ID:                id,
		Status:            PaymentStatusApproved,
		Amount:            amount,
		Currency:          "ARS",
		ExternalReference: EncodeExternalReference(ref),
	}
}

func (h *harness) subscriptionCheckout(t *testing.T, tenantID uint, plan, period string) *models.SubscriptionRecord {
	t.Helper()
	co, err := h.svc.CreateSubscriptionCheckout(context.Background(), SubscriptionCheckoutInput{
		TenantID:      tenantID,
		PlanTier:      plan,
		BillingPeriod: period,
	})
	require.NoError(t, err)
	rec, err := h.repo.GetSubscriptionRecord(context.Background(), co.LocalRecordID)
	require.NoError(t, err)
	return rec
}

func (h *harness) orderCheckout(t *testing.T, tenantID uint, total int64) *models.Order {
	t.Helper()
	co, err := h.svc.CreateOrderCheckout(context.Background(), OrderCheckoutInput{
		TenantID:      tenantID,
		CustomerEmail: "buyer@example.com",
		Items:         []OrderItemInput{{ProductID: "sku-1", Title: "Mate", Quantity: 1, UnitPrice: total}},
	})
	require.NoError(t, err)
	order, err := h.repo.GetOrder(context.Background(), co.LocalRecordID)
	require.NoError(t, err)
	return order
}
