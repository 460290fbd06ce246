package controllers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
	"github.com/ManuelReschke/PayFox/internal/pkg/reconcile"
	"github.com/ManuelReschke/PayFox/internal/pkg/usercontext"
)

type fakeCheckout struct {
	subIn    billing.SubscriptionCheckoutInput
	orderIn  billing.OrderCheckoutInput
	checkout *billing.Checkout
	err      error

	ret      billing.CheckoutReturn
	deferFn  func(ctx context.Context) error
	result   reconcile.Result
	statuses map[uint]*billing.OrderStatus
}

func (f *fakeCheckout) CreateSubscriptionCheckout(_ context.Context, in billing.SubscriptionCheckoutInput) (*billing.Checkout, error) {
	f.subIn = in
	return f.checkout, f.err
}

func (f *fakeCheckout) CreateOrderCheckout(_ context.Context, in billing.OrderCheckoutInput) (*billing.Checkout, error) {
	f.orderIn = in
	return f.checkout, f.err
}

func (f *fakeCheckout) AwaitPayment(ctx context.Context, ret billing.CheckoutReturn, deferFn func(ctx context.Context) error) reconcile.Result {
	f.ret = ret
	f.deferFn = deferFn
	if deferFn != nil && f.result.State == reconcile.StateDeferred {
		_ = deferFn(ctx)
	}
	return f.result
}

func (f *fakeCheckout) GetOrderStatus(_ context.Context, id uint) (*billing.OrderStatus, error) {
	if s, ok := f.statuses[id]; ok {
		return s, nil
	}
	return nil, billing.ErrNotFound
}

type fakeDeferrer struct {
	calls []string
}

func (f *fakeDeferrer) DeferReconcile(paymentID string, tenantID uint, source string) func(ctx context.Context) error {
	return func(context.Context) error {
		f.calls = append(f.calls, fmt.Sprintf("%s@%s#%d", paymentID, source, tenantID))
		return nil
	}
}

func asTenant(id uint) fiber.Handler {
	return func(c *fiber.Ctx) error {
		usercontext.SetUserContext(c, usercontext.UserContext{TenantID: id})
		return c.Next()
	}
}

func newCheckoutApp(svc CheckoutService, d ReconcileDeferrer) *fiber.App {
	cc := NewCheckoutController(svc, d)
	app := fiber.New()
	app.Post("/api/v1/checkout/subscription", asTenant(7), cc.HandleCreateSubscriptionCheckout)
	app.Post("/api/v1/checkout/order", asTenant(7), cc.HandleCreateOrderCheckout)
	app.Get("/api/v1/checkout/return", cc.HandleCheckoutReturn)
	app.Get("/api/v1/orders/:id", asTenant(7), cc.HandleOrderStatus)
	return app
}

func jsonRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestCheckoutController_Subscription(t *testing.T) {
	svc := &fakeCheckout{checkout: &billing.Checkout{RedirectURL: "https://pay.example/init", LocalRecordID: 3, PreferenceID: "pref-1"}}
	app := newCheckoutApp(svc, nil)

	req := jsonRequest(fiber.MethodPost, "/api/v1/checkout/subscription", `{"plan_tier":"premium","billing_period":"yearly","idempotency_key":"body-key"}`)
	req.Header.Set("Idempotency-Key", "header-key")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)
	body := decodeBody(t, resp.Body)
	assert.Equal(t, "https://pay.example/init", body["redirect_url"])

	assert.Equal(t, uint(7), svc.subIn.TenantID)
	assert.Equal(t, "premium", svc.subIn.PlanTier)
	assert.Equal(t, "yearly", svc.subIn.BillingPeriod)
	assert.Equal(t, "header-key", svc.subIn.IdempotencyKey)
}

func TestCheckoutController_OrderReuseAndErrors(t *testing.T) {
	svc := &fakeCheckout{checkout: &billing.Checkout{LocalRecordID: 9, Reused: true}}
	app := newCheckoutApp(svc, nil)

	resp, err := app.Test(jsonRequest(fiber.MethodPost, "/api/v1/checkout/order",
		`{"customer_email":" buyer@example.com ","items":[{"product_id":"p1","title":"Mug","quantity":2,"unit_price":1500}],"idempotency_key":"cart-1"}`))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "buyer@example.com", svc.orderIn.CustomerEmail)
	require.Len(t, svc.orderIn.Items, 1)
	assert.Equal(t, int64(1500), svc.orderIn.Items[0].UnitPrice)
	assert.Equal(t, "cart-1", svc.orderIn.IdempotencyKey)

	svc.err = billing.ErrOrdersLimit
	resp, err = app.Test(jsonRequest(fiber.MethodPost, "/api/v1/checkout/order", `{"items":[]}`))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, "orders_limit_reached", decodeBody(t, resp.Body)["error"])

	resp, err = app.Test(jsonRequest(fiber.MethodPost, "/api/v1/checkout/order", `{not json`))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func returnQuery(ref string, extra url.Values) string {
	q := url.Values{"external_reference": {ref}}
	for k, v := range extra {
		q[k] = v
	}
	return "/api/v1/checkout/return?" + q.Encode()
}

func TestCheckoutController_ReturnConfirmed(t *testing.T) {
	svc := &fakeCheckout{result: reconcile.Result{State: reconcile.StateConfirmed, Attempts: 2}}
	d := &fakeDeferrer{}
	app := newCheckoutApp(svc, d)

	ref := `{"type":"customer_purchase","tenantId":4,"orderId":77}`
	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, returnQuery(ref, url.Values{"payment_id": {"555"}, "status": {"approved"}}), nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp.Body)
	assert.Equal(t, "confirmed", body["state"])
	assert.Equal(t, "customer_purchase", body["reference"])

	assert.True(t, svc.ret.Succeeded())
	assert.Equal(t, billing.PurchaseReference{TenantID: 4, OrderID: 77}, svc.ret.ExternalReference)
	assert.NotNil(t, svc.deferFn)
}

func TestCheckoutController_ReturnDeferred(t *testing.T) {
	svc := &fakeCheckout{result: reconcile.Result{State: reconcile.StateDeferred, Attempts: 5}}
	d := &fakeDeferrer{}
	app := newCheckoutApp(svc, d)

	ref := `{"type":"customer_purchase","tenantId":4,"orderId":77}`
	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, returnQuery(ref, url.Values{"collection_id": {"555"}, "collection_status": {"approved"}}), nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"555@checkout_return#4"}, d.calls)
}

func TestCheckoutController_ReturnWithoutPaymentOrReference(t *testing.T) {
	svc := &fakeCheckout{result: reconcile.Result{State: reconcile.StateTimedOut, Attempts: 5}}
	app := newCheckoutApp(svc, &fakeDeferrer{})

	ref := `{"type":"subscription","tenantId":4,"planTier":"premium","billingPeriod":"monthly"}`
	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, returnQuery(ref, nil), nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	assert.Nil(t, svc.deferFn, "no payment id, nothing to defer")

	resp, err = app.Test(httptest.NewRequest(fiber.MethodGet, "/api/v1/checkout/return?payment_id=1", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestCheckoutController_OrderStatusScopedToTenant(t *testing.T) {
	svc := &fakeCheckout{statuses: map[uint]*billing.OrderStatus{
		1: {OrderID: 1, TenantID: 7, PaymentStatus: "confirmed", IsPaid: true},
		2: {OrderID: 2, TenantID: 8},
	}}
	app := newCheckoutApp(svc, nil)

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/api/v1/orders/1", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decodeBody(t, resp.Body)["is_paid"])

	for _, path := range []string{"/api/v1/orders/2", "/api/v1/orders/3"} {
		resp, err = app.Test(httptest.NewRequest(fiber.MethodGet, path, nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusNotFound, resp.StatusCode, path)
	}

	resp, err = app.Test(httptest.NewRequest(fiber.MethodGet, "/api/v1/orders/abc", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}
