package router

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PayFox/app/controllers"
	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
)

type stubProcessor struct {
	slug string
}

func (s *stubProcessor) ProcessNotification(_ context.Context, in billing.InboundNotification) (billing.Outcome, error) {
	s.slug = in.TenantSlug
	return billing.Outcome{Status: billing.OutcomeIgnored, Action: billing.ActionUnsupportedTopic}, nil
}

type noTenants struct{}

func (noTenants) TenantByAPIKeyHash(context.Context, string) (*models.Tenant, error) {
	return nil, billing.ErrNotFound
}

func newTestApp(p *stubProcessor) *fiber.App {
	app := fiber.New()
	InstallRouter(app, Dependencies{
		Webhooks: controllers.NewWebhookController(p),
		Checkout: controllers.NewCheckoutController(nil, nil),
		Status:   controllers.NewStatusController(nil),
		Admin:    controllers.NewAdminBillingController(nil),
		Tenants:  noTenants{},
	})
	return app
}

func TestInstallRouter_Webhooks(t *testing.T) {
	p := &stubProcessor{}
	app := newTestApp(p)

	resp, err := app.Test(httptest.NewRequest(fiber.MethodPost, "/webhooks/payments/store-a", strings.NewReader(`{}`)))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "store-a", p.slug)

	resp, err = app.Test(httptest.NewRequest(fiber.MethodPost, "/webhooks/payments", strings.NewReader(`{}`)))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Empty(t, p.slug)
}

func TestInstallRouter_Guards(t *testing.T) {
	app := newTestApp(&stubProcessor{})

	tests := []struct {
		method string
		path   string
		header map[string]string
		status int
	}{
		{fiber.MethodGet, "/healthz", nil, fiber.StatusOK},
		{fiber.MethodGet, "/api/v1/subscription/status", nil, fiber.StatusUnauthorized},
		{fiber.MethodPost, "/api/v1/checkout/order", map[string]string{"X-API-Key": "unknown"}, fiber.StatusUnauthorized},
		{fiber.MethodGet, "/api/v1/checkout/return", nil, fiber.StatusBadRequest},
		{fiber.MethodPost, "/admin/api/sweep", map[string]string{"X-Admin-Token": "anything"}, fiber.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}
