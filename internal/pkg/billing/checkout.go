package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/entitlements"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
)

type SubscriptionCheckoutInput struct {
	TenantID       uint   `json:"tenant_id" validate:"required"`
	PlanTier       string `json:"plan_tier" validate:"required,oneof=premium premium_pro"`
	BillingPeriod  string `json:"billing_period" validate:"required,oneof=monthly yearly"`
	IdempotencyKey string `json:"idempotency_key" validate:"omitempty,max=150"`
}

type OrderItemInput struct {
	ProductID string `json:"product_id" validate:"required,max=100"`
	Title     string `json:"title" validate:"required,max=200"`
	Quantity  int    `json:"quantity" validate:"required,min=1,max=1000"`
	UnitPrice int64  `json:"unit_price" validate:"required,min=1"`
}

type OrderCheckoutInput struct {
	TenantID       uint             `json:"tenant_id" validate:"required"`
	CustomerEmail  string           `json:"customer_email" validate:"omitempty,email"`
	Items          []OrderItemInput `json:"items" validate:"required,min=1,max=100,dive"`
	IdempotencyKey string           `json:"idempotency_key" validate:"omitempty,max=150"`
}

// Checkout is what UI collaborators need to send the payer to the provider.
type Checkout struct {
	RedirectURL   string `json:"redirect_url"`
	LocalRecordID uint   `json:"local_record_id"`
	PreferenceID  string `json:"preference_id"`
	Reused        bool   `json:"reused"`
}

// CreateSubscriptionCheckout opens a pending subscription record and a
// provider checkout for it. Retrying with the same idempotency key returns
// the first checkout.
func (s *Service) CreateSubscriptionCheckout(ctx context.Context, in SubscriptionCheckoutInput) (*Checkout, error) {
	if err := s.validateInput(in); err != nil {
		return nil, err
	}
	tenant, err := s.repo.GetTenant(ctx, in.TenantID)
	if err != nil {
		return nil, err
	}

	plan := entitlements.Normalize(in.PlanTier)
	period := entitlements.NormalizePeriod(in.BillingPeriod)
	amount, err := entitlements.Price(plan, period)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" {
		key = uuid.NewString()
	}
	created, rec, err := s.repo.CreateSubscriptionRecordIfNotExists(ctx, &models.SubscriptionRecord{
		TenantID:       tenant.ID,
		PlanTier:       string(plan),
		BillingPeriod:  period,
		Amount:         amount,
		Currency:       s.cfg.Currency,
		IdempotencyKey: "sub:" + key,
		Status:         models.SubscriptionRecordPending,
	})
	if err != nil {
		return nil, err
	}
	if rec.TenantID != tenant.ID {
		return nil, validationf("idempotency key belongs to another checkout")
	}
	if !created && rec.CheckoutURL != "" {
		return &Checkout{RedirectURL: rec.CheckoutURL, LocalRecordID: rec.ID, PreferenceID: rec.PreferenceID, Reused: true}, nil
	}

	ref := SubscriptionReference{TenantID: tenant.ID, PlanTier: plan, BillingPeriod: period, SubscriptionID: rec.ID}
	pref, err := s.provider.CreatePreference(ctx, "", PreferenceRequest{
		Items: []PreferenceItem{{
			ID:        string(plan) + "-" + period,
			Title:     fmt.Sprintf("%s plan (%s)", plan, period),
			Quantity:  1,
			UnitPrice: amount,
			Currency:  s.cfg.Currency,
		}},
		ExternalReference: EncodeExternalReference(ref),
		PayerEmail:        tenant.OwnerEmail,
		NotificationURL:   s.publicURL("/webhooks/payments"),
		SuccessURL:        s.publicURL("/api/v1/checkout/return"),
		FailureURL:        s.publicURL("/api/v1/checkout/return"),
		PendingURL:        s.publicURL("/api/v1/checkout/return"),
		IdempotencyKey:    rec.IdempotencyKey,
	})
	if err != nil {
		log.Errorf("[Billing] subscription checkout for tenant %d failed: %v", tenant.ID, err)
		return nil, err
	}
	if err := s.repo.SetSubscriptionCheckout(ctx, rec.ID, pref.ID, pref.InitPoint); err != nil {
		return nil, err
	}
	return &Checkout{RedirectURL: pref.InitPoint, LocalRecordID: rec.ID, PreferenceID: pref.ID}, nil
}

// CreateOrderCheckout stores a pending order, consumes one slot of the
// tenant's order allowance and opens a checkout on the tenant's own
// provider account.
func (s *Service) CreateOrderCheckout(ctx context.Context, in OrderCheckoutInput) (*Checkout, error) {
	if err := s.validateInput(in); err != nil {
		return nil, err
	}
	tenant, err := s.repo.GetTenant(ctx, in.TenantID)
	if err != nil {
		return nil, err
	}

	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" {
		key = uuid.NewString()
	}
	key = fmt.Sprintf("order:%d:%s", tenant.ID, key)

	items := make([]models.OrderItem, 0, len(in.Items))
	var total int64
	for _, it := range in.Items {
		item := models.OrderItem{ProductID: it.ProductID, Title: it.Title, Quantity: it.Quantity, UnitPrice: it.UnitPrice}
		total += item.LineTotal()
		items = append(items, item)
	}

	consumed := false
	if tenant.OrdersRemaining != nil {
		ok, err := s.repo.ConsumeOrderSlot(ctx, tenant.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrOrdersLimit
		}
		consumed = true
	}

	created, order, err := s.repo.CreateOrderIfNotExists(ctx, &models.Order{
		TenantID:       tenant.ID,
		CustomerEmail:  strings.TrimSpace(in.CustomerEmail),
		Total:          total,
		Currency:       s.cfg.Currency,
		PaymentStatus:  models.OrderStatusPendingPayment,
		IdempotencyKey: key,
		ConsumedSlot:   consumed,
		Items:          items,
	})
	if err != nil || !created {
		if consumed {
			s.releaseSlot(ctx, tenant.ID)
		}
		if err != nil {
			return nil, err
		}
	}
	if !created && order.CheckoutURL != "" {
		return &Checkout{RedirectURL: order.CheckoutURL, LocalRecordID: order.ID, PreferenceID: order.PreferenceID, Reused: true}, nil
	}
	s.invalidate(ctx, tenant.ID)

	prefItems := make([]PreferenceItem, 0, len(order.Items))
	for _, it := range order.Items {
		prefItems = append(prefItems, PreferenceItem{
			ID:        it.ProductID,
			Title:     it.Title,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			Currency:  order.Currency,
		})
	}
	pref, err := s.provider.CreatePreference(ctx, tenant.ProviderAccessToken, PreferenceRequest{
		Items:             prefItems,
		ExternalReference: EncodeExternalReference(PurchaseReference{TenantID: tenant.ID, OrderID: order.ID}),
		PayerEmail:        order.CustomerEmail,
		NotificationURL:   s.publicURL("/webhooks/payments/" + tenant.Slug),
		SuccessURL:        s.publicURL("/api/v1/checkout/return"),
		FailureURL:        s.publicURL("/api/v1/checkout/return"),
		PendingURL:        s.publicURL("/api/v1/checkout/return"),
		IdempotencyKey:    order.IdempotencyKey,
	})
	if err != nil {
		log.Errorf("[Billing] order checkout %d for tenant %d failed: %v", order.ID, tenant.ID, err)
		if !errors.Is(err, ErrTransient) {
			s.abandonOrder(ctx, order)
		}
		return nil, err
	}
	if err := s.repo.SetOrderCheckout(ctx, order.ID, pref.ID, pref.InitPoint); err != nil {
		return nil, err
	}
	return &Checkout{RedirectURL: pref.InitPoint, LocalRecordID: order.ID, PreferenceID: pref.ID}, nil
}

// abandonOrder rejects an order whose checkout could never be opened so
// it stops holding an order slot.
func (s *Service) abandonOrder(ctx context.Context, order *models.Order) {
	ok, err := s.repo.RejectOrder(ctx, order.ID, "")
	if err != nil {
		log.Warnf("[Billing] failed to abandon order %d: %v", order.ID, err)
		return
	}
	if ok && order.ConsumedSlot {
		s.releaseSlot(ctx, order.TenantID)
	}
}

func (s *Service) releaseSlot(ctx context.Context, tenantID uint) {
	if err := s.repo.ReleaseOrderSlot(ctx, tenantID); err != nil {
		log.Warnf("[Billing] failed to release order slot for tenant %d: %v", tenantID, err)
	}
	s.invalidate(ctx, tenantID)
}

func (s *Service) publicURL(path string) string {
	if s.cfg.PublicDomain == "" {
		return ""
	}
	return s.cfg.PublicDomain + path
}
