package billing

import (
	"context"
	"errors"
	"time"

	"github.com/ManuelReschke/PayFox/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AuditFilter narrows ListAuditLogs. Zero fields are ignored.
type AuditFilter struct {
	TenantID  uint
	OrderID   uint
	Action    string
	PaymentID string
	Security  *bool
	Limit     int
}

// RecordTransition carries the columns written when a subscription record
// changes status.
type RecordTransition struct {
	ProviderPaymentID string
	PaidAt            *time.Time
	StartsAt          *time.Time
	ExpiresAt         *time.Time
}

// Repository provides DB operations used by the billing service. Every
// state-changing method is a conditional update and reports whether it won.
type Repository interface {
	UpsertNotificationEvent(ctx context.Context, event *models.NotificationEvent) (bool, *models.NotificationEvent, error)
	GetNotificationEvent(ctx context.Context, providerEventID, resourceID string) (*models.NotificationEvent, error)
	ClaimNotificationEvent(ctx context.Context, id uint, signatureState string, staleBefore, now time.Time) (bool, error)
	FinishNotificationEvent(ctx context.Context, id uint, status string, retryable bool, lastError, resultJSON string, now time.Time) error

	GetTenant(ctx context.Context, id uint) (*models.Tenant, error)
	GetTenantBySlug(ctx context.Context, slug string) (*models.Tenant, error)
	GetTenantByAPIKeyHash(ctx context.Context, hash string) (*models.Tenant, error)
	GetTenantByOwner(ctx context.Context, ownerUserID uint) (*models.Tenant, error)
	UpdateTenantState(ctx context.Context, next *models.Tenant, expectedVersion uint) (bool, error)
	SetTenantAPIKey(ctx context.Context, tenantID uint, hash, prefix string, createdAt *time.Time) error
	ConsumeOrderSlot(ctx context.Context, tenantID uint) (bool, error)
	ReleaseOrderSlot(ctx context.Context, tenantID uint) error
	ListTenantsDueForSweep(ctx context.Context, now time.Time, limit int) ([]models.Tenant, error)

	CreateSubscriptionRecordIfNotExists(ctx context.Context, rec *models.SubscriptionRecord) (bool, *models.SubscriptionRecord, error)
	GetSubscriptionRecord(ctx context.Context, id uint) (*models.SubscriptionRecord, error)
	GetSubscriptionRecordByPaymentID(ctx context.Context, paymentID string) (*models.SubscriptionRecord, error)
	LatestPendingSubscriptionRecord(ctx context.Context, tenantID uint, planTier string) (*models.SubscriptionRecord, error)
	TransitionSubscriptionRecord(ctx context.Context, id uint, from []string, to string, fields RecordTransition) (bool, error)
	SetSubscriptionCheckout(ctx context.Context, id uint, preferenceID, checkoutURL string) error

	CreateOrderIfNotExists(ctx context.Context, order *models.Order) (bool, *models.Order, error)
	GetOrder(ctx context.Context, id uint) (*models.Order, error)
	SetOrderCheckout(ctx context.Context, id uint, preferenceID, checkoutURL string) error
	ConfirmOrderPaid(ctx context.Context, id uint, fromStatus, paymentID string, paidAt time.Time) (bool, error)
	RejectOrder(ctx context.Context, id uint, paymentID string) (bool, error)

	CreateAuditLog(ctx context.Context, entry *models.AuditLog) error
	ListAuditLogs(ctx context.Context, filter AuditFilter) ([]models.AuditLog, error)

	GetPendingReferralUse(ctx context.Context, referredUserID uint) (*models.ReferralUse, error)
	ConvertReferralUse(ctx context.Context, id uint, paymentID string, amount int64, planTier string, at time.Time) (bool, error)
	CountConvertedReferrals(ctx context.Context, referrerUserID uint) (int64, error)
	CreateReferralRewardIfNotExists(ctx context.Context, reward *models.ReferralReward) (bool, error)

	// Transaction runs fn against a repository bound to one transaction.
	Transaction(ctx context.Context, fn func(tx Repository) error) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) conn(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx)
}

// notFound maps gorm's sentinel onto ErrNotFound and wraps everything else
// as a transient storage failure.
func notFound(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return transient(err)
}

func (r *gormRepository) UpsertNotificationEvent(ctx context.Context, event *models.NotificationEvent) (bool, *models.NotificationEvent, error) {
	tx := r.conn(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider_event_id"},
			{Name: "resource_id"},
		},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"updated_at":    time.Now(),
		}),
	}).Create(event)
	if tx.Error != nil {
		return false, nil, transient(tx.Error)
	}

	// MySQL reports 1 affected row for an insert and 2 for an update.
	created := tx.RowsAffected == 1
	stored, err := r.GetNotificationEvent(ctx, event.ProviderEventID, event.ResourceID)
	if err != nil {
		return false, nil, err
	}
	return created, stored, nil
}

func (r *gormRepository) GetNotificationEvent(ctx context.Context, providerEventID, resourceID string) (*models.NotificationEvent, error) {
	var stored models.NotificationEvent
	err := r.conn(ctx).Where("provider_event_id = ? AND resource_id = ?", providerEventID, resourceID).First(&stored).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &stored, nil
}

func (r *gormRepository) ClaimNotificationEvent(ctx context.Context, id uint, signatureState string, staleBefore, now time.Time) (bool, error) {
	tx := r.conn(ctx).Model(&models.NotificationEvent{}).
		Where("id = ?", id).
		Where(
			r.db.Where("status = ?", models.NotificationStatusReceived).
				Or("status = ? AND retryable = ?", models.NotificationStatusFailed, true).
				Or("status = ? AND processing_started_at < ?", models.NotificationStatusProcessing, staleBefore),
		).
		Updates(map[string]interface{}{
			"status":                models.NotificationStatusProcessing,
			"processing_started_at": now,
			"signature_state":       signatureState,
			"signature_valid":       signatureState == models.SignatureVerified,
		})
	if tx.Error != nil {
		return false, transient(tx.Error)
	}
	return tx.RowsAffected == 1, nil
}

func (r *gormRepository) FinishNotificationEvent(ctx context.Context, id uint, status string, retryable bool, lastError, resultJSON string, now time.Time) error {
	updates := map[string]interface{}{
		"status":      status,
		"retryable":   retryable,
		"last_error":  lastError,
		"result_json": resultJSON,
	}
	if status == models.NotificationStatusProcessed {
		updates["processed_at"] = now
	}
	return transient(r.conn(ctx).Model(&models.NotificationEvent{}).Where("id = ?", id).Updates(updates).Error)
}

func (r *gormRepository) GetTenant(ctx context.Context, id uint) (*models.Tenant, error) {
	var t models.Tenant
	if err := r.conn(ctx).First(&t, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (r *gormRepository) GetTenantBySlug(ctx context.Context, slug string) (*models.Tenant, error) {
	var t models.Tenant
	if err := r.conn(ctx).Where("slug = ?", slug).First(&t).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (r *gormRepository) GetTenantByAPIKeyHash(ctx context.Context, hash string) (*models.Tenant, error) {
	var t models.Tenant
	if err := r.conn(ctx).Where("api_key_hash = ?", hash).First(&t).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (r *gormRepository) GetTenantByOwner(ctx context.Context, ownerUserID uint) (*models.Tenant, error) {
	var t models.Tenant
	if err := r.conn(ctx).Where("owner_user_id = ?", ownerUserID).Order("id ASC").First(&t).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// UpdateTenantState writes the subscription and customization columns of
// next if the row still carries expectedVersion.
func (r *gormRepository) UpdateTenantState(ctx context.Context, next *models.Tenant, expectedVersion uint) (bool, error) {
	tx := r.conn(ctx).Model(&models.Tenant{}).
		Where("id = ? AND state_version = ?", next.ID, expectedVersion).
		Updates(map[string]interface{}{
			"tier":                     next.Tier,
			"subscription_status":      next.SubscriptionStatus,
			"premium_until":            next.PremiumUntil,
			"grace_until":              next.GraceUntil,
			"scheduled_tier":           next.ScheduledTier,
			"scheduled_effective_at":   next.ScheduledEffectiveAt,
			"auto_renew":               next.AutoRenew,
			"orders_limit":             next.OrdersLimit,
			"orders_remaining":         next.OrdersRemaining,
			"current_subscription_id":  next.CurrentSubscriptionID,
			"theme_preset":             next.ThemePreset,
			"hide_branding":            next.HideBranding,
			"custom_fonts_enabled":     next.CustomFontsEnabled,
			"announcement_bar_enabled": next.AnnouncementBarEnabled,
			"state_version":            expectedVersion + 1,
		})
	if tx.Error != nil {
		return false, transient(tx.Error)
	}
	if tx.RowsAffected == 1 {
		next.StateVersion = expectedVersion + 1
		return true, nil
	}
	return false, nil
}

// SetTenantAPIKey replaces the stored key. It leaves state_version alone:
// credentials are not subscription state.
func (r *gormRepository) SetTenantAPIKey(ctx context.Context, tenantID uint, hash, prefix string, createdAt *time.Time) error {
	tx := r.conn(ctx).Model(&models.Tenant{}).Where("id = ?", tenantID).Updates(map[string]interface{}{
		"api_key_hash":       hash,
		"api_key_prefix":     prefix,
		"api_key_created_at": createdAt,
	})
	if tx.Error != nil {
		return transient(tx.Error)
	}
	return nil
}

func (r *gormRepository) ConsumeOrderSlot(ctx context.Context, tenantID uint) (bool, error) {
	tx := r.conn(ctx).Model(&models.Tenant{}).
		Where("id = ? AND orders_remaining IS NOT NULL AND orders_remaining > 0", tenantID).
		Updates(map[string]interface{}{
			"orders_remaining": gorm.Expr("orders_remaining - 1"),
			"state_version":    gorm.Expr("state_version + 1"),
		})
	if tx.Error != nil {
		return false, transient(tx.Error)
	}
	return tx.RowsAffected == 1, nil
}

func (r *gormRepository) ReleaseOrderSlot(ctx context.Context, tenantID uint) error {
	return transient(r.conn(ctx).Model(&models.Tenant{}).
		Where("id = ? AND orders_remaining IS NOT NULL AND orders_limit IS NOT NULL AND orders_remaining < orders_limit", tenantID).
		Updates(map[string]interface{}{
			"orders_remaining": gorm.Expr("orders_remaining + 1"),
			"state_version":    gorm.Expr("state_version + 1"),
		}).Error)
}

func (r *gormRepository) ListTenantsDueForSweep(ctx context.Context, now time.Time, limit int) ([]models.Tenant, error) {
	var tenants []models.Tenant
	err := r.conn(ctx).
		Where("scheduled_tier <> '' AND scheduled_effective_at IS NOT NULL AND scheduled_effective_at <= ?", now).
		Or("subscription_status = ? AND premium_until IS NOT NULL AND premium_until < ?", models.SubscriptionStatusActive, now).
		Or("subscription_status = ? AND (grace_until IS NULL OR grace_until < ?)", models.SubscriptionStatusGracePeriod, now).
		Order("id ASC").
		Limit(limit).
		Find(&tenants).Error
	return tenants, transient(err)
}

func (r *gormRepository) CreateSubscriptionRecordIfNotExists(ctx context.Context, rec *models.SubscriptionRecord) (bool, *models.SubscriptionRecord, error) {
	tx := r.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(rec)
	if tx.Error != nil {
		return false, nil, transient(tx.Error)
	}
	var stored models.SubscriptionRecord
	if err := r.conn(ctx).Where("idempotency_key = ?", rec.IdempotencyKey).First(&stored).Error; err != nil {
		return false, nil, notFound(err)
	}
	return tx.RowsAffected > 0, &stored, nil
}

func (r *gormRepository) GetSubscriptionRecord(ctx context.Context, id uint) (*models.SubscriptionRecord, error) {
	var rec models.SubscriptionRecord
	if err := r.conn(ctx).First(&rec, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

func (r *gormRepository) GetSubscriptionRecordByPaymentID(ctx context.Context, paymentID string) (*models.SubscriptionRecord, error) {
	var rec models.SubscriptionRecord
	if err := r.conn(ctx).Where("provider_payment_id = ?", paymentID).First(&rec).Error; err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

func (r *gormRepository) LatestPendingSubscriptionRecord(ctx context.Context, tenantID uint, planTier string) (*models.SubscriptionRecord, error) {
	q := r.conn(ctx).Where("tenant_id = ? AND status = ?", tenantID, models.SubscriptionRecordPending)
	if planTier != "" {
		q = q.Where("plan_tier = ?", planTier)
	}
	var rec models.SubscriptionRecord
	if err := q.Order("created_at DESC, id DESC").First(&rec).Error; err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

func (r *gormRepository) TransitionSubscriptionRecord(ctx context.Context, id uint, from []string, to string, fields RecordTransition) (bool, error) {
	updates := map[string]interface{}{"status": to}
	if fields.ProviderPaymentID != "" {
		updates["provider_payment_id"] = fields.ProviderPaymentID
	}
	if fields.PaidAt != nil {
		updates["paid_at"] = fields.PaidAt
	}
	if fields.StartsAt != nil {
		updates["starts_at"] = fields.StartsAt
	}
	if fields.ExpiresAt != nil {
		updates["expires_at"] = fields.ExpiresAt
	}
	tx := r.conn(ctx).Model(&models.SubscriptionRecord{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if tx.Error != nil {
		return false, transient(tx.Error)
	}
	return tx.RowsAffected == 1, nil
}

func (r *gormRepository) SetSubscriptionCheckout(ctx context.Context, id uint, preferenceID, checkoutURL string) error {
	return transient(r.conn(ctx).Model(&models.SubscriptionRecord{}).Where("id = ?", id).
		Updates(map[string]interface{}{"preference_id": preferenceID, "checkout_url": checkoutURL}).Error)
}

func (r *gormRepository) CreateOrderIfNotExists(ctx context.Context, order *models.Order) (bool, *models.Order, error) {
	tx := r.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(order)
	if tx.Error != nil {
		return false, nil, transient(tx.Error)
	}
	var stored models.Order
	if err := r.conn(ctx).Preload("Items").Where("idempotency_key = ?", order.IdempotencyKey).First(&stored).Error; err != nil {
		return false, nil, notFound(err)
	}
	return tx.RowsAffected > 0, &stored, nil
}

func (r *gormRepository) GetOrder(ctx context.Context, id uint) (*models.Order, error) {
	var order models.Order
	if err := r.conn(ctx).Preload("Items").First(&order, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &order, nil
}

func (r *gormRepository) SetOrderCheckout(ctx context.Context, id uint, preferenceID, checkoutURL string) error {
	return transient(r.conn(ctx).Model(&models.Order{}).Where("id = ?", id).
		Updates(map[string]interface{}{"preference_id": preferenceID, "checkout_url": checkoutURL}).Error)
}

// ConfirmOrderPaid flips is_paid exactly once.
func (r *gormRepository) ConfirmOrderPaid(ctx context.Context, id uint, fromStatus, paymentID string, paidAt time.Time) (bool, error) {
	tx := r.conn(ctx).Model(&models.Order{}).
		Where("id = ? AND is_paid = ? AND payment_status = ?", id, false, fromStatus).
		Updates(map[string]interface{}{
			"is_paid":             true,
			"paid_at":             paidAt,
			"payment_status":      models.OrderStatusConfirmed,
			"provider_payment_id": paymentID,
		})
	if tx.Error != nil {
		return false, transient(tx.Error)
	}
	return tx.RowsAffected == 1, nil
}

func (r *gormRepository) RejectOrder(ctx context.Context, id uint, paymentID string) (bool, error) {
	tx := r.conn(ctx).Model(&models.Order{}).
		Where("id = ? AND is_paid = ? AND payment_status = ?", id, false, models.OrderStatusPendingPayment).
		Updates(map[string]interface{}{
			"payment_status":      models.OrderStatusRejected,
			"provider_payment_id": paymentID,
		})
	if tx.Error != nil {
		return false, transient(tx.Error)
	}
	return tx.RowsAffected == 1, nil
}

func (r *gormRepository) CreateAuditLog(ctx context.Context, entry *models.AuditLog) error {
	return transient(r.conn(ctx).Create(entry).Error)
}

func (r *gormRepository) ListAuditLogs(ctx context.Context, f AuditFilter) ([]models.AuditLog, error) {
	q := r.conn(ctx).Model(&models.AuditLog{})
	if f.TenantID != 0 {
		q = q.Where("tenant_id = ?", f.TenantID)
	}
	if f.OrderID != 0 {
		q = q.Where("order_id = ?", f.OrderID)
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.PaymentID != "" {
		q = q.Where("payment_id = ?", f.PaymentID)
	}
	if f.Security != nil {
		q = q.Where("security = ?", *f.Security)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []models.AuditLog
	err := q.Order("id DESC").Limit(limit).Find(&out).Error
	return out, transient(err)
}

func (r *gormRepository) GetPendingReferralUse(ctx context.Context, referredUserID uint) (*models.ReferralUse, error) {
	var use models.ReferralUse
	err := r.conn(ctx).Where("referred_user_id = ? AND status = ?", referredUserID, models.ReferralUsePending).First(&use).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &use, nil
}

func (r *gormRepository) ConvertReferralUse(ctx context.Context, id uint, paymentID string, amount int64, planTier string, at time.Time) (bool, error) {
	tx := r.conn(ctx).Model(&models.ReferralUse{}).
		Where("id = ? AND status = ?", id, models.ReferralUsePending).
		Updates(map[string]interface{}{
			"status":       models.ReferralUseConverted,
			"payment_id":   paymentID,
			"amount":       amount,
			"plan_tier":    planTier,
			"converted_at": at,
		})
	if tx.Error != nil {
		return false, transient(tx.Error)
	}
	return tx.RowsAffected == 1, nil
}

func (r *gormRepository) CountConvertedReferrals(ctx context.Context, referrerUserID uint) (int64, error) {
	var n int64
	err := r.conn(ctx).Model(&models.ReferralUse{}).
		Where("referrer_user_id = ? AND status = ?", referrerUserID, models.ReferralUseConverted).
		Count(&n).Error
	return n, transient(err)
}

func (r *gormRepository) CreateReferralRewardIfNotExists(ctx context.Context, reward *models.ReferralReward) (bool, error) {
	tx := r.conn(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "referrer_user_id"},
			{Name: "threshold"},
		},
		DoNothing: true,
	}).Create(reward)
	if tx.Error != nil {
		return false, transient(tx.Error)
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) Transaction(ctx context.Context, fn func(tx Repository) error) error {
	return r.conn(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}
