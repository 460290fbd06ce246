package models

import "time"

const (
	BillingPeriodMonthly = "monthly"
	BillingPeriodYearly  = "yearly"
)

const (
	SubscriptionRecordPending  = "pending"
	SubscriptionRecordApproved = "approved"
	SubscriptionRecordFailed   = "failed"
	SubscriptionRecordRefunded = "refunded"
)

// SubscriptionRecord is one checkout attempt for a tenant plan. Only the
// subscription state machine moves it out of pending.
type SubscriptionRecord struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	TenantID          uint       `gorm:"not null;index:idx_subscription_records_tenant_status,priority:1" json:"tenant_id"`
	PlanTier          string     `gorm:"type:varchar(50);not null" json:"plan_tier"`
	BillingPeriod     string     `gorm:"type:varchar(16);not null" json:"billing_period"`
	Amount            int64      `gorm:"not null" json:"amount"`
	Currency          string     `gorm:"type:varchar(8);not null" json:"currency"`
	IdempotencyKey    string     `gorm:"type:varchar(191);not null;uniqueIndex" json:"idempotency_key"`
	Status            string     `gorm:"type:varchar(32);not null;default:'pending';index:idx_subscription_records_tenant_status,priority:2" json:"status"`
	ProviderPaymentID string     `gorm:"type:varchar(191);default:'';index" json:"provider_payment_id"`
	PreferenceID      string     `gorm:"type:varchar(191);default:''" json:"preference_id"`
	CheckoutURL       string     `gorm:"type:varchar(500);default:''" json:"checkout_url"`
	PaidAt            *time.Time `gorm:"type:timestamp;default:null" json:"paid_at,omitempty"`
	StartsAt          *time.Time `gorm:"type:timestamp;default:null" json:"starts_at,omitempty"`
	ExpiresAt         *time.Time `gorm:"type:timestamp;default:null" json:"expires_at,omitempty"`
	CreatedAt         time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
