package models

import "time"

const (
	ActorWebhook = "webhook"
	ActorAdmin   = "admin"
	ActorCron    = "cron"
	ActorUser    = "user"
)

const (
	AuditSubscriptionActivated   = "subscription_activated"
	AuditSubscriptionRenewed     = "subscription_renewed"
	AuditSubscriptionFailed      = "subscription_failed"
	AuditSubscriptionRefunded    = "subscription_refunded"
	AuditSubscriptionSuspended   = "subscription_suspended"
	AuditSubscriptionGrace       = "subscription_grace_period"
	AuditSubscriptionExpired     = "subscription_expired"
	AuditScheduledChangeApplied  = "scheduled_change_applied"
	AuditDowngradeScheduled      = "downgrade_scheduled"
	AuditDowngradeCancelled      = "downgrade_cancelled"
	AuditTierGranted             = "tier_granted"
	AuditTierGifted              = "tier_gifted"
	AuditTierExtended            = "tier_extended"
	AuditTierRevoked             = "tier_revoked"
	AuditOrderPaid               = "order_paid"
	AuditOrderRejected           = "order_rejected"
	AuditOrderPaymentReversed    = "order_payment_reversed"
	AuditReferralConverted       = "referral_converted"
	AuditWebhookValidationFailed = "webhook_validation_failed"
	AuditWebhookSignatureInvalid = "webhook_signature_invalid"
	AuditCrossTenantPayment      = "cross_tenant_payment"
	AuditAPIKeyIssued            = "api_key_issued"
	AuditAPIKeyRevoked           = "api_key_revoked"
)

// AuditLog records every mutating transition. Security marks entries that
// ops must review (forged signatures, cross-tenant references).
type AuditLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TenantID  *uint     `gorm:"default:null;index" json:"tenant_id,omitempty"`
	OrderID   *uint     `gorm:"default:null;index" json:"order_id,omitempty"`
	Action    string    `gorm:"type:varchar(64);not null;index" json:"action"`
	ActorType string    `gorm:"type:varchar(16);not null" json:"actor_type"`
	ActorID   string    `gorm:"type:varchar(100);default:''" json:"actor_id"`
	OldValue  string    `gorm:"type:varchar(255);default:''" json:"old_value"`
	NewValue  string    `gorm:"type:varchar(255);default:''" json:"new_value"`
	PaymentID string    `gorm:"type:varchar(191);default:'';index" json:"payment_id"`
	Reason    string    `gorm:"type:text" json:"reason"`
	Security  bool      `gorm:"default:false;index" json:"security"`
	Details   string    `gorm:"type:text" json:"details"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
