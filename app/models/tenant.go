package models

import "time"

const (
	SubscriptionStatusNone        = "none"
	SubscriptionStatusActive      = "active"
	SubscriptionStatusGracePeriod = "grace_period"
	SubscriptionStatusSuspended   = "suspended"
	SubscriptionStatusCancelled   = "cancelled"
	SubscriptionStatusExpired     = "expired"
)

// Tenant is a storefront account. The subscription fields are point-mutated
// by the billing state machines only; every write is conditioned on
// StateVersion so concurrent writers converge without a held lock.
type Tenant struct {
	ID                  uint   `gorm:"primaryKey" json:"id"`
	OwnerUserID         uint   `gorm:"not null;index" json:"owner_user_id"`
	Name                string `gorm:"type:varchar(150);not null" json:"name"`
	Slug                string `gorm:"type:varchar(100);not null;uniqueIndex" json:"slug"`
	OwnerEmail          string `gorm:"type:varchar(200);default:''" json:"owner_email"`
	ProviderAccessToken string `gorm:"type:text" json:"-"`
	WebhookSecret       string `gorm:"type:varchar(191);default:''" json:"-"`

	APIKeyHash      string     `gorm:"type:char(64);default:'';index" json:"-"`
	APIKeyPrefix    string     `gorm:"type:varchar(20);default:''" json:"api_key_prefix"`
	APIKeyCreatedAt *time.Time `gorm:"type:timestamp;default:null" json:"api_key_created_at,omitempty"`

	Tier                  string     `gorm:"type:varchar(50);not null;default:'free'" json:"tier"`
	SubscriptionStatus    string     `gorm:"type:varchar(32);not null;default:'none';index" json:"subscription_status"`
	PremiumUntil          *time.Time `gorm:"type:timestamp;default:null;index" json:"premium_until,omitempty"`
	GraceUntil            *time.Time `gorm:"type:timestamp;default:null" json:"grace_until,omitempty"`
	ScheduledTier         string     `gorm:"type:varchar(50);default:''" json:"scheduled_tier,omitempty"`
	ScheduledEffectiveAt  *time.Time `gorm:"type:timestamp;default:null" json:"scheduled_effective_at,omitempty"`
	AutoRenew             bool       `gorm:"default:false" json:"auto_renew"`
	OrdersLimit           *int       `gorm:"default:null" json:"orders_limit"`
	OrdersRemaining       *int       `gorm:"default:null" json:"orders_remaining"`
	CurrentSubscriptionID *uint      `gorm:"default:null" json:"current_subscription_id,omitempty"`
	StateVersion          uint       `gorm:"not null;default:0" json:"-"`

	// Tier-gated storefront customization. Reset to the tier defaults when a
	// scheduled change is applied.
	ThemePreset            string `gorm:"type:varchar(50);default:'classic'" json:"theme_preset"`
	HideBranding           bool   `gorm:"default:false" json:"hide_branding"`
	CustomFontsEnabled     bool   `gorm:"default:false" json:"custom_fonts_enabled"`
	AnnouncementBarEnabled bool   `gorm:"default:false" json:"announcement_bar_enabled"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Clone returns a deep copy so callers can compute a next state without
// aliasing the pointers of the row they read.
func (t *Tenant) Clone() *Tenant {
	if t == nil {
		return nil
	}
	c := *t
	c.PremiumUntil = cloneTime(t.PremiumUntil)
	c.GraceUntil = cloneTime(t.GraceUntil)
	c.APIKeyCreatedAt = cloneTime(t.APIKeyCreatedAt)
	c.ScheduledEffectiveAt = cloneTime(t.ScheduledEffectiveAt)
	c.OrdersLimit = cloneInt(t.OrdersLimit)
	c.OrdersRemaining = cloneInt(t.OrdersRemaining)
	if t.CurrentSubscriptionID != nil {
		v := *t.CurrentSubscriptionID
		c.CurrentSubscriptionID = &v
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInt(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}
