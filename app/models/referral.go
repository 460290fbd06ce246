package models

import "time"

const (
	ReferralUsePending   = "pending"
	ReferralUseConverted = "converted"
)

const RewardTypeFreeMonth = "free_month"

// ReferralUse links a referred user to the referrer. At most one per
// referred user; converted exactly once.
type ReferralUse struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	ReferrerUserID uint       `gorm:"not null;index" json:"referrer_user_id"`
	ReferredUserID uint       `gorm:"not null;uniqueIndex" json:"referred_user_id"`
	Code           string     `gorm:"type:varchar(50);not null;index" json:"code"`
	Status         string     `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	PaymentID      string     `gorm:"type:varchar(191);default:''" json:"payment_id"`
	Amount         int64      `gorm:"default:0" json:"amount"`
	PlanTier       string     `gorm:"type:varchar(50);default:''" json:"plan_tier"`
	ConvertedAt    *time.Time `gorm:"type:timestamp;default:null" json:"converted_at,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// ReferralReward is issued once per (referrer, threshold).
type ReferralReward struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ReferrerUserID uint      `gorm:"not null;index:ux_referral_rewards_threshold,unique,priority:1" json:"referrer_user_id"`
	Threshold      int       `gorm:"not null;index:ux_referral_rewards_threshold,unique,priority:2" json:"threshold"`
	ReferralUseID  uint      `gorm:"not null" json:"referral_use_id"`
	RewardType     string    `gorm:"type:varchar(32);not null" json:"reward_type"`
	Months         int       `gorm:"not null" json:"months"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}
