package models

import "time"

const (
	OrderStatusPendingPayment = "pending_payment"
	OrderStatusConfirmed      = "confirmed"
	OrderStatusRejected       = "rejected"
)

// Order is one storefront customer purchase. IsPaid only ever moves from
// false to true.
type Order struct {
	ID                uint        `gorm:"primaryKey" json:"id"`
	TenantID          uint        `gorm:"not null;index" json:"tenant_id"`
	CustomerEmail     string      `gorm:"type:varchar(200);default:''" json:"customer_email"`
	Total             int64       `gorm:"not null" json:"total"`
	Currency          string      `gorm:"type:varchar(8);not null" json:"currency"`
	PaymentStatus     string      `gorm:"type:varchar(32);not null;default:'pending_payment';index" json:"payment_status"`
	IsPaid            bool        `gorm:"not null;default:false" json:"is_paid"`
	PaidAt            *time.Time  `gorm:"type:timestamp;default:null" json:"paid_at,omitempty"`
	ProviderPaymentID string      `gorm:"type:varchar(191);default:'';index" json:"provider_payment_id"`
	PreferenceID      string      `gorm:"type:varchar(191);default:''" json:"preference_id"`
	CheckoutURL       string      `gorm:"type:varchar(500);default:''" json:"checkout_url"`
	IdempotencyKey    string      `gorm:"type:varchar(191);not null;uniqueIndex" json:"idempotency_key"`
	ConsumedSlot      bool        `gorm:"not null;default:false" json:"-"`
	Items             []OrderItem `gorm:"foreignKey:OrderID" json:"items"`
	CreatedAt         time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

// OrderItem is a line of an order. UnitPrice is in minor currency units.
type OrderItem struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	OrderID   uint   `gorm:"not null;index" json:"order_id"`
	ProductID string `gorm:"type:varchar(100);not null" json:"product_id"`
	Title     string `gorm:"type:varchar(200);not null" json:"title"`
	Quantity  int    `gorm:"not null" json:"quantity"`
	UnitPrice int64  `gorm:"not null" json:"unit_price"`
}

// LineTotal returns quantity * unit price.
func (i OrderItem) LineTotal() int64 {
	return int64(i.Quantity) * i.UnitPrice
}
