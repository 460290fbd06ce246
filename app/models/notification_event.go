package models

import "time"

const (
	NotificationStatusReceived   = "received"
	NotificationStatusProcessing = "processing"
	NotificationStatusProcessed  = "processed"
	NotificationStatusFailed     = "failed"
)

const (
	SignatureVerified     = "verified"
	SignatureInvalid      = "invalid"
	SignatureUnverifiable = "unverifiable"
)

// NotificationEvent stores every inbound provider notification. The pair
// (provider event id, resource id) is unique; redeliveries bump AttemptCount
// on the same row. Rows are never deleted.
type NotificationEvent struct {
	ID                  uint       `gorm:"primaryKey" json:"id"`
	ProviderEventID     string     `gorm:"type:varchar(191);not null;index:ux_notification_events_event_resource,unique,priority:1" json:"provider_event_id"`
	ResourceID          string     `gorm:"type:varchar(191);not null;index:ux_notification_events_event_resource,unique,priority:2;index" json:"resource_id"`
	ResourceType        string     `gorm:"type:varchar(50);not null;index" json:"resource_type"`
	Action              string     `gorm:"type:varchar(100);default:''" json:"action"`
	TenantID            *uint      `gorm:"default:null;index" json:"tenant_id,omitempty"`
	RequestID           string     `gorm:"type:varchar(191);default:''" json:"request_id"`
	PayloadJSON         string     `gorm:"type:longtext;not null" json:"payload_json"`
	SignatureValid      bool       `gorm:"default:false;index" json:"signature_valid"`
	SignatureState      string     `gorm:"type:varchar(16);not null;default:'unverifiable'" json:"signature_state"`
	Status              string     `gorm:"type:varchar(16);not null;default:'received';index" json:"status"`
	AttemptCount        int        `gorm:"not null;default:1" json:"attempt_count"`
	Retryable           bool       `gorm:"not null;default:true" json:"retryable"`
	LastError           string     `gorm:"type:text" json:"last_error"`
	ResultJSON          string     `gorm:"type:text" json:"result_json"`
	ProcessingStartedAt *time.Time `gorm:"type:timestamp;default:null" json:"processing_started_at,omitempty"`
	ProcessedAt         *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	CreatedAt           time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsTerminal reports whether redeliveries must replay the stored result
// instead of running the pipeline again.
func (e *NotificationEvent) IsTerminal() bool {
	if e == nil {
		return false
	}
	return e.Status == NotificationStatusProcessed ||
		(e.Status == NotificationStatusFailed && !e.Retryable)
}
