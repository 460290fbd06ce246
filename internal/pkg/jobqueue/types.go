package jobqueue

import (
	"encoding/json"
	"time"
)

// JobType defines the type of job
type JobType string

const (
	// JobTypeReconcilePayment re-runs payment reconciliation when the
	// provider was unreachable on the request path.
	JobTypeReconcilePayment JobType = "reconcile_payment"
	// JobTypeOrderPaidNotification emails the buyer and the store owner
	// once an order is confirmed.
	JobTypeOrderPaidNotification JobType = "order_paid_notification"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job represents a background job
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	DedupKey    string                 `json:"dedup_key,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// ReconcilePaymentJobPayload names a payment to verify with the provider.
// TenantID is zero for platform subscription payments.
type ReconcilePaymentJobPayload struct {
	PaymentID string `json:"payment_id"`
	TenantID  uint   `json:"tenant_id"`
	Source    string `json:"source"`
}

// ToMap converts the payload to a map for storage
func (p ReconcilePaymentJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"payment_id": p.PaymentID,
		"tenant_id":  p.TenantID,
		"source":     p.Source,
	}
}

func ReconcilePaymentJobPayloadFromMap(data map[string]interface{}) (*ReconcilePaymentJobPayload, error) {
	var payload ReconcilePaymentJobPayload
	err := decodePayload(data, &payload)
	return &payload, err
}

type OrderPaidNotificationJobPayload struct {
	OrderID       uint   `json:"order_id"`
	TenantID      uint   `json:"tenant_id"`
	CustomerEmail string `json:"customer_email"`
	Total         int64  `json:"total"`
	Currency      string `json:"currency"`
}

func (p OrderPaidNotificationJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"order_id":       p.OrderID,
		"tenant_id":      p.TenantID,
		"customer_email": p.CustomerEmail,
		"total":          p.Total,
		"currency":       p.Currency,
	}
}

func OrderPaidNotificationJobPayloadFromMap(data map[string]interface{}) (*OrderPaidNotificationJobPayload, error) {
	var payload OrderPaidNotificationJobPayload
	err := decodePayload(data, &payload)
	return &payload, err
}

// decodePayload round-trips through JSON so numbers stored as float64 by
// the Redis hop land in typed fields.
func decodePayload(data map[string]interface{}, out interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonData, out)
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// RetryDelay is the backoff before the next attempt: 30s, 1m, 2m, ...
// capped at 15 minutes.
func (j *Job) RetryDelay() time.Duration {
	d := 30 * time.Second
	for i := 1; i < j.RetryCount; i++ {
		d *= 2
		if d >= 15*time.Minute {
			return 15 * time.Minute
		}
	}
	return d
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying updates the job status to retrying
func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}
