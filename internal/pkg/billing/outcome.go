package billing

const (
	OutcomeOK               = "ok"
	OutcomeAlreadyProcessed = "already_processed"
	OutcomeIgnored          = "ignored"
)

const (
	ActionSubscriptionActivated = "subscription_activated"
	ActionSubscriptionFailed    = "subscription_failed"
	ActionSubscriptionRefunded  = "subscription_refunded"
	ActionSubscriptionSuspended = "subscription_suspended"
	ActionAlreadyApplied        = "already_applied"
	ActionOrderConfirmed        = "order_confirmed"
	ActionAlreadyConfirmed      = "already_confirmed"
	ActionOrderRejected         = "order_rejected"
	ActionPaymentReversed       = "payment_reversed"
	ActionAwaitingPayment       = "awaiting_payment"
	ActionUnsupportedTopic      = "unsupported_topic"
	ActionStaleResource         = "stale_resource"
	ActionValidationFailed      = "validation_failed"
	ActionCrossTenant           = "cross_tenant"
)

const (
	failureValidation = "validation"
	failureSecurity   = "security"
)

// Outcome is the result of handling one notification. It is stored on the
// ledger row and replayed for redeliveries.
type Outcome struct {
	Status  string `json:"status"`
	Action  string `json:"action"`
	Failure string `json:"failure,omitempty"`

	// Reference is the decoded external reference of the payment. It is
	// not persisted.
	Reference ExternalReference `json:"-"`
}
