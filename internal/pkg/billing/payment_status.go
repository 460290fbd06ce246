package billing

import "strings"

// normalizePaymentStatus folds the spellings the provider has used over
// time onto the canonical status constants. Unknown values pass through
// lowercased and are treated as not yet settled.
func normalizePaymentStatus(status string) string {
	s := strings.ToLower(strings.TrimSpace(status))
	switch s {
	case "canceled":
		return PaymentStatusCancelled
	case "chargedback", "charged-back", "chargeback":
		return PaymentStatusChargedBack
	case "in_mediation":
		return PaymentStatusInProcess
	default:
		return s
	}
}

// isSettledStatus reports whether the provider will not move the payment
// out of this status on its own.
func isSettledStatus(status string) bool {
	switch status {
	case PaymentStatusApproved, PaymentStatusRejected, PaymentStatusCancelled,
		PaymentStatusRefunded, PaymentStatusChargedBack:
		return true
	default:
		return false
	}
}
