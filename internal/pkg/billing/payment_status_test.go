package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePaymentStatus(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "approved", want: PaymentStatusApproved},
		{in: " APPROVED ", want: PaymentStatusApproved},
		{in: "canceled", want: PaymentStatusCancelled},
		{in: "cancelled", want: PaymentStatusCancelled},
		{in: "chargedback", want: PaymentStatusChargedBack},
		{in: "in_mediation", want: PaymentStatusInProcess},
		{in: "something_new", want: "something_new"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizePaymentStatus(tt.in), tt.in)
	}
}

func TestIsSettledStatus(t *testing.T) {
	for _, status := range []string{PaymentStatusApproved, PaymentStatusRejected, PaymentStatusRefunded, PaymentStatusChargedBack} {
		assert.True(t, isSettledStatus(status), status)
	}
	for _, status := range []string{PaymentStatusPending, PaymentStatusInProcess, PaymentStatusAuthorized, ""} {
		assert.False(t, isSettledStatus(status), status)
	}
}
