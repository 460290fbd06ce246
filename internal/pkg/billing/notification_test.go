package billing

import (
	"net/url"
	"strings"
	"testing"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/stretchr/testify/assert"
)

func TestParseNotification(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		query url.Values
		want  Notification
	}{
		{
			name: "json body",
			body: `{"id":12345,"type":"payment","action":"payment.updated","live_mode":true,"data":{"id":"987"}}`,
			want: Notification{ProviderEventID: "12345", ResourceID: "987", ResourceType: "payment", Action: "payment.updated", LiveMode: true},
		},
		{
			name: "topic in body",
			body: `{"id":"evt-1","topic":"Merchant_Order","resource":"https://api.example/merchant_orders/555/"}`,
			want: Notification{ProviderEventID: "evt-1", ResourceID: "555", ResourceType: "merchant_order"},
		},
		{
			name:  "query type form",
			body:  `{"id":"evt-2"}`,
			query: url.Values{"type": {"payment"}, "data.id": {"321"}},
			want:  Notification{ProviderEventID: "evt-2", ResourceID: "321", ResourceType: "payment"},
		},
		{
			name:  "query topic form",
			body:  `{"id":"evt-3"}`,
			query: url.Values{"topic": {"payment"}, "id": {"654"}},
			want:  Notification{ProviderEventID: "evt-3", ResourceID: "654", ResourceType: "payment"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := tt.query
			if q == nil {
				q = url.Values{}
			}
			assert.Equal(t, tt.want, ParseNotification([]byte(tt.body), q))
		})
	}
}

func TestParseNotification_HashesMissingEventID(t *testing.T) {
	q := url.Values{"topic": {"payment"}, "id": {"654"}}
	a := ParseNotification(nil, q)
	b := ParseNotification(nil, q)
	c := ParseNotification(nil, url.Values{"topic": {"payment"}, "id": {"655"}})

	assert.True(t, strings.HasPrefix(a.ProviderEventID, "hash:"))
	assert.Equal(t, a.ProviderEventID, b.ProviderEventID)
	assert.NotEqual(t, a.ProviderEventID, c.ProviderEventID)
}

func TestVerifyNotificationSignature(t *testing.T) {
	valid := "ts=1760000000,v1=" + SignManifest("secret", "ABC123", "req-1", "1760000000")

	tests := []struct {
		name       string
		header     string
		requestID  string
		resourceID string
		secret     string
		want       string
	}{
		{name: "valid", header: valid, requestID: "req-1", resourceID: "ABC123", secret: "secret", want: models.SignatureVerified},
		{name: "resource id case folds", header: valid, requestID: "req-1", resourceID: "abc123", secret: "secret", want: models.SignatureVerified},
		{name: "header order and spacing", header: " v1=" + SignManifest("secret", "abc123", "req-1", "1760000000") + " , ts=1760000000", requestID: "req-1", resourceID: "abc123", secret: "secret", want: models.SignatureVerified},
		{name: "wrong secret", header: valid, requestID: "req-1", resourceID: "ABC123", secret: "other", want: models.SignatureInvalid},
		{name: "tampered resource", header: valid, requestID: "req-1", resourceID: "ABC124", secret: "secret", want: models.SignatureInvalid},
		{name: "tampered request id", header: valid, requestID: "req-2", resourceID: "ABC123", secret: "secret", want: models.SignatureInvalid},
		{name: "missing header", header: "", requestID: "req-1", resourceID: "ABC123", secret: "secret", want: models.SignatureInvalid},
		{name: "non hex digest", header: "ts=1,v1=zz", requestID: "req-1", resourceID: "ABC123", secret: "secret", want: models.SignatureInvalid},
		{name: "no secret", header: valid, requestID: "req-1", resourceID: "ABC123", secret: " ", want: models.SignatureUnverifiable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VerifyNotificationSignature(tt.header, tt.requestID, tt.resourceID, tt.secret))
		})
	}
}

func TestSignatureManifest(t *testing.T) {
	assert.Equal(t, "id:abc;request-id:r;ts:1;", SignatureManifest("ABC", "r", "1"))
	assert.Equal(t, "id:pay_X-1;ts:1;", SignatureManifest("pay_X-1", "", "1"))
	assert.Empty(t, SignatureManifest("", "", ""))
}
