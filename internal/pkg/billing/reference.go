package billing

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/ManuelReschke/PayFox/internal/pkg/entitlements"
)

type ReferenceType string

const (
	ReferenceSubscription     ReferenceType = "subscription"
	ReferenceCustomerPurchase ReferenceType = "customer_purchase"
)

// ExternalReference is the tagged union carried in a payment's
// external_reference. Callers switch on the concrete variant.
type ExternalReference interface {
	Type() ReferenceType
	Tenant() uint
}

// SubscriptionReference names a tenant plan checkout. SubscriptionID is
// optional; activation falls back to the newest pending record.
type SubscriptionReference struct {
	TenantID       uint
	PlanTier       entitlements.Plan
	BillingPeriod  string
	SubscriptionID uint
}

func (SubscriptionReference) Type() ReferenceType { return ReferenceSubscription }
func (r SubscriptionReference) Tenant() uint { return r.TenantID }

// PurchaseReference names one customer order in a tenant store.
type PurchaseReference struct {
	TenantID uint
	OrderID  uint
}

func (PurchaseReference) Type() ReferenceType { return ReferenceCustomerPurchase }
func (r PurchaseReference) Tenant() uint { return r.TenantID }

type rawReference struct {
	Type           string          `json:"type"`
	TenantID       json.RawMessage `json:"tenantId"`
	PlanTier       string          `json:"planTier"`
	BillingPeriod  string          `json:"billingPeriod"`
	SubscriptionID json.RawMessage `json:"subscriptionId"`
	OrderID        json.RawMessage `json:"orderId"`
}

// ParseExternalReference decodes raw into one reference variant. It never
// defaults a missing field; every failure is a *ReferenceError.
func ParseExternalReference(raw string) (ExternalReference, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, &ReferenceError{Reason: "empty"}
	}

	var r rawReference
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, &ReferenceError{Reason: "not a JSON object"}
	}

	tenantID, err := parseID("tenantId", r.TenantID, true)
	if err != nil {
		return nil, err
	}

	switch ReferenceType(strings.TrimSpace(r.Type)) {
	case ReferenceSubscription:
		if !entitlements.IsPaid(r.PlanTier) {
			return nil, &ReferenceError{Field: "planTier", Reason: "unknown paid plan " + strconv.Quote(r.PlanTier)}
		}
		period := entitlements.NormalizePeriod(r.BillingPeriod)
		if period == "" {
			return nil, &ReferenceError{Field: "billingPeriod", Reason: "unknown billing period " + strconv.Quote(r.BillingPeriod)}
		}
		subID, err := parseID("subscriptionId", r.SubscriptionID, false)
		if err != nil {
			return nil, err
		}
		return SubscriptionReference{
			TenantID:       tenantID,
			PlanTier:       entitlements.Normalize(r.PlanTier),
			BillingPeriod:  period,
			SubscriptionID: subID,
		}, nil
	case ReferenceCustomerPurchase:
		orderID, err := parseID("orderId", r.OrderID, true)
		if err != nil {
			return nil, err
		}
		return PurchaseReference{TenantID: tenantID, OrderID: orderID}, nil
	case "":
		return nil, &ReferenceError{Field: "type", Reason: "missing discriminant"}
	default:
		return nil, &ReferenceError{Field: "type", Reason: "unknown variant " + strconv.Quote(r.Type)}
	}
}

// EncodeExternalReference renders ref in the form ParseExternalReference accepts.
func EncodeExternalReference(ref ExternalReference) string {
	var m map[string]interface{}
	switch r := ref.(type) {
	case SubscriptionReference:
		m = map[string]interface{}{
			"type":          string(ReferenceSubscription),
			"tenantId":      r.TenantID,
			"planTier":      string(r.PlanTier),
			"billingPeriod": r.BillingPeriod,
		}
		if r.SubscriptionID != 0 {
			m["subscriptionId"] = r.SubscriptionID
		}
	case PurchaseReference:
		m = map[string]interface{}{
			"type":     string(ReferenceCustomerPurchase),
			"tenantId": r.TenantID,
			"orderId":  r.OrderID,
		}
	default:
		return ""
	}
	out, _ := json.Marshal(m)
	return string(out)
}

// parseID accepts a positive integer encoded as a JSON number or string.
func parseID(field string, raw json.RawMessage, required bool) (uint, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		if required {
			return 0, &ReferenceError{Field: field, Reason: "missing"}
		}
		return 0, nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unq)
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || v == 0 {
		return 0, &ReferenceError{Field: field, Reason: "not a positive integer"}
	}
	return uint(v), nil
}
