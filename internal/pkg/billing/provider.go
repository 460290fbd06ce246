package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ManuelReschke/PayFox/internal/pkg/metrics"
)

const (
	PaymentStatusApproved    = "approved"
	PaymentStatusPending     = "pending"
	PaymentStatusInProcess   = "in_process"
	PaymentStatusAuthorized  = "authorized"
	PaymentStatusRejected    = "rejected"
	PaymentStatusCancelled   = "cancelled"
	PaymentStatusRefunded    = "refunded"
	PaymentStatusChargedBack = "charged_back"
)

// Provider is the payment provider's query and checkout API. An empty
// access token means the platform token.
type Provider interface {
	FetchPayment(ctx context.Context, accessToken, paymentID string) (*CanonicalPayment, error)
	CreatePreference(ctx context.Context, accessToken string, req PreferenceRequest) (*Preference, error)
}

// CanonicalPayment is the provider's authoritative view of a payment.
// Amount is in minor currency units.
type CanonicalPayment struct {
	ID                string
	Status            string
	StatusDetail      string
	Amount            int64
	Currency          string
	ExternalReference string
	PayerEmail        string
	ApprovedAt        *time.Time
}

// PreferenceItem is one checkout line. UnitPrice is in minor units.
type PreferenceItem struct {
	ID        string
	Title     string
	Quantity  int
	UnitPrice int64
	Currency  string
}

type PreferenceRequest struct {
	Items             []PreferenceItem
	ExternalReference string
	PayerEmail        string
	NotificationURL   string
	SuccessURL        string
	FailureURL        string
	PendingURL        string
	IdempotencyKey    string
}

type Preference struct {
	ID        string `json:"id"`
	InitPoint string `json:"init_point"`
}

// ProviderClient speaks the Mercado Pago style REST API.
type ProviderClient struct {
	APIBaseURL  string
	AccessToken string

	HTTPClient *http.Client
}

func NewProviderClient(cfg Config) *ProviderClient {
	cfg = cfg.withDefaults()
	return &ProviderClient{
		APIBaseURL:  cfg.ProviderAPIBaseURL,
		AccessToken: cfg.ProviderAccessToken,
		HTTPClient: &http.Client{
			Timeout: cfg.ProviderTimeout,
		},
	}
}

func (c *ProviderClient) token(accessToken string) (string, error) {
	token := strings.TrimSpace(accessToken)
	if token == "" {
		token = strings.TrimSpace(c.AccessToken)
	}
	if token == "" {
		return "", errors.New("PROVIDER_ACCESS_TOKEN is not configured")
	}
	return token, nil
}

func (c *ProviderClient) FetchPayment(ctx context.Context, accessToken, paymentID string) (out *CanonicalPayment, err error) {
	start := time.Now()
	defer func() { observeProviderCall("fetch_payment", start, err) }()

	id := strings.TrimSpace(paymentID)
	if id == "" {
		return nil, validationf("payment id is required")
	}
	token, err := c.token(accessToken)
	if err != nil {
		return nil, transient(err)
	}

	u := strings.TrimRight(c.APIBaseURL, "/") + "/v1/payments/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, transient(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, transient(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ProviderError{Operation: "fetch_payment", StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
	}

	var raw struct {
		ID                json.Number `json:"id"`
		Status            string      `json:"status"`
		StatusDetail      string      `json:"status_detail"`
		TransactionAmount float64     `json:"transaction_amount"`
		CurrencyID        string      `json:"currency_id"`
		ExternalReference string      `json:"external_reference"`
		DateApproved      *time.Time  `json:"date_approved"`
		Payer             struct {
			Email string `json:"email"`
		} `json:"payer"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, transient(fmt.Errorf("decode payment: %w", err))
	}
	if raw.ID.String() == "" || raw.Status == "" {
		return nil, transient(errors.New("payment response without id or status"))
	}

	return &CanonicalPayment{
		ID:                raw.ID.String(),
		Status:            normalizePaymentStatus(raw.Status),
		StatusDetail:      raw.StatusDetail,
		Amount:            toMinorUnits(raw.TransactionAmount),
		Currency:          strings.ToUpper(strings.TrimSpace(raw.CurrencyID)),
		ExternalReference: raw.ExternalReference,
		PayerEmail:        raw.Payer.Email,
		ApprovedAt:        raw.DateApproved,
	}, nil
}

func (c *ProviderClient) CreatePreference(ctx context.Context, accessToken string, in PreferenceRequest) (out *Preference, err error) {
	start := time.Now()
	defer func() { observeProviderCall("create_preference", start, err) }()

	if len(in.Items) == 0 {
		return nil, validationf("preference needs at least one item")
	}
	token, err := c.token(accessToken)
	if err != nil {
		return nil, transient(err)
	}

	type item struct {
		ID         string  `json:"id,omitempty"`
		Title      string  `json:"title"`
		Quantity   int     `json:"quantity"`
		UnitPrice  float64 `json:"unit_price"`
		CurrencyID string  `json:"currency_id"`
	}
	payload := map[string]interface{}{
		"external_reference": in.ExternalReference,
		"auto_return":        "approved",
	}
	items := make([]item, 0, len(in.Items))
	for _, it := range in.Items {
		items = append(items, item{
			ID:         it.ID,
			Title:      it.Title,
			Quantity:   it.Quantity,
			UnitPrice:  fromMinorUnits(it.UnitPrice),
			CurrencyID: it.Currency,
		})
	}
	payload["items"] = items
	if in.PayerEmail != "" {
		payload["payer"] = map[string]string{"email": in.PayerEmail}
	}
	if in.NotificationURL != "" {
		payload["notification_url"] = in.NotificationURL
	}
	if in.SuccessURL != "" {
		payload["back_urls"] = map[string]string{
			"success": in.SuccessURL,
			"failure": in.FailureURL,
			"pending": in.PendingURL,
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	u := strings.TrimRight(c.APIBaseURL, "/") + "/checkout/preferences"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if in.IdempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", in.IdempotencyKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, transient(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ProviderError{Operation: "create_preference", StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
	}

	var pref Preference
	if err := json.Unmarshal(body, &pref); err != nil {
		return nil, transient(fmt.Errorf("decode preference: %w", err))
	}
	if pref.ID == "" || pref.InitPoint == "" {
		return nil, transient(errors.New("preference response without id or init_point"))
	}
	return &pref, nil
}

func observeProviderCall(op string, start time.Time, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	case errors.Is(err, ErrTransient):
		result = "transient"
	default:
		result = "error"
	}
	metrics.ProviderCallDuration.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
}

func toMinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func fromMinorUnits(amount int64) float64 {
	return float64(amount) / 100
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
