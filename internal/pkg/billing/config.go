package billing

import (
	"strings"
	"time"

	"github.com/ManuelReschke/PayFox/internal/pkg/env"
)

const defaultProviderAPIBaseURL = "https://api.mercadopago.com"

// Config carries the billing knobs. Zero values are replaced by defaults in
// NewService.
type Config struct {
	ProviderAPIBaseURL    string
	ProviderAccessToken   string
	PlatformWebhookSecret string
	ProviderTimeout       time.Duration
	PublicDomain          string

	Currency        string
	AmountTolerance float64
	StrictAmount    bool
	StrictCurrency  bool

	GracePeriod          time.Duration
	SweepInterval        time.Duration
	SweepBatchSize       int
	ProcessingStaleAfter time.Duration

	PollInterval    time.Duration
	PollMaxAttempts int
}

func ConfigFromEnv() Config {
	return Config{
		ProviderAPIBaseURL:    strings.TrimSpace(env.GetEnv("PROVIDER_API_BASE_URL", defaultProviderAPIBaseURL)),
		ProviderAccessToken:   strings.TrimSpace(env.GetEnv("PROVIDER_ACCESS_TOKEN", "")),
		PlatformWebhookSecret: strings.TrimSpace(env.GetEnv("PROVIDER_WEBHOOK_SECRET", "")),
		ProviderTimeout:       env.GetEnvDuration("PROVIDER_TIMEOUT", 10*time.Second),
		PublicDomain:          strings.TrimRight(env.GetEnv("PUBLIC_DOMAIN", ""), "/"),

		Currency:        strings.ToUpper(strings.TrimSpace(env.GetEnv("BILLING_CURRENCY", "ARS"))),
		AmountTolerance: env.GetEnvFloat("BILLING_AMOUNT_TOLERANCE", 0.01),
		StrictAmount:    env.GetEnvBool("BILLING_STRICT_AMOUNT", false),
		StrictCurrency:  env.GetEnvBool("BILLING_STRICT_CURRENCY", false),

		GracePeriod:          env.GetEnvDuration("BILLING_GRACE_PERIOD", 72*time.Hour),
		SweepInterval:        env.GetEnvDuration("BILLING_SWEEP_INTERVAL", 15*time.Minute),
		SweepBatchSize:       env.GetEnvInt("BILLING_SWEEP_BATCH_SIZE", 200),
		ProcessingStaleAfter: env.GetEnvDuration("LEDGER_PROCESSING_STALE_AFTER", 2*time.Minute),

		PollInterval:    env.GetEnvDuration("POLLER_INTERVAL", 2*time.Second),
		PollMaxAttempts: env.GetEnvInt("POLLER_MAX_ATTEMPTS", 5),
	}
}

func (c Config) withDefaults() Config {
	if c.ProviderAPIBaseURL == "" {
		c.ProviderAPIBaseURL = defaultProviderAPIBaseURL
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 10 * time.Second
	}
	if c.Currency == "" {
		c.Currency = "ARS"
	}
	if c.AmountTolerance <= 0 {
		c.AmountTolerance = 0.01
	}
	if c.GracePeriod < 0 {
		c.GracePeriod = 0
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 15 * time.Minute
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = 200
	}
	if c.ProcessingStaleAfter <= 0 {
		c.ProcessingStaleAfter = 2 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.PollMaxAttempts <= 0 {
		c.PollMaxAttempts = 5
	}
	return c
}
