package entitlements

import (
	"fmt"
	"strings"
)

type Plan string

const (
	PlanFree       Plan = "free"
	PlanPremium    Plan = "premium"
	PlanPremiumPro Plan = "premium_pro"
)

const (
	PeriodMonthly = "monthly"
	PeriodYearly  = "yearly"
)

// Customization holds the tier-gated storefront settings. Applying a new
// tier resets them to that tier's defaults.
type Customization struct {
	ThemePreset            string
	HideBranding           bool
	CustomFontsEnabled     bool
	AnnouncementBarEnabled bool
}

// TierSpec describes one sellable tier. Prices are in minor currency units.
// A nil OrdersLimit means the tier has no order cap.
type TierSpec struct {
	Plan         Plan
	Rank         int
	MonthlyPrice int64
	YearlyPrice  int64
	OrdersLimit  *int
	Defaults     Customization
}

func intPtr(v int) *int { return &v }

var catalog = map[Plan]TierSpec{
	PlanFree: {
		Plan:        PlanFree,
		Rank:        0,
		OrdersLimit: intPtr(25),
		Defaults:    Customization{ThemePreset: "classic"},
	},
	PlanPremium: {
		Plan:         PlanPremium,
		Rank:         1,
		MonthlyPrice: 999000,
		YearlyPrice:  9990000,
		OrdersLimit:  intPtr(500),
		Defaults: Customization{
			ThemePreset:            "modern",
			HideBranding:           true,
			AnnouncementBarEnabled: true,
		},
	},
	PlanPremiumPro: {
		Plan:         PlanPremiumPro,
		Rank:         2,
		MonthlyPrice: 1999000,
		YearlyPrice:  19990000,
		OrdersLimit:  nil,
		Defaults: Customization{
			ThemePreset:            "boutique",
			HideBranding:           true,
			CustomFontsEnabled:     true,
			AnnouncementBarEnabled: true,
		},
	},
}

// Normalize maps user or provider input to a known plan. Unknown values
// become free.
func Normalize(plan string) Plan {
	p := Plan(strings.ToLower(strings.TrimSpace(plan)))
	if _, ok := catalog[p]; ok {
		return p
	}
	return PlanFree
}

// IsKnown reports whether plan names a tier in the catalog.
func IsKnown(plan string) bool {
	_, ok := catalog[Plan(strings.ToLower(strings.TrimSpace(plan)))]
	return ok
}

// IsPaid reports whether plan is a known tier other than free.
func IsPaid(plan string) bool {
	return IsKnown(plan) && Normalize(plan) != PlanFree
}

func Rank(plan Plan) int {
	return catalog[Normalize(string(plan))].Rank
}

func Spec(plan Plan) TierSpec {
	return catalog[Normalize(string(plan))]
}

// OrdersLimit returns a fresh copy of the tier's order cap, nil for unlimited.
func OrdersLimit(plan Plan) *int {
	limit := Spec(plan).OrdersLimit
	if limit == nil {
		return nil
	}
	v := *limit
	return &v
}

func Defaults(plan Plan) Customization {
	return Spec(plan).Defaults
}

// Price returns the checkout amount for a paid tier and billing period.
func Price(plan Plan, period string) (int64, error) {
	if !IsPaid(string(plan)) {
		return 0, fmt.Errorf("plan %q is not purchasable", plan)
	}
	spec := Spec(plan)
	switch NormalizePeriod(period) {
	case PeriodMonthly:
		return spec.MonthlyPrice, nil
	case PeriodYearly:
		return spec.YearlyPrice, nil
	default:
		return 0, fmt.Errorf("unknown billing period %q", period)
	}
}

// NormalizePeriod accepts the provider and UI spellings of a billing period.
// It returns "" for anything else.
func NormalizePeriod(period string) string {
	switch strings.ToLower(strings.TrimSpace(period)) {
	case "monthly", "month", "mensual":
		return PeriodMonthly
	case "yearly", "year", "annual", "anual":
		return PeriodYearly
	default:
		return ""
	}
}

// PeriodDays is the entitlement length bought by one payment.
func PeriodDays(period string) int {
	if NormalizePeriod(period) == PeriodYearly {
		return 365
	}
	return 30
}
