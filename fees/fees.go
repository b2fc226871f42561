// Package fees computes the platform and processing deductions applied to an
// escrowed amount. The same routine serves quoting and settlement.
package fees

import (
	"fmt"

	"github.com/shopspring/decimal"

	"gigescrow/apperr"
)

// Tier is the payer's subscription tier.
type Tier string

const (
	TierStandard   Tier = "standard"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// Method is the payment instrument used to fund the escrow.
type Method string

const (
	MethodCreditCard    Method = "credit_card"
	MethodBankTransfer  Method = "bank_transfer"
	MethodDigitalWallet Method = "digital_wallet"
)

var (
	ErrInvalidAmount = apperr.New(apperr.KindValidation, "invalid_amount", "fees: amount must be positive")
	ErrUnknownTier   = apperr.New(apperr.KindValidation, "unknown_tier", "fees: unknown payer tier")
	ErrUnknownMethod = apperr.New(apperr.KindValidation, "unknown_payment_method", "fees: unknown payment method")
	ErrInvalidRate   = apperr.New(apperr.KindValidation, "invalid_rate", "fees: invalid rate")
)

// Quote is the fee breakdown for one amount, in minor units.
// PlatformFee + ProcessingFee + NetAmount == Amount always holds.
type Quote struct {
	Amount        int64
	PlatformFee   int64
	ProcessingFee int64
	NetAmount     int64
}

// Schedule holds the rate tables.
type Schedule struct {
	tiers   map[Tier]decimal.Decimal
	methods map[Method]decimal.Decimal
}

// DefaultSchedule returns the marketplace's published rates.
func DefaultSchedule() Schedule {
	return Schedule{
		tiers: map[Tier]decimal.Decimal{
			TierStandard:   decimal.RequireFromString("0.05"),
			TierPremium:    decimal.RequireFromString("0.035"),
			TierEnterprise: decimal.RequireFromString("0.025"),
		},
		methods: map[Method]decimal.Decimal{
			MethodCreditCard:    decimal.RequireFromString("0.029"),
			MethodBankTransfer:  decimal.RequireFromString("0.008"),
			MethodDigitalWallet: decimal.RequireFromString("0.025"),
		},
	}
}

// ParseSchedule overlays rate overrides, given as decimal strings, on the
// default schedule. Only known tiers and methods may be overridden.
func ParseSchedule(tiers, methods map[string]string) (Schedule, error) {
	s := DefaultSchedule()
	for name, raw := range tiers {
		tier := Tier(name)
		if _, ok := s.tiers[tier]; !ok {
			return Schedule{}, fmt.Errorf("%w: %q", ErrUnknownTier, name)
		}
		rate, err := parseRate(raw)
		if err != nil {
			return Schedule{}, fmt.Errorf("fees: tier %s: %w", name, err)
		}
		s.tiers[tier] = rate
	}
	for name, raw := range methods {
		method := Method(name)
		if _, ok := s.methods[method]; !ok {
			return Schedule{}, fmt.Errorf("%w: %q", ErrUnknownMethod, name)
		}
		rate, err := parseRate(raw)
		if err != nil {
			return Schedule{}, fmt.Errorf("fees: method %s: %w", name, err)
		}
		s.methods[method] = rate
	}

	// fees must never consume the whole amount
	one := decimal.NewFromInt(1)
	for tier, tr := range s.tiers {
		for method, mr := range s.methods {
			if tr.Add(mr).GreaterThanOrEqual(one) {
				return Schedule{}, fmt.Errorf("%w: %s + %s rates reach 100%%", ErrInvalidRate, tier, method)
			}
		}
	}
	return s, nil
}

func parseRate(raw string) (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrInvalidRate, raw)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Decimal{}, fmt.Errorf("%w: %s out of range", ErrInvalidRate, raw)
	}
	return rate, nil
}

// Compute returns the fee breakdown for amount. Each fee is truncated toward
// zero at the minor unit; the net amount absorbs the remainder.
func (s Schedule) Compute(amount int64, tier Tier, method Method) (Quote, error) {
	if amount <= 0 {
		return Quote{}, ErrInvalidAmount
	}
	tierRate, ok := s.tiers[tier]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	methodRate, ok := s.methods[method]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}

	base := decimal.NewFromInt(amount)
	platform := base.Mul(tierRate).Floor().IntPart()
	processing := base.Mul(methodRate).Floor().IntPart()

	return Quote{
		Amount:        amount,
		PlatformFee:   platform,
		ProcessingFee: processing,
		NetAmount:     amount - platform - processing,
	}, nil
}

// Rates reports the configured rates for a tier and method pair.
func (s Schedule) Rates(tier Tier, method Method) (platform, processing decimal.Decimal, ok bool) {
	platform, okTier := s.tiers[tier]
	processing, okMethod := s.methods[method]
	return platform, processing, okTier && okMethod
}

var defaultSchedule = DefaultSchedule()

// Compute uses the default schedule.
func Compute(amount int64, tier Tier, method Method) (Quote, error) {
	return defaultSchedule.Compute(amount, tier, method)
}

// ValidTier reports whether tier is known to the default schedule.
func ValidTier(tier Tier) bool {
	_, ok := defaultSchedule.tiers[tier]
	return ok
}

// ValidMethod reports whether method is known to the default schedule.
func ValidMethod(method Method) bool {
	_, ok := defaultSchedule.methods[method]
	return ok
}
