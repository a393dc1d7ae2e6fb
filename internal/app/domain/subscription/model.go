// Package subscription holds the ledger domain models: tiered subscriptions,
// purchasable processing credits, referral codes and platform revenue.
package subscription

import "errors"

// Tier is a strictly ordered enumeration; transitions via upgrade must move
// to a strictly higher rank.
type Tier uint64

const (
	TierFree       Tier = 0
	TierPro        Tier = 1
	TierEnterprise Tier = 2
)

func (t Tier) String() string {
	switch t {
	case TierFree:
		return "free"
	case TierPro:
		return "pro"
	case TierEnterprise:
		return "enterprise"
	}
	return "unknown"
}

// MonthlyPrice returns the tier's price per month in minor units, zero for
// tiers without a subscription price.
func (t Tier) MonthlyPrice() uint64 {
	switch t {
	case TierPro:
		return ProMonthlyPrice
	case TierEnterprise:
		return EnterpriseMonthlyPrice
	}
	return 0
}

// Pricing and policy constants, monetary values in minor units.
const (
	ProMonthlyPrice        uint64 = 20_000_000
	EnterpriseMonthlyPrice uint64 = 100_000_000
	UpgradeFee             uint64 = 1_000_000
	PricePerCredit         uint64 = 100_000

	BlocksPerMonth uint64 = 4320

	MinDurationMonths uint64 = 1
	MaxDurationMonths uint64 = 12

	CancelRefundPercent   uint64 = 70
	ReferralRewardPercent uint64 = 10
)

// Credit packages. Prices carry volume discounts.
const (
	PackageSmall  uint64 = 1
	PackageMedium uint64 = 2
	PackageLarge  uint64 = 3

	PackageSmallCredits  uint64 = 1_000
	PackageMediumCredits uint64 = 10_000
	PackageLargeCredits  uint64 = 100_000

	PackageSmallPrice  uint64 = 5_000_000
	PackageMediumPrice uint64 = 40_000_000
	PackageLargePrice  uint64 = 300_000_000
)

// Ledger error taxonomy.
var (
	ErrInvalidTier         = errors.New("invalid subscription tier")
	ErrInvalidDuration     = errors.New("invalid subscription duration")
	ErrAlreadySubscribed   = errors.New("account already has an active subscription")
	ErrNotSubscribed       = errors.New("account has no active subscription")
	ErrInsufficientBalance = errors.New("insufficient credit balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrCodeExists          = errors.New("referral code already exists")
)

// Subscription is the single (at most) active subscription for a user.
// AmountPaid accumulates everything paid into the current cycle and is the
// base for pro-rated refunds.
type Subscription struct {
	User        string
	Tier        Tier
	IsActive    bool
	StartBlock  uint64
	EndBlock    uint64
	AutoRenew   bool
	PausedUntil uint64
	AmountPaid  uint64
}

// History statuses. The enumeration is closed.
const (
	StatusActive    = "active"
	StatusRenewed   = "renewed"
	StatusUpgraded  = "upgraded"
	StatusCancelled = "cancelled"
)

// HistoryEntry is one element of the append-only per-user subscription log.
// Sequence numbers start at 1 per user.
type HistoryEntry struct {
	Seq        uint64
	Tier       Tier
	Status     string
	RecordedAt uint64
}

// CreditBalance pairs the spendable balance with the monotonic lifetime
// purchase counter. Credits are an internal unit, never native currency.
type CreditBalance struct {
	Balance           uint64
	LifetimePurchased uint64
}

// UsageStats is bumped atomically whenever credits are consumed.
type UsageStats struct {
	EventsUsed      uint64
	CreditsConsumed uint64
}

// ReferralCode is immutable once created; usage and earnings only grow.
type ReferralCode struct {
	Code       string
	Referrer   string
	UsageCount uint64
	Earnings   uint64
}

// RevenueStats aggregates ledger-wide monotonic counters.
type RevenueStats struct {
	TotalRevenue          uint64
	TotalSubscriptions    uint64
	TotalCreditsPurchased uint64
}
