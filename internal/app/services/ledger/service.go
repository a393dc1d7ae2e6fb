// Package ledger implements the subscription and credit ledger: tiered
// subscriptions with prorated upgrades and refunds, purchasable processing
// credits, referral rewards and platform revenue accounting.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/eventflow-network/eventflow/internal/app/chain"
	"github.com/eventflow-network/eventflow/internal/app/domain/subscription"
	"github.com/eventflow-network/eventflow/internal/app/metrics"
	"github.com/eventflow-network/eventflow/internal/app/storage"
	"github.com/eventflow-network/eventflow/pkg/logger"
)

// Service owns all ledger state transitions. Subscription payments flow to
// the treasury account; refunds flow back out of it. Referral rewards are
// paid in credits, never native currency.
type Service struct {
	store    storage.LedgerStore
	bank     chain.Bank
	clock    chain.Clock
	treasury string
	log      *logger.Logger

	stats *metrics.Metrics
}

// New creates the ledger service. A nil log defaults to the standard
// component logger.
func New(store storage.LedgerStore, bank chain.Bank, clock chain.Clock, treasury string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	return &Service{store: store, bank: bank, clock: clock, treasury: treasury, log: log}
}

// AttachMetrics enables prometheus counters for subscriptions and fees.
func (s *Service) AttachMetrics(m *metrics.Metrics) { s.stats = m }

func (s *Service) countFee(amount uint64) {
	if s.stats != nil {
		s.stats.FeesCollected.WithLabelValues("ledger").Add(float64(amount))
	}
}

// Subscribe opens a subscription for caller at the given tier for the given
// number of months. A known referral code rewards the referrer with credits
// worth ReferralRewardPercent of the price; unknown codes are ignored.
func (s *Service) Subscribe(ctx context.Context, caller string, tier subscription.Tier, durationMonths uint64, referralCode string) error {
	if tier != subscription.TierPro && tier != subscription.TierEnterprise {
		return subscription.ErrInvalidTier
	}
	if durationMonths < subscription.MinDurationMonths || durationMonths > subscription.MaxDurationMonths {
		return subscription.ErrInvalidDuration
	}
	if active, err := s.HasActiveSubscription(ctx, caller); err != nil {
		return err
	} else if active {
		return subscription.ErrAlreadySubscribed
	}

	price := tier.MonthlyPrice() * durationMonths
	if err := s.bank.Transfer(caller, s.treasury, price); err != nil {
		return fmt.Errorf("charge subscription: %w", err)
	}

	now := s.clock.Height()
	sub := subscription.Subscription{
		User:       caller,
		Tier:       tier,
		IsActive:   true,
		StartBlock: now,
		EndBlock:   now + durationMonths*subscription.BlocksPerMonth,
		AmountPaid: price,
	}
	if err := s.store.PutSubscription(ctx, sub); err != nil {
		return fmt.Errorf("store subscription: %w", err)
	}
	if err := s.store.RecordRevenue(ctx, price, 0, true); err != nil {
		return fmt.Errorf("record revenue: %w", err)
	}
	if _, err := s.store.AppendHistory(ctx, caller, subscription.HistoryEntry{
		Tier: tier, Status: subscription.StatusActive, RecordedAt: now,
	}); err != nil {
		return fmt.Errorf("record history: %w", err)
	}

	if referralCode != "" {
		if err := s.applyReferral(ctx, referralCode, price); err != nil {
			return err
		}
	}

	if s.stats != nil {
		s.stats.SubscriptionsStarted.Inc()
	}
	s.countFee(price)

	s.log.WithField("user", caller).
		WithField("tier", tier.String()).
		WithField("months", durationMonths).
		Info("subscription started")
	return nil
}

func (s *Service) applyReferral(ctx context.Context, code string, price uint64) error {
	rec, err := s.store.GetReferralCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("look up referral code: %w", err)
	}

	reward := price * subscription.ReferralRewardPercent / 100
	if err := s.store.AddCredits(ctx, rec.Referrer, reward, false); err != nil {
		return fmt.Errorf("credit referrer: %w", err)
	}
	if err := s.store.RecordReferralUse(ctx, code, reward); err != nil {
		return fmt.Errorf("record referral use: %w", err)
	}
	return nil
}

// Renew extends an active subscription by one month at the current tier price
// and records the caller's auto-renew preference.
func (s *Service) Renew(ctx context.Context, caller string, autoRenew bool) error {
	sub, err := s.activeSubscription(ctx, caller)
	if err != nil {
		return err
	}

	price := sub.Tier.MonthlyPrice()
	if err := s.bank.Transfer(caller, s.treasury, price); err != nil {
		return fmt.Errorf("charge renewal: %w", err)
	}

	sub.EndBlock += subscription.BlocksPerMonth
	sub.AutoRenew = autoRenew
	sub.AmountPaid += price
	if err := s.store.PutSubscription(ctx, sub); err != nil {
		return fmt.Errorf("store subscription: %w", err)
	}
	if err := s.store.RecordRevenue(ctx, price, 0, false); err != nil {
		return fmt.Errorf("record revenue: %w", err)
	}
	if _, err := s.store.AppendHistory(ctx, caller, subscription.HistoryEntry{
		Tier: sub.Tier, Status: subscription.StatusRenewed, RecordedAt: s.clock.Height(),
	}); err != nil {
		return fmt.Errorf("record history: %w", err)
	}
	s.countFee(price)
	return nil
}

// Upgrade moves an active subscription to a strictly higher tier, charging
// the monthly price difference for every remaining (started) month plus the
// flat upgrade fee.
func (s *Service) Upgrade(ctx context.Context, caller string, newTier subscription.Tier) error {
	sub, err := s.activeSubscription(ctx, caller)
	if err != nil {
		return err
	}
	if newTier <= sub.Tier || newTier > subscription.TierEnterprise {
		return subscription.ErrInvalidTier
	}

	now := s.clock.Height()
	var remaining uint64
	if sub.EndBlock > now {
		remaining = sub.EndBlock - now
	}
	months := (remaining + subscription.BlocksPerMonth - 1) / subscription.BlocksPerMonth
	charge := (newTier.MonthlyPrice()-sub.Tier.MonthlyPrice())*months + subscription.UpgradeFee
	if err := s.bank.Transfer(caller, s.treasury, charge); err != nil {
		return fmt.Errorf("charge upgrade: %w", err)
	}

	sub.Tier = newTier
	sub.AmountPaid += charge
	if err := s.store.PutSubscription(ctx, sub); err != nil {
		return fmt.Errorf("store subscription: %w", err)
	}
	if err := s.store.RecordRevenue(ctx, charge, 0, false); err != nil {
		return fmt.Errorf("record revenue: %w", err)
	}
	if _, err := s.store.AppendHistory(ctx, caller, subscription.HistoryEntry{
		Tier: newTier, Status: subscription.StatusUpgraded, RecordedAt: now,
	}); err != nil {
		return fmt.Errorf("record history: %w", err)
	}

	s.countFee(charge)

	s.log.WithField("user", caller).WithField("tier", newTier.String()).Info("subscription upgraded")
	return nil
}

// Cancel deactivates an active subscription and refunds CancelRefundPercent
// of the pro-rated unused value. Returns the refund amount.
func (s *Service) Cancel(ctx context.Context, caller string) (uint64, error) {
	sub, err := s.activeSubscription(ctx, caller)
	if err != nil {
		return 0, err
	}

	now := s.clock.Height()
	var refund uint64
	if total := sub.EndBlock - sub.StartBlock; total > 0 && sub.EndBlock > now {
		remaining := sub.EndBlock - now
		remainingValue := sub.AmountPaid * remaining / total
		refund = remainingValue * subscription.CancelRefundPercent / 100
	}
	if err := s.bank.Transfer(s.treasury, caller, refund); err != nil {
		return 0, fmt.Errorf("refund: %w", err)
	}

	sub.IsActive = false
	if err := s.store.PutSubscription(ctx, sub); err != nil {
		return 0, fmt.Errorf("store subscription: %w", err)
	}
	if _, err := s.store.AppendHistory(ctx, caller, subscription.HistoryEntry{
		Tier: sub.Tier, Status: subscription.StatusCancelled, RecordedAt: now,
	}); err != nil {
		return 0, fmt.Errorf("record history: %w", err)
	}

	s.log.WithField("user", caller).WithField("refund", refund).Info("subscription cancelled")
	return refund, nil
}

// Pause suspends an active subscription until the given block and extends the
// end of the term by the paused span.
func (s *Service) Pause(ctx context.Context, caller string, pauseUntilBlock uint64) error {
	now := s.clock.Height()
	if pauseUntilBlock <= now {
		return subscription.ErrInvalidDuration
	}
	sub, err := s.activeSubscription(ctx, caller)
	if err != nil {
		return err
	}

	sub.PausedUntil = pauseUntilBlock
	sub.EndBlock += pauseUntilBlock - now
	if err := s.store.PutSubscription(ctx, sub); err != nil {
		return fmt.Errorf("store subscription: %w", err)
	}
	return nil
}

// PurchaseCredits buys one of the fixed credit packages and returns the
// number of credits granted.
func (s *Service) PurchaseCredits(ctx context.Context, caller string, packageID uint64) (uint64, error) {
	var credits, price uint64
	switch packageID {
	case subscription.PackageSmall:
		credits, price = subscription.PackageSmallCredits, subscription.PackageSmallPrice
	case subscription.PackageMedium:
		credits, price = subscription.PackageMediumCredits, subscription.PackageMediumPrice
	case subscription.PackageLarge:
		credits, price = subscription.PackageLargeCredits, subscription.PackageLargePrice
	default:
		return 0, subscription.ErrInvalidAmount
	}

	if err := s.bank.Transfer(caller, s.treasury, price); err != nil {
		return 0, fmt.Errorf("charge credit purchase: %w", err)
	}
	if err := s.store.AddCredits(ctx, caller, credits, true); err != nil {
		return 0, fmt.Errorf("grant credits: %w", err)
	}
	if err := s.store.RecordRevenue(ctx, price, credits, false); err != nil {
		return 0, fmt.Errorf("record revenue: %w", err)
	}

	s.countFee(price)

	s.log.WithField("user", caller).WithField("credits", credits).Info("credits purchased")
	return credits, nil
}

// TransferCredits moves credits between accounts.
func (s *Service) TransferCredits(ctx context.Context, caller, to string, amount uint64) error {
	if amount == 0 {
		return subscription.ErrInvalidAmount
	}
	if err := s.store.TransferCredits(ctx, caller, to, amount); err != nil {
		return err
	}
	return nil
}

// ConsumeCredits debits a user's credits on behalf of the processor and bumps
// the usage counters. One call covers one processed event.
func (s *Service) ConsumeCredits(ctx context.Context, user string, amount uint64) error {
	if err := s.store.SpendCredits(ctx, user, amount); err != nil {
		return err
	}
	if err := s.store.AddUsage(ctx, user, 1, amount); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// GenerateReferralCode binds a new referral code to the caller. Codes are
// globally unique and immutable once created.
func (s *Service) GenerateReferralCode(ctx context.Context, caller, code string) error {
	return s.store.CreateReferralCode(ctx, subscription.ReferralCode{Code: code, Referrer: caller})
}

// Status returns the user's subscription record.
func (s *Service) Status(ctx context.Context, user string) (subscription.Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, user)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return subscription.Subscription{}, subscription.ErrNotSubscribed
		}
		return subscription.Subscription{}, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

// HasActiveSubscription reports whether the user holds an unexpired active
// subscription at the current height.
func (s *Service) HasActiveSubscription(ctx context.Context, user string) (bool, error) {
	sub, err := s.store.GetSubscription(ctx, user)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("get subscription: %w", err)
	}
	return sub.IsActive && sub.EndBlock > s.clock.Height(), nil
}

// TierInfo returns the user's current tier, TierFree without an active
// subscription.
func (s *Service) TierInfo(ctx context.Context, user string) (subscription.Tier, error) {
	active, err := s.HasActiveSubscription(ctx, user)
	if err != nil {
		return subscription.TierFree, err
	}
	if !active {
		return subscription.TierFree, nil
	}
	sub, err := s.store.GetSubscription(ctx, user)
	if err != nil {
		return subscription.TierFree, fmt.Errorf("get subscription: %w", err)
	}
	return sub.Tier, nil
}

// CanProcessEvents reports whether the user can pay for event processing:
// an active subscription or a positive credit balance.
func (s *Service) CanProcessEvents(ctx context.Context, user string) (bool, error) {
	active, err := s.HasActiveSubscription(ctx, user)
	if err != nil {
		return false, err
	}
	if active {
		return true, nil
	}
	bal, err := s.store.GetCreditBalance(ctx, user)
	if err != nil {
		return false, fmt.Errorf("get credit balance: %w", err)
	}
	return bal.Balance > 0, nil
}

// CreditBalance returns the user's credit balance.
func (s *Service) CreditBalance(ctx context.Context, user string) (subscription.CreditBalance, error) {
	return s.store.GetCreditBalance(ctx, user)
}

// UsageStats returns the user's consumption counters.
func (s *Service) UsageStats(ctx context.Context, user string) (subscription.UsageStats, error) {
	return s.store.GetUsageStats(ctx, user)
}

// ReferralInfo returns the referral code record.
func (s *Service) ReferralInfo(ctx context.Context, code string) (subscription.ReferralCode, error) {
	return s.store.GetReferralCode(ctx, code)
}

// ReferralEarnings returns the total credits a user has earned through
// referrals.
func (s *Service) ReferralEarnings(ctx context.Context, user string) (uint64, error) {
	return s.store.GetReferralEarnings(ctx, user)
}

// EstimateMonthlyCost projects what the user's consumption to date would cost
// at the pay-per-credit price.
func (s *Service) EstimateMonthlyCost(ctx context.Context, user string) (uint64, error) {
	usage, err := s.store.GetUsageStats(ctx, user)
	if err != nil {
		return 0, err
	}
	return usage.CreditsConsumed * subscription.PricePerCredit, nil
}

// RevenueStats returns ledger-wide revenue counters.
func (s *Service) RevenueStats(ctx context.Context) (subscription.RevenueStats, error) {
	return s.store.GetRevenueStats(ctx)
}

// History returns the user's subscription history entry at the given
// sequence number (from 1).
func (s *Service) History(ctx context.Context, user string, seq uint64) (subscription.HistoryEntry, error) {
	return s.store.GetHistory(ctx, user, seq)
}

func (s *Service) activeSubscription(ctx context.Context, user string) (subscription.Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, user)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return subscription.Subscription{}, subscription.ErrNotSubscribed
		}
		return subscription.Subscription{}, fmt.Errorf("get subscription: %w", err)
	}
	if !sub.IsActive || sub.EndBlock <= s.clock.Height() {
		return subscription.Subscription{}, subscription.ErrNotSubscribed
	}
	return sub, nil
}
