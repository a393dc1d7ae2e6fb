package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eventflow-network/eventflow/internal/app/chain"
	"github.com/eventflow-network/eventflow/internal/app/domain/subscription"
	"github.com/eventflow-network/eventflow/internal/app/storage/memory"
)

const treasury = "platform"

func newTestService(t *testing.T) (*Service, *chain.SimBank, *chain.SimClock) {
	t.Helper()
	bank := chain.NewSimBank()
	bank.Mint(treasury, 1_000_000_000)
	clock := chain.NewSimClock(1000)
	svc := New(memory.New(), bank, clock, treasury, nil)
	return svc, bank, clock
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()
	svc, bank, _ := newTestService(t)
	bank.Mint("alice", 1_000_000_000)

	err := svc.Subscribe(ctx, "alice", subscription.TierPro, 3, "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sub, err := svc.Status(ctx, "alice")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if sub.Tier != subscription.TierPro || !sub.IsActive {
		t.Fatalf("unexpected subscription %+v", sub)
	}
	if sub.StartBlock != 1000 || sub.EndBlock != 1000+3*subscription.BlocksPerMonth {
		t.Fatalf("unexpected term %+v", sub)
	}
	if sub.AmountPaid != 3*subscription.ProMonthlyPrice {
		t.Fatalf("unexpected amount paid %d", sub.AmountPaid)
	}
	if got := bank.Balance("alice"); got != 1_000_000_000-3*subscription.ProMonthlyPrice {
		t.Fatalf("unexpected balance %d", got)
	}

	entry, err := svc.History(ctx, "alice", 1)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if entry.Status != subscription.StatusActive || entry.Tier != subscription.TierPro {
		t.Fatalf("unexpected history entry %+v", entry)
	}

	stats, _ := svc.RevenueStats(ctx)
	if stats.TotalRevenue != 3*subscription.ProMonthlyPrice || stats.TotalSubscriptions != 1 {
		t.Fatalf("unexpected revenue stats %+v", stats)
	}

	if err := svc.Subscribe(ctx, "alice", subscription.TierPro, 1, ""); !errors.Is(err, subscription.ErrAlreadySubscribed) {
		t.Fatalf("expected ErrAlreadySubscribed, got %v", err)
	}
}

func TestSubscribeValidation(t *testing.T) {
	ctx := context.Background()
	svc, bank, _ := newTestService(t)
	bank.Mint("alice", 1_000_000_000)

	if err := svc.Subscribe(ctx, "alice", subscription.TierFree, 1, ""); !errors.Is(err, subscription.ErrInvalidTier) {
		t.Fatalf("expected ErrInvalidTier for free tier, got %v", err)
	}
	if err := svc.Subscribe(ctx, "alice", subscription.Tier(9), 1, ""); !errors.Is(err, subscription.ErrInvalidTier) {
		t.Fatalf("expected ErrInvalidTier, got %v", err)
	}
	if err := svc.Subscribe(ctx, "alice", subscription.TierPro, 0, ""); !errors.Is(err, subscription.ErrInvalidDuration) {
		t.Fatalf("expected ErrInvalidDuration for 0 months, got %v", err)
	}
	if err := svc.Subscribe(ctx, "alice", subscription.TierPro, 13, ""); !errors.Is(err, subscription.ErrInvalidDuration) {
		t.Fatalf("expected ErrInvalidDuration for 13 months, got %v", err)
	}
	if err := svc.Subscribe(ctx, "broke", subscription.TierPro, 1, ""); !errors.Is(err, chain.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestSubscribeWithReferral(t *testing.T) {
	ctx := context.Background()
	svc, bank, _ := newTestService(t)
	bank.Mint("bob", 1_000_000_000)

	if err := svc.GenerateReferralCode(ctx, "alice", "ALICE10"); err != nil {
		t.Fatalf("generate code: %v", err)
	}
	if err := svc.GenerateReferralCode(ctx, "carol", "ALICE10"); !errors.Is(err, subscription.ErrCodeExists) {
		t.Fatalf("expected ErrCodeExists, got %v", err)
	}

	if err := svc.Subscribe(ctx, "bob", subscription.TierPro, 2, "ALICE10"); err != nil {
		t.Fatalf("subscribe with referral: %v", err)
	}

	price := 2 * subscription.ProMonthlyPrice
	reward := price * subscription.ReferralRewardPercent / 100
	bal, _ := svc.CreditBalance(ctx, "alice")
	if bal.Balance != reward {
		t.Fatalf("expected referrer credits %d, got %d", reward, bal.Balance)
	}
	if bal.LifetimePurchased != 0 {
		t.Fatal("referral reward must not count as a purchase")
	}
	earned, _ := svc.ReferralEarnings(ctx, "alice")
	if earned != reward {
		t.Fatalf("expected earnings %d, got %d", reward, earned)
	}
	info, _ := svc.ReferralInfo(ctx, "ALICE10")
	if info.UsageCount != 1 || info.Earnings != reward {
		t.Fatalf("unexpected referral info %+v", info)
	}

	// Unknown codes are ignored, never an error.
	bank.Mint("dave", 1_000_000_000)
	if err := svc.Subscribe(ctx, "dave", subscription.TierPro, 1, "NO-SUCH-CODE"); err != nil {
		t.Fatalf("subscribe with unknown code: %v", err)
	}
}

func TestRenew(t *testing.T) {
	ctx := context.Background()
	svc, bank, _ := newTestService(t)
	bank.Mint("alice", 1_000_000_000)

	if err := svc.Renew(ctx, "alice", true); !errors.Is(err, subscription.ErrNotSubscribed) {
		t.Fatalf("expected ErrNotSubscribed, got %v", err)
	}

	_ = svc.Subscribe(ctx, "alice", subscription.TierPro, 1, "")
	before, _ := svc.Status(ctx, "alice")
	balBefore := bank.Balance("alice")

	if err := svc.Renew(ctx, "alice", true); err != nil {
		t.Fatalf("renew: %v", err)
	}

	after, _ := svc.Status(ctx, "alice")
	if after.EndBlock != before.EndBlock+subscription.BlocksPerMonth {
		t.Fatalf("expected end %d, got %d", before.EndBlock+subscription.BlocksPerMonth, after.EndBlock)
	}
	if !after.AutoRenew {
		t.Fatal("expected auto-renew set")
	}
	if got := bank.Balance("alice"); got != balBefore-subscription.ProMonthlyPrice {
		t.Fatalf("renewal must charge one month, balance %d", got)
	}

	entry, _ := svc.History(ctx, "alice", 2)
	if entry.Status != subscription.StatusRenewed {
		t.Fatalf("unexpected history entry %+v", entry)
	}
}

func TestUpgrade(t *testing.T) {
	ctx := context.Background()
	svc, bank, clock := newTestService(t)
	bank.Mint("alice", 2_000_000_000)

	_ = svc.Subscribe(ctx, "alice", subscription.TierPro, 3, "")
	clock.Advance(subscription.BlocksPerMonth) // one month in, two remain
	balBefore := bank.Balance("alice")

	if err := svc.Upgrade(ctx, "alice", subscription.TierPro); !errors.Is(err, subscription.ErrInvalidTier) {
		t.Fatalf("expected ErrInvalidTier for same tier, got %v", err)
	}

	if err := svc.Upgrade(ctx, "alice", subscription.TierEnterprise); err != nil {
		t.Fatalf("upgrade: %v", err)
	}

	diff := subscription.EnterpriseMonthlyPrice - subscription.ProMonthlyPrice
	want := diff*2 + subscription.UpgradeFee
	if got := balBefore - bank.Balance("alice"); got != want {
		t.Fatalf("expected upgrade charge %d, got %d", want, got)
	}

	sub, _ := svc.Status(ctx, "alice")
	if sub.Tier != subscription.TierEnterprise {
		t.Fatalf("unexpected tier %v", sub.Tier)
	}
	entry, _ := svc.History(ctx, "alice", 2)
	if entry.Status != subscription.StatusUpgraded || entry.Tier != subscription.TierEnterprise {
		t.Fatalf("unexpected history entry %+v", entry)
	}

	// Enterprise has nothing above it.
	if err := svc.Upgrade(ctx, "alice", subscription.Tier(3)); !errors.Is(err, subscription.ErrInvalidTier) {
		t.Fatalf("expected ErrInvalidTier above enterprise, got %v", err)
	}
}

func TestCancelRefund(t *testing.T) {
	ctx := context.Background()
	svc, bank, clock := newTestService(t)
	bank.Mint("alice", 1_000_000_000)

	_ = svc.Subscribe(ctx, "alice", subscription.TierPro, 2, "")
	clock.Advance(subscription.BlocksPerMonth) // half the term used
	balBefore := bank.Balance("alice")

	refund, err := svc.Cancel(ctx, "alice")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}

	paid := 2 * subscription.ProMonthlyPrice
	want := (paid / 2) * subscription.CancelRefundPercent / 100
	if refund != want {
		t.Fatalf("expected refund %d, got %d", want, refund)
	}
	if got := bank.Balance("alice"); got != balBefore+want {
		t.Fatalf("unexpected balance %d", got)
	}

	if _, err := svc.Cancel(ctx, "alice"); !errors.Is(err, subscription.ErrNotSubscribed) {
		t.Fatalf("expected ErrNotSubscribed after cancel, got %v", err)
	}
	if active, _ := svc.HasActiveSubscription(ctx, "alice"); active {
		t.Fatal("subscription must be inactive after cancel")
	}
	entry, _ := svc.History(ctx, "alice", 2)
	if entry.Status != subscription.StatusCancelled {
		t.Fatalf("unexpected history entry %+v", entry)
	}
}

func TestPause(t *testing.T) {
	ctx := context.Background()
	svc, bank, clock := newTestService(t)
	bank.Mint("alice", 1_000_000_000)

	_ = svc.Subscribe(ctx, "alice", subscription.TierPro, 1, "")
	before, _ := svc.Status(ctx, "alice")

	now := clock.Height()
	if err := svc.Pause(ctx, "alice", now); !errors.Is(err, subscription.ErrInvalidDuration) {
		t.Fatalf("expected ErrInvalidDuration for past block, got %v", err)
	}

	until := now + 500
	if err := svc.Pause(ctx, "alice", until); err != nil {
		t.Fatalf("pause: %v", err)
	}
	after, _ := svc.Status(ctx, "alice")
	if after.PausedUntil != until {
		t.Fatalf("unexpected paused-until %d", after.PausedUntil)
	}
	if after.EndBlock != before.EndBlock+500 {
		t.Fatalf("pause must extend the term, end %d", after.EndBlock)
	}
}

func TestPurchaseCreditsPackages(t *testing.T) {
	ctx := context.Background()
	svc, bank, _ := newTestService(t)

	cases := []struct {
		name      string
		packageID uint64
		credits   uint64
		price     uint64
	}{
		{"small", subscription.PackageSmall, 1_000, 5_000_000},
		{"medium", subscription.PackageMedium, 10_000, 40_000_000},
		{"large", subscription.PackageLarge, 100_000, 300_000_000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			user := "buyer-" + tc.name
			bank.Mint(user, tc.price)

			credits, err := svc.PurchaseCredits(ctx, user, tc.packageID)
			require.NoError(t, err)
			require.Equal(t, tc.credits, credits)
			require.Zero(t, bank.Balance(user))

			bal, err := svc.CreditBalance(ctx, user)
			require.NoError(t, err)
			require.Equal(t, tc.credits, bal.Balance)
			require.Equal(t, tc.credits, bal.LifetimePurchased)
		})
	}

	_, err := svc.PurchaseCredits(ctx, "alice", 4)
	require.ErrorIs(t, err, subscription.ErrInvalidAmount)

	stats, err := svc.RevenueStats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(345_000_000), stats.TotalRevenue)
	require.Equal(t, uint64(111_000), stats.TotalCreditsPurchased)
	require.Zero(t, stats.TotalSubscriptions)
}

func TestTransferAndConsumeCredits(t *testing.T) {
	ctx := context.Background()
	svc, bank, _ := newTestService(t)
	bank.Mint("alice", 5_000_000)
	if _, err := svc.PurchaseCredits(ctx, "alice", subscription.PackageSmall); err != nil {
		t.Fatalf("purchase: %v", err)
	}

	if err := svc.TransferCredits(ctx, "alice", "bob", 0); !errors.Is(err, subscription.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := svc.TransferCredits(ctx, "alice", "bob", 2000); !errors.Is(err, subscription.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := svc.TransferCredits(ctx, "alice", "bob", 400); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	aliceBal, _ := svc.CreditBalance(ctx, "alice")
	bobBal, _ := svc.CreditBalance(ctx, "bob")
	if aliceBal.Balance != 600 || bobBal.Balance != 400 {
		t.Fatalf("unexpected balances %d/%d", aliceBal.Balance, bobBal.Balance)
	}

	if err := svc.ConsumeCredits(ctx, "bob", 500); !errors.Is(err, subscription.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := svc.ConsumeCredits(ctx, "bob", 3); err != nil {
		t.Fatalf("consume: %v", err)
	}
	usage, _ := svc.UsageStats(ctx, "bob")
	if usage.EventsUsed != 1 || usage.CreditsConsumed != 3 {
		t.Fatalf("unexpected usage %+v", usage)
	}
	cost, _ := svc.EstimateMonthlyCost(ctx, "bob")
	if cost != 3*subscription.PricePerCredit {
		t.Fatalf("unexpected cost estimate %d", cost)
	}
}

func TestCanProcessEvents(t *testing.T) {
	ctx := context.Background()
	svc, bank, _ := newTestService(t)

	ok, err := svc.CanProcessEvents(ctx, "fresh")
	if err != nil {
		t.Fatalf("can process: %v", err)
	}
	if ok {
		t.Fatal("fresh user with no subscription and no credits must not qualify")
	}

	bank.Mint("subscriber", subscription.ProMonthlyPrice)
	_ = svc.Subscribe(ctx, "subscriber", subscription.TierPro, 1, "")
	if ok, _ := svc.CanProcessEvents(ctx, "subscriber"); !ok {
		t.Fatal("active subscriber must qualify")
	}

	bank.Mint("holder", subscription.PackageSmallPrice)
	if _, err := svc.PurchaseCredits(ctx, "holder", subscription.PackageSmall); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if ok, _ := svc.CanProcessEvents(ctx, "holder"); !ok {
		t.Fatal("credit holder must qualify")
	}
}

func TestTierInfoAndExpiry(t *testing.T) {
	ctx := context.Background()
	svc, bank, clock := newTestService(t)
	bank.Mint("alice", 1_000_000_000)

	if tier, _ := svc.TierInfo(ctx, "alice"); tier != subscription.TierFree {
		t.Fatalf("expected free tier, got %v", tier)
	}

	_ = svc.Subscribe(ctx, "alice", subscription.TierPro, 1, "")
	if tier, _ := svc.TierInfo(ctx, "alice"); tier != subscription.TierPro {
		t.Fatalf("expected pro tier, got %v", tier)
	}

	clock.Advance(subscription.BlocksPerMonth + 1)
	if active, _ := svc.HasActiveSubscription(ctx, "alice"); active {
		t.Fatal("subscription must lapse at end block")
	}
	if tier, _ := svc.TierInfo(ctx, "alice"); tier != subscription.TierFree {
		t.Fatalf("expected free tier after expiry, got %v", tier)
	}
	if err := svc.Renew(ctx, "alice", false); !errors.Is(err, subscription.ErrNotSubscribed) {
		t.Fatalf("expected ErrNotSubscribed after expiry, got %v", err)
	}
}
