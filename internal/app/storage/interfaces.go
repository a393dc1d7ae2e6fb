package storage

import (
	"context"
	"errors"

	"github.com/eventflow-network/eventflow/internal/app/domain/event"
	"github.com/eventflow-network/eventflow/internal/app/domain/subscription"
	"github.com/eventflow-network/eventflow/internal/app/domain/workflow"
)

// ErrNotFound is returned by lookups for records that do not exist. Services
// translate it into their own taxonomy where one applies.
var ErrNotFound = errors.New("record not found")

// WorkflowStore persists workflow records, per-workflow counters, premium
// flags and registry-wide platform stats.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, wf workflow.Workflow) (workflow.Workflow, error)
	UpdateWorkflow(ctx context.Context, wf workflow.Workflow) error
	GetWorkflow(ctx context.Context, id uint64) (workflow.Workflow, error)
	UserWorkflows(ctx context.Context, owner string) (workflow.UserWorkflows, error)

	BumpUpdateCount(ctx context.Context, id uint64) error
	BumpTransferCount(ctx context.Context, id uint64) error
	BumpEventCount(ctx context.Context, id uint64) error
	GetWorkflowStats(ctx context.Context, id uint64) (workflow.Stats, error)

	SetPremium(ctx context.Context, account string) error
	IsPremium(ctx context.Context, account string) (bool, error)

	AddPlatformRevenue(ctx context.Context, amount uint64) error
	GetPlatformStats(ctx context.Context) (workflow.PlatformStats, error)
}

// EventStore persists event records keyed by content hash, rate-limit state,
// the retry queue, the action log and processing statistics. Existence checks
// by hash must be O(1).
type EventStore interface {
	PutEvent(ctx context.Context, rec event.Record) error
	GetEvent(ctx context.Context, hash event.Hash) (event.Record, error)
	HasEvent(ctx context.Context, hash event.Hash) (bool, error)
	NextProcessingID(ctx context.Context) (uint64, error)

	SetRateLimit(ctx context.Context, cfg event.RateLimitConfig) error
	GetRateLimit(ctx context.Context, workflowID uint64) (event.RateLimitConfig, event.RateLimitState, error)
	SetRateLimitState(ctx context.Context, workflowID uint64, st event.RateLimitState) error

	AppendRetry(ctx context.Context, entry event.RetryEntry) (event.RetryEntry, error)
	GetRetry(ctx context.Context, id uint64) (event.RetryEntry, error)

	AppendAction(ctx context.Context, entry event.ActionEntry) (event.ActionEntry, error)
	GetAction(ctx context.Context, id uint64) (event.ActionEntry, error)

	RecordProcessed(ctx context.Context, workflowID uint64) error
	RecordFailed(ctx context.Context, workflowID uint64) error
	GetGlobalStats(ctx context.Context) (event.GlobalStats, error)
	GetProcessingStats(ctx context.Context, workflowID uint64) (event.ProcessingStats, error)
}

// LedgerStore persists subscriptions, credit balances, usage, referral codes
// and revenue counters.
type LedgerStore interface {
	GetSubscription(ctx context.Context, user string) (subscription.Subscription, error)
	PutSubscription(ctx context.Context, sub subscription.Subscription) error

	AppendHistory(ctx context.Context, user string, entry subscription.HistoryEntry) (uint64, error)
	GetHistory(ctx context.Context, user string, seq uint64) (subscription.HistoryEntry, error)

	AddCredits(ctx context.Context, user string, amount uint64, purchased bool) error
	SpendCredits(ctx context.Context, user string, amount uint64) error
	TransferCredits(ctx context.Context, from, to string, amount uint64) error
	GetCreditBalance(ctx context.Context, user string) (subscription.CreditBalance, error)

	AddUsage(ctx context.Context, user string, events, credits uint64) error
	GetUsageStats(ctx context.Context, user string) (subscription.UsageStats, error)

	CreateReferralCode(ctx context.Context, code subscription.ReferralCode) error
	GetReferralCode(ctx context.Context, code string) (subscription.ReferralCode, error)
	RecordReferralUse(ctx context.Context, code string, earnings uint64) error
	GetReferralEarnings(ctx context.Context, user string) (uint64, error)

	RecordRevenue(ctx context.Context, revenue, creditsPurchased uint64, newSubscription bool) error
	GetRevenueStats(ctx context.Context) (subscription.RevenueStats, error)
}
