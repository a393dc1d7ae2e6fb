package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/eventflow-network/eventflow/internal/app/domain/event"
	"github.com/eventflow-network/eventflow/internal/app/domain/subscription"
	"github.com/eventflow-network/eventflow/internal/app/domain/workflow"
	"github.com/eventflow-network/eventflow/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local
// development; the simulated host serializes transactions above it.
type Store struct {
	mu sync.RWMutex

	nextWorkflowID uint64
	workflows      map[uint64]workflow.Workflow
	userWorkflows  map[string][]uint64
	workflowStats  map[uint64]workflow.Stats
	premium        map[string]bool
	platformStats  workflow.PlatformStats

	nextProcessingID uint64
	nextRetryID      uint64
	nextActionID     uint64
	events           map[event.Hash]event.Record
	rateLimits       map[uint64]event.RateLimitConfig
	rateStates       map[uint64]event.RateLimitState
	retries          map[uint64]event.RetryEntry
	actions          map[uint64]event.ActionEntry
	globalStats      event.GlobalStats
	processingStats  map[uint64]event.ProcessingStats

	subscriptions map[string]subscription.Subscription
	history       map[string][]subscription.HistoryEntry
	credits       map[string]subscription.CreditBalance
	usage         map[string]subscription.UsageStats
	referralCodes map[string]subscription.ReferralCode
	referralEarns map[string]uint64
	revenueStats  subscription.RevenueStats
}

var _ storage.WorkflowStore = (*Store)(nil)
var _ storage.EventStore = (*Store)(nil)
var _ storage.LedgerStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		workflows:       make(map[uint64]workflow.Workflow),
		userWorkflows:   make(map[string][]uint64),
		workflowStats:   make(map[uint64]workflow.Stats),
		premium:         make(map[string]bool),
		events:          make(map[event.Hash]event.Record),
		rateLimits:      make(map[uint64]event.RateLimitConfig),
		rateStates:      make(map[uint64]event.RateLimitState),
		retries:         make(map[uint64]event.RetryEntry),
		actions:         make(map[uint64]event.ActionEntry),
		processingStats: make(map[uint64]event.ProcessingStats),
		subscriptions:   make(map[string]subscription.Subscription),
		history:         make(map[string][]subscription.HistoryEntry),
		credits:         make(map[string]subscription.CreditBalance),
		usage:           make(map[string]subscription.UsageStats),
		referralCodes:   make(map[string]subscription.ReferralCode),
		referralEarns:   make(map[string]uint64),
	}
}

// WorkflowStore implementation -----------------------------------------------

func (s *Store) CreateWorkflow(_ context.Context, wf workflow.Workflow) (workflow.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextWorkflowID++
	wf.ID = s.nextWorkflowID
	wf.Config = cloneBytes(wf.Config)

	s.workflows[wf.ID] = wf
	s.userWorkflows[wf.Owner] = append(s.userWorkflows[wf.Owner], wf.ID)
	s.platformStats.TotalWorkflows++
	return cloneWorkflow(wf), nil
}

func (s *Store) UpdateWorkflow(_ context.Context, wf workflow.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.workflows[wf.ID]
	if !ok {
		return fmt.Errorf("workflow %d: %w", wf.ID, storage.ErrNotFound)
	}
	wf.CreatedAt = original.CreatedAt
	wf.Config = cloneBytes(wf.Config)

	if wf.Owner != original.Owner {
		s.userWorkflows[original.Owner] = removeID(s.userWorkflows[original.Owner], wf.ID)
		s.userWorkflows[wf.Owner] = append(s.userWorkflows[wf.Owner], wf.ID)
	}
	s.workflows[wf.ID] = wf
	return nil
}

func (s *Store) GetWorkflow(_ context.Context, id uint64) (workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[id]
	if !ok {
		return workflow.Workflow{}, fmt.Errorf("workflow %d: %w", id, storage.ErrNotFound)
	}
	return cloneWorkflow(wf), nil
}

func (s *Store) UserWorkflows(_ context.Context, owner string) (workflow.UserWorkflows, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := append([]uint64(nil), s.userWorkflows[owner]...)
	return workflow.UserWorkflows{Owner: owner, WorkflowIDs: ids, Count: uint64(len(ids))}, nil
}

func (s *Store) BumpUpdateCount(_ context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.workflowStats[id]
	st.WorkflowID = id
	st.TotalUpdates++
	s.workflowStats[id] = st
	return nil
}

func (s *Store) BumpTransferCount(_ context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.workflowStats[id]
	st.WorkflowID = id
	st.TotalTransfers++
	s.workflowStats[id] = st
	return nil
}

func (s *Store) BumpEventCount(_ context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil
	}
	wf.EventCount++
	s.workflows[id] = wf
	return nil
}

func (s *Store) GetWorkflowStats(_ context.Context, id uint64) (workflow.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := s.workflowStats[id]
	st.WorkflowID = id
	return st, nil
}

func (s *Store) SetPremium(_ context.Context, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.premium[account] = true
	return nil
}

func (s *Store) IsPremium(_ context.Context, account string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.premium[account], nil
}

func (s *Store) AddPlatformRevenue(_ context.Context, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.platformStats.TotalRevenue += amount
	return nil
}

func (s *Store) GetPlatformStats(_ context.Context) (workflow.PlatformStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.platformStats, nil
}

// EventStore implementation --------------------------------------------------

func (s *Store) PutEvent(_ context.Context, rec event.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[rec.Hash]; exists {
		return fmt.Errorf("event %x already recorded", rec.Hash[:4])
	}
	rec.TxHash = cloneBytes(rec.TxHash)
	s.events[rec.Hash] = rec
	return nil
}

func (s *Store) GetEvent(_ context.Context, hash event.Hash) (event.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.events[hash]
	if !ok {
		return event.Record{}, fmt.Errorf("event %x: %w", hash[:4], storage.ErrNotFound)
	}
	rec.TxHash = cloneBytes(rec.TxHash)
	return rec, nil
}

func (s *Store) HasEvent(_ context.Context, hash event.Hash) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.events[hash]
	return ok, nil
}

func (s *Store) NextProcessingID(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextProcessingID++
	return s.nextProcessingID, nil
}

func (s *Store) SetRateLimit(_ context.Context, cfg event.RateLimitConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rateLimits[cfg.WorkflowID] = cfg
	s.rateStates[cfg.WorkflowID] = event.RateLimitState{}
	return nil
}

func (s *Store) GetRateLimit(_ context.Context, workflowID uint64) (event.RateLimitConfig, event.RateLimitState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rateLimits[workflowID], s.rateStates[workflowID], nil
}

func (s *Store) SetRateLimitState(_ context.Context, workflowID uint64, st event.RateLimitState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateStates[workflowID] = st
	return nil
}

func (s *Store) AppendRetry(_ context.Context, entry event.RetryEntry) (event.RetryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextRetryID++
	entry.ID = s.nextRetryID
	entry.Payload = cloneBytes(entry.Payload)
	s.retries[entry.ID] = entry
	return entry, nil
}

func (s *Store) GetRetry(_ context.Context, id uint64) (event.RetryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.retries[id]
	if !ok {
		return event.RetryEntry{}, fmt.Errorf("retry entry %d: %w", id, storage.ErrNotFound)
	}
	entry.Payload = cloneBytes(entry.Payload)
	return entry, nil
}

func (s *Store) AppendAction(_ context.Context, entry event.ActionEntry) (event.ActionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextActionID++
	entry.ID = s.nextActionID
	s.actions[entry.ID] = entry
	return entry, nil
}

func (s *Store) GetAction(_ context.Context, id uint64) (event.ActionEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.actions[id]
	if !ok {
		return event.ActionEntry{}, fmt.Errorf("action log entry %d: %w", id, storage.ErrNotFound)
	}
	return entry, nil
}

func (s *Store) RecordProcessed(_ context.Context, workflowID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.globalStats.TotalProcessed++
	s.globalStats.TotalEvents++

	st := s.processingStats[workflowID]
	st.TotalEvents++
	st.SuccessCount++
	s.processingStats[workflowID] = st
	return nil
}

func (s *Store) RecordFailed(_ context.Context, workflowID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.globalStats.TotalFailed++

	st := s.processingStats[workflowID]
	st.FailCount++
	s.processingStats[workflowID] = st
	return nil
}

func (s *Store) GetGlobalStats(_ context.Context) (event.GlobalStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := s.globalStats
	stats.SuccessRate = stats.Rate()
	return stats, nil
}

func (s *Store) GetProcessingStats(_ context.Context, workflowID uint64) (event.ProcessingStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.processingStats[workflowID], nil
}

// LedgerStore implementation -------------------------------------------------

func (s *Store) GetSubscription(_ context.Context, user string) (subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[user]
	if !ok {
		return subscription.Subscription{}, fmt.Errorf("subscription for %s: %w", user, storage.ErrNotFound)
	}
	return sub, nil
}

func (s *Store) PutSubscription(_ context.Context, sub subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[sub.User] = sub
	return nil
}

func (s *Store) AppendHistory(_ context.Context, user string, entry subscription.HistoryEntry) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.Seq = uint64(len(s.history[user])) + 1
	s.history[user] = append(s.history[user], entry)
	return entry.Seq, nil
}

func (s *Store) GetHistory(_ context.Context, user string, seq uint64) (subscription.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.history[user]
	if seq == 0 || seq > uint64(len(entries)) {
		return subscription.HistoryEntry{}, fmt.Errorf("history entry %d for %s: %w", seq, user, storage.ErrNotFound)
	}
	return entries[seq-1], nil
}

func (s *Store) AddCredits(_ context.Context, user string, amount uint64, purchased bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal := s.credits[user]
	bal.Balance += amount
	if purchased {
		bal.LifetimePurchased += amount
	}
	s.credits[user] = bal
	return nil
}

func (s *Store) SpendCredits(_ context.Context, user string, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal := s.credits[user]
	if bal.Balance < amount {
		return fmt.Errorf("spend %d credits from %s: %w", amount, user, subscription.ErrInsufficientBalance)
	}
	bal.Balance -= amount
	s.credits[user] = bal
	return nil
}

func (s *Store) TransferCredits(_ context.Context, from, to string, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.credits[from]
	if src.Balance < amount {
		return fmt.Errorf("transfer %d credits from %s: %w", amount, from, subscription.ErrInsufficientBalance)
	}
	src.Balance -= amount
	s.credits[from] = src

	dst := s.credits[to]
	dst.Balance += amount
	s.credits[to] = dst
	return nil
}

func (s *Store) GetCreditBalance(_ context.Context, user string) (subscription.CreditBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credits[user], nil
}

func (s *Store) AddUsage(_ context.Context, user string, events, credits uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.usage[user]
	st.EventsUsed += events
	st.CreditsConsumed += credits
	s.usage[user] = st
	return nil
}

func (s *Store) GetUsageStats(_ context.Context, user string) (subscription.UsageStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usage[user], nil
}

func (s *Store) CreateReferralCode(_ context.Context, code subscription.ReferralCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.referralCodes[code.Code]; exists {
		return fmt.Errorf("referral code %q: %w", code.Code, subscription.ErrCodeExists)
	}
	s.referralCodes[code.Code] = code
	return nil
}

func (s *Store) GetReferralCode(_ context.Context, code string) (subscription.ReferralCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.referralCodes[code]
	if !ok {
		return subscription.ReferralCode{}, fmt.Errorf("referral code %q: %w", code, storage.ErrNotFound)
	}
	return rec, nil
}

func (s *Store) RecordReferralUse(_ context.Context, code string, earnings uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.referralCodes[code]
	if !ok {
		return fmt.Errorf("referral code %q: %w", code, storage.ErrNotFound)
	}
	rec.UsageCount++
	rec.Earnings += earnings
	s.referralCodes[code] = rec
	s.referralEarns[rec.Referrer] += earnings
	return nil
}

func (s *Store) GetReferralEarnings(_ context.Context, user string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.referralEarns[user], nil
}

func (s *Store) RecordRevenue(_ context.Context, revenue, creditsPurchased uint64, newSubscription bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.revenueStats.TotalRevenue += revenue
	s.revenueStats.TotalCreditsPurchased += creditsPurchased
	if newSubscription {
		s.revenueStats.TotalSubscriptions++
	}
	return nil
}

func (s *Store) GetRevenueStats(_ context.Context) (subscription.RevenueStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revenueStats, nil
}

// Helpers --------------------------------------------------------------------

func cloneBytes(src []byte) []byte {
	if src == nil {
		return nil
	}
	return append([]byte(nil), src...)
}

func cloneWorkflow(wf workflow.Workflow) workflow.Workflow {
	wf.Config = cloneBytes(wf.Config)
	return wf
}

func removeID(ids []uint64, id uint64) []uint64 {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
