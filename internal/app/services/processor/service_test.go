package processor

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/eventflow-network/eventflow/internal/app/chain"
	"github.com/eventflow-network/eventflow/internal/app/domain/event"
	"github.com/eventflow-network/eventflow/internal/app/domain/subscription"
	"github.com/eventflow-network/eventflow/internal/app/domain/workflow"
	"github.com/eventflow-network/eventflow/internal/app/services/ledger"
	"github.com/eventflow-network/eventflow/internal/app/storage/memory"
)

const treasury = "platform"

type fixture struct {
	svc    *Service
	ledger *ledger.Service
	store  *memory.Store
	bank   *chain.SimBank
	clock  *chain.SimClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	bank := chain.NewSimBank()
	bank.Mint("alice", 1_000_000_000)
	clock := chain.NewSimClock(1000)
	return &fixture{
		svc:    New(store, store, bank, clock, treasury, nil),
		ledger: ledger.New(store, bank, clock, treasury, nil),
		store:  store,
		bank:   bank,
		clock:  clock,
	}
}

func (f *fixture) registerWorkflow(t *testing.T, owner string, isPublic bool) uint64 {
	t.Helper()
	wf, err := f.store.CreateWorkflow(context.Background(), workflow.Workflow{
		Owner: owner, Name: "wf", Description: "d", IsActive: true, IsPublic: isPublic, Version: 1,
	})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	return wf.ID
}

func TestProcessEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.registerWorkflow(t, "alice", false)

	pid, err := f.svc.Process(ctx, "alice", id, []byte("payload-1"), []byte{0xaa}, "price-update", false)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if pid != 1 {
		t.Fatalf("expected processing id 1, got %d", pid)
	}
	if got := f.bank.Balance(treasury); got != event.ProcessingFee {
		t.Fatalf("unexpected treasury balance %d", got)
	}

	rec, err := f.svc.Event(ctx, event.HashPayload([]byte("payload-1")))
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if rec.WorkflowID != id || !rec.Success || rec.EventType != "price-update" {
		t.Fatalf("unexpected record %+v", rec)
	}

	count, _ := f.svc.EventCount(ctx, id)
	if count != 1 {
		t.Fatalf("expected event count 1, got %d", count)
	}
	stats, _ := f.svc.GlobalStats(ctx)
	if stats.TotalProcessed != 1 || stats.SuccessRate != 100 {
		t.Fatalf("unexpected global stats %+v", stats)
	}
}

func TestProcessDuplicate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.registerWorkflow(t, "alice", false)

	if _, err := f.svc.Process(ctx, "alice", id, []byte("same"), nil, "t", false); err != nil {
		t.Fatalf("process: %v", err)
	}
	balAfter := f.bank.Balance("alice")

	if _, err := f.svc.Process(ctx, "alice", id, []byte("same"), nil, "t", false); !errors.Is(err, event.ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}
	if got := f.bank.Balance("alice"); got != balAfter {
		t.Fatalf("rejected event must not charge, balance %d", got)
	}
}

func TestPrioritySurcharge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.registerWorkflow(t, "alice", false)

	before := f.bank.Balance("alice")
	if _, err := f.svc.Process(ctx, "alice", id, []byte("p"), nil, "t", true); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := before - f.bank.Balance("alice"); got != event.ProcessingFee+event.PriorityFee {
		t.Fatalf("expected priority fee %d, charged %d", event.ProcessingFee+event.PriorityFee, got)
	}
}

func TestRateLimitWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.registerWorkflow(t, "alice", false)

	if err := f.svc.SetRateLimit(ctx, "bob", id, 2, true); !errors.Is(err, workflow.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := f.svc.SetRateLimit(ctx, "alice", 99, 2, true); !errors.Is(err, workflow.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := f.svc.SetRateLimit(ctx, "alice", id, 2, true); err != nil {
		t.Fatalf("set rate limit: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := f.svc.Process(ctx, "alice", id, []byte(fmt.Sprintf("e%d", i)), nil, "t", false); err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
	}
	if _, err := f.svc.Process(ctx, "alice", id, []byte("e2"), nil, "t", false); !errors.Is(err, event.ErrRateLimitExceeded) {
		t.Fatalf("expected ErrRateLimitExceeded, got %v", err)
	}

	status, err := f.svc.RateLimitStatus(ctx, id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.CurrentCount != 2 || status.Limit != 2 || status.CanProcess {
		t.Fatalf("unexpected status %+v", status)
	}

	// The window resets after RateLimitWindowBlocks.
	f.clock.Advance(event.RateLimitWindowBlocks)
	if _, err := f.svc.Process(ctx, "alice", id, []byte("e2"), nil, "t", false); err != nil {
		t.Fatalf("process after window reset: %v", err)
	}
	status, _ = f.svc.RateLimitStatus(ctx, id)
	if status.CurrentCount != 1 || !status.CanProcess {
		t.Fatalf("unexpected status after reset %+v", status)
	}

	// Reconfiguring zeroes the window.
	if err := f.svc.SetRateLimit(ctx, "alice", id, 1, true); err != nil {
		t.Fatalf("reconfigure: %v", err)
	}
	if _, err := f.svc.Process(ctx, "alice", id, []byte("e3"), nil, "t", false); err != nil {
		t.Fatalf("process after reconfigure: %v", err)
	}
}

func TestProcessBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.registerWorkflow(t, "alice", false)

	// One duplicate against the store, one inside the batch.
	if _, err := f.svc.Process(ctx, "alice", id, []byte("stored"), nil, "t", false); err != nil {
		t.Fatalf("seed event: %v", err)
	}
	balBefore := f.bank.Balance("alice")

	items := []event.BatchItem{
		{Payload: []byte("a"), EventType: "t"},
		{Payload: []byte("stored"), EventType: "t"},
		{Payload: []byte("b"), EventType: "t"},
		{Payload: []byte("a"), EventType: "t"},
	}
	n, err := f.svc.ProcessBatch(ctx, "alice", id, items)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 newly processed, got %d", n)
	}
	if got := balBefore - f.bank.Balance("alice"); got != 2*event.ProcessingFee {
		t.Fatalf("expected charge for 2 events, charged %d", got)
	}
	if count, _ := f.svc.EventCount(ctx, id); count != 3 {
		t.Fatalf("expected event count 3, got %d", count)
	}
}

func TestProcessBatchTooLarge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.registerWorkflow(t, "alice", false)

	items := make([]event.BatchItem, event.MaxBatchSize+1)
	for i := range items {
		items[i] = event.BatchItem{Payload: []byte(fmt.Sprintf("e%d", i))}
	}
	if _, err := f.svc.ProcessBatch(ctx, "alice", id, items); !errors.Is(err, event.ErrBatchTooLarge) {
		t.Fatalf("expected ErrBatchTooLarge, got %v", err)
	}
}

func TestProcessBatchRateLimitPreCheck(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.registerWorkflow(t, "alice", false)

	if err := f.svc.SetRateLimit(ctx, "alice", id, 2, true); err != nil {
		t.Fatalf("set rate limit: %v", err)
	}
	balBefore := f.bank.Balance("alice")

	items := []event.BatchItem{
		{Payload: []byte("a")}, {Payload: []byte("b")}, {Payload: []byte("c")},
	}
	if _, err := f.svc.ProcessBatch(ctx, "alice", id, items); !errors.Is(err, event.ErrRateLimitExceeded) {
		t.Fatalf("expected ErrRateLimitExceeded, got %v", err)
	}

	// The whole batch is rejected before any write or charge.
	if got := f.bank.Balance("alice"); got != balBefore {
		t.Fatalf("rejected batch must not charge, balance %d", got)
	}
	for _, p := range []string{"a", "b", "c"} {
		if _, err := f.svc.Event(ctx, event.HashPayload([]byte(p))); err == nil {
			t.Fatalf("event %q must not be stored", p)
		}
	}
	stats, _ := f.svc.GlobalStats(ctx)
	if stats.TotalEvents != 0 {
		t.Fatalf("unexpected global stats %+v", stats)
	}
}

func TestQueueRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.registerWorkflow(t, "alice", false)

	rid, err := f.svc.QueueRetry(ctx, "alice", id, []byte("failed-payload"), 42)
	if err != nil {
		t.Fatalf("queue retry: %v", err)
	}
	entry, err := f.svc.RetryEntry(ctx, rid)
	if err != nil {
		t.Fatalf("get retry: %v", err)
	}
	if entry.ErrorCode != 42 || entry.RetryCount != 0 {
		t.Fatalf("unexpected retry %+v", entry)
	}

	global, _ := f.svc.GlobalStats(ctx)
	if global.TotalFailed != 1 {
		t.Fatalf("unexpected global stats %+v", global)
	}
	per, _ := f.svc.ProcessingStats(ctx, id)
	if per.FailCount != 1 {
		t.Fatalf("unexpected per-workflow stats %+v", per)
	}
}

func TestActions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	private := f.registerWorkflow(t, "alice", false)
	public := f.registerWorkflow(t, "alice", true)

	if _, err := f.svc.ExecuteContractCall(ctx, "bob", private, "ST1.contract", "run"); !errors.Is(err, workflow.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := f.svc.TriggerWebhook(ctx, "alice", 99, "abc"); !errors.Is(err, workflow.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	aid, err := f.svc.ExecuteContractCall(ctx, "bob", public, "ST1.contract", "run")
	if err != nil {
		t.Fatalf("contract call: %v", err)
	}
	entry, _ := f.svc.ActionEntry(ctx, aid)
	if entry.ActionType != event.ActionContractCall || !entry.Success {
		t.Fatalf("unexpected action %+v", entry)
	}

	f.bank.Mint("bob", 1_000_000)
	tid, err := f.svc.ExecuteTokenTransfer(ctx, "bob", public, "carol", 600_000)
	if err != nil {
		t.Fatalf("token transfer: %v", err)
	}
	if tid != aid+1 {
		t.Fatalf("expected sequential execution id %d, got %d", aid+1, tid)
	}
	if got := f.bank.Balance("carol"); got != 600_000 {
		t.Fatalf("unexpected target balance %d", got)
	}

	wid, err := f.svc.TriggerWebhook(ctx, "alice", private, "url-hash")
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	entry, _ = f.svc.ActionEntry(ctx, wid)
	if entry.ActionType != event.ActionWebhook || entry.Target != "url-hash" {
		t.Fatalf("unexpected action %+v", entry)
	}
}

func TestMeteredProcessing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.registerWorkflow(t, "alice", false)
	f.svc.AttachMeter(f.ledger)

	// Caller without subscription or credits is rejected before any charge.
	f.bank.Mint("bob", 1_000_000)
	if _, err := f.svc.Process(ctx, "bob", id, []byte("m0"), nil, "t", false); !errors.Is(err, subscription.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	// Credit holders consume one credit per event.
	f.bank.Mint("bob", subscription.PackageSmallPrice)
	if _, err := f.ledger.PurchaseCredits(ctx, "bob", subscription.PackageSmall); err != nil {
		t.Fatalf("purchase credits: %v", err)
	}
	if _, err := f.svc.Process(ctx, "bob", id, []byte("m1"), nil, "t", false); err != nil {
		t.Fatalf("metered process: %v", err)
	}
	bal, _ := f.ledger.CreditBalance(ctx, "bob")
	if bal.Balance != subscription.PackageSmallCredits-1 {
		t.Fatalf("expected one credit consumed, balance %d", bal.Balance)
	}

	// Active subscribers are not metered.
	f.bank.Mint("carol", subscription.ProMonthlyPrice+10*event.ProcessingFee)
	if err := f.ledger.Subscribe(ctx, "carol", subscription.TierPro, 1, ""); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := f.svc.Process(ctx, "carol", id, []byte("m2"), nil, "t", false); err != nil {
		t.Fatalf("subscriber process: %v", err)
	}
	carolBal, _ := f.ledger.CreditBalance(ctx, "carol")
	if carolBal.Balance != 0 {
		t.Fatalf("subscriber must not consume credits, balance %d", carolBal.Balance)
	}
}

func TestMeteredProcessingFeeFailureLeavesCreditsUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.registerWorkflow(t, "alice", false)
	f.svc.AttachMeter(f.ledger)

	// Buy the credit package with the caller's entire native balance; the
	// processing fee itself is then unaffordable.
	f.bank.Mint("dave", subscription.PackageSmallPrice)
	if _, err := f.ledger.PurchaseCredits(ctx, "dave", subscription.PackageSmall); err != nil {
		t.Fatalf("purchase credits: %v", err)
	}
	if got := f.bank.Balance("dave"); got != 0 {
		t.Fatalf("expected empty native balance, got %d", got)
	}

	if _, err := f.svc.Process(ctx, "dave", id, []byte("m3"), nil, "t", false); !errors.Is(err, chain.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	// The failed call must not bill the caller or record anything.
	bal, _ := f.ledger.CreditBalance(ctx, "dave")
	if bal.Balance != subscription.PackageSmallCredits {
		t.Fatalf("failed process must not consume credits, balance %d", bal.Balance)
	}
	usage, _ := f.ledger.UsageStats(ctx, "dave")
	if usage.EventsUsed != 0 || usage.CreditsConsumed != 0 {
		t.Fatalf("failed process must not bump usage: %+v", usage)
	}
	stats, err := f.svc.GlobalStats(ctx)
	if err != nil {
		t.Fatalf("global stats: %v", err)
	}
	if stats.TotalEvents != 0 {
		t.Fatalf("failed process must not record events, stats %+v", stats)
	}

	batch := []event.BatchItem{{Payload: []byte("m4")}, {Payload: []byte("m5")}}
	if _, err := f.svc.ProcessBatch(ctx, "dave", id, batch); !errors.Is(err, chain.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds from batch, got %v", err)
	}
	bal, _ = f.ledger.CreditBalance(ctx, "dave")
	if bal.Balance != subscription.PackageSmallCredits {
		t.Fatalf("failed batch must not consume credits, balance %d", bal.Balance)
	}
}
