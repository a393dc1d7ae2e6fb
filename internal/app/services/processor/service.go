// Package processor implements the event processor: content-hash
// deduplication, block-window rate limiting, batch submission, the retry
// queue and the action log.
package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/eventflow-network/eventflow/internal/app/chain"
	"github.com/eventflow-network/eventflow/internal/app/domain/event"
	"github.com/eventflow-network/eventflow/internal/app/domain/subscription"
	"github.com/eventflow-network/eventflow/internal/app/domain/workflow"
	"github.com/eventflow-network/eventflow/internal/app/metrics"
	"github.com/eventflow-network/eventflow/internal/app/storage"
	"github.com/eventflow-network/eventflow/pkg/logger"
)

// Meter bills event processing against a user's subscription or credit
// balance. Callers with an active subscription process for the flat fee
// alone; everyone else consumes one credit per event.
type Meter interface {
	HasActiveSubscription(ctx context.Context, user string) (bool, error)
	CreditBalance(ctx context.Context, user string) (subscription.CreditBalance, error)
	ConsumeCredits(ctx context.Context, user string, amount uint64) error
}

// Service owns all processor state transitions. Events are keyed by the
// sha256 of their payload; an identical payload is never processed twice.
type Service struct {
	events    storage.EventStore
	workflows storage.WorkflowStore
	bank      chain.Bank
	clock     chain.Clock
	treasury  string
	log       *logger.Logger

	meter Meter
	stats *metrics.Metrics
}

// New creates the processor service. A nil log defaults to the standard
// component logger.
func New(events storage.EventStore, workflows storage.WorkflowStore, bank chain.Bank, clock chain.Clock, treasury string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("processor")
	}
	return &Service{events: events, workflows: workflows, bank: bank, clock: clock, treasury: treasury, log: log}
}

// AttachMeter enables per-event credit metering. Without a meter, processing
// is gated by the flat fee alone.
func (s *Service) AttachMeter(m Meter) { s.meter = m }

// AttachMetrics enables prometheus counters for processed and failed events.
func (s *Service) AttachMetrics(m *metrics.Metrics) { s.stats = m }

// Process ingests a single event for a workflow. The payload digest is the
// dedup key; priority processing adds a surcharge to the flat fee. Returns
// the sequential processing id.
func (s *Service) Process(ctx context.Context, caller string, workflowID uint64, payload, txHash []byte, eventType string, priority bool) (uint64, error) {
	hash := event.HashPayload(payload)
	seen, err := s.events.HasEvent(ctx, hash)
	if err != nil {
		return 0, fmt.Errorf("check event: %w", err)
	}
	if seen {
		return 0, event.ErrDuplicateEvent
	}

	now := s.clock.Height()
	cfg, st, err := s.events.GetRateLimit(ctx, workflowID)
	if err != nil {
		return 0, fmt.Errorf("get rate limit: %w", err)
	}
	if cfg.Enabled {
		st = rollWindow(st, now)
		if st.Count >= cfg.Limit {
			return 0, event.ErrRateLimitExceeded
		}
	}

	// Check the meter before charging and consume only after the fee lands;
	// a failed fee transfer must not leave a credit spent.
	metered, err := s.meterCheck(ctx, caller, 1)
	if err != nil {
		return 0, err
	}

	fee := event.ProcessingFee
	if priority {
		fee += event.PriorityFee
	}
	if err := s.bank.Transfer(caller, s.treasury, fee); err != nil {
		return 0, fmt.Errorf("charge processing fee: %w", err)
	}
	if metered {
		if err := s.meterConsume(ctx, caller, 1); err != nil {
			return 0, err
		}
	}
	if s.stats != nil {
		s.stats.FeesCollected.WithLabelValues("processor").Add(float64(fee))
	}

	id, err := s.events.NextProcessingID(ctx)
	if err != nil {
		return 0, fmt.Errorf("assign processing id: %w", err)
	}
	if err := s.events.PutEvent(ctx, event.Record{
		Hash:        hash,
		WorkflowID:  workflowID,
		ProcessedAt: now,
		TxHash:      txHash,
		EventType:   eventType,
		Success:     true,
	}); err != nil {
		return 0, fmt.Errorf("store event: %w", err)
	}
	if cfg.Enabled {
		st.Count++
		if err := s.events.SetRateLimitState(ctx, workflowID, st); err != nil {
			return 0, fmt.Errorf("update rate limit state: %w", err)
		}
	}
	if err := s.recordProcessed(ctx, workflowID, 1); err != nil {
		return 0, err
	}

	s.log.WithField("workflow_id", workflowID).
		WithField("processing_id", id).
		WithField("event_type", eventType).
		Debug("event processed")
	return id, nil
}

// ProcessBatch ingests up to MaxBatchSize events in one call. Duplicates,
// against the store and within the batch, are skipped silently. The rate
// window must absorb every non-duplicate entry up front or the whole batch is
// rejected before any write. Returns the newly processed count.
func (s *Service) ProcessBatch(ctx context.Context, caller string, workflowID uint64, items []event.BatchItem) (uint64, error) {
	if len(items) > event.MaxBatchSize {
		return 0, event.ErrBatchTooLarge
	}

	fresh := make([]event.BatchItem, 0, len(items))
	hashes := make([]event.Hash, 0, len(items))
	inBatch := make(map[event.Hash]struct{}, len(items))
	for _, item := range items {
		h := event.HashPayload(item.Payload)
		if _, dup := inBatch[h]; dup {
			continue
		}
		seen, err := s.events.HasEvent(ctx, h)
		if err != nil {
			return 0, fmt.Errorf("check event: %w", err)
		}
		if seen {
			continue
		}
		inBatch[h] = struct{}{}
		fresh = append(fresh, item)
		hashes = append(hashes, h)
	}
	if len(fresh) == 0 {
		return 0, nil
	}
	count := uint64(len(fresh))

	now := s.clock.Height()
	cfg, st, err := s.events.GetRateLimit(ctx, workflowID)
	if err != nil {
		return 0, fmt.Errorf("get rate limit: %w", err)
	}
	if cfg.Enabled {
		st = rollWindow(st, now)
		if st.Count+count > cfg.Limit {
			return 0, event.ErrRateLimitExceeded
		}
	}

	metered, err := s.meterCheck(ctx, caller, count)
	if err != nil {
		return 0, err
	}
	if err := s.bank.Transfer(caller, s.treasury, event.ProcessingFee*count); err != nil {
		return 0, fmt.Errorf("charge processing fee: %w", err)
	}
	if metered {
		if err := s.meterConsume(ctx, caller, count); err != nil {
			return 0, err
		}
	}
	if s.stats != nil {
		s.stats.FeesCollected.WithLabelValues("processor").Add(float64(event.ProcessingFee * count))
	}

	for i, item := range fresh {
		if _, err := s.events.NextProcessingID(ctx); err != nil {
			return 0, fmt.Errorf("assign processing id: %w", err)
		}
		if err := s.events.PutEvent(ctx, event.Record{
			Hash:        hashes[i],
			WorkflowID:  workflowID,
			ProcessedAt: now,
			TxHash:      item.TxHash,
			EventType:   item.EventType,
			Success:     true,
		}); err != nil {
			return 0, fmt.Errorf("store event: %w", err)
		}
	}
	if cfg.Enabled {
		st.Count += count
		if err := s.events.SetRateLimitState(ctx, workflowID, st); err != nil {
			return 0, fmt.Errorf("update rate limit state: %w", err)
		}
	}
	if err := s.recordProcessed(ctx, workflowID, count); err != nil {
		return 0, err
	}

	s.log.WithField("workflow_id", workflowID).
		WithField("submitted", len(items)).
		WithField("processed", count).
		Info("batch processed")
	return count, nil
}

// SetRateLimit configures the per-workflow window cap. Only the workflow
// owner may set it; reconfiguring zeroes the current window.
func (s *Service) SetRateLimit(ctx context.Context, caller string, workflowID, limit uint64, enabled bool) error {
	wf, err := s.workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return workflow.ErrNotFound
		}
		return fmt.Errorf("get workflow: %w", err)
	}
	if wf.Owner != caller {
		return workflow.ErrUnauthorized
	}
	return s.events.SetRateLimit(ctx, event.RateLimitConfig{WorkflowID: workflowID, Limit: limit, Enabled: enabled})
}

// RateLimitStatus reports the live window state for a workflow.
func (s *Service) RateLimitStatus(ctx context.Context, workflowID uint64) (event.RateLimitStatus, error) {
	cfg, st, err := s.events.GetRateLimit(ctx, workflowID)
	if err != nil {
		return event.RateLimitStatus{}, fmt.Errorf("get rate limit: %w", err)
	}
	if cfg.Enabled {
		st = rollWindow(st, s.clock.Height())
	}
	return event.RateLimitStatus{
		CurrentCount: st.Count,
		Limit:        cfg.Limit,
		CanProcess:   !cfg.Enabled || st.Count < cfg.Limit,
	}, nil
}

// QueueRetry records a failed event for later reprocessing. This is the only
// path that marks failures in the statistics.
func (s *Service) QueueRetry(ctx context.Context, caller string, workflowID uint64, payload []byte, errorCode uint64) (uint64, error) {
	entry, err := s.events.AppendRetry(ctx, event.RetryEntry{
		WorkflowID: workflowID,
		Payload:    payload,
		ErrorCode:  errorCode,
	})
	if err != nil {
		return 0, fmt.Errorf("queue retry: %w", err)
	}
	if err := s.events.RecordFailed(ctx, workflowID); err != nil {
		return 0, fmt.Errorf("record failure: %w", err)
	}
	if s.stats != nil {
		s.stats.EventsFailed.Inc()
	}

	s.log.WithField("workflow_id", workflowID).
		WithField("retry_id", entry.ID).
		WithField("error_code", errorCode).
		Warn("event queued for retry")
	return entry.ID, nil
}

// ExecuteContractCall records a contract invocation triggered by a workflow.
// Returns the sequential execution id.
func (s *Service) ExecuteContractCall(ctx context.Context, caller string, workflowID uint64, target, functionName string) (uint64, error) {
	if err := s.checkAccess(ctx, caller, workflowID); err != nil {
		return 0, err
	}
	entry, err := s.events.AppendAction(ctx, event.ActionEntry{
		WorkflowID: workflowID,
		ActionType: event.ActionContractCall,
		Target:     target,
		Success:    true,
	})
	if err != nil {
		return 0, fmt.Errorf("record action: %w", err)
	}
	s.log.WithField("workflow_id", workflowID).
		WithField("target", target).
		WithField("function", functionName).
		Info("contract call executed")
	return entry.ID, nil
}

// ExecuteTokenTransfer moves native currency from the caller to the target
// and records it. Returns the sequential execution id.
func (s *Service) ExecuteTokenTransfer(ctx context.Context, caller string, workflowID uint64, target string, amount uint64) (uint64, error) {
	if err := s.checkAccess(ctx, caller, workflowID); err != nil {
		return 0, err
	}
	if err := s.bank.Transfer(caller, target, amount); err != nil {
		return 0, fmt.Errorf("transfer: %w", err)
	}
	entry, err := s.events.AppendAction(ctx, event.ActionEntry{
		WorkflowID: workflowID,
		ActionType: event.ActionTokenTransfer,
		Target:     target,
		Success:    true,
	})
	if err != nil {
		return 0, fmt.Errorf("record action: %w", err)
	}
	return entry.ID, nil
}

// TriggerWebhook records a webhook trigger for a workflow. Returns the
// sequential execution id.
func (s *Service) TriggerWebhook(ctx context.Context, caller string, workflowID uint64, urlHash string) (uint64, error) {
	if err := s.checkAccess(ctx, caller, workflowID); err != nil {
		return 0, err
	}
	entry, err := s.events.AppendAction(ctx, event.ActionEntry{
		WorkflowID: workflowID,
		ActionType: event.ActionWebhook,
		Target:     urlHash,
		Success:    true,
	})
	if err != nil {
		return 0, fmt.Errorf("record action: %w", err)
	}
	return entry.ID, nil
}

// Event returns the processed record for a payload hash.
func (s *Service) Event(ctx context.Context, hash event.Hash) (event.Record, error) {
	rec, err := s.events.GetEvent(ctx, hash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return event.Record{}, storage.ErrNotFound
		}
		return event.Record{}, fmt.Errorf("get event: %w", err)
	}
	return rec, nil
}

// GlobalStats returns processor-wide counters.
func (s *Service) GlobalStats(ctx context.Context) (event.GlobalStats, error) {
	return s.events.GetGlobalStats(ctx)
}

// ProcessingStats returns per-workflow counters.
func (s *Service) ProcessingStats(ctx context.Context, workflowID uint64) (event.ProcessingStats, error) {
	return s.events.GetProcessingStats(ctx, workflowID)
}

// EventCount returns the workflow's processed-event counter, zero for
// unknown workflows.
func (s *Service) EventCount(ctx context.Context, workflowID uint64) (uint64, error) {
	wf, err := s.workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("get workflow: %w", err)
	}
	return wf.EventCount, nil
}

// RetryEntry returns a queued retry by id.
func (s *Service) RetryEntry(ctx context.Context, id uint64) (event.RetryEntry, error) {
	return s.events.GetRetry(ctx, id)
}

// ActionEntry returns an action log entry by id.
func (s *Service) ActionEntry(ctx context.Context, id uint64) (event.ActionEntry, error) {
	return s.events.GetAction(ctx, id)
}

// meterCheck reports whether the call is billed in credits and, when it is,
// that the balance covers the event count. Read-only.
func (s *Service) meterCheck(ctx context.Context, caller string, events uint64) (bool, error) {
	if s.meter == nil {
		return false, nil
	}
	active, err := s.meter.HasActiveSubscription(ctx, caller)
	if err != nil {
		return false, fmt.Errorf("check subscription: %w", err)
	}
	if active {
		return false, nil
	}
	bal, err := s.meter.CreditBalance(ctx, caller)
	if err != nil {
		return false, fmt.Errorf("check credit balance: %w", err)
	}
	if bal.Balance < events {
		return false, fmt.Errorf("meter %d events for %s: %w", events, caller, subscription.ErrInsufficientBalance)
	}
	return true, nil
}

func (s *Service) meterConsume(ctx context.Context, caller string, events uint64) error {
	for i := uint64(0); i < events; i++ {
		if err := s.meter.ConsumeCredits(ctx, caller, 1); err != nil {
			return fmt.Errorf("consume credit: %w", err)
		}
	}
	return nil
}

func (s *Service) recordProcessed(ctx context.Context, workflowID, count uint64) error {
	for i := uint64(0); i < count; i++ {
		if err := s.events.RecordProcessed(ctx, workflowID); err != nil {
			return fmt.Errorf("record processed: %w", err)
		}
		if err := s.workflows.BumpEventCount(ctx, workflowID); err != nil {
			return fmt.Errorf("bump event count: %w", err)
		}
	}
	if s.stats != nil {
		s.stats.EventsProcessed.Add(float64(count))
	}
	return nil
}

// checkAccess allows action execution on public workflows and on private
// workflows by their owner.
func (s *Service) checkAccess(ctx context.Context, caller string, workflowID uint64) error {
	wf, err := s.workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return workflow.ErrNotFound
		}
		return fmt.Errorf("get workflow: %w", err)
	}
	if !wf.IsPublic && wf.Owner != caller {
		return workflow.ErrUnauthorized
	}
	return nil
}

// rollWindow resets the window when it has never started or has expired.
func rollWindow(st event.RateLimitState, now uint64) event.RateLimitState {
	if st.WindowStart == 0 || now >= st.WindowStart+event.RateLimitWindowBlocks {
		return event.RateLimitState{WindowStart: now}
	}
	return st
}
