// Package event holds the processor domain models: deduplicated event
// records, rate-limit windows, the retry queue and the action log.
package event

import (
	"crypto/sha256"
	"errors"
)

// Fee and sizing constants, in minor units of the native currency.
const (
	ProcessingFee uint64 = 100_000
	PriorityFee   uint64 = 50_000

	// MaxBatchSize bounds the per-transaction cost of batch intake.
	MaxBatchSize = 50

	// RateLimitWindowBlocks is the fixed block-count window for per-workflow
	// rate limiting. The window counter resets when an event arrives at or
	// past WindowStart+RateLimitWindowBlocks, and on (re)configuration.
	RateLimitWindowBlocks uint64 = 144
)

// Processor error taxonomy.
var (
	ErrDuplicateEvent    = errors.New("event already processed")
	ErrRateLimitExceeded = errors.New("workflow rate limit exceeded")
	ErrBatchTooLarge     = errors.New("batch exceeds maximum size")
)

// Hash is the content digest an event is keyed by. Dedup is global: a given
// digest is recorded at most once across all workflows.
type Hash [sha256.Size]byte

// HashPayload computes the dedup key for an event payload.
func HashPayload(payload []byte) Hash {
	return sha256.Sum256(payload)
}

// Record is a processed event. Success is always true for records written by
// ordinary processing; failures only ever enter the retry queue.
type Record struct {
	Hash        Hash
	WorkflowID  uint64
	ProcessedAt uint64
	TxHash      []byte
	EventType   string
	Success     bool
}

// RateLimitConfig is the per-workflow cap. While Enabled, a new event is
// rejected once the window count reaches Limit.
type RateLimitConfig struct {
	WorkflowID uint64
	Limit      uint64
	Enabled    bool
}

// RateLimitState tracks the active window.
type RateLimitState struct {
	WindowStart uint64
	Count       uint64
}

// RateLimitStatus is the read-only view returned to callers.
type RateLimitStatus struct {
	CurrentCount uint64
	Limit        uint64
	CanProcess   bool
}

// RetryEntry is an explicitly queued failure. RetryCount starts at zero;
// ordinary processing never creates entries on its own.
type RetryEntry struct {
	ID         uint64
	WorkflowID uint64
	Payload    []byte
	ErrorCode  uint64
	RetryCount uint64
}

// Action types recorded in the action log.
const (
	ActionContractCall  = "contract-call"
	ActionTokenTransfer = "token-transfer"
	ActionWebhook       = "webhook"
)

// ActionEntry records a metered external action.
type ActionEntry struct {
	ID         uint64
	WorkflowID uint64
	ActionType string
	Target     string
	Success    bool
}

// GlobalStats aggregates processor-wide counters.
type GlobalStats struct {
	TotalProcessed uint64
	TotalEvents    uint64
	TotalFailed    uint64
	SuccessRate    uint64
}

// Rate returns TotalProcessed*100/TotalEvents, zero when no events exist.
func (s GlobalStats) Rate() uint64 {
	if s.TotalEvents == 0 {
		return 0
	}
	return s.TotalProcessed * 100 / s.TotalEvents
}

// ProcessingStats carries per-workflow counters.
type ProcessingStats struct {
	TotalEvents  uint64
	SuccessCount uint64
	FailCount    uint64
}

// BatchItem is one entry of a batch submission.
type BatchItem struct {
	Payload   []byte
	TxHash    []byte
	EventType string
}
