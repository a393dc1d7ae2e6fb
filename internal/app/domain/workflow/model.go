// Package workflow holds the registry domain models: named, owned automation
// targets that events are processed against.
package workflow

import "errors"

// Fee and limit constants, in minor units of the native currency
// (1 unit = 1_000_000 minor units).
const (
	RegistrationFee    uint64 = 10_000_000
	MinTransferPrice   uint64 = 5_000_000
	TransferFeePercent uint64 = 5
	PremiumFee         uint64 = 50_000_000

	// FreeTierMaxWorkflows caps how many workflows a non-premium account may
	// own, active or not.
	FreeTierMaxWorkflows = 5
)

// Registry error taxonomy.
var (
	ErrNotFound             = errors.New("workflow not found")
	ErrUnauthorized         = errors.New("caller is not the workflow owner")
	ErrInvalidName          = errors.New("workflow name must not be empty")
	ErrInvalidDescription   = errors.New("workflow description must not be empty")
	ErrInvalidPrice         = errors.New("transfer price below minimum")
	ErrWorkflowLimitReached = errors.New("free tier workflow limit reached")
)

// Workflow is a registered monitor. Block heights are the external host's
// logical clock; Version increases by exactly one per successful update.
type Workflow struct {
	ID          uint64
	Owner       string
	Name        string
	Description string
	Config      []byte
	IsPublic    bool
	IsActive    bool
	CreatedAt   uint64
	UpdatedAt   uint64
	Version     uint64
	EventCount  uint64
}

// Stats carries per-workflow mutation counters.
type Stats struct {
	WorkflowID     uint64
	TotalUpdates   uint64
	TotalTransfers uint64
}

// PlatformStats aggregates registry-wide counters. Both fields are monotonic.
type PlatformStats struct {
	TotalWorkflows uint64
	TotalRevenue   uint64
}

// UserWorkflows lists the ids owned by an account in insertion order.
type UserWorkflows struct {
	Owner       string
	WorkflowIDs []uint64
	Count       uint64
}
