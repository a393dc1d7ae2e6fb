// Package registry implements the workflow registry: paid registration,
// owner-gated mutation, paid ownership transfer and the premium tier that
// lifts the free-tier workflow cap.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/eventflow-network/eventflow/internal/app/chain"
	"github.com/eventflow-network/eventflow/internal/app/domain/workflow"
	"github.com/eventflow-network/eventflow/internal/app/metrics"
	"github.com/eventflow-network/eventflow/internal/app/storage"
	"github.com/eventflow-network/eventflow/pkg/logger"
)

// Service owns all registry state transitions. Fees flow through the bank to
// the treasury account; the store assigns workflow ids.
type Service struct {
	store    storage.WorkflowStore
	bank     chain.Bank
	clock    chain.Clock
	treasury string
	log      *logger.Logger

	stats *metrics.Metrics
}

// New creates the registry service. A nil log defaults to the standard
// component logger.
func New(store storage.WorkflowStore, bank chain.Bank, clock chain.Clock, treasury string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("registry")
	}
	return &Service{store: store, bank: bank, clock: clock, treasury: treasury, log: log}
}

// AttachMetrics enables prometheus counters for registrations and fees.
func (s *Service) AttachMetrics(m *metrics.Metrics) { s.stats = m }

func (s *Service) countFee(amount uint64) {
	if s.stats != nil {
		s.stats.FeesCollected.WithLabelValues("registry").Add(float64(amount))
	}
}

// Register creates a workflow for caller and charges the registration fee.
// Non-premium accounts are capped at FreeTierMaxWorkflows workflows, active
// or not.
func (s *Service) Register(ctx context.Context, caller, name, description string, config []byte, isPublic bool) (uint64, error) {
	if name == "" {
		return 0, workflow.ErrInvalidName
	}
	if description == "" {
		return 0, workflow.ErrInvalidDescription
	}

	premium, err := s.store.IsPremium(ctx, caller)
	if err != nil {
		return 0, fmt.Errorf("check premium status: %w", err)
	}
	if !premium {
		owned, err := s.store.UserWorkflows(ctx, caller)
		if err != nil {
			return 0, fmt.Errorf("count workflows: %w", err)
		}
		if owned.Count >= workflow.FreeTierMaxWorkflows {
			return 0, workflow.ErrWorkflowLimitReached
		}
	}

	if err := s.bank.Transfer(caller, s.treasury, workflow.RegistrationFee); err != nil {
		return 0, fmt.Errorf("charge registration fee: %w", err)
	}

	now := s.clock.Height()
	created, err := s.store.CreateWorkflow(ctx, workflow.Workflow{
		Owner:       caller,
		Name:        name,
		Description: description,
		Config:      config,
		IsPublic:    isPublic,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	})
	if err != nil {
		return 0, fmt.Errorf("create workflow: %w", err)
	}
	if err := s.store.AddPlatformRevenue(ctx, workflow.RegistrationFee); err != nil {
		return 0, fmt.Errorf("record revenue: %w", err)
	}
	if s.stats != nil {
		s.stats.WorkflowsRegistered.Inc()
	}
	s.countFee(workflow.RegistrationFee)

	s.log.WithField("workflow_id", created.ID).WithField("owner", caller).Info("workflow registered")
	return created.ID, nil
}

// Update replaces the mutable fields of a workflow the caller owns and bumps
// its version.
func (s *Service) Update(ctx context.Context, caller string, id uint64, name, description string, config []byte) error {
	if name == "" {
		return workflow.ErrInvalidName
	}
	if description == "" {
		return workflow.ErrInvalidDescription
	}

	wf, err := s.ownedWorkflow(ctx, caller, id)
	if err != nil {
		return err
	}

	wf.Name = name
	wf.Description = description
	wf.Config = config
	wf.Version++
	wf.UpdatedAt = s.clock.Height()
	if err := s.store.UpdateWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if err := s.store.BumpUpdateCount(ctx, id); err != nil {
		return fmt.Errorf("record update: %w", err)
	}
	return nil
}

// ToggleVisibility flips the public flag and returns the new value.
func (s *Service) ToggleVisibility(ctx context.Context, caller string, id uint64) (bool, error) {
	wf, err := s.ownedWorkflow(ctx, caller, id)
	if err != nil {
		return false, err
	}
	wf.IsPublic = !wf.IsPublic
	wf.UpdatedAt = s.clock.Height()
	if err := s.store.UpdateWorkflow(ctx, wf); err != nil {
		return false, fmt.Errorf("update workflow: %w", err)
	}
	return wf.IsPublic, nil
}

// Delete deactivates a workflow. Records are never erased.
func (s *Service) Delete(ctx context.Context, caller string, id uint64) error {
	wf, err := s.ownedWorkflow(ctx, caller, id)
	if err != nil {
		return err
	}
	wf.IsActive = false
	wf.UpdatedAt = s.clock.Height()
	if err := s.store.UpdateWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	s.log.WithField("workflow_id", id).Info("workflow deactivated")
	return nil
}

// Transfer sells a workflow to newOwner at the given price. The buyer pays:
// price minus the platform cut goes to the previous owner, the cut to the
// treasury.
func (s *Service) Transfer(ctx context.Context, caller string, id uint64, newOwner string, price uint64) error {
	wf, err := s.ownedWorkflow(ctx, caller, id)
	if err != nil {
		return err
	}
	if price < workflow.MinTransferPrice {
		return workflow.ErrInvalidPrice
	}

	// The buyer pays the full price into the treasury in one movement; the
	// seller share is then paid out of the treasury, which cannot fail. A
	// buyer short of the full price leaves no partial payment behind.
	fee := price * workflow.TransferFeePercent / 100
	if err := s.bank.Transfer(newOwner, s.treasury, price); err != nil {
		return fmt.Errorf("collect price: %w", err)
	}
	if err := s.bank.Transfer(s.treasury, caller, price-fee); err != nil {
		return fmt.Errorf("pay seller: %w", err)
	}

	wf.Owner = newOwner
	wf.UpdatedAt = s.clock.Height()
	if err := s.store.UpdateWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if err := s.store.BumpTransferCount(ctx, id); err != nil {
		return fmt.Errorf("record transfer: %w", err)
	}
	if err := s.store.AddPlatformRevenue(ctx, fee); err != nil {
		return fmt.Errorf("record revenue: %w", err)
	}
	s.countFee(fee)

	s.log.WithField("workflow_id", id).
		WithField("from", caller).
		WithField("to", newOwner).
		WithField("price", price).
		Info("workflow transferred")
	return nil
}

// UnlockPremium lifts the caller's workflow cap. Idempotent; only the first
// call charges the fee.
func (s *Service) UnlockPremium(ctx context.Context, caller string) error {
	premium, err := s.store.IsPremium(ctx, caller)
	if err != nil {
		return fmt.Errorf("check premium status: %w", err)
	}
	if premium {
		return nil
	}
	if err := s.bank.Transfer(caller, s.treasury, workflow.PremiumFee); err != nil {
		return fmt.Errorf("charge premium fee: %w", err)
	}
	if err := s.store.SetPremium(ctx, caller); err != nil {
		return fmt.Errorf("set premium: %w", err)
	}
	if err := s.store.AddPlatformRevenue(ctx, workflow.PremiumFee); err != nil {
		return fmt.Errorf("record revenue: %w", err)
	}
	s.countFee(workflow.PremiumFee)
	s.log.WithField("account", caller).Info("premium unlocked")
	return nil
}

// CanAccess reports whether caller may read the workflow: public workflows
// are open to everyone, private ones to the owner only.
func (s *Service) CanAccess(ctx context.Context, id uint64, caller string) (bool, error) {
	wf, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return wf.IsPublic || wf.Owner == caller, nil
}

// Get returns the workflow record.
func (s *Service) Get(ctx context.Context, id uint64) (workflow.Workflow, error) {
	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return workflow.Workflow{}, workflow.ErrNotFound
		}
		return workflow.Workflow{}, fmt.Errorf("get workflow: %w", err)
	}
	return wf, nil
}

// UserWorkflows lists the ids owned by an account in insertion order.
func (s *Service) UserWorkflows(ctx context.Context, owner string) (workflow.UserWorkflows, error) {
	return s.store.UserWorkflows(ctx, owner)
}

// WorkflowStats returns per-workflow mutation counters.
func (s *Service) WorkflowStats(ctx context.Context, id uint64) (workflow.Stats, error) {
	return s.store.GetWorkflowStats(ctx, id)
}

// PlatformStats returns registry-wide counters.
func (s *Service) PlatformStats(ctx context.Context) (workflow.PlatformStats, error) {
	return s.store.GetPlatformStats(ctx)
}

// IsPremium reports whether the account has unlocked premium.
func (s *Service) IsPremium(ctx context.Context, account string) (bool, error) {
	return s.store.IsPremium(ctx, account)
}

func (s *Service) ownedWorkflow(ctx context.Context, caller string, id uint64) (workflow.Workflow, error) {
	wf, err := s.Get(ctx, id)
	if err != nil {
		return workflow.Workflow{}, err
	}
	if wf.Owner != caller {
		return workflow.Workflow{}, workflow.ErrUnauthorized
	}
	return wf, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
