package app

import (
	"context"
	"fmt"

	"github.com/eventflow-network/eventflow/internal/app/chain"
	"github.com/eventflow-network/eventflow/internal/app/metrics"
	ledgersvc "github.com/eventflow-network/eventflow/internal/app/services/ledger"
	processorsvc "github.com/eventflow-network/eventflow/internal/app/services/processor"
	registrysvc "github.com/eventflow-network/eventflow/internal/app/services/registry"
	"github.com/eventflow-network/eventflow/internal/app/storage"
	"github.com/eventflow-network/eventflow/internal/app/storage/memory"
	"github.com/eventflow-network/eventflow/internal/app/system"
	"github.com/eventflow-network/eventflow/pkg/logger"
)

// DefaultTreasury is the platform account fees are collected into when the
// configuration names none.
const DefaultTreasury = "platform"

// Stores encapsulates persistence dependencies. Nil stores default to a
// shared in-memory implementation.
type Stores struct {
	Workflows storage.WorkflowStore
	Events    storage.EventStore
	Ledger    storage.LedgerStore
}

// Options tunes the composition. The zero value is a fully in-memory
// application with a simulated chain starting at block 1.
type Options struct {
	// Treasury is the account fees are paid into. Defaults to
	// DefaultTreasury.
	Treasury string
	// Clock and Bank are the external host bindings. Nil defaults to the
	// in-memory simulations.
	Clock chain.Clock
	Bank  chain.Bank
	// MeterEvents attaches the ledger to the processor so that callers
	// without an active subscription consume credits per event.
	MeterEvents bool
	// Metrics receives domain counters when set.
	Metrics *metrics.Metrics
}

// Application ties the three subsystems together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Clock chain.Clock
	Bank  chain.Bank

	Registry  *registrysvc.Service
	Processor *processorsvc.Service
	Ledger    *ledgersvc.Service
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Workflows == nil {
		stores.Workflows = mem
	}
	if stores.Events == nil {
		stores.Events = mem
	}
	if stores.Ledger == nil {
		stores.Ledger = mem
	}

	if opts.Treasury == "" {
		opts.Treasury = DefaultTreasury
	}
	if opts.Clock == nil {
		opts.Clock = chain.NewSimClock(1)
	}
	if opts.Bank == nil {
		opts.Bank = chain.NewSimBank()
	}

	registry := registrysvc.New(stores.Workflows, opts.Bank, opts.Clock, opts.Treasury, log)
	ledger := ledgersvc.New(stores.Ledger, opts.Bank, opts.Clock, opts.Treasury, log)
	processor := processorsvc.New(stores.Events, stores.Workflows, opts.Bank, opts.Clock, opts.Treasury, log)
	if opts.MeterEvents {
		processor.AttachMeter(ledger)
	}
	if opts.Metrics != nil {
		registry.AttachMetrics(opts.Metrics)
		processor.AttachMetrics(opts.Metrics)
		ledger.AttachMetrics(opts.Metrics)
	}

	manager := system.NewManager(log)
	for _, name := range []string{"registry", "processor", "ledger"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}

	return &Application{
		manager:   manager,
		log:       log,
		Clock:     opts.Clock,
		Bank:      opts.Bank,
		Registry:  registry,
		Processor: processor,
		Ledger:    ledger,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// CommitBlock advances the simulated chain by one block after a committed
// write. It is a no-op against a real chain clock.
func (a *Application) CommitBlock() {
	if sim, ok := a.Clock.(*chain.SimClock); ok {
		sim.Advance(1)
	}
}
