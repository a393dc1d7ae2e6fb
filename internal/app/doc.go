// Package app provides the application composition layer for EventFlow.
//
// # Architecture Role
//
// The app package composes the domain services into a running application.
// It is NOT a business logic layer - business logic belongs in
// internal/app/services/.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring, and lifecycle
//	├── domain/             # Domain models (pure data structures)
//	│   ├── workflow/       # Registry models and constants
//	│   ├── event/          # Processor models and constants
//	│   └── subscription/   # Ledger models and constants
//	├── chain/              # External host interfaces (clock, bank)
//	├── storage/            # Storage interfaces and implementations
//	│   ├── interfaces.go   # Store interfaces
//	│   ├── memory/         # In-memory implementation for testing
//	│   └── postgres/       # PostgreSQL implementation for production
//	├── services/
//	│   ├── registry/       # Workflow registry
//	│   ├── processor/      # Event processor
//	│   └── ledger/         # Subscription and credit ledger
//	├── httpapi/            # HTTP API handlers, auth, audit, throttling
//	├── system/             # Lifecycle management
//	└── metrics/            # Prometheus collectors
//
// # Responsibilities
//
//   - Composing services with their stores and chain bindings
//   - Defining storage interfaces that services depend on
//   - Providing domain models shared across services
//   - Exposing HTTP endpoints for external access
//
// # Dependency Direction
//
//	cmd/server/
//	      │
//	      ▼
//	internal/app/ (composition)
//	      │
//	      ├──► internal/app/services/ (business logic)
//	      │
//	      ├──► internal/app/storage/ (persistence)
//	      │
//	      └──► internal/app/chain/ (host bindings)
package app
