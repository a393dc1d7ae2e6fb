// Package chain defines the interfaces the core consumes from the external
// execution host: a monotonic block clock and a native-currency transfer
// primitive. In-memory simulations back tests and local development the same
// way the memory store backs the storage interfaces; a deployment wires
// chain-backed implementations instead.
package chain

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInsufficientFunds is returned by Transfer when the source account cannot
// cover the amount.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Clock exposes the host's block height, monotonic non-decreasing.
type Clock interface {
	Height() uint64
}

// Bank routes all native-currency movement. The core never mints or burns
// value through it.
type Bank interface {
	Transfer(from, to string, amount uint64) error
	Balance(account string) uint64
}

// SimClock is an in-memory Clock advanced explicitly, one block per committed
// transaction under the simulated host.
type SimClock struct {
	mu     sync.Mutex
	height uint64
}

// NewSimClock starts the simulated chain at the given height.
func NewSimClock(start uint64) *SimClock {
	return &SimClock{height: start}
}

func (c *SimClock) Height() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height
}

// Advance moves the chain forward by n blocks.
func (c *SimClock) Advance(n uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.height += n
	return c.height
}

// SimBank is an in-memory Bank. Mint funds accounts for tests and local runs;
// it is not part of the Bank interface the core consumes.
type SimBank struct {
	mu       sync.Mutex
	balances map[string]uint64
}

func NewSimBank() *SimBank {
	return &SimBank{balances: make(map[string]uint64)}
}

func (b *SimBank) Mint(account string, amount uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[account] += amount
}

func (b *SimBank) Balance(account string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[account]
}

func (b *SimBank) Transfer(from, to string, amount uint64) error {
	if amount == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.balances[from] < amount {
		return fmt.Errorf("transfer %d from %s: %w", amount, from, ErrInsufficientFunds)
	}
	b.balances[from] -= amount
	b.balances[to] += amount
	return nil
}
