package chain

import (
	"errors"
	"testing"
)

func TestSimClockAdvance(t *testing.T) {
	clock := NewSimClock(100)
	if got := clock.Height(); got != 100 {
		t.Fatalf("height = %d, want 100", got)
	}
	if got := clock.Advance(44); got != 144 {
		t.Fatalf("advance = %d, want 144", got)
	}
	if got := clock.Height(); got != 144 {
		t.Fatalf("height after advance = %d, want 144", got)
	}
}

func TestSimBankTransfer(t *testing.T) {
	bank := NewSimBank()
	bank.Mint("alice", 100)

	if err := bank.Transfer("alice", "bob", 60); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := bank.Balance("alice"); got != 40 {
		t.Fatalf("alice balance = %d, want 40", got)
	}
	if got := bank.Balance("bob"); got != 60 {
		t.Fatalf("bob balance = %d, want 60", got)
	}

	err := bank.Transfer("alice", "bob", 41)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := bank.Balance("alice"); got != 40 {
		t.Fatalf("failed transfer must not move funds, alice = %d", got)
	}

	// Zero transfers succeed without touching balances.
	if err := bank.Transfer("ghost", "bob", 0); err != nil {
		t.Fatalf("zero transfer: %v", err)
	}
}
