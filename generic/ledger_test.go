package generic_test

import (
	"errors"
	"testing"

	"github.com/warp/cashback-engine/generic"
)

func chain() []generic.Transaction {
	return []generic.Transaction{
		{Sequence: 1, Type: generic.TxAdjust, Amount: 1000, BalanceBefore: 0, BalanceAfter: 1000},
		{Sequence: 2, Type: generic.TxEarn, Amount: 2000, Cashback: 70, BalanceBefore: 1000, BalanceAfter: 1070},
		{Sequence: 3, Type: generic.TxRedeem, Amount: 500, BalanceBefore: 1070, BalanceAfter: 570},
		{Sequence: 4, Type: generic.TxAdjust, Amount: -70, BalanceBefore: 570, BalanceAfter: 500},
	}
}

func TestReplay_ReconstructsBalance(t *testing.T) {
	balance, err := generic.Replay(chain())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if balance != 500 {
		t.Errorf("expected 500, got %d", balance)
	}
}

func TestReplay_DetectsBrokenChain(t *testing.T) {
	tests := []struct {
		name   string
		mutate func([]generic.Transaction)
		seq    int64
	}{
		{"gap in sequence", func(e []generic.Transaction) { e[2].Sequence = 7 }, 7},
		{"before does not chain", func(e []generic.Transaction) { e[1].BalanceBefore = 999 }, 2},
		{"after ignores delta", func(e []generic.Transaction) { e[3].BalanceAfter = 510 }, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries := chain()
			tt.mutate(entries)
			_, err := generic.Replay(entries)

			var lie *generic.LedgerIntegrityError
			if !errors.As(err, &lie) {
				t.Fatalf("expected LedgerIntegrityError, got %v", err)
			}
			if lie.Sequence != tt.seq {
				t.Errorf("expected violation at %d, got %d", tt.seq, lie.Sequence)
			}
		})
	}
}

func TestVerify(t *testing.T) {
	card := generic.Card{ID: "card-1", Balance: 500, Version: 4}
	if report := generic.Verify(card, chain()); !report.OK {
		t.Fatalf("expected OK, got %q", report.Problem)
	}

	card.Balance = 600
	report := generic.Verify(card, chain())
	if report.OK || report.ReplayedBalance != 500 {
		t.Errorf("expected mismatch with replayed 500, got %+v", report)
	}

	card.Balance = 500
	card.Version = 5
	if report := generic.Verify(card, chain()); report.OK {
		t.Error("expected version mismatch to fail verification")
	}

	empty := generic.Verify(generic.Card{ID: "card-2"}, nil)
	if !empty.OK || empty.Entries != 0 {
		t.Errorf("empty ledger on a fresh card should verify, got %+v", empty)
	}
}
