/*
ledger.go - Ledger replay and verification

PURPOSE:
  The ledger is the immutable source of truth for every balance change.
  The card balance is a cached value; replaying the card's entries from
  zero must always reproduce it exactly.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. CHAINED: entry n's BalanceBefore equals entry n-1's BalanceAfter
  3. CONSISTENT: BalanceAfter = BalanceBefore + Delta() for every entry
  4. COMPLETE: Sequence runs 1..N without gaps and N equals Card.Version

CORRECTIONS:
  A mistaken credit is never edited. An ADJUST entry with the opposite sign
  is appended, so both the mistake and its correction stay auditable.

EXAMPLE:
  1. EARN 2000 at 350 bps: +70   (0 -> 70)
  2. REDEEM 50:            -50   (70 -> 20)
  3. ADJUST +1000 top-up:  +1000 (20 -> 1020)

  Replay([+70, -50, +1000]) = 1020 = card.Balance

SEE ALSO:
  - store.go: LedgerStore.Transactions()
  - mutation.go: How entries are produced
*/
package generic

import "fmt"

// LedgerIntegrityError pinpoints the first entry that breaks the chain.
type LedgerIntegrityError struct {
	Sequence int64
	Reason   string
}

func (e *LedgerIntegrityError) Error() string {
	return fmt.Sprintf("ledger integrity violation at sequence %d: %s", e.Sequence, e.Reason)
}

// Replay folds entries (ordered by Sequence) from a zero balance and checks
// chain continuity. It returns the reconstructed balance.
func Replay(entries []Transaction) (Cents, error) {
	var balance Cents
	for i, tx := range entries {
		want := int64(i + 1)
		if tx.Sequence != want {
			return balance, &LedgerIntegrityError{Sequence: tx.Sequence, Reason: fmt.Sprintf("expected sequence %d", want)}
		}
		if tx.BalanceBefore != balance {
			return balance, &LedgerIntegrityError{Sequence: tx.Sequence, Reason: fmt.Sprintf("balance before %d, replayed %d", tx.BalanceBefore, balance)}
		}
		if tx.BalanceAfter != tx.BalanceBefore+tx.Delta() {
			return balance, &LedgerIntegrityError{Sequence: tx.Sequence, Reason: "balance after does not match delta"}
		}
		if tx.BalanceAfter < 0 {
			return balance, &LedgerIntegrityError{Sequence: tx.Sequence, Reason: "negative balance"}
		}
		balance = tx.BalanceAfter
	}
	return balance, nil
}

// VerificationReport is the result of checking a card against its ledger.
type VerificationReport struct {
	CardID          CardID
	Entries         int
	CardBalance     Cents
	ReplayedBalance Cents
	OK              bool
	Problem         string
}

// Verify replays the ledger and compares it with the card.
func Verify(card Card, entries []Transaction) VerificationReport {
	report := VerificationReport{
		CardID:      card.ID,
		Entries:     len(entries),
		CardBalance: card.Balance,
	}
	replayed, err := Replay(entries)
	report.ReplayedBalance = replayed
	switch {
	case err != nil:
		report.Problem = err.Error()
	case replayed != card.Balance:
		report.Problem = fmt.Sprintf("card balance %d differs from replayed %d", card.Balance, replayed)
	case int64(len(entries)) != card.Version:
		report.Problem = fmt.Sprintf("card version %d differs from %d entries", card.Version, len(entries))
	default:
		report.OK = true
	}
	return report
}
