/*
errors.go - Centralized error types for the cashback engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Stores map driver errors onto these sentinels; the engine and the API
  classify them with the helpers at the bottom of this file.

ERROR CATEGORIES:
  1. Validation errors - Rejected before any mutation (amounts, enums)
  2. Balance errors - Invariant violations, rejected atomically
  3. Lifecycle errors - Card or pending payment in the wrong state
  4. Concurrency errors - Lost the per-card serialization race

USAGE:
  if errors.Is(err, generic.ErrInsufficientBalance) {
      var ib *generic.InsufficientBalanceError
      errors.As(err, &ib)
  }

SEE ALSO:
  - store.go: Interfaces whose implementations return these errors
  - retry.go: Bounded retry of ErrConcurrentMutationConflict
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidAmount is returned for non-positive or malformed amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidCategory is returned when a category is outside the closed set.
	ErrInvalidCategory = errors.New("invalid category")

	// ErrInvalidTier is returned when a tier is outside the closed set.
	ErrInvalidTier = errors.New("invalid tier")

	// ErrInvalidRequest is returned for structurally incomplete requests.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInsufficientBalance is returned when a debit exceeds the card balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrCardNotActive is returned for mutations on UNASSIGNED or BLOCKED cards.
	ErrCardNotActive = errors.New("card not active")

	// ErrCustomerRequired is returned when REDEEM targets a card without a customer.
	ErrCustomerRequired = errors.New("card has no linked customer")

	// ErrInvalidTransition is returned when a card or pending payment is not
	// in the state the requested transition starts from.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrDuplicatePaymentEvent marks a repeated delivery for an already
	// resolved payment. Informational: resolution is idempotent.
	ErrDuplicatePaymentEvent = errors.New("duplicate payment event")

	// ErrPaymentExpired is returned when a pending payment is past its expiry.
	ErrPaymentExpired = errors.New("payment expired")

	// ErrPaymentFailed is returned when the external payment did not succeed.
	ErrPaymentFailed = errors.New("payment failed")

	// ErrConcurrentMutationConflict is returned when a mutation lost the
	// per-card serialization race. Retryable.
	ErrConcurrentMutationConflict = errors.New("concurrent mutation conflict")

	// ErrStaleBalance is returned when the caller-supplied expected balance
	// does not match. Not retried: the caller must re-read.
	ErrStaleBalance = fmt.Errorf("stale expected balance: %w", ErrConcurrentMutationConflict)

	// ErrCardNotFound is returned when the card does not exist for the tenant.
	ErrCardNotFound = errors.New("card not found")

	// ErrCustomerNotFound is returned when the customer does not exist for the tenant.
	ErrCustomerNotFound = errors.New("customer not found")

	// ErrCustomerExists is returned when registering an existing customer id.
	ErrCustomerExists = errors.New("customer already exists")

	// ErrTransactionNotFound is returned for unknown ledger entries.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrPendingPaymentNotFound is returned for unknown pending payments.
	ErrPendingPaymentNotFound = errors.New("pending payment not found")

	// ErrDuplicateExternalReference is returned when a pending payment with
	// the same external reference already exists.
	ErrDuplicateExternalReference = errors.New("duplicate external payment reference")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	CardID    CardID
	Available Cents
	Requested Cents
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on card %s: available %d, requested %d, shortfall %d",
		e.CardID, e.Available, e.Requested, e.Requested-e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// CardStateError reports a card lifecycle violation.
type CardStateError struct {
	CardID CardID
	Status CardStatus
	Err    error // ErrCardNotActive or ErrInvalidTransition
}

func (e *CardStateError) Error() string {
	return fmt.Sprintf("card %s is %s: %v", e.CardID, e.Status, e.Err)
}

func (e *CardStateError) Unwrap() error { return e.Err }

// PendingStateError reports a pending payment in an unexpected state.
type PendingStateError struct {
	Reference string
	Status    PendingStatus
	Err       error
}

func (e *PendingStateError) Error() string {
	return fmt.Sprintf("pending payment %s is %s: %v", e.Reference, e.Status, e.Err)
}

func (e *PendingStateError) Unwrap() error { return e.Err }

// InvalidValueError reports a rejected field value.
type InvalidValueError struct {
	Field string
	Value any
	Err   error
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("%v: %s=%v", e.Err, e.Field, e.Value)
}

func (e *InvalidValueError) Unwrap() error { return e.Err }

func invalidAmount(field string, v Cents) error {
	return &InvalidValueError{Field: field, Value: int64(v), Err: ErrInvalidAmount}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
// A stale caller-supplied balance is a conflict but never retryable.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrStaleBalance) {
		return false
	}
	return errors.Is(err, ErrConcurrentMutationConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidCategory) ||
		errors.Is(err, ErrInvalidTier) ||
		errors.Is(err, ErrInvalidRequest)
}

// IsConflict returns true if the request conflicts with current state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrCardNotActive) ||
		errors.Is(err, ErrCustomerRequired) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrPaymentExpired) ||
		errors.Is(err, ErrPaymentFailed) ||
		errors.Is(err, ErrStaleBalance) ||
		errors.Is(err, ErrCustomerExists) ||
		errors.Is(err, ErrDuplicateExternalReference)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCardNotFound) ||
		errors.Is(err, ErrCustomerNotFound) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrPendingPaymentNotFound)
}
