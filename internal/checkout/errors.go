package checkout

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest marks malformed checkout input (empty cart, bad
// quantities, missing reference), distinct from internal failures.
var ErrInvalidRequest = errors.New("invalid checkout request")

// ErrAmountMismatch rejects a checkout whose claimed totals do not
// reconcile, before any gateway call is made.
var ErrAmountMismatch = errors.New("claimed totals do not reconcile")

// ErrDuplicateExternalRef surfaces the orders table's unique constraint
// on external_payment_ref. It is the backstop behind the idempotency
// lookup; the orchestrator converts it into an already-settled result.
var ErrDuplicateExternalRef = errors.New("order already exists for external payment reference")

// SettlementError is the severe partial-failure case: the gateway
// captured the payment but the local settlement transaction did not
// commit. Nothing was decremented or persisted. It must be escalated to
// an operator for manual reconciliation and is never retried
// automatically.
type SettlementError struct {
	PaymentCaptured bool
	Err             error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("payment captured but order could not be fulfilled: %v", e.Err)
}

func (e *SettlementError) Unwrap() error {
	return e.Err
}
