package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/thevaultshop/checkout/internal/domain"
)

var (
	// ErrAlreadyCaptured means the gateway has already captured this
	// order. Callers must treat it as an expected outcome: duplicate
	// callbacks and browser retries hit it routinely.
	ErrAlreadyCaptured = errors.New("order already captured")

	// ErrDeclined means the payment was refused by the gateway.
	ErrDeclined = errors.New("payment declined")
)

// GatewayError is any other gateway failure. Transient errors (network,
// 5xx) may be retried by starting the checkout over; permanent ones
// (bad credentials, malformed request) are surfaced as-is.
type GatewayError struct {
	Transient bool
	Message   string
}

func (e *GatewayError) Error() string {
	if e.Transient {
		return fmt.Sprintf("transient gateway error: %s", e.Message)
	}
	return fmt.Sprintf("gateway error: %s", e.Message)
}

// AmountBreakdown is the caller-claimed pricing of a checkout attempt,
// in minor currency units.
type AmountBreakdown struct {
	Subtotal int64 `json:"subtotal"`
	Tax      int64 `json:"tax"`
	Shipping int64 `json:"shipping"`
	Total    int64 `json:"total"`
}

type RemoteOrder struct {
	Ref         string
	ApprovalURL string
}

type CaptureResult struct {
	Status         string
	CapturedAmount int64
}

// Gateway is the payment provider boundary the orchestrator calls.
type Gateway interface {
	CreateOrder(ctx context.Context, amounts AmountBreakdown, lines []domain.CartLine) (*RemoteOrder, error)
	Capture(ctx context.Context, ref string) (*CaptureResult, error)
}
