package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/thevaultshop/checkout/internal/domain"
	"github.com/thevaultshop/checkout/internal/payment"
	"github.com/thevaultshop/checkout/internal/telemetry"
)

var tracer = otel.Tracer("checkout/orchestrator")

// amountTolerance absorbs minor-unit rounding when reconciling the
// caller's claimed totals.
const amountTolerance = 1

// StockChecker is the ledger's lock-free pre-flight view.
type StockChecker interface {
	CheckAvailability(ctx context.Context, lines []domain.CartLine) error
}

// OrderFinder is the idempotency lookup against the order store.
type OrderFinder interface {
	FindByExternalRef(ctx context.Context, ref string) (*domain.Order, error)
}

// Settler commits one settlement: inventory decrement plus order
// creation in a single transaction. It fails without side effects.
type Settler interface {
	Settle(ctx context.Context, req SettleRequest) (*domain.Order, error)
}

// EventPublisher emits post-commit notifications. Publishing is
// fire-and-forget; failures never abort a settlement.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event any) error
}

// Attempt is one checkout attempt's input: the cart as the client holds
// it plus the totals computed by the (external) pricing logic. It lives
// only for the duration of an orchestration call.
type Attempt struct {
	UserID          string
	Cart            []domain.CartLine
	Amounts         payment.AmountBreakdown
	ShippingAddress string
}

type CaptureRequest struct {
	ExternalRef string
	Attempt
}

type SettleRequest struct {
	ExternalRef     string
	UserID          string
	Cart            []domain.CartLine
	Amounts         payment.AmountBreakdown
	ShippingAddress string
}

type InitiateResult struct {
	ExternalRef string `json:"external_ref"`
	ApprovalURL string `json:"approval_url"`
}

type CaptureResult struct {
	OrderID        string `json:"order_id"`
	TrackingNumber string `json:"tracking_number"`
	Total          int64  `json:"total"`
	AlreadySettled bool   `json:"already_settled"`
}

// Orchestrator coordinates one checkout attempt: stock precheck, remote
// order creation, capture, and the atomic settlement. All collaborators
// are injected; the orchestrator holds no state between calls.
type Orchestrator struct {
	stock   StockChecker
	finder  OrderFinder
	settler Settler
	gateway payment.Gateway
	events  EventPublisher
	metrics *telemetry.CheckoutMetrics
	logger  *slog.Logger
}

func NewOrchestrator(stock StockChecker, finder OrderFinder, settler Settler, gateway payment.Gateway, events EventPublisher, metrics *telemetry.CheckoutMetrics, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		stock:   stock,
		finder:  finder,
		settler: settler,
		gateway: gateway,
		events:  events,
		metrics: metrics,
		logger:  logger,
	}
}

func validateCart(cart []domain.CartLine) error {
	if len(cart) == 0 {
		return fmt.Errorf("%w: cart is empty", ErrInvalidRequest)
	}
	for _, line := range cart {
		if line.ItemID == "" {
			return fmt.Errorf("%w: cart line missing item id", ErrInvalidRequest)
		}
		if line.Quantity <= 0 {
			return fmt.Errorf("%w: invalid quantity %d for item %s", ErrInvalidRequest, line.Quantity, line.ItemID)
		}
	}
	return nil
}

func reconcile(a payment.AmountBreakdown) error {
	diff := a.Subtotal + a.Tax + a.Shipping - a.Total
	if diff < -amountTolerance || diff > amountTolerance {
		return fmt.Errorf("%w: %d + %d + %d != %d", ErrAmountMismatch, a.Subtotal, a.Tax, a.Shipping, a.Total)
	}
	return nil
}

// Initiate runs the pre-capture half of a checkout: amount
// reconciliation, stock precheck and remote order creation. No
// inventory is touched; the client completes payment out-of-band and
// comes back through Capture.
func (o *Orchestrator) Initiate(ctx context.Context, attempt Attempt) (*InitiateResult, error) {
	ctx, span := tracer.Start(ctx, "checkout.initiate")
	defer span.End()

	if err := validateCart(attempt.Cart); err != nil {
		return nil, err
	}

	if err := reconcile(attempt.Amounts); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := o.stock.CheckAvailability(ctx, attempt.Cart); err != nil {
		var oos *domain.OutOfStockError
		if errors.As(err, &oos) {
			o.logger.Info("checkout rejected on stock precheck", "deficient_items", len(oos.Items))
			return nil, err
		}
		return nil, fmt.Errorf("stock precheck: %w", err)
	}

	remote, err := o.gateway.CreateOrder(ctx, attempt.Amounts, attempt.Cart)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error("failed to create remote order", "error", err)
		return nil, err
	}

	span.SetAttributes(attribute.String("checkout.external_ref", remote.Ref))
	o.logger.Info("remote order created", "external_ref", remote.Ref, "user_id", attempt.UserID, "total", attempt.Amounts.Total)

	return &InitiateResult{ExternalRef: remote.Ref, ApprovalURL: remote.ApprovalURL}, nil
}

// Capture resumes a suspended checkout when the capture callback
// arrives. It is idempotent per external reference: duplicate callbacks
// return the original order's summary and touch nothing.
func (o *Orchestrator) Capture(ctx context.Context, req CaptureRequest) (*CaptureResult, error) {
	ctx, span := tracer.Start(ctx, "checkout.capture")
	defer span.End()
	span.SetAttributes(attribute.String("checkout.external_ref", req.ExternalRef))

	if req.ExternalRef == "" {
		return nil, fmt.Errorf("%w: missing external payment reference", ErrInvalidRequest)
	}
	if err := validateCart(req.Cart); err != nil {
		return nil, err
	}

	existing, err := o.finder.FindByExternalRef(ctx, req.ExternalRef)
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	if existing != nil {
		o.logger.Info("duplicate capture callback, returning existing order",
			"external_ref", req.ExternalRef, "order_id", existing.ID)
		o.metrics.RecordCapture(ctx, telemetry.OutcomeAlreadySettled)
		return alreadySettled(existing), nil
	}

	// Stock may have been consumed by other buyers since the initiate
	// precheck; reject before capturing any money.
	if err := o.stock.CheckAvailability(ctx, req.Cart); err != nil {
		var oos *domain.OutOfStockError
		if errors.As(err, &oos) {
			o.logger.Info("capture rejected on stock re-precheck",
				"external_ref", req.ExternalRef, "deficient_items", len(oos.Items))
			o.metrics.RecordCapture(ctx, telemetry.OutcomeStockRejected)
			return nil, err
		}
		return nil, fmt.Errorf("stock re-precheck: %w", err)
	}

	if _, err := o.gateway.Capture(ctx, req.ExternalRef); err != nil {
		if errors.Is(err, payment.ErrAlreadyCaptured) {
			// The gateway captured this order before but no local order
			// exists: a previous settlement attempt crashed between the
			// capture call and the commit. Proceed to settle.
			o.logger.Warn("gateway reports already captured with no local order, resuming settlement",
				"external_ref", req.ExternalRef)
		} else {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			o.logger.Error("capture failed", "error", err, "external_ref", req.ExternalRef)
			o.metrics.RecordCapture(ctx, telemetry.OutcomeCaptureFailed)
			return nil, err
		}
	}

	order, err := o.settle(ctx, req)
	if err != nil {
		if errors.Is(err, ErrDuplicateExternalRef) {
			// Unique-constraint backstop: a concurrent callback settled
			// this reference between our lookup and our commit.
			existing, lookupErr := o.finder.FindByExternalRef(ctx, req.ExternalRef)
			if lookupErr == nil && existing != nil {
				o.metrics.RecordCapture(ctx, telemetry.OutcomeAlreadySettled)
				return alreadySettled(existing), nil
			}
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		// Money has been captured and goods were not reserved. Escalate
		// for manual reconciliation; retrying here is forbidden.
		o.logger.Error("SETTLEMENT FAILED AFTER CAPTURE, manual reconciliation required",
			"error", err, "external_ref", req.ExternalRef, "user_id", req.UserID, "total", req.Amounts.Total)
		o.metrics.RecordCapture(ctx, telemetry.OutcomeSettlementFailed)
		return nil, &SettlementError{PaymentCaptured: true, Err: err}
	}

	o.publishSettled(ctx, order)
	o.metrics.RecordCapture(ctx, telemetry.OutcomeSettled)
	o.logger.Info("checkout settled", "order_id", order.ID, "external_ref", req.ExternalRef,
		"tracking_number", order.TrackingNumber, "total", order.Total)

	return &CaptureResult{OrderID: order.ID, TrackingNumber: order.TrackingNumber, Total: order.Total}, nil
}

func (o *Orchestrator) settle(ctx context.Context, req CaptureRequest) (*domain.Order, error) {
	ctx, span := tracer.Start(ctx, "checkout.settle")
	defer span.End()

	start := time.Now()
	order, err := o.settler.Settle(ctx, SettleRequest{
		ExternalRef:     req.ExternalRef,
		UserID:          req.UserID,
		Cart:            req.Cart,
		Amounts:         req.Amounts,
		ShippingAddress: req.ShippingAddress,
	})
	o.metrics.RecordSettlementDuration(ctx, time.Since(start))

	return order, err
}

func (o *Orchestrator) publishSettled(ctx context.Context, order *domain.Order) {
	if o.events == nil {
		return
	}

	event := domain.OrderSettledEvent{
		OrderID:        order.ID,
		UserID:         order.UserID,
		TrackingNumber: order.TrackingNumber,
		Total:          order.Total,
		Items:          order.LineItems,
		Timestamp:      order.CreatedAt,
	}

	if err := o.events.Publish(ctx, order.ID, event); err != nil {
		o.logger.Error("failed to publish order settled event", "error", err, "order_id", order.ID)
	}
}

func alreadySettled(order *domain.Order) *CaptureResult {
	return &CaptureResult{
		OrderID:        order.ID,
		TrackingNumber: order.TrackingNumber,
		Total:          order.Total,
		AlreadySettled: true,
	}
}
