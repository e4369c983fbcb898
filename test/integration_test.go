//go:build integration

package test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/thevaultshop/checkout/internal/checkout"
	"github.com/thevaultshop/checkout/internal/domain"
	"github.com/thevaultshop/checkout/internal/inventory"
	"github.com/thevaultshop/checkout/internal/messaging"
	"github.com/thevaultshop/checkout/internal/orders"
	"github.com/thevaultshop/checkout/internal/payment"
)

// capturingGateway is a gateway whose remote side always succeeds, so
// the tests exercise the local settlement paths.
type capturingGateway struct {
	mu          sync.Mutex
	createCalls int
	captures    []string
}

func (g *capturingGateway) CreateOrder(_ context.Context, _ payment.AmountBreakdown, _ []domain.CartLine) (*payment.RemoteOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createCalls++
	return &payment.RemoteOrder{
		Ref:         fmt.Sprintf("PP-REF-%d", g.createCalls),
		ApprovalURL: "https://paypal.test/approve",
	}, nil
}

func (g *capturingGateway) Capture(_ context.Context, ref string) (*payment.CaptureResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.captures = append(g.captures, ref)
	return &payment.CaptureResult{Status: "COMPLETED"}, nil
}

type env struct {
	db           *sql.DB
	ledger       *inventory.Ledger
	store        *orders.Store
	gateway      *capturingGateway
	orchestrator *checkout.Orchestrator
}

func newEnv(t *testing.T, connStr string) *env {
	t.Helper()

	db, err := OpenDB(connStr)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ledger := inventory.NewLedger(db)
	store := orders.NewStore(db)
	settler := checkout.NewSQLSettler(db, ledger, store)
	gateway := &capturingGateway{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orchestrator := checkout.NewOrchestrator(ledger, store, settler, gateway, nil, nil, logger)

	return &env{db: db, ledger: ledger, store: store, gateway: gateway, orchestrator: orchestrator}
}

func (e *env) addItem(t *testing.T, itemID, title string, unitPrice int64, stock int) {
	t.Helper()
	_, err := e.db.Exec(`
		INSERT INTO items (item_id, title, artist, format, unit_price, stock)
		VALUES ($1, $2, 'Test Artist', 'vinyl', $3, $4)
	`, itemID, title, unitPrice, stock)
	if err != nil {
		t.Fatalf("failed to insert item: %v", err)
	}
}

func (e *env) stockOf(t *testing.T, itemID string) int {
	t.Helper()
	var stock int
	if err := e.db.QueryRow(`SELECT stock FROM items WHERE item_id = $1`, itemID).Scan(&stock); err != nil {
		t.Fatalf("failed to read stock: %v", err)
	}
	return stock
}

func (e *env) movementsOf(t *testing.T, itemID string) []domain.StockMovement {
	t.Helper()
	movements, err := e.ledger.Movements(context.Background(), itemID)
	if err != nil {
		t.Fatalf("failed to list movements: %v", err)
	}
	return movements
}

func captureRequest(ref, itemID string, quantity int, unitPrice int64) checkout.CaptureRequest {
	subtotal := unitPrice * int64(quantity)
	return checkout.CaptureRequest{
		ExternalRef: ref,
		Attempt: checkout.Attempt{
			UserID:          "user-77",
			Cart:            []domain.CartLine{{ItemID: itemID, Quantity: quantity, UnitPrice: unitPrice}},
			Amounts:         payment.AmountBreakdown{Subtotal: subtotal, Tax: 0, Shipping: 0, Total: subtotal},
			ShippingAddress: "Av. Insurgentes Sur 1000, CDMX",
		},
	}
}

func TestCheckoutSettlement(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	e := newEnv(t, pg.ConnStr)
	e.addItem(t, "ITEM-X", "Abbey Road", 5000, 5)

	result, err := e.orchestrator.Capture(ctx, captureRequest("PP-SETTLE-1", "ITEM-X", 3, 5000))
	if err != nil {
		t.Fatalf("capture failed: %v", err)
	}

	if result.AlreadySettled {
		t.Error("fresh capture must not be already settled")
	}
	if result.TrackingNumber == "" {
		t.Error("expected a tracking number")
	}

	if got := e.stockOf(t, "ITEM-X"); got != 2 {
		t.Errorf("expected stock 2, got %d", got)
	}

	movements := e.movementsOf(t, "ITEM-X")
	if len(movements) != 1 {
		t.Fatalf("expected 1 movement, got %d", len(movements))
	}
	m := movements[0]
	if m.Delta != -3 || m.StockBefore != 5 || m.StockAfter != 2 {
		t.Errorf("unexpected movement: %+v", m)
	}
	if m.Reason != domain.MovementReasonPurchase {
		t.Errorf("expected purchase reason, got %s", m.Reason)
	}
	if m.OrderID != result.OrderID {
		t.Errorf("movement order reference %s does not match order %s", m.OrderID, result.OrderID)
	}

	order, err := e.store.GetByID(ctx, result.OrderID)
	if err != nil {
		t.Fatalf("failed to fetch order: %v", err)
	}
	if order == nil {
		t.Fatal("order not found")
	}
	if order.Status != domain.OrderStatusPaid {
		t.Errorf("expected status paid, got %s", order.Status)
	}
	if order.ExternalPaymentRef != "PP-SETTLE-1" {
		t.Errorf("unexpected external ref %s", order.ExternalPaymentRef)
	}
	if len(order.LineItems) != 1 || order.LineItems[0].Title != "Abbey Road" {
		t.Errorf("unexpected line items: %+v", order.LineItems)
	}
}

func TestStockPrecheckRejectsWholeCart(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	e := newEnv(t, pg.ConnStr)
	e.addItem(t, "ITEM-Y", "Kind of Blue", 5000, 4)
	e.addItem(t, "ITEM-W", "Rumours", 5000, 0)

	_, err := e.orchestrator.Initiate(ctx, checkout.Attempt{
		UserID: "user-77",
		Cart: []domain.CartLine{
			{ItemID: "ITEM-Y", Quantity: 10, UnitPrice: 5000},
			{ItemID: "ITEM-W", Quantity: 1, UnitPrice: 5000},
		},
		Amounts: payment.AmountBreakdown{Subtotal: 55000, Total: 55000},
	})

	var oos *domain.OutOfStockError
	if !errors.As(err, &oos) {
		t.Fatalf("expected OutOfStockError, got %v", err)
	}
	if len(oos.Items) != 2 {
		t.Fatalf("expected both deficient items reported, got %+v", oos.Items)
	}
	available := map[string]int{}
	for _, s := range oos.Items {
		available[s.ItemID] = s.Available
	}
	if available["ITEM-Y"] != 4 || available["ITEM-W"] != 0 {
		t.Errorf("unexpected shortfalls: %+v", oos.Items)
	}
	if e.gateway.createCalls != 0 {
		t.Errorf("gateway must not be called on stock rejection, got %d calls", e.gateway.createCalls)
	}
	if got := e.stockOf(t, "ITEM-Y"); got != 4 {
		t.Errorf("stock must be untouched, got %d", got)
	}
}

func TestAtomicityAcrossCart(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	e := newEnv(t, pg.ConnStr)
	e.addItem(t, "ITEM-A", "Nevermind", 2000, 10)
	e.addItem(t, "ITEM-B", "OK Computer", 2000, 1)

	settler := checkout.NewSQLSettler(e.db, e.ledger, e.store)
	_, err := settler.Settle(ctx, checkout.SettleRequest{
		ExternalRef: "PP-ATOMIC-1",
		UserID:      "user-77",
		Cart: []domain.CartLine{
			{ItemID: "ITEM-A", Quantity: 2, UnitPrice: 2000},
			{ItemID: "ITEM-B", Quantity: 5, UnitPrice: 2000},
		},
		Amounts: payment.AmountBreakdown{Subtotal: 14000, Total: 14000},
	})

	var oos *domain.OutOfStockError
	if !errors.As(err, &oos) {
		t.Fatalf("expected OutOfStockError, got %v", err)
	}

	if got := e.stockOf(t, "ITEM-A"); got != 10 {
		t.Errorf("ITEM-A stock must be untouched after failed batch, got %d", got)
	}
	if got := e.stockOf(t, "ITEM-B"); got != 1 {
		t.Errorf("ITEM-B stock must be untouched after failed batch, got %d", got)
	}
	if movements := e.movementsOf(t, "ITEM-A"); len(movements) != 0 {
		t.Errorf("expected no movements for ITEM-A, got %d", len(movements))
	}
}

func TestConcurrentSettlementRace(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	e := newEnv(t, pg.ConnStr)
	e.addItem(t, "ITEM-Z", "Rumours", 6000, 6)

	var wg sync.WaitGroup
	results := make([]error, 2)

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref := fmt.Sprintf("PP-RACE-%d", i)
			_, results[i] = e.orchestrator.Capture(ctx, captureRequest(ref, "ITEM-Z", 6, 6000))
		}(i)
	}
	wg.Wait()

	var successes, settlementFailures int
	for _, err := range results {
		if err == nil {
			successes++
			continue
		}
		var settlement *checkout.SettlementError
		if errors.As(err, &settlement) {
			if !settlement.PaymentCaptured {
				t.Error("loser must be flagged payment captured")
			}
			settlementFailures++
			continue
		}
		// The loser may also be rejected at the re-precheck, before
		// capturing, if the winner commits first.
		var oos *domain.OutOfStockError
		if errors.As(err, &oos) {
			settlementFailures++
			continue
		}
		t.Errorf("unexpected error kind: %v", err)
	}

	if successes != 1 || settlementFailures != 1 {
		t.Fatalf("expected exactly one winner and one loser, got %d/%d", successes, settlementFailures)
	}

	if got := e.stockOf(t, "ITEM-Z"); got != 0 {
		t.Errorf("expected stock 0, got %d", got)
	}
	if movements := e.movementsOf(t, "ITEM-Z"); len(movements) != 1 {
		t.Errorf("expected exactly 1 movement, got %d", len(movements))
	}
}

func TestDuplicateCaptureCallback(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	e := newEnv(t, pg.ConnStr)
	e.addItem(t, "ITEM-D", "Abbey Road", 5000, 5)

	req := captureRequest("PP-DUP-1", "ITEM-D", 2, 5000)

	first, err := e.orchestrator.Capture(ctx, req)
	if err != nil {
		t.Fatalf("first capture failed: %v", err)
	}

	second, err := e.orchestrator.Capture(ctx, req)
	if err != nil {
		t.Fatalf("second capture failed: %v", err)
	}

	if !second.AlreadySettled {
		t.Error("second capture must be already settled")
	}
	if second.OrderID != first.OrderID {
		t.Errorf("expected same order id, got %s and %s", first.OrderID, second.OrderID)
	}
	if got := e.stockOf(t, "ITEM-D"); got != 3 {
		t.Errorf("expected stock 3, got %d", got)
	}
	if movements := e.movementsOf(t, "ITEM-D"); len(movements) != 1 {
		t.Errorf("expected exactly 1 movement, got %d", len(movements))
	}
}

func TestLineItemSnapshotImmutability(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	e := newEnv(t, pg.ConnStr)
	e.addItem(t, "ITEM-S", "Kind of Blue", 5000, 5)

	result, err := e.orchestrator.Capture(ctx, captureRequest("PP-SNAP-1", "ITEM-S", 1, 5000))
	if err != nil {
		t.Fatalf("capture failed: %v", err)
	}

	if _, err := e.db.Exec(`UPDATE items SET unit_price = 99900, title = 'Renamed' WHERE item_id = 'ITEM-S'`); err != nil {
		t.Fatalf("failed to change catalog: %v", err)
	}

	order, err := e.store.GetByID(ctx, result.OrderID)
	if err != nil {
		t.Fatalf("failed to fetch order: %v", err)
	}
	if order.LineItems[0].UnitPrice != 5000 {
		t.Errorf("snapshot price changed: %d", order.LineItems[0].UnitPrice)
	}
	if order.LineItems[0].Title != "Kind of Blue" {
		t.Errorf("snapshot title changed: %s", order.LineItems[0].Title)
	}
	if order.Total != 5000 {
		t.Errorf("order total changed: %d", order.Total)
	}
}

func TestExternalRefUniqueBackstop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	e := newEnv(t, pg.ConnStr)
	e.addItem(t, "ITEM-U", "Nevermind", 2000, 10)

	settler := checkout.NewSQLSettler(e.db, e.ledger, e.store)
	req := checkout.SettleRequest{
		ExternalRef: "PP-UNIQUE-1",
		UserID:      "user-77",
		Cart:        []domain.CartLine{{ItemID: "ITEM-U", Quantity: 1, UnitPrice: 2000}},
		Amounts:     payment.AmountBreakdown{Subtotal: 2000, Total: 2000},
	}

	if _, err := settler.Settle(ctx, req); err != nil {
		t.Fatalf("first settle failed: %v", err)
	}

	_, err := settler.Settle(ctx, req)
	if !errors.Is(err, checkout.ErrDuplicateExternalRef) {
		t.Fatalf("expected ErrDuplicateExternalRef, got %v", err)
	}

	// The duplicate attempt's decrement must have rolled back.
	if got := e.stockOf(t, "ITEM-U"); got != 9 {
		t.Errorf("expected stock 9, got %d", got)
	}
}

func TestOrderStatusTransitions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	e := newEnv(t, pg.ConnStr)
	e.addItem(t, "ITEM-T", "OK Computer", 2000, 5)

	result, err := e.orchestrator.Capture(ctx, captureRequest("PP-STATUS-1", "ITEM-T", 1, 2000))
	if err != nil {
		t.Fatalf("capture failed: %v", err)
	}

	order, err := e.store.UpdateStatus(ctx, result.OrderID, domain.OrderStatusShipped)
	if err != nil {
		t.Fatalf("paid -> shipped failed: %v", err)
	}
	if order.Status != domain.OrderStatusShipped {
		t.Errorf("expected shipped, got %s", order.Status)
	}

	if _, err := e.store.UpdateStatus(ctx, result.OrderID, domain.OrderStatusPending); !errors.Is(err, orders.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for shipped -> pending, got %v", err)
	}

	if _, err := e.store.UpdateStatus(ctx, result.OrderID, domain.OrderStatusCancelled); !errors.Is(err, orders.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for shipped -> cancelled, got %v", err)
	}
}

func TestManualAdjustmentMovement(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	e := newEnv(t, pg.ConnStr)
	e.addItem(t, "ITEM-M", "Rumours", 2000, 5)

	movement, err := e.ledger.Adjust(ctx, "ITEM-M", 10)
	if err != nil {
		t.Fatalf("adjust failed: %v", err)
	}
	if movement.Reason != domain.MovementReasonManual {
		t.Errorf("expected manual-adjustment reason, got %s", movement.Reason)
	}
	if movement.StockBefore != 5 || movement.StockAfter != 15 {
		t.Errorf("unexpected movement: %+v", movement)
	}

	if _, err := e.ledger.Adjust(ctx, "ITEM-M", -100); err == nil {
		t.Error("expected adjustment below zero to fail")
	}
	if got := e.stockOf(t, "ITEM-M"); got != 15 {
		t.Errorf("expected stock 15, got %d", got)
	}
}

func TestOrderSettledEventRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	brokers, cleanup := SetupKafka(ctx, t)
	defer cleanup()

	producer := messaging.NewOrderSettledProducer(brokers)
	defer func() { _ = producer.Close() }()

	event := domain.OrderSettledEvent{
		OrderID:        "order-evt-1",
		UserID:         "user-77",
		TrackingNumber: "TRK-1700000000000-CAFEBABE",
		Total:          21500,
		Timestamp:      time.Now().UTC(),
	}

	if err := producer.Publish(ctx, event.OrderID, event); err != nil {
		t.Fatalf("failed to publish event: %v", err)
	}

	consumer := messaging.NewConsumer(brokers, messaging.TopicOrderSettled, "test-group",
		messaging.WithStartOffset(kafkago.FirstOffset))
	defer func() { _ = consumer.Close() }()

	received := make(chan domain.OrderSettledEvent, 1)
	consumeCtx, stop := context.WithCancel(ctx)
	defer stop()

	go func() {
		_ = consumer.Consume(consumeCtx, func(_ context.Context, payload []byte) error {
			var got domain.OrderSettledEvent
			if err := json.Unmarshal(payload, &got); err != nil {
				return err
			}
			received <- got
			stop()
			return nil
		})
	}()

	select {
	case got := <-received:
		if got.OrderID != event.OrderID || got.TrackingNumber != event.TrackingNumber {
			t.Errorf("unexpected event: %+v", got)
		}
	case <-time.After(90 * time.Second):
		t.Fatal("timed out waiting for order settled event")
	}
}
