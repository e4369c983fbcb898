package orders

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/thevaultshop/checkout/internal/domain"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// validTransitions is the status DAG: pending -> paid -> shipped ->
// delivered, with pending and paid also allowed to go to cancelled.
var validTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending: {domain.OrderStatusPaid, domain.OrderStatusCancelled},
	domain.OrderStatusPaid:    {domain.OrderStatusShipped, domain.OrderStatusCancelled},
	domain.OrderStatusShipped: {domain.OrderStatusDelivered},
}

func TransitionAllowed(from, to domain.OrderStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Draft is the input to Create: everything about an order except the
// identifiers the store assigns.
type Draft struct {
	UserID             string
	ExternalPaymentRef string
	LineItems          []domain.LineItem
	Subtotal           int64
	Tax                int64
	Shipping           int64
	Total              int64
	ShippingAddress    string
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// NewTrackingNumber generates the customer-facing tracking token:
// a prefix, a millisecond timestamp and a short random suffix. Unique
// with overwhelming probability; collisions are not handled specially.
func NewTrackingNumber() string {
	suffix := make([]byte, 4)
	_, _ = rand.Read(suffix)
	return fmt.Sprintf("TRK-%d-%s", time.Now().UnixMilli(), strings.ToUpper(hex.EncodeToString(suffix)))
}

// Create persists the order on the caller's transaction so it commits
// atomically with the inventory decrement. The id is supplied by the
// caller because the stock movements written in the same transaction
// reference it. Line items are stored as a serialized snapshot, never
// re-derived from the catalog.
func (s *Store) Create(ctx context.Context, tx *sql.Tx, id string, draft Draft) (*domain.Order, error) {
	items, err := json.Marshal(draft.LineItems)
	if err != nil {
		return nil, fmt.Errorf("marshal line items: %w", err)
	}

	if id == "" {
		id = uuid.New().String()
	}

	order := &domain.Order{
		ID:                 id,
		UserID:             draft.UserID,
		ExternalPaymentRef: draft.ExternalPaymentRef,
		Status:             domain.OrderStatusPaid,
		LineItems:          draft.LineItems,
		Subtotal:           draft.Subtotal,
		Tax:                draft.Tax,
		Shipping:           draft.Shipping,
		Total:              draft.Total,
		TrackingNumber:     NewTrackingNumber(),
		ShippingAddress:    draft.ShippingAddress,
		CreatedAt:          time.Now().UTC(),
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, external_payment_ref, status, line_items,
			subtotal, tax, shipping, total, tracking_number, shipping_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, order.ID, order.UserID, order.ExternalPaymentRef, order.Status, items,
		order.Subtotal, order.Tax, order.Shipping, order.Total,
		order.TrackingNumber, order.ShippingAddress, order.CreatedAt)
	if err != nil {
		return nil, err
	}

	return order, nil
}

const orderColumns = `
	id, user_id, external_payment_ref, status, line_items,
	subtotal, tax, shipping, total, tracking_number, shipping_address, created_at
`

func scanOrder(row interface{ Scan(...any) error }) (*domain.Order, error) {
	order := &domain.Order{}
	var items []byte

	err := row.Scan(&order.ID, &order.UserID, &order.ExternalPaymentRef, &order.Status, &items,
		&order.Subtotal, &order.Tax, &order.Shipping, &order.Total,
		&order.TrackingNumber, &order.ShippingAddress, &order.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(items, &order.LineItems); err != nil {
		return nil, fmt.Errorf("unmarshal line items: %w", err)
	}

	return order, nil
}

// FindByExternalRef is the idempotency lookup: nil,nil when no order
// exists for the gateway reference.
func (s *Store) FindByExternalRef(ctx context.Context, ref string) (*domain.Order, error) {
	order, err := scanOrder(s.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE external_payment_ref = $1
	`, ref))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return order, nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	order, err := scanOrder(s.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return order, nil
}

// UpdateStatus applies one DAG-validated transition. The current row is
// locked so two concurrent admin updates cannot both pass validation.
func (s *Store) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var current domain.OrderStatus
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM orders WHERE id = $1 FOR UPDATE
	`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if !TransitionAllowed(current, status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE orders SET status = $1 WHERE id = $2
	`, status, id); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return s.GetByID(ctx, id)
}

func (s *Store) List(ctx context.Context) ([]domain.Order, error) {
	return s.list(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		ORDER BY created_at DESC
	`)
}

func (s *Store) ListByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	return s.list(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	orders := []domain.Order{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return orders, nil
}
