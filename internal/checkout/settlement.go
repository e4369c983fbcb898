package checkout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/thevaultshop/checkout/internal/domain"
	"github.com/thevaultshop/checkout/internal/inventory"
	"github.com/thevaultshop/checkout/internal/orders"
)

// SQLSettler is the production Settler: one database transaction
// spanning the ledger decrement and the order insert. Either both
// commit or neither does.
type SQLSettler struct {
	db     *sql.DB
	ledger *inventory.Ledger
	store  *orders.Store
}

func NewSQLSettler(db *sql.DB, ledger *inventory.Ledger, store *orders.Store) *SQLSettler {
	return &SQLSettler{db: db, ledger: ledger, store: store}
}

func (s *SQLSettler) Settle(ctx context.Context, req SettleRequest) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin settlement: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	orderID := uuid.New().String()

	_, snapshot, err := s.ledger.ReserveAndDecrement(ctx, tx, req.Cart, orderID)
	if err != nil {
		return nil, err
	}

	order, err := s.store.Create(ctx, tx, orderID, orders.Draft{
		UserID:             req.UserID,
		ExternalPaymentRef: req.ExternalRef,
		LineItems:          snapshot,
		Subtotal:           req.Amounts.Subtotal,
		Tax:                req.Amounts.Tax,
		Shipping:           req.Amounts.Shipping,
		Total:              req.Amounts.Total,
		ShippingAddress:    req.ShippingAddress,
	})
	if err != nil {
		return nil, classifyInsertErr(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit settlement: %w", err)
	}

	return order, nil
}

// classifyInsertErr maps the external_payment_ref unique violation to
// ErrDuplicateExternalRef so the orchestrator can resolve it as an
// already-settled checkout instead of a raw persistence error.
func classifyInsertErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" && strings.Contains(pqErr.Constraint, "external_payment_ref") {
		return fmt.Errorf("%w: %v", ErrDuplicateExternalRef, err)
	}
	return err
}
