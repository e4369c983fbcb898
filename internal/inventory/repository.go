package inventory

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/thevaultshop/checkout/internal/domain"
)

var ErrItemNotFound = errors.New("item not found")

// Ledger owns per-item stock counters and the append-only movement
// history. All decrements go through ReserveAndDecrement inside the
// caller's settlement transaction.
type Ledger struct {
	db *sql.DB
}

func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

func (l *Ledger) ListAll(ctx context.Context) ([]domain.StockLevel, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT item_id, title, artist, format, unit_price, stock, featured
		FROM items
		ORDER BY item_id
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []domain.StockLevel
	for rows.Next() {
		var s domain.StockLevel
		if err := rows.Scan(&s.ItemID, &s.Title, &s.Artist, &s.Format, &s.UnitPrice, &s.Stock, &s.Featured); err != nil {
			return nil, err
		}
		items = append(items, s)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}

func (l *Ledger) GetStock(ctx context.Context, itemID string) (*domain.StockLevel, error) {
	s := &domain.StockLevel{}

	err := l.db.QueryRowContext(ctx, `
		SELECT item_id, title, artist, format, unit_price, stock, featured
		FROM items
		WHERE item_id = $1
	`, itemID).Scan(&s.ItemID, &s.Title, &s.Artist, &s.Format, &s.UnitPrice, &s.Stock, &s.Featured)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	return s, nil
}

// CheckAvailability is the lock-free pre-flight check. It reports every
// deficient or unknown line at once via *domain.OutOfStockError; a nil
// return means every line could be satisfied at the moment of the read.
func (l *Ledger) CheckAvailability(ctx context.Context, lines []domain.CartLine) error {
	var shortfalls []domain.Shortfall

	for _, line := range lines {
		var stock int
		err := l.db.QueryRowContext(ctx, `
			SELECT stock FROM items WHERE item_id = $1
		`, line.ItemID).Scan(&stock)
		if err == sql.ErrNoRows {
			shortfalls = append(shortfalls, domain.Shortfall{ItemID: line.ItemID, Available: -1, Requested: line.Quantity})
			continue
		}
		if err != nil {
			return err
		}
		if stock < line.Quantity {
			shortfalls = append(shortfalls, domain.Shortfall{ItemID: line.ItemID, Available: stock, Requested: line.Quantity})
		}
	}

	if len(shortfalls) > 0 {
		return &domain.OutOfStockError{Items: shortfalls}
	}

	return nil
}

// ReserveAndDecrement locks every cart line's row, re-reads stock and
// applies the whole batch or none of it. It must run on the settlement
// transaction so the decrements commit together with the order row.
// The returned line items are the catalog snapshot read under the same
// row locks, for the order's immutable copy.
//
// Rows are locked in ascending item_id order so two settlements with
// overlapping carts always acquire locks in the same order and cannot
// deadlock each other.
func (l *Ledger) ReserveAndDecrement(ctx context.Context, tx *sql.Tx, lines []domain.CartLine, orderID string) ([]domain.StockMovement, []domain.LineItem, error) {
	sorted := make([]domain.CartLine, len(lines))
	copy(sorted, lines)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ItemID < sorted[j].ItemID })

	type locked struct {
		line domain.CartLine
		item domain.StockLevel
	}

	var (
		held       []locked
		shortfalls []domain.Shortfall
	)

	for _, line := range sorted {
		var item domain.StockLevel
		err := tx.QueryRowContext(ctx, `
			SELECT item_id, title, artist, format, unit_price, stock
			FROM items
			WHERE item_id = $1
			FOR UPDATE
		`, line.ItemID).Scan(&item.ItemID, &item.Title, &item.Artist, &item.Format, &item.UnitPrice, &item.Stock)
		if err == sql.ErrNoRows {
			shortfalls = append(shortfalls, domain.Shortfall{ItemID: line.ItemID, Available: -1, Requested: line.Quantity})
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if item.Stock < line.Quantity {
			shortfalls = append(shortfalls, domain.Shortfall{ItemID: line.ItemID, Available: item.Stock, Requested: line.Quantity})
			continue
		}
		held = append(held, locked{line: line, item: item})
	}

	if len(shortfalls) > 0 {
		return nil, nil, &domain.OutOfStockError{Items: shortfalls}
	}

	movements := make([]domain.StockMovement, 0, len(held))
	snapshot := make([]domain.LineItem, 0, len(held))
	now := time.Now().UTC()

	for _, h := range held {
		after := h.item.Stock - h.line.Quantity

		if _, err := tx.ExecContext(ctx, `
			UPDATE items SET stock = $2 WHERE item_id = $1
		`, h.line.ItemID, after); err != nil {
			return nil, nil, err
		}

		movement := domain.StockMovement{
			ID:          uuid.New().String(),
			ItemID:      h.line.ItemID,
			Delta:       -h.line.Quantity,
			StockBefore: h.item.Stock,
			StockAfter:  after,
			Reason:      domain.MovementReasonPurchase,
			OrderID:     orderID,
			CreatedAt:   now,
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO stock_movements (id, item_id, delta, stock_before, stock_after, reason, order_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, movement.ID, movement.ItemID, movement.Delta, movement.StockBefore, movement.StockAfter, movement.Reason, movement.OrderID, movement.CreatedAt); err != nil {
			return nil, nil, err
		}

		movements = append(movements, movement)
		snapshot = append(snapshot, domain.LineItem{
			ItemID:       h.item.ItemID,
			Title:        h.item.Title,
			Artist:       h.item.Artist,
			Format:       h.item.Format,
			Quantity:     h.line.Quantity,
			UnitPrice:    h.item.UnitPrice,
			LineSubtotal: h.item.UnitPrice * int64(h.line.Quantity),
		})
	}

	return movements, snapshot, nil
}

// Adjust applies a manual stock correction outside any checkout and
// records a manual-adjustment movement. The delta may be negative but
// the resulting stock may not.
func (l *Ledger) Adjust(ctx context.Context, itemID string, delta int) (*domain.StockMovement, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var stock int
	err = tx.QueryRowContext(ctx, `
		SELECT stock FROM items WHERE item_id = $1 FOR UPDATE
	`, itemID).Scan(&stock)
	if err == sql.ErrNoRows {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}

	after := stock + delta
	if after < 0 {
		return nil, &domain.OutOfStockError{Items: []domain.Shortfall{
			{ItemID: itemID, Available: stock, Requested: -delta},
		}}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE items SET stock = $2 WHERE item_id = $1
	`, itemID, after); err != nil {
		return nil, err
	}

	movement := domain.StockMovement{
		ID:          uuid.New().String(),
		ItemID:      itemID,
		Delta:       delta,
		StockBefore: stock,
		StockAfter:  after,
		Reason:      domain.MovementReasonManual,
		CreatedAt:   time.Now().UTC(),
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stock_movements (id, item_id, delta, stock_before, stock_after, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, movement.ID, movement.ItemID, movement.Delta, movement.StockBefore, movement.StockAfter, movement.Reason, movement.CreatedAt); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &movement, nil
}

func (l *Ledger) Movements(ctx context.Context, itemID string) ([]domain.StockMovement, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, item_id, delta, stock_before, stock_after, reason, COALESCE(order_id::text, ''), created_at
		FROM stock_movements
		WHERE item_id = $1
		ORDER BY created_at DESC
	`, itemID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var movements []domain.StockMovement
	for rows.Next() {
		var m domain.StockMovement
		if err := rows.Scan(&m.ID, &m.ItemID, &m.Delta, &m.StockBefore, &m.StockAfter, &m.Reason, &m.OrderID, &m.CreatedAt); err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return movements, nil
}
