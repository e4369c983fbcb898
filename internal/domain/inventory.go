package domain

import (
	"fmt"
	"strings"
	"time"
)

// CartLine is one entry of a checkout attempt's cart. UnitPrice is the
// price the client saw when the item was added; the orchestrator trusts
// the caller's totals (external pricing logic) and only reconciles them.
type CartLine struct {
	ItemID    string `json:"item_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

type StockLevel struct {
	ItemID    string `json:"item_id"`
	Title     string `json:"title"`
	Artist    string `json:"artist"`
	Format    string `json:"format"`
	UnitPrice int64  `json:"unit_price"`
	Stock     int    `json:"stock"`
	Featured  bool   `json:"featured"`
}

type MovementReason string

const (
	MovementReasonPurchase MovementReason = "purchase"
	MovementReasonManual   MovementReason = "manual-adjustment"
)

// StockMovement is an append-only audit record of one stock change.
// OrderID is a weak back-reference for traceability, set only for
// purchase movements.
type StockMovement struct {
	ID          string         `json:"id"`
	ItemID      string         `json:"item_id"`
	Delta       int            `json:"delta"`
	StockBefore int            `json:"stock_before"`
	StockAfter  int            `json:"stock_after"`
	Reason      MovementReason `json:"reason"`
	OrderID     string         `json:"order_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Shortfall reports one cart line the ledger could not satisfy.
// Available is -1 when the item does not exist.
type Shortfall struct {
	ItemID    string `json:"item_id"`
	Available int    `json:"available"`
	Requested int    `json:"requested"`
}

// OutOfStockError carries every deficient line of a cart, not just the
// first, so the caller can fix the whole cart in one round-trip.
type OutOfStockError struct {
	Items []Shortfall
}

func (e *OutOfStockError) Error() string {
	parts := make([]string, 0, len(e.Items))
	for _, s := range e.Items {
		if s.Available < 0 {
			parts = append(parts, fmt.Sprintf("%s: not found", s.ItemID))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %d available, %d requested", s.ItemID, s.Available, s.Requested))
	}
	return "insufficient stock: " + strings.Join(parts, "; ")
}
