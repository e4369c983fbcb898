package domain

import "time"

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// LineItem is a point-in-time snapshot of a catalog item taken when an
// order is settled. It is stored serialized with the order and never
// re-derived from the catalog, so later price or title changes do not
// alter historical orders.
type LineItem struct {
	ItemID       string `json:"item_id"`
	Title        string `json:"title"`
	Artist       string `json:"artist"`
	Format       string `json:"format"`
	Quantity     int    `json:"quantity"`
	UnitPrice    int64  `json:"unit_price"`
	LineSubtotal int64  `json:"line_subtotal"`
}

type Order struct {
	ID                 string      `json:"id"`
	UserID             string      `json:"user_id"`
	ExternalPaymentRef string      `json:"external_payment_ref"`
	Status             OrderStatus `json:"status"`
	LineItems          []LineItem  `json:"line_items"`
	Subtotal           int64       `json:"subtotal"`
	Tax                int64       `json:"tax"`
	Shipping           int64       `json:"shipping"`
	Total              int64       `json:"total"`
	TrackingNumber     string      `json:"tracking_number"`
	ShippingAddress    string      `json:"shipping_address"`
	CreatedAt          time.Time   `json:"created_at"`
}

// OrderSettledEvent is published after a settlement transaction commits.
// Consumers (the notification worker) must tolerate redelivery.
type OrderSettledEvent struct {
	OrderID        string     `json:"order_id"`
	UserID         string     `json:"user_id"`
	TrackingNumber string     `json:"tracking_number"`
	Total          int64      `json:"total"`
	Items          []LineItem `json:"items"`
	Timestamp      time.Time  `json:"timestamp"`
}
