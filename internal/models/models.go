package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Product is the catalog subset the order core reads and the stock ledger mutates
type Product struct {
	ID                int64           `db:"id" json:"id"`
	Name              string          `db:"name" json:"name"`
	Price             decimal.Decimal `db:"price" json:"price"`
	StockQuantity     int             `db:"stock_quantity" json:"stock_quantity"`
	LowStockThreshold int             `db:"low_stock_threshold" json:"low_stock_threshold"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// IsLowStock reports whether the stock level is at or below the threshold.
func (p *Product) IsLowStock() bool {
	return p.StockQuantity <= p.LowStockThreshold
}

// ShippingAddress is stored as a JSON column on the order
type ShippingAddress struct {
	Address string `json:"address"`
	City    string `json:"city"`
	Zip     string `json:"zip"`
}

// Value implements driver.Valuer
func (a ShippingAddress) Value() (driver.Value, error) {
	return json.Marshal(a)
}

// Scan implements sql.Scanner
func (a *ShippingAddress) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*a = ShippingAddress{}
		return nil
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	default:
		return fmt.Errorf("unsupported shipping address type %T", src)
	}
}

// Order represents a placed customer order
type Order struct {
	ID               int64           `db:"id" json:"id"`
	OrderNumber      string          `db:"order_number" json:"order_number"`
	UserID           *int64          `db:"user_id" json:"user_id,omitempty"`
	CustomerName     string          `db:"customer_name" json:"customer_name"`
	CustomerEmail    string          `db:"customer_email" json:"customer_email"`
	CustomerPhone    *string         `db:"customer_phone" json:"customer_phone,omitempty"`
	ShippingAddress  ShippingAddress `db:"shipping_address" json:"shipping_address"`
	TotalAmount      decimal.Decimal `db:"total_amount" json:"total_amount"`
	Status           OrderStatus     `db:"status" json:"status"`
	PaymentMethod    string          `db:"payment_method" json:"payment_method"`
	PaymentStatus    PaymentStatus   `db:"payment_status" json:"payment_status"`
	CancelledBy      *int64          `db:"cancelled_by" json:"cancelled_by,omitempty"`
	CancelReason     *string         `db:"cancel_reason" json:"cancel_reason,omitempty"`
	CancelledAt      *time.Time      `db:"cancelled_at" json:"cancelled_at,omitempty"`
	DeliveryDate     time.Time       `db:"delivery_date" json:"delivery_date"`
	DeliveryTimeSlot string          `db:"delivery_time_slot" json:"delivery_time_slot"`
	IdempotencyKey   *string         `db:"idempotency_key" json:"-"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`

	Items []OrderItem `db:"-" json:"items,omitempty"`
}

// CanBeCancelled reports whether the order may still be cancelled.
func (o *Order) CanBeCancelled() bool {
	return o.Status.CanBeCancelled()
}

// OrderItem is an immutable line snapshot taken at checkout.
// ProductID is nil once the referenced product has been deleted.
type OrderItem struct {
	ID           int64           `db:"id" json:"id"`
	OrderID      int64           `db:"order_id" json:"order_id"`
	ProductID    *int64          `db:"product_id" json:"product_id,omitempty"`
	ProductName  string          `db:"product_name" json:"product_name"`
	ProductImage string          `db:"product_image" json:"product_image"`
	Quantity     int             `db:"quantity" json:"quantity"`
	Price        decimal.Decimal `db:"price" json:"price"`
	Subtotal     decimal.Decimal `db:"subtotal" json:"subtotal"`
}

// OrderStatusHistory is an append-only audit row, one per successful transition
type OrderStatusHistory struct {
	ID        int64        `db:"id" json:"id"`
	OrderID   int64        `db:"order_id" json:"order_id"`
	OldStatus *OrderStatus `db:"old_status" json:"old_status"`
	NewStatus OrderStatus  `db:"new_status" json:"new_status"`
	ChangedBy *int64       `db:"changed_by" json:"changed_by,omitempty"`
	Notes     *string      `db:"notes" json:"notes,omitempty"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
}

// Cancellation carries the fields written when an order is cancelled
type Cancellation struct {
	By     int64
	Reason string
	At     time.Time
}

// OrderFilter narrows admin order listings
type OrderFilter struct {
	Status OrderStatus
	Search string
	Limit  int
}

// Availability reasons
const (
	ReasonInsufficientStock = "insufficient stock"
	ReasonProductMissing    = "product no longer exists"
)

// UnavailableItem describes an order line that cannot be reserved
type UnavailableItem struct {
	ProductID   *int64 `json:"product_id,omitempty"`
	ProductName string `json:"product_name"`
	Required    int    `json:"required"`
	Available   int    `json:"available"`
	Reason      string `json:"reason"`
}

// StockChange records one ledger movement applied inside a transaction
type StockChange struct {
	ProductID         int64 `json:"product_id"`
	Delta             int   `json:"delta"`
	StockQuantity     int   `json:"stock_quantity"`
	LowStockThreshold int   `json:"low_stock_threshold"`
	Version           int64 `json:"version"`
}
