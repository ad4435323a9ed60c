package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderCreated       = "ORDER_CREATED"
	EventTypeOrderStatusChanged = "ORDER_STATUS_CHANGED"
	EventTypeOrderCancelled     = "ORDER_CANCELLED"
	EventTypeStockAdjusted      = "STOCK_ADJUSTED"
)

// Stock adjustment reasons
const (
	StockReasonReserve = "reserve"
	StockReasonRelease = "release"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent published when checkout places an order
type OrderCreatedEvent struct {
	BaseEvent
	OrderID     int64           `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	UserID      *int64          `json:"user_id,omitempty"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Items       []OrderItemData `json:"items"`
}

// OrderStatusChangedEvent published after every committed transition
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID     int64       `json:"order_id"`
	OrderNumber string      `json:"order_number"`
	OldStatus   OrderStatus `json:"old_status"`
	NewStatus   OrderStatus `json:"new_status"`
	ActorID     int64       `json:"actor_id"`
	Note        string      `json:"note,omitempty"`
}

// OrderCancelledEvent published when an order is cancelled
type OrderCancelledEvent struct {
	BaseEvent
	OrderID       int64       `json:"order_id"`
	OrderNumber   string      `json:"order_number"`
	PreviousState OrderStatus `json:"previous_status"`
	CancelledBy   int64       `json:"cancelled_by"`
	Reason        string      `json:"reason"`
	StockReleased bool        `json:"stock_released"`
}

// StockAdjustedEvent published for every ledger movement after commit
type StockAdjustedEvent struct {
	BaseEvent
	ProductID         int64  `json:"product_id"`
	OrderID           int64  `json:"order_id"`
	Reason            string `json:"reason"`
	Delta             int    `json:"delta"`
	StockQuantity     int    `json:"stock_quantity"`
	LowStockThreshold int    `json:"low_stock_threshold"`
	Version           int64  `json:"version"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID *int64          `json:"product_id,omitempty"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}
