package service

import (
	"context"
	"time"

	"storefront-orders/internal/models"
)

// UnitOfWork runs fn inside one database transaction carried on ctx.
// Nested calls join the outer transaction.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists orders, their item snapshots and status history
type OrderRepository interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	CreateOrderItem(ctx context.Context, item *models.OrderItem) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	ListOrders(ctx context.Context, filter models.OrderFilter) ([]models.Order, error)
	GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, from, to models.OrderStatus) error
	MarkOrderCancelled(ctx context.Context, orderID int64, from models.OrderStatus, c models.Cancellation) error
	AppendStatusHistory(ctx context.Context, entry *models.OrderStatusHistory) error
	GetStatusHistory(ctx context.Context, orderID int64) ([]models.OrderStatusHistory, error)
	NextOrderSequence(ctx context.Context, day time.Time) (int, error)
}

// StockLedger is the authoritative per-product stock counter
type StockLedger interface {
	GetProductByID(ctx context.Context, id int64) (*models.Product, error)
	GetProducts(ctx context.Context) ([]models.Product, error)
	LockProduct(ctx context.Context, id int64) (*models.Product, error)
	DecrementStock(ctx context.Context, id int64, quantity int) (*models.Product, error)
	IncrementStock(ctx context.Context, id int64, quantity int) (*models.Product, error)
}

// Store is everything the order core needs from persistence
type Store interface {
	UnitOfWork
	OrderRepository
	StockLedger
}

// EventPublisher emits domain events after a transaction commits
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
	PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error
	PublishStockAdjusted(ctx context.Context, event *models.StockAdjustedEvent) error
}

// StockMirror is the storefront-facing cache of stock levels
type StockMirror interface {
	SyncStock(ctx context.Context, productID int64, available, threshold int, version int64) (bool, error)
}

// IdempotencyCache remembers which order a checkout Idempotency-Key produced
type IdempotencyCache interface {
	GetIdempotencyKey(ctx context.Context, key string) (int64, bool, error)
	SetIdempotencyKey(ctx context.Context, key string, orderID int64, ttl time.Duration) error
}

type noopPublisher struct{}

func (noopPublisher) PublishOrderCreated(context.Context, *models.OrderCreatedEvent) error { return nil }
func (noopPublisher) PublishOrderStatusChanged(context.Context, *models.OrderStatusChangedEvent) error {
	return nil
}
func (noopPublisher) PublishOrderCancelled(context.Context, *models.OrderCancelledEvent) error {
	return nil
}
func (noopPublisher) PublishStockAdjusted(context.Context, *models.StockAdjustedEvent) error { return nil }
