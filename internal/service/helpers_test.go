package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"storefront-orders/internal/models"
	"storefront-orders/internal/store/storetest"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const adminID int64 = 42

type recordingPublisher struct {
	mu      sync.Mutex
	created []*models.OrderCreatedEvent
	changed []*models.OrderStatusChangedEvent
	cancels []*models.OrderCancelledEvent
	stock   []*models.StockAdjustedEvent
}

func (p *recordingPublisher) PublishOrderCreated(_ context.Context, e *models.OrderCreatedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, e)
	return nil
}

func (p *recordingPublisher) PublishOrderStatusChanged(_ context.Context, e *models.OrderStatusChangedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changed = append(p.changed, e)
	return nil
}

func (p *recordingPublisher) PublishOrderCancelled(_ context.Context, e *models.OrderCancelledEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancels = append(p.cancels, e)
	return nil
}

func (p *recordingPublisher) PublishStockAdjusted(_ context.Context, e *models.StockAdjustedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stock = append(p.stock, e)
	return nil
}

type fixture struct {
	store     *storetest.Store
	events    *recordingPublisher
	inventory *InventoryService
	engine    *WorkflowEngine
	bulk      *BulkRunner
	orders    *OrderService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st := storetest.New()
	events := &recordingPublisher{}
	inventory := NewInventoryService(st, nil)
	engine := NewWorkflowEngine(st, inventory, events)
	return &fixture{
		store:     st,
		events:    events,
		inventory: inventory,
		engine:    engine,
		bulk:      NewBulkRunner(engine, 5),
		orders:    NewOrderService(st, inventory, nil, events, OrderConfig{}),
	}
}

type line struct {
	productID int64
	qty       int
}

var orderSeq int

// placeOrder writes a pending order with the given lines straight to the store
func (f *fixture) placeOrder(t *testing.T, lines ...line) *models.Order {
	t.Helper()
	ctx := context.Background()

	orderSeq++
	order := &models.Order{
		OrderNumber:      fmt.Sprintf("ORD-20261018-%04d", orderSeq),
		CustomerName:     "Jane Doe",
		CustomerEmail:    "jane@example.com",
		Status:           models.OrderStatusPending,
		PaymentMethod:    defaultPaymentMethod,
		PaymentStatus:    models.PaymentStatusPending,
		DeliveryDate:     time.Now(),
		DeliveryTimeSlot: "09:00-12:00",
	}
	require.NoError(t, f.store.CreateOrder(ctx, order))

	for _, l := range lines {
		pid := l.productID
		product, err := f.store.GetProductByID(ctx, pid)
		require.NoError(t, err)
		require.NoError(t, f.store.CreateOrderItem(ctx, &models.OrderItem{
			OrderID:     order.ID,
			ProductID:   &pid,
			ProductName: product.Name,
			Quantity:    l.qty,
			Price:       decimal.RequireFromString("2.50"),
			Subtotal:    decimal.RequireFromString("2.50").Mul(decimal.NewFromInt(int64(l.qty))),
		}))
	}
	return order
}

func (f *fixture) status(t *testing.T, orderID int64) models.OrderStatus {
	t.Helper()
	o, err := f.store.GetOrderByID(context.Background(), orderID)
	require.NoError(t, err)
	return o.Status
}

func (f *fixture) history(t *testing.T, orderID int64) []models.OrderStatusHistory {
	t.Helper()
	h, err := f.store.GetStatusHistory(context.Background(), orderID)
	require.NoError(t, err)
	return h
}
