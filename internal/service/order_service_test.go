package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"storefront-orders/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCache struct {
	keys map[string]int64
}

func (c *fakeCache) GetIdempotencyKey(_ context.Context, key string) (int64, bool, error) {
	id, ok := c.keys[key]
	return id, ok, nil
}

func (c *fakeCache) SetIdempotencyKey(_ context.Context, key string, orderID int64, _ time.Duration) error {
	c.keys[key] = orderID
	return nil
}

var checkoutDay = time.Date(2026, time.October, 18, 10, 30, 0, 0, time.UTC)

func checkoutRequest(productID int64) *CreateOrderRequest {
	return &CreateOrderRequest{
		CustomerName:  "Jane Doe",
		CustomerEmail: "jane@example.com",
		CustomerPhone: "555-0100",
		Address:       "1 Main St",
		City:          "Springfield",
		Zip:           "12345",
		Cart: []CartItemRequest{
			{ID: productID, Name: "Oat Latte", Image: "latte.jpg", Price: decimal.RequireFromString("4.50"), Quantity: 2},
		},
		Total:            decimal.RequireFromString("9.00"),
		DeliveryDate:     "2026-10-19",
		DeliveryTimeSlot: "09:00-12:00",
	}
}

func newCheckout(t *testing.T) (*fixture, *fakeCache) {
	f := newFixture(t)
	cache := &fakeCache{keys: map[string]int64{}}
	f.orders = NewOrderService(f.store, f.inventory, cache, f.events, OrderConfig{})
	f.orders.now = func() time.Time { return checkoutDay }
	return f, cache
}

func TestCreateOrder(t *testing.T) {
	f, _ := newCheckout(t)
	ctx := context.Background()
	p := f.store.AddProduct("Oat Latte", 10, 2)

	resp, err := f.orders.CreateOrder(ctx, checkoutRequest(p))
	require.NoError(t, err)

	assert.Equal(t, "ORD-20261018-0001", resp.OrderNumber)
	assert.Equal(t, models.OrderStatusPending, resp.Status)
	assert.True(t, decimal.RequireFromString("9.00").Equal(resp.TotalAmount))
	assert.False(t, resp.Replayed)

	order, err := f.orders.GetOrder(ctx, resp.OrderID)
	require.NoError(t, err)
	assert.Equal(t, defaultPaymentMethod, order.PaymentMethod)
	assert.Equal(t, models.PaymentStatusPending, order.PaymentStatus)
	assert.Equal(t, "Springfield", order.ShippingAddress.City)
	require.NotNil(t, order.CustomerPhone)
	require.Len(t, order.Items, 1)
	assert.True(t, decimal.RequireFromString("9.00").Equal(order.Items[0].Subtotal))
	assert.Equal(t, p, *order.Items[0].ProductID)

	assert.Equal(t, 10, f.store.Stock(p), "checkout must not move stock")
	require.Len(t, f.events.created, 1)
	assert.Equal(t, resp.OrderNumber, f.events.created[0].OrderNumber)

	second, err := f.orders.CreateOrder(ctx, checkoutRequest(p))
	require.NoError(t, err)
	assert.Equal(t, "ORD-20261018-0002", second.OrderNumber)

	f.orders.now = func() time.Time { return checkoutDay.Add(24 * time.Hour) }
	nextDay := checkoutRequest(p)
	nextDay.DeliveryDate = "2026-10-20"
	third, err := f.orders.CreateOrder(ctx, nextDay)
	require.NoError(t, err)
	assert.Equal(t, "ORD-20261019-0001", third.OrderNumber)
}

func TestCreateOrderIdempotency(t *testing.T) {
	f, cache := newCheckout(t)
	ctx := context.Background()
	p := f.store.AddProduct("Oat Latte", 10, 2)

	req := checkoutRequest(p)
	req.IdempotencyKey = "checkout-abc"
	first, err := f.orders.CreateOrder(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, cache.keys["checkout-abc"])

	again, err := f.orders.CreateOrder(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.OrderID, again.OrderID)

	delete(cache.keys, "checkout-abc")
	fromDB, err := f.orders.CreateOrder(ctx, req)
	require.NoError(t, err)
	assert.True(t, fromDB.Replayed)
	assert.Equal(t, first.OrderID, fromDB.OrderID)

	orders, err := f.orders.ListOrders(ctx, models.OrderFilter{})
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestCreateOrderValidation(t *testing.T) {
	f, _ := newCheckout(t)
	ctx := context.Background()
	p := f.store.AddProduct("Oat Latte", 10, 2)

	cases := map[string]struct {
		mutate func(*CreateOrderRequest)
		field  string
	}{
		"total mismatch": {func(r *CreateOrderRequest) { r.Total = decimal.RequireFromString("8.50") }, "total"},
		"negative total": {func(r *CreateOrderRequest) { r.Total = decimal.RequireFromString("-1") }, "total"},
		"past delivery":  {func(r *CreateOrderRequest) { r.DeliveryDate = "2026-10-17" }, "delivery_date"},
		"bad date":       {func(r *CreateOrderRequest) { r.DeliveryDate = "19/10/2026" }, "delivery_date"},
		"empty cart":     {func(r *CreateOrderRequest) { r.Cart = nil }, "cart"},
		"zero quantity":  {func(r *CreateOrderRequest) { r.Cart[0].Quantity = 0 }, "cart.0.quantity"},
		"negative price": {func(r *CreateOrderRequest) { r.Cart[0].Price = decimal.RequireFromString("-4.50") }, "cart.0.price"},
		"missing city":   {func(r *CreateOrderRequest) { r.City = " " }, "city"},
		"unknown item":   {func(r *CreateOrderRequest) { r.Cart[0].ID = 9999 }, "cart"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := checkoutRequest(p)
			tc.mutate(req)

			_, err := f.orders.CreateOrder(ctx, req)
			var vErr *ValidationError
			require.True(t, errors.As(err, &vErr), "got %v", err)
			assert.Contains(t, vErr.Fields, tc.field)
		})
	}

	orders, err := f.orders.ListOrders(ctx, models.OrderFilter{})
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestCreateOrderAcceptsRoundingTolerance(t *testing.T) {
	f, _ := newCheckout(t)
	p := f.store.AddProduct("Oat Latte", 10, 2)

	req := checkoutRequest(p)
	req.Total = decimal.RequireFromString("9.01")
	req.DeliveryDate = "2026-10-18"

	resp, err := f.orders.CreateOrder(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("9.00").Equal(resp.TotalAmount))
}

func TestCreateOrderRollsBackOnFailure(t *testing.T) {
	f, _ := newCheckout(t)
	ctx := context.Background()
	p := f.store.AddProduct("Oat Latte", 10, 2)

	f.store.Fail("CreateOrder", errors.New("disk full"))
	_, err := f.orders.CreateOrder(ctx, checkoutRequest(p))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrValidation))

	f.store.Fail("CreateOrder", nil)
	resp, err := f.orders.CreateOrder(ctx, checkoutRequest(p))
	require.NoError(t, err)
	assert.Equal(t, "ORD-20261018-0001", resp.OrderNumber, "failed checkout must not consume a sequence")
}

func TestListAndQueryOrders(t *testing.T) {
	f, _ := newCheckout(t)
	ctx := context.Background()
	p := f.store.AddProduct("Oat Latte", 10, 2)

	userID := int64(7)
	mine := checkoutRequest(p)
	mine.UserID = &userID
	mine.CustomerName = "Ada Lovelace"
	first, err := f.orders.CreateOrder(ctx, mine)
	require.NoError(t, err)
	second, err := f.orders.CreateOrder(ctx, checkoutRequest(p))
	require.NoError(t, err)

	_, err = f.engine.ConfirmOrder(ctx, second.OrderID, adminID)
	require.NoError(t, err)

	all, err := f.orders.ListOrders(ctx, models.OrderFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.OrderID, all[0].ID)

	confirmed, err := f.orders.ListOrders(ctx, models.OrderFilter{Status: models.OrderStatusConfirmed})
	require.NoError(t, err)
	require.Len(t, confirmed, 1)
	assert.Equal(t, second.OrderID, confirmed[0].ID)

	found, err := f.orders.ListOrders(ctx, models.OrderFilter{Search: "ada"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, first.OrderID, found[0].ID)

	_, err = f.orders.ListOrders(ctx, models.OrderFilter{Status: "lost"})
	assert.ErrorIs(t, err, ErrValidation)

	userOrders, err := f.orders.GetUserOrders(ctx, userID)
	require.NoError(t, err)
	require.Len(t, userOrders, 1)
	assert.Equal(t, first.OrderID, userOrders[0].ID)

	history, err := f.orders.GetOrderHistory(ctx, second.OrderID)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	_, err = f.orders.GetOrder(ctx, 9999)
	assert.ErrorIs(t, err, ErrOrderNotFound)
	_, err = f.orders.GetOrderHistory(ctx, 9999)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestCheckOrderAvailability(t *testing.T) {
	f, _ := newCheckout(t)
	ctx := context.Background()
	p := f.store.AddProduct("Oat Latte", 10, 2)

	resp, err := f.orders.CreateOrder(ctx, checkoutRequest(p))
	require.NoError(t, err)

	report, err := f.orders.CheckOrderAvailability(ctx, resp.OrderID)
	require.NoError(t, err)
	assert.Empty(t, report)

	f.store.SetStock(p, 1)
	report, err = f.orders.CheckOrderAvailability(ctx, resp.OrderID)
	require.NoError(t, err)
	require.Len(t, report, 1)
	assert.Equal(t, 2, report[0].Required)
	assert.Equal(t, 1, report[0].Available)
}

func TestFormatOrderNumber(t *testing.T) {
	day := time.Date(2026, time.January, 5, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "ORD-20260105-0007", FormatOrderNumber("ORD", day, 7))
	assert.Equal(t, "ORD-20260105-12345", FormatOrderNumber("ORD", day, 12345))
}
