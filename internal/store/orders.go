package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"storefront-orders/internal/models"
)

const orderColumns = `id, order_number, user_id, customer_name, customer_email, customer_phone,
	shipping_address, total_amount, status, payment_method, payment_status,
	cancelled_by, cancel_reason, cancelled_at, delivery_date, delivery_time_slot,
	idempotency_key, created_at, updated_at`

const defaultListLimit = 200

// CreateOrder creates a new order
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (order_number, user_id, customer_name, customer_email, customer_phone,
			shipping_address, total_amount, status, payment_method, payment_status,
			delivery_date, delivery_time_slot, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at, updated_at`

	err := s.conn(ctx).GetContext(ctx, order, query,
		order.OrderNumber, order.UserID, order.CustomerName, order.CustomerEmail, order.CustomerPhone,
		order.ShippingAddress, order.TotalAmount, order.Status, order.PaymentMethod, order.PaymentStatus,
		order.DeliveryDate.Format("2006-01-02"), order.DeliveryTimeSlot, order.IdempotencyKey)
	if uniqueViolation(err) {
		return fmt.Errorf("order %s: %w", order.OrderNumber, ErrDuplicate)
	}
	return err
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	return s.getOrder(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
}

// GetOrderForUpdate retrieves an order holding its row lock until the
// enclosing transaction ends
func (s *Store) GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	if _, err := s.tx(ctx); err != nil {
		return nil, err
	}
	return s.getOrder(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", id)
}

func (s *Store) getOrder(ctx context.Context, query string, id int64) (*models.Order, error) {
	var order models.Order
	err := s.conn(ctx).GetContext(ctx, &order, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByIdempotencyKey retrieves an order by idempotency key
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	var order models.Order
	err := s.conn(ctx).GetContext(ctx, &order,
		"SELECT "+orderColumns+" FROM orders WHERE idempotency_key = $1", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ListOrders retrieves orders newest first, optionally filtered by status and
// a search term matched against order number, customer name and email
func (s *Store) ListOrders(ctx context.Context, filter models.OrderFilter) ([]models.Order, error) {
	var (
		conds []string
		args  []interface{}
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		args = append(args, "%"+search+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf("(order_number ILIKE $%d OR customer_name ILIKE $%d OR customer_email ILIKE $%d)", n, n, n))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := "SELECT " + orderColumns + " FROM orders"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	var orders []models.Order
	err := s.conn(ctx).SelectContext(ctx, &orders, query, args...)
	return orders, err
}

// GetOrdersByUserID retrieves orders for a user
func (s *Store) GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error) {
	var orders []models.Order
	err := s.conn(ctx).SelectContext(ctx, &orders,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC", userID)
	return orders, err
}

// UpdateOrderStatus moves an order from one status to another. The update
// only applies while the stored status still equals from.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID int64, from, to models.OrderStatus) error {
	res, err := s.conn(ctx).ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3",
		to, orderID, from)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	return expectOneRow(res, orderID)
}

// MarkOrderCancelled cancels an order and records who cancelled it and why
func (s *Store) MarkOrderCancelled(ctx context.Context, orderID int64, from models.OrderStatus, c models.Cancellation) error {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE orders
		SET status = $1, cancelled_by = $2, cancel_reason = $3, cancelled_at = $4, updated_at = NOW()
		WHERE id = $5 AND status = $6`,
		models.OrderStatusCancelled, c.By, c.Reason, c.At, orderID, from)
	if err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}
	return expectOneRow(res, orderID)
}

func expectOneRow(res sql.Result, orderID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("order %d: %w", orderID, ErrConflict)
	}
	return nil
}

// CreateOrderItem creates a new order item
func (s *Store) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	query := `
		INSERT INTO order_items (order_id, product_id, product_name, product_image, quantity, price, subtotal)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	return s.conn(ctx).GetContext(ctx, &item.ID, query,
		item.OrderID, item.ProductID, item.ProductName, item.ProductImage, item.Quantity, item.Price, item.Subtotal)
}

// GetOrderItemsByOrderID retrieves all items for an order in stored order
func (s *Store) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.conn(ctx).SelectContext(ctx, &items, `
		SELECT id, order_id, product_id, product_name, product_image, quantity, price, subtotal
		FROM order_items WHERE order_id = $1 ORDER BY id`, orderID)
	return items, err
}

// AppendStatusHistory inserts an audit row; rows are never updated
func (s *Store) AppendStatusHistory(ctx context.Context, entry *models.OrderStatusHistory) error {
	query := `
		INSERT INTO order_status_history (order_id, old_status, new_status, changed_by, notes)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	return s.conn(ctx).GetContext(ctx, entry, query,
		entry.OrderID, entry.OldStatus, entry.NewStatus, entry.ChangedBy, entry.Notes)
}

// GetStatusHistory retrieves the audit log of an order, newest first
func (s *Store) GetStatusHistory(ctx context.Context, orderID int64) ([]models.OrderStatusHistory, error) {
	var entries []models.OrderStatusHistory
	err := s.conn(ctx).SelectContext(ctx, &entries, `
		SELECT id, order_id, old_status, new_status, changed_by, notes, created_at
		FROM order_status_history WHERE order_id = $1 ORDER BY created_at DESC, id DESC`, orderID)
	return entries, err
}

// NextOrderSequence atomically bumps and returns the order counter of a day
func (s *Store) NextOrderSequence(ctx context.Context, day time.Time) (int, error) {
	var seq int
	err := s.conn(ctx).GetContext(ctx, &seq, `
		INSERT INTO order_sequences (day, value) VALUES ($1, 1)
		ON CONFLICT (day) DO UPDATE SET value = order_sequences.value + 1
		RETURNING value`, day.Format("2006-01-02"))
	if err != nil {
		return 0, fmt.Errorf("failed to allocate order sequence: %w", err)
	}
	return seq, nil
}
