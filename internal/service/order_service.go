package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"storefront-orders/internal/models"
	"storefront-orders/internal/store"
	"storefront-orders/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultPaymentMethod = "cash_on_delivery"

var totalTolerance = decimal.New(1, -2)

// OrderConfig carries the business settings of checkout
type OrderConfig struct {
	NumberPrefix   string
	Location       *time.Location
	IdempotencyTTL time.Duration
}

// OrderService handles checkout and order queries
type OrderService struct {
	store     Store
	inventory *InventoryService
	cache     IdempotencyCache
	events    EventPublisher
	cfg       OrderConfig
	now       func() time.Time
	logger    *zap.Logger
}

// NewOrderService creates a new order service. cache and events may be nil.
func NewOrderService(
	store Store,
	inventory *InventoryService,
	cache IdempotencyCache,
	events EventPublisher,
	cfg OrderConfig,
) *OrderService {
	if events == nil {
		events = noopPublisher{}
	}
	if cfg.NumberPrefix == "" {
		cfg.NumberPrefix = "ORD"
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	return &OrderService{
		store:     store,
		inventory: inventory,
		cache:     cache,
		events:    events,
		cfg:       cfg,
		now:       time.Now,
		logger:    util.GetLogger(),
	}
}

// CreateOrderRequest is a checkout submission: the cart snapshot plus
// customer, shipping and delivery details
type CreateOrderRequest struct {
	UserID           *int64            `json:"user_id,omitempty"`
	CustomerName     string            `json:"customer_name" binding:"required,max=255"`
	CustomerEmail    string            `json:"customer_email" binding:"required,email,max=255"`
	CustomerPhone    string            `json:"customer_phone" binding:"omitempty,max=20"`
	Address          string            `json:"address" binding:"required"`
	City             string            `json:"city" binding:"required,max=255"`
	Zip              string            `json:"zip" binding:"required,max=20"`
	Cart             []CartItemRequest `json:"cart" binding:"required,min=1,dive"`
	Total            decimal.Decimal   `json:"total"`
	DeliveryDate     string            `json:"delivery_date" binding:"required"`
	DeliveryTimeSlot string            `json:"delivery_time_slot" binding:"required"`
	PaymentMethod    string            `json:"payment_method,omitempty" binding:"omitempty,max=50"`
	IdempotencyKey   string            `json:"-"`
}

// CartItemRequest is one cart line as the storefront submitted it
type CartItemRequest struct {
	ID       int64           `json:"id" binding:"required"`
	Name     string          `json:"name" binding:"required"`
	Image    string          `json:"image" binding:"required"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity" binding:"required,min=1"`
}

// CreateOrderResponse represents the response after creating an order
type CreateOrderResponse struct {
	OrderID     int64              `json:"order_id"`
	OrderNumber string             `json:"order_number"`
	Status      models.OrderStatus `json:"status"`
	TotalAmount decimal.Decimal    `json:"total_amount"`
	// Replayed is true when the Idempotency-Key matched an earlier order
	Replayed bool `json:"replayed"`
}

// CreateOrder places a pending order from a cart snapshot. No stock moves
// until an admin confirms the order.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResponse, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	key := strings.TrimSpace(req.IdempotencyKey)
	if key != "" {
		existing, err := s.findByIdempotencyKey(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if existing != nil {
			s.logger.Info("Duplicate order request detected",
				zap.String("idempotency_key", key),
				zap.Int64("order_id", existing.ID))
			return replayed(existing), nil
		}
	}

	now := s.now().In(s.cfg.Location)
	deliveryDate, total, err := s.validateCreate(req, now)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("validation").Inc()
		return nil, err
	}

	order := &models.Order{
		UserID:        req.UserID,
		CustomerName:  strings.TrimSpace(req.CustomerName),
		CustomerEmail: strings.TrimSpace(req.CustomerEmail),
		ShippingAddress: models.ShippingAddress{
			Address: strings.TrimSpace(req.Address),
			City:    strings.TrimSpace(req.City),
			Zip:     strings.TrimSpace(req.Zip),
		},
		TotalAmount:      total,
		Status:           models.OrderStatusPending,
		PaymentMethod:    req.PaymentMethod,
		PaymentStatus:    models.PaymentStatusPending,
		DeliveryDate:     deliveryDate,
		DeliveryTimeSlot: strings.TrimSpace(req.DeliveryTimeSlot),
	}
	if order.PaymentMethod == "" {
		order.PaymentMethod = defaultPaymentMethod
	}
	if phone := strings.TrimSpace(req.CustomerPhone); phone != "" {
		order.CustomerPhone = &phone
	}
	if key != "" {
		order.IdempotencyKey = &key
	}

	err = s.store.RunInTx(ctx, func(ctx context.Context) error {
		for _, line := range req.Cart {
			if _, err := s.store.GetProductByID(ctx, line.ID); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return newValidationError("cart", fmt.Sprintf("product %d does not exist", line.ID))
				}
				return err
			}
		}

		seq, err := s.store.NextOrderSequence(ctx, now)
		if err != nil {
			return err
		}
		order.OrderNumber = FormatOrderNumber(s.cfg.NumberPrefix, now, seq)

		if err := s.store.CreateOrder(ctx, order); err != nil {
			return err
		}

		order.Items = make([]models.OrderItem, 0, len(req.Cart))
		for _, line := range req.Cart {
			productID := line.ID
			item := models.OrderItem{
				OrderID:      order.ID,
				ProductID:    &productID,
				ProductName:  line.Name,
				ProductImage: line.Image,
				Quantity:     line.Quantity,
				Price:        line.Price,
				Subtotal:     line.Price.Mul(decimal.NewFromInt(int64(line.Quantity))),
			}
			if err := s.store.CreateOrderItem(ctx, &item); err != nil {
				return fmt.Errorf("failed to create order item: %w", err)
			}
			order.Items = append(order.Items, item)
		}
		return nil
	})
	if err != nil {
		if key != "" && errors.Is(err, store.ErrDuplicate) {
			if existing, lookupErr := s.store.GetOrderByIdempotencyKey(ctx, key); lookupErr == nil && existing != nil {
				return replayed(existing), nil
			}
		}
		if errors.Is(err, ErrValidation) {
			util.OrdersFailedTotal.WithLabelValues("validation").Inc()
			return nil, err
		}
		util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		s.logger.Error("Failed to create order", zap.Error(err))
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("total_amount", order.TotalAmount.StringFixed(2)))

	if key != "" && s.cache != nil {
		if err := s.cache.SetIdempotencyKey(ctx, key, order.ID, s.cfg.IdempotencyTTL); err != nil {
			s.logger.Warn("Failed to cache idempotency key", zap.String("idempotency_key", key), zap.Error(err))
		}
	}

	itemData := make([]models.OrderItemData, 0, len(order.Items))
	for _, item := range order.Items {
		itemData = append(itemData, models.OrderItemData{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.Price,
		})
	}
	if err := s.events.PublishOrderCreated(ctx, &models.OrderCreatedEvent{
		BaseEvent:   newBaseEvent(models.EventTypeOrderCreated, s.now()),
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		TotalAmount: order.TotalAmount,
		Items:       itemData,
	}); err != nil {
		s.logger.Error("Failed to publish OrderCreated event", zap.Error(err))
	}

	return &CreateOrderResponse{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Status:      order.Status,
		TotalAmount: order.TotalAmount,
	}, nil
}

func (s *OrderService) findByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	if s.cache != nil {
		orderID, ok, err := s.cache.GetIdempotencyKey(ctx, key)
		if err != nil {
			s.logger.Warn("Idempotency cache lookup failed, falling back to DB", zap.Error(err))
		} else if ok {
			order, err := s.store.GetOrderByID(ctx, orderID)
			if err == nil {
				return order, nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
		}
	}
	return s.store.GetOrderByIdempotencyKey(ctx, key)
}

func replayed(order *models.Order) *CreateOrderResponse {
	return &CreateOrderResponse{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Status:      order.Status,
		TotalAmount: order.TotalAmount,
		Replayed:    true,
	}
}

// validateCreate checks the business rules gin binding cannot express and
// returns the parsed delivery date and the computed total
func (s *OrderService) validateCreate(req *CreateOrderRequest, now time.Time) (time.Time, decimal.Decimal, error) {
	fields := map[string]string{}

	if strings.TrimSpace(req.CustomerName) == "" {
		fields["customer_name"] = "is required"
	}
	if strings.TrimSpace(req.CustomerEmail) == "" {
		fields["customer_email"] = "is required"
	}
	if strings.TrimSpace(req.Address) == "" {
		fields["address"] = "is required"
	}
	if strings.TrimSpace(req.City) == "" {
		fields["city"] = "is required"
	}
	if strings.TrimSpace(req.Zip) == "" {
		fields["zip"] = "is required"
	}
	if strings.TrimSpace(req.DeliveryTimeSlot) == "" {
		fields["delivery_time_slot"] = "is required"
	}

	total := decimal.Zero
	if len(req.Cart) == 0 {
		fields["cart"] = "must contain at least one item"
	}
	for i, line := range req.Cart {
		switch {
		case line.ID <= 0:
			fields[fmt.Sprintf("cart.%d.id", i)] = "must be a positive integer"
		case line.Quantity < 1:
			fields[fmt.Sprintf("cart.%d.quantity", i)] = "must be at least 1"
		case line.Price.IsNegative():
			fields[fmt.Sprintf("cart.%d.price", i)] = "must not be negative"
		}
		total = total.Add(line.Price.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}

	if req.Total.IsNegative() {
		fields["total"] = "must not be negative"
	} else if len(req.Cart) > 0 && req.Total.Sub(total).Abs().GreaterThan(totalTolerance) {
		fields["total"] = fmt.Sprintf("does not match cart total %s", total.StringFixed(2))
	}

	var deliveryDate time.Time
	if d, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(req.DeliveryDate), s.cfg.Location); err != nil {
		fields["delivery_date"] = "must be a date formatted YYYY-MM-DD"
	} else {
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.cfg.Location)
		if d.Before(today) {
			fields["delivery_date"] = "must be today or later"
		}
		deliveryDate = d
	}

	if len(fields) > 0 {
		return time.Time{}, decimal.Zero, &ValidationError{Fields: fields}
	}
	return deliveryDate, total, nil
}

// FormatOrderNumber renders PREFIX-YYYYMMDD-NNNN. Sequences past 9999 keep
// all their digits.
func FormatOrderNumber(prefix string, day time.Time, seq int) string {
	return fmt.Sprintf("%s-%s-%04d", prefix, day.Format("20060102"), seq)
}

// GetOrder retrieves an order with its items
func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder")
	defer span.End()

	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, mapStoreError(err, orderID)
	}

	items, err := s.store.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	order.Items = items

	return order, nil
}

// GetOrderHistory retrieves the status audit log of an order, newest first
func (s *OrderService) GetOrderHistory(ctx context.Context, orderID int64) ([]models.OrderStatusHistory, error) {
	if _, err := s.store.GetOrderByID(ctx, orderID); err != nil {
		return nil, mapStoreError(err, orderID)
	}
	return s.store.GetStatusHistory(ctx, orderID)
}

// ListOrders retrieves orders for the admin list, newest first
func (s *OrderService) ListOrders(ctx context.Context, filter models.OrderFilter) ([]models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ListOrders")
	defer span.End()

	if filter.Status != "" && !filter.Status.Valid() {
		return nil, newValidationError("status", fmt.Sprintf("unknown status %q", filter.Status))
	}
	return s.store.ListOrders(ctx, filter)
}

// GetUserOrders retrieves the orders of one customer, newest first
func (s *OrderService) GetUserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	if userID <= 0 {
		return nil, newValidationError("user_id", "must be a positive integer")
	}
	return s.store.GetOrdersByUserID(ctx, userID)
}

// CheckOrderAvailability reports which items of an order could not be
// reserved right now
func (s *OrderService) CheckOrderAvailability(ctx context.Context, orderID int64) ([]models.UnavailableItem, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return s.inventory.CheckAvailability(ctx, order.Items)
}
