// Package storetest provides an in-memory implementation of the order store
// for service and handler tests. Transactions are serialized by a mutex and
// rolled back by restoring a snapshot.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"storefront-orders/internal/models"
	"storefront-orders/internal/store"
)

var errNoTx = errors.New("row lock requires a transaction")

type txKey struct{}

type state struct {
	products  map[int64]models.Product
	orders    map[int64]models.Order
	items     map[int64][]models.OrderItem
	history   []models.OrderStatusHistory
	sequences map[string]int
	nextID    int64
}

func (st *state) clone() *state {
	c := &state{
		products:  make(map[int64]models.Product, len(st.products)),
		orders:    make(map[int64]models.Order, len(st.orders)),
		items:     make(map[int64][]models.OrderItem, len(st.items)),
		history:   append([]models.OrderStatusHistory(nil), st.history...),
		sequences: make(map[string]int, len(st.sequences)),
		nextID:    st.nextID,
	}
	for k, v := range st.products {
		c.products[k] = v
	}
	for k, v := range st.orders {
		c.orders[k] = v
	}
	for k, v := range st.items {
		c.items[k] = append([]models.OrderItem(nil), v...)
	}
	for k, v := range st.sequences {
		c.sequences[k] = v
	}
	return c
}

// Store is an in-memory order store. The zero value is not usable; call New.
type Store struct {
	txMu sync.Mutex

	mu    sync.Mutex
	data  *state
	last  time.Time
	fails map[string]error
}

// New returns an empty store
func New() *Store {
	return &Store{
		data: &state{
			products:  map[int64]models.Product{},
			orders:    map[int64]models.Order{},
			items:     map[int64][]models.OrderItem{},
			sequences: map[string]int{},
		},
		fails: map[string]error{},
	}
}

// Fail makes every later call of the named method return err. A nil err
// clears the failure.
func (s *Store) Fail(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fails, method)
		return
	}
	s.fails[method] = err
}

func (s *Store) failure(method string) error {
	return s.fails[method]
}

// RunInTx runs fn holding the store-wide transaction lock. State changes made
// by fn are discarded when it returns an error.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.data.clone()
	s.mu.Unlock()

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.mu.Lock()
		s.data = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// Ping always succeeds
func (s *Store) Ping(context.Context) error {
	return nil
}

func (s *Store) id() int64 {
	s.data.nextID++
	return s.data.nextID
}

// tick returns a strictly increasing timestamp at the microsecond
// precision Postgres stores
func (s *Store) tick() time.Time {
	now := time.Now().Truncate(time.Microsecond)
	if !now.After(s.last) {
		now = s.last.Add(time.Microsecond)
	}
	s.last = now
	return now
}

// CreateProduct inserts a product row
func (s *Store) CreateProduct(_ context.Context, product *models.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.StockQuantity < 0 {
		return fmt.Errorf("product %s: stock_quantity must not be negative", product.Name)
	}
	product.ID = s.id()
	product.CreatedAt = s.tick()
	product.UpdatedAt = product.CreatedAt
	s.data.products[product.ID] = *product
	return nil
}

// AddProduct is a shorthand for CreateProduct returning the new id
func (s *Store) AddProduct(name string, stock, threshold int) int64 {
	p := &models.Product{Name: name, StockQuantity: stock, LowStockThreshold: threshold}
	if err := s.CreateProduct(context.Background(), p); err != nil {
		panic(err)
	}
	return p.ID
}

// DeleteProduct removes a product and nulls every item reference to it
func (s *Store) DeleteProduct(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data.products, id)
	for orderID, items := range s.data.items {
		for i := range items {
			if items[i].ProductID != nil && *items[i].ProductID == id {
				items[i].ProductID = nil
			}
		}
		s.data.items[orderID] = items
	}
}

// DropProductRow removes a product row but leaves item references dangling
func (s *Store) DropProductRow(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data.products, id)
}

// SetStock overwrites a product's stock level
func (s *Store) SetStock(id int64, qty int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.data.products[id]
	p.StockQuantity = qty
	p.UpdatedAt = s.tick()
	s.data.products[id] = p
}

// Stock returns a product's current stock level, or -1 when it does not exist
func (s *Store) Stock(id int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.data.products[id]
	if !ok {
		return -1
	}
	return p.StockQuantity
}

// GetProductByID retrieves a product by ID
func (s *Store) GetProductByID(_ context.Context, id int64) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failure("GetProductByID"); err != nil {
		return nil, err
	}
	p, ok := s.data.products[id]
	if !ok {
		return nil, fmt.Errorf("product %d: %w", id, store.ErrNotFound)
	}
	return &p, nil
}

// GetProducts retrieves all products ordered by id
func (s *Store) GetProducts(_ context.Context) ([]models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	products := make([]models.Product, 0, len(s.data.products))
	for _, p := range s.data.products {
		products = append(products, p)
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, nil
}

// LockProduct reads a product inside a transaction
func (s *Store) LockProduct(ctx context.Context, id int64) (*models.Product, error) {
	if ctx.Value(txKey{}) == nil {
		return nil, errNoTx
	}
	s.mu.Lock()
	err := s.failure("LockProduct")
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.GetProductByID(ctx, id)
}

// DecrementStock subtracts quantity only while enough stock remains
func (s *Store) DecrementStock(_ context.Context, id int64, quantity int) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failure("DecrementStock"); err != nil {
		return nil, err
	}
	p, ok := s.data.products[id]
	if !ok {
		return nil, fmt.Errorf("product %d: %w", id, store.ErrNotFound)
	}
	if p.StockQuantity < quantity {
		return nil, fmt.Errorf("product %d: %w", id, store.ErrInsufficientStock)
	}
	p.StockQuantity -= quantity
	p.UpdatedAt = s.tick()
	s.data.products[id] = p
	return &p, nil
}

// IncrementStock adds quantity back to stock
func (s *Store) IncrementStock(_ context.Context, id int64, quantity int) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failure("IncrementStock"); err != nil {
		return nil, err
	}
	p, ok := s.data.products[id]
	if !ok {
		return nil, fmt.Errorf("product %d: %w", id, store.ErrNotFound)
	}
	p.StockQuantity += quantity
	p.UpdatedAt = s.tick()
	s.data.products[id] = p
	return &p, nil
}

// CreateOrder inserts an order, enforcing unique order numbers and
// idempotency keys
func (s *Store) CreateOrder(_ context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failure("CreateOrder"); err != nil {
		return err
	}
	for _, o := range s.data.orders {
		if o.OrderNumber == order.OrderNumber {
			return fmt.Errorf("order %s: %w", order.OrderNumber, store.ErrDuplicate)
		}
		if order.IdempotencyKey != nil && o.IdempotencyKey != nil && *o.IdempotencyKey == *order.IdempotencyKey {
			return fmt.Errorf("order %s: %w", order.OrderNumber, store.ErrDuplicate)
		}
	}

	order.ID = s.id()
	order.CreatedAt = s.tick()
	order.UpdatedAt = order.CreatedAt
	stored := *order
	stored.Items = nil
	s.data.orders[order.ID] = stored
	return nil
}

// CreateOrderItem appends an item to its order
func (s *Store) CreateOrderItem(_ context.Context, item *models.OrderItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.orders[item.OrderID]; !ok {
		return fmt.Errorf("order %d: %w", item.OrderID, store.ErrNotFound)
	}
	item.ID = s.id()
	s.data.items[item.OrderID] = append(s.data.items[item.OrderID], *item)
	return nil
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(_ context.Context, id int64) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failure("GetOrderByID"); err != nil {
		return nil, err
	}
	o, ok := s.data.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, store.ErrNotFound)
	}
	return &o, nil
}

// GetOrderForUpdate retrieves an order inside a transaction
func (s *Store) GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	if ctx.Value(txKey{}) == nil {
		return nil, errNoTx
	}
	return s.GetOrderByID(ctx, id)
}

// GetOrderByIdempotencyKey returns nil, nil when no order carries key
func (s *Store) GetOrderByIdempotencyKey(_ context.Context, key string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range s.data.orders {
		if o.IdempotencyKey != nil && *o.IdempotencyKey == key {
			return &o, nil
		}
	}
	return nil, nil
}

// GetOrderItemsByOrderID retrieves items in stored order
func (s *Store) GetOrderItemsByOrderID(_ context.Context, orderID int64) ([]models.OrderItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failure("GetOrderItemsByOrderID"); err != nil {
		return nil, err
	}
	return append([]models.OrderItem(nil), s.data.items[orderID]...), nil
}

// ListOrders retrieves orders newest first
func (s *Store) ListOrders(_ context.Context, filter models.OrderFilter) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	search := strings.ToLower(strings.TrimSpace(filter.Search))
	var orders []models.Order
	for _, o := range s.data.orders {
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(o.OrderNumber), search) &&
			!strings.Contains(strings.ToLower(o.CustomerName), search) &&
			!strings.Contains(strings.ToLower(o.CustomerEmail), search) {
			continue
		}
		orders = append(orders, o)
	}
	sortNewestFirst(orders)
	if filter.Limit > 0 && len(orders) > filter.Limit {
		orders = orders[:filter.Limit]
	}
	return orders, nil
}

// GetOrdersByUserID retrieves a customer's orders newest first
func (s *Store) GetOrdersByUserID(_ context.Context, userID int64) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var orders []models.Order
	for _, o := range s.data.orders {
		if o.UserID != nil && *o.UserID == userID {
			orders = append(orders, o)
		}
	}
	sortNewestFirst(orders)
	return orders, nil
}

func sortNewestFirst(orders []models.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID > orders[j].ID
		}
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
}

// UpdateOrderStatus applies only while the stored status equals from
func (s *Store) UpdateOrderStatus(_ context.Context, orderID int64, from, to models.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failure("UpdateOrderStatus"); err != nil {
		return err
	}
	o, ok := s.data.orders[orderID]
	if !ok || o.Status != from {
		return fmt.Errorf("order %d: %w", orderID, store.ErrConflict)
	}
	o.Status = to
	o.UpdatedAt = s.tick()
	s.data.orders[orderID] = o
	return nil
}

// MarkOrderCancelled cancels an order and records the cancellation fields
func (s *Store) MarkOrderCancelled(_ context.Context, orderID int64, from models.OrderStatus, c models.Cancellation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failure("MarkOrderCancelled"); err != nil {
		return err
	}
	o, ok := s.data.orders[orderID]
	if !ok || o.Status != from {
		return fmt.Errorf("order %d: %w", orderID, store.ErrConflict)
	}
	by, reason, at := c.By, c.Reason, c.At
	o.Status = models.OrderStatusCancelled
	o.CancelledBy = &by
	o.CancelReason = &reason
	o.CancelledAt = &at
	o.UpdatedAt = s.tick()
	s.data.orders[orderID] = o
	return nil
}

// AppendStatusHistory appends an audit row
func (s *Store) AppendStatusHistory(_ context.Context, entry *models.OrderStatusHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failure("AppendStatusHistory"); err != nil {
		return err
	}
	entry.ID = s.id()
	entry.CreatedAt = s.tick()
	s.data.history = append(s.data.history, *entry)
	return nil
}

// GetStatusHistory retrieves an order's audit rows newest first
func (s *Store) GetStatusHistory(_ context.Context, orderID int64) ([]models.OrderStatusHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []models.OrderStatusHistory
	for i := len(s.data.history) - 1; i >= 0; i-- {
		if s.data.history[i].OrderID == orderID {
			entries = append(entries, s.data.history[i])
		}
	}
	return entries, nil
}

// NextOrderSequence bumps and returns the counter of day
func (s *Store) NextOrderSequence(_ context.Context, day time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failure("NextOrderSequence"); err != nil {
		return 0, err
	}
	key := day.Format("2006-01-02")
	s.data.sequences[key]++
	return s.data.sequences[key], nil
}
