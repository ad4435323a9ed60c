package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"storefront-orders/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when a referenced row does not exist
	ErrNotFound = errors.New("not found")
	// ErrInsufficientStock is returned when a decrement would drive stock below zero
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrConflict is returned when a row changed underneath a compare-and-set update
	ErrConflict = errors.New("concurrent modification")
	// ErrDuplicate is returned when an insert violates a unique constraint
	ErrDuplicate = errors.New("duplicate key")

	errNoTx = errors.New("row lock requires a transaction")
)

type Store struct {
	db *sqlx.DB
}

// Options tunes the connection pool
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewStore creates a new database store
func NewStore(databaseURL string, opts Options) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 25
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = 5
	}
	if opts.ConnMaxLifetime <= 0 {
		opts.ConnMaxLifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Ping checks the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type txKey struct{}

// dbtx is satisfied by both *sqlx.DB and *sqlx.Tx
type dbtx interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// RunInTx runs fn inside a transaction carried on the context. A call made
// while a transaction is already on ctx joins it instead of nesting.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return fn(ctx)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) conn(ctx context.Context) dbtx {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return tx
	}
	return s.db
}

func (s *Store) tx(ctx context.Context) (*sqlx.Tx, error) {
	tx, ok := ctx.Value(txKey{}).(*sqlx.Tx)
	if !ok {
		return nil, errNoTx
	}
	return tx, nil
}

const productColumns = `id, name, price, stock_quantity, low_stock_threshold, created_at, updated_at`

// CreateProduct inserts a product row
func (s *Store) CreateProduct(ctx context.Context, product *models.Product) error {
	query := `
		INSERT INTO products (name, price, stock_quantity, low_stock_threshold)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at`

	return s.conn(ctx).GetContext(ctx, product, query,
		product.Name, product.Price, product.StockQuantity, product.LowStockThreshold)
}

// GetProductByID retrieves a product by ID without locking it
func (s *Store) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	var product models.Product
	err := s.conn(ctx).GetContext(ctx, &product,
		"SELECT "+productColumns+" FROM products WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetProducts retrieves all products
func (s *Store) GetProducts(ctx context.Context) ([]models.Product, error) {
	var products []models.Product
	err := s.conn(ctx).SelectContext(ctx, &products, "SELECT "+productColumns+" FROM products ORDER BY id")
	return products, err
}

// LockProduct reads a product holding its row lock until the enclosing
// transaction ends (FOR UPDATE lock)
func (s *Store) LockProduct(ctx context.Context, id int64) (*models.Product, error) {
	tx, err := s.tx(ctx)
	if err != nil {
		return nil, err
	}

	var product models.Product
	err = tx.GetContext(ctx, &product,
		"SELECT "+productColumns+" FROM products WHERE id = $1 FOR UPDATE", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock product: %w", err)
	}
	return &product, nil
}

// DecrementStock subtracts quantity from stock only while enough remains
func (s *Store) DecrementStock(ctx context.Context, id int64, quantity int) (*models.Product, error) {
	var product models.Product
	err := s.conn(ctx).GetContext(ctx, &product, `
		UPDATE products
		SET stock_quantity = stock_quantity - $1, updated_at = clock_timestamp()
		WHERE id = $2 AND stock_quantity >= $1
		RETURNING `+productColumns, quantity, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.classifyMissedUpdate(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decrement stock: %w", err)
	}
	return &product, nil
}

// IncrementStock adds quantity back to stock; no upper bound applies
func (s *Store) IncrementStock(ctx context.Context, id int64, quantity int) (*models.Product, error) {
	var product models.Product
	err := s.conn(ctx).GetContext(ctx, &product, `
		UPDATE products
		SET stock_quantity = stock_quantity + $1, updated_at = clock_timestamp()
		WHERE id = $2
		RETURNING `+productColumns, quantity, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to increment stock: %w", err)
	}
	return &product, nil
}

// uniqueViolation reports whether err is a Postgres unique_violation
func uniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (s *Store) classifyMissedUpdate(ctx context.Context, id int64) error {
	var exists bool
	if err := s.conn(ctx).GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)", id); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("product %d: %w", id, ErrNotFound)
	}
	return fmt.Errorf("product %d: %w", id, ErrInsufficientStock)
}
