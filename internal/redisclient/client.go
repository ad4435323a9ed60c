package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/sync_stock.lua
var syncStockScript string

type Client struct {
	rdb        *redis.Client
	syncScript *redis.Script
}

// StockLevel is the mirrored stock of one product
type StockLevel struct {
	Available int
	Threshold int
	Version   int64
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return New(rdb), nil
}

// New wraps an existing connection
func New(rdb *redis.Client) *Client {
	return &Client{
		rdb:        rdb,
		syncScript: redis.NewScript(syncStockScript),
	}
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func stockKey(productID int64) string {
	return fmt.Sprintf("inventory:%d", productID)
}

// SyncStock atomically writes a product's stock level unless a newer version
// is already stored. Returns true when the value was written.
func (c *Client) SyncStock(ctx context.Context, productID int64, available, threshold int, version int64) (bool, error) {
	result, err := c.syncScript.Run(ctx, c.rdb, []string{stockKey(productID)}, available, threshold, version).Result()
	if err != nil {
		return false, fmt.Errorf("sync stock script failed: %w", err)
	}

	written, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type %T", result)
	}

	return written == 1, nil
}

// GetStock retrieves the mirrored stock level of a product
func (c *Client) GetStock(ctx context.Context, productID int64) (StockLevel, bool, error) {
	result, err := c.rdb.HGetAll(ctx, stockKey(productID)).Result()
	if err != nil {
		return StockLevel{}, false, err
	}
	if len(result) == 0 {
		return StockLevel{}, false, nil
	}

	var level StockLevel
	if level.Available, err = strconv.Atoi(result["available"]); err != nil {
		return StockLevel{}, false, fmt.Errorf("corrupt stock entry for product %d: %w", productID, err)
	}
	if level.Threshold, err = strconv.Atoi(result["threshold"]); err != nil {
		return StockLevel{}, false, fmt.Errorf("corrupt stock entry for product %d: %w", productID, err)
	}
	if level.Version, err = strconv.ParseInt(result["version"], 10, 64); err != nil {
		return StockLevel{}, false, fmt.Errorf("corrupt stock entry for product %d: %w", productID, err)
	}
	return level, true, nil
}

func idempotencyKey(key string) string {
	return fmt.Sprintf("idempotency:%s", key)
}

// SetIdempotencyKey remembers the order a checkout key produced. The first
// writer wins.
func (c *Client) SetIdempotencyKey(ctx context.Context, key string, orderID int64, ttl time.Duration) error {
	return c.rdb.SetNX(ctx, idempotencyKey(key), orderID, ttl).Err()
}

// GetIdempotencyKey returns the order id stored for key
func (c *Client) GetIdempotencyKey(ctx context.Context, key string) (int64, bool, error) {
	orderID, err := c.rdb.Get(ctx, idempotencyKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return orderID, true, nil
}

// AcquireLock acquires a distributed lock
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:%s", lockKey)).Err()
}
