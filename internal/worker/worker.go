package worker

import (
	"context"

	"storefront-orders/internal/broker"
	"storefront-orders/internal/models"
	"storefront-orders/internal/util"

	"go.uber.org/zap"
)

// StockMirror receives stock levels from committed ledger movements
type StockMirror interface {
	SyncStock(ctx context.Context, productID int64, available, threshold int, version int64) (bool, error)
}

// StockWorker keeps the storefront stock mirror and low stock alerts in step
// with the ledger by consuming StockAdjusted events
type StockWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	mirror       StockMirror
	logger       *zap.Logger
}

// NewStockWorker creates a new stock worker
func NewStockWorker(consumer *broker.Consumer, mirror StockMirror) *StockWorker {
	w := &StockWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		mirror:       mirror,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnStockAdjusted(w.HandleStockAdjusted)
	return w
}

// Start starts the worker; it blocks until ctx is cancelled
func (w *StockWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting stock worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *StockWorker) Stop() error {
	w.logger.Info("Stopping stock worker")
	return w.consumer.Close()
}

// HandleStockAdjusted mirrors one ledger movement. Events may arrive more
// than once or out of order; the mirror keeps the newest version.
func (w *StockWorker) HandleStockAdjusted(ctx context.Context, event *models.StockAdjustedEvent) error {
	ctx, span := util.StartSpan(ctx, "StockWorker.HandleStockAdjusted")
	defer span.End()

	written, err := w.mirror.SyncStock(ctx, event.ProductID, event.StockQuantity, event.LowStockThreshold, event.Version)
	if err != nil {
		return err
	}
	if !written {
		w.logger.Debug("Skipping stale stock event",
			zap.Int64("product_id", event.ProductID),
			zap.Int64("version", event.Version))
		return nil
	}

	low := event.StockQuantity <= event.LowStockThreshold
	util.SetLowStock(event.ProductID, low)
	if low {
		w.logger.Warn("Product stock is low",
			zap.Int64("product_id", event.ProductID),
			zap.Int("stock_quantity", event.StockQuantity),
			zap.Int("low_stock_threshold", event.LowStockThreshold))
	}
	return nil
}
