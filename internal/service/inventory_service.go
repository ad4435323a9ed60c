package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storefront-orders/internal/models"
	"storefront-orders/internal/store"
	"storefront-orders/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// InventoryService checks, reserves and releases stock for the items of an order
type InventoryService struct {
	store  Store
	mirror StockMirror
	logger *zap.Logger
}

// NewInventoryService creates a new inventory service. mirror may be nil.
func NewInventoryService(store Store, mirror StockMirror) *InventoryService {
	return &InventoryService{
		store:  store,
		mirror: mirror,
		logger: util.GetLogger(),
	}
}

// CheckAvailability reports every item of the order that cannot be fulfilled
// from current stock. The read takes no locks and is advisory only.
func (s *InventoryService) CheckAvailability(ctx context.Context, items []models.OrderItem) ([]models.UnavailableItem, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.CheckAvailability")
	defer span.End()

	var unavailable []models.UnavailableItem
	for _, item := range items {
		if item.ProductID == nil {
			continue
		}

		product, err := s.store.GetProductByID(ctx, *item.ProductID)
		if errors.Is(err, store.ErrNotFound) {
			unavailable = append(unavailable, models.UnavailableItem{
				ProductID:   item.ProductID,
				ProductName: item.ProductName,
				Required:    item.Quantity,
				Available:   0,
				Reason:      models.ReasonProductMissing,
			})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read product %d: %w", *item.ProductID, err)
		}

		if product.StockQuantity < item.Quantity {
			unavailable = append(unavailable, models.UnavailableItem{
				ProductID:   item.ProductID,
				ProductName: item.ProductName,
				Required:    item.Quantity,
				Available:   product.StockQuantity,
				Reason:      models.ReasonInsufficientStock,
			})
		}
	}

	return unavailable, nil
}

// ReserveStock decrements stock for every item in stored order. Each product
// row is locked and re-checked before the decrement; one shortage aborts the
// whole reservation. Items whose product was deleted are skipped.
func (s *InventoryService) ReserveStock(ctx context.Context, items []models.OrderItem) ([]models.StockChange, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.ReserveStock",
		attribute.Int("order.items", len(items)))
	defer span.End()

	start := time.Now()
	defer func() {
		util.InventoryReserveLatency.Observe(time.Since(start).Seconds())
	}()

	var changes []models.StockChange
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		changes = changes[:0]
		for _, item := range items {
			if item.ProductID == nil {
				continue
			}

			product, err := s.store.LockProduct(ctx, *item.ProductID)
			if errors.Is(err, store.ErrNotFound) {
				s.logger.Warn("Skipping reservation for deleted product",
					zap.Int64("product_id", *item.ProductID),
					zap.String("product_name", item.ProductName))
				continue
			}
			if err != nil {
				return err
			}

			if product.StockQuantity < item.Quantity {
				return shortage(item, product.StockQuantity)
			}

			updated, err := s.store.DecrementStock(ctx, product.ID, item.Quantity)
			if errors.Is(err, store.ErrInsufficientStock) {
				return shortage(item, product.StockQuantity)
			}
			if err != nil {
				return err
			}

			changes = append(changes, stockChange(updated, -item.Quantity))
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientStock) {
			util.InventoryReservationsFailed.WithLabelValues("insufficient_stock").Inc()
		} else {
			util.InventoryReservationsFailed.WithLabelValues("error").Inc()
			util.RecordError(span, err)
		}
		return nil, err
	}

	for _, c := range changes {
		util.StockReservedUnits.Add(float64(-c.Delta))
	}
	return changes, nil
}

// ReleaseStock increments stock for every item in stored order, under the
// same row locks as ReserveStock. Items whose product was deleted are skipped.
func (s *InventoryService) ReleaseStock(ctx context.Context, items []models.OrderItem) ([]models.StockChange, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.ReleaseStock")
	defer span.End()

	var changes []models.StockChange
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		changes = changes[:0]
		for _, item := range items {
			if item.ProductID == nil {
				continue
			}

			product, err := s.store.LockProduct(ctx, *item.ProductID)
			if errors.Is(err, store.ErrNotFound) {
				s.logger.Warn("Skipping release for deleted product",
					zap.Int64("product_id", *item.ProductID),
					zap.String("product_name", item.ProductName))
				continue
			}
			if err != nil {
				return err
			}

			updated, err := s.store.IncrementStock(ctx, product.ID, item.Quantity)
			if err != nil {
				return err
			}

			changes = append(changes, stockChange(updated, item.Quantity))
		}
		return nil
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	for _, c := range changes {
		util.StockReleasedUnits.Add(float64(c.Delta))
	}
	return changes, nil
}

// SyncInventoryToRedis copies every product's stock level into the storefront mirror
func (s *InventoryService) SyncInventoryToRedis(ctx context.Context) error {
	if s.mirror == nil {
		return nil
	}

	s.logger.Info("Starting inventory sync to Redis")

	products, err := s.store.GetProducts(ctx)
	if err != nil {
		return fmt.Errorf("failed to get products: %w", err)
	}

	synced := 0
	for _, product := range products {
		if _, err := s.mirror.SyncStock(ctx, product.ID, product.StockQuantity,
			product.LowStockThreshold, product.UpdatedAt.UnixMicro()); err != nil {
			s.logger.Error("Failed to sync product stock to Redis",
				zap.Int64("product_id", product.ID),
				zap.Error(err))
			continue
		}
		util.SetLowStock(product.ID, product.IsLowStock())
		synced++
	}

	s.logger.Info("Inventory sync completed", zap.Int("count", synced))
	return nil
}

func shortage(item models.OrderItem, available int) error {
	return &InsufficientStockError{Items: []models.UnavailableItem{{
		ProductID:   item.ProductID,
		ProductName: item.ProductName,
		Required:    item.Quantity,
		Available:   available,
		Reason:      models.ReasonInsufficientStock,
	}}}
}

func stockChange(p *models.Product, delta int) models.StockChange {
	return models.StockChange{
		ProductID:         p.ID,
		Delta:             delta,
		StockQuantity:     p.StockQuantity,
		LowStockThreshold: p.LowStockThreshold,
		Version:           p.UpdatedAt.UnixMicro(),
	}
}
