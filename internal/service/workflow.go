package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"storefront-orders/internal/models"
	"storefront-orders/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	minCancelReasonLen = 10
	maxCancelReasonLen = 500
)

// TransitionCommand asks the engine to move one order to a new status
type TransitionCommand struct {
	OrderID int64
	Target  models.OrderStatus
	ActorID int64
	// Note is written to the history row; a default is used when empty
	Note string
	// Reason is required when Target is cancelled
	Reason string
}

// WorkflowEngine applies status transitions to orders, moving stock for the
// transitions that need it, all inside one transaction per order
type WorkflowEngine struct {
	store     Store
	inventory *InventoryService
	events    EventPublisher
	now       func() time.Time
	logger    *zap.Logger
}

// NewWorkflowEngine creates a new workflow engine. events may be nil.
func NewWorkflowEngine(store Store, inventory *InventoryService, events EventPublisher) *WorkflowEngine {
	if events == nil {
		events = noopPublisher{}
	}
	return &WorkflowEngine{
		store:     store,
		inventory: inventory,
		events:    events,
		now:       time.Now,
		logger:    util.GetLogger(),
	}
}

// ConfirmOrder reserves stock for a pending order and confirms it
func (e *WorkflowEngine) ConfirmOrder(ctx context.Context, orderID, actorID int64) (*models.Order, error) {
	return e.AttemptTransition(ctx, TransitionCommand{
		OrderID: orderID,
		Target:  models.OrderStatusConfirmed,
		ActorID: actorID,
		Note:    "Order confirmed and stock reserved",
	})
}

// ProcessOrder starts processing a confirmed order
func (e *WorkflowEngine) ProcessOrder(ctx context.Context, orderID, actorID int64) (*models.Order, error) {
	return e.AttemptTransition(ctx, TransitionCommand{
		OrderID: orderID,
		Target:  models.OrderStatusProcessing,
		ActorID: actorID,
		Note:    "Order processing started",
	})
}

// ShipOrder marks a processing order as shipped
func (e *WorkflowEngine) ShipOrder(ctx context.Context, orderID, actorID int64) (*models.Order, error) {
	return e.AttemptTransition(ctx, TransitionCommand{
		OrderID: orderID,
		Target:  models.OrderStatusShipped,
		ActorID: actorID,
		Note:    "Order shipped",
	})
}

// DeliverOrder marks a shipped order as delivered
func (e *WorkflowEngine) DeliverOrder(ctx context.Context, orderID, actorID int64) (*models.Order, error) {
	return e.AttemptTransition(ctx, TransitionCommand{
		OrderID: orderID,
		Target:  models.OrderStatusDelivered,
		ActorID: actorID,
		Note:    "Order delivered",
	})
}

// CancelOrder cancels a pending or confirmed order. Stock is returned when
// the order had been confirmed.
func (e *WorkflowEngine) CancelOrder(ctx context.Context, orderID, actorID int64, reason string) (*models.Order, error) {
	return e.AttemptTransition(ctx, TransitionCommand{
		OrderID: orderID,
		Target:  models.OrderStatusCancelled,
		ActorID: actorID,
		Reason:  reason,
	})
}

// AttemptTransition validates and applies one status change. On success the
// status update, stock movement, cancellation fields and history row commit
// together; on any failure nothing is written.
func (e *WorkflowEngine) AttemptTransition(ctx context.Context, cmd TransitionCommand) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "WorkflowEngine.AttemptTransition",
		attribute.Int64("order.id", cmd.OrderID),
		attribute.String("order.target_status", string(cmd.Target)))
	defer span.End()

	action := actionFor(cmd.Target)
	cmd.Reason = strings.TrimSpace(cmd.Reason)

	if err := validateTransitionCommand(cmd); err != nil {
		e.reject(cmd, action, err)
		return nil, err
	}

	var (
		order   *models.Order
		from    models.OrderStatus
		changes []models.StockChange
	)

	err := e.store.RunInTx(ctx, func(ctx context.Context) error {
		current, err := e.store.GetOrderForUpdate(ctx, cmd.OrderID)
		if err != nil {
			return mapStoreError(err, cmd.OrderID)
		}
		from = current.Status

		next, err := current.Status.Transition(cmd.Target)
		if err != nil {
			var te *models.TransitionError
			if errors.As(err, &te) {
				return &transitionError{action: action, cause: te}
			}
			return err
		}

		items, err := e.store.GetOrderItemsByOrderID(ctx, current.ID)
		if err != nil {
			return fmt.Errorf("failed to load order items: %w", err)
		}

		switch {
		case next == models.OrderStatusConfirmed:
			unavailable, err := e.inventory.CheckAvailability(ctx, items)
			if err != nil {
				return err
			}
			if len(unavailable) > 0 {
				return &InsufficientStockError{Items: unavailable}
			}
			if changes, err = e.inventory.ReserveStock(ctx, items); err != nil {
				return err
			}
		case next == models.OrderStatusCancelled && from == models.OrderStatusConfirmed:
			if changes, err = e.inventory.ReleaseStock(ctx, items); err != nil {
				return err
			}
		}

		now := e.now()
		if next == models.OrderStatusCancelled {
			c := models.Cancellation{By: cmd.ActorID, Reason: cmd.Reason, At: now}
			if err := e.store.MarkOrderCancelled(ctx, current.ID, from, c); err != nil {
				return err
			}
			current.CancelledBy = &c.By
			current.CancelReason = &c.Reason
			current.CancelledAt = &c.At
		} else if err := e.store.UpdateOrderStatus(ctx, current.ID, from, next); err != nil {
			return err
		}

		note := cmd.Note
		if note == "" {
			note = defaultNote(next, cmd.Reason)
		}
		actor := cmd.ActorID
		if err := e.store.AppendStatusHistory(ctx, &models.OrderStatusHistory{
			OrderID:   current.ID,
			OldStatus: &from,
			NewStatus: next,
			ChangedBy: &actor,
			Notes:     &note,
		}); err != nil {
			return fmt.Errorf("failed to append status history: %w", err)
		}

		current.Status = next
		current.UpdatedAt = now
		current.Items = items
		order = current
		return nil
	})
	if err != nil {
		if e.reject(cmd, action, err) == "error" {
			util.RecordError(span, err)
		}
		return nil, err
	}

	util.OrderTransitionsTotal.WithLabelValues(string(from), string(order.Status)).Inc()
	if order.Status == models.OrderStatusCancelled {
		util.OrdersCancelledTotal.Inc()
	}

	e.logger.Info("Order status changed",
		zap.Int64("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("from", string(from)),
		zap.String("to", string(order.Status)),
		zap.Int64("actor_id", cmd.ActorID),
		zap.Int("stock_changes", len(changes)))

	e.publishTransition(ctx, order, from, cmd, changes)
	return order, nil
}

// reject records a failed transition and returns the metric reason label
func (e *WorkflowEngine) reject(cmd TransitionCommand, action string, err error) string {
	reason := "error"
	switch {
	case errors.Is(err, ErrValidation):
		reason = "validation"
	case errors.Is(err, ErrOrderNotFound):
		reason = "not_found"
	case errors.Is(err, ErrIllegalTransition):
		reason = "illegal_transition"
	case errors.Is(err, ErrInsufficientStock):
		reason = "insufficient_stock"
	}
	util.OrderTransitionsRejected.WithLabelValues(action, reason).Inc()

	fields := []zap.Field{
		zap.Int64("order_id", cmd.OrderID),
		zap.String("target", string(cmd.Target)),
		zap.Int64("actor_id", cmd.ActorID),
		zap.Error(err),
	}
	if reason == "error" {
		e.logger.Error("Order transition failed", fields...)
		return reason
	}
	e.logger.Warn("Order transition rejected", fields...)
	return reason
}

// publishTransition emits events for a committed transition. Failures are
// logged and never undo the transition.
func (e *WorkflowEngine) publishTransition(ctx context.Context, order *models.Order, from models.OrderStatus, cmd TransitionCommand, changes []models.StockChange) {
	now := e.now()

	note := cmd.Note
	if note == "" {
		note = defaultNote(order.Status, cmd.Reason)
	}
	if err := e.events.PublishOrderStatusChanged(ctx, &models.OrderStatusChangedEvent{
		BaseEvent:   newBaseEvent(models.EventTypeOrderStatusChanged, now),
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		OldStatus:   from,
		NewStatus:   order.Status,
		ActorID:     cmd.ActorID,
		Note:        note,
	}); err != nil {
		e.logger.Error("Failed to publish OrderStatusChanged event",
			zap.Int64("order_id", order.ID), zap.Error(err))
	}

	if order.Status == models.OrderStatusCancelled {
		if err := e.events.PublishOrderCancelled(ctx, &models.OrderCancelledEvent{
			BaseEvent:     newBaseEvent(models.EventTypeOrderCancelled, now),
			OrderID:       order.ID,
			OrderNumber:   order.OrderNumber,
			PreviousState: from,
			CancelledBy:   cmd.ActorID,
			Reason:        cmd.Reason,
			StockReleased: from == models.OrderStatusConfirmed,
		}); err != nil {
			e.logger.Error("Failed to publish OrderCancelled event",
				zap.Int64("order_id", order.ID), zap.Error(err))
		}
	}

	reason := models.StockReasonReserve
	if order.Status == models.OrderStatusCancelled {
		reason = models.StockReasonRelease
	}
	for _, c := range changes {
		if err := e.events.PublishStockAdjusted(ctx, &models.StockAdjustedEvent{
			BaseEvent:         newBaseEvent(models.EventTypeStockAdjusted, now),
			ProductID:         c.ProductID,
			OrderID:           order.ID,
			Reason:            reason,
			Delta:             c.Delta,
			StockQuantity:     c.StockQuantity,
			LowStockThreshold: c.LowStockThreshold,
			Version:           c.Version,
		}); err != nil {
			e.logger.Error("Failed to publish StockAdjusted event",
				zap.Int64("order_id", order.ID),
				zap.Int64("product_id", c.ProductID),
				zap.Error(err))
		}
	}
}

func validateTransitionCommand(cmd TransitionCommand) error {
	if cmd.OrderID <= 0 {
		return newValidationError("order_id", "must be a positive integer")
	}
	if cmd.ActorID <= 0 {
		return newValidationError("actor_id", "is required")
	}
	if !cmd.Target.Valid() {
		return newValidationError("status", fmt.Sprintf("unknown status %q", cmd.Target))
	}
	if cmd.Target == models.OrderStatusCancelled {
		return validateCancelReason(cmd.Reason)
	}
	return nil
}

func validateCancelReason(reason string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(reason))
	switch {
	case n == 0:
		return newValidationError("reason", "is required")
	case n < minCancelReasonLen:
		return newValidationError("reason", fmt.Sprintf("must be at least %d characters", minCancelReasonLen))
	case n > maxCancelReasonLen:
		return newValidationError("reason", fmt.Sprintf("may not be greater than %d characters", maxCancelReasonLen))
	}
	return nil
}

func actionFor(target models.OrderStatus) string {
	switch target {
	case models.OrderStatusConfirmed:
		return "confirm"
	case models.OrderStatusProcessing:
		return "process"
	case models.OrderStatusShipped:
		return "ship"
	case models.OrderStatusDelivered:
		return "deliver"
	case models.OrderStatusCancelled:
		return "cancel"
	default:
		return "update"
	}
}

func defaultNote(next models.OrderStatus, reason string) string {
	switch next {
	case models.OrderStatusConfirmed:
		return "Order confirmed and stock reserved"
	case models.OrderStatusProcessing:
		return "Order processing started"
	case models.OrderStatusShipped:
		return "Order shipped"
	case models.OrderStatusDelivered:
		return "Order delivered"
	case models.OrderStatusCancelled:
		return "Order cancelled: " + reason
	default:
		return "Status changed to " + string(next)
	}
}

func newBaseEvent(eventType string, at time.Time) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: at,
	}
}
