package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"storefront-orders/internal/models"
	"storefront-orders/internal/util"

	"go.uber.org/zap"
)

// DefaultBulkMaxOrders caps the number of orders one bulk request may touch
const DefaultBulkMaxOrders = 100

// BulkError is the failure of one order inside a bulk request
type BulkError struct {
	OrderID     int64  `json:"order_id"`
	OrderNumber string `json:"order_number"`
	Message     string `json:"message"`
}

// BulkResult summarises a bulk request
type BulkResult struct {
	Succeeded int         `json:"succeeded"`
	Errors    []BulkError `json:"errors"`
}

// Message renders the summary line shown to admins
func (r *BulkResult) Message(verb string) string {
	msg := fmt.Sprintf("%d order(s) %s successfully.", r.Succeeded, verb)
	if len(r.Errors) == 0 {
		return msg
	}
	parts := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		parts = append(parts, e.String())
	}
	return msg + " Errors: " + strings.Join(parts, ", ")
}

func (e BulkError) String() string {
	return e.Message
}

// BulkRunner applies the workflow engine to many orders, isolating each
// order's failure from the rest
type BulkRunner struct {
	engine    *WorkflowEngine
	maxOrders int
	logger    *zap.Logger
}

// NewBulkRunner creates a new bulk runner
func NewBulkRunner(engine *WorkflowEngine, maxOrders int) *BulkRunner {
	if maxOrders <= 0 {
		maxOrders = DefaultBulkMaxOrders
	}
	return &BulkRunner{
		engine:    engine,
		maxOrders: maxOrders,
		logger:    util.GetLogger(),
	}
}

// BulkConfirm confirms each order in input order, each in its own transaction
func (b *BulkRunner) BulkConfirm(ctx context.Context, orderIDs []int64, actorID int64) (*BulkResult, error) {
	ctx, span := util.StartSpan(ctx, "BulkRunner.BulkConfirm")
	defer span.End()

	if err := b.validate(orderIDs, actorID); err != nil {
		return nil, err
	}

	return b.run(ctx, "confirm", orderIDs, func(ctx context.Context, id int64) (*models.Order, error) {
		return b.engine.AttemptTransition(ctx, TransitionCommand{
			OrderID: id,
			Target:  models.OrderStatusConfirmed,
			ActorID: actorID,
			Note:    "Bulk confirmed",
		})
	}), nil
}

// BulkCancel cancels each order in input order, each in its own transaction.
// Confirmed orders get their stock back.
func (b *BulkRunner) BulkCancel(ctx context.Context, orderIDs []int64, reason string, actorID int64) (*BulkResult, error) {
	ctx, span := util.StartSpan(ctx, "BulkRunner.BulkCancel")
	defer span.End()

	if err := b.validate(orderIDs, actorID); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if err := validateCancelReason(reason); err != nil {
		return nil, err
	}

	return b.run(ctx, "cancel", orderIDs, func(ctx context.Context, id int64) (*models.Order, error) {
		return b.engine.AttemptTransition(ctx, TransitionCommand{
			OrderID: id,
			Target:  models.OrderStatusCancelled,
			ActorID: actorID,
			Note:    "Bulk cancelled: " + reason,
			Reason:  reason,
		})
	}), nil
}

func (b *BulkRunner) validate(orderIDs []int64, actorID int64) error {
	if actorID <= 0 {
		return newValidationError("actor_id", "is required")
	}
	if len(orderIDs) == 0 {
		return newValidationError("order_ids", "at least one order is required")
	}
	if len(orderIDs) > b.maxOrders {
		return newValidationError("order_ids", fmt.Sprintf("may not contain more than %d orders", b.maxOrders))
	}
	for _, id := range orderIDs {
		if id <= 0 {
			return newValidationError("order_ids", fmt.Sprintf("invalid order id %d", id))
		}
	}
	return nil
}

func (b *BulkRunner) run(ctx context.Context, operation string, orderIDs []int64,
	apply func(ctx context.Context, id int64) (*models.Order, error)) *BulkResult {
	result := &BulkResult{Errors: []BulkError{}}

	for _, id := range orderIDs {
		if _, err := apply(ctx, id); err != nil {
			result.Errors = append(result.Errors, b.describe(ctx, operation, id, err))
			util.BulkOrdersTotal.WithLabelValues(operation, "failed").Inc()
			continue
		}
		result.Succeeded++
		util.BulkOrdersTotal.WithLabelValues(operation, "succeeded").Inc()
	}

	b.logger.Info("Bulk operation completed",
		zap.String("operation", operation),
		zap.Int("requested", len(orderIDs)),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", len(result.Errors)))

	return result
}

// describe turns one order's failure into a bulk entry keyed by order number
func (b *BulkRunner) describe(ctx context.Context, operation string, id int64, err error) BulkError {
	entry := BulkError{OrderID: id, OrderNumber: fmt.Sprintf("#%d", id)}

	if errors.Is(err, ErrOrderNotFound) {
		entry.Message = fmt.Sprintf("Order #%d not found", id)
		return entry
	}

	if order, lookupErr := b.engine.store.GetOrderByID(ctx, id); lookupErr == nil {
		entry.OrderNumber = order.OrderNumber
	}

	switch {
	case errors.Is(err, ErrInsufficientStock):
		entry.Message = fmt.Sprintf("Order %s has items out of stock", entry.OrderNumber)
	case errors.Is(err, ErrIllegalTransition):
		entry.Message = fmt.Sprintf("Order %s cannot be %s", entry.OrderNumber, pastTense(operation))
	default:
		entry.Message = fmt.Sprintf("Order %s: %v", entry.OrderNumber, err)
	}
	return entry
}

func pastTense(operation string) string {
	if operation == "cancel" {
		return "cancelled"
	}
	return operation + "ed"
}
