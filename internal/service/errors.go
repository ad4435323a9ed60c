package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"storefront-orders/internal/models"
	"storefront-orders/internal/store"
)

var (
	// ErrIllegalTransition is returned when the target status is not reachable
	// from the order's current status
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrInsufficientStock is returned when an order cannot be reserved in full
	ErrInsufficientStock = errors.New("out of stock")
	// ErrValidation is returned when a request is rejected before any state is touched
	ErrValidation = errors.New("validation failed")
	// ErrOrderNotFound is returned when the referenced order does not exist
	ErrOrderNotFound = errors.New("order not found")
)

// InsufficientStockError lists every order line that could not be reserved
type InsufficientStockError struct {
	Items []models.UnavailableItem
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Items))
	for _, item := range e.Items {
		parts = append(parts, fmt.Sprintf("%s (required %d, available %d: %s)",
			item.ProductName, item.Required, item.Available, item.Reason))
	}
	return "out of stock: " + strings.Join(parts, "; ")
}

// Is lets errors.Is match ErrInsufficientStock
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// ValidationError describes rejected input field by field
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k, v := range e.Fields {
		keys = append(keys, k+": "+v)
	}
	sort.Strings(keys)
	return "validation failed: " + strings.Join(keys, ", ")
}

// Is lets errors.Is match ErrValidation
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func newValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

// transitionError wraps a model transition failure so it matches ErrIllegalTransition
type transitionError struct {
	action string
	cause  *models.TransitionError
}

func (e *transitionError) Error() string {
	return fmt.Sprintf("cannot %s in current status: %v", e.action, e.cause)
}

func (e *transitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

func (e *transitionError) Unwrap() error {
	return e.cause
}

// TransitionAction extracts the rejected verb from an illegal-transition error
func TransitionAction(err error) (string, bool) {
	var te *transitionError
	if errors.As(err, &te) {
		return te.action, true
	}
	return "", false
}

// mapStoreError converts storage sentinels into service errors
func mapStoreError(err error, orderID int64) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("order %d: %w", orderID, ErrOrderNotFound)
	default:
		return err
	}
}
