package invoice

import (
	"errors"
	"fmt"
)

// Common invoice building errors
var (
	// ErrNoLineItems is returned when an order yields no billable line.
	ErrNoLineItems = errors.New("order has no billable line items")

	// ErrInvalidQuantity is returned for order items with a zero quantity.
	ErrInvalidQuantity = errors.New("invalid item quantity")

	// ErrMissingBillingName is returned when neither company nor person name is set.
	ErrMissingBillingName = errors.New("missing billing name")
)

// BuildError wraps errors with the order being built.
type BuildError struct {
	// Op is the operation that failed (e.g., "Build", "itemLine").
	Op string

	// OrderID is the host order id.
	OrderID string

	// Err is the underlying error.
	Err error

	// Details provides additional context about the failure.
	Details string
}

// Error implements the error interface.
func (e *BuildError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("invoice: %s failed for order %s: %s: %v", e.Op, e.OrderID, e.Details, e.Err)
	}
	return fmt.Sprintf("invoice: %s failed for order %s: %v", e.Op, e.OrderID, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *BuildError) Unwrap() error {
	return e.Err
}

// Is implements error matching for Go 1.13+ error handling.
func (e *BuildError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewBuildError creates a new BuildError.
func NewBuildError(op, orderID string, err error, details string) *BuildError {
	return &BuildError{
		Op:      op,
		OrderID: orderID,
		Err:     err,
		Details: details,
	}
}

// ValidationError represents invalid order data.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s (value: %v)", e.Field, e.Message, e.Value)
}

// Unwrap returns the sentinel the validation failure belongs to.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string, err error) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
		Err:     err,
	}
}
