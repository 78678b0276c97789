package repositories

import "fmt"

// ProductErrorCode enumerates repository error causes for product numeric
// mutations.
type ProductErrorCode string

const (
	// ProductErrorUnknown represents an unspecified failure.
	ProductErrorUnknown ProductErrorCode = "product_unknown"
	// ProductErrorInsufficientStock indicates the delta would drive stock below zero.
	ProductErrorInsufficientStock ProductErrorCode = "product_insufficient_stock"
	// ProductErrorNotFound indicates the product record does not exist.
	ProductErrorNotFound ProductErrorCode = "product_not_found"
	// ProductErrorInvalidDelta indicates a malformed delta request.
	ProductErrorInvalidDelta ProductErrorCode = "product_invalid_delta"
)

// ProductError wraps product-mutation failures with machine readable codes.
type ProductError struct {
	Op      string
	Code    ProductErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ProductError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *ProductError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewProductError constructs a typed product error.
func NewProductError(code ProductErrorCode, message string, err error) *ProductError {
	if message == "" {
		message = string(code)
	}
	return &ProductError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}
