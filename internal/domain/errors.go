package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation      = errors.New("validation error")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrGateway         = errors.New("payment gateway error")
	ErrInternal        = errors.New("internal error")
	ErrForbidden       = errors.New("forbidden")
	ErrUnauthenticated = errors.New("unauthenticated")
)

var (
	ErrOrderNotFound      = fmt.Errorf("%w: order", ErrNotFound)
	ErrProductNotFound    = fmt.Errorf("%w: product", ErrNotFound)
	ErrArtifactNotFound   = fmt.Errorf("%w: no file uploaded for product", ErrNotFound)
	ErrAlreadyPurchased   = fmt.Errorf("%w: product already purchased", ErrConflict)
	ErrConcurrentCheckout = fmt.Errorf("%w: another checkout for this product is in progress", ErrConflict)
	ErrInvalidTransition  = fmt.Errorf("%w: invalid order status transition", ErrConflict)
	ErrCapturedAfterClose = fmt.Errorf("%w: order was closed while the payment was captured; the charge will be refunded", ErrConflict)
	ErrNotEntitled        = fmt.Errorf("%w: product not purchased", ErrForbidden)
)

func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Internal marks err as a storage or contract failure unless it already carries a kind.
func Internal(err error) error {
	if err == nil {
		return nil
	}
	if Kind(err) != "internal" {
		return err
	}
	if errors.Is(err, ErrInternal) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrInternal, err)
}

// Kind returns a short, low-cardinality name for the error class.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrGateway):
		return "gateway"
	default:
		return "internal"
	}
}
