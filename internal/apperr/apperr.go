package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrValidation marks malformed input or events. Never retried.
	ErrValidation = errors.New("validation failed")

	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrPaymentDeclined   = errors.New("payment declined")

	// ErrAlreadyProcessed is returned by idempotent writes that have already been applied.
	ErrAlreadyProcessed = errors.New("already processed")

	ErrTransient = errors.New("transient infrastructure failure")
)

// Kinds reported by Kind
const (
	KindValidation   = "validation"
	KindBusinessRule = "business_rule"
	KindDuplicate    = "duplicate"
	KindNotFound     = "not_found"
	KindTransient    = "transient"
	KindCanceled     = "canceled"
)

// DeclineError carries the reason a payment was refused
type DeclineError struct {
	Reason string
}

func (e *DeclineError) Error() string { return "payment declined: " + e.Reason }

func (e *DeclineError) Unwrap() error { return ErrPaymentDeclined }

// Declined reports a refused charge
func Declined(reason string) error {
	return &DeclineError{Reason: reason}
}

// Validation wraps a formatted message as a validation failure
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFound wraps a formatted message as a not found failure
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func Kind(err error) string {
	switch {
	case err == nil:
		return ""

	case errors.Is(err, ErrValidation):
		return KindValidation

	case errors.Is(err, ErrInsufficientStock),
		errors.Is(err, ErrPaymentDeclined):
		return KindBusinessRule

	case errors.Is(err, ErrAlreadyProcessed):
		return KindDuplicate

	case errors.Is(err, ErrNotFound):
		return KindNotFound

	case errors.Is(err, context.Canceled):
		return KindCanceled

	default:
		return KindTransient
	}
}

// Retryable reports whether a consumer should ask for redelivery.
// Only infrastructure failures are worth another attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return Kind(err) == KindTransient
}

func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK

	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest

	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, ErrInsufficientStock),
		errors.Is(err, ErrPaymentDeclined),
		errors.Is(err, ErrAlreadyProcessed):
		return http.StatusConflict

	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout

	default:
		return http.StatusInternalServerError
	}
}
