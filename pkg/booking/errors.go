package booking

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Domain-level error values returned by the booking services.
var (
	ErrInsufficientCredits      = errors.New("insufficient credits")
	ErrReservationConflict      = errors.New("reservation conflict")
	ErrUnknownReservation       = errors.New("unknown reservation")
	ErrReservationExists        = errors.New("reservation already exists")
	ErrInvalidTransition        = errors.New("invalid status transition")
	ErrGrantStateInvariant      = errors.New("credit grant state invariant violated")
	ErrReservationStateChanged  = errors.New("reservation state changed concurrently")
	ErrTransientStore           = errors.New("transient store failure")
	ErrInvalidUserID            = errors.New("invalid user id")
	ErrInvalidReservationID     = errors.New("invalid reservation id")
	ErrInvalidGPUType           = errors.New("invalid gpu type")
	ErrInvalidGPUCount          = errors.New("invalid gpu count")
	ErrInvalidTimeWindow        = errors.New("invalid time window")
	ErrInvalidAmount            = errors.New("invalid credit amount")
	ErrInvalidMetadataJSON      = errors.New("invalid metadata json")
	ErrInvalidInstanceID        = errors.New("invalid instance id")
	ErrInvalidReservationStatus = errors.New("invalid reservation status")
	ErrInvalidGrantStatus       = errors.New("invalid grant status")
	ErrInvalidTransactionType   = errors.New("invalid transaction type")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
)

var validationErrors = []error{
	ErrInvalidTransition,
	ErrInvalidUserID,
	ErrInvalidReservationID,
	ErrInvalidGPUType,
	ErrInvalidGPUCount,
	ErrInvalidTimeWindow,
	ErrInvalidAmount,
	ErrInvalidMetadataJSON,
	ErrInvalidInstanceID,
	ErrInvalidTransactionType,
}

// IsValidation reports whether err is caused by malformed caller input or an illegal transition.
func IsValidation(err error) bool {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// ConflictError reports that a requested window overlaps an existing booking.
type ConflictError struct {
	GPUType string
	Start   time.Time
	End     time.Time
}

// Error returns the formatted error message.
func (conflictError *ConflictError) Error() string {
	return fmt.Sprintf("%v: %s is booked between %s and %s", ErrReservationConflict, conflictError.GPUType,
		conflictError.Start.Format(time.RFC3339), conflictError.End.Format(time.RFC3339))
}

// Unwrap exposes ErrReservationConflict.
func (conflictError *ConflictError) Unwrap() error {
	return ErrReservationConflict
}

// NewConflictError builds a ConflictError for the requested window.
func NewConflictError(gpuType GPUType, window TimeWindow) error {
	return &ConflictError{GPUType: gpuType.String(), Start: window.Start, End: window.End}
}

// InsufficientCreditsError reports the shortfall of a deduction.
type InsufficientCreditsError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

// Error returns the formatted error message.
func (insufficientError *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("%v: required %s, available %s", ErrInsufficientCredits,
		insufficientError.Required.StringFixed(creditDecimalPlaces), insufficientError.Available.StringFixed(creditDecimalPlaces))
}

// Unwrap exposes ErrInsufficientCredits.
func (insufficientError *InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
