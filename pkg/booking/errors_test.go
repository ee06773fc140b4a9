package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

const (
	operationName    = "ledger"
	subjectName      = "grant"
	codeName         = "invalid"
	baseErrorMessage = "base error"
)

func TestOperationErrorFormatting(test *testing.T) {
	test.Parallel()
	baseError := errors.New(baseErrorMessage)
	wrappedError := WrapError(operationName, subjectName, codeName, baseError)
	if wrappedError == nil {
		test.Fatalf("expected wrapped error")
	}
	expected := operationName + "." + subjectName + "." + codeName + ": " + baseErrorMessage
	if wrappedError.Error() != expected {
		test.Fatalf("expected %q, got %q", expected, wrappedError.Error())
	}
	if !errors.Is(wrappedError, baseError) {
		test.Fatalf("expected wrapped error to unwrap")
	}
}

func TestWrapErrorNil(test *testing.T) {
	test.Parallel()
	if WrapError(operationName, subjectName, codeName, nil) != nil {
		test.Fatalf("expected nil wrapped error")
	}
}

func TestTypedErrorsUnwrapToSentinels(test *testing.T) {
	test.Parallel()
	window := mustWindow(test, testEpoch, 2*time.Hour)
	conflict := NewConflictError(mustGPUType(test, "a100"), window)
	if !errors.Is(fmt.Errorf("create: %w", conflict), ErrReservationConflict) {
		test.Fatalf("expected conflict sentinel")
	}
	if !strings.Contains(conflict.Error(), "A100") {
		test.Fatalf("expected gpu type in message, got %q", conflict.Error())
	}
	insufficient := &InsufficientCreditsError{Required: mustDecimal(test, "50"), Available: mustDecimal(test, "10")}
	if !errors.Is(insufficient, ErrInsufficientCredits) {
		test.Fatalf("expected insufficient credits sentinel")
	}
	if !strings.Contains(insufficient.Error(), "required 50.00, available 10.00") {
		test.Fatalf("unexpected message %q", insufficient.Error())
	}
}

func TestIsValidation(test *testing.T) {
	test.Parallel()
	if !IsValidation(fmt.Errorf("%w: x", ErrInvalidTransition)) {
		test.Fatalf("transition errors are validation errors")
	}
	if IsValidation(ErrReservationConflict) || IsValidation(ErrTransientStore) || IsValidation(nil) {
		test.Fatalf("unexpected validation classification")
	}
}

func TestMultiLoggerFansOut(test *testing.T) {
	test.Parallel()
	first := &recorderLogger{}
	second := &recorderLogger{}
	emitOperation(context.Background(), MultiLogger{first, nil, second}, OperationLog{Operation: operationExpire, Error: errors.New("x")})
	if len(first.entries) != 1 || len(second.entries) != 1 {
		test.Fatalf("expected both loggers to receive the entry")
	}
	if first.entries[0].Status != operationStatusError {
		test.Fatalf("expected error status, got %q", first.entries[0].Status)
	}
	emitOperation(context.Background(), nil, OperationLog{Operation: operationExpire})
}
