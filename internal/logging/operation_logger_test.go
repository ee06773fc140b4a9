package logging

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/MarkoPoloResearchLab/gpureserve/pkg/booking"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedLogger() (*ZapOperationLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return NewZapOperationLogger(zap.New(core)), logs
}

func TestLogOperationLevels(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name     string
		err      error
		expected zapcore.Level
	}{
		{name: "success", err: nil, expected: zapcore.InfoLevel},
		{name: "conflict", err: fmt.Errorf("create: %w", booking.ErrReservationConflict), expected: zapcore.WarnLevel},
		{name: "insufficient", err: &booking.InsufficientCreditsError{}, expected: zapcore.WarnLevel},
		{name: "validation", err: booking.ErrInvalidTimeWindow, expected: zapcore.WarnLevel},
		{name: "invariant", err: booking.ErrGrantStateInvariant, expected: zapcore.ErrorLevel},
		{name: "store failure", err: errors.New("connection reset"), expected: zapcore.ErrorLevel},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			operationLogger, logs := newObservedLogger()
			operationLogger.LogOperation(context.Background(), booking.OperationLog{Operation: "create", Status: "x", Error: testCase.err})
			entries := logs.All()
			if len(entries) != 1 {
				test.Fatalf("expected one entry, got %d", len(entries))
			}
			if entries[0].Level != testCase.expected {
				test.Fatalf("expected %s, got %s", testCase.expected, entries[0].Level)
			}
		})
	}
}

func TestLogOperationFields(test *testing.T) {
	test.Parallel()
	operationLogger, logs := newObservedLogger()
	operationLogger.LogOperation(context.Background(), booking.OperationLog{
		Operation:     "cancel",
		UserID:        "user-1",
		ReservationID: "res-1",
		GPUType:       "A100",
		Amount:        decimal.RequireFromString("54"),
		Status:        "ok",
	})
	fields := logs.All()[0].ContextMap()
	expected := map[string]string{
		"operation":      "cancel",
		"user_id":        "user-1",
		"reservation_id": "res-1",
		"gpu_type":       "A100",
		"amount":         "54.00",
		"status":         "ok",
	}
	for key, value := range expected {
		if fields[key] != value {
			test.Fatalf("field %s: expected %q, got %v", key, value, fields[key])
		}
	}
	if _, ok := fields["count"]; ok {
		test.Fatalf("zero count should be omitted")
	}
}

func TestNilLoggerDiscards(test *testing.T) {
	test.Parallel()
	NewZapOperationLogger(nil).LogOperation(context.Background(), booking.OperationLog{Operation: "expire"})
}
