package logging

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/gpureserve/pkg/booking"
	"go.uber.org/zap"
)

const operationMessage = "booking operation"

// ZapOperationLogger writes booking operation events to a zap logger.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wraps logger; a nil logger discards events.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

// LogOperation implements booking.OperationLogger.
func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry booking.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.UserID != "" {
		fields = append(fields, zap.String("user_id", entry.UserID))
	}
	if entry.ReservationID != "" {
		fields = append(fields, zap.String("reservation_id", entry.ReservationID))
	}
	if entry.GPUType != "" {
		fields = append(fields, zap.String("gpu_type", entry.GPUType))
	}
	if !entry.Amount.IsZero() {
		fields = append(fields, zap.String("amount", entry.Amount.StringFixed(2)))
	}
	if entry.Count != 0 {
		fields = append(fields, zap.Int64("count", entry.Count))
	}
	if entry.Error == nil {
		operationLogger.logger.Info(operationMessage, fields...)
		return
	}
	fields = append(fields, zap.Error(entry.Error))
	switch {
	case errors.Is(entry.Error, booking.ErrGrantStateInvariant):
		operationLogger.logger.Error(operationMessage, fields...)
	case isExpected(entry.Error):
		operationLogger.logger.Warn(operationMessage, fields...)
	default:
		operationLogger.logger.Error(operationMessage, fields...)
	}
}

// isExpected reports failures caused by the caller or by contention, not by the system.
func isExpected(err error) bool {
	return booking.IsValidation(err) ||
		errors.Is(err, booking.ErrReservationConflict) ||
		errors.Is(err, booking.ErrInsufficientCredits) ||
		errors.Is(err, booking.ErrUnknownReservation)
}
