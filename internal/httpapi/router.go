package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/gpureserve/pkg/booking"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultRequestTimeout = 10 * time.Second

// Config carries transport settings for the router.
type Config struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
}

// NewRouter wires the reservation and credit endpoints around service.
func NewRouter(cfg Config, service *booking.Service, logger *zap.Logger) (*gin.Engine, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: service is required", booking.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	handler := &httpHandler{
		service: service,
		ledger:  service.Ledger(),
		logger:  logger,
		timeout: cfg.RequestTimeout,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins: cfg.AllowedOrigins,
			AllowMethods: []string{"GET", "POST", "OPTIONS"},
			AllowHeaders: []string{"Content-Type", "Origin", "Accept"},
			MaxAge:       12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(cfg.MetricsHandler))
	}

	api := router.Group("/api")
	api.POST("/reservations", handler.handleCreate)
	api.GET("/reservations/upcoming", handler.handleUpcoming)
	api.GET("/reservations/:id", handler.handleGet)
	api.POST("/reservations/:id/activate", handler.handleActivate)
	api.POST("/reservations/:id/complete", handler.handleComplete)
	api.POST("/reservations/:id/cancel", handler.handleCancel)
	api.POST("/reservations/:id/fail", handler.handleFail)
	api.POST("/quotes", handler.handleQuote)
	api.GET("/availability", handler.handleAvailability)
	api.GET("/users/:user_id/balance", handler.handleBalance)
	api.GET("/users/:user_id/credits", handler.handleListCredits)
	api.POST("/users/:user_id/credits", handler.handleGrant)
	api.GET("/users/:user_id/reservations", handler.handleListReservations)

	return router, nil
}

type httpHandler struct {
	service *booking.Service
	ledger  *booking.Ledger
	logger  *zap.Logger
	timeout time.Duration
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.timeout)
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	statusCode, code := mapError(err)
	if statusCode >= http.StatusInternalServerError {
		handler.logger.Error("request failed",
			zap.String("method", ctx.Request.Method),
			zap.String("path", ctx.FullPath()),
			zap.Error(err))
	}
	message := err.Error()
	if statusCode == http.StatusInternalServerError {
		message = "internal error"
	}
	ctx.JSON(statusCode, errorResponse(code, message))
}

// mapError picks the HTTP status and stable code for a domain error.
func mapError(source error) (int, string) {
	var insufficient *booking.InsufficientCreditsError
	switch {
	case errors.As(source, &insufficient), errors.Is(source, booking.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "insufficient_credits"
	case errors.Is(source, booking.ErrReservationConflict):
		return http.StatusConflict, "reservation_conflict"
	case errors.Is(source, booking.ErrInvalidTransition):
		return http.StatusBadRequest, "invalid_transition"
	case errors.Is(source, booking.ErrReservationStateChanged):
		return http.StatusConflict, "state_changed"
	case errors.Is(source, booking.ErrReservationExists):
		return http.StatusConflict, "reservation_exists"
	case errors.Is(source, booking.ErrUnknownReservation):
		return http.StatusNotFound, "unknown_reservation"
	case errors.Is(source, booking.ErrInvalidUserID):
		return http.StatusBadRequest, "invalid_user_id"
	case errors.Is(source, booking.ErrInvalidReservationID):
		return http.StatusBadRequest, "invalid_reservation_id"
	case errors.Is(source, booking.ErrInvalidGPUType):
		return http.StatusBadRequest, "invalid_gpu_type"
	case errors.Is(source, booking.ErrInvalidGPUCount):
		return http.StatusBadRequest, "invalid_gpu_count"
	case errors.Is(source, booking.ErrInvalidTimeWindow):
		return http.StatusBadRequest, "invalid_time_window"
	case errors.Is(source, booking.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(source, booking.ErrInvalidMetadataJSON):
		return http.StatusBadRequest, "invalid_metadata"
	case errors.Is(source, booking.ErrInvalidInstanceID):
		return http.StatusBadRequest, "invalid_instance_id"
	case errors.Is(source, booking.ErrInvalidTransactionType):
		return http.StatusBadRequest, "invalid_transaction_type"
	case booking.IsValidation(source):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(source, booking.ErrTransientStore), errors.Is(source, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "unavailable"
	}
	return http.StatusInternalServerError, "internal"
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
