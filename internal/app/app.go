package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/gpureserve/internal/httpapi"
	"github.com/MarkoPoloResearchLab/gpureserve/internal/jobs"
	"github.com/MarkoPoloResearchLab/gpureserve/internal/lock"
	"github.com/MarkoPoloResearchLab/gpureserve/internal/logging"
	"github.com/MarkoPoloResearchLab/gpureserve/internal/metrics"
	"github.com/MarkoPoloResearchLab/gpureserve/pkg/booking"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	shutdownTimeout   = 5 * time.Second
	redisPingTimeout  = 3 * time.Second
	expirationLockKey = "gpureserve:sweep:expiration"
	completionLockKey = "gpureserve:sweep:completion"
)

// SweepReport summarizes a one-shot maintenance run.
type SweepReport struct {
	ExpiredGrants         int64
	CompletedReservations int
}

type components struct {
	service  *booking.Service
	ledger   *booking.Ledger
	recorder *metrics.Recorder
	cleanup  func()
}

func systemClock() int64 {
	return time.Now().UTC().Unix()
}

// build validates cfg in place and wires the store, ledger and service.
func build(ctx context.Context, cfg *Config, logger *zap.Logger) (*components, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	store, cleanup, err := openStore(ctx, *cfg, logger)
	if err != nil {
		return nil, err
	}
	spotPrices, err := cfg.SpotPriceTable()
	if err != nil {
		cleanup()
		return nil, err
	}
	fallbackRate, err := cfg.fallbackRate()
	if err != nil {
		cleanup()
		return nil, err
	}
	recorder := metrics.NewRecorder()
	operationLogger := booking.MultiLogger{logging.NewZapOperationLogger(logger), recorder}
	ledger, err := booking.NewLedger(store, systemClock,
		booking.WithLedgerLogger(operationLogger),
		booking.WithPurchaseTTL(cfg.PurchaseTTL),
		booking.WithRefundTTL(cfg.RefundTTL))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("ledger init: %w", err)
	}
	service, err := booking.NewService(store, ledger, systemClock,
		booking.WithOperationLogger(operationLogger),
		booking.WithSpotPrices(spotPrices),
		booking.WithPricingCalculator(booking.NewPricingCalculator(fallbackRate)),
		booking.WithTransactionRetry(cfg.TxRetries, cfg.TxBackoff))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("service init: %w", err)
	}
	return &components{service: service, ledger: ledger, recorder: recorder, cleanup: cleanup}, nil
}

// Run serves the HTTP API and background sweeps until ctx is cancelled.
func Run(ctx context.Context, cfg Config, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	deps, err := build(ctx, &cfg, logger)
	if err != nil {
		return err
	}
	defer deps.cleanup()

	router, err := httpapi.NewRouter(httpapi.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		RequestTimeout: cfg.RequestTimeout,
		MetricsHandler: deps.recorder.Handler(),
	}, deps.service, logger)
	if err != nil {
		return err
	}

	redisClient := connectRedis(ctx, cfg.RedisAddr, logger)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}
	manager := jobs.NewManager(ctx, logger)
	manager.Register(jobs.NewExpirationJob(cfg.ExpirationInterval, deps.ledger,
		lock.NewRedisLock(redisClient, expirationLockKey, lock.WithLogger(logger)), deps.recorder, logger))
	manager.Register(jobs.NewCompletionJob(cfg.CompletionInterval, deps.service,
		lock.NewRedisLock(redisClient, completionLockKey, lock.WithLogger(logger)), deps.recorder, logger))
	manager.Start()
	defer manager.Stop()

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gpureserve listening", zap.String("addr", cfg.ListenAddr), zap.String("store", cfg.StoreBackend))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// RunSweep expires lapsed grants and completes ended reservations once.
func RunSweep(ctx context.Context, cfg Config, logger *zap.Logger) (SweepReport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	deps, err := build(ctx, &cfg, logger)
	if err != nil {
		return SweepReport{}, err
	}
	defer deps.cleanup()

	var report SweepReport
	expired, expireErr := deps.ledger.Expire(ctx)
	report.ExpiredGrants = expired
	completed, completeErr := deps.service.CompleteDue(ctx)
	report.CompletedReservations = completed
	logger.Info("sweep finished",
		zap.Int64("expired_grants", report.ExpiredGrants),
		zap.Int("completed_reservations", report.CompletedReservations))
	return report, errors.Join(expireErr, completeErr)
}

// connectRedis returns nil when no address is configured or the server is unreachable.
func connectRedis(ctx context.Context, addr string, logger *zap.Logger) *redis.Client {
	if addr == "" {
		logger.Info("redis not configured, sweeps run in single-instance mode")
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable, sweeps run in single-instance mode", zap.String("addr", addr), zap.Error(err))
		_ = client.Close()
		return nil
	}
	return client
}
