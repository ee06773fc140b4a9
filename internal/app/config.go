package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/gpureserve/internal/jobs"
	"github.com/MarkoPoloResearchLab/gpureserve/pkg/booking"
	"github.com/shopspring/decimal"
)

const (
	StoreBackendGorm = "gorm"
	StoreBackendPgx  = "pgx"

	defaultDatabaseURL    = "sqlite:///tmp/gpureserve.db"
	defaultListenAddr     = ":8080"
	defaultRequestTimeout = 10 * time.Second
	defaultTxRetries      = 3
	defaultTxBackoff      = 50 * time.Millisecond
)

// Config aggregates runtime settings for the reservation daemon.
type Config struct {
	DatabaseURL        string
	StoreBackend       string
	ListenAddr         string
	RedisAddr          string
	AllowedOrigins     []string
	RequestTimeout     time.Duration
	ExpirationInterval time.Duration
	CompletionInterval time.Duration
	PurchaseTTL        time.Duration
	RefundTTL          time.Duration
	FallbackSpotRate   string
	// SpotPrices maps GPU type to the on-demand price per GPU hour.
	SpotPrices map[string]string
	TxRetries  int
	TxBackoff  time.Duration
}

// Validate fills defaults and rejects unusable values.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.StoreBackend = strings.ToLower(defaultIfEmpty(cfg.StoreBackend, StoreBackendGorm))
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.FallbackSpotRate = defaultIfEmpty(cfg.FallbackSpotRate, booking.DefaultFallbackSpotRate)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ExpirationInterval <= 0 {
		cfg.ExpirationInterval = jobs.DefaultExpirationInterval
	}
	if cfg.CompletionInterval <= 0 {
		cfg.CompletionInterval = jobs.DefaultCompletionInterval
	}
	if cfg.PurchaseTTL <= 0 {
		cfg.PurchaseTTL = booking.DefaultPurchaseTTL
	}
	if cfg.RefundTTL <= 0 {
		cfg.RefundTTL = booking.DefaultRefundTTL
	}
	if cfg.TxRetries <= 0 {
		cfg.TxRetries = defaultTxRetries
	}
	if cfg.TxBackoff <= 0 {
		cfg.TxBackoff = defaultTxBackoff
	}
	switch cfg.StoreBackend {
	case StoreBackendGorm:
	case StoreBackendPgx:
		if driver, _, err := resolveDriver(cfg.DatabaseURL); err != nil || driver != driverPostgres {
			return fmt.Errorf("store backend %q requires a postgres database url", StoreBackendPgx)
		}
	default:
		return fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
	if _, err := cfg.fallbackRate(); err != nil {
		return err
	}
	if _, err := cfg.SpotPriceTable(); err != nil {
		return err
	}
	return nil
}

// SpotPriceTable parses the configured spot prices.
func (cfg Config) SpotPriceTable() (booking.StaticSpotPrices, error) {
	prices := make(map[string]decimal.Decimal, len(cfg.SpotPrices))
	for gpuType, raw := range cfg.SpotPrices {
		price, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("spot price for %s: %w", gpuType, err)
		}
		if price.IsNegative() {
			return nil, fmt.Errorf("spot price for %s must not be negative", gpuType)
		}
		prices[gpuType] = price
	}
	return booking.NewStaticSpotPrices(prices), nil
}

func (cfg Config) fallbackRate() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(cfg.FallbackSpotRate))
	if err != nil {
		return decimal.Zero, fmt.Errorf("fallback spot rate: %w", err)
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("fallback spot rate must be positive")
	}
	return rate, nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
