package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/gpureserve/internal/app"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	flagConfig             = "config"
	flagDatabaseURL        = "database-url"
	flagStoreBackend       = "store-backend"
	flagListenAddr         = "listen-addr"
	flagRedisAddr          = "redis-addr"
	flagAllowedOrigins     = "allowed-origins"
	flagRequestTimeout     = "request-timeout"
	flagExpirationInterval = "expiration-interval"
	flagCompletionInterval = "completion-interval"
	flagPurchaseTTL        = "purchase-ttl"
	flagRefundTTL          = "refund-ttl"
	flagFallbackSpotRate   = "fallback-spot-rate"
	flagTxRetries          = "tx-retries"
	flagTxBackoff          = "tx-backoff"
	configKeySpotPrices    = "spot_prices"
	envPrefix              = "GPURESERVE"
)

var boundFlags = []string{
	flagDatabaseURL,
	flagStoreBackend,
	flagListenAddr,
	flagRedisAddr,
	flagAllowedOrigins,
	flagRequestTimeout,
	flagExpirationInterval,
	flagCompletionInterval,
	flagPurchaseTTL,
	flagRefundTTL,
	flagFallbackSpotRate,
	flagTxRetries,
	flagTxBackoff,
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gpureserved: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &app.Config{}
	cmd := &cobra.Command{
		Use:           "gpureserved",
		Short:         "GPU reservation and credit ledger service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return withLogger(func(logger *zap.Logger) error {
				return app.Run(ctx, *cfg, logger)
			})
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagConfig, "", "optional YAML config file (spot_prices and any flag)")
	flags.String(flagDatabaseURL, "", "postgres:// or sqlite:// database url")
	flags.String(flagStoreBackend, app.StoreBackendGorm, "store implementation: gorm or pgx")
	flags.String(flagListenAddr, "", "HTTP listen address")
	flags.String(flagRedisAddr, "", "redis address for sweep locks; empty runs single-instance")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.Duration(flagRequestTimeout, 0, "per-request store timeout")
	flags.Duration(flagExpirationInterval, 0, "credit expiration sweep interval")
	flags.Duration(flagCompletionInterval, 0, "reservation completion sweep interval")
	flags.Duration(flagPurchaseTTL, 0, "default lifetime of purchased credits")
	flags.Duration(flagRefundTTL, 0, "lifetime of refund credits")
	flags.String(flagFallbackSpotRate, "", "price per GPU hour when no spot price is configured")
	flags.Int(flagTxRetries, 0, "attempts for transactions failing on contention")
	flags.Duration(flagTxBackoff, 0, "base backoff between transaction attempts")

	cmd.AddCommand(newSweepCommand(cfg), newMigrateCommand(cfg))
	return cmd
}

func newSweepCommand(cfg *app.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire lapsed credits and complete ended reservations once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLogger(func(logger *zap.Logger) error {
				report, err := app.RunSweep(cmd.Context(), *cfg, logger)
				fmt.Fprintf(cmd.OutOrStdout(), "expired_grants=%d completed_reservations=%d\n", report.ExpiredGrants, report.CompletedReservations)
				return err
			})
		},
	}
}

func newMigrateCommand(cfg *app.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLogger(func(logger *zap.Logger) error {
				if err := cfg.Validate(); err != nil {
					return err
				}
				return app.Migrate(cmd.Context(), *cfg, logger)
			})
		},
	}
}

func withLogger(run func(logger *zap.Logger) error) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	return run(logger)
}

func loadConfig(cmd *cobra.Command, cfg *app.Config) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	flags := cmd.Flags()
	for _, flagName := range boundFlags {
		if err := v.BindPFlag(flagName, flags.Lookup(flagName)); err != nil {
			return err
		}
	}

	configPath, err := flags.GetString(flagConfig)
	if err != nil {
		return err
	}
	if configPath == "" {
		configPath = os.Getenv(envPrefix + "_CONFIG")
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	cfg.DatabaseURL = v.GetString(flagDatabaseURL)
	cfg.StoreBackend = v.GetString(flagStoreBackend)
	cfg.ListenAddr = v.GetString(flagListenAddr)
	cfg.RedisAddr = v.GetString(flagRedisAddr)
	cfg.AllowedOrigins = app.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.RequestTimeout = v.GetDuration(flagRequestTimeout)
	cfg.ExpirationInterval = v.GetDuration(flagExpirationInterval)
	cfg.CompletionInterval = v.GetDuration(flagCompletionInterval)
	cfg.PurchaseTTL = v.GetDuration(flagPurchaseTTL)
	cfg.RefundTTL = v.GetDuration(flagRefundTTL)
	cfg.FallbackSpotRate = v.GetString(flagFallbackSpotRate)
	cfg.TxRetries = v.GetInt(flagTxRetries)
	cfg.TxBackoff = v.GetDuration(flagTxBackoff)
	cfg.SpotPrices = v.GetStringMapString(configKeySpotPrices)
	return cfg.Validate()
}
