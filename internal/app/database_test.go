package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/gpureserve/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/gpureserve/pkg/booking"
	"github.com/shopspring/decimal"
)

func TestResolveDriver(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		dsn    string
		driver string
		path   string
		fails  bool
	}{
		{dsn: "postgres://user@localhost/db", driver: driverPostgres},
		{dsn: "postgresql://user@localhost/db", driver: driverPostgres},
		{dsn: "sqlite:///var/lib/gpureserve.db", driver: driverSQLite, path: "/var/lib/gpureserve.db"},
		{dsn: "sqlite://local.db", driver: driverSQLite, path: "local.db"},
		{dsn: "sqlite:///", driver: driverSQLite, path: defaultSQLiteFile},
		{dsn: "data/gpureserve.db", driver: driverSQLite, path: "data/gpureserve.db"},
		{dsn: "mysql://localhost/db", fails: true},
	}
	for _, testCase := range testCases {
		driver, path, err := resolveDriver(testCase.dsn)
		if testCase.fails {
			if err == nil {
				test.Fatalf("%s: expected error", testCase.dsn)
			}
			continue
		}
		if err != nil {
			test.Fatalf("%s: %v", testCase.dsn, err)
		}
		if driver != testCase.driver || path != testCase.path {
			test.Fatalf("%s: expected %s %q, got %s %q", testCase.dsn, testCase.driver, testCase.path, driver, path)
		}
	}
}

func TestRunSweepExpiresAndCompletes(test *testing.T) {
	ctx := context.Background()
	cfg := Config{DatabaseURL: "sqlite://" + filepath.Join(test.TempDir(), "sweep.db")}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	if err := Migrate(ctx, cfg, nil); err != nil {
		test.Fatalf("migrate: %v", err)
	}

	gormDB, cleanup, _, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		test.Fatalf("open: %v", err)
	}
	store := gormstore.New(gormDB)
	now := time.Now().UTC().Truncate(time.Second)
	if err := store.InsertGrant(ctx, booking.CreditGrant{
		ID:              "lapsed",
		UserID:          "sweeper",
		Amount:          decimal.NewFromInt(10),
		OriginalAmount:  decimal.NewFromInt(10),
		Status:          booking.GrantStatusAvailable,
		TransactionType: booking.TransactionPurchase,
		CreatedAt:       now.Add(-48 * time.Hour),
		ExpiresAt:       now.Add(-time.Hour),
	}); err != nil {
		test.Fatalf("insert grant: %v", err)
	}
	startedAt := now.Add(-3 * time.Hour)
	if err := store.InsertReservation(ctx, booking.Reservation{
		ID:                   "ended",
		UserID:               "sweeper",
		GPUType:              "A100",
		GPUCount:             1,
		StartTime:            now.Add(-3 * time.Hour),
		EndTime:              now.Add(-time.Hour),
		Status:               booking.ReservationStatusActive,
		CreditsUsed:          decimal.NewFromInt(18),
		CreditsRefunded:      decimal.Zero,
		DiscountRate:         10,
		SpotPricePerHour:     decimal.NewFromInt(10),
		ReservedPricePerHour: decimal.NewFromInt(9),
		InstanceID:           "i-1",
		Metadata:             "{}",
		CreatedAt:            now.Add(-4 * time.Hour),
		StartedAt:            &startedAt,
	}); err != nil {
		test.Fatalf("insert reservation: %v", err)
	}
	if err := cleanup(); err != nil {
		test.Fatalf("close: %v", err)
	}

	report, err := RunSweep(ctx, cfg, nil)
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if report.ExpiredGrants != 1 || report.CompletedReservations != 1 {
		test.Fatalf("unexpected report %+v", report)
	}

	report, err = RunSweep(ctx, cfg, nil)
	if err != nil {
		test.Fatalf("second sweep: %v", err)
	}
	if report.ExpiredGrants != 0 || report.CompletedReservations != 0 {
		test.Fatalf("second sweep must be a no-op, got %+v", report)
	}
}

func TestRunStopsOnCancel(test *testing.T) {
	cfg := Config{
		DatabaseURL: "sqlite://" + filepath.Join(test.TempDir(), "serve.db"),
		ListenAddr:  "127.0.0.1:0",
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg, nil) }()
	time.Sleep(500 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			test.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		test.Fatalf("run did not stop after cancel")
	}
}
