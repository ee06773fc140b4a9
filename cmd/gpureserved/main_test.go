package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/gpureserve/internal/app"
)

func TestLoadConfigReadsFlagsAndFile(test *testing.T) {
	configPath := filepath.Join(test.TempDir(), "gpureserve.yaml")
	contents := "listen-addr: \":9999\"\ncompletion-interval: 30s\nspot_prices:\n  a100: \"2.5\"\n  h100: \"4\"\n"
	if err := os.WriteFile(configPath, []byte(contents), 0o600); err != nil {
		test.Fatalf("write config: %v", err)
	}
	cmd := newRootCommand()
	if err := cmd.ParseFlags([]string{"--config", configPath, "--allowed-origins", "http://a.test,http://b.test", "--tx-retries", "5"}); err != nil {
		test.Fatalf("parse flags: %v", err)
	}
	cfg := &app.Config{}
	if err := loadConfig(cmd, cfg); err != nil {
		test.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddr != ":9999" || cfg.CompletionInterval != 30*time.Second {
		test.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.TxRetries != 5 || len(cfg.AllowedOrigins) != 2 {
		test.Fatalf("flag values not applied: %+v", cfg)
	}
	if cfg.SpotPrices["a100"] != "2.5" || cfg.SpotPrices["h100"] != "4" {
		test.Fatalf("spot prices not loaded: %v", cfg.SpotPrices)
	}
	if cfg.StoreBackend != app.StoreBackendGorm {
		test.Fatalf("expected default gorm backend, got %q", cfg.StoreBackend)
	}
}

func TestLoadConfigReadsEnvironment(test *testing.T) {
	test.Setenv("GPURESERVE_LISTEN_ADDR", ":7070")
	test.Setenv("GPURESERVE_FALLBACK_SPOT_RATE", "3")
	cmd := newRootCommand()
	if err := cmd.ParseFlags(nil); err != nil {
		test.Fatalf("parse flags: %v", err)
	}
	cfg := &app.Config{}
	if err := loadConfig(cmd, cfg); err != nil {
		test.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddr != ":7070" || cfg.FallbackSpotRate != "3" {
		test.Fatalf("environment not applied: %+v", cfg)
	}
}

func TestLoadConfigRejectsMissingFile(test *testing.T) {
	cmd := newRootCommand()
	if err := cmd.ParseFlags([]string{"--config", filepath.Join(test.TempDir(), "missing.yaml")}); err != nil {
		test.Fatalf("parse flags: %v", err)
	}
	if err := loadConfig(cmd, &app.Config{}); err == nil {
		test.Fatalf("expected error for missing config file")
	}
}
