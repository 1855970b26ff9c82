package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Pricing.TradingView != 1200 || cfg.Pricing.Scalping != 2500 || cfg.Pricing.CopyTradingPerAccount != 1000 {
		t.Errorf("unexpected default pricing: %+v", cfg.Pricing)
	}
	if cfg.Entitlement.WindowDays != 29 {
		t.Errorf("expected 29 day window, got %d", cfg.Entitlement.WindowDays)
	}
	if cfg.Location().String() != "Asia/Kolkata" {
		t.Errorf("expected Asia/Kolkata, got %s", cfg.Location())
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  port: "9090"
  base_url: https://example.com
pricing:
  tradingview: 500
  scalping: 2500
  copytrading_per_account: 1000
entitlement:
  window_days: 30
  timezone: UTC
wallet:
  signup_bonus: 0
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WEBHOOK_BASE_URL", "https://override.example.com")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Server.BaseURL != "https://override.example.com" {
		t.Errorf("env override not applied: %s", cfg.Server.BaseURL)
	}
	if cfg.Pricing.TradingView != 500 || cfg.Entitlement.WindowDays != 30 {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Wallet.SignupBonus != 0 {
		t.Errorf("expected zero signup bonus, got %d", cfg.Wallet.SignupBonus)
	}
	if cfg.Location().String() != "UTC" {
		t.Errorf("expected UTC, got %s", cfg.Location())
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
pricing:
  tradingview: -5
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for negative feature cost")
	}
}

func TestFeatureCost(t *testing.T) {
	cfg := Default()
	if cfg.FeatureCost("scalping") != 2500 {
		t.Errorf("unexpected scalping cost")
	}
	if cfg.FeatureCost("unknown") != 0 {
		t.Errorf("unknown feature must cost 0")
	}
}
