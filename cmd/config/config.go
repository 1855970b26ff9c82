package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything that varies by plan or deployment: feature
// pricing, the entitlement window, the reference timezone used to normalize
// expiry dates, and the public webhook base URL.
type Config struct {
	Server struct {
		Port    string `yaml:"port"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"server"`

	Pricing struct {
		TradingView           int64 `yaml:"tradingview"`
		Scalping              int64 `yaml:"scalping"`
		CopyTradingPerAccount int64 `yaml:"copytrading_per_account"`
	} `yaml:"pricing"`

	Entitlement struct {
		WindowDays int    `yaml:"window_days"`
		Timezone   string `yaml:"timezone"`
	} `yaml:"entitlement"`

	Wallet struct {
		SignupBonus int64 `yaml:"signup_bonus"`
	} `yaml:"wallet"`

	location *time.Location
}

// Default returns the configuration used when no config file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Port = "8080"
	cfg.Server.BaseURL = "https://algoz.com"
	cfg.Pricing.TradingView = 1200
	cfg.Pricing.Scalping = 2500
	cfg.Pricing.CopyTradingPerAccount = 1000
	cfg.Entitlement.WindowDays = 29
	cfg.Entitlement.Timezone = "Asia/Kolkata"
	cfg.Wallet.SignupBonus = 100000
	cfg.location = time.Local
	return cfg
}

// Load reads the YAML config at path, applies environment overrides and
// resolves the reference timezone. A missing file falls back to Default.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	overrideWithEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	loc, err := time.LoadLocation(cfg.Entitlement.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", cfg.Entitlement.Timezone, err)
	}
	cfg.location = loc

	return cfg, nil
}

func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("WEBHOOK_BASE_URL"); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := os.Getenv("REFERENCE_TIMEZONE"); v != "" {
		cfg.Entitlement.Timezone = v
	}
	if v := os.Getenv("SIGNUP_BONUS"); v != "" {
		if bonus, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Wallet.SignupBonus = bonus
		}
	}
}

// Validate checks that pricing and window values are usable.
func (c *Config) Validate() error {
	if c.Pricing.TradingView <= 0 || c.Pricing.Scalping <= 0 || c.Pricing.CopyTradingPerAccount <= 0 {
		return fmt.Errorf("feature costs must be positive")
	}
	if c.Entitlement.WindowDays <= 0 {
		return fmt.Errorf("entitlement window_days must be positive")
	}
	if c.Wallet.SignupBonus < 0 {
		return fmt.Errorf("signup_bonus must not be negative")
	}
	return nil
}

// Location returns the resolved reference timezone.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.Local
	}
	return c.location
}

// FeatureCost returns the monthly cost for a feature, or 0 for an unknown
// feature name.
func (c *Config) FeatureCost(feature string) int64 {
	switch feature {
	case "tradingview":
		return c.Pricing.TradingView
	case "scalping":
		return c.Pricing.Scalping
	case "copytrading":
		return c.Pricing.CopyTradingPerAccount
	}
	return 0
}
