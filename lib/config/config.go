// Copyright 2026 The MoltChat Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the MoltChat
// daemon.
//
// Configuration is loaded from a single file specified by:
//   - MOLTCHAT_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. Environment variables
// do not override config values; the file is the single source of
// truth, giving deterministic, auditable configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration. Duration fields hold Go
// duration strings ("30s", "5m") and are parsed by Validate.
type Config struct {
	// Listen is the TCP address the line transport binds
	// (host:port).
	Listen string `yaml:"listen"`

	// Database is the SQLite file holding the identity registry, the
	// reputation event log, and the marketplace history.
	Database string `yaml:"database"`

	// Keystore is the directory of locally hosted soul signing keys,
	// laid out as <keystore>/<soul_id>/soul-signing-key.
	Keystore string `yaml:"keystore"`

	// ChallengeTTL is how long an issued auth challenge stays valid.
	// Default: 30s.
	ChallengeTTL string `yaml:"challenge_ttl"`

	// TradeDeadline is how long a proposed trade waits for both
	// acceptances before aborting. Default: 5m.
	TradeDeadline string `yaml:"trade_deadline"`

	// ListingTTL is how long an unmatched listing stays open.
	// Default: 10m.
	ListingTTL string `yaml:"listing_ttl"`

	// SweepInterval is how often the expiry sweeps run. Default: 10s.
	SweepInterval string `yaml:"sweep_interval"`

	// MaxOpenListings caps open listings per soul. Default: 8.
	MaxOpenListings int `yaml:"max_open_listings"`

	// SettlementDelta is the reputation credit each party earns when
	// a trade settles. Default: 1.
	SettlementDelta int64 `yaml:"settlement_delta"`

	// parsed durations, filled by Validate.
	challengeTTL  time.Duration
	tradeDeadline time.Duration
	listingTTL    time.Duration
	sweepInterval time.Duration
}

// Default returns the default configuration. The defaults ensure every
// field has a sensible value before the config file merges over them.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	root := filepath.Join(homeDir, ".local", "share", "moltchat")

	return &Config{
		Listen:          "127.0.0.1:6697",
		Database:        filepath.Join(root, "moltchat.db"),
		Keystore:        filepath.Join(root, "keys"),
		ChallengeTTL:    "30s",
		TradeDeadline:   "5m",
		ListingTTL:      "10m",
		SweepInterval:   "10s",
		MaxOpenListings: 8,
		SettlementDelta: 1,
	}
}

// Load loads configuration from the MOLTCHAT_CONFIG environment
// variable. Fails if the variable is not set.
func Load() (*Config, error) {
	path := os.Getenv("MOLTCHAT_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("config: MOLTCHAT_CONFIG environment variable not set; " +
			"set it to the path of your moltchat.yaml config file, or use --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file, merged over the
// defaults and validated.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration and parses the duration fields.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is empty")
	}
	if c.Database == "" {
		return fmt.Errorf("database path is empty")
	}
	if c.Keystore == "" {
		return fmt.Errorf("keystore path is empty")
	}
	if c.MaxOpenListings <= 0 {
		return fmt.Errorf("max_open_listings must be positive, got %d", c.MaxOpenListings)
	}
	if c.SettlementDelta <= 0 {
		return fmt.Errorf("settlement_delta must be positive, got %d", c.SettlementDelta)
	}

	for _, field := range []struct {
		name  string
		raw   string
		value *time.Duration
	}{
		{"challenge_ttl", c.ChallengeTTL, &c.challengeTTL},
		{"trade_deadline", c.TradeDeadline, &c.tradeDeadline},
		{"listing_ttl", c.ListingTTL, &c.listingTTL},
		{"sweep_interval", c.SweepInterval, &c.sweepInterval},
	} {
		parsed, err := time.ParseDuration(field.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
		if parsed <= 0 {
			return fmt.Errorf("%s must be positive, got %s", field.name, parsed)
		}
		*field.value = parsed
	}
	return nil
}

// ChallengeTTLDuration returns the parsed challenge TTL. Valid only
// after Validate.
func (c *Config) ChallengeTTLDuration() time.Duration { return c.challengeTTL }

// TradeDeadlineDuration returns the parsed trade deadline. Valid only
// after Validate.
func (c *Config) TradeDeadlineDuration() time.Duration { return c.tradeDeadline }

// ListingTTLDuration returns the parsed listing TTL. Valid only after
// Validate.
func (c *Config) ListingTTLDuration() time.Duration { return c.listingTTL }

// SweepIntervalDuration returns the parsed sweep interval. Valid only
// after Validate.
func (c *Config) SweepIntervalDuration() time.Duration { return c.sweepInterval }
