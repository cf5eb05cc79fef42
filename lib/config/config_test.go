// Copyright 2026 The MoltChat Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config does not validate: %v", err)
	}
	if cfg.ChallengeTTLDuration() != 30*time.Second {
		t.Errorf("default challenge TTL = %s", cfg.ChallengeTTLDuration())
	}
	if cfg.TradeDeadlineDuration() != 5*time.Minute {
		t.Errorf("default trade deadline = %s", cfg.TradeDeadlineDuration())
	}
}

func TestLoadFileMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "moltchat.yaml")
	content := "listen: \"0.0.0.0:7000\"\nchallenge_ttl: \"45s\"\nmax_open_listings: 3\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Listen != "0.0.0.0:7000" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.ChallengeTTLDuration() != 45*time.Second {
		t.Errorf("ChallengeTTL = %s", cfg.ChallengeTTLDuration())
	}
	if cfg.MaxOpenListings != 3 {
		t.Errorf("MaxOpenListings = %d", cfg.MaxOpenListings)
	}
	// Untouched fields keep their defaults.
	if cfg.ListingTTLDuration() != 10*time.Minute {
		t.Errorf("ListingTTL = %s", cfg.ListingTTLDuration())
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen", func(c *Config) { c.Listen = "" }},
		{"empty database", func(c *Config) { c.Database = "" }},
		{"bad duration", func(c *Config) { c.ChallengeTTL = "soon" }},
		{"negative duration", func(c *Config) { c.TradeDeadline = "-5m" }},
		{"zero listing cap", func(c *Config) { c.MaxOpenListings = 0 }},
		{"zero delta", func(c *Config) { c.SettlementDelta = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted an invalid config")
			}
		})
	}
}

func TestLoadRequiresEnvVar(t *testing.T) {
	t.Setenv("MOLTCHAT_CONFIG", "")
	if _, err := Load(); err == nil {
		t.Error("Load succeeded without MOLTCHAT_CONFIG")
	}

	path := filepath.Join(t.TempDir(), "moltchat.yaml")
	if err := os.WriteFile(path, []byte("listen: \"127.0.0.1:9000\"\n"), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	t.Setenv("MOLTCHAT_CONFIG", path)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != "127.0.0.1:9000" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
}
