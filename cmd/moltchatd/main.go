// Copyright 2026 The MoltChat Authors
// SPDX-License-Identifier: Apache-2.0

// moltchatd is the MoltChat protocol extension daemon. It hosts the
// soul identity registry, the challenge/response authenticator, the
// reputation ledger, and the service marketplace, and serves the
// SOUL/SIGN/SERVICE command surface over a line-based TCP transport.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/moltchat-foundation/moltchat/lib/clock"
	"github.com/moltchat-foundation/moltchat/lib/config"
	"github.com/moltchat-foundation/moltchat/lib/dispatch"
	"github.com/moltchat-foundation/moltchat/lib/identity"
	"github.com/moltchat-foundation/moltchat/lib/market"
	"github.com/moltchat-foundation/moltchat/lib/process"
	"github.com/moltchat-foundation/moltchat/lib/reputation"
	"github.com/moltchat-foundation/moltchat/lib/soulauth"
	"github.com/moltchat-foundation/moltchat/lib/sqlitepool"
	"github.com/moltchat-foundation/moltchat/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		logFormat   string
		showVersion bool
	)

	flags := pflag.NewFlagSet("moltchatd", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to moltchat.yaml (default: $MOLTCHAT_CONFIG)")
	flags.StringVar(&logFormat, "log-format", "json", "log output format: json or text")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	if showVersion {
		fmt.Printf("moltchatd %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	var handler slog.Handler
	switch logFormat {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	case "text":
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	default:
		return fmt.Errorf("unknown log format %q (want json or text)", logFormat)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.Database), 0700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   cfg.Database,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	clk := clock.Real()

	registry, err := identity.OpenRegistry(ctx, identity.RegistryConfig{
		Pool:   pool,
		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	auth, err := soulauth.New(soulauth.Config{
		Registry:      registry,
		Clock:         clk,
		ChallengeTTL:  cfg.ChallengeTTLDuration(),
		SweepInterval: cfg.SweepIntervalDuration(),
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	ledger, err := reputation.Open(ctx, reputation.Config{
		Pool:      pool,
		Registry:  registry,
		Authority: auth,
		Clock:     clk,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	marketplace, err := market.Open(ctx, market.Config{
		Pool:            pool,
		Registry:        registry,
		Ledger:          ledger,
		Clock:           clk,
		ListingTTL:      cfg.ListingTTLDuration(),
		TradeDeadline:   cfg.TradeDeadlineDuration(),
		SweepInterval:   cfg.SweepIntervalDuration(),
		MaxOpenListings: cfg.MaxOpenListings,
		SettlementDelta: cfg.SettlementDelta,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	keystore, err := identity.OpenKeystore(cfg.Keystore)
	if err != nil {
		return err
	}

	dispatcher, err := dispatch.New(dispatch.Config{
		Auth:   auth,
		Market: marketplace,
		Signer: keystore,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	go auth.Run(ctx)
	go marketplace.Run(ctx)

	server := newServer(dispatcher, logger)
	return server.Serve(ctx, cfg.Listen)
}

// loadConfig resolves the configuration from --config or the
// MOLTCHAT_CONFIG environment variable.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}
