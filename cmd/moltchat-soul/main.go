// Copyright 2026 The MoltChat Authors
// SPDX-License-Identifier: Apache-2.0

// moltchat-soul manages soul identities for a MoltChat deployment.
// With no action flags it creates a new soul: generates an Ed25519
// keypair, stores it in the daemon's keystore, registers the identity
// in the soul registry, and prints the derived soul ID. With --list it
// prints the registered souls instead.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/moltchat-foundation/moltchat/lib/clock"
	"github.com/moltchat-foundation/moltchat/lib/config"
	"github.com/moltchat-foundation/moltchat/lib/identity"
	"github.com/moltchat-foundation/moltchat/lib/process"
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
		name        string
		paradigm    string
		mode        string
		list        bool
		showVersion bool
	)

	flags := pflag.NewFlagSet("moltchat-soul", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to moltchat.yaml (default: $MOLTCHAT_CONFIG)")
	flags.StringVar(&name, "name", "", "display name for the new soul")
	flags.StringVar(&paradigm, "paradigm", "", "paradigm annotation for the new soul")
	flags.StringVar(&mode, "mode", "", "mode annotation for the new soul")
	flags.BoolVar(&list, "list", false, "list registered souls instead of creating one")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	if showVersion {
		fmt.Printf("moltchat-soul %s\n", version.Info())
		return nil
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

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

	registry, err := identity.OpenRegistry(ctx, identity.RegistryConfig{
		Pool:   pool,
		Clock:  clock.Real(),
		Logger: logger,
	})
	if err != nil {
		return err
	}

	if list {
		return listSouls(registry)
	}
	return createSoul(ctx, cfg, registry, name, paradigm, mode)
}

// createSoul generates a keypair, hosts it in the keystore, registers
// the identity, and prints the soul ID on stdout.
func createSoul(ctx context.Context, cfg *config.Config, registry *identity.Registry, name, paradigm, mode string) error {
	keystore, err := identity.OpenKeystore(cfg.Keystore)
	if err != nil {
		return err
	}

	public, private, err := identity.GenerateKeypair()
	if err != nil {
		return err
	}
	soul, err := keystore.Put(public, private)
	if err != nil {
		return err
	}
	if _, err := registry.Register(ctx, public, name, paradigm, mode); err != nil {
		return err
	}

	fmt.Println(soul)
	return nil
}

// listSouls prints one line per registered soul: the full ID followed
// by any metadata.
func listSouls(registry *identity.Registry) error {
	for _, id := range registry.List() {
		line := id.SoulID.String()
		if id.Name != "" {
			line += "\t" + id.Name
		}
		if id.Paradigm != "" {
			line += "\t[Paradigm:" + id.Paradigm + "]"
		}
		if id.Mode != "" {
			line += "\t[Mode:" + id.Mode + "]"
		}
		fmt.Println(line)
	}
	return nil
}
