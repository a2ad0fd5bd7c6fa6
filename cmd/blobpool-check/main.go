// Copyright 2026 The Blobpool Authors
// SPDX-License-Identifier: Apache-2.0

// Blobpool-check audits a pool's name database against its backend
// storage. It reports mapped hashes with no stored blob, stored size
// records for hashes nothing maps to, and stale backup queue entries.
// It never modifies anything; exit status 1 means problems were found.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/blobpool/blobpool/lib/backend"
	"github.com/blobpool/blobpool/lib/config"
	"github.com/blobpool/blobpool/lib/namedb"
	"github.com/blobpool/blobpool/lib/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	var verifySizes bool
	var showVersion bool

	flags := pflag.NewFlagSet("blobpool-check", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to config file (defaults to $BLOBPOOL_CONFIG)")
	flags.BoolVar(&verifySizes, "verify-sizes", false, "compare each recorded size with the stored blob's actual size")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}

	if showVersion {
		fmt.Printf("blobpool-check %s\n", version.Info())
		return 0
	}

	if configPath == "" {
		configPath = os.Getenv("BLOBPOOL_CONFIG")
	}
	if configPath == "" {
		fmt.Fprintln(os.Stderr, "error: --config or BLOBPOOL_CONFIG is required")
		return 2
	}

	problems, err := check(context.Background(), configPath, verifySizes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	if problems > 0 {
		fmt.Printf("%d problem(s) found\n", problems)
		return 1
	}
	fmt.Println("no problems found")
	return 0
}

func check(ctx context.Context, configPath string, verifySizes bool) (int, error) {
	settings, err := config.Load(configPath)
	if err != nil {
		return 0, err
	}
	cfg := settings.Snapshot()

	db, err := namedb.Open(cfg.DB)
	if err != nil {
		return 0, fmt.Errorf("opening name database: %w", err)
	}
	defer db.Close()

	primary, err := backend.OpenFS(cfg.Backend.Dir)
	if err != nil {
		return 0, fmt.Errorf("opening backend: %w", err)
	}
	var backup backend.Store
	if cfg.BackupBackend != nil {
		b, err := backend.OpenFS(cfg.BackupBackend.Dir)
		if err != nil {
			return 0, fmt.Errorf("opening backup backend: %w", err)
		}
		backup = b
	}

	problems := 0
	report := func(format string, args ...any) {
		problems++
		fmt.Printf(format+"\n", args...)
	}

	mapped, err := db.DistinctHashes(ctx)
	if err != nil {
		return 0, err
	}
	mappedSet := make(map[string]bool, len(mapped))
	for _, hash := range mapped {
		mappedSet[hash.String()] = true

		info, err := primary.Stat(ctx, hash.Path())
		if errors.Is(err, backend.ErrNotExist) {
			report("missing blob: %s is mapped but not stored", hash)
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("stat %s: %w", hash, err)
		}

		size, err := db.GetFileSize(ctx, hash)
		if errors.Is(err, namedb.ErrNotFound) {
			report("missing size record for %s", hash)
			continue
		}
		if err != nil {
			return 0, err
		}
		if verifySizes && size != info.Size {
			report("size mismatch for %s: recorded %d, stored %d", hash, size, info.Size)
		}
	}
	fmt.Printf("checked %d mapped hash(es)\n", len(mapped))

	sized, err := db.FileSizeHashes(ctx)
	if err != nil {
		return 0, err
	}
	for _, hash := range sized {
		if !mappedSet[hash.String()] {
			report("orphaned size record: nothing maps to %s", hash)
		}
	}

	pending, err := db.ListPendingBackups(ctx)
	if err != nil {
		return 0, err
	}
	for _, hash := range pending {
		if !mappedSet[hash.String()] {
			report("stale backup queue entry: nothing maps to %s", hash)
			continue
		}
		if backup == nil {
			continue
		}
		inPrimary, err := primary.Exists(ctx, hash.Path())
		if err != nil {
			return 0, err
		}
		inBackup, err := backup.Exists(ctx, hash.Path())
		if err != nil {
			return 0, err
		}
		if !inPrimary && !inBackup {
			report("pending backup %s exists in neither store", hash)
		}
	}
	fmt.Printf("checked %d pending backup(s)\n", len(pending))

	return problems, nil
}
