// Copyright 2026 The Blobpool Authors
// SPDX-License-Identifier: Apache-2.0

// Blobpool is a deduplicating pool manager for object storage. It
// hashes every stored object, keeps exactly one backend copy per
// distinct content, and maintains the name-to-hash mapping in SQLite.
// It serves the public redirect endpoint and, when enabled, the Rivet
// retrieval protocol.
//
// Signals: SIGHUP reloads the configuration file, SIGALRM triggers a
// backup sweep, SIGINT/SIGTERM shut down gracefully.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/blobpool/blobpool/lib/backend"
	"github.com/blobpool/blobpool/lib/config"
	"github.com/blobpool/blobpool/lib/namedb"
	"github.com/blobpool/blobpool/lib/version"
	"github.com/blobpool/blobpool/pool"
	"github.com/blobpool/blobpool/redir"
	"github.com/blobpool/blobpool/rivet"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var showVersion bool
	flag.StringVar(&configPath, "config", "", "path to config file (defaults to $BLOBPOOL_CONFIG)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("blobpool %s\n", version.Info())
		return nil
	}

	if configPath == "" {
		configPath = os.Getenv("BLOBPOOL_CONFIG")
	}
	if configPath == "" {
		return fmt.Errorf("-config or BLOBPOOL_CONFIG is required")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	settings, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg := settings.Snapshot()

	db, err := namedb.Open(cfg.DB)
	if err != nil {
		return fmt.Errorf("opening name database: %w", err)
	}
	defer db.Close()

	primary, err := backend.OpenFS(cfg.Backend.Dir)
	if err != nil {
		return fmt.Errorf("opening backend: %w", err)
	}
	var backup backend.Store
	if cfg.BackupBackend != nil {
		b, err := backend.OpenFS(cfg.BackupBackend.Dir)
		if err != nil {
			return fmt.Errorf("opening backup backend: %w", err)
		}
		backup = b
	}
	dumps, err := backend.OpenFS(cfg.Dumps.Dir)
	if err != nil {
		return fmt.Errorf("opening dumps backend: %w", err)
	}

	store := pool.New(pool.Config{
		DB:       db,
		Backend:  primary,
		Backup:   backup,
		Dumps:    dumps,
		Settings: settings,
		Logger:   logger,
	})

	logger.Info("loaded configuration",
		"public_host", cfg.PublicHost,
		"read_only", cfg.ReadOnly,
		"backup", backup != nil,
		"rivet", cfg.Rivet.Enabled,
	)

	serverErr := make(chan error, 2)
	servers := make([]*http.Server, 0, 2)

	redirServer := &http.Server{
		Addr:    cfg.Listen.Redirect,
		Handler: outer(settings, redir.New(redir.Config{Pool: store, Settings: settings, Logger: logger})),
	}
	servers = append(servers, redirServer)
	go serve(redirServer, serverErr)
	logger.Info("redirect server listening", "addr", cfg.Listen.Redirect)

	// Rivet cannot be hot-toggled: the server either exists for the
	// process lifetime or it doesn't.
	if cfg.Rivet.Enabled {
		rivetServer := &http.Server{
			Addr:    cfg.Listen.Rivet,
			Handler: outer(settings, rivet.New(rivet.Config{Pool: store, Settings: settings, Logger: logger})),
		}
		servers = append(servers, rivetServer)
		go serve(rivetServer, serverErr)
		logger.Info("rivet server listening", "addr", cfg.Listen.Rivet)
	} else {
		logger.Info("rivet server disabled")
	}

	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGALRM)
	defer signal.Stop(sigs)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var backingUp atomic.Bool
	for {
		select {
		case sig := <-sigs:
			switch sig {
			case syscall.SIGHUP:
				if err := settings.Reload(); err != nil {
					logger.Error("config reload failed, previous config stays in effect", "error", err)
					continue
				}
				logger.Info("configuration reloaded")
				if settings.Snapshot().Rivet.Enabled != cfg.Rivet.Enabled {
					logger.Warn("rivet enablement changed in config; restart required for it to take effect")
				}
			case syscall.SIGALRM:
				if !backingUp.CompareAndSwap(false, true) {
					logger.Info("ignoring backup trigger, sweep already running")
					continue
				}
				go func() {
					defer backingUp.Store(false)
					if err := store.RunBackup(context.Background()); err != nil {
						logger.Error("backup sweep failed", "error", err)
					}
				}()
			}

		case err := <-serverErr:
			return err

		case <-ctx.Done():
			logger.Info("received shutdown signal")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			for _, srv := range servers {
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Error("shutdown error", "addr", srv.Addr, "error", err)
				}
			}
			logger.Info("shutdown complete")
			return nil
		}
	}
}

func serve(srv *http.Server, errs chan<- error) {
	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs <- fmt.Errorf("server %s: %w", srv.Addr, err)
	}
}

// outer wraps every endpoint with the shared response headers and the
// root-path redirect to the public website.
func outer(settings *config.Store, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "blobpool")
		switch r.URL.Path {
		case "", "/", "/index.html":
			if site := settings.Snapshot().PublicSite; site != "" {
				w.Header().Set("Location", site)
				w.WriteHeader(http.StatusMovedPermanently)
				return
			}
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
