// QuakeWatch - Earthquake Dashboard Visitor Analytics
// Copyright 2026 QuakeWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quakewatch/quakewatch

// Package main is the entry point for the QuakeWatch analytics server.
//
// The server initializes components in the following order:
//
//  1. Configuration: koanf-layered load (defaults, config file, environment)
//  2. Logging: zerolog with size-based rotation governed by the retention policy
//  3. Storage: the shared document store (file or badger backend)
//  4. Event bus: in-process Watermill pub/sub for security events
//  5. Domain stores: security events, visitor metrics, sessions
//  6. Config manager: persisted runtime configuration with live retuning
//  7. Retention engine: probabilistic, scheduled and manual sweeps
//  8. HTTP API and supervision tree
//
// Shutdown is graceful on SIGINT/SIGTERM: the listener drains, supervised
// services stop, then the bus and store close.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/quakewatch/quakewatch/internal/analytics"
	"github.com/quakewatch/quakewatch/internal/api"
	"github.com/quakewatch/quakewatch/internal/config"
	"github.com/quakewatch/quakewatch/internal/events"
	"github.com/quakewatch/quakewatch/internal/geo"
	"github.com/quakewatch/quakewatch/internal/logging"
	"github.com/quakewatch/quakewatch/internal/retention"
	"github.com/quakewatch/quakewatch/internal/security"
	"github.com/quakewatch/quakewatch/internal/session"
	"github.com/quakewatch/quakewatch/internal/storage"
	"github.com/quakewatch/quakewatch/internal/supervisor"
	"github.com/quakewatch/quakewatch/internal/supervisor/services"
	"github.com/quakewatch/quakewatch/internal/visitormetrics"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "quakewatch:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config.yaml (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logWriter, err := logging.InitWithRotation(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Timestamp: true,
	}, logging.RotationConfig{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Retention.LogMaxSizeMB,
		MaxBackups: cfg.Retention.LogBackupCount,
		Compress:   true,
	})
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	if logWriter != nil {
		defer logWriter.Close()
	}

	store, err := openStore(cfg.Server.StorageBackend, cfg.Server.DataDir)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Server.StorageBackend, err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The persisted config document overrides the startup config for every
	// runtime-tunable setting.
	manager := config.NewManager(store, *cfg)
	if err := manager.Load(ctx); err != nil {
		return fmt.Errorf("load persisted configuration: %w", err)
	}
	current := manager.Get()
	logging.SetLevelString(current.Logging.Level)

	bus := events.NewBus()
	defer bus.Close()

	eventStore := security.NewEventStore(store)
	monitor := security.NewMonitor(security.Config{
		LocationWindow: current.Security.LocationWindow,
		RateWindow:     current.Security.RateWindow,
		RateThreshold:  current.Security.RateThreshold,
	}, bus)
	writer := security.NewEventWriter(bus, eventStore)

	enricher := geo.New(geo.Config{
		ProviderURL: current.Security.GeoProviderURL,
		Timeout:     current.Security.GeoTimeout,
		CacheTTL:    current.Security.GeoCacheTTL,
	})

	vmetrics := visitormetrics.NewStore(store)
	sessions := session.NewStore(store, enricher, monitor, vmetrics)

	exportsDir := filepath.Join(current.Server.DataDir, "exports")
	engine := retention.NewEngine(manager, sessions, eventStore, vmetrics, exportsDir)
	sessions.SetSweeper(engine)

	manager.OnUpdate = func(c config.Config) {
		logging.SetLevelString(c.Logging.Level)
		monitor.Reconfigure(security.Config{
			LocationWindow: c.Security.LocationWindow,
			RateWindow:     c.Security.RateWindow,
			RateThreshold:  c.Security.RateThreshold,
		})
	}

	agg := analytics.New(sessions, eventStore, vmetrics, exportsDir)
	server := api.NewServer(manager, sessions, agg, monitor, engine)

	addr := fmt.Sprintf("%s:%d", current.Server.Host, current.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	treeCfg := supervisor.DefaultTreeConfig()
	treeCfg.ShutdownTimeout = current.Server.ShutdownTimeout
	tree := supervisor.NewTree(logging.NewSlogLogger(), treeCfg)
	tree.AddEventService(writer)
	tree.AddAPIService(services.NewHTTPService(httpServer, current.Server.ShutdownTimeout))
	tree.AddAPIService(services.NewMaintenanceService(engine, enricher, monitor))

	logging.Info().
		Str("addr", addr).
		Str("backend", current.Server.StorageBackend).
		Str("data_dir", current.Server.DataDir).
		Msg("quakewatch analytics server starting")

	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor: %w", err)
	}

	if unstopped, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(unstopped) > 0 {
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("service did not stop in time")
		}
	}

	logging.Info().Msg("quakewatch analytics server stopped")
	return nil
}

func openStore(backend, dataDir string) (storage.Store, error) {
	switch backend {
	case "badger":
		return storage.NewBadgerStore(filepath.Join(dataDir, "badger"))
	default:
		return storage.NewFileStore(dataDir)
	}
}
