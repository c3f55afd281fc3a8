package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gillohner/eventky-sub000/internal/auth"
	"github.com/gillohner/eventky-sub000/internal/config"
	"github.com/gillohner/eventky-sub000/internal/engine"
	"github.com/gillohner/eventky-sub000/internal/engine/registry"
	"github.com/gillohner/eventky-sub000/internal/logging"
	"github.com/gillohner/eventky-sub000/internal/remote"
	"github.com/gillohner/eventky-sub000/internal/remote/expedite"
	"github.com/gillohner/eventky-sub000/internal/remote/indexerhttp"
	"github.com/gillohner/eventky-sub000/internal/remote/originmongo"
)

func main() {
	configPath := flag.String("config", "config/config.yml", "path to the configuration file")
	flag.Parse()

	// 1. Load Configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	// 2. Initialize Logging
	if err := logging.Initialize(cfg.Logging); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer func() {
		if err := logging.Shutdown(); err != nil {
			log.Printf("Error closing log files: %v", err)
		}
	}()
	logger := slog.Default()

	// 3. Open the Pending-Write Registry
	var reg registry.Store
	if cfg.Registry.Path != "" {
		pebbleReg, err := registry.OpenPebble(cfg.Registry.Path, logger)
		if err != nil {
			logger.Error("Failed to open pending-write registry", "path", cfg.Registry.Path, "error", err)
			os.Exit(1)
		}
		reg = pebbleReg
	} else {
		logger.Warn("No registry path configured; pending writes will not survive restarts")
		reg = registry.NewMemStore()
	}
	defer func() {
		if err := reg.Close(); err != nil {
			logger.Error("Error closing registry", "error", err)
		}
	}()

	// 4. Connect the Remote Collaborators
	indexer, err := indexerhttp.New(cfg.Indexer)
	if err != nil {
		logger.Error("Failed to create indexer client", "error", err)
		os.Exit(1)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	origin, err := originmongo.Connect(connectCtx, cfg.Origin)
	if err != nil {
		logger.Error("Failed to connect to origin", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := origin.Close(context.Background()); err != nil {
			logger.Error("Error closing origin", "error", err)
		}
	}()
	if err := origin.EnsureIndexes(connectCtx); err != nil {
		logger.Error("Failed to ensure origin indexes", "error", err)
		os.Exit(1)
	}

	var expediter remote.Expediter = expedite.Noop{}
	if cfg.Expedite.Enabled {
		pub, err := expedite.Connect(cfg.Expedite.Config)
		if err != nil {
			logger.Error("Failed to connect expedite publisher", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := pub.Close(); err != nil {
				logger.Error("Error closing expedite publisher", "error", err)
			}
		}()
		expediter = pub
	}

	// 5. Build and Start the Engine
	eng, err := engine.New(cfg.Engine, engine.Options{
		Registry:  reg,
		Indexer:   indexer,
		Origin:    origin,
		Expediter: expediter,
		Verifier:  auth.NewVerifier([]byte(cfg.Auth.SigningKey)),
		Logger:    logger,
	})
	if err != nil {
		logger.Error("Failed to build engine", "error", err)
		os.Exit(1)
	}
	if err := eng.Start(context.Background()); err != nil {
		logger.Error("Failed to start engine", "error", err)
		os.Exit(1)
	}
	logger.Info("Engine started", "registry", cfg.Registry.Path, "indexer", cfg.Indexer.BaseURL)

	// 6. Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := eng.Stop(shutdownCtx); err != nil {
		logger.Error("Engine forced to shut down", "error", err)
	}
	logger.Info("Engine exiting")
}
