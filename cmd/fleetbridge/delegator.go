package main

import (
	"context"
	"log/slog"

	"github.com/rovercraft/fleetbridge/internal/artifact"
	"github.com/rovercraft/fleetbridge/internal/bus"
	"github.com/rovercraft/fleetbridge/internal/config"
	"github.com/rovercraft/fleetbridge/internal/delegator"
	"github.com/rovercraft/fleetbridge/internal/gateway"
	fbotel "github.com/rovercraft/fleetbridge/internal/otel"
	"github.com/rovercraft/fleetbridge/internal/telemetry"
)

func runDelegatorCommand(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, "delegator", cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "config", cfg.Fingerprint())

	otelProvider, err := fbotel.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := fbotel.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	artifacts, err := artifact.NewStore(cfg.ArtifactDir())
	if err != nil {
		fatalStartup(logger, "E_ARTIFACT_DIR", err)
	}

	eventBus := bus.New()
	registry := delegator.NewRegistry(logger)
	for _, baseURL := range cfg.Delegator.RemoteWorkers {
		name, err := registry.Register(ctx, baseURL)
		if err != nil {
			// Workers may still be starting; they re-register themselves
			// through the gateway once up.
			logger.Warn("startup worker registration failed", "url", baseURL, "error", err)
			continue
		}
		logger.Info("worker registered", "worker", name, "url", baseURL)
	}

	coord := delegator.NewCoordinator(registry, artifacts, logger)

	srv := gateway.New(gateway.Config{
		Coordinator:  coord,
		Registry:     registry,
		Artifacts:    artifacts,
		Bus:          eventBus,
		Logger:       logger,
		AuthToken:    cfg.Delegator.AuthToken,
		AllowOrigins: cfg.Delegator.AllowOrigins,
		Tracer:       otelProvider.Tracer,
		Metrics:      metrics,
	})

	logger.Info("delegator listening", "addr", cfg.Delegator.BindAddr)
	if err := srv.Serve(ctx, cfg.Delegator.BindAddr); err != nil {
		fatalStartup(logger, "E_SERVE", err)
	}
	logger.Info("delegator stopped")
	return 0
}
