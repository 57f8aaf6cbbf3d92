package main

import (
	"context"
	"log/slog"

	"github.com/rovercraft/fleetbridge/internal/bus"
	"github.com/rovercraft/fleetbridge/internal/config"
	"github.com/rovercraft/fleetbridge/internal/history"
	"github.com/rovercraft/fleetbridge/internal/notify"
	"github.com/rovercraft/fleetbridge/internal/planner"
	"github.com/rovercraft/fleetbridge/internal/schedule"
	"github.com/rovercraft/fleetbridge/internal/telemetry"
	"github.com/rovercraft/fleetbridge/internal/watcher"
)

func runWatcherCommand(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, "watcher", cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "config", cfg.Fingerprint())

	// Lifecycle events are forwarded to the delegator, whose WebSocket
	// feed is where subscribers watch them.
	eventBus := bus.New()
	relay := bus.NewRelay(eventBus, cfg.Watcher.DelegatorURL, cfg.Delegator.AuthToken, logger)
	go relay.Run(ctx)

	pending := watcher.NewPendingStore(cfg.PendingPath())
	completed := watcher.NewCompletedStore(cfg.CompletedPath())
	running := watcher.NewRunningSnapshot(cfg.RunningPath())

	var validator *watcher.RecordValidator
	if cfg.Watcher.ValidateRecords {
		validator, err = watcher.NewRecordValidator()
		if err != nil {
			fatalStartup(logger, "E_SCHEMA_COMPILE", err)
		}
	}

	hist, err := history.Open(cfg.HistoryDBPath())
	if err != nil {
		fatalStartup(logger, "E_HISTORY_OPEN", err)
	}
	defer hist.Close()
	logger.Info("startup phase", "phase", "history_opened", "path", cfg.HistoryDBPath())

	engine := planner.NewEngine(ctx, planner.Config{
		Provider: cfg.Planner.Provider,
		Model:    cfg.Planner.Model,
		APIKey:   cfg.Planner.APIKey(),
		BaseURL:  cfg.Planner.BaseURL,
	})

	dispatcher := watcher.NewHTTPDispatcher(cfg.Watcher.DelegatorURL, cfg.Delegator.AuthToken)

	var notifier watcher.Notifier
	telegram, err := notify.NewTelegram(cfg.Notify.Telegram, logger)
	if err != nil {
		logger.Warn("telegram notifier unavailable", "error", err)
	} else if telegram != nil {
		notifier = telegram
	}

	// A write to the pending store cuts the idle poll short.
	wake := make(chan struct{}, 1)
	fileWatch := config.NewWatcher(cfg.HomeDir, logger, cfg.PendingPath())
	if err := fileWatch.Start(ctx); err != nil {
		logger.Warn("pending store watch unavailable", "error", err)
	} else {
		go func() {
			for range fileWatch.Events() {
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}()
	}

	w, err := watcher.New(watcher.Options{
		Pending:      pending,
		Completed:    completed,
		Running:      running,
		Dispatcher:   dispatcher,
		Planner:      engine,
		Evaluator:    engine,
		Replanner:    engine,
		Bus:          eventBus,
		History:      hist,
		Notifier:     notifier,
		Validator:    validator,
		Logger:       logger,
		MaxAttempts:  cfg.Watcher.MaxAttempts,
		CoolOff:      cfg.Watcher.CoolOff(),
		PollInterval: cfg.Watcher.PollInterval(),
		UseAsync:     cfg.Watcher.UseAsync,
		Wake:         wake,
	})
	if err != nil {
		fatalStartup(logger, "E_WATCHER_INIT", err)
	}

	scheduler, err := schedule.NewScheduler(schedule.Config{
		Schedules: cfg.Schedules,
		Pending:   pending,
		Bus:       eventBus,
		Logger:    logger,
	})
	if err != nil {
		fatalStartup(logger, "E_SCHEDULE_PARSE", err)
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	logger.Info("watcher running",
		"max_attempts", cfg.Watcher.MaxAttempts,
		"cool_off", cfg.Watcher.CoolOff(),
		"delegator", cfg.Watcher.DelegatorURL,
	)
	w.Run(ctx)
	logger.Info("watcher stopped")
	return 0
}
