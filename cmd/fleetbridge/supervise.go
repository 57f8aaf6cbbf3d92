package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/rovercraft/fleetbridge/internal/bus"
	"github.com/rovercraft/fleetbridge/internal/config"
	"github.com/rovercraft/fleetbridge/internal/supervisor"
	"github.com/rovercraft/fleetbridge/internal/telemetry"
)

type supervisorFlags struct {
	app         bool
	watcher     bool
	allWorkers  bool
	workers     []string
	listWorkers bool
	noColor     bool
	hideAccess  bool
	graceInt    time.Duration
	graceTerm   time.Duration
}

func runSupervisorCommand(ctx context.Context, flags supervisorFlags) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	if flags.listWorkers {
		for _, name := range supervisor.WorkerNames(&cfg) {
			fmt.Println(name)
		}
		return 0
	}

	plan, err := supervisor.BuildPlan(&cfg, supervisor.Selection{
		App:        flags.app,
		Watcher:    flags.watcher,
		AllWorkers: flags.allWorkers,
		Workers:    flags.workers,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, "supervisor", cfg.LogLevel, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		return 1
	}
	defer closer.Close()

	graceInt := flags.graceInt
	if graceInt <= 0 {
		graceInt = time.Duration(cfg.Supervisor.GraceIntSeconds) * time.Second
	}
	graceTerm := flags.graceTerm
	if graceTerm <= 0 {
		graceTerm = time.Duration(cfg.Supervisor.GraceTermSeconds) * time.Second
	}
	noColor := flags.noColor || cfg.Supervisor.NoColor || !isatty.IsTerminal(os.Stdout.Fd())

	// Worker start/exit events ride the delegator's feed alongside task
	// lifecycle events from the watcher.
	eventBus := bus.New()
	relay := bus.NewRelay(eventBus, cfg.Watcher.DelegatorURL, cfg.Delegator.AuthToken, logger)
	go relay.Run(ctx)

	sup := supervisor.New(supervisor.Options{
		Platform:   supervisor.OSPlatform{},
		Out:        os.Stdout,
		Logger:     logger,
		Bus:        eventBus,
		GraceInt:   graceInt,
		GraceTerm:  graceTerm,
		NoColor:    noColor,
		HideAccess: flags.hideAccess || cfg.Supervisor.HideAccess,
	})

	// Second Ctrl-C skips the remaining grace windows.
	go func() {
		<-ctx.Done()
		sup.Stop()
		second := make(chan os.Signal, 1)
		signal.Notify(second, os.Interrupt, syscall.SIGTERM)
		<-second
		sup.Stop()
	}()

	logger.Info("fleet starting",
		"entries", len(plan),
		"config", cfg.Fingerprint(),
		"grace_int", graceInt,
		"grace_term", graceTerm,
	)
	if err := sup.Run(context.Background(), plan); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
