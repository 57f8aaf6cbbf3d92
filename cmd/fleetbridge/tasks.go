package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rovercraft/fleetbridge/internal/bus"
	"github.com/rovercraft/fleetbridge/internal/config"
	"github.com/rovercraft/fleetbridge/internal/tui"
	"github.com/rovercraft/fleetbridge/internal/watcher"
)

func runTasksCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: fleetbridge tasks")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	pending := watcher.NewPendingStore(cfg.PendingPath())
	completed := watcher.NewCompletedStore(cfg.CompletedPath())
	running := watcher.NewRunningSnapshot(cfg.RunningPath())
	started := time.Now()

	provider := func() tui.Snapshot {
		snap := tui.Snapshot{Uptime: time.Since(started)}
		var loadErr error
		if snap.Pending, loadErr = pending.Load(); loadErr != nil {
			snap.Err = loadErr
		}
		if snap.Running, loadErr = running.Read(); loadErr != nil {
			snap.Err = loadErr
		}
		done, loadErr := completed.Load()
		if loadErr != nil {
			snap.Err = loadErr
		}
		// Newest last in the store; show the tail, newest first.
		const keep = 8
		for i := len(done) - 1; i >= 0 && len(snap.Completed) < keep; i-- {
			snap.Completed = append(snap.Completed, done[i])
		}
		return snap
	}

	// The live feed rides the delegator's WebSocket stream; the dashboard
	// still works from the stores alone when the delegator is down.
	feed := bus.New()
	go streamEvents(ctx, cfg.Watcher.DelegatorURL, feed)

	if err := tui.Run(ctx, tui.Options{Provider: provider, Bus: feed}); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "dashboard: %v\n", err)
		return 1
	}
	return 0
}
