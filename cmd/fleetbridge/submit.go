package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/rovercraft/fleetbridge/internal/config"
	"github.com/rovercraft/fleetbridge/internal/shared"
	"github.com/rovercraft/fleetbridge/internal/watcher"
)

func runSubmitCommand(args []string) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	urgency := fs.String("urgency", watcher.UrgencyMedium, "task urgency: urgent, high, medium or low")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		fmt.Fprintln(os.Stderr, "usage: fleetbridge submit [-urgency U] TASK TEXT")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	task := watcher.Task{
		TaskID: shared.NewTaskID(),
		Payload: watcher.Payload{
			Urgency: *urgency,
			Task:    text,
		},
	}
	if err := watcher.NewPendingStore(cfg.PendingPath()).Append(task); err != nil {
		fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
		return 1
	}
	fmt.Printf("queued %s (%s)\n", task.TaskID, *urgency)
	return 0
}
