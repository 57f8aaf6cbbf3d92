package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rovercraft/fleetbridge/internal/config"
	"github.com/rovercraft/fleetbridge/internal/history"
)

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: fleetbridge status")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	code := 0
	if err := probeHealth(ctx, cfg.Watcher.DelegatorURL); err != nil {
		fmt.Printf("delegator  down  %v\n", err)
		code = 1
	} else {
		fmt.Printf("delegator  up    %s\n", cfg.Watcher.DelegatorURL)
	}

	hist, err := history.Open(cfg.HistoryDBPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "history open: %v\n", err)
		return 1
	}
	defer hist.Close()

	summary, err := hist.Summary(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "history summary: %v\n", err)
		return 1
	}
	statuses := make([]string, 0, len(summary))
	for status := range summary {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)
	fmt.Println("\nOutcomes:")
	if len(statuses) == 0 {
		fmt.Println("  (none recorded)")
	}
	for _, status := range statuses {
		fmt.Printf("  %-8s %d\n", status, summary[status])
	}

	recent, err := hist.Recent(ctx, "", 5)
	if err != nil {
		fmt.Fprintf(os.Stderr, "history recent: %v\n", err)
		return 1
	}
	if len(recent) > 0 {
		fmt.Println("\nRecent:")
		for _, o := range recent {
			task := o.OriginalTask
			if task == "" {
				task = o.FinalTask
			}
			if len(task) > 48 {
				task = task[:45] + "..."
			}
			fmt.Printf("  %-10s %-8s %d attempt(s)  %s\n", o.TaskID, o.Status, o.Attempts, task)
		}
	}
	return code
}

func probeHealth(ctx context.Context, baseURL string) error {
	url := strings.TrimRight(baseURL, "/") + "/health"
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
