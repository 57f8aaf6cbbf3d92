package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rovercraft/fleetbridge/internal/config"
)

func TestWatcher_DetectsPendingStoreChange(t *testing.T) {
	homeDir := t.TempDir()

	pendingPath := filepath.Join(homeDir, "pending.json")
	if err := os.WriteFile(pendingPath, []byte("[]"), 0o644); err != nil {
		t.Fatalf("write initial pending store: %v", err)
	}

	w := config.NewWatcher(homeDir, nil, pendingPath)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Instead of a fixed sleep, retry the write at short intervals until the
	// watcher produces an event. This handles any platform-specific delay in
	// filesystem notification readiness.
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	if err := os.WriteFile(pendingPath, []byte(`[{"task_id":"Task-ab12"}]`), 0o644); err != nil {
		t.Fatalf("write updated pending store: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "pending.json" {
				t.Fatalf("expected pending.json event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(pendingPath, []byte(`[{"task_id":"Task-ab12"}]`), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for pending store change event")
		}
	}
}
