package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rovercraft/fleetbridge/internal/watcher"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_AttemptsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for try := 1; try <= 3; try++ {
		err := s.RecordAttempt(ctx, "Task-ab12", watcher.AttemptInfo{
			Try:              try,
			RefinedTask:      "do the thing",
			EvaluationResult: "not yet",
		})
		if err != nil {
			t.Fatalf("record attempt %d: %v", try, err)
		}
	}

	got, err := s.Attempts(ctx, "Task-ab12")
	if err != nil {
		t.Fatalf("attempts: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, a := range got {
		if a.Try != i+1 {
			t.Fatalf("attempt %d has try %d", i, a.Try)
		}
	}

	if other, _ := s.Attempts(ctx, "Task-zz99"); len(other) != 0 {
		t.Fatalf("unrelated task has %d attempts", len(other))
	}
}

func TestStore_OutcomesAndSummary(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	done := watcher.CompletedTask{
		Task: watcher.Task{
			TaskID: "Task-ab12",
			Payload: watcher.Payload{
				Urgency:      watcher.UrgencyHigh,
				Task:         "refined form",
				OriginalTask: "raw form",
				Attempts:     2,
			},
		},
		Status:          watcher.StatusSuccess,
		StartedAt:       time.Now().Add(-time.Minute),
		DurationSeconds: 58.2,
	}
	if err := s.RecordOutcome(ctx, done); err != nil {
		t.Fatalf("record outcome: %v", err)
	}

	// Re-recording the same task updates in place rather than duplicating.
	done.Status = watcher.StatusFailed
	done.Payload.Attempts = 3
	if err := s.RecordOutcome(ctx, done); err != nil {
		t.Fatalf("re-record outcome: %v", err)
	}

	recent, err := s.Recent(ctx, "", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("len = %d, want 1", len(recent))
	}
	if recent[0].Status != watcher.StatusFailed || recent[0].Attempts != 3 {
		t.Fatalf("outcome not updated: %+v", recent[0])
	}
	if recent[0].OriginalTask != "raw form" || recent[0].FinalTask != "refined form" {
		t.Fatalf("task text mangled: %+v", recent[0])
	}

	if filtered, _ := s.Recent(ctx, watcher.StatusSuccess, 10); len(filtered) != 0 {
		t.Fatalf("status filter leaked %d rows", len(filtered))
	}

	summary, err := s.Summary(ctx)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary[watcher.StatusFailed] != 1 {
		t.Fatalf("summary = %v", summary)
	}
}

func TestOpen_RejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.db.Exec("UPDATE schema_version SET version = ?", schemaVersion+1); err != nil {
		t.Fatalf("bump version: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := Open(path); err == nil {
		t.Fatal("expected newer-schema open to fail")
	}
}
