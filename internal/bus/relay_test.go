package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRelay_ForwardsEvents(t *testing.T) {
	received := make(chan WireEvent, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sekrit" {
			t.Errorf("authorization = %q", got)
		}
		var ev WireEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Errorf("decode: %v", err)
		}
		received <- ev
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := New()
	relay := NewRelay(b, srv.URL, "sekrit", slog.New(slog.NewTextHandler(io.Discard, nil)))
	go relay.Run(ctx)

	// Give the relay's subscription a moment to attach.
	deadline := time.Now().Add(time.Second)
	for b.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	b.Publish(TopicTaskAttempt, TaskAttemptEvent{TaskID: "Task-ab12", Try: 1, Max: 3, Success: true, Verdict: "OK: fine"})

	select {
	case ev := <-received:
		if ev.Topic != TopicTaskAttempt {
			t.Fatalf("topic = %s", ev.Topic)
		}
		got, ok := DecodePayload(ev.Topic, ev.Payload).(TaskAttemptEvent)
		if !ok || got.TaskID != "Task-ab12" || !got.Success {
			t.Fatalf("payload = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not forwarded")
	}
}

func TestRelay_SurvivesDeadEndpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := New()
	relay := NewRelay(b, "http://127.0.0.1:1", "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	done := make(chan struct{})
	go func() {
		relay.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for b.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	b.Publish(TopicTaskQueued, TaskQueuedEvent{TaskID: "Task-x"})
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop on cancellation")
	}
}
