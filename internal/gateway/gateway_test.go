package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/rovercraft/fleetbridge/internal/artifact"
	"github.com/rovercraft/fleetbridge/internal/bus"
	"github.com/rovercraft/fleetbridge/internal/delegator"
	"github.com/rovercraft/fleetbridge/internal/protocol"
	"github.com/rovercraft/fleetbridge/internal/telemetry"
	"github.com/rovercraft/fleetbridge/internal/watcher"
)

// newFakeWorker serves a registration card and answers message/send with
// the given event.
func newFakeWorker(t *testing.T, name string, reply protocol.Event) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+protocol.WellKnownCardPath, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(protocol.AgentCard{
			Name:        name,
			Description: "test worker",
			URL:         "http://" + r.Host,
		})
	})
	mux.HandleFunc("POST /", func(w http.ResponseWriter, r *http.Request) {
		var req protocol.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		result, err := json.Marshal(reply)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  json.RawMessage(result),
		})
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func completedTaskEvent(id, text string) protocol.Event {
	return protocol.Event{Task: &protocol.Task{
		ID: id,
		Status: protocol.TaskStatus{
			State: protocol.TaskCompleted,
			Message: &protocol.Message{
				MessageID: "m1",
				Role:      "agent",
				Parts:     []protocol.Part{protocol.TextPart(text)},
			},
		},
	}}
}

type testEnv struct {
	server    *Server
	ts        *httptest.Server
	registry  *delegator.Registry
	artifacts *artifact.Store
	bus       *bus.Bus
}

func newTestEnv(t *testing.T, authToken string, workerURLs ...string) *testEnv {
	t.Helper()
	log := telemetry.NewTestLogger(io.Discard)
	registry := delegator.NewRegistry(log)
	for _, u := range workerURLs {
		if _, err := registry.Register(context.Background(), u); err != nil {
			t.Fatalf("register worker: %v", err)
		}
	}
	store, err := artifact.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}
	coord := delegator.NewCoordinator(registry, store, log)
	eventBus := bus.New()
	srv := New(Config{
		Coordinator: coord,
		Registry:    registry,
		Artifacts:   store,
		Bus:         eventBus,
		Logger:      log,
		AuthToken:   authToken,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{server: srv, ts: ts, registry: registry, artifacts: store, bus: eventBus}
}

func TestGateway_HealthAndRunThroughDispatcher(t *testing.T) {
	worker := newFakeWorker(t, "translator", completedTaskEvent("t-1", "OK: converted"))
	env := newTestEnv(t, "", worker.URL)

	// The watcher's dispatcher is the real consumer of these endpoints.
	d := watcher.NewHTTPDispatcher(env.ts.URL, "")
	if !d.Healthy(context.Background()) {
		t.Fatal("health probe failed")
	}

	result, err := d.Run(context.Background(), "convert the file", false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.PlanRef != "t-1" {
		t.Fatalf("plan ref = %q", result.PlanRef)
	}
	if result.LogRef == "" {
		t.Fatal("expected a log artifact reference")
	}
	content, err := env.artifacts.Open(result.LogRef)
	if err != nil {
		t.Fatalf("open transcript: %v", err)
	}
	if !strings.Contains(string(content), "OK: converted") {
		t.Fatalf("transcript = %q", content)
	}
}

func TestGateway_RunValidation(t *testing.T) {
	worker := newFakeWorker(t, "translator", completedTaskEvent("t-1", "done"))
	env := newTestEnv(t, "", worker.URL)

	post := func(body string) *http.Response {
		t.Helper()
		resp, err := http.Post(env.ts.URL+"/run", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	if resp := post(`{"task":""}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty task: status %d", resp.StatusCode)
	}
	if resp := post(`{"task":"go","worker":"ghost"}`); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown worker: status %d", resp.StatusCode)
	}
	if resp := post(`not json`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad body: status %d", resp.StatusCode)
	}
}

func TestGateway_RunWithoutWorkers(t *testing.T) {
	env := newTestEnv(t, "")
	resp, err := http.Post(env.ts.URL+"/run", "application/json", strings.NewReader(`{"task":"go"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestGateway_BearerAuthOnMutatingCalls(t *testing.T) {
	worker := newFakeWorker(t, "translator", completedTaskEvent("t-1", "done"))
	env := newTestEnv(t, "sekrit", worker.URL)

	// Probes stay open.
	resp, err := http.Get(env.ts.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}

	resp, err = http.Post(env.ts.URL+"/run", "application/json", strings.NewReader(`{"task":"go"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated run: status %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, env.ts.URL+"/run", strings.NewReader(`{"task":"go"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer sekrit")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authed post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("authed run: status %d body %s", resp.StatusCode, body)
	}
}

func TestGateway_RegisterAndListWorkers(t *testing.T) {
	env := newTestEnv(t, "")
	worker := newFakeWorker(t, "describer", completedTaskEvent("t-2", "described"))

	body := fmt.Sprintf(`{"address":%q}`, worker.URL)
	resp, err := http.Post(env.ts.URL+"/workers/register", "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	var reg map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		t.Fatalf("decode register: %v", err)
	}
	if reg["name"] != "describer" {
		t.Fatalf("registered name = %q", reg["name"])
	}

	listResp, err := http.Get(env.ts.URL + "/workers")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer listResp.Body.Close()
	var listed struct {
		Workers []protocol.AgentCard `json:"workers"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed.Workers) != 1 || listed.Workers[0].Name != "describer" {
		t.Fatalf("workers = %+v", listed.Workers)
	}
}

func waitEvent(t *testing.T, sub *bus.Subscription) bus.Event {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event published")
		return bus.Event{}
	}
}

func TestGateway_RunPublishesDispatchEvents(t *testing.T) {
	worker := newFakeWorker(t, "translator", completedTaskEvent("t-1", "OK: converted"))
	env := newTestEnv(t, "", worker.URL)
	sub := env.bus.Subscribe("dispatch.")
	defer env.bus.Unsubscribe(sub)

	resp, err := http.Post(env.ts.URL+"/run", "application/json", strings.NewReader(`{"task":"convert"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()

	ev := waitEvent(t, sub)
	if ev.Topic != bus.TopicDispatchCompleted {
		t.Fatalf("topic = %s", ev.Topic)
	}
	d, ok := ev.Payload.(bus.DispatchEvent)
	if !ok || d.Worker != "translator" || d.TaskID != "t-1" || d.Error != "" {
		t.Fatalf("payload = %+v", ev.Payload)
	}

	// An unknown worker publishes on the failed topic.
	resp, err = http.Post(env.ts.URL+"/run", "application/json", strings.NewReader(`{"task":"go","worker":"ghost"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	ev = waitEvent(t, sub)
	if ev.Topic != bus.TopicDispatchFailed {
		t.Fatalf("topic = %s", ev.Topic)
	}
	if d := ev.Payload.(bus.DispatchEvent); d.Error == "" {
		t.Fatalf("payload = %+v", d)
	}
}

func TestGateway_RegisterPublishesEvent(t *testing.T) {
	env := newTestEnv(t, "")
	worker := newFakeWorker(t, "describer", completedTaskEvent("t-2", "described"))
	sub := env.bus.Subscribe(bus.TopicWorkerRegistered)
	defer env.bus.Unsubscribe(sub)

	body := fmt.Sprintf(`{"address":%q}`, worker.URL)
	resp, err := http.Post(env.ts.URL+"/workers/register", "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	resp.Body.Close()

	ev := waitEvent(t, sub)
	reg, ok := ev.Payload.(bus.WorkerRegisteredEvent)
	if !ok || reg.Name != "describer" || reg.Address == "" {
		t.Fatalf("payload = %+v", ev.Payload)
	}
}

func TestGateway_EventsWSDeliversBusEvents(t *testing.T) {
	env := newTestEnv(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+env.ts.URL[len("http"):]+"/events/ws?prefix=task.", nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	// Publish once the handler's subscription is live.
	deadline := time.Now().Add(2 * time.Second)
	for env.bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	env.bus.Publish(bus.TopicTaskQueued, bus.TaskQueuedEvent{TaskID: "Task-zz99", Priority: "high", Seq: 7})

	var got struct {
		Topic   string          `json:"topic"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := wsjson.Read(ctx, conn, &got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Topic != bus.TopicTaskQueued {
		t.Fatalf("topic = %s", got.Topic)
	}
	q, ok := bus.DecodePayload(got.Topic, got.Payload).(bus.TaskQueuedEvent)
	if !ok || q.TaskID != "Task-zz99" || q.Seq != 7 {
		t.Fatalf("payload = %+v", q)
	}
}

func TestGateway_EventsIngestRepublishes(t *testing.T) {
	env := newTestEnv(t, "")
	sub := env.bus.Subscribe("task.")
	defer env.bus.Unsubscribe(sub)

	body := `{"topic":"task.attempt","payload":{"task_id":"Task-ab12","try":2,"max":3,"success":false,"verdict":"joints missing"}}`
	resp, err := http.Post(env.ts.URL+"/events", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	ev := waitEvent(t, sub)
	a, ok := ev.Payload.(bus.TaskAttemptEvent)
	if !ok || a.TaskID != "Task-ab12" || a.Try != 2 || a.Success {
		t.Fatalf("payload = %+v", ev.Payload)
	}

	// Topicless ingest is rejected.
	resp, err = http.Post(env.ts.URL+"/events", "application/json", strings.NewReader(`{"payload":{}}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
