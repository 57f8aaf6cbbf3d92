package delegator

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rovercraft/fleetbridge/internal/artifact"
	"github.com/rovercraft/fleetbridge/internal/protocol"
	"github.com/rovercraft/fleetbridge/internal/remote"
	"github.com/rovercraft/fleetbridge/internal/telemetry"
)

type fakeCaller struct {
	card   protocol.AgentCard
	result remote.Result
	err    error
	events []protocol.Event

	// block, when non-nil, holds Send until closed. started receives a
	// token as soon as Send is entered.
	block   chan struct{}
	started chan struct{}

	mu   sync.Mutex
	sent []protocol.SendParams
}

func (f *fakeCaller) Card() protocol.AgentCard { return f.card }

func (f *fakeCaller) Send(ctx context.Context, params protocol.SendParams, onUpdate remote.UpdateFunc) (remote.Result, error) {
	f.mu.Lock()
	f.sent = append(f.sent, params)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if onUpdate != nil {
		for _, ev := range f.events {
			onUpdate(ev, f.card)
		}
	}
	return f.result, f.err
}

func (f *fakeCaller) sentParams() []protocol.SendParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.SendParams, len(f.sent))
	copy(out, f.sent)
	return out
}

func newTestCoordinator(t *testing.T, fakes ...*fakeCaller) *Coordinator {
	t.Helper()
	log := telemetry.NewTestLogger(io.Discard)
	reg := NewRegistry(log)
	for _, f := range fakes {
		reg.add(f)
	}
	store, err := artifact.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}
	return NewCoordinator(reg, store, log)
}

func messageResult(text string) remote.Result {
	return remote.Result{Message: &protocol.Message{
		MessageID: "m1",
		Role:      "agent",
		Parts:     []protocol.Part{protocol.TextPart(text)},
	}}
}

func taskResult(id string, state protocol.TaskState, statusText string) remote.Result {
	task := &protocol.Task{
		ID:     id,
		Status: protocol.TaskStatus{State: state},
	}
	if statusText != "" {
		task.Status.Message = &protocol.Message{
			MessageID: "sm1",
			Role:      "agent",
			Parts:     []protocol.Part{protocol.TextPart(statusText)},
		}
	}
	return remote.Result{Task: task}
}

func TestDispatch_UnknownWorker(t *testing.T) {
	c := newTestCoordinator(t)
	_, err := c.Dispatch(context.Background(), "ctx-1", "nobody", "hello")
	if !errors.Is(err, ErrUnknownWorker) {
		t.Fatalf("got %v, want ErrUnknownWorker", err)
	}
}

func TestDispatch_MessageReply(t *testing.T) {
	fake := &fakeCaller{
		card:   protocol.AgentCard{Name: "echo"},
		result: messageResult("hi there"),
	}
	c := newTestCoordinator(t, fake)

	res, err := c.Dispatch(context.Background(), "ctx-1", "echo", "hello")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(res.Parts) != 1 || res.Parts[0] != "hi there" {
		t.Fatalf("parts = %v", res.Parts)
	}
	if res.TaskID != "" {
		t.Fatalf("message reply should not carry a task id, got %q", res.TaskID)
	}
	sess, ok := c.Session("ctx-1")
	if !ok {
		t.Fatal("session not recorded")
	}
	if sess.Busy {
		t.Fatal("session still busy after reply")
	}
	if sess.LastTaskID != "" || sess.LastMessageID != "" {
		t.Fatalf("identifiers should be cleared, got task=%q message=%q", sess.LastTaskID, sess.LastMessageID)
	}
}

func TestDispatch_SingleFlight(t *testing.T) {
	fake := &fakeCaller{
		card:    protocol.AgentCard{Name: "slow"},
		result:  messageResult("done"),
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	c := newTestCoordinator(t, fake)

	done := make(chan error, 1)
	go func() {
		_, err := c.Dispatch(context.Background(), "ctx-1", "slow", "first")
		done <- err
	}()

	select {
	case <-fake.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first dispatch never reached the worker")
	}

	// Same context is rejected while the first call is in flight.
	if _, err := c.Dispatch(context.Background(), "ctx-1", "slow", "second"); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("got %v, want ErrSessionBusy", err)
	}

	close(fake.block)
	if err := <-done; err != nil {
		t.Fatalf("first dispatch: %v", err)
	}

	// Once the call returns, the context accepts work again.
	fake.block = nil
	fake.started = nil
	if _, err := c.Dispatch(context.Background(), "ctx-1", "slow", "third"); err != nil {
		t.Fatalf("redispatch: %v", err)
	}
}

func TestDispatch_CompletedTask(t *testing.T) {
	fake := &fakeCaller{
		card:   protocol.AgentCard{Name: "runner"},
		result: taskResult("t-1", protocol.TaskCompleted, "all done"),
	}
	fake.result.Task.Artifacts = []protocol.Artifact{
		{Name: "report", Parts: []protocol.Part{protocol.TextPart("report body")}},
	}
	c := newTestCoordinator(t, fake)

	res, err := c.Dispatch(context.Background(), "ctx-1", "runner", "go")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.TaskID != "t-1" {
		t.Fatalf("task id = %q", res.TaskID)
	}
	if len(res.Parts) != 2 || res.Parts[0] != "all done" || res.Parts[1] != "report body" {
		t.Fatalf("parts = %v", res.Parts)
	}

	// Terminal tasks are not reused: the next turn starts fresh.
	sess, _ := c.Session("ctx-1")
	if sess.Busy {
		t.Fatal("session busy after terminal task")
	}
	if sess.LastTaskID != "" {
		t.Fatalf("terminal task id carried over: %q", sess.LastTaskID)
	}
}

func TestDispatch_InputRequiredCarriesIdentifiers(t *testing.T) {
	fake := &fakeCaller{
		card:   protocol.AgentCard{Name: "asker"},
		result: taskResult("t-7", protocol.TaskInputRequired, "which file?"),
	}
	c := newTestCoordinator(t, fake)

	res, err := c.Dispatch(context.Background(), "ctx-1", "asker", "edit the config")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !res.InputRequired {
		t.Fatal("expected InputRequired")
	}
	if res.TaskID != "t-7" {
		t.Fatalf("task id = %q", res.TaskID)
	}
	sess, _ := c.Session("ctx-1")
	if sess.Busy {
		t.Fatal("paused turn should not hold the session busy")
	}
	if sess.LastTaskID != "t-7" {
		t.Fatalf("task id not carried: %q", sess.LastTaskID)
	}
	firstMessageID := sess.LastMessageID
	if firstMessageID == "" {
		t.Fatal("message id not carried for the follow-up")
	}

	// The follow-up turn reuses both identifiers.
	fake.result = taskResult("t-7", protocol.TaskCompleted, "done")
	if _, err := c.Dispatch(context.Background(), "ctx-1", "asker", "the yaml one"); err != nil {
		t.Fatalf("follow-up: %v", err)
	}
	sent := fake.sentParams()
	if len(sent) != 2 {
		t.Fatalf("send count = %d", len(sent))
	}
	if sent[1].Message.TaskID != "t-7" {
		t.Fatalf("follow-up task id = %q", sent[1].Message.TaskID)
	}
	if sent[1].Message.MessageID != firstMessageID {
		t.Fatalf("follow-up message id = %q, want %q", sent[1].Message.MessageID, firstMessageID)
	}
}

func TestDispatch_FailedTask(t *testing.T) {
	fake := &fakeCaller{
		card:   protocol.AgentCard{Name: "runner"},
		result: taskResult("t-2", protocol.TaskFailed, ""),
	}
	c := newTestCoordinator(t, fake)

	_, err := c.Dispatch(context.Background(), "ctx-1", "runner", "go")
	var stateErr *TaskStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("got %v, want TaskStateError", err)
	}
	if stateErr.State != "failed" || stateErr.TaskID != "t-2" {
		t.Fatalf("unexpected error detail: %+v", stateErr)
	}
	sess, _ := c.Session("ctx-1")
	if sess.Busy {
		t.Fatal("session busy after failed task")
	}
}

func TestDispatch_RPCErrorDeactivatesSession(t *testing.T) {
	fake := &fakeCaller{
		card: protocol.AgentCard{Name: "runner"},
		err:  &protocol.RPCError{Code: -32001, Message: "task not found"},
	}
	c := newTestCoordinator(t, fake)

	_, err := c.Dispatch(context.Background(), "ctx-1", "runner", "go")
	var callErr *WorkerCallError
	if !errors.As(err, &callErr) {
		t.Fatalf("got %v, want WorkerCallError", err)
	}
	if callErr.Code != -32001 {
		t.Fatalf("code = %d", callErr.Code)
	}
	sess, _ := c.Session("ctx-1")
	if sess.Active {
		t.Fatal("session should be inactive after a worker error")
	}
	if sess.Busy {
		t.Fatal("session should not stay busy after a worker error")
	}
}

func TestDispatch_StreamingTerminalMessage(t *testing.T) {
	// A worker that streams a few task updates but ends with a plain
	// message: the turn yields the message parts and persists no task id.
	fake := &fakeCaller{
		card: protocol.AgentCard{Name: "streamer"},
		events: []protocol.Event{
			{Task: &protocol.Task{ID: "t-9", Status: protocol.TaskStatus{State: protocol.TaskWorking}}},
			{Message: &protocol.Message{MessageID: "m9", Role: "agent", Parts: []protocol.Part{protocol.TextPart("quick answer")}}},
		},
		result: messageResult("quick answer"),
	}
	c := newTestCoordinator(t, fake)

	res, err := c.Dispatch(context.Background(), "ctx-1", "streamer", "ping")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.TaskID != "" {
		t.Fatalf("task id persisted for a message turn: %q", res.TaskID)
	}
	if len(res.Parts) != 1 || res.Parts[0] != "quick answer" {
		t.Fatalf("parts = %v", res.Parts)
	}
	sess, _ := c.Session("ctx-1")
	if sess.Busy || sess.LastTaskID != "" {
		t.Fatalf("session not reset: busy=%v task=%q", sess.Busy, sess.LastTaskID)
	}
}

func TestMergeEvent_TerminalStateImmutable(t *testing.T) {
	c := newTestCoordinator(t)
	card := protocol.AgentCard{Name: "w"}

	c.mergeEvent(protocol.Event{Task: &protocol.Task{
		ID:     "t-1",
		Status: protocol.TaskStatus{State: protocol.TaskCompleted},
	}}, card)

	// A late status update must not revive a terminal task.
	c.mergeEvent(protocol.Event{StatusUpdate: &protocol.StatusUpdateEvent{
		TaskID: "t-1",
		Status: protocol.TaskStatus{State: protocol.TaskWorking},
	}}, card)

	task, ok := c.Task("t-1")
	if !ok {
		t.Fatal("task not tracked")
	}
	if task.Status.State != protocol.TaskCompleted {
		t.Fatalf("state = %s, want completed", task.Status.State)
	}

	// Same for a stale non-terminal snapshot.
	c.mergeEvent(protocol.Event{Task: &protocol.Task{
		ID:     "t-1",
		Status: protocol.TaskStatus{State: protocol.TaskSubmitted},
	}}, card)
	task, _ = c.Task("t-1")
	if task.Status.State != protocol.TaskCompleted {
		t.Fatalf("state = %s after stale snapshot, want completed", task.Status.State)
	}
}

func TestMergeEvent_ArtifactAppend(t *testing.T) {
	c := newTestCoordinator(t)
	card := protocol.AgentCard{Name: "w"}

	c.mergeEvent(protocol.Event{Task: &protocol.Task{
		ID:     "t-3",
		Status: protocol.TaskStatus{State: protocol.TaskWorking},
	}}, card)
	c.mergeEvent(protocol.Event{ArtifactUpdate: &protocol.ArtifactUpdateEvent{
		TaskID:   "t-3",
		Artifact: protocol.Artifact{Name: "a", Parts: []protocol.Part{protocol.TextPart("x")}},
	}}, card)
	c.mergeEvent(protocol.Event{ArtifactUpdate: &protocol.ArtifactUpdateEvent{
		TaskID:   "t-3",
		Artifact: protocol.Artifact{Name: "b", Parts: []protocol.Part{protocol.TextPart("y")}},
	}}, card)

	task, _ := c.Task("t-3")
	if len(task.Artifacts) != 2 {
		t.Fatalf("artifacts = %d, want 2", len(task.Artifacts))
	}
	if task.Artifacts[0].Name != "a" || task.Artifacts[1].Name != "b" {
		t.Fatalf("artifact order: %s, %s", task.Artifacts[0].Name, task.Artifacts[1].Name)
	}
}
