// Package workerhost serves a worker's side of the remote-task protocol:
// the registration card at the well-known discovery path, unary and
// streaming message delivery, and the task list.
package workerhost

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rovercraft/fleetbridge/internal/protocol"
)

// JobResult is what a job produced for one turn.
type JobResult struct {
	// Output is the reply text.
	Output string

	// Files are named outputs attached as artifacts.
	Files []OutputFile

	// Question, when non-empty, pauses the task awaiting more input.
	Question string
}

// OutputFile is one artifact produced by a job.
type OutputFile struct {
	Name     string
	MimeType string
	// Bytes is the base64-encoded content.
	Bytes string
}

// Job is the text-in/text-out work this worker wraps. Progress lines
// emitted through progress become working-state status updates on
// streamed calls and are dropped on unary ones.
type Job interface {
	Execute(ctx context.Context, instruction string, progress func(text string)) (JobResult, error)
}

// JobFunc adapts a function to the Job interface.
type JobFunc func(ctx context.Context, instruction string, progress func(text string)) (JobResult, error)

func (f JobFunc) Execute(ctx context.Context, instruction string, progress func(text string)) (JobResult, error) {
	return f(ctx, instruction, progress)
}

// Options configures a Host.
type Options struct {
	Name        string
	Description string
	Version     string

	// PublicURL is advertised on the card. Empty falls back to the
	// request host.
	PublicURL string

	Job    Job
	Logger *slog.Logger

	// ShutdownToken authorizes POST /shutdown, letting the supervisor
	// stop the worker over HTTP. Empty disables the endpoint.
	ShutdownToken string
}

// Host is one worker's HTTP server state.
type Host struct {
	opts Options
	log  *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}

	mu    sync.Mutex
	tasks map[string]*protocol.Task
}

func New(opts Options) *Host {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Host{
		opts:   opts,
		log:    opts.Logger,
		stopCh: make(chan struct{}),
		tasks:  make(map[string]*protocol.Task),
	}
}

// Card builds the worker's registration card.
func (h *Host) Card(requestHost string) protocol.AgentCard {
	url := h.opts.PublicURL
	if url == "" {
		url = "http://" + requestHost
	}
	return protocol.AgentCard{
		Name:               h.opts.Name,
		Description:        h.opts.Description,
		URL:                url,
		Version:            h.opts.Version,
		Capabilities:       protocol.Capabilities{Streaming: true},
		DefaultInputModes:  []string{"text/plain"},
		DefaultOutputModes: []string{"text/plain"},
	}
}

// Handler routes the discovery path and the JSON-RPC endpoint.
func (h *Host) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+protocol.WellKnownCardPath, h.handleCard)
	mux.HandleFunc("POST /shutdown", h.handleShutdown)
	mux.HandleFunc("POST /", h.handleRPC)
	return mux
}

func (h *Host) handleShutdown(w http.ResponseWriter, r *http.Request) {
	token := h.opts.ShutdownToken
	if token == "" {
		http.NotFound(w, r)
		return
	}
	got := r.Header.Get("X-Shutdown-Token")
	if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	h.log.Info("shutdown requested", "worker", h.opts.Name)
	w.WriteHeader(http.StatusAccepted)
	h.stopOnce.Do(func() { close(h.stopCh) })
}

func (h *Host) handleCard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.Card(r.Host))
}

func (h *Host) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req protocol.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, nil, protocol.ErrCodeParse, "parse error")
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPCError(w, req.ID, protocol.ErrCodeInvalidRequest, "invalid request")
		return
	}

	switch req.Method {
	case protocol.MethodMessageSend:
		h.handleSend(w, r, req)
	case protocol.MethodMessageStream:
		h.handleStream(w, r, req)
	case protocol.MethodTasksList:
		h.handleTasksList(w, req)
	default:
		writeRPCError(w, req.ID, protocol.ErrCodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (h *Host) handleSend(w http.ResponseWriter, r *http.Request, req protocol.Request) {
	params, instruction, rpcErr := h.parseSend(req)
	if rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr.Code, rpcErr.Message)
		return
	}

	task := h.openTask(params.Message)
	result, err := h.opts.Job.Execute(r.Context(), instruction, nil)
	event := h.closeTask(task, result, err)
	writeRPCResult(w, req.ID, event)
}

func (h *Host) handleStream(w http.ResponseWriter, r *http.Request, req protocol.Request) {
	params, instruction, rpcErr := h.parseSend(req)
	if rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr.Code, rpcErr.Message)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeRPCError(w, req.ID, protocol.ErrCodeInternal, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Each frame is a response envelope so unary and streaming replies
	// parse the same way.
	emit := func(ev protocol.Event) {
		result, err := json.Marshal(ev)
		if err != nil {
			h.log.Error("marshal stream event", "error", err)
			return
		}
		data, err := json.Marshal(protocol.Response{JSONRPC: "2.0", ID: req.ID, Result: result})
		if err != nil {
			h.log.Error("marshal stream frame", "error", err)
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	task := h.openTask(params.Message)
	emit(protocol.Event{Task: h.snapshot(task.ID)})

	progress := func(text string) {
		status := protocol.TaskStatus{
			State:   protocol.TaskWorking,
			Message: agentMessage(task.ContextID, task.ID, text),
		}
		h.setStatus(task.ID, status)
		emit(protocol.Event{StatusUpdate: &protocol.StatusUpdateEvent{
			TaskID:    task.ID,
			ContextID: task.ContextID,
			Status:    status,
		}})
	}

	result, err := h.opts.Job.Execute(r.Context(), instruction, progress)

	for _, f := range result.Files {
		art := protocol.Artifact{
			ArtifactID: uuid.NewString(),
			Name:       f.Name,
			Parts: []protocol.Part{{
				Kind: protocol.PartKindFile,
				File: &protocol.FilePart{Name: f.Name, MimeType: f.MimeType, Bytes: f.Bytes},
			}},
		}
		h.addArtifact(task.ID, art)
		emit(protocol.Event{ArtifactUpdate: &protocol.ArtifactUpdateEvent{
			TaskID:    task.ID,
			ContextID: task.ContextID,
			Artifact:  art,
		}})
	}

	final := h.finalStatus(task, result, err)
	h.setStatus(task.ID, final)
	emit(protocol.Event{StatusUpdate: &protocol.StatusUpdateEvent{
		TaskID:    task.ID,
		ContextID: task.ContextID,
		Status:    final,
		Final:     true,
	}})
}

func (h *Host) handleTasksList(w http.ResponseWriter, req protocol.Request) {
	h.mu.Lock()
	tasks := make([]protocol.Task, 0, len(h.tasks))
	for _, t := range h.tasks {
		tasks = append(tasks, *t)
	}
	h.mu.Unlock()
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	writeRPCResult(w, req.ID, tasks)
}

func (h *Host) parseSend(req protocol.Request) (protocol.SendParams, string, *protocol.RPCError) {
	var params protocol.SendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return params, "", &protocol.RPCError{Code: protocol.ErrCodeInvalidParams, Message: "invalid params"}
	}
	var b strings.Builder
	for _, p := range params.Message.Parts {
		if p.Kind == protocol.PartKindText {
			b.WriteString(p.Text)
		}
	}
	instruction := strings.TrimSpace(b.String())
	if instruction == "" {
		return params, "", &protocol.RPCError{Code: protocol.ErrCodeInvalidParams, Message: "message carries no text"}
	}
	return params, instruction, nil
}

// openTask resumes the task named by the message or starts a fresh one in
// the submitted state.
func (h *Host) openTask(msg protocol.Message) *protocol.Task {
	h.mu.Lock()
	defer h.mu.Unlock()

	if msg.TaskID != "" {
		if t, ok := h.tasks[msg.TaskID]; ok && !t.Status.State.Terminal() {
			t.History = append(t.History, msg)
			t.Status = protocol.TaskStatus{State: protocol.TaskWorking}
			return t
		}
	}

	t := &protocol.Task{
		ID:        uuid.NewString(),
		ContextID: msg.ContextID,
		Status:    protocol.TaskStatus{State: protocol.TaskSubmitted},
		History:   []protocol.Message{msg},
	}
	h.tasks[t.ID] = t
	return t
}

func (h *Host) closeTask(task *protocol.Task, result JobResult, err error) protocol.Event {
	for _, f := range result.Files {
		h.addArtifact(task.ID, protocol.Artifact{
			ArtifactID: uuid.NewString(),
			Name:       f.Name,
			Parts: []protocol.Part{{
				Kind: protocol.PartKindFile,
				File: &protocol.FilePart{Name: f.Name, MimeType: f.MimeType, Bytes: f.Bytes},
			}},
		})
	}
	h.setStatus(task.ID, h.finalStatus(task, result, err))
	return protocol.Event{Task: h.snapshot(task.ID)}
}

func (h *Host) finalStatus(task *protocol.Task, result JobResult, err error) protocol.TaskStatus {
	switch {
	case err != nil:
		h.log.Warn("job failed", "task_id", task.ID, "error", err)
		return protocol.TaskStatus{
			State:   protocol.TaskFailed,
			Message: agentMessage(task.ContextID, task.ID, err.Error()),
		}
	case result.Question != "":
		return protocol.TaskStatus{
			State:   protocol.TaskInputRequired,
			Message: agentMessage(task.ContextID, task.ID, result.Question),
		}
	default:
		return protocol.TaskStatus{
			State:   protocol.TaskCompleted,
			Message: agentMessage(task.ContextID, task.ID, result.Output),
		}
	}
}

func (h *Host) snapshot(id string) *protocol.Task {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.tasks[id]
	if t == nil {
		return nil
	}
	copied := *t
	return &copied
}

func (h *Host) setStatus(id string, status protocol.TaskStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.tasks[id]; ok {
		t.Status = status
	}
}

func (h *Host) addArtifact(id string, art protocol.Artifact) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.tasks[id]; ok {
		t.Artifacts = append(t.Artifacts, art)
	}
}

func agentMessage(contextID, taskID, text string) *protocol.Message {
	return &protocol.Message{
		MessageID: uuid.NewString(),
		ContextID: contextID,
		TaskID:    taskID,
		Role:      "agent",
		Parts:     []protocol.Part{protocol.TextPart(text)},
	}
}

func writeRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		writeRPCError(w, id, protocol.ErrCodeInternal, "marshal result")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(protocol.Response{JSONRPC: "2.0", ID: id, Result: raw})
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(protocol.Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &protocol.RPCError{Code: code, Message: msg},
	})
}

// Serve runs the host on addr until ctx is canceled.
func (h *Host) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	case <-h.stopCh:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
