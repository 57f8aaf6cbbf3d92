package delegator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/rovercraft/fleetbridge/internal/artifact"
	"github.com/rovercraft/fleetbridge/internal/protocol"
)

// Session is the per-conversation state. At most one remote call may be in
// flight per context at any time.
type Session struct {
	ContextID     string
	ActiveWorker  string
	LastTaskID    string
	LastMessageID string
	Busy          bool
	Active        bool
}

// TurnResult is the outcome of one dispatched turn.
type TurnResult struct {
	// Parts holds the normalized content: status-message parts first,
	// then artifact parts in attachment order.
	Parts []any

	// InputRequired signals that the worker paused the turn awaiting
	// more input. Not an error; the caller may dispatch a follow-up.
	InputRequired bool

	// TaskID is the task the turn ran under, when one was tracked.
	TaskID string
}

// Coordinator enforces single-flight dispatch per conversation and merges
// streamed task updates into its task store. All state is explicit and
// owned by the instance; lifecycle is tied to the process.
type Coordinator struct {
	registry  *Registry
	artifacts *artifact.Store
	log       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	tasks    map[string]*protocol.Task
}

// NewCoordinator builds a coordinator over the given registry and artifact
// store.
func NewCoordinator(registry *Registry, artifacts *artifact.Store, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		registry:  registry,
		artifacts: artifacts,
		log:       logger,
		sessions:  make(map[string]*Session),
		tasks:     make(map[string]*protocol.Task),
	}
}

// Session returns a copy of the session state for the context, if any.
func (c *Coordinator) Session(contextID string) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[contextID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Tasks lists every tracked task, sorted by id.
func (c *Coordinator) Tasks() []protocol.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Task returns a copy of a tracked task.
func (c *Coordinator) Task(id string) (protocol.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	if !ok {
		return protocol.Task{}, false
	}
	return *t, true
}

// Dispatch sends text to the named worker within the given conversation.
// It rejects unknown workers and busy sessions, carries task and message
// identifiers across turns, and converts the reply into transcript parts.
func (c *Coordinator) Dispatch(ctx context.Context, contextID, workerName, text string) (TurnResult, error) {
	client, ok := c.registry.Get(workerName)
	if !ok {
		return TurnResult{}, fmt.Errorf("%w: %s", ErrUnknownWorker, workerName)
	}

	c.mu.Lock()
	sess := c.sessions[contextID]
	if sess == nil {
		sess = &Session{ContextID: contextID, Active: true}
		c.sessions[contextID] = sess
	}
	if sess.Busy {
		c.mu.Unlock()
		return TurnResult{}, fmt.Errorf("%w: context %s", ErrSessionBusy, contextID)
	}
	sess.Busy = true
	sess.Active = true
	sess.ActiveWorker = workerName

	messageID := sess.LastMessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}
	sess.LastMessageID = messageID
	taskID := sess.LastTaskID
	c.mu.Unlock()

	params := protocol.SendParams{
		Message: protocol.Message{
			MessageID: messageID,
			ContextID: contextID,
			TaskID:    taskID,
			Role:      "user",
			Parts:     []protocol.Part{protocol.TextPart(text)},
		},
	}

	result, err := client.Send(ctx, params, c.mergeEvent)
	if err != nil {
		c.endTurn(contextID, "", false)
		var rpcErr *protocol.RPCError
		if errors.As(err, &rpcErr) {
			c.deactivate(contextID)
			return TurnResult{}, &WorkerCallError{Worker: workerName, Code: rpcErr.Code, Message: rpcErr.Message}
		}
		return TurnResult{}, fmt.Errorf("dispatch to %s: %w", workerName, err)
	}

	if result.Message != nil {
		// Single-turn reply: the conversation is not busy and no task id
		// carries over.
		c.endTurn(contextID, "", false)
		return TurnResult{Parts: convertParts(result.Message.Parts, c.artifacts, c.log)}, nil
	}

	task := result.Task
	state := task.Status.State
	busy := state == protocol.TaskSubmitted || state == protocol.TaskWorking
	if state.Terminal() {
		// A terminal task must not be reused: the next turn starts a
		// fresh task/message pair.
		c.endTurn(contextID, "", false)
	} else {
		c.endTurn(contextID, task.ID, busy)
	}

	switch state {
	case protocol.TaskInputRequired:
		return TurnResult{
			Parts:         c.collectParts(task),
			InputRequired: true,
			TaskID:        task.ID,
		}, nil
	case protocol.TaskCanceled, protocol.TaskFailed:
		return TurnResult{TaskID: task.ID}, &TaskStateError{
			Worker: workerName,
			TaskID: task.ID,
			State:  string(state),
		}
	default:
		return TurnResult{Parts: c.collectParts(task), TaskID: task.ID}, nil
	}
}

// collectParts concatenates the task's status-message parts and all
// artifact parts, in that order.
func (c *Coordinator) collectParts(task *protocol.Task) []any {
	var parts []protocol.Part
	if task.Status.Message != nil {
		parts = append(parts, task.Status.Message.Parts...)
	}
	for _, a := range task.Artifacts {
		parts = append(parts, a.Parts...)
	}
	return convertParts(parts, c.artifacts, c.log)
}

// mergeEvent folds a streamed event into the task store. Task snapshots
// replace the stored object; status updates change state unless the stored
// task is already terminal; artifact updates append.
func (c *Coordinator) mergeEvent(ev protocol.Event, card protocol.AgentCard) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case ev.Task != nil:
		stored := c.tasks[ev.Task.ID]
		if stored != nil && stored.Status.State.Terminal() && !ev.Task.Status.State.Terminal() {
			c.log.Debug("ignoring non-terminal snapshot for terminal task",
				"worker", card.Name, "task_id", ev.Task.ID)
			return
		}
		snapshot := *ev.Task
		c.tasks[ev.Task.ID] = &snapshot

	case ev.StatusUpdate != nil:
		u := ev.StatusUpdate
		stored := c.tasks[u.TaskID]
		if stored == nil {
			c.tasks[u.TaskID] = &protocol.Task{
				ID:        u.TaskID,
				ContextID: u.ContextID,
				Status:    u.Status,
			}
			return
		}
		if stored.Status.State.Terminal() {
			c.log.Debug("ignoring status update for terminal task",
				"worker", card.Name, "task_id", u.TaskID, "state", u.Status.State)
			return
		}
		stored.Status = u.Status

	case ev.ArtifactUpdate != nil:
		u := ev.ArtifactUpdate
		stored := c.tasks[u.TaskID]
		if stored == nil {
			stored = &protocol.Task{ID: u.TaskID, ContextID: u.ContextID}
			c.tasks[u.TaskID] = stored
		}
		stored.Artifacts = append(stored.Artifacts, u.Artifact)
	}
}

// endTurn records the turn outcome on the session. An empty taskID clears
// the carried identifiers so the next turn starts fresh.
func (c *Coordinator) endTurn(contextID, taskID string, busy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess := c.sessions[contextID]
	if sess == nil {
		return
	}
	sess.Busy = busy
	sess.LastTaskID = taskID
	if taskID == "" {
		sess.LastMessageID = ""
	}
}

func (c *Coordinator) deactivate(contextID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sess := c.sessions[contextID]; sess != nil {
		sess.Active = false
	}
}
