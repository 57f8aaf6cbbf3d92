// Package delegator owns per-conversation state and enforces the
// single-flight invariant: at most one remote call in flight per context.
// It routes instructions to registered workers through the remote client
// and translates terminal task states into session-level signals.
package delegator

import (
	"errors"
	"fmt"
)

// ErrUnknownWorker is returned when a dispatch names a worker that is not
// in the registry.
var ErrUnknownWorker = errors.New("unknown worker")

// ErrSessionBusy is returned when a dispatch arrives while the session
// already has a call in flight. The caller decides whether to queue or
// surface the rejection; calls are never interleaved.
var ErrSessionBusy = errors.New("session busy")

// WorkerCallError wraps a protocol-level error payload from a worker. The
// session is marked inactive when one occurs.
type WorkerCallError struct {
	Worker  string
	Code    int
	Message string
}

func (e *WorkerCallError) Error() string {
	return fmt.Sprintf("worker %s returned error %d: %s", e.Worker, e.Code, e.Message)
}

// TaskStateError reports a task that ended canceled or failed.
type TaskStateError struct {
	Worker string
	TaskID string
	State  string
}

func (e *TaskStateError) Error() string {
	return fmt.Sprintf("worker %s task %s ended %s", e.Worker, e.TaskID, e.State)
}
