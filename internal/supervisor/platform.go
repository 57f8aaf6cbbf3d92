package supervisor

import (
	"context"
	"io"
)

// Signal is the escalation level delivered to a process group.
type Signal int

const (
	SignalInterrupt Signal = iota
	SignalTerminate
	SignalKill
)

func (s Signal) String() string {
	switch s {
	case SignalInterrupt:
		return "interrupt"
	case SignalTerminate:
		return "terminate"
	case SignalKill:
		return "kill"
	}
	return "unknown"
}

// Process is a spawned fleet member. Done is closed once the process has
// exited and its output drained.
type Process interface {
	Done() <-chan struct{}
	ExitCode() int

	// Signal delivers sig to the whole process group. Signaling an
	// already-dead process is not an error.
	Signal(sig Signal) error
}

// Platform abstracts process-group spawning and signaling so the
// escalation algorithm runs identically where process groups exist and
// where only direct termination is available, and so tests can drive it
// without real processes.
type Platform interface {
	Spawn(ctx context.Context, entry Entry, env []string, output io.Writer) (Process, error)
}
