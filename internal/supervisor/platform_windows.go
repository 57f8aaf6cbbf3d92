//go:build windows

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// OSPlatform spawns real processes. Windows has no process groups to
// signal, so interrupt and terminate both map to Kill on the direct
// child; the escalation algorithm above is unchanged.
type OSPlatform struct{}

func (OSPlatform) Spawn(ctx context.Context, entry Entry, env []string, output io.Writer) (Process, error) {
	cmd := exec.CommandContext(ctx, entry.Command, entry.Args...)
	cmd.Dir = entry.Dir
	cmd.Env = env
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.Cancel = func() error { return nil }

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", entry.Name, err)
	}

	p := &osProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		err := cmd.Wait()
		p.mu.Lock()
		defer p.mu.Unlock()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			p.exitCode = 0
		case errors.As(err, &exitErr):
			p.exitCode = exitErr.ExitCode()
		default:
			p.exitCode = -1
		}
	}()
	return p, nil
}

type osProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	exitCode int
}

func (p *osProcess) Done() <-chan struct{} { return p.done }

func (p *osProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *osProcess) Signal(sig Signal) error {
	var err error
	switch sig {
	case SignalInterrupt:
		err = p.cmd.Process.Signal(os.Interrupt)
		if err == nil {
			return nil
		}
		fallthrough
	case SignalTerminate, SignalKill:
		err = p.cmd.Process.Kill()
	default:
		return fmt.Errorf("unsupported signal %d", sig)
	}
	if err == nil || errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return fmt.Errorf("signal %s: %w", sig, err)
}
