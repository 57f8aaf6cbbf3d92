//go:build unix

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
)

// OSPlatform spawns real processes, each in its own process group.
type OSPlatform struct{}

func (OSPlatform) Spawn(ctx context.Context, entry Entry, env []string, output io.Writer) (Process, error) {
	cmd := exec.CommandContext(ctx, entry.Command, entry.Args...)
	cmd.Dir = entry.Dir
	cmd.Env = env
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return nil } // escalation owns signaling

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", entry.Name, err)
	}

	p := &osProcess{cmd: cmd, pgid: cmd.Process.Pid, done: make(chan struct{})}
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
	pgid int
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
	var s syscall.Signal
	switch sig {
	case SignalInterrupt:
		s = syscall.SIGINT
	case SignalTerminate:
		s = syscall.SIGTERM
	case SignalKill:
		s = syscall.SIGKILL
	default:
		return fmt.Errorf("unsupported signal %d", sig)
	}

	// Negative pid addresses the whole group. Fall back to the direct
	// child when group delivery is denied.
	err := syscall.Kill(-p.pgid, s)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	if errors.Is(err, syscall.EPERM) {
		if err := p.cmd.Process.Signal(s); err == nil || errors.Is(err, syscall.ESRCH) {
			return nil
		}
	}
	return fmt.Errorf("signal group %d with %s: %w", p.pgid, sig, err)
}
