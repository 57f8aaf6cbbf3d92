package supervisor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rovercraft/fleetbridge/internal/bus"
)

// ShutdownTokenEnv is exported to every fleet process so children can
// recognize a coordinated teardown.
const ShutdownTokenEnv = "SHUTDOWN_TOKEN"

const (
	DefaultGraceInt  = 8 * time.Second
	DefaultGraceTerm = 6 * time.Second
)

// Options configures a Supervisor. Zero grace values take the defaults.
type Options struct {
	Platform Platform
	Out      io.Writer
	Logger   *slog.Logger
	Bus      *bus.Bus

	GraceInt   time.Duration
	GraceTerm  time.Duration
	NoColor    bool
	HideAccess bool

	// Env is the base environment for children. Nil means the current
	// process environment.
	Env []string
}

type runningProc struct {
	entry  Entry
	proc   Process
	writer *labelWriter
}

// Supervisor launches a plan's processes and owns their shutdown. One
// Stop request begins the staged escalation; a second forces an
// immediate kill of every survivor.
type Supervisor struct {
	opts  Options
	token string

	stopOnce  sync.Once
	forceOnce sync.Once
	stopCh    chan struct{}
	forceCh   chan struct{}
}

func New(opts Options) *Supervisor {
	if opts.Platform == nil {
		opts.Platform = OSPlatform{}
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.GraceInt <= 0 {
		opts.GraceInt = DefaultGraceInt
	}
	if opts.GraceTerm <= 0 {
		opts.GraceTerm = DefaultGraceTerm
	}
	return &Supervisor{
		opts:    opts,
		token:   shutdownToken(),
		stopCh:  make(chan struct{}),
		forceCh: make(chan struct{}),
	}
}

// Token returns the shared shutdown token injected into children.
func (s *Supervisor) Token() string { return s.token }

// Stop requests shutdown. The first call starts the staged escalation;
// any further call short-circuits to the kill step.
func (s *Supervisor) Stop() {
	stopped := false
	s.stopOnce.Do(func() {
		close(s.stopCh)
		stopped = true
	})
	if !stopped {
		s.forceOnce.Do(func() { close(s.forceCh) })
	}
}

// Run starts every plan entry in order, then blocks until a process
// exits, Stop is called, or ctx is canceled, and tears the fleet down.
// A spawn failure aborts the launch and tears down whatever had started.
func (s *Supervisor) Run(ctx context.Context, plan []Entry) error {
	log := s.opts.Logger

	var procs []*runningProc
	for i, entry := range plan {
		writer := newLabelWriter(s.opts.Out, entry.Name, i, s.opts.NoColor, s.opts.HideAccess)
		proc, err := s.opts.Platform.Spawn(ctx, entry, s.childEnv(entry), writer)
		if err != nil {
			log.Error("spawn failed, aborting launch", "component", entry.Name, "error", err)
			s.shutdown(procs, true)
			return fmt.Errorf("spawn %s: %w", entry.Name, err)
		}
		log.Info("started", "component", entry.Name, "command", entry.Command)
		if s.opts.Bus != nil {
			s.opts.Bus.Publish(bus.TopicWorkerStarted, bus.WorkerExitEvent{Name: entry.Name})
		}
		procs = append(procs, &runningProc{entry: entry, proc: proc, writer: writer})
	}

	// Wake on whichever finishes first: any child exit or a stop request.
	firstExit := make(chan *runningProc, len(procs))
	for _, rp := range procs {
		rp := rp
		go func() {
			<-rp.proc.Done()
			firstExit <- rp
		}()
	}

	select {
	case rp := <-firstExit:
		code := rp.proc.ExitCode()
		log.Warn("process exited, shutting down the rest", "component", rp.entry.Name, "code", code)
		if s.opts.Bus != nil {
			s.opts.Bus.Publish(bus.TopicWorkerExited, bus.WorkerExitEvent{Name: rp.entry.Name, Code: code})
		}
	case <-s.stopCh:
		log.Info("stop requested, shutting down")
	case <-ctx.Done():
		log.Info("context canceled, shutting down")
	}

	force := false
	select {
	case <-s.forceCh:
		force = true
	default:
	}
	s.shutdown(procs, force)

	for _, rp := range procs {
		rp.writer.Flush()
		if n := rp.writer.Suppressed(); n > 0 {
			fmt.Fprintf(s.opts.Out, "suppressed %d access log line(s) from %s\n", n, rp.entry.Name)
		}
	}
	return nil
}

// shutdown escalates over the still-running processes in reverse start
// order: interrupt, wait; terminate, wait; kill. force skips straight to
// the kill step, as does a force request arriving mid-grace.
func (s *Supervisor) shutdown(procs []*runningProc, force bool) {
	log := s.opts.Logger

	if !force {
		s.signalReverse(procs, SignalInterrupt)
		if s.waitAll(procs, s.opts.GraceInt) {
			return
		}
		select {
		case <-s.forceCh:
			force = true
		default:
		}
	}

	if !force {
		for _, rp := range survivors(procs) {
			log.Warn("did not stop on interrupt, escalating", "component", rp.entry.Name)
		}
		s.signalReverse(procs, SignalTerminate)
		if s.waitAll(procs, s.opts.GraceTerm) {
			return
		}
	}

	for _, rp := range survivors(procs) {
		log.Warn("force killing", "component", rp.entry.Name)
	}
	s.signalReverse(procs, SignalKill)
	s.waitAll(procs, s.opts.GraceTerm)
}

func (s *Supervisor) signalReverse(procs []*runningProc, sig Signal) {
	for i := len(procs) - 1; i >= 0; i-- {
		rp := procs[i]
		select {
		case <-rp.proc.Done():
			continue
		default:
		}
		if err := rp.proc.Signal(sig); err != nil {
			s.opts.Logger.Warn("signal failed", "component", rp.entry.Name, "signal", sig.String(), "error", err)
		}
	}
}

// waitAll waits up to grace for every process to exit. Returns true when
// all are down. A force request cuts the wait short.
func (s *Supervisor) waitAll(procs []*runningProc, grace time.Duration) bool {
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	for _, rp := range procs {
		select {
		case <-rp.proc.Done():
		case <-s.forceCh:
			return false
		case <-deadline.C:
			return false
		}
	}
	return true
}

func survivors(procs []*runningProc) []*runningProc {
	var out []*runningProc
	for _, rp := range procs {
		select {
		case <-rp.proc.Done():
		default:
			out = append(out, rp)
		}
	}
	return out
}

func (s *Supervisor) childEnv(entry Entry) []string {
	env := s.opts.Env
	if env == nil {
		env = os.Environ()
	}
	out := make([]string, len(env), len(env)+2)
	copy(out, env)
	out = append(out, ShutdownTokenEnv+"="+s.token)
	if entry.Port > 0 {
		out = append(out, "PORT="+strconv.Itoa(entry.Port))
	}
	return out
}

// shutdownToken reuses an inherited token so nested supervisors share
// one, otherwise mints a fresh random one.
func shutdownToken() string {
	if t := os.Getenv(ShutdownTokenEnv); t != "" {
		return t
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "fleetbridge"
	}
	return hex.EncodeToString(b)
}
