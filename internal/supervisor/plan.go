// Package supervisor starts the fleet's processes, multiplexes their
// output under colored labels and tears them down with a staged signal
// escalation per process group.
package supervisor

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rovercraft/fleetbridge/internal/config"
)

// Entry is one process in the launch plan.
type Entry struct {
	Name    string
	Dir     string
	Command string
	Args    []string
	Port    int
}

// Selection is the operator's choice of components, from flags.
type Selection struct {
	App     bool
	Watcher bool

	AllWorkers bool
	Workers    []string
}

// ErrNothingToRun means the selection excluded every component.
var ErrNothingToRun = errors.New("nothing to run")

// UnknownWorkersError names workers requested but not configured.
type UnknownWorkersError struct {
	Unknown   []string
	Available []string
}

func (e *UnknownWorkersError) Error() string {
	avail := strings.Join(e.Available, ", ")
	if avail == "" {
		avail = "(none)"
	}
	return fmt.Sprintf("unknown worker(s): %s (available: %s)", strings.Join(e.Unknown, ", "), avail)
}

// WorkerNames lists the configured fleet workers, sorted.
func WorkerNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Workers))
	for _, w := range cfg.Workers {
		names = append(names, w.Name)
	}
	sort.Strings(names)
	return names
}

// BuildPlan deterministically produces the ordered launch list for a
// selection. Core components come first in a fixed order, then workers in
// config order. Unknown worker names fail before anything starts.
func BuildPlan(cfg *config.Config, sel Selection) ([]Entry, error) {
	var plan []Entry

	exe := selfCommand()
	if sel.App {
		plan = append(plan, Entry{Name: "delegator", Command: exe, Args: []string{"delegator"}})
	}
	if sel.Watcher {
		plan = append(plan, Entry{Name: "watcher", Command: exe, Args: []string{"watcher"}})
	}

	byName := make(map[string]config.WorkerConfig, len(cfg.Workers))
	for _, w := range cfg.Workers {
		byName[w.Name] = w
	}

	var selected []config.WorkerConfig
	switch {
	case sel.AllWorkers:
		selected = cfg.Workers
	case len(sel.Workers) > 0:
		var unknown []string
		for _, name := range sel.Workers {
			w, ok := byName[name]
			if !ok {
				unknown = append(unknown, name)
				continue
			}
			selected = append(selected, w)
		}
		if len(unknown) > 0 {
			return nil, &UnknownWorkersError{Unknown: unknown, Available: WorkerNames(cfg)}
		}
	default:
		for _, w := range cfg.Workers {
			if !w.Optional {
				selected = append(selected, w)
			}
		}
	}

	for _, w := range selected {
		plan = append(plan, Entry{
			Name:    "worker-" + w.Name,
			Dir:     w.Dir,
			Command: w.Command,
			Args:    w.Args,
			Port:    w.Port,
		})
	}

	if len(plan) == 0 {
		return nil, ErrNothingToRun
	}
	return plan, nil
}

// selfCommand resolves the running binary so core components launch as
// subcommands of it.
func selfCommand() string {
	exe, err := os.Executable()
	if err != nil {
		return os.Args[0]
	}
	return exe
}
