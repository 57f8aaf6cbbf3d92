// Package tui renders the terminal task dashboard: queue, running task,
// recent outcomes and a live event feed off the bus.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/rovercraft/fleetbridge/internal/bus"
	"github.com/rovercraft/fleetbridge/internal/watcher"
)

// Snapshot is one refresh of the dashboard's store-backed state.
type Snapshot struct {
	Pending   []watcher.Task
	Running   *watcher.Task
	Completed []watcher.CompletedTask
	Err       error
	Uptime    time.Duration
}

// StatusProvider produces a fresh Snapshot on each tick.
type StatusProvider func() Snapshot

// Options wires the dashboard's inputs. Bus is optional; without it the
// event feed stays empty.
type Options struct {
	Provider StatusProvider
	Bus      *bus.Bus
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	headerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("70"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("197"))
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

type model struct {
	provider StatusProvider
	sub      *bus.Subscription
	snap     Snapshot
	feed     *EventFeed
}

type tickMsg time.Time

type busMsg bus.Event

func tickCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// waitEvent blocks on the bus subscription until the next event.
func waitEvent(sub *bus.Subscription) tea.Cmd {
	if sub == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-sub.Ch()
		if !ok {
			return nil
		}
		return busMsg(ev)
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), waitEvent(m.sub))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "e":
			m.feed.Toggle()
		}
	case tickMsg:
		m.snap = m.provider()
		return m, tickCmd()
	case busMsg:
		m.feed.Add(formatEvent(bus.Event(msg)))
		return m, waitEvent(m.sub)
	}
	return m, nil
}

func (m model) View() string {
	var out strings.Builder
	out.WriteString(titleStyle.Render("Fleetbridge Tasks") + "\n\n")

	if m.snap.Err != nil {
		out.WriteString(failStyle.Render("store error: "+humanError(m.snap.Err)) + "\n\n")
	}

	out.WriteString(headerStyle.Render(fmt.Sprintf("Queue (%d)", len(m.snap.Pending))) + "\n")
	if len(m.snap.Pending) == 0 {
		out.WriteString(dimStyle.Render("  (empty)") + "\n")
	}
	for _, t := range m.snap.Pending {
		out.WriteString(fmt.Sprintf("  %-9s %-10s %s\n",
			t.TaskID, urgencyLabel(t.Payload.Urgency), truncate(t.Payload.Task, 60)))
	}

	out.WriteString("\n" + headerStyle.Render("Running") + "\n")
	if m.snap.Running == nil {
		out.WriteString(dimStyle.Render("  (idle)") + "\n")
	} else {
		r := m.snap.Running
		out.WriteString(runningStyle.Render(fmt.Sprintf("  %s try %d  %s",
			r.TaskID, r.Payload.Attempts+1, truncate(r.Payload.Task, 54))) + "\n")
	}

	out.WriteString("\n" + headerStyle.Render("Recent outcomes") + "\n")
	if len(m.snap.Completed) == 0 {
		out.WriteString(dimStyle.Render("  (none)") + "\n")
	}
	for _, c := range m.snap.Completed {
		style := successStyle
		if c.Status == watcher.StatusFailed {
			style = failStyle
		}
		dur := time.Duration(c.DurationSeconds * float64(time.Second)).Round(time.Second)
		out.WriteString(style.Render(fmt.Sprintf("  %-9s %-8s %d attempt(s) %s",
			c.TaskID, c.Status, c.Payload.Attempts, dur)) + "\n")
	}

	if feed := m.feed.View(); feed != "" {
		out.WriteString("\n" + feed)
	}

	out.WriteString("\n" + dimStyle.Render(fmt.Sprintf("up %s   q quit, e events",
		m.snap.Uptime.Truncate(time.Second))) + "\n")
	return out.String()
}

func urgencyLabel(u string) string {
	if u == "" {
		return watcher.UrgencyMedium
	}
	return u
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

// formatEvent renders one bus event as a feed line.
func formatEvent(ev bus.Event) string {
	switch p := ev.Payload.(type) {
	case bus.TaskQueuedEvent:
		return fmt.Sprintf("%s %s (%s)", ev.Topic, p.TaskID, p.Priority)
	case bus.TaskAttemptEvent:
		verdict := "failed"
		if p.Success {
			verdict = "passed"
		}
		return fmt.Sprintf("%s %s try %d/%d %s", ev.Topic, p.TaskID, p.Try, p.Max, verdict)
	case bus.TaskDoneEvent:
		return fmt.Sprintf("%s %s %s after %d attempt(s)", ev.Topic, p.TaskID, p.Status, p.Attempts)
	case bus.WorkerExitEvent:
		if ev.Topic == bus.TopicWorkerStarted {
			return fmt.Sprintf("%s %s", ev.Topic, p.Name)
		}
		return fmt.Sprintf("%s %s code %d", ev.Topic, p.Name, p.Code)
	case bus.WorkerRegisteredEvent:
		return fmt.Sprintf("%s %s at %s", ev.Topic, p.Name, p.Address)
	case bus.DispatchEvent:
		if p.Error != "" {
			return fmt.Sprintf("%s %s: %s", ev.Topic, p.Worker, truncate(p.Error, 40))
		}
		return fmt.Sprintf("%s %s in %s", ev.Topic, p.Worker, p.Duration.Round(time.Millisecond))
	default:
		return ev.Topic
	}
}

// Run starts the dashboard and blocks until quit or ctx cancellation.
func Run(ctx context.Context, opts Options) error {
	defer bestEffortResetTTY()

	var sub *bus.Subscription
	if opts.Bus != nil {
		sub = opts.Bus.Subscribe("")
		defer opts.Bus.Unsubscribe(sub)
	}

	m := model{
		provider: opts.Provider,
		sub:      sub,
		snap:     opts.Provider(),
		feed:     NewEventFeed(),
	}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
