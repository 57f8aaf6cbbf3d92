package tui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// feedLine is one captured bus event.
type feedLine struct {
	At   time.Time
	Text string
}

// EventFeed keeps the most recent bus events for the dashboard's
// collapsible feed section.
type EventFeed struct {
	mu        sync.Mutex
	lines     []feedLine
	collapsed bool
	maxLines  int
}

func NewEventFeed() *EventFeed {
	return &EventFeed{maxLines: 12, collapsed: true}
}

func (f *EventFeed) Add(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, feedLine{At: time.Now(), Text: text})
	if len(f.lines) > f.maxLines {
		f.lines = f.lines[1:]
	}
}

func (f *EventFeed) Toggle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collapsed = !f.collapsed
}

func (f *EventFeed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lines)
}

func (f *EventFeed) View() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.lines) == 0 {
		return ""
	}

	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	if f.collapsed {
		return dim.Render(fmt.Sprintf("── %d events (e to expand) ──", len(f.lines))) + "\n"
	}

	lineS := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	var out strings.Builder
	out.WriteString(dim.Render("── Events (e to collapse) ──") + "\n")
	for _, l := range f.lines {
		out.WriteString(lineS.Render(fmt.Sprintf("%s %s", l.At.Format("15:04:05"), l.Text)) + "\n")
	}
	return out.String()
}
