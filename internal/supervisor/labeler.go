package supervisor

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

var labelColors = []lipgloss.Color{
	"39",  // blue
	"208", // orange
	"70",  // green
	"197", // pink
	"141", // purple
	"244", // gray
	"214", // amber
	"33",  // deep blue
}

// Fragments that mark routine access-log lines worth suppressing.
var accessPatterns = []string{
	` "GET `,
	` "POST `,
	` "PUT `,
	` "DELETE `,
	` "PATCH `,
}

var noisyPathSnippets = []string{
	"/health",
	"/events/ws",
	"/workers",
	"/tasks/list",
}

// labelWriter prefixes every line of a process's output with its colored
// component label. It buffers partial writes until a newline arrives and
// optionally drops access-log lines, counting what it suppressed.
type labelWriter struct {
	out        io.Writer
	prefix     string
	rendered   string
	hideAccess bool

	mu         sync.Mutex
	buf        bytes.Buffer
	suppressed int
}

func newLabelWriter(out io.Writer, name string, colorIndex int, noColor, hideAccess bool) *labelWriter {
	prefix := fmt.Sprintf("%-14s", "["+name+"]")
	rendered := prefix
	if !noColor {
		style := lipgloss.NewStyle().Foreground(labelColors[colorIndex%len(labelColors)])
		rendered = style.Render(prefix)
	}
	return &labelWriter{out: out, prefix: prefix, rendered: rendered, hideAccess: hideAccess}
}

func (w *labelWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Partial line stays buffered for the next write.
			w.buf.WriteString(line)
			break
		}
		w.emit(line)
	}
	return len(p), nil
}

// Flush prints any trailing line that never received its newline.
func (w *labelWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.String() + "\n")
		w.buf.Reset()
	}
}

// Suppressed reports how many access-log lines were dropped.
func (w *labelWriter) Suppressed() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.suppressed
}

func (w *labelWriter) emit(line string) {
	if w.hideAccess && isAccessLine(line) {
		w.suppressed++
		return
	}
	fmt.Fprintf(w.out, "%s %s", w.rendered, line)
}

func isAccessLine(line string) bool {
	for _, p := range accessPatterns {
		if strings.Contains(line, p) {
			return true
		}
	}
	for _, s := range noisyPathSnippets {
		if strings.Contains(line, s) {
			return true
		}
	}
	return false
}
