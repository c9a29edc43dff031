// Package progress reports the progress of long-running batch work such as
// retention sweeps.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Callback receives progress updates. total is 0 when it is not known.
type Callback func(op string, current, total int, message string)

// Noop discards updates.
func Noop(op string, current, total int, message string) {}

// Terminal redraws one status line per operation on a terminal.
type Terminal struct {
	mu       sync.Mutex
	writer   io.Writer
	prefix   string
	op       string
	lastLen  int
	enabled  bool
	finished []string
}

// NewTerminal creates a terminal reporter writing to stderr.
func NewTerminal(prefix string, enabled bool) *Terminal {
	return NewTerminalWithOutput(prefix, enabled, os.Stderr)
}

// NewTerminalWithOutput creates a terminal reporter writing to w.
func NewTerminalWithOutput(prefix string, enabled bool, w io.Writer) *Terminal {
	return &Terminal{writer: w, prefix: prefix, enabled: enabled}
}

// Callback returns a Callback drawing to this terminal. A new op ends the
// previous op's line.
func (t *Terminal) Callback() Callback {
	return func(op string, current, total int, message string) {
		t.mu.Lock()
		defer t.mu.Unlock()
		if !t.enabled {
			return
		}
		if t.op != "" && op != t.op {
			fmt.Fprintln(t.writer)
			t.finished = append(t.finished, t.op)
			t.lastLen = 0
		}
		t.op = op
		t.render(current, total, message)
	}
}

func (t *Terminal) render(current, total int, message string) {
	line := fmt.Sprintf("%s %s: %d", t.prefix, t.op, current)
	if total > 0 {
		line += fmt.Sprintf("/%d (%.0f%%)", total, float64(current)/float64(total)*100)
	}
	if message != "" {
		line += " " + message
	}
	pad := ""
	if n := t.lastLen - len(line); n > 0 {
		pad = strings.Repeat(" ", n)
	}
	fmt.Fprint(t.writer, "\r"+line+pad)
	t.lastLen = len(line)
}

// Done ends the current line.
func (t *Terminal) Done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled || t.op == "" {
		return
	}
	fmt.Fprintln(t.writer)
	t.finished = append(t.finished, t.op)
	t.op, t.lastLen = "", 0
}

// Ops returns the operations whose lines were completed, in order.
func (t *Terminal) Ops() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.finished...)
}
