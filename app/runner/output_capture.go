package runner

import (
	"bytes"
	"strings"
	"sync"
)

// OutputCapture keeps the last N lines of command output and counts all of them. A line split over
// several writes is assembled before counting. Blank lines are ignored. Thread safe.
type OutputCapture struct {
	maxLines int
	mu       sync.Mutex
	tail     []string
	total    int
	partial  []byte // unterminated end of the last write
}

// NewOutputCapture makes io.Writer keeping up to maxLines last lines
func NewOutputCapture(maxLines int) *OutputCapture {
	return &OutputCapture{maxLines: maxLines}
}

// Write satisfies io.Writer
func (o *OutputCapture) Write(p []byte) (n int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data := append(o.partial, p...) //nolint:gocritic // partial is owned by capture
	o.partial = nil
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		o.add(string(data[:idx]))
		data = data[idx+1:]
	}
	if len(data) > 0 {
		o.partial = append([]byte(nil), data...)
	}
	return len(p), nil
}

// add records a complete line, must be called with mu held
func (o *OutputCapture) add(line string) {
	line = strings.TrimSuffix(line, "\r")
	if strings.TrimSpace(line) == "" {
		return
	}
	o.total++
	if o.maxLines <= 0 {
		return
	}
	if len(o.tail) >= o.maxLines {
		o.tail = o.tail[1:]
	}
	o.tail = append(o.tail, line)
}

// Tail returns captured lines joined by newline, including unterminated last line
func (o *OutputCapture) Tail() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	lines := o.tail
	if o.maxLines > 0 && o.pendingLine() {
		lines = append(append([]string(nil), o.tail...), string(o.partial))
		if len(lines) > o.maxLines {
			lines = lines[1:]
		}
	}
	return strings.Join(lines, "\n")
}

// Lines returns the number of non-blank lines written so far, including unterminated last line
func (o *OutputCapture) Lines() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pendingLine() {
		return o.total + 1
	}
	return o.total
}

func (o *OutputCapture) pendingLine() bool {
	return len(bytes.TrimSpace(o.partial)) > 0
}
