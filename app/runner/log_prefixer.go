package runner

import (
	"bytes"
	"io"
	"sync"
	"unicode/utf8"
)

// maxPrefixRunes limits job id shown in the prefix, longer ids are cut and marked with "…"
const maxPrefixRunes = 16

// LogPrefixer writes "{job} " in front of every line of the echoed output, so output of several
// jobs sharing a terminal can be told apart. Line starts are tracked across writes, a line split
// over several writes gets a single prefix. Thread safe.
type LogPrefixer struct {
	mu      sync.Mutex
	out     io.Writer
	prefix  []byte
	midLine bool // last write ended without a newline
}

// NewLogPrefixer makes prefixer for jobID writing to out
func NewLogPrefixer(out io.Writer, jobID string) *LogPrefixer {
	return &LogPrefixer{out: out, prefix: []byte("{" + shortJobID(jobID) + "} ")}
}

// Write prefixes line starts found in data and passes the result to the underlying writer in one call
func (p *LogPrefixer) Write(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	buf := make([]byte, 0, len(data)+len(p.prefix)*(bytes.Count(data, []byte{'\n'})+1))
	for rest := data; len(rest) > 0; {
		if !p.midLine {
			buf = append(buf, p.prefix...)
		}
		idx := bytes.IndexByte(rest, '\n')
		if idx < 0 {
			buf = append(buf, rest...)
			p.midLine = true
			break
		}
		buf = append(buf, rest[:idx+1]...)
		rest = rest[idx+1:]
		p.midLine = false
	}

	if _, err := p.out.Write(buf); err != nil {
		return 0, err
	}
	return len(data), nil
}

// shortJobID cuts jobID to maxPrefixRunes runes, never splitting a multi-byte rune
func shortJobID(jobID string) string {
	if utf8.RuneCountInString(jobID) <= maxPrefixRunes {
		return jobID
	}
	n := 0
	for i := range jobID {
		if n == maxPrefixRunes {
			return jobID[:i] + "…"
		}
		n++
	}
	return jobID
}
